package main

import (
	"bytes"
	"context"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"os"
	"path/filepath"
	"sync"

	"github.com/natefinch/atomic"

	"github.com/CTAG07/wordchain/pkg/markov"
	"github.com/CTAG07/wordchain/pkg/store"
)

var (
	// ErrModelExists is returned when creating a model whose name is taken.
	ErrModelExists = errors.New("model already exists")
	// ErrInvalidName is returned for model names that are not safe to use in
	// URLs and file names.
	ErrInvalidName = errors.New("invalid model name")
)

// maxNameLength bounds model names.
const maxNameLength = 64

// validateName accepts names made of ASCII letters, digits, '-', '_' and
// '.', not starting with '.'.
func validateName(name string) error {
	if name == "" || len(name) > maxNameLength || name[0] == '.' {
		return fmt.Errorf("%w: %q", ErrInvalidName, name)
	}
	for _, r := range name {
		switch {
		case r >= 'a' && r <= 'z', r >= 'A' && r <= 'Z', r >= '0' && r <= '9', r == '-', r == '_', r == '.':
		default:
			return fmt.Errorf("%w: %q", ErrInvalidName, name)
		}
	}
	return nil
}

// Registry keeps the chains the server has touched in memory and writes
// every change back to the store. Generation reads the live chain; training
// builds a side chain first and merges it in, so generation is only blocked
// for the merge itself.
type Registry struct {
	store   *store.Store
	dataDir string
	logger  *slog.Logger

	tokMu     sync.RWMutex
	tokenizer markov.Tokenizer

	mu     sync.Mutex // guards chains
	chains map[string]*markov.Chain

	writeMu sync.Mutex // serializes merge+save so saves land in merge order
}

// NewRegistry creates a registry over a store. Every chain it creates or
// loads uses tokenizer.
func NewRegistry(s *store.Store, tokenizer markov.Tokenizer, dataDir string, logger *slog.Logger) *Registry {
	return &Registry{
		store:     s,
		tokenizer: tokenizer,
		dataDir:   dataDir,
		logger:    logger,
		chains:    make(map[string]*markov.Chain),
	}
}

// chainOptions are applied to every chain the registry builds.
func (reg *Registry) chainOptions(order int) []markov.ChainOption {
	reg.tokMu.RLock()
	tok := reg.tokenizer
	reg.tokMu.RUnlock()
	return []markov.ChainOption{
		markov.WithOrder(order),
		markov.WithTokenizer(tok),
		markov.WithLogger(reg.logger),
	}
}

// SetTokenizer switches the registry, and every chain it has cached, to t.
func (reg *Registry) SetTokenizer(t markov.Tokenizer) {
	reg.tokMu.Lock()
	reg.tokenizer = t
	reg.tokMu.Unlock()

	reg.mu.Lock()
	defer reg.mu.Unlock()
	for _, c := range reg.chains {
		c.SetTokenizer(t)
	}
}

// isLive reports whether c is still the cached chain for name. A chain stops
// being live once its model is removed.
func (reg *Registry) isLive(name string, c *markov.Chain) bool {
	reg.mu.Lock()
	defer reg.mu.Unlock()
	return reg.chains[name] == c
}

// List returns every stored model.
func (reg *Registry) List(ctx context.Context) ([]store.ModelInfo, error) {
	return reg.store.List(ctx)
}

// Get returns the live chain for name, loading it from the store on first use.
func (reg *Registry) Get(ctx context.Context, name string) (*markov.Chain, error) {
	reg.mu.Lock()
	defer reg.mu.Unlock()

	if c, ok := reg.chains[name]; ok {
		return c, nil
	}
	c, err := reg.store.Load(ctx, name, reg.chainOptions(markov.DefaultOrder)...)
	if err != nil {
		return nil, err
	}
	reg.chains[name] = c
	reg.logger.DebugContext(ctx, "Model cached", slog.String("model_name", name))
	return c, nil
}

// Create stores a new, empty model.
func (reg *Registry) Create(ctx context.Context, name string, order int) (store.ModelInfo, error) {
	if err := validateName(name); err != nil {
		return store.ModelInfo{}, err
	}
	reg.writeMu.Lock()
	defer reg.writeMu.Unlock()

	if _, err := reg.store.Info(ctx, name); err == nil {
		return store.ModelInfo{}, fmt.Errorf("%w: %s", ErrModelExists, name)
	} else if !errors.Is(err, store.ErrModelNotFound) {
		return store.ModelInfo{}, err
	}

	c, err := markov.New(reg.chainOptions(order)...)
	if err != nil {
		return store.ModelInfo{}, err
	}
	if err = reg.store.Save(ctx, name, c); err != nil {
		return store.ModelInfo{}, err
	}

	reg.mu.Lock()
	reg.chains[name] = c
	reg.mu.Unlock()
	return reg.store.Info(ctx, name)
}

// Remove deletes a model from the store and the cache.
func (reg *Registry) Remove(ctx context.Context, name string) error {
	reg.writeMu.Lock()
	defer reg.writeMu.Unlock()

	if err := reg.store.Remove(ctx, name); err != nil {
		return err
	}
	reg.mu.Lock()
	delete(reg.chains, name)
	reg.mu.Unlock()
	return nil
}

// Train reads text from r into the model named name and saves it. The text
// is trained into a side chain, which is then merged into the live chain.
func (reg *Registry) Train(ctx context.Context, name string, r io.Reader) (markov.ChainStats, error) {
	live, err := reg.Get(ctx, name)
	if err != nil {
		return markov.ChainStats{}, err
	}

	side, err := markov.New(reg.chainOptions(live.Order())...)
	if err != nil {
		return markov.ChainStats{}, err
	}
	if err = side.TrainReader(ctx, r); err != nil {
		return markov.ChainStats{}, err
	}

	reg.writeMu.Lock()
	defer reg.writeMu.Unlock()
	return reg.mergeAndSave(ctx, name, live, side)
}

// Import merges an exported chain into the model named name, creating the
// model with the exported order if it does not exist yet.
func (reg *Registry) Import(ctx context.Context, name string, r io.Reader) (markov.ChainStats, error) {
	if err := validateName(name); err != nil {
		return markov.ChainStats{}, err
	}
	imported, err := markov.Import(r, reg.chainOptions(markov.DefaultOrder)...)
	if err != nil {
		return markov.ChainStats{}, err
	}

	reg.writeMu.Lock()
	defer reg.writeMu.Unlock()

	live, err := reg.Get(ctx, name)
	if errors.Is(err, store.ErrModelNotFound) {
		if err = reg.store.Save(ctx, name, imported); err != nil {
			return markov.ChainStats{}, err
		}
		reg.mu.Lock()
		reg.chains[name] = imported
		reg.mu.Unlock()
		reg.logger.InfoContext(ctx, "Model imported", slog.String("model_name", name))
		return imported.Stats(), nil
	}
	if err != nil {
		return markov.ChainStats{}, err
	}
	return reg.mergeAndSave(ctx, name, live, imported)
}

// mergeAndSave folds side into live and saves live. The caller must hold
// writeMu. If the model was removed since live was fetched, nothing is saved.
func (reg *Registry) mergeAndSave(ctx context.Context, name string, live, side *markov.Chain) (markov.ChainStats, error) {
	if !reg.isLive(name, live) {
		return markov.ChainStats{}, fmt.Errorf("%w: %s", store.ErrModelNotFound, name)
	}
	if err := store.CheckVocabulary(side); err != nil {
		return markov.ChainStats{}, err
	}
	if err := live.Merge(side); err != nil {
		return markov.ChainStats{}, err
	}
	if err := reg.store.Save(ctx, name, live); err != nil {
		return markov.ChainStats{}, err
	}
	return live.Stats(), nil
}

// Prune drops rare transitions from a model and saves it.
func (reg *Registry) Prune(ctx context.Context, name string, minFreq uint64) (int, error) {
	live, err := reg.Get(ctx, name)
	if err != nil {
		return 0, err
	}

	reg.writeMu.Lock()
	defer reg.writeMu.Unlock()
	if !reg.isLive(name, live) {
		return 0, fmt.Errorf("%w: %s", store.ErrModelNotFound, name)
	}
	removed := live.Prune(minFreq)
	if err = reg.store.Save(ctx, name, live); err != nil {
		return 0, err
	}
	return removed, nil
}

// Snapshot writes the exported model to <dataDir>/snapshots/<name>.json,
// replacing any earlier snapshot atomically. It returns the file path.
func (reg *Registry) Snapshot(ctx context.Context, name string) (string, error) {
	if err := validateName(name); err != nil {
		return "", err
	}
	live, err := reg.Get(ctx, name)
	if err != nil {
		return "", err
	}

	var buf bytes.Buffer
	if err = live.Export(&buf); err != nil {
		return "", fmt.Errorf("failed to export model '%s': %w", name, err)
	}

	dir := filepath.Join(reg.dataDir, "snapshots")
	if err = os.MkdirAll(dir, 0o755); err != nil {
		return "", fmt.Errorf("failed to create snapshot directory: %w", err)
	}
	path := filepath.Join(dir, name+".json")
	if err = atomic.WriteFile(path, &buf); err != nil {
		return "", fmt.Errorf("failed to write snapshot: %w", err)
	}

	reg.logger.InfoContext(ctx, "Snapshot written",
		slog.String("model_name", name),
		slog.String("path", path),
	)
	return path, nil
}

// Compact removes vocabulary and prefixes no stored model uses.
func (reg *Registry) Compact(ctx context.Context) (int, int, error) {
	reg.writeMu.Lock()
	defer reg.writeMu.Unlock()
	return reg.store.Compact(ctx)
}

// Stats returns database-wide statistics.
func (reg *Registry) Stats(ctx context.Context) (store.DBStats, error) {
	return reg.store.Stats(ctx)
}
