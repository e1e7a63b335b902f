package markov

import (
	"encoding/json"
	"fmt"
	"io"
	"log/slog"
	"slices"
)

// ExportedChain is the serializable representation of a trained chain,
// used for JSON-based import and export. Vocabulary is indexed by token ID;
// entries 0 and 1 are always StartTokenText and EndTokenText.
type ExportedChain struct {
	Order       int                  `json:"order"`
	Vocabulary  []string             `json:"vocabulary"`
	Transitions []ExportedTransition `json:"transitions"`
}

// ExportedTransition is the serializable representation of a single link
// in a Markov chain, used within an ExportedChain.
type ExportedTransition struct {
	Context []TokenID `json:"context"`
	Next    TokenID   `json:"next"`
	Count   uint64    `json:"count"`
}

// Snapshot returns a deep copy of the chain's table in exported form.
// Transitions are sorted by context and then listed in first-seen order, so
// equal chains produce equal snapshots.
func (c *Chain) Snapshot() ExportedChain {
	c.mu.RLock()
	defer c.mu.RUnlock()

	keys := make([]contextKey, 0, len(c.table))
	for key := range c.table {
		keys = append(keys, key)
	}
	slices.SortFunc(keys, func(a, b contextKey) int {
		return slices.Compare(a[:], b[:])
	})

	exported := ExportedChain{
		Order:      c.order,
		Vocabulary: slices.Clone(c.vocab.texts),
	}
	for _, key := range keys {
		for _, t := range c.table[key].tokens {
			exported.Transitions = append(exported.Transitions, ExportedTransition{
				Context: slices.Clone(key[:c.order]),
				Next:    t.Id,
				Count:   t.Freq,
			})
		}
	}
	return exported
}

// Export serializes the chain into a JSON format and writes it to the
// provided io.Writer. This is useful for backups or for transferring chains.
func (c *Chain) Export(w io.Writer) error {
	exported := c.Snapshot()

	c.mu.RLock()
	c.logger.Info("Chain exported",
		slog.Int("order", exported.Order),
		slog.Int("vocab_items_exported", len(exported.Vocabulary)),
		slog.Int("transitions_exported", len(exported.Transitions)),
	)
	c.mu.RUnlock()

	encoder := json.NewEncoder(w)
	encoder.SetIndent("", "  ")
	return encoder.Encode(exported)
}

// Import reads a JSON representation of a chain from an io.Reader and
// rebuilds it. Token IDs, counts and order are reproduced exactly. Malformed
// input returns an error wrapping ErrDeserialization.
func Import(r io.Reader, opts ...ChainOption) (*Chain, error) {
	var imported ExportedChain
	if err := json.NewDecoder(r).Decode(&imported); err != nil {
		return nil, fmt.Errorf("%w: failed to decode json chain: %w", ErrDeserialization, err)
	}
	return FromExported(imported, opts...)
}

// FromExported rebuilds a chain from its exported form. The order stored in
// the data overrides any WithOrder option.
func FromExported(exported ExportedChain, opts ...ChainOption) (*Chain, error) {
	opts = append(opts, WithOrder(exported.Order))
	c, err := New(opts...)
	if err != nil {
		return nil, fmt.Errorf("%w: %w", ErrDeserialization, err)
	}

	vocab := exported.Vocabulary
	if len(vocab) < 2 || vocab[StartTokenID] != StartTokenText || vocab[EndTokenID] != EndTokenText {
		return nil, fmt.Errorf("%w: vocabulary must begin with %s and %s", ErrDeserialization, StartTokenText, EndTokenText)
	}
	for i, text := range vocab[2:] {
		if text == "" {
			return nil, fmt.Errorf("%w: empty vocabulary entry %d", ErrDeserialization, i+2)
		}
		if id := c.vocab.intern(text); int(id) != i+2 {
			return nil, fmt.Errorf("%w: duplicate vocabulary entry %q", ErrDeserialization, text)
		}
	}

	vocabSize := TokenID(len(vocab))
	type link struct {
		key  contextKey
		next TokenID
	}
	seen := make(map[link]struct{}, len(exported.Transitions))

	for i, t := range exported.Transitions {
		if len(t.Context) != c.order {
			return nil, fmt.Errorf("%w: transition %d has context length %d, want %d", ErrDeserialization, i, len(t.Context), c.order)
		}
		for _, id := range t.Context {
			if id >= vocabSize || id == EndTokenID {
				return nil, fmt.Errorf("%w: transition %d has invalid context token %d", ErrDeserialization, i, id)
			}
		}
		if t.Next >= vocabSize || t.Next == StartTokenID {
			return nil, fmt.Errorf("%w: transition %d has invalid next token %d", ErrDeserialization, i, t.Next)
		}
		if t.Count == 0 {
			return nil, fmt.Errorf("%w: transition %d has zero count", ErrDeserialization, i)
		}
		key := makeKey(t.Context)
		if _, dup := seen[link{key, t.Next}]; dup {
			return nil, fmt.Errorf("%w: transition %d is a duplicate", ErrDeserialization, i)
		}
		seen[link{key, t.Next}] = struct{}{}
		c.increment(key, t.Next, t.Count)
	}

	return c, nil
}

// Merge adds every transition count of other into c. Tokens are matched by
// text, so the chains may have been built independently. Both chains must
// have the same order. Merging is how new training data can be prepared off
// to the side and folded into a live chain in one short write.
func (c *Chain) Merge(other *Chain) error {
	if other.order != c.order {
		return fmt.Errorf("%w: cannot merge order %d into order %d", ErrInvalidOrder, other.order, c.order)
	}
	// Snapshot first so merging a chain into itself cannot deadlock.
	exported := other.Snapshot()

	c.mu.Lock()
	defer c.mu.Unlock()

	idMap := make([]TokenID, len(exported.Vocabulary)) // old_id -> new_id
	idMap[StartTokenID] = StartTokenID
	idMap[EndTokenID] = EndTokenID
	for oldID, text := range exported.Vocabulary[2:] {
		idMap[oldID+2] = c.vocab.intern(text)
	}

	window := make([]TokenID, c.order)
	for _, t := range exported.Transitions {
		for i, id := range t.Context {
			window[i] = idMap[id]
		}
		c.increment(makeKey(window), idMap[t.Next], t.Count)
	}

	c.logger.Info("Chain merged",
		slog.Int("vocab_items_merged", len(exported.Vocabulary)),
		slog.Int("transitions_merged", len(exported.Transitions)),
	)
	return nil
}
