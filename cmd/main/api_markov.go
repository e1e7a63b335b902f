package main

import (
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"math/rand/v2"
	"net/http"
	"strconv"
	"strings"

	"github.com/CTAG07/wordchain/pkg/markov"
	"github.com/CTAG07/wordchain/pkg/store"
)

// MarkovAPI holds the dependencies for the Markov model API handlers.
type MarkovAPI struct {
	registry *Registry
	cm       *ConfigManager
	usage    *StatsAPI
	logger   *slog.Logger
}

// NewMarkovAPI creates a new instance of the MarkovAPI.
func NewMarkovAPI(registry *Registry, cm *ConfigManager, usage *StatsAPI, logger *slog.Logger) *MarkovAPI {
	return &MarkovAPI{
		registry: registry,
		cm:       cm,
		usage:    usage,
		logger:   logger,
	}
}

// RegisterRoutes sets up the routing for all /api/markov endpoints.
func (m *MarkovAPI) RegisterRoutes(mux *http.ServeMux) {
	mux.HandleFunc("/api/markov/models", m.handleListAndCreateModels)
	mux.HandleFunc("/api/markov/models/", m.handleModelByName)
	mux.HandleFunc("/api/markov/import", m.handleImport)
	mux.HandleFunc("/api/markov/compact", m.handleCompact)
	mux.HandleFunc("/api/markov/stats", m.handleDBStats)
}

type CreateModelRequest struct {
	Name  string `json:"name"`
	Order int    `json:"order"`
}

type PruneRequest struct {
	MinFreq uint64 `json:"minFreq"`
}

// GenerateResponse is the JSON body returned by the generate endpoint.
type GenerateResponse struct {
	Text string `json:"text"`
	Seed uint64 `json:"seed"`
}

// respondWithModelError maps library errors onto HTTP status codes.
func (m *MarkovAPI) respondWithModelError(w http.ResponseWriter, r *http.Request, action string, err error) {
	var code int
	switch {
	case errors.Is(err, store.ErrModelNotFound):
		code = http.StatusNotFound
	case errors.Is(err, ErrModelExists):
		code = http.StatusConflict
	case errors.Is(err, markov.ErrNoSuchContext):
		code = http.StatusUnprocessableEntity
	case errors.Is(err, ErrInvalidName),
		errors.Is(err, markov.ErrEmptyInput),
		errors.Is(err, markov.ErrInvalidOrder),
		errors.Is(err, markov.ErrInvalidContext),
		errors.Is(err, markov.ErrDeserialization),
		errors.Is(err, store.ErrReservedToken):
		code = http.StatusBadRequest
	default:
		var maxBytesErr *http.MaxBytesError
		if errors.As(err, &maxBytesErr) {
			code = http.StatusRequestEntityTooLarge
			break
		}
		m.logger.ErrorContext(r.Context(), "Markov request failed",
			slog.String("action", action),
			slog.String("path", r.URL.Path),
			slog.Any("error", err),
		)
		respondWithError(w, http.StatusInternalServerError, fmt.Sprintf("%s failed: %v", action, err))
		return
	}
	respondWithError(w, code, err.Error())
}

// handleListAndCreateModels handles GET for listing and POST for creating models.
func (m *MarkovAPI) handleListAndCreateModels(w http.ResponseWriter, r *http.Request) {
	switch r.Method {
	case http.MethodGet:
		if !hasScope(r, "markov:read") {
			respondWithError(w, http.StatusForbidden, "Forbidden: requires 'markov:read' scope")
			return
		}
		models, err := m.registry.List(r.Context())
		if err != nil {
			m.respondWithModelError(w, r, "Listing models", err)
			return
		}
		respondWithJSON(w, http.StatusOK, models)

	case http.MethodPost:
		if !hasScope(r, "markov:write") {
			respondWithError(w, http.StatusForbidden, "Forbidden: requires 'markov:write' scope")
			return
		}
		var req CreateModelRequest
		if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
			respondWithError(w, http.StatusBadRequest, "Invalid JSON request body")
			return
		}
		if req.Order == 0 {
			req.Order = m.cm.Get().Markov.DefaultOrder
		}

		model, err := m.registry.Create(r.Context(), req.Name, req.Order)
		if err != nil {
			m.respondWithModelError(w, r, "Creating model", err)
			return
		}
		m.logger.InfoContext(r.Context(), "Model created",
			slog.String("model_name", model.Name),
			slog.Int("order", model.Order),
		)
		respondWithJSON(w, http.StatusCreated, model)

	default:
		w.Header().Set("Allow", "GET, POST")
		respondWithError(w, http.StatusMethodNotAllowed, "Method not allowed")
	}
}

// handleModelByName routes actions for a specific model, e.g., train, generate, export, delete.
func (m *MarkovAPI) handleModelByName(w http.ResponseWriter, r *http.Request) {
	path := strings.TrimPrefix(r.URL.Path, "/api/markov/models/")
	parts := strings.Split(strings.TrimSuffix(path, "/"), "/")
	modelName := parts[0]

	if modelName == "" {
		respondWithError(w, http.StatusBadRequest, "Model name not specified")
		return
	}
	if len(parts) > 2 {
		respondWithError(w, http.StatusNotFound, "Action not found")
		return
	}

	if len(parts) == 1 { // Path is just /api/markov/models/{name}
		switch r.Method {
		case http.MethodGet:
			m.handleStats(w, r, modelName)
		case http.MethodDelete:
			if !hasScope(r, "markov:write") {
				respondWithError(w, http.StatusForbidden, "Forbidden: requires 'markov:write' scope")
				return
			}
			if err := m.registry.Remove(r.Context(), modelName); err != nil {
				m.respondWithModelError(w, r, "Removing model", err)
				return
			}
			w.WriteHeader(http.StatusNoContent)
		default:
			w.Header().Set("Allow", "GET, DELETE")
			respondWithError(w, http.StatusMethodNotAllowed, "Method not allowed")
		}
		return
	}

	type route struct {
		method  string
		scope   string
		handler func(http.ResponseWriter, *http.Request, string)
	}
	routes := map[string]route{
		"train":    {http.MethodPost, "markov:write", m.handleTrain},
		"prune":    {http.MethodPost, "markov:write", m.handlePrune},
		"snapshot": {http.MethodPost, "markov:write", m.handleSnapshot},
		"generate": {http.MethodGet, "markov:read", m.handleGenerate},
		"stream":   {http.MethodGet, "markov:read", m.handleStream},
		"export":   {http.MethodGet, "markov:read", m.handleExport},
		"stats":    {http.MethodGet, "markov:read", m.handleStats},
	}

	rt, ok := routes[parts[1]]
	if !ok {
		respondWithError(w, http.StatusNotFound, "Action not found")
		return
	}
	if r.Method != rt.method {
		w.Header().Set("Allow", rt.method)
		respondWithError(w, http.StatusMethodNotAllowed, "Method not allowed")
		return
	}
	if !hasScope(r, rt.scope) {
		respondWithError(w, http.StatusForbidden, fmt.Sprintf("Forbidden: requires '%s' scope", rt.scope))
		return
	}
	rt.handler(w, r, modelName)
}

func (m *MarkovAPI) handleTrain(w http.ResponseWriter, r *http.Request, name string) {
	body := http.MaxBytesReader(w, r.Body, m.cm.Get().Server.MaxBodyBytes)
	stats, err := m.registry.Train(r.Context(), name, body)
	if err != nil {
		m.respondWithModelError(w, r, "Training", err)
		return
	}
	m.usage.RecordTraining(r.Context(), name)
	respondWithJSON(w, http.StatusOK, stats)
}

func (m *MarkovAPI) handlePrune(w http.ResponseWriter, r *http.Request, name string) {
	var req PruneRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		respondWithError(w, http.StatusBadRequest, "Invalid JSON request body")
		return
	}
	removed, err := m.registry.Prune(r.Context(), name, req.MinFreq)
	if err != nil {
		m.respondWithModelError(w, r, "Pruning", err)
		return
	}
	respondWithJSON(w, http.StatusOK, map[string]int{"removed": removed})
}

func (m *MarkovAPI) handleSnapshot(w http.ResponseWriter, r *http.Request, name string) {
	path, err := m.registry.Snapshot(r.Context(), name)
	if err != nil {
		m.respondWithModelError(w, r, "Snapshot", err)
		return
	}
	respondWithJSON(w, http.StatusCreated, map[string]string{"path": path})
}

func (m *MarkovAPI) handleStats(w http.ResponseWriter, r *http.Request, name string) {
	if !hasScope(r, "markov:read") {
		respondWithError(w, http.StatusForbidden, "Forbidden: requires 'markov:read' scope")
		return
	}
	chain, err := m.registry.Get(r.Context(), name)
	if err != nil {
		m.respondWithModelError(w, r, "Loading model", err)
		return
	}
	respondWithJSON(w, http.StatusOK, chain.Stats())
}

func (m *MarkovAPI) handleExport(w http.ResponseWriter, r *http.Request, name string) {
	chain, err := m.registry.Get(r.Context(), name)
	if err != nil {
		m.respondWithModelError(w, r, "Loading model", err)
		return
	}
	w.Header().Set("Content-Type", "application/json")
	w.Header().Set("Content-Disposition", fmt.Sprintf("attachment; filename=\"%s.json\"", name))
	if err = chain.Export(w); err != nil {
		m.logger.ErrorContext(r.Context(), "Failed to export model", slog.String("model_name", name), slog.Any("error", err))
	}
}

// generateParams holds the parsed query parameters of a generation request.
type generateParams struct {
	maxLength int
	start     string
	seed      uint64
	opts      []markov.GenerateOption
}

// parseGenerateParams reads max, start, seed, temperature, top_k, continue
// and fallback from the query string. Missing values come from the config.
func (m *MarkovAPI) parseGenerateParams(r *http.Request) (generateParams, error) {
	cfg := m.cm.Get().Markov
	q := r.URL.Query()
	p := generateParams{
		maxLength: cfg.DefaultMaxLength,
		start:     q.Get("start"),
		seed:      rand.Uint64(),
	}
	temperature := cfg.Temperature
	topK := cfg.TopK
	var err error

	if v := q.Get("max"); v != "" {
		if p.maxLength, err = strconv.Atoi(v); err != nil || p.maxLength < 0 || p.maxLength > cfg.MaxLengthLimit {
			return p, fmt.Errorf("max must be an integer between 0 and %d", cfg.MaxLengthLimit)
		}
	}
	if v := q.Get("seed"); v != "" {
		if p.seed, err = strconv.ParseUint(v, 10, 64); err != nil {
			return p, errors.New("seed must be an unsigned integer")
		}
	}
	if v := q.Get("temperature"); v != "" {
		if temperature, err = strconv.ParseFloat(v, 64); err != nil {
			return p, errors.New("temperature must be a number")
		}
	}
	if v := q.Get("top_k"); v != "" {
		if topK, err = strconv.Atoi(v); err != nil || topK < 0 {
			return p, errors.New("top_k must be a non-negative integer")
		}
	}
	p.opts = append(p.opts, markov.WithTemperature(temperature), markov.WithTopK(topK))

	if v := q.Get("continue"); v != "" {
		cont, err := strconv.ParseBool(v)
		if err != nil {
			return p, errors.New("continue must be a boolean")
		}
		p.opts = append(p.opts, markov.WithContinuation(cont))
	}
	switch q.Get("fallback") {
	case "", "restart":
	case "fail":
		p.opts = append(p.opts, markov.WithFallback(markov.FallbackFail))
	default:
		return p, errors.New("fallback must be 'restart' or 'fail'")
	}
	return p, nil
}

// newRNG returns the request's random source. The seed is reported back to
// the client so a result can be reproduced.
func newRNG(seed uint64) *rand.Rand {
	return rand.New(rand.NewPCG(seed, seed^0x9e3779b97f4a7c15))
}

func (m *MarkovAPI) handleGenerate(w http.ResponseWriter, r *http.Request, name string) {
	params, err := m.parseGenerateParams(r)
	if err != nil {
		respondWithError(w, http.StatusBadRequest, err.Error())
		return
	}
	chain, err := m.registry.Get(r.Context(), name)
	if err != nil {
		m.respondWithModelError(w, r, "Loading model", err)
		return
	}

	text, err := chain.GenerateFrom(params.start, newRNG(params.seed), params.maxLength, params.opts...)
	if err != nil {
		m.respondWithModelError(w, r, "Generation", err)
		return
	}
	m.usage.RecordGeneration(r.Context(), name, len(text))
	respondWithJSON(w, http.StatusOK, GenerateResponse{Text: text, Seed: params.seed})
}

// handleStream writes generated text as it is sampled, flushing after every
// token. The walk stops when the client goes away.
func (m *MarkovAPI) handleStream(w http.ResponseWriter, r *http.Request, name string) {
	params, err := m.parseGenerateParams(r)
	if err != nil {
		respondWithError(w, http.StatusBadRequest, err.Error())
		return
	}
	chain, err := m.registry.Get(r.Context(), name)
	if err != nil {
		m.respondWithModelError(w, r, "Loading model", err)
		return
	}

	opts := append(params.opts, markov.WithMaxLength(params.maxLength))
	walker, err := chain.WalkFrom(params.start, newRNG(params.seed), opts...)
	if err != nil {
		m.respondWithModelError(w, r, "Generation", err)
		return
	}

	flusher, canFlush := w.(http.Flusher)
	w.Header().Set("Content-Type", "text/plain; charset=utf-8")
	w.Header().Set("X-Content-Type-Options", "nosniff")
	w.Header().Set("X-Generation-Seed", strconv.FormatUint(params.seed, 10))
	w.WriteHeader(http.StatusOK)

	renderer := markov.NewRenderer(chain.Tokenizer())
	var written int
	for r.Context().Err() == nil {
		tok, err := walker.Next()
		if errors.Is(err, io.EOF) {
			break
		}
		if err != nil {
			// Headers are gone; the error can only be logged.
			m.logger.WarnContext(r.Context(), "Stream ended early", slog.String("model_name", name), slog.Any("error", err))
			break
		}
		chunk := renderer.Render(tok)
		if chunk == "" {
			continue
		}
		n, err := io.WriteString(w, chunk)
		written += n
		if err != nil {
			m.logger.DebugContext(r.Context(), "Stream client went away", slog.String("model_name", name))
			break
		}
		if canFlush {
			flusher.Flush()
		}
	}
	m.usage.RecordGeneration(r.Context(), name, written)
}

// handleImport imports a model from an uploaded JSON file, merging it into
// the model named by the "name" query parameter.
func (m *MarkovAPI) handleImport(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodPost {
		w.Header().Set("Allow", "POST")
		respondWithError(w, http.StatusMethodNotAllowed, "Method not allowed")
		return
	}
	if !hasScope(r, "markov:write") {
		respondWithError(w, http.StatusForbidden, "Forbidden: requires 'markov:write' scope")
		return
	}

	name := r.URL.Query().Get("name")
	body := http.MaxBytesReader(w, r.Body, m.cm.Get().Server.MaxBodyBytes)
	stats, err := m.registry.Import(r.Context(), name, body)
	if err != nil {
		m.respondWithModelError(w, r, "Import", err)
		return
	}
	respondWithJSON(w, http.StatusOK, stats)
}

// handleCompact removes vocabulary and prefixes that no model uses any more.
func (m *MarkovAPI) handleCompact(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodPost {
		w.Header().Set("Allow", "POST")
		respondWithError(w, http.StatusMethodNotAllowed, "Method not allowed")
		return
	}
	if !hasScope(r, "markov:write") {
		respondWithError(w, http.StatusForbidden, "Forbidden: requires 'markov:write' scope")
		return
	}
	tokens, prefixes, err := m.registry.Compact(r.Context())
	if err != nil {
		m.respondWithModelError(w, r, "Compaction", err)
		return
	}
	respondWithJSON(w, http.StatusOK, map[string]int{
		"tokens_removed":   tokens,
		"prefixes_removed": prefixes,
	})
}

// handleDBStats returns database-wide counts.
func (m *MarkovAPI) handleDBStats(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodGet {
		w.Header().Set("Allow", "GET")
		respondWithError(w, http.StatusMethodNotAllowed, "Method not allowed")
		return
	}
	if !hasScope(r, "markov:read") {
		respondWithError(w, http.StatusForbidden, "Forbidden: requires 'markov:read' scope")
		return
	}
	stats, err := m.registry.Stats(r.Context())
	if err != nil {
		m.respondWithModelError(w, r, "Stats", err)
		return
	}
	respondWithJSON(w, http.StatusOK, stats)
}
