package main

import (
	"context"
	"database/sql"
	"fmt"
	"log/slog"
	"net/http"
	"strconv"
	"time"
)

const statsSchema = `
CREATE TABLE IF NOT EXISTS stats_model_usage (
    model_name       TEXT     PRIMARY KEY,
    generations      INTEGER  NOT NULL DEFAULT 0,
    bytes_generated  INTEGER  NOT NULL DEFAULT 0,
    trainings        INTEGER  NOT NULL DEFAULT 0,
    first_seen       DATETIME NOT NULL,
    last_seen        DATETIME NOT NULL
);
`

// ModelUsage is the usage record of a single model.
type ModelUsage struct {
	ModelName      string    `json:"model_name"`
	Generations    int64     `json:"generations"`
	BytesGenerated int64     `json:"bytes_generated"`
	Trainings      int64     `json:"trainings"`
	FirstSeen      time.Time `json:"first_seen"`
	LastSeen       time.Time `json:"last_seen"`
}

// UsageSummary provides a high-level overview of all collected usage.
type UsageSummary struct {
	TotalGenerations int64 `json:"total_generations"`
	TotalBytes       int64 `json:"total_bytes_generated"`
	TotalTrainings   int64 `json:"total_trainings"`
	ActiveModels     int64 `json:"active_models"`
}

// StatsAPI records per-model usage and serves it under /api/stats.
type StatsAPI struct {
	db     *sql.DB
	logger *slog.Logger
}

func setupStatsSchema(db *sql.DB) error {
	_, err := db.Exec(statsSchema)
	return err
}

func NewStatsAPI(db *sql.DB, logger *slog.Logger) *StatsAPI {
	return &StatsAPI{
		db:     db,
		logger: logger,
	}
}

func (s *StatsAPI) RegisterRoutes(mux *http.ServeMux) {
	mux.HandleFunc("/api/stats/summary", s.handleSummary)
	mux.HandleFunc("/api/stats/top_models", s.handleTopModels)
}

// record upserts a usage row. Failures are logged, never returned, so a
// stats problem can't fail the request that triggered it.
func (s *StatsAPI) record(ctx context.Context, name string, generations, bytes, trainings int) {
	now := time.Now().UTC()
	_, err := s.db.ExecContext(ctx, `
        INSERT INTO stats_model_usage (model_name, generations, bytes_generated, trainings, first_seen, last_seen)
        VALUES (?, ?, ?, ?, ?, ?)
        ON CONFLICT(model_name) DO UPDATE SET
            generations = generations + excluded.generations,
            bytes_generated = bytes_generated + excluded.bytes_generated,
            trainings = trainings + excluded.trainings,
            last_seen = excluded.last_seen
    `, name, generations, bytes, trainings, now, now)
	if err != nil {
		s.logger.WarnContext(ctx, "Failed to record model usage", slog.String("model_name", name), slog.Any("error", err))
	}
}

// RecordGeneration counts one generation request that produced n bytes.
func (s *StatsAPI) RecordGeneration(ctx context.Context, name string, n int) {
	s.record(ctx, name, 1, n, 0)
}

// RecordTraining counts one training request.
func (s *StatsAPI) RecordTraining(ctx context.Context, name string) {
	s.record(ctx, name, 0, 0, 1)
}

// Usage returns the usage record of one model.
func (s *StatsAPI) Usage(ctx context.Context, name string) (ModelUsage, error) {
	u := ModelUsage{ModelName: name}
	err := s.db.QueryRowContext(ctx, `
        SELECT generations, bytes_generated, trainings, first_seen, last_seen
        FROM stats_model_usage WHERE model_name = ?`, name).
		Scan(&u.Generations, &u.BytesGenerated, &u.Trainings, &u.FirstSeen, &u.LastSeen)
	return u, err
}

func (s *StatsAPI) handleSummary(w http.ResponseWriter, r *http.Request) {
	if !hasScope(r, "stats:read") {
		respondWithError(w, http.StatusForbidden, "Forbidden: requires 'stats:read' scope")
		return
	}
	var summary UsageSummary
	err := s.db.QueryRowContext(r.Context(), `
        SELECT COALESCE(SUM(generations), 0), COALESCE(SUM(bytes_generated), 0),
               COALESCE(SUM(trainings), 0), COUNT(*)
        FROM stats_model_usage`).
		Scan(&summary.TotalGenerations, &summary.TotalBytes, &summary.TotalTrainings, &summary.ActiveModels)
	if err != nil {
		s.logger.ErrorContext(r.Context(), "Failed to query usage summary", slog.Any("error", err))
		respondWithError(w, http.StatusInternalServerError, fmt.Sprintf("Database error: %v", err))
		return
	}
	respondWithJSON(w, http.StatusOK, summary)
}

// handleTopModels lists models by generation count. The "limit" query
// parameter defaults to 100.
func (s *StatsAPI) handleTopModels(w http.ResponseWriter, r *http.Request) {
	if !hasScope(r, "stats:read") {
		respondWithError(w, http.StatusForbidden, "Forbidden: requires 'stats:read' scope")
		return
	}
	limit := 100
	if v := r.URL.Query().Get("limit"); v != "" {
		n, err := strconv.Atoi(v)
		if err != nil || n < 1 {
			respondWithError(w, http.StatusBadRequest, "limit must be a positive integer")
			return
		}
		limit = n
	}

	rows, err := s.db.QueryContext(r.Context(), `
        SELECT model_name, generations, bytes_generated, trainings, first_seen, last_seen
        FROM stats_model_usage ORDER BY generations DESC, model_name LIMIT ?`, limit)
	if err != nil {
		s.logger.ErrorContext(r.Context(), "Failed to query top models", slog.Any("error", err))
		respondWithError(w, http.StatusInternalServerError, fmt.Sprintf("Database error: %v", err))
		return
	}
	defer func(rows *sql.Rows) {
		_ = rows.Close()
	}(rows)

	results := []ModelUsage{}
	for rows.Next() {
		var u ModelUsage
		if err = rows.Scan(&u.ModelName, &u.Generations, &u.BytesGenerated, &u.Trainings, &u.FirstSeen, &u.LastSeen); err != nil {
			s.logger.ErrorContext(r.Context(), "Failed to scan top models", slog.Any("error", err))
			continue
		}
		results = append(results, u)
	}
	respondWithJSON(w, http.StatusOK, results)
}
