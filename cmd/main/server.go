package main

import (
	"database/sql"
	"fmt"
	"log/slog"
	"net/http"

	"github.com/CTAG07/wordchain/pkg/markov"
	"github.com/CTAG07/wordchain/pkg/store"
)

type Server struct {
	cm        *ConfigManager
	db        *sql.DB
	logger    *slog.Logger
	store     *store.Store
	registry  *Registry
	authAPI   *AuthAPI
	markovAPI *MarkovAPI
	statsAPI  *StatsAPI
	serverAPI *ServerAPI
	apiMux    *http.ServeMux
}

// newTokenizer builds the tokenizer every chain on this server shares.
func newTokenizer(cfg *MarkovConfig) markov.Tokenizer {
	return markov.NewDefaultTokenizer(
		markov.WithSeparator(cfg.Separator),
		markov.WithCaseFolding(cfg.CaseFolding),
	)
}

// NewServer wires the store, the model registry and every API onto one mux.
// The database schemas must already be set up.
func NewServer(cm *ConfigManager, logger *slog.Logger, db *sql.DB, actionChan chan string) (*Server, error) {
	cfg := cm.Get()

	st, err := store.New(db)
	if err != nil {
		return nil, fmt.Errorf("error creating model store: %w", err)
	}
	st.SetLogger(logger)

	registry := NewRegistry(st, newTokenizer(cfg.Markov), cfg.Server.DataDir, logger)
	cm.OnUpdate(func(c Config) {
		registry.SetTokenizer(newTokenizer(c.Markov))
	})

	// api initialization
	statsAPI := NewStatsAPI(db, logger)
	server := &Server{
		cm:        cm,
		db:        db,
		logger:    logger,
		store:     st,
		registry:  registry,
		authAPI:   NewAuthAPI(db, logger),
		markovAPI: NewMarkovAPI(registry, cm, statsAPI, logger),
		statsAPI:  statsAPI,
		serverAPI: NewServerAPI(cm, db, actionChan, logger),
		apiMux:    http.NewServeMux(),
	}

	apiMux := http.NewServeMux()
	server.authAPI.RegisterRoutes(apiMux)
	server.markovAPI.RegisterRoutes(apiMux)
	server.statsAPI.RegisterRoutes(apiMux)
	server.serverAPI.RegisterRoutes(apiMux)

	// Make sure api functions must pass through authentication first
	authedAPI := server.authAPI.Authenticate(apiMux)
	// ... except for the health check, which is unauthed so something like docker can use it
	server.apiMux.HandleFunc("/api/health", server.serverAPI.handleHealthCheck)
	server.apiMux.Handle("/api/", authedAPI)

	return server, nil
}

// Handler returns the server's root handler.
func (s *Server) Handler() http.Handler {
	return logRequests(s.logger, s.apiMux)
}

// Close releases the store's prepared statements. The database is owned by
// the caller.
func (s *Server) Close() {
	s.store.Close()
}
