// Package api is the transport adapter around the core: a /market-data
// websocket bridging the hub to downstream clients, and the control surface
// the UI calls (orders, agent mode, monitoring frequency, prompts, journal
// operations). Authentication is the deployment's concern; every request
// names its account explicitly.
package api

import (
	"context"
	"fmt"
	"log/slog"
	"net/http"
	"time"
)

// Server hosts the bridge and control handlers.
type Server struct {
	handlers *Handlers
	server   *http.Server
	logger   *slog.Logger
}

func NewServer(port int, handlers *Handlers, logger *slog.Logger) *Server {
	mux := http.NewServeMux()

	mux.HandleFunc("/health", handlers.HandleHealth)
	mux.HandleFunc("/ws/market-data", handlers.HandleMarketData)

	mux.HandleFunc("/api/orders", handlers.HandleOrders) // POST place, DELETE cancel
	mux.HandleFunc("/api/close-all", handlers.HandleCloseAll)
	mux.HandleFunc("/api/leverage", handlers.HandleLeverage)
	mux.HandleFunc("/api/agent-mode", handlers.HandleAgentMode)
	mux.HandleFunc("/api/monitoring-frequency", handlers.HandleMonitoringFrequency)
	mux.HandleFunc("/api/prompt", handlers.HandlePrompt)
	mux.HandleFunc("/api/portfolio", handlers.HandlePortfolio)
	mux.HandleFunc("/api/journal", handlers.HandleJournalCreate)
	mux.HandleFunc("/api/journal/activate", handlers.HandleJournalActivate)
	mux.HandleFunc("/api/journal/close", handlers.HandleJournalClose)

	return &Server{
		handlers: handlers,
		server: &http.Server{
			Addr:         fmt.Sprintf(":%d", port),
			Handler:      mux,
			ReadTimeout:  30 * time.Second,
			WriteTimeout: 30 * time.Second,
			IdleTimeout:  60 * time.Second,
		},
		logger: logger.With("component", "api-server"),
	}
}

func (s *Server) Start() error {
	s.logger.Info("api server starting", "addr", s.server.Addr)
	if err := s.server.ListenAndServe(); err != nil && err != http.ErrServerClosed {
		return fmt.Errorf("server error: %w", err)
	}
	return nil
}

func (s *Server) Stop() error {
	s.logger.Info("stopping api server")
	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()
	return s.server.Shutdown(ctx)
}
