package server

import (
	"context"
	"fmt"
	"log/slog"
	"net/http"
	"sync"
	"time"

	"github.com/brojonat/solmarket/service/db"
	"github.com/brojonat/solmarket/service/market"
	"github.com/brojonat/solmarket/service/metrics"
	"github.com/brojonat/solmarket/service/pipeline"
	"github.com/brojonat/solmarket/service/watch"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

// Markets is the market engine as seen by the HTTP layer.
type Markets interface {
	LinkWallet(ctx context.Context, userID int64, address string) (*db.User, error)
	AwardPoints(ctx context.Context, userID int64, points int64) (int64, error)
	Points(ctx context.Context, userID int64) (int64, error)
	CreateMarket(ctx context.Context, req market.CreateMarketRequest) (*db.Prediction, error)
	ListOpenMarkets(ctx context.Context) ([]*db.Prediction, error)
	GetMarket(ctx context.Context, id int64) (*market.MarketDetail, error)
	ValidateWager(ctx context.Context, req market.WagerRequest) error
	PlaceWager(ctx context.Context, req market.WagerRequest) (*db.Wager, error)
	Settle(ctx context.Context, caller int64, predictionID int64, winningOption int) (*market.SettlementSummary, error)
}

// SignSessions hands unsigned transactions out and signed ones back in.
type SignSessions interface {
	Open(userID int64) pipeline.Session
	Get(id string) (pipeline.Session, error)
	Deliver(id, signedBlob string) error
}

// Watcher serves alerts, wallet tracking and network analytics.
type Watcher interface {
	SetPriceAlert(ctx context.Context, userID int64, symbol, condition string, value float64) (*db.Alert, error)
	TrackWallet(ctx context.Context, userID int64, address, channelID string) (*db.WalletTracking, error)
	StopTracking(ctx context.Context, userID int64, address string) error
	Subscribe(userID int64, address string) error
	Unsubscribe(userID int64, address string) bool
	NetworkAnalytics() watch.Analytics
}

// Pricer quotes USD prices.
type Pricer interface {
	Price(ctx context.Context, symbol string) (float64, error)
}

// Server represents the HTTP server for the market service.
type Server struct {
	addr     string
	markets  Markets
	sessions SignSessions
	watcher  Watcher
	prices   Pricer
	version  string
	metrics  *metrics.Metrics
	logger   *slog.Logger
	server   *http.Server

	// Wager placements outlive the request that started them.
	placements sync.WaitGroup
}

// New creates a new HTTP server with the given dependencies.
// The metrics is optional - if nil, requests are not instrumented and
// /metrics is not served.
func New(addr string, markets Markets, sessions SignSessions, watcher Watcher, prices Pricer, version string, m *metrics.Metrics, logger *slog.Logger) *Server {
	return &Server{
		addr:     addr,
		markets:  markets,
		sessions: sessions,
		watcher:  watcher,
		prices:   prices,
		version:  version,
		metrics:  m,
		logger:   logger.With("component", "http"),
	}
}

// Handler builds the routed, instrumented handler.
func (s *Server) Handler() http.Handler {
	mux := http.NewServeMux()

	// Users
	s.handle(mux, "POST /api/v1/users/{id}/wallet", handleLinkWallet(s.markets, s.logger))
	s.handle(mux, "GET /api/v1/users/{id}/points", handleGetPoints(s.markets, s.logger))
	s.handle(mux, "POST /api/v1/users/{id}/points", handleAwardPoints(s.markets, s.logger))

	// Markets
	s.handle(mux, "POST /api/v1/markets", handleCreateMarket(s.markets, s.logger))
	s.handle(mux, "GET /api/v1/markets", handleListMarkets(s.markets, s.logger))
	s.handle(mux, "GET /api/v1/markets/{id}", handleGetMarket(s.markets, s.logger))
	s.handle(mux, "POST /api/v1/markets/{id}/wagers", s.handlePlaceWager())
	s.handle(mux, "POST /api/v1/markets/{id}/settle", handleSettle(s.markets, s.logger))

	// Sign sessions
	s.handle(mux, "GET /api/v1/sign-sessions/{id}", handleGetSession(s.sessions, s.logger))
	s.handle(mux, "POST /api/v1/sign-sessions/{id}", handleDeliverSignature(s.sessions, s.logger))

	// Alerts, tracking and network stats
	s.handle(mux, "POST /api/v1/alerts", handleSetAlert(s.watcher, s.logger))
	s.handle(mux, "POST /api/v1/tracking", handleTrackWallet(s.watcher, s.logger))
	s.handle(mux, "DELETE /api/v1/tracking/{address}", handleStopTracking(s.watcher, s.logger))
	s.handle(mux, "POST /api/v1/tracking/{address}/realtime", handleSubscribe(s.watcher, s.logger))
	s.handle(mux, "DELETE /api/v1/tracking/{address}/realtime", handleUnsubscribe(s.watcher, s.logger))
	s.handle(mux, "GET /api/v1/network/analytics", handleNetworkAnalytics(s.watcher))
	if s.prices != nil {
		s.handle(mux, "GET /api/v1/prices/{symbol}", handleGetPrice(s.prices, s.logger))
	}

	// Health check endpoint
	mux.HandleFunc("GET /health", func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusOK)
		w.Write([]byte("OK"))
	})
	mux.HandleFunc("GET /version", func(w http.ResponseWriter, r *http.Request) {
		writeJSON(w, map[string]string{"version": s.version}, http.StatusOK)
	})

	// Prometheus metrics endpoint (if metrics collector is configured)
	if s.metrics != nil {
		mux.Handle("GET /metrics", promhttp.Handler())
	}

	return corsMiddleware(mux)
}

func (s *Server) handle(mux *http.ServeMux, pattern string, h http.Handler) {
	mux.Handle(pattern, s.metrics.Instrument(pattern, h))
}

// Start starts the HTTP server.
func (s *Server) Start() error {
	s.server = &http.Server{
		Addr:         s.addr,
		Handler:      s.Handler(),
		ReadTimeout:  15 * time.Second,
		WriteTimeout: 2 * time.Minute, // settlement waits for payouts
		IdleTimeout:  60 * time.Second,
	}

	s.logger.Info("starting HTTP server", "addr", s.addr)
	if err := s.server.ListenAndServe(); err != nil && err != http.ErrServerClosed {
		return fmt.Errorf("server failed: %w", err)
	}

	return nil
}

// Shutdown stops accepting requests and waits for in-flight wager
// placements. Close the sign session broker first so placements still
// waiting on a signature end as expired.
func (s *Server) Shutdown(ctx context.Context) error {
	s.logger.Info("shutting down HTTP server")

	var err error
	if s.server != nil {
		err = s.server.Shutdown(ctx)
	}

	done := make(chan struct{})
	go func() {
		s.placements.Wait()
		close(done)
	}()
	select {
	case <-done:
	case <-ctx.Done():
		s.logger.Warn("wager placements still running at shutdown")
	}
	return err
}

// corsMiddleware adds CORS headers to all responses and handles OPTIONS preflight requests.
func corsMiddleware(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.Header().Set("Access-Control-Allow-Origin", "*")
		w.Header().Set("Access-Control-Allow-Methods", "GET, POST, DELETE, OPTIONS")
		w.Header().Set("Access-Control-Allow-Headers", "Content-Type, Authorization")
		w.Header().Set("Access-Control-Max-Age", "3600")

		if r.Method == "OPTIONS" {
			w.WriteHeader(http.StatusNoContent)
			return
		}

		next.ServeHTTP(w, r)
	})
}
