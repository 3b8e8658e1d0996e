package server

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"net/http"
	"strconv"
	"strings"
	"time"

	"github.com/brojonat/solmarket/service/db"
	"github.com/brojonat/solmarket/service/market"
	"github.com/brojonat/solmarket/service/pipeline"
	"github.com/brojonat/solmarket/service/pricing"
	"github.com/brojonat/solmarket/service/solana"
	"github.com/brojonat/solmarket/service/token"
	"github.com/brojonat/solmarket/service/watch"
)

const (
	maxRequestBodySize = 1 << 20 // 1MB
	maxMarketDuration  = 365 * 24 * time.Hour
)

// handleLinkWallet returns a handler that links a Solana wallet to a user.
// POST /api/v1/users/{id}/wallet
func handleLinkWallet(markets Markets, logger *slog.Logger) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		userID, ok := pathID(w, r, "id")
		if !ok {
			return
		}
		var req struct {
			Address string `json:"address"`
		}
		if !decodeBody(w, r, &req, logger) {
			return
		}

		user, err := markets.LinkWallet(r.Context(), userID, req.Address)
		if err != nil {
			writeDomainError(w, r, err, logger)
			return
		}

		logger.InfoContext(r.Context(), "wallet linked", "user_id", userID, "wallet", *user.Wallet)
		writeJSON(w, userToResponse(user), http.StatusOK)
	})
}

// handleGetPoints returns a handler that reports a user's points.
// GET /api/v1/users/{id}/points
func handleGetPoints(markets Markets, logger *slog.Logger) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		userID, ok := pathID(w, r, "id")
		if !ok {
			return
		}
		points, err := markets.Points(r.Context(), userID)
		if err != nil {
			writeDomainError(w, r, err, logger)
			return
		}
		writeJSON(w, pointsResponse{UserID: userID, Points: points}, http.StatusOK)
	})
}

// handleAwardPoints returns a handler that adds points to a user.
// POST /api/v1/users/{id}/points
func handleAwardPoints(markets Markets, logger *slog.Logger) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		userID, ok := pathID(w, r, "id")
		if !ok {
			return
		}
		var req struct {
			Points int64 `json:"points"`
		}
		if !decodeBody(w, r, &req, logger) {
			return
		}
		total, err := markets.AwardPoints(r.Context(), userID, req.Points)
		if err != nil {
			writeDomainError(w, r, err, logger)
			return
		}
		writeJSON(w, pointsResponse{UserID: userID, Points: total}, http.StatusOK)
	})
}

// handleCreateMarket returns a handler that opens a prediction market.
// POST /api/v1/markets
func handleCreateMarket(markets Markets, logger *slog.Logger) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		var req struct {
			CreatorID int64    `json:"creator_id"`
			Title     string   `json:"title"`
			Options   []string `json:"options"`
			Duration  string   `json:"duration"`
			ImageURL  string   `json:"image_url"`
		}
		if !decodeBody(w, r, &req, logger) {
			return
		}

		duration, err := time.ParseDuration(req.Duration)
		if err != nil {
			writeError(w, fmt.Sprintf("invalid duration %q: must be a duration like 24h", req.Duration), http.StatusBadRequest)
			return
		}
		if duration <= 0 || duration > maxMarketDuration {
			writeError(w, "duration must be positive and at most 365 days", http.StatusBadRequest)
			return
		}

		p, err := markets.CreateMarket(r.Context(), market.CreateMarketRequest{
			Creator:  req.CreatorID,
			Title:    req.Title,
			Options:  req.Options,
			Duration: duration,
			ImageURL: req.ImageURL,
		})
		if err != nil {
			writeDomainError(w, r, err, logger)
			return
		}

		logger.InfoContext(r.Context(), "market created", "prediction_id", p.ID, "creator_id", p.CreatorID)
		writeJSON(w, predictionToResponse(p), http.StatusCreated)
	})
}

// handleListMarkets returns a handler that lists open markets.
// GET /api/v1/markets
func handleListMarkets(markets Markets, logger *slog.Logger) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		predictions, err := markets.ListOpenMarkets(r.Context())
		if err != nil {
			writeDomainError(w, r, err, logger)
			return
		}

		resp := make([]predictionResponse, len(predictions))
		for i, p := range predictions {
			resp[i] = predictionToResponse(p)
		}
		writeJSON(w, map[string]interface{}{
			"markets": resp,
			"count":   len(resp),
		}, http.StatusOK)
	})
}

// handleGetMarket returns a handler that describes one market.
// GET /api/v1/markets/{id}
func handleGetMarket(markets Markets, logger *slog.Logger) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		id, ok := pathID(w, r, "id")
		if !ok {
			return
		}
		detail, err := markets.GetMarket(r.Context(), id)
		if err != nil {
			writeDomainError(w, r, err, logger)
			return
		}
		writeJSON(w, marketDetailResponse{
			Market:  predictionToResponse(detail.Prediction),
			Wagers:  detail.Wagers,
			Payouts: detail.Payouts,
			Pools:   poolsToResponse(detail.Pools),
		}, http.StatusOK)
	})
}

// handlePlaceWager validates the wager, opens a sign session and places the
// wager in the background. The response carries the session id; the caller
// polls it for the unsigned transaction and the final outcome.
// POST /api/v1/markets/{id}/wagers
func (s *Server) handlePlaceWager() http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		id, ok := pathID(w, r, "id")
		if !ok {
			return
		}
		var body struct {
			UserID int64   `json:"user_id"`
			Token  string  `json:"token"`
			Amount float64 `json:"amount"`
			Option int     `json:"option"`
		}
		if !decodeBody(w, r, &body, s.logger) {
			return
		}

		req := market.WagerRequest{
			User:         body.UserID,
			PredictionID: id,
			Token:        body.Token,
			Amount:       body.Amount,
			Option:       body.Option,
		}
		if err := s.markets.ValidateWager(r.Context(), req); err != nil {
			writeDomainError(w, r, err, s.logger)
			return
		}

		sess := s.sessions.Open(body.UserID)
		req.SessionID = sess.ID

		s.placements.Add(1)
		go func() {
			defer s.placements.Done()
			ctx := context.WithoutCancel(r.Context())
			wager, err := s.markets.PlaceWager(ctx, req)
			if err != nil {
				s.logger.WarnContext(ctx, "wager placement failed",
					"session_id", req.SessionID,
					"prediction_id", id,
					"user_id", body.UserID,
					"error", err,
				)
				return
			}
			s.logger.InfoContext(ctx, "wager placement completed",
				"session_id", req.SessionID,
				"wager_id", wager.ID,
			)
		}()

		writeJSON(w, wagerAcceptedResponse{
			SessionID: sess.ID,
			Status:    string(sess.Status),
			StatusURL: "/api/v1/sign-sessions/" + sess.ID,
		}, http.StatusAccepted)
	})
}

// handleSettle returns a handler that settles a market and pays its winners.
// POST /api/v1/markets/{id}/settle
func handleSettle(markets Markets, logger *slog.Logger) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		id, ok := pathID(w, r, "id")
		if !ok {
			return
		}
		var req struct {
			UserID        int64 `json:"user_id"`
			WinningOption int   `json:"winning_option"`
		}
		if !decodeBody(w, r, &req, logger) {
			return
		}

		// Payouts must not be abandoned if the caller disconnects.
		ctx := context.WithoutCancel(r.Context())
		summary, err := markets.Settle(ctx, req.UserID, id, req.WinningOption)
		if err != nil {
			writeDomainError(w, r, err, logger)
			return
		}
		writeJSON(w, settlementToResponse(summary), http.StatusOK)
	})
}

// handleGetSession returns a handler that reports a sign session.
// GET /api/v1/sign-sessions/{id}
func handleGetSession(sessions SignSessions, logger *slog.Logger) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		sess, err := sessions.Get(r.PathValue("id"))
		if err != nil {
			writeDomainError(w, r, err, logger)
			return
		}
		writeJSON(w, sess, http.StatusOK)
	})
}

// handleDeliverSignature returns a handler that accepts the signed transaction
// for a session.
// POST /api/v1/sign-sessions/{id}
func handleDeliverSignature(sessions SignSessions, logger *slog.Logger) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		id := r.PathValue("id")
		var req struct {
			SignedTx string `json:"signed_tx"`
		}
		if !decodeBody(w, r, &req, logger) {
			return
		}
		if strings.TrimSpace(req.SignedTx) == "" {
			writeError(w, "signed_tx is required", http.StatusBadRequest)
			return
		}
		if err := sessions.Deliver(id, strings.TrimSpace(req.SignedTx)); err != nil {
			writeDomainError(w, r, err, logger)
			return
		}
		sess, err := sessions.Get(id)
		if err != nil {
			writeDomainError(w, r, err, logger)
			return
		}
		writeJSON(w, sess, http.StatusAccepted)
	})
}

// handleSetAlert returns a handler that creates a price alert.
// POST /api/v1/alerts
func handleSetAlert(watcher Watcher, logger *slog.Logger) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		var req struct {
			UserID    int64   `json:"user_id"`
			Token     string  `json:"token"`
			Condition string  `json:"condition"`
			Value     float64 `json:"value"`
		}
		if !decodeBody(w, r, &req, logger) {
			return
		}
		alert, err := watcher.SetPriceAlert(r.Context(), req.UserID, req.Token, req.Condition, req.Value)
		if err != nil {
			writeDomainError(w, r, err, logger)
			return
		}
		writeJSON(w, alertToResponse(alert), http.StatusCreated)
	})
}

// handleTrackWallet returns a handler that starts watching a wallet.
// POST /api/v1/tracking
func handleTrackWallet(watcher Watcher, logger *slog.Logger) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		var req struct {
			UserID    int64  `json:"user_id"`
			Address   string `json:"address"`
			ChannelID string `json:"channel_id"`
		}
		if !decodeBody(w, r, &req, logger) {
			return
		}
		if strings.TrimSpace(req.ChannelID) == "" {
			writeError(w, "channel_id is required", http.StatusBadRequest)
			return
		}
		tracking, err := watcher.TrackWallet(r.Context(), req.UserID, req.Address, req.ChannelID)
		if err != nil {
			writeDomainError(w, r, err, logger)
			return
		}
		writeJSON(w, trackingToResponse(tracking), http.StatusCreated)
	})
}

// handleStopTracking returns a handler that stops watching a wallet.
// DELETE /api/v1/tracking/{address}?user_id={id}
func handleStopTracking(watcher Watcher, logger *slog.Logger) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		userID, ok := queryID(w, r, "user_id")
		if !ok {
			return
		}
		if err := watcher.StopTracking(r.Context(), userID, r.PathValue("address")); err != nil {
			writeDomainError(w, r, err, logger)
			return
		}
		w.WriteHeader(http.StatusNoContent)
	})
}

// handleSubscribe returns a handler that turns on realtime wallet DMs.
// POST /api/v1/tracking/{address}/realtime?user_id={id}
func handleSubscribe(watcher Watcher, logger *slog.Logger) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		userID, ok := queryID(w, r, "user_id")
		if !ok {
			return
		}
		if err := watcher.Subscribe(userID, r.PathValue("address")); err != nil {
			writeDomainError(w, r, err, logger)
			return
		}
		w.WriteHeader(http.StatusNoContent)
	})
}

// handleUnsubscribe returns a handler that turns realtime wallet DMs off.
// DELETE /api/v1/tracking/{address}/realtime?user_id={id}
func handleUnsubscribe(watcher Watcher, logger *slog.Logger) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		userID, ok := queryID(w, r, "user_id")
		if !ok {
			return
		}
		if !watcher.Unsubscribe(userID, r.PathValue("address")) {
			writeError(w, "subscription not found", http.StatusNotFound)
			return
		}
		w.WriteHeader(http.StatusNoContent)
	})
}

// handleNetworkAnalytics returns a handler that summarizes recent throughput.
// GET /api/v1/network/analytics
func handleNetworkAnalytics(watcher Watcher) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		writeJSON(w, watcher.NetworkAnalytics(), http.StatusOK)
	})
}

// handleGetPrice returns a handler that quotes a token's USD price.
// GET /api/v1/prices/{symbol}
func handleGetPrice(prices Pricer, logger *slog.Logger) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		symbol := strings.ToUpper(r.PathValue("symbol"))
		price, err := prices.Price(r.Context(), symbol)
		if err != nil {
			writeDomainError(w, r, err, logger)
			return
		}
		writeJSON(w, map[string]interface{}{
			"token": symbol,
			"usd":   price,
		}, http.StatusOK)
	})
}

// statusFor maps domain errors to HTTP status codes.
func statusFor(err error) int {
	switch {
	case errors.Is(err, market.ErrInvalidAddress),
		errors.Is(err, market.ErrInvalidOption),
		errors.Is(err, market.ErrInvalidOptions),
		errors.Is(err, market.ErrInvalidTitle),
		errors.Is(err, market.ErrInvalidPoints),
		errors.Is(err, token.ErrUnsupportedToken),
		errors.Is(err, token.ErrInvalidAmount),
		errors.Is(err, watch.ErrInvalidCondition),
		errors.Is(err, watch.ErrInvalidThreshold):
		return http.StatusBadRequest
	case errors.Is(err, market.ErrNotAuthorized):
		return http.StatusForbidden
	case errors.Is(err, market.ErrMarketNotFound),
		errors.Is(err, watch.ErrNotTracked),
		errors.Is(err, pipeline.ErrSessionNotFound),
		errors.Is(err, db.ErrNotFound):
		return http.StatusNotFound
	case errors.Is(err, market.ErrMarketClosed),
		errors.Is(err, market.ErrAlreadySettled),
		errors.Is(err, watch.ErrAlreadyTracked),
		errors.Is(err, pipeline.ErrSessionClosed),
		errors.Is(err, db.ErrConflict):
		return http.StatusConflict
	case errors.Is(err, pipeline.ErrPlacementExpired):
		return http.StatusGone
	case errors.Is(err, market.ErrWalletNotLinked),
		errors.Is(err, pipeline.ErrVerificationFailed),
		errors.Is(err, solana.ErrUnsupportedTokenOperation):
		return http.StatusUnprocessableEntity
	case errors.Is(err, solana.ErrLedgerUnavailable),
		errors.Is(err, solana.ErrSubmissionRejected),
		errors.Is(err, pricing.ErrPriceUnavailable):
		return http.StatusBadGateway
	default:
		return http.StatusInternalServerError
	}
}

// writeDomainError writes err with its mapped status. Unmapped errors are
// logged and hidden behind a generic message.
func writeDomainError(w http.ResponseWriter, r *http.Request, err error, logger *slog.Logger) {
	status := statusFor(err)
	if status == http.StatusInternalServerError {
		logger.ErrorContext(r.Context(), "request failed", "path", r.URL.Path, "error", err)
		writeError(w, "internal server error", status)
		return
	}
	logger.DebugContext(r.Context(), "request rejected", "path", r.URL.Path, "status", status, "error", err)
	writeError(w, err.Error(), status)
}

// decodeBody decodes a size-limited JSON body into dst, writing a 400 on failure.
func decodeBody(w http.ResponseWriter, r *http.Request, dst interface{}, logger *slog.Logger) bool {
	r.Body = http.MaxBytesReader(w, r.Body, maxRequestBodySize)
	if err := json.NewDecoder(r.Body).Decode(dst); err != nil {
		logger.DebugContext(r.Context(), "failed to decode request", "path", r.URL.Path, "error", err)
		var tooLarge *http.MaxBytesError
		if errors.As(err, &tooLarge) {
			writeError(w, "request body too large: maximum size is 1MB", http.StatusBadRequest)
			return false
		}
		writeError(w, "invalid request body: must be valid JSON", http.StatusBadRequest)
		return false
	}
	return true
}

func pathID(w http.ResponseWriter, r *http.Request, name string) (int64, bool) {
	return parseID(w, name, r.PathValue(name))
}

func queryID(w http.ResponseWriter, r *http.Request, name string) (int64, bool) {
	raw := r.URL.Query().Get(name)
	if raw == "" {
		writeError(w, name+" query parameter is required", http.StatusBadRequest)
		return 0, false
	}
	return parseID(w, name, raw)
}

func parseID(w http.ResponseWriter, name, raw string) (int64, bool) {
	id, err := strconv.ParseInt(raw, 10, 64)
	if err != nil || id <= 0 {
		writeError(w, fmt.Sprintf("invalid %s: must be a positive integer", name), http.StatusBadRequest)
		return 0, false
	}
	return id, true
}

func writeJSON(w http.ResponseWriter, data interface{}, statusCode int) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(statusCode)
	json.NewEncoder(w).Encode(data)
}

func writeError(w http.ResponseWriter, message string, statusCode int) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(statusCode)
	json.NewEncoder(w).Encode(map[string]string{
		"error": message,
	})
}
