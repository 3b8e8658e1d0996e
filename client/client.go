// Package client is the HTTP client for the solmarket API.
package client

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"net/url"
	"time"
)

// ErrSessionFailed is returned by AwaitSession when the placement ends
// without a confirmed wager.
var ErrSessionFailed = errors.New("sign session did not confirm")

// Market is a prediction market.
type Market struct {
	ID            int64      `json:"id"`
	Title         string     `json:"title"`
	CreatorID     int64      `json:"creator_id"`
	CreatorWallet string     `json:"creator_wallet"`
	Options       []string   `json:"options"`
	EndTime       time.Time  `json:"end_time"`
	Status        string     `json:"status"`
	ImageURL      *string    `json:"image_url,omitempty"`
	WinningOption *int       `json:"winning_option,omitempty"`
	CreatedAt     time.Time  `json:"created_at"`
	SettledAt     *time.Time `json:"settled_at,omitempty"`
}

// Pool is the total staked on a market in one token.
type Pool struct {
	Token   string `json:"token"`
	Amount  uint64 `json:"amount"`
	Display string `json:"display"`
}

// MarketDetail is a market with its activity counts.
type MarketDetail struct {
	Market  Market `json:"market"`
	Wagers  int    `json:"wagers"`
	Payouts int    `json:"payouts"`
	Pools   []Pool `json:"pools"`
}

// CreateMarketParams describes a new market.
type CreateMarketParams struct {
	CreatorID int64         `json:"creator_id"`
	Title     string        `json:"title"`
	Options   []string      `json:"options"`
	Duration  time.Duration `json:"-"`
	ImageURL  string        `json:"image_url,omitempty"`
}

// WagerParams describes a wager to place.
type WagerParams struct {
	UserID int64   `json:"user_id"`
	Token  string  `json:"token"`
	Amount float64 `json:"amount"`
	Option int     `json:"option"`
}

// WagerTicket is returned when a wager is accepted for signing.
type WagerTicket struct {
	SessionID string `json:"session_id"`
	Status    string `json:"status"`
	StatusURL string `json:"status_url"`
}

// SignSession is the state of a wager waiting on the payer's signature.
type SignSession struct {
	ID           string     `json:"id"`
	UserID       int64      `json:"user_id"`
	Status       string     `json:"status"`
	Description  string     `json:"description,omitempty"`
	UnsignedTx   string     `json:"unsigned_tx,omitempty"`
	Recipient    string     `json:"recipient,omitempty"`
	Amount       uint64     `json:"amount,omitempty"`
	Token        string     `json:"token,omitempty"`
	Signature    string     `json:"signature,omitempty"`
	Error        string     `json:"error,omitempty"`
	CreatedAt    time.Time  `json:"created_at"`
	ExpiresAt    *time.Time `json:"expires_at,omitempty"`
	UpdatedAt    time.Time  `json:"updated_at"`
}

// Terminal reports whether the session has reached a final state.
func (s *SignSession) Terminal() bool {
	switch s.Status {
	case "confirmed", "failed", "expired":
		return true
	}
	return false
}

// Payout is a transfer to a winner.
type Payout struct {
	ID        int64     `json:"id"`
	UserID    int64     `json:"user_id"`
	WagerID   int64     `json:"wager_id"`
	Token     string    `json:"token"`
	Amount    uint64    `json:"amount"`
	TxID      string    `json:"tx_id"`
	CreatedAt time.Time `json:"created_at"`
}

// PayoutFailure is a winner that could not be paid.
type PayoutFailure struct {
	WagerID int64  `json:"wager_id"`
	UserID  int64  `json:"user_id"`
	Wallet  string `json:"wallet"`
	Token   string `json:"token"`
	Amount  uint64 `json:"amount"`
	Reason  string `json:"reason"`
}

// Settlement reports a settled market.
type Settlement struct {
	Market        Market          `json:"market"`
	WinningOption int             `json:"winning_option"`
	WinningLabel  string          `json:"winning_label"`
	Policy        string          `json:"policy"`
	Winners       int             `json:"winners"`
	Payouts       []Payout        `json:"payouts"`
	Failures      []PayoutFailure `json:"failures"`
}

// Alert is a one-shot price alert.
type Alert struct {
	ID        int64     `json:"id"`
	UserID    int64     `json:"user_id"`
	Token     string    `json:"token"`
	Condition string    `json:"condition"`
	Value     float64   `json:"value"`
	CreatedAt time.Time `json:"created_at"`
}

// Tracking is a wallet watched on behalf of a user.
type Tracking struct {
	WalletAddress string    `json:"wallet_address"`
	UserID        int64     `json:"user_id"`
	ChannelID     string    `json:"channel_id"`
	LastAnalysis  string    `json:"last_analysis"`
	CreatedAt     time.Time `json:"created_at"`
}

// Analytics summarizes recent network throughput.
type Analytics struct {
	Samples int           `json:"samples"`
	Window  time.Duration `json:"window"`
	Average float64       `json:"avg_tps"`
	Min     float64       `json:"min_tps"`
	Max     float64       `json:"max_tps"`
}

// APIError is a non-success response from the server.
type APIError struct {
	StatusCode int
	Message    string
}

func (e *APIError) Error() string {
	return fmt.Sprintf("server error (status %d): %s", e.StatusCode, e.Message)
}

// IsStatus reports whether err is an APIError with the given status code.
func IsStatus(err error, code int) bool {
	var apiErr *APIError
	return errors.As(err, &apiErr) && apiErr.StatusCode == code
}

// Client is the HTTP client for the solmarket service.
type Client struct {
	baseURL    string
	httpClient *http.Client
	logger     *slog.Logger
}

// NewClient creates a new market service client.
func NewClient(baseURL string, httpClient *http.Client, logger *slog.Logger) *Client {
	if httpClient == nil {
		httpClient = &http.Client{Timeout: 2 * time.Minute}
	}
	if logger == nil {
		logger = slog.New(slog.NewJSONHandler(io.Discard, nil))
	}
	return &Client{
		baseURL:    baseURL,
		httpClient: httpClient,
		logger:     logger,
	}
}

// LinkWallet links a Solana wallet to a user.
func (c *Client) LinkWallet(ctx context.Context, userID int64, address string) error {
	body := map[string]string{"address": address}
	return c.do(ctx, http.MethodPost, fmt.Sprintf("/api/v1/users/%d/wallet", userID), body, http.StatusOK, nil)
}

// Points returns a user's points.
func (c *Client) Points(ctx context.Context, userID int64) (int64, error) {
	var resp struct {
		Points int64 `json:"points"`
	}
	err := c.do(ctx, http.MethodGet, fmt.Sprintf("/api/v1/users/%d/points", userID), nil, http.StatusOK, &resp)
	return resp.Points, err
}

// AwardPoints adds points to a user and returns the new total.
func (c *Client) AwardPoints(ctx context.Context, userID, points int64) (int64, error) {
	var resp struct {
		Points int64 `json:"points"`
	}
	body := map[string]int64{"points": points}
	err := c.do(ctx, http.MethodPost, fmt.Sprintf("/api/v1/users/%d/points", userID), body, http.StatusOK, &resp)
	return resp.Points, err
}

// CreateMarket opens a new market.
func (c *Client) CreateMarket(ctx context.Context, params CreateMarketParams) (*Market, error) {
	body := struct {
		CreateMarketParams
		Duration string `json:"duration"`
	}{params, params.Duration.String()}

	var m Market
	if err := c.do(ctx, http.MethodPost, "/api/v1/markets", body, http.StatusCreated, &m); err != nil {
		return nil, err
	}
	c.logger.Debug("market created", "id", m.ID)
	return &m, nil
}

// ListMarkets returns the open markets, newest first.
func (c *Client) ListMarkets(ctx context.Context) ([]Market, error) {
	var resp struct {
		Markets []Market `json:"markets"`
	}
	if err := c.do(ctx, http.MethodGet, "/api/v1/markets", nil, http.StatusOK, &resp); err != nil {
		return nil, err
	}
	return resp.Markets, nil
}

// GetMarket returns one market with its activity.
func (c *Client) GetMarket(ctx context.Context, id int64) (*MarketDetail, error) {
	var d MarketDetail
	if err := c.do(ctx, http.MethodGet, fmt.Sprintf("/api/v1/markets/%d", id), nil, http.StatusOK, &d); err != nil {
		return nil, err
	}
	return &d, nil
}

// PlaceWager submits a wager. The wager is only recorded after the payer
// signs the transaction attached to the returned session.
func (c *Client) PlaceWager(ctx context.Context, marketID int64, params WagerParams) (*WagerTicket, error) {
	var t WagerTicket
	if err := c.do(ctx, http.MethodPost, fmt.Sprintf("/api/v1/markets/%d/wagers", marketID), params, http.StatusAccepted, &t); err != nil {
		return nil, err
	}
	return &t, nil
}

// GetSignSession returns the current state of a sign session.
func (c *Client) GetSignSession(ctx context.Context, id string) (*SignSession, error) {
	var s SignSession
	if err := c.do(ctx, http.MethodGet, "/api/v1/sign-sessions/"+url.PathEscape(id), nil, http.StatusOK, &s); err != nil {
		return nil, err
	}
	return &s, nil
}

// SubmitSignature delivers a signed transaction for a session.
func (c *Client) SubmitSignature(ctx context.Context, id, signedTx string) (*SignSession, error) {
	var s SignSession
	body := map[string]string{"signed_tx": signedTx}
	if err := c.do(ctx, http.MethodPost, "/api/v1/sign-sessions/"+url.PathEscape(id), body, http.StatusAccepted, &s); err != nil {
		return nil, err
	}
	return &s, nil
}

// AwaitSession polls a session until it reaches want or a terminal state.
// A session that ends failed or expired is returned with ErrSessionFailed.
func (c *Client) AwaitSession(ctx context.Context, id, want string, interval time.Duration) (*SignSession, error) {
	ticker := time.NewTicker(interval)
	defer ticker.Stop()
	for {
		s, err := c.GetSignSession(ctx, id)
		if err != nil {
			return nil, err
		}
		if s.Status == want {
			return s, nil
		}
		if s.Terminal() {
			if s.Status == "confirmed" {
				return s, nil
			}
			return s, fmt.Errorf("%w: %s: %s", ErrSessionFailed, s.Status, s.Error)
		}
		select {
		case <-ctx.Done():
			return s, ctx.Err()
		case <-ticker.C:
		}
	}
}

// Settle closes a market on the winning option and pays its winners.
func (c *Client) Settle(ctx context.Context, marketID, userID int64, winningOption int) (*Settlement, error) {
	body := map[string]interface{}{"user_id": userID, "winning_option": winningOption}
	var s Settlement
	if err := c.do(ctx, http.MethodPost, fmt.Sprintf("/api/v1/markets/%d/settle", marketID), body, http.StatusOK, &s); err != nil {
		return nil, err
	}
	return &s, nil
}

// SetPriceAlert creates a one-shot price alert.
func (c *Client) SetPriceAlert(ctx context.Context, userID int64, tok, condition string, value float64) (*Alert, error) {
	body := map[string]interface{}{"user_id": userID, "token": tok, "condition": condition, "value": value}
	var a Alert
	if err := c.do(ctx, http.MethodPost, "/api/v1/alerts", body, http.StatusCreated, &a); err != nil {
		return nil, err
	}
	return &a, nil
}

// TrackWallet starts watching a wallet for a user.
func (c *Client) TrackWallet(ctx context.Context, userID int64, address, channelID string) (*Tracking, error) {
	body := map[string]interface{}{"user_id": userID, "address": address, "channel_id": channelID}
	var t Tracking
	if err := c.do(ctx, http.MethodPost, "/api/v1/tracking", body, http.StatusCreated, &t); err != nil {
		return nil, err
	}
	return &t, nil
}

// StopTracking stops watching a wallet.
func (c *Client) StopTracking(ctx context.Context, userID int64, address string) error {
	path := fmt.Sprintf("/api/v1/tracking/%s?user_id=%d", url.PathEscape(address), userID)
	return c.do(ctx, http.MethodDelete, path, nil, http.StatusNoContent, nil)
}

// Subscribe turns on realtime updates for a tracked wallet.
func (c *Client) Subscribe(ctx context.Context, userID int64, address string) error {
	path := fmt.Sprintf("/api/v1/tracking/%s/realtime?user_id=%d", url.PathEscape(address), userID)
	return c.do(ctx, http.MethodPost, path, nil, http.StatusNoContent, nil)
}

// Unsubscribe turns realtime updates off.
func (c *Client) Unsubscribe(ctx context.Context, userID int64, address string) error {
	path := fmt.Sprintf("/api/v1/tracking/%s/realtime?user_id=%d", url.PathEscape(address), userID)
	return c.do(ctx, http.MethodDelete, path, nil, http.StatusNoContent, nil)
}

// NetworkAnalytics returns recent network throughput statistics.
func (c *Client) NetworkAnalytics(ctx context.Context) (*Analytics, error) {
	var a Analytics
	if err := c.do(ctx, http.MethodGet, "/api/v1/network/analytics", nil, http.StatusOK, &a); err != nil {
		return nil, err
	}
	return &a, nil
}

// Price returns a token's USD price.
func (c *Client) Price(ctx context.Context, symbol string) (float64, error) {
	var resp struct {
		USD float64 `json:"usd"`
	}
	err := c.do(ctx, http.MethodGet, "/api/v1/prices/"+url.PathEscape(symbol), nil, http.StatusOK, &resp)
	return resp.USD, err
}

// Health checks that the server is up.
func (c *Client) Health(ctx context.Context) error {
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, c.baseURL+"/health", nil)
	if err != nil {
		return fmt.Errorf("failed to create request: %w", err)
	}
	resp, err := c.httpClient.Do(req)
	if err != nil {
		return fmt.Errorf("request failed: %w", err)
	}
	defer resp.Body.Close()
	if resp.StatusCode != http.StatusOK {
		return c.parseErrorResponse(resp)
	}
	return nil
}

// Version returns the server's build version.
func (c *Client) Version(ctx context.Context) (string, error) {
	var resp struct {
		Version string `json:"version"`
	}
	err := c.do(ctx, http.MethodGet, "/version", nil, http.StatusOK, &resp)
	return resp.Version, err
}

// do sends a JSON request and decodes the JSON response into out when the
// status matches want.
func (c *Client) do(ctx context.Context, method, path string, in interface{}, want int, out interface{}) error {
	var body io.Reader
	if in != nil {
		b, err := json.Marshal(in)
		if err != nil {
			return fmt.Errorf("failed to marshal request: %w", err)
		}
		body = bytes.NewReader(b)
	}

	req, err := http.NewRequestWithContext(ctx, method, c.baseURL+path, body)
	if err != nil {
		return fmt.Errorf("failed to create request: %w", err)
	}
	if in != nil {
		req.Header.Set("Content-Type", "application/json")
	}

	resp, err := c.httpClient.Do(req)
	if err != nil {
		return fmt.Errorf("request failed: %w", err)
	}
	defer resp.Body.Close()

	if resp.StatusCode != want {
		return c.parseErrorResponse(resp)
	}
	if out == nil {
		return nil
	}
	if err := json.NewDecoder(resp.Body).Decode(out); err != nil {
		return fmt.Errorf("failed to decode response: %w", err)
	}
	c.logger.Debug("request completed", "method", method, "path", path, "status", resp.StatusCode)
	return nil
}

// parseErrorResponse attempts to parse an error response from the server.
func (c *Client) parseErrorResponse(resp *http.Response) error {
	var errResp struct {
		Error string `json:"error"`
	}

	body, _ := io.ReadAll(resp.Body)
	if err := json.Unmarshal(body, &errResp); err != nil || errResp.Error == "" {
		return &APIError{StatusCode: resp.StatusCode, Message: string(bytes.TrimSpace(body))}
	}
	return &APIError{StatusCode: resp.StatusCode, Message: errResp.Error}
}
