// Package market runs prediction markets: creation, wager admission and
// settlement with payouts. Every operation reads current state from the
// store; the engine keeps no copies of markets between calls.
package market

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"strings"
	"time"

	"github.com/brojonat/solmarket/service/db"
	"github.com/brojonat/solmarket/service/lock"
	"github.com/brojonat/solmarket/service/metrics"
	"github.com/brojonat/solmarket/service/notify"
	"github.com/brojonat/solmarket/service/pipeline"
	"github.com/brojonat/solmarket/service/solana"
	"github.com/brojonat/solmarket/service/token"
)

var (
	ErrInvalidAddress  = solana.ErrInvalidAddress
	ErrInvalidOption   = errors.New("invalid option")
	ErrInvalidOptions  = errors.New("a market needs at least two non-empty options")
	ErrInvalidTitle    = errors.New("market title is required")
	ErrInvalidPoints   = errors.New("points must be positive")
	ErrWalletNotLinked = errors.New("wallet not linked")
	ErrMarketNotFound  = errors.New("market not found")
	ErrMarketClosed    = errors.New("market is closed")
	ErrAlreadySettled  = errors.New("market already settled")
	ErrNotAuthorized   = errors.New("only the market creator can settle")
	ErrPayoutFailed    = errors.New("payout failed")
)

// Store is the persistence the engine needs.
type Store interface {
	GetUser(ctx context.Context, userID int64) (*db.User, error)
	UpsertUserWallet(ctx context.Context, userID int64, wallet string) (*db.User, error)
	AddPoints(ctx context.Context, userID int64, points int64) (*db.User, error)

	CreatePrediction(ctx context.Context, params db.CreatePredictionParams) (*db.Prediction, error)
	GetPrediction(ctx context.Context, id int64) (*db.Prediction, error)
	ListPredictions(ctx context.Context, status db.PredictionStatus) ([]*db.Prediction, error)
	ClosePrediction(ctx context.Context, id int64, winningOption int) (*db.Prediction, error)

	CreateWager(ctx context.Context, params db.CreateWagerParams) (*db.Wager, error)
	ListWagers(ctx context.Context, predictionID int64) ([]*db.Wager, error)
	ListWagersByOption(ctx context.Context, predictionID int64, option int) ([]*db.Wager, error)

	ListPayouts(ctx context.Context, predictionID int64) ([]*db.Payout, error)
}

// Payments prepares and verifies wager transfers.
type Payments interface {
	Prepare(ctx context.Context, payer, recipient string, amount uint64, tok token.Token) (*pipeline.SignRequest, error)
	Execute(ctx context.Context, signedBlob string, exp pipeline.Expectation) (*pipeline.Receipt, error)
}

// Config tunes the engine.
type Config struct {
	SignTimeout time.Duration
	Policy      PayoutPolicy
}

// Engine is the market state machine. OPEN --settle--> CLOSED; CLOSED is terminal.
type Engine struct {
	store      Store
	payments   Payments
	requester  pipeline.SignatureRequester
	dispatcher PayoutDispatcher
	sink       notify.Sink
	locker     lock.Locker
	cfg        Config
	now        func() time.Time

	metrics *metrics.Metrics
	logger  *slog.Logger
}

// NewEngine wires an Engine. A nil locker falls back to an in-process keyed
// mutex; a nil policy to the flat 2x multiplier.
func NewEngine(
	store Store,
	payments Payments,
	requester pipeline.SignatureRequester,
	dispatcher PayoutDispatcher,
	sink notify.Sink,
	locker lock.Locker,
	cfg Config,
	m *metrics.Metrics,
	logger *slog.Logger,
) *Engine {
	if locker == nil {
		locker = lock.NewKeyedMutex()
	}
	if cfg.Policy == nil {
		cfg.Policy = FlatMultiplier(2)
	}
	if cfg.SignTimeout <= 0 {
		cfg.SignTimeout = 5 * time.Minute
	}
	return &Engine{
		store:      store,
		payments:   payments,
		requester:  requester,
		dispatcher: dispatcher,
		sink:       sink,
		locker:     locker,
		cfg:        cfg,
		now:        time.Now,
		metrics:    m,
		logger:     logger.With("component", "market"),
	}
}

// LinkWallet links a base58 public key to user, replacing any previous link.
func (e *Engine) LinkWallet(ctx context.Context, userID int64, address string) (*db.User, error) {
	pk, err := solana.ParseAddress(strings.TrimSpace(address))
	if err != nil {
		return nil, err
	}
	u, err := e.store.UpsertUserWallet(ctx, userID, pk.String())
	if err != nil {
		return nil, fmt.Errorf("failed to link wallet: %w", err)
	}
	e.logger.InfoContext(ctx, "wallet linked", "user_id", userID, "wallet", pk.String())
	return u, nil
}

// AwardPoints adds points to a user's balance and returns the new balance.
func (e *Engine) AwardPoints(ctx context.Context, userID int64, points int64) (int64, error) {
	if points <= 0 {
		return 0, ErrInvalidPoints
	}
	u, err := e.store.AddPoints(ctx, userID, points)
	if err != nil {
		return 0, fmt.Errorf("failed to award points: %w", err)
	}
	return u.Points, nil
}

// Points returns a user's balance. Unknown users have zero points.
func (e *Engine) Points(ctx context.Context, userID int64) (int64, error) {
	u, err := e.store.GetUser(ctx, userID)
	if errors.Is(err, db.ErrNotFound) {
		return 0, nil
	}
	if err != nil {
		return 0, err
	}
	return u.Points, nil
}

// CreateMarketRequest describes a new market.
type CreateMarketRequest struct {
	Creator  int64
	Title    string
	Options  []string
	Duration time.Duration
	ImageURL string
}

// CreateMarket opens a market. The creator must have a linked wallet, which
// is snapshotted as the wager recipient for the market's lifetime.
func (e *Engine) CreateMarket(ctx context.Context, req CreateMarketRequest) (*db.Prediction, error) {
	title := strings.TrimSpace(req.Title)
	if title == "" {
		return nil, ErrInvalidTitle
	}
	var options []string
	for _, o := range req.Options {
		if o = strings.TrimSpace(o); o != "" {
			options = append(options, o)
		}
	}
	if len(options) < 2 {
		return nil, ErrInvalidOptions
	}

	wallet, err := e.linkedWallet(ctx, req.Creator)
	if err != nil {
		return nil, err
	}

	var image *string
	if s := strings.TrimSpace(req.ImageURL); s != "" {
		image = &s
	}

	p, err := e.store.CreatePrediction(ctx, db.CreatePredictionParams{
		Title:         title,
		CreatorID:     req.Creator,
		CreatorWallet: wallet,
		Options:       options,
		EndTime:       e.now().Add(req.Duration),
		ImageURL:      image,
	})
	if err != nil {
		return nil, fmt.Errorf("failed to create market: %w", err)
	}

	if e.metrics != nil {
		e.metrics.RecordMarketCreated()
	}
	e.logger.InfoContext(ctx, "market created",
		"prediction_id", p.ID,
		"creator_id", p.CreatorID,
		"options", len(p.Options),
	)
	return p, nil
}

// ListOpenMarkets returns the markets still accepting wagers.
func (e *Engine) ListOpenMarkets(ctx context.Context) ([]*db.Prediction, error) {
	return e.store.ListPredictions(ctx, db.StatusOpen)
}

// MarketDetail is a market with its activity.
type MarketDetail struct {
	Prediction *db.Prediction    `json:"prediction"`
	Wagers     int               `json:"wagers"`
	Payouts    int               `json:"payouts"`
	Pools      map[string]uint64 `json:"pools"` // smallest units staked per token
}

// GetMarket returns a market with wager and payout counts.
func (e *Engine) GetMarket(ctx context.Context, id int64) (*MarketDetail, error) {
	p, err := e.getPrediction(ctx, id)
	if err != nil {
		return nil, err
	}
	wagers, err := e.store.ListWagers(ctx, id)
	if err != nil {
		return nil, err
	}
	payouts, err := e.store.ListPayouts(ctx, id)
	if err != nil {
		return nil, err
	}
	pools := make(map[string]uint64)
	for _, w := range wagers {
		pools[w.Token] += w.Amount
	}
	return &MarketDetail{Prediction: p, Wagers: len(wagers), Payouts: len(payouts), Pools: pools}, nil
}

// ListWagers returns a market's wagers.
func (e *Engine) ListWagers(ctx context.Context, id int64) ([]*db.Wager, error) {
	if _, err := e.getPrediction(ctx, id); err != nil {
		return nil, err
	}
	return e.store.ListWagers(ctx, id)
}

// ListPayouts returns a market's payouts.
func (e *Engine) ListPayouts(ctx context.Context, id int64) ([]*db.Payout, error) {
	if _, err := e.getPrediction(ctx, id); err != nil {
		return nil, err
	}
	return e.store.ListPayouts(ctx, id)
}

func (e *Engine) getPrediction(ctx context.Context, id int64) (*db.Prediction, error) {
	p, err := e.store.GetPrediction(ctx, id)
	if errors.Is(err, db.ErrNotFound) {
		return nil, fmt.Errorf("%w: #%d", ErrMarketNotFound, id)
	}
	return p, err
}

func (e *Engine) linkedWallet(ctx context.Context, userID int64) (string, error) {
	u, err := e.store.GetUser(ctx, userID)
	if errors.Is(err, db.ErrNotFound) {
		return "", ErrWalletNotLinked
	}
	if err != nil {
		return "", err
	}
	if u.Wallet == nil || *u.Wallet == "" {
		return "", ErrWalletNotLinked
	}
	return *u.Wallet, nil
}

func (e *Engine) notify(ctx context.Context, target notify.Target, msg string) {
	if e.sink == nil {
		return
	}
	if err := e.sink.Notify(ctx, target, msg); err != nil {
		e.logger.WarnContext(ctx, "failed to send notification", "target", target.String(), "error", err)
	}
}
