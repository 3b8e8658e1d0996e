// Package watch runs the periodic pollers: network throughput sampling,
// tracked-wallet change detection and fire-once price alerts. Each poll is a
// full pass over the store; one row failing never aborts the pass.
package watch

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"math"
	"sort"
	"strings"
	"sync"
	"time"

	"github.com/brojonat/solmarket/service/cache"
	"github.com/brojonat/solmarket/service/db"
	"github.com/brojonat/solmarket/service/metrics"
	"github.com/brojonat/solmarket/service/notify"
	"github.com/brojonat/solmarket/service/solana"
	"github.com/brojonat/solmarket/service/token"
)

var (
	ErrAlreadyTracked   = errors.New("wallet already tracked")
	ErrNotTracked       = errors.New("wallet not tracked")
	ErrInvalidCondition = errors.New("condition must be 'above' or 'below'")
	ErrInvalidThreshold = errors.New("alert value must be a positive number")
)

// Store is the persistence the pollers need.
type Store interface {
	CreateAlert(ctx context.Context, params db.CreateAlertParams) (*db.Alert, error)
	ListAlerts(ctx context.Context) ([]*db.Alert, error)
	DeleteAlert(ctx context.Context, id int64) error

	CreateWalletTracking(ctx context.Context, params db.CreateWalletTrackingParams) (*db.WalletTracking, error)
	ListWalletTracking(ctx context.Context) ([]*db.WalletTracking, error)
	UpdateWalletAnalysis(ctx context.Context, walletAddress string, userID int64, analysis string) (*db.WalletTracking, error)
	DeleteWalletTracking(ctx context.Context, walletAddress string, userID int64) error
}

// Ledger reads chain state.
type Ledger interface {
	GetBalance(ctx context.Context, address string) (uint64, error)
	CurrentTPS(ctx context.Context) (float64, error)
}

// Pricer returns USD prices by token symbol.
type Pricer interface {
	Price(ctx context.Context, symbol string) (float64, error)
}

// Config holds poll intervals and cache lifetimes.
type Config struct {
	NetworkSampleInterval time.Duration
	WalletPollInterval    time.Duration
	AlertPollInterval     time.Duration
	HistoryWindow         time.Duration
	StatsTTL              time.Duration
	WalletTTL             time.Duration
}

// Sample is one throughput reading.
type Sample struct {
	At  time.Time `json:"at"`
	TPS float64   `json:"tps"`
}

// Analytics summarizes the samples inside the history window. Readings of
// zero or less are not counted.
type Analytics struct {
	Samples int           `json:"samples"`
	Window  time.Duration `json:"window"`
	Average float64       `json:"avg_tps"`
	Min     float64       `json:"min_tps"`
	Max     float64       `json:"max_tps"`
	Latest  *Sample       `json:"latest,omitempty"`
}

// Service owns the pollers' state: the sample history and realtime
// subscriptions live on the instance, everything else in the store.
type Service struct {
	store  Store
	ledger Ledger
	prices Pricer
	cache  *cache.Manager
	sink   notify.Sink
	cfg    Config
	now    func() time.Time

	mu      sync.Mutex
	samples []Sample
	subs    map[string]map[int64]struct{} // wallet -> subscribed users

	metrics *metrics.Metrics
	logger  *slog.Logger
}

// NewService creates a Service.
func NewService(store Store, ledger Ledger, prices Pricer, c *cache.Manager, sink notify.Sink, cfg Config, m *metrics.Metrics, logger *slog.Logger) *Service {
	return &Service{
		store:   store,
		ledger:  ledger,
		prices:  prices,
		cache:   c,
		sink:    sink,
		cfg:     cfg,
		now:     time.Now,
		subs:    make(map[string]map[int64]struct{}),
		metrics: m,
		logger:  logger.With("component", "watch"),
	}
}

// SetPriceAlert registers a fire-once alert on a token's USD price.
func (s *Service) SetPriceAlert(ctx context.Context, userID int64, symbol, condition string, value float64) (*db.Alert, error) {
	tok, err := token.Lookup(symbol)
	if err != nil {
		return nil, err
	}
	cond := db.AlertCondition(strings.ToLower(strings.TrimSpace(condition)))
	if cond != db.ConditionAbove && cond != db.ConditionBelow {
		return nil, fmt.Errorf("%w: %q", ErrInvalidCondition, condition)
	}
	if value <= 0 || math.IsInf(value, 0) || math.IsNaN(value) {
		return nil, fmt.Errorf("%w: %v", ErrInvalidThreshold, value)
	}

	a, err := s.store.CreateAlert(ctx, db.CreateAlertParams{
		UserID:    userID,
		Token:     tok.Symbol,
		Condition: cond,
		Value:     value,
	})
	if err != nil {
		return nil, fmt.Errorf("failed to create alert: %w", err)
	}
	s.logger.InfoContext(ctx, "price alert set", "alert_id", a.ID, "user_id", userID, "token", tok.Symbol, "condition", cond, "value", value)
	return a, nil
}

// TrackWallet starts posting changes of address to channelID, mentioning
// userID. The current snapshot is stored so only later changes are reported.
func (s *Service) TrackWallet(ctx context.Context, userID int64, address, channelID string) (*db.WalletTracking, error) {
	pk, err := solana.ParseAddress(strings.TrimSpace(address))
	if err != nil {
		return nil, err
	}
	address = pk.String()

	snapshot, err := s.analyze(ctx, address)
	if err != nil {
		return nil, err
	}

	row, err := s.store.CreateWalletTracking(ctx, db.CreateWalletTrackingParams{
		WalletAddress: address,
		UserID:        userID,
		ChannelID:     channelID,
		LastAnalysis:  snapshot,
	})
	if errors.Is(err, db.ErrConflict) {
		return nil, fmt.Errorf("%w: %s", ErrAlreadyTracked, address)
	}
	if err != nil {
		return nil, fmt.Errorf("failed to track wallet: %w", err)
	}
	s.logger.InfoContext(ctx, "wallet tracked", "wallet", address, "user_id", userID, "channel_id", channelID)
	return row, nil
}

// StopTracking removes a tracked wallet.
func (s *Service) StopTracking(ctx context.Context, userID int64, address string) error {
	pk, err := solana.ParseAddress(strings.TrimSpace(address))
	if err != nil {
		return err
	}
	address = pk.String()

	err = s.store.DeleteWalletTracking(ctx, address, userID)
	if errors.Is(err, db.ErrNotFound) {
		return fmt.Errorf("%w: %s", ErrNotTracked, address)
	}
	return err
}

// Subscribe sends userID a DM with the wallet's snapshot on every wallet
// poll. Subscriptions are not persisted.
func (s *Service) Subscribe(userID int64, address string) error {
	pk, err := solana.ParseAddress(strings.TrimSpace(address))
	if err != nil {
		return err
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	users, ok := s.subs[pk.String()]
	if !ok {
		users = make(map[int64]struct{})
		s.subs[pk.String()] = users
	}
	users[userID] = struct{}{}
	return nil
}

// Unsubscribe removes a realtime subscription and reports whether it existed.
func (s *Service) Unsubscribe(userID int64, address string) bool {
	address = strings.TrimSpace(address)
	s.mu.Lock()
	defer s.mu.Unlock()
	users, ok := s.subs[address]
	if !ok {
		return false
	}
	if _, ok := users[userID]; !ok {
		return false
	}
	delete(users, userID)
	if len(users) == 0 {
		delete(s.subs, address)
	}
	return true
}

// NetworkAnalytics summarizes recent throughput.
func (s *Service) NetworkAnalytics() Analytics {
	s.mu.Lock()
	defer s.mu.Unlock()

	a := Analytics{Window: s.cfg.HistoryWindow}
	var sum float64
	for _, smp := range s.samples {
		if smp.TPS <= 0 {
			continue
		}
		if a.Samples == 0 || smp.TPS < a.Min {
			a.Min = smp.TPS
		}
		if smp.TPS > a.Max {
			a.Max = smp.TPS
		}
		sum += smp.TPS
		a.Samples++
	}
	if a.Samples > 0 {
		a.Average = sum / float64(a.Samples)
	}
	if n := len(s.samples); n > 0 {
		latest := s.samples[n-1]
		a.Latest = &latest
	}
	return a
}

// SampleNetwork records one throughput reading and drops readings older
// than the history window.
func (s *Service) SampleNetwork(ctx context.Context) error {
	tps, err := cache.Memoize(ctx, s.cache, "network:tps", s.cfg.StatsTTL, s.ledger.CurrentTPS)
	if err != nil {
		return fmt.Errorf("failed to read network throughput: %w", err)
	}

	now := s.now()
	cutoff := now.Add(-s.cfg.HistoryWindow)

	s.mu.Lock()
	defer s.mu.Unlock()
	s.samples = append(s.samples, Sample{At: now, TPS: tps})
	i := sort.Search(len(s.samples), func(i int) bool { return !s.samples[i].At.Before(cutoff) })
	s.samples = append(s.samples[:0], s.samples[i:]...)
	return nil
}

// WatchWallets compares each tracked wallet's snapshot with the stored one,
// posts changes and then sends realtime DMs to subscribers.
func (s *Service) WatchWallets(ctx context.Context) error {
	rows, err := s.store.ListWalletTracking(ctx)
	if err != nil {
		return fmt.Errorf("failed to list tracked wallets: %w", err)
	}

	for _, row := range rows {
		if ctx.Err() != nil {
			return ctx.Err()
		}
		snapshot, err := s.analyze(ctx, row.WalletAddress)
		if err != nil {
			s.rowError(ctx, "wallet-watcher", row.WalletAddress, err)
			continue
		}
		if snapshot == row.LastAnalysis {
			continue
		}

		msg := fmt.Sprintf("<@%d>, your tracked wallet %s has updates:\n%s", row.UserID, row.WalletAddress, snapshot)
		if err := s.sink.Notify(ctx, notify.Channel(row.ChannelID), msg); err != nil {
			// Keep the old snapshot so the change is reported next pass.
			s.rowError(ctx, "wallet-watcher", row.WalletAddress, err)
			continue
		}
		if _, err := s.store.UpdateWalletAnalysis(ctx, row.WalletAddress, row.UserID, snapshot); err != nil {
			s.rowError(ctx, "wallet-watcher", row.WalletAddress, err)
		}
	}

	s.pushRealtime(ctx)
	return nil
}

func (s *Service) pushRealtime(ctx context.Context) {
	s.mu.Lock()
	subs := make(map[string][]int64, len(s.subs))
	for addr, users := range s.subs {
		for u := range users {
			subs[addr] = append(subs[addr], u)
		}
	}
	s.mu.Unlock()

	for addr, users := range subs {
		snapshot, err := s.analyze(ctx, addr)
		if err != nil {
			s.rowError(ctx, "wallet-watcher", addr, err)
			continue
		}
		for _, u := range users {
			msg := fmt.Sprintf("[Realtime Update] Wallet %s: %s", addr, snapshot)
			if err := s.sink.Notify(ctx, notify.DM(u), msg); err != nil {
				s.rowError(ctx, "wallet-watcher", addr, err)
			}
		}
	}
}

// CheckAlerts fires every alert whose condition holds at the current price
// and deletes it.
func (s *Service) CheckAlerts(ctx context.Context) error {
	alerts, err := s.store.ListAlerts(ctx)
	if err != nil {
		return fmt.Errorf("failed to list alerts: %w", err)
	}

	for _, a := range alerts {
		if ctx.Err() != nil {
			return ctx.Err()
		}
		key := fmt.Sprintf("alert:%d", a.ID)
		price, err := s.prices.Price(ctx, a.Token)
		if err != nil {
			s.rowError(ctx, "price-alerts", key, err)
			continue
		}
		if !triggered(a, price) {
			continue
		}

		msg := fmt.Sprintf("Price alert: %s is %s %s (current: $%.4f)",
			a.Token, a.Condition, formatThreshold(a.Value), price)
		if err := s.sink.Notify(ctx, notify.DM(a.UserID), msg); err != nil {
			s.rowError(ctx, "price-alerts", key, err)
			continue
		}
		if err := s.store.DeleteAlert(ctx, a.ID); err != nil && !errors.Is(err, db.ErrNotFound) {
			s.rowError(ctx, "price-alerts", key, err)
			continue
		}
		s.logger.InfoContext(ctx, "price alert fired", "alert_id", a.ID, "user_id", a.UserID, "token", a.Token, "price", price)
	}
	return nil
}

func triggered(a *db.Alert, price float64) bool {
	switch a.Condition {
	case db.ConditionAbove:
		return price > a.Value
	case db.ConditionBelow:
		return price < a.Value
	default:
		return false
	}
}

func formatThreshold(v float64) string {
	return "$" + strings.TrimRight(strings.TrimRight(fmt.Sprintf("%.4f", v), "0"), ".")
}

// analyze returns the wallet's snapshot, e.g. "SOL: 1.2345".
func (s *Service) analyze(ctx context.Context, address string) (string, error) {
	return cache.Memoize(ctx, s.cache, "wallet:"+address, s.cfg.WalletTTL, func(ctx context.Context) (string, error) {
		lamports, err := s.ledger.GetBalance(ctx, address)
		if err != nil {
			return "", err
		}
		return fmt.Sprintf("SOL: %.4f", float64(lamports)/token.LamportsPerSOL), nil
	})
}

func (s *Service) rowError(ctx context.Context, task, key string, err error) {
	s.logger.WarnContext(ctx, "poll row failed", "task", task, "key", key, "error", err)
	if s.metrics != nil {
		s.metrics.RecordPollRowError(task)
	}
}
