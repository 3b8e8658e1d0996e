package watch

import (
	"context"
	"errors"
	"io"
	"log/slog"
	"sync"
	"testing"
	"time"

	"github.com/brojonat/solmarket/service/cache"
	"github.com/brojonat/solmarket/service/db"
	"github.com/brojonat/solmarket/service/notify"
	solanago "github.com/gagliardetto/solana-go"
)

func discardLogger() *slog.Logger {
	return slog.New(slog.NewTextHandler(io.Discard, nil))
}

func newWallet() string {
	return solanago.NewWallet().PublicKey().String()
}

type memStore struct {
	mu       sync.Mutex
	alerts   []*db.Alert
	tracking []*db.WalletTracking
	nextID   int64

	listAlertsErr error
}

func (s *memStore) CreateAlert(ctx context.Context, params db.CreateAlertParams) (*db.Alert, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.nextID++
	a := &db.Alert{ID: s.nextID, UserID: params.UserID, Token: params.Token, Condition: params.Condition, Value: params.Value, CreatedAt: time.Now()}
	s.alerts = append(s.alerts, a)
	return a, nil
}

func (s *memStore) ListAlerts(ctx context.Context) ([]*db.Alert, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.listAlertsErr != nil {
		return nil, s.listAlertsErr
	}
	out := make([]*db.Alert, len(s.alerts))
	copy(out, s.alerts)
	return out, nil
}

func (s *memStore) DeleteAlert(ctx context.Context, id int64) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	for i, a := range s.alerts {
		if a.ID == id {
			s.alerts = append(s.alerts[:i], s.alerts[i+1:]...)
			return nil
		}
	}
	return db.ErrNotFound
}

func (s *memStore) CreateWalletTracking(ctx context.Context, params db.CreateWalletTrackingParams) (*db.WalletTracking, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	for _, w := range s.tracking {
		if w.WalletAddress == params.WalletAddress && w.UserID == params.UserID {
			return nil, db.ErrConflict
		}
	}
	w := &db.WalletTracking{
		WalletAddress: params.WalletAddress,
		UserID:        params.UserID,
		ChannelID:     params.ChannelID,
		LastAnalysis:  params.LastAnalysis,
	}
	s.tracking = append(s.tracking, w)
	cp := *w
	return &cp, nil
}

func (s *memStore) ListWalletTracking(ctx context.Context) ([]*db.WalletTracking, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	out := make([]*db.WalletTracking, len(s.tracking))
	for i, w := range s.tracking {
		cp := *w
		out[i] = &cp
	}
	return out, nil
}

func (s *memStore) UpdateWalletAnalysis(ctx context.Context, walletAddress string, userID int64, analysis string) (*db.WalletTracking, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	for _, w := range s.tracking {
		if w.WalletAddress == walletAddress && w.UserID == userID {
			w.LastAnalysis = analysis
			cp := *w
			return &cp, nil
		}
	}
	return nil, db.ErrNotFound
}

func (s *memStore) DeleteWalletTracking(ctx context.Context, walletAddress string, userID int64) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	for i, w := range s.tracking {
		if w.WalletAddress == walletAddress && w.UserID == userID {
			s.tracking = append(s.tracking[:i], s.tracking[i+1:]...)
			return nil
		}
	}
	return db.ErrNotFound
}

func (s *memStore) snapshot(address string, userID int64) string {
	s.mu.Lock()
	defer s.mu.Unlock()
	for _, w := range s.tracking {
		if w.WalletAddress == address && w.UserID == userID {
			return w.LastAnalysis
		}
	}
	return ""
}

func (s *memStore) alertCount() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return len(s.alerts)
}

type fakeLedger struct {
	mu       sync.Mutex
	balances map[string]uint64
	failing  map[string]bool
	tps      float64
	tpsErr   error
	tpsCalls int
}

func newFakeLedger() *fakeLedger {
	return &fakeLedger{balances: map[string]uint64{}, failing: map[string]bool{}}
}

func (f *fakeLedger) GetBalance(ctx context.Context, address string) (uint64, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.failing[address] {
		return 0, errors.New("ledger unavailable")
	}
	return f.balances[address], nil
}

func (f *fakeLedger) CurrentTPS(ctx context.Context) (float64, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.tpsCalls++
	return f.tps, f.tpsErr
}

func (f *fakeLedger) setBalance(address string, lamports uint64) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.balances[address] = lamports
}

type fakePricer struct {
	mu     sync.Mutex
	prices map[string]float64
	err    error
}

func (f *fakePricer) Price(ctx context.Context, symbol string) (float64, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.err != nil {
		return 0, f.err
	}
	p, ok := f.prices[symbol]
	if !ok {
		return 0, errors.New("price unavailable")
	}
	return p, nil
}

func (f *fakePricer) set(symbol string, price float64) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.prices[symbol] = price
}

type harness struct {
	svc    *Service
	store  *memStore
	ledger *fakeLedger
	prices *fakePricer
	sink   *notify.MockSink
	now    time.Time
}

func newHarness(t *testing.T) *harness {
	t.Helper()
	h := &harness{
		store:  &memStore{},
		ledger: newFakeLedger(),
		prices: &fakePricer{prices: map[string]float64{}},
		sink:   notify.NewMockSink(),
		now:    time.Date(2026, 1, 1, 12, 0, 0, 0, time.UTC),
	}
	cfg := Config{
		NetworkSampleInterval: time.Second,
		WalletPollInterval:    time.Second,
		AlertPollInterval:     time.Second,
		HistoryWindow:         10 * time.Minute,
		StatsTTL:              30 * time.Second,
		WalletTTL:             30 * time.Second,
	}
	// The cache shares the harness clock so advancing it expires entries.
	c := cache.NewManager(100, cache.WithClock(func() time.Time { return h.now }))
	h.svc = NewService(h.store, h.ledger, h.prices, c, h.sink, cfg, nil, discardLogger())
	h.svc.now = func() time.Time { return h.now }
	return h
}

func (h *harness) advance(d time.Duration) {
	h.now = h.now.Add(d)
}
