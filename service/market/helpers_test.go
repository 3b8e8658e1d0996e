package market

import (
	"context"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"sync"
	"testing"
	"time"

	"github.com/brojonat/solmarket/service/db"
	"github.com/brojonat/solmarket/service/notify"
	"github.com/brojonat/solmarket/service/pipeline"
	"github.com/brojonat/solmarket/service/token"
	solanago "github.com/gagliardetto/solana-go"
	"github.com/stretchr/testify/require"
)

func discardLogger() *slog.Logger {
	return slog.New(slog.NewTextHandler(io.Discard, nil))
}

func newWallet() string {
	return solanago.NewWallet().PublicKey().String()
}

// memStore is an in-memory Store with the same conditional-close semantics
// as the Postgres store.
type memStore struct {
	mu          sync.Mutex
	users       map[int64]*db.User
	predictions map[int64]*db.Prediction
	wagers      []*db.Wager
	payouts     []*db.Payout
	attempts    map[int64]db.PayoutAttempt
	nextID      int64

	createPayoutErr error
	listWagersErr   error
}

func newMemStore() *memStore {
	return &memStore{
		users:       make(map[int64]*db.User),
		predictions: make(map[int64]*db.Prediction),
		attempts:    make(map[int64]db.PayoutAttempt),
	}
}

func (s *memStore) id() int64 {
	s.nextID++
	return s.nextID
}

func (s *memStore) GetUser(ctx context.Context, userID int64) (*db.User, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	u, ok := s.users[userID]
	if !ok {
		return nil, db.ErrNotFound
	}
	cp := *u
	return &cp, nil
}

func (s *memStore) UpsertUserWallet(ctx context.Context, userID int64, wallet string) (*db.User, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	u, ok := s.users[userID]
	if !ok {
		u = &db.User{ID: userID, CreatedAt: time.Now()}
		s.users[userID] = u
	}
	w := wallet
	u.Wallet = &w
	cp := *u
	return &cp, nil
}

func (s *memStore) AddPoints(ctx context.Context, userID int64, points int64) (*db.User, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	u, ok := s.users[userID]
	if !ok {
		u = &db.User{ID: userID}
		s.users[userID] = u
	}
	u.Points += points
	cp := *u
	return &cp, nil
}

func (s *memStore) CreatePrediction(ctx context.Context, params db.CreatePredictionParams) (*db.Prediction, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	p := &db.Prediction{
		ID:            int64(len(s.predictions) + 1),
		Title:         params.Title,
		CreatorID:     params.CreatorID,
		CreatorWallet: params.CreatorWallet,
		Options:       params.Options,
		EndTime:       params.EndTime,
		Status:        db.StatusOpen,
		ImageURL:      params.ImageURL,
		CreatedAt:     time.Now(),
	}
	s.predictions[p.ID] = p
	cp := *p
	return &cp, nil
}

func (s *memStore) GetPrediction(ctx context.Context, id int64) (*db.Prediction, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	p, ok := s.predictions[id]
	if !ok {
		return nil, db.ErrNotFound
	}
	cp := *p
	return &cp, nil
}

func (s *memStore) ListPredictions(ctx context.Context, status db.PredictionStatus) ([]*db.Prediction, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	var out []*db.Prediction
	for i := int64(len(s.predictions)); i >= 1; i-- {
		p := s.predictions[i]
		if status == "" || p.Status == status {
			cp := *p
			out = append(out, &cp)
		}
	}
	return out, nil
}

func (s *memStore) ClosePrediction(ctx context.Context, id int64, winningOption int) (*db.Prediction, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	p, ok := s.predictions[id]
	if !ok || p.Status != db.StatusOpen {
		return nil, db.ErrNotFound
	}
	now := time.Now()
	p.Status = db.StatusClosed
	p.WinningOption = &winningOption
	p.SettledAt = &now
	cp := *p
	return &cp, nil
}

func (s *memStore) CreateWager(ctx context.Context, params db.CreateWagerParams) (*db.Wager, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	for _, w := range s.wagers {
		if w.TxID == params.TxID {
			return nil, db.ErrConflict
		}
	}
	w := &db.Wager{
		ID:           s.id(),
		UserID:       params.UserID,
		PredictionID: params.PredictionID,
		Token:        params.Token,
		Amount:       params.Amount,
		Option:       params.Option,
		Wallet:       params.Wallet,
		TxID:         params.TxID,
		CreatedAt:    time.Now(),
	}
	s.wagers = append(s.wagers, w)
	return w, nil
}

func (s *memStore) ListWagers(ctx context.Context, predictionID int64) ([]*db.Wager, error) {
	return s.filterWagers(func(w *db.Wager) bool { return w.PredictionID == predictionID })
}

func (s *memStore) ListWagersByOption(ctx context.Context, predictionID int64, option int) ([]*db.Wager, error) {
	return s.filterWagers(func(w *db.Wager) bool { return w.PredictionID == predictionID && w.Option == option })
}

func (s *memStore) filterWagers(keep func(*db.Wager) bool) ([]*db.Wager, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.listWagersErr != nil {
		return nil, s.listWagersErr
	}
	var out []*db.Wager
	for _, w := range s.wagers {
		if keep(w) {
			out = append(out, w)
		}
	}
	return out, nil
}

func (s *memStore) CreatePayout(ctx context.Context, params db.CreatePayoutParams) (*db.Payout, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.createPayoutErr != nil {
		return nil, s.createPayoutErr
	}
	for _, p := range s.payouts {
		if p.WagerID == params.WagerID {
			return nil, db.ErrConflict
		}
	}
	p := &db.Payout{
		ID:           s.id(),
		UserID:       params.UserID,
		PredictionID: params.PredictionID,
		WagerID:      params.WagerID,
		Token:        params.Token,
		Amount:       params.Amount,
		TxID:         params.TxID,
		CreatedAt:    time.Now(),
	}
	s.payouts = append(s.payouts, p)
	delete(s.attempts, params.WagerID)
	return p, nil
}

func (s *memStore) SavePayoutAttempt(ctx context.Context, attempt db.PayoutAttempt) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.attempts[attempt.WagerID] = attempt
	return nil
}

func (s *memStore) GetPayoutAttempt(ctx context.Context, wagerID int64) (*db.PayoutAttempt, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	a, ok := s.attempts[wagerID]
	if !ok {
		return nil, db.ErrNotFound
	}
	return &a, nil
}

func (s *memStore) ListPayouts(ctx context.Context, predictionID int64) ([]*db.Payout, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	var out []*db.Payout
	for _, p := range s.payouts {
		if p.PredictionID == predictionID {
			out = append(out, p)
		}
	}
	return out, nil
}

func (s *memStore) wagerCount() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return len(s.wagers)
}

// fakePayments records prepares and returns a receipt for every execution
// unless executeErr is set.
type fakePayments struct {
	mu         sync.Mutex
	prepared   []pipeline.SignRequest
	executed   []pipeline.Expectation
	prepareErr error
	executeErr error
	txCounter  int
}

func (f *fakePayments) Prepare(ctx context.Context, payer, recipient string, amount uint64, tok token.Token) (*pipeline.SignRequest, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.prepareErr != nil {
		return nil, f.prepareErr
	}
	req := pipeline.SignRequest{Payer: payer, Recipient: recipient, Amount: amount, Token: tok, Blob: "unsigned-blob"}
	f.prepared = append(f.prepared, req)
	return &req, nil
}

func (f *fakePayments) Execute(ctx context.Context, signedBlob string, exp pipeline.Expectation) (*pipeline.Receipt, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.executed = append(f.executed, exp)
	if f.executeErr != nil {
		return nil, f.executeErr
	}
	f.txCounter++
	return &pipeline.Receipt{Signature: fmt.Sprintf("tx-%d", f.txCounter), ConfirmedAt: time.Now()}, nil
}

// fakeRequester answers sign requests with signed, or blocks until the
// context ends when block is set.
type fakeRequester struct {
	mu       sync.Mutex
	signed   string
	block    bool
	requests []*pipeline.SignRequest
	finished map[string]error
}

func newFakeRequester() *fakeRequester {
	return &fakeRequester{signed: "signed-blob", finished: make(map[string]error)}
}

func (f *fakeRequester) RequestSignature(ctx context.Context, req *pipeline.SignRequest) (string, error) {
	f.mu.Lock()
	if req.SessionID == "" {
		req.SessionID = fmt.Sprintf("session-%d", len(f.requests)+1)
	}
	f.requests = append(f.requests, req)
	block := f.block
	f.mu.Unlock()

	if block {
		<-ctx.Done()
		return "", fmt.Errorf("%w: %v", pipeline.ErrPlacementExpired, ctx.Err())
	}
	return f.signed, nil
}

func (f *fakeRequester) Finish(sessionID, signature string, err error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.finished[sessionID] = err
}

func (f *fakeRequester) finishedWith(sessionID string) (bool, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	err, ok := f.finished[sessionID]
	return ok, err
}

// fakePayer fails payouts to wallets listed in failFor. A wallet listed in
// interrupt is paid once but the call fails, as when the caller gives up
// before confirmation. Journaled transfers are resumed, never paid again.
type fakePayer struct {
	mu        sync.Mutex
	failFor   map[string]bool
	interrupt map[string]bool
	paid      []string
}

func (f *fakePayer) Payout(ctx context.Context, recipient string, amount uint64, tok token.Token, journal pipeline.PayoutJournal) (string, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.failFor[recipient] {
		return "", errors.New("submission rejected: insufficient funds")
	}
	if journal != nil {
		pending, err := journal.Pending(ctx)
		if err != nil {
			return "", err
		}
		if pending != nil {
			return pending.Signature, nil
		}
	}

	sp := &pipeline.SignedPayout{
		Signature: fmt.Sprintf("payout-%d", len(f.paid)+1),
		Blob:      "signed-payout",
		Anchor:    "anchor",
		Recipient: recipient,
		Amount:    amount,
		Token:     tok.Symbol,
	}
	if journal != nil {
		if err := journal.Record(ctx, sp); err != nil {
			return "", err
		}
	}
	f.paid = append(f.paid, recipient)
	if f.interrupt[recipient] {
		delete(f.interrupt, recipient)
		return "", fmt.Errorf("%w: signature %s: context deadline exceeded", pipeline.ErrPayoutUnconfirmed, sp.Signature)
	}
	return sp.Signature, nil
}

type harness struct {
	engine    *Engine
	store     *memStore
	payments  *fakePayments
	requester *fakeRequester
	payer     *fakePayer
	sink      *notify.MockSink
}

func newHarness(t *testing.T, policy PayoutPolicy) *harness {
	t.Helper()
	h := &harness{
		store:     newMemStore(),
		payments:  &fakePayments{},
		requester: newFakeRequester(),
		payer:     &fakePayer{failFor: map[string]bool{}},
		sink:      notify.NewMockSink(),
	}
	sender := NewPayoutSender(h.payer, h.store, nil, discardLogger())
	h.engine = NewEngine(
		h.store,
		h.payments,
		h.requester,
		NewLocalDispatcher(sender),
		h.sink,
		nil,
		Config{SignTimeout: 50 * time.Millisecond, Policy: policy},
		nil,
		discardLogger(),
	)
	return h
}

// linkedUser links a fresh wallet to userID and returns it.
func (h *harness) linkedUser(t *testing.T, userID int64) string {
	t.Helper()
	w := newWallet()
	_, err := h.engine.LinkWallet(context.Background(), userID, w)
	require.NoError(t, err)
	return w
}

func (h *harness) market(t *testing.T, creator int64) *db.Prediction {
	t.Helper()
	p, err := h.engine.CreateMarket(context.Background(), CreateMarketRequest{
		Creator:  creator,
		Title:    "Will X happen",
		Options:  []string{"Yes", "No"},
		Duration: 24 * time.Hour,
	})
	require.NoError(t, err)
	return p
}

func (h *harness) wager(t *testing.T, user, predictionID int64, amount float64, option int) *db.Wager {
	t.Helper()
	w, err := h.engine.PlaceWager(context.Background(), WagerRequest{
		User: user, PredictionID: predictionID, Token: "SOL", Amount: amount, Option: option,
	})
	require.NoError(t, err)
	return w
}
