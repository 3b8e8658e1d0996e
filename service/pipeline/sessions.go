package pipeline

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"github.com/brojonat/solmarket/service/metrics"
	"github.com/brojonat/solmarket/service/notify"
	"github.com/google/uuid"
)

var (
	ErrSessionNotFound = errors.New("sign session not found")
	// ErrSessionClosed is returned when delivering to a session that is no
	// longer waiting for a signature.
	ErrSessionClosed = errors.New("sign session is not awaiting a signature")
)

// SignatureRequester obtains the payer's signature for a prepared transfer.
type SignatureRequester interface {
	// RequestSignature blocks until a signed blob arrives or ctx ends. An
	// ended ctx yields ErrPlacementExpired.
	RequestSignature(ctx context.Context, req *SignRequest) (string, error)
	// Finish records the outcome of the placement that requested the signature.
	Finish(sessionID, signature string, err error)
}

// SessionStatus is the lifecycle of a sign session.
type SessionStatus string

const (
	StatusPending           SessionStatus = "pending"
	StatusAwaitingSignature SessionStatus = "awaiting_signature"
	StatusSubmitted         SessionStatus = "submitted"
	StatusConfirmed         SessionStatus = "confirmed"
	StatusFailed            SessionStatus = "failed"
	StatusExpired           SessionStatus = "expired"
)

// Session is a point-in-time view of a sign session.
type Session struct {
	ID           string        `json:"id"`
	UserID       int64         `json:"user_id"`
	Status       SessionStatus `json:"status"`
	Description  string        `json:"description,omitempty"`
	UnsignedBlob string        `json:"unsigned_tx,omitempty"`
	Recipient    string        `json:"recipient,omitempty"`
	Amount       uint64        `json:"amount,omitempty"`
	Token        string        `json:"token,omitempty"`
	Signature    string        `json:"signature,omitempty"`
	Error        string        `json:"error,omitempty"`
	CreatedAt    time.Time     `json:"created_at"`
	ExpiresAt    *time.Time    `json:"expires_at,omitempty"`
	UpdatedAt    time.Time     `json:"updated_at"`
}

type session struct {
	Session
	signed chan string
}

// SessionBroker implements SignatureRequester. It presents the unsigned
// transaction to the payer by DM and hands the signed blob back to the waiting
// placement when Deliver is called. Finished sessions are kept for retention
// so callers can read the outcome.
type SessionBroker struct {
	mu        sync.Mutex
	sessions  map[string]*session
	sink      notify.Sink
	retention time.Duration
	now       func() time.Time
	done      chan struct{}
	closeOnce sync.Once

	metrics *metrics.Metrics
	logger  *slog.Logger
}

// NewSessionBroker creates a broker that presents sign requests through sink.
func NewSessionBroker(sink notify.Sink, retention time.Duration, m *metrics.Metrics, logger *slog.Logger) *SessionBroker {
	return &SessionBroker{
		sessions:  make(map[string]*session),
		sink:      sink,
		retention: retention,
		now:       time.Now,
		done:      make(chan struct{}),
		metrics:   m,
		logger:    logger.With("component", "sign_sessions"),
	}
}

// Open reserves a session for userID before the transfer is prepared, so the
// caller can hand out the id immediately.
func (b *SessionBroker) Open(userID int64) Session {
	b.mu.Lock()
	defer b.mu.Unlock()
	b.pruneLocked()

	now := b.now()
	s := &session{
		Session: Session{
			ID:        uuid.NewString(),
			UserID:    userID,
			Status:    StatusPending,
			CreatedAt: now,
			UpdatedAt: now,
		},
		signed: make(chan string, 1),
	}
	b.sessions[s.ID] = s
	return s.Session
}

// Get returns the current view of a session.
func (b *SessionBroker) Get(id string) (Session, error) {
	b.mu.Lock()
	defer b.mu.Unlock()
	s, ok := b.sessions[id]
	if !ok {
		return Session{}, fmt.Errorf("%w: %s", ErrSessionNotFound, id)
	}
	return s.Session, nil
}

// RequestSignature implements SignatureRequester. A request without a
// SessionID opens a new session.
func (b *SessionBroker) RequestSignature(ctx context.Context, req *SignRequest) (string, error) {
	if req.SessionID == "" {
		req.SessionID = b.Open(req.UserID).ID
	}

	s, err := b.await(ctx, req)
	if err != nil {
		return "", err
	}
	b.present(ctx, req)

	select {
	case blob := <-s.signed:
		return blob, nil
	case <-ctx.Done():
		b.expire(s, ctx.Err())
		return "", fmt.Errorf("%w: %v", ErrPlacementExpired, ctx.Err())
	case <-b.done:
		b.expire(s, errors.New("service shutting down"))
		return "", fmt.Errorf("%w: service shutting down", ErrPlacementExpired)
	}
}

func (b *SessionBroker) await(ctx context.Context, req *SignRequest) (*session, error) {
	b.mu.Lock()
	defer b.mu.Unlock()

	s, ok := b.sessions[req.SessionID]
	if !ok {
		return nil, fmt.Errorf("%w: %s", ErrSessionNotFound, req.SessionID)
	}
	if s.Status != StatusPending {
		return nil, fmt.Errorf("%w: %s is %s", ErrSessionClosed, s.ID, s.Status)
	}

	s.Status = StatusAwaitingSignature
	s.Description = req.Description
	s.UnsignedBlob = req.Blob
	s.Recipient = req.Recipient
	s.Amount = req.Amount
	s.Token = req.Token.Symbol
	s.UpdatedAt = b.now()
	if deadline, ok := ctx.Deadline(); ok {
		s.ExpiresAt = &deadline
	}
	if b.metrics != nil {
		b.metrics.RecordSignSessionChange(1)
	}
	return s, nil
}

func (b *SessionBroker) present(ctx context.Context, req *SignRequest) {
	msg := fmt.Sprintf(
		"%s\nSign this transaction with your wallet and submit it to sign session `%s`:\n`%s`\nAmount: %s",
		req.Description, req.SessionID, req.Blob, req.Token.Format(req.Amount),
	)
	if err := b.sink.Notify(ctx, notify.DM(req.UserID), msg); err != nil {
		// The blob is still available through Get.
		b.logger.WarnContext(ctx, "failed to present sign request",
			"session_id", req.SessionID,
			"user_id", req.UserID,
			"error", err,
		)
	}
}

// Deliver hands a signed transaction to the placement waiting on session id.
func (b *SessionBroker) Deliver(id, signedBlob string) error {
	b.mu.Lock()
	defer b.mu.Unlock()

	s, ok := b.sessions[id]
	if !ok {
		return fmt.Errorf("%w: %s", ErrSessionNotFound, id)
	}
	if s.Status != StatusAwaitingSignature {
		return fmt.Errorf("%w: %s is %s", ErrSessionClosed, id, s.Status)
	}

	s.Status = StatusSubmitted
	s.UpdatedAt = b.now()
	s.signed <- signedBlob
	if b.metrics != nil {
		b.metrics.RecordSignSessionChange(-1)
	}
	return nil
}

// Finish implements SignatureRequester.
func (b *SessionBroker) Finish(id, signature string, err error) {
	b.mu.Lock()
	defer b.mu.Unlock()

	s, ok := b.sessions[id]
	if !ok {
		return
	}
	switch s.Status {
	case StatusExpired, StatusConfirmed, StatusFailed:
		return
	case StatusAwaitingSignature:
		if b.metrics != nil {
			b.metrics.RecordSignSessionChange(-1)
		}
	}

	s.Signature = signature
	s.UpdatedAt = b.now()
	if err != nil {
		s.Status = StatusFailed
		if errors.Is(err, ErrPlacementExpired) {
			s.Status = StatusExpired
		}
		s.Error = err.Error()
		var verr *VerificationError
		if errors.As(err, &verr) {
			s.Signature = verr.Signature
		}
		return
	}
	s.Status = StatusConfirmed
}

func (b *SessionBroker) expire(s *session, cause error) {
	b.mu.Lock()
	defer b.mu.Unlock()
	if s.Status != StatusAwaitingSignature {
		return
	}
	s.Status = StatusExpired
	s.Error = cause.Error()
	s.UpdatedAt = b.now()
	if b.metrics != nil {
		b.metrics.RecordSignSessionChange(-1)
	}
}

// Close expires every session still waiting for a signature.
func (b *SessionBroker) Close() {
	b.closeOnce.Do(func() { close(b.done) })
}

// pruneLocked drops finished sessions older than the retention window.
func (b *SessionBroker) pruneLocked() {
	if b.retention <= 0 {
		return
	}
	cutoff := b.now().Add(-b.retention)
	for id, s := range b.sessions {
		switch s.Status {
		case StatusConfirmed, StatusFailed, StatusExpired:
			if s.UpdatedAt.Before(cutoff) {
				delete(b.sessions, id)
			}
		}
	}
}
