package db

import (
	"context"
	_ "embed"
	"errors"
	"fmt"
	"math"
	"time"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgconn"
	"github.com/jackc/pgx/v5/pgtype"
	"github.com/jackc/pgx/v5/pgxpool"
)

//go:embed schema.sql
var schema string

var (
	// ErrNotFound is returned when no row matches. ClosePrediction also
	// returns it when the prediction exists but is no longer open.
	ErrNotFound = errors.New("not found")
	// ErrConflict is returned when an insert violates a unique constraint.
	ErrConflict = errors.New("already exists")
	// ErrAmountOverflow is returned for amounts that do not fit a BIGINT column.
	ErrAmountOverflow = errors.New("amount exceeds storable range")
)

// Store provides database operations for the service.
// Every mutation is a single statement so concurrent writers never observe
// partial state.
type Store struct {
	pool *pgxpool.Pool
}

// NewStore creates a new Store with the given database connection pool.
func NewStore(pool *pgxpool.Pool) *Store {
	return &Store{pool: pool}
}

// Open connects to databaseURL and verifies the connection.
func Open(ctx context.Context, databaseURL string) (*Store, error) {
	pool, err := pgxpool.New(ctx, databaseURL)
	if err != nil {
		return nil, fmt.Errorf("failed to create connection pool: %w", err)
	}
	if err := pool.Ping(ctx); err != nil {
		pool.Close()
		return nil, fmt.Errorf("failed to ping database: %w", err)
	}
	return NewStore(pool), nil
}

// Close releases the connection pool.
func (s *Store) Close() {
	s.pool.Close()
}

// Ping checks database connectivity.
func (s *Store) Ping(ctx context.Context) error {
	return s.pool.Ping(ctx)
}

// Migrate applies the embedded schema. It is safe to run on every start.
func (s *Store) Migrate(ctx context.Context) error {
	if _, err := s.pool.Exec(ctx, schema); err != nil {
		return fmt.Errorf("failed to apply schema: %w", err)
	}
	return nil
}

// Users

const userColumns = `id, wallet, points, created_at, updated_at`

// UpsertUserWallet links wallet to the user, replacing any previous link.
func (s *Store) UpsertUserWallet(ctx context.Context, userID int64, wallet string) (*User, error) {
	row := s.pool.QueryRow(ctx, `
		INSERT INTO users (id, wallet) VALUES ($1, $2)
		ON CONFLICT (id) DO UPDATE SET wallet = EXCLUDED.wallet, updated_at = NOW()
		RETURNING `+userColumns, userID, wallet)
	return scanUser(row)
}

// GetUser retrieves a user by id.
func (s *Store) GetUser(ctx context.Context, userID int64) (*User, error) {
	row := s.pool.QueryRow(ctx, `SELECT `+userColumns+` FROM users WHERE id = $1`, userID)
	return scanUser(row)
}

// AddPoints increments the user's point balance, creating the user if needed.
func (s *Store) AddPoints(ctx context.Context, userID int64, points int64) (*User, error) {
	row := s.pool.QueryRow(ctx, `
		INSERT INTO users (id, points) VALUES ($1, $2)
		ON CONFLICT (id) DO UPDATE SET points = users.points + EXCLUDED.points, updated_at = NOW()
		RETURNING `+userColumns, userID, points)
	return scanUser(row)
}

func scanUser(row pgx.Row) (*User, error) {
	var (
		u      User
		wallet pgtype.Text
	)
	if err := row.Scan(&u.ID, &wallet, &u.Points, &u.CreatedAt, &u.UpdatedAt); err != nil {
		return nil, mapError(err)
	}
	u.Wallet = stringPtrFromPgtext(wallet)
	return &u, nil
}

// Predictions

const predictionColumns = `id, title, creator_id, creator_wallet, options, end_time, status,
	image_url, winning_option, created_at, settled_at`

// CreatePrediction inserts an open prediction.
func (s *Store) CreatePrediction(ctx context.Context, params CreatePredictionParams) (*Prediction, error) {
	row := s.pool.QueryRow(ctx, `
		INSERT INTO predictions (title, creator_id, creator_wallet, options, end_time, image_url)
		VALUES ($1, $2, $3, $4, $5, $6)
		RETURNING `+predictionColumns,
		params.Title,
		params.CreatorID,
		params.CreatorWallet,
		params.Options,
		params.EndTime,
		pgtextFromStringPtr(params.ImageURL),
	)
	return scanPrediction(row)
}

// GetPrediction retrieves a prediction by id.
func (s *Store) GetPrediction(ctx context.Context, id int64) (*Prediction, error) {
	row := s.pool.QueryRow(ctx, `SELECT `+predictionColumns+` FROM predictions WHERE id = $1`, id)
	return scanPrediction(row)
}

// ListPredictions returns predictions with the given status, newest first.
// An empty status lists all predictions.
func (s *Store) ListPredictions(ctx context.Context, status PredictionStatus) ([]*Prediction, error) {
	rows, err := s.pool.Query(ctx, `
		SELECT `+predictionColumns+` FROM predictions
		WHERE $1 = '' OR status = $1
		ORDER BY id DESC`, string(status))
	if err != nil {
		return nil, err
	}
	return pgx.CollectRows(rows, func(row pgx.CollectableRow) (*Prediction, error) {
		return scanPrediction(row)
	})
}

// ClosePrediction moves an open prediction to closed and records the winning
// option. The status check and the write are one statement, so exactly one
// concurrent caller succeeds; the others get ErrNotFound.
func (s *Store) ClosePrediction(ctx context.Context, id int64, winningOption int) (*Prediction, error) {
	row := s.pool.QueryRow(ctx, `
		UPDATE predictions
		SET status = 'closed', winning_option = $2, settled_at = NOW()
		WHERE id = $1 AND status = 'open'
		RETURNING `+predictionColumns, id, winningOption)
	return scanPrediction(row)
}

func scanPrediction(row pgx.Row) (*Prediction, error) {
	var (
		p        Prediction
		status   string
		imageURL pgtype.Text
		winning  pgtype.Int4
		settled  pgtype.Timestamptz
	)
	err := row.Scan(
		&p.ID,
		&p.Title,
		&p.CreatorID,
		&p.CreatorWallet,
		&p.Options,
		&p.EndTime,
		&status,
		&imageURL,
		&winning,
		&p.CreatedAt,
		&settled,
	)
	if err != nil {
		return nil, mapError(err)
	}
	p.Status = PredictionStatus(status)
	p.ImageURL = stringPtrFromPgtext(imageURL)
	if winning.Valid {
		w := int(winning.Int32)
		p.WinningOption = &w
	}
	p.SettledAt = timePtrFromPgTimestamptz(settled)
	return &p, nil
}

// Wagers

const wagerColumns = `id, user_id, prediction_id, token, amount, option, wallet, tx_id, created_at`

// CreateWager records a verified wager. A reused transaction id is ErrConflict.
func (s *Store) CreateWager(ctx context.Context, params CreateWagerParams) (*Wager, error) {
	amount, err := amountToInt64(params.Amount)
	if err != nil {
		return nil, err
	}
	row := s.pool.QueryRow(ctx, `
		INSERT INTO wagers (user_id, prediction_id, token, amount, option, wallet, tx_id)
		VALUES ($1, $2, $3, $4, $5, $6, $7)
		RETURNING `+wagerColumns,
		params.UserID,
		params.PredictionID,
		params.Token,
		amount,
		params.Option,
		params.Wallet,
		params.TxID,
	)
	return scanWager(row)
}

// ListWagers returns every wager on a prediction in placement order.
func (s *Store) ListWagers(ctx context.Context, predictionID int64) ([]*Wager, error) {
	return s.queryWagers(ctx, `
		SELECT `+wagerColumns+` FROM wagers
		WHERE prediction_id = $1
		ORDER BY id`, predictionID)
}

// ListWagersByOption returns the wagers on one option of a prediction.
func (s *Store) ListWagersByOption(ctx context.Context, predictionID int64, option int) ([]*Wager, error) {
	return s.queryWagers(ctx, `
		SELECT `+wagerColumns+` FROM wagers
		WHERE prediction_id = $1 AND option = $2
		ORDER BY id`, predictionID, option)
}

func (s *Store) queryWagers(ctx context.Context, query string, args ...any) ([]*Wager, error) {
	rows, err := s.pool.Query(ctx, query, args...)
	if err != nil {
		return nil, err
	}
	return pgx.CollectRows(rows, func(row pgx.CollectableRow) (*Wager, error) {
		return scanWager(row)
	})
}

func scanWager(row pgx.Row) (*Wager, error) {
	var (
		w      Wager
		amount int64
	)
	err := row.Scan(&w.ID, &w.UserID, &w.PredictionID, &w.Token, &amount, &w.Option, &w.Wallet, &w.TxID, &w.CreatedAt)
	if err != nil {
		return nil, mapError(err)
	}
	w.Amount = uint64(amount)
	return &w, nil
}

// Payouts

const payoutColumns = `id, user_id, prediction_id, wager_id, token, amount, tx_id, created_at`

// CreatePayout records a successful payout and clears its journaled attempt.
// At most one payout exists per wager; a second insert is ErrConflict.
func (s *Store) CreatePayout(ctx context.Context, params CreatePayoutParams) (*Payout, error) {
	amount, err := amountToInt64(params.Amount)
	if err != nil {
		return nil, err
	}
	row := s.pool.QueryRow(ctx, `
		WITH cleared AS (
			DELETE FROM payout_attempts WHERE wager_id = $3
		)
		INSERT INTO payouts (user_id, prediction_id, wager_id, token, amount, tx_id)
		VALUES ($1, $2, $3, $4, $5, $6)
		RETURNING `+payoutColumns,
		params.UserID,
		params.PredictionID,
		params.WagerID,
		params.Token,
		amount,
		params.TxID,
	)
	return scanPayout(row)
}

// ListPayouts returns the payouts of a prediction.
func (s *Store) ListPayouts(ctx context.Context, predictionID int64) ([]*Payout, error) {
	rows, err := s.pool.Query(ctx, `
		SELECT `+payoutColumns+` FROM payouts
		WHERE prediction_id = $1
		ORDER BY id`, predictionID)
	if err != nil {
		return nil, err
	}
	return pgx.CollectRows(rows, func(row pgx.CollectableRow) (*Payout, error) {
		return scanPayout(row)
	})
}

func scanPayout(row pgx.Row) (*Payout, error) {
	var (
		p      Payout
		amount int64
	)
	err := row.Scan(&p.ID, &p.UserID, &p.PredictionID, &p.WagerID, &p.Token, &amount, &p.TxID, &p.CreatedAt)
	if err != nil {
		return nil, mapError(err)
	}
	p.Amount = uint64(amount)
	return &p, nil
}

// SavePayoutAttempt journals the signed transfer for a wager's payout,
// replacing any earlier attempt.
func (s *Store) SavePayoutAttempt(ctx context.Context, attempt PayoutAttempt) error {
	_, err := s.pool.Exec(ctx, `
		INSERT INTO payout_attempts (wager_id, prediction_id, signature, blob, anchor)
		VALUES ($1, $2, $3, $4, $5)
		ON CONFLICT (wager_id) DO UPDATE
		SET signature = EXCLUDED.signature,
		    blob = EXCLUDED.blob,
		    anchor = EXCLUDED.anchor,
		    updated_at = NOW()`,
		attempt.WagerID,
		attempt.PredictionID,
		attempt.Signature,
		attempt.Blob,
		attempt.Anchor,
	)
	return mapError(err)
}

// GetPayoutAttempt returns the journaled transfer for a wager, or ErrNotFound.
func (s *Store) GetPayoutAttempt(ctx context.Context, wagerID int64) (*PayoutAttempt, error) {
	var a PayoutAttempt
	err := s.pool.QueryRow(ctx, `
		SELECT wager_id, prediction_id, signature, blob, anchor, created_at, updated_at
		FROM payout_attempts
		WHERE wager_id = $1`, wagerID,
	).Scan(&a.WagerID, &a.PredictionID, &a.Signature, &a.Blob, &a.Anchor, &a.CreatedAt, &a.UpdatedAt)
	if err != nil {
		return nil, mapError(err)
	}
	return &a, nil
}

// Alerts

const alertColumns = `id, user_id, token, condition, value, created_at`

// CreateAlert inserts a pending price alert.
func (s *Store) CreateAlert(ctx context.Context, params CreateAlertParams) (*Alert, error) {
	row := s.pool.QueryRow(ctx, `
		INSERT INTO alerts (user_id, token, condition, value)
		VALUES ($1, $2, $3, $4)
		RETURNING `+alertColumns,
		params.UserID, params.Token, string(params.Condition), params.Value)
	return scanAlert(row)
}

// ListAlerts returns every pending alert.
func (s *Store) ListAlerts(ctx context.Context) ([]*Alert, error) {
	rows, err := s.pool.Query(ctx, `SELECT `+alertColumns+` FROM alerts ORDER BY id`)
	if err != nil {
		return nil, err
	}
	return pgx.CollectRows(rows, func(row pgx.CollectableRow) (*Alert, error) {
		return scanAlert(row)
	})
}

// DeleteAlert removes a fired alert. Deleting an absent alert is ErrNotFound.
func (s *Store) DeleteAlert(ctx context.Context, id int64) error {
	tag, err := s.pool.Exec(ctx, `DELETE FROM alerts WHERE id = $1`, id)
	if err != nil {
		return err
	}
	if tag.RowsAffected() == 0 {
		return ErrNotFound
	}
	return nil
}

func scanAlert(row pgx.Row) (*Alert, error) {
	var (
		a         Alert
		condition string
	)
	if err := row.Scan(&a.ID, &a.UserID, &a.Token, &condition, &a.Value, &a.CreatedAt); err != nil {
		return nil, mapError(err)
	}
	a.Condition = AlertCondition(condition)
	return &a, nil
}

// Wallet tracking

const trackingColumns = `wallet_address, user_id, channel_id, last_analysis, created_at, updated_at`

// CreateWalletTracking starts tracking a wallet for a user. Tracking the same
// wallet twice for one user is ErrConflict.
func (s *Store) CreateWalletTracking(ctx context.Context, params CreateWalletTrackingParams) (*WalletTracking, error) {
	row := s.pool.QueryRow(ctx, `
		INSERT INTO wallet_tracking (wallet_address, user_id, channel_id, last_analysis)
		VALUES ($1, $2, $3, $4)
		RETURNING `+trackingColumns,
		params.WalletAddress, params.UserID, params.ChannelID, params.LastAnalysis)
	return scanTracking(row)
}

// ListWalletTracking returns every tracked wallet.
func (s *Store) ListWalletTracking(ctx context.Context) ([]*WalletTracking, error) {
	rows, err := s.pool.Query(ctx, `SELECT `+trackingColumns+` FROM wallet_tracking ORDER BY created_at`)
	if err != nil {
		return nil, err
	}
	return pgx.CollectRows(rows, func(row pgx.CollectableRow) (*WalletTracking, error) {
		return scanTracking(row)
	})
}

// UpdateWalletAnalysis stores the latest snapshot for a tracked wallet.
func (s *Store) UpdateWalletAnalysis(ctx context.Context, walletAddress string, userID int64, analysis string) (*WalletTracking, error) {
	row := s.pool.QueryRow(ctx, `
		UPDATE wallet_tracking SET last_analysis = $3, updated_at = NOW()
		WHERE wallet_address = $1 AND user_id = $2
		RETURNING `+trackingColumns, walletAddress, userID, analysis)
	return scanTracking(row)
}

// DeleteWalletTracking stops tracking. Stopping an untracked wallet is ErrNotFound.
func (s *Store) DeleteWalletTracking(ctx context.Context, walletAddress string, userID int64) error {
	tag, err := s.pool.Exec(ctx, `
		DELETE FROM wallet_tracking WHERE wallet_address = $1 AND user_id = $2`,
		walletAddress, userID)
	if err != nil {
		return err
	}
	if tag.RowsAffected() == 0 {
		return ErrNotFound
	}
	return nil
}

func scanTracking(row pgx.Row) (*WalletTracking, error) {
	var w WalletTracking
	if err := row.Scan(&w.WalletAddress, &w.UserID, &w.ChannelID, &w.LastAnalysis, &w.CreatedAt, &w.UpdatedAt); err != nil {
		return nil, mapError(err)
	}
	return &w, nil
}

// Helper functions

// mapError translates driver errors into the package's sentinel errors.
func mapError(err error) error {
	if errors.Is(err, pgx.ErrNoRows) {
		return ErrNotFound
	}
	var pgErr *pgconn.PgError
	if errors.As(err, &pgErr) && pgErr.Code == "23505" {
		return fmt.Errorf("%w: %s", ErrConflict, pgErr.ConstraintName)
	}
	return err
}

func amountToInt64(amount uint64) (int64, error) {
	if amount > math.MaxInt64 {
		return 0, ErrAmountOverflow
	}
	return int64(amount), nil
}

func pgtextFromStringPtr(s *string) pgtype.Text {
	if s == nil {
		return pgtype.Text{Valid: false}
	}
	return pgtype.Text{String: *s, Valid: true}
}

func stringPtrFromPgtext(t pgtype.Text) *string {
	if !t.Valid {
		return nil
	}
	return &t.String
}

func timePtrFromPgTimestamptz(t pgtype.Timestamptz) *time.Time {
	if !t.Valid {
		return nil
	}
	return &t.Time
}
