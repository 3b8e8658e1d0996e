package db

import "time"

// PredictionStatus is the settlement state of a prediction. Open is the only
// state that accepts wagers; closed is terminal.
type PredictionStatus string

const (
	StatusOpen   PredictionStatus = "open"
	StatusClosed PredictionStatus = "closed"
)

// AlertCondition is the direction a price alert fires on.
type AlertCondition string

const (
	ConditionAbove AlertCondition = "above"
	ConditionBelow AlertCondition = "below"
)

// User is a chat user known to the market.
type User struct {
	ID        int64
	Wallet    *string // nil until linked
	Points    int64
	CreatedAt time.Time
	UpdatedAt time.Time
}

// Prediction is a market. CreatorWallet is captured at creation and never
// changes, even if the creator re-links.
type Prediction struct {
	ID            int64
	Title         string
	CreatorID     int64
	CreatorWallet string
	Options       []string // option n is Options[n-1]
	EndTime       time.Time
	Status        PredictionStatus
	ImageURL      *string
	WinningOption *int
	CreatedAt     time.Time
	SettledAt     *time.Time
}

// OptionInRange reports whether option is a valid 1-based option number.
func (p *Prediction) OptionInRange(option int) bool {
	return option >= 1 && option <= len(p.Options)
}

// Wager is the audit record of a verified on-chain stake.
type Wager struct {
	ID           int64
	UserID       int64
	PredictionID int64
	Token        string
	Amount       uint64 // smallest units
	Option       int
	Wallet       string
	TxID         string
	CreatedAt    time.Time
}

// Payout is a successful transfer to a winner.
type Payout struct {
	ID           int64
	UserID       int64
	PredictionID int64
	WagerID      int64
	Token        string
	Amount       uint64
	TxID         string
	CreatedAt    time.Time
}

// PayoutAttempt is a signed payout transfer that may or may not have landed.
type PayoutAttempt struct {
	WagerID      int64
	PredictionID int64
	Signature    string
	Blob         string
	Anchor       string
	CreatedAt    time.Time
	UpdatedAt    time.Time
}

// Alert fires once when the token's price crosses Value.
type Alert struct {
	ID        int64
	UserID    int64
	Token     string
	Condition AlertCondition
	Value     float64
	CreatedAt time.Time
}

// WalletTracking is one user's subscription to changes of one wallet.
type WalletTracking struct {
	WalletAddress string
	UserID        int64
	ChannelID     string
	LastAnalysis  string
	CreatedAt     time.Time
	UpdatedAt     time.Time
}

// CreatePredictionParams contains the parameters for creating a prediction.
type CreatePredictionParams struct {
	Title         string
	CreatorID     int64
	CreatorWallet string
	Options       []string
	EndTime       time.Time
	ImageURL      *string
}

// CreateWagerParams contains the parameters for recording a wager.
type CreateWagerParams struct {
	UserID       int64
	PredictionID int64
	Token        string
	Amount       uint64
	Option       int
	Wallet       string
	TxID         string
}

// CreatePayoutParams contains the parameters for recording a payout.
type CreatePayoutParams struct {
	UserID       int64
	PredictionID int64
	WagerID      int64
	Token        string
	Amount       uint64
	TxID         string
}

// CreateAlertParams contains the parameters for creating a price alert.
type CreateAlertParams struct {
	UserID    int64
	Token     string
	Condition AlertCondition
	Value     float64
}

// CreateWalletTrackingParams contains the parameters for tracking a wallet.
type CreateWalletTrackingParams struct {
	WalletAddress string
	UserID        int64
	ChannelID     string
	LastAnalysis  string
}
