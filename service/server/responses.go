package server

import (
	"time"

	"github.com/brojonat/solmarket/service/db"
	"github.com/brojonat/solmarket/service/market"
	"github.com/brojonat/solmarket/service/token"
)

type userResponse struct {
	ID     int64   `json:"id"`
	Wallet *string `json:"wallet,omitempty"`
	Points int64   `json:"points"`
}

type pointsResponse struct {
	UserID int64 `json:"user_id"`
	Points int64 `json:"points"`
}

type predictionResponse struct {
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

type poolResponse struct {
	Token   string `json:"token"`
	Amount  uint64 `json:"amount"`
	Display string `json:"display"`
}

type marketDetailResponse struct {
	Market  predictionResponse `json:"market"`
	Wagers  int                `json:"wagers"`
	Payouts int                `json:"payouts"`
	Pools   []poolResponse     `json:"pools"`
}

type wagerAcceptedResponse struct {
	SessionID string `json:"session_id"`
	Status    string `json:"status"`
	StatusURL string `json:"status_url"`
}

type payoutResponse struct {
	ID        int64     `json:"id"`
	UserID    int64     `json:"user_id"`
	WagerID   int64     `json:"wager_id"`
	Token     string    `json:"token"`
	Amount    uint64    `json:"amount"`
	TxID      string    `json:"tx_id"`
	CreatedAt time.Time `json:"created_at"`
}

type settlementResponse struct {
	Market        predictionResponse     `json:"market"`
	WinningOption int                    `json:"winning_option"`
	WinningLabel  string                 `json:"winning_label"`
	Policy        string                 `json:"policy"`
	Winners       int                    `json:"winners"`
	Payouts       []payoutResponse       `json:"payouts"`
	Failures      []market.PayoutFailure `json:"failures"`
}

type alertResponse struct {
	ID        int64     `json:"id"`
	UserID    int64     `json:"user_id"`
	Token     string    `json:"token"`
	Condition string    `json:"condition"`
	Value     float64   `json:"value"`
	CreatedAt time.Time `json:"created_at"`
}

type trackingResponse struct {
	WalletAddress string    `json:"wallet_address"`
	UserID        int64     `json:"user_id"`
	ChannelID     string    `json:"channel_id"`
	LastAnalysis  string    `json:"last_analysis"`
	CreatedAt     time.Time `json:"created_at"`
}

func userToResponse(u *db.User) userResponse {
	return userResponse{ID: u.ID, Wallet: u.Wallet, Points: u.Points}
}

func predictionToResponse(p *db.Prediction) predictionResponse {
	return predictionResponse{
		ID:            p.ID,
		Title:         p.Title,
		CreatorID:     p.CreatorID,
		CreatorWallet: p.CreatorWallet,
		Options:       p.Options,
		EndTime:       p.EndTime,
		Status:        string(p.Status),
		ImageURL:      p.ImageURL,
		WinningOption: p.WinningOption,
		CreatedAt:     p.CreatedAt,
		SettledAt:     p.SettledAt,
	}
}

func poolsToResponse(pools map[string]uint64) []poolResponse {
	resp := make([]poolResponse, 0, len(pools))
	for _, sym := range token.Symbols() {
		amount, ok := pools[sym]
		if !ok {
			continue
		}
		pr := poolResponse{Token: sym, Amount: amount}
		if tok, err := token.Lookup(sym); err == nil {
			pr.Display = tok.Format(amount)
		}
		resp = append(resp, pr)
	}
	return resp
}

func payoutToResponse(p *db.Payout) payoutResponse {
	return payoutResponse{
		ID:        p.ID,
		UserID:    p.UserID,
		WagerID:   p.WagerID,
		Token:     p.Token,
		Amount:    p.Amount,
		TxID:      p.TxID,
		CreatedAt: p.CreatedAt,
	}
}

func settlementToResponse(s *market.SettlementSummary) settlementResponse {
	payouts := make([]payoutResponse, len(s.Payouts))
	for i, p := range s.Payouts {
		payouts[i] = payoutToResponse(p)
	}
	failures := s.Failures
	if failures == nil {
		failures = []market.PayoutFailure{}
	}
	return settlementResponse{
		Market:        predictionToResponse(s.Prediction),
		WinningOption: s.WinningOption,
		WinningLabel:  s.WinningLabel,
		Policy:        s.Policy,
		Winners:       s.Winners,
		Payouts:       payouts,
		Failures:      failures,
	}
}

func alertToResponse(a *db.Alert) alertResponse {
	return alertResponse{
		ID:        a.ID,
		UserID:    a.UserID,
		Token:     a.Token,
		Condition: string(a.Condition),
		Value:     a.Value,
		CreatedAt: a.CreatedAt,
	}
}

func trackingToResponse(t *db.WalletTracking) trackingResponse {
	return trackingResponse{
		WalletAddress: t.WalletAddress,
		UserID:        t.UserID,
		ChannelID:     t.ChannelID,
		LastAnalysis:  t.LastAnalysis,
		CreatedAt:     t.CreatedAt,
	}
}
