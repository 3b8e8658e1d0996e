package client

import (
	"context"
	"encoding/json"
	"errors"
	"net/http"
	"net/http/httptest"
	"sync/atomic"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestCreateMarket_Success(t *testing.T) {
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		assert.Equal(t, "POST", r.Method)
		assert.Equal(t, "/api/v1/markets", r.URL.Path)
		assert.Equal(t, "application/json", r.Header.Get("Content-Type"))

		var body map[string]interface{}
		require.NoError(t, json.NewDecoder(r.Body).Decode(&body))
		assert.Equal(t, float64(1), body["creator_id"])
		assert.Equal(t, "Will it rain?", body["title"])
		assert.Equal(t, "24h0m0s", body["duration"])
		assert.Len(t, body["options"], 2)

		w.Header().Set("Content-Type", "application/json")
		w.WriteHeader(http.StatusCreated)
		json.NewEncoder(w).Encode(map[string]interface{}{
			"id":      5,
			"title":   "Will it rain?",
			"options": []string{"yes", "no"},
			"status":  "open",
		})
	}))
	defer server.Close()

	client := NewClient(server.URL, nil, nil)
	m, err := client.CreateMarket(context.Background(), CreateMarketParams{
		CreatorID: 1,
		Title:     "Will it rain?",
		Options:   []string{"yes", "no"},
		Duration:  24 * time.Hour,
	})
	require.NoError(t, err)
	assert.Equal(t, int64(5), m.ID)
	assert.Equal(t, "open", m.Status)
}

func TestServerError(t *testing.T) {
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.Header().Set("Content-Type", "application/json")
		w.WriteHeader(http.StatusConflict)
		json.NewEncoder(w).Encode(map[string]string{
			"error": "market already settled",
		})
	}))
	defer server.Close()

	client := NewClient(server.URL, nil, nil)
	_, err := client.Settle(context.Background(), 1, 1, 2)
	require.Error(t, err)
	assert.Contains(t, err.Error(), "market already settled")
	assert.True(t, IsStatus(err, http.StatusConflict))
	assert.False(t, IsStatus(err, http.StatusNotFound))
}

func TestServerError_NonJSON(t *testing.T) {
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusBadGateway)
		w.Write([]byte("upstream down\n"))
	}))
	defer server.Close()

	client := NewClient(server.URL, nil, nil)
	err := client.Health(context.Background())
	require.Error(t, err)

	var apiErr *APIError
	require.True(t, errors.As(err, &apiErr))
	assert.Equal(t, http.StatusBadGateway, apiErr.StatusCode)
	assert.Equal(t, "upstream down", apiErr.Message)
}

func TestPlaceWager(t *testing.T) {
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		assert.Equal(t, "/api/v1/markets/3/wagers", r.URL.Path)

		var body WagerParams
		require.NoError(t, json.NewDecoder(r.Body).Decode(&body))
		assert.Equal(t, WagerParams{UserID: 2, Token: "SOL", Amount: 0.25, Option: 1}, body)

		w.WriteHeader(http.StatusAccepted)
		json.NewEncoder(w).Encode(map[string]string{
			"session_id": "abc",
			"status":     "pending",
			"status_url": "/api/v1/sign-sessions/abc",
		})
	}))
	defer server.Close()

	client := NewClient(server.URL, nil, nil)
	ticket, err := client.PlaceWager(context.Background(), 3, WagerParams{UserID: 2, Token: "SOL", Amount: 0.25, Option: 1})
	require.NoError(t, err)
	assert.Equal(t, "abc", ticket.SessionID)
}

func TestAwaitSession(t *testing.T) {
	tests := []struct {
		name       string
		statuses   []string
		want       string
		wantStatus string
		wantErr    error
	}{
		{
			name:       "reaches wanted status",
			statuses:   []string{"pending", "pending", "awaiting_signature"},
			want:       "awaiting_signature",
			wantStatus: "awaiting_signature",
		},
		{
			name:       "confirmed satisfies any wait",
			statuses:   []string{"submitted", "confirmed"},
			want:       "awaiting_signature",
			wantStatus: "confirmed",
		},
		{
			name:       "expired session",
			statuses:   []string{"awaiting_signature", "expired"},
			want:       "confirmed",
			wantStatus: "expired",
			wantErr:    ErrSessionFailed,
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			var calls atomic.Int32
			server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
				assert.Equal(t, "/api/v1/sign-sessions/s1", r.URL.Path)
				i := int(calls.Add(1)) - 1
				if i >= len(tt.statuses) {
					i = len(tt.statuses) - 1
				}
				json.NewEncoder(w).Encode(map[string]string{"id": "s1", "status": tt.statuses[i]})
			}))
			defer server.Close()

			client := NewClient(server.URL, nil, nil)
			ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
			defer cancel()

			s, err := client.AwaitSession(ctx, "s1", tt.want, 5*time.Millisecond)
			if tt.wantErr != nil {
				assert.ErrorIs(t, err, tt.wantErr)
			} else {
				require.NoError(t, err)
			}
			require.NotNil(t, s)
			assert.Equal(t, tt.wantStatus, s.Status)
		})
	}
}

func TestTrackingRequests(t *testing.T) {
	var seen []string
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		seen = append(seen, r.Method+" "+r.URL.Path+"?"+r.URL.RawQuery)
		w.WriteHeader(http.StatusNoContent)
	}))
	defer server.Close()

	client := NewClient(server.URL, nil, nil)
	ctx := context.Background()
	require.NoError(t, client.Subscribe(ctx, 7, "wallet123"))
	require.NoError(t, client.Unsubscribe(ctx, 7, "wallet123"))
	require.NoError(t, client.StopTracking(ctx, 7, "wallet123"))

	assert.Equal(t, []string{
		"POST /api/v1/tracking/wallet123/realtime?user_id=7",
		"DELETE /api/v1/tracking/wallet123/realtime?user_id=7",
		"DELETE /api/v1/tracking/wallet123?user_id=7",
	}, seen)
}

func TestNetworkAnalytics(t *testing.T) {
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		json.NewEncoder(w).Encode(map[string]interface{}{
			"samples": 3,
			"window":  int64(10 * time.Minute),
			"avg_tps": 2500.5,
			"min_tps": 2000,
			"max_tps": 3000,
		})
	}))
	defer server.Close()

	client := NewClient(server.URL, nil, nil)
	a, err := client.NetworkAnalytics(context.Background())
	require.NoError(t, err)
	assert.Equal(t, 3, a.Samples)
	assert.Equal(t, 10*time.Minute, a.Window)
	assert.Equal(t, 2500.5, a.Average)
}
