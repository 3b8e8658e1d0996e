package main

import (
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestHealthCommand_Success(t *testing.T) {
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		switch r.URL.Path {
		case "/health":
			w.WriteHeader(http.StatusOK)
			w.Write([]byte("OK"))
		case "/version":
			json.NewEncoder(w).Encode(map[string]string{"version": "1.2.3"})
		default:
			t.Errorf("unexpected path %s", r.URL.Path)
		}
	}))
	defer server.Close()

	t.Setenv("SERVER_URL", server.URL)

	stdout, _, err := captureOutput(t, func() error {
		return newApp().Run([]string{"solmarket", "server", "health"})
	})
	require.NoError(t, err)
	assert.Contains(t, stdout, "Server is healthy")
	assert.Contains(t, stdout, "Version: 1.2.3")
}

func TestHealthCommand_Failure(t *testing.T) {
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusInternalServerError)
	}))
	defer server.Close()

	t.Setenv("SERVER_URL", server.URL)

	err := newApp().Run([]string{"solmarket", "server", "health"})
	require.Error(t, err)
	assert.Contains(t, err.Error(), "unhealthy status")
}

func TestHealthCommand_MissingServerURL(t *testing.T) {
	t.Setenv("SERVER_URL", "")

	err := newApp().Run([]string{"solmarket", "--server-url", "", "server", "health"})
	require.Error(t, err)
	assert.Contains(t, err.Error(), "server-url is required")
}

func TestVersionCommand(t *testing.T) {
	version = "1.0.0"
	commit = "abc123"
	date = "2025-10-10"

	stdout, _, err := captureOutput(t, func() error {
		return newApp().Run([]string{"solmarket", "server", "version"})
	})
	require.NoError(t, err)
	assert.Contains(t, stdout, "Version: 1.0.0")
	assert.Contains(t, stdout, "Commit:  abc123")
}
