package verify

import (
	"context"
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestVerifySiteHealth_HealthyPage(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, _ *http.Request) {
		w.Write([]byte("<html><body>Welcome to my blog</body></html>"))
	}))
	defer srv.Close()

	report, err := NewService(5*time.Second).VerifySiteHealth(context.Background(), srv.URL)
	require.NoError(t, err)
	assert.True(t, report.Healthy)
	assert.Empty(t, report.Issues)
}

func TestVerifySiteHealth_FatalErrorInBody(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, _ *http.Request) {
		// WordPress serves fatals with HTTP 200 more often than not.
		w.Write([]byte("Fatal error: Allowed memory size of 134217728 bytes exhausted"))
	}))
	defer srv.Close()

	report, err := NewService(5*time.Second).VerifySiteHealth(context.Background(), srv.URL)
	require.NoError(t, err)
	assert.False(t, report.Healthy)
	require.Len(t, report.Issues, 1)
	assert.Contains(t, report.Issues[0], "Fatal error")
}

func TestVerifySiteHealth_DatabaseErrorPage(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, _ *http.Request) {
		w.WriteHeader(http.StatusInternalServerError)
		w.Write([]byte("Error establishing a database connection"))
	}))
	defer srv.Close()

	report, err := NewService(5*time.Second).VerifySiteHealth(context.Background(), srv.URL)
	require.NoError(t, err)
	assert.False(t, report.Healthy)
	assert.Len(t, report.Issues, 2, "status and body marker both reported")
}

func TestVerifySiteHealth_UnreachableIsUnhealthyNotError(t *testing.T) {
	report, err := NewService(500*time.Millisecond).VerifySiteHealth(context.Background(), "http://127.0.0.1:1")
	require.NoError(t, err)
	assert.False(t, report.Healthy)
	require.NotEmpty(t, report.Issues)
	assert.Contains(t, report.Issues[0], "unreachable")
}

func TestProbe_ReturnsStatusCode(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, _ *http.Request) {
		w.WriteHeader(http.StatusBadGateway)
	}))
	defer srv.Close()

	status, err := NewService(5*time.Second).Probe(context.Background(), srv.URL)
	require.NoError(t, err)
	assert.Equal(t, http.StatusBadGateway, status)
}
