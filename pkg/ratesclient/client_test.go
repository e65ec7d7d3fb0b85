package ratesclient

import (
	"context"
	"errors"
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestLatestDecodesRates(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		assert.Equal(t, "/latest", r.URL.Path)
		assert.Equal(t, "EUR", r.URL.Query().Get("from"))
		w.Header().Set("Content-Type", "application/json")
		_, _ = w.Write([]byte(`{"amount":1.0,"base":"EUR","date":"2024-05-02","rates":{"USD":1.0723,"GBP":0.85668}}`))
	}))
	defer srv.Close()

	resp, err := NewClient(srv.URL+"/", time.Second).Latest(context.Background(), "EUR")
	require.NoError(t, err)
	assert.Equal(t, "EUR", resp.Base)
	assert.Equal(t, "0.85668", resp.Rates["GBP"].String())
	assert.Equal(t, "1.0723", resp.Rates["USD"].String())
}

func TestLatestReturnsStatusError(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		http.Error(w, "not found", http.StatusNotFound)
	}))
	defer srv.Close()

	_, err := NewClient(srv.URL, time.Second).Latest(context.Background(), "XXX")
	require.Error(t, err)

	var statusErr *StatusError
	require.True(t, errors.As(err, &statusErr))
	assert.Equal(t, http.StatusNotFound, statusErr.StatusCode)
	assert.False(t, statusErr.Temporary())
}

func TestLatestHonoursTimeout(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		time.Sleep(200 * time.Millisecond)
	}))
	defer srv.Close()

	_, err := NewClient(srv.URL, 20*time.Millisecond).Latest(context.Background(), "USD")
	require.Error(t, err)
}
