package exchange

import (
	"context"
	"errors"
	"net/http"
	"sync"
	"testing"
	"time"

	"github.com/alicebob/miniredis/v2"
	"github.com/redis/go-redis/v9"
	"github.com/shopspring/decimal"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"

	"github.com/transfa/transfer-service/internal/domain"
	"github.com/transfa/transfer-service/pkg/ratesclient"
)

type stubSource struct {
	mu        sync.Mutex
	calls     int
	responses []func(base string) (*ratesclient.LatestRatesResponse, error)
}

func (s *stubSource) Latest(_ context.Context, base string) (*ratesclient.LatestRatesResponse, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	idx := s.calls
	if idx >= len(s.responses) {
		idx = len(s.responses) - 1
	}
	s.calls++
	return s.responses[idx](base)
}

func (s *stubSource) Calls() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.calls
}

func quote(rates map[string]string) func(string) (*ratesclient.LatestRatesResponse, error) {
	return func(base string) (*ratesclient.LatestRatesResponse, error) {
		resp := &ratesclient.LatestRatesResponse{Base: base, Rates: map[string]decimal.Decimal{}}
		for code, raw := range rates {
			resp.Rates[code] = decimal.RequireFromString(raw)
		}
		return resp, nil
	}
}

func failWith(err error) func(string) (*ratesclient.LatestRatesResponse, error) {
	return func(string) (*ratesclient.LatestRatesResponse, error) { return nil, err }
}

func testOptions() Options {
	return Options{
		CacheSize:       10,
		CacheTTL:        time.Minute,
		MaxAttempts:     3,
		InitialInterval: time.Millisecond,
		MaxInterval:     2 * time.Millisecond,
		BreakerFailures: 100,
		BreakerTimeout:  time.Second,
	}
}

func TestGetRateSameCurrencySkipsSource(t *testing.T) {
	src := &stubSource{}
	p := NewProvider(src, testOptions(), zap.NewNop(), nil)

	rate, err := p.GetRate(context.Background(), domain.USD, domain.USD)
	require.NoError(t, err)
	assert.True(t, rate.Equal(decimal.NewFromInt(1)))
	assert.Equal(t, 0, src.Calls())
}

func TestGetRateCachesResult(t *testing.T) {
	src := &stubSource{responses: []func(string) (*ratesclient.LatestRatesResponse, error){
		quote(map[string]string{"USD": "1.0723"}),
	}}
	p := NewProvider(src, testOptions(), zap.NewNop(), nil)

	for i := 0; i < 3; i++ {
		rate, err := p.GetRate(context.Background(), domain.USD, domain.EUR)
		require.NoError(t, err)
		assert.Equal(t, "1.0723", rate.String())
	}
	assert.Equal(t, 1, src.Calls())
}

func TestGetRateRetriesTransientFailures(t *testing.T) {
	src := &stubSource{responses: []func(string) (*ratesclient.LatestRatesResponse, error){
		failWith(&ratesclient.StatusError{StatusCode: http.StatusBadGateway}),
		failWith(errors.New("connection reset")),
		quote(map[string]string{"GBP": "0.85668"}),
	}}
	p := NewProvider(src, testOptions(), zap.NewNop(), nil)

	rate, err := p.GetRate(context.Background(), domain.GBP, domain.EUR)
	require.NoError(t, err)
	assert.Equal(t, "0.85668", rate.String())
	assert.Equal(t, 3, src.Calls())
}

func TestGetRateGivesUpAfterMaxAttempts(t *testing.T) {
	src := &stubSource{responses: []func(string) (*ratesclient.LatestRatesResponse, error){
		failWith(&ratesclient.StatusError{StatusCode: http.StatusServiceUnavailable}),
	}}
	p := NewProvider(src, testOptions(), zap.NewNop(), nil)

	_, err := p.GetRate(context.Background(), domain.USD, domain.JPY)
	require.ErrorIs(t, err, domain.ErrExchangeRateNotFound)
	assert.Equal(t, 3, src.Calls())
}

func TestGetRateDoesNotRetryClientErrors(t *testing.T) {
	src := &stubSource{responses: []func(string) (*ratesclient.LatestRatesResponse, error){
		failWith(&ratesclient.StatusError{StatusCode: http.StatusNotFound}),
	}}
	p := NewProvider(src, testOptions(), zap.NewNop(), nil)

	_, err := p.GetRate(context.Background(), domain.USD, domain.ISK)
	require.ErrorIs(t, err, domain.ErrExchangeRateNotFound)
	assert.Equal(t, 1, src.Calls())
}

func TestGetRateMissingQuoteIsNotFound(t *testing.T) {
	src := &stubSource{responses: []func(string) (*ratesclient.LatestRatesResponse, error){
		quote(map[string]string{"CHF": "0.95"}),
	}}
	p := NewProvider(src, testOptions(), zap.NewNop(), nil)

	_, err := p.GetRate(context.Background(), domain.USD, domain.EUR)
	require.ErrorIs(t, err, domain.ErrExchangeRateNotFound)
}

func TestGetRateNegativeIsRejectedAndNotCached(t *testing.T) {
	src := &stubSource{responses: []func(string) (*ratesclient.LatestRatesResponse, error){
		quote(map[string]string{"USD": "-1.5"}),
	}}
	p := NewProvider(src, testOptions(), zap.NewNop(), nil)

	_, err := p.GetRate(context.Background(), domain.USD, domain.EUR)
	require.ErrorIs(t, err, domain.ErrExchangeRateNegative)
	_, err = p.GetRate(context.Background(), domain.USD, domain.EUR)
	require.ErrorIs(t, err, domain.ErrExchangeRateNegative)
	assert.Equal(t, 2, src.Calls())
}

func TestGetRateOpenBreakerFailsFast(t *testing.T) {
	src := &stubSource{responses: []func(string) (*ratesclient.LatestRatesResponse, error){
		failWith(errors.New("dial tcp: connection refused")),
	}}
	opts := testOptions()
	opts.MaxAttempts = 1
	opts.BreakerFailures = 2
	opts.BreakerTimeout = time.Hour
	p := NewProvider(src, opts, zap.NewNop(), nil)

	for i := 0; i < 2; i++ {
		_, err := p.GetRate(context.Background(), domain.USD, domain.EUR)
		require.ErrorIs(t, err, domain.ErrExchangeRateNotFound)
	}
	_, err := p.GetRate(context.Background(), domain.USD, domain.EUR)
	require.ErrorIs(t, err, domain.ErrExchangeRateNotFound)
	assert.Equal(t, 2, src.Calls(), "breaker should short-circuit the third call")
}

func TestGetRateUsesSharedCache(t *testing.T) {
	mr := miniredis.RunT(t)
	client := redis.NewClient(&redis.Options{Addr: mr.Addr()})
	t.Cleanup(func() { _ = client.Close() })

	src := &stubSource{responses: []func(string) (*ratesclient.LatestRatesResponse, error){
		quote(map[string]string{"USD": "1.0723"}),
	}}
	opts := testOptions()
	opts.Redis = client
	opts.KeyPrefix = "test"

	first := NewProvider(src, opts, zap.NewNop(), nil)
	_, err := first.GetRate(context.Background(), domain.USD, domain.EUR)
	require.NoError(t, err)

	stored, err := mr.Get("test:fx:USD:EUR")
	require.NoError(t, err)
	assert.Equal(t, "1.0723", stored)
	assert.True(t, mr.TTL("test:fx:USD:EUR") > 0)

	// A second instance with a cold local cache reads the shared entry.
	second := NewProvider(src, opts, zap.NewNop(), nil)
	rate, err := second.GetRate(context.Background(), domain.USD, domain.EUR)
	require.NoError(t, err)
	assert.Equal(t, "1.0723", rate.String())
	assert.Equal(t, 1, src.Calls())
}

func TestGetRateSharedCacheOutageFallsBackToSource(t *testing.T) {
	mr := miniredis.RunT(t)
	client := redis.NewClient(&redis.Options{Addr: mr.Addr(), MaxRetries: -1})
	t.Cleanup(func() { _ = client.Close() })
	mr.Close()

	src := &stubSource{responses: []func(string) (*ratesclient.LatestRatesResponse, error){
		quote(map[string]string{"USD": "1.07"}),
	}}
	opts := testOptions()
	opts.Redis = client

	rate, err := NewProvider(src, opts, zap.NewNop(), nil).GetRate(context.Background(), domain.USD, domain.EUR)
	require.NoError(t, err)
	assert.Equal(t, "1.07", rate.String())
}

type blockingSource struct {
	started chan struct{}
	release chan struct{}
	mu      sync.Mutex
	calls   int
}

func (s *blockingSource) Latest(ctx context.Context, base string) (*ratesclient.LatestRatesResponse, error) {
	s.mu.Lock()
	s.calls++
	s.mu.Unlock()
	s.started <- struct{}{}
	select {
	case <-s.release:
	case <-ctx.Done():
		return nil, ctx.Err()
	}
	return quote(map[string]string{"USD": "0.9"})(base)
}

func TestGetRateCallerCancellationDoesNotFailWaiters(t *testing.T) {
	src := &blockingSource{started: make(chan struct{}, 1), release: make(chan struct{})}
	p := NewProvider(src, testOptions(), zap.NewNop(), nil)

	firstCtx, cancelFirst := context.WithCancel(context.Background())
	firstErr := make(chan error, 1)
	go func() {
		_, err := p.GetRate(firstCtx, domain.USD, domain.EUR)
		firstErr <- err
	}()
	<-src.started

	type result struct {
		rate decimal.Decimal
		err  error
	}
	second := make(chan result, 1)
	go func() {
		rate, err := p.GetRate(context.Background(), domain.USD, domain.EUR)
		second <- result{rate, err}
	}()
	time.Sleep(20 * time.Millisecond)

	cancelFirst()
	require.ErrorIs(t, <-firstErr, context.Canceled)

	close(src.release)
	got := <-second
	require.NoError(t, got.err)
	assert.Equal(t, "0.9", got.rate.String())

	src.mu.Lock()
	defer src.mu.Unlock()
	assert.Equal(t, 1, src.calls)
}

func TestGetRateFetchTimeoutIsNotFound(t *testing.T) {
	src := &blockingSource{started: make(chan struct{}, 3), release: make(chan struct{})}
	opts := testOptions()
	opts.FetchTimeout = 20 * time.Millisecond
	p := NewProvider(src, opts, zap.NewNop(), nil)

	_, err := p.GetRate(context.Background(), domain.USD, domain.EUR)
	require.ErrorIs(t, err, domain.ErrExchangeRateNotFound)
}
