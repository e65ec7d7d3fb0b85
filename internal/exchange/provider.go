/**
 * @description
 * Provider resolves the rate used to convert a transfer amount from the beneficiary's
 * currency into the originator's. Lookups go through an in-process LRU with TTL, an
 * optional Redis cache shared between instances, and finally the rates API behind a
 * circuit breaker and an exponential retry.
 *
 * Every failure to obtain a rate, whatever its cause, surfaces as
 * EXCHANGE_RATE_NOT_FOUND so the settlement can fail deterministically.
 *
 * @dependencies
 * - github.com/hashicorp/golang-lru/v2/expirable: bounded cache with expiry.
 * - github.com/redis/go-redis/v9: optional second level cache.
 * - github.com/sony/gobreaker: stops hammering a failing rates API.
 * - github.com/cenkalti/backoff/v4: bounded retries with exponential delay.
 * - golang.org/x/sync/singleflight: one upstream call per pair at a time.
 */

package exchange

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/cenkalti/backoff/v4"
	"github.com/hashicorp/golang-lru/v2/expirable"
	"github.com/redis/go-redis/v9"
	"github.com/shopspring/decimal"
	"github.com/sony/gobreaker"
	"go.uber.org/zap"
	"golang.org/x/sync/singleflight"

	"github.com/transfa/transfer-service/internal/domain"
	"github.com/transfa/transfer-service/internal/metrics"
	"github.com/transfa/transfer-service/pkg/ratesclient"
)

// RateSource is the upstream rates API.
type RateSource interface {
	Latest(ctx context.Context, base string) (*ratesclient.LatestRatesResponse, error)
}

type Options struct {
	CacheSize       int
	CacheTTL        time.Duration
	MaxAttempts     int
	InitialInterval time.Duration
	MaxInterval     time.Duration
	BreakerFailures uint32
	BreakerTimeout  time.Duration
	// FetchTimeout bounds one shared upstream lookup, retries included. The lookup
	// outlives the caller that started it so that callers waiting on it still get
	// an answer.
	FetchTimeout time.Duration
	// Redis enables the shared cache when non-nil.
	Redis     redis.UniversalClient
	KeyPrefix string
}

type pair struct {
	source      domain.Currency
	destination domain.Currency
}

type Provider struct {
	source  RateSource
	cache   *expirable.LRU[pair, decimal.Decimal]
	redis   redis.UniversalClient
	prefix  string
	ttl     time.Duration
	breaker *gobreaker.CircuitBreaker
	group   singleflight.Group
	opts    Options
	logger  *zap.Logger
	metrics *metrics.Metrics
}

func NewProvider(source RateSource, opts Options, logger *zap.Logger, m *metrics.Metrics) *Provider {
	if opts.CacheSize <= 0 {
		opts.CacheSize = 1000
	}
	if opts.CacheTTL <= 0 {
		opts.CacheTTL = time.Hour
	}
	if opts.MaxAttempts < 1 {
		opts.MaxAttempts = 1
	}
	if opts.BreakerFailures == 0 {
		opts.BreakerFailures = 5
	}
	if opts.FetchTimeout <= 0 {
		opts.FetchTimeout = 30 * time.Second
	}
	logger = logger.Named("exchange")

	breaker := gobreaker.NewCircuitBreaker(gobreaker.Settings{
		Name:        "rates-api",
		MaxRequests: 1,
		Timeout:     opts.BreakerTimeout,
		ReadyToTrip: func(counts gobreaker.Counts) bool {
			return counts.ConsecutiveFailures >= opts.BreakerFailures
		},
		// A 4xx means the API is up and answering; only outages should trip.
		IsSuccessful: func(err error) bool {
			return err == nil || !isRetryable(err)
		},
		OnStateChange: func(name string, from, to gobreaker.State) {
			logger.Warn("circuit breaker state changed",
				zap.String("breaker", name),
				zap.String("from", from.String()),
				zap.String("to", to.String()))
		},
	})

	return &Provider{
		source:  source,
		cache:   expirable.NewLRU[pair, decimal.Decimal](opts.CacheSize, nil, opts.CacheTTL),
		redis:   opts.Redis,
		prefix:  opts.KeyPrefix,
		ttl:     opts.CacheTTL,
		breaker: breaker,
		opts:    opts,
		logger:  logger,
		metrics: m,
	}
}

// GetRate returns how many units of source buy one unit of destination.
func (p *Provider) GetRate(ctx context.Context, source, destination domain.Currency) (decimal.Decimal, error) {
	if source == destination {
		return decimal.NewFromInt(1), nil
	}
	key := pair{source: source, destination: destination}

	if rate, ok := p.cache.Get(key); ok {
		p.metrics.RateLookup("hit")
		return rate, nil
	}
	if rate, ok := p.sharedGet(ctx, key); ok {
		p.metrics.RateLookup("shared_hit")
		p.cache.Add(key, rate)
		return rate, nil
	}

	ch := p.group.DoChan(string(source)+":"+string(destination), func() (interface{}, error) {
		fetchCtx, cancel := context.WithTimeout(context.WithoutCancel(ctx), p.opts.FetchTimeout)
		defer cancel()
		return p.fetch(fetchCtx, key)
	})
	select {
	case <-ctx.Done():
		// Cancellation is the caller giving up, not a missing rate.
		return decimal.Decimal{}, ctx.Err()
	case res := <-ch:
		if res.Err != nil {
			if ctxErr := ctx.Err(); ctxErr != nil {
				return decimal.Decimal{}, ctxErr
			}
			return decimal.Decimal{}, res.Err
		}
		return res.Val.(decimal.Decimal), nil
	}
}

func (p *Provider) fetch(ctx context.Context, key pair) (decimal.Decimal, error) {
	resp, err := p.latestWithRetry(ctx, key.destination)
	if err != nil {
		p.metrics.RateLookup("error")
		p.logger.Warn("exchange rate lookup failed",
			zap.String("source", key.source.String()),
			zap.String("destination", key.destination.String()),
			zap.Error(err))
		return decimal.Decimal{}, domain.Errorf(domain.ErrCodeExchangeRateNotFound,
			"no exchange rate from %s to %s", key.source, key.destination)
	}

	rate, ok := resp.Rates[key.source.String()]
	if !ok {
		p.metrics.RateLookup("missing")
		return decimal.Decimal{}, domain.Errorf(domain.ErrCodeExchangeRateNotFound,
			"rates api has no %s quote against %s", key.source, key.destination)
	}
	if err := domain.ValidateRate(rate); err != nil {
		p.metrics.RateLookup("negative")
		return decimal.Decimal{}, err
	}

	rate = rate.Round(domain.RateScale)
	p.metrics.RateLookup("miss")
	p.cache.Add(key, rate)
	p.sharedSet(ctx, key, rate)
	return rate, nil
}

func (p *Provider) latestWithRetry(ctx context.Context, base domain.Currency) (*ratesclient.LatestRatesResponse, error) {
	b := backoff.NewExponentialBackOff()
	if p.opts.InitialInterval > 0 {
		b.InitialInterval = p.opts.InitialInterval
	}
	if p.opts.MaxInterval > 0 {
		b.MaxInterval = p.opts.MaxInterval
	}
	b.MaxElapsedTime = 0

	policy := backoff.WithContext(backoff.WithMaxRetries(b, uint64(p.opts.MaxAttempts-1)), ctx)

	var resp *ratesclient.LatestRatesResponse
	err := backoff.Retry(func() error {
		out, err := p.breaker.Execute(func() (interface{}, error) {
			return p.source.Latest(ctx, base.String())
		})
		if err != nil {
			if !isRetryable(err) {
				return backoff.Permanent(err)
			}
			return err
		}
		resp = out.(*ratesclient.LatestRatesResponse)
		return nil
	}, policy)
	if err != nil {
		return nil, err
	}
	return resp, nil
}

func isRetryable(err error) bool {
	if errors.Is(err, gobreaker.ErrOpenState) || errors.Is(err, gobreaker.ErrTooManyRequests) {
		return false
	}
	if errors.Is(err, context.Canceled) {
		return false
	}
	var statusErr *ratesclient.StatusError
	if errors.As(err, &statusErr) {
		return statusErr.Temporary()
	}
	return true
}

func (p *Provider) sharedKey(key pair) string {
	return fmt.Sprintf("%s:fx:%s:%s", p.prefix, key.source, key.destination)
}

func (p *Provider) sharedGet(ctx context.Context, key pair) (decimal.Decimal, bool) {
	if p.redis == nil {
		return decimal.Decimal{}, false
	}
	raw, err := p.redis.Get(ctx, p.sharedKey(key)).Result()
	if err != nil {
		if !errors.Is(err, redis.Nil) {
			p.logger.Debug("shared rate cache unavailable", zap.Error(err))
		}
		return decimal.Decimal{}, false
	}
	rate, err := decimal.NewFromString(raw)
	if err != nil || rate.IsNegative() {
		return decimal.Decimal{}, false
	}
	return rate, true
}

func (p *Provider) sharedSet(ctx context.Context, key pair, rate decimal.Decimal) {
	if p.redis == nil {
		return
	}
	if err := p.redis.Set(ctx, p.sharedKey(key), rate.String(), p.ttl).Err(); err != nil {
		p.logger.Debug("failed to write shared rate cache", zap.Error(err))
	}
}
