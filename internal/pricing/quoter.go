// Package pricing converts token amounts into native-token value. Quotes are
// cached with a short TTL and concurrent lookups of the same token share one
// upstream request.
package pricing

import (
	"context"
	"fmt"
	"strings"
	"sync"
	"time"

	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	"go.opentelemetry.io/otel/trace"
	"golang.org/x/sync/errgroup"
	"golang.org/x/sync/singleflight"

	"stake-arena/server/internal/telemetry"
	"stake-arena/server/internal/tokens"
)

const (
	// DefaultTTL is how long a quote is served without refreshing.
	DefaultTTL = 10 * time.Second

	refreshTimeout = 5 * time.Second
	maxParallel    = 8

	metricQuoteFetched = "pricing_quote_fetched_total"
	metricQuoteFailed  = "pricing_quote_failed_total"
	metricQuoteCached  = "pricing_quote_cache_hit_total"
)

type quote struct {
	price     float64
	fetchedAt time.Time
}

// Option customises a Quoter.
type Option func(*Quoter)

// WithTTL overrides DefaultTTL.
func WithTTL(ttl time.Duration) Option {
	return func(q *Quoter) {
		if ttl > 0 {
			q.ttl = ttl
		}
	}
}

// WithClock overrides time.Now.
func WithClock(now func() time.Time) Option {
	return func(q *Quoter) {
		if now != nil {
			q.now = now
		}
	}
}

// WithMetrics records quote counters.
func WithMetrics(metrics telemetry.Metrics) Option {
	return func(q *Quoter) { q.metrics = metrics }
}

// WithLogger reports background refresh failures.
func WithLogger(logger telemetry.Logger) Option {
	return func(q *Quoter) { q.logger = logger }
}

// Quoter serves unit prices denominated in the native token.
type Quoter struct {
	source  Source
	ttl     time.Duration
	now     func() time.Time
	tracer  trace.Tracer
	metrics telemetry.Metrics
	logger  telemetry.Logger

	group singleflight.Group

	mu     sync.RWMutex
	cache  map[string]quote
	closed bool

	refreshes sync.WaitGroup
}

// NewQuoter builds a Quoter over source. A nil source prices only the native
// token.
func NewQuoter(source Source, opts ...Option) *Quoter {
	q := &Quoter{
		source: source,
		ttl:    DefaultTTL,
		now:    time.Now,
		tracer: otel.Tracer("stake-arena/server/internal/pricing"),
		cache:  make(map[string]quote),
	}
	for _, opt := range opts {
		if opt != nil {
			opt(q)
		}
	}
	return q
}

// Quote returns the unit price of token, fetching it when the cached value is
// missing or older than the TTL.
func (q *Quoter) Quote(ctx context.Context, token string) (float64, error) {
	if tokens.IsNative(token) {
		return 1, nil
	}
	key := strings.ToLower(token)
	if cached, ok := q.cached(key); ok && q.fresh(cached) {
		q.add(metricQuoteCached)
		return cached.price, nil
	}

	ctx, span := q.tracer.Start(ctx, "pricing.Quote", trace.WithAttributes(attribute.String("token", key)))
	defer span.End()

	result, err, shared := q.group.Do(key, func() (any, error) {
		return q.fetch(ctx, key)
	})
	span.SetAttributes(attribute.Bool("shared", shared))
	if err != nil {
		span.RecordError(err)
		span.SetStatus(codes.Error, err.Error())
		return 0, err
	}
	return result.(float64), nil
}

// Peek returns the last known price without blocking. A stale or missing
// entry schedules a background refresh; a missing entry reports false.
func (q *Quoter) Peek(token string) (float64, bool) {
	if tokens.IsNative(token) {
		return 1, true
	}
	key := strings.ToLower(token)
	cached, ok := q.cached(key)
	if !ok || !q.fresh(cached) {
		q.refreshAsync(key)
	}
	if !ok {
		return 0, false
	}
	return cached.price, true
}

// Value sums amount × unit price across balances. Distinct tokens are quoted
// in parallel; any failed quote fails the whole valuation.
func (q *Quoter) Value(ctx context.Context, balances tokens.Balances) (float64, error) {
	ctx, span := q.tracer.Start(ctx, "pricing.Value", trace.WithAttributes(attribute.Int("tokens", balances.Len())))
	defer span.End()

	entries := balances.Entries()
	prices := make([]float64, len(entries))
	group, groupCtx := errgroup.WithContext(ctx)
	group.SetLimit(maxParallel)
	for i, entry := range entries {
		group.Go(func() error {
			price, err := q.Quote(groupCtx, entry.Token)
			if err != nil {
				return fmt.Errorf("price %s: %w", entry.Symbol, err)
			}
			prices[i] = price
			return nil
		})
	}
	if err := group.Wait(); err != nil {
		span.RecordError(err)
		span.SetStatus(codes.Error, err.Error())
		return 0, err
	}
	total := 0.0
	for i, entry := range entries {
		total += entry.Amount * prices[i]
	}
	span.SetAttributes(attribute.Float64("value", total))
	return total, nil
}

// Close waits for background refreshes and stops scheduling new ones.
func (q *Quoter) Close() {
	q.mu.Lock()
	q.closed = true
	q.mu.Unlock()
	q.refreshes.Wait()
}

func (q *Quoter) refreshAsync(key string) {
	if q.source == nil {
		return
	}
	q.mu.Lock()
	if q.closed {
		q.mu.Unlock()
		return
	}
	q.refreshes.Add(1)
	q.mu.Unlock()

	go func() {
		defer q.refreshes.Done()
		ctx, cancel := context.WithTimeout(context.Background(), refreshTimeout)
		defer cancel()
		_, err, _ := q.group.Do(key, func() (any, error) {
			return q.fetch(ctx, key)
		})
		if err != nil && q.logger != nil {
			q.logger.Printf("[pricing] background refresh of %s failed: %v", key, err)
		}
	}()
}

func (q *Quoter) fetch(ctx context.Context, key string) (float64, error) {
	if q.source == nil {
		q.add(metricQuoteFailed)
		return 0, fmt.Errorf("%w: no source for %s", ErrNoPrice, key)
	}
	price, err := q.source.Fetch(ctx, key)
	if err != nil {
		q.add(metricQuoteFailed)
		return 0, err
	}
	q.mu.Lock()
	q.cache[key] = quote{price: price, fetchedAt: q.now()}
	q.mu.Unlock()
	q.add(metricQuoteFetched)
	return price, nil
}

func (q *Quoter) cached(key string) (quote, bool) {
	q.mu.RLock()
	defer q.mu.RUnlock()
	entry, ok := q.cache[key]
	return entry, ok
}

func (q *Quoter) fresh(entry quote) bool {
	return q.now().Sub(entry.fetchedAt) < q.ttl
}

func (q *Quoter) add(key string) {
	if q.metrics != nil {
		q.metrics.Add(key, 1)
	}
}
