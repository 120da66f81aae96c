package broker

import (
	"context"
	"fmt"
	"math/rand"
	"time"

	"github.com/hemanthHemu33/algoscalper-core/internal/metrics"
	"github.com/hemanthHemu33/algoscalper-core/internal/ratelimit"
	"github.com/sony/gobreaker"
	"go.uber.org/zap"
)

// resilientClient wraps a concrete Client with a per-call-kind circuit
// breaker, a rate limiter, and bounded retry-with-jitter for retryable
// transport errors.
type resilientClient struct {
	inner    Client
	logger   *zap.Logger
	limiter  *ratelimit.Limiter
	breakers map[string]*gobreaker.CircuitBreaker
	retries  int
	metrics  *metrics.Collector
}

// NewResilientClient decorates inner with circuit breaking + rate limiting
// + bounded retry/backoff: transient broker errors are retried with
// bounded backoff and jitter. collector may be nil.
func NewResilientClient(inner Client, limiter *ratelimit.Limiter, logger *zap.Logger, collector *metrics.Collector) Client {
	return &resilientClient{
		inner:    inner,
		logger:   logger,
		limiter:  limiter,
		breakers: make(map[string]*gobreaker.CircuitBreaker),
		retries:  3,
		metrics:  collector,
	}
}

func (r *resilientClient) breaker(name string) *gobreaker.CircuitBreaker {
	if cb, ok := r.breakers[name]; ok {
		return cb
	}
	cb := gobreaker.NewCircuitBreaker(gobreaker.Settings{
		Name:        name,
		MaxRequests: 3,
		Interval:    30 * time.Second,
		Timeout:     30 * time.Second,
		ReadyToTrip: func(counts gobreaker.Counts) bool {
			return counts.Requests >= 6 && float64(counts.TotalFailures)/float64(counts.Requests) >= 0.5
		},
		OnStateChange: func(name string, from, to gobreaker.State) {
			r.logger.Warn("broker circuit breaker state change",
				zap.String("call", name), zap.String("from", from.String()), zap.String("to", to.String()))
			if r.metrics != nil {
				r.metrics.CircuitBreakerState.WithLabelValues(name).Set(float64(to))
			}
		},
	})
	r.breakers[name] = cb
	return cb
}

// withRetry runs fn through the named circuit breaker, retrying bounded
// times with jittered backoff only when the returned error is a retryable
// *Error. Non-retryable broker errors and breaker-open errors pass straight
// through.
func (r *resilientClient) withRetry(ctx context.Context, name string, fn func() (interface{}, error)) (interface{}, error) {
	cb := r.breaker(name)
	var last error
	for attempt := 0; attempt <= r.retries; attempt++ {
		if err := r.limiter.WaitSmoothed(); err != nil {
			return nil, err
		}
		v, err := cb.Execute(fn)
		if err == nil {
			return v, nil
		}
		last = err
		var be *Error
		if asErr, ok := err.(*Error); ok {
			be = asErr
		} else {
			be = Classify(err.Error())
		}
		if !be.Retryable || attempt == r.retries {
			return nil, be
		}
		backoff := time.Duration(1<<uint(attempt)) * 100 * time.Millisecond
		jitter := time.Duration(rand.Int63n(int64(backoff) / 2))
		select {
		case <-ctx.Done():
			return nil, ctx.Err()
		case <-time.After(backoff + jitter):
		}
	}
	return nil, last
}

func (r *resilientClient) PlaceOrder(ctx context.Context, params PlaceParams) (string, error) {
	v, err := r.withRetry(ctx, "place_order", func() (interface{}, error) {
		return r.inner.PlaceOrder(ctx, params)
	})
	if err != nil {
		return "", err
	}
	return v.(string), nil
}

func (r *resilientClient) ModifyOrder(ctx context.Context, variety Variety, orderID string, patch ModifyParams) error {
	_, err := r.withRetry(ctx, "modify_order", func() (interface{}, error) {
		return nil, r.inner.ModifyOrder(ctx, variety, orderID, patch)
	})
	return err
}

func (r *resilientClient) CancelOrder(ctx context.Context, variety Variety, orderID string) error {
	_, err := r.withRetry(ctx, "cancel_order", func() (interface{}, error) {
		return nil, r.inner.CancelOrder(ctx, variety, orderID)
	})
	return err
}

func (r *resilientClient) GetOrders(ctx context.Context) ([]Order, error) {
	v, err := r.withRetry(ctx, "get_orders", func() (interface{}, error) {
		return r.inner.GetOrders(ctx)
	})
	if err != nil {
		return nil, err
	}
	return v.([]Order), nil
}

func (r *resilientClient) GetOrderHistory(ctx context.Context, orderID string) ([]Order, error) {
	v, err := r.withRetry(ctx, "get_order_history", func() (interface{}, error) {
		return r.inner.GetOrderHistory(ctx, orderID)
	})
	if err != nil {
		return nil, err
	}
	return v.([]Order), nil
}

func (r *resilientClient) GetPositions(ctx context.Context) (Positions, error) {
	v, err := r.withRetry(ctx, "get_positions", func() (interface{}, error) {
		return r.inner.GetPositions(ctx)
	})
	if err != nil {
		return Positions{}, err
	}
	return v.(Positions), nil
}

func (r *resilientClient) GetQuote(ctx context.Context, keys []string) (map[string]Quote, error) {
	v, err := r.withRetry(ctx, "get_quote", func() (interface{}, error) {
		return r.inner.GetQuote(ctx, keys)
	})
	if err != nil {
		return nil, err
	}
	return v.(map[string]Quote), nil
}

func (r *resilientClient) GetLTP(ctx context.Context, keys []string) (map[string]float64, error) {
	v, err := r.withRetry(ctx, "get_ltp", func() (interface{}, error) {
		return r.inner.GetLTP(ctx, keys)
	})
	if err != nil {
		return nil, err
	}
	return v.(map[string]float64), nil
}

func (r *resilientClient) ConvertPosition(ctx context.Context, params ConvertPositionParams) error {
	_, err := r.withRetry(ctx, "convert_position", func() (interface{}, error) {
		return nil, r.inner.ConvertPosition(ctx, params)
	})
	return err
}

// PlaceWithDedup places an order via tag-based idempotence: on a retryable
// failure from PlaceOrder, it lists the broker's orders and returns the id
// of one already carrying params.Tag (FindByTag), so a submission that
// reached the broker is not reported as failed. Kept as a free function rather than baked into
// resilientClient.PlaceOrder so callers can decide when to pay for the
// extra GetOrders round trip.
func PlaceWithDedup(ctx context.Context, c Client, params PlaceParams) (string, error) {
	orderID, err := c.PlaceOrder(ctx, params)
	if err == nil {
		return orderID, nil
	}
	be, ok := err.(*Error)
	if !ok || !be.Retryable {
		return "", err
	}
	existing, listErr := c.GetOrders(ctx)
	if listErr != nil {
		return "", err
	}
	if found, ok := FindByTag(existing, params.Tag); ok {
		return found.OrderID, nil
	}
	return "", fmt.Errorf("place failed and no matching tag found: %w", err)
}
