package broker

import (
	"context"
	"errors"
	"log"
	"time"

	"github.com/sony/gobreaker"
)

// CircuitBreakerAPI wraps an API with circuit breaker protection so a
// flapping broker endpoint fails fast instead of stalling every tick.
type CircuitBreakerAPI struct {
	api     API
	breaker *gobreaker.CircuitBreaker
}

// Ensure CircuitBreakerAPI implements API at compile time.
var _ API = (*CircuitBreakerAPI)(nil)

// CircuitBreakerSettings configures circuit breaker behavior.
type CircuitBreakerSettings struct {
	MaxRequests  uint32        // Max requests when half-open
	Interval     time.Duration // Reset counts interval
	Timeout      time.Duration // Open circuit duration
	MinRequests  uint32        // Min requests before tripping
	FailureRatio float64       // Failure ratio threshold
}

// NewCircuitBreakerAPI wraps api with sensible defaults.
func NewCircuitBreakerAPI(api API, name string) *CircuitBreakerAPI {
	return NewCircuitBreakerAPIWithSettings(api, name, CircuitBreakerSettings{
		MaxRequests:  3,
		Interval:     60 * time.Second,
		Timeout:      30 * time.Second,
		MinRequests:  5,
		FailureRatio: 0.6,
	})
}

// NewCircuitBreakerAPIWithSettings wraps api with custom settings.
func NewCircuitBreakerAPIWithSettings(api API, name string, settings CircuitBreakerSettings) *CircuitBreakerAPI {
	gbSettings := gobreaker.Settings{
		Name:        name,
		MaxRequests: settings.MaxRequests,
		Interval:    settings.Interval,
		Timeout:     settings.Timeout,
		ReadyToTrip: func(counts gobreaker.Counts) bool {
			if counts.Requests == 0 || counts.Requests < settings.MinRequests {
				return false
			}
			failureRatio := float64(counts.TotalFailures) / float64(counts.Requests)
			return failureRatio >= settings.FailureRatio
		},
		OnStateChange: func(name string, from gobreaker.State, to gobreaker.State) {
			log.Printf("Circuit breaker %s state changed from %s to %s", name, from, to)
		},
		IsSuccessful: func(err error) bool {
			// Order rejections are broker answers, not endpoint
			// failures; they must not trip the breaker.
			return err == nil || IsRejection(err)
		},
	}
	return &CircuitBreakerAPI{api: api, breaker: gobreaker.NewCircuitBreaker(gbSettings)}
}

// execBreaker is a generic helper for the wrapper methods.
func execBreaker[T any](breaker *gobreaker.CircuitBreaker, fn func() (T, error)) (T, error) {
	var zero T
	res, err := breaker.Execute(func() (interface{}, error) { return fn() })
	if err != nil {
		return zero, err
	}
	if res == nil {
		return zero, nil
	}
	v, ok := res.(T)
	if !ok {
		return zero, errors.New("circuit breaker: type assertion failed")
	}
	return v, nil
}

func (c *CircuitBreakerAPI) InitiateSession(ctx context.Context) error {
	_, err := execBreaker(c.breaker, func() (struct{}, error) {
		return struct{}{}, c.api.InitiateSession(ctx)
	})
	return err
}

func (c *CircuitBreakerAPI) PlaceOrder(ctx context.Context, req OrderRequest) (*OrderAck, error) {
	return execBreaker(c.breaker, func() (*OrderAck, error) { return c.api.PlaceOrder(ctx, req) })
}

func (c *CircuitBreakerAPI) ModifyOrder(ctx context.Context, req ModifyRequest) (*OrderAck, error) {
	return execBreaker(c.breaker, func() (*OrderAck, error) { return c.api.ModifyOrder(ctx, req) })
}

func (c *CircuitBreakerAPI) CancelOrder(ctx context.Context, orderID string) (*OrderAck, error) {
	return execBreaker(c.breaker, func() (*OrderAck, error) { return c.api.CancelOrder(ctx, orderID) })
}

func (c *CircuitBreakerAPI) OrderReport(ctx context.Context, orderID string) (*OrderReport, error) {
	return execBreaker(c.breaker, func() (*OrderReport, error) { return c.api.OrderReport(ctx, orderID) })
}

func (c *CircuitBreakerAPI) Positions(ctx context.Context) ([]PositionItem, error) {
	return execBreaker(c.breaker, func() ([]PositionItem, error) { return c.api.Positions(ctx) })
}

func (c *CircuitBreakerAPI) Margin(ctx context.Context) (*Margin, error) {
	return execBreaker(c.breaker, func() (*Margin, error) { return c.api.Margin(ctx) })
}
