package gateway

import (
	"errors"
	"log/slog"
	"sync"
	"time"

	"github.com/sony/gobreaker"

	"github.com/haasonsaas/cortex/internal/provider"
)

// ErrBreakerOpen is returned when a provider's circuit is open.
var ErrBreakerOpen = errors.New("gateway: provider circuit open")

// breakerSet keeps one circuit breaker per provider. A provider trips
// after repeated retryable failures and recovers through the half-open
// probe; non-retryable failures (auth, invalid request) never trip it.
type breakerSet struct {
	logger *slog.Logger

	mu       sync.Mutex
	breakers map[string]*gobreaker.CircuitBreaker
}

func newBreakerSet(logger *slog.Logger) *breakerSet {
	return &breakerSet{
		logger:   logger,
		breakers: make(map[string]*gobreaker.CircuitBreaker),
	}
}

func (s *breakerSet) forProvider(name string) *gobreaker.CircuitBreaker {
	s.mu.Lock()
	defer s.mu.Unlock()
	if cb, ok := s.breakers[name]; ok {
		return cb
	}
	cb := gobreaker.NewCircuitBreaker(gobreaker.Settings{
		Name:    "provider:" + name,
		Timeout: 30 * time.Second,
		ReadyToTrip: func(counts gobreaker.Counts) bool {
			return counts.ConsecutiveFailures >= 5
		},
		IsSuccessful: func(err error) bool {
			if err == nil {
				return true
			}
			var te *provider.TransportError
			if errors.As(err, &te) {
				// Only retryable transport failures count against the
				// provider's health.
				return !te.Kind.Retryable()
			}
			return false
		},
		OnStateChange: func(name string, from, to gobreaker.State) {
			s.logger.Warn("provider circuit state change",
				"breaker", name, "from", from.String(), "to", to.String())
		},
	})
	s.breakers[name] = cb
	return cb
}

// execute runs fn behind the provider's breaker, mapping the open-circuit
// error to ErrBreakerOpen.
func (s *breakerSet) execute(name string, fn func() (*provider.Response, error)) (*provider.Response, error) {
	out, err := s.forProvider(name).Execute(func() (any, error) {
		return fn()
	})
	if err != nil {
		if errors.Is(err, gobreaker.ErrOpenState) || errors.Is(err, gobreaker.ErrTooManyRequests) {
			return nil, ErrBreakerOpen
		}
		return nil, err
	}
	return out.(*provider.Response), nil
}
