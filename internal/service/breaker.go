package service

import (
	"errors"
	"time"

	"github.com/sony/gobreaker/v2"
	"go.uber.org/zap"
)

// Side effect targets guarded by a circuit breaker each.
const (
	targetRepository = "repository"
	targetCache      = "cache"
	targetFeed       = "feed"
)

const (
	tripAfter   = 5
	openTimeout = 10 * time.Second
)

// breakers keep an unreachable dependency from adding its timeout to every
// command on the writer goroutine. Only the writer uses them.
type breakers struct {
	m   map[string]*gobreaker.CircuitBreaker[struct{}]
	log *zap.Logger
}

func newBreakers(log *zap.Logger) *breakers {
	return &breakers{m: make(map[string]*gobreaker.CircuitBreaker[struct{}]), log: log}
}

func (b *breakers) get(name string) *gobreaker.CircuitBreaker[struct{}] {
	if cb, ok := b.m[name]; ok {
		return cb
	}
	cb := gobreaker.NewCircuitBreaker[struct{}](gobreaker.Settings{
		Name:        name,
		MaxRequests: 1,
		Interval:    time.Minute,
		Timeout:     openTimeout,
		ReadyToTrip: func(c gobreaker.Counts) bool { return c.ConsecutiveFailures >= tripAfter },
		OnStateChange: func(name string, from, to gobreaker.State) {
			b.log.Warn("circuit breaker state changed",
				zap.String("target", name),
				zap.String("from", from.String()),
				zap.String("to", to.String()),
			)
		},
	})
	b.m[name] = cb
	return cb
}

// run calls fn through the breaker named name. An open breaker fails fast
// with gobreaker.ErrOpenState.
func (b *breakers) run(name string, fn func() error) error {
	_, err := b.get(name).Execute(func() (struct{}, error) { return struct{}{}, fn() })
	return err
}

func isOpen(err error) bool {
	return errors.Is(err, gobreaker.ErrOpenState) || errors.Is(err, gobreaker.ErrTooManyRequests)
}
