// Package breaker provides the process-wide circuit breaker guarding all
// outbound traffic. It wraps github.com/sony/gobreaker.
package breaker

import (
	"errors"

	"github.com/resilient-proxy-client/internal/config"
	"github.com/resilient-proxy-client/internal/metrics"
	log "github.com/sirupsen/logrus"
	"github.com/sony/gobreaker"
)

// ErrOpen is returned by Allow while the breaker is open and the cooldown
// has not elapsed, or while the single half-open probe slot is taken.
var ErrOpen = errors.New("circuit breaker open")

// Breaker halts all outbound traffic once consecutive failures across all
// proxies reach the configured threshold. After the cooldown a single probe
// request is let through; its outcome decides between closing again and
// another full cooldown.
type Breaker struct {
	cb      *gobreaker.TwoStepCircuitBreaker
	metrics *metrics.Collector
}

func New(cfg config.BreakerConfig, collector *metrics.Collector) *Breaker {
	b := &Breaker{metrics: collector}

	b.cb = gobreaker.NewTwoStepCircuitBreaker(gobreaker.Settings{
		Name:        "outbound",
		MaxRequests: 1, // one half-open probe at a time
		Timeout:     cfg.Cooldown,
		ReadyToTrip: func(counts gobreaker.Counts) bool {
			return counts.ConsecutiveFailures >= uint32(cfg.FailureThreshold)
		},
		OnStateChange: func(name string, from, to gobreaker.State) {
			log.Warnf("Circuit breaker %s: %s -> %s", name, from, to)
			collector.RecordBreakerTransition(from.String(), to.String())
			collector.SetBreakerState(stateValue(to))
		},
	})

	return b
}

// Allow asks whether one request attempt may proceed. On success it returns
// a done callback that must be invoked with the attempt's outcome; breaker
// state transitions hang off that feedback. The probe slot in half-open is
// granted to exactly one caller.
func (b *Breaker) Allow() (func(success bool), error) {
	done, err := b.cb.Allow()
	if err != nil {
		// Both "open" and "probe already in flight" short-circuit the caller.
		if errors.Is(err, gobreaker.ErrOpenState) || errors.Is(err, gobreaker.ErrTooManyRequests) {
			return nil, ErrOpen
		}
		return nil, err
	}
	return done, nil
}

// State returns the current state name ("closed", "half-open", "open").
func (b *Breaker) State() string {
	return b.cb.State().String()
}

// ConsecutiveFailures returns the current global consecutive failure count.
func (b *Breaker) ConsecutiveFailures() uint32 {
	return b.cb.Counts().ConsecutiveFailures
}

func stateValue(s gobreaker.State) float64 {
	switch s {
	case gobreaker.StateClosed:
		return 0
	case gobreaker.StateHalfOpen:
		return 1
	default:
		return 2
	}
}
