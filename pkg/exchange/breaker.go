package exchange

import (
	"context"
	"sync"
	"time"

	"go.uber.org/zap"

	"github.com/uhyunpark/tradeledger/pkg/util"
)

// BreakerState represents the circuit breaker state
type BreakerState int

const (
	BreakerClosed   BreakerState = iota // Normal operation
	BreakerOpen                         // Venue failing, submissions short-circuited
	BreakerHalfOpen                     // One trial submission at a time
)

func (s BreakerState) String() string {
	switch s {
	case BreakerClosed:
		return "CLOSED"
	case BreakerOpen:
		return "OPEN"
	case BreakerHalfOpen:
		return "HALF_OPEN"
	default:
		return "UNKNOWN"
	}
}

type BreakerConfig struct {
	Name             string
	FailureThreshold int
	SuccessThreshold int
	Cooldown         time.Duration
}

func DefaultBreakerConfig(name string) BreakerConfig {
	return BreakerConfig{
		Name:             name,
		FailureThreshold: 5,
		SuccessThreshold: 2,
		Cooldown:         30 * time.Second,
	}
}

// Breaker short-circuits submissions after consecutive transport failures.
// Venue rejections are business outcomes and do not trip it.
type Breaker struct {
	next  Gateway
	cfg   BreakerConfig
	clock util.Clock

	Logger *zap.SugaredLogger

	mu           sync.Mutex
	state        BreakerState
	failureCount int
	successCount int
	lastFailure  time.Time

	// a half-open trial submission is awaiting its result
	trialInFlight bool
}

func NewBreaker(next Gateway, cfg BreakerConfig, clock util.Clock) *Breaker {
	if clock == nil {
		clock = util.RealClock{}
	}
	if cfg.FailureThreshold <= 0 {
		cfg.FailureThreshold = 1
	}
	if cfg.SuccessThreshold <= 0 {
		cfg.SuccessThreshold = 1
	}
	return &Breaker{next: next, cfg: cfg, clock: clock}
}

func (b *Breaker) Submit(ctx context.Context, req OrderRequest) OrderResult {
	trial, ok := b.allow()
	if !ok {
		return Failed(CodeCircuitOpen, "venue %s circuit open", b.cfg.Name)
	}
	res := b.next.Submit(ctx, req)
	b.record(trial, tripsBreaker(res))
	return res
}

func tripsBreaker(res OrderResult) bool {
	if res.IsFilled() {
		return false
	}
	switch res.Code {
	case CodeTimeout, CodeNetwork, CodeInvalidResponse:
		return true
	}
	return false
}

// allow admits a submission. While half-open only one trial submission is
// in flight; the rest are short-circuited until it reports.
func (b *Breaker) allow() (trial, ok bool) {
	b.mu.Lock()
	defer b.mu.Unlock()

	switch b.state {
	case BreakerClosed:
		return false, true
	case BreakerHalfOpen:
		if b.trialInFlight {
			return false, false
		}
		b.trialInFlight = true
		return true, true
	case BreakerOpen:
		if b.clock.Now().Sub(b.lastFailure) >= b.cfg.Cooldown {
			b.state = BreakerHalfOpen
			b.successCount = 0
			b.trialInFlight = true
			util.OrNop(b.Logger).Infow("breaker_half_open", "venue", b.cfg.Name)
			return true, true
		}
	}
	return false, false
}

func (b *Breaker) record(trial, failed bool) {
	b.mu.Lock()
	defer b.mu.Unlock()

	if trial {
		b.trialInFlight = false
	} else if b.state == BreakerHalfOpen {
		// admitted while closed; says nothing about recovery
		return
	}
	if failed {
		b.onFailure()
	} else {
		b.onSuccess()
	}
}

// caller holds b.mu
func (b *Breaker) onSuccess() {
	switch b.state {
	case BreakerClosed:
		b.failureCount = 0
	case BreakerHalfOpen:
		b.successCount++
		if b.successCount >= b.cfg.SuccessThreshold {
			b.state = BreakerClosed
			b.failureCount = 0
			b.successCount = 0
			util.OrNop(b.Logger).Infow("breaker_closed", "venue", b.cfg.Name)
		}
	}
}

// caller holds b.mu
func (b *Breaker) onFailure() {
	b.lastFailure = b.clock.Now()

	switch b.state {
	case BreakerClosed:
		b.failureCount++
		if b.failureCount >= b.cfg.FailureThreshold {
			b.state = BreakerOpen
			util.OrNop(b.Logger).Warnw("breaker_open", "venue", b.cfg.Name, "failures", b.failureCount)
		}
	case BreakerHalfOpen:
		b.state = BreakerOpen
		b.successCount = 0
		util.OrNop(b.Logger).Warnw("breaker_open", "venue", b.cfg.Name, "reason", "half_open_trial_failed")
	}
}

func (b *Breaker) State() BreakerState {
	b.mu.Lock()
	defer b.mu.Unlock()
	return b.state
}

// Reset forces the breaker closed
func (b *Breaker) Reset() {
	b.mu.Lock()
	defer b.mu.Unlock()
	b.state = BreakerClosed
	b.failureCount = 0
	b.successCount = 0
	b.trialInFlight = false
}
