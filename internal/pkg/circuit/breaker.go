package circuit

import (
	"sync"
	"time"

	"tradeloop/internal/logger"
)

type State int

const (
	StateClosed State = iota
	StateOpen
)

func (s State) String() string {
	switch s {
	case StateClosed:
		return "CLOSED"
	case StateOpen:
		return "OPEN"
	default:
		return "UNKNOWN"
	}
}

// Breaker counts consecutive failures and opens once the threshold is
// reached. An open breaker stays open until Reset; there is no half-open
// probing because an open breaker means the engine must be restarted by an
// operator.
type Breaker struct {
	mu          sync.Mutex
	name        string
	state       State
	failures    int
	threshold   int
	lastFailure time.Time
}

func NewBreaker(name string, threshold int) *Breaker {
	if threshold <= 0 {
		threshold = 1
	}
	return &Breaker{
		name:      name,
		threshold: threshold,
		state:     StateClosed,
	}
}

func (b *Breaker) Allow() bool {
	b.mu.Lock()
	defer b.mu.Unlock()
	return b.state == StateClosed
}

func (b *Breaker) RecordSuccess() {
	b.mu.Lock()
	defer b.mu.Unlock()
	if b.state == StateClosed {
		b.failures = 0
	}
}

// RecordFailure returns true when this failure opened the breaker.
func (b *Breaker) RecordFailure() bool {
	b.mu.Lock()
	defer b.mu.Unlock()

	b.failures++
	b.lastFailure = time.Now()
	if b.state == StateClosed && b.failures >= b.threshold {
		b.transition(StateOpen)
		return true
	}
	return false
}

func (b *Breaker) Failures() int {
	b.mu.Lock()
	defer b.mu.Unlock()
	return b.failures
}

func (b *Breaker) State() State {
	b.mu.Lock()
	defer b.mu.Unlock()
	return b.state
}

func (b *Breaker) Threshold() int {
	return b.threshold
}

func (b *Breaker) Reset() {
	b.mu.Lock()
	defer b.mu.Unlock()
	if b.state != StateClosed {
		b.transition(StateClosed)
	}
	b.failures = 0
	b.lastFailure = time.Time{}
}

func (b *Breaker) transition(to State) {
	from := b.state
	b.state = to
	logger.Warnf("Breaker %s state change: %s -> %s (failures=%d/%d)",
		b.name, from, to, b.failures, b.threshold)
}
