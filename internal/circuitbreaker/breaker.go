package circuitbreaker

import (
	"errors"
	"sync"
	"time"
)

// ErrOpenState is returned when the breaker rejects a request outright.
var ErrOpenState = errors.New("circuit breaker is open")

// State of a breaker.
type State int

const (
	StateClosed State = iota
	StateHalfOpen
	StateOpen
)

func (s State) String() string {
	switch s {
	case StateClosed:
		return "closed"
	case StateHalfOpen:
		return "half-open"
	case StateOpen:
		return "open"
	}
	return "unknown"
}

// Config tunes breaker behaviour.
type Config struct {
	// Threshold is the minimum number of requests in an interval before the
	// failure ratio is considered.
	Threshold uint32
	// FailureRatio trips the breaker once reached.
	FailureRatio float64
	// Timeout is how long the breaker stays open before probing again.
	Timeout time.Duration
	// Interval resets the rolling counts while closed.
	Interval time.Duration
}

// DefaultConfig matches what worked for outbound probe traffic: trip after
// 5+ requests with 60% failures, back off for 30s.
func DefaultConfig() *Config {
	return &Config{Threshold: 5, FailureRatio: 0.6, Timeout: 30 * time.Second, Interval: 60 * time.Second}
}

// Breaker is a single circuit breaker.
type Breaker struct {
	mu          sync.Mutex
	cfg         *Config
	state       State
	requests    uint32
	failures    uint32
	nextAttempt time.Time
	lastReset   time.Time
}

func New(cfg *Config) *Breaker {
	if cfg == nil {
		cfg = DefaultConfig()
	}
	return &Breaker{cfg: cfg, state: StateClosed, lastReset: time.Now()}
}

// Execute runs fn if the breaker allows it and records the outcome.
func (b *Breaker) Execute(fn func() error) error {
	if !b.allow() {
		return ErrOpenState
	}
	err := fn()
	b.record(err == nil)
	return err
}

func (b *Breaker) allow() bool {
	b.mu.Lock()
	defer b.mu.Unlock()

	now := time.Now()
	if b.state == StateClosed && now.Sub(b.lastReset) > b.cfg.Interval {
		b.requests, b.failures = 0, 0
		b.lastReset = now
	}

	switch b.state {
	case StateClosed, StateHalfOpen:
		return true
	case StateOpen:
		if now.After(b.nextAttempt) {
			b.state = StateHalfOpen
			return true
		}
		return false
	}
	return false
}

func (b *Breaker) record(success bool) {
	b.mu.Lock()
	defer b.mu.Unlock()

	b.requests++
	if !success {
		b.failures++
	}
	now := time.Now()

	switch b.state {
	case StateClosed:
		if b.requests >= b.cfg.Threshold {
			ratio := float64(b.failures) / float64(b.requests)
			if ratio >= b.cfg.FailureRatio {
				b.state = StateOpen
				b.nextAttempt = now.Add(b.cfg.Timeout)
			}
		}
	case StateHalfOpen:
		if success {
			b.state = StateClosed
			b.requests, b.failures = 0, 0
			b.lastReset = now
		} else {
			b.state = StateOpen
			b.nextAttempt = now.Add(b.cfg.Timeout)
		}
	}
}

// State returns the current state.
func (b *Breaker) State() State {
	b.mu.Lock()
	defer b.mu.Unlock()
	return b.state
}

// HostBreaker keeps one breaker per remote host so a single broken manifest
// endpoint cannot starve fetches to everyone else.
type HostBreaker struct {
	mu       sync.Mutex
	cfg      *Config
	breakers map[string]*Breaker
}

func NewHostBreaker(cfg *Config) *HostBreaker {
	if cfg == nil {
		cfg = DefaultConfig()
	}
	return &HostBreaker{cfg: cfg, breakers: make(map[string]*Breaker)}
}

func (hb *HostBreaker) get(host string) *Breaker {
	hb.mu.Lock()
	defer hb.mu.Unlock()
	b, ok := hb.breakers[host]
	if !ok {
		b = New(hb.cfg)
		hb.breakers[host] = b
	}
	return b
}

// Execute runs fn under the breaker for host.
func (hb *HostBreaker) Execute(host string, fn func() error) error {
	return hb.get(host).Execute(fn)
}

// Reset drops the breaker for a host, used after an operator re-triggers a
// fetch against a previously dead endpoint.
func (hb *HostBreaker) Reset(host string) {
	hb.mu.Lock()
	defer hb.mu.Unlock()
	delete(hb.breakers, host)
}

// States returns the current state per host, for health reporting.
func (hb *HostBreaker) States() map[string]State {
	hb.mu.Lock()
	defer hb.mu.Unlock()
	out := make(map[string]State, len(hb.breakers))
	for host, b := range hb.breakers {
		out[host] = b.State()
	}
	return out
}
