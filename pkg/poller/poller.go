package poller

import (
	"context"
	"sync"
	"time"

	"github.com/convertly/convertly/pkg/status"
)

// Default polling parameters, applied by Config.withDefaults.
const (
	DefaultInitialInterval   = 3 * time.Second
	DefaultMaxInterval       = 30 * time.Second
	DefaultBackoffMultiplier = 1.5
	DefaultMaxAttempts       = 20
)

// FetchFunc fetches the remote status of one operation. A non-nil error
// is treated identically to an unsuccessful response envelope.
type FetchFunc func(ctx context.Context, operationID string) (status.Status, error)

// Config holds the options for a Poller. All fields are optional;
// zero values fall back to the package defaults.
type Config struct {
	// InitialInterval is the wait before the first attempt and the
	// lower clamp for the backoff interval.
	InitialInterval time.Duration

	// MaxInterval is the upper clamp for the backoff interval.
	MaxInterval time.Duration

	// BackoffMultiplier grows the interval after each successful,
	// non-terminal poll. Error backoff uses twice this multiplier.
	BackoffMultiplier float64

	// MaxAttempts caps the number of poll cycles before giving up.
	MaxAttempts int

	// OnStatus is invoked with every successfully fetched status.
	OnStatus func(s status.Status)

	// OnError is invoked with every fetch failure. Failures never
	// propagate out of Start or Stop.
	OnError func(err error)

	// OnGiveUp, if set, is invoked once when the attempt cap is
	// reached without a terminal status, carrying StatusTimeout.
	// Callers that leave it nil must watch IsActive instead.
	OnGiveUp func(s status.Status)
}

func (c Config) withDefaults() Config {
	if c.InitialInterval <= 0 {
		c.InitialInterval = DefaultInitialInterval
	}
	if c.MaxInterval <= 0 {
		c.MaxInterval = DefaultMaxInterval
	}
	if c.MaxInterval < c.InitialInterval {
		c.MaxInterval = c.InitialInterval
	}
	if c.BackoffMultiplier <= 1 {
		c.BackoffMultiplier = DefaultBackoffMultiplier
	}
	if c.MaxAttempts <= 0 {
		c.MaxAttempts = DefaultMaxAttempts
	}
	return c
}

// pollState is the explicit scheduling state of a Poller.
type pollState int

const (
	stateIdle pollState = iota
	stateScheduled
	stateRunning
)

// Poller watches one PollTarget until a terminal status is observed,
// the attempt cap is reached, or Stop is called.
type Poller struct {
	target status.PollTarget
	fetch  FetchFunc
	cfg    Config

	mu       sync.Mutex
	state    pollState
	gen      uint64
	timer    *time.Timer
	interval time.Duration
	attempts int
	cancel   context.CancelFunc
	ctx      context.Context
}

// New creates a Poller for the given target. The fetch function is the
// only I/O boundary; everything else is synchronous bookkeeping.
func New(target status.PollTarget, fetch FetchFunc, cfg Config) *Poller {
	return &Poller{
		target: target,
		fetch:  fetch,
		cfg:    cfg.withDefaults(),
	}
}

// Target returns the watched target.
func (p *Poller) Target() status.PollTarget {
	return p.target
}

// Start begins polling. It is idempotent: starting an active poller is
// a no-op. Start never returns an error; fetch failures are reported
// through the error callback only.
func (p *Poller) Start() {
	p.mu.Lock()
	defer p.mu.Unlock()

	if p.state != stateIdle {
		return
	}

	p.gen++
	p.attempts = 0
	p.interval = p.cfg.InitialInterval
	p.ctx, p.cancel = context.WithCancel(context.Background())
	p.state = stateScheduled

	gen := p.gen
	p.timer = time.AfterFunc(p.interval, func() { p.tick(gen) })
}

// Stop cancels polling and any pending scheduled tick. It is idempotent
// and safe to call before Start or from inside a callback. After Stop
// returns, no further callback for this watch will fire.
func (p *Poller) Stop() {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.stopLocked()
}

func (p *Poller) stopLocked() {
	if p.state == stateIdle {
		return
	}
	p.gen++
	if p.timer != nil {
		p.timer.Stop()
		p.timer = nil
	}
	if p.cancel != nil {
		p.cancel()
		p.cancel = nil
	}
	p.state = stateIdle
}

// IsActive reports whether the poller is watching. It becomes false on
// terminal status, attempt-cap exhaustion, or Stop.
func (p *Poller) IsActive() bool {
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.state != stateIdle
}

// CurrentInterval returns the backoff interval that will space the next
// attempt. It is always clamped to [InitialInterval, MaxInterval].
func (p *Poller) CurrentInterval() time.Duration {
	p.mu.Lock()
	defer p.mu.Unlock()
	if p.interval == 0 {
		return p.cfg.InitialInterval
	}
	return p.interval
}

// Attempts returns the number of poll cycles taken since Start.
func (p *Poller) Attempts() int {
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.attempts
}

// tick runs one poll cycle. It never runs concurrently with another
// tick of the same poller: each cycle schedules its successor only
// after it fully completes, and the generation check discards ticks
// that lost a race with Stop.
func (p *Poller) tick(gen uint64) {
	p.mu.Lock()
	if gen != p.gen || p.state != stateScheduled {
		p.mu.Unlock()
		return
	}

	// Cap exhaustion is a quiet, non-error terminal: the watch ends
	// with no status delivered, observable through IsActive.
	if p.attempts >= p.cfg.MaxAttempts {
		onGiveUp := p.cfg.OnGiveUp
		p.stopLocked()
		p.mu.Unlock()
		if onGiveUp != nil {
			onGiveUp(status.StatusTimeout)
		}
		return
	}

	p.attempts++
	p.state = stateRunning
	ctx := p.ctx
	p.mu.Unlock()

	fetched, err := p.fetch(ctx, p.target.ID)

	// Callbacks run before any scheduling decision, preserving strict
	// attempt ordering for observers.
	if err != nil {
		if p.cfg.OnError != nil {
			p.cfg.OnError(err)
		}
	} else {
		if p.cfg.OnStatus != nil {
			p.cfg.OnStatus(fetched)
		}
	}

	p.mu.Lock()
	defer p.mu.Unlock()

	if gen != p.gen {
		// Stopped while fetching or during the callback.
		return
	}

	if err == nil && p.target.IsTerminalFor(fetched) {
		p.stopLocked()
		return
	}

	// Errors back off twice as fast as successful non-terminal polls,
	// and still consume one attempt; the cap check happens at the start
	// of the next tick.
	factor := p.cfg.BackoffMultiplier
	if err != nil {
		factor *= 2
	}
	p.interval = p.clamp(time.Duration(float64(p.interval) * factor))

	p.state = stateScheduled
	p.timer = time.AfterFunc(p.interval, func() { p.tick(gen) })
}

func (p *Poller) clamp(d time.Duration) time.Duration {
	if d < p.cfg.InitialInterval {
		return p.cfg.InitialInterval
	}
	if d > p.cfg.MaxInterval {
		return p.cfg.MaxInterval
	}
	return d
}

// NextInterval computes the backoff interval that follows current,
// clamped to [initial, max]. Error cycles pass multiplier*2.
func NextInterval(current, initial, max time.Duration, multiplier float64) time.Duration {
	next := time.Duration(float64(current) * multiplier)
	if next < initial {
		return initial
	}
	if next > max {
		return max
	}
	return next
}
