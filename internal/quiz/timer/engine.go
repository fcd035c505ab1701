package timer

import (
	"context"
	"fmt"
	"sync"
	"time"

	"github.com/jonboulle/clockwork"
	"github.com/rs/zerolog/log"
)

// Band is the severity classification of the remaining time.
type Band string

const (
	BandNormal   Band = "normal"   // > 60s
	BandWarning  Band = "warning"  // 31..60s
	BandCritical Band = "critical" // 0..30s
)

// Classify maps a remaining-time value to its band.
func Classify(seconds int) Band {
	switch {
	case seconds > 60:
		return BandNormal
	case seconds > 30:
		return BandWarning
	default:
		return BandCritical
	}
}

// Format renders a remaining-time value as H:MM:SS above one hour, M:SS
// below, with zero-padded minute and second fields.
func Format(seconds int) string {
	if seconds < 0 {
		seconds = 0
	}
	if seconds >= 3600 {
		return fmt.Sprintf("%d:%02d:%02d", seconds/3600, (seconds%3600)/60, seconds%60)
	}
	return fmt.Sprintf("%d:%02d", seconds/60, seconds%60)
}

// Config holds configuration for the countdown engine.
type Config struct {
	TickInterval time.Duration // default 1s

	// OnTick fires after every decrement with the post-decrement value.
	OnTick func(remaining int, band Band)
	// OnExpire fires exactly once per engine lifetime, when the countdown
	// first sits at zero.
	OnExpire func()
}

// Engine is a locally ticking countdown seeded from authoritative server
// values. The server value always wins: Seed overwrites whatever local
// drift has accumulated, never interpolates.
type Engine struct {
	clock clockwork.Clock
	cfg   Config

	mu        sync.Mutex
	remaining int
	seeded    bool
	expired   bool

	cancel  context.CancelFunc
	done    chan struct{}
	started bool
	stopped sync.Once
}

// New creates a countdown engine. It does not tick until Start, and does
// not count until the first Seed.
func New(clock clockwork.Clock, cfg Config) *Engine {
	if clock == nil {
		clock = clockwork.NewRealClock()
	}
	if cfg.TickInterval <= 0 {
		cfg.TickInterval = time.Second
	}
	return &Engine{
		clock: clock,
		cfg:   cfg,
		done:  make(chan struct{}),
	}
}

// Seed overwrites the countdown with an authoritative value. Negative
// values clamp to zero. Seeding never re-arms a fired expiry.
func (e *Engine) Seed(seconds int) {
	if seconds < 0 {
		seconds = 0
	}
	e.mu.Lock()
	e.remaining = seconds
	e.seeded = true
	e.mu.Unlock()

	log.Debug().Int("remaining", seconds).Msg("countdown seeded")
}

// Remaining returns the current countdown value, or 0 if never seeded.
func (e *Engine) Remaining() int {
	e.mu.Lock()
	defer e.mu.Unlock()
	return e.remaining
}

// Band returns the band of the current countdown value.
func (e *Engine) Band() Band {
	return Classify(e.Remaining())
}

// Start begins ticking until the context is cancelled or Stop is called.
func (e *Engine) Start(ctx context.Context) {
	e.mu.Lock()
	if e.started {
		e.mu.Unlock()
		return
	}
	e.started = true
	runCtx, cancel := context.WithCancel(ctx)
	e.cancel = cancel
	e.mu.Unlock()

	go e.run(runCtx)
}

// Stop halts ticking. Idempotent and synchronous.
func (e *Engine) Stop() {
	e.stopped.Do(func() {
		e.mu.Lock()
		started := e.started
		e.started = true // Start after Stop stays a no-op
		cancel := e.cancel
		e.mu.Unlock()

		if !started {
			close(e.done)
			return
		}
		cancel()
		<-e.done
	})
}

func (e *Engine) run(ctx context.Context) {
	defer close(e.done)

	ticker := e.clock.NewTicker(e.cfg.TickInterval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.Chan():
			e.tick()
		}
	}
}

// tick applies one decrement, floored at zero, and fires callbacks with the
// post-decrement value. Unseeded engines do not count.
func (e *Engine) tick() {
	e.mu.Lock()
	if !e.seeded {
		e.mu.Unlock()
		return
	}
	if e.remaining > 0 {
		e.remaining--
	}
	remaining := e.remaining
	expire := remaining == 0 && !e.expired
	if expire {
		e.expired = true
	}
	e.mu.Unlock()

	band := Classify(remaining)
	if e.cfg.OnTick != nil {
		e.cfg.OnTick(remaining, band)
	}
	if expire {
		log.Info().Msg("countdown expired")
		if e.cfg.OnExpire != nil {
			e.cfg.OnExpire()
		}
	}
}
