package controller

import (
	"context"
	"errors"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/jonboulle/clockwork"
	"github.com/rs/zerolog/log"

	"github.com/examforge/quizsync/internal/quiz/channel"
	"github.com/examforge/quizsync/internal/quiz/integrity"
	"github.com/examforge/quizsync/internal/quiz/rest"
	"github.com/examforge/quizsync/internal/quiz/session"
	"github.com/examforge/quizsync/internal/quiz/timer"
)

// ContentProvider is the REST collaborator that serves initial quiz
// content. rest.Client implements it.
type ContentProvider interface {
	SessionInfo(ctx context.Context, token string) (*rest.SessionInfo, error)
	QuizByID(ctx context.Context, id int) (*rest.Quiz, error)
}

// Config carries the explicit session context: one token, one credential,
// no ambient globals, so independent sessions can coexist.
type Config struct {
	SessionToken string
	Credential   string
	ChannelURL   string
	APIBaseURL   string

	// ChannelConfig overrides the default transport knobs when set.
	ChannelConfig *channel.Config

	// ResyncInterval is passed through to the synchronizer's consolidated
	// resync cadence. Zero means its default; negative disables.
	ResyncInterval time.Duration

	// ViolationThreshold is the controller-side forced-submission
	// threshold. Default 3. This counter is fed by ReportSecurityViolation
	// and is deliberately distinct from the integrity monitor's blur count.
	ViolationThreshold int

	Clock clockwork.Clock

	// OnCountdown fires every countdown tick with the rendered value.
	OnCountdown func(remaining int, band timer.Band, formatted string)
	// OnForcedFinish fires when time expiry or violation escalation forces
	// submission. reason is "time_expired" or "security_violations".
	OnForcedFinish func(reason string)
	// OnConnectionStatus mirrors channel status for the rendering layer.
	OnConnectionStatus func(state channel.State, err error)
}

// Controller wires the channel, synchronizer, countdown and integrity
// monitor into the lifecycle the rendering collaborator consumes. It owns
// escalation: only time expiry and its own violation counter may force the
// terminal finish.
type Controller struct {
	attemptID string
	cfg       Config
	clock     clockwork.Clock

	ch        *channel.Manager
	sync      *session.Synchronizer
	countdown *timer.Engine
	monitor   *integrity.Monitor
	content   ContentProvider

	mu                 sync.Mutex
	securityViolations int
	lastIndex          int
	questionShownAt    time.Time
	lastRemainingRev   uint64
	finished           bool
	started            bool

	cancel    context.CancelFunc
	wg        sync.WaitGroup
	closeOnce sync.Once
}

// New builds a controller and its components. Nothing runs until Start.
func New(cfg Config) (*Controller, error) {
	if cfg.SessionToken == "" {
		return nil, errors.New("session token is required")
	}
	if cfg.ChannelURL == "" {
		return nil, errors.New("channel url is required")
	}
	if cfg.ViolationThreshold <= 0 {
		cfg.ViolationThreshold = 3
	}
	clock := cfg.Clock
	if clock == nil {
		clock = clockwork.NewRealClock()
	}

	c := &Controller{
		attemptID: uuid.New().String(),
		cfg:       cfg,
		clock:     clock,
		lastIndex: -1,
	}

	chCfg := channel.DefaultConfig(cfg.ChannelURL, cfg.Credential)
	if cfg.ChannelConfig != nil {
		chCfg = *cfg.ChannelConfig
	}
	c.ch = channel.NewManager(chCfg, clock)

	syn, err := session.New(c.ch, clock, session.Config{
		SessionToken:   cfg.SessionToken,
		ResyncInterval: cfg.ResyncInterval,
		OnQuizState:    c.handleQuizState,
	})
	if err != nil {
		return nil, err
	}
	c.sync = syn

	c.countdown = timer.New(clock, timer.Config{
		OnTick: func(remaining int, band timer.Band) {
			if cfg.OnCountdown != nil {
				cfg.OnCountdown(remaining, band, timer.Format(remaining))
			}
		},
		OnExpire: func() {
			c.forceFinish("time_expired")
		},
	})

	// The monitor's threshold report stays log-only; forced submission is
	// driven solely by the controller's own counter.
	c.monitor = integrity.New(integrity.Config{})

	if cfg.APIBaseURL != "" {
		c.content = rest.NewClient(cfg.APIBaseURL, cfg.Credential)
	}

	return c, nil
}

// SetContentProvider replaces the REST collaborator (tests, custom stacks).
func (c *Controller) SetContentProvider(p ContentProvider) {
	c.content = p
}

// Start connects the channel, joins the session once connected, and starts
// the countdown, resync cadence and integrity monitoring. It returns
// immediately; progress is observable through the configured callbacks.
func (c *Controller) Start(ctx context.Context) error {
	c.mu.Lock()
	if c.started {
		c.mu.Unlock()
		return errors.New("controller already started")
	}
	c.started = true
	c.questionShownAt = c.clock.Now()
	c.mu.Unlock()

	runCtx, cancel := context.WithCancel(ctx)
	c.cancel = cancel

	c.sync.Bind(c.ch)
	c.ch.OnStatusChange(func(state channel.State, err error) {
		if c.cfg.OnConnectionStatus != nil {
			c.cfg.OnConnectionStatus(state, err)
		}
		if state != channel.StateConnected {
			return
		}
		// Initial connect and every reconnect: the synchronizer never
		// self-initiates rejoin, so the controller re-emits join_quiz.
		if c.sync.State() != session.StateLeft {
			if err := c.sync.Join(); err != nil {
				log.Warn().Err(err).Str("attempt_id", c.attemptID).Msg("join failed")
			}
		}
	})

	if err := c.ch.Connect(runCtx); err != nil {
		cancel()
		return err
	}

	c.countdown.Start(runCtx)

	c.wg.Add(1)
	go func() {
		defer c.wg.Done()
		c.sync.Run(runCtx)
	}()

	c.monitor.Enable()

	log.Info().Str("attempt_id", c.attemptID).Msg("quiz session started")
	return nil
}

// Close releases every resource on any exit path: countdown stopped, resync
// stopped, monitor detached, channel closed. Idempotent, synchronous, and
// safe before the session ever joins.
func (c *Controller) Close() error {
	c.closeOnce.Do(func() {
		c.monitor.Disable()
		c.countdown.Stop()
		if c.cancel != nil {
			c.cancel()
		}
		c.wg.Wait()
		c.ch.Close()
		log.Info().Str("attempt_id", c.attemptID).Msg("quiz session closed")
	})
	return nil
}

// LoadContent fetches the attempt record and its quiz from the REST
// collaborator. Failures are blocking inline errors; no retry.
func (c *Controller) LoadContent(ctx context.Context) (*rest.SessionInfo, *rest.Quiz, error) {
	if c.content == nil {
		return nil, nil, errors.New("no content provider configured")
	}
	info, err := c.content.SessionInfo(ctx, c.cfg.SessionToken)
	if err != nil {
		return nil, nil, err
	}
	quiz, err := c.content.QuizByID(ctx, info.QuizID)
	if err != nil {
		return nil, nil, err
	}
	return info, quiz, nil
}

// SelectAnswer records an answer locally and mirrors it to the server, with
// time-taken measured from the per-question baseline.
func (c *Controller) SelectAnswer(questionID string, selected session.Option) error {
	c.mu.Lock()
	elapsed := int(c.clock.Now().Sub(c.questionShownAt).Seconds())
	c.mu.Unlock()
	if elapsed < 0 {
		elapsed = 0
	}
	return c.sync.SubmitAnswer(questionID, selected, elapsed)
}

// Navigate optimistically moves to a question and mirrors the move. The
// per-question baseline resets when the visible index changes.
func (c *Controller) Navigate(index int) error {
	return c.sync.NavigateTo(index)
}

// FinishQuiz submits the attempt normally.
func (c *Controller) FinishQuiz() error {
	c.mu.Lock()
	c.finished = true
	c.mu.Unlock()
	return c.sync.FinishQuiz()
}

// ObserveGesture feeds one input gesture through the integrity monitor.
// The caller must suppress the gesture's default action when told to.
func (c *Controller) ObserveGesture(g integrity.Gesture) integrity.Decision {
	return c.monitor.Observe(g)
}

// SuspendIntegrity toggles the monitor's effects off without destroying its
// count; ResumeIntegrity reattaches it.
func (c *Controller) SuspendIntegrity() { c.monitor.Disable() }

// ResumeIntegrity re-enables the monitor, resuming from the accumulated
// count.
func (c *Controller) ResumeIntegrity() { c.monitor.Enable() }

// ReportSecurityViolation increments the controller's own violation
// counter. This trigger surface is distinct from the monitor's blur count;
// reaching the threshold forces submission.
func (c *Controller) ReportSecurityViolation(reason string) {
	c.mu.Lock()
	c.securityViolations++
	count := c.securityViolations
	threshold := c.cfg.ViolationThreshold
	c.mu.Unlock()

	log.Warn().
		Str("attempt_id", c.attemptID).
		Str("reason", reason).
		Int("count", count).
		Int("threshold", threshold).
		Msg("security violation reported")

	if count >= threshold {
		c.forceFinish("security_violations")
	}
}

// SecurityViolations returns the controller-side counter.
func (c *Controller) SecurityViolations() int {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.securityViolations
}

// MonitorViolations returns the integrity monitor's blur count.
func (c *Controller) MonitorViolations() int {
	return c.monitor.Violations()
}

// State returns the synchronizer's lifecycle state.
func (c *Controller) State() session.State {
	return c.sync.State()
}

// QuizState returns a copy of the synchronized quiz state.
func (c *Controller) QuizState() session.QuizState {
	return c.sync.QuizState()
}

// Answers returns a copy of the recorded answers.
func (c *Controller) Answers() map[string]session.Option {
	return c.sync.Answers()
}

// Remaining returns the locally ticking countdown value.
func (c *Controller) Remaining() int {
	return c.countdown.Remaining()
}

// forceFinish performs the terminal transition exactly once. It must not
// block on the countdown goroutine: expiry arrives from inside a tick, so
// the countdown keeps idling at zero until Close.
func (c *Controller) forceFinish(reason string) {
	c.mu.Lock()
	if c.finished {
		c.mu.Unlock()
		return
	}
	c.finished = true
	c.mu.Unlock()

	log.Warn().
		Str("attempt_id", c.attemptID).
		Str("reason", reason).
		Msg("forcing quiz submission")

	if err := c.sync.FinishQuiz(); err != nil {
		log.Error().Err(err).Str("attempt_id", c.attemptID).Msg("forced finish failed")
	}
	c.monitor.Disable()

	if c.cfg.OnForcedFinish != nil {
		c.cfg.OnForcedFinish(reason)
	}
}

// handleQuizState reacts to every synchronized state change: reseeds the
// countdown only on a fresh authoritative overwrite (local ticking must not
// be rolled back by navigation updates carrying a stale copy), and resets
// the per-question baseline whenever the visible index changes.
func (c *Controller) handleQuizState(q session.QuizState) {
	c.mu.Lock()
	reseed := q.RemainingSet && q.RemainingRev != c.lastRemainingRev
	if reseed {
		c.lastRemainingRev = q.RemainingRev
	}
	indexChanged := q.CurrentQuestionIndex != c.lastIndex
	if indexChanged {
		c.lastIndex = q.CurrentQuestionIndex
		c.questionShownAt = c.clock.Now()
	}
	c.mu.Unlock()

	if reseed {
		c.countdown.Seed(q.RemainingSeconds)
	}
}
