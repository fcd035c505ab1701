package session

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/jonboulle/clockwork"
	"github.com/rs/zerolog/log"

	"github.com/examforge/quizsync/internal/quiz/channel"
	"github.com/examforge/quizsync/internal/quiz/events"
)

// ErrNotJoined is returned by operations that require a joined session.
var ErrNotJoined = errors.New("session not joined")

// ErrLeft is returned by operations attempted after the terminal state.
var ErrLeft = errors.New("session already left")

// Emitter is the outbound half of the channel, as the synchronizer sees it.
// channel.Manager implements it; tests substitute a fake.
type Emitter interface {
	Emit(event events.EventType, payload interface{}) error
}

// Config holds configuration for the synchronizer.
type Config struct {
	SessionToken string

	// ResyncInterval is the single consolidated cadence for emitting
	// request_time_sync while joined. Zero means the 30s default; negative
	// disables periodic resync.
	ResyncInterval time.Duration

	// OnQuizState fires after every QuizState mutation with a copy.
	OnQuizState func(QuizState)
	// OnStateChange fires on every lifecycle transition.
	OnStateChange func(State)
	// OnProtocolError fires for server error / connect_error events.
	// Non-fatal; the session keeps its last known state.
	OnProtocolError func(message string)
}

// Synchronizer is the central state holder for one quiz attempt. Inbound
// channel events and local commands are discrete transitions over
// {Idle, Joining, Joined, Left}; the server is authoritative for remaining
// time and question index, and every authoritative overwrite is idempotent.
type Synchronizer struct {
	cfg     Config
	emitter Emitter
	clock   clockwork.Clock

	mu              sync.RWMutex
	state           State
	quiz            QuizState
	answers         map[string]Option
	lastTimeSeq     uint64
	lastQuestionSeq uint64

	done chan struct{}
	once sync.Once
}

// New creates a synchronizer in Idle. Run starts the resync cadence; the
// transition handlers work without it, so tests drive them directly.
func New(emitter Emitter, clock clockwork.Clock, cfg Config) (*Synchronizer, error) {
	if cfg.SessionToken == "" {
		return nil, errors.New("session token is required")
	}
	if clock == nil {
		clock = clockwork.NewRealClock()
	}
	if cfg.ResyncInterval == 0 {
		cfg.ResyncInterval = 30 * time.Second
	}
	return &Synchronizer{
		cfg:     cfg,
		emitter: emitter,
		clock:   clock,
		state:   StateIdle,
		answers: make(map[string]Option),
		done:    make(chan struct{}),
	}, nil
}

// State returns the current lifecycle state.
func (s *Synchronizer) State() State {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.state
}

// QuizState returns a copy of the synchronized quiz state.
func (s *Synchronizer) QuizState() QuizState {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.quiz
}

// Answers returns a copy of the recorded answers.
func (s *Synchronizer) Answers() map[string]Option {
	s.mu.RLock()
	defer s.mu.RUnlock()
	out := make(map[string]Option, len(s.answers))
	for k, v := range s.answers {
		out[k] = v
	}
	return out
}

// Bind registers the synchronizer's inbound handlers on a channel manager.
// The manager dispatches on a single goroutine, so handlers observe events
// in arrival order.
func (s *Synchronizer) Bind(ch *channel.Manager) {
	ch.On(events.EventTypeQuizJoined, func(data json.RawMessage) {
		var p events.QuizJoinedPayload
		if err := json.Unmarshal(data, &p); err != nil {
			log.Warn().Err(err).Msg("malformed quiz_joined payload")
			return
		}
		s.HandleQuizJoined(p)
	})
	ch.On(events.EventTypeTimeSync, func(data json.RawMessage) {
		var p events.TimeSyncPayload
		if err := json.Unmarshal(data, &p); err != nil {
			log.Warn().Err(err).Msg("malformed time_sync payload")
			return
		}
		s.HandleTimeSync(p)
	})
	ch.On(events.EventTypeQuestionChanged, func(data json.RawMessage) {
		var p events.QuestionChangedPayload
		if err := json.Unmarshal(data, &p); err != nil {
			log.Warn().Err(err).Msg("malformed question_changed payload")
			return
		}
		s.HandleQuestionChanged(p)
	})
	ch.On(events.EventTypeAnswerSubmitted, func(data json.RawMessage) {
		var p events.AnswerSubmittedPayload
		if err := json.Unmarshal(data, &p); err != nil {
			log.Warn().Err(err).Msg("malformed answer_submitted payload")
			return
		}
		s.HandleAnswerSubmitted(p)
	})
	ch.On(events.EventTypeQuizCompleted, func(data json.RawMessage) {
		var p events.QuizCompletedPayload
		if err := json.Unmarshal(data, &p); err != nil {
			log.Warn().Err(err).Msg("malformed quiz_completed payload")
			return
		}
		s.HandleQuizCompleted(p)
	})
	for _, ev := range []events.EventType{events.EventTypeError, events.EventTypeConnectError} {
		ch.On(ev, func(data json.RawMessage) {
			var p events.ErrorPayload
			if err := json.Unmarshal(data, &p); err != nil {
				log.Warn().Err(err).Msg("malformed error payload")
				return
			}
			s.HandleProtocolError(p)
		})
	}
	ch.On(events.EventTypeUserJoined, func(data json.RawMessage) {
		log.Debug().RawJSON("payload", data).Msg("user joined quiz room")
	})
	ch.On(events.EventTypeUserLeft, func(data json.RawMessage) {
		log.Debug().RawJSON("payload", data).Msg("user left quiz room")
	})
}

// Run drives the consolidated resync cadence until the context is
// cancelled. It blocks; run it on its own goroutine. Safe to skip entirely
// when periodic resync is disabled.
func (s *Synchronizer) Run(ctx context.Context) {
	defer s.once.Do(func() { close(s.done) })

	if s.cfg.ResyncInterval < 0 {
		<-ctx.Done()
		return
	}

	ticker := s.clock.NewTicker(s.cfg.ResyncInterval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.Chan():
			if s.State() == StateJoined {
				s.RequestTimeSync()
			}
		}
	}
}

// Done is closed when Run has exited.
func (s *Synchronizer) Done() <-chan struct{} {
	return s.done
}

// Join emits join_quiz. From Idle it transitions to Joining; from Joining or
// Joined it re-emits (the reconnect path — quiz_joined will re-initialize
// state wholesale). A left session cannot rejoin.
func (s *Synchronizer) Join() error {
	s.mu.Lock()
	if s.state == StateLeft {
		s.mu.Unlock()
		return ErrLeft
	}
	changed := false
	if s.state == StateIdle {
		changed = s.setStateLocked(StateJoining)
	}
	token := s.cfg.SessionToken
	s.mu.Unlock()

	if changed {
		s.notifyStateChange(StateJoining)
	}
	log.Info().Msg("joining quiz session")
	return s.emitter.Emit(events.EventTypeJoinQuiz, events.JoinQuizPayload{SessionToken: token})
}

// SubmitAnswer records the selection locally (last write per question wins)
// and mirrors it to the server. Fire-and-forget: no retry, no ack wait.
func (s *Synchronizer) SubmitAnswer(questionID string, selected Option, timeTakenSec int) error {
	if _, err := ParseOption(string(selected)); err != nil {
		return err
	}
	if questionID == "" {
		return errors.New("question id is required")
	}

	s.mu.Lock()
	if s.state != StateJoined {
		s.mu.Unlock()
		return ErrNotJoined
	}
	s.answers[questionID] = selected
	s.mu.Unlock()

	return s.emitter.Emit(events.EventTypeSubmitAnswer, events.SubmitAnswerPayload{
		QuestionID:     questionID,
		SelectedAnswer: string(selected),
		TimeTaken:      timeTakenSec,
	})
}

// NavigateTo optimistically moves the local question index and mirrors the
// move to the server.
func (s *Synchronizer) NavigateTo(index int) error {
	s.mu.Lock()
	if s.state != StateJoined {
		s.mu.Unlock()
		return ErrNotJoined
	}
	if index < 0 || index >= s.quiz.TotalQuestions {
		s.mu.Unlock()
		return fmt.Errorf("question index %d out of range [0,%d)", index, s.quiz.TotalQuestions)
	}
	s.quiz.CurrentQuestionIndex = index
	quiz := s.quiz
	s.mu.Unlock()

	s.notifyQuizState(quiz)
	return s.emitter.Emit(events.EventTypeNextQuestion, events.NextQuestionPayload{QuestionIndex: index})
}

// FinishQuiz emits finish_quiz and locally marks the session Left without
// waiting for the server's quiz_completed.
func (s *Synchronizer) FinishQuiz() error {
	s.mu.Lock()
	if s.state == StateLeft {
		s.mu.Unlock()
		return nil
	}
	s.setStateLocked(StateLeft)
	s.mu.Unlock()

	s.notifyStateChange(StateLeft)
	log.Info().Msg("finishing quiz")
	return s.emitter.Emit(events.EventTypeFinishQuiz, nil)
}

// LeaveQuiz abandons the attempt without finishing it.
func (s *Synchronizer) LeaveQuiz() error {
	s.mu.Lock()
	if s.state == StateLeft {
		s.mu.Unlock()
		return nil
	}
	s.setStateLocked(StateLeft)
	s.mu.Unlock()

	s.notifyStateChange(StateLeft)
	return s.emitter.Emit(events.EventTypeLeaveQuiz, nil)
}

// RequestTimeSync asks the server for an authoritative countdown value.
func (s *Synchronizer) RequestTimeSync() error {
	return s.emitter.Emit(events.EventTypeRequestTimeSync, nil)
}

// HandleQuizJoined re-initializes QuizState wholesale. Last message wins; a
// second quiz_joined after a reconnect replaces everything, including the
// sequence-number watermarks.
func (s *Synchronizer) HandleQuizJoined(p events.QuizJoinedPayload) {
	s.mu.Lock()
	if s.state == StateLeft {
		s.mu.Unlock()
		log.Debug().Msg("ignoring quiz_joined after leaving")
		return
	}
	changed := s.setStateLocked(StateJoined)
	s.quiz = QuizState{
		QuizID:               p.QuizID,
		QuizTitle:            p.QuizTitle,
		RemainingSeconds:     clampNonNegative(p.TimeRemaining),
		RemainingSet:         true,
		CurrentQuestionIndex: p.CurrentQuestionIndex,
		TotalQuestions:       p.TotalQuestions,
		Joined:               true,
		RemainingRev:         s.quiz.RemainingRev + 1,
	}
	s.lastTimeSeq = 0
	s.lastQuestionSeq = 0
	quiz := s.quiz
	s.mu.Unlock()

	if changed {
		s.notifyStateChange(StateJoined)
	}
	log.Info().
		Int("quiz_id", p.QuizID).
		Int("time_remaining", p.TimeRemaining).
		Int("total_questions", p.TotalQuestions).
		Msg("quiz joined")
	s.notifyQuizState(quiz)
}

// HandleTimeSync overwrites the countdown unconditionally with the server
// value; local drift is discarded, never interpolated. Stamped updates that
// are not newer than the last applied one are ignored.
func (s *Synchronizer) HandleTimeSync(p events.TimeSyncPayload) {
	s.mu.Lock()
	if s.state != StateJoined {
		s.mu.Unlock()
		log.Debug().Msg("ignoring time_sync outside joined state")
		return
	}
	if p.Seq != 0 && p.Seq <= s.lastTimeSeq {
		s.mu.Unlock()
		log.Debug().Uint64("seq", p.Seq).Msg("ignoring stale time_sync")
		return
	}
	if p.Seq != 0 {
		s.lastTimeSeq = p.Seq
	}
	s.quiz.RemainingSeconds = clampNonNegative(p.TimeRemaining)
	s.quiz.RemainingSet = true
	s.quiz.RemainingRev++
	quiz := s.quiz
	s.mu.Unlock()

	s.notifyQuizState(quiz)
}

// HandleQuestionChanged overwrites the current question index, clamped into
// range. Stamped stale updates are ignored.
func (s *Synchronizer) HandleQuestionChanged(p events.QuestionChangedPayload) {
	s.mu.Lock()
	if s.state != StateJoined {
		s.mu.Unlock()
		log.Debug().Msg("ignoring question_changed outside joined state")
		return
	}
	if p.Seq != 0 && p.Seq <= s.lastQuestionSeq {
		s.mu.Unlock()
		log.Debug().Uint64("seq", p.Seq).Msg("ignoring stale question_changed")
		return
	}
	if p.Seq != 0 {
		s.lastQuestionSeq = p.Seq
	}
	index := p.QuestionIndex
	if index < 0 {
		index = 0
	}
	if s.quiz.TotalQuestions > 0 && index >= s.quiz.TotalQuestions {
		log.Warn().
			Int("question_index", p.QuestionIndex).
			Int("total_questions", s.quiz.TotalQuestions).
			Msg("question index out of range, clamping")
		index = s.quiz.TotalQuestions - 1
	}
	s.quiz.CurrentQuestionIndex = index
	quiz := s.quiz
	s.mu.Unlock()

	s.notifyQuizState(quiz)
}

// HandleAnswerSubmitted is informational only; no state mutation is defined
// for the server's submit acknowledgment.
func (s *Synchronizer) HandleAnswerSubmitted(p events.AnswerSubmittedPayload) {
	log.Debug().
		Str("question_id", p.QuestionID).
		Str("selected_answer", p.SelectedAnswer).
		Msg("answer acknowledged by server")
}

// HandleQuizCompleted moves the session to its terminal state.
func (s *Synchronizer) HandleQuizCompleted(p events.QuizCompletedPayload) {
	s.mu.Lock()
	if s.state == StateLeft {
		s.mu.Unlock()
		return
	}
	s.setStateLocked(StateLeft)
	s.mu.Unlock()

	s.notifyStateChange(StateLeft)
	log.Info().Str("completion_time", p.CompletionTime).Msg("quiz completed by server")
}

// HandleProtocolError surfaces a server error event. Non-fatal: the session
// keeps running on its last known state.
func (s *Synchronizer) HandleProtocolError(p events.ErrorPayload) {
	log.Warn().Str("message", p.Message).Msg("protocol error from server")
	if s.cfg.OnProtocolError != nil {
		s.cfg.OnProtocolError(p.Message)
	}
}

// setStateLocked mutates the state and reports whether it changed. Callers
// fire notifyStateChange after releasing the lock.
func (s *Synchronizer) setStateLocked(state State) bool {
	if s.state == state {
		return false
	}
	s.state = state
	return true
}

func (s *Synchronizer) notifyStateChange(state State) {
	if s.cfg.OnStateChange != nil {
		s.cfg.OnStateChange(state)
	}
}

func (s *Synchronizer) notifyQuizState(quiz QuizState) {
	if s.cfg.OnQuizState != nil {
		s.cfg.OnQuizState(quiz)
	}
}

func clampNonNegative(v int) int {
	if v < 0 {
		return 0
	}
	return v
}
