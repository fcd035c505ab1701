package controller

import (
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"github.com/gorilla/websocket"
	"github.com/jonboulle/clockwork"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/goleak"

	"github.com/examforge/quizsync/internal/quiz/events"
	"github.com/examforge/quizsync/internal/quiz/integrity"
	"github.com/examforge/quizsync/internal/quiz/session"
	"github.com/examforge/quizsync/internal/quiz/timer"
)

var upgrader = websocket.Upgrader{CheckOrigin: func(r *http.Request) bool { return true }}

// fakeQuizServer answers join_quiz with the given initial state and records
// every client event. push sends a server event to the connected client.
type fakeQuizServer struct {
	srv      *httptest.Server
	initial  events.QuizJoinedPayload
	received chan events.Envelope
	push     chan events.Envelope
}

func newFakeQuizServer(initial events.QuizJoinedPayload) *fakeQuizServer {
	f := &fakeQuizServer{
		initial:  initial,
		received: make(chan events.Envelope, 64),
		push:     make(chan events.Envelope, 16),
	}
	f.srv = httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		conn, err := upgrader.Upgrade(w, r, nil)
		if err != nil {
			return
		}
		defer conn.Close()

		inbound := make(chan events.Envelope)
		go func() {
			defer close(inbound)
			for {
				_, message, err := conn.ReadMessage()
				if err != nil {
					return
				}
				var env events.Envelope
				if err := json.Unmarshal(message, &env); err != nil {
					continue
				}
				inbound <- env
			}
		}()

		for {
			select {
			case env, ok := <-inbound:
				if !ok {
					return
				}
				f.received <- env
				if env.Event == events.EventTypeJoinQuiz {
					reply, _ := events.NewEnvelope(events.EventTypeQuizJoined, f.initial)
					data, _ := json.Marshal(reply)
					conn.WriteMessage(websocket.TextMessage, data)
				}
			case env := <-f.push:
				data, _ := json.Marshal(env)
				conn.WriteMessage(websocket.TextMessage, data)
			}
		}
	}))
	return f
}

func (f *fakeQuizServer) url() string {
	return "ws" + strings.TrimPrefix(f.srv.URL, "http")
}

func (f *fakeQuizServer) pushEvent(t *testing.T, event events.EventType, payload interface{}) {
	t.Helper()
	env, err := events.NewEnvelope(event, payload)
	require.NoError(t, err)
	f.push <- *env
}

func (f *fakeQuizServer) waitFor(t *testing.T, event events.EventType) events.Envelope {
	t.Helper()
	for {
		select {
		case env := <-f.received:
			if env.Event == event {
				return env
			}
		case <-time.After(5 * time.Second):
			t.Fatalf("server never received %s", event)
		}
	}
}

func TestViolationEscalationForcesFinish(t *testing.T) {
	defer goleak.VerifyNone(t)

	var forced []string
	ctrl, err := New(Config{
		SessionToken:   "tok-1",
		ChannelURL:     "ws://unused.invalid/ws/quiz",
		Credential:     "", // channel stays idle; escalation is local
		Clock:          clockwork.NewFakeClock(),
		ResyncInterval: -1,
		OnForcedFinish: func(reason string) { forced = append(forced, reason) },
	})
	require.NoError(t, err)

	require.NoError(t, ctrl.Start(context.Background()))
	defer ctrl.Close()

	// The monitor's blur counter is a separate surface: it reports but
	// never escalates.
	ctrl.ObserveGesture(integrity.Gesture{Kind: integrity.GestureWindowBlur})
	ctrl.ObserveGesture(integrity.Gesture{Kind: integrity.GestureWindowBlur})
	ctrl.ObserveGesture(integrity.Gesture{Kind: integrity.GestureWindowBlur})
	assert.Equal(t, 3, ctrl.MonitorViolations())
	assert.Empty(t, forced)
	assert.Equal(t, 0, ctrl.SecurityViolations())

	ctrl.ReportSecurityViolation("tab_switch")
	ctrl.ReportSecurityViolation("devtools")
	assert.Empty(t, forced)

	ctrl.ReportSecurityViolation("tab_switch")
	assert.Equal(t, []string{"security_violations"}, forced)
	assert.Equal(t, 3, ctrl.SecurityViolations())
	assert.Equal(t, session.StateLeft, ctrl.State())

	// Further violations never force twice.
	ctrl.ReportSecurityViolation("tab_switch")
	assert.Equal(t, []string{"security_violations"}, forced)

	require.NoError(t, ctrl.Close())
}

func TestCloseBeforeJoinReleasesEverything(t *testing.T) {
	defer goleak.VerifyNone(t)

	ctrl, err := New(Config{
		SessionToken:   "tok-2",
		ChannelURL:     "ws://unused.invalid/ws/quiz",
		Credential:     "",
		Clock:          clockwork.NewFakeClock(),
		ResyncInterval: -1,
	})
	require.NoError(t, err)

	require.NoError(t, ctrl.Start(context.Background()))
	require.NoError(t, ctrl.Close())
	require.NoError(t, ctrl.Close()) // idempotent
	assert.Equal(t, session.StateIdle, ctrl.State())
}

func TestJoinCountdownAndServerCorrection(t *testing.T) {
	defer goleak.VerifyNone(t)

	server := newFakeQuizServer(events.QuizJoinedPayload{
		QuizID:               1,
		TimeRemaining:        125,
		CurrentQuestionIndex: 0,
		TotalQuestions:       2,
	})
	defer server.srv.Close()

	fc := clockwork.NewFakeClock()
	ticks := make(chan int, 1024)
	bands := make(chan timer.Band, 1024)

	ctrl, err := New(Config{
		SessionToken:   "tok-3",
		ChannelURL:     server.url(),
		Credential:     "good",
		Clock:          fc,
		ResyncInterval: -1,
		OnCountdown: func(remaining int, band timer.Band, _ string) {
			ticks <- remaining
			bands <- band
		},
	})
	require.NoError(t, err)

	require.NoError(t, ctrl.Start(context.Background()))
	defer ctrl.Close()

	server.waitFor(t, events.EventTypeJoinQuiz)
	require.Eventually(t, func() bool { return ctrl.Remaining() == 125 },
		5*time.Second, 5*time.Millisecond, "countdown never seeded from quiz_joined")
	assert.Equal(t, "2:05", timer.Format(ctrl.Remaining()))

	// Countdown ticker plus the connection's ping ticker wait on the clock.
	fc.BlockUntil(2)

	var last int
	var lastBand timer.Band
	for i := 0; i < 65; i++ {
		fc.Advance(time.Second)
		select {
		case last = <-ticks:
			lastBand = <-bands
		case <-time.After(5 * time.Second):
			t.Fatalf("tick %d never arrived", i)
		}
	}
	assert.Equal(t, 60, last)
	assert.Equal(t, timer.BandWarning, lastBand)

	// Authoritative correction discards the local drift immediately.
	server.pushEvent(t, events.EventTypeTimeSync, events.TimeSyncPayload{TimeRemaining: 300})
	require.Eventually(t, func() bool { return ctrl.Remaining() == 300 },
		5*time.Second, 5*time.Millisecond, "time_sync never applied")
	assert.Equal(t, "5:00", timer.Format(ctrl.Remaining()))
	assert.Equal(t, timer.BandNormal, timer.Classify(ctrl.Remaining()))

	require.NoError(t, ctrl.Close())
}

func TestExpiryForcesSubmission(t *testing.T) {
	defer goleak.VerifyNone(t)

	server := newFakeQuizServer(events.QuizJoinedPayload{
		TimeRemaining:  2,
		TotalQuestions: 1,
	})
	defer server.srv.Close()

	fc := clockwork.NewFakeClock()
	forced := make(chan string, 1)
	ticks := make(chan int, 64)

	ctrl, err := New(Config{
		SessionToken:   "tok-4",
		ChannelURL:     server.url(),
		Credential:     "good",
		Clock:          fc,
		ResyncInterval: -1,
		OnCountdown:    func(remaining int, _ timer.Band, _ string) { ticks <- remaining },
		OnForcedFinish: func(reason string) { forced <- reason },
	})
	require.NoError(t, err)

	require.NoError(t, ctrl.Start(context.Background()))
	defer ctrl.Close()

	server.waitFor(t, events.EventTypeJoinQuiz)
	require.Eventually(t, func() bool { return ctrl.Remaining() == 2 },
		5*time.Second, 5*time.Millisecond)
	fc.BlockUntil(2)

	for i := 0; i < 2; i++ {
		fc.Advance(time.Second)
		select {
		case <-ticks:
		case <-time.After(5 * time.Second):
			t.Fatalf("tick %d never arrived", i)
		}
	}

	select {
	case reason := <-forced:
		assert.Equal(t, "time_expired", reason)
	case <-time.After(5 * time.Second):
		t.Fatal("expiry never forced submission")
	}

	server.waitFor(t, events.EventTypeFinishQuiz)
	assert.Equal(t, session.StateLeft, ctrl.State())

	require.NoError(t, ctrl.Close())
}

func TestAnswerAndNavigationMirroredWithBaseline(t *testing.T) {
	defer goleak.VerifyNone(t)

	server := newFakeQuizServer(events.QuizJoinedPayload{
		TimeRemaining:        600,
		CurrentQuestionIndex: 0,
		TotalQuestions:       2,
	})
	defer server.srv.Close()

	fc := clockwork.NewFakeClock()
	ctrl, err := New(Config{
		SessionToken:   "tok-5",
		ChannelURL:     server.url(),
		Credential:     "good",
		Clock:          fc,
		ResyncInterval: -1,
	})
	require.NoError(t, err)

	require.NoError(t, ctrl.Start(context.Background()))
	defer ctrl.Close()

	server.waitFor(t, events.EventTypeJoinQuiz)
	require.Eventually(t, func() bool { return ctrl.State() == session.StateJoined },
		5*time.Second, 5*time.Millisecond)

	// Time-taken is measured against the per-question baseline.
	fc.Advance(14 * time.Second)
	require.NoError(t, ctrl.SelectAnswer("q1", session.OptionB))

	env := server.waitFor(t, events.EventTypeSubmitAnswer)
	var submitted events.SubmitAnswerPayload
	require.NoError(t, json.Unmarshal(env.Data, &submitted))
	assert.Equal(t, "q1", submitted.QuestionID)
	assert.Equal(t, "b", submitted.SelectedAnswer)
	assert.Equal(t, 14, submitted.TimeTaken)

	// Navigation resets the baseline.
	require.NoError(t, ctrl.Navigate(1))
	env = server.waitFor(t, events.EventTypeNextQuestion)
	var nav events.NextQuestionPayload
	require.NoError(t, json.Unmarshal(env.Data, &nav))
	assert.Equal(t, 1, nav.QuestionIndex)

	fc.Advance(3 * time.Second)
	require.NoError(t, ctrl.SelectAnswer("q2", session.OptionA))
	env = server.waitFor(t, events.EventTypeSubmitAnswer)
	require.NoError(t, json.Unmarshal(env.Data, &submitted))
	assert.Equal(t, 3, submitted.TimeTaken)

	// Local overwrite semantics survive the mirror.
	require.NoError(t, ctrl.SelectAnswer("q2", session.OptionC))
	assert.Equal(t, session.OptionC, ctrl.Answers()["q2"])

	require.NoError(t, ctrl.Close())
}
