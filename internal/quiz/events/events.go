package events

import (
	"encoding/json"
	"fmt"
	"time"
)

// EventType names one message on the quiz channel. The same vocabulary is
// used in both directions; direction is a property of the protocol, not of
// the envelope.
type EventType string

// Client -> server events.
const (
	EventTypeJoinQuiz        EventType = "join_quiz"
	EventTypeSubmitAnswer    EventType = "submit_answer"
	EventTypeNextQuestion    EventType = "next_question"
	EventTypeFinishQuiz      EventType = "finish_quiz"
	EventTypeRequestTimeSync EventType = "request_time_sync"
	EventTypeLeaveQuiz       EventType = "leave_quiz"
)

// Server -> client events.
const (
	EventTypeQuizJoined      EventType = "quiz_joined"
	EventTypeTimeSync        EventType = "time_sync"
	EventTypeQuestionChanged EventType = "question_changed"
	EventTypeAnswerSubmitted EventType = "answer_submitted"
	EventTypeQuizCompleted   EventType = "quiz_completed"
	EventTypeUserJoined      EventType = "user_joined"
	EventTypeUserLeft        EventType = "user_left"
	EventTypeConnectError    EventType = "connect_error"
	EventTypeError           EventType = "error"
)

// Envelope is the wire frame for every channel message.
type Envelope struct {
	Event EventType       `json:"event"`
	Data  json.RawMessage `json:"data,omitempty"`
}

// NewEnvelope marshals payload into an Envelope ready to send.
func NewEnvelope(event EventType, payload interface{}) (*Envelope, error) {
	env := &Envelope{Event: event}
	if payload != nil {
		data, err := json.Marshal(payload)
		if err != nil {
			return nil, fmt.Errorf("marshal %s payload: %w", event, err)
		}
		env.Data = data
	}
	return env, nil
}

// JoinQuizPayload asks the server to attach this connection to the attempt
// named by the session token.
type JoinQuizPayload struct {
	SessionToken string `json:"session_token"`
}

// SubmitAnswerPayload carries one answer selection. TimeTaken is seconds
// spent on the question since it became visible.
type SubmitAnswerPayload struct {
	QuestionID     string `json:"question_id"`
	SelectedAnswer string `json:"selected_answer"`
	TimeTaken      int    `json:"time_taken"`
}

// NextQuestionPayload mirrors a local navigation to the server.
type NextQuestionPayload struct {
	QuestionIndex int `json:"question_index"`
}

// QuizJoinedPayload initializes the full quiz state. It is the sole source
// of truth at join time; receiving it again replaces state wholesale.
type QuizJoinedPayload struct {
	QuizID               int    `json:"quiz_id"`
	QuizTitle            string `json:"quiz_title"`
	TimeRemaining        int    `json:"time_remaining"`
	CurrentQuestionIndex int    `json:"current_question_index"`
	TotalQuestions       int    `json:"total_questions"`
}

// TimeSyncPayload overwrites the client countdown with the server value.
// Seq is a monotonic stamp; zero means the server does not sequence and the
// update always applies.
type TimeSyncPayload struct {
	TimeRemaining int    `json:"time_remaining"`
	ServerTime    string `json:"server_time,omitempty"`
	QuizDuration  int    `json:"quiz_duration,omitempty"`
	Seq           uint64 `json:"seq,omitempty"`
}

// QuestionChangedPayload overwrites the current question index.
type QuestionChangedPayload struct {
	QuestionIndex int       `json:"question_index"`
	Timestamp     time.Time `json:"timestamp,omitempty"`
	Seq           uint64    `json:"seq,omitempty"`
}

// AnswerSubmittedPayload acknowledges a submit_answer. Informational only.
type AnswerSubmittedPayload struct {
	QuestionID     string    `json:"question_id"`
	SelectedAnswer string    `json:"selected_answer"`
	Timestamp      time.Time `json:"timestamp,omitempty"`
}

// QuizCompletedPayload terminates the attempt server-side.
type QuizCompletedPayload struct {
	SessionToken   string          `json:"session_token"`
	Score          json.RawMessage `json:"score,omitempty"`
	CompletionTime string          `json:"completion_time,omitempty"`
}

// PresencePayload is shared by user_joined and user_left room notices.
type PresencePayload struct {
	UserID    int       `json:"user_id"`
	Timestamp time.Time `json:"timestamp,omitempty"`
}

// ErrorPayload is shared by error and connect_error.
type ErrorPayload struct {
	Message string `json:"message"`
}

// ParseEventPayload decodes an envelope's data into the typed payload for
// its event. Unknown events decode to nil without error so new server
// events degrade to a log line instead of a failure.
func ParseEventPayload(env *Envelope) (interface{}, error) {
	switch env.Event {
	case EventTypeJoinQuiz:
		var payload JoinQuizPayload
		if err := decode(env, &payload); err != nil {
			return nil, err
		}
		return payload, nil

	case EventTypeSubmitAnswer:
		var payload SubmitAnswerPayload
		if err := decode(env, &payload); err != nil {
			return nil, err
		}
		return payload, nil

	case EventTypeNextQuestion:
		var payload NextQuestionPayload
		if err := decode(env, &payload); err != nil {
			return nil, err
		}
		return payload, nil

	case EventTypeQuizJoined:
		var payload QuizJoinedPayload
		if err := decode(env, &payload); err != nil {
			return nil, err
		}
		return payload, nil

	case EventTypeTimeSync:
		var payload TimeSyncPayload
		if err := decode(env, &payload); err != nil {
			return nil, err
		}
		return payload, nil

	case EventTypeQuestionChanged:
		var payload QuestionChangedPayload
		if err := decode(env, &payload); err != nil {
			return nil, err
		}
		return payload, nil

	case EventTypeAnswerSubmitted:
		var payload AnswerSubmittedPayload
		if err := decode(env, &payload); err != nil {
			return nil, err
		}
		return payload, nil

	case EventTypeQuizCompleted:
		var payload QuizCompletedPayload
		if err := decode(env, &payload); err != nil {
			return nil, err
		}
		return payload, nil

	case EventTypeUserJoined, EventTypeUserLeft:
		var payload PresencePayload
		if err := decode(env, &payload); err != nil {
			return nil, err
		}
		return payload, nil

	case EventTypeConnectError, EventTypeError:
		var payload ErrorPayload
		if err := decode(env, &payload); err != nil {
			return nil, err
		}
		return payload, nil

	default:
		return nil, nil // Unknown event type
	}
}

func decode(env *Envelope, out interface{}) error {
	if len(env.Data) == 0 {
		return nil
	}
	if err := json.Unmarshal(env.Data, out); err != nil {
		return fmt.Errorf("decode %s payload: %w", env.Event, err)
	}
	return nil
}
