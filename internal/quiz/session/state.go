package session

import "fmt"

// State is the synchronizer's lifecycle position.
type State string

const (
	StateIdle    State = "idle"
	StateJoining State = "joining"
	StateJoined  State = "joined"
	StateLeft    State = "left"
)

// Option is one answer symbol from the fixed set the server accepts.
type Option string

const (
	OptionA Option = "a"
	OptionB Option = "b"
	OptionC Option = "c"
	OptionD Option = "d"
)

// ParseOption validates an answer symbol.
func ParseOption(s string) (Option, error) {
	switch Option(s) {
	case OptionA, OptionB, OptionC, OptionD:
		return Option(s), nil
	default:
		return "", fmt.Errorf("invalid answer option %q", s)
	}
}

// QuizState is the server-synchronized view of the attempt. RemainingSet is
// false until the first quiz_joined initializes the countdown.
type QuizState struct {
	QuizID               int
	QuizTitle            string
	RemainingSeconds     int
	RemainingSet         bool
	CurrentQuestionIndex int
	TotalQuestions       int
	Joined               bool

	// RemainingRev increments on every authoritative overwrite of
	// RemainingSeconds, so consumers can tell a fresh server value from a
	// state copy carried along by an unrelated mutation. A repeated value
	// is still a fresh overwrite.
	RemainingRev uint64
}
