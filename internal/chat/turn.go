package chat

import (
	"strings"
	"time"
)

// TurnStatus tracks one prompt-to-response exchange.
type TurnStatus int

const (
	TurnPending TurnStatus = iota
	TurnStreaming
	TurnDone
	TurnFailed
)

func (s TurnStatus) String() string {
	switch s {
	case TurnPending:
		return "pending"
	case TurnStreaming:
		return "streaming"
	case TurnDone:
		return "done"
	case TurnFailed:
		return "failed"
	default:
		return "unknown"
	}
}

// Turn accumulates the response to a single prompt.
type Turn struct {
	Prompt    string
	Status    TurnStatus
	Fragments int
	Started   time.Time

	response strings.Builder
}

func newTurn(prompt string) *Turn {
	return &Turn{Prompt: prompt, Status: TurnPending, Started: time.Now()}
}

func (t *Turn) append(fragment string) {
	t.response.WriteString(fragment)
	t.Fragments++
}

// Response returns everything received so far.
func (t *Turn) Response() string {
	return t.response.String()
}

// Terminal reports whether the turn reached done or failed.
func (t *Turn) Terminal() bool {
	return t.Status == TurnDone || t.Status == TurnFailed
}
