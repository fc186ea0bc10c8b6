// Package assembler rebuilds chat messages on the client from the relay's
// event stream.
package assembler

import (
	"strings"
	"sync"
	"time"

	"github.com/google/uuid"

	"github.com/omochice/token-relay/pkg/protocol"
)

// FailureText replaces a failed turn in the transcript.
const FailureText = "Something went wrong. Please try again."

// Role tags who authored a message.
type Role string

const (
	RoleUser      Role = "user"
	RoleAssistant Role = "assistant"
)

// LogicalMessage is one entry of the client-side transcript.
type LogicalMessage struct {
	ID        string
	Role      Role
	Text      string
	Timestamp time.Time
}

// Option configures an Assembler.
type Option func(*Assembler)

// WithClock sets the time source used for message timestamps.
func WithClock(now func() time.Time) Option {
	return func(a *Assembler) { a.now = now }
}

// WithIDs sets the generator for message identities.
func WithIDs(next func() string) Option {
	return func(a *Assembler) { a.newID = next }
}

// Assembler owns the transcript and the in-progress flag. A turn's assistant
// message is created by its first chunk, grown by later chunks and frozen by
// done. An error event appends a separate failure message instead.
// It is safe for concurrent use.
type Assembler struct {
	mu         sync.Mutex
	messages   []LogicalMessage
	current    int
	inProgress bool

	now   func() time.Time
	newID func() string
}

// New returns an empty Assembler.
func New(opts ...Option) *Assembler {
	a := &Assembler{
		current: -1,
		now:     time.Now,
		newID:   uuid.NewString,
	}
	for _, opt := range opts {
		opt(a)
	}
	return a
}

// Submit records prompt as a user message and marks a turn in progress.
// It refuses blank prompts and prompts sent while a turn is in progress;
// the caller should only transmit the prompt when ok is true.
func (a *Assembler) Submit(prompt string) (msg LogicalMessage, ok bool) {
	a.mu.Lock()
	defer a.mu.Unlock()

	if strings.TrimSpace(prompt) == "" || a.inProgress {
		return LogicalMessage{}, false
	}
	msg = a.append(RoleUser, prompt)
	a.inProgress = true
	a.current = -1
	return msg, true
}

// Apply folds one event into the transcript and returns the message it
// created or changed. ok is false when the event changed no message.
func (a *Assembler) Apply(e protocol.Event) (msg LogicalMessage, ok bool) {
	a.mu.Lock()
	defer a.mu.Unlock()

	switch e.Type {
	case protocol.EventChunk:
		if a.current < 0 {
			msg = a.append(RoleAssistant, e.Content)
			a.current = len(a.messages) - 1
			return msg, true
		}
		a.messages[a.current].Text += e.Content
		return a.messages[a.current], true
	case protocol.EventDone:
		a.inProgress = false
		if a.current < 0 {
			return LogicalMessage{}, false
		}
		msg = a.messages[a.current]
		a.current = -1
		return msg, true
	case protocol.EventError:
		a.inProgress = false
		a.current = -1
		return a.append(RoleAssistant, FailureText), true
	default:
		return LogicalMessage{}, false
	}
}

// Disconnected ends any turn in progress. Partial text already received
// stays in the transcript.
func (a *Assembler) Disconnected() {
	a.mu.Lock()
	defer a.mu.Unlock()
	a.inProgress = false
	a.current = -1
}

// Messages returns a copy of the transcript.
func (a *Assembler) Messages() []LogicalMessage {
	a.mu.Lock()
	defer a.mu.Unlock()
	out := make([]LogicalMessage, len(a.messages))
	copy(out, a.messages)
	return out
}

// Current returns the assistant message still being streamed, if any.
func (a *Assembler) Current() (LogicalMessage, bool) {
	a.mu.Lock()
	defer a.mu.Unlock()
	if a.current < 0 {
		return LogicalMessage{}, false
	}
	return a.messages[a.current], true
}

// InProgress reports whether a turn was submitted and has not ended.
func (a *Assembler) InProgress() bool {
	a.mu.Lock()
	defer a.mu.Unlock()
	return a.inProgress
}

// Clear empties the transcript. A turn in progress keeps streaming into a
// fresh message.
func (a *Assembler) Clear() {
	a.mu.Lock()
	defer a.mu.Unlock()
	a.messages = nil
	a.current = -1
}

func (a *Assembler) append(role Role, text string) LogicalMessage {
	msg := LogicalMessage{
		ID:        a.newID(),
		Role:      role,
		Text:      text,
		Timestamp: a.now(),
	}
	a.messages = append(a.messages, msg)
	return msg
}
