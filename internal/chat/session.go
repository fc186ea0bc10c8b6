package chat

import (
	"context"
	"errors"
	"io"
	"strings"
	"sync/atomic"
	"time"
	"unicode/utf8"

	"github.com/sirupsen/logrus"

	"github.com/omochice/token-relay/internal/upstream"
	"github.com/omochice/token-relay/pkg/protocol"
)

// DefaultErrorMessage is what clients see when a turn fails. The real cause
// only goes to the server log.
const DefaultErrorMessage = "generation failed"

// Generator opens one upstream stream per prompt.
type Generator interface {
	Generate(ctx context.Context, prompt string) (upstream.Stream, error)
}

// State is the session's position in the turn cycle.
type State int32

const (
	StateIdle State = iota
	StateGenerating
)

func (s State) String() string {
	if s == StateGenerating {
		return "generating"
	}
	return "idle"
}

// SessionOption configures a Session.
type SessionOption func(*Session)

// WithErrorMessage overrides DefaultErrorMessage.
func WithErrorMessage(msg string) SessionOption {
	return func(s *Session) { s.errorMessage = msg }
}

// WithTurnHook registers fn to be called with every turn once it is finished
// or abandoned. fn runs on the session goroutine.
func WithTurnHook(fn func(*Turn)) SessionOption {
	return func(s *Session) { s.onTurn = fn }
}

type fragment struct {
	text string
	err  error
}

type activeTurn struct {
	turn      *Turn
	stream    upstream.Stream
	cancel    context.CancelFunc
	fragments chan fragment
}

// Session drives one connection through Idle and Generating. All transitions
// happen on the goroutine running Run. A prompt received while Generating
// is dropped.
type Session struct {
	client       *Client
	generator    Generator
	log          logrus.FieldLogger
	errorMessage string
	onTurn       func(*Turn)

	state  atomic.Int32
	active *activeTurn
}

// NewSession binds a session to client. Events are queued on client.Outgoing.
func NewSession(client *Client, generator Generator, log logrus.FieldLogger, opts ...SessionOption) *Session {
	s := &Session{
		client:       client,
		generator:    generator,
		log:          log,
		errorMessage: DefaultErrorMessage,
	}
	for _, opt := range opts {
		opt(s)
	}
	return s
}

// State returns the current state. It is safe to call from any goroutine.
func (s *Session) State() State {
	return State(s.state.Load())
}

// Run reads prompts until the connection ends or ctx is cancelled. An
// in-flight turn is abandoned and its upstream stream released on return.
// A clean close (io.EOF) returns nil.
func (s *Session) Run(ctx context.Context) error {
	ctx, cancel := context.WithCancel(ctx)
	defer cancel()
	defer s.abandon()

	inbound := make(chan []byte)
	readErr := make(chan error, 1)
	go s.readLoop(ctx, inbound, readErr)

	for {
		var fragments chan fragment
		if s.active != nil {
			fragments = s.active.fragments
		}

		select {
		case <-ctx.Done():
			return ctx.Err()
		case err := <-readErr:
			if errors.Is(err, io.EOF) {
				return nil
			}
			return err
		case data := <-inbound:
			s.receive(ctx, data)
		case f := <-fragments:
			s.advance(ctx, f)
		}
	}
}

func (s *Session) readLoop(ctx context.Context, inbound chan<- []byte, readErr chan<- error) {
	for {
		data, err := s.client.Conn.Read(ctx)
		if errors.Is(err, ErrMessageTooLarge) {
			s.log.WithError(err).Warn("ignoring oversized message")
			continue
		}
		if err != nil {
			readErr <- err
			return
		}
		select {
		case inbound <- data:
		case <-ctx.Done():
			return
		}
	}
}

func (s *Session) receive(ctx context.Context, data []byte) {
	if !utf8.Valid(data) {
		s.log.WithField("bytes", len(data)).Debug("ignoring malformed message")
		return
	}
	prompt := strings.TrimSpace(string(data))
	if prompt == "" {
		return
	}
	if s.State() == StateGenerating {
		s.log.Debug("ignoring prompt received while generating")
		return
	}
	s.start(ctx, prompt)
}

func (s *Session) start(ctx context.Context, prompt string) {
	turn := newTurn(prompt)
	s.state.Store(int32(StateGenerating))

	turnCtx, cancel := context.WithCancel(ctx)
	stream, err := s.generator.Generate(turnCtx, prompt)
	if err != nil {
		cancel()
		s.active = &activeTurn{turn: turn, cancel: func() {}}
		s.fail(ctx, err)
		return
	}

	turn.Status = TurnStreaming
	s.active = &activeTurn{
		turn:      turn,
		stream:    stream,
		cancel:    cancel,
		fragments: make(chan fragment),
	}
	go pump(turnCtx, stream, s.active.fragments)

	s.log.WithField("prompt_len", len(prompt)).Debug("turn started")
}

// pump moves fragments from the upstream stream onto the session loop.
func pump(ctx context.Context, stream upstream.Stream, out chan<- fragment) {
	for {
		text, err := stream.Recv()
		select {
		case out <- fragment{text: text, err: err}:
		case <-ctx.Done():
			return
		}
		if err != nil {
			return
		}
	}
}

func (s *Session) advance(ctx context.Context, f fragment) {
	switch {
	case f.err == nil:
		s.active.turn.append(f.text)
		s.emit(ctx, protocol.Chunk(f.text))
	case errors.Is(f.err, io.EOF):
		s.finish(ctx, TurnDone, protocol.Done())
	default:
		s.fail(ctx, f.err)
	}
}

func (s *Session) fail(ctx context.Context, cause error) {
	s.log.WithError(cause).WithField("fragments", s.active.turn.Fragments).Error("upstream generation failed")
	s.finish(ctx, TurnFailed, protocol.Error(s.errorMessage))
}

func (s *Session) finish(ctx context.Context, status TurnStatus, terminal protocol.Event) {
	t := s.release()
	t.Status = status
	s.emit(ctx, terminal)
	s.state.Store(int32(StateIdle))

	s.log.WithFields(logrus.Fields{
		"status":       status.String(),
		"fragments":    t.Fragments,
		"response_len": len(t.Response()),
		"duration_ms":  time.Since(t.Started).Milliseconds(),
	}).Info("turn finished")
	if s.onTurn != nil {
		s.onTurn(t)
	}
}

// release cancels the in-flight upstream call and detaches the turn.
func (s *Session) release() *Turn {
	a := s.active
	s.active = nil
	a.cancel()
	if a.stream != nil {
		if err := a.stream.Close(); err != nil {
			s.log.WithError(err).Warn("failed to close upstream stream")
		}
	}
	return a.turn
}

// abandon drops an in-flight turn without emitting anything; the
// connection is gone.
func (s *Session) abandon() {
	if s.active == nil {
		return
	}
	t := s.release()
	t.Status = TurnFailed
	s.state.Store(int32(StateIdle))
	s.log.WithField("fragments", t.Fragments).Info("turn abandoned")
	if s.onTurn != nil {
		s.onTurn(t)
	}
}

func (s *Session) emit(ctx context.Context, e protocol.Event) {
	data, err := s.client.Codec.Encode(e)
	if err != nil {
		s.log.WithError(err).Error("failed to encode event")
		return
	}
	select {
	case s.client.Outgoing <- data:
	case <-ctx.Done():
	}
}
