// Package upstream relays a single prompt to a streaming completion provider
// and exposes the response as a pull-based sequence of text fragments.
package upstream

import (
	"context"
	"errors"
	"fmt"
	"io"
	"strings"
	"time"
)

var (
	// ErrEmptyPrompt is returned by Generate when the prompt is blank after trimming.
	ErrEmptyPrompt = errors.New("empty prompt")
	// ErrFirstFragmentTimeout is the cause of a failure when the provider
	// produced nothing within Params.FirstFragmentTimeout.
	ErrFirstFragmentTimeout = errors.New("timed out waiting for first fragment")
	// ErrIdleTimeout is the cause of a failure when the gap between two
	// fragments exceeded Params.IdleTimeout.
	ErrIdleTimeout = errors.New("timed out waiting for next fragment")
	// ErrUnknownProvider is returned by NewProvider for an unsupported name.
	ErrUnknownProvider = errors.New("unknown provider")
)

// Failure is the terminal outcome of a generation that did not complete.
// Err holds the provider or transport cause; it is meant for logs only.
type Failure struct {
	Err error
}

func (f *Failure) Error() string {
	return fmt.Sprintf("upstream failed: %v", f.Err)
}

func (f *Failure) Unwrap() error {
	return f.Err
}

func fail(err error) error {
	var f *Failure
	if errors.As(err, &f) {
		return err
	}
	return &Failure{Err: err}
}

// Request is what a provider receives for one generation.
type Request struct {
	Model       string
	System      string
	Prompt      string
	MaxTokens   int64
	Temperature float64
}

// Stream is a lazily produced sequence of fragments.
type Stream interface {
	// Recv blocks until the next fragment is available. It returns io.EOF
	// once the provider ended the stream normally.
	Recv() (string, error)
	// Close releases the upstream transport. It is safe to call more than once.
	Close() error
}

// Provider opens one streaming completion call per Stream invocation.
// Implementations must be safe for concurrent use.
type Provider interface {
	Stream(ctx context.Context, req Request) (Stream, error)
}

// Params are attached to every generation. They are fixed for the lifetime
// of a Client.
type Params struct {
	Model                string
	SystemPrompt         string
	MaxTokens            int64
	Temperature          float64
	FirstFragmentTimeout time.Duration
	IdleTimeout          time.Duration
}

// DefaultParams returns the generation settings used when nothing is configured.
func DefaultParams() Params {
	return Params{
		Model:                "llama-3.1-8b-instant",
		SystemPrompt:         "You are a helpful AI chatbot. Reply briefly. Max 3 sentences.",
		MaxTokens:            120,
		Temperature:          0.4,
		FirstFragmentTimeout: 30 * time.Second,
		IdleTimeout:          30 * time.Second,
	}
}

// Client turns prompts into upstream streams. It holds no per-call state, so
// one Client serves every connection.
type Client struct {
	provider Provider
	params   Params
}

// NewClient returns a Client that sends every prompt to provider with params.
func NewClient(provider Provider, params Params) *Client {
	return &Client{provider: provider, params: params}
}

// Params returns the fixed generation settings.
func (c *Client) Params() Params {
	return c.params
}

// Generate starts a new upstream request for prompt. Each call is independent;
// the returned stream cannot be restarted. Errors other than ErrEmptyPrompt,
// including those later returned by Recv, are *Failure values.
func (c *Client) Generate(ctx context.Context, prompt string) (Stream, error) {
	prompt = strings.TrimSpace(prompt)
	if prompt == "" {
		return nil, ErrEmptyPrompt
	}

	ctx, cancel := context.WithCancel(ctx)
	inner, err := c.provider.Stream(ctx, Request{
		Model:       c.params.Model,
		System:      c.params.SystemPrompt,
		Prompt:      prompt,
		MaxTokens:   c.params.MaxTokens,
		Temperature: c.params.Temperature,
	})
	if err != nil {
		cancel()
		return nil, fail(err)
	}
	return newTimedStream(ctx, cancel, inner, c.params.FirstFragmentTimeout, c.params.IdleTimeout), nil
}

type result struct {
	text string
	err  error
}

// timedStream pulls from a provider stream on its own goroutine so that Recv
// can give up when the provider stalls.
type timedStream struct {
	ctx     context.Context
	cancel  context.CancelFunc
	inner   Stream
	results chan result
	first   time.Duration
	idle    time.Duration
	started bool
	err     error
}

func newTimedStream(ctx context.Context, cancel context.CancelFunc, inner Stream, first, idle time.Duration) *timedStream {
	s := &timedStream{
		ctx:     ctx,
		cancel:  cancel,
		inner:   inner,
		results: make(chan result),
		first:   first,
		idle:    idle,
	}
	go s.pump()
	return s
}

func (s *timedStream) pump() {
	for {
		text, err := s.inner.Recv()
		select {
		case s.results <- result{text: text, err: err}:
		case <-s.ctx.Done():
			return
		}
		if err != nil {
			return
		}
	}
}

func (s *timedStream) Recv() (string, error) {
	if s.err != nil {
		return "", s.err
	}

	timeout, cause := s.idle, ErrIdleTimeout
	if !s.started {
		timeout, cause = s.first, ErrFirstFragmentTimeout
	}
	var expired <-chan time.Time
	if timeout > 0 {
		timer := time.NewTimer(timeout)
		defer timer.Stop()
		expired = timer.C
	}

	select {
	case r := <-s.results:
		if r.err == nil {
			s.started = true
			return r.text, nil
		}
		if errors.Is(r.err, io.EOF) {
			s.err = io.EOF
		} else {
			s.err = fail(r.err)
		}
	case <-expired:
		s.err = fail(cause)
		s.Close()
	case <-s.ctx.Done():
		s.err = fail(s.ctx.Err())
	}
	return "", s.err
}

func (s *timedStream) Close() error {
	s.cancel()
	return s.inner.Close()
}
