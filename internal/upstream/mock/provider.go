// Package mock provides scripted upstream providers for tests and offline runs.
package mock

import (
	"context"
	"io"
	"strings"
	"sync"
	"time"

	"github.com/omochice/token-relay/internal/upstream"
)

// Interface compliance checks.
var (
	_ upstream.Provider = (*Provider)(nil)
	_ upstream.Stream   = (*Stream)(nil)
)

// Script is one canned upstream response.
type Script struct {
	// Fragments are returned in order by Recv.
	Fragments []string
	// Err, when set, is returned after the fragments instead of io.EOF.
	Err error
	// OpenErr, when set, makes Provider.Stream fail before any fragment.
	OpenErr error
	// Gate, when set, must yield a value (or be closed) before each Recv
	// returns. A gate that never fires simulates a hung provider.
	Gate <-chan struct{}
	// Delay is slept before each Recv returns.
	Delay time.Duration
}

// Provider is a test double for upstream.Provider. Each Stream call consumes
// the next script; the last script repeats once the list is exhausted.
// ScriptFn, when set, takes precedence and builds the script from the request.
type Provider struct {
	ScriptFn func(req upstream.Request) Script

	mu        sync.Mutex
	scripts   []Script
	requests  []upstream.Request
	active    int
	maxActive int
	closed    int
}

// Scripted returns a provider that replays scripts in order.
func Scripted(scripts ...Script) *Provider {
	return &Provider{scripts: scripts}
}

// Fragments is shorthand for a provider whose every call yields fragments and completes.
func Fragments(fragments ...string) *Provider {
	return Scripted(Script{Fragments: fragments})
}

// Echo returns a provider that streams the prompt back word by word.
func Echo(delay time.Duration) *Provider {
	return &Provider{
		ScriptFn: func(req upstream.Request) Script {
			words := strings.Fields(req.Prompt)
			fragments := make([]string, 0, len(words))
			for i, w := range words {
				if i < len(words)-1 {
					w += " "
				}
				fragments = append(fragments, w)
			}
			return Script{Fragments: fragments, Delay: delay}
		},
	}
}

// Stream implements upstream.Provider.
func (p *Provider) Stream(ctx context.Context, req upstream.Request) (upstream.Stream, error) {
	p.mu.Lock()
	defer p.mu.Unlock()

	p.requests = append(p.requests, req)

	var script Script
	switch {
	case p.ScriptFn != nil:
		script = p.ScriptFn(req)
	case len(p.scripts) > 0:
		script = p.scripts[0]
		if len(p.scripts) > 1 {
			p.scripts = p.scripts[1:]
		}
	}
	if script.OpenErr != nil {
		return nil, script.OpenErr
	}

	p.active++
	if p.active > p.maxActive {
		p.maxActive = p.active
	}
	return &Stream{ctx: ctx, script: script, onClose: p.release}, nil
}

func (p *Provider) release() {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.active--
	p.closed++
}

// Requests returns every request received so far.
func (p *Provider) Requests() []upstream.Request {
	p.mu.Lock()
	defer p.mu.Unlock()
	out := make([]upstream.Request, len(p.requests))
	copy(out, p.requests)
	return out
}

// Calls returns the number of Stream calls.
func (p *Provider) Calls() int {
	p.mu.Lock()
	defer p.mu.Unlock()
	return len(p.requests)
}

// Active returns the number of streams opened and not yet closed.
func (p *Provider) Active() int {
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.active
}

// MaxActive returns the highest number of simultaneously open streams.
func (p *Provider) MaxActive() int {
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.maxActive
}

// Closed returns the number of streams that were closed.
func (p *Provider) Closed() int {
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.closed
}

// Stream replays a Script. It honours context cancellation at every step.
type Stream struct {
	ctx     context.Context
	script  Script
	next    int
	once    sync.Once
	onClose func()
}

// Recv implements upstream.Stream.
func (s *Stream) Recv() (string, error) {
	if err := s.wait(); err != nil {
		return "", err
	}
	if s.next < len(s.script.Fragments) {
		text := s.script.Fragments[s.next]
		s.next++
		return text, nil
	}
	if s.script.Err != nil {
		return "", s.script.Err
	}
	return "", io.EOF
}

func (s *Stream) wait() error {
	if s.script.Gate != nil {
		select {
		case <-s.script.Gate:
		case <-s.ctx.Done():
			return s.ctx.Err()
		}
	}
	if s.script.Delay > 0 {
		t := time.NewTimer(s.script.Delay)
		defer t.Stop()
		select {
		case <-t.C:
		case <-s.ctx.Done():
			return s.ctx.Err()
		}
	}
	return s.ctx.Err()
}

// Close implements upstream.Stream.
func (s *Stream) Close() error {
	s.once.Do(func() {
		if s.onClose != nil {
			s.onClose()
		}
	})
	return nil
}
