package main

import (
	"bytes"
	"context"
	"io"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/omochice/token-relay/internal/assembler"
	"github.com/omochice/token-relay/pkg/protocol"
)

type syncBuffer struct {
	mu  sync.Mutex
	buf bytes.Buffer
}

func (b *syncBuffer) Write(p []byte) (int, error) {
	b.mu.Lock()
	defer b.mu.Unlock()
	return b.buf.Write(p)
}

func (b *syncBuffer) String() string {
	b.mu.Lock()
	defer b.mu.Unlock()
	return b.buf.String()
}

// fakeRelay answers each prompt with a scripted event sequence.
type fakeRelay struct {
	mu      sync.Mutex
	prompts []string
	reply   []protocol.Event
	events  chan protocol.Event
}

func newFakeRelay(reply ...protocol.Event) *fakeRelay {
	return &fakeRelay{reply: reply, events: make(chan protocol.Event, 16)}
}

func (f *fakeRelay) Send(ctx context.Context, prompt string) error {
	f.mu.Lock()
	f.prompts = append(f.prompts, prompt)
	f.mu.Unlock()
	for _, e := range f.reply {
		f.events <- e
	}
	return nil
}

func (f *fakeRelay) Events() <-chan protocol.Event { return f.events }

func (f *fakeRelay) sent() []string {
	f.mu.Lock()
	defer f.mu.Unlock()
	return append([]string(nil), f.prompts...)
}

func TestConverse_StreamsReply(t *testing.T) {
	relay := newFakeRelay(protocol.Chunk("Hel"), protocol.Chunk("lo!"), protocol.Done())
	in, inW := io.Pipe()
	out := &syncBuffer{}

	errc := make(chan error, 1)
	go func() { errc <- converse(context.Background(), relay, in, out) }()

	_, err := io.WriteString(inW, "hi\n")
	require.NoError(t, err)
	require.Eventually(t, func() bool {
		return strings.Contains(out.String(), "Hello!\n")
	}, time.Second, 5*time.Millisecond)

	_, err = io.WriteString(inW, "/quit\n")
	require.NoError(t, err)
	assert.NoError(t, <-errc)
	assert.Equal(t, []string{"hi"}, relay.sent())
	assert.Contains(t, out.String(), greeting)
}

func TestConverse_BlocksInputWhileStreaming(t *testing.T) {
	relay := newFakeRelay(protocol.Chunk("thinking"))
	in, inW := io.Pipe()
	out := &syncBuffer{}

	go converse(context.Background(), relay, in, out)
	defer inW.Close()

	io.WriteString(inW, "one\n")
	io.WriteString(inW, "two\n")

	require.Eventually(t, func() bool {
		return strings.Contains(out.String(), "still answering")
	}, time.Second, 5*time.Millisecond)
	assert.Equal(t, []string{"one"}, relay.sent())
}

func TestConverse_ShowsFailure(t *testing.T) {
	relay := newFakeRelay(protocol.Error("generation failed"))
	in, inW := io.Pipe()
	out := &syncBuffer{}

	go converse(context.Background(), relay, in, out)
	defer inW.Close()

	io.WriteString(inW, "hi\n")
	require.Eventually(t, func() bool {
		return strings.Contains(out.String(), assembler.FailureText)
	}, time.Second, 5*time.Millisecond)

	io.WriteString(inW, "again\n")
	require.Eventually(t, func() bool { return len(relay.sent()) == 2 }, time.Second, 5*time.Millisecond)
}

func TestConverse_ReportsDisconnect(t *testing.T) {
	relay := newFakeRelay()
	out := &syncBuffer{}
	in, inW := io.Pipe()
	defer inW.Close()

	go converse(context.Background(), relay, in, out)
	close(relay.events)

	assert.Eventually(t, func() bool {
		return strings.Contains(out.String(), "disconnected")
	}, time.Second, 5*time.Millisecond)
}
