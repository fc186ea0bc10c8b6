// Command client is an interactive terminal chat client for the relay.
package main

import (
	"bufio"
	"context"
	"fmt"
	"io"
	"os"
	"strings"
	"sync"

	"github.com/charmbracelet/lipgloss"
	"github.com/spf13/cobra"

	"github.com/omochice/token-relay/internal/assembler"
	"github.com/omochice/token-relay/internal/client/tcp"
	"github.com/omochice/token-relay/internal/client/ws"
	"github.com/omochice/token-relay/pkg/protocol"
)

const greeting = "Hello! How can I help you?"

var (
	userLabel = lipgloss.NewStyle().Bold(true).Foreground(lipgloss.Color("12"))
	aiLabel   = lipgloss.NewStyle().Bold(true).Foreground(lipgloss.Color("10"))
	errStyle  = lipgloss.NewStyle().Foreground(lipgloss.Color("9"))
	hintStyle = lipgloss.NewStyle().Faint(true)
)

func main() {
	if err := newRootCmd().Execute(); err != nil {
		os.Exit(1)
	}
}

func newRootCmd() *cobra.Command {
	var url string
	var binary bool

	cmd := &cobra.Command{
		Use:          "relay-client",
		Short:        "Chat with the relay from the terminal",
		SilenceUsage: true,
		RunE: func(cmd *cobra.Command, args []string) error {
			client, err := dial(cmd.Context(), url, binary)
			if err != nil {
				return err
			}
			defer client.Close()
			return converse(cmd.Context(), client, cmd.InOrStdin(), cmd.OutOrStdout())
		},
	}
	cmd.Flags().StringVarP(&url, "url", "u", "ws://localhost:8080/ws", "relay URL (ws://, wss:// or tcp://host:port)")
	cmd.Flags().BoolVar(&binary, "proto", false, "negotiate the protobuf event encoding")
	return cmd
}

// sender is the part of a relay client the chat loop needs.
type sender interface {
	Send(ctx context.Context, prompt string) error
	Events() <-chan protocol.Event
}

type relayClient interface {
	sender
	Close() error
}

func dial(ctx context.Context, url string, binary bool) (relayClient, error) {
	if addr, ok := strings.CutPrefix(url, "tcp://"); ok {
		c, err := tcp.Dial(ctx, addr, nil)
		if err != nil {
			return nil, err
		}
		return c, nil
	}
	var opts []ws.Option
	if binary {
		opts = append(opts, ws.WithProtocol(protocol.SubprotocolProto))
	}
	c, err := ws.Dial(ctx, url, opts...)
	if err != nil {
		return nil, err
	}
	return c, nil
}

// printer renders transcript changes as they happen.
type printer struct {
	mu sync.Mutex
	w  io.Writer
}

func (p *printer) printf(format string, args ...any) {
	p.mu.Lock()
	defer p.mu.Unlock()
	fmt.Fprintf(p.w, format, args...)
}

func (p *printer) event(e protocol.Event, msg assembler.LogicalMessage, fresh bool) {
	switch e.Type {
	case protocol.EventChunk:
		if fresh {
			p.printf("%s %s", aiLabel.Render("AI:"), e.Content)
			return
		}
		p.printf("%s", e.Content)
	case protocol.EventDone:
		p.printf("\n")
	case protocol.EventError:
		p.printf("\n%s %s\n", aiLabel.Render("AI:"), errStyle.Render(msg.Text))
	}
}

func converse(ctx context.Context, client sender, in io.Reader, out io.Writer) error {
	a := assembler.New()
	p := &printer{w: out}

	p.printf("%s %s\n", aiLabel.Render("AI:"), greeting)
	p.printf("%s\n", hintStyle.Render("Type a message, /clear to reset the transcript, /quit to exit."))

	done := make(chan struct{})
	go func() {
		defer close(done)
		for e := range client.Events() {
			_, streaming := a.Current()
			msg, ok := a.Apply(e)
			if !ok && e.Type != protocol.EventDone {
				continue
			}
			p.event(e, msg, e.Type == protocol.EventChunk && !streaming)
		}
		a.Disconnected()
		p.printf("%s\n", errStyle.Render("disconnected"))
	}()

	scanner := bufio.NewScanner(in)
	for scanner.Scan() {
		text := scanner.Text()
		switch strings.TrimSpace(text) {
		case "":
			continue
		case "/quit", "/exit":
			return nil
		case "/clear":
			a.Clear()
			p.printf("%s\n", hintStyle.Render("transcript cleared"))
			continue
		}

		select {
		case <-done:
			return fmt.Errorf("connection closed")
		default:
		}

		if _, ok := a.Submit(text); !ok {
			p.printf("%s\n", hintStyle.Render("still answering, please wait"))
			continue
		}
		p.printf("%s %s\n", userLabel.Render("You:"), text)
		if err := client.Send(ctx, text); err != nil {
			a.Disconnected()
			return err
		}
	}
	return scanner.Err()
}
