package upstream

import (
	"context"
	"io"
	"iter"
)

// produceFunc runs one provider call, handing each fragment to emit in order.
// It returns nil when the provider ended the stream normally.
type produceFunc func(ctx context.Context, emit func(text string) error) error

// channelStream adapts a push-style SDK loop to the pull-based Stream. The
// fragment channel is unbuffered, so at most one fragment is in flight.
type channelStream struct {
	ctx       context.Context
	cancel    context.CancelFunc
	fragments chan string
	errc      chan error
	err       error
}

func newStream(ctx context.Context, produce produceFunc) *channelStream {
	ctx, cancel := context.WithCancel(ctx)
	s := &channelStream{
		ctx:       ctx,
		cancel:    cancel,
		fragments: make(chan string),
		errc:      make(chan error, 1),
	}
	go func() {
		defer close(s.fragments)
		s.errc <- produce(ctx, func(text string) error {
			if text == "" {
				return nil
			}
			select {
			case s.fragments <- text:
				return nil
			case <-ctx.Done():
				return ctx.Err()
			}
		})
	}()
	return s
}

// newSeqStream adapts a range-over-func iterator of provider responses.
func newSeqStream[T any](ctx context.Context, seq iter.Seq2[T, error], text func(T) string) *channelStream {
	return newStream(ctx, func(ctx context.Context, emit func(string) error) error {
		for resp, err := range seq {
			if err != nil {
				return err
			}
			if err := emit(text(resp)); err != nil {
				return err
			}
		}
		return nil
	})
}

func (s *channelStream) Recv() (string, error) {
	if s.err != nil {
		return "", s.err
	}
	select {
	case text, ok := <-s.fragments:
		if ok {
			return text, nil
		}
		s.err = <-s.errc
		if s.err == nil {
			s.err = io.EOF
		}
	case <-s.ctx.Done():
		s.err = s.ctx.Err()
	}
	return "", s.err
}

func (s *channelStream) Close() error {
	s.cancel()
	return nil
}
