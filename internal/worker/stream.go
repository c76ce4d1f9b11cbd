package worker

import (
	"context"
	"io"
	"sync"

	"modelworker/pkg/types"
)

// Stream is a pull-based sequence of ModelOutputs in generation order. Next returns
// io.EOF after the last output. Close stops the producer and may be called at any time.
type Stream interface {
	Next(ctx context.Context) (*types.ModelOutput, error)
	Close() error
}

// Drain reads s to the end and returns the last output.
func Drain(ctx context.Context, s Stream) (*types.ModelOutput, error) {
	defer s.Close()
	var last *types.ModelOutput
	for {
		out, err := s.Next(ctx)
		if err == io.EOF {
			if last == nil {
				return nil, io.ErrUnexpectedEOF
			}
			return last, nil
		}
		if err != nil {
			return last, err
		}
		last = out
	}
}

// chanStream is fed by a producer goroutine that closes ch when done.
type chanStream struct {
	ch     <-chan *types.ModelOutput
	cancel context.CancelFunc
	done   <-chan struct{}
	once   sync.Once
}

func (s *chanStream) Next(ctx context.Context) (*types.ModelOutput, error) {
	select {
	case <-ctx.Done():
		return nil, ctx.Err()
	case out, ok := <-s.ch:
		if !ok {
			return nil, io.EOF
		}
		return out, nil
	}
}

func (s *chanStream) Close() error {
	s.once.Do(func() {
		s.cancel()
		for range s.ch {
		}
		<-s.done
	})
	return nil
}

// produce runs fn in a goroutine; fn sends outputs through emit, which fails once the
// stream is closed.
func produce(ctx context.Context, fn func(ctx context.Context, emit func(*types.ModelOutput) error)) Stream {
	ctx, cancel := context.WithCancel(ctx)
	ch := make(chan *types.ModelOutput)
	done := make(chan struct{})
	emit := func(out *types.ModelOutput) error {
		select {
		case ch <- out:
			return nil
		case <-ctx.Done():
			return ctx.Err()
		}
	}
	go func() {
		defer close(done)
		defer close(ch)
		fn(ctx, emit)
	}()
	return &chanStream{ch: ch, cancel: cancel, done: done}
}

// sliceStream replays fixed outputs.
type sliceStream struct {
	outs []*types.ModelOutput
	i    int
}

// NewSliceStream returns a stream over outs.
func NewSliceStream(outs ...*types.ModelOutput) Stream { return &sliceStream{outs: outs} }

func (s *sliceStream) Next(ctx context.Context) (*types.ModelOutput, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	if s.i >= len(s.outs) {
		return nil, io.EOF
	}
	out := s.outs[s.i]
	s.i++
	return out, nil
}

func (s *sliceStream) Close() error { return nil }
