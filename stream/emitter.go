// Package stream implements the backpressured chunk emitter: a lazy,
// finite, non-restartable sequence of chunks with ordered delivery and
// graceful termination.
package stream

import (
	"context"
	"sync"

	"github.com/convergelabs/modelgate/core"
)

// Emitter carries one request's incremental output from a producer
// (provider or runner) to a single consumer.
//
// Producer contract: any number of Emit calls, then exactly one of
// Finish or Fail. Emit blocks when the bounded buffer is full; that
// block is the backpressure signal. After Cancel, the next Emit
// observes cancellation and returns an error so the producer can tear
// down; no final chunk is emitted on that path.
//
// Consumer contract: range over Chunks(); once the channel closes,
// Err() reports how the stream ended.
type Emitter struct {
	requestID string
	ch        chan core.StreamChunk
	cancelled chan struct{}

	mu     sync.Mutex
	seq    int
	closed bool
	err    error

	cancelOnce sync.Once
	closeOnce  sync.Once
}

// NewEmitter creates an emitter with the given bounded buffer size
func NewEmitter(requestID string, bufferSize int) *Emitter {
	if bufferSize <= 0 {
		bufferSize = 1
	}
	return &Emitter{
		requestID: requestID,
		ch:        make(chan core.StreamChunk, bufferSize),
		cancelled: make(chan struct{}),
	}
}

// RequestID returns the request this emitter belongs to
func (e *Emitter) RequestID() string {
	return e.requestID
}

// Chunks returns the consumer side of the sequence. The channel closes
// when the stream terminates; check Err() afterwards.
func (e *Emitter) Chunks() <-chan core.StreamChunk {
	return e.ch
}

// Emit appends one delta to the sequence. It blocks while the buffer is
// full and returns an error once the context is done, the consumer has
// cancelled, or the stream is already closed.
func (e *Emitter) Emit(ctx context.Context, delta string) error {
	chunk, err := e.nextChunk(delta, false)
	if err != nil {
		return err
	}
	// A blocking select picks randomly among ready cases, so an
	// already-cancelled stream could still enqueue into a roomy buffer.
	// Check cancellation first to make the write boundary deterministic.
	select {
	case <-e.cancelled:
		e.rewind()
		return core.NewGatewayError(core.KindCancelled, "stream.Emit", context.Canceled)
	default:
	}
	select {
	case e.ch <- chunk:
		return nil
	case <-e.cancelled:
		e.rewind()
		return core.NewGatewayError(core.KindCancelled, "stream.Emit", context.Canceled)
	case <-ctx.Done():
		e.rewind()
		return core.NewGatewayError(core.KindOf(ctx.Err()), "stream.Emit", ctx.Err())
	}
}

// Finish terminates the sequence normally: the terminal chunk with
// Final=true (and empty delta) is emitted, then the channel closes.
func (e *Emitter) Finish(ctx context.Context) error {
	chunk, err := e.nextChunk("", true)
	if err != nil {
		return err
	}
	select {
	case <-e.cancelled:
		e.close(context.Canceled)
		return core.NewGatewayError(core.KindCancelled, "stream.Finish", context.Canceled)
	default:
	}
	select {
	case e.ch <- chunk:
		e.close(nil)
		return nil
	case <-e.cancelled:
		e.close(context.Canceled)
		return core.NewGatewayError(core.KindCancelled, "stream.Finish", context.Canceled)
	case <-ctx.Done():
		e.close(ctx.Err())
		return core.NewGatewayError(core.KindOf(ctx.Err()), "stream.Finish", ctx.Err())
	}
}

// Fail terminates the sequence with an error. Chunks already delivered
// are not retracted; no final chunk is emitted.
func (e *Emitter) Fail(err error) {
	e.close(err)
}

// Cancel signals consumer-side cancellation. The producer observes it
// at its next write boundary. Cancelling an already-cancelled or
// completed stream is a no-op.
func (e *Emitter) Cancel() {
	e.cancelOnce.Do(func() {
		close(e.cancelled)
	})
}

// Cancelled exposes the cancellation signal for producers that want to
// select on it between writes.
func (e *Emitter) Cancelled() <-chan struct{} {
	return e.cancelled
}

// Err reports how the stream ended. Valid after Chunks() closes; nil
// means normal completion.
func (e *Emitter) Err() error {
	e.mu.Lock()
	defer e.mu.Unlock()
	return e.err
}

// nextChunk allocates the next sequence number. The number is rewound
// if the send never happens (see rewind), keeping delivered sequences
// dense.
func (e *Emitter) nextChunk(delta string, final bool) (core.StreamChunk, error) {
	e.mu.Lock()
	defer e.mu.Unlock()
	if e.closed {
		return core.StreamChunk{}, core.NewGatewayError(core.KindInternal, "stream.Emit", core.ErrStreamClosed)
	}
	chunk := core.StreamChunk{
		RequestID: e.requestID,
		Sequence:  e.seq,
		Delta:     delta,
		Final:     final,
	}
	e.seq++
	return chunk, nil
}

func (e *Emitter) rewind() {
	e.mu.Lock()
	e.seq--
	e.mu.Unlock()
}

func (e *Emitter) close(err error) {
	e.closeOnce.Do(func() {
		e.mu.Lock()
		e.closed = true
		e.err = err
		e.mu.Unlock()
		close(e.ch)
	})
}
