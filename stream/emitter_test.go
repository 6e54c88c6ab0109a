package stream

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/convergelabs/modelgate/core"
)

func collect(em *Emitter) []core.StreamChunk {
	var out []core.StreamChunk
	for chunk := range em.Chunks() {
		out = append(out, chunk)
	}
	return out
}

func TestEmitterDenseSequenceAndSingleFinal(t *testing.T) {
	ctx := context.Background()
	em := NewEmitter("req-1", 8)

	go func() {
		for _, d := range []string{"a", "b", "c"} {
			if err := em.Emit(ctx, d); err != nil {
				t.Errorf("Emit failed: %v", err)
			}
		}
		if err := em.Finish(ctx); err != nil {
			t.Errorf("Finish failed: %v", err)
		}
	}()

	chunks := collect(em)
	if len(chunks) != 4 {
		t.Fatalf("got %d chunks, want 4 (3 deltas + final)", len(chunks))
	}
	finals := 0
	for i, c := range chunks {
		if c.Sequence != i {
			t.Errorf("chunk %d has sequence %d, want dense from 0", i, c.Sequence)
		}
		if c.RequestID != "req-1" {
			t.Errorf("chunk %d has request id %q", i, c.RequestID)
		}
		if c.Final {
			finals++
		}
	}
	if finals != 1 {
		t.Errorf("got %d final chunks, want exactly 1", finals)
	}
	if !chunks[len(chunks)-1].Final {
		t.Error("final chunk must be last")
	}
	if em.Err() != nil {
		t.Errorf("Err() after normal completion = %v, want nil", em.Err())
	}
}

func TestEmitterCancellationEmitsNoFinal(t *testing.T) {
	ctx := context.Background()
	em := NewEmitter("req-2", 1)

	produced := make(chan error, 1)
	go func() {
		for {
			if err := em.Emit(ctx, "x"); err != nil {
				produced <- err
				return
			}
		}
	}()

	// Consume one chunk, then cancel
	<-em.Chunks()
	em.Cancel()

	err := <-produced
	if err == nil {
		t.Fatal("producer should observe cancellation")
	}
	if core.KindOf(err) != core.KindCancelled {
		t.Errorf("producer error kind = %v, want CANCELLED", core.KindOf(err))
	}

	// Producer tears down without Finish; consumer-side channel stays
	// open until Fail or Finish, so fail it the way producers do
	em.Fail(err)
	for chunk := range em.Chunks() {
		if chunk.Final {
			t.Error("cancelled stream must not emit a final chunk")
		}
	}
}

func TestEmitterFailDoesNotRetract(t *testing.T) {
	ctx := context.Background()
	em := NewEmitter("req-3", 8)

	em.Emit(ctx, "partial")
	wantErr := errors.New("upstream broke")
	em.Fail(wantErr)

	chunks := collect(em)
	if len(chunks) != 1 || chunks[0].Delta != "partial" {
		t.Errorf("delivered chunks should survive failure, got %v", chunks)
	}
	if !errors.Is(em.Err(), wantErr) {
		t.Errorf("Err() = %v, want %v", em.Err(), wantErr)
	}
}

func TestEmitterBackpressureBlocksProducer(t *testing.T) {
	ctx := context.Background()
	em := NewEmitter("req-4", 1)

	if err := em.Emit(ctx, "fill"); err != nil {
		t.Fatal(err)
	}

	blocked := make(chan struct{})
	go func() {
		em.Emit(ctx, "blocked")
		close(blocked)
	}()

	select {
	case <-blocked:
		t.Fatal("Emit should block while the buffer is full")
	case <-time.After(50 * time.Millisecond):
	}

	<-em.Chunks()
	select {
	case <-blocked:
	case <-time.After(time.Second):
		t.Fatal("Emit should unblock after the consumer drains")
	}
}

func TestEmitterContextCancellationUnblocksProducer(t *testing.T) {
	ctx, cancel := context.WithCancel(context.Background())
	em := NewEmitter("req-5", 1)
	em.Emit(ctx, "fill")

	errCh := make(chan error, 1)
	go func() {
		errCh <- em.Emit(ctx, "blocked")
	}()
	cancel()

	select {
	case err := <-errCh:
		if core.KindOf(err) != core.KindCancelled {
			t.Errorf("error kind = %v, want CANCELLED", core.KindOf(err))
		}
	case <-time.After(time.Second):
		t.Fatal("Emit should observe context cancellation")
	}
}

func TestEmitterEmitAfterCloseFails(t *testing.T) {
	ctx := context.Background()
	em := NewEmitter("req-6", 8)
	em.Finish(ctx)

	if err := em.Emit(ctx, "late"); !errors.Is(err, core.ErrStreamClosed) {
		t.Errorf("Emit after Finish = %v, want ErrStreamClosed", err)
	}
}

func TestEmitterCancelledStreamEnqueuesNothing(t *testing.T) {
	ctx := context.Background()
	em := NewEmitter("req-1", 8)
	em.Cancel()

	// The buffer has room, but a cancelled stream must reject every
	// write deterministically rather than racing the send
	for i := 0; i < 10; i++ {
		err := em.Emit(ctx, "late")
		if core.KindOf(err) != core.KindCancelled {
			t.Fatalf("Emit %d: kind = %s, want CANCELLED", i, core.KindOf(err))
		}
	}
	if err := em.Finish(ctx); core.KindOf(err) != core.KindCancelled {
		t.Fatalf("Finish: kind = %s, want CANCELLED", core.KindOf(err))
	}

	if chunks := collect(em); len(chunks) != 0 {
		t.Errorf("delivered %d chunks after cancel, want 0", len(chunks))
	}
	if !errors.Is(em.Err(), context.Canceled) {
		t.Errorf("Err() = %v, want context.Canceled", em.Err())
	}
}
