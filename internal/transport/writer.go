package transport

import (
	"context"
	"fmt"
	"sync"
	"sync/atomic"

	"go.uber.org/zap"

	"adb-transport/pkg/adbwire"
)

// DefaultHighWaterMark bounds the bytes a Writer will hold queued or in
// flight before producers are made to wait.
const DefaultHighWaterMark = 16 * 1024

// Writer is the consumer-driven sink for outbound packets. Each accepted
// packet is serialized into one frame and sent as exactly one outbound
// transfer. A single drain goroutine issues transfers strictly in
// submission order, never starting one before the previous completed.
//
// Backpressure: while queued-plus-in-flight bytes are at the high-water
// mark, Write blocks; it resumes when the drain loop completes a transfer
// and frees the space. This bounds memory when the producer outruns the
// device.
type Writer struct {
	out    WriteContexter
	limit  int
	logger *zap.Logger

	ctx    context.Context
	cancel context.CancelFunc

	mu      sync.Mutex
	cond    *sync.Cond
	queue   [][]byte
	pending int // bytes queued or in flight
	err     error

	drained chan struct{}

	packets atomic.Int64
	bytes   atomic.Int64
}

func newWriter(out WriteContexter, limit int, logger *zap.Logger) *Writer {
	if limit <= 0 {
		limit = DefaultHighWaterMark
	}
	ctx, cancel := context.WithCancel(context.Background())
	w := &Writer{
		out:     out,
		limit:   limit,
		logger:  logger.With(zap.String("component", "writer")),
		ctx:     ctx,
		cancel:  cancel,
		drained: make(chan struct{}),
	}
	w.cond = sync.NewCond(&w.mu)
	go w.drain()
	return w
}

// Write serializes pkt and submits it. It blocks while the sink is at its
// high-water mark; per the transport's cancellation model, only closing
// the writer unblocks a waiting producer early.
func (w *Writer) Write(ctx context.Context, pkt *adbwire.Packet) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	frame := pkt.Encode()

	w.mu.Lock()
	defer w.mu.Unlock()
	// A frame larger than the mark is admitted alone once the sink is
	// empty; it could never fit otherwise.
	for w.err == nil && w.pending > 0 && w.pending+len(frame) > w.limit {
		w.cond.Wait()
	}
	if w.err != nil {
		return w.err
	}
	w.queue = append(w.queue, frame)
	w.pending += len(frame)
	w.cond.Broadcast()
	return nil
}

// drain is the single consumer of the queue.
func (w *Writer) drain() {
	defer close(w.drained)
	for {
		w.mu.Lock()
		for len(w.queue) == 0 && w.err == nil {
			w.cond.Wait()
		}
		if w.err != nil {
			// Queued frames are discarded: after a failure or close
			// the device is not written to again.
			w.queue = nil
			w.pending = 0
			w.cond.Broadcast()
			w.mu.Unlock()
			return
		}
		frame := w.queue[0]
		w.queue = w.queue[1:]
		w.mu.Unlock()

		n, err := w.out.WriteContext(w.ctx, frame)
		if err == nil && n != len(frame) {
			err = fmt.Errorf("short transfer: submitted %d, sent %d", len(frame), n)
		}

		w.mu.Lock()
		w.pending -= len(frame)
		if err != nil {
			if w.err == nil {
				w.err = fmt.Errorf("outbound transfer: %w", err)
				w.logger.Debug("Writer failed", zap.Error(w.err))
			}
			w.queue = nil
			w.pending = 0
			w.cond.Broadcast()
			w.mu.Unlock()
			return
		}
		w.packets.Add(1)
		w.bytes.Add(int64(len(frame)))
		w.cond.Broadcast()
		w.mu.Unlock()
	}
}

// Close stops the writer. Queued frames are dropped, an in-flight
// transfer is cancelled, and blocked producers return ErrTransportClosed.
// Safe to call more than once.
func (w *Writer) Close() {
	w.mu.Lock()
	if w.err == nil {
		w.err = ErrTransportClosed
	}
	w.cond.Broadcast()
	w.mu.Unlock()
	w.cancel()
	<-w.drained
}

// pendingBytes reports bytes queued or in flight. Never exceeds the
// high-water mark unless a single oversized frame was admitted alone.
func (w *Writer) pendingBytes() int {
	w.mu.Lock()
	defer w.mu.Unlock()
	return w.pending
}

// Stats reports frames and bytes successfully transferred so far.
func (w *Writer) Stats() (packets, bytes int64) {
	return w.packets.Load(), w.bytes.Load()
}
