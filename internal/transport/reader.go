package transport

import (
	"context"
	"fmt"
	"sync"
	"sync/atomic"

	"go.uber.org/zap"

	"adb-transport/pkg/adbwire"
)

// Reader turns the inbound endpoint into a pull-driven packet sequence.
// Nothing is fetched from the device until the consumer asks for the next
// packet, and exactly one packet is in flight at a time: the payload
// transfer for a packet starts only after its header transfer completed,
// and the next header transfer starts only after the previous packet was
// delivered.
//
// Each transfer requests exactly the expected size. Requesting more would
// invite a babble error on devices that answer with a full buffer;
// requesting a worst-case maximum on every pull would waste allocation.
// A babble response is not drained or retried; it surfaces as an ordinary
// transfer failure.
type Reader struct {
	in     ReadContexter
	logger *zap.Logger

	// pullMu serializes pulls; stMu guards the terminal error so Close
	// never has to wait behind a blocked transfer.
	pullMu sync.Mutex
	stMu   sync.Mutex
	err    error

	hdr [adbwire.HeaderLen]byte

	packets atomic.Int64
	bytes   atomic.Int64
}

func newReader(in ReadContexter, logger *zap.Logger) *Reader {
	return &Reader{
		in:     in,
		logger: logger.With(zap.String("component", "reader")),
	}
}

// Next blocks until one whole packet has been received and returns it.
// Once Next has returned an error the reader is finished: every later
// call returns the same error. Not restartable.
func (r *Reader) Next(ctx context.Context) (*adbwire.Packet, error) {
	r.pullMu.Lock()
	defer r.pullMu.Unlock()

	if err := r.terminalErr(); err != nil {
		return nil, err
	}

	pkt, err := r.next(ctx)
	if err != nil {
		return nil, r.setTerminalErr(err)
	}
	if err := r.terminalErr(); err != nil {
		// Closed while the pull was in flight; the packet is dropped
		// rather than delivered past the close.
		return nil, err
	}
	r.packets.Add(1)
	r.bytes.Add(int64(adbwire.HeaderLen + len(pkt.Payload)))
	return pkt, nil
}

func (r *Reader) next(ctx context.Context) (*adbwire.Packet, error) {
	if err := r.readExact(ctx, r.hdr[:]); err != nil {
		return nil, fmt.Errorf("header transfer: %w", err)
	}
	hdr, err := adbwire.DecodeHeader(r.hdr[:])
	if err != nil {
		return nil, err
	}
	if hdr.Length == 0 {
		return hdr.WithPayload(nil)
	}
	payload := make([]byte, hdr.Length)
	if err := r.readExact(ctx, payload); err != nil {
		return nil, fmt.Errorf("payload transfer (%d bytes): %w", hdr.Length, err)
	}
	return hdr.WithPayload(payload)
}

// readExact issues a single inbound transfer sized exactly len(p). A
// short completion is a protocol violation, not something to retry.
func (r *Reader) readExact(ctx context.Context, p []byte) error {
	n, err := r.in.ReadContext(ctx, p)
	if err != nil {
		return err
	}
	if n != len(p) {
		return fmt.Errorf("short transfer: requested %d, received %d", len(p), n)
	}
	return nil
}

func (r *Reader) terminalErr() error {
	r.stMu.Lock()
	defer r.stMu.Unlock()
	return r.err
}

// setTerminalErr records the first failure; later failures keep the
// original so every caller sees one consistent error.
func (r *Reader) setTerminalErr(err error) error {
	r.stMu.Lock()
	defer r.stMu.Unlock()
	if r.err == nil {
		r.err = err
	}
	return r.err
}

// Close moves the reader to its terminal state. A pull already blocked in
// a transfer is not interrupted here; closing the underlying endpoint
// does that.
func (r *Reader) Close() {
	r.setTerminalErr(ErrTransportClosed)
}

// Stats reports packets and bytes received so far.
func (r *Reader) Stats() (packets, bytes int64) {
	return r.packets.Load(), r.bytes.Load()
}
