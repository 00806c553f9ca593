// Package transport exposes a USB-attached ADB device as a duplex stream
// of protocol packets: discovery and negotiation of the bulk endpoint
// pair, a pull-driven packet reader, a backpressure-bounded packet
// writer, and disconnect-aware lifecycle management.
package transport

import (
	"context"
	"errors"
	"sync"

	"github.com/google/uuid"
	"go.uber.org/zap"

	"adb-transport/pkg/adbwire"
)

// Transport is the duplex packet stream over one device's negotiated
// endpoint pair. It exclusively owns the device handle for its whole
// life; closing the transport closes the device.
type Transport struct {
	id     string
	handle *Handle
	eps    *endpoints
	reader *Reader
	writer *Writer
	sub    *Subscription
	logger *zap.Logger

	closeOnce sync.Once
	closed    chan struct{}
	closeErr  error
}

// newTransport wires a negotiated endpoint pair into a running transport
// and registers it for disconnect events of its own device.
func newTransport(handle *Handle, eps *endpoints, registry *Registry, highWater int, logger *zap.Logger) *Transport {
	t := &Transport{
		id:     uuid.NewString(),
		handle: handle,
		eps:    eps,
		closed: make(chan struct{}),
	}
	t.logger = logger.With(
		zap.String("transport_id", t.id),
		zap.String("serial", handle.Serial()),
	)
	t.reader = newReader(eps.in, t.logger)
	t.writer = newWriter(eps.out, highWater, t.logger)
	// The registry is keyed by device identity, so only this device's
	// disconnect reaches the callback; events for other devices are
	// never seen here.
	t.sub = registry.Subscribe(handle.Key(), t.onDisconnect)
	t.logger.Info("Transport opened",
		zap.Int("in_endpoint", eps.inNum),
		zap.Int("out_endpoint", eps.outNum),
	)
	return t
}

// ID returns the transport's identifier used in logs.
func (t *Transport) ID() string { return t.id }

// Serial returns the device serial number.
func (t *Transport) Serial() string { return t.handle.Serial() }

// Product returns the device product name.
func (t *Transport) Product() string { return t.handle.Product() }

// Read returns the next inbound packet. Blocks until a whole packet
// arrived, the transport closed, or the transfer failed.
func (t *Transport) Read(ctx context.Context) (*adbwire.Packet, error) {
	return t.reader.Next(ctx)
}

// Write submits one outbound packet, blocking while the writer is at its
// high-water mark.
func (t *Transport) Write(ctx context.Context, pkt *adbwire.Packet) error {
	return t.writer.Write(ctx, pkt)
}

// Done is closed once the transport has fully shut down.
func (t *Transport) Done() <-chan struct{} { return t.closed }

func (t *Transport) onDisconnect() {
	t.logger.Info("Device disconnected")
	// Close is idempotent, so racing an explicit Close is harmless.
	t.Close() //nolint:errcheck // disconnect path has no caller to report to
}

// Close shuts the transport down: the disconnect subscription is
// released, reader and writer move to their terminal states, and the
// claimed interface, configuration and device are closed. Only the first
// call has effect; later calls return nil immediately. A device that
// hardware already removed is not an error here.
func (t *Transport) Close() error {
	var first bool
	t.closeOnce.Do(func() {
		first = true
		t.sub.Cancel()
		t.closeErr = t.shutdown()
		close(t.closed)
	})
	if first {
		return t.closeErr
	}
	// Later callers, including the loser of a close/disconnect race,
	// report success.
	return nil
}

func (t *Transport) shutdown() error {
	t.writer.Close()
	t.reader.Close()

	t.eps.intf.Close()
	if err := t.eps.cfg.Close(); err != nil && !errors.Is(err, ErrDeviceGone) {
		t.logger.Debug("Releasing configuration failed", zap.Error(err))
	}

	var closeErr error
	if err := t.handle.dev.Close(); err != nil {
		if errors.Is(err, ErrDeviceGone) {
			// Expected when close was triggered by removal.
			t.logger.Debug("Device already gone at close")
		} else {
			closeErr = err
		}
	}

	inPkts, inBytes := t.reader.Stats()
	outPkts, outBytes := t.writer.Stats()
	t.logger.Info("Transport closed",
		zap.Int64("packets_in", inPkts),
		zap.Int64("bytes_in", inBytes),
		zap.Int64("packets_out", outPkts),
		zap.Int64("bytes_out", outBytes),
	)
	return closeErr
}
