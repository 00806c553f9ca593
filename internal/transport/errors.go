package transport

import "errors"

var (
	// ErrNoMatchingInterface means negotiation exhausted every
	// configuration, interface and alternate setting without finding the
	// ADB signature with a usable endpoint pair. Fatal for the attempt.
	ErrNoMatchingInterface = errors.New("transport: no matching adb interface")

	// ErrTransportClosed is returned by reads and writes after the
	// transport has been closed, explicitly or by disconnect.
	ErrTransportClosed = errors.New("transport: closed")

	// ErrDeviceGone marks operations that failed because the device was
	// physically removed. Swallowed during close, surfaced elsewhere.
	ErrDeviceGone = errors.New("transport: device disconnected")

	// ErrPickerCancelled is returned by a picker callback when the user
	// dismissed it without choosing. RequestDevice resolves it to an
	// empty result rather than an error.
	ErrPickerCancelled = errors.New("transport: device picker cancelled")
)
