package transport

import "context"

// ADB interface signature. The negotiator binds only to alternate settings
// carrying exactly this class/subclass/protocol triple.
const (
	adbInterfaceClass    = 0xff
	adbInterfaceSubClass = 0x42
	adbInterfaceProtocol = 0x01
)

// Direction of an endpoint, seen from the host.
type Direction bool

const (
	DirectionOut Direction = false
	DirectionIn  Direction = true
)

// EndpointInfo describes one endpoint of an alternate setting.
type EndpointInfo struct {
	Number    int
	Direction Direction
}

// AltSettingInfo describes one alternate setting of an interface.
type AltSettingInfo struct {
	Alternate int
	Class     uint8
	SubClass  uint8
	Protocol  uint8
	Endpoints []EndpointInfo
}

// matchesADB reports whether the alternate setting carries the ADB
// signature and exposes at least one endpoint in each direction.
func (a AltSettingInfo) matchesADB() bool {
	if a.Class != adbInterfaceClass || a.SubClass != adbInterfaceSubClass || a.Protocol != adbInterfaceProtocol {
		return false
	}
	var hasIn, hasOut bool
	for _, ep := range a.Endpoints {
		if ep.Direction == DirectionIn {
			hasIn = true
		} else {
			hasOut = true
		}
	}
	return hasIn && hasOut
}

// InterfaceInfo describes one interface of a configuration.
type InterfaceInfo struct {
	Number      int
	AltSettings []AltSettingInfo
}

// ConfigInfo describes one configuration of a device.
type ConfigInfo struct {
	Number     int
	Interfaces []InterfaceInfo
}

// DeviceKey identifies a physical device by its position on the bus. Two
// handles refer to the same device exactly when their keys are equal; the
// disconnect registry is keyed by it.
type DeviceKey struct {
	Bus     int
	Address int
}

// ReadContexter issues one inbound transfer per call, filling at most
// len(p) bytes. A *gousb.InEndpoint satisfies it directly.
type ReadContexter interface {
	ReadContext(ctx context.Context, p []byte) (int, error)
}

// WriteContexter issues one outbound transfer per call. A
// *gousb.OutEndpoint satisfies it directly.
type WriteContexter interface {
	WriteContext(ctx context.Context, p []byte) (int, error)
}

// usbDevice is the device surface the negotiator and lifecycle code run
// against. The gousb adapter implements it for real hardware; tests drive
// the same code with fakes.
type usbDevice interface {
	Key() DeviceKey
	Configs() []ConfigInfo
	ActiveConfig() (int, error)
	// SelectConfig makes the numbered configuration active (a no-op at
	// the bus level when it already is) and returns a claimable view.
	SelectConfig(num int) (usbConfig, error)
	SerialNumber() (string, error)
	Product() (string, error)
	Close() error
}

// usbConfig is a selected configuration.
type usbConfig interface {
	// ClaimInterface claims the numbered interface and activates the
	// given alternate setting in the same step, mirroring how libusb
	// combines the two.
	ClaimInterface(num, alt int) (usbInterface, error)
	Close() error
}

// usbInterface is a claimed interface with its alternate setting active.
type usbInterface interface {
	InEndpoint(num int) (ReadContexter, error)
	OutEndpoint(num int) (WriteContexter, error)
	Close()
}

// Handle is a connectable reference to one enumerated device. It is
// exclusively owned: either released via Close or consumed by Connect,
// after which the transport owns the underlying device.
type Handle struct {
	dev     usbDevice
	key     DeviceKey
	serial  string
	product string
}

func newHandle(dev usbDevice) *Handle {
	h := &Handle{dev: dev, key: dev.Key()}
	// Identity strings are best-effort; some devices have no string
	// descriptors and some platforms refuse to read them.
	if s, err := dev.SerialNumber(); err == nil {
		h.serial = s
	}
	if p, err := dev.Product(); err == nil {
		h.product = p
	}
	return h
}

// Serial returns the device serial number, empty if unavailable.
func (h *Handle) Serial() string { return h.serial }

// Product returns the product name, empty if unavailable.
func (h *Handle) Product() string { return h.product }

// Key returns the bus identity of the device.
func (h *Handle) Key() DeviceKey { return h.key }

// Close releases a handle that will not be connected. Must not be called
// after the handle has been passed to Connect.
func (h *Handle) Close() error {
	return h.dev.Close()
}
