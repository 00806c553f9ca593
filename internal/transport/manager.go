package transport

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/google/gousb"
	"github.com/samber/lo"
	"go.uber.org/zap"

	"adb-transport/internal/config"
)

// PickerFunc chooses among candidate devices, returning the index of the
// chosen handle. Returning ErrPickerCancelled means the user dismissed
// the picker without choosing; RequestDevice treats that as an empty
// result, not a failure.
type PickerFunc func(ctx context.Context, candidates []*Handle) (int, error)

// Manager owns the USB host context and implements the public device
// operations: capability check, enumeration, picker-driven authorization
// and connection. One Manager serves any number of transports; its
// disconnect registry routes removal events to the affected one.
type Manager struct {
	usb          *gousb.Context
	registry     *Registry
	logger       *zap.Logger
	highWater    int
	pollInterval time.Duration
}

// NewManager initializes the USB stack with the given configuration.
func NewManager(cfg *config.Config, logger *zap.Logger) *Manager {
	usb := gousb.NewContext()
	if cfg.USB.DebugLevel > 0 {
		usb.Debug(cfg.USB.DebugLevel)
	}
	return &Manager{
		usb:          usb,
		registry:     NewRegistry(),
		logger:       logger.With(zap.String("component", "manager")),
		highWater:    cfg.Transport.WriteHighWater,
		pollInterval: cfg.Transport.DisconnectPollInterval,
	}
}

// Supported reports whether this host exposes USB access at all. It
// probes the device list without opening anything.
func (m *Manager) Supported() bool {
	_, err := m.usb.OpenDevices(func(*gousb.DeviceDesc) bool { return false })
	if err != nil {
		m.logger.Debug("USB subsystem not accessible", zap.Error(err))
		return false
	}
	return true
}

// hasADBInterface reports whether any alternate setting in the descriptor
// tree carries the ADB signature with a bulk endpoint pair.
func hasADBInterface(desc *gousb.DeviceDesc) bool {
	for _, cfg := range desc.Configs {
		for _, intf := range cfg.Interfaces {
			for _, alt := range intf.AltSettings {
				if flattenAltSetting(alt).matchesADB() {
					return true
				}
			}
		}
	}
	return false
}

// Devices opens every attached device exposing the ADB signature and
// returns connectable handles. The caller owns the handles: each must be
// closed or passed to Connect.
func (m *Manager) Devices(ctx context.Context) ([]*Handle, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	devs, err := m.usb.OpenDevices(hasADBInterface)
	if err != nil {
		// OpenDevices can return devices it opened before failing.
		for _, dev := range devs {
			dev.Close()
		}
		return nil, fmt.Errorf("enumerating devices: %w", err)
	}
	handles := lo.Map(devs, func(dev *gousb.Device, _ int) *Handle {
		// Without auto-detach, claiming fails on devices the kernel
		// already bound a driver to.
		if err := dev.SetAutoDetach(true); err != nil {
			m.logger.Debug("Auto-detach not available", zap.Error(err))
		}
		return newHandle(wrapGousbDevice(dev))
	})
	m.logger.Debug("Enumerated adb devices", zap.Int("count", len(handles)))
	return handles, nil
}

// RequestDevice enumerates candidates and asks the picker to choose.
// A cancelled picker yields (nil, nil); any other picker failure
// propagates. Candidates not chosen are released either way.
func (m *Manager) RequestDevice(ctx context.Context, picker PickerFunc) (*Handle, error) {
	candidates, err := m.Devices(ctx)
	if err != nil {
		return nil, err
	}
	return pickDevice(ctx, candidates, picker)
}

func pickDevice(ctx context.Context, candidates []*Handle, picker PickerFunc) (*Handle, error) {
	idx, err := picker(ctx, candidates)
	if err != nil {
		releaseHandles(candidates)
		if errors.Is(err, ErrPickerCancelled) {
			return nil, nil
		}
		return nil, fmt.Errorf("device picker: %w", err)
	}
	if idx < 0 || idx >= len(candidates) {
		releaseHandles(candidates)
		return nil, fmt.Errorf("device picker returned invalid index %d", idx)
	}
	for i, h := range candidates {
		if i != idx {
			h.Close() //nolint:errcheck // unchosen handles are best-effort released
		}
	}
	return candidates[idx], nil
}

func releaseHandles(handles []*Handle) {
	for _, h := range handles {
		h.Close() //nolint:errcheck
	}
}

// Connect negotiates the ADB endpoint pair on the handle and returns a
// running transport that from then on owns the device. On failure the
// caller keeps ownership of the handle. ErrNoMatchingInterface is fatal
// for the attempt; there is no retry.
func (m *Manager) Connect(ctx context.Context, h *Handle) (*Transport, error) {
	eps, err := negotiate(ctx, h.dev, m.logger)
	if err != nil {
		return nil, err
	}
	return newTransport(h, eps, m.registry, m.highWater, m.logger), nil
}

// WatchDisconnects polls the bus and dispatches a disconnect event for
// every previously-present device that vanished. libusb's hotplug API is
// not exposed by the host stack, so removal is detected by rescanning at
// the configured interval. Runs until ctx is cancelled.
func (m *Manager) WatchDisconnects(ctx context.Context) error {
	present, err := m.presentKeys()
	if err != nil {
		return fmt.Errorf("initial bus scan: %w", err)
	}

	ticker := time.NewTicker(m.pollInterval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-ticker.C:
			current, err := m.presentKeys()
			if err != nil {
				m.logger.Warn("Bus scan failed", zap.Error(err))
				continue
			}
			for key := range present {
				if _, ok := current[key]; !ok {
					m.logger.Info("Device left the bus",
						zap.Int("bus", key.Bus),
						zap.Int("address", key.Address),
					)
					m.registry.Dispatch(key)
				}
			}
			present = current
		}
	}
}

// presentKeys snapshots the identities of all attached devices without
// opening any of them.
func (m *Manager) presentKeys() (map[DeviceKey]struct{}, error) {
	keys := make(map[DeviceKey]struct{})
	_, err := m.usb.OpenDevices(func(desc *gousb.DeviceDesc) bool {
		keys[DeviceKey{Bus: desc.Bus, Address: desc.Address}] = struct{}{}
		return false
	})
	if err != nil {
		return nil, err
	}
	return keys, nil
}

// Close releases the USB host context. Transports created by this
// manager must be closed first.
func (m *Manager) Close() error {
	return m.usb.Close()
}
