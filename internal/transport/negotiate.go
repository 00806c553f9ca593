package transport

import (
	"context"
	"fmt"

	"go.uber.org/zap"
)

// negotiationState enumerates the phases of endpoint negotiation. The
// machine advances strictly forward and terminates in stateReady or
// stateFailed.
type negotiationState int

const (
	stateSelectConfiguration negotiationState = iota
	stateSelectInterface
	stateSelectAlternate
	stateSelectEndpoints
	stateReady
	stateFailed
)

func (s negotiationState) String() string {
	switch s {
	case stateSelectConfiguration:
		return "select_configuration"
	case stateSelectInterface:
		return "select_interface"
	case stateSelectAlternate:
		return "select_alternate"
	case stateSelectEndpoints:
		return "select_endpoints"
	case stateReady:
		return "ready"
	case stateFailed:
		return "failed"
	}
	return "unknown"
}

// endpoints is the outcome of a successful negotiation: the claimed
// configuration and interface plus the opened bulk endpoint pair.
type endpoints struct {
	cfg    usbConfig
	intf   usbInterface
	in     ReadContexter
	out    WriteContexter
	inNum  int
	outNum int
}

// negotiator walks a device's configuration/interface/alternate tree and
// claims the first combination carrying the ADB signature. One-shot: a
// negotiator is built, run once, and discarded.
type negotiator struct {
	dev    usbDevice
	logger *zap.Logger

	state negotiationState
	err   error

	// Selection accumulated by the states, in order.
	config ConfigInfo
	intf   InterfaceInfo
	alt    AltSettingInfo
	inEp   EndpointInfo
	outEp  EndpointInfo

	claimedCfg  usbConfig
	claimedIntf usbInterface
	in          ReadContexter
	out         WriteContexter
}

// negotiate opens the ADB endpoint pair on dev, or fails with
// ErrNoMatchingInterface when the device exposes no usable combination.
func negotiate(ctx context.Context, dev usbDevice, logger *zap.Logger) (*endpoints, error) {
	n := &negotiator{
		dev:    dev,
		logger: logger.With(zap.String("component", "negotiator")),
		state:  stateSelectConfiguration,
	}
	return n.run(ctx)
}

func (n *negotiator) run(ctx context.Context) (*endpoints, error) {
	for {
		if err := ctx.Err(); err != nil {
			n.fail(err)
		}
		switch n.state {
		case stateSelectConfiguration:
			n.selectConfiguration()
		case stateSelectInterface:
			n.selectInterface()
		case stateSelectAlternate:
			n.selectAlternate()
		case stateSelectEndpoints:
			n.selectEndpoints()
		case stateReady:
			n.logger.Debug("Negotiation complete",
				zap.Int("config", n.config.Number),
				zap.Int("interface", n.intf.Number),
				zap.Int("alternate", n.alt.Alternate),
				zap.Int("in_endpoint", n.inEp.Number),
				zap.Int("out_endpoint", n.outEp.Number),
			)
			return &endpoints{
				cfg:    n.claimedCfg,
				intf:   n.claimedIntf,
				in:     n.in,
				out:    n.out,
				inNum:  n.inEp.Number,
				outNum: n.outEp.Number,
			}, nil
		case stateFailed:
			n.release()
			return nil, n.err
		}
	}
}

// fail records the terminal error and moves the machine to stateFailed.
func (n *negotiator) fail(err error) {
	n.err = err
	n.state = stateFailed
}

// selectConfiguration scans configurations outermost-first for the first
// combination carrying the ADB signature with both endpoint directions
// present, then makes that configuration active. The scan is first-match:
// there is no attempt to rank candidates.
func (n *negotiator) selectConfiguration() {
	for _, cfg := range n.dev.Configs() {
		for _, intf := range cfg.Interfaces {
			for _, alt := range intf.AltSettings {
				if !alt.matchesADB() {
					continue
				}
				n.config, n.intf, n.alt = cfg, intf, alt
				n.activateConfiguration()
				return
			}
		}
	}
	n.fail(ErrNoMatchingInterface)
}

func (n *negotiator) activateConfiguration() {
	active, err := n.dev.ActiveConfig()
	if err != nil {
		n.fail(fmt.Errorf("reading active configuration: %w", err))
		return
	}
	if active != n.config.Number {
		// Some platforms reject a configuration change on an open
		// device; conforming devices expose the ADB interface in the
		// default configuration, so this path is rare.
		n.logger.Debug("Switching active configuration",
			zap.Int("from", active),
			zap.Int("to", n.config.Number),
		)
	}
	cfg, err := n.dev.SelectConfig(n.config.Number)
	if err != nil {
		n.fail(fmt.Errorf("selecting configuration %d: %w", n.config.Number, err))
		return
	}
	n.claimedCfg = cfg
	n.state = stateSelectInterface
}

// selectInterface fixes the interface choice. The interface cannot already
// be claimed here: negotiation is the first and only claimant on a device
// this package has opened.
func (n *negotiator) selectInterface() {
	n.logger.Debug("Claiming interface", zap.Int("interface", n.intf.Number))
	n.state = stateSelectAlternate
}

// selectAlternate claims the interface with the matched alternate setting
// active. libusb performs the claim and the alternate selection in one
// call, so both happen here.
func (n *negotiator) selectAlternate() {
	intf, err := n.claimedCfg.ClaimInterface(n.intf.Number, n.alt.Alternate)
	if err != nil {
		n.fail(fmt.Errorf("claiming interface %d alt %d: %w", n.intf.Number, n.alt.Alternate, err))
		return
	}
	n.claimedIntf = intf
	n.state = stateSelectEndpoints
}

// selectEndpoints walks the alternate's endpoint list in order and keeps
// the first inbound and first outbound endpoint seen. The scan stops as
// soon as both are known; later endpoints never displace the pair.
func (n *negotiator) selectEndpoints() {
	var haveIn, haveOut bool
	for _, ep := range n.alt.Endpoints {
		switch {
		case ep.Direction == DirectionIn && !haveIn:
			n.inEp, haveIn = ep, true
		case ep.Direction == DirectionOut && !haveOut:
			n.outEp, haveOut = ep, true
		}
		if haveIn && haveOut {
			break
		}
	}
	if !haveIn || !haveOut {
		// matchesADB guarantees both directions exist in the
		// descriptor, so this only trips on a tree that changed
		// between scan and claim.
		n.fail(ErrNoMatchingInterface)
		return
	}

	in, err := n.claimedIntf.InEndpoint(n.inEp.Number)
	if err != nil {
		n.fail(fmt.Errorf("opening in endpoint %d: %w", n.inEp.Number, err))
		return
	}
	out, err := n.claimedIntf.OutEndpoint(n.outEp.Number)
	if err != nil {
		n.fail(fmt.Errorf("opening out endpoint %d: %w", n.outEp.Number, err))
		return
	}
	n.in, n.out = in, out
	n.state = stateReady
}

// release undoes partial claims after a failure.
func (n *negotiator) release() {
	if n.claimedIntf != nil {
		n.claimedIntf.Close()
		n.claimedIntf = nil
	}
	if n.claimedCfg != nil {
		if err := n.claimedCfg.Close(); err != nil {
			n.logger.Debug("Releasing configuration failed", zap.Error(err))
		}
		n.claimedCfg = nil
	}
}
