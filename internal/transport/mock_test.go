package transport

import (
	"context"
	"errors"
	"sync"
)

// scriptIn is a ReadContexter fed from a script: each ReadContext call
// consumes one entry. Requested sizes are recorded so tests can assert
// the exact transfer sizes the reader issued.
type scriptIn struct {
	mu     sync.Mutex
	script [][]byte
	errs   map[int]error // call index -> error
	calls  []int         // requested sizes, in order
}

func (s *scriptIn) ReadContext(ctx context.Context, p []byte) (int, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	call := len(s.calls)
	s.calls = append(s.calls, len(p))
	if err := s.errs[call]; err != nil {
		return 0, err
	}
	if len(s.script) == 0 {
		<-ctx.Done()
		return 0, ctx.Err()
	}
	data := s.script[0]
	s.script = s.script[1:]
	return copy(p, data), nil
}

func (s *scriptIn) requested() []int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return append([]int(nil), s.calls...)
}

// gatedOut is a WriteContexter that completes one transfer per token sent
// on gate, recording every frame it accepted.
type gatedOut struct {
	gate   chan struct{}
	mu     sync.Mutex
	frames [][]byte
	errs   map[int]error // call index -> error
}

func newGatedOut() *gatedOut {
	return &gatedOut{gate: make(chan struct{})}
}

func (g *gatedOut) WriteContext(ctx context.Context, p []byte) (int, error) {
	select {
	case <-g.gate:
	case <-ctx.Done():
		return 0, ctx.Err()
	}
	g.mu.Lock()
	defer g.mu.Unlock()
	if err := g.errs[len(g.frames)]; err != nil {
		return 0, err
	}
	g.frames = append(g.frames, append([]byte(nil), p...))
	return len(p), nil
}

func (g *gatedOut) sent() [][]byte {
	g.mu.Lock()
	defer g.mu.Unlock()
	return append([][]byte(nil), g.frames...)
}

// openOut never blocks.
type openOut struct {
	mu     sync.Mutex
	frames [][]byte
}

func (o *openOut) WriteContext(_ context.Context, p []byte) (int, error) {
	o.mu.Lock()
	defer o.mu.Unlock()
	o.frames = append(o.frames, append([]byte(nil), p...))
	return len(p), nil
}

// fakeInterface hands out the endpoints a test configured.
type fakeInterface struct {
	in     map[int]ReadContexter
	out    map[int]WriteContexter
	closed bool
}

func (f *fakeInterface) InEndpoint(num int) (ReadContexter, error) {
	ep, ok := f.in[num]
	if !ok {
		return nil, errEndpointMissing
	}
	return ep, nil
}

func (f *fakeInterface) OutEndpoint(num int) (WriteContexter, error) {
	ep, ok := f.out[num]
	if !ok {
		return nil, errEndpointMissing
	}
	return ep, nil
}

func (f *fakeInterface) Close() { f.closed = true }

type claim struct {
	number    int
	alternate int
}

// fakeConfig records interface claims and returns the device's single
// fake interface.
type fakeConfig struct {
	dev    *fakeDevice
	number int
	closed bool
}

func (c *fakeConfig) ClaimInterface(num, alt int) (usbInterface, error) {
	if c.dev.claimErr != nil {
		return nil, c.dev.claimErr
	}
	c.dev.claims = append(c.dev.claims, claim{number: num, alternate: alt})
	return c.dev.intf, nil
}

func (c *fakeConfig) Close() error {
	c.closed = true
	return nil
}

// fakeDevice implements usbDevice over a literal descriptor tree.
type fakeDevice struct {
	key     DeviceKey
	configs []ConfigInfo
	active  int
	serial  string
	product string
	intf    *fakeInterface

	claimErr error
	closeErr error

	selects    []int
	claims     []claim
	lastCfg    *fakeConfig
	closeCalls int
}

func (d *fakeDevice) Key() DeviceKey        { return d.key }
func (d *fakeDevice) Configs() []ConfigInfo { return d.configs }

func (d *fakeDevice) ActiveConfig() (int, error) { return d.active, nil }

func (d *fakeDevice) SelectConfig(num int) (usbConfig, error) {
	d.selects = append(d.selects, num)
	d.active = num
	d.lastCfg = &fakeConfig{dev: d, number: num}
	return d.lastCfg, nil
}

func (d *fakeDevice) SerialNumber() (string, error) { return d.serial, nil }
func (d *fakeDevice) Product() (string, error)      { return d.product, nil }

func (d *fakeDevice) Close() error {
	d.closeCalls++
	return d.closeErr
}

var errEndpointMissing = errors.New("fake: endpoint not present")

// adbAlt builds an alternate setting carrying the ADB signature.
func adbAlt(alternate int, eps ...EndpointInfo) AltSettingInfo {
	return AltSettingInfo{
		Alternate: alternate,
		Class:     adbInterfaceClass,
		SubClass:  adbInterfaceSubClass,
		Protocol:  adbInterfaceProtocol,
		Endpoints: eps,
	}
}

// mscAlt builds a non-matching alternate (mass-storage signature).
func mscAlt(alternate int, eps ...EndpointInfo) AltSettingInfo {
	return AltSettingInfo{
		Alternate: alternate,
		Class:     0x08,
		SubClass:  0x06,
		Protocol:  0x50,
		Endpoints: eps,
	}
}

func epIn(num int) EndpointInfo  { return EndpointInfo{Number: num, Direction: DirectionIn} }
func epOut(num int) EndpointInfo { return EndpointInfo{Number: num, Direction: DirectionOut} }
