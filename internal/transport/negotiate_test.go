package transport

import (
	"context"
	"errors"
	"testing"

	"go.uber.org/zap"
)

func newAdbFakeInterface() *fakeInterface {
	return &fakeInterface{
		in:  map[int]ReadContexter{1: &scriptIn{}, 3: &scriptIn{}},
		out: map[int]WriteContexter{2: &openOut{}, 4: &openOut{}},
	}
}

func TestNegotiateSingleConfiguration(t *testing.T) {
	dev := &fakeDevice{
		active: 1,
		configs: []ConfigInfo{{
			Number: 1,
			Interfaces: []InterfaceInfo{{
				Number:      0,
				AltSettings: []AltSettingInfo{adbAlt(0, epIn(1), epOut(2))},
			}},
		}},
		intf: newAdbFakeInterface(),
	}

	eps, err := negotiate(context.Background(), dev, zap.NewNop())
	if err != nil {
		t.Fatalf("negotiate: %v", err)
	}
	if eps.inNum != 1 || eps.outNum != 2 {
		t.Errorf("endpoint pair = (in %d, out %d), want (in 1, out 2)", eps.inNum, eps.outNum)
	}
	if len(dev.claims) != 1 || dev.claims[0] != (claim{number: 0, alternate: 0}) {
		t.Errorf("claims = %v, want one claim of interface 0 alt 0", dev.claims)
	}
	if len(dev.selects) != 1 || dev.selects[0] != 1 {
		t.Errorf("config selections = %v, want [1]", dev.selects)
	}
}

func TestNegotiateSwitchesToMatchingConfiguration(t *testing.T) {
	dev := &fakeDevice{
		active: 1,
		configs: []ConfigInfo{
			{
				Number: 1,
				Interfaces: []InterfaceInfo{{
					Number:      0,
					AltSettings: []AltSettingInfo{mscAlt(0, epIn(1), epOut(2))},
				}},
			},
			{
				Number: 2,
				Interfaces: []InterfaceInfo{{
					Number:      0,
					AltSettings: []AltSettingInfo{adbAlt(0, epIn(1), epOut(2))},
				}},
			},
		},
		intf: newAdbFakeInterface(),
	}

	if _, err := negotiate(context.Background(), dev, zap.NewNop()); err != nil {
		t.Fatalf("negotiate: %v", err)
	}
	if dev.active != 2 {
		t.Errorf("active configuration = %d, want 2", dev.active)
	}
}

func TestNegotiateFirstEndpointPairWins(t *testing.T) {
	// Extra endpoints after the first complete pair must not displace it.
	dev := &fakeDevice{
		active: 1,
		configs: []ConfigInfo{{
			Number: 1,
			Interfaces: []InterfaceInfo{{
				Number: 0,
				AltSettings: []AltSettingInfo{
					adbAlt(0, epIn(1), epOut(2), epIn(3), epOut(4)),
				},
			}},
		}},
		intf: newAdbFakeInterface(),
	}

	eps, err := negotiate(context.Background(), dev, zap.NewNop())
	if err != nil {
		t.Fatalf("negotiate: %v", err)
	}
	if eps.inNum != 1 || eps.outNum != 2 {
		t.Errorf("endpoint pair = (in %d, out %d), want (in 1, out 2)", eps.inNum, eps.outNum)
	}
}

func TestNegotiateOutBeforeIn(t *testing.T) {
	dev := &fakeDevice{
		active: 1,
		configs: []ConfigInfo{{
			Number: 1,
			Interfaces: []InterfaceInfo{{
				Number: 0,
				AltSettings: []AltSettingInfo{
					adbAlt(0, epOut(4), epIn(3), epOut(2)),
				},
			}},
		}},
		intf: newAdbFakeInterface(),
	}

	eps, err := negotiate(context.Background(), dev, zap.NewNop())
	if err != nil {
		t.Fatalf("negotiate: %v", err)
	}
	if eps.inNum != 3 || eps.outNum != 4 {
		t.Errorf("endpoint pair = (in %d, out %d), want (in 3, out 4)", eps.inNum, eps.outNum)
	}
}

func TestNegotiateMatchesLaterAlternate(t *testing.T) {
	dev := &fakeDevice{
		active: 1,
		configs: []ConfigInfo{{
			Number: 1,
			Interfaces: []InterfaceInfo{{
				Number: 0,
				AltSettings: []AltSettingInfo{
					mscAlt(0, epIn(1), epOut(2)),
					adbAlt(1, epIn(3), epOut(4)),
				},
			}},
		}},
		intf: newAdbFakeInterface(),
	}

	eps, err := negotiate(context.Background(), dev, zap.NewNop())
	if err != nil {
		t.Fatalf("negotiate: %v", err)
	}
	if len(dev.claims) != 1 || dev.claims[0] != (claim{number: 0, alternate: 1}) {
		t.Errorf("claims = %v, want interface 0 alt 1", dev.claims)
	}
	if eps.inNum != 3 || eps.outNum != 4 {
		t.Errorf("endpoint pair = (in %d, out %d), want (in 3, out 4)", eps.inNum, eps.outNum)
	}
}

func TestNegotiateNoMatchingInterface(t *testing.T) {
	dev := &fakeDevice{
		active: 1,
		configs: []ConfigInfo{{
			Number: 1,
			Interfaces: []InterfaceInfo{{
				Number:      0,
				AltSettings: []AltSettingInfo{mscAlt(0, epIn(1), epOut(2))},
			}},
		}},
		intf: newAdbFakeInterface(),
	}

	_, err := negotiate(context.Background(), dev, zap.NewNop())
	if !errors.Is(err, ErrNoMatchingInterface) {
		t.Fatalf("err = %v, want ErrNoMatchingInterface", err)
	}
	if len(dev.claims) != 0 {
		t.Errorf("claims = %v, want none", dev.claims)
	}
}

func TestNegotiateSkipsSignatureWithoutEndpointPair(t *testing.T) {
	// First alternate matches the signature but lacks an out endpoint;
	// the complete combination later in iteration order wins.
	dev := &fakeDevice{
		active: 1,
		configs: []ConfigInfo{{
			Number: 1,
			Interfaces: []InterfaceInfo{
				{
					Number:      0,
					AltSettings: []AltSettingInfo{adbAlt(0, epIn(1))},
				},
				{
					Number:      1,
					AltSettings: []AltSettingInfo{adbAlt(0, epIn(3), epOut(4))},
				},
			},
		}},
		intf: newAdbFakeInterface(),
	}

	eps, err := negotiate(context.Background(), dev, zap.NewNop())
	if err != nil {
		t.Fatalf("negotiate: %v", err)
	}
	if len(dev.claims) != 1 || dev.claims[0].number != 1 {
		t.Errorf("claims = %v, want interface 1", dev.claims)
	}
	if eps.inNum != 3 || eps.outNum != 4 {
		t.Errorf("endpoint pair = (in %d, out %d), want (in 3, out 4)", eps.inNum, eps.outNum)
	}
}

func TestNegotiateReleasesClaimsOnEndpointFailure(t *testing.T) {
	dev := &fakeDevice{
		active: 1,
		configs: []ConfigInfo{{
			Number: 1,
			Interfaces: []InterfaceInfo{{
				Number:      0,
				AltSettings: []AltSettingInfo{adbAlt(0, epIn(9), epOut(2))},
			}},
		}},
		// Endpoint 9 is not present on the fake interface.
		intf: newAdbFakeInterface(),
	}

	_, err := negotiate(context.Background(), dev, zap.NewNop())
	if err == nil {
		t.Fatal("negotiate succeeded, want endpoint failure")
	}
	if !dev.intf.closed {
		t.Error("claimed interface was not released after failure")
	}
	if dev.lastCfg == nil || !dev.lastCfg.closed {
		t.Error("selected configuration was not released after failure")
	}
}
