package transport

import (
	"errors"
	"fmt"
	"sort"

	"github.com/google/gousb"
)

// gousbDevice adapts *gousb.Device to the usbDevice surface. This file is
// the only place transport code touches gousb device and endpoint types;
// everything above it runs against the interfaces in device.go.
type gousbDevice struct {
	dev *gousb.Device
}

func wrapGousbDevice(dev *gousb.Device) *gousbDevice {
	return &gousbDevice{dev: dev}
}

func (d *gousbDevice) Key() DeviceKey {
	return DeviceKey{Bus: d.dev.Desc.Bus, Address: d.dev.Desc.Address}
}

// Configs flattens the descriptor tree into plain data, keeping only bulk
// endpoints. Map-backed levels are sorted by number to keep iteration
// order stable.
func (d *gousbDevice) Configs() []ConfigInfo {
	cfgNums := make([]int, 0, len(d.dev.Desc.Configs))
	for num := range d.dev.Desc.Configs {
		cfgNums = append(cfgNums, num)
	}
	sort.Ints(cfgNums)

	configs := make([]ConfigInfo, 0, len(cfgNums))
	for _, num := range cfgNums {
		cfgDesc := d.dev.Desc.Configs[num]
		cfg := ConfigInfo{Number: cfgDesc.Number}
		for _, intfDesc := range cfgDesc.Interfaces {
			intf := InterfaceInfo{Number: intfDesc.Number}
			for _, alt := range intfDesc.AltSettings {
				intf.AltSettings = append(intf.AltSettings, flattenAltSetting(alt))
			}
			cfg.Interfaces = append(cfg.Interfaces, intf)
		}
		configs = append(configs, cfg)
	}
	return configs
}

func flattenAltSetting(alt gousb.InterfaceSetting) AltSettingInfo {
	info := AltSettingInfo{
		Alternate: alt.Alternate,
		Class:     uint8(alt.Class),
		SubClass:  uint8(alt.SubClass),
		Protocol:  uint8(alt.Protocol),
	}
	eps := make([]gousb.EndpointDesc, 0, len(alt.Endpoints))
	for _, ep := range alt.Endpoints {
		if ep.TransferType == gousb.TransferTypeBulk {
			eps = append(eps, ep)
		}
	}
	sort.Slice(eps, func(i, j int) bool { return eps[i].Number < eps[j].Number })
	for _, ep := range eps {
		info.Endpoints = append(info.Endpoints, EndpointInfo{
			Number:    ep.Number,
			Direction: Direction(ep.Direction == gousb.EndpointDirectionIn),
		})
	}
	return info
}

func (d *gousbDevice) ActiveConfig() (int, error) {
	num, err := d.dev.ActiveConfigNum()
	if err != nil {
		return 0, mapGousbErr(err)
	}
	return num, nil
}

func (d *gousbDevice) SelectConfig(num int) (usbConfig, error) {
	cfg, err := d.dev.Config(num)
	if err != nil {
		return nil, mapGousbErr(err)
	}
	return &gousbConfig{cfg: cfg}, nil
}

func (d *gousbDevice) SerialNumber() (string, error) { return d.dev.SerialNumber() }
func (d *gousbDevice) Product() (string, error)      { return d.dev.Product() }

func (d *gousbDevice) Close() error {
	if err := d.dev.Close(); err != nil {
		return mapGousbErr(err)
	}
	return nil
}

type gousbConfig struct {
	cfg *gousb.Config
}

func (c *gousbConfig) ClaimInterface(num, alt int) (usbInterface, error) {
	intf, err := c.cfg.Interface(num, alt)
	if err != nil {
		return nil, mapGousbErr(err)
	}
	return &gousbInterface{intf: intf}, nil
}

func (c *gousbConfig) Close() error {
	if err := c.cfg.Close(); err != nil {
		return mapGousbErr(err)
	}
	return nil
}

type gousbInterface struct {
	intf *gousb.Interface
}

func (i *gousbInterface) InEndpoint(num int) (ReadContexter, error) {
	ep, err := i.intf.InEndpoint(num)
	if err != nil {
		return nil, mapGousbErr(err)
	}
	return ep, nil
}

func (i *gousbInterface) OutEndpoint(num int) (WriteContexter, error) {
	ep, err := i.intf.OutEndpoint(num)
	if err != nil {
		return nil, mapGousbErr(err)
	}
	return ep, nil
}

func (i *gousbInterface) Close() { i.intf.Close() }

// mapGousbErr translates libusb's "device is gone" code into the package
// sentinel so callers can classify without importing gousb.
func mapGousbErr(err error) error {
	if err == nil {
		return nil
	}
	if errors.Is(err, gousb.ErrorNoDevice) {
		return fmt.Errorf("%w: %v", ErrDeviceGone, err)
	}
	return err
}
