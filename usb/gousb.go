package usb

import (
	"errors"
	"fmt"

	"github.com/callebjorkell/notccid/backend"
	"github.com/google/gousb"
	"github.com/sirupsen/logrus"
)

type device struct {
	ctx    *gousb.Context
	dev    *gousb.Device
	cfg    *gousb.Config
	intf   *gousb.Interface
	serial string
}

func (d *device) Control(rType, request uint8, val, idx uint16, data []byte) (int, error) {
	n, err := d.dev.Control(rType, request, val, idx, data)
	if errors.Is(err, gousb.ErrorNoDevice) {
		return n, fmt.Errorf("%w: %v", backend.ErrDisconnected, err)
	}
	return n, err
}

func (d *device) Release() error {
	d.intf.Close()
	return d.cfg.Close()
}

func (d *device) Close() error {
	err := d.dev.Close()
	if cerr := d.ctx.Close(); err == nil {
		err = cerr
	}
	return err
}

func (d *device) Serial() string {
	return d.serial
}

func matches(desc *gousb.DeviceDesc, iface int) bool {
	if desc.Vendor != gousb.ID(VendorID) || desc.Product != gousb.ID(ProductID) {
		return false
	}
	for _, cfg := range desc.Configs {
		for _, intf := range cfg.Interfaces {
			if intf.Number != iface {
				continue
			}
			for _, alt := range intf.AltSettings {
				if alt.Class == gousb.ClassVendorSpec {
					return true
				}
			}
		}
	}
	return false
}

// Open opens the first attached bridge, or the one with opts.Serial, and
// claims its vendor interface.
func Open(opts Options) (*Backend, error) {
	opts = opts.withDefaults()
	ctx := gousb.NewContext()

	devs, err := ctx.OpenDevices(func(desc *gousb.DeviceDesc) bool {
		return matches(desc, opts.Interface)
	})
	if err != nil && len(devs) == 0 {
		ctx.Close()
		return nil, fmt.Errorf("%w: %v", backend.ErrUnavailable, err)
	}

	var (
		picked *gousb.Device
		serial string
	)
	for _, dev := range devs {
		s, _ := dev.SerialNumber()
		if picked == nil && (opts.Serial == "" || opts.Serial == s) {
			picked, serial = dev, s
			continue
		}
		dev.Close()
	}
	if picked == nil {
		ctx.Close()
		return nil, fmt.Errorf("%w: no bridge attached (%04x:%04x)", backend.ErrUnavailable, VendorID, ProductID)
	}

	h, err := claim(ctx, picked, opts.Interface)
	if err != nil {
		picked.Close()
		ctx.Close()
		return nil, err
	}
	h.serial = serial
	logrus.Debugf("opened USB bridge %v on interface %v", serial, opts.Interface)
	return New(h, opts), nil
}

func claim(ctx *gousb.Context, dev *gousb.Device, iface int) (*device, error) {
	if err := dev.SetAutoDetach(true); err != nil {
		return nil, err
	}
	num, err := dev.ActiveConfigNum()
	if err != nil {
		return nil, err
	}
	cfg, err := dev.Config(num)
	if err != nil {
		return nil, err
	}
	intf, err := cfg.Interface(iface, 0)
	if err != nil {
		cfg.Close()
		return nil, fmt.Errorf("claim interface %v: %w", iface, err)
	}
	return &device{ctx: ctx, dev: dev, cfg: cfg, intf: intf}, nil
}
