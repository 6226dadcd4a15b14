package ble

import (
	"context"
	"fmt"
	"strings"

	"github.com/callebjorkell/notccid/backend"
	"github.com/sirupsen/logrus"
	"tinygo.org/x/bluetooth"
)

var (
	ServiceUUID = bluetooth.New16BitUUID(0x4553)
	TXUUID      = bluetooth.New16BitUUID(0x6D65)
	RXUUID      = bluetooth.New16BitUUID(0x544B)
)

type gattLink struct {
	device bluetooth.Device
	tx     bluetooth.DeviceCharacteristic
	rx     bluetooth.DeviceCharacteristic
	name   string
}

var _ Link = (*gattLink)(nil)

func (l *gattLink) Write(chunk []byte) error {
	_, err := l.tx.WriteWithoutResponse(chunk)
	return err
}

func (l *gattLink) Subscribe(fn func(chunk []byte)) error {
	return l.rx.EnableNotifications(fn)
}

func (l *gattLink) Unsubscribe() error {
	return l.rx.EnableNotifications(nil)
}

func (l *gattLink) Disconnect() error {
	return l.device.Disconnect()
}

func (l *gattLink) Address() string {
	return l.device.Address.String()
}

func (l *gattLink) Name() string {
	return l.name
}

// Scan enables adapter and returns the first peripheral advertising a local
// name that starts with prefix.
func Scan(ctx context.Context, adapter *bluetooth.Adapter, prefix string) (bluetooth.ScanResult, error) {
	if err := adapter.Enable(); err != nil {
		return bluetooth.ScanResult{}, fmt.Errorf("%w: %v", backend.ErrUnavailable, err)
	}

	found := make(chan bluetooth.ScanResult, 1)
	scanned := make(chan error, 1)
	go func() {
		scanned <- adapter.Scan(func(a *bluetooth.Adapter, r bluetooth.ScanResult) {
			if !strings.HasPrefix(r.LocalName(), prefix) {
				return
			}
			logrus.Debugf("found %v at %v (rssi %v)", r.LocalName(), r.Address, r.RSSI)
			select {
			case found <- r:
				a.StopScan()
			default:
			}
		})
	}()

	select {
	case r := <-found:
		return r, nil
	case err := <-scanned:
		select {
		case r := <-found:
			return r, nil
		default:
		}
		if err == nil {
			err = fmt.Errorf("scan stopped before a %v device was seen", prefix)
		}
		return bluetooth.ScanResult{}, fmt.Errorf("%w: %v", backend.ErrUnavailable, err)
	case <-ctx.Done():
		adapter.StopScan()
		return bluetooth.ScanResult{}, backend.Cancelled(ctx)
	}
}

// Open connects to the scanned peripheral and discovers the serial profile.
// The adapter connect handler is taken over to learn about disconnects, so
// only one peripheral per adapter can be open at a time.
func Open(adapter *bluetooth.Adapter, peripheral bluetooth.ScanResult, opts Options) (*Backend, error) {
	device, err := adapter.Connect(peripheral.Address, bluetooth.ConnectionParams{})
	if err != nil {
		return nil, fmt.Errorf("connect %v: %w", peripheral.Address, err)
	}

	link, err := discover(device, peripheral.LocalName())
	if err != nil {
		device.Disconnect()
		return nil, err
	}

	b, err := New(link, opts)
	if err != nil {
		device.Disconnect()
		return nil, err
	}

	address := link.Address()
	adapter.SetConnectHandler(func(d bluetooth.Device, connected bool) {
		if !connected && d.Address.String() == address {
			b.Disconnected()
		}
	})
	logrus.Debugf("opened BLE bridge %v at %v", link.name, address)
	return b, nil
}

func discover(device bluetooth.Device, name string) (*gattLink, error) {
	services, err := device.DiscoverServices([]bluetooth.UUID{ServiceUUID})
	if err != nil || len(services) == 0 {
		return nil, fmt.Errorf("%w: serial service %v not found: %v", backend.ErrUnavailable, ServiceUUID, err)
	}
	chars, err := services[0].DiscoverCharacteristics([]bluetooth.UUID{TXUUID, RXUUID})
	if err != nil {
		return nil, fmt.Errorf("%w: %v", backend.ErrUnavailable, err)
	}

	link := &gattLink{device: device, name: name}
	var tx, rx bool
	for _, c := range chars {
		switch c.UUID() {
		case TXUUID:
			link.tx, tx = c, true
		case RXUUID:
			link.rx, rx = c, true
		}
	}
	if !tx || !rx {
		return nil, fmt.Errorf("%w: serial characteristics missing", backend.ErrUnavailable)
	}
	return link, nil
}
