// Package managed keeps track of what has been done to the bridge through a
// NotCCID dispatcher and refuses operations the bridge is not ready for.
package managed

import (
	"context"
	"errors"
	"sync"

	"github.com/callebjorkell/notccid/notccid"
)

var (
	ErrCardNotInserted = errors.New("card not inserted")
	ErrNotClaimed      = errors.New("interface not claimed")
	ErrNotPowered      = errors.New("card not powered")
	ErrInvalidAPDU     = errors.New("invalid APDU")
)

// minAPDU is CLA INS P1 P2 plus one length byte.
const minAPDU = 5

type Device struct {
	n *notccid.NotCCID

	mu           sync.RWMutex
	claimed      bool
	cardInserted bool
	atr          []byte
}

func New(n *notccid.NotCCID) *Device {
	return &Device{n: n}
}

func (d *Device) NotCCID() *notccid.NotCCID {
	return d.n
}

func (d *Device) Claimed() bool {
	d.mu.RLock()
	defer d.mu.RUnlock()
	return d.claimed
}

func (d *Device) CardInserted() bool {
	d.mu.RLock()
	defer d.mu.RUnlock()
	return d.cardInserted
}

func (d *Device) Powered() bool {
	d.mu.RLock()
	defer d.mu.RUnlock()
	return d.atr != nil
}

// ATR returns a copy of the answer to reset of the powered card, or nil.
func (d *Device) ATR() []byte {
	d.mu.RLock()
	defer d.mu.RUnlock()
	if d.atr == nil {
		return nil
	}
	return append([]byte(nil), d.atr...)
}

func (d *Device) Status(ctx context.Context) (notccid.Status, error) {
	s, err := d.n.Status(ctx)
	if err != nil {
		return s, err
	}
	d.mu.Lock()
	d.cardInserted, d.claimed = s.CardInserted, s.Claimed
	if !s.CardInserted {
		d.atr = nil
	}
	d.mu.Unlock()
	return s, nil
}

func (d *Device) Claim(ctx context.Context) error {
	if err := d.n.Claim(ctx); err != nil {
		return err
	}
	d.mu.Lock()
	d.claimed = true
	d.mu.Unlock()
	return nil
}

func (d *Device) Release(ctx context.Context) error {
	if err := d.n.Release(ctx); err != nil {
		return err
	}
	d.mu.Lock()
	d.claimed = false
	d.mu.Unlock()
	return nil
}

func (d *Device) PowerOnCard(ctx context.Context, negotiation bool) ([]byte, error) {
	atr, err := d.n.PowerOnCard(ctx, negotiation)
	if err != nil {
		return nil, err
	}
	d.mu.Lock()
	d.atr = append([]byte{}, atr...)
	d.mu.Unlock()
	return atr, nil
}

func (d *Device) PowerOffCard(ctx context.Context) error {
	if err := d.n.PowerOffCard(ctx); err != nil {
		return err
	}
	d.mu.Lock()
	d.atr = nil
	d.mu.Unlock()
	return nil
}

func (d *Device) EmitLED(ctx context.Context, c notccid.RGB) error {
	return d.n.EmitLED(ctx, c)
}

func (d *Device) TurnOffLED(ctx context.Context) error {
	return d.n.TurnOffLED(ctx)
}

func (d *Device) Echo(ctx context.Context, payload []byte) ([]byte, error) {
	return d.n.Echo(ctx, payload)
}

// Transmit requires an inserted, claimed and powered card.
func (d *Device) Transmit(ctx context.Context, apdu []byte) ([]byte, error) {
	d.mu.RLock()
	var err error
	switch {
	case !d.cardInserted:
		err = ErrCardNotInserted
	case !d.claimed:
		err = ErrNotClaimed
	case d.atr == nil:
		err = ErrNotPowered
	case len(apdu) < minAPDU:
		err = ErrInvalidAPDU
	}
	d.mu.RUnlock()
	if err != nil {
		return nil, err
	}
	return d.n.Transmit(ctx, apdu)
}

// EnterRecoveryMode requires a claimed interface and a powered card.
func (d *Device) EnterRecoveryMode(ctx context.Context) error {
	d.mu.RLock()
	var err error
	switch {
	case !d.claimed:
		err = ErrNotClaimed
	case d.atr == nil:
		err = ErrNotPowered
	}
	d.mu.RUnlock()
	if err != nil {
		return err
	}
	return d.n.EnterRecoveryMode(ctx)
}
