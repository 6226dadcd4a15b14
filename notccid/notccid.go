// Package notccid drives the eSTK.me bridge through its own command set
// instead of USB CCID. The APDUs it carries are passed through untouched.
package notccid

import (
	"bytes"
	"context"
	"errors"
	"fmt"

	"github.com/callebjorkell/notccid/backend"
	"github.com/callebjorkell/notccid/command"
)

var (
	ErrProtocolMismatch  = errors.New("response type does not match request")
	ErrCardNotResponding = errors.New("the card is not responding")
)

// claimMagic is b"ESTKme". Release sends the same type with no payload.
var claimMagic = []byte{0x45, 0x53, 0x54, 0x4B, 0x6D, 0x65}

var notResponding = []byte{0xFF}

type NotCCID struct {
	backend backend.Backend
}

func New(b backend.Backend) *NotCCID {
	return &NotCCID{backend: b}
}

// Invoke sends a command of type t and returns the payload of the response.
func (n *NotCCID) Invoke(ctx context.Context, t command.Type, payload []byte) ([]byte, error) {
	request, err := command.New(t, payload)
	if err != nil {
		return nil, err
	}
	frame, err := command.Encode(request)
	if err != nil {
		return nil, err
	}

	raw, err := n.backend.Invoke(ctx, frame)
	if err != nil {
		return nil, err
	}
	response, err := command.Decode(raw)
	if err != nil {
		return nil, fmt.Errorf("%w: %w", backend.ErrIntegrity, err)
	}
	if response.Type != request.Type {
		return nil, fmt.Errorf("%w: sent %v, received %v", ErrProtocolMismatch, request.Type, response.Type)
	}
	return response.Payload, nil
}

func (n *NotCCID) Status(ctx context.Context) (Status, error) {
	payload, err := n.Invoke(ctx, command.Status, nil)
	if err != nil {
		return Status{}, err
	}
	return parseStatus(payload), nil
}

// EmitLED lights the indicator in color c.
func (n *NotCCID) EmitLED(ctx context.Context, c RGB) error {
	_, err := n.Invoke(ctx, command.EmitLED, c[:])
	return err
}

func (n *NotCCID) TurnOffLED(ctx context.Context) error {
	_, err := n.Invoke(ctx, command.EmitLED, nil)
	return err
}

func (n *NotCCID) Claim(ctx context.Context) error {
	_, err := n.Invoke(ctx, command.Claim, claimMagic)
	return err
}

func (n *NotCCID) Release(ctx context.Context) error {
	_, err := n.Invoke(ctx, command.Claim, nil)
	return err
}

// PowerOnCard powers the card and returns its ATR. negotiation enables PPS.
func (n *NotCCID) PowerOnCard(ctx context.Context, negotiation bool) ([]byte, error) {
	pps := byte(0x00)
	if negotiation {
		pps = 0x01
	}
	return n.checked(n.Invoke(ctx, command.Power, []byte{0x01, pps}))
}

func (n *NotCCID) PowerOffCard(ctx context.Context) error {
	_, err := n.checked(n.Invoke(ctx, command.Power, nil))
	return err
}

// Transmit sends a request APDU and returns the response APDU as is.
func (n *NotCCID) Transmit(ctx context.Context, apdu []byte) ([]byte, error) {
	return n.checked(n.Invoke(ctx, command.Transmit, apdu))
}

func (n *NotCCID) checked(response []byte, err error) ([]byte, error) {
	if err != nil {
		return nil, err
	}
	if bytes.Equal(response, notResponding) {
		return nil, ErrCardNotResponding
	}
	return response, nil
}

// Echo returns whatever the bridge sends back for payload.
func (n *NotCCID) Echo(ctx context.Context, payload []byte) ([]byte, error) {
	return n.Invoke(ctx, command.Echo, payload)
}

// EnterRecoveryMode asks the bridge to enter the eSTK.me recovery mode. The
// bridge may reboot afterwards.
func (n *NotCCID) EnterRecoveryMode(ctx context.Context) error {
	_, err := n.Invoke(ctx, command.RecoveryEntry, nil)
	return err
}

func (n *NotCCID) Close(opts backend.CloseOptions) error {
	return n.backend.Close(opts)
}

func (n *NotCCID) Connected() bool {
	return n.backend.Connected()
}

func (n *NotCCID) String() string {
	return fmt.Sprintf("NotCCID(%v)", n.backend)
}
