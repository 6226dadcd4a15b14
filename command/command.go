// Package command implements the NotCCID wire frame:
//
//	type:1 | length:2 (little endian) | payload:length
package command

import (
	"encoding/binary"
	"errors"
	"fmt"
)

// HeaderSize is the number of bytes preceding the payload in a frame.
const HeaderSize = 3

// MaxPayload is the largest payload a frame can carry.
const MaxPayload = 0xFFFF

var (
	ErrInvalidType     = errors.New("invalid command type")
	ErrPayloadTooLarge = fmt.Errorf("payload exceeds %d bytes", MaxPayload)
	ErrTruncated       = errors.New("frame is shorter than its declared length")
)

type Type uint8

const (
	Status        Type = 0x00
	EmitLED       Type = 0x01
	Claim         Type = 0x02 // claim and release share this code
	Power         Type = 0x03
	Transmit      Type = 0x04
	RecoveryEntry Type = 0xF0
	Echo          Type = 0xFF
)

var typeNames = map[Type]string{
	Status:        "status",
	EmitLED:       "emit-led",
	Claim:         "claim",
	Power:         "power",
	Transmit:      "transmit",
	RecoveryEntry: "enter-recovery-mode",
	Echo:          "echo",
}

func (t Type) Valid() bool {
	_, ok := typeNames[t]
	return ok
}

func (t Type) String() string {
	if name, ok := typeNames[t]; ok {
		return name
	}
	return fmt.Sprintf("unknown(0x%02x)", uint8(t))
}

// ParseType returns the type with the given name, as printed by String.
func ParseType(name string) (Type, error) {
	for t, n := range typeNames {
		if n == name {
			return t, nil
		}
	}
	return 0, fmt.Errorf("%w: %q", ErrInvalidType, name)
}

// Command is a single request or response frame.
type Command struct {
	Type    Type
	Payload []byte
}

// New validates t and payload and returns a Command holding a copy of payload.
func New(t Type, payload []byte) (Command, error) {
	c := Command{Type: t, Payload: clone(payload)}
	if err := c.validate(); err != nil {
		return Command{}, err
	}
	return c, nil
}

func (c Command) validate() error {
	if !c.Type.Valid() {
		return fmt.Errorf("%w: 0x%02x", ErrInvalidType, uint8(c.Type))
	}
	if len(c.Payload) > MaxPayload {
		return fmt.Errorf("%w: got %d", ErrPayloadTooLarge, len(c.Payload))
	}
	return nil
}

func (c Command) String() string {
	return fmt.Sprintf("%v[% x]", c.Type, c.Payload)
}

// MarshalBinary implements encoding.BinaryMarshaler.
func (c Command) MarshalBinary() ([]byte, error) {
	return Encode(c)
}

// Encode serializes c. The command is validated again, since a Command can be
// built as a literal without going through New.
func Encode(c Command) ([]byte, error) {
	if err := c.validate(); err != nil {
		return nil, err
	}
	frame := make([]byte, HeaderSize+len(c.Payload))
	frame[0] = byte(c.Type)
	binary.LittleEndian.PutUint16(frame[1:HeaderSize], uint16(len(c.Payload)))
	copy(frame[HeaderSize:], c.Payload)
	return frame, nil
}

// Decode parses a frame. The type is not checked, so responses carrying an
// unknown type can still be compared by the caller. Bytes after the declared
// payload are ignored.
func Decode(frame []byte) (Command, error) {
	length, err := FrameLength(frame)
	if err != nil {
		return Command{}, err
	}
	if len(frame) < length {
		return Command{}, fmt.Errorf("%w: declared %d bytes, got %d", ErrTruncated, length, len(frame))
	}
	return Command{Type: Type(frame[0]), Payload: clone(frame[HeaderSize:length])}, nil
}

// FrameLength reads the header at the start of b and returns the total length
// of the frame, header included.
func FrameLength(b []byte) (int, error) {
	if len(b) < HeaderSize {
		return 0, fmt.Errorf("%w: header needs %d bytes, got %d", ErrTruncated, HeaderSize, len(b))
	}
	return HeaderSize + int(binary.LittleEndian.Uint16(b[1:HeaderSize])), nil
}

func clone(b []byte) []byte {
	c := make([]byte, len(b))
	copy(c, b)
	return c
}
