// Package backend defines the transport capability the NotCCID dispatcher
// talks through, the errors transports report, and decorators that wrap a
// Backend without owning its physical channel.
package backend

import (
	"context"
	"errors"
	"fmt"
)

// Backend is an owned handle to a physical channel to the bridge. Invoke
// sends one whole request frame and returns the whole response frame.
//
// The protocol is half duplex: concurrent Invoke calls on the same Backend
// interleave on the wire. Wrap it with NewMutex when it is shared.
type Backend interface {
	Connected() bool
	Invoke(ctx context.Context, request []byte) ([]byte, error)
	Close(opts CloseOptions) error
	String() string
}

type CloseOptions struct {
	// Forget removes the device from the remembered devices, if the backend
	// was opened with a Forgetter.
	Forget bool
}

// Forgetter drops the pairing of a device. store.DB implements it.
type Forgetter interface {
	Forget(id string) error
}

var (
	// ErrUnavailable is returned when the host has no usable transport or the
	// peripheral does not expose the expected profile.
	ErrUnavailable = errors.New("transport unavailable")
	// ErrIntegrity is returned when a transfer was delivered but its content
	// can't be trusted.
	ErrIntegrity = errors.New("transport integrity check failed")
	ErrTransfer  = errors.New("transfer failed")
	ErrCancelled = errors.New("operation cancelled")

	// ErrClosed and ErrDisconnected are cancellation reasons.
	ErrClosed       = errors.New("backend closed")
	ErrDisconnected = errors.New("device disconnected")
)

// TransferError is returned when the platform reports a failed transfer.
type TransferError struct {
	Op      string
	Request uint8
	Err     error
}

func (e *TransferError) Error() string {
	return fmt.Sprintf("%v 0x%02x: %v", e.Op, e.Request, e.Err)
}

func (e *TransferError) Unwrap() error {
	return e.Err
}

func (e *TransferError) Is(target error) bool {
	return target == ErrTransfer
}

// CancelledError carries the reason an operation was aborted.
type CancelledError struct {
	Reason error
}

func (e *CancelledError) Error() string {
	return fmt.Sprintf("%v: %v", ErrCancelled, e.Reason)
}

func (e *CancelledError) Unwrap() error {
	return e.Reason
}

func (e *CancelledError) Is(target error) bool {
	return target == ErrCancelled
}
