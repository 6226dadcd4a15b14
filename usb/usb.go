// Package usb talks to the bridge over vendor control transfers on its
// vendor specific interface.
//
// A request is written in chunks, read back and compared byte for byte, then
// the response length and the response itself are read.
package usb

import (
	"bytes"
	"context"
	"encoding/binary"
	"errors"
	"fmt"
	"io"
	"math"
	"sync"

	"github.com/callebjorkell/notccid/backend"
	"github.com/sirupsen/logrus"
	"go.uber.org/multierr"
)

const (
	VendorID         = 0x0BDA
	ProductID        = 0x0165
	DefaultInterface = 1
	DefaultChunkSize = 16 << 10
)

// Vendor requests, in the order a round trip uses them.
const (
	requestWrite          uint8 = 0x00
	requestReadBack       uint8 = 0x01
	requestResponseLength uint8 = 0x02
	requestResponse       uint8 = 0x03
)

// bmRequestType for vendor requests addressed to an interface.
const (
	requestTypeOut uint8 = 0x41
	requestTypeIn  uint8 = 0xC1
)

// ErrOffsetRange is returned for transfers whose chunk offset does not fit the
// 16 bit wValue of the setup packet.
var ErrOffsetRange = errors.New("chunk offset exceeds 16 bits")

// Handle is an opened device with its interface claimed.
type Handle interface {
	Control(rType, request uint8, val, idx uint16, data []byte) (int, error)
	// Release gives the claimed interface back.
	Release() error
	Close() error
	// Serial identifies the device, it is used as the remembered device ID.
	Serial() string
}

type Options struct {
	Interface int
	ChunkSize int
	// Serial selects a device when more than one is attached. Only used by Open.
	Serial string
	// Forgetter is called with the device serial on Close with Forget set.
	Forgetter backend.Forgetter
}

func (o Options) withDefaults() Options {
	if o.Interface == 0 {
		o.Interface = DefaultInterface
	}
	if o.ChunkSize <= 0 {
		o.ChunkSize = DefaultChunkSize
	}
	return o
}

type Backend struct {
	handle Handle
	opts   Options

	ctx   context.Context
	abort context.CancelCauseFunc

	closeOnce sync.Once
}

var _ backend.Backend = (*Backend)(nil)

// New takes ownership of handle.
func New(handle Handle, opts Options) *Backend {
	ctx, abort := context.WithCancelCause(context.Background())
	return &Backend{
		handle: handle,
		opts:   opts.withDefaults(),
		ctx:    ctx,
		abort:  abort,
	}
}

// Connected reports false once the backend was closed, aborted or the device
// went away.
func (b *Backend) Connected() bool {
	return b.ctx.Err() == nil
}

// Invoke runs one exchange. A cancellation once the exchange has started
// leaves the bridge mid exchange, so it also aborts the backend with the same
// cause.
func (b *Backend) Invoke(ctx context.Context, request []byte) ([]byte, error) {
	ctx, stop := backend.Join(ctx, b.ctx)
	defer stop()

	if err := backend.Cancelled(ctx); err != nil {
		return nil, err
	}
	if last := b.lastOffset(len(request)); last > math.MaxUint16 {
		return nil, &backend.TransferError{Op: "control out", Request: requestWrite,
			Err: fmt.Errorf("%w: chunk at %d", ErrOffsetRange, last)}
	}

	response, err := b.exchange(ctx, request)
	if errors.Is(err, backend.ErrCancelled) {
		b.abort(context.Cause(ctx))
	}
	return response, err
}

// lastOffset is the offset the final chunk of a length byte transfer goes out at.
func (b *Backend) lastOffset(length int) int {
	if length == 0 {
		return 0
	}
	return (length - 1) / b.opts.ChunkSize * b.opts.ChunkSize
}

func (b *Backend) exchange(ctx context.Context, request []byte) ([]byte, error) {
	if err := b.write(ctx, requestWrite, request); err != nil {
		return nil, err
	}
	readBack, err := b.read(ctx, requestReadBack, len(request))
	if err != nil {
		return nil, err
	}
	if !bytes.Equal(request, readBack) {
		return nil, fmt.Errorf("%w: request read back does not match what was written", backend.ErrIntegrity)
	}

	header, err := b.read(ctx, requestResponseLength, 2)
	if err != nil {
		return nil, err
	}
	return b.read(ctx, requestResponse, int(binary.LittleEndian.Uint16(header)))
}

func (b *Backend) write(ctx context.Context, request uint8, packet []byte) error {
	for offset := 0; offset < len(packet); {
		end := offset + b.opts.ChunkSize
		if end > len(packet) {
			end = len(packet)
		}
		n, err := b.control(ctx, requestTypeOut, request, offset, packet[offset:end])
		if err != nil {
			return err
		}
		if n <= 0 {
			return &backend.TransferError{Op: "control out", Request: request, Err: io.ErrShortWrite}
		}
		offset += n
	}
	return nil
}

func (b *Backend) read(ctx context.Context, request uint8, length int) ([]byte, error) {
	payload := make([]byte, length)
	for offset := 0; offset < length; {
		size := length - offset
		if size > b.opts.ChunkSize {
			size = b.opts.ChunkSize
		}
		chunk := make([]byte, size)
		n, err := b.control(ctx, requestTypeIn, request, offset, chunk)
		if err != nil {
			return nil, err
		}
		if n <= 0 {
			return nil, &backend.TransferError{Op: "control in", Request: request, Err: io.ErrUnexpectedEOF}
		}
		offset += copy(payload[offset:], chunk[:n])
	}
	return payload, nil
}

type controlResult struct {
	n   int
	err error
}

// control issues one transfer. The transfer itself can't be interrupted, so a
// cancellation while it is in flight abandons its result.
func (b *Backend) control(ctx context.Context, rType, request uint8, offset int, data []byte) (int, error) {
	if err := backend.Cancelled(ctx); err != nil {
		return 0, err
	}
	if offset > math.MaxUint16 {
		return 0, &backend.TransferError{Op: "control", Request: request, Err: fmt.Errorf("%w: %d", ErrOffsetRange, offset)}
	}

	done := make(chan controlResult, 1)
	go func() {
		n, err := b.handle.Control(rType, request, uint16(offset), uint16(b.opts.Interface), data)
		done <- controlResult{n, err}
	}()

	select {
	case <-ctx.Done():
		return 0, backend.Cancelled(ctx)
	case res := <-done:
		if res.err == nil {
			return res.n, nil
		}
		if errors.Is(res.err, backend.ErrDisconnected) {
			b.Disconnected()
			return 0, backend.Cancelled(b.ctx)
		}
		op := "control out"
		if rType == requestTypeIn {
			op = "control in"
		}
		return 0, &backend.TransferError{Op: op, Request: request, Err: res.err}
	}
}

// Abort cancels the in-flight and every later Invoke with reason.
func (b *Backend) Abort(reason error) {
	b.abort(reason)
}

// Disconnected is called when the device has been unplugged.
func (b *Backend) Disconnected() {
	if b.ctx.Err() == nil {
		logrus.Debugf("%v disconnected", b)
	}
	b.abort(backend.ErrDisconnected)
}

// Close cancels outstanding operations, then releases the interface and the
// device. Every step runs even when an earlier one fails; the errors are
// combined.
func (b *Backend) Close(opts backend.CloseOptions) error {
	var err error
	b.closeOnce.Do(func() {
		b.abort(backend.ErrClosed)
		err = multierr.Append(err, b.handle.Release())
		err = multierr.Append(err, b.handle.Close())
		if opts.Forget && b.opts.Forgetter != nil {
			err = multierr.Append(err, b.opts.Forgetter.Forget(b.handle.Serial()))
		}
		logrus.Debugf("%v closed", b)
	})
	return err
}

// Serial is the serial number of the device.
func (b *Backend) Serial() string {
	return b.handle.Serial()
}

func (b *Backend) String() string {
	return "USB:" + b.handle.Serial()
}
