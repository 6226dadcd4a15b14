// Package ble talks to the bridge over its serial style GATT profile: request
// frames are written to the TX characteristic in chunks and the response
// arrives as a run of notifications on RX that are stitched back together.
package ble

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"sync/atomic"

	"github.com/callebjorkell/notccid/backend"
	"github.com/callebjorkell/notccid/command"
	"github.com/sirupsen/logrus"
	"go.uber.org/multierr"
)

const (
	NamePrefix       = "ESTKme-RED"
	DefaultChunkSize = 128
)

// ErrBusy is returned when Invoke is called while another response is still
// being awaited. Callers sharing a Backend must serialize through
// backend.NewMutex.
var ErrBusy = errors.New("a response is already pending")

// Link is a connected peripheral with the serial profile discovered.
type Link interface {
	// Write sends one chunk to the TX characteristic.
	Write(chunk []byte) error
	// Subscribe enables RX notifications. The chunk passed to fn may be
	// reused after fn returns.
	Subscribe(fn func(chunk []byte)) error
	Unsubscribe() error
	Disconnect() error
	Address() string
	Name() string
}

type Options struct {
	ChunkSize int
	// Forgetter is called with the peripheral address on Close with Forget set.
	Forgetter backend.Forgetter
}

type result struct {
	frame []byte
	err   error
}

// pendingRead is the single read slot. While frame is nil the header is still
// being collected in head; afterwards offset bytes of len(frame) have been filled.
type pendingRead struct {
	done   chan result
	head   []byte
	frame  []byte
	offset int
}

type Backend struct {
	link Link
	opts Options

	ctx   context.Context
	abort context.CancelCauseFunc

	mu      sync.Mutex
	pending *pendingRead

	linked    atomic.Bool
	closeOnce sync.Once
}

var _ backend.Backend = (*Backend)(nil)

// New takes ownership of link and enables notifications on it.
func New(link Link, opts Options) (*Backend, error) {
	if opts.ChunkSize <= 0 {
		opts.ChunkSize = DefaultChunkSize
	}
	ctx, abort := context.WithCancelCause(context.Background())
	b := &Backend{link: link, opts: opts, ctx: ctx, abort: abort}
	if err := link.Subscribe(b.notify); err != nil {
		abort(backend.ErrClosed)
		return nil, fmt.Errorf("enable notifications: %w", err)
	}
	b.linked.Store(true)
	return b, nil
}

func (b *Backend) Connected() bool {
	return b.linked.Load() && b.ctx.Err() == nil
}

// Invoke writes request and waits for the reassembled response. Once the
// request has started going out, a cancellation also aborts the backend.
func (b *Backend) Invoke(ctx context.Context, request []byte) ([]byte, error) {
	ctx, stop := backend.Join(ctx, b.ctx)
	defer stop()

	if err := backend.Cancelled(ctx); err != nil {
		return nil, err
	}
	r, err := b.arm()
	if err != nil {
		return nil, err
	}
	defer b.disarm(r)

	if err := b.write(ctx, request); err != nil {
		if errors.Is(err, backend.ErrCancelled) {
			b.abort(context.Cause(ctx))
		}
		return nil, err
	}

	select {
	case res := <-r.done:
		return res.frame, res.err
	case <-ctx.Done():
		// The rest of the response may still arrive and would be taken for
		// the answer to the next request.
		b.abort(context.Cause(ctx))
		return nil, backend.Cancelled(ctx)
	}
}

func (b *Backend) write(ctx context.Context, request []byte) error {
	for offset := 0; offset < len(request); offset += b.opts.ChunkSize {
		end := offset + b.opts.ChunkSize
		if end > len(request) {
			end = len(request)
		}
		if err := backend.Cancelled(ctx); err != nil {
			return err
		}

		done := make(chan error, 1)
		chunk := request[offset:end]
		go func() {
			done <- b.link.Write(chunk)
		}()
		select {
		case <-ctx.Done():
			return backend.Cancelled(ctx)
		case err := <-done:
			if err != nil {
				return &backend.TransferError{Op: "write tx", Request: request[0], Err: err}
			}
		}
	}
	return nil
}

func (b *Backend) arm() (*pendingRead, error) {
	b.mu.Lock()
	defer b.mu.Unlock()
	if b.pending != nil {
		return nil, ErrBusy
	}
	b.pending = &pendingRead{done: make(chan result, 1)}
	return b.pending, nil
}

func (b *Backend) disarm(r *pendingRead) {
	b.mu.Lock()
	defer b.mu.Unlock()
	if b.pending == r {
		b.pending = nil
	}
}

// notify receives every RX notification.
func (b *Backend) notify(chunk []byte) {
	b.mu.Lock()
	defer b.mu.Unlock()

	r := b.pending
	if r == nil || b.ctx.Err() != nil {
		return
	}
	if r.frame == nil {
		r.head = append(r.head, chunk...)
		if len(r.head) < command.HeaderSize {
			return
		}
		total, err := command.FrameLength(r.head)
		if err != nil {
			b.resolve(nil, fmt.Errorf("%w: %v", backend.ErrIntegrity, err))
			return
		}
		r.frame = make([]byte, total)
		chunk, r.head = r.head, nil
	}
	if r.offset+len(chunk) > len(r.frame) {
		b.resolve(nil, fmt.Errorf("%w: notification overruns the %d byte frame", backend.ErrIntegrity, len(r.frame)))
		return
	}
	r.offset += copy(r.frame[r.offset:], chunk)
	if r.offset < len(r.frame) {
		return
	}
	b.resolve(r.frame, nil)
}

// resolve completes the pending read and frees the slot. b.mu must be held.
func (b *Backend) resolve(frame []byte, err error) {
	b.pending.done <- result{frame, err}
	b.pending = nil
}

// Abort cancels the in-flight and every later Invoke with reason.
func (b *Backend) Abort(reason error) {
	b.abort(reason)
}

// Disconnected is called when the peripheral dropped the connection.
func (b *Backend) Disconnected() {
	if b.linked.Swap(false) {
		logrus.Debugf("%v disconnected", b)
	}
	b.abort(backend.ErrDisconnected)
}

// Close cancels outstanding operations, stops notifications and disconnects.
// Every step runs even when an earlier one fails; the errors are combined.
func (b *Backend) Close(opts backend.CloseOptions) error {
	var err error
	b.closeOnce.Do(func() {
		b.abort(backend.ErrClosed)
		err = multierr.Append(err, b.link.Unsubscribe())
		if b.linked.Swap(false) {
			err = multierr.Append(err, b.link.Disconnect())
		}
		if opts.Forget && b.opts.Forgetter != nil {
			err = multierr.Append(err, b.opts.Forgetter.Forget(b.link.Address()))
		}
		logrus.Debugf("%v closed", b)
	})
	return err
}

// Address is the peripheral address.
func (b *Backend) Address() string {
	return b.link.Address()
}

func (b *Backend) String() string {
	return "BLE:" + b.link.Name()
}
