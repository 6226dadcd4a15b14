package usb

import (
	"bytes"
	"context"
	"encoding/binary"
	"errors"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/callebjorkell/notccid/backend"
	"github.com/callebjorkell/notccid/config"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

type transfer struct {
	rType, request uint8
	val, idx       uint16
	size           int
}

// fakeBridge behaves like the bridge firmware: it buffers written chunks,
// echoes them back and serves a canned response.
type fakeBridge struct {
	mu        sync.Mutex
	written   []byte
	response  []byte
	transfers []transfer

	corrupt  bool
	fail     error
	block    chan struct{}
	active   int32
	peak     int32
	released bool
	closed   bool
	closeErr error
}

func (f *fakeBridge) Control(rType, request uint8, val, idx uint16, data []byte) (int, error) {
	active := atomic.AddInt32(&f.active, 1)
	defer atomic.AddInt32(&f.active, -1)
	for {
		peak := atomic.LoadInt32(&f.peak)
		if active <= peak || atomic.CompareAndSwapInt32(&f.peak, peak, active) {
			break
		}
	}
	if f.block != nil {
		<-f.block
	}
	f.mu.Lock()
	defer f.mu.Unlock()
	f.transfers = append(f.transfers, transfer{rType, request, val, idx, len(data)})
	if f.fail != nil {
		return 0, f.fail
	}

	switch request {
	case requestWrite:
		if int(val) == 0 {
			f.written = nil
		}
		f.written = append(f.written, data...)
		return len(data), nil
	case requestReadBack:
		n := copy(data, f.written[val:])
		if f.corrupt {
			data[0] ^= 0xFF
		}
		return n, nil
	case requestResponseLength:
		binary.LittleEndian.PutUint16(data, uint16(len(f.response)))
		return 2, nil
	case requestResponse:
		return copy(data, f.response[val:]), nil
	}
	return 0, errors.New("unknown request")
}

func (f *fakeBridge) Release() error {
	f.released = true
	return nil
}

func (f *fakeBridge) Close() error {
	f.closed = true
	return f.closeErr
}

func (f *fakeBridge) Serial() string { return "0001" }

type forgetter []string

func (f *forgetter) Forget(id string) error {
	*f = append(*f, id)
	return nil
}

func TestInvoke(t *testing.T) {
	request := []byte{0x04, 0x05, 0x00, 0x00, 0xB0, 0x00, 0x00, 0x02}
	response := append([]byte{0x04, 0x0A, 0x00}, bytes.Repeat([]byte{0x90}, 10)...)
	f := &fakeBridge{response: response}
	b := New(f, Options{ChunkSize: 4})

	got, err := b.Invoke(context.Background(), request)
	require.NoError(t, err)
	assert.Equal(t, response, got)
	assert.Equal(t, request, f.written)

	expected := []transfer{
		{requestTypeOut, requestWrite, 0, 1, 4},
		{requestTypeOut, requestWrite, 4, 1, 4},
		{requestTypeIn, requestReadBack, 0, 1, 4},
		{requestTypeIn, requestReadBack, 4, 1, 4},
		{requestTypeIn, requestResponseLength, 0, 1, 2},
		{requestTypeIn, requestResponse, 0, 1, 4},
		{requestTypeIn, requestResponse, 4, 1, 4},
		{requestTypeIn, requestResponse, 8, 1, 4},
		{requestTypeIn, requestResponse, 12, 1, 1},
	}
	assert.Equal(t, expected, f.transfers)
}

func TestInvokeDefaults(t *testing.T) {
	f := &fakeBridge{response: []byte{0x00, 0x02, 0x00, 0x01, 0x00}}
	b := New(f, Options{})

	_, err := b.Invoke(context.Background(), []byte{0x00, 0x00, 0x00})
	require.NoError(t, err)
	for _, tr := range f.transfers {
		assert.EqualValues(t, DefaultInterface, tr.idx)
	}
	assert.Equal(t, "USB:0001", b.String())
}

func TestInvokeIntegrity(t *testing.T) {
	f := &fakeBridge{corrupt: true, response: []byte{0xFF, 0x00, 0x00}}
	b := New(f, Options{})

	_, err := b.Invoke(context.Background(), []byte{0xFF, 0x00, 0x00})
	assert.ErrorIs(t, err, backend.ErrIntegrity)
	for _, tr := range f.transfers {
		assert.NotEqual(t, requestResponseLength, tr.request, "response must not be read after a mismatch")
	}
}

func TestInvokeTransferFailure(t *testing.T) {
	f := &fakeBridge{fail: errors.New("pipe error")}
	b := New(f, Options{})

	_, err := b.Invoke(context.Background(), []byte{0x00, 0x00, 0x00})
	assert.ErrorIs(t, err, backend.ErrTransfer)
	var te *backend.TransferError
	require.ErrorAs(t, err, &te)
	assert.Equal(t, "control out", te.Op)
	assert.True(t, b.Connected())
}

func TestInvokeDisconnected(t *testing.T) {
	f := &fakeBridge{fail: backend.ErrDisconnected}
	b := New(f, Options{})

	_, err := b.Invoke(context.Background(), []byte{0x00, 0x00, 0x00})
	assert.ErrorIs(t, err, backend.ErrCancelled)
	assert.ErrorIs(t, err, backend.ErrDisconnected)
	assert.False(t, b.Connected())

	f.fail = nil
	calls := len(f.transfers)
	_, err = b.Invoke(context.Background(), []byte{0x00, 0x00, 0x00})
	assert.ErrorIs(t, err, backend.ErrDisconnected)
	assert.Len(t, f.transfers, calls, "nothing is sent after a disconnect")
}

func TestInvokeAbort(t *testing.T) {
	f := &fakeBridge{block: make(chan struct{}), response: []byte{0xFF, 0x00, 0x00}}
	b := New(f, Options{})

	errs := make(chan error, 1)
	go func() {
		_, err := b.Invoke(context.Background(), []byte{0xFF, 0x00, 0x00})
		errs <- err
	}()

	time.Sleep(10 * time.Millisecond)
	reason := errors.New("user abort")
	b.Abort(reason)

	select {
	case err := <-errs:
		assert.ErrorIs(t, err, backend.ErrCancelled)
		assert.ErrorIs(t, err, reason)
	case <-time.After(time.Second):
		t.Fatal("invoke did not return after abort")
	}
	close(f.block)
}

func TestInvokeDeadline(t *testing.T) {
	f := &fakeBridge{block: make(chan struct{})}
	defer close(f.block)
	b := New(f, Options{})

	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Millisecond)
	defer cancel()
	_, err := b.Invoke(ctx, []byte{0x00, 0x00, 0x00})
	assert.ErrorIs(t, err, backend.ErrCancelled)
	assert.ErrorIs(t, err, context.DeadlineExceeded)
	assert.False(t, b.Connected(), "the bridge is left mid exchange")

	_, err = b.Invoke(context.Background(), []byte{0x00, 0x00, 0x00})
	assert.ErrorIs(t, err, context.DeadlineExceeded)
}

func TestInvokeDeadlineThroughMutex(t *testing.T) {
	f := &fakeBridge{block: make(chan struct{}), response: []byte{0x00, 0x00, 0x00}}
	b := backend.NewMutex(New(f, Options{}))

	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Millisecond)
	defer cancel()
	_, err := b.Invoke(ctx, []byte{0x00, 0x00, 0x00})
	require.ErrorIs(t, err, context.DeadlineExceeded)

	_, err = b.Invoke(context.Background(), []byte{0x00, 0x00, 0x00})
	assert.ErrorIs(t, err, backend.ErrCancelled)
	close(f.block)

	assert.EqualValues(t, 1, atomic.LoadInt32(&f.peak), "transfers overlapped on the wire")
}

func TestInvokeExpiredContext(t *testing.T) {
	f := &fakeBridge{response: []byte{0x00, 0x00, 0x00}}
	b := New(f, Options{})

	ctx, cancel := context.WithCancel(context.Background())
	cancel()
	_, err := b.Invoke(ctx, []byte{0x00, 0x00, 0x00})
	assert.ErrorIs(t, err, context.Canceled)
	assert.Empty(t, f.transfers)
	assert.True(t, b.Connected(), "nothing was sent")

	_, err = b.Invoke(context.Background(), []byte{0x00, 0x00, 0x00})
	assert.NoError(t, err)
}

func TestInvokeOffsetRange(t *testing.T) {
	f := &fakeBridge{response: []byte{0xFF, 0x00, 0x00}}
	b := New(f, Options{})

	request := make([]byte, 3+0xFFFF)
	request[0], request[1], request[2] = 0xFF, 0xFF, 0xFF
	_, err := b.Invoke(context.Background(), request)
	assert.ErrorIs(t, err, backend.ErrTransfer)
	assert.ErrorIs(t, err, ErrOffsetRange)
	assert.Empty(t, f.transfers)
	assert.True(t, b.Connected())

	_, err = b.Invoke(context.Background(), make([]byte, 0x10000))
	assert.NotErrorIs(t, err, ErrOffsetRange)
}

func TestClose(t *testing.T) {
	f := &fakeBridge{closeErr: errors.New("busy")}
	forgot := &forgetter{}
	b := New(f, Options{Forgetter: forgot})

	err := b.Close(backend.CloseOptions{Forget: true})
	assert.EqualError(t, err, "busy")
	assert.True(t, f.released)
	assert.True(t, f.closed)
	assert.Equal(t, []string{"0001"}, []string(*forgot))
	assert.False(t, b.Connected())

	_, err = b.Invoke(context.Background(), []byte{0x00, 0x00, 0x00})
	assert.ErrorIs(t, err, backend.ErrClosed)
	assert.NoError(t, b.Close(backend.CloseOptions{}))
}

func TestConfigDefaults(t *testing.T) {
	cfg := config.Default()
	assert.Equal(t, DefaultInterface, cfg.USB.Interface)
	assert.Equal(t, DefaultChunkSize, cfg.USB.ChunkSize)
}
