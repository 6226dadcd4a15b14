package managed

import (
	"context"
	"sync"
	"testing"
	"time"

	"github.com/callebjorkell/notccid/backend"
	"github.com/callebjorkell/notccid/command"
	"github.com/callebjorkell/notccid/notccid"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

// bridge is a tiny in-memory model of the device firmware.
type bridge struct {
	mu       sync.Mutex
	inserted bool
	claimed  bool
	statuses []bool // scripted card presence, consumed one per status poll
	sent     []command.Type
	gone     bool
}

func (b *bridge) Connected() bool { return true }

func (b *bridge) Invoke(_ context.Context, request []byte) ([]byte, error) {
	b.mu.Lock()
	defer b.mu.Unlock()
	if b.gone {
		return nil, &backend.CancelledError{Reason: backend.ErrDisconnected}
	}
	c, err := command.Decode(request)
	if err != nil {
		return nil, err
	}
	b.sent = append(b.sent, c.Type)

	var payload []byte
	switch c.Type {
	case command.Status:
		if len(b.statuses) > 0 {
			b.inserted, b.statuses = b.statuses[0], b.statuses[1:]
		}
		payload = []byte{flag(b.inserted), flag(b.claimed)}
	case command.Claim:
		b.claimed = len(c.Payload) > 0
	case command.Power:
		if len(c.Payload) > 0 {
			payload = []byte{0x3B, 0x8F, 0x80}
		}
	case command.Transmit:
		payload = []byte{0x90, 0x00}
	}
	return command.Encode(command.Command{Type: c.Type, Payload: payload})
}

func (b *bridge) Close(backend.CloseOptions) error { return nil }
func (b *bridge) String() string                   { return "bridge" }

func flag(v bool) byte {
	if v {
		return 1
	}
	return 0
}

func TestLifecycle(t *testing.T) {
	ctx := context.Background()
	b := &bridge{inserted: true}
	d := New(notccid.New(b))
	apdu := []byte{0x00, 0xA4, 0x04, 0x00, 0x00}

	_, err := d.Transmit(ctx, apdu)
	assert.ErrorIs(t, err, ErrCardNotInserted)

	s, err := d.Status(ctx)
	require.NoError(t, err)
	assert.True(t, s.CardInserted)
	assert.True(t, d.CardInserted())

	_, err = d.Transmit(ctx, apdu)
	assert.ErrorIs(t, err, ErrNotClaimed)
	assert.ErrorIs(t, d.EnterRecoveryMode(ctx), ErrNotClaimed)

	require.NoError(t, d.Claim(ctx))
	assert.True(t, d.Claimed())
	_, err = d.Transmit(ctx, apdu)
	assert.ErrorIs(t, err, ErrNotPowered)
	assert.ErrorIs(t, d.EnterRecoveryMode(ctx), ErrNotPowered)

	atr, err := d.PowerOnCard(ctx, true)
	require.NoError(t, err)
	assert.Equal(t, []byte{0x3B, 0x8F, 0x80}, atr)
	assert.True(t, d.Powered())
	assert.Equal(t, atr, d.ATR())

	_, err = d.Transmit(ctx, apdu[:4])
	assert.ErrorIs(t, err, ErrInvalidAPDU)

	resp, err := d.Transmit(ctx, apdu)
	require.NoError(t, err)
	assert.Equal(t, []byte{0x90, 0x00}, resp)

	require.NoError(t, d.PowerOffCard(ctx))
	assert.False(t, d.Powered())
	assert.Nil(t, d.ATR())

	require.NoError(t, d.Release(ctx))
	assert.False(t, d.Claimed())

	assert.Equal(t, []command.Type{
		command.Status, command.Claim, command.Power, command.Transmit, command.Power, command.Claim,
	}, b.sent)
}

func TestStatusRemovalClearsATR(t *testing.T) {
	ctx := context.Background()
	b := &bridge{inserted: true}
	d := New(notccid.New(b))

	_, err := d.PowerOnCard(ctx, false)
	require.NoError(t, err)
	require.True(t, d.Powered())

	b.inserted = false
	_, err = d.Status(ctx)
	require.NoError(t, err)
	assert.False(t, d.Powered())
}

func TestWatch(t *testing.T) {
	b := &bridge{statuses: []bool{false, false, false, true, false, true, true, true, true, false, false, false}}
	d := New(notccid.New(b))

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	events := d.Watch(ctx, time.Millisecond)

	var states []CardState
	for len(states) < 3 {
		select {
		case e := <-events:
			states = append(states, e.State)
		case <-time.After(time.Second):
			t.Fatalf("only got %v", states)
		}
	}
	assert.Equal(t, []CardState{Removed, Inserted, Removed}, states)
}

func TestWatchStopsWhenBackendGone(t *testing.T) {
	b := &bridge{gone: true}
	d := New(notccid.New(b))

	events := d.Watch(context.Background(), time.Millisecond)
	select {
	case _, open := <-events:
		assert.False(t, open)
	case <-time.After(time.Second):
		t.Fatal("watcher still running")
	}
}
