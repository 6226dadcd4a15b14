package store

import (
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func open(t *testing.T) *DB {
	db, err := Open(":memory:")
	require.NoError(t, err)
	t.Cleanup(func() { db.Close() })
	return db
}

func TestRememberLookup(t *testing.T) {
	db := open(t)

	d := Device{
		ID:        "AA:BB:CC:DD:EE:FF",
		Transport: "ble",
		Name:      "ESTKme-RED-0001",
		LastSeen:  time.Date(2024, 10, 1, 12, 0, 0, 0, time.UTC),
	}
	require.NoError(t, db.Remember(d))

	got, err := db.Lookup(d.ID)
	require.NoError(t, err)
	assert.Equal(t, d, got)

	_, err = db.Lookup("nope")
	assert.ErrorIs(t, err, ErrNotFound)
}

func TestRememberSetsLastSeen(t *testing.T) {
	db := open(t)

	require.NoError(t, db.Remember(Device{ID: "0001", Transport: "usb"}))
	got, err := db.Lookup("0001")
	require.NoError(t, err)
	assert.WithinDuration(t, time.Now(), got.LastSeen, time.Minute)
}

func TestAllAndForget(t *testing.T) {
	db := open(t)

	require.NoError(t, db.Remember(Device{ID: "0001", Transport: "usb"}))
	require.NoError(t, db.Remember(Device{ID: "AA:BB", Transport: "ble"}))
	require.NoError(t, db.Remember(Device{ID: "0002", Transport: "usb"}))

	all, err := db.All()
	require.NoError(t, err)
	require.Len(t, all, 3)
	assert.Equal(t, "ble", all[0].Transport)

	require.NoError(t, db.Forget("0001"))
	require.NoError(t, db.Forget("0001"))

	all, err = db.All()
	require.NoError(t, err)
	assert.Len(t, all, 2)
	_, err = db.Lookup("0001")
	assert.ErrorIs(t, err, ErrNotFound)
}
