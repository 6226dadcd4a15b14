// Package store remembers the bridges this host has opened, so they can be
// listed and reopened by ID, and forgotten again.
package store

import (
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"github.com/tidwall/buntdb"
)

var ErrNotFound = errors.New("device not found")

const keyPrefix = "device:"

type Device struct {
	// ID is the USB serial number or the BLE address.
	ID string `json:"id"`
	// Transport is either "usb" or "ble".
	Transport string    `json:"transport"`
	Name      string    `json:"name,omitempty"`
	LastSeen  time.Time `json:"lastSeen"`
}

func (d Device) String() string {
	b, err := json.MarshalIndent(d, "", "  ")
	if err != nil {
		return fmt.Sprintf("ID: %v, transport: %v", d.ID, d.Transport)
	}
	return string(b)
}

type DB struct {
	instance *buntdb.DB
}

// Open opens the database at path. ":memory:" keeps it in memory only.
func Open(path string) (*DB, error) {
	db, err := buntdb.Open(path)
	if err != nil {
		return nil, err
	}
	if err := db.CreateIndex("transport", keyPrefix+"*", buntdb.IndexJSON("transport")); err != nil {
		db.Close()
		return nil, err
	}
	return &DB{instance: db}, nil
}

func (db *DB) Close() error {
	return db.instance.Close()
}

func (db *DB) Remember(d Device) error {
	if d.LastSeen.IsZero() {
		d.LastSeen = time.Now()
	}
	return db.instance.Update(func(tx *buntdb.Tx) error {
		data, err := json.Marshal(d)
		if err != nil {
			return err
		}
		_, _, err = tx.Set(key(d.ID), string(data), nil)
		return err
	})
}

func (db *DB) Lookup(id string) (Device, error) {
	var d Device
	err := db.instance.View(func(tx *buntdb.Tx) error {
		s, err := tx.Get(key(id))
		if err != nil {
			return err
		}
		return json.Unmarshal([]byte(s), &d)
	})
	if errors.Is(err, buntdb.ErrNotFound) {
		return d, fmt.Errorf("%w: %v", ErrNotFound, id)
	}
	return d, err
}

// All returns the remembered devices ordered by transport.
func (db *DB) All() ([]Device, error) {
	var devices []Device
	err := db.instance.View(func(tx *buntdb.Tx) error {
		var jerr error
		err := tx.Ascend("transport", func(_, value string) bool {
			var d Device
			if jerr = json.Unmarshal([]byte(value), &d); jerr != nil {
				return false
			}
			devices = append(devices, d)
			return true
		})
		if err != nil {
			return err
		}
		return jerr
	})
	return devices, err
}

// Forget removes the device. Forgetting an unknown device is not an error.
func (db *DB) Forget(id string) error {
	err := db.instance.Update(func(tx *buntdb.Tx) error {
		_, err := tx.Delete(key(id))
		return err
	})
	if errors.Is(err, buntdb.ErrNotFound) {
		return nil
	}
	return err
}

func key(id string) string {
	return keyPrefix + id
}
