package main

import (
	"context"
	"errors"
	"fmt"
	"net/http"

	"github.com/callebjorkell/notccid/backend"
	"github.com/callebjorkell/notccid/ble"
	"github.com/callebjorkell/notccid/command"
	"github.com/callebjorkell/notccid/config"
	"github.com/callebjorkell/notccid/managed"
	"github.com/callebjorkell/notccid/notccid"
	"github.com/callebjorkell/notccid/store"
	"github.com/callebjorkell/notccid/usb"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	log "github.com/sirupsen/logrus"
	"tinygo.org/x/bluetooth"
)

func openStore(cfg config.Config) (*store.DB, error) {
	db, err := store.Open(cfg.Store.Path)
	if err != nil {
		return nil, fmt.Errorf("could not open device store %v: %w", cfg.Store.Path, err)
	}
	return db, nil
}

func closeOptions() backend.CloseOptions {
	return backend.CloseOptions{Forget: *forgetOnClose}
}

// connect opens the configured transport and stacks the decorators on top:
// serialization outermost, then frame logging, then metrics.
func connect(ctx context.Context, cfg config.Config, db *store.DB) (*managed.Device, error) {
	return connectWith(cfg, prometheus.DefaultRegisterer, func() (backend.Backend, error) {
		return openTransport(ctx, cfg, db)
	})
}

// connectWith is connect with the transport and the metrics registry supplied.
// The transport is closed again when the stack can't be built on top of it.
func connectWith(cfg config.Config, reg prometheus.Registerer, open func() (backend.Backend, error)) (*managed.Device, error) {
	ignore, err := ignoredTypes(cfg.Log.Ignore)
	if err != nil {
		return nil, err
	}

	b, err := open()
	if err != nil {
		return nil, err
	}

	if cfg.Metrics.Listen != "" {
		m, err := backend.NewMetrics(b, reg)
		if err != nil {
			if cerr := b.Close(backend.CloseOptions{}); cerr != nil {
				log.Warnf("Closing %v: %v", b, cerr)
			}
			return nil, err
		}
		b = m
		serveMetrics(cfg.Metrics.Listen)
	}

	b = backend.NewLogger(b, backend.LoggerOptions{Ignore: ignore})
	b = backend.NewMutex(b)

	log.Debugf("Connected to %v", b)
	return managed.New(notccid.New(b)), nil
}

func openTransport(ctx context.Context, cfg config.Config, db *store.DB) (backend.Backend, error) {
	if cfg.Transport == "ble" {
		scanCtx, cancel := context.WithTimeout(ctx, cfg.BLE.ScanTimeout)
		defer cancel()

		log.Infof("Scanning for %v...", cfg.BLE.NamePrefix)
		found, err := ble.Scan(scanCtx, bluetooth.DefaultAdapter, cfg.BLE.NamePrefix)
		if err != nil {
			return nil, err
		}
		b, err := ble.Open(bluetooth.DefaultAdapter, found, ble.Options{ChunkSize: cfg.BLE.ChunkSize, Forgetter: db})
		if err != nil {
			return nil, err
		}
		remember(db, store.Device{ID: b.Address(), Transport: "ble", Name: found.LocalName()})
		return b, nil
	}

	b, err := usb.Open(usb.Options{
		Serial:    cfg.USB.Serial,
		Interface: cfg.USB.Interface,
		ChunkSize: cfg.USB.ChunkSize,
		Forgetter: db,
	})
	if err != nil {
		return nil, err
	}
	remember(db, store.Device{ID: b.Serial(), Transport: "usb", Name: b.String()})
	return b, nil
}

func remember(db *store.DB, d store.Device) {
	if err := db.Remember(d); err != nil {
		log.Warnf("Could not remember %v: %v", d.ID, err)
	}
}

// ignoredTypes maps configured type names. nil keeps the default set.
func ignoredTypes(names []string) ([]command.Type, error) {
	if names == nil {
		return nil, nil
	}
	types := make([]command.Type, 0, len(names))
	for _, name := range names {
		t, err := command.ParseType(name)
		if err != nil {
			return nil, err
		}
		types = append(types, t)
	}
	return types, nil
}

func serveMetrics(addr string) {
	mux := http.NewServeMux()
	mux.Handle("/metrics", promhttp.Handler())
	go func() {
		if err := http.ListenAndServe(addr, mux); err != nil && !errors.Is(err, http.ErrServerClosed) {
			log.Warnf("Metrics server on %v stopped: %v", addr, err)
		}
	}()
	log.Infof("Serving metrics on %v", addr)
}
