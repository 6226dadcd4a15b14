package main

import (
	"context"
	"fmt"
	"time"

	"github.com/callebjorkell/notccid/managed"
	"github.com/callebjorkell/notccid/store"
	log "github.com/sirupsen/logrus"
)

func listDevices(db *store.DB) error {
	all, err := db.All()
	if err != nil {
		return err
	}

	if len(all) == 0 {
		fmt.Println("No devices remembered yet...")
		return nil
	}
	fmt.Println("                   ID │ Transport │ Last seen        │ Name")
	fmt.Println("──────────────────────┼───────────┼──────────────────┼────────────────────")
	for _, d := range all {
		fmt.Printf("%21v │ %9v │ %16v │ %v\n", d.ID, d.Transport, d.LastSeen.Format("2006-01-02 15:04"), d.Name)
	}
	return nil
}

func forgetDevice(db *store.DB, id string) error {
	d, err := db.Lookup(id)
	if err != nil {
		return err
	}
	if err := db.Forget(id); err != nil {
		return fmt.Errorf("could not forget device %v: %w", id, err)
	}
	log.Infof("Forgot %v device %v", d.Transport, d.ID)
	return nil
}

func watchCards(ctx context.Context, d *managed.Device, interval time.Duration) error {
	for e := range d.Watch(ctx, interval) {
		fmt.Printf("%v card %v\n", e.At.Format(time.TimeOnly), e.State)
	}
	if ctx.Err() != nil {
		return nil
	}
	return fmt.Errorf("lost the connection to the bridge")
}
