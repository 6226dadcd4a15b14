package main

import (
	"context"
	"encoding/hex"
	"fmt"
	"strings"

	"github.com/callebjorkell/notccid/managed"
	log "github.com/sirupsen/logrus"
)

func showStatus(ctx context.Context, d *managed.Device) error {
	s, err := d.Status(ctx)
	if err != nil {
		return err
	}
	fmt.Println(s)
	return nil
}

func powerOnCard(ctx context.Context, d *managed.Device, negotiation bool) error {
	atr, err := d.PowerOnCard(ctx, negotiation)
	if err != nil {
		return err
	}
	fmt.Printf("ATR: %X\n", atr)
	return nil
}

// prepareCard gets the card into the state transmit and recovery need.
func prepareCard(ctx context.Context, d *managed.Device) error {
	s, err := d.Status(ctx)
	if err != nil {
		return err
	}
	if !s.CardInserted {
		return managed.ErrCardNotInserted
	}
	if !s.Claimed {
		if err := d.Claim(ctx); err != nil {
			return err
		}
	}
	atr, err := d.PowerOnCard(ctx, true)
	if err != nil {
		return err
	}
	log.Debugf("ATR: %X", atr)
	return nil
}

func releaseCard(ctx context.Context, d *managed.Device) {
	if err := d.PowerOffCard(ctx); err != nil {
		log.Warnf("Could not power off the card: %v", err)
	}
	if err := d.Release(ctx); err != nil {
		log.Warnf("Could not release the interface: %v", err)
	}
}

func sendAPDU(ctx context.Context, d *managed.Device, in string) error {
	apdu, err := parseHex(in)
	if err != nil {
		return err
	}
	if err := prepareCard(ctx, d); err != nil {
		return err
	}
	defer releaseCard(ctx, d)

	resp, err := d.Transmit(ctx, apdu)
	if err != nil {
		return err
	}
	fmt.Printf("%X\n", resp)
	return nil
}

func enterRecovery(ctx context.Context, d *managed.Device) error {
	if err := prepareCard(ctx, d); err != nil {
		return err
	}
	if err := d.EnterRecoveryMode(ctx); err != nil {
		return err
	}
	log.Info("The eSTK.me is entering recovery mode")
	return nil
}

func parseHex(in string) ([]byte, error) {
	in = strings.NewReplacer(" ", "", ":", "").Replace(in)
	b, err := hex.DecodeString(in)
	if err != nil {
		return nil, fmt.Errorf("invalid hex %q: %w", in, err)
	}
	return b, nil
}
