package main

import (
	"context"

	"github.com/callebjorkell/notccid/managed"
	"github.com/callebjorkell/notccid/notccid"
	log "github.com/sirupsen/logrus"
)

func setLED(ctx context.Context, d *managed.Device, color string) error {
	if color == "" {
		log.Debug("LED: Off")
		return d.TurnOffLED(ctx)
	}
	c, err := notccid.ParseRGB(color)
	if err != nil {
		return err
	}
	log.Debugf("LED: %v", c)
	return d.EmitLED(ctx, c)
}
