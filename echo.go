package main

import (
	"bytes"
	"context"
	"fmt"

	"github.com/callebjorkell/notccid/managed"
	"github.com/callebjorkell/notccid/notccid"
)

func echoPayload(ctx context.Context, d *managed.Device, in string) error {
	payload, err := parseHex(in)
	if err != nil {
		return err
	}
	resp, err := d.Echo(ctx, payload)
	if err != nil {
		return err
	}
	fmt.Printf("%X\n", resp)
	if !bytes.Equal(payload, resp) {
		return fmt.Errorf("echo differs from what was sent")
	}
	return nil
}

func pingBridge(ctx context.Context, d *managed.Device) error {
	r, err := d.NotCCID().Ping(ctx, notccid.PingOptions{Count: *pingCount, Size: *pingSize, Rate: *pingRate})
	fmt.Printf("%v sent, %v received, %v mismatched\n", r.Sent, r.Received, r.Mismatched)
	if r.Received > 0 {
		fmt.Printf("round trip min/avg/max = %v/%v/%v\n", r.Min, r.Average, r.Max)
	}
	return err
}
