package notccid

import (
	"bytes"
	"context"
	"time"

	"golang.org/x/time/rate"
)

type PingOptions struct {
	// Count is the number of echo exchanges, at least one.
	Count int
	// Size is the payload size of each echo. Negative sizes send empty echoes.
	Size int
	// Rate caps the exchanges per second. Zero means as fast as the link allows.
	Rate float64
}

type PingReport struct {
	Sent       int
	Received   int
	Mismatched int
	Min        time.Duration
	Max        time.Duration
	Average    time.Duration
}

// Ping measures link quality with a series of echo exchanges. A failed
// exchange stops the run; the report covers what completed before it.
func (n *NotCCID) Ping(ctx context.Context, opts PingOptions) (PingReport, error) {
	if opts.Count < 1 {
		opts.Count = 1
	}
	if opts.Size < 0 {
		opts.Size = 0
	}
	limit := rate.Inf
	if opts.Rate > 0 {
		limit = rate.Limit(opts.Rate)
	}
	limiter := rate.NewLimiter(limit, 1)

	var (
		report PingReport
		total  time.Duration
	)
	payload := make([]byte, opts.Size)
	for i := 0; i < opts.Count; i++ {
		if err := limiter.Wait(ctx); err != nil {
			return report, err
		}
		for j := range payload {
			payload[j] = byte(i + j)
		}

		start := time.Now()
		report.Sent++
		echoed, err := n.Echo(ctx, payload)
		if err != nil {
			return report, err
		}
		elapsed := time.Since(start)

		report.Received++
		if !bytes.Equal(payload, echoed) {
			report.Mismatched++
		}
		total += elapsed
		if report.Min == 0 || elapsed < report.Min {
			report.Min = elapsed
		}
		if elapsed > report.Max {
			report.Max = elapsed
		}
		report.Average = total / time.Duration(report.Received)
	}
	return report, nil
}
