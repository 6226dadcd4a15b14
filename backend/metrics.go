package backend

import (
	"context"
	"errors"
	"time"

	"github.com/callebjorkell/notccid/command"
	"github.com/prometheus/client_golang/prometheus"
)

type metrics struct {
	parent   Backend
	total    *prometheus.CounterVec
	duration *prometheus.HistogramVec
}

// NewMetrics counts invocations by command type and outcome and observes their
// duration. Collectors already registered on reg by an earlier call are reused.
func NewMetrics(parent Backend, reg prometheus.Registerer) (Backend, error) {
	total := prometheus.NewCounterVec(prometheus.CounterOpts{
		Namespace: "notccid",
		Name:      "invocations_total",
		Help:      "Command exchanges with the bridge, by command type and result.",
	}, []string{"type", "result"})
	duration := prometheus.NewHistogramVec(prometheus.HistogramOpts{
		Namespace: "notccid",
		Name:      "invoke_duration_seconds",
		Help:      "Round trip time of a command exchange.",
		Buckets:   prometheus.ExponentialBuckets(0.001, 2, 14),
	}, []string{"type"})

	var err error
	if total, err = register(reg, total); err != nil {
		return nil, err
	}
	if duration, err = register(reg, duration); err != nil {
		return nil, err
	}
	return &metrics{parent: parent, total: total, duration: duration}, nil
}

func register[T prometheus.Collector](reg prometheus.Registerer, c T) (T, error) {
	if err := reg.Register(c); err != nil {
		var are prometheus.AlreadyRegisteredError
		if errors.As(err, &are) {
			if existing, ok := are.ExistingCollector.(T); ok {
				return existing, nil
			}
		}
		return c, err
	}
	return c, nil
}

func (m *metrics) Connected() bool {
	return m.parent.Connected()
}

func (m *metrics) Invoke(ctx context.Context, request []byte) ([]byte, error) {
	typ := "unknown"
	if len(request) > 0 {
		typ = command.Type(request[0]).String()
	}

	start := time.Now()
	response, err := m.parent.Invoke(ctx, request)
	m.duration.WithLabelValues(typ).Observe(time.Since(start).Seconds())

	result := "ok"
	switch {
	case errors.Is(err, ErrCancelled):
		result = "cancelled"
	case err != nil:
		result = "error"
	}
	m.total.WithLabelValues(typ, result).Inc()
	return response, err
}

func (m *metrics) Close(opts CloseOptions) error {
	return m.parent.Close(opts)
}

func (m *metrics) String() string {
	return m.parent.String()
}
