package backend

import (
	"context"

	"github.com/callebjorkell/notccid/command"
	"github.com/sirupsen/logrus"
)

// DefaultIgnore lists the command types the logging decorator skips unless
// told otherwise. They are polled or used for link tests and drown out the rest.
var DefaultIgnore = []command.Type{command.Status, command.EmitLED, command.Echo}

type LoggerOptions struct {
	// Logger defaults to the logrus standard logger.
	Logger logrus.FieldLogger
	// Ignore is the set of types that are not logged. A nil slice means
	// DefaultIgnore, an empty one logs everything.
	Ignore []command.Type
}

type logger struct {
	parent Backend
	log    logrus.FieldLogger
	ignore map[command.Type]bool
}

// NewLogger reports every request and response frame going through parent.
// It never changes what Invoke returns.
func NewLogger(parent Backend, opts LoggerOptions) Backend {
	l := &logger{parent: parent, log: opts.Logger, ignore: make(map[command.Type]bool)}
	if l.log == nil {
		l.log = logrus.StandardLogger()
	}
	ignore := opts.Ignore
	if ignore == nil {
		ignore = DefaultIgnore
	}
	for _, t := range ignore {
		l.ignore[t] = true
	}
	return l
}

func (l *logger) Connected() bool {
	return l.parent.Connected()
}

func (l *logger) Invoke(ctx context.Context, request []byte) ([]byte, error) {
	l.report("->", request)
	response, err := l.parent.Invoke(ctx, request)
	if err != nil {
		l.log.WithField("backend", l.parent.String()).Debugf("invoke failed: %v", err)
		return response, err
	}
	l.report("<-", response)
	return response, nil
}

func (l *logger) report(direction string, frame []byte) {
	c, err := command.Decode(frame)
	if err != nil || l.ignore[c.Type] {
		return
	}
	l.log.WithFields(logrus.Fields{
		"type":    c.Type.String(),
		"length":  len(c.Payload),
		"backend": l.parent.String(),
	}).Infof("%v %v % x", c.Type, direction, c.Payload)
}

func (l *logger) Close(opts CloseOptions) error {
	return l.parent.Close(opts)
}

func (l *logger) String() string {
	return l.parent.String()
}
