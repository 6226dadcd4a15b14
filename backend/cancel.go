package backend

import "context"

// Join returns a context that is cancelled as soon as parent or any of others
// is, with the cause of whichever source fired first. The returned stop
// function releases the links to the other sources and must be called.
func Join(parent context.Context, others ...context.Context) (context.Context, context.CancelFunc) {
	ctx, cancel := context.WithCancelCause(parent)
	stops := make([]func() bool, 0, len(others))
	for _, other := range others {
		if other == nil {
			continue
		}
		if other.Err() != nil {
			cancel(context.Cause(other))
			break
		}
		src := other
		stops = append(stops, context.AfterFunc(src, func() {
			cancel(context.Cause(src))
		}))
	}
	return ctx, func() {
		for _, stop := range stops {
			stop()
		}
		cancel(context.Canceled)
	}
}

// Cancelled wraps the cause of a done context in a CancelledError. It returns
// nil while ctx is still live.
func Cancelled(ctx context.Context) error {
	if ctx.Err() == nil {
		return nil
	}
	return &CancelledError{Reason: context.Cause(ctx)}
}
