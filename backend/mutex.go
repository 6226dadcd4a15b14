package backend

import (
	"context"

	"golang.org/x/sync/semaphore"
)

type mutex struct {
	parent Backend
	sem    *semaphore.Weighted
}

// NewMutex serializes Invoke calls on parent. Waiting callers are served in
// the order they arrived, and a caller whose context ends while waiting gives
// up its turn without touching the wire.
func NewMutex(parent Backend) Backend {
	return &mutex{parent: parent, sem: semaphore.NewWeighted(1)}
}

func (m *mutex) Connected() bool {
	return m.parent.Connected()
}

func (m *mutex) Invoke(ctx context.Context, request []byte) ([]byte, error) {
	if err := m.sem.Acquire(ctx, 1); err != nil {
		return nil, Cancelled(ctx)
	}
	defer m.sem.Release(1)
	return m.parent.Invoke(ctx, request)
}

func (m *mutex) Close(opts CloseOptions) error {
	return m.parent.Close(opts)
}

func (m *mutex) String() string {
	return m.parent.String()
}
