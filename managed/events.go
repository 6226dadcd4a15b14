package managed

import (
	"context"
	"errors"
	"time"

	"github.com/callebjorkell/notccid/backend"
	"github.com/sirupsen/logrus"
)

const (
	Inserted CardState = 0
	Removed  CardState = 1
)

type CardState int

func (s CardState) String() string {
	if s == Inserted {
		return "inserted"
	}
	return "removed"
}

type CardEvent struct {
	State CardState
	At    time.Time
}

// debounce is the number of identical polls needed before a change is
// reported, so a card being slid in does not flap.
const debounce = 3

// Watch polls the bridge status every interval and reports card insertion
// and removal. The first settled state is always reported. The channel is
// closed when ctx ends or the backend is gone.
func (d *Device) Watch(ctx context.Context, interval time.Duration) <-chan CardEvent {
	events := make(chan CardEvent, 10)
	go func() {
		defer close(events)
		var (
			confirmed, seen *bool
			count           int
		)
		ticker := time.NewTicker(interval)
		defer ticker.Stop()
		for {
			s, err := d.Status(ctx)
			if err != nil {
				if errors.Is(err, backend.ErrCancelled) || ctx.Err() != nil {
					logrus.Debugf("card watcher stopped: %v", err)
					return
				}
				logrus.Debugf("error when polling status: %v", err)
			} else {
				inserted := s.CardInserted
				if seen == nil || *seen != inserted {
					seen, count = &inserted, 0
				}
				count++
				if count >= debounce && (confirmed == nil || *confirmed != inserted) {
					confirmed = &inserted
					e := CardEvent{State: Removed, At: time.Now()}
					if inserted {
						e.State = Inserted
					}
					logrus.Debugf("card %v", e.State)
					select {
					case events <- e:
					case <-ctx.Done():
						return
					}
				}
			}

			select {
			case <-ctx.Done():
				return
			case <-ticker.C:
			}
		}
	}()
	return events
}
