package campaign

import (
	"context"
	"fmt"
	"sync"
	"time"

	"github.com/codesense/codesense/internal/celery"
	"github.com/codesense/codesense/internal/logging"
	"github.com/codesense/codesense/internal/poller"
)

// StatusFunc reads a task's state and mirrors it onto its campaign.
type StatusFunc func(ctx context.Context, taskID string) celery.Result

// Tracker follows submitted tasks on the server so campaign records reach
// a final state even when no dashboard is polling.
type Tracker struct {
	ctx      context.Context
	status   StatusFunc
	interval time.Duration
	maxPolls int
	log      *logging.Logger
	wg       sync.WaitGroup
}

// NewTracker returns a tracker whose watches stop when ctx is done.
func NewTracker(ctx context.Context, status StatusFunc, interval time.Duration, maxPolls int, log *logging.Logger) *Tracker {
	if log == nil {
		log = logging.New("codesense")
	}
	return &Tracker{ctx: ctx, status: status, interval: interval, maxPolls: maxPolls, log: log}
}

// Track starts watching taskID in the background.
func (t *Tracker) Track(taskID string) {
	t.wg.Add(1)
	go func() {
		defer t.wg.Done()
		w := &poller.Watcher{
			Fetch: func(ctx context.Context, id string) (celery.Result, error) {
				res := t.status(ctx, id)
				if res.Unavailable() {
					// keep polling; the task itself has not failed
					return res, fmt.Errorf("result backend: %s", res.ErrorMessage())
				}
				return res, nil
			},
			Interval: t.interval,
			MaxPolls: t.maxPolls,
			Log:      t.log,
		}
		out, err := w.Watch(t.ctx, taskID)
		entry := t.log.WithContext(t.ctx).WithTask(taskID).WithField("polls", out.Polls)
		if err != nil {
			entry.WithError(err).Debug("task tracking stopped")
			return
		}
		entry.WithField("phase", string(out.Phase)).Info(out.Message())
	}()
}

// Wait blocks until every watch has returned.
func (t *Tracker) Wait() {
	t.wg.Wait()
}
