package poller

import (
	"context"
	"errors"
	"time"

	"github.com/codesense/codesense/internal/celery"
	"github.com/codesense/codesense/internal/logging"
)

const (
	DefaultInterval = 3 * time.Second
	DefaultMaxPolls = 60
)

// Phase is the watcher's view of a task.
type Phase string

const (
	PhaseQueued     Phase = "queued"
	PhaseInProgress Phase = "in_progress"
	PhaseSuccess    Phase = "success"
	PhaseFailure    Phase = "failure"
	PhaseBackground Phase = "background"
)

// Update is emitted after every successful poll.
type Update struct {
	Poll    int
	Phase   Phase
	Current int
	Total   int
	// Fraction is Current/Total in [0,1]; it never decreases across updates.
	Fraction float64
	Result   celery.Result
}

// Outcome is how a watch ended.
type Outcome struct {
	Phase  Phase
	Polls  int
	Result celery.Result
	// Summary is set when a bulk send succeeded.
	Summary *celery.BulkEmailSummary
}

func (o Outcome) Message() string {
	switch o.Phase {
	case PhaseSuccess:
		return "task completed"
	case PhaseFailure:
		return "task failed"
	case PhaseBackground:
		return "still processing in background"
	}
	return string(o.Phase)
}

// FetchFunc reads the current state of a task.
type FetchFunc func(ctx context.Context, taskID string) (celery.Result, error)

// Watcher polls a task until it finishes or the poll budget runs out.
type Watcher struct {
	Fetch    FetchFunc
	Interval time.Duration
	MaxPolls int
	OnUpdate func(Update)
	Log      *logging.Logger
}

// Watch polls immediately and then every Interval. After MaxPolls polls
// without a final state it returns PhaseBackground; the task keeps running
// on the worker. Fetch errors are logged and count as a poll.
func (w *Watcher) Watch(ctx context.Context, taskID string) (Outcome, error) {
	if w.Fetch == nil {
		return Outcome{}, errors.New("poller: no fetch function")
	}
	interval := w.Interval
	if interval <= 0 {
		interval = DefaultInterval
	}
	maxPolls := w.MaxPolls
	if maxPolls <= 0 {
		maxPolls = DefaultMaxPolls
	}
	log := w.Log
	if log == nil {
		log = logging.New("codesense")
	}

	var p progress
	ticker := time.NewTicker(interval)
	defer ticker.Stop()

	for poll := 1; ; poll++ {
		res, err := w.Fetch(ctx, taskID)
		if err != nil {
			if ctx.Err() != nil {
				return Outcome{Phase: p.phase(), Polls: poll}, ctx.Err()
			}
			log.WithContext(ctx).WithTask(taskID).WithError(err).Warn("task status poll failed")
		} else {
			u := p.observe(poll, res)
			if w.OnUpdate != nil {
				w.OnUpdate(u)
			}
			if out, done := finished(u, poll); done {
				return out, nil
			}
		}

		if poll >= maxPolls {
			return Outcome{Phase: PhaseBackground, Polls: poll, Result: p.last}, nil
		}

		select {
		case <-ctx.Done():
			return Outcome{Phase: p.phase(), Polls: poll, Result: p.last}, ctx.Err()
		case <-ticker.C:
		}
	}
}

func finished(u Update, poll int) (Outcome, bool) {
	switch u.Phase {
	case PhaseSuccess:
		out := Outcome{Phase: PhaseSuccess, Polls: poll, Result: u.Result}
		if s, err := u.Result.BulkSummary(); err == nil {
			out.Summary = &s
		}
		return out, true
	case PhaseFailure:
		return Outcome{Phase: PhaseFailure, Polls: poll, Result: u.Result}, true
	}
	return Outcome{}, false
}

// progress tracks the best-known counts across polls.
type progress struct {
	lastSent int
	total    int
	fraction float64
	started  bool
	last     celery.Result
}

func (p *progress) phase() Phase {
	if p.started {
		return PhaseInProgress
	}
	return PhaseQueued
}

func (p *progress) observe(poll int, res celery.Result) Update {
	p.last = res
	u := Update{Poll: poll, Result: res}

	switch res.State {
	case celery.StateSuccess:
		u.Phase = PhaseSuccess
		p.fraction = 1
		if s, err := res.BulkSummary(); err == nil {
			p.lastSent = max(p.lastSent, s.Sent)
			if s.Total > 0 {
				p.total = s.Total
			}
		}
	case celery.StateFailure, celery.StateRevoked:
		u.Phase = PhaseFailure
	case celery.StatePending:
		u.Phase = p.phase()
	default:
		p.started = true
		u.Phase = PhaseInProgress
		if current, total, ok := res.Progress(); ok {
			if total <= 0 {
				// no usable total: keep the last sent count as the floor
				total = p.lastSent
			}
			if total > 0 {
				p.total = total
				if f := float64(current) / float64(total); f > p.fraction {
					p.fraction = min(f, 1)
				}
				p.lastSent = max(p.lastSent, current)
			}
		}
	}

	u.Current = p.lastSent
	u.Total = p.total
	u.Fraction = p.fraction
	return u
}
