package celery

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"

	"github.com/redis/go-redis/v9"

	"github.com/codesense/codesense/internal/logging"
	"github.com/codesense/codesense/internal/metrics"
	"github.com/codesense/codesense/internal/tracing"
)

// ResultStore is the subset of a Redis client used to read task results.
type ResultStore interface {
	Get(ctx context.Context, key string) *redis.StringCmd
}

// Result is the state of a task as seen through the result backend.
type Result struct {
	TaskID    string          `json:"taskId"`
	State     State           `json:"state"`
	Result    json.RawMessage `json:"result"`
	Meta      map[string]any  `json:"meta"`
	Traceback string          `json:"traceback,omitempty"`

	unavailable bool
}

// Unavailable reports whether the FAILURE state came from the backend
// itself being unreadable rather than from the worker.
func (r Result) Unavailable() bool {
	return r.unavailable
}

// BulkEmailError is one failed recipient in a bulk send summary.
type BulkEmailError struct {
	Email string `json:"email"`
	Error string `json:"error"`
}

// BulkEmailSummary is the return value of send_bulk_emails.
type BulkEmailSummary struct {
	Total  int              `json:"total"`
	Sent   int              `json:"sent"`
	Failed int              `json:"failed"`
	Errors []BulkEmailError `json:"errors"`
}

// Progress reads current/total from progress metadata.
func (r Result) Progress() (current, total int, ok bool) {
	if r.Meta == nil {
		return 0, 0, false
	}
	c, cok := number(r.Meta["current"])
	t, tok := number(r.Meta["total"])
	if !cok || !tok {
		return 0, 0, false
	}
	return c, t, true
}

// BulkSummary decodes the result payload of a finished bulk send.
func (r Result) BulkSummary() (BulkEmailSummary, error) {
	var s BulkEmailSummary
	if len(r.Result) == 0 || string(r.Result) == "null" {
		return s, errors.New("no result payload")
	}
	if err := json.Unmarshal(r.Result, &s); err != nil {
		return s, fmt.Errorf("decode bulk summary: %w", err)
	}
	return s, nil
}

// ErrorMessage returns the failure text carried by a FAILURE result.
func (r Result) ErrorMessage() string {
	if r.State != StateFailure || len(r.Result) == 0 {
		return ""
	}
	var s string
	if err := json.Unmarshal(r.Result, &s); err == nil {
		return s
	}
	var exc struct {
		Type    string `json:"exc_type"`
		Message any    `json:"exc_message"`
	}
	if err := json.Unmarshal(r.Result, &exc); err == nil && exc.Type != "" {
		return fmt.Sprintf("%s: %v", exc.Type, exc.Message)
	}
	return string(r.Result)
}

func number(v any) (int, bool) {
	switch n := v.(type) {
	case float64:
		return int(n), true
	case int:
		return n, true
	case int64:
		return int(n), true
	case json.Number:
		i, err := n.Int64()
		return int(i), err == nil
	}
	return 0, false
}

// ResultKey is the result backend key for a task id.
func ResultKey(prefix, taskID string) string {
	if prefix == "" {
		prefix = DefaultResultPrefix
	}
	return prefix + taskID
}

// record is the JSON document the worker stores.
type record struct {
	Status    State           `json:"status"`
	Result    json.RawMessage `json:"result"`
	Meta      map[string]any  `json:"meta"`
	Traceback *string         `json:"traceback"`
}

// Backend reads task results. Its store must be a different logical
// database from the broker.
type Backend struct {
	store  ResultStore
	prefix string
	log    *logging.Logger
}

func NewBackend(store ResultStore, prefix string, log *logging.Logger) *Backend {
	if log == nil {
		log = logging.New("codesense")
	}
	return &Backend{store: store, prefix: prefix, log: log}
}

// GetResult never fails: a missing record is PENDING, and any read or
// decode error is reported as FAILURE carrying the error message.
func (b *Backend) GetResult(ctx context.Context, taskID string) Result {
	ctx, span := tracing.StartSpan(ctx, "celery.get_result", tracing.AttrTaskID.String(taskID))
	defer span.End()

	res := b.read(ctx, taskID)
	span.SetAttributes(tracing.AttrTaskState.String(res.State.String()))
	metrics.RecordResultPoll(res.State.String())
	return res
}

func (b *Backend) read(ctx context.Context, taskID string) Result {
	raw, err := b.store.Get(ctx, ResultKey(b.prefix, taskID)).Bytes()
	if errors.Is(err, redis.Nil) {
		return Result{TaskID: taskID, State: StatePending}
	}
	if err != nil {
		return b.failed(ctx, taskID, fmt.Errorf("read result: %w", err))
	}

	var rec record
	if err := json.Unmarshal(raw, &rec); err != nil {
		return b.failed(ctx, taskID, fmt.Errorf("decode result: %w", err))
	}

	res := Result{TaskID: taskID, State: rec.Status, Meta: rec.Meta}
	if res.State == "" {
		res.State = StatePending
	}
	if len(rec.Result) > 0 && string(rec.Result) != "null" {
		res.Result = rec.Result
	}
	if rec.Traceback != nil {
		res.Traceback = *rec.Traceback
	}
	// update_state() stores custom metadata in the result field
	if res.Meta == nil && !res.State.Ready() && res.Result != nil {
		var meta map[string]any
		if json.Unmarshal(res.Result, &meta) == nil {
			res.Meta = meta
		}
	}
	return res
}

func (b *Backend) failed(ctx context.Context, taskID string, err error) Result {
	tracing.SetSpanError(ctx, err)
	b.log.WithContext(ctx).WithTask(taskID).WithError(err).Warn("result backend lookup failed")
	msg, _ := json.Marshal(err.Error())
	return Result{TaskID: taskID, State: StateFailure, Result: msg, unavailable: true}
}
