package celery

import (
	"context"
	"encoding/json"
	"fmt"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/redis/go-redis/v9"

	"github.com/codesense/codesense/internal/logging"
	"github.com/codesense/codesense/internal/metrics"
	"github.com/codesense/codesense/internal/tracing"
)

// Broker is the subset of a Redis client used to enqueue messages.
type Broker interface {
	LPush(ctx context.Context, key string, values ...any) *redis.IntCmd
}

// Submission is returned for every message accepted by the broker.
type Submission struct {
	TaskID string `json:"taskId"`
	Status string `json:"status"`
	Queue  string `json:"queue"`
}

type ProducerOptions struct {
	DefaultQueue string
	Origin       string
	AsyncTimeout time.Duration // per fire-and-forget send, default 10s
}

// Producer pushes task messages onto broker queue lists.
type Producer struct {
	broker       Broker
	defaultQueue string
	origin       string
	asyncTimeout time.Duration
	log          *logging.Logger

	inflight sync.WaitGroup
}

func NewProducer(broker Broker, opts ProducerOptions, log *logging.Logger) *Producer {
	if opts.DefaultQueue == "" {
		opts.DefaultQueue = DefaultQueue
	}
	if opts.AsyncTimeout <= 0 {
		opts.AsyncTimeout = 10 * time.Second
	}
	if log == nil {
		log = logging.New("codesense")
	}
	return &Producer{
		broker:       broker,
		defaultQueue: opts.DefaultQueue,
		origin:       opts.Origin,
		asyncTimeout: opts.AsyncTimeout,
		log:          log,
	}
}

type sendOptions struct {
	queue  string
	taskID string
}

type SendOption func(*sendOptions)

// WithQueue routes the task to a queue other than the producer default.
func WithQueue(queue string) SendOption {
	return func(o *sendOptions) { o.queue = queue }
}

// WithTaskID uses a caller-generated id, so a tracking record can exist
// before the message reaches the broker.
func WithTaskID(id string) SendOption {
	return func(o *sendOptions) { o.taskID = id }
}

// NewTaskID returns a fresh random task id.
func NewTaskID() string { return uuid.NewString() }

// SendTask builds a message and pushes it with a single LPUSH. The worker
// pops from the opposite end, so the list behaves as a FIFO queue.
// Broker failures are returned to the caller and never retried.
func (p *Producer) SendTask(ctx context.Context, name string, args []any, kwargs map[string]any, opts ...SendOption) (Submission, error) {
	o := sendOptions{queue: p.defaultQueue}
	for _, opt := range opts {
		opt(&o)
	}
	if o.queue == "" {
		o.queue = p.defaultQueue
	}
	if o.taskID == "" {
		o.taskID = NewTaskID()
	}

	ctx, span := tracing.StartSpan(ctx, "celery.send_task",
		tracing.AttrTaskName.String(name),
		tracing.AttrTaskID.String(o.taskID),
		tracing.AttrQueue.String(o.queue),
	)
	defer span.End()

	msg, err := NewMessage(o.taskID, name, args, kwargs, o.queue, p.origin)
	if err != nil {
		tracing.SetSpanError(ctx, err)
		return Submission{}, fmt.Errorf("build message: %w", err)
	}
	data, err := json.Marshal(msg)
	if err != nil {
		tracing.SetSpanError(ctx, err)
		return Submission{}, fmt.Errorf("encode message: %w", err)
	}

	err = p.broker.LPush(ctx, o.queue, data).Err()
	metrics.RecordTaskSubmitted(name, o.queue, err)
	if err != nil {
		tracing.SetSpanError(ctx, err)
		return Submission{}, fmt.Errorf("push task %s to queue %s: %w", name, o.queue, err)
	}

	p.log.WithContext(ctx).
		WithTask(o.taskID).
		WithQueue(o.queue).
		WithField("task", name).
		Info("task queued")

	return Submission{TaskID: o.taskID, Status: "queued", Queue: o.queue}, nil
}

// Send validates a typed payload and submits it.
func (p *Producer) Send(ctx context.Context, payload Payload, opts ...SendOption) (Submission, error) {
	if err := payload.Validate(); err != nil {
		return Submission{}, err
	}
	return p.SendTask(ctx, payload.TaskName(), payload.Args(), payload.Kwargs(), opts...)
}

// SendAsync submits payload in the background and returns its task id
// immediately. The send outlives ctx cancellation but not the producer
// timeout; failures are logged and counted, never returned.
func (p *Producer) SendAsync(ctx context.Context, payload Payload, opts ...SendOption) string {
	taskID := NewTaskID()
	opts = append(opts, WithTaskID(taskID))
	bg := context.WithoutCancel(ctx)

	p.inflight.Add(1)
	go func() {
		defer p.inflight.Done()
		sendCtx, cancel := context.WithTimeout(bg, p.asyncTimeout)
		defer cancel()

		if _, err := p.Send(sendCtx, payload, opts...); err != nil {
			metrics.RecordAsyncSendFailure(payload.TaskName())
			p.log.WithContext(sendCtx).
				WithTask(taskID).
				WithField("task", payload.TaskName()).
				WithError(err).
				Error("background task submission failed")
		}
	}()
	return taskID
}

// Wait blocks until every background send has finished.
func (p *Producer) Wait() {
	p.inflight.Wait()
}
