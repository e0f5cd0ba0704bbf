package notify

import (
	"context"
	"encoding/json"
	"fmt"

	"github.com/nsqio/go-nsq"

	"github.com/codesense/codesense/internal/logging"
	"github.com/codesense/codesense/internal/tracing"
)

const DefaultTopic = "campaign_events"

type producer interface {
	Publish(topic string, body []byte) error
	Ping() error
	Stop()
}

// Publisher emits campaign events to nsqd. A Publisher built without an
// address drops every event.
type Publisher struct {
	prod  producer
	topic string
	log   *logging.Logger
}

func NewPublisher(nsqdAddr, topic string, log *logging.Logger) (*Publisher, error) {
	if log == nil {
		log = logging.New("codesense")
	}
	if topic == "" {
		topic = DefaultTopic
	}
	p := &Publisher{topic: topic, log: log}
	if nsqdAddr == "" {
		return p, nil
	}
	prod, err := nsq.NewProducer(nsqdAddr, nsq.NewConfig())
	if err != nil {
		return nil, fmt.Errorf("nsq producer: %w", err)
	}
	prod.SetLoggerLevel(nsq.LogLevelWarning)
	p.prod = prod
	return p, nil
}

func (p *Publisher) Enabled() bool { return p != nil && p.prod != nil }

// Ping checks the nsqd connection; a disabled publisher is always healthy.
func (p *Publisher) Ping() error {
	if !p.Enabled() {
		return nil
	}
	return p.prod.Ping()
}

// Publish sends e with the caller's trace context attached. Errors are
// logged and not returned: notifications never fail the caller.
func (p *Publisher) Publish(ctx context.Context, e Event) {
	if !p.Enabled() {
		return
	}
	ctx, span := tracing.StartSpan(ctx, "notify.publish",
		tracing.AttrCampaignID.String(e.CampaignID),
		tracing.AttrTaskID.String(e.TaskID),
	)
	defer span.End()

	e.TraceHeaders = tracing.InjectHeaders(ctx)
	body, err := json.Marshal(e)
	if err == nil {
		err = p.prod.Publish(p.topic, body)
	}
	if err != nil {
		tracing.SetSpanError(ctx, err)
		p.log.WithContext(ctx).
			WithCampaign(e.CampaignID).
			WithTask(e.TaskID).
			WithError(err).
			Warn("campaign event publish failed")
	}
}

func (p *Publisher) Close() {
	if p.Enabled() {
		p.prod.Stop()
	}
}

// Listen consumes events from topic on channel until ctx is done.
func Listen(ctx context.Context, nsqdAddr, topic, channel string, fn func(context.Context, Event) error) error {
	if topic == "" {
		topic = DefaultTopic
	}
	consumer, err := nsq.NewConsumer(topic, channel, nsq.NewConfig())
	if err != nil {
		return fmt.Errorf("nsq consumer: %w", err)
	}
	consumer.SetLoggerLevel(nsq.LogLevelWarning)
	consumer.AddHandler(nsq.HandlerFunc(func(m *nsq.Message) error {
		return handleMessage(ctx, m.Body, fn)
	}))
	if err := consumer.ConnectToNSQD(nsqdAddr); err != nil {
		return fmt.Errorf("connect to nsqd %s: %w", nsqdAddr, err)
	}

	<-ctx.Done()
	consumer.Stop()
	<-consumer.StopChan
	return nil
}

// handleMessage decodes one body. Undecodable bodies are dropped rather
// than requeued.
func handleMessage(ctx context.Context, body []byte, fn func(context.Context, Event) error) error {
	var e Event
	if err := json.Unmarshal(body, &e); err != nil {
		return nil
	}
	return fn(tracing.ExtractHeaders(ctx, e.TraceHeaders), e)
}
