package celery

import (
	"encoding/base64"
	"encoding/json"
	"fmt"

	"github.com/google/uuid"
)

const (
	DefaultQueue        = "celery"
	DefaultResultPrefix = "celery-task-meta-"

	contentType     = "application/json"
	contentEncoding = "utf-8"
	bodyEncoding    = "base64"
	// persistent delivery, as kombu's Redis transport expects
	deliveryModePersistent = 2
)

// Message is the kombu envelope a Celery worker pops from the broker list.
type Message struct {
	Body            string     `json:"body"`
	ContentEncoding string     `json:"content-encoding"`
	ContentType     string     `json:"content-type"`
	Headers         Headers    `json:"headers"`
	Properties      Properties `json:"properties"`
}

// Headers is the protocol v2 header block. Nullable fields are always null
// for tasks sent from this service.
type Headers struct {
	Lang       string      `json:"lang"`
	Task       string      `json:"task"`
	ID         string      `json:"id"`
	RootID     string      `json:"root_id"`
	ParentID   *string     `json:"parent_id"`
	Group      *string     `json:"group"`
	Meth       *string     `json:"meth"`
	Shadow     *string     `json:"shadow"`
	ETA        *string     `json:"eta"`
	Expires    *string     `json:"expires"`
	Retries    int         `json:"retries"`
	TimeLimit  [2]*float64 `json:"timelimit"`
	ArgsRepr   string      `json:"argsrepr"`
	KwargsRepr string      `json:"kwargsrepr"`
	Origin     string      `json:"origin"`
}

type DeliveryInfo struct {
	Exchange   string `json:"exchange"`
	RoutingKey string `json:"routing_key"`
}

type Properties struct {
	CorrelationID string       `json:"correlation_id"`
	ReplyTo       string       `json:"reply_to"`
	DeliveryMode  int          `json:"delivery_mode"`
	DeliveryInfo  DeliveryInfo `json:"delivery_info"`
	Priority      int          `json:"priority"`
	BodyEncoding  string       `json:"body_encoding"`
	DeliveryTag   string       `json:"delivery_tag"`
}

// embed is the third element of the body array.
type embed struct {
	Callbacks any `json:"callbacks"`
	Errbacks  any `json:"errbacks"`
	Chain     any `json:"chain"`
	Chord     any `json:"chord"`
}

// NewMessage builds the wire message for one task invocation.
func NewMessage(taskID, name string, args []any, kwargs map[string]any, queue, origin string) (Message, error) {
	if taskID == "" {
		return Message{}, fmt.Errorf("task id is required")
	}
	if name == "" {
		return Message{}, fmt.Errorf("task name is required")
	}
	if queue == "" {
		queue = DefaultQueue
	}
	if args == nil {
		args = []any{}
	}
	if kwargs == nil {
		kwargs = map[string]any{}
	}

	argsJSON, err := json.Marshal(args)
	if err != nil {
		return Message{}, fmt.Errorf("encode args: %w", err)
	}
	kwargsJSON, err := json.Marshal(kwargs)
	if err != nil {
		return Message{}, fmt.Errorf("encode kwargs: %w", err)
	}
	body, err := json.Marshal([]any{json.RawMessage(argsJSON), json.RawMessage(kwargsJSON), embed{}})
	if err != nil {
		return Message{}, fmt.Errorf("encode body: %w", err)
	}

	return Message{
		Body:            base64.StdEncoding.EncodeToString(body),
		ContentEncoding: contentEncoding,
		ContentType:     contentType,
		Headers: Headers{
			Lang:       "go",
			Task:       name,
			ID:         taskID,
			RootID:     taskID,
			ArgsRepr:   string(argsJSON),
			KwargsRepr: string(kwargsJSON),
			Origin:     origin,
		},
		Properties: Properties{
			CorrelationID: taskID,
			ReplyTo:       taskID,
			DeliveryMode:  deliveryModePersistent,
			DeliveryInfo:  DeliveryInfo{Exchange: "", RoutingKey: queue},
			Priority:      0,
			BodyEncoding:  bodyEncoding,
			DeliveryTag:   uuid.NewString(),
		},
	}, nil
}

// DecodeBody reverses the body encoding, returning the raw args and kwargs.
func DecodeBody(m Message) (args, kwargs json.RawMessage, err error) {
	raw, err := base64.StdEncoding.DecodeString(m.Body)
	if err != nil {
		return nil, nil, fmt.Errorf("decode body: %w", err)
	}
	var parts []json.RawMessage
	if err := json.Unmarshal(raw, &parts); err != nil {
		return nil, nil, fmt.Errorf("parse body: %w", err)
	}
	if len(parts) != 3 {
		return nil, nil, fmt.Errorf("body has %d elements, want 3", len(parts))
	}
	return parts[0], parts[1], nil
}
