package offlinegate

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"strings"

	"github.com/santhosh-tekuri/jsonschema/v6"
)

// pushPayloadSchema bounds the types of the recognized notification
// fields. Payloads are otherwise arbitrary JSON objects; unrecognized
// top-level fields pass through via data.
const pushPayloadSchema = `{
	"$schema": "https://json-schema.org/draft/2020-12/schema",
	"type": "object",
	"properties": {
		"title": {"type": "string"},
		"body": {"type": "string"},
		"icon": {"type": "string"},
		"badge": {"type": "string"},
		"vibrate": {"type": "array", "items": {"type": "integer", "minimum": 0}},
		"data": {"type": "object"}
	}
}`

const (
	NotificationActionOpen    = "open"
	NotificationActionDismiss = "dismiss"
)

type NotificationAction struct {
	Action string `json:"action"`
	Title  string `json:"title"`
}

// Notification is the descriptor handed to the display surface after
// merging a push payload over the defaults.
type Notification struct {
	Title   string               `json:"title"`
	Body    string               `json:"body"`
	Icon    string               `json:"icon"`
	Badge   string               `json:"badge,omitempty"`
	Vibrate []int                `json:"vibrate,omitempty"`
	Actions []NotificationAction `json:"actions,omitempty"`
	Data    map[string]any       `json:"data,omitempty"`
}

// URL is the navigation target carried in the notification data.
func (n Notification) URL() string {
	if n.Data == nil {
		return "/"
	}
	if raw, ok := n.Data["url"].(string); ok && strings.TrimSpace(raw) != "" {
		return raw
	}
	return "/"
}

// NotificationSink displays a notification to the user.
type NotificationSink interface {
	Display(ctx context.Context, n Notification) error
}

// SurfaceOpener focuses the application surface, or opens it at the
// given URL when none is running.
type SurfaceOpener interface {
	FocusOrOpen(ctx context.Context, url string) error
}

type NotifierOptions struct {
	Sink   NotificationSink
	Opener SurfaceOpener
	// DefaultTitle names the application in notifications whose payload
	// carries no title.
	DefaultTitle string
	Logger       Logger
}

// Notifier converts inbound push payloads into user notifications and
// routes notification interactions.
type Notifier struct {
	sink         NotificationSink
	opener       SurfaceOpener
	defaultTitle string
	schema       *jsonschema.Schema
	logger       Logger
}

func NewNotifier(opts NotifierOptions) (*Notifier, error) {
	if opts.Sink == nil {
		return nil, ErrInvalidInput
	}
	title := strings.TrimSpace(opts.DefaultTitle)
	if title == "" {
		title = "CraftCanvas"
	}
	doc, err := jsonschema.UnmarshalJSON(strings.NewReader(pushPayloadSchema))
	if err != nil {
		return nil, fmt.Errorf("parse push schema: %w", err)
	}
	compiler := jsonschema.NewCompiler()
	if err := compiler.AddResource("push-payload.json", doc); err != nil {
		return nil, fmt.Errorf("add push schema: %w", err)
	}
	schema, err := compiler.Compile("push-payload.json")
	if err != nil {
		return nil, fmt.Errorf("compile push schema: %w", err)
	}
	return &Notifier{
		sink:         opts.Sink,
		opener:       opts.Opener,
		defaultTitle: title,
		schema:       schema,
		logger:       opts.Logger,
	}, nil
}

func (n *Notifier) defaults() Notification {
	return Notification{
		Title:   n.defaultTitle,
		Body:    "Something new is waiting for you.",
		Icon:    "/icons/icon-192.png",
		Vibrate: []int{100, 50, 100},
		Actions: []NotificationAction{
			{Action: NotificationActionOpen, Title: "Open"},
			{Action: NotificationActionDismiss, Title: "Dismiss"},
		},
		Data: map[string]any{"url": "/"},
	}
}

// HandlePush validates the payload, merges it over the default
// descriptor, and displays the result. An empty payload displays the
// defaults unchanged.
func (n *Notifier) HandlePush(ctx context.Context, payload json.RawMessage) (Notification, error) {
	merged := n.defaults()
	if len(payload) > 0 {
		instance, err := jsonschema.UnmarshalJSON(bytes.NewReader(payload))
		if err != nil {
			return Notification{}, fmt.Errorf("%w: decode push payload: %v", ErrInvalidInput, err)
		}
		if err := n.schema.Validate(instance); err != nil {
			return Notification{}, fmt.Errorf("%w: push payload: %v", ErrInvalidInput, err)
		}
		var incoming Notification
		if err := json.Unmarshal(payload, &incoming); err != nil {
			return Notification{}, fmt.Errorf("%w: decode push payload: %v", ErrInvalidInput, err)
		}
		if incoming.Title != "" {
			merged.Title = incoming.Title
		}
		if incoming.Body != "" {
			merged.Body = incoming.Body
		}
		if incoming.Icon != "" {
			merged.Icon = incoming.Icon
		}
		if incoming.Badge != "" {
			merged.Badge = incoming.Badge
		}
		if incoming.Vibrate != nil {
			merged.Vibrate = incoming.Vibrate
		}
		for key, value := range incoming.Data {
			merged.Data[key] = value
		}
		var raw map[string]any
		if err := json.Unmarshal(payload, &raw); err != nil {
			return Notification{}, fmt.Errorf("%w: decode push payload: %v", ErrInvalidInput, err)
		}
		for key, value := range raw {
			switch key {
			case "title", "body", "icon", "badge", "vibrate", "data":
			default:
				merged.Data[key] = value
			}
		}
	}
	if err := n.sink.Display(ctx, merged); err != nil {
		return Notification{}, err
	}
	return merged, nil
}

// HandleInteraction routes a notification interaction. Open (or an
// unspecified action) focuses or opens the application surface at the
// notification's URL; dismiss does nothing further.
func (n *Notifier) HandleInteraction(ctx context.Context, action string, notification Notification) error {
	switch strings.TrimSpace(action) {
	case NotificationActionDismiss:
		return nil
	case NotificationActionOpen, "":
		if n.opener == nil {
			return nil
		}
		return n.opener.FocusOrOpen(ctx, notification.URL())
	default:
		n.logf("ignoring unknown notification action %q", action)
		return nil
	}
}

func (n *Notifier) logf(format string, args ...any) {
	if n.logger == nil {
		return
	}
	n.logger.Printf(format, args...)
}
