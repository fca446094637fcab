package offlinegate

import (
	"context"
	"encoding/json"
	"errors"
	"testing"
)

type recordingSink struct {
	displayed []Notification
}

func (s *recordingSink) Display(ctx context.Context, n Notification) error {
	s.displayed = append(s.displayed, n)
	return nil
}

type recordingOpener struct {
	urls []string
}

func (o *recordingOpener) FocusOrOpen(ctx context.Context, url string) error {
	o.urls = append(o.urls, url)
	return nil
}

func newTestNotifier(t *testing.T) (*Notifier, *recordingSink, *recordingOpener) {
	t.Helper()
	sink := &recordingSink{}
	opener := &recordingOpener{}
	notifier, err := NewNotifier(NotifierOptions{Sink: sink, Opener: opener})
	if err != nil {
		t.Fatalf("new notifier failed: %v", err)
	}
	return notifier, sink, opener
}

func TestHandlePushMergesOverDefaults(t *testing.T) {
	notifier, sink, _ := newTestNotifier(t)
	payload := json.RawMessage(`{"body":"Your creation finished rendering","data":{"url":"/gallery/42","creationId":"42"}}`)

	notification, err := notifier.HandlePush(context.Background(), payload)
	if err != nil {
		t.Fatalf("handle push failed: %v", err)
	}
	if notification.Body != "Your creation finished rendering" {
		t.Fatalf("payload body not merged: %+v", notification)
	}
	if notification.Title != "CraftCanvas" {
		t.Fatalf("expected default title to survive merge, got %q", notification.Title)
	}
	if notification.Icon != "/icons/icon-192.png" {
		t.Fatalf("expected default icon, got %q", notification.Icon)
	}
	if len(notification.Vibrate) != 3 {
		t.Fatalf("expected default vibration pattern, got %v", notification.Vibrate)
	}
	if notification.URL() != "/gallery/42" {
		t.Fatalf("expected payload url to pass through, got %q", notification.URL())
	}
	if got, ok := notification.Data["creationId"].(string); !ok || got != "42" {
		t.Fatalf("expected arbitrary data to pass through, got %v", notification.Data)
	}
	if len(sink.displayed) != 1 {
		t.Fatalf("expected notification to be displayed, got %d", len(sink.displayed))
	}
}

func TestHandlePushEmptyPayloadDisplaysDefaults(t *testing.T) {
	notifier, sink, _ := newTestNotifier(t)
	notification, err := notifier.HandlePush(context.Background(), nil)
	if err != nil {
		t.Fatalf("handle push failed: %v", err)
	}
	if notification.Body == "" || notification.URL() != "/" {
		t.Fatalf("expected defaults for empty payload, got %+v", notification)
	}
	if len(sink.displayed) != 1 {
		t.Fatalf("expected default notification displayed")
	}
}

func TestHandlePushCarriesUnrecognizedFieldsInData(t *testing.T) {
	notifier, sink, _ := newTestNotifier(t)
	payload := json.RawMessage(`{"body":"New remix!","campaign":"spring"}`)

	notification, err := notifier.HandlePush(context.Background(), payload)
	if err != nil {
		t.Fatalf("handle push failed: %v", err)
	}
	if notification.Body != "New remix!" {
		t.Fatalf("payload body not merged: %+v", notification)
	}
	if got, ok := notification.Data["campaign"].(string); !ok || got != "spring" {
		t.Fatalf("expected unrecognized field carried in data, got %v", notification.Data)
	}
	if len(sink.displayed) != 1 {
		t.Fatalf("expected notification displayed, got %d", len(sink.displayed))
	}
}

func TestHandlePushRejectsMalformedPayload(t *testing.T) {
	notifier, sink, _ := newTestNotifier(t)
	cases := []json.RawMessage{
		json.RawMessage(`not json`),
		json.RawMessage(`{"vibrate":"buzz"}`),
		json.RawMessage(`["not","an","object"]`),
	}
	for _, payload := range cases {
		if _, err := notifier.HandlePush(context.Background(), payload); !errors.Is(err, ErrInvalidInput) {
			t.Fatalf("expected ErrInvalidInput for %q, got %v", payload, err)
		}
	}
	if len(sink.displayed) != 0 {
		t.Fatalf("expected nothing displayed for rejected payloads")
	}
}

func TestHandleInteractionRouting(t *testing.T) {
	notifier, _, opener := newTestNotifier(t)
	ctx := context.Background()
	notification := Notification{Data: map[string]any{"url": "/gallery/7"}}

	if err := notifier.HandleInteraction(ctx, NotificationActionOpen, notification); err != nil {
		t.Fatalf("open interaction failed: %v", err)
	}
	if err := notifier.HandleInteraction(ctx, "", notification); err != nil {
		t.Fatalf("unspecified interaction failed: %v", err)
	}
	if len(opener.urls) != 2 || opener.urls[0] != "/gallery/7" {
		t.Fatalf("expected focus-or-open at carried url, got %v", opener.urls)
	}

	if err := notifier.HandleInteraction(ctx, NotificationActionDismiss, notification); err != nil {
		t.Fatalf("dismiss interaction failed: %v", err)
	}
	if len(opener.urls) != 2 {
		t.Fatalf("dismiss must not open the surface, got %v", opener.urls)
	}
}
