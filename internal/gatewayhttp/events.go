package gatewayhttp

import (
	"context"
	"encoding/json"
	"net/http"
	"sync"
	"time"

	"nhooyr.io/websocket"
	"nhooyr.io/websocket/wsjson"

	"github.com/craftcanvas/offlinegate/internal/offlinegate"
)

// clientFrame is a command sent by a connected surface over the events
// channel. Sync and push frames are routed through the trigger
// dispatcher; skip-waiting forces activation of an installed version.
type clientFrame struct {
	Type         string                    `json:"type"`
	Queue        string                    `json:"queue,omitempty"`
	Payload      json.RawMessage           `json:"payload,omitempty"`
	Action       string                    `json:"action,omitempty"`
	Notification *offlinegate.Notification `json:"notification,omitempty"`
}

// serverFrame is pushed from the gateway to every connected surface.
type serverFrame struct {
	Type         string                     `json:"type"`
	State        offlinegate.LifecycleState `json:"state,omitempty"`
	URL          string                     `json:"url,omitempty"`
	Notification *offlinegate.Notification  `json:"notification,omitempty"`
	Error        string                     `json:"error,omitempty"`
}

// EventHub fans gateway events out to connected websocket clients. It
// doubles as the notification sink and surface opener for the notifier,
// so displayed notifications and open-url commands reach every surface.
type EventHub struct {
	logger offlinegate.Logger

	mu    sync.Mutex
	conns map[*websocket.Conn]struct{}
}

func NewEventHub(logger offlinegate.Logger) *EventHub {
	return &EventHub{
		logger: logger,
		conns:  make(map[*websocket.Conn]struct{}),
	}
}

// Display implements offlinegate.NotificationSink.
func (h *EventHub) Display(ctx context.Context, n offlinegate.Notification) error {
	h.broadcast(ctx, serverFrame{Type: "notification", Notification: &n})
	return nil
}

// FocusOrOpen implements offlinegate.SurfaceOpener.
func (h *EventHub) FocusOrOpen(ctx context.Context, url string) error {
	h.broadcast(ctx, serverFrame{Type: "open-url", URL: url})
	return nil
}

func (h *EventHub) broadcast(ctx context.Context, frame serverFrame) {
	h.mu.Lock()
	conns := make([]*websocket.Conn, 0, len(h.conns))
	for conn := range h.conns {
		conns = append(conns, conn)
	}
	h.mu.Unlock()

	for _, conn := range conns {
		writeCtx, cancel := context.WithTimeout(ctx, 5*time.Second)
		if err := wsjson.Write(writeCtx, conn, frame); err != nil {
			h.logf("events: dropping slow client: %v", err)
			h.remove(conn)
			_ = conn.Close(websocket.StatusPolicyViolation, "write timeout")
		}
		cancel()
	}
}

func (h *EventHub) add(conn *websocket.Conn) {
	h.mu.Lock()
	h.conns[conn] = struct{}{}
	h.mu.Unlock()
}

func (h *EventHub) remove(conn *websocket.Conn) {
	h.mu.Lock()
	delete(h.conns, conn)
	h.mu.Unlock()
}

// ClientCount reports the number of connected surfaces.
func (h *EventHub) ClientCount() int {
	h.mu.Lock()
	defer h.mu.Unlock()
	return len(h.conns)
}

func (h *EventHub) logf(format string, args ...any) {
	if h.logger == nil {
		return
	}
	h.logger.Printf(format, args...)
}

func (s *Server) handleEvents(w http.ResponseWriter, r *http.Request) {
	if s.events == nil {
		writeError(w, http.StatusNotFound, "not_found", "events channel disabled", getCorrelationID(r))
		return
	}
	conn, err := websocket.Accept(w, r, &websocket.AcceptOptions{
		InsecureSkipVerify: true,
	})
	if err != nil {
		s.logf("events: accept failed: %v", err)
		return
	}
	s.events.add(conn)
	defer func() {
		s.events.remove(conn)
		_ = conn.Close(websocket.StatusNormalClosure, "")
	}()

	ctx := r.Context()
	hello := serverFrame{Type: "state", State: s.lifecycle.State()}
	if err := wsjson.Write(ctx, conn, hello); err != nil {
		return
	}

	for {
		var frame clientFrame
		if err := wsjson.Read(ctx, conn, &frame); err != nil {
			return
		}
		if err := s.dispatchClientFrame(ctx, frame); err != nil {
			_ = wsjson.Write(ctx, conn, serverFrame{Type: "error", Error: err.Error()})
			continue
		}
		_ = wsjson.Write(ctx, conn, serverFrame{Type: "state", State: s.lifecycle.State()})
	}
}

func (s *Server) dispatchClientFrame(ctx context.Context, frame clientFrame) error {
	switch frame.Type {
	case "sync":
		return s.dispatcher.Dispatch(ctx, offlinegate.Trigger{Kind: offlinegate.TriggerSync, Queue: frame.Queue})
	case "skip-waiting":
		return s.dispatcher.Dispatch(ctx, offlinegate.Trigger{Kind: offlinegate.TriggerForceActivate})
	case "push":
		return s.dispatcher.Dispatch(ctx, offlinegate.Trigger{Kind: offlinegate.TriggerPush, Payload: frame.Payload})
	case "notification-click":
		if s.notifier == nil || frame.Notification == nil {
			return offlinegate.ErrInvalidInput
		}
		return s.notifier.HandleInteraction(ctx, frame.Action, *frame.Notification)
	default:
		return offlinegate.ErrInvalidInput
	}
}
