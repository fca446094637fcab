package gatewayhttp

import (
	"bytes"
	"context"
	"encoding/json"
	"mime/multipart"
	"net/http"
	"net/http/httptest"
	"strings"
	"sync"
	"testing"

	"github.com/craftcanvas/offlinegate/internal/offlinegate"
)

// stubFetcher serves canned responses keyed by request path and records
// every request it sees.
type stubFetcher struct {
	mu        sync.Mutex
	responses map[string]offlinegate.ResponseSnapshot
	err       error
	requests  []*http.Request
}

func (f *stubFetcher) Fetch(ctx context.Context, r *http.Request) (offlinegate.ResponseSnapshot, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.requests = append(f.requests, r)
	if f.err != nil {
		return offlinegate.ResponseSnapshot{}, f.err
	}
	if snap, ok := f.responses[r.URL.Path]; ok {
		return snap, nil
	}
	return offlinegate.ResponseSnapshot{Status: http.StatusOK, Body: []byte("ok")}, nil
}

func (f *stubFetcher) requestCount() int {
	f.mu.Lock()
	defer f.mu.Unlock()
	return len(f.requests)
}

func (f *stubFetcher) lastRequest() *http.Request {
	f.mu.Lock()
	defer f.mu.Unlock()
	if len(f.requests) == 0 {
		return nil
	}
	return f.requests[len(f.requests)-1]
}

type capturedNotification struct {
	mu   sync.Mutex
	last *offlinegate.Notification
}

func (c *capturedNotification) Display(_ context.Context, n offlinegate.Notification) error {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.last = &n
	return nil
}

type gatewayFixture struct {
	server    *Server
	events    *EventHub
	fetcher   *stubFetcher
	lifecycle *offlinegate.Lifecycle
	queue     offlinegate.QueueStore
	sink      *capturedNotification
	proxied   *int
}

func newGatewayFixture(t *testing.T) *gatewayFixture {
	t.Helper()
	const origin = "http://app.local"

	fetcher := &stubFetcher{responses: map[string]offlinegate.ResponseSnapshot{}}
	regions, err := offlinegate.NewRegionManager(offlinegate.RegionManagerOptions{
		Prefix:  "craftcanvas",
		Version: "v1",
		Store:   offlinegate.NewMemoryRegionStore(),
	})
	if err != nil {
		t.Fatalf("new region manager: %v", err)
	}
	lifecycle, err := offlinegate.NewLifecycle(offlinegate.LifecycleOptions{
		Regions: regions,
		Fetcher: fetcher,
		Origin:  origin,
	})
	if err != nil {
		t.Fatalf("new lifecycle: %v", err)
	}
	executor, err := offlinegate.NewExecutor(offlinegate.ExecutorOptions{
		Regions: regions,
		Fetcher: fetcher,
		Origin:  origin,
	})
	if err != nil {
		t.Fatalf("new executor: %v", err)
	}
	queue := offlinegate.NewMemoryQueueStore()
	syncHandler, err := offlinegate.NewSyncHandler(offlinegate.SyncOptions{
		Queue:   queue,
		Fetcher: fetcher,
		Origin:  origin,
	})
	if err != nil {
		t.Fatalf("new sync handler: %v", err)
	}
	sink := &capturedNotification{}
	events := NewEventHub(nil)
	notifier, err := offlinegate.NewNotifier(offlinegate.NotifierOptions{Sink: sink, Opener: events})
	if err != nil {
		t.Fatalf("new notifier: %v", err)
	}
	dispatcher := offlinegate.NewDispatcher()
	offlinegate.WireTriggers(dispatcher, lifecycle, syncHandler, notifier)

	proxied := 0
	proxy := http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		proxied++
		w.WriteHeader(http.StatusOK)
		_, _ = w.Write([]byte("proxied"))
	})

	server, err := NewServer(ServerOptions{
		Classifier: offlinegate.NewClassifier(offlinegate.ClassifierOptions{Origin: origin}),
		Executor:   executor,
		Lifecycle:  lifecycle,
		Regions:    regions,
		Queue:      queue,
		Sync:       syncHandler,
		Dispatcher: dispatcher,
		Notifier:   notifier,
		Proxy:      proxy,
		Events:     events,
	})
	if err != nil {
		t.Fatalf("new server: %v", err)
	}
	return &gatewayFixture{
		server:    server,
		events:    events,
		fetcher:   fetcher,
		lifecycle: lifecycle,
		queue:     queue,
		sink:      sink,
		proxied:   &proxied,
	}
}

func (f *gatewayFixture) installAndActivate(t *testing.T) {
	t.Helper()
	if err := f.lifecycle.Install(context.Background()); err != nil {
		t.Fatalf("install: %v", err)
	}
	if err := f.lifecycle.Activate(context.Background()); err != nil {
		t.Fatalf("activate: %v", err)
	}
}

func TestHealthEndpoint(t *testing.T) {
	f := newGatewayFixture(t)
	rec := httptest.NewRecorder()
	f.server.ServeHTTP(rec, httptest.NewRequest(http.MethodGet, "/_gateway/health", nil))
	if rec.Code != http.StatusOK {
		t.Fatalf("health status = %d, want %d", rec.Code, http.StatusOK)
	}
}

func TestStatusReportsStateAndQueueDepths(t *testing.T) {
	f := newGatewayFixture(t)
	entry := offlinegate.NewEntry(offlinegate.OpSaveCanvas, json.RawMessage(`{"canvas":1}`))
	if err := f.queue.Enqueue(context.Background(), entry); err != nil {
		t.Fatalf("enqueue: %v", err)
	}

	rec := httptest.NewRecorder()
	f.server.ServeHTTP(rec, httptest.NewRequest(http.MethodGet, "/_gateway/status", nil))
	if rec.Code != http.StatusOK {
		t.Fatalf("status = %d, want %d", rec.Code, http.StatusOK)
	}
	var body struct {
		State       string         `json:"state"`
		Version     string         `json:"version"`
		QueueDepths map[string]int `json:"queueDepths"`
	}
	if err := json.Unmarshal(rec.Body.Bytes(), &body); err != nil {
		t.Fatalf("decode status: %v", err)
	}
	if body.State != string(offlinegate.StatePending) {
		t.Fatalf("state = %q, want %q", body.State, offlinegate.StatePending)
	}
	if body.Version != "v1" {
		t.Fatalf("version = %q, want v1", body.Version)
	}
	if body.QueueDepths["save-canvas"] != 1 {
		t.Fatalf("save-canvas depth = %d, want 1", body.QueueDepths["save-canvas"])
	}
}

func TestActivateConflictsBeforeInstall(t *testing.T) {
	f := newGatewayFixture(t)
	rec := httptest.NewRecorder()
	f.server.ServeHTTP(rec, httptest.NewRequest(http.MethodPost, "/_gateway/activate", nil))
	if rec.Code != http.StatusConflict {
		t.Fatalf("activate from pending = %d, want %d", rec.Code, http.StatusConflict)
	}
}

func TestActivateAfterInstall(t *testing.T) {
	f := newGatewayFixture(t)
	if err := f.lifecycle.Install(context.Background()); err != nil {
		t.Fatalf("install: %v", err)
	}
	rec := httptest.NewRecorder()
	f.server.ServeHTTP(rec, httptest.NewRequest(http.MethodPost, "/_gateway/activate", nil))
	if rec.Code != http.StatusOK {
		t.Fatalf("activate = %d, want %d: %s", rec.Code, http.StatusOK, rec.Body.String())
	}
	if got := f.lifecycle.State(); got != offlinegate.StateActive {
		t.Fatalf("state after activate = %q, want %q", got, offlinegate.StateActive)
	}
}

func TestEnqueueCanvasSaveAndDrain(t *testing.T) {
	f := newGatewayFixture(t)

	rec := httptest.NewRecorder()
	req := httptest.NewRequest(http.MethodPost, "/_gateway/queue/save-canvas", strings.NewReader(`{"canvas":{"strokes":[]}}`))
	f.server.ServeHTTP(rec, req)
	if rec.Code != http.StatusCreated {
		t.Fatalf("enqueue = %d, want %d: %s", rec.Code, http.StatusCreated, rec.Body.String())
	}
	var created struct {
		ID string `json:"id"`
	}
	if err := json.Unmarshal(rec.Body.Bytes(), &created); err != nil || created.ID == "" {
		t.Fatalf("enqueue response missing id: %s", rec.Body.String())
	}

	rec = httptest.NewRecorder()
	f.server.ServeHTTP(rec, httptest.NewRequest(http.MethodGet, "/_gateway/queue/save-canvas", nil))
	if rec.Code != http.StatusOK {
		t.Fatalf("list = %d, want %d", rec.Code, http.StatusOK)
	}
	var listing struct {
		Entries []struct {
			ID string `json:"id"`
		} `json:"entries"`
	}
	if err := json.Unmarshal(rec.Body.Bytes(), &listing); err != nil {
		t.Fatalf("decode listing: %v", err)
	}
	if len(listing.Entries) != 1 || listing.Entries[0].ID != created.ID {
		t.Fatalf("listing = %+v, want single entry %s", listing.Entries, created.ID)
	}

	rec = httptest.NewRecorder()
	f.server.ServeHTTP(rec, httptest.NewRequest(http.MethodPost, "/_gateway/sync?queue=save-canvas", nil))
	if rec.Code != http.StatusOK {
		t.Fatalf("sync = %d, want %d: %s", rec.Code, http.StatusOK, rec.Body.String())
	}
	var drained struct {
		Reports []offlinegate.DrainReport `json:"reports"`
	}
	if err := json.Unmarshal(rec.Body.Bytes(), &drained); err != nil {
		t.Fatalf("decode drain reports: %v", err)
	}
	if len(drained.Reports) != 1 || drained.Reports[0].Replayed != 1 || drained.Reports[0].Failed != 0 {
		t.Fatalf("drain reports = %+v, want one replayed", drained.Reports)
	}
	replay := f.fetcher.lastRequest()
	if replay == nil || replay.URL.Path != offlinegate.DefaultCanvasSavePath {
		t.Fatalf("replay request = %v, want POST %s", replay, offlinegate.DefaultCanvasSavePath)
	}
	remaining, err := f.queue.List(context.Background(), offlinegate.OpSaveCanvas)
	if err != nil {
		t.Fatalf("list after drain: %v", err)
	}
	if len(remaining) != 0 {
		t.Fatalf("queue depth after drain = %d, want 0", len(remaining))
	}
}

func TestSyncRejectsUnknownQueue(t *testing.T) {
	f := newGatewayFixture(t)
	rec := httptest.NewRecorder()
	f.server.ServeHTTP(rec, httptest.NewRequest(http.MethodPost, "/_gateway/sync?queue=bogus", nil))
	if rec.Code != http.StatusBadRequest {
		t.Fatalf("sync unknown queue = %d, want %d", rec.Code, http.StatusBadRequest)
	}
}

func TestSyncWithoutQueueDrainsAll(t *testing.T) {
	f := newGatewayFixture(t)
	rec := httptest.NewRecorder()
	f.server.ServeHTTP(rec, httptest.NewRequest(http.MethodPost, "/_gateway/sync", nil))
	if rec.Code != http.StatusOK {
		t.Fatalf("sync all = %d, want %d: %s", rec.Code, http.StatusOK, rec.Body.String())
	}
	var drained struct {
		Reports []offlinegate.DrainReport `json:"reports"`
	}
	if err := json.Unmarshal(rec.Body.Bytes(), &drained); err != nil {
		t.Fatalf("decode drain reports: %v", err)
	}
	if len(drained.Reports) != 2 {
		t.Fatalf("report count = %d, want one per queue", len(drained.Reports))
	}
}

func TestEnqueueCanvasSaveRejectsNonJSON(t *testing.T) {
	f := newGatewayFixture(t)
	rec := httptest.NewRecorder()
	req := httptest.NewRequest(http.MethodPost, "/_gateway/queue/save-canvas", strings.NewReader("not json"))
	f.server.ServeHTTP(rec, req)
	if rec.Code != http.StatusBadRequest {
		t.Fatalf("enqueue invalid = %d, want %d", rec.Code, http.StatusBadRequest)
	}
}

func TestEnqueueCreationUpload(t *testing.T) {
	f := newGatewayFixture(t)

	var buf bytes.Buffer
	writer := multipart.NewWriter(&buf)
	part, err := writer.CreateFormFile("image", "sketch.png")
	if err != nil {
		t.Fatalf("create form file: %v", err)
	}
	if _, err := part.Write([]byte{0x89, 'P', 'N', 'G'}); err != nil {
		t.Fatalf("write image: %v", err)
	}
	if err := writer.WriteField("metadata", `{"title":"Sketch"}`); err != nil {
		t.Fatalf("write metadata: %v", err)
	}
	if err := writer.Close(); err != nil {
		t.Fatalf("close writer: %v", err)
	}

	rec := httptest.NewRecorder()
	req := httptest.NewRequest(http.MethodPost, "/_gateway/queue/upload-creation", &buf)
	req.Header.Set("Content-Type", writer.FormDataContentType())
	f.server.ServeHTTP(rec, req)
	if rec.Code != http.StatusCreated {
		t.Fatalf("upload enqueue = %d, want %d: %s", rec.Code, http.StatusCreated, rec.Body.String())
	}

	entries, err := f.queue.List(context.Background(), offlinegate.OpUploadCreation)
	if err != nil {
		t.Fatalf("list: %v", err)
	}
	if len(entries) != 1 {
		t.Fatalf("queue depth = %d, want 1", len(entries))
	}
	if len(entries[0].Blob) != 4 {
		t.Fatalf("blob length = %d, want 4", len(entries[0].Blob))
	}
	if string(entries[0].Payload) != `{"title":"Sketch"}` {
		t.Fatalf("payload = %s, want metadata", entries[0].Payload)
	}
}

func TestEnqueueCreationUploadRequiresMultipart(t *testing.T) {
	f := newGatewayFixture(t)
	rec := httptest.NewRecorder()
	req := httptest.NewRequest(http.MethodPost, "/_gateway/queue/upload-creation", strings.NewReader(`{}`))
	req.Header.Set("Content-Type", "application/json")
	f.server.ServeHTTP(rec, req)
	if rec.Code != http.StatusBadRequest {
		t.Fatalf("upload without multipart = %d, want %d", rec.Code, http.StatusBadRequest)
	}
}

func TestListUnknownQueue(t *testing.T) {
	f := newGatewayFixture(t)
	rec := httptest.NewRecorder()
	f.server.ServeHTTP(rec, httptest.NewRequest(http.MethodGet, "/_gateway/queue/bogus", nil))
	if rec.Code != http.StatusNotFound {
		t.Fatalf("unknown queue = %d, want %d", rec.Code, http.StatusNotFound)
	}
}

func TestPushDisplaysNotification(t *testing.T) {
	f := newGatewayFixture(t)
	rec := httptest.NewRecorder()
	req := httptest.NewRequest(http.MethodPost, "/_gateway/push", strings.NewReader(`{"title":"New remix","body":"Someone remixed your canvas"}`))
	f.server.ServeHTTP(rec, req)
	if rec.Code != http.StatusAccepted {
		t.Fatalf("push = %d, want %d: %s", rec.Code, http.StatusAccepted, rec.Body.String())
	}
	f.sink.mu.Lock()
	defer f.sink.mu.Unlock()
	if f.sink.last == nil || f.sink.last.Title != "New remix" {
		t.Fatalf("displayed notification = %+v, want title New remix", f.sink.last)
	}
}

func TestPushAcceptsUnknownFields(t *testing.T) {
	f := newGatewayFixture(t)
	rec := httptest.NewRecorder()
	req := httptest.NewRequest(http.MethodPost, "/_gateway/push", strings.NewReader(`{"title":"x","bogus":true}`))
	f.server.ServeHTTP(rec, req)
	if rec.Code != http.StatusAccepted {
		t.Fatalf("push with extra field = %d, want %d: %s", rec.Code, http.StatusAccepted, rec.Body.String())
	}
}

func TestPushRejectsMistypedFields(t *testing.T) {
	f := newGatewayFixture(t)
	rec := httptest.NewRecorder()
	req := httptest.NewRequest(http.MethodPost, "/_gateway/push", strings.NewReader(`{"vibrate":"loud"}`))
	f.server.ServeHTTP(rec, req)
	if rec.Code != http.StatusBadRequest {
		t.Fatalf("mistyped push = %d, want %d: %s", rec.Code, http.StatusBadRequest, rec.Body.String())
	}
}

func TestNonGETPassesThrough(t *testing.T) {
	f := newGatewayFixture(t)
	f.installAndActivate(t)
	before := f.fetcher.requestCount()

	rec := httptest.NewRecorder()
	req := httptest.NewRequest(http.MethodPost, "http://app.local/api/canvas/save", strings.NewReader(`{}`))
	f.server.ServeHTTP(rec, req)
	if *f.proxied != 1 {
		t.Fatalf("proxied calls = %d, want 1", *f.proxied)
	}
	if f.fetcher.requestCount() != before {
		t.Fatalf("fetcher saw passthrough traffic")
	}
}

func TestInterceptionServesBeforeActivationViaProxy(t *testing.T) {
	f := newGatewayFixture(t)
	rec := httptest.NewRecorder()
	f.server.ServeHTTP(rec, httptest.NewRequest(http.MethodGet, "http://app.local/api/projects", nil))
	if *f.proxied != 1 {
		t.Fatalf("proxied calls = %d, want 1 before activation", *f.proxied)
	}
}

func TestInterceptionServesAPIRequests(t *testing.T) {
	f := newGatewayFixture(t)
	f.installAndActivate(t)
	f.fetcher.mu.Lock()
	f.fetcher.responses["/api/projects"] = offlinegate.ResponseSnapshot{
		Status: http.StatusOK,
		Header: http.Header{"Content-Type": []string{"application/json"}},
		Body:   []byte(`{"items":[]}`),
	}
	f.fetcher.mu.Unlock()

	rec := httptest.NewRecorder()
	f.server.ServeHTTP(rec, httptest.NewRequest(http.MethodGet, "http://app.local/api/projects", nil))
	if rec.Code != http.StatusOK {
		t.Fatalf("intercepted GET = %d, want %d", rec.Code, http.StatusOK)
	}
	if got := rec.Body.String(); got != `{"items":[]}` {
		t.Fatalf("body = %q, want upstream payload", got)
	}
	if got := rec.Header().Get("Content-Type"); got != "application/json" {
		t.Fatalf("content type = %q, want application/json", got)
	}
	if *f.proxied != 0 {
		t.Fatalf("proxied calls = %d, want 0", *f.proxied)
	}
}

func TestUnknownControlRoute(t *testing.T) {
	f := newGatewayFixture(t)
	rec := httptest.NewRecorder()
	f.server.ServeHTTP(rec, httptest.NewRequest(http.MethodGet, "/_gateway/bogus", nil))
	if rec.Code != http.StatusNotFound {
		t.Fatalf("unknown route = %d, want %d", rec.Code, http.StatusNotFound)
	}
}
