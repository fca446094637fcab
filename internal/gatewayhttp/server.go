package gatewayhttp

import (
	"encoding/json"
	"errors"
	"io"
	"mime"
	"net/http"
	"strings"
	"time"

	"github.com/craftcanvas/offlinegate/internal/offlinegate"
)

const controlPrefix = "/_gateway/"

type ServerConfig struct {
	MaxBodyBytes int64
}

// Server is the gateway's HTTP surface. Requests outside the control
// namespace flow through the interception pipeline; the control
// namespace carries lifecycle commands, queue operations, sync triggers,
// and inbound push payloads.
type Server struct {
	cfg        ServerConfig
	classifier *offlinegate.Classifier
	executor   *offlinegate.Executor
	lifecycle  *offlinegate.Lifecycle
	regions    *offlinegate.RegionManager
	queue      offlinegate.QueueStore
	sync       *offlinegate.SyncHandler
	dispatcher *offlinegate.Dispatcher
	notifier   *offlinegate.Notifier
	proxy      http.Handler
	events     *EventHub
	logger     offlinegate.Logger
}

type ServerOptions struct {
	Classifier *offlinegate.Classifier
	Executor   *offlinegate.Executor
	Lifecycle  *offlinegate.Lifecycle
	Regions    *offlinegate.RegionManager
	Queue      offlinegate.QueueStore
	Sync       *offlinegate.SyncHandler
	Dispatcher *offlinegate.Dispatcher
	// Notifier is optional; it backs notification-click frames on the
	// events channel.
	Notifier *offlinegate.Notifier
	// Proxy serves passthrough traffic (non-GET, cross-origin).
	Proxy http.Handler
	// Events is optional; when nil the events route responds 404.
	Events *EventHub
	Config ServerConfig
	Logger offlinegate.Logger
}

func NewServer(opts ServerOptions) (*Server, error) {
	if opts.Classifier == nil || opts.Executor == nil || opts.Lifecycle == nil ||
		opts.Regions == nil || opts.Queue == nil || opts.Sync == nil ||
		opts.Dispatcher == nil || opts.Proxy == nil {
		return nil, offlinegate.ErrInvalidInput
	}
	cfg := opts.Config
	if cfg.MaxBodyBytes <= 0 {
		cfg.MaxBodyBytes = 16 << 20
	}
	return &Server{
		cfg:        cfg,
		classifier: opts.Classifier,
		executor:   opts.Executor,
		lifecycle:  opts.Lifecycle,
		regions:    opts.Regions,
		queue:      opts.Queue,
		sync:       opts.Sync,
		dispatcher: opts.Dispatcher,
		notifier:   opts.Notifier,
		proxy:      opts.Proxy,
		events:     opts.Events,
		logger:     opts.Logger,
	}, nil
}

func (s *Server) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	if strings.HasPrefix(r.URL.Path, controlPrefix) {
		s.serveControl(w, r)
		return
	}
	s.serveIntercepted(w, r)
}

func (s *Server) serveIntercepted(w http.ResponseWriter, r *http.Request) {
	strategy := s.classifier.Classify(r)
	if strategy == offlinegate.StrategyPassthrough {
		s.proxy.ServeHTTP(w, r)
		return
	}
	if s.lifecycle.State() != offlinegate.StateActive {
		// Not ready to intercept yet; let traffic through untouched.
		s.proxy.ServeHTTP(w, r)
		return
	}
	snap, err := s.executor.Serve(r.Context(), r, strategy)
	if err != nil {
		s.logf("strategy %s failed for %s: %v", strategy, r.URL.Path, err)
		writeError(w, http.StatusBadGateway, "upstream_unreachable", "request could not be served", "")
		return
	}
	writeSnapshot(w, snap)
}

func (s *Server) serveControl(w http.ResponseWriter, r *http.Request) {
	path := strings.TrimPrefix(r.URL.Path, controlPrefix)
	correlationID := getCorrelationID(r)
	switch {
	case path == "health" && r.Method == http.MethodGet:
		writeJSON(w, http.StatusOK, map[string]string{"status": "ok"})
	case path == "status" && r.Method == http.MethodGet:
		s.handleStatus(w, r, correlationID)
	case path == "activate" && r.Method == http.MethodPost:
		s.handleActivate(w, r, correlationID)
	case path == "sync" && r.Method == http.MethodPost:
		s.handleSync(w, r, correlationID)
	case path == "push" && r.Method == http.MethodPost:
		s.handlePush(w, r, correlationID)
	case path == "queue/save-canvas" && r.Method == http.MethodPost:
		s.handleEnqueueCanvasSave(w, r, correlationID)
	case path == "queue/upload-creation" && r.Method == http.MethodPost:
		s.handleEnqueueCreationUpload(w, r, correlationID)
	case strings.HasPrefix(path, "queue/") && r.Method == http.MethodGet:
		s.handleListQueue(w, r, strings.TrimPrefix(path, "queue/"), correlationID)
	case path == "events":
		s.handleEvents(w, r)
	default:
		writeError(w, http.StatusNotFound, "not_found", "route not found", correlationID)
	}
}

func (s *Server) handleStatus(w http.ResponseWriter, r *http.Request, correlationID string) {
	depths := map[string]int{}
	for _, op := range offlinegate.Operations {
		entries, err := s.queue.List(r.Context(), op)
		if err != nil {
			writeError(w, http.StatusServiceUnavailable, "store_unavailable", "queue store unavailable", correlationID)
			return
		}
		depths[string(op)] = len(entries)
	}
	writeJSON(w, http.StatusOK, map[string]any{
		"state":         s.lifecycle.State(),
		"version":       s.regions.Version(),
		"staticRegion":  s.regions.StaticRegion(),
		"dynamicRegion": s.regions.DynamicRegion(),
		"shellAssets":   s.lifecycle.AssetCount(),
		"queueDepths":   depths,
	})
}

func (s *Server) handleActivate(w http.ResponseWriter, r *http.Request, correlationID string) {
	err := s.dispatcher.Dispatch(r.Context(), offlinegate.Trigger{Kind: offlinegate.TriggerForceActivate})
	if err != nil {
		if errors.Is(err, offlinegate.ErrInvalidState) {
			writeError(w, http.StatusConflict, "invalid_state", err.Error(), correlationID)
			return
		}
		writeError(w, http.StatusInternalServerError, "activation_failed", err.Error(), correlationID)
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{"state": s.lifecycle.State()})
}

func (s *Server) handleSync(w http.ResponseWriter, r *http.Request, correlationID string) {
	queue := strings.TrimSpace(r.URL.Query().Get("queue"))
	var reports []offlinegate.DrainReport
	var err error
	if queue == "" {
		reports, err = s.sync.DrainAll(r.Context())
	} else {
		op := offlinegate.Operation(queue)
		if !offlinegate.ValidOperation(op) {
			writeError(w, http.StatusBadRequest, "bad_request", "unknown queue "+queue, correlationID)
			return
		}
		var report offlinegate.DrainReport
		report, err = s.sync.Drain(r.Context(), op)
		reports = []offlinegate.DrainReport{report}
	}
	if err != nil {
		writeJSON(w, http.StatusServiceUnavailable, map[string]any{
			"code":    "sync_failed",
			"message": err.Error(),
			"reports": reports,
		})
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{"reports": reports})
}

func (s *Server) handlePush(w http.ResponseWriter, r *http.Request, correlationID string) {
	body, ok := s.readRequestBody(w, r, correlationID)
	if !ok {
		return
	}
	trigger := offlinegate.Trigger{Kind: offlinegate.TriggerPush, Payload: body}
	if err := s.dispatcher.Dispatch(r.Context(), trigger); err != nil {
		if errors.Is(err, offlinegate.ErrInvalidInput) {
			writeError(w, http.StatusBadRequest, "bad_payload", err.Error(), correlationID)
			return
		}
		writeError(w, http.StatusInternalServerError, "push_failed", err.Error(), correlationID)
		return
	}
	writeJSON(w, http.StatusAccepted, map[string]string{"status": "dispatched"})
}

func (s *Server) handleEnqueueCanvasSave(w http.ResponseWriter, r *http.Request, correlationID string) {
	body, ok := s.readRequestBody(w, r, correlationID)
	if !ok {
		return
	}
	if !json.Valid(body) {
		writeError(w, http.StatusBadRequest, "bad_request", "canvas payload must be JSON", correlationID)
		return
	}
	entry := offlinegate.NewEntry(offlinegate.OpSaveCanvas, body)
	if err := s.queue.Enqueue(r.Context(), entry); err != nil {
		writeError(w, http.StatusServiceUnavailable, "store_unavailable", "could not persist pending save", correlationID)
		return
	}
	writeJSON(w, http.StatusCreated, map[string]string{"id": entry.ID})
}

func (s *Server) handleEnqueueCreationUpload(w http.ResponseWriter, r *http.Request, correlationID string) {
	mediaType, _, err := mime.ParseMediaType(r.Header.Get("Content-Type"))
	if err != nil || mediaType != "multipart/form-data" {
		writeError(w, http.StatusBadRequest, "bad_request", "creation upload must be multipart/form-data", correlationID)
		return
	}
	r.Body = http.MaxBytesReader(w, r.Body, s.cfg.MaxBodyBytes)
	if err := r.ParseMultipartForm(s.cfg.MaxBodyBytes); err != nil {
		writeError(w, http.StatusBadRequest, "bad_request", "failed to parse multipart body", correlationID)
		return
	}
	defer func() {
		_ = r.MultipartForm.RemoveAll()
	}()

	file, header, err := r.FormFile("image")
	if err != nil {
		writeError(w, http.StatusBadRequest, "bad_request", "image part is required", correlationID)
		return
	}
	defer file.Close()
	blob, err := io.ReadAll(file)
	if err != nil {
		writeError(w, http.StatusBadRequest, "bad_request", "failed to read image part", correlationID)
		return
	}
	metadata := strings.TrimSpace(r.FormValue("metadata"))
	if metadata == "" {
		metadata = "{}"
	}
	if !json.Valid([]byte(metadata)) {
		writeError(w, http.StatusBadRequest, "bad_request", "metadata field must be JSON", correlationID)
		return
	}

	entry := offlinegate.NewEntry(offlinegate.OpUploadCreation, []byte(metadata))
	entry.Blob = blob
	entry.BlobContentType = header.Header.Get("Content-Type")
	if err := s.queue.Enqueue(r.Context(), entry); err != nil {
		writeError(w, http.StatusServiceUnavailable, "store_unavailable", "could not persist pending upload", correlationID)
		return
	}
	writeJSON(w, http.StatusCreated, map[string]string{"id": entry.ID})
}

func (s *Server) handleListQueue(w http.ResponseWriter, r *http.Request, raw string, correlationID string) {
	op := offlinegate.Operation(strings.TrimSpace(raw))
	if !offlinegate.ValidOperation(op) {
		writeError(w, http.StatusNotFound, "not_found", "unknown queue", correlationID)
		return
	}
	entries, err := s.queue.List(r.Context(), op)
	if err != nil {
		writeError(w, http.StatusServiceUnavailable, "store_unavailable", "queue store unavailable", correlationID)
		return
	}
	// Metadata only; blobs stay out of listings.
	type listed struct {
		ID        string `json:"id"`
		Op        string `json:"op"`
		CreatedAt string `json:"createdAt"`
		BlobBytes int    `json:"blobBytes,omitempty"`
	}
	out := make([]listed, 0, len(entries))
	for _, entry := range entries {
		out = append(out, listed{
			ID:        entry.ID,
			Op:        string(entry.Op),
			CreatedAt: entry.CreatedAt.UTC().Format(time.RFC3339),
			BlobBytes: len(entry.Blob),
		})
	}
	writeJSON(w, http.StatusOK, map[string]any{"queue": op, "entries": out})
}

func (s *Server) readRequestBody(w http.ResponseWriter, r *http.Request, correlationID string) ([]byte, bool) {
	r.Body = http.MaxBytesReader(w, r.Body, s.cfg.MaxBodyBytes)
	body, err := io.ReadAll(r.Body)
	if err != nil {
		var maxErr *http.MaxBytesError
		if errors.As(err, &maxErr) {
			writeError(w, http.StatusRequestEntityTooLarge, "payload_too_large", "request body exceeds configured limit", correlationID)
			return nil, false
		}
		writeError(w, http.StatusBadRequest, "bad_request", "failed to read request body", correlationID)
		return nil, false
	}
	return body, true
}

func (s *Server) logf(format string, args ...any) {
	if s.logger == nil {
		return
	}
	s.logger.Printf(format, args...)
}

func writeSnapshot(w http.ResponseWriter, snap offlinegate.ResponseSnapshot) {
	for key, values := range snap.Header {
		for _, value := range values {
			w.Header().Add(key, value)
		}
	}
	status := snap.Status
	if status == 0 {
		status = http.StatusOK
	}
	w.WriteHeader(status)
	_, _ = w.Write(snap.Body)
}

func getCorrelationID(r *http.Request) string {
	return r.Header.Get("X-Correlation-Id")
}

func writeJSON(w http.ResponseWriter, status int, data any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(data)
}

func writeError(w http.ResponseWriter, status int, code, message, correlationID string) {
	payload := map[string]any{
		"code":    code,
		"message": message,
	}
	if correlationID != "" {
		payload["correlationId"] = correlationID
	}
	writeJSON(w, status, payload)
}
