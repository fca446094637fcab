package offlinegate

import (
	"bytes"
	"context"
	"fmt"
	"mime/multipart"
	"net/http"
	"net/textproto"
	"strings"
)

const (
	DefaultCanvasSavePath     = "/api/canvas/save"
	DefaultCreationUploadPath = "/api/creations/upload"
)

type SyncOptions struct {
	Queue   QueueStore
	Fetcher Fetcher
	// Origin is the upstream base the replay endpoints live under.
	Origin string
	// CanvasSavePath receives queued canvas saves as JSON POSTs.
	// Defaults to DefaultCanvasSavePath.
	CanvasSavePath string
	// CreationUploadPath receives queued creation uploads as multipart
	// POSTs. Defaults to DefaultCreationUploadPath.
	CreationUploadPath string
	Logger             Logger
}

// SyncHandler drains the pending-operation queues once connectivity is
// restored. Each queue drains independently and in FIFO order; an entry
// is removed only on a confirmed successful replay, and a failed replay
// skips to the next entry without aborting the batch.
type SyncHandler struct {
	queue      QueueStore
	fetcher    Fetcher
	origin     string
	savePath   string
	uploadPath string
	logger     Logger
}

// DrainReport summarizes one drain cycle for one queue.
type DrainReport struct {
	Queue     Operation `json:"queue"`
	Attempted int       `json:"attempted"`
	Replayed  int       `json:"replayed"`
	Failed    int       `json:"failed"`
}

func NewSyncHandler(opts SyncOptions) (*SyncHandler, error) {
	if opts.Queue == nil || opts.Fetcher == nil {
		return nil, ErrInvalidInput
	}
	savePath := strings.TrimSpace(opts.CanvasSavePath)
	if savePath == "" {
		savePath = DefaultCanvasSavePath
	}
	uploadPath := strings.TrimSpace(opts.CreationUploadPath)
	if uploadPath == "" {
		uploadPath = DefaultCreationUploadPath
	}
	return &SyncHandler{
		queue:      opts.Queue,
		fetcher:    opts.Fetcher,
		origin:     strings.TrimRight(strings.TrimSpace(opts.Origin), "/"),
		savePath:   savePath,
		uploadPath: uploadPath,
		logger:     opts.Logger,
	}, nil
}

// Drain replays every entry in the named queue. A store failure abandons
// the cycle; the untouched entries wait for the next trigger.
func (h *SyncHandler) Drain(ctx context.Context, op Operation) (DrainReport, error) {
	report := DrainReport{Queue: op}
	if !ValidOperation(op) {
		return report, fmt.Errorf("%w: queue %q", ErrInvalidInput, op)
	}
	entries, err := h.queue.List(ctx, op)
	if err != nil {
		return report, err
	}
	for _, entry := range entries {
		report.Attempted++
		if err := h.replay(ctx, entry); err != nil {
			report.Failed++
			h.logf("replay of %s entry %s failed: %v", op, entry.ID, err)
			continue
		}
		if err := h.queue.Remove(ctx, op, entry.ID); err != nil {
			// The replay succeeded but the store would not let go of the
			// entry; abandon the cycle rather than replay it again now.
			return report, err
		}
		report.Replayed++
	}
	return report, nil
}

// DrainAll drains both queues. The queues are independent; a failure in
// one does not stop the other, and the first error is reported after
// both have run.
func (h *SyncHandler) DrainAll(ctx context.Context) ([]DrainReport, error) {
	var firstErr error
	reports := make([]DrainReport, 0, len(Operations))
	for _, op := range Operations {
		report, err := h.Drain(ctx, op)
		reports = append(reports, report)
		if err != nil && firstErr == nil {
			firstErr = err
		}
	}
	return reports, firstErr
}

func (h *SyncHandler) replay(ctx context.Context, entry Entry) error {
	switch entry.Op {
	case OpSaveCanvas:
		return h.replayCanvasSave(ctx, entry)
	case OpUploadCreation:
		return h.replayCreationUpload(ctx, entry)
	default:
		return fmt.Errorf("%w: operation %q", ErrInvalidInput, entry.Op)
	}
}

func (h *SyncHandler) replayCanvasSave(ctx context.Context, entry Entry) error {
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, h.origin+h.savePath, bytes.NewReader(entry.Payload))
	if err != nil {
		return err
	}
	req.Header.Set("Content-Type", "application/json")
	return h.send(ctx, req)
}

func (h *SyncHandler) replayCreationUpload(ctx context.Context, entry Entry) error {
	var body bytes.Buffer
	writer := multipart.NewWriter(&body)

	blobType := strings.TrimSpace(entry.BlobContentType)
	if blobType == "" {
		blobType = "application/octet-stream"
	}
	partHeader := textproto.MIMEHeader{}
	partHeader.Set("Content-Disposition", fmt.Sprintf(`form-data; name="image"; filename="%s"`, entry.ID))
	partHeader.Set("Content-Type", blobType)
	part, err := writer.CreatePart(partHeader)
	if err != nil {
		return err
	}
	if _, err := part.Write(entry.Blob); err != nil {
		return err
	}
	metadata := entry.Payload
	if len(metadata) == 0 {
		metadata = []byte("{}")
	}
	if err := writer.WriteField("metadata", string(metadata)); err != nil {
		return err
	}
	if err := writer.Close(); err != nil {
		return err
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodPost, h.origin+h.uploadPath, bytes.NewReader(body.Bytes()))
	if err != nil {
		return err
	}
	req.Header.Set("Content-Type", writer.FormDataContentType())
	return h.send(ctx, req)
}

func (h *SyncHandler) send(ctx context.Context, req *http.Request) error {
	snap, err := h.fetcher.Fetch(ctx, req)
	if err != nil {
		return err
	}
	if snap.Status < 200 || snap.Status > 299 {
		return &HTTPError{StatusCode: snap.Status, Message: strings.TrimSpace(string(snap.Body))}
	}
	return nil
}

func (h *SyncHandler) logf(format string, args ...any) {
	if h.logger == nil {
		return
	}
	h.logger.Printf(format, args...)
}
