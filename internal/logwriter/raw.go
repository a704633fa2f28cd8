package logwriter

import (
	"context"
	"encoding/json"
	"log/slog"
	"sync"
	"time"

	"github.com/haasonsaas/nexus3/internal/providers"
	"github.com/haasonsaas/nexus3/internal/safefile"
)

// RawWriter appends raw provider I/O as JSONL. It implements
// providers.RawLogger so it can be registered as an agent's sink with the
// log multiplexer.
type RawWriter struct {
	mu     sync.Mutex
	path   string
	logger *slog.Logger
	now    func() time.Time
}

// NewRawWriter creates a raw JSONL writer. The parent directory must
// already exist.
func NewRawWriter(path string, logger *slog.Logger) (*RawWriter, error) {
	if logger == nil {
		logger = slog.Default()
	}
	// Probe the path once so misconfiguration surfaces at construction.
	f, err := safefile.AppendFile(path)
	if err != nil {
		return nil, err
	}
	f.Close()
	return &RawWriter{path: path, logger: logger, now: time.Now}, nil
}

type rawEntry struct {
	Type      string `json:"type"`
	Timestamp string `json:"timestamp"`
	Endpoint  string `json:"endpoint,omitempty"`
	Status    int    `json:"status,omitempty"`
	Body      string `json:"body,omitempty"`
	Payload   any    `json:"payload,omitempty"`
	Chunk     any    `json:"chunk,omitempty"`
}

// streamCompleteEntry flattens the summary fields into the entry itself so
// consumers can filter on them without descending into a nested object.
type streamCompleteEntry struct {
	Type      string `json:"type"`
	Timestamp string `json:"timestamp"`
	providers.StreamSummary
}

func (w *RawWriter) append(entryType string, v any) {
	line, err := json.Marshal(v)
	if err != nil {
		w.logger.Warn("raw log entry not serializable", "type", entryType, "error", err)
		return
	}
	w.mu.Lock()
	defer w.mu.Unlock()
	f, err := safefile.AppendFile(w.path)
	if err != nil {
		w.logger.Warn("raw log append failed", "path", w.path, "error", err)
		return
	}
	defer f.Close()
	f.Write(append(line, '\n'))
}

func (w *RawWriter) write(entry rawEntry) {
	entry.Timestamp = w.now().UTC().Format(time.RFC3339Nano)
	w.append(entry.Type, entry)
}

// OnRequest logs an outgoing provider request.
func (w *RawWriter) OnRequest(ctx context.Context, endpoint string, payload any) {
	w.write(rawEntry{Type: "request", Endpoint: endpoint, Payload: payload})
}

// OnResponse logs a non-streaming response or error body.
func (w *RawWriter) OnResponse(ctx context.Context, status int, body string) {
	w.write(rawEntry{Type: "response", Status: status, Body: body})
}

// OnChunk logs one streaming chunk.
func (w *RawWriter) OnChunk(ctx context.Context, chunk any) {
	w.write(rawEntry{Type: "stream_chunk", Chunk: chunk})
}

// OnStreamComplete logs the stream's terminal summary record.
func (w *RawWriter) OnStreamComplete(ctx context.Context, summary providers.StreamSummary) {
	w.append("stream_complete", streamCompleteEntry{
		Type:          "stream_complete",
		Timestamp:     w.now().UTC().Format(time.RFC3339Nano),
		StreamSummary: summary,
	})
}
