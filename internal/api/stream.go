package api

import (
	"context"
	"encoding/json"
	"net/http"
	"sync"
	"sync/atomic"
	"time"

	"github.com/rs/zerolog/log"

	"github.com/inquesthq/inquest/internal/metrics"
	"github.com/inquesthq/inquest/internal/pipeline"
)

const keepaliveInterval = 15 * time.Second

// streamWriter pushes pipeline events to a client as server-sent events,
// "event: TYPE\ndata: JSON\n\n", flushing after each one. The response is
// committed lazily on the first event so a failure before any output can
// still surface as a plain HTTP status. A failed write marks the client
// disconnected and cancels the invocation.
type streamWriter struct {
	w       http.ResponseWriter
	flusher http.Flusher
	rc      *http.ResponseController
	cancel  context.CancelFunc

	mu           sync.Mutex
	started      bool
	disconnected atomic.Bool
	done         chan struct{}
}

// newStreamWriter wraps a response for event streaming. cancel is invoked
// when a write fails, so the pipeline stops within one write of a
// disconnect. Close must be called when the invocation ends.
func newStreamWriter(w http.ResponseWriter, cancel context.CancelFunc) *streamWriter {
	return &streamWriter{
		w:      w,
		rc:     http.NewResponseController(w),
		cancel: cancel,
		done:   make(chan struct{}),
	}
}

// Emit implements pipeline.EmitFunc.
func (sw *streamWriter) Emit(e pipeline.Event) {
	data := e.Data
	if data == nil {
		data = struct{}{}
	}
	payload, err := json.Marshal(data)
	if err != nil {
		log.Error().Err(err).Str("event", string(e.Type)).Msg("Failed to encode stream event")
		return
	}
	sw.write([]byte("event: " + string(e.Type) + "\ndata: " + string(payload) + "\n\n"))
}

// Error pushes a terminal error event.
func (sw *streamWriter) Error(msg, code string) {
	sw.Emit(pipeline.Event{Type: pipeline.EventError, Data: pipeline.ErrorData{Msg: msg, Code: code}})
}

// Started reports whether the stream response has been committed.
func (sw *streamWriter) Started() bool {
	sw.mu.Lock()
	defer sw.mu.Unlock()
	return sw.started
}

// Close stops the keepalive goroutine. Safe to call once.
func (sw *streamWriter) Close() {
	close(sw.done)
	sw.mu.Lock()
	started := sw.started
	sw.mu.Unlock()
	if started {
		metrics.Get().StreamClosed()
	}
}

// start commits the SSE response. Caller holds mu.
func (sw *streamWriter) start() bool {
	flusher, ok := sw.w.(http.Flusher)
	if !ok {
		log.Error().Msg("Response writer does not support streaming")
		return false
	}
	sw.flusher = flusher

	h := sw.w.Header()
	h.Set("Content-Type", "text/event-stream")
	h.Set("Cache-Control", "no-cache")
	h.Set("Connection", "keep-alive")
	h.Set("X-Accel-Buffering", "no")

	_ = sw.rc.SetWriteDeadline(time.Time{})
	_ = sw.rc.SetReadDeadline(time.Time{})
	sw.w.WriteHeader(http.StatusOK)
	flusher.Flush()

	sw.started = true
	metrics.Get().StreamOpened()
	go sw.keepalive()
	return true
}

func (sw *streamWriter) keepalive() {
	ticker := time.NewTicker(keepaliveInterval)
	defer ticker.Stop()
	for {
		select {
		case <-ticker.C:
			sw.write([]byte(": keepalive\n\n"))
		case <-sw.done:
			return
		}
	}
}

func (sw *streamWriter) write(b []byte) {
	sw.mu.Lock()
	defer sw.mu.Unlock()
	if sw.disconnected.Load() {
		return
	}
	if !sw.started && !sw.start() {
		sw.disconnected.Store(true)
		return
	}
	_ = sw.rc.SetWriteDeadline(time.Now().Add(10 * time.Second))
	if _, err := sw.w.Write(b); err != nil {
		sw.disconnected.Store(true)
		sw.cancel()
		return
	}
	sw.flusher.Flush()
}
