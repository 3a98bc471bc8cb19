package api

import (
	"net/http/httptest"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/inquesthq/inquest/internal/pipeline"
)

func TestStreamWriterWireFormat(t *testing.T) {
	rec := httptest.NewRecorder()
	sw := newStreamWriter(rec, func() {})
	defer sw.Close()

	sw.Emit(pipeline.Event{Type: pipeline.EventStatus, Data: pipeline.StatusData{Msg: "Searching the archive"}})
	sw.Emit(pipeline.Event{Type: pipeline.EventDone})

	body := rec.Body.String()
	assert.Contains(t, body, "event: status\ndata: {\"msg\":\"Searching the archive\"}\n\n")
	assert.Contains(t, body, "event: done\ndata: {}\n\n")
}

func TestStreamWriterCommitsLazily(t *testing.T) {
	rec := httptest.NewRecorder()
	sw := newStreamWriter(rec, func() {})
	defer sw.Close()

	// Nothing written yet: the caller can still send a plain error status.
	assert.False(t, sw.Started())
	assert.Empty(t, rec.Header().Get("Content-Type"))

	sw.Emit(pipeline.Event{Type: pipeline.EventStatus, Data: pipeline.StatusData{Msg: "x"}})
	assert.True(t, sw.Started())
	assert.Equal(t, 200, rec.Code)
	assert.Equal(t, "text/event-stream", rec.Header().Get("Content-Type"))
	assert.Equal(t, "no-cache", rec.Header().Get("Cache-Control"))
	assert.Equal(t, "no", rec.Header().Get("X-Accel-Buffering"))
}

func TestStreamWriterErrorEvent(t *testing.T) {
	rec := httptest.NewRecorder()
	sw := newStreamWriter(rec, func() {})
	defer sw.Close()

	sw.Error("Invocation cancelled", "cancelled")

	body := rec.Body.String()
	assert.Contains(t, body, "event: error\n")
	assert.Contains(t, body, `"msg":"Invocation cancelled"`)
	assert.Contains(t, body, `"code":"cancelled"`)
}

// failingWriter errors on every write after the first n bytes, standing in
// for a disconnected client.
type failingWriter struct {
	*httptest.ResponseRecorder
	fail bool
}

func (f *failingWriter) Write(b []byte) (int, error) {
	if f.fail {
		return 0, assert.AnError
	}
	return f.ResponseRecorder.Write(b)
}

func TestStreamWriterCancelsOnWriteFailure(t *testing.T) {
	fw := &failingWriter{ResponseRecorder: httptest.NewRecorder()}
	cancelled := false
	sw := newStreamWriter(fw, func() { cancelled = true })
	defer sw.Close()

	// First event commits the stream.
	sw.Emit(pipeline.Event{Type: pipeline.EventStatus, Data: pipeline.StatusData{Msg: "x"}})
	require.True(t, sw.Started())
	require.False(t, cancelled)

	fw.fail = true
	sw.Emit(pipeline.Event{Type: pipeline.EventChunk, Data: pipeline.ChunkData{Text: "y"}})
	assert.True(t, cancelled)

	// Later events are dropped silently.
	before := fw.Body.Len()
	sw.Emit(pipeline.Event{Type: pipeline.EventDone})
	assert.Equal(t, before, fw.Body.Len())
}
