package server

import "net/http"

// Pre-allocated SSE frame fragments. The streaming hot path writes these
// directly so no per-chunk formatting allocations occur.
var (
	sseDataPrefix = []byte("data: ")
	sseFrameEnd   = []byte("\n\n")
	sseDoneFrame  = []byte("data: [DONE]\n\n")
	sseComment    = []byte(": keep-alive\n\n")
)

// Pre-allocated header value slices (see errors.go:jsonCT).
var (
	sseContentType  = []string{"text/event-stream"}
	sseCacheControl = []string{"no-cache"}
	sseConnection   = []string{"keep-alive"}
	sseAccelBuf     = []string{"no"} // disables nginx response buffering
)

// sseWriter frames payloads as server-sent events and flushes after every
// frame so chunks reach the client immediately.
type sseWriter struct {
	w http.ResponseWriter
	f http.Flusher
}

// newSSEWriter writes the SSE response headers and returns a framing writer.
// Returns false when the underlying writer cannot flush.
func newSSEWriter(w http.ResponseWriter) (*sseWriter, bool) {
	f, ok := w.(http.Flusher)
	if !ok {
		return nil, false
	}
	h := w.Header()
	h["Content-Type"] = sseContentType
	h["Cache-Control"] = sseCacheControl
	h["Connection"] = sseConnection
	h["X-Accel-Buffering"] = sseAccelBuf
	w.WriteHeader(http.StatusOK)
	f.Flush()
	return &sseWriter{w: w, f: f}, true
}

// data writes one "data: <payload>" frame.
func (s *sseWriter) data(payload []byte) {
	s.w.Write(sseDataPrefix)
	s.w.Write(payload)
	s.w.Write(sseFrameEnd)
	s.f.Flush()
}

// done writes the stream termination sentinel.
func (s *sseWriter) done() {
	s.w.Write(sseDoneFrame)
	s.f.Flush()
}

// keepAlive writes an SSE comment to hold idle connections open.
func (s *sseWriter) keepAlive() {
	s.w.Write(sseComment)
	s.f.Flush()
}
