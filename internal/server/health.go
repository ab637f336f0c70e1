package server

import "net/http"

// Pre-allocated bodies and header value slice for the health endpoints.
// Direct map assignment skips the []string{v} alloc from Header.Set
// (see errors.go:jsonCT).
var (
	okBody  = []byte("ok")
	plainCT = []string{"text/plain; charset=utf-8"}
)

// handleHealth is a pure liveness probe; it never touches dependencies.
func (s *server) handleHealth(w http.ResponseWriter, _ *http.Request) {
	w.Header()["Content-Type"] = plainCT
	w.WriteHeader(http.StatusOK)
	w.Write(okBody)
}

// handleReadyz checks the store so load balancers stop routing here when the
// database is gone. The failure reason goes in the body for operators.
func (s *server) handleReadyz(w http.ResponseWriter, r *http.Request) {
	w.Header()["Content-Type"] = plainCT
	if s.deps.ReadyCheck != nil {
		if err := s.deps.ReadyCheck(r.Context()); err != nil {
			w.WriteHeader(http.StatusServiceUnavailable)
			w.Write([]byte("not ready: " + err.Error()))
			return
		}
	}
	w.WriteHeader(http.StatusOK)
	w.Write(okBody)
}
