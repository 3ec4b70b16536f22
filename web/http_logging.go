// ABOUTME: Request logging for the status server. Lines on session and record routes carry the
// ABOUTME: session ID, so a requeue or record view can be traced next to that session's build logs.
package web

import (
	"log"
	"net/http"
	"strings"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/go-chi/chi/v5/middleware"
)

// responseMeter counts what a handler wrote.
type responseMeter struct {
	http.ResponseWriter
	status int
	bytes  int
}

func (m *responseMeter) WriteHeader(code int) {
	if m.status == 0 {
		m.status = code
	}
	m.ResponseWriter.WriteHeader(code)
}

func (m *responseMeter) Write(p []byte) (int, error) {
	if m.status == 0 {
		m.status = http.StatusOK
	}
	n, err := m.ResponseWriter.Write(p)
	m.bytes += n
	return n, err
}

// requestLogger logs one line per request. chi fills the route context
// while routing, so the session parameter is read after the handler ran.
func requestLogger(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		start := time.Now()
		m := &responseMeter{ResponseWriter: w}
		next.ServeHTTP(m, r)

		if m.status == 0 {
			m.status = http.StatusOK
		}
		var b strings.Builder
		b.WriteString("component=web action=")
		b.WriteString(requestAction(r))
		if id := routeSession(r); id != "" {
			b.WriteString(" session=")
			b.WriteString(id)
		}
		log.Printf("%s method=%s path=%s status=%d bytes=%d duration=%s req_id=%s",
			b.String(),
			r.Method,
			r.URL.Path,
			m.status,
			m.bytes,
			time.Since(start).Round(time.Microsecond),
			middleware.GetReqID(r.Context()),
		)
	})
}

// requestAction names what the request did to the ledger.
func requestAction(r *http.Request) string {
	if r.Method == http.MethodPost && strings.HasSuffix(r.URL.Path, "/requeue") {
		return "requeue_request"
	}
	return "request"
}

func routeSession(r *http.Request) string {
	rc := chi.RouteContext(r.Context())
	if rc == nil {
		return ""
	}
	return rc.URLParam("sessionID")
}
