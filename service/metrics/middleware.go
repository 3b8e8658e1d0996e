package metrics

import (
	"net/http"
	"time"
)

// Instrument wraps a handler so every request is counted and timed under
// route, which should be the mux pattern (e.g. "POST /api/v1/markets") rather
// than the concrete path, to keep label cardinality bounded.
// A nil *Metrics returns the handler unchanged.
func (m *Metrics) Instrument(route string, next http.Handler) http.Handler {
	if m == nil {
		return next
	}
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		start := time.Now()
		rec := &statusRecorder{ResponseWriter: w, status: http.StatusOK}

		next.ServeHTTP(rec, r)

		m.RecordHTTPRequest(route, r.Method, rec.status, time.Since(start).Seconds())
	})
}

// statusRecorder captures the status code written by the wrapped handler.
type statusRecorder struct {
	http.ResponseWriter
	status      int
	wroteHeader bool
}

func (w *statusRecorder) WriteHeader(code int) {
	if !w.wroteHeader {
		w.status = code
		w.wroteHeader = true
	}
	w.ResponseWriter.WriteHeader(code)
}

// Flush lets streaming handlers keep working behind the recorder.
func (w *statusRecorder) Flush() {
	if f, ok := w.ResponseWriter.(http.Flusher); ok {
		f.Flush()
	}
}
