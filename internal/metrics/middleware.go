package metrics

import (
	"net/http"
	"strconv"
	"time"
)

// statusRecorder remembers the status code a handler wrote. Handlers that
// never call WriteHeader answer 200.
type statusRecorder struct {
	http.ResponseWriter
	status int
}

func (s *statusRecorder) WriteHeader(code int) {
	s.status = code
	s.ResponseWriter.WriteHeader(code)
}

// Middleware counts responses of next by status code and observes their
// latency under the endpoint label.
func Middleware(next http.Handler, endpoint string) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		rec := &statusRecorder{ResponseWriter: w, status: http.StatusOK}
		start := time.Now()
		next.ServeHTTP(rec, r)
		EndpointDuration.WithLabelValues(endpoint).Observe(time.Since(start).Seconds())
		EndpointResponses.WithLabelValues(endpoint, strconv.Itoa(rec.status)).Inc()
	})
}
