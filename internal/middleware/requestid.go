package middleware

import (
	"net/http"

	"github.com/google/uuid"

	"github.com/StreetsDigital/thenexusengine/adselection/pkg/logger"
)

// RequestIDHeader carries the request id in and out
const RequestIDHeader = "X-Request-ID"

// RequestLogging assigns every request an id, stores it in the request
// context for downstream loggers and logs the completed request
func RequestLogging(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		id := r.Header.Get(RequestIDHeader)
		if id == "" || len(id) > 128 {
			id = uuid.NewString()
		}
		w.Header().Set(RequestIDHeader, id)

		reqLog := logger.NewRequestLogger(id).
			WithField("method", r.Method).
			WithField("path", r.URL.Path)
		rw := &statusRecorder{ResponseWriter: w, status: http.StatusOK}
		next.ServeHTTP(rw, r.WithContext(logger.WithRequestID(r.Context(), id)))

		reqLog.LogComplete(rw.status)
	})
}

type statusRecorder struct {
	http.ResponseWriter
	status int
}

func (rw *statusRecorder) WriteHeader(code int) {
	rw.status = code
	rw.ResponseWriter.WriteHeader(code)
}
