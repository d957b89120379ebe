package middleware

import (
	"net/http"
)

// SizeLimitConfig holds request size limit configuration
type SizeLimitConfig struct {
	Enabled      bool
	MaxBodySize  int64 // bytes
	MaxURLLength int
}

// DefaultSizeLimitConfig returns default size limit configuration
func DefaultSizeLimitConfig() SizeLimitConfig {
	return SizeLimitConfig{
		Enabled:      true,
		MaxBodySize:  1024 * 1024,
		MaxURLLength: 8192,
	}
}

// SizeLimiter rejects oversized auction and selection requests before they
// are decoded
type SizeLimiter struct {
	config SizeLimitConfig
}

// NewSizeLimiter creates a new size limiter. Non-positive limits fall back
// to the defaults.
func NewSizeLimiter(config SizeLimitConfig) *SizeLimiter {
	def := DefaultSizeLimitConfig()
	if config.MaxBodySize <= 0 {
		config.MaxBodySize = def.MaxBodySize
	}
	if config.MaxURLLength <= 0 {
		config.MaxURLLength = def.MaxURLLength
	}
	return &SizeLimiter{config: config}
}

// Middleware returns the size limiting middleware handler
func (sl *SizeLimiter) Middleware(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if !sl.config.Enabled {
			next.ServeHTTP(w, r)
			return
		}

		if len(r.URL.String()) > sl.config.MaxURLLength {
			writeJSONError(w, "URL too long", http.StatusRequestURITooLong)
			return
		}

		// Content-Length is checked up front; chunked bodies hit MaxBytesReader
		if r.ContentLength > sl.config.MaxBodySize {
			writeJSONError(w, "request body too large", http.StatusRequestEntityTooLarge)
			return
		}
		if r.Body != nil {
			r.Body = http.MaxBytesReader(w, r.Body, sl.config.MaxBodySize)
		}

		next.ServeHTTP(w, r)
	})
}

func writeJSONError(w http.ResponseWriter, message string, status int) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_, _ = w.Write([]byte(`{"error":"` + message + `"}`))
}
