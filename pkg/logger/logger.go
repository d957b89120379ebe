// Package logger provides structured logging for the ad selection service
package logger

import (
	"context"
	"io"
	"os"
	"time"

	"github.com/rs/zerolog"
)

// ContextKey is the type for context keys
type ContextKey string

const (
	// RequestIDKey is the context key for request IDs
	RequestIDKey ContextKey = "request_id"
	// RoundIDKey is the context key for auction and selection round IDs
	RoundIDKey ContextKey = "round_id"
)

var (
	// Log is the global logger instance
	Log zerolog.Logger = zerolog.Nop()
)

// Config holds logger configuration
type Config struct {
	Level      string `yaml:"level"`       // debug, info, warn, error
	Format     string `yaml:"format"`      // json, console
	TimeFormat string `yaml:"time_format"` // time format for console output
}

// DefaultConfig returns sensible defaults for production
func DefaultConfig() Config {
	return Config{
		Level:      getEnv("LOG_LEVEL", "info"),
		Format:     getEnv("LOG_FORMAT", "json"),
		TimeFormat: time.RFC3339,
	}
}

// Init initializes the global logger
func Init(cfg Config) {
	InitWithWriter(cfg, os.Stdout)
}

// InitWithWriter initializes the global logger writing to out
func InitWithWriter(cfg Config, out io.Writer) {
	var output = out

	level, err := zerolog.ParseLevel(cfg.Level)
	if err != nil || cfg.Level == "" {
		level = zerolog.InfoLevel
	}

	if cfg.Format == "console" {
		output = zerolog.ConsoleWriter{
			Out:        out,
			TimeFormat: cfg.TimeFormat,
		}
	}

	Log = zerolog.New(output).
		Level(level).
		With().
		Timestamp().
		Str("service", "adselection").
		Logger()
}

// WithRequestID adds a request ID to the logger context
func WithRequestID(ctx context.Context, requestID string) context.Context {
	return context.WithValue(ctx, RequestIDKey, requestID)
}

// WithRoundID adds a round ID to the logger context
func WithRoundID(ctx context.Context, roundID string) context.Context {
	return context.WithValue(ctx, RoundIDKey, roundID)
}

// FromContext returns a logger with context values
func FromContext(ctx context.Context) zerolog.Logger {
	l := Log.With()

	if requestID, ok := ctx.Value(RequestIDKey).(string); ok {
		l = l.Str("request_id", requestID)
	}

	if roundID, ok := ctx.Value(RoundIDKey).(string); ok {
		l = l.Str("round_id", roundID)
	}

	return l.Logger()
}

// Bidding returns a logger for one audience's bidding round
func Bidding(ctx context.Context, buyer, audience string) zerolog.Logger {
	l := FromContext(ctx)
	return l.With().Str("component", "bidding").Str("buyer", buyer).Str("audience", audience).Logger()
}

// Selection returns a logger for outcome selection events
func Selection(ctx context.Context) zerolog.Logger {
	l := FromContext(ctx)
	return l.With().Str("component", "selection").Logger()
}

// Fetcher returns a logger for script fetch events
func Fetcher() zerolog.Logger {
	return Log.With().Str("component", "fetcher").Logger()
}

// Filter returns a logger for eligibility filter events
func Filter() zerolog.Logger {
	return Log.With().Str("component", "filter").Logger()
}

// Sandbox returns a logger for script sandbox events
func Sandbox() zerolog.Logger {
	return Log.With().Str("component", "sandbox").Logger()
}

// HTTP returns a logger for HTTP events
func HTTP() zerolog.Logger {
	return Log.With().Str("component", "http").Logger()
}

// getEnv returns environment variable or default
func getEnv(key, defaultVal string) string {
	if val := os.Getenv(key); val != "" {
		return val
	}
	return defaultVal
}

// RequestLogger holds request-scoped logging state
type RequestLogger struct {
	logger    zerolog.Logger
	startTime time.Time
}

// NewRequestLogger creates a new request-scoped logger
func NewRequestLogger(requestID string) *RequestLogger {
	l := HTTP()
	return &RequestLogger{
		logger:    l.With().Str("request_id", requestID).Logger(),
		startTime: time.Now(),
	}
}

// WithField adds a field to the logger
func (r *RequestLogger) WithField(key string, value interface{}) *RequestLogger {
	r.logger = r.logger.With().Interface(key, value).Logger()
	return r
}

// Duration returns the time since the request started
func (r *RequestLogger) Duration() time.Duration {
	return time.Since(r.startTime)
}

// LogComplete logs request completion with duration
func (r *RequestLogger) LogComplete(status int) {
	r.logger.Info().
		Int("status", status).
		Dur("duration_ms", r.Duration()).
		Msg("request completed")
}
