// Package observability provides structured logging for convertx.
package observability

import (
	"context"
	"io"
	"os"
	"strings"
	"sync"
	"time"

	"github.com/rs/zerolog"
	"github.com/rs/zerolog/pkgerrors"
)

// Field names shared by every component, so log queries can rely on them.
const (
	FieldService   = "service"
	FieldRequestID = "request_id"
	FieldJobID     = "job_id"
	FieldUserID    = "user_id"
	FieldOperation = "operation"
)

// LogConfig holds logger configuration.
type LogConfig struct {
	Level       string
	Format      string // json or console
	Output      io.Writer
	ServiceName string
}

// Logger is a zerolog logger with helpers that scope it to a request, job,
// user or operation. Events are built with the embedded zerolog API:
//
//	logger.WithJob(id).Info().Str("engine", e).Msg("File converted")
type Logger struct {
	zerolog.Logger
}

var stackOnce sync.Once

// NewLogger creates a Logger writing to cfg.Output (stdout by default).
// Unknown levels fall back to info.
func NewLogger(cfg LogConfig) *Logger {
	stackOnce.Do(func() { zerolog.ErrorStackMarshaler = pkgerrors.MarshalStack })

	out := cfg.Output
	if out == nil {
		out = os.Stdout
	}
	if strings.EqualFold(cfg.Format, "console") {
		out = zerolog.ConsoleWriter{Out: out, TimeFormat: time.RFC3339}
	}

	zctx := zerolog.New(out).Level(ParseLevel(cfg.Level)).With().Timestamp()
	if cfg.ServiceName != "" {
		zctx = zctx.Str(FieldService, cfg.ServiceName)
	}
	return &Logger{Logger: zctx.Logger()}
}

// NopLogger returns a logger that discards everything.
func NopLogger() *Logger {
	return &Logger{Logger: zerolog.Nop()}
}

// ParseLevel maps a configured level name to a zerolog level.
func ParseLevel(level string) zerolog.Level {
	level = strings.ToLower(strings.TrimSpace(level))
	if level == "warning" {
		level = "warn"
	}
	lvl, err := zerolog.ParseLevel(level)
	if err != nil || level == "" {
		return zerolog.InfoLevel
	}
	return lvl
}

func (l *Logger) with(key, val string) *Logger {
	return &Logger{Logger: l.Logger.With().Str(key, val).Logger()}
}

// WithContext returns a logger carrying the request ID stored in ctx. It
// returns l itself when ctx has none.
func (l *Logger) WithContext(ctx context.Context) *Logger {
	if id := RequestIDFromContext(ctx); id != "" {
		return l.with(FieldRequestID, id)
	}
	return l
}

func (l *Logger) WithJob(jobID string) *Logger { return l.with(FieldJobID, jobID) }

func (l *Logger) WithUser(userID string) *Logger { return l.with(FieldUserID, userID) }

func (l *Logger) WithOperation(op string) *Logger { return l.with(FieldOperation, op) }

type requestIDKey struct{}

// ContextWithRequestID adds a request ID to the context.
func ContextWithRequestID(ctx context.Context, id string) context.Context {
	return context.WithValue(ctx, requestIDKey{}, id)
}

// RequestIDFromContext returns the request ID stored in ctx, or "".
func RequestIDFromContext(ctx context.Context) string {
	id, _ := ctx.Value(requestIDKey{}).(string)
	return id
}
