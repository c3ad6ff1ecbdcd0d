package logging

import (
	"context"
	"sync"

	"go.uber.org/zap"
	"go.uber.org/zap/zapcore"
)

var (
	logger  *zap.Logger
	service = "roomcall"
	once    sync.Once
)

type contextKey string

const (
	CorrelationIDKey contextKey = "correlation_id"
	UserIDKey        contextKey = "user_id"
	RoomCodeKey      contextKey = "room_code"
	CallIDKey        contextKey = "call_id"
)

// Options tunes the global logger. Zero values keep the defaults.
type Options struct {
	Service     string   // tagged on every entry as "service"
	Level       string   // debug, info, warn, error
	OutputPaths []string // defaults to stdout
}

// Initialize sets up the global logger based on the environment
func Initialize(development bool, opts Options) error {
	var err error
	once.Do(func() {
		var config zap.Config
		if development {
			config = zap.NewDevelopmentConfig()
			config.EncoderConfig.EncodeLevel = zapcore.CapitalColorLevelEncoder
		} else {
			config = zap.NewProductionConfig()
			config.EncoderConfig.TimeKey = "timestamp"
			config.EncoderConfig.EncodeTime = zapcore.ISO8601TimeEncoder
		}

		if opts.Level != "" {
			var lvl zapcore.Level
			if lvl, err = zapcore.ParseLevel(opts.Level); err != nil {
				return
			}
			config.Level = zap.NewAtomicLevelAt(lvl)
		}

		config.OutputPaths = []string{"stdout"}
		if len(opts.OutputPaths) > 0 {
			config.OutputPaths = opts.OutputPaths
			// Colors only make sense on a terminal.
			config.EncoderConfig.EncodeLevel = zapcore.CapitalLevelEncoder
		}
		config.ErrorOutputPaths = []string{"stderr"}

		if opts.Service != "" {
			service = opts.Service
		}

		logger, err = config.Build(zap.AddCallerSkip(1))
	})
	return err
}

// GetLogger returns the global logger instance
func GetLogger() *zap.Logger {
	if logger == nil {
		// Fallback specific for tests or before init
		l, _ := zap.NewDevelopment()
		return l
	}
	return logger
}

// Sync flushes buffered entries. Errors from syncing stdout/stderr are ignored.
func Sync() {
	if logger != nil {
		_ = logger.Sync()
	}
}

// Debug logs a message at DebugLevel
func Debug(ctx context.Context, msg string, fields ...zap.Field) {
	GetLogger().Debug(msg, appendContextFields(ctx, fields)...)
}

// Info logs a message at InfoLevel
func Info(ctx context.Context, msg string, fields ...zap.Field) {
	GetLogger().Info(msg, appendContextFields(ctx, fields)...)
}

// Warn logs a message at WarnLevel
func Warn(ctx context.Context, msg string, fields ...zap.Field) {
	GetLogger().Warn(msg, appendContextFields(ctx, fields)...)
}

// Error logs a message at ErrorLevel
func Error(ctx context.Context, msg string, fields ...zap.Field) {
	GetLogger().Error(msg, appendContextFields(ctx, fields)...)
}

// Fatal logs a message at FatalLevel
func Fatal(ctx context.Context, msg string, fields ...zap.Field) {
	GetLogger().Fatal(msg, appendContextFields(ctx, fields)...)
}

// WithRoom returns ctx tagged with the room code and local user id.
func WithRoom(ctx context.Context, roomCode, userID string) context.Context {
	if roomCode != "" {
		ctx = context.WithValue(ctx, RoomCodeKey, roomCode)
	}
	if userID != "" {
		ctx = context.WithValue(ctx, UserIDKey, userID)
	}
	return ctx
}

// WithCorrelationID returns ctx tagged with a request correlation id.
func WithCorrelationID(ctx context.Context, id string) context.Context {
	return context.WithValue(ctx, CorrelationIDKey, id)
}

// WithCall returns ctx tagged with a call id.
func WithCall(ctx context.Context, callID string) context.Context {
	return context.WithValue(ctx, CallIDKey, callID)
}

func appendContextFields(ctx context.Context, fields []zap.Field) []zap.Field {
	if ctx == nil {
		return fields
	}

	if cid, ok := ctx.Value(CorrelationIDKey).(string); ok {
		fields = append(fields, zap.String("correlation_id", cid))
	}
	if uid, ok := ctx.Value(UserIDKey).(string); ok {
		fields = append(fields, zap.String("user_id", uid))
	}
	if rc, ok := ctx.Value(RoomCodeKey).(string); ok {
		fields = append(fields, zap.String("room_code", rc))
	}
	if call, ok := ctx.Value(CallIDKey).(string); ok {
		fields = append(fields, zap.String("call_id", call))
	}

	fields = append(fields, zap.String("service", service))

	return fields
}

// RedactSDP shortens a session description for debug logs.
func RedactSDP(sdp string) string {
	const keep = 32
	if len(sdp) <= keep {
		return sdp
	}
	return sdp[:keep] + "..."
}
