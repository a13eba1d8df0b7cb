// Package logger wraps zap with the fields the scheduler attaches to every
// log line: tenant, stream, and correlation identifiers.
package logger

import (
	"context"
	"os"

	"go.uber.org/zap"
	"go.uber.org/zap/zapcore"
)

type contextKey string

const (
	// CorrelationIDKey is the context key under which a request/tick correlation id is stored.
	CorrelationIDKey contextKey = "correlation_id"
	// TenantIDKey is the context key under which the active tenant id is stored.
	TenantIDKey contextKey = "tenant_id"
)

// Logger wraps a *zap.Logger with convenience constructors for
// attaching structured fields.
type Logger struct {
	zap *zap.Logger
}

var defaultLogger *Logger

// New builds a Logger at the given level ("debug","info","warn","error")
// using "console" or "json" as the encoding format.
func New(level, format string) (*Logger, error) {
	zapLevel := zapcore.InfoLevel
	if err := zapLevel.Set(level); err != nil {
		zapLevel = zapcore.InfoLevel
	}

	encoderCfg := zap.NewProductionEncoderConfig()
	encoderCfg.TimeKey = "ts"
	encoderCfg.EncodeTime = zapcore.ISO8601TimeEncoder

	if format == "" {
		format = detectLogFormat()
	}

	var encoder zapcore.Encoder
	if format == "json" {
		encoder = zapcore.NewJSONEncoder(encoderCfg)
	} else {
		encoderCfg.EncodeLevel = zapcore.CapitalColorLevelEncoder
		encoder = zapcore.NewConsoleEncoder(encoderCfg)
	}

	core := zapcore.NewCore(encoder, zapcore.Lock(os.Stdout), zapLevel)
	zl := zap.New(core, zap.AddCaller())

	return &Logger{zap: zl}, nil
}

func detectLogFormat() string {
	if os.Getenv("KUBERNETES_SERVICE_HOST") != "" || os.Getenv("TGSCHED_ENV") == "production" {
		return "json"
	}
	return "console"
}

// SetDefault installs l as the package-level default logger.
func SetDefault(l *Logger) { defaultLogger = l }

// Default returns the package-level default logger, building a bare console
// logger on first use if none has been set.
func Default() *Logger {
	if defaultLogger == nil {
		l, _ := New("info", "console")
		defaultLogger = l
	}
	return defaultLogger
}

// WithFields returns a child logger with the given structured fields attached.
func (l *Logger) WithFields(fields ...zap.Field) *Logger {
	return &Logger{zap: l.zap.With(fields...)}
}

// WithError returns a child logger with the error attached under the "error" key.
func (l *Logger) WithError(err error) *Logger {
	return &Logger{zap: l.zap.With(zap.Error(err))}
}

// WithTenant returns a child logger tagged with the given tenant id.
func (l *Logger) WithTenant(tenantID int64) *Logger {
	return &Logger{zap: l.zap.With(zap.Int64("tenant_id", tenantID))}
}

// FromContext returns a logger enriched with any correlation/tenant ids found in ctx.
func (l *Logger) FromContext(ctx context.Context) *Logger {
	fields := make([]zap.Field, 0, 2)
	if v, ok := ctx.Value(CorrelationIDKey).(string); ok && v != "" {
		fields = append(fields, zap.String("correlation_id", v))
	}
	if v, ok := ctx.Value(TenantIDKey).(int64); ok {
		fields = append(fields, zap.Int64("tenant_id", v))
	}
	if len(fields) == 0 {
		return l
	}
	return l.WithFields(fields...)
}

func (l *Logger) Debug(msg string, fields ...zap.Field) { l.zap.Debug(msg, fields...) }
func (l *Logger) Info(msg string, fields ...zap.Field)  { l.zap.Info(msg, fields...) }
func (l *Logger) Warn(msg string, fields ...zap.Field)  { l.zap.Warn(msg, fields...) }
func (l *Logger) Error(msg string, fields ...zap.Field) { l.zap.Error(msg, fields...) }
func (l *Logger) Fatal(msg string, fields ...zap.Field) { l.zap.Fatal(msg, fields...) }

// Sync flushes any buffered log entries.
func (l *Logger) Sync() error { return l.zap.Sync() }

// Raw exposes the underlying zap logger for callers that need it directly.
func (l *Logger) Raw() *zap.Logger { return l.zap }
