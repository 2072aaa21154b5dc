package logger

import (
	"context"
	"io"
	"os"
	"path/filepath"
	"strings"

	"auth-guard/internal/domain"

	"github.com/sirupsen/logrus"
	"gopkg.in/natefinch/lumberjack.v2"
)

// StructuredLogger implements domain.Logger on top of logrus
type StructuredLogger struct {
	logger *logrus.Logger
	fields logrus.Fields
}

type contextKey string

const (
	RequestIDKey contextKey = "request_id"
	IPKey        contextKey = "ip"
	EndpointKey  contextKey = "endpoint"
	UserIDKey    contextKey = "user_id"
)

// FileOptions configures the rotating log file sink
type FileOptions struct {
	Filename   string
	MaxSizeMB  int
	MaxBackups int
	MaxAgeDays int
	Compress   bool
}

// Options configures NewLoggerWithOptions
type Options struct {
	Level  string
	Format string
	File   *FileOptions
}

// NewLogger builds a stdout logger with the given level and format
func NewLogger(level, format string) domain.Logger {
	return NewLoggerWithOptions(Options{Level: level, Format: format})
}

// NewLoggerWithOptions builds a logger that also writes to a rotating file when configured
func NewLoggerWithOptions(opts Options) domain.Logger {
	logger := logrus.New()

	logLevel, err := logrus.ParseLevel(opts.Level)
	if err != nil {
		logLevel = logrus.InfoLevel
	}
	logger.SetLevel(logLevel)

	switch strings.ToLower(opts.Format) {
	case "json":
		logger.SetFormatter(&logrus.JSONFormatter{
			TimestampFormat: "2006-01-02T15:04:05.000Z07:00",
			FieldMap: logrus.FieldMap{
				logrus.FieldKeyTime:  "timestamp",
				logrus.FieldKeyLevel: "level",
				logrus.FieldKeyMsg:   "message",
				logrus.FieldKeyFunc:  "function",
			},
		})
	default:
		logger.SetFormatter(&logrus.TextFormatter{
			FullTimestamp: true,
		})
	}

	var out io.Writer = os.Stdout
	if opts.File != nil && opts.File.Filename != "" {
		if err := os.MkdirAll(filepath.Dir(opts.File.Filename), 0755); err != nil {
			logger.WithError(err).Warn("log directory unavailable, file sink disabled")
		} else {
			out = io.MultiWriter(os.Stdout, &lumberjack.Logger{
				Filename:   opts.File.Filename,
				MaxSize:    opts.File.MaxSizeMB,
				MaxBackups: opts.File.MaxBackups,
				MaxAge:     opts.File.MaxAgeDays,
				Compress:   opts.File.Compress,
				LocalTime:  true,
			})
		}
	}
	logger.SetOutput(out)

	return &StructuredLogger{
		logger: logger,
		fields: make(logrus.Fields),
	}
}

// NewNopLogger discards everything; used by tests and tools
func NewNopLogger() domain.Logger {
	logger := logrus.New()
	logger.SetOutput(io.Discard)
	return &StructuredLogger{
		logger: logger,
		fields: make(logrus.Fields),
	}
}

// Debug logs a debug message
func (l *StructuredLogger) Debug(msg string, fields map[string]interface{}) {
	l.logWithFields(logrus.DebugLevel, msg, fields)
}

// Info logs an informational message
func (l *StructuredLogger) Info(msg string, fields map[string]interface{}) {
	l.logWithFields(logrus.InfoLevel, msg, fields)
}

// Warn logs a warning
func (l *StructuredLogger) Warn(msg string, fields map[string]interface{}) {
	l.logWithFields(logrus.WarnLevel, msg, fields)
}

// Error logs an error together with err's message
func (l *StructuredLogger) Error(msg string, err error, fields map[string]interface{}) {
	merged := make(map[string]interface{}, len(fields)+1)
	for k, v := range fields {
		merged[k] = v
	}
	if err != nil {
		merged["error"] = err.Error()
	}
	l.logWithFields(logrus.ErrorLevel, msg, merged)
}

// WithContext returns a logger carrying the request fields stored in ctx
func (l *StructuredLogger) WithContext(ctx context.Context) domain.Logger {
	contextFields := l.extractContextFields(ctx)

	mergedFields := make(logrus.Fields, len(l.fields)+len(contextFields))
	for k, v := range l.fields {
		mergedFields[k] = v
	}
	for k, v := range contextFields {
		mergedFields[k] = v
	}

	return &StructuredLogger{
		logger: l.logger,
		fields: mergedFields,
	}
}

// WithFields returns a logger with extra fixed fields
func (l *StructuredLogger) WithFields(fields map[string]interface{}) domain.Logger {
	newFields := make(logrus.Fields, len(l.fields)+len(fields))
	for k, v := range l.fields {
		newFields[k] = v
	}
	for k, v := range fields {
		newFields[k] = v
	}

	return &StructuredLogger{
		logger: l.logger,
		fields: newFields,
	}
}

func (l *StructuredLogger) logWithFields(level logrus.Level, msg string, fields map[string]interface{}) {
	allFields := make(logrus.Fields, len(l.fields)+len(fields)+2)
	for k, v := range l.fields {
		allFields[k] = v
	}
	for k, v := range fields {
		allFields[k] = v
	}

	allFields["component"] = "auth_guard"
	if version := os.Getenv("APP_VERSION"); version != "" {
		allFields["version"] = version
	}

	l.logger.WithFields(allFields).Log(level, msg)
}

func (l *StructuredLogger) extractContextFields(ctx context.Context) logrus.Fields {
	fields := make(logrus.Fields)
	if ctx == nil {
		return fields
	}

	if requestID := ctx.Value(RequestIDKey); requestID != nil {
		fields["request_id"] = requestID
	}
	if ip := ctx.Value(IPKey); ip != nil {
		fields["ip"] = ip
	}
	if endpoint := ctx.Value(EndpointKey); endpoint != nil {
		fields["endpoint"] = endpoint
	}
	if userID := ctx.Value(UserIDKey); userID != nil {
		fields["user_id"] = userID
	}

	return fields
}

// LogSecurityEvent records an authentication or abuse decision
func (l *StructuredLogger) LogSecurityEvent(eventType, identity string, allowed bool, fields map[string]interface{}) {
	merged := make(map[string]interface{}, len(fields)+3)
	for k, v := range fields {
		merged[k] = v
	}
	merged["event_type"] = eventType
	merged["identity"] = identity
	merged["allowed"] = allowed

	if allowed {
		l.Info("Security check passed", merged)
	} else {
		l.Warn("Security check rejected", merged)
	}
}

// ContextWithRequestInfo stores request fields for WithContext to pick up
func ContextWithRequestInfo(ctx context.Context, requestID, ip, endpoint string) context.Context {
	ctx = context.WithValue(ctx, RequestIDKey, requestID)
	ctx = context.WithValue(ctx, IPKey, ip)
	if endpoint != "" {
		ctx = context.WithValue(ctx, EndpointKey, endpoint)
	}
	return ctx
}

// ContextWithUser stores the authenticated user id
func ContextWithUser(ctx context.Context, userID string) context.Context {
	return context.WithValue(ctx, UserIDKey, userID)
}

// GetRequestID extracts the request id from ctx
func GetRequestID(ctx context.Context) string {
	if ctx == nil {
		return ""
	}
	if id, ok := ctx.Value(RequestIDKey).(string); ok {
		return id
	}
	return ""
}

// MaskToken keeps only a short prefix of a credential for logs
func MaskToken(token string) string {
	if token == "" {
		return ""
	}
	if len(token) <= 8 {
		return "***"
	}
	return token[:8] + "***"
}
