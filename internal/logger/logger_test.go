package logger

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"os"
	"path/filepath"
	"strings"
	"testing"

	"github.com/sirupsen/logrus"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func newBufferLogger(buf *bytes.Buffer, level logrus.Level) *StructuredLogger {
	return &StructuredLogger{
		logger: &logrus.Logger{
			Out:       buf,
			Formatter: &logrus.JSONFormatter{},
			Level:     level,
		},
		fields: make(logrus.Fields),
	}
}

func TestNewLogger(t *testing.T) {
	tests := []struct {
		name     string
		level    string
		format   string
		expected logrus.Level
	}{
		{name: "Debug level JSON format", level: "debug", format: "json", expected: logrus.DebugLevel},
		{name: "Info level text format", level: "info", format: "text", expected: logrus.InfoLevel},
		{name: "Invalid level defaults to info", level: "invalid", format: "json", expected: logrus.InfoLevel},
		{name: "Warn level", level: "warn", format: "json", expected: logrus.WarnLevel},
		{name: "Error level", level: "error", format: "json", expected: logrus.ErrorLevel},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			logger := NewLogger(tt.level, tt.format)
			structLogger, ok := logger.(*StructuredLogger)
			require.True(t, ok)
			assert.Equal(t, tt.expected, structLogger.logger.GetLevel())
		})
	}
}

func TestNewLoggerWithOptions_FileSink(t *testing.T) {
	path := filepath.Join(t.TempDir(), "logs", "guard.log")

	logger := NewLoggerWithOptions(Options{
		Level:  "info",
		Format: "json",
		File:   &FileOptions{Filename: path, MaxSizeMB: 1, MaxBackups: 1, MaxAgeDays: 1},
	})
	logger.Info("written to file", map[string]interface{}{"sink": "file-sink"})

	data, err := os.ReadFile(path)
	require.NoError(t, err)
	assert.Contains(t, string(data), "file-sink")
	assert.Contains(t, string(data), "auth_guard")
}

func TestStructuredLogger_LogLevels(t *testing.T) {
	var buf bytes.Buffer
	structLogger := newBufferLogger(&buf, logrus.DebugLevel)

	tests := []struct {
		name     string
		logFunc  func()
		expected string
	}{
		{
			name:     "Debug log",
			logFunc:  func() { structLogger.Debug("Debug message", map[string]interface{}{"key": "value"}) },
			expected: "debug",
		},
		{
			name:     "Info log",
			logFunc:  func() { structLogger.Info("Info message", map[string]interface{}{"key": "value"}) },
			expected: "info",
		},
		{
			name:     "Warn log",
			logFunc:  func() { structLogger.Warn("Warn message", map[string]interface{}{"key": "value"}) },
			expected: "warning",
		},
		{
			name: "Error log",
			logFunc: func() {
				structLogger.Error("Error message", errors.New("test error"), map[string]interface{}{"key": "value"})
			},
			expected: "error",
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			buf.Reset()
			tt.logFunc()

			output := buf.String()
			assert.Contains(t, output, tt.expected)
			assert.Contains(t, output, "component")
			assert.Contains(t, output, "auth_guard")
		})
	}
}

func TestStructuredLogger_ErrorDoesNotMutateCallerFields(t *testing.T) {
	var buf bytes.Buffer
	structLogger := newBufferLogger(&buf, logrus.DebugLevel)

	fields := map[string]interface{}{"key": "value"}
	structLogger.Error("boom", errors.New("store down"), fields)

	assert.NotContains(t, fields, "error")
	assert.Contains(t, buf.String(), "store down")
}

func TestStructuredLogger_WithContext(t *testing.T) {
	var buf bytes.Buffer
	structLogger := newBufferLogger(&buf, logrus.DebugLevel)

	ctx := ContextWithRequestInfo(context.Background(), "req-123", "192.168.1.1", "GET /api/auth/me")
	ctx = ContextWithUser(ctx, "user-42")

	structLogger.WithContext(ctx).Info("Test message with context", nil)

	output := buf.String()
	assert.Contains(t, output, "req-123")
	assert.Contains(t, output, "192.168.1.1")
	assert.Contains(t, output, "GET /api/auth/me")
	assert.Contains(t, output, "user-42")
}

func TestStructuredLogger_LogSecurityEvent(t *testing.T) {
	var buf bytes.Buffer
	structLogger := newBufferLogger(&buf, logrus.DebugLevel)

	tests := []struct {
		name      string
		eventType string
		identity  string
		allowed   bool
		level     string
	}{
		{name: "Admission passed", eventType: "admission", identity: "192.168.1.1", allowed: true, level: "info"},
		{name: "Identity banned", eventType: "ban", identity: "192.168.1.2", allowed: false, level: "warning"},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			buf.Reset()
			structLogger.LogSecurityEvent(tt.eventType, tt.identity, tt.allowed, map[string]interface{}{"tier": 1})

			var entry map[string]interface{}
			require.NoError(t, json.Unmarshal([]byte(strings.TrimSpace(buf.String())), &entry))
			assert.Equal(t, tt.eventType, entry["event_type"])
			assert.Equal(t, tt.identity, entry["identity"])
			assert.Equal(t, tt.allowed, entry["allowed"])
			assert.Equal(t, tt.level, entry["level"])
		})
	}
}

func TestContextWithRequestInfo(t *testing.T) {
	enriched := ContextWithRequestInfo(context.Background(), "req-456", "10.0.0.1", "")

	assert.Equal(t, "req-456", enriched.Value(RequestIDKey))
	assert.Equal(t, "10.0.0.1", enriched.Value(IPKey))
	assert.Nil(t, enriched.Value(EndpointKey))
}

func TestGetRequestID(t *testing.T) {
	tests := []struct {
		name     string
		ctx      context.Context
		expected string
	}{
		{name: "Nil context", ctx: nil, expected: ""},
		{name: "Context without request ID", ctx: context.Background(), expected: ""},
		{name: "Context with request ID", ctx: context.WithValue(context.Background(), RequestIDKey, "req-789"), expected: "req-789"},
		{name: "Context with invalid request ID type", ctx: context.WithValue(context.Background(), RequestIDKey, 123), expected: ""},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			assert.Equal(t, tt.expected, GetRequestID(tt.ctx))
		})
	}
}

func TestMaskToken(t *testing.T) {
	assert.Equal(t, "", MaskToken(""))
	assert.Equal(t, "***", MaskToken("short"))
	assert.Equal(t, "eyJhbGci***", MaskToken("eyJhbGciOiJFZERTQSJ9.payload.sig"))
}

func TestStructuredLogger_JSONFormat(t *testing.T) {
	var buf bytes.Buffer
	structLogger := newBufferLogger(&buf, logrus.InfoLevel)

	structLogger.Info("Test JSON format", map[string]interface{}{
		"test_field": "test_value",
		"number":     123,
	})

	var logEntry map[string]interface{}
	require.NoError(t, json.Unmarshal([]byte(strings.TrimSpace(buf.String())), &logEntry))

	assert.Contains(t, logEntry, "msg")
	assert.Contains(t, logEntry, "level")
	assert.Equal(t, "auth_guard", logEntry["component"])
	assert.Equal(t, "test_value", logEntry["test_field"])
	assert.Equal(t, float64(123), logEntry["number"])
}
