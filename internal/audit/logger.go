package audit

import (
	"context"
	"encoding/json"
	"fmt"
	"os"
	"sync"
	"time"

	"go.uber.org/zap"
	"go.uber.org/zap/zapcore"
	"gopkg.in/natefinch/lumberjack.v2"
)

// Logger defines the interface for audit logging
type Logger interface {
	// Log logs an audit event
	Log(ctx context.Context, event *Event) error

	// LogSession logs reasoning session lifecycle events
	LogSessionStarted(ctx context.Context, sessionID string) error
	LogSessionCompleted(ctx context.Context, sessionID string, duration time.Duration) error
	LogSessionFailed(ctx context.Context, sessionID string, stage string, err error) error
	LogSessionCancelled(ctx context.Context, sessionID string) error

	// LogStage logs per-stage lifecycle events
	LogStageStarted(ctx context.Context, sessionID, stage string) error
	LogStageCompleted(ctx context.Context, sessionID, stage string, duration time.Duration) error

	// LogLLMSchemaFailure records an exhausted structured-generation retry budget
	LogLLMSchemaFailure(ctx context.Context, sessionID, stage string, attempts int, err error) error

	// Sync flushes buffered log entries
	Sync() error

	// Close closes the audit logger
	Close() error
}

// Config represents audit logger configuration
type Config struct {
	// AuditLogPath is the path to the audit log file
	AuditLogPath string

	// AppLogPath is the path to the application log file
	AppLogPath string

	// MaxSize is the maximum size in megabytes before rotation
	MaxSize int

	// MaxBackups is the maximum number of old log files to retain
	MaxBackups int

	// MaxAge is the maximum number of days to retain old log files
	MaxAge int

	// Compress determines if rotated files should be compressed
	Compress bool

	// LogLevel is the minimum log level (debug, info, warn, error)
	LogLevel string
}

// DefaultConfig returns default audit logger configuration
func DefaultConfig() *Config {
	return &Config{
		AuditLogPath: "logs/audit.log",
		AppLogPath:   "logs/app.log",
		MaxSize:      100, // megabytes
		MaxBackups:   10,
		MaxAge:       30, // days
		Compress:     true,
		LogLevel:     "info",
	}
}

// auditLogger implements the Logger interface
type auditLogger struct {
	appLogger   *zap.Logger
	auditLogger *zap.Logger
	config      *Config
	mu          sync.Mutex
	buffer      []*Event
	flushTicker *time.Ticker
	stopCh      chan struct{}
}

// NewLogger creates a new audit logger
func NewLogger(config *Config) (Logger, error) {
	if config == nil {
		config = DefaultConfig()
	}

	// Parse log level
	level, err := zapcore.ParseLevel(config.LogLevel)
	if err != nil {
		return nil, fmt.Errorf("invalid log level %s: %w", config.LogLevel, err)
	}

	// Create encoder config
	encoderConfig := zapcore.EncoderConfig{
		TimeKey:        "timestamp",
		LevelKey:       "level",
		NameKey:        "logger",
		CallerKey:      "caller",
		MessageKey:     "message",
		StacktraceKey:  "stacktrace",
		LineEnding:     zapcore.DefaultLineEnding,
		EncodeLevel:    zapcore.LowercaseLevelEncoder,
		EncodeTime:     zapcore.ISO8601TimeEncoder,
		EncodeDuration: zapcore.SecondsDurationEncoder,
		EncodeCaller:   zapcore.ShortCallerEncoder,
	}

	// Create application logger with rotation
	appRotator := &lumberjack.Logger{
		Filename:   config.AppLogPath,
		MaxSize:    config.MaxSize,
		MaxBackups: config.MaxBackups,
		MaxAge:     config.MaxAge,
		Compress:   config.Compress,
	}

	appCore := zapcore.NewCore(
		zapcore.NewJSONEncoder(encoderConfig),
		zapcore.AddSync(appRotator),
		level,
	)

	appLogger := zap.New(appCore, zap.AddCaller(), zap.AddStacktrace(zapcore.ErrorLevel))

	// Create audit logger with rotation (always INFO level, append-only)
	auditRotator := &lumberjack.Logger{
		Filename:   config.AuditLogPath,
		MaxSize:    config.MaxSize,
		MaxBackups: config.MaxBackups,
		MaxAge:     config.MaxAge,
		Compress:   config.Compress,
	}

	auditCore := zapcore.NewCore(
		zapcore.NewJSONEncoder(encoderConfig),
		zapcore.AddSync(auditRotator),
		zapcore.InfoLevel, // Audit logs are always INFO level
	)

	auditZapLogger := zap.New(auditCore)

	// Create the logger instance
	logger := &auditLogger{
		appLogger:   appLogger,
		auditLogger: auditZapLogger,
		config:      config,
		buffer:      make([]*Event, 0, 100),
		flushTicker: time.NewTicker(1 * time.Second),
		stopCh:      make(chan struct{}),
	}

	// Start auto-flush goroutine
	go logger.autoFlush()

	return logger, nil
}

// Log logs an audit event
func (l *auditLogger) Log(ctx context.Context, event *Event) error {
	l.mu.Lock()
	defer l.mu.Unlock()

	// Add to buffer
	l.buffer = append(l.buffer, event)

	// Flush if buffer is full
	if len(l.buffer) >= 100 {
		return l.flushLocked()
	}

	return nil
}

// flushLocked flushes the buffer (caller must hold lock)
func (l *auditLogger) flushLocked() error {
	if len(l.buffer) == 0 {
		return nil
	}

	// Write all buffered events
	for _, event := range l.buffer {
		eventJSON, err := json.Marshal(event)
		if err != nil {
			l.appLogger.Error("failed to marshal audit event",
				zap.Error(err),
				zap.String("event_type", string(event.EventType)),
			)
			continue
		}

		l.auditLogger.Info(string(eventJSON),
			zap.String("correlation_id", event.CorrelationID),
			zap.String("event_type", string(event.EventType)),
			zap.String("result", string(event.Result)),
		)
	}

	// Clear buffer
	l.buffer = l.buffer[:0]

	return nil
}

// autoFlush periodically flushes the buffer
func (l *auditLogger) autoFlush() {
	for {
		select {
		case <-l.flushTicker.C:
			l.mu.Lock()
			_ = l.flushLocked()
			l.mu.Unlock()
		case <-l.stopCh:
			return
		}
	}
}

// LogSessionStarted logs when a reasoning session starts
func (l *auditLogger) LogSessionStarted(ctx context.Context, sessionID string) error {
	event := NewEvent(EventSessionStarted).
		WithCorrelationID(sessionID).
		WithResult(ResultSuccess).
		WithDescription(fmt.Sprintf("session %s started", sessionID))

	return l.Log(ctx, event)
}

// LogSessionCompleted logs when a reasoning session completes
func (l *auditLogger) LogSessionCompleted(ctx context.Context, sessionID string, duration time.Duration) error {
	event := NewEvent(EventSessionCompleted).
		WithCorrelationID(sessionID).
		WithResult(ResultSuccess).
		WithDuration(duration).
		WithDescription(fmt.Sprintf("session %s completed", sessionID))

	return l.Log(ctx, event)
}

// LogSessionFailed logs when a reasoning session fails at a given stage
func (l *auditLogger) LogSessionFailed(ctx context.Context, sessionID string, stage string, err error) error {
	event := NewEvent(EventSessionFailed).
		WithCorrelationID(sessionID).
		WithError(err, "session_error").
		WithMetadata("stage", stage).
		WithDescription(fmt.Sprintf("session %s failed at stage %s", sessionID, stage))

	return l.Log(ctx, event)
}

// LogSessionCancelled logs when a reasoning session is cancelled
func (l *auditLogger) LogSessionCancelled(ctx context.Context, sessionID string) error {
	event := NewEvent(EventSessionCancelled).
		WithCorrelationID(sessionID).
		WithResult(ResultDenied).
		WithDescription(fmt.Sprintf("session %s cancelled", sessionID))

	return l.Log(ctx, event)
}

// LogStageStarted logs when a pipeline stage begins
func (l *auditLogger) LogStageStarted(ctx context.Context, sessionID, stage string) error {
	event := NewEvent(EventStageStarted).
		WithCorrelationID(sessionID).
		WithAction(stage).
		WithResult(ResultPending).
		WithDescription(fmt.Sprintf("stage %s started for session %s", stage, sessionID))

	return l.Log(ctx, event)
}

// LogStageCompleted logs when a pipeline stage finishes
func (l *auditLogger) LogStageCompleted(ctx context.Context, sessionID, stage string, duration time.Duration) error {
	event := NewEvent(EventStageCompleted).
		WithCorrelationID(sessionID).
		WithAction(stage).
		WithResult(ResultSuccess).
		WithDuration(duration).
		WithDescription(fmt.Sprintf("stage %s completed for session %s", stage, sessionID))

	return l.Log(ctx, event)
}

// LogLLMSchemaFailure records a structured-generation retry budget exhaustion
func (l *auditLogger) LogLLMSchemaFailure(ctx context.Context, sessionID, stage string, attempts int, err error) error {
	event := NewEvent(EventLLMSchemaFailed).
		WithCorrelationID(sessionID).
		WithAction(stage).
		WithError(err, "llm_schema_error").
		WithMetadata("attempts", attempts).
		WithDescription(fmt.Sprintf("stage %s exhausted schema-validation retries for session %s", stage, sessionID))

	return l.Log(ctx, event)
}

// Sync flushes buffered log entries
func (l *auditLogger) Sync() error {
	l.mu.Lock()
	defer l.mu.Unlock()

	if err := l.flushLocked(); err != nil {
		return err
	}

	if err := l.auditLogger.Sync(); err != nil {
		return err
	}

	return l.appLogger.Sync()
}

// Close closes the audit logger
func (l *auditLogger) Close() error {
	close(l.stopCh)
	l.flushTicker.Stop()

	if err := l.Sync(); err != nil {
		return err
	}

	return nil
}

// GetCorrelationID extracts correlation ID from context
func GetCorrelationID(ctx context.Context) string {
	if id, ok := ctx.Value("correlation_id").(string); ok {
		return id
	}
	return ""
}

// WithCorrelationID adds correlation ID to context
func WithCorrelationID(ctx context.Context, id string) context.Context {
	return context.WithValue(ctx, "correlation_id", id)
}

// GenerateCorrelationID generates a new correlation ID
func GenerateCorrelationID() string {
	return fmt.Sprintf("%d-%d", time.Now().UnixNano(), os.Getpid())
}
