package utils

import (
	"bufio"
	"context"
	"fmt"
	"net"
	"net/http"
	"os"
	"path/filepath"
	"time"

	"github.com/google/uuid"
	"go.uber.org/zap"
	"go.uber.org/zap/zapcore"
	"gopkg.in/natefinch/lumberjack.v2"
)

type ctxKey string

const RequestIDKey ctxKey = "request_id"

var (
	Logger = zap.NewNop().Sugar()
)

// Initialize logging system
func InitLogger(level, dir string) error {
	var lvl zapcore.Level
	if err := lvl.UnmarshalText([]byte(level)); err != nil {
		return fmt.Errorf("invalid log level %q: %w", level, err)
	}

	// Configure log rotation
	logRotation := &lumberjack.Logger{
		Filename:   filepath.Join(dir, "app.log"),
		MaxSize:    100, // megabytes
		MaxAge:     7,   // days
		MaxBackups: 5,
		Compress:   true,
		LocalTime:  true,
	}

	config := zap.NewProductionEncoderConfig()
	config.TimeKey = "timestamp"
	config.EncodeTime = zapcore.ISO8601TimeEncoder
	config.EncodeLevel = zapcore.CapitalLevelEncoder
	config.StacktraceKey = "stacktrace"
	config.CallerKey = "caller"

	jsonEncoder := zapcore.NewJSONEncoder(config)

	highPriority := zap.LevelEnablerFunc(func(l zapcore.Level) bool {
		return l >= zapcore.ErrorLevel && l >= lvl
	})
	lowPriority := zap.LevelEnablerFunc(func(l zapcore.Level) bool {
		return l < zapcore.ErrorLevel && l >= lvl
	})

	core := zapcore.NewTee(
		// Error and above go to error log file
		zapcore.NewCore(jsonEncoder,
			zapcore.AddSync(&lumberjack.Logger{
				Filename:   filepath.Join(dir, "error.log"),
				MaxSize:    100,
				MaxBackups: 3,
				MaxAge:     7,
				Compress:   true,
			}),
			highPriority,
		),
		zapcore.NewCore(jsonEncoder,
			zapcore.AddSync(logRotation),
			lowPriority,
		),
		zapcore.NewCore(jsonEncoder,
			zapcore.AddSync(os.Stdout),
			lvl,
		),
	)

	logger := zap.New(core,
		zap.AddCaller(),
		zap.AddStacktrace(zapcore.ErrorLevel),
	)

	Logger = logger.Sugar()
	return nil
}

// Sync flushes buffered log entries.
func Sync() {
	_ = Logger.Sync()
}

// RequestLogger middleware for HTTP request logging
func RequestLogger(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		start := time.Now()
		requestID := uuid.New().String()
		ctx := context.WithValue(r.Context(), RequestIDKey, requestID)

		rw := &responseWriter{ResponseWriter: w, status: http.StatusOK}
		next.ServeHTTP(rw, r.WithContext(ctx))

		Logger.Infow("Request completed",
			"request_id", requestID,
			"method", r.Method,
			"path", r.URL.Path,
			"status", rw.status,
			"remote_addr", r.RemoteAddr,
			"duration_ms", time.Since(start).Milliseconds(),
		)
	})
}

// Error logs an error with stack trace
func Error(err error, msg string, fields ...interface{}) {
	Logger.Errorw(msg,
		append([]interface{}{
			"error", err,
		}, fields...)...,
	)
}

// Custom response writer to capture status code
type responseWriter struct {
	http.ResponseWriter
	status int
}

func (rw *responseWriter) WriteHeader(code int) {
	rw.status = code
	rw.ResponseWriter.WriteHeader(code)
}

// Hijack lets websocket upgrades pass through the logging middleware.
func (rw *responseWriter) Hijack() (net.Conn, *bufio.ReadWriter, error) {
	h, ok := rw.ResponseWriter.(http.Hijacker)
	if !ok {
		return nil, nil, fmt.Errorf("response writer does not support hijacking")
	}
	return h.Hijack()
}
