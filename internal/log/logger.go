// Package log provides structured logging for tarsier using zap.
package log

import (
	"strconv"
	"sync"

	"go.uber.org/zap"
	"go.uber.org/zap/zapcore"
)

// Logger wraps zap.Logger with emulator-specific helpers.
type Logger struct {
	*zap.Logger
}

var (
	// L is the global logger instance. It is a no-op until Init runs.
	L    = NewNop()
	once sync.Once
)

// Init initializes the global logger. Only the first call takes effect.
func Init(debug bool) {
	once.Do(func() {
		L = New(debug)
	})
}

// New creates a Logger. Debug builds a colored development logger, otherwise
// a production logger at info level.
func New(debug bool) *Logger {
	var cfg zap.Config
	if debug {
		cfg = zap.NewDevelopmentConfig()
		cfg.EncoderConfig.EncodeLevel = zapcore.CapitalColorLevelEncoder
	} else {
		cfg = zap.NewProductionConfig()
		cfg.Level = zap.NewAtomicLevelAt(zap.InfoLevel)
	}
	cfg.EncoderConfig.TimeKey = "ts"
	cfg.EncoderConfig.EncodeTime = zapcore.ISO8601TimeEncoder

	logger, err := cfg.Build(zap.AddCallerSkip(1))
	if err != nil {
		logger = zap.NewNop()
	}
	return &Logger{Logger: logger}
}

// NewNop creates a no-op logger for testing.
func NewNop() *Logger {
	return &Logger{Logger: zap.NewNop()}
}

// Event reports a stub or runtime event at the given call site.
func (l *Logger) Event(pc uint64, category, name, detail string) {
	l.Debug("call",
		zap.String("cat", category),
		zap.String("fn", name),
		zap.String("detail", detail),
		Addr(pc),
	)
}

// StubInstall logs when a stub is bound to an address.
func (l *Logger) StubInstall(category, name string, addr uint64) {
	l.Debug("installed",
		zap.String("cat", category),
		Fn(name),
		Addr(addr),
	)
}

// StubFallback logs when an unresolved import is called.
func (l *Logger) StubFallback(name string) {
	l.Debug("fallback", Fn(name), zap.String("ret", "0"))
}

// Hex formats a uint64 as a 0x-prefixed hex string.
func Hex(v uint64) string {
	return "0x" + strconv.FormatUint(v, 16)
}

// Addr creates an address field.
func Addr(addr uint64) zap.Field {
	return zap.String("addr", Hex(addr))
}

// Size creates a size field.
func Size(size uint64) zap.Field {
	return zap.Uint64("size", size)
}

// Ptr creates a named pointer field.
func Ptr(name string, ptr uint64) zap.Field {
	return zap.String(name, Hex(ptr))
}

// Fn creates a function name field.
func Fn(name string) zap.Field {
	return zap.String("fn", name)
}

// Sel creates a selector field.
func Sel(name string) zap.Field {
	return zap.String("sel", name)
}

// Class creates a class name field.
func Class(name string) zap.Field {
	return zap.String("class", name)
}

// Module creates a module name field.
func Module(name string) zap.Field {
	return zap.String("module", name)
}
