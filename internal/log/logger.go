// Package log provides structured logging for the toolkit using zap.
package log

import (
	"sync"

	"go.uber.org/zap"
	"go.uber.org/zap/zapcore"
)

// Logger wraps zap.Logger with toolkit-specific helpers.
type Logger struct {
	*zap.Logger
}

var (
	// L is the global logger instance. Library code treats a nil L as
	// logging disabled.
	L    *Logger
	once sync.Once
)

// Init initializes the global logger with the given configuration.
// Safe to call multiple times; only the first call takes effect.
func Init(debug bool) {
	once.Do(func() {
		L = New(debug)
	})
}

// New creates a new Logger instance.
func New(debug bool) *Logger {
	var cfg zap.Config
	if debug {
		cfg = zap.NewDevelopmentConfig()
		cfg.EncoderConfig.EncodeLevel = zapcore.CapitalColorLevelEncoder
	} else {
		cfg = zap.NewProductionConfig()
		cfg.Level = zap.NewAtomicLevelAt(zap.WarnLevel)
	}

	// ISO8601 timestamps under the "ts" key, in both modes
	cfg.EncoderConfig.TimeKey = "ts"
	cfg.EncoderConfig.EncodeTime = zapcore.ISO8601TimeEncoder

	logger, err := cfg.Build(zap.AddCallerSkip(1))
	if err != nil {
		// Fallback to no-op if config fails
		logger = zap.NewNop()
	}

	return &Logger{Logger: logger}
}

// NewNop creates a no-op logger for testing.
func NewNop() *Logger {
	return &Logger{Logger: zap.NewNop()}
}

// Hex formats a uint32 as a hex string.
func Hex(v uint32) string {
	const digits = "0123456789abcdef"
	if v == 0 {
		return "0x0"
	}
	buf := make([]byte, 8)
	i := len(buf)
	for v > 0 {
		i--
		buf[i] = digits[v&0xf]
		v >>= 4
	}
	return "0x" + string(buf[i:])
}

// Field helpers for common patterns.

// Addr creates a code-address field.
func Addr(addr uint32) zap.Field {
	return zap.String("addr", Hex(addr))
}

// Sym creates a symbol-name field.
func Sym(name string) zap.Field {
	return zap.String("sym", name)
}

// Op creates an opcode field.
func Op(name string) zap.Field {
	return zap.String("op", name)
}

// Offset creates a byte-offset field.
func Offset(off int) zap.Field {
	return zap.Int("offset", off)
}
