// Package log provides structured logging for the analysis engine using zap.
package log

import (
	"sync"

	"go.uber.org/zap"
	"go.uber.org/zap/zapcore"
)

// Logger wraps zap.Logger with engine-specific helpers.
type Logger struct {
	*zap.Logger
	onToken func(instanceID uint32, pc uint64, str string) // mainly for tests
}

var (
	// L is the global logger instance.
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

// SetOnToken installs a callback fired whenever a token is inserted into the
// store, independent of the zap output.
func (l *Logger) SetOnToken(fn func(instanceID uint32, pc uint64, str string)) {
	l.onToken = fn
}

// Token logs a token insertion and fires the onToken callback if set.
func (l *Logger) Token(instanceID uint32, pc uint64, str string, forkHierarchy []int) {
	if l.onToken != nil {
		l.onToken(instanceID, pc, str)
	}
	l.Debug("token",
		zap.Uint32("instance", instanceID),
		Addr(pc),
		zap.String("str", str),
		zap.Ints("fork", forkHierarchy),
	)
}

// InstanceSpawn logs creation of a root or forked instance. parentID < 0
// means the instance is a root.
func (l *Logger) InstanceSpawn(instanceID uint32, parentID int64, startAddr uint64) {
	fields := []zap.Field{zap.Uint32("instance", instanceID), Addr(startAddr)}
	if parentID >= 0 {
		fields = append(fields, zap.Int64("parent", parentID))
	}
	l.Info("instance spawned", fields...)
}

// InstanceTerminate logs why an instance stopped.
func (l *Logger) InstanceTerminate(instanceID uint32, reason string, pc uint64) {
	l.Info("instance terminated",
		zap.Uint32("instance", instanceID),
		zap.String("reason", reason),
		Addr(pc),
	)
}

// Fork logs a speculative fork at an unresolved branch.
func (l *Logger) Fork(parentID, childID uint32, pc uint64) {
	l.Info("fork",
		zap.Uint32("parent", parentID),
		zap.Uint32("child", childID),
		Addr(pc),
	)
}

// Converge logs convergence detection at an origin address.
func (l *Logger) Converge(instanceID uint32, origin, termBlock uint64) {
	l.Info("converge",
		zap.Uint32("instance", instanceID),
		Addr(origin),
		zap.String("term_block", Hex(termBlock)),
	)
}

// StubInstall logs when an import interpreter is installed at a slot address.
func (l *Logger) StubInstall(category, name string, addr uint64, source string) {
	l.Debug("installed",
		zap.String("cat", category),
		zap.String("fn", name),
		Addr(addr),
		zap.String("src", source),
	)
}

// StubFallback logs when the bare-Func fallback interpreter fires.
func (l *Logger) StubFallback(name string) {
	l.Debug("fallback",
		zap.String("fn", name),
	)
}

// DetectorActivate logs when a detector is activated.
func (l *Logger) DetectorActivate(name, description string) {
	l.Info("detector",
		zap.String("name", name),
		zap.String("desc", description),
	)
}

// DetectorRegister logs when a detector is registered.
func (l *Logger) DetectorRegister(name, description string, patterns []string) {
	l.Debug("detector registered",
		zap.String("name", name),
		zap.String("desc", description),
		zap.Strings("patterns", patterns),
	)
}

// WithCategory returns a logger with the category field preset.
func (l *Logger) WithCategory(category string) *Logger {
	return &Logger{
		Logger:  l.Logger.With(zap.String("cat", category)),
		onToken: l.onToken,
	}
}

// Hex formats a uint64 as a hex string for logging.
func Hex(addr uint64) string {
	return "0x" + hexString(addr)
}

func hexString(v uint64) string {
	const digits = "0123456789abcdef"
	if v == 0 {
		return "0"
	}
	buf := make([]byte, 16)
	i := len(buf)
	for v > 0 {
		i--
		buf[i] = digits[v&0xf]
		v >>= 4
	}
	return string(buf[i:])
}

// Field helpers for common patterns.

// Addr creates an address field.
func Addr(addr uint64) zap.Field {
	return zap.String("addr", Hex(addr))
}

// Size creates a size field.
func Size(size uint64) zap.Field {
	return zap.Uint64("size", size)
}

// Ptr creates a pointer field.
func Ptr(name string, ptr uint64) zap.Field {
	return zap.String(name, Hex(ptr))
}

// Fn creates a function name field.
func Fn(name string) zap.Field {
	return zap.String("fn", name)
}
