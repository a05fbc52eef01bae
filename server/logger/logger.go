package logger

import (
	"log"
	"os"
	"sync/atomic"

	"github.com/fatih/color"
	"github.com/natefinch/lumberjack"
	"go.uber.org/zap"
	"go.uber.org/zap/zapcore"
)

var (
	Red     = color.New(color.FgRed).SprintFunc()
	Yellow  = color.New(color.FgYellow).SprintFunc()
	Green   = color.New(color.FgGreen).SprintFunc()
	Blue    = color.New(color.FgBlue).SprintFunc()
	Magenta = color.New(color.FgMagenta).SprintFunc()
)

// Options controls where logs go. The zero value logs to stderr at debug level.
type Options struct {
	Level string
	// File, when set, receives a copy of every entry and is rotated by size.
	File       string
	MaxSizeMB  int
	MaxBackups int
}

var (
	current atomic.Value // zapcore.Core
	base    *zap.SugaredLogger
)

func init() {
	current.Store(buildCore(Options{}))
	base = zap.New(&sharedCore{}, zap.Development(), zap.AddCaller(), zap.AddStacktrace(zapcore.WarnLevel)).Sugar()
}

// NewLogger returns the process logger. Every logger derived from it follows
// the last Configure call, including ones created before it.
func NewLogger() *zap.SugaredLogger {
	return base
}

// Configure replaces the level and outputs of every logger in the process.
func Configure(opts Options) {
	previous, _ := current.Load().(zapcore.Core)
	current.Store(buildCore(opts))

	// flushes buffer, if any
	if previous != nil {
		previous.Sync()
	}
}

// Component returns a logger whose messages are prefixed with a colored [name] tag.
func Component(base *zap.SugaredLogger, name string, colorFn func(a ...interface{}) string) *zap.SugaredLogger {
	if colorFn == nil {
		colorFn = Yellow
	}
	return base.Named(colorFn(name))
}

func buildCore(opts Options) zapcore.Core {
	level := zap.NewAtomicLevelAt(zapcore.DebugLevel)
	if opts.Level != "" {
		if err := level.UnmarshalText([]byte(opts.Level)); err != nil {
			log.Printf("unknown log level %q, using debug", opts.Level)
		}
	}

	consoleConfig := zap.NewDevelopmentEncoderConfig()
	consoleConfig.EncodeLevel = zapcore.CapitalColorLevelEncoder
	core := zapcore.NewCore(zapcore.NewConsoleEncoder(consoleConfig), zapcore.Lock(os.Stderr), level)

	if opts.File == "" {
		return core
	}

	fileEncoderConfig := zap.NewProductionEncoderConfig()
	fileEncoderConfig.EncodeTime = zapcore.ISO8601TimeEncoder

	rotator := &lumberjack.Logger{
		Filename:   opts.File,
		MaxSize:    defaultInt(opts.MaxSizeMB, 50),
		MaxBackups: defaultInt(opts.MaxBackups, 3),
	}
	fileCore := zapcore.NewCore(zapcore.NewJSONEncoder(fileEncoderConfig), zapcore.AddSync(rotator), level)
	return zapcore.NewTee(core, fileCore)
}

// sharedCore forwards to whatever core Configure installed last.
type sharedCore struct {
	fields []zapcore.Field
}

func (c *sharedCore) core() zapcore.Core {
	core := current.Load().(zapcore.Core)
	if len(c.fields) > 0 {
		return core.With(c.fields)
	}
	return core
}

func (c *sharedCore) Enabled(level zapcore.Level) bool {
	return c.core().Enabled(level)
}

func (c *sharedCore) With(fields []zapcore.Field) zapcore.Core {
	merged := make([]zapcore.Field, 0, len(c.fields)+len(fields))
	merged = append(merged, c.fields...)
	return &sharedCore{fields: append(merged, fields...)}
}

func (c *sharedCore) Check(entry zapcore.Entry, checked *zapcore.CheckedEntry) *zapcore.CheckedEntry {
	if c.Enabled(entry.Level) {
		return checked.AddCore(entry, c)
	}
	return checked
}

func (c *sharedCore) Write(entry zapcore.Entry, fields []zapcore.Field) error {
	return c.core().Write(entry, fields)
}

func (c *sharedCore) Sync() error {
	return c.core().Sync()
}

func defaultInt(value, fallback int) int {
	if value <= 0 {
		return fallback
	}
	return value
}
