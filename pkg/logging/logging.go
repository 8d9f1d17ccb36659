// Package logging builds zap loggers for hosts and tools. There is no global
// logger; callers construct one and pass it down.
package logging

import (
	stderrors "errors"
	"time"

	"go.uber.org/zap"
	"go.uber.org/zap/zapcore"

	"github.com/objectfs/vfs/pkg/errors"
)

// Config holds logging configuration.
type Config struct {
	Level      string `yaml:"level"`       // debug, info, warn, error
	Format     string `yaml:"format"`      // json, console
	OutputPath string `yaml:"output_path"` // stdout, stderr, or file path
}

// DefaultConfig logs info and above as JSON to stderr.
func DefaultConfig() Config {
	return Config{Level: "info", Format: "json", OutputPath: "stderr"}
}

// New builds a logger from cfg. Unknown levels fall back to info.
func New(cfg Config) (*zap.Logger, error) {
	var level zapcore.Level
	if err := level.UnmarshalText([]byte(cfg.Level)); err != nil {
		level = zapcore.InfoLevel
	}

	var config zap.Config
	if cfg.Format == "console" {
		config = zap.NewDevelopmentConfig()
	} else {
		config = zap.NewProductionConfig()
	}

	config.Level = zap.NewAtomicLevelAt(level)
	if cfg.OutputPath != "" {
		config.OutputPaths = []string{cfg.OutputPath}
		config.ErrorOutputPaths = []string{cfg.OutputPath}
	}

	return config.Build(zap.AddStacktrace(zapcore.ErrorLevel))
}

// NewNop returns a logger that discards everything.
func NewNop() *zap.Logger {
	return zap.NewNop()
}

// OrNop returns l, or a no-op logger when l is nil.
func OrNop(l *zap.Logger) *zap.Logger {
	if l == nil {
		return zap.NewNop()
	}
	return l
}

// Field helpers for common fields.

func Host(tag string) zap.Field {
	return zap.String("host", tag)
}

func Path(p string) zap.Field {
	return zap.String("path", p)
}

func Op(name string) zap.Field {
	return zap.String("op", name)
}

func Duration(d time.Duration) zap.Field {
	return zap.Duration("duration", d)
}

// Err records the error together with its kind and native code.
func Err(err error) zap.Field {
	if err == nil {
		return zap.Skip()
	}
	var e *errors.Error
	if !stderrors.As(err, &e) {
		return zap.Error(err)
	}
	return zap.Object("error", errorMarshaler{e})
}

type errorMarshaler struct{ e *errors.Error }

func (m errorMarshaler) MarshalLogObject(enc zapcore.ObjectEncoder) error {
	enc.AddString("kind", string(m.e.Kind))
	enc.AddString("message", m.e.Message)
	if m.e.Domain != "" && m.e.Domain != errors.DomainVFS {
		enc.AddString("domain", string(m.e.Domain))
	}
	if m.e.Code != 0 {
		enc.AddInt("code", m.e.Code)
	}
	if m.e.Path != "" {
		enc.AddString("path", m.e.Path)
	}
	if m.e.Cause != nil {
		enc.AddString("cause", m.e.Cause.Error())
	}
	return nil
}
