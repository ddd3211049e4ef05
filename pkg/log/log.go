package log

import (
	"fmt"

	"github.com/go-logr/logr"
	"github.com/go-logr/zapr"
	"go.uber.org/zap"
	"go.uber.org/zap/zapcore"
)

const logFile = "horde.log"

// Options selects where log lines go and how verbose they are.
type Options struct {
	// File is written in addition to any other outputs. Empty means horde.log
	// unless Stdout is set.
	File   string
	Stdout bool
	// Level is a zap level name: debug, info, warn, error.
	Level string
}

func New(file string) logr.Logger {
	l, err := Build(Options{File: file, Level: "debug"})
	if err != nil {
		panic(err)
	}
	return l
}

func NewStdoutLogger() logr.Logger {
	l, err := Build(Options{Stdout: true, Level: "debug"})
	if err != nil {
		panic(err)
	}
	return l
}

// Build creates a zap production logger wrapped as a logr.Logger.
func Build(opts Options) (logr.Logger, error) {
	zc := zap.NewProductionConfig()
	level := zapcore.DebugLevel
	if opts.Level != "" {
		if err := level.Set(opts.Level); err != nil {
			return logr.Discard(), fmt.Errorf("invalid log level %q: %w", opts.Level, err)
		}
	}
	zc.Level = zap.NewAtomicLevelAt(level)
	zc.DisableStacktrace = true

	var outputs []string
	if opts.Stdout {
		outputs = append(outputs, "stdout")
	}
	if opts.File != "" {
		outputs = append(outputs, opts.File)
	}
	if len(outputs) == 0 {
		outputs = []string{logFile}
	}
	zc.OutputPaths = outputs

	z, err := zc.Build()
	if err != nil {
		return logr.Discard(), err
	}
	return zapr.NewLogger(z), nil
}
