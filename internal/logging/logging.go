// Package logging configures the process-wide zerolog logger.
package logging

import (
	"fmt"
	"io"
	"os"
	"time"

	"github.com/rs/zerolog"
	lumberjack "gopkg.in/natefinch/lumberjack.v2"
)

type Options struct {
	Level string
	// File additionally receives every record through a rotating writer.
	File string
	// Systemd selects plain JSON output for the journal. It defaults to
	// whether INVOCATION_ID is set.
	Systemd bool
	Output  io.Writer
}

func OptionsFromEnv(level, file string) Options {
	return Options{
		Level:   level,
		File:    file,
		Systemd: os.Getenv("INVOCATION_ID") != "",
		Output:  os.Stdout,
	}
}

// Setup builds the root logger. The returned closer flushes the log file.
func Setup(opts Options) (zerolog.Logger, io.Closer, error) {
	level, err := zerolog.ParseLevel(opts.Level)
	if err != nil {
		return zerolog.Nop(), nil, fmt.Errorf("invalid log level %q: %w", opts.Level, err)
	}
	if level == zerolog.NoLevel {
		level = zerolog.InfoLevel
	}
	zerolog.SetGlobalLevel(level)

	out := opts.Output
	if out == nil {
		out = os.Stdout
	}
	if !opts.Systemd {
		out = zerolog.ConsoleWriter{Out: out, TimeFormat: time.DateTime}
	}

	var closer io.Closer = nopCloser{}
	if opts.File != "" {
		file := &lumberjack.Logger{
			Filename:   opts.File,
			MaxSize:    1,
			MaxBackups: 2,
		}
		out = zerolog.MultiLevelWriter(out, file)
		closer = file
	}

	ctx := zerolog.New(out).With()
	if !opts.Systemd {
		// the journal stamps records itself
		ctx = ctx.Timestamp()
	}
	return ctx.Logger().Level(level), closer, nil
}

type nopCloser struct{}

func (nopCloser) Close() error { return nil }
