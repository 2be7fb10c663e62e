// Package log provides the process-wide leveled logger used across the
// coordinator, in the style of the teacher's util.Logger: a single
// package-level Logger variable, configured once at startup and passed
// down by value (as a log.Logger interface) everywhere else.
package log

import (
	"context"
	"flag"
	"fmt"
	"os"

	"github.com/go-kit/log"
	"github.com/go-kit/log/level"
	"github.com/opentracing/opentracing-go"
)

var Logger log.Logger = log.NewNopLogger()

// Config controls how the process logger is constructed.
type Config struct {
	Level  string `yaml:"log_level"`
	Format string `yaml:"log_format"`
}

// RegisterFlags registers the -log.level and -log.format flags.
func (cfg *Config) RegisterFlags(f *flag.FlagSet) {
	f.StringVar(&cfg.Level, "log.level", "info", "Only log messages with the given severity or above. One of: [debug, info, warn, error]")
	f.StringVar(&cfg.Format, "log.format", "logfmt", "Output log messages in the given format. One of: [logfmt, json]")
}

// InitLogger builds the process-wide Logger from cfg and installs it as
// the package-level Logger, wrapping it with caller information and a
// timestamp the way the teacher's server initialization does.
func InitLogger(cfg *Config) {
	var l log.Logger
	if cfg.Format == "json" {
		l = log.NewJSONLogger(log.NewSyncWriter(os.Stderr))
	} else {
		l = log.NewLogfmtLogger(log.NewSyncWriter(os.Stderr))
	}

	l = level.NewFilter(l, levelOption(cfg.Level))
	l = log.With(l, "ts", log.DefaultTimestampUTC, "caller", log.Caller(5))

	Logger = l
}

func levelOption(lvl string) level.Option {
	switch lvl {
	case "debug":
		return level.AllowDebug()
	case "warn":
		return level.AllowWarn()
	case "error":
		return level.AllowError()
	default:
		return level.AllowInfo()
	}
}

// CheckFatal logs err at error level with the given location and exits
// the process with status 1. It is a no-op when err is nil.
func CheckFatal(location string, err error) {
	if err == nil {
		return
	}
	logger := level.Error(Logger)
	if location != "" {
		logger = log.With(logger, "msg", "error "+location)
	}
	logger.Log("err", fmt.Sprintf("%+v", err))
	os.Exit(1)
}

// WithContext returns a Logger that annotates every line with the trace
// id of the span found in ctx, if any, falling back to the given base
// logger otherwise.
func WithContext(ctx context.Context, base log.Logger) log.Logger {
	span := opentracing.SpanFromContext(ctx)
	if span == nil {
		return base
	}
	sctx, ok := span.Context().(interface{ TraceID() string })
	if !ok {
		return base
	}
	return log.With(base, "trace_id", sctx.TraceID())
}
