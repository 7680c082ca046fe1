// Package logging wraps zerolog behind the small structured-logger surface
// the coordinator uses: service-scoped construction, field chaining, and a
// subgraph-scoped child logger for everything the walker and registry emit.
package logging

import (
	"fmt"
	"io"
	"os"
	"runtime"
	"time"

	"github.com/rs/zerolog"
)

// LogLevel names a zerolog severity.
type LogLevel string

const (
	LevelDebug LogLevel = "debug"
	LevelInfo  LogLevel = "info"
	LevelWarn  LogLevel = "warn"
	LevelError LogLevel = "error"
	LevelFatal LogLevel = "fatal"
)

// Logger is a zerolog.Logger with the coordinator's field conventions
// baked in. Child loggers share the parent's writer and accumulate fields.
type Logger struct {
	logger  zerolog.Logger
	service string
}

// Config holds logger construction options.
type Config struct {
	Level       LogLevel
	Service     string
	Environment string
	Output      io.Writer
	PrettyLog   bool
	AddCaller   bool
}

// DefaultConfig returns the logger configuration indexerd ships with:
// info-level JSON to stdout, console-rendered in development.
func DefaultConfig(service string) *Config {
	env := envOr("ENVIRONMENT", "development")
	return &Config{
		Level:       LevelInfo,
		Service:     service,
		Environment: env,
		Output:      os.Stdout,
		PrettyLog:   env == "development",
		AddCaller:   true,
	}
}

// NewLogger builds a Logger from config; a nil config gets defaults.
func NewLogger(config *Config) *Logger {
	if config == nil {
		config = DefaultConfig("unknown")
	}

	zerolog.TimeFieldFormat = time.RFC3339Nano
	zerolog.SetGlobalLevel(parseLevel(config.Level))

	var output io.Writer = config.Output
	if output == nil {
		output = os.Stdout
	}
	if config.PrettyLog {
		output = zerolog.ConsoleWriter{
			Out:        output,
			TimeFormat: "15:04:05.000",
		}
	}

	logger := zerolog.New(output).
		With().
		Timestamp().
		Str("service", config.Service).
		Str("environment", config.Environment).
		Logger()

	if config.AddCaller {
		logger = logger.With().Caller().Logger()
	}

	return &Logger{logger: logger, service: config.Service}
}

// WithField returns a child logger carrying one extra field.
func (l *Logger) WithField(key string, value interface{}) *Logger {
	return &Logger{
		logger:  l.logger.With().Interface(key, value).Logger(),
		service: l.service,
	}
}

// WithFields returns a child logger carrying every given field.
func (l *Logger) WithFields(fields map[string]interface{}) *Logger {
	return &Logger{
		logger:  l.logger.With().Fields(fields).Logger(),
		service: l.service,
	}
}

// WithSubgraph scopes the logger to a single subgraph id, the grain at which
// the coordinator reasons about concurrency, retries, and cancellation.
func (l *Logger) WithSubgraph(id string) *Logger {
	return l.WithField("subgraph_id", id)
}

// WithRun scopes the logger to one reconciliation run, so every line a
// single walker pass emits can be correlated after the fact.
func (l *Logger) WithRun(runID string) *Logger {
	if runID == "" {
		return l
	}
	return l.WithField("run_id", runID)
}

// WithError attaches err plus its concrete type and a short stack.
func (l *Logger) WithError(err error) *Logger {
	if err == nil {
		return l
	}
	logger := l.logger.With().
		Err(err).
		Str("error_type", fmt.Sprintf("%T", err)).
		Logger()
	if stack := callers(2); len(stack) > 0 {
		logger = logger.With().Strs("stack", stack).Logger()
	}
	return &Logger{logger: logger, service: l.service}
}

func (l *Logger) Debug(msg string)                          { l.logger.Debug().Msg(msg) }
func (l *Logger) Debugf(format string, args ...interface{}) { l.logger.Debug().Msgf(format, args...) }
func (l *Logger) Info(msg string)                           { l.logger.Info().Msg(msg) }
func (l *Logger) Infof(format string, args ...interface{})  { l.logger.Info().Msgf(format, args...) }
func (l *Logger) Warn(msg string)                           { l.logger.Warn().Msg(msg) }
func (l *Logger) Warnf(format string, args ...interface{})  { l.logger.Warn().Msgf(format, args...) }
func (l *Logger) Error(msg string)                          { l.logger.Error().Msg(msg) }
func (l *Logger) Errorf(format string, args ...interface{}) { l.logger.Error().Msgf(format, args...) }

// Fatal logs and exits the process. Only cmd/indexerd's wiring phase calls
// it; nothing below main is allowed to.
func (l *Logger) Fatal(msg string)                          { l.logger.Fatal().Msg(msg) }
func (l *Logger) Fatalf(format string, args ...interface{}) { l.logger.Fatal().Msgf(format, args...) }

func parseLevel(level LogLevel) zerolog.Level {
	switch level {
	case LevelDebug:
		return zerolog.DebugLevel
	case LevelWarn:
		return zerolog.WarnLevel
	case LevelError:
		return zerolog.ErrorLevel
	case LevelFatal:
		return zerolog.FatalLevel
	default:
		return zerolog.InfoLevel
	}
}

func envOr(key, fallback string) string {
	if v := os.Getenv(key); v != "" {
		return v
	}
	return fallback
}

func callers(skip int) []string {
	var stack []string
	for i := skip; i < skip+5; i++ {
		pc, file, line, ok := runtime.Caller(i)
		if !ok {
			break
		}
		if fn := runtime.FuncForPC(pc); fn != nil {
			stack = append(stack, fmt.Sprintf("%s:%d %s", file, line, fn.Name()))
		}
	}
	return stack
}
