package logger

import (
	"io"
	"os"
	"path/filepath"
	"time"

	"github.com/mattn/go-colorable"
	"github.com/pkg/errors"
	"github.com/rs/zerolog"
	fallbacklog "github.com/rs/zerolog/log"
	"github.com/urfave/cli/v2"
	"golang.org/x/term"
	"gopkg.in/natefinch/lumberjack.v2"
)

const (
	EnableTerminalLog  = false
	DisableTerminalLog = true

	LogLevelFlag     = "loglevel"
	LogFileFlag      = "logfile"
	LogDirectoryFlag = "log_dir"
	LogToFileFlag    = "logging"

	dirPermMode  = 0o744
	filePermMode = 0o644

	consoleTimeFormat = time.RFC3339
)

func init() {
	zerolog.TimeFieldFormat = time.RFC3339
	zerolog.TimestampFunc = func() time.Time { return time.Now().UTC() }
}

// multiSink fans each log event out to every configured sink. One sink
// failing must not starve the rest — a tty that went away under a daemonized
// process, or a full disk behind the file sink — so per-sink write errors
// are swallowed and the event always counts as written.
type multiSink struct {
	minLevel zerolog.Level
	sinks    []io.Writer
}

func (m multiSink) Write(p []byte) (int, error) {
	for _, sink := range m.sinks {
		_, _ = sink.Write(p)
	}
	return len(p), nil
}

func (m multiSink) WriteLevel(level zerolog.Level, p []byte) (int, error) {
	if level < m.minLevel {
		return len(p), nil
	}
	return m.Write(p)
}

func newZerolog(cfg *Config) *zerolog.Logger {
	var sinks []io.Writer

	if cfg.ConsoleConfig != nil {
		sinks = append(sinks, consoleSink(*cfg.ConsoleConfig))
	}
	if cfg.FileConfig != nil {
		sink, err := fileSink(*cfg.FileConfig)
		if err != nil {
			return setupFailureLogger(err)
		}
		sinks = append(sinks, sink)
	}
	if cfg.RollingConfig != nil {
		sink, err := rollingSink(*cfg.RollingConfig)
		if err != nil {
			return setupFailureLogger(err)
		}
		sinks = append(sinks, sink)
	}

	level, levelErr := zerolog.ParseLevel(cfg.MinLevel)
	if levelErr != nil {
		level = zerolog.InfoLevel
	}

	log := zerolog.New(multiSink{minLevel: level, sinks: sinks}).With().Timestamp().Logger()
	if levelErr != nil {
		log.Error().Msgf("Failed to parse log level %q, using %q instead", cfg.MinLevel, level)
	}
	return &log
}

// setupFailureLogger falls back to the stderr logger so that a broken
// --log_dir or --logfile still leaves the process observable.
func setupFailureLogger(err error) *zerolog.Logger {
	failLog := fallbacklog.With().Logger()
	failLog.Error().Msgf("Falling back to the default logger: %s", err)
	return &failLog
}

// CreateLoggerFromContext builds the process logger from CLI flags. The
// rotated directory sink is only enabled when the --logging flag is set;
// --logfile selects a single append-only file whether or not --logging is
// set, and takes precedence over the rotated directory sink.
func CreateLoggerFromContext(c *cli.Context, disableTerminal bool) *zerolog.Logger {
	logLevel := c.String(LogLevelFlag)
	logFile := c.String(LogFileFlag)

	var logDirectory string
	if c.Bool(LogToFileFlag) {
		logDirectory = c.String(LogDirectoryFlag)
		if logDirectory == "" {
			logDirectory = "."
		}
	}

	log := newZerolog(CreateConfig(logLevel, disableTerminal, logDirectory, logFile))
	if logFile != "" && logDirectory != "" {
		log.Error().Msgf("Both %s (%s) and %s (%s) are set but incompatible; %s takes precedence.",
			LogFileFlag, logFile, LogDirectoryFlag, logDirectory, LogFileFlag)
	}
	return log
}

func Create(loggerConfig *Config) *zerolog.Logger {
	if loggerConfig == nil {
		loggerConfig = &Config{
			ConsoleConfig: defaultConfig.ConsoleConfig,
			MinLevel:      defaultConfig.MinLevel,
		}
	}
	return newZerolog(loggerConfig)
}

func consoleSink(cfg ConsoleConfig) io.Writer {
	out := os.Stderr
	return zerolog.ConsoleWriter{
		Out:        colorable.NewColorable(out),
		NoColor:    cfg.noColor || !term.IsTerminal(int(out.Fd())),
		TimeFormat: consoleTimeFormat,
	}
}

// fileSink opens the single append-only log file, creating its directory
// when needed. The process builds one logger at startup, so the file is
// simply opened here rather than cached behind a singleton.
func fileSink(cfg FileConfig) (io.Writer, error) {
	if cfg.Dirname != "" {
		if err := os.MkdirAll(cfg.Dirname, dirPermMode); err != nil {
			return nil, errors.Wrap(err, "cannot create log directory")
		}
	}
	logFile, err := os.OpenFile(cfg.Fullpath(), os.O_CREATE|os.O_WRONLY|os.O_APPEND, filePermMode)
	if err != nil {
		return nil, errors.Wrap(err, "cannot open logfile")
	}
	return logFile, nil
}

// fileSink's rotated sibling: lumberjack rotates by size and prunes by age
// and backup count.
func rollingSink(cfg RollingConfig) (io.Writer, error) {
	if err := os.MkdirAll(cfg.Dirname, dirPermMode); err != nil {
		return nil, errors.Wrap(err, "cannot create log directory")
	}
	return &lumberjack.Logger{
		Filename:   filepath.Join(cfg.Dirname, cfg.Filename),
		MaxSize:    cfg.maxSize,
		MaxBackups: cfg.maxBackups,
		MaxAge:     cfg.maxAge,
	}, nil
}
