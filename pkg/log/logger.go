// Package log wraps log/slog with the field conventions used across gompcore
// and an optional size-rotated log file.
package log

import (
	"fmt"
	"io"
	"log/slog"
	"os"
	"strings"
	"time"

	"github.com/hako/durafmt"
	"github.com/jrick/logrotate/rotator"
)

// Logger is a slog.Logger carrying the service identity.
type Logger struct {
	*slog.Logger
	service string
	version string
}

// Options configures New.
type Options struct {
	Service string
	Version string
	Level   string
	Format  string

	// File, when set, receives a copy of every record and is rotated once it
	// grows past MaxSizeKB. MaxRolls old files are kept.
	File      string
	MaxSizeKB int64
	MaxRolls  int
}

// New builds a Logger writing to stdout and, optionally, a rotated file. The
// returned closer releases the file and must be called on shutdown.
func New(opts Options) (*Logger, io.Closer, error) {
	var out io.Writer = os.Stdout
	var closer io.Closer = io.NopCloser(nil)

	if opts.File != "" {
		sizeKB := opts.MaxSizeKB
		if sizeKB <= 0 {
			sizeKB = 10 * 1024
		}
		rolls := opts.MaxRolls
		if rolls <= 0 {
			rolls = 3
		}
		r, err := rotator.New(opts.File, sizeKB, false, rolls)
		if err != nil {
			return nil, nil, fmt.Errorf("open log rotator %s: %w", opts.File, err)
		}
		out = io.MultiWriter(os.Stdout, r)
		closer = r
	}

	return NewWithWriter(out, opts), closer, nil
}

// NewWithWriter builds a Logger on an arbitrary writer.
func NewWithWriter(w io.Writer, opts Options) *Logger {
	level := ParseLevel(opts.Level)
	hopts := &slog.HandlerOptions{
		Level:     level,
		AddSource: level == slog.LevelDebug,
	}

	var handler slog.Handler
	if strings.EqualFold(opts.Format, "text") {
		handler = slog.NewTextHandler(w, hopts)
	} else {
		handler = slog.NewJSONHandler(w, hopts)
	}

	return &Logger{
		Logger:  slog.New(handler).With("service", opts.Service, "version", opts.Version),
		service: opts.Service,
		version: opts.Version,
	}
}

// Nop discards everything. Used by tests.
func Nop() *Logger {
	return NewWithWriter(io.Discard, Options{Service: "test"})
}

// ParseLevel maps a level name to a slog level, defaulting to info.
func ParseLevel(level string) slog.Level {
	switch strings.ToLower(level) {
	case "debug":
		return slog.LevelDebug
	case "warn", "warning":
		return slog.LevelWarn
	case "error":
		return slog.LevelError
	default:
		return slog.LevelInfo
	}
}

func (l *Logger) derive(fields ...any) *Logger {
	return &Logger{Logger: l.With(fields...), service: l.service, version: l.version}
}

func (l *Logger) WithFields(fields ...any) *Logger {
	return l.derive(fields...)
}

func (l *Logger) WithComponent(component string) *Logger {
	return l.derive("component", component)
}

func (l *Logger) WithJob(jobID string, height int64) *Logger {
	return l.derive("job_id", jobID, "block_height", height)
}

func (l *Logger) WithWorker(worker, ip string) *Logger {
	return l.derive("worker", worker, "ip", ip)
}

func (l *Logger) WithError(err error) *Logger {
	if err == nil {
		return l
	}
	return l.derive("error", err.Error())
}

// LogShare records one share outcome. Rejections log at debug level since a
// busy pool produces them continuously.
func (l *Logger) LogShare(jobID, worker string, difficulty float64, shareDiff string, reject string) {
	if reject != "" {
		l.Debug("share rejected",
			"job_id", jobID,
			"worker", worker,
			"difficulty", difficulty,
			"reason", reject,
		)
		return
	}
	l.Debug("share accepted",
		"job_id", jobID,
		"worker", worker,
		"difficulty", difficulty,
		"share_diff", shareDiff,
	)
}

func (l *Logger) LogBlockCandidate(blockHash string, height int64, worker string, shareDiff string) {
	l.Info("block candidate found",
		"block_hash", blockHash,
		"block_height", height,
		"worker", worker,
		"share_diff", shareDiff,
	)
}

func (l *Logger) LogJobBroadcast(jobID string, height int64, cleanJobs bool, validJobs int) {
	l.Info("job broadcast",
		"job_id", jobID,
		"block_height", height,
		"clean_jobs", cleanJobs,
		"valid_jobs", validJobs,
	)
}

// LogBlockTransition records a chain tip change and how long the previous tip
// was worked on.
func (l *Logger) LogBlockTransition(prevHeight, height int64, tenure time.Duration) {
	l.Info("new block",
		"previous_height", prevHeight,
		"block_height", height,
		"tenure", durafmt.Parse(tenure.Round(time.Second)).LimitFirstN(2).String(),
	)
}
