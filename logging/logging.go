// Package logging provides leveled console output for memoryd.
// Lines look like:
//
//	INFO  2025-01-02T10:00:00.000Z [consolidator] summary_stored project=Jar-El sources=3
package logging

import (
	"fmt"
	"io"
	"os"
	"sort"
	"strings"
	"sync"
	"time"
)

// Level represents log severity.
type Level string

const (
	LevelDebug Level = "DEBUG"
	LevelInfo  Level = "INFO"
	LevelWarn  Level = "WARN"
	LevelError Level = "ERROR"
)

var levelPriority = map[Level]int{
	LevelDebug: 0,
	LevelInfo:  1,
	LevelWarn:  2,
	LevelError: 3,
}

// ParseLevel maps "debug", "INFO", "warning" etc. to a Level. Unknown
// names fall back to INFO.
func ParseLevel(s string) Level {
	switch strings.ToUpper(strings.TrimSpace(s)) {
	case "DEBUG":
		return LevelDebug
	case "WARN", "WARNING":
		return LevelWarn
	case "ERROR":
		return LevelError
	default:
		return LevelInfo
	}
}

// Fields are appended to a line as sorted key=value pairs.
type Fields map[string]any

// Logger writes leveled lines to an io.Writer. Derived loggers share the
// writer and its lock.
type Logger struct {
	mu        *sync.Mutex
	output    io.Writer
	minLevel  Level
	component string
	traceID   string
}

// New creates a Logger writing INFO and above to stderr.
func New() *Logger {
	return &Logger{
		mu:       &sync.Mutex{},
		output:   os.Stderr,
		minLevel: LevelInfo,
	}
}

// Nop returns a logger that discards everything.
func Nop() *Logger {
	l := New()
	l.output = io.Discard
	return l
}

// WithComponent returns a logger tagging lines with [component].
func (l *Logger) WithComponent(component string) *Logger {
	c := *l
	c.component = component
	return &c
}

// WithTraceID returns a logger adding trace=<id> to every line.
func (l *Logger) WithTraceID(traceID string) *Logger {
	c := *l
	c.traceID = traceID
	return &c
}

// SetLevel sets the minimum log level.
func (l *Logger) SetLevel(level Level) {
	l.minLevel = level
}

// SetOutput sets the output writer.
func (l *Logger) SetOutput(w io.Writer) {
	l.output = w
}

func (l *Logger) Debug(msg string, fields ...Fields) { l.log(LevelDebug, msg, fields...) }
func (l *Logger) Info(msg string, fields ...Fields)  { l.log(LevelInfo, msg, fields...) }
func (l *Logger) Warn(msg string, fields ...Fields)  { l.log(LevelWarn, msg, fields...) }
func (l *Logger) Error(msg string, fields ...Fields) { l.log(LevelError, msg, fields...) }

func formatFields(fields Fields) string {
	if len(fields) == 0 {
		return ""
	}
	keys := make([]string, 0, len(fields))
	for k := range fields {
		keys = append(keys, k)
	}
	sort.Strings(keys)
	var b strings.Builder
	for _, k := range keys {
		fmt.Fprintf(&b, " %s=%v", k, fields[k])
	}
	return b.String()
}

func (l *Logger) log(level Level, msg string, fields ...Fields) {
	if levelPriority[level] < levelPriority[l.minLevel] {
		return
	}

	timestamp := time.Now().UTC().Format("2006-01-02T15:04:05.000Z")

	var fieldStr string
	if len(fields) > 0 && fields[0] != nil {
		fieldStr = formatFields(fields[0])
	}
	if l.traceID != "" {
		fieldStr += " trace=" + l.traceID
	}

	var line string
	if l.component != "" {
		line = fmt.Sprintf("%-5s %s [%s] %s%s\n", level, timestamp, l.component, msg, fieldStr)
	} else {
		line = fmt.Sprintf("%-5s %s %s%s\n", level, timestamp, msg, fieldStr)
	}

	l.mu.Lock()
	defer l.mu.Unlock()
	l.output.Write([]byte(line))
}

// --- Domain events ---

// Observed logs the outcome of an observe call.
func (l *Logger) Observed(status, project, kind string) {
	l.Info("observe", Fields{
		"status":  status,
		"project": project,
		"kind":    kind,
	})
}

// JobQueued logs a background summarize-and-store job entering the queue.
func (l *Logger) JobQueued(taskID string, pending int) {
	l.Debug("job_queued", Fields{
		"task":    taskID,
		"pending": pending,
	})
}

// JobDone logs completion of a background job.
func (l *Logger) JobDone(taskID string, duration time.Duration, err error) {
	fields := Fields{
		"task":     taskID,
		"duration": duration.Round(time.Millisecond).String(),
	}
	if err != nil {
		fields["error"] = err.Error()
		l.Error("job_failed", fields)
		return
	}
	l.Info("job_done", fields)
}

// BackendCall logs a model or storage round trip at debug level.
func (l *Logger) BackendCall(backend, op string, duration time.Duration, err error) {
	fields := Fields{
		"backend":  backend,
		"op":       op,
		"duration": duration.Round(time.Millisecond).String(),
	}
	if err != nil {
		fields["error"] = err.Error()
		l.Warn("backend_error", fields)
		return
	}
	l.Debug("backend_call", fields)
}

// Skipped logs an observation the classifier rejected.
func (l *Logger) Skipped(reason string) {
	l.Debug("observe_skipped", Fields{"reason": reason})
}

// TickStart logs the beginning of a consolidation tick.
func (l *Logger) TickStart(collection string, limit int) {
	l.Debug("tick_start", Fields{
		"collection": collection,
		"limit":      limit,
	})
}

// GroupFailed logs a project group the consolidator had to skip.
func (l *Logger) GroupFailed(project, stage string, err error) {
	l.Warn("group_failed", Fields{
		"project": project,
		"stage":   stage,
		"error":   err,
	})
}

// TickComplete logs the totals of one consolidation tick.
func (l *Logger) TickComplete(fetched, groups, stored, failed int, duration time.Duration) {
	l.Info("tick_complete", Fields{
		"fetched":  fetched,
		"groups":   groups,
		"stored":   stored,
		"failed":   failed,
		"duration": duration.Round(time.Millisecond).String(),
	})
}
