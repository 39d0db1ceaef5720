// Package logging provides leveled key=value console logging for stepkit
// services. Submission history in the store is the durable audit record;
// this package exists for real-time operational visibility only.
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

// Logger writes structured lines to a single output.
type Logger struct {
	mu        sync.Mutex
	output    io.Writer
	minLevel  Level
	component string
	traceID   string
}

// levelPriority maps levels to numeric priority for filtering.
var levelPriority = map[Level]int{
	LevelDebug: 0,
	LevelInfo:  1,
	LevelWarn:  2,
	LevelError: 3,
}

// New creates a new Logger.
func New() *Logger {
	return &Logger{
		output:   os.Stdout,
		minLevel: LevelInfo,
	}
}

// derive copies the logger so With* variants never mutate the parent.
func (l *Logger) derive() *Logger {
	return &Logger{
		output:    l.output,
		minLevel:  l.minLevel,
		component: l.component,
		traceID:   l.traceID,
	}
}

// WithComponent returns a new logger tagged with a component name.
func (l *Logger) WithComponent(component string) *Logger {
	d := l.derive()
	d.component = component
	return d
}

// WithTraceID returns a new logger carrying a trace ID.
func (l *Logger) WithTraceID(traceID string) *Logger {
	d := l.derive()
	d.traceID = traceID
	return d
}

// SetLevel sets the minimum log level.
func (l *Logger) SetLevel(level Level) {
	l.minLevel = level
}

// SetOutput sets the output writer (default: stdout).
func (l *Logger) SetOutput(w io.Writer) {
	l.output = w
}

// Debug logs a debug message.
func (l *Logger) Debug(msg string, fields ...map[string]interface{}) {
	l.log(LevelDebug, msg, fields...)
}

// Info logs an info message.
func (l *Logger) Info(msg string, fields ...map[string]interface{}) {
	l.log(LevelInfo, msg, fields...)
}

// Warn logs a warning message.
func (l *Logger) Warn(msg string, fields ...map[string]interface{}) {
	l.log(LevelWarn, msg, fields...)
}

// Error logs an error message.
func (l *Logger) Error(msg string, fields ...map[string]interface{}) {
	l.log(LevelError, msg, fields...)
}

// formatFields renders fields as sorted key=value pairs. Sorting keeps
// lines stable across runs, which makes grepping and diffing logs sane.
func formatFields(fields map[string]interface{}) string {
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

// log writes a log entry: LEVEL TIMESTAMP [component] message key=value ...
func (l *Logger) log(level Level, msg string, fields ...map[string]interface{}) {
	if levelPriority[level] < levelPriority[l.minLevel] {
		return
	}

	timestamp := time.Now().UTC().Format("2006-01-02T15:04:05.000Z")

	var fieldStr string
	if len(fields) > 0 && fields[0] != nil {
		fieldStr = formatFields(fields[0])
	}

	component := ""
	if l.component != "" {
		component = " [" + l.component + "]"
	}
	line := fmt.Sprintf("%-5s %s%s %s%s\n", level, timestamp, component, msg, fieldStr)

	l.mu.Lock()
	defer l.mu.Unlock()
	l.output.Write([]byte(line))
}

// --- Lifecycle logging methods ---
// Called by the engine after state transitions commit. The store holds the
// durable record; these lines are console visibility only.

// StepClaimed logs a successful claim.
func (l *Logger) StepClaimed(stepID, workerID string) {
	l.Info("step_claimed", map[string]interface{}{
		"step":   stepID,
		"worker": workerID,
	})
}

// StepSubmitted logs a submission.
func (l *Logger) StepSubmitted(stepID, workerID string, attempt int, autoApproved bool) {
	l.Info("step_submitted", map[string]interface{}{
		"step":          stepID,
		"worker":        workerID,
		"attempt":       attempt,
		"auto_approved": autoApproved,
	})
}

// ReviewDecision logs an approve or reject outcome.
func (l *Logger) ReviewDecision(stepID, reviewerID, outcome string) {
	l.Info("review_decision", map[string]interface{}{
		"step":     stepID,
		"reviewer": reviewerID,
		"outcome":  outcome,
	})
}

// AppealFiled logs a worker disputing a rejection.
func (l *Logger) AppealFiled(stepID, workerID string) {
	l.Info("appeal_filed", map[string]interface{}{
		"step":   stepID,
		"worker": workerID,
	})
}

// AppealResolved logs a human's binding appeal decision.
func (l *Logger) AppealResolved(stepID, resolverID, decision string) {
	l.Info("appeal_resolved", map[string]interface{}{
		"step":     stepID,
		"resolver": resolverID,
		"decision": decision,
	})
}

// PublishFailed logs a swallowed notification failure. Delivery is
// best-effort; the state transition has already committed.
func (l *Logger) PublishFailed(userID, event string, err error) {
	l.Warn("publish_failed", map[string]interface{}{
		"user":  userID,
		"event": event,
		"error": err.Error(),
	})
}
