package logging

import (
	"encoding/json"
	"fmt"
	"io"
	"os"
	"runtime"
	"sync"
	"time"

	"github.com/google/uuid"
)

type Level string

const (
	DEBUG Level = "DEBUG"
	INFO  Level = "INFO"
	WARN  Level = "WARN"
	ERROR Level = "ERROR"
)

var levelRank = map[Level]int{DEBUG: 0, INFO: 1, WARN: 2, ERROR: 3}

// Logger emits one JSON object per line.
type Logger struct {
	mu      sync.Mutex
	level   Level
	service string
	out     io.Writer
}

type entry struct {
	Timestamp string                 `json:"timestamp"`
	Level     Level                  `json:"level"`
	Service   string                 `json:"service"`
	Message   string                 `json:"message"`
	RequestID string                 `json:"request_id,omitempty"`
	Provider  string                 `json:"provider,omitempty"`
	Region    string                 `json:"region,omitempty"`
	Error     string                 `json:"error,omitempty"`
	Duration  int64                  `json:"duration_ms,omitempty"`
	Fields    map[string]interface{} `json:"fields,omitempty"`
	File      string                 `json:"file,omitempty"`
	Line      int                    `json:"line,omitempty"`
}

var (
	defaultMu     sync.Mutex
	defaultLogger *Logger
)

// Init installs the process-wide default logger.
func Init(service string, level Level) *Logger {
	l := &Logger{level: level, service: service, out: os.Stdout}
	defaultMu.Lock()
	defaultLogger = l
	defaultMu.Unlock()
	return l
}

// Default returns the process logger, initializing a terradev/INFO one on
// first use.
func Default() *Logger {
	defaultMu.Lock()
	l := defaultLogger
	defaultMu.Unlock()
	if l == nil {
		return Init("terradev", INFO)
	}
	return l
}

// SetOutput redirects log output. Test harness use.
func (l *Logger) SetOutput(w io.Writer) {
	l.mu.Lock()
	l.out = w
	l.mu.Unlock()
}

func (l *Logger) log(level Level, message string, fields map[string]interface{}) {
	if levelRank[level] < levelRank[l.level] {
		return
	}

	e := entry{
		Timestamp: time.Now().UTC().Format(time.RFC3339Nano),
		Level:     level,
		Service:   l.service,
		Message:   message,
		Fields:    fields,
	}

	if level == ERROR {
		if _, file, line, ok := runtime.Caller(2); ok {
			e.File = file
			e.Line = line
		}
	}

	// Promote well-known fields out of the bag
	if fields != nil {
		if v, ok := fields["request_id"].(string); ok {
			e.RequestID = v
			delete(fields, "request_id")
		}
		if v, ok := fields["provider"].(string); ok {
			e.Provider = v
			delete(fields, "provider")
		}
		if v, ok := fields["region"].(string); ok {
			e.Region = v
			delete(fields, "region")
		}
		if v, ok := fields["error"].(error); ok {
			e.Error = v.Error()
			delete(fields, "error")
		} else if v, ok := fields["error"].(string); ok {
			e.Error = v
			delete(fields, "error")
		}
		if v, ok := fields["duration"].(time.Duration); ok {
			e.Duration = v.Milliseconds()
			delete(fields, "duration")
		}
		if len(fields) == 0 {
			e.Fields = nil
		}
	}

	data, err := json.Marshal(e)
	if err != nil {
		fmt.Fprintf(os.Stderr, "log marshal failed: %v\n", err)
		return
	}

	l.mu.Lock()
	fmt.Fprintln(l.out, string(data))
	l.mu.Unlock()
}

func (l *Logger) Debug(message string, fields map[string]interface{}) { l.log(DEBUG, message, fields) }
func (l *Logger) Info(message string, fields map[string]interface{})  { l.log(INFO, message, fields) }
func (l *Logger) Warn(message string, fields map[string]interface{})  { l.log(WARN, message, fields) }
func (l *Logger) Error(message string, fields map[string]interface{}) { l.log(ERROR, message, fields) }

// Package-level convenience funcs on the default logger
func Debug(message string, fields map[string]interface{}) { Default().Debug(message, fields) }
func Info(message string, fields map[string]interface{})  { Default().Info(message, fields) }
func Warn(message string, fields map[string]interface{})  { Default().Warn(message, fields) }
func Error(message string, fields map[string]interface{}) { Default().Error(message, fields) }

// NewRequestID mints an id for request correlation.
func NewRequestID() string {
	return uuid.New().String()
}
