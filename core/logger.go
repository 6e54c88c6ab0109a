package core

import (
	"encoding/json"
	"log"
	"os"
	"strings"
	"sync"
	"time"
)

// LogLevel orders log severities
type LogLevel int

const (
	DebugLevel LogLevel = iota
	InfoLevel
	WarnLevel
	ErrorLevel
)

// SimpleLogger is the default Logger implementation: leveled,
// line-oriented, with structured fields rendered as JSON.
type SimpleLogger struct {
	mu     sync.Mutex
	level  LogLevel
	out    *log.Logger
	fields map[string]interface{}
}

// NewSimpleLogger creates a logger at INFO level writing to stdout
func NewSimpleLogger() *SimpleLogger {
	return &SimpleLogger{
		level:  InfoLevel,
		out:    log.New(os.Stdout, "", 0),
		fields: make(map[string]interface{}),
	}
}

// SetLevel adjusts the minimum emitted level by name
func (l *SimpleLogger) SetLevel(level string) {
	l.mu.Lock()
	defer l.mu.Unlock()
	switch strings.ToUpper(level) {
	case "DEBUG":
		l.level = DebugLevel
	case "INFO":
		l.level = InfoLevel
	case "WARN", "WARNING":
		l.level = WarnLevel
	case "ERROR":
		l.level = ErrorLevel
	}
}

// WithField returns a child logger carrying an additional fixed field
func (l *SimpleLogger) WithField(key string, value interface{}) *SimpleLogger {
	l.mu.Lock()
	defer l.mu.Unlock()
	fields := make(map[string]interface{}, len(l.fields)+1)
	for k, v := range l.fields {
		fields[k] = v
	}
	fields[key] = value
	return &SimpleLogger{level: l.level, out: l.out, fields: fields}
}

func (l *SimpleLogger) Debug(msg string, fields map[string]interface{}) { l.log(DebugLevel, "DEBUG", msg, fields) }
func (l *SimpleLogger) Info(msg string, fields map[string]interface{})  { l.log(InfoLevel, "INFO", msg, fields) }
func (l *SimpleLogger) Warn(msg string, fields map[string]interface{})  { l.log(WarnLevel, "WARN", msg, fields) }
func (l *SimpleLogger) Error(msg string, fields map[string]interface{}) { l.log(ErrorLevel, "ERROR", msg, fields) }

func (l *SimpleLogger) log(level LogLevel, tag, msg string, fields map[string]interface{}) {
	l.mu.Lock()
	defer l.mu.Unlock()
	if level < l.level {
		return
	}

	merged := make(map[string]interface{}, len(l.fields)+len(fields))
	for k, v := range l.fields {
		merged[k] = v
	}
	for k, v := range fields {
		merged[k] = v
	}

	if len(merged) == 0 {
		l.out.Printf("%s [%s] %s", time.Now().Format(time.RFC3339), tag, msg)
		return
	}
	encoded, err := json.Marshal(merged)
	if err != nil {
		l.out.Printf("%s [%s] %s fields=%v", time.Now().Format(time.RFC3339), tag, msg, merged)
		return
	}
	l.out.Printf("%s [%s] %s %s", time.Now().Format(time.RFC3339), tag, msg, encoded)
}
