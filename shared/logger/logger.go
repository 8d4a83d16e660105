// Copyright 2025 AxonFlow
// SPDX-License-Identifier: BUSL-1.1

// Package logger writes one JSON object per line for the dispatcher's
// request-scoped logs.
package logger

import (
	"encoding/json"
	"io"
	"log"
	"os"
	"strings"
	"time"
)

// Level is the severity of a log entry.
type Level string

const (
	DEBUG Level = "DEBUG"
	INFO  Level = "INFO"
	WARN  Level = "WARN"
	ERROR Level = "ERROR"
)

var levelRank = map[Level]int{DEBUG: 0, INFO: 1, WARN: 2, ERROR: 3}

// Logger emits structured entries tagged with the component and instance.
type Logger struct {
	Component  string
	InstanceID string
	Container  string

	minLevel Level
	out      *log.Logger
}

// Entry is a single structured log line.
type Entry struct {
	Timestamp  string                 `json:"timestamp"`
	Level      Level                  `json:"level"`
	Component  string                 `json:"component"`
	InstanceID string                 `json:"instance_id"`
	Container  string                 `json:"container"`
	CallerID   string                 `json:"caller_id,omitempty"`
	RequestID  string                 `json:"request_id,omitempty"`
	Message    string                 `json:"message"`
	Fields     map[string]interface{} `json:"fields,omitempty"`
}

// New creates a Logger for the component writing to stdout. LOG_LEVEL sets
// the minimum level (default INFO).
func New(component string) *Logger {
	instanceID := os.Getenv("INSTANCE_ID")
	if instanceID == "" {
		instanceID = "unknown"
	}
	container, err := os.Hostname()
	if err != nil {
		container = "unknown"
	}
	return &Logger{
		Component:  component,
		InstanceID: instanceID,
		Container:  container,
		minLevel:   ParseLevel(os.Getenv("LOG_LEVEL")),
		out:        log.New(os.Stdout, "", 0),
	}
}

// NewWithWriter creates a Logger that writes every level to w. Used in tests.
func NewWithWriter(component string, w io.Writer) *Logger {
	return &Logger{
		Component:  component,
		InstanceID: "test",
		Container:  "test",
		minLevel:   DEBUG,
		out:        log.New(w, "", 0),
	}
}

// ParseLevel converts a level name, defaulting to INFO.
func ParseLevel(s string) Level {
	lvl := Level(strings.ToUpper(strings.TrimSpace(s)))
	if _, ok := levelRank[lvl]; ok {
		return lvl
	}
	return INFO
}

// Log writes an entry if its level passes the minimum.
func (l *Logger) Log(level Level, callerID, requestID, message string, fields map[string]interface{}) {
	if levelRank[level] < levelRank[l.minLevel] {
		return
	}
	entry := Entry{
		Timestamp:  time.Now().UTC().Format(time.RFC3339Nano),
		Level:      level,
		Component:  l.Component,
		InstanceID: l.InstanceID,
		Container:  l.Container,
		CallerID:   callerID,
		RequestID:  requestID,
		Message:    message,
		Fields:     fields,
	}
	b, err := json.Marshal(entry)
	if err != nil {
		l.out.Printf("ERROR: failed to marshal log entry for %q: %v", message, err)
		return
	}
	l.out.Println(string(b))
}

func (l *Logger) Info(callerID, requestID, message string, fields map[string]interface{}) {
	l.Log(INFO, callerID, requestID, message, fields)
}

func (l *Logger) Error(callerID, requestID, message string, fields map[string]interface{}) {
	l.Log(ERROR, callerID, requestID, message, fields)
}

func (l *Logger) Warn(callerID, requestID, message string, fields map[string]interface{}) {
	l.Log(WARN, callerID, requestID, message, fields)
}

func (l *Logger) Debug(callerID, requestID, message string, fields map[string]interface{}) {
	l.Log(DEBUG, callerID, requestID, message, fields)
}

// InfoWithDuration logs at INFO with a duration_ms field.
func (l *Logger) InfoWithDuration(callerID, requestID, message string, d time.Duration, fields map[string]interface{}) {
	if fields == nil {
		fields = make(map[string]interface{})
	}
	fields["duration_ms"] = float64(d.Microseconds()) / 1000
	l.Info(callerID, requestID, message, fields)
}

// ErrorWithCode logs at ERROR with the HTTP status and error code.
func (l *Logger) ErrorWithCode(callerID, requestID, message string, statusCode int, code string, err error, fields map[string]interface{}) {
	if fields == nil {
		fields = make(map[string]interface{})
	}
	fields["status_code"] = statusCode
	if code != "" {
		fields["error_code"] = code
	}
	if err != nil {
		fields["error"] = err.Error()
	}
	l.Error(callerID, requestID, message, fields)
}
