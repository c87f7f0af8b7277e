// Copyright 2025 ArchPilot
// Licensed under the Apache License, Version 2.0 (the "License");
// you may not use this file except in compliance with the License.
// You may obtain a copy of the License at
//
//     http://www.apache.org/licenses/LICENSE-2.0
//
// Unless required by applicable law or agreed to in writing, software
// distributed under the License is distributed on an "AS IS" BASIS,
// WITHOUT WARRANTIES OR CONDITIONS OF ANY KIND, either express or implied.
// See the License for the specific language governing permissions and
// limitations under the License.

// Package logger provides structured JSON logging for the design pipeline.
// Every entry carries the component name and, where available, the run ID
// so that one pipeline execution can be traced across the engine, the
// client pool and the stores.
package logger

import (
	"encoding/json"
	"io"
	"log"
	"os"
	"time"
)

// LogLevel represents the severity of a log entry
type LogLevel string

const (
	DEBUG LogLevel = "DEBUG"
	INFO  LogLevel = "INFO"
	WARN  LogLevel = "WARN"
	ERROR LogLevel = "ERROR"
)

// Logger writes structured log entries for one component.
type Logger struct {
	Component string
	Container string

	out *log.Logger
}

// LogEntry is the JSON shape written for every log line.
type LogEntry struct {
	Timestamp string                 `json:"timestamp"`
	Level     LogLevel               `json:"level"`
	Component string                 `json:"component"`
	Container string                 `json:"container"`
	RunID     string                 `json:"run_id,omitempty"`
	Message   string                 `json:"message"`
	Fields    map[string]interface{} `json:"fields,omitempty"`
}

// New creates a Logger for the specified component, writing to stdout.
func New(component string) *Logger {
	return NewWithWriter(component, os.Stdout)
}

// NewWithWriter creates a Logger writing to the given writer. Tests use
// this to capture output.
func NewWithWriter(component string, w io.Writer) *Logger {
	container, err := os.Hostname()
	if err != nil {
		container = "unknown"
	}

	return &Logger{
		Component: component,
		Container: container,
		out:       log.New(w, "", 0),
	}
}

// Log creates a structured log entry and writes it as a single JSON line.
func (l *Logger) Log(level LogLevel, runID, message string, fields map[string]interface{}) {
	entry := LogEntry{
		Timestamp: time.Now().UTC().Format(time.RFC3339Nano),
		Level:     level,
		Component: l.Component,
		Container: l.Container,
		RunID:     runID,
		Message:   message,
		Fields:    fields,
	}

	jsonBytes, err := json.Marshal(entry)
	if err != nil {
		// Fallback to plain text if JSON marshaling fails
		log.Printf("ERROR: failed to marshal log entry: %v", err)
		return
	}

	l.out.Println(string(jsonBytes))
}

// Info logs an informational message
func (l *Logger) Info(runID, message string, fields map[string]interface{}) {
	l.Log(INFO, runID, message, fields)
}

// Error logs an error message
func (l *Logger) Error(runID, message string, fields map[string]interface{}) {
	l.Log(ERROR, runID, message, fields)
}

// Warn logs a warning message
func (l *Logger) Warn(runID, message string, fields map[string]interface{}) {
	l.Log(WARN, runID, message, fields)
}

// Debug logs a debug message
func (l *Logger) Debug(runID, message string, fields map[string]interface{}) {
	l.Log(DEBUG, runID, message, fields)
}

// ErrorWith logs an error message with the error attached as a field.
func (l *Logger) ErrorWith(runID, message string, err error, fields map[string]interface{}) {
	if fields == nil {
		fields = make(map[string]interface{})
	}
	if err != nil {
		fields["error"] = err.Error()
	}
	l.Error(runID, message, fields)
}

// InfoWithDuration logs an info message with a duration field.
func (l *Logger) InfoWithDuration(runID, message string, durationMS float64, fields map[string]interface{}) {
	if fields == nil {
		fields = make(map[string]interface{})
	}
	fields["duration_ms"] = durationMS
	l.Info(runID, message, fields)
}
