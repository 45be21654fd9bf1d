package environment

import (
	"bufio"
	"encoding/json"
	"fmt"
	"io"
	"os"
	"path/filepath"
	"sync"
	"time"
)

// LogEntry is one recorded interface call, serialized as a JSON line.
type LogEntry struct {
	// Op is the interface operation: get_variables, set_variables or get_observables
	Op string `json:"op"`

	// Values holds the values read or written
	Values map[string]float64 `json:"values,omitempty"`

	// Error is set when the call failed
	Error string `json:"error,omitempty"`

	Timestamp time.Time `json:"timestamp"`
}

// LogWriter writes log entries to a JSONL file.
// It uses buffered I/O and is safe for concurrent use.
type LogWriter struct {
	mu     sync.Mutex
	file   *os.File
	writer *bufio.Writer
	path   string
}

// NewLogWriter creates a log file at path, creating parent directories.
// If append is true, new entries are appended to an existing file.
func NewLogWriter(path string, append bool) (*LogWriter, error) {
	if err := os.MkdirAll(filepath.Dir(path), 0755); err != nil {
		return nil, fmt.Errorf("failed to create log directory: %w", err)
	}

	var file *os.File
	var err error
	if append {
		file, err = os.OpenFile(path, os.O_APPEND|os.O_CREATE|os.O_WRONLY, 0644)
	} else {
		file, err = os.Create(path)
	}
	if err != nil {
		return nil, fmt.Errorf("failed to open interface log: %w", err)
	}

	return &LogWriter{
		file:   file,
		writer: bufio.NewWriterSize(file, 64*1024),
		path:   path,
	}, nil
}

// Write appends an entry. It is buffered until Flush or Close.
func (lw *LogWriter) Write(entry LogEntry) error {
	lw.mu.Lock()
	defer lw.mu.Unlock()

	data, err := json.Marshal(entry)
	if err != nil {
		return fmt.Errorf("failed to marshal log entry: %w", err)
	}
	if _, err := lw.writer.Write(data); err != nil {
		return fmt.Errorf("failed to write log entry: %w", err)
	}
	if err := lw.writer.WriteByte('\n'); err != nil {
		return fmt.Errorf("failed to write newline: %w", err)
	}
	return nil
}

// Flush writes buffered data and syncs the file.
func (lw *LogWriter) Flush() error {
	lw.mu.Lock()
	defer lw.mu.Unlock()

	if err := lw.writer.Flush(); err != nil {
		return fmt.Errorf("failed to flush interface log: %w", err)
	}
	if err := lw.file.Sync(); err != nil {
		return fmt.Errorf("failed to sync interface log: %w", err)
	}
	return nil
}

// Close flushes buffered data and closes the file.
func (lw *LogWriter) Close() error {
	lw.mu.Lock()
	defer lw.mu.Unlock()

	if err := lw.writer.Flush(); err != nil {
		lw.file.Close()
		return fmt.Errorf("failed to flush on close: %w", err)
	}
	if err := lw.file.Close(); err != nil {
		return fmt.Errorf("failed to close interface log: %w", err)
	}
	return nil
}

// Path returns the log file path.
func (lw *LogWriter) Path() string {
	return lw.path
}

// ReadLog reads every entry of a JSONL interface log.
func ReadLog(path string) ([]LogEntry, error) {
	file, err := os.Open(path)
	if err != nil {
		return nil, fmt.Errorf("failed to open interface log: %w", err)
	}
	defer file.Close()

	scanner := bufio.NewScanner(file)
	scanner.Buffer(make([]byte, 64*1024), 1024*1024)

	var entries []LogEntry
	for scanner.Scan() {
		var entry LogEntry
		if err := json.Unmarshal(scanner.Bytes(), &entry); err != nil {
			return nil, fmt.Errorf("failed to unmarshal log entry: %w", err)
		}
		entries = append(entries, entry)
	}
	if err := scanner.Err(); err != nil && err != io.EOF {
		return nil, fmt.Errorf("failed to scan interface log: %w", err)
	}
	return entries, nil
}
