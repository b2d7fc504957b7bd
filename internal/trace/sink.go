// internal/trace/sink.go
package trace

import (
	"bufio"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"sync"
	"sync/atomic"

	jsoniter "github.com/json-iterator/go"
	"github.com/mitchellh/go-homedir"
	"go.uber.org/zap"

	"github.com/xkilldash9x/sentient-cli/api/schemas"
)

var json = jsoniter.ConfigCompatibleWithStandardLibrary

// EntryType tags each line of the trace file.
type EntryType string

const (
	EntryStep EntryType = "step"
	EntryRun  EntryType = "run"
)

// Entry is one line of the JSON-lines trace.
type Entry struct {
	Type EntryType          `json:"type"`
	Step *schemas.StepTrace `json:"step,omitempty"`
	Run  *schemas.RunTrace  `json:"run,omitempty"`
}

// ErrSinkClosed is returned by Close when called twice.
var ErrSinkClosed = errors.New("trace sink already closed")

const defaultBufferSize = 256

// JSONLSink appends trace entries to a file from a single writer goroutine.
// Record calls never block: when the buffer is full the entry is dropped and
// counted.
type JSONLSink struct {
	logger  *zap.Logger
	path    string
	file    *os.File
	entries chan Entry
	done    chan struct{}

	mu      sync.RWMutex
	closed  bool
	dropped atomic.Int64
	written atomic.Int64
}

// NewJSONLSink opens (or creates) the trace file and starts the writer.
func NewJSONLSink(path string, bufferSize int, logger *zap.Logger) (*JSONLSink, error) {
	if logger == nil {
		logger = zap.NewNop()
	}
	if bufferSize <= 0 {
		bufferSize = defaultBufferSize
	}
	expanded, err := ExpandPath(path)
	if err != nil {
		return nil, err
	}
	if err := os.MkdirAll(filepath.Dir(expanded), 0o755); err != nil {
		return nil, fmt.Errorf("failed to create trace directory: %w", err)
	}
	f, err := os.OpenFile(expanded, os.O_CREATE|os.O_APPEND|os.O_WRONLY, 0o644)
	if err != nil {
		return nil, fmt.Errorf("failed to open trace file: %w", err)
	}

	s := &JSONLSink{
		logger:  logger.Named("trace"),
		path:    expanded,
		file:    f,
		entries: make(chan Entry, bufferSize),
		done:    make(chan struct{}),
	}
	go s.writeLoop()
	return s, nil
}

// Path is the expanded location of the trace file.
func (s *JSONLSink) Path() string { return s.path }

// RecordStep implements schemas.TraceSink.
func (s *JSONLSink) RecordStep(rec schemas.StepTrace) {
	s.enqueue(Entry{Type: EntryStep, Step: &rec})
}

// RecordRun implements schemas.TraceSink.
func (s *JSONLSink) RecordRun(rec schemas.RunTrace) {
	s.enqueue(Entry{Type: EntryRun, Run: &rec})
}

func (s *JSONLSink) enqueue(e Entry) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	if s.closed {
		s.dropped.Add(1)
		return
	}
	select {
	case s.entries <- e:
	default:
		if s.dropped.Add(1) == 1 {
			s.logger.Warn("Trace buffer full, dropping entries.", zap.String("path", s.path))
		}
	}
}

// Dropped is the number of entries lost to a full buffer or a closed sink.
func (s *JSONLSink) Dropped() int64 { return s.dropped.Load() }

// Written is the number of entries flushed to the file.
func (s *JSONLSink) Written() int64 { return s.written.Load() }

func (s *JSONLSink) writeLoop() {
	defer close(s.done)
	w := bufio.NewWriter(s.file)
	for e := range s.entries {
		line, err := json.Marshal(e)
		if err != nil {
			s.logger.Error("Failed to encode trace entry.", zap.Error(err))
			continue
		}
		line = append(line, '\n')
		if _, err := w.Write(line); err != nil {
			s.logger.Error("Failed to write trace entry.", zap.Error(err))
			continue
		}
		s.written.Add(1)
		// Flush whenever the queue drains so followers see whole runs promptly.
		if len(s.entries) == 0 {
			if err := w.Flush(); err != nil {
				s.logger.Error("Failed to flush trace file.", zap.Error(err))
			}
		}
	}
	if err := w.Flush(); err != nil {
		s.logger.Error("Failed to flush trace file.", zap.Error(err))
	}
}

// Close drains the buffer, flushes and closes the file.
func (s *JSONLSink) Close() error {
	s.mu.Lock()
	if s.closed {
		s.mu.Unlock()
		return ErrSinkClosed
	}
	s.closed = true
	close(s.entries)
	s.mu.Unlock()

	<-s.done
	if n := s.dropped.Load(); n > 0 {
		s.logger.Warn("Trace entries were dropped.", zap.Int64("count", n))
	}
	return s.file.Close()
}

// ExpandPath resolves a leading ~ to the user's home directory.
func ExpandPath(path string) (string, error) {
	if path == "" {
		return "", errors.New("trace path is empty")
	}
	expanded, err := homedir.Expand(path)
	if err != nil {
		return "", fmt.Errorf("failed to expand path %q: %w", path, err)
	}
	return expanded, nil
}
