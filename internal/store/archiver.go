package store

import (
	"context"
	"sync"
	"sync/atomic"
	"time"

	"go.uber.org/zap"

	"github.com/xkilldash9x/sentient-cli/api/schemas"
)

// RunSaver is the part of Store the Archiver needs.
type RunSaver interface {
	SaveRun(ctx context.Context, run schemas.RunTrace) error
}

// Archiver adapts a RunSaver to schemas.TraceSink. Runs are queued and saved
// from a single goroutine; a full queue drops the run.
type Archiver struct {
	saver   RunSaver
	log     *zap.Logger
	timeout time.Duration
	runs    chan schemas.RunTrace
	done    chan struct{}

	mu      sync.RWMutex
	closed  bool
	dropped atomic.Int64
	failed  atomic.Int64
}

// NewArchiver starts the save loop. timeout bounds each save; zero means 10s.
func NewArchiver(saver RunSaver, queue int, timeout time.Duration, logger *zap.Logger) *Archiver {
	if queue <= 0 {
		queue = 16
	}
	if timeout <= 0 {
		timeout = 10 * time.Second
	}
	a := &Archiver{
		saver:   saver,
		log:     logger.Named("archiver"),
		timeout: timeout,
		runs:    make(chan schemas.RunTrace, queue),
		done:    make(chan struct{}),
	}
	go a.loop()
	return a
}

// RecordStep is a no-op; steps travel with their run.
func (a *Archiver) RecordStep(schemas.StepTrace) {}

// RecordRun queues the run for archiving.
func (a *Archiver) RecordRun(run schemas.RunTrace) {
	a.mu.RLock()
	defer a.mu.RUnlock()
	if a.closed {
		a.dropped.Add(1)
		return
	}
	select {
	case a.runs <- run:
	default:
		a.dropped.Add(1)
		a.log.Warn("Archive queue full, dropping run.", zap.String("run_id", run.RunID))
	}
}

func (a *Archiver) loop() {
	defer close(a.done)
	for run := range a.runs {
		ctx, cancel := context.WithTimeout(context.Background(), a.timeout)
		if err := a.saver.SaveRun(ctx, run); err != nil {
			a.failed.Add(1)
			a.log.Error("Failed to archive run.", zap.String("run_id", run.RunID), zap.Error(err))
		}
		cancel()
	}
}

// Dropped counts runs that never reached the saver.
func (a *Archiver) Dropped() int64 { return a.dropped.Load() }

// Failed counts runs the saver rejected.
func (a *Archiver) Failed() int64 { return a.failed.Load() }

// Close saves what is queued and stops the loop.
func (a *Archiver) Close() {
	a.mu.Lock()
	if a.closed {
		a.mu.Unlock()
		return
	}
	a.closed = true
	close(a.runs)
	a.mu.Unlock()
	<-a.done
}
