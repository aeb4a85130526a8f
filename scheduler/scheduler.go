// Package scheduler runs named background tasks and keeps per-task run
// statistics for the ops endpoint.
package scheduler

import (
	"context"
	"errors"
	"fmt"
	"sort"
	"sync"
	"time"

	"go.uber.org/zap"
)

// ErrUnknownTask is returned by RunNow for a name that is not registered.
var ErrUnknownTask = errors.New("scheduler: unknown task")

// TaskFn is the function signature for scheduled tasks. ctx is cancelled
// when the task is removed or the scheduler stops.
type TaskFn func(ctx context.Context) error

// TaskInfo is a snapshot of one registered task.
type TaskInfo struct {
	Name         string        `json:"name"`
	Interval     time.Duration `json:"interval"`
	Runs         int64         `json:"runs"`
	Failures     int64         `json:"failures"`
	LastRun      time.Time     `json:"last_run,omitempty"`
	LastDuration time.Duration `json:"last_duration"`
	LastError    string        `json:"last_error,omitempty"`
}

// Scheduler manages periodic tasks.
type Scheduler struct {
	mu      sync.Mutex
	tickers map[string]*tickerEntry
	logger  *zap.Logger
	ctx     context.Context
	cancel  context.CancelFunc
	wg      sync.WaitGroup
}

type tickerEntry struct {
	fn     TaskFn
	ticker *time.Ticker
	cancel context.CancelFunc
	ctx    context.Context
	run    sync.Mutex // one execution at a time, ticker or RunNow

	statMu sync.Mutex
	info   TaskInfo
}

// New creates a new Scheduler.
func New(logger *zap.Logger) *Scheduler {
	ctx, cancel := context.WithCancel(context.Background())
	return &Scheduler{
		tickers: make(map[string]*tickerEntry),
		logger:  logger,
		ctx:     ctx,
		cancel:  cancel,
	}
}

// AddTicker registers a task to run on a fixed interval.
// If a task with the same name exists, it is replaced.
func (s *Scheduler) AddTicker(name string, interval time.Duration, fn TaskFn) {
	s.mu.Lock()
	defer s.mu.Unlock()

	if s.ctx.Err() != nil {
		return
	}
	if old, ok := s.tickers[name]; ok {
		old.cancel()
		delete(s.tickers, name)
	}

	ctx, cancel := context.WithCancel(s.ctx)
	entry := &tickerEntry{
		fn:     fn,
		ticker: time.NewTicker(interval),
		cancel: cancel,
		ctx:    ctx,
		info:   TaskInfo{Name: name, Interval: interval},
	}
	s.tickers[name] = entry

	s.wg.Add(1)
	go func() {
		defer s.wg.Done()
		defer entry.ticker.Stop()
		for {
			select {
			case <-entry.ticker.C:
				s.execute(name, entry)
			case <-ctx.Done():
				return
			}
		}
	}()
	s.logger.Info("scheduler task registered", zap.String("name", name), zap.Duration("interval", interval))
}

func (s *Scheduler) execute(name string, e *tickerEntry) error {
	e.run.Lock()
	defer e.run.Unlock()

	start := time.Now()
	err := func() (err error) {
		defer func() {
			if r := recover(); r != nil {
				err = fmt.Errorf("panic: %v", r)
			}
		}()
		return e.fn(e.ctx)
	}()

	e.statMu.Lock()
	e.info.Runs++
	e.info.LastRun = start
	e.info.LastDuration = time.Since(start)
	e.info.LastError = ""
	if err != nil {
		e.info.Failures++
		e.info.LastError = err.Error()
	}
	e.statMu.Unlock()

	if err != nil {
		s.logger.Error("scheduler task failed", zap.String("task", name), zap.Error(err))
	}
	return err
}

// RunNow executes a registered task immediately on the caller's goroutine
// and returns its error.
func (s *Scheduler) RunNow(name string) error {
	s.mu.Lock()
	e, ok := s.tickers[name]
	s.mu.Unlock()
	if !ok {
		return ErrUnknownTask
	}
	return s.execute(name, e)
}

// Remove stops and removes a task by name.
func (s *Scheduler) Remove(name string) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if entry, ok := s.tickers[name]; ok {
		entry.cancel()
		delete(s.tickers, name)
	}
}

// Stop cancels every task and waits for running executions to return.
func (s *Scheduler) Stop() {
	s.mu.Lock()
	s.cancel()
	s.tickers = make(map[string]*tickerEntry)
	s.mu.Unlock()
	s.wg.Wait()
}

// ListTickers returns the names of all registered tasks, sorted.
func (s *Scheduler) ListTickers() []string {
	s.mu.Lock()
	defer s.mu.Unlock()
	names := make([]string, 0, len(s.tickers))
	for name := range s.tickers {
		names = append(names, name)
	}
	sort.Strings(names)
	return names
}

// Tasks returns a stats snapshot of every registered task, sorted by name.
func (s *Scheduler) Tasks() []TaskInfo {
	s.mu.Lock()
	entries := make([]*tickerEntry, 0, len(s.tickers))
	for _, e := range s.tickers {
		entries = append(entries, e)
	}
	s.mu.Unlock()

	out := make([]TaskInfo, 0, len(entries))
	for _, e := range entries {
		e.statMu.Lock()
		out = append(out, e.info)
		e.statMu.Unlock()
	}
	sort.Slice(out, func(i, j int) bool { return out[i].Name < out[j].Name })
	return out
}
