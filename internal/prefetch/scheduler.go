// Package prefetch preloads upcoming feed items with bounded concurrency.
package prefetch

import (
	"context"
	"fmt"
	"slices"
	"sync"
	"time"

	"github.com/agatticelli/feedsync/internal/events"
	"github.com/agatticelli/feedsync/internal/platform/observability"
	"github.com/agatticelli/feedsync/internal/platform/worker"
)

// Status of a preload task
type Status string

const (
	StatusQueued Status = "queued"
	StatusActive Status = "active"
	StatusDone   Status = "done"
	StatusFailed Status = "failed"
)

// PreloadFunc is the task body for one target index
type PreloadFunc func(ctx context.Context, index int) error

// Config holds the position trigger and concurrency settings
type Config struct {
	MaxConcurrent int
	PreloadAhead  int
	Threshold     float64
	MinRemaining  int
}

// DefaultConfig returns 3 concurrent tasks, 5 items ahead, 30% / 10 items remaining
func DefaultConfig() Config {
	return Config{
		MaxConcurrent: 3,
		PreloadAhead:  5,
		Threshold:     0.3,
		MinRemaining:  10,
	}
}

// Snapshot is the scheduler's task state, indices ascending except Queued
// which is in admission order.
type Snapshot struct {
	CurrentIndex int   `json:"currentIndex"`
	TotalItems   int   `json:"totalItems"`
	Queued       []int `json:"queued"`
	Active       []int `json:"active"`
	Done         []int `json:"done"`
	Failed       []int `json:"failed"`
}

// Scheduler admits preload tasks FIFO with at most MaxConcurrent active
type Scheduler struct {
	cfg     Config
	preload PreloadFunc
	gate    *IdleGate
	pool    *worker.Pool
	bus     events.Publisher
	logger  *observability.Logger
	metrics *observability.Metrics

	mu       sync.Mutex
	settled  *sync.Cond
	current  int
	total    int
	queue    []int
	queued   map[int]bool
	active   map[int]bool
	finished map[int]Status
	// gen advances on ClearPreloads; results of older tasks are not recorded
	gen    uint64
	closed bool

	collectorDone chan struct{}
}

// NewScheduler creates a scheduler whose tasks run on a worker pool sized to
// MaxConcurrent. gate, bus, logger and metrics may be nil.
func NewScheduler(ctx context.Context, cfg Config, preload PreloadFunc, gate *IdleGate, bus events.Publisher, logger *observability.Logger, metrics *observability.Metrics) *Scheduler {
	def := DefaultConfig()
	if cfg.MaxConcurrent <= 0 {
		cfg.MaxConcurrent = def.MaxConcurrent
	}
	if cfg.PreloadAhead <= 0 {
		cfg.PreloadAhead = def.PreloadAhead
	}
	if cfg.Threshold <= 0 {
		cfg.Threshold = def.Threshold
	}
	if cfg.MinRemaining <= 0 {
		cfg.MinRemaining = def.MinRemaining
	}
	if gate == nil {
		gate = NewIdleGate()
	}
	if logger == nil {
		logger = observability.NewNopLogger()
	}

	s := &Scheduler{
		cfg:           cfg,
		preload:       preload,
		gate:          gate,
		pool:          worker.NewPool(ctx, cfg.MaxConcurrent, cfg.MaxConcurrent),
		bus:           bus,
		logger:        logger.WithComponent("prefetch"),
		metrics:       metrics,
		queued:        make(map[int]bool),
		active:        make(map[int]bool),
		finished:      make(map[int]Status),
		collectorDone: make(chan struct{}),
	}
	s.settled = sync.NewCond(&s.mu)

	go s.collect()
	return s
}

// Gate returns the idle gate deferring task bodies
func (s *Scheduler) Gate() *IdleGate {
	return s.gate
}

// RegisterPosition records the viewer's position and preloads ahead when few
// items remain. It returns the indices newly admitted or queued.
func (s *Scheduler) RegisterPosition(ctx context.Context, current, total int) []int {
	s.mu.Lock()
	defer s.mu.Unlock()

	s.current = current
	s.total = total

	if total <= 0 {
		return nil
	}
	remaining := total - current
	if remaining <= 0 {
		return nil
	}

	triggered := remaining <= s.cfg.MinRemaining ||
		float64(remaining)/float64(total) <= s.cfg.Threshold
	if !triggered {
		return nil
	}

	n := min(s.cfg.PreloadAhead, remaining)
	var scheduled []int
	for i := 1; i <= n; i++ {
		index := current + i
		if s.finished[index] == StatusDone {
			continue
		}
		if s.executeLocked(ctx, index) {
			scheduled = append(scheduled, index)
		}
	}

	if len(scheduled) > 0 {
		s.logger.LogDebug(ctx, "preload triggered",
			"current", current,
			"total", total,
			"remaining", remaining,
			"indices", scheduled,
		)
	}
	return scheduled
}

// TriggerPreload schedules index regardless of position, still under the cap.
// It reports whether the index was newly scheduled.
func (s *Scheduler) TriggerPreload(ctx context.Context, index int) bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.executeLocked(ctx, index)
}

// ClearPreloads drops queued tasks and forgets finished ones. Active tasks
// keep their slots until they return, but their outcome is discarded.
func (s *Scheduler) ClearPreloads() {
	s.mu.Lock()
	defer s.mu.Unlock()

	s.gen++
	s.queue = nil
	clear(s.queued)
	clear(s.finished)
	s.current = 0
	s.total = 0
	s.recordLoadLocked(context.Background())
	s.settled.Broadcast()
}

// Snapshot returns the current task state
func (s *Scheduler) Snapshot() Snapshot {
	s.mu.Lock()
	defer s.mu.Unlock()

	snap := Snapshot{
		CurrentIndex: s.current,
		TotalItems:   s.total,
		Queued:       slices.Clone(s.queue),
	}
	for index := range s.active {
		snap.Active = append(snap.Active, index)
	}
	for index, status := range s.finished {
		if status == StatusDone {
			snap.Done = append(snap.Done, index)
		} else {
			snap.Failed = append(snap.Failed, index)
		}
	}
	slices.Sort(snap.Active)
	slices.Sort(snap.Done)
	slices.Sort(snap.Failed)
	return snap
}

// Status returns the status of index and whether it is known
func (s *Scheduler) Status(index int) (Status, bool) {
	s.mu.Lock()
	defer s.mu.Unlock()

	switch {
	case s.active[index]:
		return StatusActive, true
	case s.queued[index]:
		return StatusQueued, true
	}
	status, ok := s.finished[index]
	return status, ok
}

// Wait blocks until no task is queued or active
func (s *Scheduler) Wait() {
	s.mu.Lock()
	defer s.mu.Unlock()

	for len(s.queue) > 0 || len(s.active) > 0 {
		s.settled.Wait()
	}
}

// Close cancels running tasks and stops the pool
func (s *Scheduler) Close() {
	s.mu.Lock()
	if s.closed {
		s.mu.Unlock()
		return
	}
	s.closed = true
	s.queue = nil
	clear(s.queued)
	s.mu.Unlock()

	s.pool.Close()
	<-s.collectorDone

	s.mu.Lock()
	clear(s.active)
	s.settled.Broadcast()
	s.mu.Unlock()
}

// executeLocked is the admission step: no-op for queued or active indices,
// park when at capacity, otherwise start.
func (s *Scheduler) executeLocked(ctx context.Context, index int) bool {
	if s.closed || index < 0 || s.queued[index] || s.active[index] {
		return false
	}

	if len(s.active) >= s.cfg.MaxConcurrent {
		s.queue = append(s.queue, index)
		s.queued[index] = true
		s.recordLoadLocked(ctx)
		return true
	}

	s.startLocked(ctx, index)
	return true
}

func (s *Scheduler) startLocked(ctx context.Context, index int) {
	delete(s.finished, index)
	s.active[index] = true

	job := worker.Job{
		ID: fmt.Sprintf("preload-%d-%d", index, s.gen),
		Execute: func(ctx context.Context) (any, error) {
			if err := s.gate.WaitIdle(ctx); err != nil {
				return index, err
			}
			return index, s.preload(ctx, index)
		},
	}
	if err := s.pool.TrySubmit(job); err != nil {
		// Only possible once the pool is closing
		delete(s.active, index)
		s.logger.LogWarn(ctx, "preload not submitted", "index", index, "error", err)
		return
	}

	s.recordLoadLocked(ctx)
	s.publish(events.Event{Type: events.PreloadStarted, Index: index})
}

// collect frees a slot for every finished task and admits the oldest queued
func (s *Scheduler) collect() {
	defer close(s.collectorDone)

	for res := range s.pool.Results() {
		var (
			index int
			gen   uint64
		)
		if _, err := fmt.Sscanf(res.JobID, "preload-%d-%d", &index, &gen); err != nil {
			s.logger.Error("unexpected preload job id", "job_id", res.JobID)
			continue
		}
		s.finish(index, gen, res)
	}
}

func (s *Scheduler) finish(index int, gen uint64, res worker.Result) {
	ctx := context.Background()

	s.mu.Lock()
	defer s.mu.Unlock()

	delete(s.active, index)
	if gen != s.gen {
		s.logger.LogDebug(ctx, "preload outcome discarded after clear", "index", index)
	} else if res.Err != nil {
		s.finished[index] = StatusFailed
		s.logger.LogWarn(ctx, "preload failed",
			"index", index,
			"duration_ms", res.Duration.Milliseconds(),
			"error", res.Err,
		)
		s.publish(events.Event{Type: events.PreloadFailed, Index: index, Err: res.Err})
	} else {
		s.finished[index] = StatusDone
		s.logger.LogDebug(ctx, "preload completed", "index", index, "duration", res.Duration.Round(time.Millisecond))
		s.publish(events.Event{Type: events.PreloadCompleted, Index: index})
	}
	s.metrics.RecordPreload(ctx, res.Err == nil)

	for len(s.queue) > 0 && len(s.active) < s.cfg.MaxConcurrent && !s.closed {
		next := s.queue[0]
		s.queue = s.queue[1:]
		delete(s.queued, next)
		s.startLocked(ctx, next)
	}
	s.recordLoadLocked(ctx)
	s.settled.Broadcast()
}

func (s *Scheduler) recordLoadLocked(ctx context.Context) {
	s.metrics.SetPreloadLoad(ctx, len(s.active), len(s.queue))
}

func (s *Scheduler) publish(e events.Event) {
	if s.bus != nil {
		s.bus.Publish(e)
	}
}
