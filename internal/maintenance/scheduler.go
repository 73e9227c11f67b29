package maintenance

import (
	"context"
	"sync"
	"sync/atomic"
	"time"

	"github.com/elq/hypertable/internal/hterrors"
	"github.com/elq/hypertable/internal/logging"
	"github.com/elq/hypertable/internal/rangeengine"
)

// RangeSource supplies the set of ranges currently hosted by the server,
// queried fresh on every tick (ranges come and go as loads, drops, and
// splits happen concurrently with scheduling).
type RangeSource func() []*rangeengine.Range

// Scheduler is the per-server MaintenanceScheduler: it wakes up on a
// fixed interval (or early, if NeedScheduling was called), scores every
// hosted range with a Prioritizer, and runs the resulting tasks against
// a bounded Queue. Grounded on MaintenanceScheduler.h's shape
// (schedule/need_scheduling/maintenance_interval) combined with the
// teacher's scoring idiom (internal/compaction/picker.go).
type Scheduler struct {
	source      RangeSource
	prioritizer *Prioritizer
	queue       *Queue
	interval    time.Duration
	logger      logging.Logger
	now         func() int64

	mu      sync.Mutex
	needed  bool
	running atomic.Bool
	started atomic.Bool

	stop chan struct{}
	done chan struct{}
}

// Config holds the tunables needed to construct a Scheduler.
type Config struct {
	// Interval is the normal tick period between scheduling passes.
	Interval time.Duration
	// Workers is the number of concurrent maintenance operations the
	// queue runs at once.
	Workers int
	// MaxTasksPerTick caps how many tasks one tick dispatches; zero means
	// unbounded.
	MaxTasksPerTick int
	Logger          logging.Logger
	// Now returns the reference timestamp passed to Compact/Split. Tests
	// can substitute a deterministic clock.
	Now func() int64
}

// NewScheduler builds a Scheduler that pulls ranges from source.
func NewScheduler(source RangeSource, cfg Config) *Scheduler {
	now := cfg.Now
	if now == nil {
		now = func() int64 { return time.Now().UnixMicro() }
	}
	return &Scheduler{
		source:      source,
		prioritizer: &Prioritizer{MaxPerTick: cfg.MaxTasksPerTick},
		queue:       NewQueue(cfg.Workers),
		interval:    cfg.Interval,
		logger:      logging.OrDefault(cfg.Logger),
		now:         now,
		stop:        make(chan struct{}),
		done:        make(chan struct{}),
	}
}

// NeedScheduling flags that the next tick should fire immediately
// rather than waiting out the full interval, mirroring
// MaintenanceScheduler::need_scheduling — raised when a write pushes a
// range over its soft limit.
func (s *Scheduler) NeedScheduling() {
	s.mu.Lock()
	s.needed = true
	s.mu.Unlock()
}

// Run ticks at s.interval, or sooner when NeedScheduling has fired,
// until ctx is cancelled or Stop is called. Run blocks; call it from its
// own goroutine.
func (s *Scheduler) Run(ctx context.Context) {
	s.started.Store(true)
	defer close(s.done)

	pollInterval := s.interval / 10
	if pollInterval <= 0 {
		pollInterval = time.Millisecond
	}
	ticker := time.NewTicker(pollInterval)
	defer ticker.Stop()

	lastTick := s.now()
	for {
		select {
		case <-ctx.Done():
			return
		case <-s.stop:
			return
		case <-ticker.C:
			s.mu.Lock()
			due := s.needed || s.now()-lastTick >= s.interval.Microseconds()
			s.mu.Unlock()
			if due {
				s.tick()
				lastTick = s.now()
			}
		}
	}
}

// Stop halts Run (waiting for it to return if it has started) and waits
// for the queue's workers to drain.
func (s *Scheduler) Stop() {
	close(s.stop)
	if s.started.Load() {
		<-s.done
	}
	s.queue.Close()
}

// tick runs one scheduling pass: gather, score, dispatch, wait. A tick
// already in flight (a prior pass whose tasks are still running) is
// skipped rather than queued, since the next regular tick will pick up
// whatever remains outstanding.
func (s *Scheduler) tick() {
	if !s.running.CompareAndSwap(false, true) {
		return
	}
	defer s.running.Store(false)

	s.mu.Lock()
	s.needed = false
	s.mu.Unlock()

	tasks := s.prioritizer.Prioritize(s.source())
	if len(tasks) == 0 {
		return
	}

	var wg sync.WaitGroup
	for _, t := range tasks {
		t := t
		t.Range.SetBusy(true)
		wg.Add(1)
		s.queue.Submit(func() {
			defer wg.Done()
			s.runTask(t)
		})
	}
	wg.Wait()
}

func (s *Scheduler) runTask(t Task) {
	defer t.Range.SetBusy(false)

	var err error
	switch t.Kind {
	case TaskCompact:
		err = t.Range.Compact(false, s.now())
	case TaskSplit:
		err = t.Range.Split(context.Background(), s.now(), rangeengine.SplitOffLow)
	}
	if err != nil && !hterrors.IsCancelled(err) {
		s.logger.Errorf(logging.NSMaintenance+"%s %s: %v", t.Kind, t.Range.ID().Name, err)
	}
}
