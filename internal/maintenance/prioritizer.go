package maintenance

import (
	"sort"

	"github.com/elq/hypertable/internal/rangeengine"
)

// TaskKind identifies the maintenance operation a Task performs.
type TaskKind int

const (
	TaskCompact TaskKind = iota
	TaskSplit
)

func (k TaskKind) String() string {
	switch k {
	case TaskCompact:
		return "compact"
	case TaskSplit:
		return "split"
	default:
		return "unknown"
	}
}

// Task is one scored unit of outstanding maintenance work for a range.
type Task struct {
	Range *rangeengine.Range
	Kind  TaskKind
	Score float64
}

// Prioritizer scores and orders outstanding work across every hosted
// range. It is grounded on internal/compaction/picker.go's
// NeedsCompaction/PickCompaction shape (a score where >= 1.0 means
// "needs action now", sorted so the worst offender runs first), adapted
// from per-level scoring to per-range {split, compact} scoring: a range
// over its soft limit always outranks one merely needing a cache flush,
// since an oversized range risks an unbounded memory footprint while an
// uncompacted one only risks extra scan latency.
type Prioritizer struct {
	// MaxPerTick caps how many tasks Prioritize returns in one call. Zero
	// means unbounded.
	MaxPerTick int
}

// Prioritize scores every range's MaintenanceData and returns the
// resulting tasks sorted highest score first. A busy range, or one with
// nothing outstanding, is skipped entirely; a sticky-errored range is
// only withheld from a further split attempt (see the split/compact
// split below).
func (p *Prioritizer) Prioritize(ranges []*rangeengine.Range) []Task {
	var tasks []Task
	for _, r := range ranges {
		if r.CancelMaintenance() {
			continue
		}
		data := r.GetMaintenanceData()
		if data.Busy {
			continue
		}
		// A sticky error (e.g. ROW_OVERFLOW) only rules out a further split
		// attempt; the range keeps serving and its cache can still be
		// flushed (spec.md §7), so compaction is not skipped.
		switch {
		case data.NeedsSplit && data.StickyError == nil:
			tasks = append(tasks, Task{Range: r, Kind: TaskSplit, Score: splitScore(data)})
		case data.NeedsCompact:
			tasks = append(tasks, Task{Range: r, Kind: TaskCompact, Score: compactScore(data)})
		}
	}

	sort.Slice(tasks, func(i, j int) bool { return tasks[i].Score > tasks[j].Score })
	if p.MaxPerTick > 0 && len(tasks) > p.MaxPerTick {
		tasks = tasks[:p.MaxPerTick]
	}
	return tasks
}

// splitScore rates how far a range has grown past its soft limit. It is
// offset by 1.0 so every split task outranks every compact task, whose
// score never exceeds 1.0 (see compactScore).
func splitScore(d rangeengine.MaintenanceData) float64 {
	limit := d.SoftLimit
	if limit <= 0 {
		limit = 1
	}
	return 1.0 + float64(d.DiskUsage)/float64(limit)
}

// compactScore rates how much memory a range's unflushed caches are
// holding relative to its soft limit, capped below 1.0 so it never
// outranks a split task.
func compactScore(d rangeengine.MaintenanceData) float64 {
	limit := d.SoftLimit
	if limit <= 0 {
		limit = 1
	}
	score := float64(d.MemoryUsage) / float64(limit)
	if score > 0.999 {
		score = 0.999
	}
	return score
}
