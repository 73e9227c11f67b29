package maintenance_test

import (
	"fmt"
	"sync"
	"sync/atomic"
	"testing"

	"github.com/elq/hypertable/internal/cellkey"
	"github.com/elq/hypertable/internal/commitlog"
	"github.com/elq/hypertable/internal/maintenance"
	"github.com/elq/hypertable/internal/master"
	"github.com/elq/hypertable/internal/metadata"
	"github.com/elq/hypertable/internal/rangeengine"
	"github.com/elq/hypertable/internal/rangemetalog"
	"github.com/elq/hypertable/internal/schema"
	"github.com/elq/hypertable/internal/testutil"
)

// newTestRange wires one Range directly against rangeengine (not
// harness), so the test can set a tiny AccessGroupMaxMem and still
// cross the flush threshold with a handful of cells.
func newTestRange(t *testing.T, name string, cellCacheLimit int64) *rangeengine.Range {
	t.Helper()
	fs := testutil.NewMemFS()
	metaLog, err := rangemetalog.Open(fs, fmt.Sprintf("/%s.metalog", name))
	if err != nil {
		t.Fatalf("rangemetalog.Open: %v", err)
	}
	t.Cleanup(func() { _ = metaLog.Close() })

	opts := rangeengine.DefaultOptions()
	opts.AccessGroupMaxMem = cellCacheLimit
	opts.LogDir = "/log"

	metaTable := metadata.NewTable()
	srvCtx := rangeengine.NewServerContext(fs, metaLog, metaTable, master.NewStubClient(), nil, opts, "rs1")

	sch := schema.New(1)
	if err := sch.AddColumnFamily(1, "cf1", "ag1"); err != nil {
		t.Fatalf("AddColumnFamily: %v", err)
	}
	id := schema.TableIdentifier{ID: name, Generation: 1, Name: name}
	spec := schema.RangeSpec{StartRow: nil, EndRow: []byte("z")}

	metaVariant, err := metadata.NewVariant(metaTable, id.ID, spec.EndRow, spec.IsRoot())
	if err != nil {
		t.Fatalf("metadata.NewVariant: %v", err)
	}
	r, err := rangeengine.New(srvCtx, id, spec, sch, metaVariant)
	if err != nil {
		t.Fatalf("rangeengine.New: %v", err)
	}
	return r
}

func addCells(t *testing.T, r *rangeengine.Range, n int, valueSize int) {
	t.Helper()
	var cells []commitlog.Cell
	for i := 0; i < n; i++ {
		row := []byte{byte('a' + i%26)}
		cells = append(cells, commitlog.Cell{
			Key:   &cellkey.Key{Row: row, ColumnFamily: 1, Flag: cellkey.FlagInsert, Timestamp: int64(i + 1)},
			Value: make([]byte, valueSize),
		})
	}
	if len(cells) > 0 {
		if err := r.AddCells(cells); err != nil {
			t.Fatalf("AddCells: %v", err)
		}
	}
}

// TestPrioritizeSkipsBusyAndIdleRanges confirms Prioritize only emits
// tasks for ranges that actually need split/compact, and skips any range
// marked busy (spec.md §4.8).
func TestPrioritizeSkipsBusyAndIdleRanges(t *testing.T) {
	const cacheLimit = 4096

	idle := newTestRange(t, "idle", cacheLimit)

	loaded := newTestRange(t, "loaded", cacheLimit)
	addCells(t, loaded, 26, 512)

	busy := newTestRange(t, "busy", cacheLimit)
	addCells(t, busy, 26, 512)
	busy.SetBusy(true)

	p := &maintenance.Prioritizer{}
	tasks := p.Prioritize([]*rangeengine.Range{idle, loaded, busy})

	var gotLoaded bool
	for _, task := range tasks {
		if task.Range == busy {
			t.Fatalf("Prioritize: emitted a task for a busy range")
		}
		if task.Range == idle {
			t.Fatalf("Prioritize: emitted a task for an idle range with nothing to do")
		}
		if task.Range == loaded {
			gotLoaded = true
		}
	}
	if !gotLoaded {
		t.Fatalf("Prioritize: want a task for the range with unflushed cells, got none")
	}
}

// TestPrioritizeRespectsMaxPerTick confirms that with five ranges needing
// work and MaxPerTick=2, exactly two tasks are emitted.
func TestPrioritizeRespectsMaxPerTick(t *testing.T) {
	const cacheLimit = 4096
	var ranges []*rangeengine.Range
	for i := 0; i < 5; i++ {
		r := newTestRange(t, fmt.Sprintf("t%d", i), cacheLimit)
		addCells(t, r, 26, 512)
		ranges = append(ranges, r)
	}

	p := &maintenance.Prioritizer{MaxPerTick: 2}
	tasks := p.Prioritize(ranges)
	if len(tasks) != 2 {
		t.Fatalf("Prioritize with MaxPerTick=2: got %d tasks, want 2", len(tasks))
	}
}

// TestQueueRunsAllSubmittedWork confirms every submitted task eventually
// runs exactly once, bounded by the configured worker count.
func TestQueueRunsAllSubmittedWork(t *testing.T) {
	q := maintenance.NewQueue(3)
	var wg sync.WaitGroup
	var n atomic.Int64
	const total = 50
	wg.Add(total)
	for i := 0; i < total; i++ {
		q.Submit(func() {
			n.Add(1)
			wg.Done()
		})
	}
	wg.Wait()
	q.Close()
	if got := n.Load(); got != total {
		t.Fatalf("Queue ran %d tasks, want %d", got, total)
	}
}
