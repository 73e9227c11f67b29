package rangeengine

import (
	"context"
	"fmt"
	"io"
	"path"

	"github.com/elq/hypertable/internal/accessgroup"
	"github.com/elq/hypertable/internal/cellcache"
	"github.com/elq/hypertable/internal/cellkey"
	"github.com/elq/hypertable/internal/commitlog"
	"github.com/elq/hypertable/internal/metadata"
	"github.com/elq/hypertable/internal/rangemetalog"
	"github.com/elq/hypertable/internal/schema"
)

// cellSink receives one replayed cell already resolved to its owning
// access group name.
type cellSink func(agName string, key *cellkey.Key, value []byte)

// LoadRange reconstructs a Range from its metadata-table entry and
// whatever RangeMetaLog state rangemetalog.Load folded for it (spec.md
// §4.7's recovery_finalize). storeFiles supplies each access group's
// current ordered CellStore file list (the Files:<ag_name> column).
// loaded is nil for a range with no outstanding split record, implying
// STEADY. spec is the range's row interval as currently recorded in the
// metadata table — already narrowed if a prior SPLIT_SHRUNK or SPLIT_DONE
// was the last record observed for this lineage.
func LoadRange(ctx *ServerContext, id schema.TableIdentifier, spec schema.RangeSpec, sch *schema.Schema, metaVariant metadata.Variant, storeFiles map[string][]string, loaded *rangemetalog.LoadedRange) (*Range, error) {
	r := newRange(ctx, id, spec, sch, metaVariant)

	for _, name := range sch.AccessGroupNames() {
		ag, err := accessgroup.OpenExisting(name, ctx.FS, r.accessGroupConfig(name), storeFiles[name], spec.StartRow, spec.EndRow)
		if err != nil {
			return nil, fmt.Errorf("rangeengine: open access group %s for %s: %w", name, spec, err)
		}
		r.groups[name] = ag
	}

	var state rangemetalog.RangeState
	if loaded != nil {
		state = loaded.State
	}

	logPath := path.Join(ctx.Options.LogDir, r.dir, "commit")
	cl, err := commitlog.OpenAppend(ctx.FS, logPath)
	if err != nil {
		return nil, fmt.Errorf("rangeengine: reopen commit log for %s: %w", spec, err)
	}
	r.commitLog = cl

	var maxRev uint64
	switch state.State {
	case rangemetalog.SplitLogInstalled:
		maxRev, err = r.recoverSplitLogInstalled(logPath, state)
	case rangemetalog.SplitShrunkState:
		maxRev, err = r.recoverSplitShrunk(logPath, state)
	default:
		maxRev, err = r.recoverSteady(logPath)
	}
	if err != nil {
		return nil, err
	}

	r.mu.Lock()
	if maxRev > r.latestRevision {
		r.latestRevision = maxRev
	}
	r.mu.Unlock()
	ctx.bumpRevisionSeq(maxRev)

	if err := ctx.MetaLog.LogRangeLoaded(id, r.spec()); err != nil {
		return nil, fmt.Errorf("rangeengine: log range loaded: %w", err)
	}
	// The Files-column rewrite is deferred; see TakePendingFilesRewrite.
	r.pendingFilesRewrite.Store(true)
	return r, nil
}

// recoverSteady replays the commit log straight into each access group's
// cache, skipping any cell whose revision is already durable in a
// CellStore (spec.md §3: latest_revision is "the maximum over all
// stores, caches, and replayed logs").
func (r *Range) recoverSteady(logPath string) (uint64, error) {
	sink := func(agName string, key *cellkey.Key, value []byte) {
		ag, ok := r.groups[agName]
		if !ok || key.Revision <= ag.MaxStoreRevision() {
			return
		}
		ag.Add(key, value)
	}
	return r.replayCommitLog(logPath, nil, sink)
}

// recoverSplitLogInstalled rebuilds the state a crash interrupted between
// split_install_log and split_compact_and_shrink: every access group's
// cache had already been frozen and new writes to the departing side
// were being duplicated into the transfer log instead of the cache.
//
// The main commit log carries every write to the range, departing or not
// (Range.AddCells appends each whole batch to it), so one
// revision-filtered pass over it rebuilds each access group's frozen
// cache with the cells of both sides: the departing-side cells written
// before the split, which exist nowhere else, and those written after
// it, which the transfer log also holds. The transfer log is therefore
// not replayed separately. A departing-side cell that ends up both in
// the shared CellStore files and in the transfer log carries the same
// key and revision in each, and MergeScanner drops such duplicates —
// see DESIGN.md.
func (r *Range) recoverSplitLogInstalled(logPath string, state rangemetalog.RangeState) (uint64, error) {
	departing := schema.RangeSpec{StartRow: r.startRow, EndRow: state.SplitPoint}

	pending := make(map[string]*cellcache.CellCache, len(r.groups))
	sink := func(agName string, key *cellkey.Key, value []byte) {
		ag, ok := r.groups[agName]
		if !ok || key.Revision <= ag.MaxStoreRevision() {
			return
		}
		pc, ok := pending[agName]
		if !ok {
			pc = cellcache.New()
			pending[agName] = pc
		}
		pc.Add(key, value)
	}
	maxRev, err := r.replayCommitLog(logPath, nil, sink)
	if err != nil {
		return 0, err
	}
	for name, pc := range pending {
		if pc.CellCount() > 0 {
			r.groups[name].RestoreFrozen(pc)
		}
	}

	splitLog, err := commitlog.OpenAppend(r.ctx.FS, path.Join(state.TransferLogPath, "log"))
	if err != nil {
		return 0, fmt.Errorf("rangeengine: reopen transfer log %s: %w", state.TransferLogPath, err)
	}

	r.mu.Lock()
	r.oldBoundaryRow = append([]byte(nil), state.OldBoundaryRow...)
	r.softLimit = state.SoftLimit
	r.mu.Unlock()

	// off is not persisted: the only behavioral effect of SplitOff is the
	// Location write in phase 2, which by construction has not yet run
	// for any range recovered in this state. Resuming with SplitOffLow is
	// conservative: the new sibling's Location is simply left for the
	// master to assign, same as it would be without an explicit self-host
	// request.
	r.splitInfo.Store(&splitState{off: SplitOffLow, departing: departing, splitPoint: state.SplitPoint, splitLog: splitLog})
	r.recoveredSplitState.Store(uint32(rangemetalog.SplitLogInstalled))
	return maxRev, nil
}

// recoverSplitShrunk rebuilds the state a crash interrupted between
// split_compact_and_shrink and split_notify_master: this range's own
// bounds and metadata row were already narrowed, so spec (as passed to
// LoadRange) already reflects the post-shrink interval and a plain
// replay suffices. Only phase 3 — notifying the master — remains.
func (r *Range) recoverSplitShrunk(logPath string, state rangemetalog.RangeState) (uint64, error) {
	maxRev, err := r.recoverSteady(logPath)
	if err != nil {
		return 0, err
	}

	splitLog, err := commitlog.OpenAppend(r.ctx.FS, path.Join(state.TransferLogPath, "log"))
	if err != nil {
		return 0, fmt.Errorf("rangeengine: reopen transfer log %s: %w", state.TransferLogPath, err)
	}

	r.mu.Lock()
	r.oldBoundaryRow = append([]byte(nil), state.OldBoundaryRow...)
	r.softLimit = state.SoftLimit
	r.mu.Unlock()

	departing := schema.RangeSpec{StartRow: state.OldBoundaryRow, EndRow: state.SplitPoint}
	r.splitInfo.Store(&splitState{off: SplitOffLow, departing: departing, splitPoint: state.SplitPoint, splitLog: splitLog})
	r.recoveredSplitState.Store(uint32(rangemetalog.SplitShrunkState))
	return maxRev, nil
}

// PendingSplitResume reports whether recovery left a split in flight,
// and at which phase boundary. Callers (cmd/rangeserver) should invoke
// ResumeSplit once the server has finished the rest of its startup
// sequence, rather than inline during LoadRange, for the same deadlock-
// avoidance reason the deferred Files-column rewrite is deferred (see
// DESIGN.md).
func (r *Range) PendingSplitResume() (rangemetalog.State, bool) {
	v := r.recoveredSplitState.Load()
	if v == 0 && r.splitInfo.Load() == nil {
		return rangemetalog.Steady, false
	}
	return rangemetalog.State(v), r.splitInfo.Load() != nil
}

// ResumeSplit continues a split recovery left in flight. If recovery
// observed SPLIT_LOG_INSTALLED, phase 2 (compact and shrink) runs first;
// either way phase 3 (notify master) always runs last. No-op if no split
// is in flight.
func (r *Range) ResumeSplit(ctx context.Context, now int64) error {
	st := r.splitInfo.Load()
	if st == nil {
		return nil
	}
	if rangemetalog.State(r.recoveredSplitState.Load()) == rangemetalog.SplitLogInstalled {
		if err := r.splitCompactAndShrink(now, st); err != nil {
			return err
		}
		st = r.splitInfo.Load()
	}
	r.recoveredSplitState.Store(0)
	return r.splitNotifyMaster(ctx, st)
}

// replayCommitLog reads every batch in logPath in order and dispatches
// each cell to sink, resolved to its owning access group exactly as
// Range.AddCells would: DELETE_ROW fans out to every access group,
// everything else routes by column family. When departing is non-nil, a
// cell whose row falls within it is skipped; every caller in this
// package passes nil.
func (r *Range) replayCommitLog(logPath string, departing *schema.RangeSpec, sink cellSink) (uint64, error) {
	reader, err := commitlog.OpenReader(r.ctx.FS, logPath)
	if err != nil {
		return 0, fmt.Errorf("rangeengine: open commit log %s: %w", logPath, err)
	}
	defer reader.Close()

	var maxRev uint64
	for {
		_, cells, err := reader.Next()
		if err == io.EOF {
			break
		}
		if err != nil {
			return 0, fmt.Errorf("rangeengine: replay commit log %s: %w", logPath, err)
		}
		for _, c := range cells {
			k := c.Key
			if k.Revision > maxRev {
				maxRev = k.Revision
			}
			if departing != nil && departing.Contains(k.Row) {
				continue
			}
			if k.Flag == cellkey.FlagDeleteRow {
				for _, name := range r.sch.AccessGroupNames() {
					sink(name, k, c.Value)
				}
				continue
			}
			agName, ok := r.sch.AccessGroupFor(k.ColumnFamily)
			if !ok {
				continue
			}
			sink(agName, k, c.Value)
		}
	}
	return maxRev, nil
}
