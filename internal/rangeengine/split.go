package rangeengine

import (
	"bytes"
	"context"
	"crypto/md5"
	"encoding/hex"
	"fmt"
	"path"
	"sort"
	"time"

	"github.com/elq/hypertable/internal/accessgroup"
	"github.com/elq/hypertable/internal/commitlog"
	"github.com/elq/hypertable/internal/hterrors"
	"github.com/elq/hypertable/internal/metadata"
	"github.com/elq/hypertable/internal/rangemetalog"
	"github.com/elq/hypertable/internal/schema"
)

// SplitOff records which side of a split this server additionally
// self-hosts (spec.md §4.5). This implementation always keeps the
// existing range's metadata-table identity on the high side — its
// EndRow never changes across a split, only StartRow narrows upward,
// matching the metadata mutation spec.md §4.5 phase 2 step 2 literally
// describes ("change StartRow of the existing row"; "insert a new ...
// row keyed by the split point" for the low side). SplitOff therefore
// governs a narrower, orthogonal decision: whether this server also
// writes Location on the newly created low-side sibling's metadata row
// (High) or leaves Location unset for the master to assign elsewhere
// (Low) — see DESIGN.md.
type SplitOff int

const (
	// SplitOffLow leaves the new sibling's Location column unset; the
	// master assigns it to some range server.
	SplitOffLow SplitOff = iota
	// SplitOffHigh additionally sets Location to this server on the new
	// sibling's metadata row.
	SplitOffHigh
)

func (s SplitOff) String() string {
	if s == SplitOffHigh {
		return "high"
	}
	return "low"
}

// metaLogRetries and metaLogRetrySleep implement spec.md §4.5's "each
// log_split_* call retries a bounded number of times with a pause
// between attempts; further failure is fatal." metaLogRetrySleep is a
// package variable rather than a direct time.Sleep call so test code can
// shrink it.
var metaLogRetries = 4

var metaLogRetrySleep = func() { time.Sleep(5 * time.Second) }

// Split runs the full three-phase split (spec.md §4.5): split_install_log,
// split_compact_and_shrink, split_notify_master. now is the reference
// timestamp the minor compaction in phase 2 is stamped with. off governs
// whether the new sibling is additionally self-hosted (see SplitOff).
func (r *Range) Split(ctx context.Context, now int64, off SplitOff) error {
	splitPoint, err := r.chooseSplitPoint()
	if err != nil {
		r.setStickyError(err)
		return err
	}

	st, err := r.splitInstallLog(splitPoint, off)
	if err != nil {
		return err
	}
	if err := r.splitCompactAndShrink(now, st); err != nil {
		return err
	}
	return r.splitNotifyMaster(ctx, st)
}

// chooseSplitPoint implements spec.md §4.5 phase 1, steps 1-2: collect
// easy-path candidates from every access group and take the median,
// verified to fall inside the range's interval; if any group yields none,
// or the median falls outside the interval, recollect with the hard
// (cache-scanning) path and take that median instead.
func (r *Range) chooseSplitPoint() ([]byte, error) {
	rs := r.spec()

	r.schemaMu.RLock()
	groups := make(map[string]*accessgroup.AccessGroup, len(r.groups))
	for name, ag := range r.groups {
		groups[name] = ag
	}
	r.schemaMu.RUnlock()

	candidates, retry, err := collectCandidates(groups, false)
	if err != nil {
		return nil, err
	}
	point := medianInRange(candidates, rs)
	if point == nil || retry {
		candidates, _, err = collectCandidates(groups, true)
		if err != nil {
			return nil, err
		}
		point = medianInRange(candidates, rs)
	}
	if point == nil {
		return nil, hterrors.ErrRowOverflow
	}
	return point, nil
}

// collectCandidates gathers one round of split-row suggestions from
// every access group. retry reports whether any group returned no
// candidates at all, signalling the caller should retry with hard=true
// before giving up (spec.md §4.5 phase 1, step 2).
func collectCandidates(groups map[string]*accessgroup.AccessGroup, hard bool) (candidates [][]byte, retry bool, err error) {
	for name, ag := range groups {
		rows, err := ag.GetSplitRows(hard)
		if err != nil {
			return nil, false, fmt.Errorf("rangeengine: get split rows for %s: %w", name, err)
		}
		if len(rows) == 0 {
			retry = true
			continue
		}
		candidates = append(candidates, rows...)
	}
	return candidates, retry, nil
}

func medianInRange(candidates [][]byte, rs schema.RangeSpec) []byte {
	if len(candidates) == 0 {
		return nil
	}
	sort.Slice(candidates, func(i, j int) bool { return bytes.Compare(candidates[i], candidates[j]) < 0 })
	mid := candidates[len(candidates)/2]
	if !rs.Contains(mid) {
		return nil
	}
	return mid
}

// splitInstallLog is spec.md §4.5 phase 1: freeze every access group's
// cache, open the transfer log new writes to the departing side get
// duplicated into, publish the split state to add_cells, and then, as
// the last step, journal SPLIT_LOG_INSTALLED.
func (r *Range) splitInstallLog(splitPoint []byte, off SplitOff) (*splitState, error) {
	sum := md5.Sum(splitPoint)
	transferLogPath := path.Join(r.ctx.Options.LogDir, "splits", hex.EncodeToString(sum[:])[:12])

	if r.ctx.FS.Exists(transferLogPath) {
		if err := r.ctx.FS.Rmdir(transferLogPath); err != nil {
			return nil, hterrors.Wrap(hterrors.Fatal, err, "rangeengine: clear stale transfer log dir %s", transferLogPath)
		}
	}
	if err := r.ctx.FS.Mkdirs(transferLogPath); err != nil {
		return nil, hterrors.Wrap(hterrors.Fatal, err, "rangeengine: create transfer log dir %s", transferLogPath)
	}

	splitLog, err := commitlog.Create(r.ctx.FS, path.Join(transferLogPath, "log"))
	if err != nil {
		return nil, fmt.Errorf("rangeengine: create transfer log: %w", err)
	}

	rs := r.spec()
	departing := schema.RangeSpec{StartRow: rs.StartRow, EndRow: splitPoint}

	r.updateBarrier.Lock()
	r.schemaMu.RLock()
	for _, ag := range r.groups {
		ag.InitiateCompaction()
	}
	r.schemaMu.RUnlock()

	st := &splitState{off: off, departing: departing, splitPoint: splitPoint, splitLog: splitLog}
	r.splitInfo.Store(st)

	r.mu.Lock()
	r.oldBoundaryRow = append([]byte(nil), rs.StartRow...)
	softLimit := r.softLimit
	r.mu.Unlock()
	r.updateBarrier.Unlock()

	rstate := rangemetalog.RangeState{
		SplitPoint:      splitPoint,
		OldBoundaryRow:  append([]byte(nil), rs.StartRow...),
		TransferLogPath: transferLogPath,
		SoftLimit:       softLimit,
	}
	if err := r.logSplitStartRetrying(rstate); err != nil {
		return nil, err
	}
	return st, nil
}

// logSplitStartRetrying journals SPLIT_LOG_INSTALLED with the retry
// policy spec.md §4.5 specifies: bounded retries with a pause between
// attempts; further failure is fatal.
func (r *Range) logSplitStartRetrying(st rangemetalog.RangeState) error {
	var lastErr error
	for attempt := 0; attempt < metaLogRetries; attempt++ {
		if err := r.ctx.MetaLog.LogSplitStart(r.id, r.spec(), st); err != nil {
			lastErr = err
			metaLogRetrySleep()
			continue
		}
		return nil
	}
	r.log().Fatalf("rangeengine: LogSplitStart failed after %d attempts: %v", metaLogRetries, lastErr)
	return hterrors.Wrap(hterrors.Fatal, lastErr, "rangeengine: metadata journal write failed after retries")
}

// splitCompactAndShrink is spec.md §4.5 phase 2: minor-compact every
// access group's frozen cache into a new CellStore, publish the
// sibling's metadata row (sharing the same physical CellStore files,
// since Shrink and OpenExisting clip to row bounds at read time rather
// than copying data), then atomically narrow this range's own bounds
// under both barriers.
func (r *Range) splitCompactAndShrink(now int64, st *splitState) error {
	r.schemaMu.RLock()
	groups := make(map[string]*accessgroup.AccessGroup, len(r.groups))
	for name, ag := range r.groups {
		groups[name] = ag
	}
	r.schemaMu.RUnlock()

	rs := r.spec()
	siblingFiles := make(map[string][]string, len(groups))

	for name, ag := range groups {
		if r.dropped.Load() {
			return hterrors.ErrCancelled
		}
		if err := ag.RunCompaction(false, now); err != nil {
			return fmt.Errorf("rangeengine: split minor compaction %s: %w", name, err)
		}
		paths := ag.FilePaths()
		if err := r.metaVariant.WriteFiles(name, paths); err != nil {
			return fmt.Errorf("rangeengine: write files for %s during split: %w", name, err)
		}
		siblingFiles[name] = paths
	}

	siblingEntry := metadata.Entry{
		StartRow: st.departing.StartRow,
		EndRow:   st.splitPoint,
		Files:    siblingFiles,
	}
	if st.off == SplitOffHigh {
		siblingEntry.Location = r.ctx.Location
	}
	if err := r.ctx.Metadata.InsertEntry(r.id.ID, siblingEntry); err != nil {
		return fmt.Errorf("rangeengine: insert sibling metadata entry: %w", err)
	}
	if err := r.ctx.Metadata.PutStartRow(r.id.ID, rs.EndRow, st.splitPoint); err != nil {
		return fmt.Errorf("rangeengine: update StartRow metadata: %w", err)
	}

	r.updateBarrier.Lock()
	r.scanBarrier.Lock()
	r.mu.Lock()
	r.startRow = append([]byte(nil), st.splitPoint...)
	r.mu.Unlock()

	var shrinkErr error
	for name, ag := range groups {
		if err := ag.Shrink(st.splitPoint, rs.EndRow); err != nil {
			shrinkErr = fmt.Errorf("rangeengine: shrink %s: %w", name, err)
			break
		}
	}
	if shrinkErr == nil {
		_ = st.splitLog.Close()
		r.splitInfo.Store(nil)
	}
	r.scanBarrier.Unlock()
	r.updateBarrier.Unlock()
	if shrinkErr != nil {
		return shrinkErr
	}

	rstate := rangemetalog.RangeState{
		SplitPoint:      st.splitPoint,
		OldBoundaryRow:  r.currentOldBoundary(),
		TransferLogPath: st.splitLog.Path(),
		SoftLimit:       r.currentSoftLimit(),
	}
	return r.logSplitShrunkRetrying(rstate)
}

func (r *Range) currentOldBoundary() []byte {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.oldBoundaryRow
}

func (r *Range) currentSoftLimit() int64 {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.softLimit
}

func (r *Range) logSplitShrunkRetrying(st rangemetalog.RangeState) error {
	var lastErr error
	for attempt := 0; attempt < metaLogRetries; attempt++ {
		if err := r.ctx.MetaLog.LogSplitShrunk(r.id, r.spec(), st); err != nil {
			lastErr = err
			metaLogRetrySleep()
			continue
		}
		return nil
	}
	r.log().Fatalf("rangeengine: LogSplitShrunk failed after %d attempts: %v", metaLogRetries, lastErr)
	return hterrors.Wrap(hterrors.Fatal, lastErr, "rangeengine: metadata journal write failed after retries")
}

// splitNotifyMaster is spec.md §4.5 phase 3: tell the master about the
// new sibling, double this range's soft_limit (capped at RangeMaxBytes),
// and journal SPLIT_DONE, returning the range to STEADY.
func (r *Range) splitNotifyMaster(ctx context.Context, st *splitState) error {
	r.mu.Lock()
	newSoft := r.softLimit * 2
	if newSoft > r.ctx.Options.RangeMaxBytes {
		newSoft = r.ctx.Options.RangeMaxBytes
	}
	r.softLimit = newSoft
	r.mu.Unlock()

	if err := r.ctx.Master.ReportSplit(ctx, r.id, st.departing, st.splitLog.Path(), newSoft); err != nil {
		return fmt.Errorf("rangeengine: report split: %w", err)
	}

	return r.logSplitDoneRetrying()
}

func (r *Range) logSplitDoneRetrying() error {
	var lastErr error
	for attempt := 0; attempt < metaLogRetries; attempt++ {
		if err := r.ctx.MetaLog.LogSplitDone(r.id, r.spec()); err != nil {
			lastErr = err
			metaLogRetrySleep()
			continue
		}
		return nil
	}
	r.log().Fatalf("rangeengine: LogSplitDone failed after %d attempts: %v", metaLogRetries, lastErr)
	return hterrors.Wrap(hterrors.Fatal, lastErr, "rangeengine: metadata journal write failed after retries")
}
