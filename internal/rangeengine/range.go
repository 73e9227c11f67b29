package rangeengine

import (
	"encoding/hex"
	"fmt"
	"path"
	"sort"
	"sync"
	"sync/atomic"

	"github.com/elq/hypertable/internal/accessgroup"
	"github.com/elq/hypertable/internal/cellkey"
	"github.com/elq/hypertable/internal/commitlog"
	"github.com/elq/hypertable/internal/hterrors"
	"github.com/elq/hypertable/internal/logging"
	"github.com/elq/hypertable/internal/mergescan"
	"github.com/elq/hypertable/internal/metadata"
	"github.com/elq/hypertable/internal/schema"
)

// Cell is a (Key, value) pair, aliasing commitlog.Cell since both the
// commit log batch format and the range write path operate on the same
// shape.
type Cell = commitlog.Cell

// MaintenanceData is the snapshot Range.GetMaintenanceData reports to the
// MaintenanceScheduler (spec.md §4.5, §4.8): disk/memory usage, whether a
// split or compaction is warranted, and any sticky error.
type MaintenanceData struct {
	ID            schema.TableIdentifier
	Spec          schema.RangeSpec
	MemoryUsage   int64
	DiskUsage     int64
	SoftLimit     int64
	NeedsSplit    bool
	NeedsCompact  bool
	Busy          bool
	StickyError   error
}

// Range is the lifecycle engine for one row interval of one table:
// write/scan dispatch across access groups, the two barriers, and the
// three-phase split state machine (spec.md §4.5).
type Range struct {
	ctx *ServerContext
	id  schema.TableIdentifier

	dir string // this range's own DFS directory, under ctx.Options.LogDir

	// mu guards the small fields spec.md §5's "mutex" bullet names:
	// start_row, end_row, split_row, latest_revision, name — plus the
	// handful of split-state scalars that travel with them.
	mu             sync.Mutex
	startRow       []byte
	endRow         []byte
	latestRevision uint64
	oldBoundaryRow []byte
	softLimit      int64
	stickyErr      error

	// schemaMu guards the access-group vector and schema pointer
	// (spec.md §5's schema_mutex).
	schemaMu sync.RWMutex
	sch      *schema.Schema
	groups   map[string]*accessgroup.AccessGroup

	metaVariant metadata.Variant

	commitLog *commitlog.CommitLog

	updateBarrier sync.RWMutex
	scanBarrier   sync.RWMutex

	// splitInfo is read on the hot add_cells path without taking any of
	// the mutexes above; nil means no split is in flight.
	splitInfo atomic.Pointer[splitState]

	// recoveredSplitState records which phase boundary recovery observed
	// a crash at, so ResumeSplit knows whether phase 2 still needs to
	// run. Holds a rangemetalog.State; zero (Steady) means either no
	// split was recovered or ResumeSplit already finished it.
	recoveredSplitState atomic.Uint32

	pendingFilesRewrite atomic.Bool
	dropped             atomic.Bool
	busy                atomic.Bool
}

// splitState is the subset of in-flight split data add_cells needs on
// every call: which side is departing and where its writes get
// duplicated to.
type splitState struct {
	off        SplitOff
	departing  schema.RangeSpec
	splitPoint []byte
	splitLog   *commitlog.CommitLog
}

func rangeDirName(id schema.TableIdentifier, spec schema.RangeSpec) string {
	end := "root"
	if !spec.IsRoot() {
		end = hex.EncodeToString(spec.EndRow)
	}
	return path.Join(fmt.Sprintf("%s-%d", id.ID, id.Generation), end)
}

// New constructs a brand-new, empty Range (no prior CellStores, no
// recovery needed) and logs its load to the RangeMetaLog (spec.md §3:
// "Range: created by the server on 'load range' RPC").
func New(ctx *ServerContext, id schema.TableIdentifier, spec schema.RangeSpec, sch *schema.Schema, metaVariant metadata.Variant) (*Range, error) {
	r := newRange(ctx, id, spec, sch, metaVariant)

	logPath := path.Join(ctx.Options.LogDir, r.dir, "commit")
	cl, err := commitlog.Create(ctx.FS, logPath)
	if err != nil {
		return nil, fmt.Errorf("rangeengine: create commit log for %s: %w", spec, err)
	}
	r.commitLog = cl

	for _, name := range sch.AccessGroupNames() {
		r.groups[name] = accessgroup.New(name, ctx.FS, r.accessGroupConfig(name))
	}

	if err := ctx.MetaLog.LogRangeLoaded(id, spec); err != nil {
		return nil, fmt.Errorf("rangeengine: log range loaded: %w", err)
	}
	return r, nil
}

func newRange(ctx *ServerContext, id schema.TableIdentifier, spec schema.RangeSpec, sch *schema.Schema, metaVariant metadata.Variant) *Range {
	return &Range{
		ctx:         ctx,
		id:          id,
		dir:         rangeDirName(id, spec),
		startRow:    append([]byte(nil), spec.StartRow...),
		endRow:      append([]byte(nil), spec.EndRow...),
		softLimit:   ctx.Options.InitialSoftLimit,
		sch:         sch,
		groups:      make(map[string]*accessgroup.AccessGroup),
		metaVariant: metaVariant,
	}
}

func (r *Range) accessGroupConfig(name string) accessgroup.Config {
	return accessgroup.Config{
		Dir:               path.Join(r.ctx.Options.LogDir, r.dir, "ag", name),
		CellStoreOptions:  r.ctx.Options.CellStoreOptions,
		CacheLimit:        r.ctx.Options.AccessGroupMaxMem,
		MaxVersions:       0,
		TTLMicros:         0,
	}
}

// spec returns the range's current interval.
func (r *Range) spec() schema.RangeSpec {
	r.mu.Lock()
	defer r.mu.Unlock()
	return schema.RangeSpec{StartRow: r.startRow, EndRow: r.endRow}
}

// ID returns the range's table identity.
func (r *Range) ID() schema.TableIdentifier { return r.id }

// Spec returns a copy of the range's current row interval.
func (r *Range) Spec() schema.RangeSpec { return r.spec() }

// AddCells appends a batch of (Key, value) pairs under the update
// barrier (spec.md §4.5's add_cells). Every key is dispatched by
// column_family_code to its owning access group; DELETE_ROW cells are
// dispatched to every access group. Cells already carrying a non-zero
// revision (replay) keep it; others are assigned the next server
// revision.
func (r *Range) AddCells(cells []Cell) error {
	if len(cells) == 0 {
		return nil
	}
	r.updateBarrier.RLock()
	defer r.updateBarrier.RUnlock()

	if r.dropped.Load() {
		return hterrors.New(hterrors.Cancelled, "range %s: dropped", r.dir)
	}

	r.schemaMu.RLock()
	sch := r.sch
	groups := r.groups
	r.schemaMu.RUnlock()

	split := r.splitInfo.Load()

	rs := r.spec()

	perAG := make(map[string][]Cell, len(groups))
	var departing []Cell
	var maxRev uint64

	for i := range cells {
		c := &cells[i]
		k := c.Key
		if !rs.Contains(k.Row) {
			return hterrors.New(hterrors.InvalidArgument, "row %q outside range %s", k.Row, rs)
		}
		if k.Revision == 0 {
			k.Revision = r.ctx.NextRevision()
		}
		if k.Revision > maxRev {
			maxRev = k.Revision
		}

		isDeparting := split != nil && split.departing.Contains(k.Row)

		if k.Flag == cellkey.FlagDeleteRow {
			if !isDeparting {
				for _, name := range sch.AccessGroupNames() {
					perAG[name] = append(perAG[name], *c)
				}
			}
		} else {
			agName, ok := sch.AccessGroupFor(k.ColumnFamily)
			if !ok {
				return hterrors.New(hterrors.InvalidArgument, "column family %d not in schema", k.ColumnFamily)
			}
			if !isDeparting {
				perAG[agName] = append(perAG[agName], *c)
			}
		}
		if isDeparting {
			departing = append(departing, *c)
		}
	}

	for name, list := range perAG {
		ag, ok := groups[name]
		if !ok {
			continue
		}
		for i := range list {
			ag.Add(list[i].Key, list[i].Value)
		}
	}

	if err := r.commitLog.Append(r.id, cells); err != nil {
		return fmt.Errorf("rangeengine: append commit log: %w", err)
	}
	if split != nil && len(departing) > 0 {
		if err := split.splitLog.Append(r.id, departing); err != nil {
			return fmt.Errorf("rangeengine: append transfer log: %w", err)
		}
	}
	if err := r.commitLog.Sync(); err != nil {
		return fmt.Errorf("rangeengine: sync commit log: %w", err)
	}
	if split != nil && len(departing) > 0 {
		if err := split.splitLog.Sync(); err != nil {
			return fmt.Errorf("rangeengine: sync transfer log: %w", err)
		}
	}

	r.mu.Lock()
	if maxRev > r.latestRevision {
		r.latestRevision = maxRev
	}
	r.mu.Unlock()
	r.ctx.bumpRevisionSeq(maxRev)
	return nil
}

// CreateScanner builds a MergeScanner over every access group whose
// column set intersects ctx.Families (or every access group if ctx.
// Families is nil or empty), taking a snapshot of the access-group vector under
// the schema lock so a subsequent split does not invalidate the scanner
// (spec.md §4.5).
func (r *Range) CreateScanner(ctx mergescan.ScanContext) (*mergescan.MergeScanner, error) {
	r.scanBarrier.RLock()
	defer r.scanBarrier.RUnlock()

	r.schemaMu.RLock()
	names := make([]string, 0, len(r.groups))
	for name := range r.groups {
		names = append(names, name)
	}
	sort.Strings(names)
	snapshot := make([]*accessgroup.AccessGroup, 0, len(names))
	for _, name := range names {
		if len(ctx.Families) > 0 {
			relevant := false
			for _, code := range r.sch.ColumnFamiliesIn(name) {
				if ctx.Families[code] {
					relevant = true
					break
				}
			}
			if !relevant {
				continue
			}
		}
		snapshot = append(snapshot, r.groups[name])
	}
	r.schemaMu.RUnlock()

	var leaves []mergescan.LeafScanner
	for _, ag := range snapshot {
		agLeaves, err := ag.CreateCacheAndStoreScanners()
		if err != nil {
			return nil, fmt.Errorf("rangeengine: create scanner: %w", err)
		}
		leaves = append(leaves, agLeaves...)
	}
	return mergescan.New(leaves, ctx), nil
}

// DiskUsage returns the sum of every access group's (memory, disk) usage.
func (r *Range) DiskUsage() (mem, disk int64) {
	r.schemaMu.RLock()
	defer r.schemaMu.RUnlock()
	for _, ag := range r.groups {
		m, d := ag.SpaceUsage()
		mem += m
		disk += d
	}
	return mem, disk
}

// NeedMaintenance reports whether any access group has crossed its cache
// threshold, or the range as a whole has crossed its soft_limit.
func (r *Range) NeedMaintenance() bool {
	if r.busy.Load() {
		return false
	}
	_, disk := r.DiskUsage()
	r.mu.Lock()
	soft := r.softLimit
	r.mu.Unlock()
	if disk >= soft {
		return true
	}
	r.schemaMu.RLock()
	defer r.schemaMu.RUnlock()
	for _, ag := range r.groups {
		if ag.NeedsCompaction() {
			return true
		}
	}
	return false
}

// GetMaintenanceData reports this range's current state to the
// MaintenanceScheduler (spec.md §4.5, §4.8).
func (r *Range) GetMaintenanceData() MaintenanceData {
	mem, disk := r.DiskUsage()
	r.mu.Lock()
	soft := r.softLimit
	sticky := r.stickyErr
	r.mu.Unlock()

	needsCompact := false
	r.schemaMu.RLock()
	for _, ag := range r.groups {
		if ag.NeedsCompaction() {
			needsCompact = true
			break
		}
	}
	r.schemaMu.RUnlock()

	return MaintenanceData{
		ID:           r.id,
		Spec:         r.spec(),
		MemoryUsage:  mem,
		DiskUsage:    disk,
		SoftLimit:    soft,
		NeedsSplit:   disk >= soft,
		NeedsCompact: needsCompact,
		Busy:         r.busy.Load(),
		StickyError:  sticky,
	}
}

// CancelMaintenance reports whether this range has been dropped, polled
// at well-defined points by long maintenance operations (spec.md §5).
func (r *Range) CancelMaintenance() bool { return r.dropped.Load() }

// SetBusy marks whether a maintenance operation (compact or split) is
// currently running against this range. NeedMaintenance and
// GetMaintenanceData both observe it, so the scheduler never dispatches
// a second concurrent operation against the same range.
func (r *Range) SetBusy(busy bool) { r.busy.Store(busy) }

// Drop marks the range dropped; in-flight maintenance operations observe
// this via CancelMaintenance and unwind with CANCELLED.
func (r *Range) Drop() {
	r.dropped.Store(true)
}

// UpdateSchema installs a newer schema generation: existing access
// groups keep serving, access groups named by the new schema but absent
// from the range are created empty, and access groups the new schema no
// longer names are left in place (spec.md §4.5, §9's open question on
// deferred access-group deletion — see DESIGN.md).
func (r *Range) UpdateSchema(newSchema *schema.Schema) error {
	r.schemaMu.Lock()
	defer r.schemaMu.Unlock()

	if newSchema.Generation <= r.sch.Generation {
		return hterrors.New(hterrors.BadSchema, "schema generation %d is not newer than current %d", newSchema.Generation, r.sch.Generation)
	}
	for _, name := range newSchema.AccessGroupNames() {
		if _, ok := r.groups[name]; !ok {
			r.groups[name] = accessgroup.New(name, r.ctx.FS, r.accessGroupConfig(name))
		}
	}
	r.sch = newSchema
	return nil
}

// Compact runs a (major or minor) compaction of every access group that
// currently needs one, updating the metadata table's Files column for
// each (spec.md §4.4's run_compaction).
func (r *Range) Compact(major bool, now int64) error {
	r.schemaMu.RLock()
	groups := make([]*accessgroup.AccessGroup, 0, len(r.groups))
	for _, ag := range r.groups {
		groups = append(groups, ag)
	}
	r.schemaMu.RUnlock()

	for _, ag := range groups {
		if r.dropped.Load() {
			return hterrors.ErrCancelled
		}
		if !major && !ag.NeedsCompaction() {
			continue
		}
		if !ag.InitiateCompaction() {
			continue // a compaction is already in flight for this access group
		}
		if err := ag.RunCompaction(major, now); err != nil {
			return fmt.Errorf("rangeengine: compact %s: %w", ag.Name, err)
		}
		if err := r.metaVariant.WriteFiles(ag.Name, ag.FilePaths()); err != nil {
			return fmt.Errorf("rangeengine: write files for %s: %w", ag.Name, err)
		}
	}
	return nil
}

// setStickyError records a non-fatal sticky error (e.g. ROW_OVERFLOW)
// reported via GetMaintenanceData rather than failing the range (spec.md
// §7).
func (r *Range) setStickyError(err error) {
	r.mu.Lock()
	r.stickyErr = err
	r.mu.Unlock()
}

func (r *Range) log() logging.Logger { return r.ctx.Logger }

// TakePendingFilesRewrite reports and clears the deferred Files-column
// rewrite flag that LoadRange sets (spec.md §9's open question: the
// post-load Files rewrite is not performed inline during
// recovery_finalize, which could deadlock against the metadata table's
// own range load; the caller runs RewriteFiles once startup is done).
func (r *Range) TakePendingFilesRewrite() bool {
	return r.pendingFilesRewrite.CompareAndSwap(true, false)
}

// RewriteFiles re-persists every access group's current file list to the
// metadata table, the deferred half of the Files-column rewrite.
func (r *Range) RewriteFiles() error {
	r.schemaMu.RLock()
	defer r.schemaMu.RUnlock()
	for name, ag := range r.groups {
		if err := r.metaVariant.WriteFiles(name, ag.FilePaths()); err != nil {
			return fmt.Errorf("rangeengine: rewrite files for %s: %w", name, err)
		}
	}
	return nil
}
