// Package rangeengine implements Range (spec.md §4.5): the per-range
// lifecycle engine that multiplexes writes across access groups, serves
// merged scans, and executes the three-phase crash-safe split under
// concurrent reads and writes.
//
// Grounded on DESIGN NOTES §9's "explicit ServerContext" re-architecture
// of the teacher's global mutable state (Global::dfs, Global::metadata_table,
// Global::log_dir), modeled after the teacher's own pattern of threading a
// single options/dependency struct into each subsystem constructor rather
// than reaching for package-level globals.
package rangeengine

import (
	"sync/atomic"
	"time"

	"github.com/elq/hypertable/internal/cellstore"
	"github.com/elq/hypertable/internal/dfs"
	"github.com/elq/hypertable/internal/logging"
	"github.com/elq/hypertable/internal/master"
	"github.com/elq/hypertable/internal/metadata"
	"github.com/elq/hypertable/internal/rangemetalog"
)

// Options holds the server-wide tunables spec.md §5 lists as "global
// resources ... read once": range_max_bytes, range_metadata_max_bytes,
// access_group_max_mem, maintenance_interval.
type Options struct {
	// RangeMaxBytes caps how large soft_limit is allowed to grow via
	// phase 3's doubling (spec.md §4.5 phase 3, step 2).
	RangeMaxBytes int64
	// InitialSoftLimit is the soft_limit a brand-new range starts at.
	InitialSoftLimit int64
	// RangeMetadataMaxBytes is the analogous cap for the root/metadata
	// table's own ranges, kept separate since the metadata table must
	// stay small enough to bootstrap quickly.
	RangeMetadataMaxBytes int64
	// AccessGroupMaxMem is the default per-access-group CellCache limit
	// (accessgroup.Config.CacheLimit) applied to every access group this
	// range opens, absent a narrower per-table override.
	AccessGroupMaxMem int64
	// MaintenanceInterval is the minimum spacing between
	// MaintenanceScheduler ticks.
	MaintenanceInterval time.Duration
	// CellStoreOptions configures every CellStore this range's access
	// groups write.
	CellStoreOptions cellstore.Options
	// LogDir is the DFS directory split transfer logs and per-range
	// commit logs are created under.
	LogDir string
}

// DefaultOptions returns reasonable tunables for tests and single-node
// operation.
func DefaultOptions() Options {
	return Options{
		RangeMaxBytes:         256 << 20,
		InitialSoftLimit:      32 << 20,
		RangeMetadataMaxBytes: 64 << 20,
		AccessGroupMaxMem:     4 << 20,
		MaintenanceInterval:   time.Second,
		CellStoreOptions:      cellstore.DefaultOptions(),
		LogDir:                "/log",
	}
}

// ServerContext is the process-wide collaborator set every Range,
// AccessGroup, and CellStore constructor is handed explicitly, replacing
// the teacher's Global:: namespace of mutable singletons (spec.md §9).
type ServerContext struct {
	FS       dfs.FS
	MetaLog  *rangemetalog.RangeMetaLog
	Metadata *metadata.Table
	Master   master.Client
	Logger   logging.Logger
	Options  Options

	revisionSeq atomic.Uint64
	// Location identifies this server for the Location metadata column
	// written on a self-hosted high-split sibling (spec.md §4.5 phase 2,
	// step 2b).
	Location string
}

// NewServerContext returns a ServerContext wired to the given
// collaborators, defaulting Logger to a WARN-level stderr logger if nil.
func NewServerContext(fs dfs.FS, metaLog *rangemetalog.RangeMetaLog, meta *metadata.Table, masterClient master.Client, logger logging.Logger, opts Options, location string) *ServerContext {
	return &ServerContext{
		FS:       fs,
		MetaLog:  metaLog,
		Metadata: meta,
		Master:   masterClient,
		Logger:   logging.OrDefault(logger),
		Options:  opts,
		Location: location,
	}
}

// NextRevision returns the next monotonically increasing, server-wide
// cell revision, used as the tiebreaker field of cellkey.Key (spec.md §3)
// for any write that arrives without one already assigned.
func (sc *ServerContext) NextRevision() uint64 { return sc.revisionSeq.Add(1) }

// bumpRevisionSeq advances the counter to at least v, called during
// recovery so post-restart revisions never collide with ones replayed
// from a log (spec.md §3's "latest_revision ... reconstructed on
// recovery as the maximum over all stores, caches, and replayed logs").
func (sc *ServerContext) bumpRevisionSeq(v uint64) {
	for {
		cur := sc.revisionSeq.Load()
		if v <= cur {
			return
		}
		if sc.revisionSeq.CompareAndSwap(cur, v) {
			return
		}
	}
}
