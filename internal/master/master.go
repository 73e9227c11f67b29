// Package master specifies the one RPC the range lifecycle engine depends
// on (spec.md §1: "out of scope: master election"; §6: "Master RPC —
// report_split(table_identifier, sibling_spec, transfer_log, soft_limit)").
//
// Grounded on Master.h/MasterProtocol.h in original_source/, which supply
// the shape of this call; we specify the interface the core needs, not
// the master's election or assignment logic, matching spec.md's scope
// line.
package master

import (
	"context"
	"fmt"
	"sync"

	"github.com/elq/hypertable/internal/schema"
)

// Client is the master-facing interface Range.split_notify_master (spec.md
// §4.5 phase 3) depends on.
type Client interface {
	// ReportSplit notifies the master that table has split off a sibling
	// range. The master is responsible for assigning sibling to some
	// range server, which replays transferLogPath and then opens it
	// (spec.md §4.5 phase 3, step 1). newSoftLimit is the doubled
	// soft_limit this server computed for its retained side.
	ReportSplit(ctx context.Context, table schema.TableIdentifier, sibling schema.RangeSpec, transferLogPath string, newSoftLimit int64) error
}

// Report is one recorded ReportSplit call, kept by StubClient for test
// assertions.
type Report struct {
	Table           schema.TableIdentifier
	Sibling         schema.RangeSpec
	TransferLogPath string
	NewSoftLimit    int64
}

// StubClient is a local, in-process Client used by tests and by
// cmd/rangeserver in the absence of a real RPC layer (spec.md §1 puts
// network RPC framing out of scope). It simply records every call.
type StubClient struct {
	mu      sync.Mutex
	reports []Report
	failNext error
}

// NewStubClient returns an empty StubClient.
func NewStubClient() *StubClient { return &StubClient{} }

// FailNext makes the next ReportSplit call return err instead of
// succeeding, used to exercise the retry/fatal paths in rangeengine's
// split_notify_master.
func (s *StubClient) FailNext(err error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.failNext = err
}

func (s *StubClient) ReportSplit(_ context.Context, table schema.TableIdentifier, sibling schema.RangeSpec, transferLogPath string, newSoftLimit int64) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.failNext != nil {
		err := s.failNext
		s.failNext = nil
		return err
	}
	s.reports = append(s.reports, Report{
		Table:           table,
		Sibling:         sibling,
		TransferLogPath: transferLogPath,
		NewSoftLimit:    newSoftLimit,
	})
	return nil
}

// Reports returns every successfully recorded ReportSplit call, oldest
// first.
func (s *StubClient) Reports() []Report {
	s.mu.Lock()
	defer s.mu.Unlock()
	out := make([]Report, len(s.reports))
	copy(out, s.reports)
	return out
}

// ErrUnavailable is returned by a Client implementation that cannot reach
// the master, used by tests to simulate a transient RPC failure.
var ErrUnavailable = fmt.Errorf("master: unavailable")
