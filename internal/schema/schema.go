// Package schema implements the client-visible table identity and the
// column-family → access-group routing table a Range uses to dispatch
// writes and fan out scans (spec.md §3, §4.5).
//
// Grounded on Table.cc/Table.h in original_source/: a table is identified
// by a stable id plus a generation number that advances whenever its
// schema changes; Range.UpdateSchema compares generations to decide
// whether an incoming schema actually advances the range (original_source/
// states the check but not the decision procedure — see SPEC_FULL.md §12
// and DESIGN.md's open-question log for the rule adopted here).
package schema

import "fmt"

// TableIdentifier names a table stably across schema changes: Name can be
// reused after a drop/create, but ID never is. Generation advances each
// time the table's Schema changes.
type TableIdentifier struct {
	ID         string
	Generation uint64
	Name       string
}

// NewerThan reports whether t is a strictly later generation of the same
// table as other. Range.UpdateSchema does not call it; it compares
// Schema.Generation values directly.
func (t TableIdentifier) NewerThan(other TableIdentifier) bool {
	return t.ID == other.ID && t.Generation > other.Generation
}

// ColumnFamily is one named column family bound to exactly one access
// group (spec.md §3: "a schema assigns each column family to exactly one
// access group").
type ColumnFamily struct {
	Code        uint8
	Name        string
	AccessGroup string
}

// Schema is the column-family → access-group routing table for one
// generation of one table.
type Schema struct {
	Generation uint64
	families   map[uint8]ColumnFamily
	groups     map[string][]uint8 // access group name -> sorted column family codes
	groupOrder []string           // insertion order, for deterministic AccessGroupNames
}

// New returns an empty Schema at the given generation.
func New(generation uint64) *Schema {
	return &Schema{
		Generation: generation,
		families:   make(map[uint8]ColumnFamily),
		groups:     make(map[string][]uint8),
	}
}

// AddColumnFamily registers a column family and its access-group binding.
// Returns an error if code is already bound to a different access group
// (a schema may not rebind a family without a generation bump).
func (s *Schema) AddColumnFamily(code uint8, name, accessGroup string) error {
	if existing, ok := s.families[code]; ok && existing.AccessGroup != accessGroup {
		return fmt.Errorf("schema: column family %d already bound to access group %q, cannot rebind to %q within generation %d", code, existing.AccessGroup, accessGroup, s.Generation)
	}
	s.families[code] = ColumnFamily{Code: code, Name: name, AccessGroup: accessGroup}
	if _, ok := s.groups[accessGroup]; !ok {
		s.groupOrder = append(s.groupOrder, accessGroup)
	}
	s.groups[accessGroup] = appendSortedUnique(s.groups[accessGroup], code)
	return nil
}

func appendSortedUnique(codes []uint8, code uint8) []uint8 {
	for _, c := range codes {
		if c == code {
			return codes
		}
	}
	out := append(codes, code)
	for i := len(out) - 1; i > 0 && out[i-1] > out[i]; i-- {
		out[i-1], out[i] = out[i], out[i-1]
	}
	return out
}

// ColumnFamily returns the registered column family for code, if any.
func (s *Schema) ColumnFamily(code uint8) (ColumnFamily, bool) {
	cf, ok := s.families[code]
	return cf, ok
}

// AccessGroupFor returns the access group name bound to code.
func (s *Schema) AccessGroupFor(code uint8) (string, bool) {
	cf, ok := s.families[code]
	if !ok {
		return "", false
	}
	return cf.AccessGroup, true
}

// ColumnFamiliesIn returns the column family codes routed to the named
// access group, in ascending order.
func (s *Schema) ColumnFamiliesIn(accessGroup string) []uint8 {
	return s.groups[accessGroup]
}

// AccessGroupNames returns every access group name this schema routes to,
// in the order each was first registered.
func (s *Schema) AccessGroupNames() []string {
	out := make([]string, len(s.groupOrder))
	copy(out, s.groupOrder)
	return out
}

// HasAccessGroup reports whether accessGroup is named by this schema.
func (s *Schema) HasAccessGroup(accessGroup string) bool {
	_, ok := s.groups[accessGroup]
	return ok
}
