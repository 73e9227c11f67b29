package schema

import "testing"

func TestAddColumnFamilyRoutesToAccessGroup(t *testing.T) {
	s := New(1)
	if err := s.AddColumnFamily(1, "cf1", "ag1"); err != nil {
		t.Fatalf("AddColumnFamily: %v", err)
	}
	if err := s.AddColumnFamily(2, "cf2", "ag2"); err != nil {
		t.Fatalf("AddColumnFamily: %v", err)
	}
	if ag, ok := s.AccessGroupFor(1); !ok || ag != "ag1" {
		t.Fatalf("AccessGroupFor(1) = %q, %v, want ag1, true", ag, ok)
	}
	if ag, ok := s.AccessGroupFor(2); !ok || ag != "ag2" {
		t.Fatalf("AccessGroupFor(2) = %q, %v, want ag2, true", ag, ok)
	}
	if _, ok := s.AccessGroupFor(3); ok {
		t.Fatalf("AccessGroupFor(3) should be unbound")
	}
}

func TestAddColumnFamilyRejectsRebind(t *testing.T) {
	s := New(1)
	if err := s.AddColumnFamily(1, "cf1", "ag1"); err != nil {
		t.Fatalf("AddColumnFamily: %v", err)
	}
	if err := s.AddColumnFamily(1, "cf1", "ag2"); err == nil {
		t.Fatalf("expected rebind of column family 1 to a different access group to fail")
	}
}

func TestColumnFamiliesInIsSortedAndDeduped(t *testing.T) {
	s := New(1)
	_ = s.AddColumnFamily(5, "a", "ag1")
	_ = s.AddColumnFamily(2, "b", "ag1")
	_ = s.AddColumnFamily(2, "b-again", "ag1")
	got := s.ColumnFamiliesIn("ag1")
	want := []uint8{2, 5}
	if len(got) != len(want) {
		t.Fatalf("got %v, want %v", got, want)
	}
	for i := range want {
		if got[i] != want[i] {
			t.Fatalf("got %v, want %v", got, want)
		}
	}
}

func TestAccessGroupNamesPreservesRegistrationOrder(t *testing.T) {
	s := New(1)
	_ = s.AddColumnFamily(1, "a", "second")
	_ = s.AddColumnFamily(2, "b", "first")
	_ = s.AddColumnFamily(3, "c", "second")
	got := s.AccessGroupNames()
	want := []string{"second", "first"}
	if len(got) != len(want) {
		t.Fatalf("got %v, want %v", got, want)
	}
	for i := range want {
		if got[i] != want[i] {
			t.Fatalf("got %v, want %v", got, want)
		}
	}
}

func TestTableIdentifierNewerThan(t *testing.T) {
	a := TableIdentifier{ID: "t1", Generation: 1}
	b := TableIdentifier{ID: "t1", Generation: 2}
	c := TableIdentifier{ID: "t2", Generation: 5}
	if !b.NewerThan(a) {
		t.Fatalf("expected generation 2 to be newer than generation 1")
	}
	if a.NewerThan(b) {
		t.Fatalf("generation 1 should not be newer than generation 2")
	}
	if c.NewerThan(a) {
		t.Fatalf("different table IDs should never compare as newer")
	}
}

func TestRangeSpecContains(t *testing.T) {
	r := RangeSpec{StartRow: []byte("b"), EndRow: []byte("m")}
	cases := []struct {
		row  string
		want bool
	}{
		{"a", false},
		{"b", false}, // exclusive
		{"c", true},
		{"m", true}, // inclusive
		{"z", false},
	}
	for _, c := range cases {
		if got := r.Contains([]byte(c.row)); got != c.want {
			t.Fatalf("Contains(%q) = %v, want %v", c.row, got, c.want)
		}
	}
}

func TestRangeSpecRootHasNoUpperBound(t *testing.T) {
	r := RangeSpec{StartRow: []byte("m"), EndRow: RootEndRow}
	if !r.IsRoot() {
		t.Fatalf("expected IsRoot() true")
	}
	if !r.Contains([]byte("\xff\xff\xff\xff\xff\xff")) {
		t.Fatalf("root range should contain any row past StartRow")
	}
}
