package cellcache

import (
	"bytes"
	"fmt"
	"testing"

	"github.com/elq/hypertable/internal/cellkey"
)

func key(row string, cf uint8, qual string, ts int64, rev uint64) *cellkey.Key {
	return &cellkey.Key{
		Row:             []byte(row),
		ColumnFamily:    cf,
		ColumnQualifier: []byte(qual),
		Flag:            cellkey.FlagInsert,
		Timestamp:       ts,
		Revision:        rev,
	}
}

func TestAddAndScanOrder(t *testing.T) {
	c := New()
	c.Add(key("c", 1, "q", 100, 1), []byte("v-c"))
	c.Add(key("a", 1, "q", 100, 2), []byte("v-a"))
	c.Add(key("b", 1, "q", 100, 3), []byte("v-b"))

	sc := c.CreateScanner()
	var rows []string
	for sc.Next() {
		rows = append(rows, string(sc.Key().Row))
	}
	if err := sc.Err(); err != nil {
		t.Fatalf("scan error: %v", err)
	}
	want := []string{"a", "b", "c"}
	for i, r := range rows {
		if r != want[i] {
			t.Fatalf("rows = %v, want %v", rows, want)
		}
	}
}

func TestNewerTimestampSortsFirst(t *testing.T) {
	c := New()
	c.Add(key("row", 1, "q", 100, 1), []byte("old"))
	c.Add(key("row", 1, "q", 200, 2), []byte("new"))

	sc := c.CreateScanner()
	if !sc.Next() {
		t.Fatal("expected first entry")
	}
	if !bytes.Equal(sc.Value(), []byte("new")) {
		t.Fatalf("first value = %q, want %q (newer timestamp first)", sc.Value(), "new")
	}
}

func TestCellCountAndRowCollisions(t *testing.T) {
	c := New()
	c.Add(key("row-a", 1, "q", 100, 1), []byte("v1"))
	c.Add(key("row-a", 1, "q", 101, 2), []byte("v2")) // second cell, same row
	c.Add(key("row-b", 1, "q", 100, 3), []byte("v3"))

	if got := c.CellCount(); got != 3 {
		t.Fatalf("CellCount = %d, want 3", got)
	}
	if got := c.RowCount(); got != 2 {
		t.Fatalf("RowCount = %d, want 2", got)
	}
	if got := c.RowCollisionCount(); got != 1 {
		t.Fatalf("RowCollisionCount = %d, want 1", got)
	}
}

func TestMemoryUsageGrows(t *testing.T) {
	c := New()
	if c.MemoryUsage() != 0 {
		t.Fatalf("expected zero memory usage for empty cache")
	}
	c.Add(key("row", 1, "q", 100, 1), []byte("value"))
	if c.MemoryUsage() <= 0 {
		t.Fatalf("expected memory usage to grow after Add")
	}
}

func TestFreezeRejectsFurtherAdds(t *testing.T) {
	c := New()
	c.Add(key("row", 1, "q", 100, 1), []byte("v"))
	c.Freeze()
	if !c.Frozen() {
		t.Fatalf("expected Frozen() to be true after Freeze")
	}
	defer func() {
		if recover() == nil {
			t.Fatalf("expected Add on a frozen CellCache to panic")
		}
	}()
	c.Add(key("row2", 1, "q", 100, 1), []byte("v2"))
}

func TestScannerStableAfterFreeze(t *testing.T) {
	c := New()
	for i := 0; i < 5; i++ {
		c.Add(key(fmt.Sprintf("row-%d", i), 1, "q", 100, uint64(i)), []byte("v"))
	}
	c.Freeze()

	sc := c.CreateScanner()
	count := 0
	for sc.Next() {
		count++
	}
	if count != 5 {
		t.Fatalf("scanner observed %d entries, want 5", count)
	}

	sc2 := c.CreateScanner()
	count2 := 0
	for sc2.Next() {
		count2++
	}
	if count2 != 5 {
		t.Fatalf("second scanner observed %d entries, want 5 (frozen cache must be stable)", count2)
	}
}
