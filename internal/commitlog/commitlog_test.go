package commitlog

import (
	"io"
	"testing"

	"github.com/elq/hypertable/internal/cellkey"
	"github.com/elq/hypertable/internal/schema"
	"github.com/elq/hypertable/internal/testutil"
)

func cell(row string, rev uint64, value string) Cell {
	return Cell{
		Key: &cellkey.Key{
			Row: []byte(row), ColumnFamily: 1, ColumnQualifier: []byte("q"),
			Flag: cellkey.FlagInsert, Timestamp: 100, Revision: rev,
		},
		Value: []byte(value),
	}
}

func TestAppendAndReplayRoundTrip(t *testing.T) {
	fs := testutil.NewMemFS()
	log, err := Create(fs, "/log/commit.log")
	if err != nil {
		t.Fatalf("Create: %v", err)
	}
	table := schema.TableIdentifier{ID: "t1", Generation: 3, Name: "orders"}
	batch1 := []Cell{cell("a", 1, "va"), cell("b", 2, "vb")}
	batch2 := []Cell{cell("c", 3, "vc")}

	if err := log.Append(table, batch1); err != nil {
		t.Fatalf("Append: %v", err)
	}
	if err := log.Append(table, batch2); err != nil {
		t.Fatalf("Append: %v", err)
	}
	if err := log.Sync(); err != nil {
		t.Fatalf("Sync: %v", err)
	}
	if err := log.Close(); err != nil {
		t.Fatalf("Close: %v", err)
	}

	r, err := OpenReader(fs, "/log/commit.log")
	if err != nil {
		t.Fatalf("OpenReader: %v", err)
	}
	defer r.Close()

	gotTable, gotCells, err := r.Next()
	if err != nil {
		t.Fatalf("Next: %v", err)
	}
	if gotTable != table {
		t.Fatalf("table = %+v, want %+v", gotTable, table)
	}
	if len(gotCells) != 2 || string(gotCells[0].Value) != "va" || string(gotCells[1].Value) != "vb" {
		t.Fatalf("batch1 = %+v", gotCells)
	}

	_, gotCells2, err := r.Next()
	if err != nil {
		t.Fatalf("Next: %v", err)
	}
	if len(gotCells2) != 1 || string(gotCells2[0].Value) != "vc" {
		t.Fatalf("batch2 = %+v", gotCells2)
	}

	if _, _, err := r.Next(); err != io.EOF {
		t.Fatalf("expected io.EOF at end of log, got %v", err)
	}
}

func TestAppendFragmentsAcrossBlockBoundary(t *testing.T) {
	fs := testutil.NewMemFS()
	log, err := Create(fs, "/log/big.log")
	if err != nil {
		t.Fatalf("Create: %v", err)
	}

	table := schema.TableIdentifier{ID: "t1", Generation: 1, Name: "wide"}
	bigValue := make([]byte, BlockSize*2+500)
	for i := range bigValue {
		bigValue[i] = byte(i)
	}
	batch := []Cell{cell("row", 1, string(bigValue))}
	if err := log.Append(table, batch); err != nil {
		t.Fatalf("Append: %v", err)
	}
	if err := log.Close(); err != nil {
		t.Fatalf("Close: %v", err)
	}

	r, err := OpenReader(fs, "/log/big.log")
	if err != nil {
		t.Fatalf("OpenReader: %v", err)
	}
	defer r.Close()

	_, gotCells, err := r.Next()
	if err != nil {
		t.Fatalf("Next: %v", err)
	}
	if len(gotCells) != 1 || len(gotCells[0].Value) != len(bigValue) {
		t.Fatalf("got %d cells, value len %d, want 1 cell of len %d", len(gotCells), len(gotCells[0].Value), len(bigValue))
	}
	for i := range bigValue {
		if gotCells[0].Value[i] != bigValue[i] {
			t.Fatalf("value mismatch at byte %d", i)
		}
	}
}

func TestReplayAppliesEveryBatchInOrder(t *testing.T) {
	fs := testutil.NewMemFS()
	log, err := Create(fs, "/log/replay.log")
	if err != nil {
		t.Fatalf("Create: %v", err)
	}
	table := schema.TableIdentifier{ID: "t1", Generation: 1, Name: "x"}
	for i := 0; i < 5; i++ {
		if err := log.Append(table, []Cell{cell("row", uint64(i), "v")}); err != nil {
			t.Fatalf("Append: %v", err)
		}
	}
	if err := log.Close(); err != nil {
		t.Fatalf("Close: %v", err)
	}

	var revisions []uint64
	err = Replay(fs, "/log/replay.log", func(_ schema.TableIdentifier, cells []Cell) error {
		for _, c := range cells {
			revisions = append(revisions, c.Key.Revision)
		}
		return nil
	})
	if err != nil {
		t.Fatalf("Replay: %v", err)
	}
	want := []uint64{0, 1, 2, 3, 4}
	if len(revisions) != len(want) {
		t.Fatalf("got %v, want %v", revisions, want)
	}
	for i := range want {
		if revisions[i] != want[i] {
			t.Fatalf("got %v, want %v", revisions, want)
		}
	}
}
