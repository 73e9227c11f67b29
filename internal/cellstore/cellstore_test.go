package cellstore

import (
	"bytes"
	"fmt"
	"testing"

	"github.com/elq/hypertable/internal/bloom"
	"github.com/elq/hypertable/internal/cellkey"
	"github.com/elq/hypertable/internal/codec"
	"github.com/elq/hypertable/internal/testutil"
)

func cell(row string, cf uint8, qual string, ts int64, rev uint64, value string) (*cellkey.Key, []byte) {
	return &cellkey.Key{
		Row:             []byte(row),
		ColumnFamily:    cf,
		ColumnQualifier: []byte(qual),
		Flag:            cellkey.FlagInsert,
		Timestamp:       ts,
		Revision:        rev,
	}, []byte(value)
}

func writeStore(t *testing.T, fs *testutil.MemFS, path string, opts Options, n int) {
	t.Helper()
	w, err := Create(fs, path, opts)
	if err != nil {
		t.Fatalf("Create: %v", err)
	}
	for i := 0; i < n; i++ {
		k, v := cell(fmt.Sprintf("row-%04d", i), 1, "q", int64(1000+i), uint64(i), fmt.Sprintf("value-%d", i))
		if err := w.Add(k, v); err != nil {
			t.Fatalf("Add(%d): %v", i, err)
		}
	}
	if _, err := w.Finalize(); err != nil {
		t.Fatalf("Finalize: %v", err)
	}
}

func TestWriteReadRoundTrip(t *testing.T) {
	fs := testutil.NewMemFS()
	opts := DefaultOptions()
	opts.BlockSize = 256 // force multiple data blocks
	const n = 50
	writeStore(t, fs, "/ag/0.cs", opts, n)

	r, err := Open(fs, "/ag/0.cs", nil, nil)
	if err != nil {
		t.Fatalf("Open: %v", err)
	}
	defer r.Close()
	if err := r.LoadIndex(); err != nil {
		t.Fatalf("LoadIndex: %v", err)
	}
	if r.Trailer().TotalEntries != n {
		t.Fatalf("TotalEntries = %d, want %d", r.Trailer().TotalEntries, n)
	}

	sc, err := r.CreateScanner()
	if err != nil {
		t.Fatalf("CreateScanner: %v", err)
	}
	got := 0
	var lastKey *cellkey.Key
	for sc.Next() {
		k := sc.Key()
		if lastKey != nil && cellkey.CompareKeys(lastKey, k) > 0 {
			t.Fatalf("scanner returned out-of-order keys: %v then %v", lastKey, k)
		}
		lastKey = k
		wantVal := fmt.Sprintf("value-%d", got)
		if !bytes.Equal(sc.Value(), []byte(wantVal)) {
			t.Fatalf("entry %d: value = %q, want %q", got, sc.Value(), wantVal)
		}
		got++
	}
	if err := sc.Err(); err != nil {
		t.Fatalf("scanner error: %v", err)
	}
	if got != n {
		t.Fatalf("scanned %d entries, want %d", got, n)
	}
}

func TestBloomFilterAcceptsPresentRow(t *testing.T) {
	fs := testutil.NewMemFS()
	opts := DefaultOptions()
	opts.BloomMode = bloom.Rows
	writeStore(t, fs, "/ag/1.cs", opts, 20)

	r, err := Open(fs, "/ag/1.cs", nil, nil)
	if err != nil {
		t.Fatalf("Open: %v", err)
	}
	defer r.Close()
	if err := r.LoadIndex(); err != nil {
		t.Fatalf("LoadIndex: %v", err)
	}

	present := &cellkey.Key{Row: []byte("row-0005"), ColumnFamily: 1, ColumnQualifier: []byte("q")}
	if !r.MayContain(present) {
		t.Fatalf("MayContain(present row) = false, want true")
	}
	absent := &cellkey.Key{Row: []byte("definitely-not-here"), ColumnFamily: 1, ColumnQualifier: []byte("q")}
	if r.MayContain(absent) {
		t.Logf("MayContain(absent row) = true (false positive is allowed, but unexpected here)")
	}
}

func TestGetSplitRowReturnsInteriorRow(t *testing.T) {
	fs := testutil.NewMemFS()
	opts := DefaultOptions()
	opts.BlockSize = 128
	const n = 40
	writeStore(t, fs, "/ag/2.cs", opts, n)

	r, err := Open(fs, "/ag/2.cs", nil, nil)
	if err != nil {
		t.Fatalf("Open: %v", err)
	}
	defer r.Close()
	if err := r.LoadIndex(); err != nil {
		t.Fatalf("LoadIndex: %v", err)
	}
	split, err := r.GetSplitRow()
	if err != nil {
		t.Fatalf("GetSplitRow: %v", err)
	}
	if bytes.Equal(split, []byte("row-0000")) || len(split) == 0 {
		t.Fatalf("GetSplitRow returned a boundary row %q, expected an interior one", split)
	}
}

func TestRowIntervalClipping(t *testing.T) {
	fs := testutil.NewMemFS()
	opts := DefaultOptions()
	opts.BlockSize = 128
	const n = 60
	writeStore(t, fs, "/ag/3.cs", opts, n)

	start := []byte("row-0020")
	end := []byte("row-0030")
	r, err := Open(fs, "/ag/3.cs", start, end)
	if err != nil {
		t.Fatalf("Open: %v", err)
	}
	defer r.Close()
	if err := r.LoadIndex(); err != nil {
		t.Fatalf("LoadIndex: %v", err)
	}
	full, err := Open(fs, "/ag/3.cs", nil, nil)
	if err != nil {
		t.Fatalf("Open (unclipped): %v", err)
	}
	defer full.Close()
	if err := full.LoadIndex(); err != nil {
		t.Fatalf("LoadIndex (unclipped): %v", err)
	}
	if len(r.index) >= len(full.index) {
		t.Fatalf("clipped index (%d entries) should be smaller than unclipped (%d entries)", len(r.index), len(full.index))
	}
}

func TestCompressionCodecsRoundTrip(t *testing.T) {
	for _, c := range []codec.Type{codec.None, codec.Snappy, codec.Zstd, codec.LZ4} {
		t.Run(c.String(), func(t *testing.T) {
			fs := testutil.NewMemFS()
			opts := DefaultOptions()
			opts.Compression = c
			writeStore(t, fs, "/ag/codec.cs", opts, 10)

			r, err := Open(fs, "/ag/codec.cs", nil, nil)
			if err != nil {
				t.Fatalf("Open: %v", err)
			}
			defer r.Close()
			if err := r.LoadIndex(); err != nil {
				t.Fatalf("LoadIndex: %v", err)
			}
			sc, err := r.CreateScanner()
			if err != nil {
				t.Fatalf("CreateScanner: %v", err)
			}
			count := 0
			for sc.Next() {
				count++
			}
			if err := sc.Err(); err != nil {
				t.Fatalf("scan error: %v", err)
			}
			if count != 10 {
				t.Fatalf("scanned %d entries, want 10", count)
			}
		})
	}
}

func TestAddRejectsOutOfOrderKeys(t *testing.T) {
	fs := testutil.NewMemFS()
	w, err := Create(fs, "/ag/4.cs", DefaultOptions())
	if err != nil {
		t.Fatalf("Create: %v", err)
	}
	k1, v1 := cell("row-0005", 1, "q", 1000, 1, "a")
	if err := w.Add(k1, v1); err != nil {
		t.Fatalf("Add: %v", err)
	}
	k2, v2 := cell("row-0001", 1, "q", 1000, 1, "b")
	if err := w.Add(k2, v2); err == nil {
		t.Fatalf("expected out-of-order Add to fail")
	}
}
