package cellkey

import (
	"bytes"
	"sort"
	"testing"
)

func mustEncode(t *testing.T, k *Key) []byte {
	t.Helper()
	return Encode(nil, k)
}

func TestEncodeDecodeRoundTrip(t *testing.T) {
	k := &Key{
		Row:             []byte("row-one"),
		ColumnFamily:    7,
		ColumnQualifier: []byte("qual"),
		Flag:            FlagInsert,
		Timestamp:       1_700_000_000_000_000,
		Revision:        42,
	}
	enc := mustEncode(t, k)
	got, n, err := Decode(enc)
	if err != nil {
		t.Fatalf("Decode: %v", err)
	}
	if n != len(enc) {
		t.Fatalf("Decode consumed %d, want %d", n, len(enc))
	}
	if !bytes.Equal(got.Row, k.Row) || got.ColumnFamily != k.ColumnFamily ||
		!bytes.Equal(got.ColumnQualifier, k.ColumnQualifier) || got.Flag != k.Flag ||
		got.Timestamp != k.Timestamp || got.Revision != k.Revision {
		t.Fatalf("round trip mismatch: got %+v, want %+v", got, k)
	}
}

func TestCompareRowOrder(t *testing.T) {
	a := mustEncode(t, &Key{Row: []byte("a"), Flag: FlagInsert, Timestamp: 1, Revision: 1})
	b := mustEncode(t, &Key{Row: []byte("b"), Flag: FlagInsert, Timestamp: 1, Revision: 1})
	if Compare(a, b) >= 0 {
		t.Fatalf("expected a < b")
	}
	if Compare(b, a) <= 0 {
		t.Fatalf("expected b > a")
	}
	if Compare(a, a) != 0 {
		t.Fatalf("expected a == a")
	}
}

func TestCompareVaryingLengthRowsNotFooledByVarintPrefix(t *testing.T) {
	// "ab" (len 2) should still sort before "b" (len 1) lexicographically by
	// content, not by the varint length prefix byte.
	ab := mustEncode(t, &Key{Row: []byte("ab"), Flag: FlagInsert, Timestamp: 1, Revision: 1})
	b := mustEncode(t, &Key{Row: []byte("b"), Flag: FlagInsert, Timestamp: 1, Revision: 1})
	if Compare(ab, b) >= 0 {
		t.Fatalf("expected \"ab\" < \"b\"")
	}
}

func TestCompareTimestampDescending(t *testing.T) {
	newer := mustEncode(t, &Key{Row: []byte("r"), Flag: FlagInsert, Timestamp: 200, Revision: 1})
	older := mustEncode(t, &Key{Row: []byte("r"), Flag: FlagInsert, Timestamp: 100, Revision: 1})
	if Compare(newer, older) >= 0 {
		t.Fatalf("expected newer timestamp to sort first")
	}
}

func TestCompareTimestampDescendingNegative(t *testing.T) {
	// Timestamps are signed; ensure the order-preserving transform handles
	// negative values correctly too.
	positive := mustEncode(t, &Key{Row: []byte("r"), Flag: FlagInsert, Timestamp: 5, Revision: 1})
	negative := mustEncode(t, &Key{Row: []byte("r"), Flag: FlagInsert, Timestamp: -5, Revision: 1})
	if Compare(positive, negative) >= 0 {
		t.Fatalf("expected timestamp 5 to sort before timestamp -5 (descending)")
	}
}

func TestCompareRevisionDescendingTiebreak(t *testing.T) {
	hi := mustEncode(t, &Key{Row: []byte("r"), Flag: FlagInsert, Timestamp: 100, Revision: 9})
	lo := mustEncode(t, &Key{Row: []byte("r"), Flag: FlagInsert, Timestamp: 100, Revision: 3})
	if Compare(hi, lo) >= 0 {
		t.Fatalf("expected higher revision to sort first on timestamp tie")
	}
}

func TestCompareDeleteBeforeInsertOnTie(t *testing.T) {
	del := mustEncode(t, &Key{Row: []byte("r"), Flag: FlagDeleteCell, Timestamp: 100, Revision: 1})
	ins := mustEncode(t, &Key{Row: []byte("r"), Flag: FlagInsert, Timestamp: 100, Revision: 1})
	if Compare(del, ins) >= 0 {
		t.Fatalf("expected delete flag to sort before insert flag")
	}
}

func TestSortStability(t *testing.T) {
	rows := []string{"z", "m", "a", "q", "b"}
	keys := make([][]byte, len(rows))
	for i, r := range rows {
		keys[i] = mustEncode(t, &Key{Row: []byte(r), Flag: FlagInsert, Timestamp: 1, Revision: 1})
	}
	sort.Slice(keys, func(i, j int) bool { return Compare(keys[i], keys[j]) < 0 })
	want := []string{"a", "b", "m", "q", "z"}
	for i, k := range keys {
		dk, _, err := Decode(k)
		if err != nil {
			t.Fatal(err)
		}
		if string(dk.Row) != want[i] {
			t.Fatalf("position %d: got %q, want %q", i, dk.Row, want[i])
		}
	}
}

func TestDeletionIndexMapping(t *testing.T) {
	cases := []struct {
		f    Flag
		want int
	}{
		{FlagDeleteRow, 0},
		{FlagDeleteColumnFamily, 1},
		{FlagDeleteCell, 2},
	}
	for _, c := range cases {
		if got := DeletionIndex(c.f); got != c.want {
			t.Errorf("DeletionIndex(%v) = %d, want %d", c.f, got, c.want)
		}
	}
}

func TestDeletionIndexPanicsOnInsert(t *testing.T) {
	defer func() {
		if recover() == nil {
			t.Fatal("expected panic for non-delete flag")
		}
	}()
	DeletionIndex(FlagInsert)
}

func TestSameCell(t *testing.T) {
	a := &Key{Row: []byte("r"), ColumnFamily: 1, ColumnQualifier: []byte("q"), Timestamp: 10}
	b := &Key{Row: []byte("r"), ColumnFamily: 1, ColumnQualifier: []byte("q"), Timestamp: 5}
	c := &Key{Row: []byte("r"), ColumnFamily: 2, ColumnQualifier: []byte("q"), Timestamp: 5}
	if !SameCell(a, b) {
		t.Fatalf("expected same cell across versions")
	}
	if SameCell(a, c) {
		t.Fatalf("expected different cell across column families")
	}
}
