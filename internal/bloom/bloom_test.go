package bloom

import "testing"

func TestBloomSoundness(t *testing.T) {
	b := NewBuilder(Rows)
	present := [][]byte{[]byte("alice"), []byte("bob"), []byte("carol"), []byte("dave")}
	for _, k := range present {
		b.Add(k)
	}
	data := b.Finish()
	f, err := Load(Rows, data)
	if err != nil {
		t.Fatalf("Load: %v", err)
	}
	for _, k := range present {
		if !f.MayContain(k) {
			t.Fatalf("MayContain(%q) = false, want true (no false negatives allowed)", k)
		}
	}
}

func TestDisabledAlwaysMayContain(t *testing.T) {
	b := NewBuilder(Disabled)
	b.Add([]byte("x"))
	if data := b.Finish(); data != nil {
		t.Fatalf("expected nil filter bytes for disabled mode")
	}
	f, err := Load(Disabled, nil)
	if err != nil {
		t.Fatal(err)
	}
	if !f.MayContain([]byte("anything")) {
		t.Fatalf("disabled filter must always return true")
	}
}

func TestEmptyBuilderProducesNilFilter(t *testing.T) {
	b := NewBuilder(Rows)
	if data := b.Finish(); data != nil {
		t.Fatalf("expected nil filter bytes for empty builder")
	}
}
