package store

import (
	"path/filepath"
	"testing"
)

func TestStateFileRoundTrip(t *testing.T) {
	path := filepath.Join(t.TempDir(), "state.json")
	sf := NewStateFile(path)

	initial, err := sf.Load()
	if err != nil {
		t.Fatalf("load missing state: %v", err)
	}
	if len(initial) != 0 {
		t.Fatalf("expected empty initial state, got %v", initial)
	}

	want := map[string]uint64{"VTC": 248, "IG500": 91022}
	if err := sf.Save(want); err != nil {
		t.Fatalf("save: %v", err)
	}

	got, err := sf.Load()
	if err != nil {
		t.Fatalf("load: %v", err)
	}
	if len(got) != 2 || got["VTC"] != 248 || got["IG500"] != 91022 {
		t.Fatalf("unexpected state %v", got)
	}
}
