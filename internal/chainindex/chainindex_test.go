package chainindex

import "testing"

func TestChain_MissingTraceReturnsEmptyNotError(t *testing.T) {
	ix, err := New(t.TempDir())
	if err != nil {
		t.Fatalf("New: %v", err)
	}
	entries, err := ix.Chain("never-seen")
	if err != nil {
		t.Fatalf("Chain: %v", err)
	}
	if len(entries) != 0 {
		t.Errorf("expected empty chain, got %d entries", len(entries))
	}
}

func TestAppendAndChain_OrdersByHopIndex(t *testing.T) {
	ix, err := New(t.TempDir())
	if err != nil {
		t.Fatalf("New: %v", err)
	}
	if err := ix.Append("trace-1", 2, "cid-c"); err != nil {
		t.Fatalf("Append: %v", err)
	}
	if err := ix.Append("trace-1", 0, "cid-a"); err != nil {
		t.Fatalf("Append: %v", err)
	}
	if err := ix.Append("trace-1", 1, "cid-b"); err != nil {
		t.Fatalf("Append: %v", err)
	}

	entries, err := ix.Chain("trace-1")
	if err != nil {
		t.Fatalf("Chain: %v", err)
	}
	if len(entries) != 3 {
		t.Fatalf("expected 3 entries, got %d", len(entries))
	}
	want := []string{"cid-a", "cid-b", "cid-c"}
	for i, e := range entries {
		if e.Key != want[i] {
			t.Errorf("entry %d: expected key %q, got %q", i, want[i], e.Key)
		}
	}
}

func TestAppend_SeparatesTraces(t *testing.T) {
	ix, err := New(t.TempDir())
	if err != nil {
		t.Fatalf("New: %v", err)
	}
	_ = ix.Append("trace-a", 0, "cid-1")
	_ = ix.Append("trace-b", 0, "cid-2")

	a, _ := ix.Chain("trace-a")
	b, _ := ix.Chain("trace-b")
	if len(a) != 1 || a[0].Key != "cid-1" {
		t.Errorf("unexpected trace-a chain: %+v", a)
	}
	if len(b) != 1 || b[0].Key != "cid-2" {
		t.Errorf("unexpected trace-b chain: %+v", b)
	}
}
