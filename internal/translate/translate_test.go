package translate

import (
	"testing"
)

func TestMapStore_IdentityMapWhenFromEqualsTo(t *testing.T) {
	s := NewMapStore()
	translator := NewTranslator(s, nil)

	result, err := translator.Translate(map[string]any{"a": 1.0}, "x@v1", "x@v1", nil)
	if err != nil {
		t.Fatalf("Translate: %v", err)
	}
	if result.Output["a"] != 1.0 {
		t.Errorf("expected identity passthrough, got %+v", result.Output)
	}
	if result.Translation.CoveragePct != 100 {
		t.Errorf("expected 100%% coverage for identity map, got %v", result.Translation.CoveragePct)
	}
}

func TestMapStore_MapNotFound(t *testing.T) {
	s := NewMapStore()
	translator := NewTranslator(s, nil)

	_, err := translator.Translate(map[string]any{}, "a@v1", "b@v1", nil)
	if err == nil {
		t.Fatal("expected map not found error")
	}
	if te, ok := err.(*Error); !ok || te.Code != ErrMapNotFound {
		t.Errorf("expected ErrMapNotFound, got %v", err)
	}
}

func TestTranslate_RenameConstDropIntentRemap(t *testing.T) {
	s := NewMapStore()
	m := &Map{
		ID:      "a__b",
		FromSFT: "a@v1",
		ToSFT:   "b@v1",
		Fields: []FieldOp{
			{Op: OpRename, FromPath: "user.name", ToPath: "subject.name"},
			{Op: OpConst, ToPath: "version", Value: "2"},
			{Op: OpDrop, FromPath: "legacy_field"},
			{Op: OpIntentRemap, IntentTable: map[string]string{"old.intent": "new.intent"}},
		},
	}
	if err := s.Register(m); err != nil {
		t.Fatalf("Register: %v", err)
	}
	translator := NewTranslator(s, nil)

	input := map[string]any{
		"user":         map[string]any{"name": "alice"},
		"legacy_field": "drop-me",
		"intent":       "old.intent",
		"extra":        "keep-me",
	}
	result, err := translator.Translate(input, "a@v1", "b@v1", nil)
	if err != nil {
		t.Fatalf("Translate: %v", err)
	}
	out := result.Output
	subj, _ := out["subject"].(map[string]any)
	if subj == nil || subj["name"] != "alice" {
		t.Errorf("expected renamed field, got %+v", out)
	}
	if out["version"] != "2" {
		t.Errorf("expected const version, got %+v", out["version"])
	}
	if _, ok := out["legacy_field"]; ok {
		t.Error("expected dropped field to be absent")
	}
	if out["intent"] != "new.intent" {
		t.Errorf("expected remapped intent, got %+v", out["intent"])
	}
	if out["extra"] != "keep-me" {
		t.Error("expected unmapped field to pass through")
	}
}

func TestTranslate_CoverageGateRejectsLowCoverage(t *testing.T) {
	s := NewMapStore()
	m := &Map{
		ID:           "a__b",
		FromSFT:      "a@v1",
		ToSFT:        "b@v1",
		CoverageGate: 90,
		Fields: []FieldOp{
			{Op: OpDrop, FromPath: "x"},
			{Op: OpDrop, FromPath: "y"},
		},
	}
	if err := s.Register(m); err != nil {
		t.Fatalf("Register: %v", err)
	}
	translator := NewTranslator(s, nil)

	_, err := translator.Translate(map[string]any{"x": 1.0, "y": 2.0}, "a@v1", "b@v1", nil)
	if err == nil {
		t.Fatal("expected coverage gate rejection")
	}
	if te, ok := err.(*Error); !ok || te.Code != ErrCoverageBelowGate {
		t.Errorf("expected ErrCoverageBelowGate, got %v", err)
	}
}

func TestTranslate_LinkageHashDeterministic(t *testing.T) {
	s := NewMapStore()
	m := &Map{ID: "a__b", FromSFT: "a@v1", ToSFT: "b@v1"}
	if err := s.Register(m); err != nil {
		t.Fatalf("Register: %v", err)
	}
	translator := NewTranslator(s, nil)

	r1, err := translator.Translate(map[string]any{"k": "v"}, "a@v1", "b@v1", nil)
	if err != nil {
		t.Fatalf("Translate: %v", err)
	}
	r2, err := translator.Translate(map[string]any{"k": "v"}, "a@v1", "b@v1", nil)
	if err != nil {
		t.Fatalf("Translate: %v", err)
	}
	if r1.Transform.LinkageHash != r2.Transform.LinkageHash {
		t.Error("expected deterministic linkage hash for identical input/map")
	}
}
