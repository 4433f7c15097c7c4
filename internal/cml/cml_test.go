package cml

import (
	"testing"
)

func TestEncode_Sorting(t *testing.T) {
	input := map[string]any{"c": 3, "a": 1, "b": 2}
	expected := `{"a":1,"b":2,"c":3}`

	b, err := Encode(input)
	if err != nil {
		t.Fatalf("Encode failed: %v", err)
	}
	if string(b) != expected {
		t.Errorf("expected %s, got %s", expected, string(b))
	}
}

func TestEncode_RecursiveSorting(t *testing.T) {
	input := map[string]any{
		"z": map[string]any{"y": "foo", "x": "bar"},
		"a": 1,
	}
	expected := `{"a":1,"z":{"x":"bar","y":"foo"}}`

	b, err := Encode(input)
	if err != nil {
		t.Fatalf("Encode failed: %v", err)
	}
	if string(b) != expected {
		t.Errorf("expected %s, got %s", expected, string(b))
	}
}

func TestEncode_NoHTMLEscaping(t *testing.T) {
	input := map[string]any{"html": "<script>alert('xss')</script> &"}
	expected := `{"html":"<script>alert('xss')</script> &"}`

	b, err := Encode(input)
	if err != nil {
		t.Fatalf("Encode failed: %v", err)
	}
	if string(b) != expected {
		t.Errorf("expected %s, got %s", expected, string(b))
	}
}

func TestEncode_NFCNormalization(t *testing.T) {
	// "é" as e + combining acute (NFD) must canonicalize to the composed form.
	decomposed := "é"
	composed := "é"

	b1, err := Encode(map[string]any{"v": decomposed})
	if err != nil {
		t.Fatalf("Encode failed: %v", err)
	}
	b2, err := Encode(map[string]any{"v": composed})
	if err != nil {
		t.Fatalf("Encode failed: %v", err)
	}
	if string(b1) != string(b2) {
		t.Errorf("expected NFC-normalized forms to match: %q != %q", b1, b2)
	}
}

func TestEncode_IntegerNoLeadingZeroArtifacts(t *testing.T) {
	b, err := Encode(map[string]any{"n": 42})
	if err != nil {
		t.Fatalf("Encode failed: %v", err)
	}
	if string(b) != `{"n":42}` {
		t.Errorf("expected {\"n\":42}, got %s", b)
	}
}

func TestDecodeEncodeRoundTrip(t *testing.T) {
	cases := []any{
		nil,
		true,
		false,
		map[string]any{"a": 1, "b": []any{1, 2, 3}, "c": "hello"},
		[]any{"x", "y", map[string]any{"nested": true}},
	}

	for _, v := range cases {
		b, err := Encode(v)
		if err != nil {
			t.Fatalf("Encode(%v) failed: %v", v, err)
		}
		decoded, err := Decode(b)
		if err != nil {
			t.Fatalf("Decode failed: %v", err)
		}
		b2, err := Encode(decoded)
		if err != nil {
			t.Fatalf("re-Encode failed: %v", err)
		}
		if string(b) != string(b2) {
			t.Errorf("round trip mismatch: %s != %s", b, b2)
		}
	}
}

func TestCID_Deterministic(t *testing.T) {
	b, err := Encode(map[string]any{"hello": "world"})
	if err != nil {
		t.Fatalf("Encode failed: %v", err)
	}
	c1 := CID(b)
	c2 := CID(b)
	if c1 != c2 {
		t.Errorf("expected stable CID, got %s != %s", c1, c2)
	}
	if c1 == "" {
		t.Error("expected non-empty CID")
	}
}

func TestCID_ChangesWithContent(t *testing.T) {
	b1, _ := Encode(map[string]any{"hello": "world"})
	b2, _ := Encode(map[string]any{"hello": "worlds"})
	if CID(b1) == CID(b2) {
		t.Error("expected different CIDs for different content")
	}
}

func TestEncode_RejectsUnsupportedType(t *testing.T) {
	type unsupported struct {
		Ch chan int
	}
	_, err := Encode(unsupported{Ch: make(chan int)})
	if err == nil {
		t.Error("expected error encoding a channel-bearing value")
	}
}
