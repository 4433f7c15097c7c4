//go:build property
// +build property

package cml

import (
	"testing"

	"github.com/leanovate/gopter"
	"github.com/leanovate/gopter/gen"
	"github.com/leanovate/gopter/prop"
)

// TestCanonicalRoundTrip covers spec.md §8 property 1: for all JSON-like
// values v, decode(encode(v)) round-trips to a value whose re-encoding is
// byte-identical, and cid(encode(v)) is stable under that round trip.
func TestCanonicalRoundTrip(t *testing.T) {
	parameters := gopter.DefaultTestParameters()
	parameters.MinSuccessfulTests = 200
	properties := gopter.NewProperties(parameters)

	properties.Property("encode/decode round trip is CID-stable", prop.ForAll(
		func(keys []string, values []string) bool {
			obj := make(map[string]any)
			for i := 0; i < len(keys) && i < len(values); i++ {
				if keys[i] != "" {
					obj[keys[i]] = values[i]
				}
			}

			b1, err := Encode(obj)
			if err != nil {
				return false
			}
			decoded, err := Decode(b1)
			if err != nil {
				return false
			}
			b2, err := Encode(decoded)
			if err != nil {
				return false
			}

			return string(b1) == string(b2) && CID(b1) == CID(b2)
		},
		gen.SliceOf(gen.AlphaString()),
		gen.SliceOf(gen.AlphaString()),
	))

	properties.Property("CID binding: changing a byte changes the CID", prop.ForAll(
		func(s string) bool {
			if s == "" {
				return true
			}
			b, err := Encode(map[string]any{"v": s})
			if err != nil {
				return false
			}
			mutated := append([]byte(nil), b...)
			mutated[len(mutated)-1] ^= 0xFF
			return CID(b) != CID(mutated)
		},
		gen.AlphaString(),
	))

	properties.TestingRun(t)
}
