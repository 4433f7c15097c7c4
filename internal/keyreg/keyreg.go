// Package keyreg implements the Key Registry (spec.md C2): it loads,
// validates, and serves the set of Ed25519 verification keys the gateway
// trusts, with hot reload and a rotation grace window so a key removed
// from the active set stays addressable for verification for a while
// longer.
//
// Grounded on the teacher's pkg/kms (versioned, file-backed keystore with
// atomic reload) and pkg/identity/keyset.go (in-memory rotating key set
// handed out as an immutable snapshot to readers), generalized from
// symmetric encryption keys and JWT signing keys to Ed25519 verification
// material per spec.md §4.2.
package keyreg

import (
	"crypto/ed25519"
	"encoding/base64"
	"encoding/hex"
	"encoding/json"
	"errors"
	"fmt"
	"os"
	"sort"
	"strings"
	"sync"
	"sync/atomic"
	"time"
)

// ErrNotFound is returned by Get when no key matches the requested kid.
var ErrNotFound = errors.New("keyreg: key not found")

// KeyLoadError wraps a failure to read or parse a key source.
type KeyLoadError struct {
	Source string
	Err    error
}

func (e *KeyLoadError) Error() string {
	return fmt.Sprintf("keyreg: failed to load from %s: %v", e.Source, e.Err)
}

func (e *KeyLoadError) Unwrap() error { return e.Err }

// Key is a single verification key.
type Key struct {
	Kid    string            `json:"kid"`
	Alg    string            `json:"alg"`
	Public ed25519.PublicKey `json:"-"`
}

// PublicHex renders the raw public key as lowercase hex, for diagnostics.
func (k Key) PublicHex() string { return hex.EncodeToString(k.Public) }

// keySetDoc is the on-disk/inline JSON shape for a loadable key set.
type keySetDoc struct {
	ActiveKid string        `json:"active_kid"`
	Keys      []keySetEntry `json:"keys"`
}

type keySetEntry struct {
	Kid    string `json:"kid"`
	Alg    string `json:"alg"`
	Public string `json:"public_key"`
}

// snapshot is an immutable view of the registry's current state. Readers
// hold a reference to a snapshot; Reload publishes a new one atomically so
// no reader ever observes a partially-updated key set.
type snapshot struct {
	keys      []Key
	byKid     map[string]Key
	activeKid string
	loadedAt  time.Time
}

// Source describes where key material comes from, in precedence order:
// inline JSON highest, then a file path, then a single public-key env var.
type Source struct {
	InlineJSON    string
	FilePath      string
	SingleKeyEnv  string
	SingleKeyKid  string
	RotationGrace time.Duration
	CacheTTL      time.Duration
}

// Registry serves the active verification key set and supports hot reload
// with a rotation grace window.
type Registry struct {
	source Source

	mu       sync.Mutex // serializes Reload; readers use the atomic pointer
	current  atomic.Pointer[snapshot]
	previous atomic.Pointer[snapshot] // kept addressable during rotation grace
	rotateAt atomic.Int64             // unix nanos after which 'previous' is dropped
}

// New loads the registry from src and returns it ready to serve.
func New(src Source) (*Registry, error) {
	if src.RotationGrace == 0 {
		src.RotationGrace = 5 * time.Minute
	}
	if src.CacheTTL == 0 {
		src.CacheTTL = time.Minute
	}
	r := &Registry{source: src}
	if err := r.Reload(); err != nil {
		return nil, err
	}
	return r, nil
}

// Reload re-reads the configured sources and atomically publishes the new
// key set. The previous snapshot is kept addressable (Get falls back to it)
// until RotationGrace elapses, so in-flight verifications against a key
// that just rotated out still succeed.
func (r *Registry) Reload() error {
	r.mu.Lock()
	defer r.mu.Unlock()

	doc, sourceName, err := r.loadDoc()
	if err != nil {
		return err
	}

	snap, err := buildSnapshot(doc)
	if err != nil {
		return &KeyLoadError{Source: sourceName, Err: err}
	}

	if old := r.current.Load(); old != nil {
		r.previous.Store(old)
		r.rotateAt.Store(time.Now().Add(r.source.RotationGrace).UnixNano())
	}
	r.current.Store(snap)
	return nil
}

func (r *Registry) loadDoc() (*keySetDoc, string, error) {
	switch {
	case r.source.InlineJSON != "":
		var doc keySetDoc
		if err := json.Unmarshal([]byte(r.source.InlineJSON), &doc); err != nil {
			return nil, "inline", &KeyLoadError{Source: "inline", Err: err}
		}
		return &doc, "inline", nil

	case r.source.FilePath != "":
		data, err := os.ReadFile(r.source.FilePath)
		if err != nil {
			return nil, r.source.FilePath, &KeyLoadError{Source: r.source.FilePath, Err: err}
		}
		var doc keySetDoc
		if err := json.Unmarshal(data, &doc); err != nil {
			return nil, r.source.FilePath, &KeyLoadError{Source: r.source.FilePath, Err: err}
		}
		return &doc, r.source.FilePath, nil

	case r.source.SingleKeyEnv != "":
		raw := os.Getenv(r.source.SingleKeyEnv)
		if raw == "" {
			return nil, r.source.SingleKeyEnv, &KeyLoadError{Source: r.source.SingleKeyEnv, Err: errors.New("env var empty or unset")}
		}
		kid := r.source.SingleKeyKid
		if kid == "" {
			kid = "default"
		}
		doc := &keySetDoc{
			ActiveKid: kid,
			Keys:      []keySetEntry{{Kid: kid, Alg: "Ed25519", Public: raw}},
		}
		return doc, r.source.SingleKeyEnv, nil

	default:
		return nil, "", errors.New("keyreg: no key source configured")
	}
}

func buildSnapshot(doc *keySetDoc) (*snapshot, error) {
	byKid := make(map[string]Key, len(doc.Keys))
	seenPub := make(map[string]string, len(doc.Keys))
	keys := make([]Key, 0, len(doc.Keys))

	for _, entry := range doc.Keys {
		if entry.Kid == "" {
			return nil, errors.New("key entry missing kid")
		}
		if _, dup := byKid[entry.Kid]; dup {
			return nil, fmt.Errorf("duplicate kid %q", entry.Kid)
		}
		if entry.Alg == "" {
			entry.Alg = "Ed25519"
		}
		if entry.Alg != "Ed25519" {
			return nil, fmt.Errorf("unsupported algorithm %q for kid %q", entry.Alg, entry.Kid)
		}

		raw, err := decodeKeyMaterial(entry.Public)
		if err != nil {
			return nil, fmt.Errorf("kid %q: %w", entry.Kid, err)
		}
		if len(raw) != ed25519.PublicKeySize {
			return nil, fmt.Errorf("kid %q: public key must be %d bytes, got %d", entry.Kid, ed25519.PublicKeySize, len(raw))
		}
		pubHex := hex.EncodeToString(raw)
		if dupKid, dup := seenPub[pubHex]; dup {
			return nil, fmt.Errorf("kid %q duplicates public key bytes of kid %q", entry.Kid, dupKid)
		}
		seenPub[pubHex] = entry.Kid

		k := Key{Kid: entry.Kid, Alg: entry.Alg, Public: raw}
		byKid[entry.Kid] = k
		keys = append(keys, k)
	}

	sort.Slice(keys, func(i, j int) bool { return keys[i].Kid < keys[j].Kid })

	active := doc.ActiveKid
	if active == "" && len(keys) > 0 {
		active = keys[0].Kid
	}
	if active != "" {
		if _, ok := byKid[active]; !ok {
			return nil, fmt.Errorf("active_kid %q not present in key set", active)
		}
	}

	return &snapshot{keys: keys, byKid: byKid, activeKid: active, loadedAt: time.Now()}, nil
}

// decodeKeyMaterial accepts hex, standard base64, or base64url (padded or
// not), with surrounding whitespace stripped, matching spec.md §4.2's
// "normalizes textual inputs" requirement.
func decodeKeyMaterial(s string) ([]byte, error) {
	s = strings.TrimSpace(s)
	if s == "" {
		return nil, errors.New("empty key material")
	}
	if b, err := hex.DecodeString(s); err == nil {
		return b, nil
	}
	for _, enc := range []*base64.Encoding{base64.StdEncoding, base64.RawStdEncoding, base64.URLEncoding, base64.RawURLEncoding} {
		if b, err := enc.DecodeString(s); err == nil {
			return b, nil
		}
	}
	return nil, errors.New("key material is not valid hex or base64/base64url")
}

// GetKeys returns all keys in the active snapshot, stable kid order.
func (r *Registry) GetKeys() []Key {
	snap := r.current.Load()
	if snap == nil {
		return nil
	}
	out := make([]Key, len(snap.keys))
	copy(out, snap.keys)
	return out
}

// ActiveKid returns the designated active key id.
func (r *Registry) ActiveKid() string {
	snap := r.current.Load()
	if snap == nil {
		return ""
	}
	return snap.activeKid
}

// Get returns the key identified by kid. It first checks the active
// snapshot, then — within RotationGrace of a reload — the previous
// snapshot, so a signature made just before rotation still verifies.
func (r *Registry) Get(kid string) (Key, error) {
	if snap := r.current.Load(); snap != nil {
		if k, ok := snap.byKid[kid]; ok {
			return k, nil
		}
	}
	if rotateAt := r.rotateAt.Load(); rotateAt != 0 && time.Now().UnixNano() < rotateAt {
		if prev := r.previous.Load(); prev != nil {
			if k, ok := prev.byKid[kid]; ok {
				return k, nil
			}
		}
	}
	return Key{}, ErrNotFound
}

// AsPublicDocument renders the active key set in the shape served at the
// well-known JWKS discovery path.
func (r *Registry) AsPublicDocument() map[string]any {
	snap := r.current.Load()
	if snap == nil {
		return map[string]any{"active_kid": "", "keys": []any{}}
	}
	keys := make([]map[string]any, 0, len(snap.keys))
	for _, k := range snap.keys {
		keys = append(keys, map[string]any{
			"kid":        k.Kid,
			"alg":        k.Alg,
			"public_key": base64.RawURLEncoding.EncodeToString(k.Public),
		})
	}
	return map[string]any{"active_kid": snap.activeKid, "keys": keys}
}
