package envelope

import (
	"crypto/ed25519"
	"crypto/rand"
	"encoding/base64"
	"encoding/hex"
	"encoding/json"
	"testing"

	"github.com/odin-protocol/gateway/internal/keyreg"
)

func newTestRegistry(t *testing.T, kid string, pub ed25519.PublicKey) *keyreg.Registry {
	t.Helper()
	doc := map[string]any{
		"active_kid": kid,
		"keys": []map[string]any{
			{"kid": kid, "alg": "Ed25519", "public_key": hex.EncodeToString(pub)},
		},
	}
	b, err := json.Marshal(doc)
	if err != nil {
		t.Fatalf("marshal: %v", err)
	}
	reg, err := keyreg.New(keyreg.Source{InlineJSON: string(b)})
	if err != nil {
		t.Fatalf("keyreg.New: %v", err)
	}
	return reg
}

func TestVerifier_ValidSignatureAgainstRegistry(t *testing.T) {
	pub, priv, _ := ed25519.GenerateKey(rand.Reader)
	reg := newTestRegistry(t, "k1", pub)
	signer := &Signer{Kid: "k1", Priv: priv}

	env, b, err := signer.SignValue(map[string]any{"hello": "world"})
	if err != nil {
		t.Fatalf("SignValue: %v", err)
	}

	v := &Verifier{Registry: reg}
	att, err := v.Verify(env, b, nil, nil)
	if err != nil {
		t.Fatalf("Verify: %v", err)
	}
	if !att.OK || att.Kid != "k1" || att.KeysetSource != "registry" {
		t.Errorf("unexpected attestation: %+v", att)
	}
}

func TestVerifier_RejectsTamperedBytes(t *testing.T) {
	pub, priv, _ := ed25519.GenerateKey(rand.Reader)
	reg := newTestRegistry(t, "k1", pub)
	signer := &Signer{Kid: "k1", Priv: priv}

	env, b, err := signer.SignValue(map[string]any{"hello": "world"})
	if err != nil {
		t.Fatalf("SignValue: %v", err)
	}
	tampered := append([]byte(nil), b...)
	tampered[len(tampered)-1] ^= 0xFF

	v := &Verifier{Registry: reg}
	if _, err := v.Verify(env, tampered, nil, nil); err == nil {
		t.Error("expected verification to fail on tampered bytes")
	} else if ve, ok := err.(*VerifyError); !ok || ve.Reason != ReasonBadCID {
		t.Errorf("expected ReasonBadCID, got %v", err)
	}
}

func TestVerifier_UnknownKid(t *testing.T) {
	pub, priv, _ := ed25519.GenerateKey(rand.Reader)
	reg := newTestRegistry(t, "k1", pub)
	other := &Signer{Kid: "k2", Priv: priv}

	env, b, _ := other.SignValue(map[string]any{"x": 1})
	v := &Verifier{Registry: reg}
	_, err := v.Verify(env, b, nil, nil)
	if err == nil {
		t.Fatal("expected unknown kid error")
	}
	if ve, ok := err.(*VerifyError); !ok || ve.Reason != ReasonUnknownKid {
		t.Errorf("expected ReasonUnknownKid, got %v", err)
	}
}

func TestVerifier_InlineKeyset(t *testing.T) {
	pub, priv, _ := ed25519.GenerateKey(rand.Reader)
	signer := &Signer{Kid: "k1", Priv: priv}
	env, b, _ := signer.SignValue(map[string]any{"a": 1})

	env.InlineKeys = &inlineKeySet{ActiveKid: "k1"}
	env.InlineKeys.Keys = append(env.InlineKeys.Keys, struct {
		Kid    string `json:"kid"`
		Alg    string `json:"alg"`
		Public string `json:"public_key"`
	}{Kid: "k1", Alg: "Ed25519", Public: base64.RawURLEncoding.EncodeToString(pub)})

	v := &Verifier{}
	att, err := v.Verify(env, b, nil, nil)
	if err != nil {
		t.Fatalf("Verify: %v", err)
	}
	if att.KeysetSource != "inline" {
		t.Errorf("expected inline keyset source, got %s", att.KeysetSource)
	}
}

func TestVerifier_KeysetURLDeniedWithoutAllowlist(t *testing.T) {
	pub, priv, _ := ed25519.GenerateKey(rand.Reader)
	_ = pub
	signer := &Signer{Kid: "k1", Priv: priv}
	env, b, _ := signer.SignValue(map[string]any{"a": 1})
	env.KeysetURL = "https://keys.example.com/.well-known/odin-jwks.json"

	v := &Verifier{}
	_, err := v.Verify(env, b, nil, nil)
	if err == nil {
		t.Fatal("expected denial without allowlist")
	}
	if ve, ok := err.(*VerifyError); !ok || ve.Reason != ReasonKeysetHost {
		t.Errorf("expected ReasonKeysetHost, got %v", err)
	}
}

func TestVerifier_DeclaredCIDMismatch(t *testing.T) {
	pub, priv, _ := ed25519.GenerateKey(rand.Reader)
	reg := newTestRegistry(t, "k1", pub)
	signer := &Signer{Kid: "k1", Priv: priv}
	env, b, _ := signer.SignValue(map[string]any{"a": 1})
	env.CID = "bogus-cid-value"

	v := &Verifier{Registry: reg}
	_, err := v.Verify(env, b, nil, nil)
	if err == nil {
		t.Fatal("expected CID mismatch error")
	}
	if ve, ok := err.(*VerifyError); !ok || ve.Reason != ReasonBadCID {
		t.Errorf("expected ReasonBadCID, got %v", err)
	}
}
