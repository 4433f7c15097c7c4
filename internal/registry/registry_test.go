package registry

import (
	"crypto/ed25519"
	"crypto/rand"
	"encoding/hex"
	"encoding/json"
	"testing"
	"time"

	"github.com/odin-protocol/gateway/internal/envelope"
	"github.com/odin-protocol/gateway/internal/keyreg"
)

func newTestVerifier(t *testing.T) (*envelope.Verifier, *envelope.Signer) {
	t.Helper()
	pub, priv, _ := ed25519.GenerateKey(rand.Reader)
	doc := map[string]any{
		"active_kid": "k1",
		"keys":       []map[string]any{{"kid": "k1", "alg": "Ed25519", "public_key": hex.EncodeToString(pub)}},
	}
	b, _ := json.Marshal(doc)
	reg, err := keyreg.New(keyreg.Source{InlineJSON: string(b)})
	if err != nil {
		t.Fatalf("keyreg.New: %v", err)
	}
	return &envelope.Verifier{Registry: reg}, &envelope.Signer{Kid: "k1", Priv: priv}
}

func signedAdvert(t *testing.T, signer *envelope.Signer, advert Advert) (*envelope.Envelope, []byte) {
	t.Helper()
	env, b, err := signer.SignValue(advert)
	if err != nil {
		t.Fatalf("SignValue: %v", err)
	}
	return env, b
}

func TestRegister_ValidAdvertPersists(t *testing.T) {
	verifier, signer := newTestVerifier(t)
	r := New(verifier)

	advert := Advert{Intent: "service.advertise", Service: "translate-svc", Version: "1.2.0", BaseURL: "https://svc.example", SupportedSFT: []string{"x@v1"}, TTLSeconds: 60}
	env, b := signedAdvert(t, signer, advert)

	rec, err := r.Register(env, b)
	if err != nil {
		t.Fatalf("Register: %v", err)
	}
	if rec.ID == "" {
		t.Error("expected non-empty id")
	}

	got, err := r.Get(rec.ID)
	if err != nil {
		t.Fatalf("Get: %v", err)
	}
	if got.Payload.Service != "translate-svc" {
		t.Errorf("unexpected service %q", got.Payload.Service)
	}
}

func TestRegister_RejectsBadSignature(t *testing.T) {
	verifier, signer := newTestVerifier(t)
	r := New(verifier)

	advert := Advert{Intent: "service.advertise", Service: "s", Version: "1.0.0", BaseURL: "https://s", TTLSeconds: 60}
	env, b := signedAdvert(t, signer, advert)
	env.Sig = env.Sig[:len(env.Sig)-2] + "00"

	if _, err := r.Register(env, b); err == nil {
		t.Fatal("expected signature verification failure")
	}
}

func TestRegister_RejectsMissingFields(t *testing.T) {
	verifier, signer := newTestVerifier(t)
	r := New(verifier)

	advert := Advert{Intent: "service.advertise", TTLSeconds: 60}
	env, b := signedAdvert(t, signer, advert)

	if _, err := r.Register(env, b); err != ErrInvalidAdvert {
		t.Errorf("expected ErrInvalidAdvert, got %v", err)
	}
}

func TestRegister_RejectsTTLTooLong(t *testing.T) {
	verifier, signer := newTestVerifier(t)
	r := New(verifier)

	advert := Advert{Intent: "service.advertise", Service: "s", Version: "1.0.0", BaseURL: "https://s", TTLSeconds: MaxTTLSeconds + 1}
	env, b := signedAdvert(t, signer, advert)

	if _, err := r.Register(env, b); err != ErrTTLTooLong {
		t.Errorf("expected ErrTTLTooLong, got %v", err)
	}
}

func TestList_ExcludesExpiredByDefault(t *testing.T) {
	verifier, signer := newTestVerifier(t)
	r := New(verifier)
	fakeNow := time.Now()
	r.now = func() time.Time { return fakeNow }

	advert := Advert{Intent: "service.advertise", Service: "s", Version: "1.0.0", BaseURL: "https://s", TTLSeconds: 1}
	env, b := signedAdvert(t, signer, advert)
	if _, err := r.Register(env, b); err != nil {
		t.Fatalf("Register: %v", err)
	}

	r.now = func() time.Time { return fakeNow.Add(2 * time.Second) }
	recs, err := r.List(ListFilter{})
	if err != nil {
		t.Fatalf("List: %v", err)
	}
	if len(recs) != 0 {
		t.Errorf("expected expired advert to be excluded, got %d", len(recs))
	}
}

func TestList_FiltersByServiceAndSFTAndVersion(t *testing.T) {
	verifier, signer := newTestVerifier(t)
	r := New(verifier)

	a1 := Advert{Intent: "service.advertise", Service: "svc-a", Version: "1.0.0", BaseURL: "https://a", SupportedSFT: []string{"x@v1"}, TTLSeconds: 60}
	a2 := Advert{Intent: "service.advertise", Service: "svc-a", Version: "2.0.0", BaseURL: "https://a2", SupportedSFT: []string{"y@v1"}, TTLSeconds: 60}
	env1, b1 := signedAdvert(t, signer, a1)
	env2, b2 := signedAdvert(t, signer, a2)
	if _, err := r.Register(env1, b1); err != nil {
		t.Fatalf("Register a1: %v", err)
	}
	if _, err := r.Register(env2, b2); err != nil {
		t.Fatalf("Register a2: %v", err)
	}

	recs, err := r.List(ListFilter{Service: "svc-a", MinVersion: ">= 1.5.0"})
	if err != nil {
		t.Fatalf("List: %v", err)
	}
	if len(recs) != 1 || recs[0].Payload.Version != "2.0.0" {
		t.Errorf("expected only 2.0.0 to match constraint, got %+v", recs)
	}
}

func TestDelete_IsIdempotent(t *testing.T) {
	verifier, _ := newTestVerifier(t)
	r := New(verifier)
	if err := r.Delete("never-registered"); err != nil {
		t.Errorf("expected idempotent delete, got %v", err)
	}
}
