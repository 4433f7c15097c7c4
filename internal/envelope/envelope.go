// Package envelope implements the Proof Envelope (spec.md C3): a small
// attestation binding a canonical-bytes payload to an Ed25519 signature and
// the key id that produced it, plus the machinery to resolve the signing
// key and verify the binding.
//
// Grounded on the teacher's pkg/envelope/validator.go for the
// ValidationError/result shape and fail-closed accumulation style, and
// pkg/crypto/signer.go for the Ed25519 sign/verify primitives, generalized
// from the autonomy-envelope contract to spec.md §4.3's CID/kid/sig triple.
package envelope

import (
	"crypto/ed25519"
	"encoding/base64"
	"encoding/json"
	"errors"
	"fmt"
	"net/http"
	"net/url"
	"time"

	"github.com/odin-protocol/gateway/internal/cml"
	"github.com/odin-protocol/gateway/internal/keyreg"
)

// Reason codes for verification failure, mirrored onto the API error
// envelope's "error" field by the middleware layer.
const (
	ReasonBadCID        = "odin.proof.cid_mismatch"
	ReasonUnknownKid     = "odin.proof.unknown_kid"
	ReasonBadSignature   = "odin.proof.bad_signature"
	ReasonKeysetHost     = "odin.proof.keyset_host_denied"
	ReasonKeysetFetch    = "odin.proof.keyset_fetch_failed"
	ReasonSFTViolation   = "odin.proof.sft_violation"
	ReasonMalformed      = "odin.proof.malformed"
)

// VerifyError reports why an envelope failed to verify.
type VerifyError struct {
	Reason string
	Detail string
}

func (e *VerifyError) Error() string {
	if e.Detail == "" {
		return e.Reason
	}
	return fmt.Sprintf("%s: %s", e.Reason, e.Detail)
}

// Envelope is the wire shape of a Proof Envelope: a CID, a key id, a
// signature, and optional material to resolve bytes and keys out of band.
type Envelope struct {
	CID         string          `json:"cid"`
	Kid         string          `json:"kid"`
	Sig         string          `json:"sig"` // base64url, 64 raw bytes
	InlineB64   string          `json:"b,omitempty"`
	KeysetURL   string          `json:"keyset_url,omitempty"`
	InlineKeys  *inlineKeySet   `json:"keyset,omitempty"`
	SFT         string          `json:"sft,omitempty"`
}

type inlineKeySet struct {
	ActiveKid string `json:"active_kid"`
	Keys      []struct {
		Kid    string `json:"kid"`
		Alg    string `json:"alg"`
		Public string `json:"public_key"`
	} `json:"keys"`
}

// Attestation is the small result object attached to the request context
// by a successful verification.
type Attestation struct {
	OK           bool
	Kid          string
	CID          string
	KeysetSource string // "inline", "url:<host>", or "registry"
}

// KeysetFetcher fetches a remote keyset document's raw bytes, used to
// resolve Envelope.KeysetURL. The gateway's HTTP client is grounded on
// pkg/util/resiliency/client.go; NewHTTPKeysetFetcher is the concrete
// implementation wired into the gateway.
type KeysetFetcher interface {
	Fetch(url string) ([]byte, error)
}

// SFTValidator validates a decoded payload against a declared semantic
// format id; nil disables cross-checking (step 5 is optional per spec).
// The gateway leaves it nil.
type SFTValidator interface {
	Validate(sft string, payload any) error
}

// Verifier resolves keys and checks Proof Envelopes.
type Verifier struct {
	Registry          *keyreg.Registry
	Fetcher           KeysetFetcher
	SFT               SFTValidator
	AllowedKeysetHost func(host string) bool // nil = deny all remote keysets
}

// Verify implements spec.md §4.3's five verification steps. value, if
// non-nil, is used to recompute B via C1 when neither bytes nor B are
// otherwise available; payload, if non-nil, is what gets checked against
// env.SFT in step 5.
func (v *Verifier) Verify(env *Envelope, bytesHint []byte, value any, payload any) (*Attestation, error) {
	if env.Kid == "" || env.Sig == "" {
		return nil, &VerifyError{Reason: ReasonMalformed, Detail: "missing kid or sig"}
	}

	b, err := v.resolveBytes(env, bytesHint, value)
	if err != nil {
		return nil, err
	}

	computedCID := cml.CID(b)
	if env.CID != "" && env.CID != computedCID {
		return nil, &VerifyError{Reason: ReasonBadCID, Detail: fmt.Sprintf("declared %s, computed %s", env.CID, computedCID)}
	}

	pub, source, err := v.resolveKey(env)
	if err != nil {
		return nil, err
	}

	sig, err := decodeSig(env.Sig)
	if err != nil {
		return nil, &VerifyError{Reason: ReasonMalformed, Detail: err.Error()}
	}
	if !ed25519.Verify(pub, b, sig) {
		return nil, &VerifyError{Reason: ReasonBadSignature}
	}

	if env.SFT != "" && v.SFT != nil && payload != nil {
		if err := v.SFT.Validate(env.SFT, payload); err != nil {
			return nil, &VerifyError{Reason: ReasonSFTViolation, Detail: err.Error()}
		}
	}

	return &Attestation{OK: true, Kid: env.Kid, CID: computedCID, KeysetSource: source}, nil
}

func (v *Verifier) resolveBytes(env *Envelope, bytesHint []byte, value any) ([]byte, error) {
	if len(bytesHint) > 0 {
		return bytesHint, nil
	}
	if env.InlineB64 != "" {
		b, err := base64.RawURLEncoding.DecodeString(env.InlineB64)
		if err != nil {
			if b2, err2 := base64.URLEncoding.DecodeString(env.InlineB64); err2 == nil {
				return b2, nil
			}
			return nil, &VerifyError{Reason: ReasonMalformed, Detail: "inline bytes not valid base64url: " + err.Error()}
		}
		return b, nil
	}
	if value != nil {
		b, err := cml.Encode(value)
		if err != nil {
			return nil, &VerifyError{Reason: ReasonMalformed, Detail: "cannot canonicalize value: " + err.Error()}
		}
		return b, nil
	}
	return nil, &VerifyError{Reason: ReasonMalformed, Detail: "no bytes, inline encoding, or value to verify"}
}

// resolveKey implements step 3: inline keyset, then keyset URL (subject to
// host allowlist), then the local Key Registry.
func (v *Verifier) resolveKey(env *Envelope) (ed25519.PublicKey, string, error) {
	if env.InlineKeys != nil {
		for _, k := range env.InlineKeys.Keys {
			if k.Kid != env.Kid {
				continue
			}
			pub, err := decodeKeyBytes(k.Public)
			if err != nil {
				return nil, "", &VerifyError{Reason: ReasonMalformed, Detail: err.Error()}
			}
			return pub, "inline", nil
		}
		return nil, "", &VerifyError{Reason: ReasonUnknownKid, Detail: "kid not present in inline keyset"}
	}

	if env.KeysetURL != "" {
		host, err := keysetHost(env.KeysetURL)
		if err != nil {
			return nil, "", &VerifyError{Reason: ReasonMalformed, Detail: err.Error()}
		}
		if v.AllowedKeysetHost == nil || !v.AllowedKeysetHost(host) {
			return nil, "", &VerifyError{Reason: ReasonKeysetHost, Detail: host}
		}
		if v.Fetcher == nil {
			return nil, "", &VerifyError{Reason: ReasonKeysetFetch, Detail: "no keyset fetcher configured"}
		}
		raw, err := v.Fetcher.Fetch(env.KeysetURL)
		if err != nil {
			return nil, "", &VerifyError{Reason: ReasonKeysetFetch, Detail: err.Error()}
		}
		pub, err := findKeyInDocument(raw, env.Kid)
		if err != nil {
			return nil, "", err
		}
		return pub, "url:" + host, nil
	}

	if v.Registry == nil {
		return nil, "", &VerifyError{Reason: ReasonUnknownKid, Detail: "no key registry configured"}
	}
	k, err := v.Registry.Get(env.Kid)
	if err != nil {
		return nil, "", &VerifyError{Reason: ReasonUnknownKid, Detail: env.Kid}
	}
	return k.Public, "registry", nil
}

func keysetHost(raw string) (string, error) {
	u, err := url.Parse(raw)
	if err != nil {
		return "", fmt.Errorf("invalid keyset url: %w", err)
	}
	if u.Scheme != "https" && u.Scheme != "http" {
		return "", errors.New("keyset url must be http(s)")
	}
	return u.Hostname(), nil
}

func decodeSig(s string) ([]byte, error) {
	b, err := base64.RawURLEncoding.DecodeString(s)
	if err != nil {
		b, err = base64.URLEncoding.DecodeString(s)
		if err != nil {
			return nil, fmt.Errorf("signature not valid base64url: %w", err)
		}
	}
	if len(b) != ed25519.SignatureSize {
		return nil, fmt.Errorf("signature must be %d bytes, got %d", ed25519.SignatureSize, len(b))
	}
	return b, nil
}

func decodeKeyBytes(s string) (ed25519.PublicKey, error) {
	b, err := base64.RawURLEncoding.DecodeString(s)
	if err != nil {
		b, err = base64.StdEncoding.DecodeString(s)
		if err != nil {
			return nil, fmt.Errorf("public key not valid base64: %w", err)
		}
	}
	if len(b) != ed25519.PublicKeySize {
		return nil, fmt.Errorf("public key must be %d bytes, got %d", ed25519.PublicKeySize, len(b))
	}
	return ed25519.PublicKey(b), nil
}

func findKeyInDocument(raw []byte, kid string) (ed25519.PublicKey, error) {
	var doc inlineKeySet
	if err := json.Unmarshal(raw, &doc); err != nil {
		return nil, &VerifyError{Reason: ReasonKeysetFetch, Detail: "malformed keyset document: " + err.Error()}
	}
	for _, k := range doc.Keys {
		if k.Kid == kid {
			pub, err := decodeKeyBytes(k.Public)
			if err != nil {
				return nil, &VerifyError{Reason: ReasonMalformed, Detail: err.Error()}
			}
			return pub, nil
		}
	}
	return nil, &VerifyError{Reason: ReasonUnknownKid, Detail: kid}
}

// Signer signs canonical bytes with an Ed25519 private key, for use by the
// response-signing stage of the middleware pipeline (C6) and by C7/C8/C10
// when they emit signed receipts and adverts.
type Signer struct {
	Kid  string
	Priv ed25519.PrivateKey
}

// Sign produces an Envelope over canonical bytes b.
func (s *Signer) Sign(b []byte) *Envelope {
	sig := ed25519.Sign(s.Priv, b)
	return &Envelope{
		CID: cml.CID(b),
		Kid: s.Kid,
		Sig: base64.RawURLEncoding.EncodeToString(sig),
	}
}

// SignValue canonicalizes v via C1 and signs the result.
func (s *Signer) SignValue(v any) (*Envelope, []byte, error) {
	b, err := cml.Encode(v)
	if err != nil {
		return nil, nil, err
	}
	return s.Sign(b), b, nil
}

// httpFetcher is a minimal KeysetFetcher backed by a shared *http.Client
// with a fixed timeout, grounded on pkg/util/resiliency/client.go's
// bounded-timeout philosophy but scoped to a single best-effort GET —
// bridge forwarding's retries/backoff live in internal/bridge instead.
type httpFetcher struct {
	client *http.Client
}

// NewHTTPKeysetFetcher returns a KeysetFetcher that performs a bounded GET.
func NewHTTPKeysetFetcher(timeout time.Duration) KeysetFetcher {
	if timeout <= 0 {
		timeout = 5 * time.Second
	}
	return &httpFetcher{client: &http.Client{Timeout: timeout}}
}

func (f *httpFetcher) Fetch(u string) ([]byte, error) {
	resp, err := f.client.Get(u)
	if err != nil {
		return nil, err
	}
	defer resp.Body.Close()
	if resp.StatusCode != http.StatusOK {
		return nil, fmt.Errorf("keyset fetch: unexpected status %d", resp.StatusCode)
	}
	buf := make([]byte, 0, 4096)
	chunk := make([]byte, 4096)
	for {
		n, rerr := resp.Body.Read(chunk)
		if n > 0 {
			buf = append(buf, chunk[:n]...)
		}
		if rerr != nil {
			break
		}
		if len(buf) > 1<<20 {
			return nil, errors.New("keyset document exceeds 1MiB limit")
		}
	}
	return buf, nil
}
