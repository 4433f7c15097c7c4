// Package roaming implements the Roaming Pass (spec.md C11): short-lived,
// signed cross-realm capability tokens minted by an admin-gated issuer and
// verified against a set of trust anchors (one keyset per trusted realm).
//
// Grounded on the teacher's pkg/identity/keyset.go for the EdDSA-signed
// jwt.Claims plumbing (golang-jwt/jwt/v5, SigningMethodEdDSA, kid header),
// generalized from a single in-process signing key to externally declared
// per-realm trust anchors loaded from YAML (gopkg.in/yaml.v3), matching
// the config-file style of pkg/config/config.go.
package roaming

import (
	"context"
	"crypto/ed25519"
	"encoding/hex"
	"errors"
	"fmt"
	"os"
	"slices"
	"time"

	"github.com/golang-jwt/jwt/v5"
	"gopkg.in/yaml.v3"
)

// MaxTTL is the hard ceiling on exp-nbf per spec.md §3.
const MaxTTL = 600 * time.Second

// Rejection reasons.
const (
	ReasonExpired        = "RoamingExpired"
	ReasonNotYetValid    = "RoamingNotYetValid"
	ReasonUnknownRealm   = "RoamingUnknownRealm"
	ReasonUnknownIssuer  = "RoamingUnknownIssuer"
	ReasonBadSignature   = "RoamingBadSignature"
	ReasonReplayedJTI    = "RoamingReplayedJTI"
	ReasonTTLTooLong     = "RoamingTTLTooLong"
	ReasonMalformed      = "RoamingMalformed"
)

// VerifyError reports why a Roaming Pass was rejected.
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

// Claims is the Roaming Pass payload, spec.md §3.
type Claims struct {
	jwt.RegisteredClaims
	RealmSrc string         `json:"realm_src"`
	RealmDst string         `json:"realm_dst"`
	Scope    []string       `json:"scope"`
	Bind     map[string]any `json:"bind,omitempty"`
}

// TrustAnchor is one trusted realm's verification key, as loaded from
// configs/roaming/trust_anchors.yaml.
type TrustAnchor struct {
	Realm     string `yaml:"realm"`
	Kid       string `yaml:"kid"`
	PublicHex string `yaml:"public_key"`
}

// trustAnchorFile is the on-disk YAML document shape.
type trustAnchorFile struct {
	Anchors []TrustAnchor `yaml:"anchors"`
}

// TrustStore resolves a (realm, kid) pair to a verification key.
type TrustStore struct {
	byRealmKid map[string]ed25519.PublicKey
}

// LoadTrustAnchors parses a YAML trust-anchor document.
func LoadTrustAnchors(raw []byte) (*TrustStore, error) {
	var doc trustAnchorFile
	if err := yaml.Unmarshal(raw, &doc); err != nil {
		return nil, fmt.Errorf("roaming: invalid trust anchors document: %w", err)
	}
	ts := &TrustStore{byRealmKid: make(map[string]ed25519.PublicKey, len(doc.Anchors))}
	for _, a := range doc.Anchors {
		raw, err := hex.DecodeString(a.PublicHex)
		if err != nil || len(raw) != ed25519.PublicKeySize {
			return nil, fmt.Errorf("roaming: trust anchor %s/%s: invalid public key", a.Realm, a.Kid)
		}
		ts.byRealmKid[a.Realm+"\x1f"+a.Kid] = ed25519.PublicKey(raw)
	}
	return ts, nil
}

// LoadTrustAnchorsFile reads and parses a YAML trust-anchor file.
func LoadTrustAnchorsFile(path string) (*TrustStore, error) {
	raw, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("roaming: reading trust anchors: %w", err)
	}
	return LoadTrustAnchors(raw)
}

func (ts *TrustStore) lookup(realm, kid string) (ed25519.PublicKey, bool) {
	k, ok := ts.byRealmKid[realm+"\x1f"+kid]
	return k, ok
}

// ReplayCache tracks jti values seen within a replay window.
type ReplayCache interface {
	SeenOrRecord(ctx context.Context, jti string, window time.Duration) (bool, error)
}

// Issuer mints Roaming Passes, admin-gated by the caller (spec.md §4.6/§4.11
// restrict minting to admin-authenticated callers; this package only signs).
type Issuer struct {
	Realm string
	Kid   string
	Priv  ed25519.PrivateKey
}

// Mint signs a new pass. ttl must not exceed MaxTTL.
func (iss *Issuer) Mint(sub, aud, realmDst string, scope []string, ttl time.Duration, bind map[string]any) (string, error) {
	if ttl <= 0 || ttl > MaxTTL {
		return "", fmt.Errorf("roaming: ttl %s exceeds max %s", ttl, MaxTTL)
	}
	now := time.Now()
	claims := &Claims{
		RegisteredClaims: jwt.RegisteredClaims{
			Subject:   sub,
			Audience:  jwt.ClaimStrings{aud},
			ID:        newJTI(),
			NotBefore: jwt.NewNumericDate(now),
			ExpiresAt: jwt.NewNumericDate(now.Add(ttl)),
			IssuedAt:  jwt.NewNumericDate(now),
			Issuer:    iss.Realm,
		},
		RealmSrc: iss.Realm,
		RealmDst: realmDst,
		Scope:    scope,
		Bind:     bind,
	}
	token := jwt.NewWithClaims(jwt.SigningMethodEdDSA, claims)
	token.Header["kid"] = iss.Kid
	return token.SignedString(iss.Priv)
}

func newJTI() string {
	b := make([]byte, 16)
	// Derive a low-collision id from a monotonic nanosecond reading mixed
	// through an LCG; the replay cache is the actual uniqueness guard,
	// this only needs to avoid accidental collisions.
	n := time.Now().UnixNano()
	for i := range b {
		b[i] = byte(n >> (8 * (i % 8)))
		n = n*6364136223846793005 + 1
	}
	return hex.EncodeToString(b)
}

// Verifier checks Roaming Passes against a TrustStore and replay cache.
type Verifier struct {
	Trust   *TrustStore
	Replay  ReplayCache
	Realm   string // this gateway's own realm, expected as aud or realm_dst
}

// Verify parses and validates a compact Roaming Pass token.
func (v *Verifier) Verify(ctx context.Context, tokenStr string) (*Claims, error) {
	claims := &Claims{}
	var anchorKid string

	parser := jwt.NewParser(jwt.WithValidMethods([]string{"EdDSA"}))
	token, err := parser.ParseWithClaims(tokenStr, claims, func(t *jwt.Token) (any, error) {
		kid, ok := t.Header["kid"].(string)
		if !ok {
			return nil, errors.New("missing kid in header")
		}
		anchorKid = kid
		realm := claims.RealmSrc
		if realm == "" {
			realm = claims.Issuer
		}
		pub, ok := v.Trust.lookup(realm, kid)
		if !ok {
			return nil, fmt.Errorf("unknown realm/kid %s/%s", realm, kid)
		}
		return pub, nil
	})
	if err != nil || !token.Valid {
		if errors.Is(err, jwt.ErrTokenExpired) {
			return nil, &VerifyError{Reason: ReasonExpired}
		}
		if errors.Is(err, jwt.ErrTokenNotValidYet) {
			return nil, &VerifyError{Reason: ReasonNotYetValid}
		}
		if anchorKid == "" {
			return nil, &VerifyError{Reason: ReasonMalformed, Detail: errString(err)}
		}
		return nil, &VerifyError{Reason: ReasonBadSignature, Detail: errString(err)}
	}

	if claims.ExpiresAt == nil || claims.NotBefore == nil {
		return nil, &VerifyError{Reason: ReasonMalformed, Detail: "missing nbf/exp"}
	}
	if claims.ExpiresAt.Sub(claims.NotBefore.Time) > MaxTTL {
		return nil, &VerifyError{Reason: ReasonTTLTooLong}
	}

	if v.Realm != "" && claims.RealmDst != v.Realm && !slices.Contains(claims.Audience, v.Realm) {
		return nil, &VerifyError{Reason: ReasonUnknownRealm, Detail: claims.RealmDst}
	}

	if v.Replay != nil {
		seen, err := v.Replay.SeenOrRecord(ctx, claims.ID, MaxTTL)
		if err != nil {
			return nil, &VerifyError{Reason: ReasonReplayedJTI, Detail: err.Error()}
		}
		if seen {
			return nil, &VerifyError{Reason: ReasonReplayedJTI}
		}
	}

	return claims, nil
}

func errString(err error) string {
	if err == nil {
		return ""
	}
	return err.Error()
}

// ctxKey attaches verified Claims to a request context for downstream
// handlers, mirroring the tenant package's context-key convention.
type ctxKey int

const claimsKey ctxKey = iota

// WithClaims attaches verified roaming claims to ctx.
func WithClaims(ctx context.Context, c *Claims) context.Context {
	return context.WithValue(ctx, claimsKey, c)
}

// FromContext returns the roaming claims attached to ctx, if any.
func FromContext(ctx context.Context) (*Claims, bool) {
	c, ok := ctx.Value(claimsKey).(*Claims)
	return c, ok
}
