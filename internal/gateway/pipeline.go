// Package gateway wires the fixed-order middleware pipeline (spec.md C6):
// tenant resolution, quota, optional roaming verification, proof
// enforcement, HTTP-signature enforcement, the route handler, response
// signing, and proof discovery.
//
// Grounded on the teacher's pkg/auth/middleware.go (fail-closed
// func(http.Handler) http.Handler chain, public-path allowlist) and
// pkg/api/middleware.go (GlobalRateLimiter wrapping the next handler),
// generalized to the eight ordered stages of spec.md §4.6.
package gateway

import (
	"bytes"
	"context"
	"encoding/json"
	"net/http"
	"strings"

	"github.com/odin-protocol/gateway/internal/apierr"
	"github.com/odin-protocol/gateway/internal/envelope"
	"github.com/odin-protocol/gateway/internal/httpsig"
	"github.com/odin-protocol/gateway/internal/policy"
	"github.com/odin-protocol/gateway/internal/roaming"
	"github.com/odin-protocol/gateway/internal/tenant"
)

func flattenHeaders(h http.Header) map[string]string {
	out := make(map[string]string, len(h))
	for k := range h {
		out[k] = h.Get(k)
	}
	return out
}

// exemptPrefixes are never enforced or signed regardless of configuration.
var exemptPrefixes = []string{"/metrics", "/health", "/.well-known"}

func isExempt(path string) bool {
	for _, p := range exemptPrefixes {
		if path == p || strings.HasPrefix(path, p+"/") {
			return true
		}
	}
	return false
}

func hasPrefix(path string, prefixes []string) bool {
	for _, p := range prefixes {
		if strings.HasPrefix(path, p) {
			return true
		}
	}
	return false
}

// SignMode selects how response signing attaches the proof.
type SignMode int

const (
	SignHeadersOnly SignMode = iota
	SignEmbed
)

// Config configures every stage of the pipeline.
type Config struct {
	TenantResolver *tenant.Resolver
	Quota          *tenant.Limiter

	RoamingRoutes   []string // prefixes where a roaming pass is verified
	RoamingVerifier *roaming.Verifier

	ProofEnforceRoutes []string
	ProofRequire       bool // hard-require vs annotate-only
	EnvelopeVerifier   *envelope.Verifier

	HTTPSigEnforceRoutes []string
	HTTPSigVerifier      *httpsig.Verifier

	Policy *policy.Engine

	SignRoutes []string
	SignMode   SignMode
	Signer     *envelope.Signer
	JWKSURL    func(host string) string // builds the absolute discovery URL for the request's host

	ReceiptPersist func(env *envelope.Envelope, b []byte) // best-effort; logged not fatal (C9 hookup)
}

// bodyPayload is the shape of a proof-enforced request body, spec.md §4.6
// stage 4: `{payload, proof}`.
type bodyPayload struct {
	Payload json.RawMessage     `json:"payload"`
	Proof   *envelope.Envelope  `json:"proof"`
}

// ctxKey namespaces pipeline-attached context values.
type ctxKey int

const (
	attestationKey ctxKey = iota
	payloadKey
)

// AttestationFromContext returns the proof attestation attached by stage 4,
// if proof enforcement ran and succeeded.
func AttestationFromContext(r *http.Request) (*envelope.Attestation, bool) {
	a, ok := r.Context().Value(attestationKey).(*envelope.Attestation)
	return a, ok
}

func withAttestation(ctx context.Context, att *envelope.Attestation) context.Context {
	return context.WithValue(ctx, attestationKey, att)
}

// Wrap builds the full pipeline around handler.
func (c *Config) Wrap(handler http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if isExempt(r.URL.Path) {
			handler.ServeHTTP(w, r)
			return
		}

		ctx := r.Context()

		// Stage 1: tenant resolution.
		tenantID, reject := c.TenantResolver.Resolve(r)
		if reject {
			apierr.Write(w, http.StatusForbidden, "odin.tenant.unknown", "unknown tenant")
			return
		}
		ctx = tenant.WithTenant(ctx, tenantID)

		// Stage 2: quota.
		if c.Quota != nil {
			allowed, retryAfter, err := c.Quota.Allow(ctx, tenantID)
			if err != nil {
				apierr.WriteInternal(w, err)
				return
			}
			if !allowed {
				apierr.WriteRetryAfter(w, http.StatusTooManyRequests, "odin.quota.exceeded", "quota exceeded", retryAfter)
				return
			}
		}

		// Stage 3: roaming (optional, selected routes).
		if hasPrefix(r.URL.Path, c.RoamingRoutes) {
			passHdr := r.Header.Get("X-ODIN-Roaming-Pass")
			if passHdr == "" {
				apierr.Write(w, http.StatusForbidden, "odin.roaming.missing", "roaming pass required")
				return
			}
			claims, err := c.RoamingVerifier.Verify(ctx, passHdr)
			if err != nil {
				writeRoamingError(w, err)
				return
			}
			ctx = roaming.WithClaims(ctx, claims)
		}

		// Stage 4: proof enforcement.
		var bodyForHandler []byte
		var policyCtx policy.Context
		if hasPrefix(r.URL.Path, c.ProofEnforceRoutes) {
			raw, err := readAndCapBody(r, w)
			if err != nil {
				return
			}
			policyCtx.PayloadSize = int64(len(raw))
			var bp bodyPayload
			if err := json.Unmarshal(raw, &bp); err != nil || bp.Proof == nil {
				if c.ProofRequire {
					apierr.Write(w, http.StatusUnauthorized, "odin.proof.missing", "request body must be shaped {payload, proof}")
					return
				}
				bodyForHandler = raw
				_ = json.Unmarshal(raw, &policyCtx.Payload)
			} else {
				var payload any
				_ = json.Unmarshal(bp.Payload, &payload)
				att, err := c.EnvelopeVerifier.Verify(bp.Proof, []byte(bp.Payload), nil, payload)
				if err != nil {
					if c.ProofRequire {
						writeProofError(w, err)
						return
					}
				} else {
					ctx = withAttestation(ctx, att)
					policyCtx.Kid = att.Kid
					if strings.HasPrefix(att.KeysetSource, "url:") {
						policyCtx.KeysetHost = strings.TrimPrefix(att.KeysetSource, "url:")
					}
				}
				bodyForHandler = bp.Payload
				_ = json.Unmarshal(bp.Payload, &policyCtx.Payload)
			}
			r.Body = newBodyReader(bodyForHandler)
		}

		// Stage 5: HTTP signature enforcement.
		if hasPrefix(r.URL.Path, c.HTTPSigEnforceRoutes) {
			kid, err := c.HTTPSigVerifier.Verify(ctx, r)
			if err != nil {
				writeHTTPSigError(w, err)
				return
			}
			if policyCtx.Kid == "" {
				policyCtx.Kid = kid
			}
		}

		// Policy gate: consults whatever proof/http-sig enforcement above
		// resolved (kid, keyset host, decoded payload), run only on routes
		// that carried a body through stage 4 or are otherwise enforced.
		if c.Policy != nil && (hasPrefix(r.URL.Path, c.ProofEnforceRoutes) || hasPrefix(r.URL.Path, c.HTTPSigEnforceRoutes)) {
			policyCtx.Headers = flattenHeaders(r.Header)
			decision := c.Policy.Evaluate(&policyCtx)
			if !decision.Allow {
				violations := make([]apierr.Violation, len(decision.Violations))
				for i, v := range decision.Violations {
					violations[i] = apierr.Violation{Rule: v.Rule, Detail: v.Detail}
				}
				apierr.WriteViolations(w, http.StatusForbidden, "odin.policy.denied", "request denied by policy", violations)
				return
			}
		}

		rec := &responseRecorder{ResponseWriter: w, status: http.StatusOK, buf: &bytes.Buffer{}}

		// Stage 6: handler.
		handler.ServeHTTP(rec, r.WithContext(ctx))

		// Stage 7: response signing. Stage 8 (proof discovery) runs inside
		// signResponse, after signing and before the status line is written.
		if hasPrefix(r.URL.Path, c.SignRoutes) && rec.status >= 200 && rec.status < 300 && looksLikeJSON(rec.buf.Bytes()) && !hasTopLevelProof(rec.buf.Bytes()) {
			c.signResponse(w, rec, r.Host)
		} else {
			w.WriteHeader(rec.status)
			_, _ = w.Write(rec.buf.Bytes())
		}
	})
}

func readAndCapBody(r *http.Request, w http.ResponseWriter) ([]byte, error) {
	const maxBody = 10 << 20 // hard ceiling before policy's max_payload_bytes narrows it further
	limited := http.MaxBytesReader(w, r.Body, maxBody)
	buf := &bytes.Buffer{}
	if _, err := buf.ReadFrom(limited); err != nil {
		apierr.Write(w, http.StatusRequestEntityTooLarge, "odin.payload.too_large", "request body exceeds limit")
		return nil, err
	}
	return buf.Bytes(), nil
}

func looksLikeJSON(b []byte) bool {
	trimmed := bytes.TrimSpace(b)
	return len(trimmed) > 0 && (trimmed[0] == '{' || trimmed[0] == '[')
}

func hasTopLevelProof(b []byte) bool {
	var m map[string]json.RawMessage
	if err := json.Unmarshal(b, &m); err != nil {
		return false
	}
	_, ok := m["proof"]
	return ok
}

func (c *Config) signResponse(w http.ResponseWriter, rec *responseRecorder, host string) bool {
	var value any
	if err := json.Unmarshal(rec.buf.Bytes(), &value); err != nil {
		w.WriteHeader(rec.status)
		_, _ = w.Write(rec.buf.Bytes())
		return false
	}
	env, b, err := c.Signer.SignValue(value)
	if err != nil {
		w.WriteHeader(rec.status)
		_, _ = w.Write(rec.buf.Bytes())
		return false
	}
	if c.ReceiptPersist != nil {
		c.ReceiptPersist(env, b)
	}

	// Stage 8: proof discovery.
	if c.JWKSURL != nil {
		w.Header().Set("X-ODIN-JWKS", c.JWKSURL(host))
		w.Header().Set("X-ODIN-Proof-Version", "1")
	}

	if c.SignMode == SignEmbed {
		out := map[string]any{"payload": value, "proof": env}
		w.Header().Set("Content-Type", "application/json")
		w.WriteHeader(rec.status)
		_ = json.NewEncoder(w).Encode(out)
		return true
	}

	w.Header().Set("X-ODIN-OML-CID", env.CID)
	w.Header().Set("X-ODIN-OPE", env.Sig)
	w.Header().Set("X-ODIN-OPE-KID", env.Kid)
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(rec.status)
	_, _ = w.Write(rec.buf.Bytes())
	return true
}

// responseRecorder buffers the handler's response so stage 7 can inspect
// and re-sign it before anything reaches the wire.
type responseRecorder struct {
	http.ResponseWriter
	status int
	buf    *bytes.Buffer
}

func (r *responseRecorder) WriteHeader(status int) { r.status = status }
func (r *responseRecorder) Write(b []byte) (int, error) { return r.buf.Write(b) }

func newBodyReader(b []byte) *bodyReadCloser { return &bodyReadCloser{Reader: bytes.NewReader(b)} }

type bodyReadCloser struct{ *bytes.Reader }

func (b *bodyReadCloser) Close() error { return nil }

func writeProofError(w http.ResponseWriter, err error) {
	ve, ok := err.(*envelope.VerifyError)
	if !ok {
		apierr.WriteInternal(w, err)
		return
	}
	status := http.StatusUnauthorized
	switch ve.Reason {
	case envelope.ReasonBadCID, envelope.ReasonSFTViolation:
		status = http.StatusUnprocessableEntity
	case envelope.ReasonKeysetHost, envelope.ReasonKeysetFetch:
		status = http.StatusForbidden
	}
	apierr.Write(w, status, ve.Reason, ve.Error())
}

func writeHTTPSigError(w http.ResponseWriter, err error) {
	ve, ok := err.(*httpsig.VerifyError)
	if !ok {
		apierr.WriteInternal(w, err)
		return
	}
	code := map[string]string{
		httpsig.ReasonMissingSignature: "odin.httpsig.missing",
		httpsig.ReasonExpired:          "odin.httpsig.expired",
		httpsig.ReasonReplayed:         "odin.httpsig.replayed",
		httpsig.ReasonUnknownKid:       "odin.httpsig.unknown_kid",
		httpsig.ReasonBadSignature:     "odin.httpsig.bad_signature",
	}[ve.Reason]
	if code == "" {
		code = "odin.httpsig.bad_signature"
	}
	apierr.Write(w, http.StatusUnauthorized, code, ve.Error())
}

func writeRoamingError(w http.ResponseWriter, err error) {
	ve, ok := err.(*roaming.VerifyError)
	if !ok {
		apierr.WriteInternal(w, err)
		return
	}
	apierr.Write(w, http.StatusForbidden, "odin.roaming."+strings.ToLower(ve.Reason), ve.Error())
}
