package gateway

import (
	"crypto/ed25519"
	"crypto/rand"
	"encoding/hex"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"

	"github.com/odin-protocol/gateway/internal/envelope"
	"github.com/odin-protocol/gateway/internal/keyreg"
	"github.com/odin-protocol/gateway/internal/tenant"
)

func newRegistry(t *testing.T, kid string, pub ed25519.PublicKey) *keyreg.Registry {
	t.Helper()
	doc := map[string]any{
		"active_kid": kid,
		"keys":       []map[string]any{{"kid": kid, "alg": "Ed25519", "public_key": hex.EncodeToString(pub)}},
	}
	b, _ := json.Marshal(doc)
	reg, err := keyreg.New(keyreg.Source{InlineJSON: string(b)})
	if err != nil {
		t.Fatalf("keyreg.New: %v", err)
	}
	return reg
}

func baseConfig(t *testing.T) *Config {
	pub, priv, _ := ed25519.GenerateKey(rand.Reader)
	reg := newRegistry(t, "k1", pub)
	return &Config{
		TenantResolver: &tenant.Resolver{Header: "X-ODIN-Tenant"},
		Quota:          &tenant.Limiter{Store: tenant.NewInProcessQuotaStore(), Default: tenant.Policy{RefillPerSecond: 1000, Burst: 1000}},
		EnvelopeVerifier: &envelope.Verifier{Registry: reg},
		Signer:           &envelope.Signer{Kid: "k1", Priv: priv},
	}
}

func echoHandler(w http.ResponseWriter, r *http.Request) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(http.StatusOK)
	_, _ = w.Write([]byte(`{"hello":"world"}`))
}

func TestPipeline_ExemptPathBypassesAllStages(t *testing.T) {
	cfg := baseConfig(t)
	h := cfg.Wrap(http.HandlerFunc(echoHandler))

	req := httptest.NewRequest(http.MethodGet, "/health", nil)
	rw := httptest.NewRecorder()
	h.ServeHTTP(rw, req)

	if rw.Code != http.StatusOK {
		t.Fatalf("expected 200, got %d", rw.Code)
	}
	if rw.Header().Get("X-ODIN-OPE") != "" {
		t.Error("expected exempt path to never be signed")
	}
}

func TestPipeline_SignsResponseOnConfiguredRoute(t *testing.T) {
	cfg := baseConfig(t)
	cfg.SignRoutes = []string{"/v1/"}
	h := cfg.Wrap(http.HandlerFunc(echoHandler))

	req := httptest.NewRequest(http.MethodGet, "/v1/translate", nil)
	rw := httptest.NewRecorder()
	h.ServeHTTP(rw, req)

	if rw.Code != http.StatusOK {
		t.Fatalf("expected 200, got %d", rw.Code)
	}
	if rw.Header().Get("X-ODIN-OPE") == "" || rw.Header().Get("X-ODIN-OML-CID") == "" {
		t.Error("expected response-signing headers to be attached")
	}
}

func TestPipeline_QuotaExceededReturns429(t *testing.T) {
	cfg := baseConfig(t)
	cfg.Quota = &tenant.Limiter{Store: tenant.NewInProcessQuotaStore(), Default: tenant.Policy{RefillPerSecond: 0.0001, Burst: 1}}
	h := cfg.Wrap(http.HandlerFunc(echoHandler))

	req1 := httptest.NewRequest(http.MethodGet, "/v1/translate", nil)
	rw1 := httptest.NewRecorder()
	h.ServeHTTP(rw1, req1)
	if rw1.Code != http.StatusOK {
		t.Fatalf("expected first request to succeed, got %d", rw1.Code)
	}

	req2 := httptest.NewRequest(http.MethodGet, "/v1/translate", nil)
	rw2 := httptest.NewRecorder()
	h.ServeHTTP(rw2, req2)
	if rw2.Code != http.StatusTooManyRequests {
		t.Fatalf("expected 429, got %d", rw2.Code)
	}
	if rw2.Header().Get("Retry-After") == "" {
		t.Error("expected Retry-After header on quota rejection")
	}
}

func TestPipeline_ProofEnforcementUnwrapsAndVerifies(t *testing.T) {
	cfg := baseConfig(t)
	cfg.ProofEnforceRoutes = []string{"/v1/translate"}
	cfg.ProofRequire = true

	var sawPayload string
	handler := func(w http.ResponseWriter, r *http.Request) {
		body := make([]byte, 256)
		n, _ := r.Body.Read(body)
		sawPayload = string(body[:n])
		w.WriteHeader(http.StatusOK)
		_, _ = w.Write([]byte(`{"ok":true}`))
	}
	h := cfg.Wrap(http.HandlerFunc(handler))

	env, payloadBytes, err := cfg.Signer.SignValue(map[string]any{"amount": 42})
	if err != nil {
		t.Fatalf("SignValue: %v", err)
	}
	envJSON, _ := json.Marshal(env)
	body := `{"payload":` + string(payloadBytes) + `,"proof":` + string(envJSON) + `}`

	req := httptest.NewRequest(http.MethodPost, "/v1/translate", strings.NewReader(body))
	rw := httptest.NewRecorder()
	h.ServeHTTP(rw, req)

	if rw.Code != http.StatusOK {
		t.Fatalf("expected 200, got %d body=%s", rw.Code, rw.Body.String())
	}
	if sawPayload == "" {
		t.Error("expected handler to see unwrapped payload")
	}
}

func TestPipeline_ProofEnforcementRejectsMissingProofWhenRequired(t *testing.T) {
	cfg := baseConfig(t)
	cfg.ProofEnforceRoutes = []string{"/v1/translate"}
	cfg.ProofRequire = true
	h := cfg.Wrap(http.HandlerFunc(echoHandler))

	req := httptest.NewRequest(http.MethodPost, "/v1/translate", strings.NewReader(`{"amount":42}`))
	rw := httptest.NewRecorder()
	h.ServeHTTP(rw, req)

	if rw.Code != http.StatusUnauthorized {
		t.Fatalf("expected 401, got %d", rw.Code)
	}
}
