package admin

import (
	"bytes"
	"crypto/ed25519"
	"crypto/rand"
	"encoding/hex"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"testing"

	"github.com/odin-protocol/gateway/internal/envelope"
	"github.com/odin-protocol/gateway/internal/keyreg"
	"github.com/odin-protocol/gateway/internal/policy"
	"github.com/odin-protocol/gateway/internal/registry"
	"github.com/odin-protocol/gateway/internal/translate"
)

func newTestConfig(t *testing.T) (*Config, *envelope.Signer) {
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
	verifier := &envelope.Verifier{Registry: reg}
	engine, err := policy.NewEngine(&policy.Document{MaxPayloadBytes: 1024})
	if err != nil {
		t.Fatalf("NewEngine: %v", err)
	}
	return &Config{
		Enabled:  true,
		Token:    "secret-token",
		Policy:   engine,
		Maps:     translate.NewMapStore(),
		Registry: registry.New(verifier),
	}, &envelope.Signer{Kid: "k1", Priv: priv}
}

func TestRequireAdmin_RejectsWhenDisabled(t *testing.T) {
	cfg, _ := newTestConfig(t)
	cfg.Enabled = false
	h := cfg.RequireAdmin(cfg.ListAgents)

	req := httptest.NewRequest(http.MethodGet, "/v1/admin/agents", nil)
	req.Header.Set("X-Admin-Key", "secret-token")
	rw := httptest.NewRecorder()
	h(rw, req)

	if rw.Code != http.StatusNotFound {
		t.Fatalf("expected 404, got %d", rw.Code)
	}
}

func TestRequireAdmin_RejectsBadToken(t *testing.T) {
	cfg, _ := newTestConfig(t)
	h := cfg.RequireAdmin(cfg.ListAgents)

	req := httptest.NewRequest(http.MethodGet, "/v1/admin/agents", nil)
	req.Header.Set("X-Admin-Key", "wrong")
	rw := httptest.NewRecorder()
	h(rw, req)

	if rw.Code != http.StatusUnauthorized {
		t.Fatalf("expected 401, got %d", rw.Code)
	}
}

func TestReloadPolicy_SwapsDocument(t *testing.T) {
	cfg, _ := newTestConfig(t)
	body := `{"document": {"max_payload_bytes": 2048, "allow_kids": ["*"]}}`
	req := httptest.NewRequest(http.MethodPost, "/v1/admin/reload/policy", bytes.NewReader([]byte(body)))
	req.Header.Set("X-Admin-Key", "secret-token")
	rw := httptest.NewRecorder()
	cfg.RequireAdmin(cfg.ReloadPolicy)(rw, req)

	if rw.Code != http.StatusOK {
		t.Fatalf("expected 200, got %d body=%s", rw.Code, rw.Body.String())
	}
	if cfg.Policy.Current().MaxPayloadBytes != 2048 {
		t.Errorf("expected policy to be reloaded, got %+v", cfg.Policy.Current())
	}
}

func TestRegisterAndListAgents(t *testing.T) {
	cfg, signer := newTestConfig(t)
	advert := registry.Advert{Intent: "service.advertise", Service: "agent-beta", Version: "1.0.0", BaseURL: "http://b:9090", TTLSeconds: 3600}
	env, payload, err := signer.SignValue(advert)
	if err != nil {
		t.Fatalf("SignValue: %v", err)
	}
	envJSON, _ := json.Marshal(env)
	body := `{"payload":` + string(payload) + `,"proof":` + string(envJSON) + `}`

	req := httptest.NewRequest(http.MethodPost, "/v1/admin/agents", bytes.NewReader([]byte(body)))
	req.Header.Set("X-Admin-Key", "secret-token")
	rw := httptest.NewRecorder()
	cfg.RequireAdmin(cfg.RegisterAgent)(rw, req)
	if rw.Code != http.StatusOK {
		t.Fatalf("expected 200, got %d body=%s", rw.Code, rw.Body.String())
	}

	listReq := httptest.NewRequest(http.MethodGet, "/v1/admin/agents", nil)
	listReq.Header.Set("X-Admin-Key", "secret-token")
	listRW := httptest.NewRecorder()
	cfg.RequireAdmin(cfg.ListAgents)(listRW, listReq)
	if listRW.Code != http.StatusOK {
		t.Fatalf("expected 200, got %d", listRW.Code)
	}
	var out map[string]any
	if err := json.Unmarshal(listRW.Body.Bytes(), &out); err != nil {
		t.Fatalf("unmarshal: %v", err)
	}
	agents, _ := out["agents"].([]any)
	if len(agents) != 1 {
		t.Errorf("expected 1 registered agent, got %d", len(agents))
	}
}
