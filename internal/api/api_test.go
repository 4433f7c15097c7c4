package api

import (
	"bytes"
	"context"
	"crypto/ed25519"
	"crypto/rand"
	"encoding/hex"
	"encoding/json"
	"fmt"
	"net/http"
	"net/http/httptest"
	"testing"

	"github.com/odin-protocol/gateway/internal/bridge"
	"github.com/odin-protocol/gateway/internal/chainindex"
	"github.com/odin-protocol/gateway/internal/envelope"
	"github.com/odin-protocol/gateway/internal/keyreg"
	"github.com/odin-protocol/gateway/internal/ledger"
	"github.com/odin-protocol/gateway/internal/registry"
	"github.com/odin-protocol/gateway/internal/translate"
)

func newAPI(t *testing.T) (*API, ed25519.PrivateKey) {
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
	signer := &envelope.Signer{Kid: "k1", Priv: priv}
	store := ledger.NewMemoryStore()
	chain, err := chainindex.New(t.TempDir())
	if err != nil {
		t.Fatalf("chainindex.New: %v", err)
	}
	return &API{
		Verifier: verifier,
		Signer:   signer,
		Store:    store,
		Chain:    chain,
		Registry: registry.New(verifier),
		Translator: translate.NewTranslator(translate.NewMapStore(), signer),
		Forwarder: bridge.NewForwarder(&bridge.Config{}),
	}, priv
}

func TestHandleEnvelope_WrapsArbitraryValue(t *testing.T) {
	a, _ := newAPI(t)
	req := httptest.NewRequest(http.MethodPost, "/v1/envelope", bytes.NewReader([]byte(`{"hello":"world"}`)))
	rw := httptest.NewRecorder()
	a.HandleEnvelope(rw, req)

	if rw.Code != http.StatusOK {
		t.Fatalf("expected 200, got %d body=%s", rw.Code, rw.Body.String())
	}
	var out map[string]any
	if err := json.Unmarshal(rw.Body.Bytes(), &out); err != nil {
		t.Fatalf("unmarshal: %v", err)
	}
	proof, ok := out["proof"].(map[string]any)
	if !ok || proof["cid"] == "" {
		t.Fatalf("expected a proof with a cid, got %+v", out)
	}
	if _, err := a.Store.GetBytes(req.Context(), proof["cid"].(string)); err != nil {
		t.Errorf("expected envelope to be persisted: %v", err)
	}
}

func TestHandleEnvelope_VerifiesSuppliedProof(t *testing.T) {
	a, priv := newAPI(t)
	signer := &envelope.Signer{Kid: "k1", Priv: priv}
	env, payload, err := signer.SignValue(map[string]any{"a": 1})
	if err != nil {
		t.Fatalf("SignValue: %v", err)
	}
	envJSON, _ := json.Marshal(env)
	body := `{"payload":` + string(payload) + `,"proof":` + string(envJSON) + `}`

	req := httptest.NewRequest(http.MethodPost, "/v1/envelope", bytes.NewReader([]byte(body)))
	rw := httptest.NewRecorder()
	a.HandleEnvelope(rw, req)

	if rw.Code != http.StatusOK {
		t.Fatalf("expected 200, got %d body=%s", rw.Code, rw.Body.String())
	}
}

func TestHandleGetReceipt_NotFound(t *testing.T) {
	a, _ := newAPI(t)
	req := httptest.NewRequest(http.MethodGet, "/v1/receipts/missing", nil)
	req.SetPathValue("cid", "missing")
	rw := httptest.NewRecorder()
	a.HandleGetReceipt(rw, req)

	if rw.Code != http.StatusNotFound {
		t.Fatalf("expected 404, got %d", rw.Code)
	}
}

func TestHandleRegisterAndListServices(t *testing.T) {
	a, priv := newAPI(t)
	signer := &envelope.Signer{Kid: "k1", Priv: priv}
	advert := registry.Advert{Intent: "service.advertise", Service: "agent_beta", Version: "v1", BaseURL: "http://b:9090", SupportedSFT: []string{"beta@v1"}, TTLSeconds: 3600}
	env, payload, err := signer.SignValue(advert)
	if err != nil {
		t.Fatalf("SignValue: %v", err)
	}
	envJSON, _ := json.Marshal(env)
	body := `{"payload":` + string(payload) + `,"proof":` + string(envJSON) + `}`

	req := httptest.NewRequest(http.MethodPost, "/v1/registry/register", bytes.NewReader([]byte(body)))
	rw := httptest.NewRecorder()
	a.HandleRegister(rw, req)
	if rw.Code != http.StatusOK {
		t.Fatalf("expected 200, got %d body=%s", rw.Code, rw.Body.String())
	}

	listReq := httptest.NewRequest(http.MethodGet, "/v1/registry/services?service=agent_beta", nil)
	listRW := httptest.NewRecorder()
	a.HandleListServices(listRW, listReq)
	if listRW.Code != http.StatusOK {
		t.Fatalf("expected 200, got %d", listRW.Code)
	}
	var out map[string]any
	if err := json.Unmarshal(listRW.Body.Bytes(), &out); err != nil {
		t.Fatalf("unmarshal: %v", err)
	}
	services, _ := out["services"].([]any)
	if len(services) != 1 {
		t.Fatalf("expected 1 service, got %d", len(services))
	}
}

func TestHandleVerify_RejectsMalformedTuple(t *testing.T) {
	a, _ := newAPI(t)
	req := httptest.NewRequest(http.MethodPost, "/v1/verify", bytes.NewReader([]byte(`{}`)))
	rw := httptest.NewRecorder()
	a.HandleVerify(rw, req)

	if rw.Code != http.StatusOK {
		t.Fatalf("expected 200 (ok:false response), got %d", rw.Code)
	}
	var out verifyResponse
	if err := json.Unmarshal(rw.Body.Bytes(), &out); err != nil {
		t.Fatalf("unmarshal: %v", err)
	}
	if out.OK {
		t.Error("expected ok=false for a tupleless request")
	}
}

func TestHandleHealth(t *testing.T) {
	a, _ := newAPI(t)
	req := httptest.NewRequest(http.MethodGet, "/health", nil)
	rw := httptest.NewRecorder()
	a.HandleHealth(rw, req)
	if rw.Code != http.StatusOK {
		t.Fatalf("expected 200, got %d", rw.Code)
	}
}

func hopReceiptAt(t *testing.T, a *API, traceID string, hopIndex int) bridge.HopReceipt {
	t.Helper()
	key := fmt.Sprintf("hops/%s/%08d.json", traceID, hopIndex)
	raw, err := a.Store.GetBytes(context.Background(), key)
	if err != nil {
		t.Fatalf("expected hop receipt at %s: %v", key, err)
	}
	var hr bridge.HopReceipt
	if err := json.Unmarshal(raw, &hr); err != nil {
		t.Fatalf("unmarshal hop receipt: %v", err)
	}
	return hr
}

func TestHandleBridge_PersistsHopReceiptOnSuccess(t *testing.T) {
	a, _ := newAPI(t)
	// The httptest upstream listens on loopback, which the SSRF guard only
	// admits when the host is explicitly allowlisted.
	a.Forwarder = bridge.NewForwarder(&bridge.Config{AllowedHosts: map[string]bool{"127.0.0.1": true}})
	upstream := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.Header().Set("Content-Type", "application/json")
		w.WriteHeader(http.StatusOK)
		_, _ = w.Write([]byte(`{"echo":true}`))
	}))
	defer upstream.Close()

	req := httptest.NewRequest(http.MethodPost, "/v1/bridge?url="+upstream.URL, bytes.NewReader([]byte(`{"a":1}`)))
	req.Header.Set("X-ODIN-Trace-Id", "trace-success")
	rw := httptest.NewRecorder()
	a.HandleBridge(rw, req)

	if rw.Code != http.StatusOK {
		t.Fatalf("expected 200, got %d body=%s", rw.Code, rw.Body.String())
	}

	hr := hopReceiptAt(t, a, "trace-success", 1)
	if hr.Outcome != "ok" {
		t.Errorf("expected outcome=ok, got %q", hr.Outcome)
	}
	if hr.Stage != bridge.StageForward {
		t.Errorf("expected stage=forward, got %q", hr.Stage)
	}
	if hr.InputCID == "" {
		t.Error("expected input_cid to be set")
	}
	if hr.HopIndex != 1 {
		t.Errorf("expected hop_index=1, got %d", hr.HopIndex)
	}

	entries, err := a.Chain.Chain("trace-success")
	if err != nil {
		t.Fatalf("Chain.Chain: %v", err)
	}
	if len(entries) != 1 {
		t.Fatalf("expected 1 chain entry, got %d", len(entries))
	}
}

func TestHandleBridge_PersistsHopReceiptWithErrorOnHopLimit(t *testing.T) {
	a, _ := newAPI(t)
	a.Forwarder = bridge.NewForwarder(&bridge.Config{MaxHops: 2})

	req := httptest.NewRequest(http.MethodPost, "/v1/bridge?url=http://example.invalid", bytes.NewReader([]byte(`{"a":1}`)))
	req.Header.Set("X-ODIN-Trace-Id", "trace-hop-limit")
	req.Header.Set(bridge.HopHeader, "2")
	rw := httptest.NewRecorder()
	a.HandleBridge(rw, req)

	if rw.Code != http.StatusMisdirectedRequest {
		t.Fatalf("expected 421, got %d body=%s", rw.Code, rw.Body.String())
	}

	hr := hopReceiptAt(t, a, "trace-hop-limit", 3)
	if hr.Outcome != "error" {
		t.Errorf("expected outcome=error, got %q", hr.Outcome)
	}
	if hr.ErrorKind != bridge.ErrHopLimit {
		t.Errorf("expected error_kind=%s, got %q", bridge.ErrHopLimit, hr.ErrorKind)
	}
}
