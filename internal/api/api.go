// Package api implements the route handlers behind spec.md §6's external
// interface: envelope issue/verify, translation, bridge forwarding,
// receipt lookup, the signed service registry, and roaming pass minting.
//
// Grounded on the teacher's pkg/api/handlers.go (method-checked, size-
// capped, json.Decode-then-validate handler shape hung off a service
// struct) generalized from one MemoryService to the gateway's several
// wired components.
package api

import (
	"context"
	"encoding/json"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"net/url"
	"strconv"
	"time"

	"github.com/odin-protocol/gateway/internal/apierr"
	"github.com/odin-protocol/gateway/internal/bridge"
	"github.com/odin-protocol/gateway/internal/chainindex"
	"github.com/odin-protocol/gateway/internal/cml"
	"github.com/odin-protocol/gateway/internal/envelope"
	"github.com/odin-protocol/gateway/internal/gateway"
	"github.com/odin-protocol/gateway/internal/ledger"
	"github.com/odin-protocol/gateway/internal/registry"
	"github.com/odin-protocol/gateway/internal/roaming"
	"github.com/odin-protocol/gateway/internal/tenant"
	"github.com/odin-protocol/gateway/internal/telemetry"
	"github.com/odin-protocol/gateway/internal/translate"
)

const maxRequestBody = 1 << 20 // 1MB, matching the teacher's handler cap

// API wires every gateway component into the external HTTP surface.
type API struct {
	Verifier   *envelope.Verifier
	Signer     *envelope.Signer
	Translator *translate.Translator
	Forwarder  *bridge.Forwarder
	Identity   bridge.IdentityTokenSource
	Store      ledger.Storage
	Chain      *chainindex.Index
	Registry   *registry.Registry
	Issuer     *roaming.Issuer
	RoamingCfg RoamingConfig
	Telemetry  *telemetry.Provider
	Logger     *slog.Logger
}

// RoamingConfig is the non-secret part of the roaming setup exposed at
// GET /v1/roaming/config.
type RoamingConfig struct {
	Realm          string   `json:"realm"`
	TrustedRealms  []string `json:"trusted_realms"`
	MaxTTLSeconds  int      `json:"max_ttl_seconds"`
}

func (a *API) logger() *slog.Logger {
	if a.Logger != nil {
		return a.Logger
	}
	return slog.Default()
}

func decodeBody(w http.ResponseWriter, r *http.Request, v any) bool {
	r.Body = http.MaxBytesReader(w, r.Body, maxRequestBody)
	if err := json.NewDecoder(r.Body).Decode(v); err != nil {
		apierr.Write(w, http.StatusBadRequest, "odin.request.invalid_json", "request body must be valid JSON")
		return false
	}
	return true
}

// envelopeBody is the {payload, proof} request/response shape shared by
// /v1/envelope and /v1/verify.
type envelopeBody struct {
	Payload json.RawMessage    `json:"payload"`
	Proof   *envelope.Envelope `json:"proof"`
}

// HandleEnvelope implements POST /v1/envelope: either wrap an arbitrary
// JSON value into a freshly signed envelope, or verify a supplied
// {payload, proof} pair and echo it back.
func (a *API) HandleEnvelope(w http.ResponseWriter, r *http.Request) {
	raw, ok := readBody(w, r)
	if !ok {
		return
	}

	var eb envelopeBody
	if err := json.Unmarshal(raw, &eb); err == nil && eb.Proof != nil {
		var payload any
		_ = json.Unmarshal(eb.Payload, &payload)
		att, err := a.Verifier.Verify(eb.Proof, []byte(eb.Payload), nil, payload)
		if err != nil {
			writeVerifyError(w, err)
			return
		}
		a.persistEnvelope(r.Context(), eb.Proof, []byte(eb.Payload))
		_ = att
		writeJSON(w, http.StatusOK, map[string]any{"payload": payload, "proof": eb.Proof})
		return
	}

	var value any
	if err := json.Unmarshal(raw, &value); err != nil {
		apierr.Write(w, http.StatusBadRequest, "odin.request.invalid_json", "request body must be valid JSON")
		return
	}
	env, b, err := a.Signer.SignValue(value)
	if err != nil {
		apierr.WriteInternal(w, err)
		return
	}
	a.persistEnvelope(r.Context(), env, b)
	writeJSON(w, http.StatusOK, map[string]any{"payload": value, "proof": env})
}

func (a *API) persistEnvelope(ctx context.Context, env *envelope.Envelope, payload []byte) {
	if a.Store == nil {
		return
	}
	b, err := json.Marshal(map[string]any{"payload": json.RawMessage(payload), "proof": env})
	if err != nil {
		return
	}
	if err := a.Store.PutBytes(ctx, env.CID, b); err != nil {
		a.logger().WarnContext(ctx, "receipt persist failed", "cid", env.CID, "error", err)
		if a.Telemetry != nil {
			a.Telemetry.RecordReceiptWriteFailure(ctx, "envelope")
		}
	}
}

// verifyRequest additionally supports the (b, sig, kid) tuple form POST
// /v1/verify accepts per spec.md §6.
type verifyRequest struct {
	Payload json.RawMessage    `json:"payload"`
	Proof   *envelope.Envelope `json:"proof"`
	B       string             `json:"b"`
	Sig     string             `json:"sig"`
	Kid     string             `json:"kid"`
}

type verifyResponse struct {
	OK     bool   `json:"ok"`
	Reason string `json:"reason,omitempty"`
}

// HandleVerify implements POST /v1/verify.
func (a *API) HandleVerify(w http.ResponseWriter, r *http.Request) {
	var req verifyRequest
	if !decodeBody(w, r, &req) {
		return
	}

	env := req.Proof
	if env == nil {
		if req.B == "" || req.Sig == "" || req.Kid == "" {
			writeJSON(w, http.StatusOK, verifyResponse{OK: false, Reason: envelope.ReasonMalformed})
			return
		}
		env = &envelope.Envelope{Kid: req.Kid, Sig: req.Sig, InlineB64: req.B}
	}

	var payload any
	if len(req.Payload) > 0 {
		_ = json.Unmarshal(req.Payload, &payload)
	}
	_, err := a.Verifier.Verify(env, []byte(req.Payload), nil, payload)
	if err != nil {
		if ve, ok := err.(*envelope.VerifyError); ok {
			writeJSON(w, http.StatusOK, verifyResponse{OK: false, Reason: ve.Reason})
			return
		}
		writeJSON(w, http.StatusOK, verifyResponse{OK: false, Reason: "odin.proof.malformed"})
		return
	}
	writeJSON(w, http.StatusOK, verifyResponse{OK: true})
}

// translateRequest is the mapping-mode body for POST /v1/translate.
type translateRequest struct {
	Payload map[string]any `json:"payload"`
	FromSFT string         `json:"from_sft"`
	ToSFT   string         `json:"to_sft"`
	Map     *translate.Map `json:"map,omitempty"`
}

// HandleTranslate implements POST /v1/translate.
func (a *API) HandleTranslate(w http.ResponseWriter, r *http.Request) {
	var req translateRequest
	if !decodeBody(w, r, &req) {
		return
	}
	if req.FromSFT == "" || req.ToSFT == "" {
		apierr.Write(w, http.StatusBadRequest, "odin.request.invalid_json", "from_sft and to_sft are required")
		return
	}

	result, err := a.Translator.Translate(req.Payload, req.FromSFT, req.ToSFT, req.Map)
	if err != nil {
		writeTranslateError(w, err)
		return
	}

	if result.TransformEnvelope != nil && a.Store != nil {
		if err := a.Store.PutBytes(r.Context(), result.Transform.OutputCID, result.TransformBytes); err != nil {
			a.logger().WarnContext(r.Context(), "transform receipt persist failed", "output_cid", result.Transform.OutputCID, "error", err)
		}
	}
	if a.Telemetry != nil {
		outcome := "ok"
		if result.TransformEnvelope == nil {
			outcome = "unsigned"
		}
		a.Telemetry.RecordTransformReceipt(r.Context(), "translate", result.Transform.MapID, "ledger", outcome)
	}

	if result.TransformEnvelope != nil {
		w.Header().Set("X-ODIN-Transform-CID", result.TransformEnvelope.CID)
		w.Header().Set("X-ODIN-Transform-Output-CID", result.Transform.OutputCID)
	}
	writeJSON(w, http.StatusOK, map[string]any{
		"payload":     result.Output,
		"translation": result.Translation,
		"transform":   result.Transform,
	})
}

// HandleBridge implements POST /v1/bridge/{target}, forwarding the
// request body to target (supplied either as the path remainder or an
// absolute URL query parameter) with identity injection and hop
// accounting.
func (a *API) HandleBridge(w http.ResponseWriter, r *http.Request) {
	target := r.PathValue("target")
	if q := r.URL.Query().Get("url"); q != "" {
		target = q
	}
	if target == "" {
		apierr.Write(w, http.StatusBadRequest, "odin.bridge.missing_target", "target URL is required")
		return
	}

	body, ok := readBody(w, r)
	if !ok {
		return
	}

	hopCount := 0
	if h := r.Header.Get(bridge.HopHeader); h != "" {
		if n, err := strconv.Atoi(h); err == nil {
			hopCount = n
		}
	}
	nextHop := hopCount + 1

	traceID := r.Header.Get("X-ODIN-Trace-Id")
	inputCID := cml.CID(body)
	fromKid := ""
	if att, ok := gateway.AttestationFromContext(r); ok {
		fromKid = att.Kid
	}
	hr := bridge.HopReceipt{
		TraceID:  traceID,
		HopIndex: nextHop,
		Stage:    bridge.StageForward,
		Route:    target,
		Tenant:   tenant.FromContext(r.Context()),
		FromKid:  fromKid,
		ToPeer:   peerHost(target),
		InputCID: inputCID,
	}

	start := time.Now()
	resp, respBody, err := a.Forwarder.Forward(r.Context(), target, body, r.Header.Clone(), hopCount)
	hr.LatencyMS = time.Since(start).Milliseconds()

	if err != nil {
		hr.Outcome = "error"
		if be, ok := err.(*bridge.Error); ok {
			hr.ErrorKind = be.Code
		} else {
			hr.ErrorKind = "odin.bridge.unknown"
		}
		a.persistHopReceipt(r.Context(), hr)
		if a.Telemetry != nil {
			a.Telemetry.RecordHopRequest(r.Context(), "error", time.Duration(hr.LatencyMS)*time.Millisecond)
		}
		writeBridgeError(w, err)
		return
	}
	defer func() { _ = resp.Body.Close() }()

	hr.Outcome = "ok"
	var upstreamEnv *envelope.Envelope
	if len(respBody) > 0 {
		if env, envErr := extractProof(respBody); envErr == nil && env != nil {
			upstreamEnv = env
			hr.OutputCID = env.CID
		} else {
			hr.OutputCID = cml.CID(respBody)
		}
	}
	a.persistHopReceipt(r.Context(), hr)

	if a.Telemetry != nil {
		outcome := "ok"
		if resp.StatusCode >= 400 {
			outcome = "upstream_error"
		}
		a.Telemetry.RecordHopRequest(r.Context(), outcome, time.Duration(hr.LatencyMS)*time.Millisecond)
	}
	if a.Store != nil && upstreamEnv != nil {
		_ = a.Store.PutBytes(r.Context(), upstreamEnv.CID, respBody)
	}

	for k, vs := range resp.Header {
		for _, v := range vs {
			w.Header().Add(k, v)
		}
	}
	w.WriteHeader(resp.StatusCode)
	_, _ = w.Write(respBody)
}

// persistHopReceipt writes hr under its hops/{trace_id}/{hop_index:08}.json
// key and appends it to the chain index, so GET /v1/receipts/hops/chain/{trace_id}
// resolves to hop receipts rather than upstream response envelopes.
func (a *API) persistHopReceipt(ctx context.Context, hr bridge.HopReceipt) {
	if a.Store == nil || hr.TraceID == "" {
		return
	}
	b, err := json.Marshal(hr)
	if err != nil {
		return
	}
	key := fmt.Sprintf("hops/%s/%08d.json", hr.TraceID, hr.HopIndex)
	if err := a.Store.PutBytes(ctx, key, b); err != nil {
		a.logger().WarnContext(ctx, "hop receipt persist failed", "trace_id", hr.TraceID, "hop_index", hr.HopIndex, "error", err)
		if a.Telemetry != nil {
			a.Telemetry.RecordReceiptWriteFailure(ctx, "hop")
		}
		return
	}
	if a.Chain != nil {
		_ = a.Chain.Append(hr.TraceID, hr.HopIndex, key)
	}
}

func peerHost(rawURL string) string {
	u, err := url.Parse(rawURL)
	if err != nil {
		return rawURL
	}
	return u.Host
}

func extractProof(b []byte) (*envelope.Envelope, error) {
	var eb envelopeBody
	if err := json.Unmarshal(b, &eb); err != nil {
		return nil, err
	}
	return eb.Proof, nil
}

// HandleGetReceipt implements GET /v1/receipts/{cid}.
func (a *API) HandleGetReceipt(w http.ResponseWriter, r *http.Request) {
	cid := r.PathValue("cid")
	b, err := a.Store.GetBytes(r.Context(), cid)
	if err != nil {
		if err == ledger.ErrNotFound {
			apierr.Write(w, http.StatusNotFound, "odin.receipt.not_found", "no receipt stored under this cid")
			return
		}
		apierr.WriteInternal(w, err)
		return
	}
	w.Header().Set("ETag", `W/"`+cid+`"`)
	w.Header().Set("Cache-Control", "public, max-age=31536000, immutable")
	w.Header().Set("Content-Type", "application/json")
	_, _ = w.Write(b)
}

// HandleGetTransformReceipt implements GET /v1/receipts/transform/{output_cid}.
func (a *API) HandleGetTransformReceipt(w http.ResponseWriter, r *http.Request) {
	outputCID := r.PathValue("output_cid")
	b, err := a.Store.GetBytes(r.Context(), outputCID)
	if err != nil {
		if err == ledger.ErrNotFound {
			apierr.Write(w, http.StatusNotFound, "odin.receipt.not_found", "no transform receipt stored under this output_cid")
			return
		}
		apierr.WriteInternal(w, err)
		return
	}
	w.Header().Set("ETag", `W/"`+outputCID+`"`)
	w.Header().Set("Content-Type", "application/json")
	_, _ = w.Write(b)
}

// HandleGetChain implements GET /v1/receipts/hops/chain/{trace_id}.
func (a *API) HandleGetChain(w http.ResponseWriter, r *http.Request) {
	traceID := r.PathValue("trace_id")
	entries, err := a.Chain.Chain(traceID)
	if err != nil {
		apierr.WriteInternal(w, err)
		return
	}
	hops := make([]map[string]any, 0, len(entries))
	for _, e := range entries {
		b, err := a.Store.GetBytes(r.Context(), e.Key)
		if err != nil {
			continue
		}
		var decoded any
		_ = json.Unmarshal(b, &decoded)
		hops = append(hops, map[string]any{"hop_index": e.HopIndex, "created_ts": e.CreatedTS, "cid": e.Key, "receipt": decoded})
	}
	writeJSON(w, http.StatusOK, map[string]any{"trace_id": traceID, "hops": hops})
}

// HandleListHops implements GET /v1/receipts/hops, a paged listing of
// recently stored receipt CIDs. Paging is a simple prefix/limit cursor
// over the storage backend's natural ordering — adequate for operator
// triage, not a durable offset contract.
func (a *API) HandleListHops(w http.ResponseWriter, r *http.Request) {
	limit := 50
	if v := r.URL.Query().Get("limit"); v != "" {
		if n, err := strconv.Atoi(v); err == nil && n > 0 {
			limit = n
		}
	}
	prefix := r.URL.Query().Get("cursor")
	keys, err := a.Store.List(r.Context(), prefix, limit)
	if err != nil {
		apierr.WriteInternal(w, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{"receipts": keys})
}

// HandleRegister implements POST /v1/registry/register.
func (a *API) HandleRegister(w http.ResponseWriter, r *http.Request) {
	var eb envelopeBody
	if !decodeBody(w, r, &eb) || eb.Proof == nil {
		apierr.Write(w, http.StatusBadRequest, "odin.request.invalid_json", "request must be shaped {payload, proof}")
		return
	}
	rec, err := a.Registry.Register(eb.Proof, eb.Payload)
	if err != nil {
		apierr.Write(w, http.StatusBadRequest, "odin.registry.invalid_advert", err.Error())
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{"id": rec.ID})
}

// HandleListServices implements GET /v1/registry/services.
func (a *API) HandleListServices(w http.ResponseWriter, r *http.Request) {
	q := r.URL.Query()
	filter := registry.ListFilter{
		Service:    q.Get("service"),
		SFT:        q.Get("sft"),
		MinVersion: q.Get("min_version"),
		ActiveOnly: q.Get("active_only") == "true",
	}
	if v := q.Get("limit"); v != "" {
		if n, err := strconv.Atoi(v); err == nil {
			filter.Limit = n
		}
	}
	recs, err := a.Registry.List(filter)
	if err != nil {
		apierr.Write(w, http.StatusBadRequest, "odin.registry.invalid_filter", err.Error())
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{"services": recs})
}

// HandleGetService implements GET /v1/registry/services/{id}.
func (a *API) HandleGetService(w http.ResponseWriter, r *http.Request) {
	rec, err := a.Registry.Get(r.PathValue("id"))
	if err != nil {
		apierr.Write(w, http.StatusNotFound, "odin.registry.not_found", "no service registered under this id")
		return
	}
	writeJSON(w, http.StatusOK, rec)
}

// mintPassRequest is the admin-gated POST /v1/roaming/pass body.
type mintPassRequest struct {
	Subject  string         `json:"sub"`
	Audience string         `json:"aud"`
	RealmDst string         `json:"realm_dst"`
	Scope    []string       `json:"scope"`
	TTLSec   int            `json:"ttl_seconds"`
	Bind     map[string]any `json:"bind,omitempty"`
}

// HandleMintRoamingPass implements POST /v1/roaming/pass, expected to be
// wrapped with admin gating by the caller.
func (a *API) HandleMintRoamingPass(w http.ResponseWriter, r *http.Request) {
	var req mintPassRequest
	if !decodeBody(w, r, &req) {
		return
	}
	if req.Subject == "" || req.Audience == "" || req.RealmDst == "" || req.TTLSec <= 0 {
		apierr.Write(w, http.StatusBadRequest, "odin.roaming.invalid_request", "sub, aud, realm_dst, and ttl_seconds are required")
		return
	}
	token, err := a.Issuer.Mint(req.Subject, req.Audience, req.RealmDst, req.Scope, time.Duration(req.TTLSec)*time.Second, req.Bind)
	if err != nil {
		apierr.Write(w, http.StatusBadRequest, "odin.roaming.mint_failed", err.Error())
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{"pass": token})
}

// HandleRoamingConfig implements GET /v1/roaming/config.
func (a *API) HandleRoamingConfig(w http.ResponseWriter, r *http.Request) {
	writeJSON(w, http.StatusOK, a.RoamingCfg)
}

// HandleHealth implements GET /health.
func (a *API) HandleHealth(w http.ResponseWriter, r *http.Request) {
	writeJSON(w, http.StatusOK, map[string]any{"status": "ok"})
}

// HandleMetrics implements GET /metrics: a lightweight JSON status
// summary. Telemetry pushes RED metrics to an OTLP collector (C12); this
// endpoint returns a fixed status and the current time, for simple
// curl-based liveness checks. It does not probe the stores.
func (a *API) HandleMetrics(w http.ResponseWriter, r *http.Request) {
	status := map[string]any{"status": "ok", "time": time.Now().UTC().Format(time.RFC3339)}
	writeJSON(w, http.StatusOK, status)
}

func readBody(w http.ResponseWriter, r *http.Request) ([]byte, bool) {
	r.Body = http.MaxBytesReader(w, r.Body, maxRequestBody)
	raw, err := io.ReadAll(r.Body)
	if err != nil {
		apierr.Write(w, http.StatusRequestEntityTooLarge, "odin.payload.too_large", "request body exceeds limit")
		return nil, false
	}
	return raw, true
}

func writeJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(v)
}

func writeVerifyError(w http.ResponseWriter, err error) {
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

func writeTranslateError(w http.ResponseWriter, err error) {
	te, ok := err.(*translate.Error)
	if !ok {
		apierr.WriteInternal(w, err)
		return
	}
	status := http.StatusUnprocessableEntity
	if te.Code == translate.ErrMapNotFound {
		status = http.StatusNotFound
	}
	apierr.Write(w, status, te.Code, te.Error())
}

func writeBridgeError(w http.ResponseWriter, err error) {
	be, ok := err.(*bridge.Error)
	if !ok {
		apierr.WriteInternal(w, err)
		return
	}
	status := http.StatusBadGateway
	switch be.Code {
	case bridge.ErrHopLimit:
		status = http.StatusMisdirectedRequest
	case bridge.ErrUpstream4xx:
		status = http.StatusBadRequest
	case bridge.ErrSSRFBlocked:
		status = http.StatusForbidden
	}
	apierr.Write(w, status, be.Code, be.Error())
}
