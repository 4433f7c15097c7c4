// Package admin implements the admin surface of spec.md §4.12: token-
// and-enable-flag-gated endpoints for reload policy, reload maps,
// register agent, set agent status, and list agents. Every admin action
// emits a structured audit log line.
//
// Grounded on the teacher's pkg/auth/middleware.go (header-extracted
// credential, fail-closed wrapping, public-path allowlist idiom
// generalized here to "admin routes only, everything else untouched")
// and pkg/api/apierror.go's error-response shape via internal/apierr.
package admin

import (
	"crypto/subtle"
	"encoding/json"
	"log/slog"
	"net/http"

	"github.com/odin-protocol/gateway/internal/apierr"
	"github.com/odin-protocol/gateway/internal/envelope"
	"github.com/odin-protocol/gateway/internal/policy"
	"github.com/odin-protocol/gateway/internal/registry"
	"github.com/odin-protocol/gateway/internal/translate"
)

// Config gates and wires the admin endpoints.
type Config struct {
	Enabled bool
	Token   string // compared against the X-Admin-Key header

	Policy   *policy.Engine
	Maps     *translate.MapStore
	Registry *registry.Registry
	Logger   *slog.Logger
}

func (c *Config) logger() *slog.Logger {
	if c.Logger != nil {
		return c.Logger
	}
	return slog.Default()
}

// RequireAdmin wraps an admin handler with the enable-flag and token
// check, fail-closed: disabled or unauthenticated requests never reach
// the handler.
func (c *Config) RequireAdmin(next http.HandlerFunc) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		if !c.Enabled {
			apierr.Write(w, http.StatusNotFound, "odin.admin.disabled", "admin endpoints are disabled")
			return
		}
		key := r.Header.Get("X-Admin-Key")
		if key == "" || subtle.ConstantTimeCompare([]byte(key), []byte(c.Token)) != 1 {
			c.logger().WarnContext(r.Context(), "admin auth rejected", "path", r.URL.Path, "remote", r.RemoteAddr)
			apierr.Write(w, http.StatusUnauthorized, "odin.admin.unauthorized", "invalid or missing admin key")
			return
		}
		next(w, r)
	}
}

// ReloadPolicyRequest carries a new policy document, either inline or a
// reference already resolved by the caller (config owns file/env
// resolution; this endpoint just swaps the parsed document in).
type ReloadPolicyRequest struct {
	Document json.RawMessage `json:"document"`
}

// ReloadPolicy handles POST /v1/admin/reload/policy.
func (c *Config) ReloadPolicy(w http.ResponseWriter, r *http.Request) {
	var req ReloadPolicyRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		apierr.Write(w, http.StatusBadRequest, "odin.admin.bad_request", "invalid request body")
		return
	}
	doc, err := policy.ParseDocument(req.Document)
	if err != nil {
		apierr.Write(w, http.StatusBadRequest, "odin.admin.invalid_policy", err.Error())
		return
	}
	if err := c.Policy.Reload(doc); err != nil {
		apierr.Write(w, http.StatusBadRequest, "odin.admin.invalid_policy", err.Error())
		return
	}
	c.logger().InfoContext(r.Context(), "admin reload", "target", "policy")
	w.Header().Set("Content-Type", "application/json")
	_ = json.NewEncoder(w).Encode(map[string]any{"reloaded": "policy"})
}

// ReloadMapsRequest carries one or more SFT maps to register or
// re-register.
type ReloadMapsRequest struct {
	Maps []translate.Map `json:"maps"`
}

// ReloadMaps handles POST /v1/admin/reload/maps.
func (c *Config) ReloadMaps(w http.ResponseWriter, r *http.Request) {
	var req ReloadMapsRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		apierr.Write(w, http.StatusBadRequest, "odin.admin.bad_request", "invalid request body")
		return
	}
	for i := range req.Maps {
		if err := c.Maps.Register(&req.Maps[i]); err != nil {
			apierr.Write(w, http.StatusBadRequest, "odin.admin.invalid_map", err.Error())
			return
		}
	}
	c.logger().InfoContext(r.Context(), "admin reload", "target", "maps", "count", len(req.Maps))
	w.Header().Set("Content-Type", "application/json")
	_ = json.NewEncoder(w).Encode(map[string]any{"reloaded": "maps", "count": len(req.Maps)})
}

// RegisterAgentRequest is the admin registration shape, bypassing the
// public envelope-proof path for operator-driven bootstrap.
type RegisterAgentRequest struct {
	Payload json.RawMessage    `json:"payload"`
	Proof   *envelope.Envelope `json:"proof"`
}

// RegisterAgent handles POST /v1/admin/agents.
func (c *Config) RegisterAgent(w http.ResponseWriter, r *http.Request) {
	var req RegisterAgentRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil || req.Proof == nil {
		apierr.Write(w, http.StatusBadRequest, "odin.admin.bad_request", "request must be shaped {payload, proof}")
		return
	}
	rec, err := c.Registry.Register(req.Proof, req.Payload)
	if err != nil {
		apierr.Write(w, http.StatusBadRequest, "odin.admin.invalid_agent", err.Error())
		return
	}
	c.logger().InfoContext(r.Context(), "admin register agent", "id", rec.ID, "service", rec.Payload.Service)
	w.Header().Set("Content-Type", "application/json")
	_ = json.NewEncoder(w).Encode(map[string]any{"id": rec.ID})
}

// SetAgentStatusRequest toggles a registered agent's active flag.
type SetAgentStatusRequest struct {
	ID     string `json:"id"`
	Active bool   `json:"active"`
}

// SetAgentStatus handles POST /v1/admin/agents/status.
func (c *Config) SetAgentStatus(w http.ResponseWriter, r *http.Request) {
	var req SetAgentStatusRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		apierr.Write(w, http.StatusBadRequest, "odin.admin.bad_request", "invalid request body")
		return
	}
	if err := c.Registry.SetActive(req.ID, req.Active); err != nil {
		apierr.Write(w, http.StatusNotFound, "odin.admin.agent_not_found", err.Error())
		return
	}
	c.logger().InfoContext(r.Context(), "admin set agent status", "id", req.ID, "active", req.Active)
	w.Header().Set("Content-Type", "application/json")
	_ = json.NewEncoder(w).Encode(map[string]any{"id": req.ID, "active": req.Active})
}

// ListAgents handles GET /v1/admin/agents. It returns every unexpired
// record, including records deactivated via SetAgentStatus; expired
// records are left out, as in the public registry listing.
func (c *Config) ListAgents(w http.ResponseWriter, r *http.Request) {
	recs, err := c.Registry.List(registry.ListFilter{})
	if err != nil {
		apierr.WriteInternal(w, err)
		return
	}
	c.logger().InfoContext(r.Context(), "admin list agents", "count", len(recs))
	w.Header().Set("Content-Type", "application/json")
	_ = json.NewEncoder(w).Encode(map[string]any{"agents": recs})
}
