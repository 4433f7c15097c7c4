// Package discovery serves the well-known discovery document and JWKS
// endpoint (spec.md §4.12, §6): an absolute keyset URL, advertised SFTs,
// the route map, a runtime policy snapshot, and capability flags derived
// from which routes are actually configured.
//
// Grounded on the teacher's pkg/identity/keyset.go (public-key JWKS
// document shape: `{active_kid, keys: [{kid, alg, public_key}]}`) and
// the auth middleware's public-path allowlist idiom for what stays
// unauthenticated.
package discovery

import (
	"encoding/json"
	"net/http"

	"github.com/odin-protocol/gateway/internal/keyreg"
)

// PolicySnapshot is the non-secret runtime policy summary exposed at
// discovery time.
type PolicySnapshot struct {
	EnforceRoutes []string `json:"enforce_routes"`
	SignRoutes    []string `json:"sign_routes"`
	SignEmbed     bool     `json:"sign_embed"`
}

// Document is the full discovery.json body.
type Document struct {
	KeysetURL      string            `json:"keyset_url"`
	AdvertisedSFTs []string          `json:"advertised_sfts"`
	Endpoints      map[string]string `json:"endpoints"`
	Policy         PolicySnapshot    `json:"policy"`
	Capabilities   map[string]bool   `json:"capabilities"`
}

// Config builds Documents for each incoming request (the keyset URL is
// host-relative, so it's computed per-request rather than once).
type Config struct {
	AdvertisedSFTs []string
	Endpoints      map[string]string
	Policy         PolicySnapshot
	Capabilities   map[string]bool
}

// Handler serves GET /.well-known/odin/discovery.json. cacheControl sets
// the short TTL spec.md asks for ("cacheable for a short TTL").
func (c *Config) Handler(cacheControl string) http.HandlerFunc {
	if cacheControl == "" {
		cacheControl = "public, max-age=30"
	}
	return func(w http.ResponseWriter, r *http.Request) {
		doc := Document{
			KeysetURL:      "https://" + r.Host + "/.well-known/odin/jwks.json",
			AdvertisedSFTs: c.AdvertisedSFTs,
			Endpoints:      c.Endpoints,
			Policy:         c.Policy,
			Capabilities:   c.Capabilities,
		}
		w.Header().Set("Content-Type", "application/json")
		w.Header().Set("Cache-Control", cacheControl)
		_ = json.NewEncoder(w).Encode(doc)
	}
}

// JWKSHandler serves GET /.well-known/odin/jwks.json, the key registry's
// public document.
func JWKSHandler(reg *keyreg.Registry) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		w.Header().Set("Content-Type", "application/json")
		w.Header().Set("Cache-Control", "public, max-age=30")
		_ = json.NewEncoder(w).Encode(reg.AsPublicDocument())
	}
}
