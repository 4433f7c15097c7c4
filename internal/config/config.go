// Package config loads the gateway's runtime configuration from
// environment variables (spec.md §6), following the teacher's
// pkg/config/config.go idiom of a single Load() building one struct
// with os.Getenv-with-default reads, no external config library.
package config

import (
	"os"
	"strconv"
	"strings"
)

// Config holds every environment-driven gateway setting.
type Config struct {
	Port string

	EnforceRoutes []string
	EnforceRequire bool

	SignRoutes []string
	SignEmbed  bool

	HTTPSignEnforceRoutes []string
	HTTPSignSkewSec       int

	HELPolicyPath string
	HELPolicyJSON string

	SFTMapsDir string

	KeystorePath string
	KeystoreJSON string

	SigningKid     string
	SigningKeyHex  string // hex-encoded Ed25519 private key: 32-byte seed or 64-byte key

	RoamingRealm      string
	RoamingIssuerKid  string
	RoamingIssuerHex  string // Ed25519 private key the Roaming Issuer signs with

	StorageBackend string // "memory" | "file" | "postgres" | "sqlite" | "s3" | "gcs"
	StorageFallback string

	BridgeTimeoutMS      int
	BridgeRetries        int
	BridgeRetryBackoffMS int

	AdminToken  string
	EnableAdmin bool

	RoamingTrustAnchorsPath string
	RoamingEnforceRoutes    []string

	OTLPEndpoint    string
	TelemetryEnabled bool
}

func getEnv(key, def string) string {
	if v := os.Getenv(key); v != "" {
		return v
	}
	return def
}

func getBool(key string, def bool) bool {
	v := os.Getenv(key)
	if v == "" {
		return def
	}
	return v == "1" || strings.EqualFold(v, "true")
}

func getInt(key string, def int) int {
	v := os.Getenv(key)
	if v == "" {
		return def
	}
	n, err := strconv.Atoi(v)
	if err != nil {
		return def
	}
	return n
}

func splitCSV(v string) []string {
	if v == "" {
		return nil
	}
	parts := strings.Split(v, ",")
	out := make([]string, 0, len(parts))
	for _, p := range parts {
		p = strings.TrimSpace(p)
		if p != "" {
			out = append(out, p)
		}
	}
	return out
}

// Load reads Config from the process environment, applying the defaults
// spec.md §4 names for each component (300s http-sig skew, 10000ms/2
// retries/100ms backoff for bridge hops, etc).
func Load() *Config {
	return &Config{
		Port: getEnv("PORT", "8080"),

		EnforceRoutes:  splitCSV(os.Getenv("ODIN_ENFORCE_ROUTES")),
		EnforceRequire: getBool("ODIN_ENFORCE_REQUIRE", false),

		SignRoutes: splitCSV(os.Getenv("ODIN_SIGN_ROUTES")),
		SignEmbed:  getBool("ODIN_SIGN_EMBED", false),

		HTTPSignEnforceRoutes: splitCSV(os.Getenv("ODIN_HTTP_SIGN_ENFORCE_ROUTES")),
		HTTPSignSkewSec:       getInt("ODIN_HTTP_SIGN_SKEW_SEC", 300),

		HELPolicyPath: getEnv("ODIN_HEL_POLICY_PATH", ""),
		HELPolicyJSON: getEnv("ODIN_HEL_POLICY_JSON", ""),

		SFTMapsDir: getEnv("ODIN_SFT_MAPS_DIR", ""),

		KeystorePath: getEnv("ODIN_KEYSTORE_PATH", ""),
		KeystoreJSON: getEnv("ODIN_KEYSTORE_JSON", ""),

		SigningKid:    getEnv("ODIN_SIGNING_KID", ""),
		SigningKeyHex: getEnv("ODIN_SIGNING_KEY_HEX", ""),

		RoamingRealm:     getEnv("ODIN_ROAMING_REALM", ""),
		RoamingIssuerKid: getEnv("ODIN_ROAMING_ISSUER_KID", ""),
		RoamingIssuerHex: getEnv("ODIN_ROAMING_ISSUER_KEY_HEX", ""),

		StorageBackend:  getEnv("ODIN_STORAGE_BACKEND", "memory"),
		StorageFallback: getEnv("ODIN_STORAGE_FALLBACK", ""),

		BridgeTimeoutMS:      getInt("ODIN_BRIDGE_TIMEOUT_MS", 10000),
		BridgeRetries:        getInt("ODIN_BRIDGE_RETRIES", 2),
		BridgeRetryBackoffMS: getInt("ODIN_BRIDGE_RETRY_BACKOFF_MS", 100),

		AdminToken:  getEnv("ODIN_ADMIN_TOKEN", ""),
		EnableAdmin: getBool("ODIN_ENABLE_ADMIN", false),

		RoamingTrustAnchorsPath: getEnv("ODIN_ROAMING_TRUST_ANCHORS", "configs/roaming/trust_anchors.yaml"),
		RoamingEnforceRoutes:    splitCSV(os.Getenv("ODIN_ROAMING_ENFORCE_ROUTES")),

		OTLPEndpoint:     getEnv("ODIN_OTLP_ENDPOINT", ""),
		TelemetryEnabled: getBool("ODIN_TELEMETRY_ENABLED", false),
	}
}
