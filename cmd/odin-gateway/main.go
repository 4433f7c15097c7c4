// Command odin-gateway runs the ODIN protocol gateway: it wires the key
// registry, proof envelope verifier, HTTP signature verifier, policy
// engine, middleware pipeline, translation, bridge forwarder, receipt
// ledger, service registry, roaming pass issuer, and the discovery/admin/
// telemetry surface into a single HTTP server.
//
// Grounded on the teacher's cmd/helm/main.go runServer (slog structured
// startup logging, graceful shutdown on SIGINT/SIGTERM, a single
// long-lived process with no subcommand dispatch needed for the
// gateway's scope).
package main

import (
	"context"
	"crypto/ed25519"
	"database/sql"
	"encoding/hex"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	_ "github.com/lib/pq"
	_ "modernc.org/sqlite"

	"github.com/odin-protocol/gateway/internal/admin"
	"github.com/odin-protocol/gateway/internal/api"
	"github.com/odin-protocol/gateway/internal/bridge"
	"github.com/odin-protocol/gateway/internal/chainindex"
	"github.com/odin-protocol/gateway/internal/config"
	"github.com/odin-protocol/gateway/internal/discovery"
	"github.com/odin-protocol/gateway/internal/envelope"
	"github.com/odin-protocol/gateway/internal/gateway"
	"github.com/odin-protocol/gateway/internal/httpsig"
	"github.com/odin-protocol/gateway/internal/keyreg"
	"github.com/odin-protocol/gateway/internal/ledger"
	"github.com/odin-protocol/gateway/internal/policy"
	"github.com/odin-protocol/gateway/internal/registry"
	"github.com/odin-protocol/gateway/internal/roaming"
	"github.com/odin-protocol/gateway/internal/telemetry"
	"github.com/odin-protocol/gateway/internal/tenant"
	"github.com/odin-protocol/gateway/internal/translate"
)

func main() {
	if err := run(); err != nil {
		slog.Error("gateway: fatal startup error", "error", err)
		os.Exit(1)
	}
}

func run() error {
	logger := slog.Default()
	cfg := config.Load()
	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	keyRegistry, err := keyreg.New(keyreg.Source{
		InlineJSON: cfg.KeystoreJSON,
		FilePath:   cfg.KeystorePath,
	})
	if err != nil {
		return fmt.Errorf("key registry: %w", err)
	}
	logger.Info("key registry ready", "active_kid", keyRegistry.ActiveKid())

	signer, err := loadSigner(cfg)
	if err != nil {
		return fmt.Errorf("signer: %w", err)
	}

	store, err := buildStore(ctx, cfg, cfg.StorageBackend)
	if err != nil {
		return fmt.Errorf("receipt store: %w", err)
	}
	if cfg.StorageFallback != "" {
		secondary, err := buildStore(ctx, cfg, cfg.StorageFallback)
		if err != nil {
			return fmt.Errorf("receipt store fallback: %w", err)
		}
		store = &ledger.FallbackStore{Primary: store, Secondary: secondary}
	}
	chainIndex, err := chainindex.New("data/chainindex")
	if err != nil {
		return fmt.Errorf("chain index: %w", err)
	}

	policyDoc := &policy.Document{MaxPayloadBytes: 1 << 20}
	if cfg.HELPolicyJSON != "" {
		policyDoc, err = policy.ParseDocument([]byte(cfg.HELPolicyJSON))
		if err != nil {
			return fmt.Errorf("policy document: %w", err)
		}
	} else if cfg.HELPolicyPath != "" {
		raw, readErr := os.ReadFile(cfg.HELPolicyPath)
		if readErr != nil {
			return fmt.Errorf("policy file: %w", readErr)
		}
		policyDoc, err = policy.ParseDocument(raw)
		if err != nil {
			return fmt.Errorf("policy document: %w", err)
		}
	}
	policyEngine, err := policy.NewEngine(policyDoc)
	if err != nil {
		return fmt.Errorf("policy engine: %w", err)
	}

	mapStore := translate.NewMapStore()
	if cfg.SFTMapsDir != "" {
		logger.Info("sft maps directory configured", "dir", cfg.SFTMapsDir)
	}
	translator := translate.NewTranslator(mapStore, signer)

	envelopeVerifier := &envelope.Verifier{
		Registry:          keyRegistry,
		Fetcher:           envelope.NewHTTPKeysetFetcher(5 * time.Second),
		AllowedKeysetHost: func(string) bool { return false },
	}

	sigVerifier := httpsig.New(keyRegistry)
	sigVerifier.Skew = time.Duration(cfg.HTTPSignSkewSec) * time.Second

	svcRegistry := registry.New(envelopeVerifier)

	var roamingIssuer *roaming.Issuer
	var roamingVerifier *roaming.Verifier
	if cfg.RoamingIssuerHex != "" {
		priv, parseErr := parseEd25519Private(cfg.RoamingIssuerHex)
		if parseErr != nil {
			return fmt.Errorf("roaming issuer key: %w", parseErr)
		}
		roamingIssuer = &roaming.Issuer{Realm: cfg.RoamingRealm, Kid: cfg.RoamingIssuerKid, Priv: priv}
	}
	trustedRealms := []string{}
	if cfg.RoamingTrustAnchorsPath != "" {
		if trust, trustErr := roaming.LoadTrustAnchorsFile(cfg.RoamingTrustAnchorsPath); trustErr == nil {
			roamingVerifier = &roaming.Verifier{Trust: trust, Realm: cfg.RoamingRealm}
		} else {
			logger.Warn("roaming trust anchors not loaded, roaming verification disabled", "path", cfg.RoamingTrustAnchorsPath, "error", trustErr)
		}
	}

	forwarder := bridge.NewForwarder(&bridge.Config{
		TotalTimeout: time.Duration(cfg.BridgeTimeoutMS) * time.Millisecond,
		Retries:      cfg.BridgeRetries,
		BackoffBase:  time.Duration(cfg.BridgeRetryBackoffMS) * time.Millisecond,
		IdentitySource: roamingIdentitySource{issuer: roamingIssuer},
		Sign:           httpSigSigner(signer),
	})

	telemetryCfg := telemetry.DefaultConfig()
	telemetryCfg.Enabled = cfg.TelemetryEnabled
	if cfg.OTLPEndpoint != "" {
		telemetryCfg.OTLPEndpoint = cfg.OTLPEndpoint
	}
	telemetryProvider, err := telemetry.New(ctx, telemetryCfg)
	if err != nil {
		return fmt.Errorf("telemetry: %w", err)
	}
	defer func() { _ = telemetryProvider.Shutdown(context.Background()) }()

	gatewayCfg := &gateway.Config{
		TenantResolver: &tenant.Resolver{Header: "X-ODIN-Tenant", DefaultTenant: "shared"},
		Quota:          &tenant.Limiter{Store: tenant.NewInProcessQuotaStore(), Default: tenant.Policy{RefillPerSecond: 50, Burst: 100}},

		RoamingRoutes:   cfg.RoamingEnforceRoutes,
		RoamingVerifier: roamingVerifier,

		ProofEnforceRoutes: cfg.EnforceRoutes,
		ProofRequire:       cfg.EnforceRequire,
		EnvelopeVerifier:   envelopeVerifier,

		HTTPSigEnforceRoutes: cfg.HTTPSignEnforceRoutes,
		HTTPSigVerifier:      sigVerifier,

		Policy: policyEngine,

		SignRoutes: cfg.SignRoutes,
		Signer:     signer,
		JWKSURL:    func(host string) string { return "https://" + host + "/.well-known/odin/jwks.json" },

		ReceiptPersist: func(env *envelope.Envelope, b []byte) {
			body, err := json.Marshal(map[string]any{"payload": json.RawMessage(b), "proof": env})
			if err != nil {
				return
			}
			if err := store.PutBytes(context.Background(), env.CID, body); err != nil {
				logger.Warn("receipt persist failed", "cid", env.CID, "error", err)
				telemetryProvider.RecordReceiptWriteFailure(context.Background(), "response")
			}
		},
	}
	if cfg.SignEmbed {
		gatewayCfg.SignMode = gateway.SignEmbed
	}

	gatewayAPI := &api.API{
		Verifier:   envelopeVerifier,
		Signer:     signer,
		Translator: translator,
		Forwarder:  forwarder,
		Store:      store,
		Chain:      chainIndex,
		Registry:   svcRegistry,
		Issuer:     roamingIssuer,
		RoamingCfg: api.RoamingConfig{Realm: cfg.RoamingRealm, TrustedRealms: trustedRealms, MaxTTLSeconds: int(roaming.MaxTTL.Seconds())},
		Telemetry:  telemetryProvider,
		Logger:     logger,
	}

	adminCfg := &admin.Config{
		Enabled:  cfg.EnableAdmin,
		Token:    cfg.AdminToken,
		Policy:   policyEngine,
		Maps:     mapStore,
		Registry: svcRegistry,
		Logger:   logger,
	}

	discoveryCfg := &discovery.Config{
		AdvertisedSFTs: []string{},
		Endpoints: map[string]string{
			"envelope":  "/v1/envelope",
			"translate": "/v1/translate",
			"bridge":    "/v1/bridge/{target}",
			"verify":    "/v1/verify",
			"registry":  "/v1/registry/services",
		},
		Policy: discovery.PolicySnapshot{
			EnforceRoutes: cfg.EnforceRoutes,
			SignRoutes:    cfg.SignRoutes,
			SignEmbed:     cfg.SignEmbed,
		},
		Capabilities: map[string]bool{
			"bridge":   true,
			"roaming":  roamingVerifier != nil,
			"registry": true,
		},
	}

	mux := http.NewServeMux()
	mux.HandleFunc("POST /v1/envelope", gatewayAPI.HandleEnvelope)
	mux.HandleFunc("POST /v1/translate", gatewayAPI.HandleTranslate)
	mux.HandleFunc("POST /v1/bridge/{target...}", gatewayAPI.HandleBridge)
	mux.HandleFunc("GET /v1/receipts/hops/chain/{trace_id}", gatewayAPI.HandleGetChain)
	mux.HandleFunc("GET /v1/receipts/hops", gatewayAPI.HandleListHops)
	mux.HandleFunc("GET /v1/receipts/transform/{output_cid}", gatewayAPI.HandleGetTransformReceipt)
	mux.HandleFunc("GET /v1/receipts/{cid}", gatewayAPI.HandleGetReceipt)
	mux.HandleFunc("POST /v1/verify", gatewayAPI.HandleVerify)
	mux.HandleFunc("POST /v1/registry/register", gatewayAPI.HandleRegister)
	mux.HandleFunc("GET /v1/registry/services", gatewayAPI.HandleListServices)
	mux.HandleFunc("GET /v1/registry/services/{id}", gatewayAPI.HandleGetService)
	mux.HandleFunc("POST /v1/roaming/pass", adminCfg.RequireAdmin(gatewayAPI.HandleMintRoamingPass))
	mux.HandleFunc("GET /v1/roaming/config", gatewayAPI.HandleRoamingConfig)
	mux.HandleFunc("POST /v1/admin/reload/policy", adminCfg.RequireAdmin(adminCfg.ReloadPolicy))
	mux.HandleFunc("POST /v1/admin/reload/maps", adminCfg.RequireAdmin(adminCfg.ReloadMaps))
	mux.HandleFunc("GET /v1/admin/agents", adminCfg.RequireAdmin(adminCfg.ListAgents))
	mux.HandleFunc("POST /v1/admin/agents", adminCfg.RequireAdmin(adminCfg.RegisterAgent))
	mux.HandleFunc("POST /v1/admin/agents/status", adminCfg.RequireAdmin(adminCfg.SetAgentStatus))
	mux.HandleFunc("GET /.well-known/odin/discovery.json", discoveryCfg.Handler(""))
	mux.HandleFunc("GET /.well-known/odin/jwks.json", discovery.JWKSHandler(keyRegistry))
	mux.HandleFunc("GET /metrics", gatewayAPI.HandleMetrics)
	mux.HandleFunc("GET /health", gatewayAPI.HandleHealth)

	handler := gatewayCfg.Wrap(mux)

	srv := &http.Server{
		Addr:              ":" + cfg.Port,
		Handler:           handler,
		ReadHeaderTimeout: 10 * time.Second,
	}

	go func() {
		logger.Info("odin-gateway: listening", "addr", srv.Addr)
		if err := srv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			logger.Error("odin-gateway: server error", "error", err)
		}
	}()

	<-ctx.Done()
	logger.Info("odin-gateway: shutting down")
	shutdownCtx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()
	return srv.Shutdown(shutdownCtx)
}

func loadSigner(cfg *config.Config) (*envelope.Signer, error) {
	if cfg.SigningKeyHex == "" {
		return nil, fmt.Errorf("ODIN_SIGNING_KEY_HEX is required to sign responses and receipts")
	}
	priv, err := parseEd25519Private(cfg.SigningKeyHex)
	if err != nil {
		return nil, err
	}
	kid := cfg.SigningKid
	if kid == "" {
		return nil, fmt.Errorf("ODIN_SIGNING_KID is required alongside ODIN_SIGNING_KEY_HEX")
	}
	return &envelope.Signer{Kid: kid, Priv: priv}, nil
}

func parseEd25519Private(hexKey string) (ed25519.PrivateKey, error) {
	raw, err := hex.DecodeString(hexKey)
	if err != nil {
		return nil, fmt.Errorf("invalid hex-encoded private key: %w", err)
	}
	switch len(raw) {
	case ed25519.SeedSize:
		return ed25519.NewKeyFromSeed(raw), nil
	case ed25519.PrivateKeySize:
		return ed25519.PrivateKey(raw), nil
	default:
		return nil, fmt.Errorf("private key must be %d or %d bytes, got %d", ed25519.SeedSize, ed25519.PrivateKeySize, len(raw))
	}
}

func buildStore(ctx context.Context, cfg *config.Config, backend string) (ledger.Storage, error) {
	switch backend {
	case "", "memory":
		return ledger.NewMemoryStore(), nil
	case "file":
		return ledger.NewFileStore("data/receipts")
	case "postgres":
		db, err := sql.Open("postgres", os.Getenv("DATABASE_URL"))
		if err != nil {
			return nil, err
		}
		if err := db.PingContext(ctx); err != nil {
			return nil, err
		}
		return ledger.NewSQLStore(db, "receipts"), nil
	case "sqlite":
		db, err := sql.Open("sqlite", os.Getenv("SQLITE_PATH"))
		if err != nil {
			return nil, err
		}
		return ledger.NewSQLStore(db, "receipts"), nil
	case "s3":
		return ledger.NewS3Store(ctx, ledger.S3StoreConfig{
			Bucket:   os.Getenv("ODIN_S3_BUCKET"),
			Region:   os.Getenv("ODIN_S3_REGION"),
			Endpoint: os.Getenv("ODIN_S3_ENDPOINT"),
			Prefix:   "receipts/",
		})
	case "gcs":
		return ledger.NewGCSStore(ctx, ledger.GCSStoreConfig{
			Bucket: os.Getenv("ODIN_GCS_BUCKET"),
			Prefix: "receipts/",
		})
	default:
		return nil, fmt.Errorf("unknown storage backend %q", backend)
	}
}

// roamingIdentitySource mints a bound-audience Roaming Pass for outbound
// bridge hops when a roaming issuer is configured; otherwise every hop
// goes out without an identity token (same-realm deployments).
type roamingIdentitySource struct {
	issuer *roaming.Issuer
}

func (r roamingIdentitySource) TokenForAudience(ctx context.Context, audience string) (string, error) {
	if r.issuer == nil {
		return "", nil
	}
	return r.issuer.Mint("odin-gateway", audience, audience, nil, 60*time.Second, nil)
}

// httpSigSigner signs the outbound request URL with the gateway's own
// signing key and attaches the result as X-ODIN-Bridge-Sig and
// X-ODIN-Bridge-Kid. These are not the X-ODIN-Signature /
// X-ODIN-Signature-Input headers that internal/httpsig verifies, so a
// receiving gateway's HTTP signature stage does not accept them.
func httpSigSigner(signer *envelope.Signer) bridge.SignRequest {
	return func(req *http.Request) error {
		env := signer.Sign([]byte(req.URL.String()))
		req.Header.Set("X-ODIN-Bridge-Sig", env.Sig)
		req.Header.Set("X-ODIN-Bridge-Kid", env.Kid)
		return nil
	}
}
