package telemetry

import (
	"context"
	"testing"
)

func TestNew_DisabledProviderMethodsAreNoops(t *testing.T) {
	cfg := DefaultConfig()
	cfg.Enabled = false
	p, err := New(context.Background(), cfg)
	if err != nil {
		t.Fatalf("New: %v", err)
	}
	ctx := context.Background()
	p.RecordRequest(ctx, "/v1/translate", "POST", 200)
	p.RecordPolicyViolation(ctx, "max_payload_bytes")
	p.RecordSignatureVerification(ctx, "envelope", "ok")
	p.RecordReload(ctx, "policy")
	if err := p.Shutdown(ctx); err != nil {
		t.Errorf("Shutdown: %v", err)
	}
}
