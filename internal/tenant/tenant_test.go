package tenant

import (
	"context"
	"net/http/httptest"
	"testing"
)

func TestResolver_HeaderPresent(t *testing.T) {
	r := &Resolver{Header: "X-ODIN-Tenant", RequireTenant: true}
	req := httptest.NewRequest("GET", "/", nil)
	req.Header.Set("X-ODIN-Tenant", "acme")

	id, reject := r.Resolve(req)
	if reject || id != "acme" {
		t.Errorf("expected acme/no-reject, got %q/%v", id, reject)
	}
}

func TestResolver_RequireTenantRejectsMissing(t *testing.T) {
	r := &Resolver{Header: "X-ODIN-Tenant", RequireTenant: true}
	req := httptest.NewRequest("GET", "/", nil)

	_, reject := r.Resolve(req)
	if !reject {
		t.Error("expected rejection when tenant header missing and RequireTenant set")
	}
}

func TestResolver_DefaultsToSharedTenant(t *testing.T) {
	r := &Resolver{Header: "X-ODIN-Tenant"}
	req := httptest.NewRequest("GET", "/", nil)

	id, reject := r.Resolve(req)
	if reject || id != "shared" {
		t.Errorf("expected shared/no-reject, got %q/%v", id, reject)
	}
}

func TestInProcessQuotaStore_EnforcesBurst(t *testing.T) {
	s := NewInProcessQuotaStore()
	defer s.Close()
	p := Policy{RefillPerSecond: 0.001, Burst: 2}

	ctx := context.Background()
	ok1, _, _ := s.Allow(ctx, "t1", p)
	ok2, _, _ := s.Allow(ctx, "t1", p)
	ok3, retryAfter, _ := s.Allow(ctx, "t1", p)

	if !ok1 || !ok2 {
		t.Fatal("expected first two requests within burst to be allowed")
	}
	if ok3 {
		t.Error("expected third request to exceed burst")
	}
	if retryAfter <= 0 {
		t.Error("expected positive retry_after hint once quota exceeded")
	}
}

func TestContext_RoundTrip(t *testing.T) {
	ctx := WithTenant(context.Background(), "acme")
	if FromContext(ctx) != "acme" {
		t.Error("expected tenant id to round-trip through context")
	}
}
