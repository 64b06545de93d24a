package rpcserver

import (
	"net/http/httptest"
	"testing"

	"github.com/plyght/valet/internal/apperror"
	"github.com/plyght/valet/internal/config"
	"github.com/plyght/valet/internal/ratelimit"
)

func testAdmissionConfig() *config.Config {
	return &config.Config{
		Auth: config.AuthConfig{
			BearerToken:    "secret",
			AllowedOrigins: []string{"https://ok"},
		},
		Limits: config.LimitsConfig{MaxRequestKB: 1},
	}
}

func generousLimiter() *ratelimit.Limiter {
	return ratelimit.New(ratelimit.Config{GlobalRPS: 1000, GlobalBurst: 1000, PrincipalRPS: 1000, PrincipalBurst: 1000})
}

func TestAdmitAcceptsHeaderBearerAndOrigin(t *testing.T) {
	cfg := testAdmissionConfig()
	r := httptest.NewRequest("POST", "/mcp/x", nil)
	r.Header.Set("Authorization", "Bearer secret")
	r.Header.Set("Origin", "https://ok")

	res, ae := admit(r, cfg, generousLimiter(), "")
	if ae != nil {
		t.Fatalf("admit: %v", ae)
	}
	if !res.TokenPresent || res.Principal != "secret" {
		t.Fatalf("res = %#v", res)
	}
}

func TestAdmitAcceptsPathTokenFallback(t *testing.T) {
	cfg := testAdmissionConfig()
	r := httptest.NewRequest("GET", "/mcp/secret", nil)

	res, ae := admit(r, cfg, generousLimiter(), "secret")
	if ae != nil {
		t.Fatalf("admit: %v", ae)
	}
	if res.Principal != "secret" {
		t.Fatalf("principal = %q, want secret", res.Principal)
	}
}

func TestAdmitRejectsWrongToken(t *testing.T) {
	cfg := testAdmissionConfig()
	r := httptest.NewRequest("POST", "/mcp/x", nil)
	r.Header.Set("Authorization", "Bearer nope")
	r.Header.Set("Origin", "https://ok")

	_, ae := admit(r, cfg, generousLimiter(), "")
	if ae == nil || ae.Code != apperror.CodeUnauthorized {
		t.Fatalf("ae = %v, want Unauthorized", ae)
	}
}

func TestAdmitRejectsUnlistedOrigin(t *testing.T) {
	cfg := testAdmissionConfig()
	r := httptest.NewRequest("POST", "/mcp/x", nil)
	r.Header.Set("Authorization", "Bearer secret")
	r.Header.Set("Origin", "https://evil")

	_, ae := admit(r, cfg, generousLimiter(), "")
	if ae == nil || ae.Code != apperror.CodeOriginDenied {
		t.Fatalf("ae = %v, want OriginDenied", ae)
	}
}

func TestAdmitRejectsMissingOriginOnPOST(t *testing.T) {
	cfg := testAdmissionConfig()
	r := httptest.NewRequest("POST", "/mcp/x", nil)
	r.Header.Set("Authorization", "Bearer secret")

	_, ae := admit(r, cfg, generousLimiter(), "")
	if ae == nil || ae.Code != apperror.CodeOriginDenied {
		t.Fatalf("ae = %v, want OriginDenied for POST with no Origin", ae)
	}
}

func TestAdmitAllowsMissingOriginOnGET(t *testing.T) {
	cfg := testAdmissionConfig()
	r := httptest.NewRequest("GET", "/mcp/secret", nil)

	_, ae := admit(r, cfg, generousLimiter(), "secret")
	if ae != nil {
		t.Fatalf("ae = %v, want nil for GET with no Origin", ae)
	}
}

func TestAdmitRejectsOversizedContentLength(t *testing.T) {
	cfg := testAdmissionConfig()
	r := httptest.NewRequest("POST", "/mcp/x", nil)
	r.Header.Set("Authorization", "Bearer secret")
	r.Header.Set("Origin", "https://ok")
	r.ContentLength = 10 * 1024 // cfg.Limits.MaxRequestKB is 1

	_, ae := admit(r, cfg, generousLimiter(), "")
	if ae == nil || ae.Code != apperror.CodeRequestTooLarge {
		t.Fatalf("ae = %v, want RequestTooLarge", ae)
	}
}

func TestAdmitRejectsRateLimitedRequest(t *testing.T) {
	cfg := testAdmissionConfig()
	limiter := ratelimit.New(ratelimit.Config{GlobalRPS: 0.0001, GlobalBurst: 1, PrincipalRPS: 1000, PrincipalBurst: 1000})

	mkReq := func() (admissionResult, *apperror.AppError) {
		r := httptest.NewRequest("POST", "/mcp/x", nil)
		r.Header.Set("Authorization", "Bearer secret")
		r.Header.Set("Origin", "https://ok")
		return admit(r, cfg, limiter, "")
	}

	if _, ae := mkReq(); ae != nil {
		t.Fatalf("first request: %v", ae)
	}
	_, ae := mkReq()
	if ae == nil || ae.Code != apperror.CodeRequestTooLarge {
		t.Fatalf("second request ae = %v, want RequestTooLarge (starved)", ae)
	}
}
