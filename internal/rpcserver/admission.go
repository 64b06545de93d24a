package rpcserver

import (
	"crypto/subtle"
	"net/http"
	"strings"

	"github.com/plyght/valet/internal/apperror"
	"github.com/plyght/valet/internal/config"
	"github.com/plyght/valet/internal/ratelimit"
)

// admissionResult carries the per-request facts the audit record needs
// once admission has run, whether it succeeded or not.
type admissionResult struct {
	Origin       string
	TokenPresent bool
	Principal    string
}

// admit runs the four-stage chain from §4.2, in the exact order the
// spec requires: bearer check, origin check, size cap, dual-scope rate
// limit. pathToken is the token segment from the URL (the alternate
// admission path for clients that cannot set headers, §4.2 point 1); it
// is only consulted when the Authorization header is absent or malformed.
func admit(r *http.Request, cfg *config.Config, limiter *ratelimit.Limiter, pathToken string) (admissionResult, *apperror.AppError) {
	res := admissionResult{Origin: r.Header.Get("Origin")}

	token, headerPresent := bearerToken(r)
	if !headerPresent && pathToken != "" {
		token = pathToken
		headerPresent = true
	}
	res.TokenPresent = headerPresent
	if !headerPresent || !constantTimeEqual(token, cfg.Auth.BearerToken) {
		return res, apperror.Unauthorized()
	}
	res.Principal = token

	if !originAllowed(r, cfg.Auth.AllowedOrigins) {
		return res, apperror.OriginDenied()
	}

	if r.ContentLength > 0 && r.ContentLength > int64(cfg.Limits.MaxRequestKB)*1024 {
		return res, apperror.RequestTooLarge()
	}

	if !limiter.Allow(res.Principal) {
		return res, apperror.RequestTooLarge()
	}

	return res, nil
}

func bearerToken(r *http.Request) (string, bool) {
	const prefix = "Bearer "
	h := r.Header.Get("Authorization")
	if !strings.HasPrefix(h, prefix) {
		return "", false
	}
	return strings.TrimPrefix(h, prefix), true
}

func constantTimeEqual(a, b string) bool {
	if len(a) != len(b) {
		return false
	}
	return subtle.ConstantTimeCompare([]byte(a), []byte(b)) == 1
}

// originAllowed implements §4.2 point 2 together with §9(a)'s resolution
// of the open question: a POST (or any non-GET) lacking an Origin header
// is always denied, regardless of which admission path supplied the
// token — one denial rule instead of two. GET browser navigation may
// omit Origin.
func originAllowed(r *http.Request, allowed []string) bool {
	origin := r.Header.Get("Origin")
	if origin == "" {
		return r.Method == http.MethodGet
	}
	for _, a := range allowed {
		if origin == a {
			return true
		}
	}
	return false
}
