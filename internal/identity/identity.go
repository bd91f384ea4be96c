// Package identity derives rate-limit bucket keys from request metadata.
//
// Precedence: authenticated user + address, then address alone, then a
// body-supplied identity claim (pre-auth endpoints with no resolvable
// address), then a hash of the user agent and route. Derivation never fails;
// it only loses precision.
package identity

import (
	"crypto/sha256"
	"encoding/hex"
	"net"
	"net/http"
	"strings"
)

const uaKeyBytes = 8

// ClientAddr resolves the client network address from forwarded headers in a
// fixed precedence order, falling back to the socket peer.
func ClientAddr(r *http.Request) string {
	if fwd := r.Header.Get("X-Forwarded-For"); fwd != "" {
		// First hop is the original client; later hops are proxies.
		if idx := strings.IndexByte(fwd, ','); idx >= 0 {
			fwd = fwd[:idx]
		}
		if addr := strings.TrimSpace(fwd); addr != "" {
			return addr
		}
	}

	if real := strings.TrimSpace(r.Header.Get("X-Real-IP")); real != "" {
		return real
	}

	host, _, err := net.SplitHostPort(r.RemoteAddr)
	if err != nil {
		return r.RemoteAddr
	}
	return host
}

// NormalizeEmail lowercases and trims an identity claim so equivalent
// spellings share one bucket.
func NormalizeEmail(email string) string {
	return strings.ToLower(strings.TrimSpace(email))
}

// FromRequest derives the limiter key for an authenticated request. An empty
// userID falls through to address-based derivation.
func FromRequest(r *http.Request, userID string) string {
	addr := ClientAddr(r)

	if userID != "" {
		// Tie abuse to the account, not just the network hop.
		return "user:" + userID + ":" + addr
	}

	if addr != "" {
		return "ip:" + addr
	}

	return uaFallback(r)
}

// FromLoginRequest derives the limiter key for pre-auth endpoints that carry
// an identity claim in the body. Keying on the claimed email isolates
// credential stuffing against one account from traffic to the rest.
func FromLoginRequest(r *http.Request, email string) string {
	addr := ClientAddr(r)

	if norm := NormalizeEmail(email); norm != "" {
		return "email:" + norm + ":" + addr
	}

	if addr != "" {
		return "ip:" + addr
	}

	return uaFallback(r)
}

func uaFallback(r *http.Request) string {
	sum := sha256.Sum256([]byte(r.UserAgent()))
	return "ua:" + hex.EncodeToString(sum[:uaKeyBytes]) + ":" + r.Method + ":" + r.URL.Path
}
