package api

import (
	"crypto/subtle"
	"net"
	"net/http"
	"strings"

	"github.com/reliquary/consensus/internal/protocol"
)

// BearerAuthMiddleware rejects requests that do not carry the configured
// bearer token. Health checks stay open so load balancers can probe the node.
func BearerAuthMiddleware(token string) func(http.Handler) http.Handler {
	want := []byte(token)
	return func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			if r.URL.Path == "/healthz" {
				next.ServeHTTP(w, r)
				return
			}
			hdr := r.Header.Get("Authorization")
			parts := strings.SplitN(hdr, " ", 2)
			if len(parts) != 2 || !strings.EqualFold(parts[0], "Bearer") {
				writeJSON(w, http.StatusUnauthorized, protocol.ErrorResponse{Error: protocol.ErrorBody{
					Code:    "UNAUTHORIZED",
					Message: "missing or malformed bearer token",
				}})
				return
			}
			if subtle.ConstantTimeCompare([]byte(parts[1]), want) != 1 {
				writeJSON(w, http.StatusUnauthorized, protocol.ErrorResponse{Error: protocol.ErrorBody{
					Code:    "UNAUTHORIZED",
					Message: "invalid bearer token",
				}})
				return
			}
			next.ServeHTTP(w, r)
		})
	}
}

// IPAllowListMiddleware restricts callers to the configured CIDR ranges.
func IPAllowListMiddleware(cidrs []string) (func(http.Handler) http.Handler, error) {
	nets := make([]*net.IPNet, 0, len(cidrs))
	for _, raw := range cidrs {
		_, ipNet, err := net.ParseCIDR(strings.TrimSpace(raw))
		if err != nil {
			return nil, err
		}
		nets = append(nets, ipNet)
	}
	mw := func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			host, _, err := net.SplitHostPort(r.RemoteAddr)
			if err != nil {
				host = r.RemoteAddr
			}
			ip := net.ParseIP(host)
			allowed := false
			if ip != nil {
				for _, n := range nets {
					if n.Contains(ip) {
						allowed = true
						break
					}
				}
			}
			if !allowed {
				writeJSON(w, http.StatusForbidden, protocol.ErrorResponse{Error: protocol.ErrorBody{
					Code:    "FORBIDDEN",
					Message: "source address not allowed",
				}})
				return
			}
			next.ServeHTTP(w, r)
		})
	}
	return mw, nil
}
