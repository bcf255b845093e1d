package middleware

import (
	"net/http"
	"net/netip"
	"strings"
)

// RealIP replaces RemoteAddr with the client address from X-Forwarded-For or
// X-Real-IP, but only when the request arrived from one of the trusted proxies.
// Requests from any other peer keep their socket address, so a client cannot
// pick its own rate limit key.
func RealIP(trusted []netip.Prefix) func(http.Handler) http.Handler {
	return func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			if ip, ok := forwardedClient(r, trusted); ok {
				r.RemoteAddr = ip
			}
			next.ServeHTTP(w, r)
		})
	}
}

func forwardedClient(r *http.Request, trusted []netip.Prefix) (string, bool) {
	if len(trusted) == 0 {
		return "", false
	}
	peer, ok := parseAddr(ClientIP(r))
	if !ok || !isTrusted(peer, trusted) {
		return "", false
	}

	// Hops are appended left to right; the first untrusted one from the right is the client.
	if values := r.Header.Values("X-Forwarded-For"); len(values) > 0 {
		hops := strings.Split(strings.Join(values, ","), ",")
		for i := len(hops) - 1; i >= 0; i-- {
			addr, ok := parseAddr(hops[i])
			if !ok {
				break
			}
			if !isTrusted(addr, trusted) {
				return addr.String(), true
			}
		}
	}
	if addr, ok := parseAddr(r.Header.Get("X-Real-IP")); ok {
		return addr.String(), true
	}
	return "", false
}

func parseAddr(raw string) (netip.Addr, bool) {
	addr, err := netip.ParseAddr(strings.TrimSpace(raw))
	if err != nil {
		return netip.Addr{}, false
	}
	return addr.Unmap(), true
}

func isTrusted(addr netip.Addr, trusted []netip.Prefix) bool {
	for _, p := range trusted {
		if p.Contains(addr) {
			return true
		}
	}
	return false
}
