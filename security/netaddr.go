package security

import (
	"net"
	"net/http"
	"strings"
)

// ClientIP extracts the network origin of the request, used as the universal
// fallback rate-limit key.
//
// SECURITY CONSIDERATIONS:
//   - Only enable trustProxy when behind a trusted reverse proxy (nginx,
//     haproxy, cloud load balancer). Without it, any client could spoof its
//     origin and escape IP-keyed rate limits.
//   - X-Forwarded-For format: "client, proxy1, proxy2, ..."
//   - trustedProxyCount is how many proxies to trust from the right; it
//     determines which entry in the chain is the real client.
func ClientIP(r *http.Request, trustProxy bool, trustedProxyCount int) string {
	if trustProxy {
		if ip := ipFromForwardedFor(r.Header.Get("X-Forwarded-For"), trustedProxyCount); ip != "" {
			return ip
		}
		if ip := ipFromRealIP(r.Header.Get("X-Real-IP")); ip != "" {
			return ip
		}
	}
	return ipFromRemoteAddr(r.RemoteAddr)
}

// ipFromForwardedFor parses X-Forwarded-For and returns the client IP.
// The rightmost entries are the proxies we control; the client is just left
// of them. With trustedProxyCount=1 and "1.2.3.4, 10.0.0.1" the client is
// "1.2.3.4".
func ipFromForwardedFor(xff string, trustedProxyCount int) string {
	if xff == "" {
		return ""
	}

	entries := strings.Split(xff, ",")
	if len(entries) == 0 {
		return ""
	}

	candidate := strings.TrimSpace(entries[clientIndex(len(entries), trustedProxyCount)])
	if net.ParseIP(candidate) != nil {
		return candidate
	}
	return ""
}

// clientIndex returns the position of the client IP in the forwarded chain.
// trustedProxyCount=0 is treated as one trusted proxy. If the chain is too
// short the leftmost entry is used.
func clientIndex(numEntries, trustedProxyCount int) int {
	proxies := trustedProxyCount
	if proxies == 0 {
		proxies = 1
	}

	idx := numEntries - proxies - 1
	if idx < 0 {
		return 0
	}
	return idx
}

// ipFromRealIP parses the X-Real-IP header set by some proxies.
func ipFromRealIP(xri string) string {
	if xri == "" {
		return ""
	}
	if net.ParseIP(xri) != nil {
		return xri
	}
	return ""
}

// ipFromRemoteAddr extracts the IP of the direct connection.
func ipFromRemoteAddr(remoteAddr string) string {
	host, _, err := net.SplitHostPort(remoteAddr)
	if err != nil {
		return remoteAddr
	}
	return host
}
