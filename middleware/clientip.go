package middleware

import (
	"context"
	"net"
	"net/http"
	"strings"

	"google.golang.org/grpc/metadata"
	"google.golang.org/grpc/peer"
)

const unknownClient = "unknown"

// ClientIP identifies the caller of an HTTP request: the first X-Forwarded-For
// entry, then X-Real-IP, then the connection's remote address.
func ClientIP(r *http.Request) string {
	if xff := r.Header.Get("X-Forwarded-For"); xff != "" {
		if ip := firstForwarded(xff); ip != "" {
			return ip
		}
	}

	if xri := strings.TrimSpace(r.Header.Get("X-Real-IP")); xri != "" {
		return xri
	}

	return hostOnly(r.RemoteAddr)
}

// ExtractClientIP identifies the caller of a gRPC request from incoming
// metadata, falling back to the transport peer.
func ExtractClientIP(ctx context.Context) string {
	if md, ok := metadata.FromIncomingContext(ctx); ok {
		// Try X-Forwarded-For first (for proxied requests)
		if xff := md.Get("x-forwarded-for"); len(xff) > 0 {
			if ip := firstForwarded(xff[0]); ip != "" {
				return ip
			}
		}

		if xri := md.Get("x-real-ip"); len(xri) > 0 && strings.TrimSpace(xri[0]) != "" {
			return strings.TrimSpace(xri[0])
		}
	}

	if p, ok := peer.FromContext(ctx); ok && p.Addr != nil {
		return hostOnly(p.Addr.String())
	}

	return unknownClient
}

func firstForwarded(xff string) string {
	first, _, _ := strings.Cut(xff, ",")
	return strings.TrimSpace(first)
}

func hostOnly(addr string) string {
	if addr == "" {
		return unknownClient
	}
	if host, _, err := net.SplitHostPort(addr); err == nil {
		return host
	}
	return addr
}
