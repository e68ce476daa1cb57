package middleware

import (
	"context"
	"encoding/json"
	"net/http"
	"testing"

	"github.com/grpc-guardian/cache-guardian/pkg/ratelimit"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap/zaptest"
	"google.golang.org/grpc/codes"
	"google.golang.org/grpc/status"
)

func TestIPAllowlist(t *testing.T) {
	list := ratelimit.NewAllowlist("203.0.113.7", "10.0.0.0/8")
	h := IPAllowlist(list, zaptest.NewLogger(t))(okHandler)

	assert.Equal(t, http.StatusOK, doRequest(h, "/admin", "203.0.113.7").Code)
	assert.Equal(t, http.StatusOK, doRequest(h, "/admin", "10.20.30.40").Code)

	rec := doRequest(h, "/admin", "198.51.100.1")
	require.Equal(t, http.StatusForbidden, rec.Code)

	var body map[string]string
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &body))
	assert.Equal(t, "Access denied: IP not in whitelist", body["detail"])
}

func TestUnaryAllowlist(t *testing.T) {
	interceptor := UnaryAllowlist(ratelimit.NewAllowlist("203.0.113.7"))
	info := mockInfo("/admin.Service/Flush")

	calls := 0
	handler := mockHandler("done", nil, &calls)

	resp, err := interceptor(incomingFrom("203.0.113.7"), nil, info, handler)
	require.NoError(t, err)
	assert.Equal(t, "done", resp)

	_, err = interceptor(incomingFrom("198.51.100.1"), nil, info, handler)
	assert.Equal(t, codes.PermissionDenied, status.Code(err))

	_, err = interceptor(context.Background(), nil, info, handler)
	assert.Equal(t, codes.PermissionDenied, status.Code(err), "unknown clients are denied")
	assert.Equal(t, 1, calls)
}

func TestSecurityHeaders(t *testing.T) {
	tests := []struct {
		name       string
		production bool
	}{
		{"development", false},
		{"production", true},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			rec := doRequest(SecurityHeaders(tt.production)(okHandler), "/", "203.0.113.7")

			assert.Equal(t, "nosniff", rec.Header().Get("X-Content-Type-Options"))
			assert.Equal(t, "DENY", rec.Header().Get("X-Frame-Options"))
			assert.Equal(t, "1; mode=block", rec.Header().Get("X-XSS-Protection"))
			assert.Equal(t, "strict-origin-when-cross-origin", rec.Header().Get("Referrer-Policy"))

			if tt.production {
				assert.Equal(t, "default-src 'self'; script-src 'self' 'unsafe-inline'; style-src 'self' 'unsafe-inline';", rec.Header().Get("Content-Security-Policy"))
				assert.Equal(t, "max-age=31536000; includeSubDomains", rec.Header().Get("Strict-Transport-Security"))
			} else {
				assert.Empty(t, rec.Header().Get("Content-Security-Policy"))
				assert.Empty(t, rec.Header().Get("Strict-Transport-Security"))
			}
		})
	}
}
