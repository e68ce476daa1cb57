package store

import (
	"context"
	"crypto/tls"
	"net"
)

// tlsDial dials through the keepalive-enabled dialer and wraps the connection in TLS
func tlsDial(ctx context.Context, dialer *net.Dialer, network, addr string, cfg *tls.Config) (net.Conn, error) {
	d := &tls.Dialer{NetDialer: dialer, Config: cfg}
	return d.DialContext(ctx, network, addr)
}
