package transport

import (
	"context"
	"crypto/tls"
	"net"
	"time"

	"github.com/miekg/dns"
)

// DoT exchanges queries over DNS-over-TLS (RFC 7858): the TCP framing wrapped
// in a TLS 1.2+ session. Connections are pooled like plain TCP.
type DoT struct {
	addr string
	pool *connPool
	cfg  *tls.Config
}

// NewDoT returns a DoT transport. serverName is used for SNI and certificate
// verification; when empty, the host part of addr is used. skipVerify disables
// chain validation for upstreams that opted out.
func NewDoT(addr, serverName string, skipVerify bool, idleTimeout time.Duration) *DoT {
	if serverName == "" {
		if host, _, err := net.SplitHostPort(addr); err == nil {
			serverName = host
		} else {
			serverName = addr
		}
	}
	d := &DoT{
		addr: addr,
		cfg: &tls.Config{
			MinVersion:         tls.VersionTLS12,
			ServerName:         serverName,
			InsecureSkipVerify: skipVerify,
		},
	}
	d.pool = newConnPool(d.dialConn, idleTimeout)
	return d
}

// Kind implements Transport.
func (d *DoT) Kind() string { return KindDoT }

func (d *DoT) dialConn(ctx context.Context) (*dns.Conn, error) {
	dialer := &net.Dialer{Timeout: exchangeTimeout(ctx)}
	netConn, err := dialer.DialContext(ctx, "tcp", d.addr)
	if err != nil {
		return nil, wrapErr(err, d.addr)
	}

	tlsConn := tls.Client(netConn, d.cfg)
	if deadline, ok := ctx.Deadline(); ok {
		_ = tlsConn.SetDeadline(deadline)
	}
	if err := tlsConn.HandshakeContext(ctx); err != nil {
		_ = netConn.Close()
		return nil, &Error{Kind: ErrTLSHandshake, Msg: d.addr, Err: err}
	}
	_ = tlsConn.SetDeadline(time.Time{})

	return &dns.Conn{Conn: tlsConn}, nil
}

// Exchange implements Transport.
func (d *DoT) Exchange(ctx context.Context, msg *dns.Msg) (*dns.Msg, time.Duration, error) {
	return exchangeConn(ctx, d.pool, msg, d.addr)
}

// Close implements Transport.
func (d *DoT) Close() error { return d.pool.close() }
