package transport

import (
	"context"
	"net"
	"time"

	"github.com/miekg/dns"
)

// TCP exchanges queries over plain TCP with two-byte length framing.
// Connections are pooled per destination and recycled across queries.
type TCP struct {
	addr string
	pool *connPool
}

// NewTCP returns a TCP transport for the given host:port address.
func NewTCP(addr string, idleTimeout time.Duration) *TCP {
	t := &TCP{addr: addr}
	t.pool = newConnPool(t.dialConn, idleTimeout)
	return t
}

// Kind implements Transport.
func (t *TCP) Kind() string { return KindTCP }

func (t *TCP) dialConn(ctx context.Context) (*dns.Conn, error) {
	dialer := &net.Dialer{Timeout: exchangeTimeout(ctx)}
	netConn, err := dialer.DialContext(ctx, "tcp", t.addr)
	if err != nil {
		return nil, wrapErr(err, t.addr)
	}
	return &dns.Conn{Conn: netConn}, nil
}

// Exchange implements Transport.
func (t *TCP) Exchange(ctx context.Context, msg *dns.Msg) (*dns.Msg, time.Duration, error) {
	return exchangeConn(ctx, t.pool, msg, t.addr)
}

// Close implements Transport.
func (t *TCP) Close() error { return t.pool.close() }

// exchangeConn performs one framed exchange on a pooled connection. The
// connection goes back to the pool only if the exchange fully succeeded.
func exchangeConn(ctx context.Context, pool *connPool, msg *dns.Msg, addr string) (*dns.Msg, time.Duration, error) {
	conn, err := pool.get(ctx)
	if err != nil {
		return nil, 0, wrapErr(err, addr)
	}

	deadline := time.Now().Add(exchangeTimeout(ctx))
	if d, ok := ctx.Deadline(); ok {
		deadline = d
	}
	_ = conn.SetDeadline(deadline)

	start := time.Now()
	if err := conn.WriteMsg(msg); err != nil {
		pool.discard(conn)
		return nil, time.Since(start), wrapErr(err, addr)
	}

	reply, err := conn.ReadMsg()
	rtt := time.Since(start)
	if err != nil {
		pool.discard(conn)
		return nil, rtt, wrapErr(err, addr)
	}

	pool.put(conn)
	return reply, rtt, nil
}
