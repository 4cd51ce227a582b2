package transport

import (
	"context"
	"time"

	"github.com/miekg/dns"
)

// UDP exchanges queries over plain UDP. Every query uses a fresh socket, so
// the OS randomizes the source port on each exchange.
type UDP struct {
	addr    string
	payload uint16
}

// NewUDP returns a UDP transport for the given host:port address.
func NewUDP(addr string, payload uint16) *UDP {
	if payload == 0 {
		payload = DefaultUDPPayload
	}
	return &UDP{addr: addr, payload: payload}
}

// Kind implements Transport.
func (u *UDP) Kind() string { return KindUDP }

// Exchange implements Transport. A reply with the truncation bit set is
// returned as an ErrTruncated error carrying the partial reply; the caller
// retries the same server over TCP.
func (u *UDP) Exchange(ctx context.Context, msg *dns.Msg) (*dns.Msg, time.Duration, error) {
	client := &dns.Client{
		Net:     "udp",
		UDPSize: u.payload,
		Timeout: exchangeTimeout(ctx),
	}

	start := time.Now()
	reply, rtt, err := client.ExchangeContext(ctx, msg, u.addr)
	if err != nil {
		return nil, time.Since(start), wrapErr(err, u.addr)
	}
	if reply.Truncated {
		return nil, rtt, &Error{Kind: ErrTruncated, Reply: reply, Msg: u.addr}
	}
	return reply, rtt, nil
}

// Close implements Transport. UDP holds no connections.
func (u *UDP) Close() error { return nil }
