package transport

import (
	"context"
	"net"
	"testing"
	"time"

	"github.com/miekg/dns"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func newUDPServer(t *testing.T, handler dns.HandlerFunc) string {
	t.Helper()

	pc, err := net.ListenPacket("udp", "127.0.0.1:0")
	require.NoError(t, err)

	server := &dns.Server{PacketConn: pc, Handler: handler}
	go func() { _ = server.ActivateAndServe() }()
	t.Cleanup(func() { _ = server.Shutdown() })

	return pc.LocalAddr().String()
}

func newTCPServer(t *testing.T, addr string, handler dns.HandlerFunc) string {
	t.Helper()

	ln, err := net.Listen("tcp", addr)
	require.NoError(t, err)

	server := &dns.Server{Listener: ln, Handler: handler}
	go func() { _ = server.ActivateAndServe() }()
	t.Cleanup(func() { _ = server.Shutdown() })

	return ln.Addr().String()
}

func echoA(w dns.ResponseWriter, r *dns.Msg) {
	msg := new(dns.Msg)
	msg.SetReply(r)
	msg.Answer = append(msg.Answer, &dns.A{
		Hdr: dns.RR_Header{Name: r.Question[0].Name, Rrtype: dns.TypeA, Class: dns.ClassINET, Ttl: 60},
		A:   net.ParseIP("192.0.2.10"),
	})
	_ = w.WriteMsg(msg)
}

func TestUDP_Exchange(t *testing.T) {
	addr := newUDPServer(t, echoA)

	udp := NewUDP(addr, 0)
	defer udp.Close()

	query := new(dns.Msg)
	query.SetQuestion("example.com.", dns.TypeA)

	ctx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
	defer cancel()

	reply, rtt, err := udp.Exchange(ctx, query)
	require.NoError(t, err)
	assert.Len(t, reply.Answer, 1)
	assert.Greater(t, rtt, time.Duration(0))
}

func TestUDP_TruncatedReply(t *testing.T) {
	addr := newUDPServer(t, func(w dns.ResponseWriter, r *dns.Msg) {
		msg := new(dns.Msg)
		msg.SetReply(r)
		msg.Truncated = true
		_ = w.WriteMsg(msg)
	})

	udp := NewUDP(addr, 0)
	defer udp.Close()

	query := new(dns.Msg)
	query.SetQuestion("example.com.", dns.TypeA)

	ctx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
	defer cancel()

	_, _, err := udp.Exchange(ctx, query)
	require.Error(t, err)
	assert.True(t, IsTruncated(err))

	var terr *Error
	require.ErrorAs(t, err, &terr)
	require.NotNil(t, terr.Reply)
	assert.True(t, terr.Reply.Truncated)
}

func TestUDP_Timeout(t *testing.T) {
	// A listener that never answers.
	pc, err := net.ListenPacket("udp", "127.0.0.1:0")
	require.NoError(t, err)
	t.Cleanup(func() { _ = pc.Close() })

	udp := NewUDP(pc.LocalAddr().String(), 0)
	defer udp.Close()

	query := new(dns.Msg)
	query.SetQuestion("example.com.", dns.TypeA)

	ctx, cancel := context.WithTimeout(context.Background(), 200*time.Millisecond)
	defer cancel()

	_, _, err = udp.Exchange(ctx, query)
	require.Error(t, err)
	assert.True(t, IsTimeout(err))
}

func TestTCP_ExchangeAndReuse(t *testing.T) {
	addr := newTCPServer(t, "127.0.0.1:0", echoA)

	tcp := NewTCP(addr, time.Minute)
	defer tcp.Close()

	for i := 0; i < 3; i++ {
		query := new(dns.Msg)
		query.SetQuestion("example.com.", dns.TypeA)

		ctx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
		reply, _, err := tcp.Exchange(ctx, query)
		cancel()
		require.NoError(t, err)
		assert.Len(t, reply.Answer, 1)
	}

	// After three sequential exchanges a single connection should have
	// been reused.
	tcp.pool.mu.Lock()
	idle := len(tcp.pool.idle)
	tcp.pool.mu.Unlock()
	assert.Equal(t, 1, idle)
}

func TestTCP_DialFailure(t *testing.T) {
	// Grab a port and close it again so the dial is refused.
	ln, err := net.Listen("tcp", "127.0.0.1:0")
	require.NoError(t, err)
	addr := ln.Addr().String()
	require.NoError(t, ln.Close())

	tcp := NewTCP(addr, time.Minute)
	defer tcp.Close()

	query := new(dns.Msg)
	query.SetQuestion("example.com.", dns.TypeA)

	ctx, cancel := context.WithTimeout(context.Background(), time.Second)
	defer cancel()

	_, _, err = tcp.Exchange(ctx, query)
	var terr *Error
	require.ErrorAs(t, err, &terr)
}

func TestPool_CloseClosesIdleConnections(t *testing.T) {
	addr := newTCPServer(t, "127.0.0.1:0", echoA)

	tcp := NewTCP(addr, time.Minute)

	query := new(dns.Msg)
	query.SetQuestion("example.com.", dns.TypeA)

	ctx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
	defer cancel()
	_, _, err := tcp.Exchange(ctx, query)
	require.NoError(t, err)

	require.NoError(t, tcp.Close())
	tcp.pool.mu.Lock()
	defer tcp.pool.mu.Unlock()
	assert.Empty(t, tcp.pool.idle)
	assert.True(t, tcp.pool.closed)
}
