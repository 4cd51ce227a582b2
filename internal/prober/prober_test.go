package prober

import (
	"context"
	"net"
	"testing"
	"time"

	"github.com/miekg/dns"
	"github.com/sirupsen/logrus"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"stub-resolver/internal/health"
	"stub-resolver/internal/upstream"
)

func newProbeTarget(t *testing.T, handler dns.HandlerFunc) (string, func()) {
	t.Helper()

	pc, err := net.ListenPacket("udp", "127.0.0.1:0")
	require.NoError(t, err)

	server := &dns.Server{PacketConn: pc, Handler: handler}
	go func() { _ = server.ActivateAndServe() }()

	return pc.LocalAddr().String(), func() { _ = server.Shutdown() }
}

func answerCanary(w dns.ResponseWriter, r *dns.Msg) {
	msg := new(dns.Msg)
	msg.SetReply(r)
	msg.Answer = append(msg.Answer, &dns.A{
		Hdr: dns.RR_Header{Name: r.Question[0].Name, Rrtype: dns.TypeA, Class: dns.ClassINET, Ttl: 60},
		A:   net.ParseIP("9.9.9.9"),
	})
	_ = w.WriteMsg(msg)
}

func quietLogger() *logrus.Logger {
	log := logrus.New()
	log.SetLevel(logrus.PanicLevel)
	return log
}

func TestProber_RecoversUpstreamFromInitialUnavailable(t *testing.T) {
	addr, shutdown := newProbeTarget(t, answerCanary)
	t.Cleanup(shutdown)

	reg := upstream.NewRegistry()
	_, err := reg.Add(upstream.Spec{Name: "probe-me", Kind: "udp", Address: addr}, time.Second, 0)
	require.NoError(t, err)
	t.Cleanup(reg.Close)

	// With probing enabled the upstream starts unavailable.
	tr := health.NewTracker([]string{"probe-me"}, 3, true)
	require.False(t, tr.Available(0))

	ctx, cancel := context.WithCancel(context.Background())
	p := New(reg, tr, 50*time.Millisecond, "dns.quad9.net.", quietLogger())
	p.Start(ctx)
	t.Cleanup(func() {
		cancel()
		p.Wait()
	})

	assert.Eventually(t, func() bool { return tr.Available(0) },
		2*time.Second, 20*time.Millisecond, "probe should mark the upstream available")

	snap := tr.Snapshot(0)
	assert.GreaterOrEqual(t, snap.TotalSuccesses, uint64(1))
}

func TestProber_MarksFailingUpstreamUnavailable(t *testing.T) {
	addr, shutdown := newProbeTarget(t, answerCanary)

	reg := upstream.NewRegistry()
	_, err := reg.Add(upstream.Spec{Name: "probe-me", Kind: "udp", Address: addr}, time.Second, 0)
	require.NoError(t, err)
	t.Cleanup(reg.Close)

	tr := health.NewTracker([]string{"probe-me"}, 3, true)

	ctx, cancel := context.WithCancel(context.Background())
	p := New(reg, tr, 50*time.Millisecond, "dns.quad9.net.", quietLogger())
	p.Start(ctx)
	t.Cleanup(func() {
		cancel()
		p.Wait()
	})

	require.Eventually(t, func() bool { return tr.Available(0) },
		2*time.Second, 20*time.Millisecond)

	// Take the server away; the next probe fails and flips availability.
	shutdown()
	assert.Eventually(t, func() bool { return !tr.Available(0) },
		5*time.Second, 50*time.Millisecond, "failed probe should mark the upstream unavailable")
}

func TestProber_StopsOnContextCancel(t *testing.T) {
	addr, shutdown := newProbeTarget(t, answerCanary)
	t.Cleanup(shutdown)

	reg := upstream.NewRegistry()
	_, err := reg.Add(upstream.Spec{Name: "probe-me", Kind: "udp", Address: addr}, time.Second, 0)
	require.NoError(t, err)
	t.Cleanup(reg.Close)

	tr := health.NewTracker([]string{"probe-me"}, 3, true)

	ctx, cancel := context.WithCancel(context.Background())
	p := New(reg, tr, 50*time.Millisecond, "dns.quad9.net.", quietLogger())
	p.Start(ctx)

	cancel()

	done := make(chan struct{})
	go func() {
		p.Wait()
		close(done)
	}()
	select {
	case <-done:
	case <-time.After(2 * time.Second):
		t.Fatal("prober did not stop after context cancellation")
	}
}
