package cache

import (
	"fmt"
	"net"
	"testing"
	"time"

	"github.com/miekg/dns"
)

func newAnswer(name string, ttl uint32) *dns.Msg {
	msg := new(dns.Msg)
	msg.SetQuestion(name, dns.TypeA)
	msg.Response = true
	msg.Answer = append(msg.Answer, &dns.A{
		Hdr: dns.RR_Header{Name: name, Rrtype: dns.TypeA, Class: dns.ClassINET, Ttl: ttl},
		A:   net.ParseIP("192.0.2.1"),
	})
	return msg
}

func TestCache_GetAndSet(t *testing.T) {
	c := New(Config{MaxEntries: 16, MaxTTL: time.Hour, NegativeTTL: 30 * time.Second})
	defer c.Stop()

	if _, ok := c.Get("example.com.:1:1"); ok {
		t.Error("expected miss on empty cache")
	}

	c.Set("example.com.:1:1", newAnswer("example.com.", 300))
	msg, ok := c.Get("example.com.:1:1")
	if !ok {
		t.Fatal("expected hit after set")
	}
	if len(msg.Answer) != 1 {
		t.Errorf("expected 1 answer, got %d", len(msg.Answer))
	}

	// The returned message is a copy; mutating it must not corrupt the
	// cached entry.
	msg.Answer = nil
	again, ok := c.Get("example.com.:1:1")
	if !ok || len(again.Answer) != 1 {
		t.Error("cached entry was corrupted by caller mutation")
	}
}

func TestCache_TTLExpiry(t *testing.T) {
	c := New(Config{MaxEntries: 16, MaxTTL: time.Hour, NegativeTTL: 30 * time.Second})
	defer c.Stop()

	c.Set("short.example.:1:1", newAnswer("short.example.", 1))
	if _, ok := c.Get("short.example.:1:1"); !ok {
		t.Fatal("expected hit within ttl")
	}

	time.Sleep(1100 * time.Millisecond)
	if _, ok := c.Get("short.example.:1:1"); ok {
		t.Error("expected lazy eviction after ttl expiry")
	}
}

func TestCache_MaxTTLClamp(t *testing.T) {
	c := New(Config{MaxEntries: 16, MaxTTL: time.Second, NegativeTTL: 30 * time.Second})
	defer c.Stop()

	// Answer TTL of one hour, clamped to one second.
	c.Set("clamp.example.:1:1", newAnswer("clamp.example.", 3600))
	time.Sleep(1100 * time.Millisecond)
	if _, ok := c.Get("clamp.example.:1:1"); ok {
		t.Error("expected entry to expire at the clamped ttl")
	}
}

func TestCache_ZeroTTLNotStored(t *testing.T) {
	c := New(Config{MaxEntries: 16, MaxTTL: time.Hour, NegativeTTL: 30 * time.Second})
	defer c.Stop()

	c.Set("zero.example.:1:1", newAnswer("zero.example.", 0))
	if _, ok := c.Get("zero.example.:1:1"); ok {
		t.Error("zero-ttl answer must not be cached")
	}
}

func TestCache_NegativeUsesSOAMinimum(t *testing.T) {
	c := New(Config{MaxEntries: 16, MaxTTL: time.Hour, NegativeTTL: time.Hour})
	defer c.Stop()

	msg := new(dns.Msg)
	msg.SetQuestion("missing.example.", dns.TypeA)
	msg.Response = true
	msg.Rcode = dns.RcodeNameError
	msg.Ns = append(msg.Ns, &dns.SOA{
		Hdr:    dns.RR_Header{Name: "example.", Rrtype: dns.TypeSOA, Class: dns.ClassINET, Ttl: 1},
		Ns:     "ns.example.",
		Mbox:   "host.example.",
		Minttl: 1,
	})

	c.Set("missing.example.:1:1", msg)
	if _, ok := c.Get("missing.example.:1:1"); !ok {
		t.Fatal("expected negative entry to be cached")
	}

	time.Sleep(1100 * time.Millisecond)
	if _, ok := c.Get("missing.example.:1:1"); ok {
		t.Error("expected negative entry to expire at the SOA minimum")
	}
}

func TestCache_NegativeFallsBackToConfiguredTTL(t *testing.T) {
	c := New(Config{MaxEntries: 16, MaxTTL: time.Hour, NegativeTTL: time.Hour})
	defer c.Stop()

	msg := new(dns.Msg)
	msg.SetQuestion("nodata.example.", dns.TypeAAAA)
	msg.Response = true

	c.Set("nodata.example.:28:1", msg)
	if _, ok := c.Get("nodata.example.:28:1"); !ok {
		t.Error("expected NODATA answer to be cached with the configured negative ttl")
	}
}

func TestCache_LRUEviction(t *testing.T) {
	// numShards entries in total keep each shard at capacity one.
	c := New(Config{MaxEntries: numShards, MaxTTL: time.Hour, NegativeTTL: time.Minute})
	defer c.Stop()

	// Two keys landing in the same shard force an eviction of the older
	// one. Find such a pair by brute force.
	base := c.shard("a0.example.:1:1")
	var second string
	for i := 1; i < 256; i++ {
		key := fmt.Sprintf("a%d.example.:1:1", i)
		if c.shard(key) == base {
			second = key
			break
		}
	}
	if second == "" {
		t.Fatal("no colliding key found")
	}

	c.Set("a0.example.:1:1", newAnswer("a0.example.", 300))
	c.Set(second, newAnswer("colliding.example.", 300))

	if _, ok := c.Get("a0.example.:1:1"); ok {
		t.Error("expected least recently used entry to be evicted")
	}
	if _, ok := c.Get(second); !ok {
		t.Error("expected newest entry to survive")
	}
}

func TestCache_Remove(t *testing.T) {
	c := New(Config{MaxEntries: 16, MaxTTL: time.Hour, NegativeTTL: time.Minute})
	defer c.Stop()

	c.Set("gone.example.:1:1", newAnswer("gone.example.", 300))
	c.Remove("gone.example.:1:1")
	if _, ok := c.Get("gone.example.:1:1"); ok {
		t.Error("expected entry to be removed")
	}
	if c.Len() != 0 {
		t.Errorf("expected empty cache, got %d entries", c.Len())
	}
}
