package resolver

import (
	"net"
	"testing"

	"github.com/miekg/dns"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func findSubnetOption(t *testing.T, msg *dns.Msg) *dns.EDNS0_SUBNET {
	t.Helper()

	opt := msg.IsEdns0()
	require.NotNil(t, opt, "expected an OPT record")
	for _, o := range opt.Option {
		if ecs, ok := o.(*dns.EDNS0_SUBNET); ok {
			return ecs
		}
	}
	t.Fatal("no client subnet option in OPT record")
	return nil
}

func TestBuildQuery_SetsIDAndRecursion(t *testing.T) {
	r := buildResolver(t, testBuilder().AddUDP("primary", "127.0.0.1:1"))

	msg := r.buildQuery("example.com.", dns.TypeA, &QueryRequest{})
	assert.NotZero(t, msg.Id)
	assert.True(t, msg.RecursionDesired)
	assert.Nil(t, msg.IsEdns0(), "no OPT without EnableEDNS")
}

func TestBuildQuery_EDNSPayloadSize(t *testing.T) {
	r := buildResolver(t, testBuilder().AddUDP("primary", "127.0.0.1:1"))

	msg := r.buildQuery("example.com.", dns.TypeA, &QueryRequest{EnableEDNS: true})
	opt := msg.IsEdns0()
	require.NotNil(t, opt)
	assert.Equal(t, uint16(1232), opt.UDPSize())
}

func TestBuildQuery_ECSv4(t *testing.T) {
	r := buildResolver(t, testBuilder().AddUDP("primary", "127.0.0.1:1"))

	msg := r.buildQuery("example.com.", dns.TypeA, &QueryRequest{
		EnableEDNS:    true,
		ClientAddress: net.ParseIP("192.0.2.33"),
	})

	ecs := findSubnetOption(t, msg)
	assert.Equal(t, uint16(1), ecs.Family)
	assert.Equal(t, uint8(24), ecs.SourceNetmask)
	// Address bits beyond the /24 prefix are zeroed: c0 00 02 00.
	assert.Equal(t, net.IP{0xc0, 0x00, 0x02, 0x00}, ecs.Address.To4())
}

func TestBuildQuery_ECSv6(t *testing.T) {
	r := buildResolver(t, testBuilder().AddUDP("primary", "127.0.0.1:1"))

	msg := r.buildQuery("example.com.", dns.TypeAAAA, &QueryRequest{
		EnableEDNS:    true,
		ClientAddress: net.ParseIP("2001:db8:aaaa:bbbb:cccc:dddd:eeee:ffff"),
	})

	ecs := findSubnetOption(t, msg)
	assert.Equal(t, uint16(2), ecs.Family)
	assert.Equal(t, uint8(56), ecs.SourceNetmask)
	expected := net.ParseIP("2001:db8:aaaa:bb00::").To16()
	assert.Equal(t, expected, ecs.Address.To16())
}

func TestBuildQuery_CustomECSPrefix(t *testing.T) {
	r := buildResolver(t, testBuilder().
		WithECSPrefixes(16, 48).
		AddUDP("primary", "127.0.0.1:1"))

	msg := r.buildQuery("example.com.", dns.TypeA, &QueryRequest{
		EnableEDNS:    true,
		ClientAddress: net.ParseIP("192.0.2.33"),
	})

	ecs := findSubnetOption(t, msg)
	assert.Equal(t, uint8(16), ecs.SourceNetmask)
	assert.Equal(t, net.IP{0xc0, 0x00, 0x00, 0x00}, ecs.Address.To4())
}

func TestNormalizeRequest_LowercasesAndQualifies(t *testing.T) {
	fqdn, qtype, err := normalizeRequest(&QueryRequest{Domain: "Example.COM"})
	require.NoError(t, err)
	assert.Equal(t, "example.com.", fqdn)
	assert.Equal(t, dns.TypeA, qtype)

	fqdn, qtype, err = normalizeRequest(&QueryRequest{Domain: "example.com.", Type: dns.TypeMX})
	require.NoError(t, err)
	assert.Equal(t, "example.com.", fqdn)
	assert.Equal(t, dns.TypeMX, qtype)
}

func TestCacheKey_IncludesTypeAndClass(t *testing.T) {
	a := cacheKey("example.com.", dns.TypeA)
	aaaa := cacheKey("example.com.", dns.TypeAAAA)
	assert.NotEqual(t, a, aaaa)
	assert.Equal(t, "example.com.:1:1", a)
}
