package resolver

import (
	"net"

	"github.com/miekg/dns"
)

// buildQuery constructs the wire query for one request: random transaction
// id, RD set, and optionally an OPT record advertising the configured UDP
// payload size with an EDNS Client Subnet option.
func (r *Resolver) buildQuery(fqdn string, qtype uint16, req *QueryRequest) *dns.Msg {
	msg := new(dns.Msg)
	msg.SetQuestion(fqdn, qtype)
	msg.Id = dns.Id()
	msg.RecursionDesired = true

	if !req.EnableEDNS {
		return msg
	}

	opt := &dns.OPT{Hdr: dns.RR_Header{Name: ".", Rrtype: dns.TypeOPT}}
	opt.SetUDPSize(r.cfg.BufferSize)

	if req.ClientAddress != nil {
		if ecs := r.buildECS(req.ClientAddress); ecs != nil {
			opt.Option = append(opt.Option, ecs)
		}
	}

	msg.Extra = append(msg.Extra, opt)
	return msg
}

// buildECS builds the client subnet option (RFC 7871, option code 8). The
// address is truncated to the configured prefix so bits beyond it are never
// sent upstream.
func (r *Resolver) buildECS(addr net.IP) *dns.EDNS0_SUBNET {
	ecs := &dns.EDNS0_SUBNET{Code: dns.EDNS0SUBNET}

	if ip4 := addr.To4(); ip4 != nil {
		prefix := r.cfg.ECSPrefixV4
		ecs.Family = 1
		ecs.SourceNetmask = uint8(prefix)
		ecs.Address = ip4.Mask(net.CIDRMask(prefix, 32))
		return ecs
	}

	ip6 := addr.To16()
	if ip6 == nil {
		return nil
	}
	prefix := r.cfg.ECSPrefixV6
	ecs.Family = 2
	ecs.SourceNetmask = uint8(prefix)
	ecs.Address = ip6.Mask(net.CIDRMask(prefix, 128))
	return ecs
}
