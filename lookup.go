package resolver

import (
	"context"
	"net"

	"github.com/miekg/dns"
)

// LookupA resolves the IPv4 addresses of a domain.
func (r *Resolver) LookupA(ctx context.Context, domain string) ([]net.IP, error) {
	resp, err := r.Query(ctx, &QueryRequest{Domain: domain, Type: dns.TypeA})
	if err != nil {
		return nil, err
	}
	return resp.IPAddresses(), nil
}

// LookupAAAA resolves the IPv6 addresses of a domain.
func (r *Resolver) LookupAAAA(ctx context.Context, domain string) ([]net.IP, error) {
	resp, err := r.Query(ctx, &QueryRequest{Domain: domain, Type: dns.TypeAAAA})
	if err != nil {
		return nil, err
	}
	return resp.IPAddresses(), nil
}

// LookupMX resolves the mail exchangers of a domain, in record order.
func (r *Resolver) LookupMX(ctx context.Context, domain string) ([]*dns.MX, error) {
	resp, err := r.Query(ctx, &QueryRequest{Domain: domain, Type: dns.TypeMX})
	if err != nil {
		return nil, err
	}
	var mxs []*dns.MX
	for _, rr := range resp.Records {
		if mx, ok := rr.(*dns.MX); ok {
			mxs = append(mxs, mx)
		}
	}
	return mxs, nil
}

// LookupTXT resolves the TXT strings of a domain.
func (r *Resolver) LookupTXT(ctx context.Context, domain string) ([]string, error) {
	resp, err := r.Query(ctx, &QueryRequest{Domain: domain, Type: dns.TypeTXT})
	if err != nil {
		return nil, err
	}
	var txts []string
	for _, rr := range resp.Records {
		if txt, ok := rr.(*dns.TXT); ok {
			txts = append(txts, txt.Txt...)
		}
	}
	return txts, nil
}
