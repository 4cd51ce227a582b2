package transport

import (
	"bytes"
	"context"
	"crypto/tls"
	"encoding/base64"
	"io"
	"mime"
	"net/http"
	"strings"
	"time"

	"github.com/miekg/dns"
)

// MIME type for DNS-over-HTTPS request and response bodies (RFC 8484).
const dohContentType = "application/dns-message"

// DoH methods.
const (
	MethodGET  = "GET"
	MethodPOST = "POST"
)

// DoH exchanges queries over DNS-over-HTTPS (RFC 8484). GET encodes the wire
// query as base64url in the dns query parameter; POST sends it as the request
// body. Connection reuse is handled by the underlying http.Client.
type DoH struct {
	url    string
	method string
	client *http.Client
}

// NewDoH returns a DoH transport for the given https URL.
func NewDoH(url, method string, skipVerify bool, idleTimeout time.Duration) *DoH {
	if method != MethodPOST {
		method = MethodGET
	}
	if idleTimeout <= 0 {
		idleTimeout = defaultIdleTimeout
	}
	return &DoH{
		url:    url,
		method: method,
		client: &http.Client{
			Transport: &http.Transport{
				TLSClientConfig: &tls.Config{
					MinVersion:         tls.VersionTLS12,
					InsecureSkipVerify: skipVerify,
				},
				IdleConnTimeout:     idleTimeout,
				TLSHandshakeTimeout: defaultConnectTimeout,
			},
		},
	}
}

// Kind implements Transport.
func (d *DoH) Kind() string { return KindDoH }

// Exchange implements Transport.
func (d *DoH) Exchange(ctx context.Context, msg *dns.Msg) (*dns.Msg, time.Duration, error) {
	wire, err := msg.Pack()
	if err != nil {
		return nil, 0, &Error{Kind: ErrProtocol, Msg: "packing query", Err: err}
	}

	var req *http.Request
	if d.method == MethodPOST {
		req, err = http.NewRequestWithContext(ctx, http.MethodPost, d.url, bytes.NewReader(wire))
		if err == nil {
			req.Header.Set("Content-Type", dohContentType)
		}
	} else {
		b64 := base64.RawURLEncoding.EncodeToString(wire)
		sep := "?"
		if strings.Contains(d.url, "?") {
			sep = "&"
		}
		req, err = http.NewRequestWithContext(ctx, http.MethodGet, d.url+sep+"dns="+b64, nil)
	}
	if err != nil {
		return nil, 0, &Error{Kind: ErrProtocol, Msg: d.url, Err: err}
	}
	req.Header.Set("Accept", dohContentType)

	start := time.Now()
	resp, err := d.client.Do(req)
	rtt := time.Since(start)
	if err != nil {
		return nil, rtt, wrapErr(err, d.url)
	}
	defer func() { _ = resp.Body.Close() }()

	// An HTTP-level failure is a transport error, not a DNS error.
	if resp.StatusCode < 200 || resp.StatusCode > 299 {
		return nil, rtt, &Error{Kind: ErrHTTP, Status: resp.StatusCode, Msg: d.url}
	}
	if ct, _, _ := mime.ParseMediaType(resp.Header.Get("Content-Type")); ct != dohContentType {
		return nil, rtt, &Error{Kind: ErrProtocol, Msg: "unexpected content type " + ct}
	}

	body, err := io.ReadAll(resp.Body)
	if err != nil {
		return nil, rtt, wrapErr(err, d.url)
	}

	reply := new(dns.Msg)
	if err := reply.Unpack(body); err != nil {
		return nil, rtt, &Error{Kind: ErrProtocol, Msg: "unpacking reply", Err: err}
	}
	return reply, rtt, nil
}

// Close implements Transport.
func (d *DoH) Close() error {
	d.client.CloseIdleConnections()
	return nil
}
