// Package transport implements the per-upstream exchange primitives: plain
// UDP, plain TCP, DNS-over-TLS and DNS-over-HTTPS. A Transport sends one DNS
// message to its configured server and returns the reply, the measured round
// trip time, or a typed *Error.
package transport

import (
	"context"
	"errors"
	"fmt"
	"net"
	"time"

	"github.com/miekg/dns"
)

// Transport kinds.
const (
	KindUDP = "udp"
	KindTCP = "tcp"
	KindDoT = "dot"
	KindDoH = "doh"
)

const (
	// DefaultUDPPayload is the receive buffer size for UDP replies when
	// none is configured.
	DefaultUDPPayload = 1232

	defaultConnectTimeout = 5 * time.Second
	defaultIdleTimeout    = 30 * time.Second
)

// Transport sends a single DNS query to one upstream server.
type Transport interface {
	// Exchange sends msg and returns the reply together with the measured
	// round trip time. The context deadline bounds the whole exchange.
	Exchange(ctx context.Context, msg *dns.Msg) (*dns.Msg, time.Duration, error)

	// Kind returns the transport kind (udp, tcp, dot, doh).
	Kind() string

	// Close releases pooled connections. The transport must not be used
	// afterwards.
	Close() error
}

// ErrKind classifies transport errors.
type ErrKind int

// Transport error kinds.
const (
	ErrIO ErrKind = iota
	ErrTimeout
	ErrTLSHandshake
	ErrHTTP
	ErrTruncated
	ErrProtocol
)

func (k ErrKind) String() string {
	switch k {
	case ErrTimeout:
		return "timeout"
	case ErrTLSHandshake:
		return "tls handshake"
	case ErrHTTP:
		return "http"
	case ErrTruncated:
		return "truncated"
	case ErrProtocol:
		return "protocol"
	default:
		return "io"
	}
}

// Error is a typed transport failure.
type Error struct {
	Kind ErrKind

	// Status holds the HTTP status code for ErrHTTP errors.
	Status int

	// Reply holds the truncated reply for ErrTruncated errors, so the
	// caller can decide whether to retry over TCP or use it as-is.
	Reply *dns.Msg

	Msg string
	Err error
}

func (e *Error) Error() string {
	switch {
	case e.Kind == ErrHTTP:
		return fmt.Sprintf("transport: http status %d", e.Status)
	case e.Err != nil && e.Msg != "":
		return fmt.Sprintf("transport: %s: %s: %s", e.Kind, e.Msg, e.Err)
	case e.Err != nil:
		return fmt.Sprintf("transport: %s: %s", e.Kind, e.Err)
	default:
		return fmt.Sprintf("transport: %s: %s", e.Kind, e.Msg)
	}
}

func (e *Error) Unwrap() error { return e.Err }

// IsTimeout reports whether err is a transport timeout.
func IsTimeout(err error) bool {
	var terr *Error
	return errors.As(err, &terr) && terr.Kind == ErrTimeout
}

// IsTruncated reports whether err signals a truncated UDP reply.
func IsTruncated(err error) bool {
	var terr *Error
	return errors.As(err, &terr) && terr.Kind == ErrTruncated
}

// wrapErr classifies an exchange error into a typed *Error.
func wrapErr(err error, msg string) *Error {
	var terr *Error
	if errors.As(err, &terr) {
		return terr
	}

	kind := ErrIO
	var nerr net.Error
	switch {
	case errors.Is(err, context.DeadlineExceeded):
		kind = ErrTimeout
	case errors.As(err, &nerr) && nerr.Timeout():
		kind = ErrTimeout
	}
	return &Error{Kind: kind, Msg: msg, Err: err}
}

// exchangeTimeout derives the remaining time budget from the context.
func exchangeTimeout(ctx context.Context) time.Duration {
	deadline, ok := ctx.Deadline()
	if !ok {
		return defaultConnectTimeout
	}
	timeout := time.Until(deadline)
	if timeout <= 0 {
		timeout = time.Millisecond
	}
	return timeout
}
