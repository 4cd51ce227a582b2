package resolver

import (
	"fmt"
	"strings"
)

// ErrorKind classifies resolver errors.
type ErrorKind int

// Resolver error kinds.
const (
	// ErrConfig signals missing or invalid configuration at build time.
	ErrConfig ErrorKind = iota
	// ErrInvalidRequest signals a malformed domain or unsupported type.
	ErrInvalidRequest
	// ErrNoUpstreamAvailable signals an empty selection plan.
	ErrNoUpstreamAvailable
	// ErrAllUpstreamsFailed signals that every planned upstream failed.
	ErrAllUpstreamsFailed
	// ErrTimeout signals that the overall query timeout was exceeded.
	ErrTimeout
	// ErrProtocol signals a reply that failed validation.
	ErrProtocol
	// ErrServFail signals that every planned upstream answered SERVFAIL.
	ErrServFail
)

func (k ErrorKind) String() string {
	switch k {
	case ErrConfig:
		return "config"
	case ErrInvalidRequest:
		return "invalid request"
	case ErrNoUpstreamAvailable:
		return "no upstream available"
	case ErrAllUpstreamsFailed:
		return "all upstreams failed"
	case ErrTimeout:
		return "timeout"
	case ErrProtocol:
		return "protocol"
	case ErrServFail:
		return "servfail"
	default:
		return "unknown"
	}
}

// DNSError is the error type surfaced by Query and BatchQuery.
type DNSError struct {
	Kind    ErrorKind
	Message string

	// UpstreamIDs lists the upstreams attempted before the error.
	UpstreamIDs []int

	// Emergency is set when every upstream in the selection plan failed.
	// It covers only the upstreams the plan attempted: AllFailed is true
	// and FailedUpstreams holds one entry per attempted upstream.
	Emergency *EmergencyInfo

	Err error
}

func (e *DNSError) Error() string {
	var b strings.Builder
	b.WriteString("resolver: ")
	b.WriteString(e.Kind.String())
	if e.Message != "" {
		b.WriteString(": ")
		b.WriteString(e.Message)
	}
	if e.Err != nil {
		b.WriteString(": ")
		b.WriteString(e.Err.Error())
	}
	return b.String()
}

func (e *DNSError) Unwrap() error { return e.Err }

// ConfigError reports mandatory builder fields that were never set.
type ConfigError struct {
	Missing []string
	Message string
}

func (e *ConfigError) Error() string {
	if len(e.Missing) > 0 {
		return fmt.Sprintf("resolver: config: missing required fields: %s", strings.Join(e.Missing, ", "))
	}
	return "resolver: config: " + e.Message
}
