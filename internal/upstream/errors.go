package upstream

import (
	"context"
	"errors"
	"fmt"
	"net"
	"syscall"
)

type ErrorKind string

const (
	KindUnreachable ErrorKind = "unreachable"
	KindTimeout     ErrorKind = "timeout"
	KindProtocol    ErrorKind = "protocol"
)

// TransportError is returned when no usable response came back from a backend.
// It names the logical backend, never its address.
type TransportError struct {
	Backend string
	Kind    ErrorKind
	Err     error
}

func (e *TransportError) Error() string {
	return fmt.Sprintf("%s backend %s: %v", e.Backend, e.Kind, e.Err)
}

func (e *TransportError) Unwrap() error {
	return e.Err
}

// KindOf returns the kind of a TransportError anywhere in the chain of err.
func KindOf(err error) (ErrorKind, bool) {
	var te *TransportError
	if errors.As(err, &te) {
		return te.Kind, true
	}

	return "", false
}

func classify(err error) ErrorKind {
	if errors.Is(err, context.DeadlineExceeded) {
		return KindTimeout
	}

	var netErr net.Error
	if errors.As(err, &netErr) && netErr.Timeout() {
		return KindTimeout
	}

	var dnsErr *net.DNSError
	if errors.As(err, &dnsErr) {
		return KindUnreachable
	}

	if errors.Is(err, syscall.ECONNREFUSED) || errors.Is(err, syscall.EHOSTUNREACH) || errors.Is(err, syscall.ENETUNREACH) {
		return KindUnreachable
	}

	var opErr *net.OpError
	if errors.As(err, &opErr) && opErr.Op == "dial" {
		return KindUnreachable
	}

	return KindProtocol
}
