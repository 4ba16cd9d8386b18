// SPDX-FileCopyrightText: 2026 The meshwire Authors
// SPDX-License-Identifier: Apache-2.0

// Package fault defines the error taxonomy shared by every layer of the
// library.  Errors carry a Kind plus an optional transport-specific cause;
// two errors are equal when both the kind and the cause match.
package fault

import (
	"context"
	"crypto/tls"
	"crypto/x509"
	"errors"
	"fmt"
	"io"
	"net"
	"os"
	"syscall"
)

// Kind enumerates the error categories surfaced to users.
type Kind int

const (
	OK Kind = iota
	ECONNREFUSED
	ETIMEDOUT
	ECONNRESET
	EALREADY
	ENOTCONN
	EINVAL
	ENOMEM
	// EWS marks a failed WebSocket handshake or protocol violation.
	EWS
	// EX509 marks a certificate verification or TLS handshake failure.
	EX509
	ECANCELED
)

var kindNames = map[Kind]string{
	OK:           "ok",
	ECONNREFUSED: "connection refused",
	ETIMEDOUT:    "timed out",
	ECONNRESET:   "connection reset",
	EALREADY:     "already in progress",
	ENOTCONN:     "not connected",
	EINVAL:       "invalid argument",
	ENOMEM:       "out of memory",
	EWS:          "websocket failure",
	EX509:        "certificate failure",
	ECANCELED:    "canceled",
}

func (k Kind) String() string {
	if s, ok := kindNames[k]; ok {
		return s
	}
	return fmt.Sprintf("unknown kind (%d)", int(k))
}

// Error implements the error interface for a Kind.  This lets bare kinds act
// as sentinels for errors.Is comparisons.
func (k Kind) Error() string {
	return k.String()
}

// Error pairs a Kind with the underlying cause, when one exists.
type Error struct {
	Kind Kind
	Sub  error
}

// New builds an Error of the given kind with an optional cause.
func New(kind Kind, sub ...error) *Error {
	e := &Error{Kind: kind}
	if len(sub) > 0 {
		e.Sub = sub[0]
	}
	return e
}

func (e *Error) Error() string {
	if e.Sub == nil {
		return e.Kind.String()
	}
	return fmt.Sprintf("%s: %s", e.Kind, e.Sub)
}

func (e *Error) Unwrap() error {
	return e.Sub
}

// Is reports equality against a bare Kind sentinel or another *Error.  A bare
// kind matches any error of that kind; two *Errors match only when the kind
// and the cause both match.
func (e *Error) Is(target error) bool {
	switch t := target.(type) {
	case Kind:
		return e.Kind == t
	case *Error:
		if e.Kind != t.Kind {
			return false
		}
		if t.Sub == nil {
			return e.Sub == nil
		}
		return errors.Is(e.Sub, t.Sub)
	}
	return false
}

// KindOf extracts the Kind from err, classifying foreign errors as needed.
// A nil error is OK.
func KindOf(err error) Kind {
	if err == nil {
		return OK
	}

	var fe *Error
	if errors.As(err, &fe) {
		return fe.Kind
	}
	if k, ok := err.(Kind); ok { //nolint:errorlint // bare sentinel
		return k
	}
	return classify(err)
}

// From wraps an arbitrary error into an *Error, classifying stdlib network,
// TLS, and context errors into the taxonomy.  A nil error stays nil.
func From(err error) error {
	if err == nil {
		return nil
	}
	var fe *Error
	if errors.As(err, &fe) {
		return fe
	}
	return New(classify(err), err)
}

func classify(err error) Kind {
	switch {
	case errors.Is(err, syscall.ECONNREFUSED):
		return ECONNREFUSED
	case errors.Is(err, syscall.ECONNRESET),
		errors.Is(err, syscall.EPIPE),
		errors.Is(err, io.EOF),
		errors.Is(err, io.ErrUnexpectedEOF),
		errors.Is(err, net.ErrClosed):
		return ECONNRESET
	case errors.Is(err, syscall.ETIMEDOUT),
		errors.Is(err, os.ErrDeadlineExceeded),
		errors.Is(err, context.DeadlineExceeded):
		return ETIMEDOUT
	case errors.Is(err, context.Canceled):
		return ECANCELED
	case errors.Is(err, syscall.ENOTCONN):
		return ENOTCONN
	case errors.Is(err, syscall.EINVAL):
		return EINVAL
	case errors.Is(err, syscall.ENOMEM):
		return ENOMEM
	}

	var (
		certErr   *tls.CertificateVerificationError
		recordErr tls.RecordHeaderError
		unkAuth   x509.UnknownAuthorityError
		hostErr   x509.HostnameError
		invErr    x509.CertificateInvalidError
	)
	if errors.As(err, &certErr) || errors.As(err, &unkAuth) ||
		errors.As(err, &hostErr) || errors.As(err, &invErr) ||
		errors.As(err, &recordErr) {
		return EX509
	}

	var nerr net.Error
	if errors.As(err, &nerr) && nerr.Timeout() {
		return ETIMEDOUT
	}

	var operr *net.OpError
	if errors.As(err, &operr) {
		return ECONNRESET
	}

	return EINVAL
}
