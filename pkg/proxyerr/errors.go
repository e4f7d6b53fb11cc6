// Package proxyerr defines the single error taxonomy surfaced by every
// layer of the proxy: the header codec, the connection handler, the
// listener, and the binding registry.
package proxyerr

import (
	"errors"
	"fmt"
)

// Kind categorizes an Error so callers can branch on failure class without
// string-matching messages.
type Kind string

const (
	// Io covers underlying network/OS errors not otherwise classified.
	Io Kind = "io"
	// ParseError covers a malformed HTTP preamble.
	ParseError Kind = "parse_error"
	// PreambleTooLarge covers a preamble exceeding codec.MaxPreambleBytes
	// before the CRLFCRLF terminator was seen.
	PreambleTooLarge Kind = "preamble_too_large"
	// InvalidEncoding covers header bytes that are not valid UTF-8 where
	// text is required.
	InvalidEncoding Kind = "invalid_encoding"
	// BadUpstream covers an upstream URL that fails to parse or lacks a host.
	BadUpstream Kind = "bad_upstream"
	// BindFailed covers the OS refusing to bind a listener's port.
	BindFailed Kind = "bind_failed"
	// PortInUse covers a registry-level duplicate create.
	PortInUse Kind = "port_in_use"
	// NoSuchBinding covers update/delete against an absent port.
	NoSuchBinding Kind = "no_such_binding"
	// UpstreamClosed covers the peer closing before a required response
	// preamble completed.
	UpstreamClosed Kind = "upstream_closed"
)

// Error is the concrete error type returned by every exported operation in
// this module. It always carries a Kind, and Cause is populated whenever
// the failure has an underlying error.
type Error struct {
	Kind    Kind
	Message string
	Cause   error
}

// New builds an Error of the given kind with no underlying cause.
func New(kind Kind, message string) *Error {
	return &Error{Kind: kind, Message: message}
}

// Wrap builds an Error of the given kind around an underlying cause.
func Wrap(kind Kind, message string, cause error) *Error {
	return &Error{Kind: kind, Message: message, Cause: cause}
}

// Error implements the error interface.
func (e *Error) Error() string {
	if e.Cause != nil {
		return fmt.Sprintf("%s: %s: %v", e.Kind, e.Message, e.Cause)
	}
	return fmt.Sprintf("%s: %s", e.Kind, e.Message)
}

// Unwrap exposes the underlying cause for errors.Is/errors.As.
func (e *Error) Unwrap() error {
	return e.Cause
}

// Is reports whether target is an *Error of the same Kind. This lets
// callers write errors.Is(err, proxyerr.New(proxyerr.PortInUse, "")) or,
// more commonly, use the Of helper below.
func (e *Error) Is(target error) bool {
	t, ok := target.(*Error)
	if !ok {
		return false
	}
	return e.Kind == t.Kind
}

// Of reports whether err is a *proxyerr.Error of the given kind.
func Of(err error, kind Kind) bool {
	var pe *Error
	if !errors.As(err, &pe) {
		return false
	}
	return pe.Kind == kind
}
