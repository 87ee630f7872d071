package domain

import "errors"

var (
	// ErrMalformedMessage is returned when bytes cannot be decoded as a DNS message.
	ErrMalformedMessage = errors.New("malformed DNS message")
	// ErrTimeout is returned when no upstream answered before the deadline.
	ErrTimeout = errors.New("upstream timeout")
	// ErrUpstreamUnreachable is returned when every upstream is unavailable.
	ErrUpstreamUnreachable = errors.New("no upstream available")
	// ErrMalformedResponse is returned when an upstream reply cannot be decoded.
	ErrMalformedResponse = errors.New("malformed upstream response")
	// ErrResponseMismatch is returned when an upstream reply does not answer the query sent.
	ErrResponseMismatch = errors.New("upstream response does not match query")
	// ErrRewriteLoopDetected is returned when a rewrite chain revisits a name or grows too deep.
	ErrRewriteLoopDetected = errors.New("rewrite loop detected")
)
