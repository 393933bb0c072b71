package relay

import "errors"

var (
	// ErrConnectTimeout is returned when the upstream transport did not open
	// within the configured connect timeout.
	ErrConnectTimeout = errors.New("relay: upstream connect timed out")

	// ErrTransport is returned when the upstream refused or dropped the
	// transport, or when the dial circuit breaker is open.
	ErrTransport = errors.New("relay: upstream transport error")

	// ErrNotReady is returned by sends attempted before the upstream has
	// announced the session.
	ErrNotReady = errors.New("relay: session not ready")

	// ErrMalformedEvent is returned for payloads that are not a JSON object
	// with a non-empty type.
	ErrMalformedEvent = errors.New("relay: malformed event")
)
