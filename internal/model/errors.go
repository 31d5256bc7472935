package model

import "errors"

var (
	// ErrContentRequired is returned when a message submission is missing content.
	ErrContentRequired = errors.New("content is required")

	// ErrUnauthorized is returned when a connection's user identity cannot be established.
	ErrUnauthorized = errors.New("unauthorized")

	// ErrAlreadyRegistered is returned when the same connection ID is registered twice.
	ErrAlreadyRegistered = errors.New("connection already registered")

	// ErrTransientBackpressure is returned when a delivery attempt fails because the
	// connection's send buffer is momentarily full. Callers may retry.
	ErrTransientBackpressure = errors.New("transient backpressure")

	// ErrConnectionClosed is returned when delivery is attempted on a closed connection.
	ErrConnectionClosed = errors.New("connection closed")

	// ErrStoreUnavailable is returned when the message store cannot be reached.
	ErrStoreUnavailable = errors.New("message store unavailable")
)
