package toolhost

import "errors"

var (
	// ErrServerNotFound is returned when a connection id does not match any
	// registered server.
	ErrServerNotFound = errors.New("server not found")

	// ErrNotConnected is returned by call operations when the target
	// connection is not in the connected state. No I/O is attempted.
	ErrNotConnected = errors.New("not connected")

	// ErrRequestTimeout is returned when a tool server does not answer a
	// request within the request timeout. The connection itself stays up.
	ErrRequestTimeout = errors.New("request timeout")

	// ErrConnectionClosed rejects every request still pending when its
	// connection is torn down, whether by Disconnect or by the subprocess
	// exiting underneath us.
	ErrConnectionClosed = errors.New("connection closed")
)
