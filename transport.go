package toolhost

import (
	"context"
	"iter"
)

// Session represents one bidirectional message stream to a running tool
// server. A session is created by a Dialer when a connection is established
// and is owned by that connection until Stop is called.
type Session interface {
	// ID returns the unique identifier for this session.
	ID() string

	// Send transmits a message to the tool server.
	Send(ctx context.Context, msg JSONRPCMessage) error

	// Messages returns an iterator that yields messages received from the
	// tool server. The iteration ends when the underlying stream is closed,
	// whether by Stop or by the server going away.
	Messages() iter.Seq[JSONRPCMessage]

	// Stop tears down the session and releases the underlying stream. For
	// subprocess-backed sessions this terminates the child process. The
	// caller is guaranteed to call this method at most once.
	Stop()
}

// Dialer establishes a Session for a registered server configuration. The
// default dialer spawns a subprocess and frames messages over its stdio, or
// opens an SSE stream depending on the configured transport. Custom dialers
// are mainly useful for tests and in-process servers.
type Dialer func(ctx context.Context, cfg ServerConfig) (Session, error)
