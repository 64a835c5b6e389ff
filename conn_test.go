package toolhost

import (
	"context"
	"encoding/json"
	"errors"
	"iter"
	"log/slog"
	"sync"
	"testing"
	"time"
)

// stubSession records sent messages and lets the test inject inbound ones,
// without any real stream underneath.
type stubSession struct {
	sent     chan JSONRPCMessage
	incoming chan JSONRPCMessage
	done     chan struct{}
	stopOnce sync.Once
}

func newStubSession() *stubSession {
	return &stubSession{
		sent:     make(chan JSONRPCMessage, 16),
		incoming: make(chan JSONRPCMessage),
		done:     make(chan struct{}),
	}
}

func (s *stubSession) ID() string { return "stub" }

func (s *stubSession) Send(ctx context.Context, msg JSONRPCMessage) error {
	select {
	case <-ctx.Done():
		return ctx.Err()
	case <-s.done:
		return ErrConnectionClosed
	case s.sent <- msg:
		return nil
	}
}

func (s *stubSession) Messages() iter.Seq[JSONRPCMessage] {
	return func(yield func(JSONRPCMessage) bool) {
		for {
			select {
			case <-s.done:
				return
			case msg := <-s.incoming:
				if !yield(msg) {
					return
				}
			}
		}
	}
}

func (s *stubSession) Stop() {
	s.stopOnce.Do(func() { close(s.done) })
}

func testConn(timeout time.Duration) *conn {
	return newConn("conn-1", ServerConfig{Name: "stub", Command: "stub"}, timeout, slog.Default())
}

func TestSendRequestTimeoutRemovesPending(t *testing.T) {
	c := testConn(50 * time.Millisecond)
	sess := newStubSession()
	defer sess.Stop()

	_, err := c.sendRequest(context.Background(), sess, MethodToolsCall, struct{}{})
	if !errors.Is(err, ErrRequestTimeout) {
		t.Fatalf("expected ErrRequestTimeout, got %v", err)
	}

	c.pendingMu.Lock()
	n := len(c.pending)
	c.pendingMu.Unlock()
	if n != 0 {
		t.Errorf("pending table must be empty after timeout, has %d entries", n)
	}
}

func TestResponseResolvesExactlyOnce(t *testing.T) {
	c := testConn(time.Second)
	sess := newStubSession()
	defer sess.Stop()

	results := make(chan JSONRPCMessage, 1)
	errs := make(chan error, 1)
	go func() {
		res, err := c.sendRequest(context.Background(), sess, MethodToolsList, struct{}{})
		results <- res
		errs <- err
	}()

	req := <-sess.sent

	response := JSONRPCMessage{
		JSONRPC: JSONRPCVersion,
		ID:      req.ID,
		Result:  json.RawMessage(`{"tools":[]}`),
	}
	c.resolve(response)
	// A duplicate response for the same id must be dropped, not re-delivered.
	c.resolve(response)

	res := <-results
	if err := <-errs; err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if string(res.Result) != `{"tools":[]}` {
		t.Errorf("unexpected result: %s", res.Result)
	}

	c.pendingMu.Lock()
	n := len(c.pending)
	c.pendingMu.Unlock()
	if n != 0 {
		t.Errorf("pending table must be empty after resolution, has %d entries", n)
	}
}

func TestLateResponseAfterTimeoutDropped(t *testing.T) {
	c := testConn(20 * time.Millisecond)
	sess := newStubSession()
	defer sess.Stop()

	_, err := c.sendRequest(context.Background(), sess, MethodToolsCall, struct{}{})
	if !errors.Is(err, ErrRequestTimeout) {
		t.Fatalf("expected ErrRequestTimeout, got %v", err)
	}

	req := <-sess.sent

	// Late arrival: the entry is gone, so this must be silently dropped.
	c.resolve(JSONRPCMessage{
		JSONRPC: JSONRPCVersion,
		ID:      req.ID,
		Result:  json.RawMessage(`{}`),
	})
}

func TestConcurrentCallsCorrelateIndependently(t *testing.T) {
	c := testConn(time.Second)
	sess := newStubSession()
	defer sess.Stop()

	type callResult struct {
		result json.RawMessage
		err    error
	}

	resA := make(chan callResult, 1)
	resB := make(chan callResult, 1)
	go func() {
		res, err := c.sendRequest(context.Background(), sess, MethodToolsCall, map[string]string{"call": "a"})
		resA <- callResult{res.Result, err}
	}()
	go func() {
		res, err := c.sendRequest(context.Background(), sess, MethodToolsCall, map[string]string{"call": "b"})
		resB <- callResult{res.Result, err}
	}()

	reqs := make(map[string]JSONRPCMessage, 2)
	for range 2 {
		req := <-sess.sent
		var params map[string]string
		if err := json.Unmarshal(req.Params, &params); err != nil {
			t.Fatalf("failed to unmarshal params: %v", err)
		}
		reqs[params["call"]] = req
	}

	// Answer in reverse order of arrival with payloads naming the call.
	c.resolve(JSONRPCMessage{
		JSONRPC: JSONRPCVersion,
		ID:      reqs["b"].ID,
		Result:  json.RawMessage(`{"answer":"b"}`),
	})
	c.resolve(JSONRPCMessage{
		JSONRPC: JSONRPCVersion,
		ID:      reqs["a"].ID,
		Result:  json.RawMessage(`{"answer":"a"}`),
	})

	a := <-resA
	if a.err != nil {
		t.Fatalf("call a failed: %v", a.err)
	}
	if string(a.result) != `{"answer":"a"}` {
		t.Errorf("call a received wrong result: %s", a.result)
	}

	b := <-resB
	if b.err != nil {
		t.Fatalf("call b failed: %v", b.err)
	}
	if string(b.result) != `{"answer":"b"}` {
		t.Errorf("call b received wrong result: %s", b.result)
	}
}

func TestFailPendingRejectsAllOutstanding(t *testing.T) {
	c := testConn(5 * time.Second)
	sess := newStubSession()
	defer sess.Stop()

	const outstanding = 3

	errs := make(chan error, outstanding)
	for range outstanding {
		go func() {
			_, err := c.sendRequest(context.Background(), sess, MethodToolsCall, struct{}{})
			errs <- err
		}()
	}

	for range outstanding {
		<-sess.sent
	}

	c.failPending()

	for range outstanding {
		if err := <-errs; !errors.Is(err, ErrConnectionClosed) {
			t.Errorf("expected ErrConnectionClosed, got %v", err)
		}
	}
}

// serveHandshake answers the connect sequence on a stub session, then
// optionally ends the stream right after the final capability list.
func serveHandshake(sess *stubSession, stopAfterLists bool) {
	respond := func(req JSONRPCMessage, result string) {
		sess.incoming <- JSONRPCMessage{
			JSONRPC: JSONRPCVersion,
			ID:      req.ID,
			Result:  json.RawMessage(result),
		}
	}

	init := <-sess.sent
	respond(init, `{"protocolVersion":"2024-11-05","capabilities":{},"serverInfo":{"name":"stub","version":"1.0"}}`)
	<-sess.sent // initialized notification

	for range 3 {
		req := <-sess.sent
		switch req.Method {
		case MethodToolsList:
			respond(req, `{"tools":[{"name":"echo_text"}]}`)
		case MethodResourcesList:
			respond(req, `{"resources":[]}`)
		case MethodPromptsList:
			respond(req, `{"prompts":[]}`)
		}
	}

	if stopAfterLists {
		sess.Stop()
	}
}

func TestConnectStreamEndingAtCommitNeverYieldsNilSession(t *testing.T) {
	// The stream ending between handshake completion and connect committing
	// must either fail the connect or settle to disconnected. A connection
	// reporting connected with no live session would panic the next call.
	for range 20 {
		c := testConn(250 * time.Millisecond)
		sess := newStubSession()
		dial := func(context.Context, ServerConfig) (Session, error) { return sess, nil }

		go serveHandshake(sess, true)

		connectErr := c.connect(context.Background(), dial, Info{Name: "t", Version: "1.0"})

		c.mu.Lock()
		state, live := c.state, c.sess
		c.mu.Unlock()
		if state == StateConnected && live == nil {
			t.Fatal("connected state committed without a live session")
		}
		if connectErr != nil && !errors.Is(connectErr, ErrConnectionClosed) {
			t.Fatalf("unexpected connect error: %v", connectErr)
		}

		if _, err := c.call(context.Background(), MethodToolsList, struct{}{}); err == nil {
			t.Fatal("expected error from call after the stream ended")
		}
	}
}

func TestCallRequiresConnectedState(t *testing.T) {
	c := testConn(time.Second)

	_, err := c.call(context.Background(), MethodToolsCall, struct{}{})
	if !errors.Is(err, ErrNotConnected) {
		t.Fatalf("expected ErrNotConnected, got %v", err)
	}
}
