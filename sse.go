package toolhost

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"iter"
	"log/slog"
	"net/http"
	"net/url"
	"sync"

	"github.com/google/uuid"
	"github.com/tmaxmax/go-sse"
)

// sseSession reaches a tool server over HTTP instead of a subprocess:
// server-to-client messages stream in as SSE events, client-to-server
// messages go out as HTTP POSTs to the endpoint the server announces in its
// first event. Once established it behaves exactly like a stdio session, so
// the connection machinery above it does not care which transport it got.
type sseSession struct {
	id         string
	httpClient *http.Client
	messageURL string
	logger     *slog.Logger

	incoming   chan JSONRPCMessage
	cancel     context.CancelFunc
	done       chan struct{}
	readClosed chan struct{}
	stopOnce   sync.Once
}

// NewSSESession connects to a tool server's SSE stream at connectURL and
// blocks until the server announces its message endpoint. The optional
// httpClient allows custom HTTP configuration; nil uses the default client.
// The returned session lives until Stop, independent of ctx, which only
// bounds the connection attempt.
func NewSSESession(ctx context.Context, connectURL string, httpClient *http.Client, logger *slog.Logger) (Session, error) {
	if httpClient == nil {
		httpClient = http.DefaultClient
	}
	if logger == nil {
		logger = slog.Default()
	}

	sCtx, cancel := context.WithCancel(context.WithoutCancel(ctx))

	s := &sseSession{
		id:         uuid.New().String(),
		httpClient: httpClient,
		logger:     logger,
		incoming:   make(chan JSONRPCMessage),
		cancel:     cancel,
		done:       make(chan struct{}),
		readClosed: make(chan struct{}),
	}

	req, err := http.NewRequestWithContext(sCtx, http.MethodGet, connectURL, nil)
	if err != nil {
		cancel()
		return nil, fmt.Errorf("failed to create request: %w", err)
	}

	resp, err := httpClient.Do(req)
	if err != nil {
		cancel()
		return nil, fmt.Errorf("failed to connect to SSE server: %w", err)
	}
	if resp.StatusCode != http.StatusOK {
		resp.Body.Close()
		cancel()
		return nil, fmt.Errorf("unexpected status code: %d", resp.StatusCode)
	}

	ready := make(chan error, 1)
	go s.listenSSEMessages(resp.Body, ready)

	select {
	case <-ctx.Done():
		s.Stop()
		return nil, ctx.Err()
	case err := <-ready:
		if err != nil {
			s.Stop()
			return nil, err
		}
	}

	return s, nil
}

func (s *sseSession) ID() string {
	return s.id
}

func (s *sseSession) Send(ctx context.Context, msg JSONRPCMessage) error {
	msgBs, err := json.Marshal(msg)
	if err != nil {
		return fmt.Errorf("failed to marshal message: %w", err)
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodPost, s.messageURL, bytes.NewReader(msgBs))
	if err != nil {
		return err
	}
	req.Header.Set("Content-Type", "application/json")

	resp, err := s.httpClient.Do(req)
	if err != nil {
		return fmt.Errorf("failed to send message: %w", err)
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusOK && resp.StatusCode != http.StatusAccepted {
		return fmt.Errorf("unexpected status code: %d", resp.StatusCode)
	}

	return nil
}

func (s *sseSession) Messages() iter.Seq[JSONRPCMessage] {
	return func(yield func(JSONRPCMessage) bool) {
		for {
			select {
			case <-s.done:
				return
			case msg, ok := <-s.incoming:
				if !ok {
					return
				}
				if !yield(msg) {
					return
				}
			}
		}
	}
}

func (s *sseSession) Stop() {
	s.stopOnce.Do(func() {
		close(s.done)
		s.cancel()
		// Teardown is complete only once the listener has let go of the
		// response body.
		<-s.readClosed
	})
}

func (s *sseSession) listenSSEMessages(body io.ReadCloser, ready chan<- error) {
	defer func() {
		body.Close()
		close(s.incoming)
		close(s.readClosed)
	}()

	for ev, err := range sse.Read(body, nil) {
		if err != nil {
			if !errors.Is(err, context.Canceled) {
				s.logger.Error("failed to read SSE message", "err", err)
			}
			return
		}

		switch ev.Type {
		case "endpoint":
			// The endpoint URL must parse before any message can be routed.
			u, err := url.Parse(ev.Data)
			if err != nil {
				ready <- fmt.Errorf("parse endpoint URL: %w", err)
				return
			}
			if u.String() == "" {
				ready <- errors.New("empty endpoint URL")
				return
			}
			s.messageURL = u.String()
			ready <- nil
		case "message":
			if s.messageURL == "" {
				s.logger.Error("received message before endpoint URL")
				continue
			}

			var msg JSONRPCMessage
			if err := json.Unmarshal([]byte(ev.Data), &msg); err != nil {
				s.logger.Error("failed to unmarshal message", "err", err)
				continue
			}

			select {
			case <-s.done:
				return
			case s.incoming <- msg:
			}
		default:
			s.logger.Error("unhandled event type", "type", ev.Type)
		}
	}
}
