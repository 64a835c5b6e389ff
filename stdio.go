package toolhost

import (
	"context"
	"errors"
	"fmt"
	"io"
	"iter"
	"log/slog"
	"sync"

	"github.com/google/uuid"
)

// stdIOSession frames JSON-RPC messages over a raw reader/writer pair, one
// message per line. It is the transport used for subprocess-backed
// connections, where the pair is the child's stdout/stdin, but works over any
// byte stream. Outbound writes are funneled through a single goroutine so
// concurrent senders never interleave partial lines.
type stdIOSession struct {
	id     string
	reader io.Reader
	writer io.Writer
	logger *slog.Logger

	// closeIO unblocks the reader and writer when the session stops. For
	// subprocess sessions it terminates the child; for pipe-backed sessions
	// it closes the pipes.
	closeIO func()

	incoming      chan JSONRPCMessage
	writeMessages chan stdIOMessage

	done        chan struct{}
	readClosed  chan struct{}
	writeClosed chan struct{}
	stopOnce    sync.Once
}

type stdIOMessage struct {
	msg  []byte
	errs chan error
}

// NewStdIOSession creates a Session that frames newline-delimited JSON
// messages over the provided reader and writer. closeIO, if non-nil, is
// invoked once when the session stops and must unblock any in-flight read or
// write on the pair.
func NewStdIOSession(reader io.Reader, writer io.Writer, closeIO func(), logger *slog.Logger) Session {
	return newStdIOSession(reader, writer, closeIO, logger)
}

func newStdIOSession(reader io.Reader, writer io.Writer, closeIO func(), logger *slog.Logger) *stdIOSession {
	if logger == nil {
		logger = slog.Default()
	}
	s := &stdIOSession{
		id:            uuid.New().String(),
		reader:        reader,
		writer:        writer,
		logger:        logger,
		closeIO:       closeIO,
		incoming:      make(chan JSONRPCMessage),
		writeMessages: make(chan stdIOMessage),
		done:          make(chan struct{}),
		readClosed:    make(chan struct{}),
		writeClosed:   make(chan struct{}),
	}

	go s.processReadStream()
	go s.processWriteMessages()

	return s
}

func (s *stdIOSession) ID() string {
	return s.id
}

func (s *stdIOSession) Send(ctx context.Context, msg JSONRPCMessage) error {
	msgBs, err := encodeFrame(msg)
	if err != nil {
		return fmt.Errorf("failed to marshal message: %w", err)
	}

	ioMsg := stdIOMessage{
		msg:  msgBs,
		errs: make(chan error, 1),
	}

	// Queue the message so only the write goroutine touches the writer.
	select {
	case <-ctx.Done():
		return ctx.Err()
	case <-s.done:
		return ErrConnectionClosed
	case s.writeMessages <- ioMsg:
	}

	select {
	case err := <-ioMsg.errs:
		if err != nil {
			s.logger.Error("get error result from write", "err", err)
		}
		return err
	case <-ctx.Done():
		return ctx.Err()
	case <-s.done:
		return ErrConnectionClosed
	}
}

func (s *stdIOSession) Messages() iter.Seq[JSONRPCMessage] {
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

func (s *stdIOSession) Stop() {
	s.stopOnce.Do(func() {
		close(s.done)
		if s.closeIO != nil {
			s.closeIO()
		}
		<-s.readClosed
		<-s.writeClosed
	})
}

func (s *stdIOSession) processReadStream() {
	defer close(s.readClosed)
	defer close(s.incoming)

	decoder := newFrameDecoder(s.logger)
	buf := make([]byte, 32*1024)

	for {
		n, err := s.reader.Read(buf)
		if n > 0 {
			for _, msg := range decoder.decode(buf[:n]) {
				select {
				case <-s.done:
					return
				case s.incoming <- msg:
				}
			}
		}
		if err != nil {
			if !errors.Is(err, io.EOF) && !errors.Is(err, io.ErrClosedPipe) {
				select {
				case <-s.done:
					// Expected teardown noise, the stream was yanked under us.
				default:
					s.logger.Error("failed to read message stream", "err", err)
				}
			}
			return
		}
	}
}

func (s *stdIOSession) processWriteMessages() {
	defer close(s.writeClosed)

	for {
		var msg stdIOMessage
		select {
		case <-s.done:
			return
		case msg = <-s.writeMessages:
		}

		_, err := s.writer.Write(msg.msg)

		msg.errs <- err
	}
}
