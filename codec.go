package toolhost

import (
	"bytes"
	"encoding/json"
	"log/slog"
)

// frameDecoder reassembles newline-delimited JSON messages from an arbitrary
// sequence of byte chunks. Tool servers write one JSON document per line, but
// the pipe delivers bytes with no regard for message boundaries, so a chunk
// may hold several messages, half a message, or garbage from a misbehaving
// server. A trailing incomplete line is buffered until the next chunk; lines
// that fail to parse are logged and skipped without disturbing the rest of
// the stream.
type frameDecoder struct {
	buf    bytes.Buffer
	logger *slog.Logger
}

func newFrameDecoder(logger *slog.Logger) *frameDecoder {
	if logger == nil {
		logger = slog.Default()
	}
	return &frameDecoder{logger: logger}
}

// decode appends chunk to the accumulation buffer and returns every complete
// message it now holds, in stream order.
func (d *frameDecoder) decode(chunk []byte) []JSONRPCMessage {
	d.buf.Write(chunk)

	var msgs []JSONRPCMessage
	for {
		raw := d.buf.Bytes()
		idx := bytes.IndexByte(raw, '\n')
		if idx < 0 {
			return msgs
		}

		line := make([]byte, idx)
		copy(line, raw[:idx])
		d.buf.Next(idx + 1)

		line = bytes.TrimSuffix(line, []byte{'\r'})
		if len(bytes.TrimSpace(line)) == 0 {
			continue
		}

		var msg JSONRPCMessage
		if err := json.Unmarshal(line, &msg); err != nil {
			d.logger.Warn("discarding malformed frame", "err", err, "line", string(line))
			continue
		}
		msgs = append(msgs, msg)
	}
}

// encodeFrame serializes msg to a single line of JSON text terminated by a
// newline, ready to be written to the server's input stream.
func encodeFrame(msg JSONRPCMessage) ([]byte, error) {
	msgBs, err := json.Marshal(msg)
	if err != nil {
		return nil, err
	}
	return append(msgBs, '\n'), nil
}
