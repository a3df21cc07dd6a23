package transport

import (
	"fmt"
	"io"
	"time"

	"github.com/gorilla/websocket"

	"github.com/cribcall/cribcall/internal/session"
)

// wsConn adapts a *websocket.Conn into the session.Conn byte-stream
// capability (io.Reader, io.Writer, Close) so C2's length-prefixed framing
// codec runs unmodified over /control/ws (spec §4.5, §4.6): each websocket
// binary message carries exactly one C2 frame. Reads present the messages
// as one continuous stream since framing.Decoder expects arbitrary
// byte-boundary chunking; writes are buffered until framing.Encode's
// header-then-payload pair is complete and then sent as a single binary
// message.
type wsConn struct {
	ws *websocket.Conn

	curReader io.Reader

	writeBuf []byte
	wantLen  int // -1 once the 4-byte length prefix has been consumed
}

func newWSConn(ws *websocket.Conn) *wsConn {
	return &wsConn{ws: ws, wantLen: -1}
}

// NewClientConn adapts a dialed *websocket.Conn into a session.Conn, for use
// by callers that establish the control connection themselves (the Listener
// side's reconnecting dialer, rather than a server-side upgrade handler).
func NewClientConn(ws *websocket.Conn) session.Conn {
	return newWSConn(ws)
}

func (c *wsConn) Read(p []byte) (int, error) {
	for {
		if c.curReader == nil {
			msgType, r, err := c.ws.NextReader()
			if err != nil {
				return 0, err
			}
			if msgType != websocket.BinaryMessage {
				continue
			}
			c.curReader = r
		}
		n, err := c.curReader.Read(p)
		if err == io.EOF {
			c.curReader = nil
			if n > 0 {
				return n, nil
			}
			continue
		}
		return n, err
	}
}

// Write implements io.Writer. framing.Encode calls Write exactly twice per
// frame: once with the 4-byte big-endian length prefix, once with the full
// payload. Both are coalesced into a single websocket binary message so the
// peer's NextReader sees one complete C2 frame per message.
func (c *wsConn) Write(p []byte) (int, error) {
	if c.wantLen < 0 {
		if len(p) != 4 {
			return 0, fmt.Errorf("transport: expected 4-byte frame length prefix, got %d bytes", len(p))
		}
		c.wantLen = int(p[0])<<24 | int(p[1])<<16 | int(p[2])<<8 | int(p[3])
		c.writeBuf = append(c.writeBuf[:0], p...)
		if c.wantLen == 0 {
			return c.flush()
		}
		return len(p), nil
	}

	c.writeBuf = append(c.writeBuf, p...)
	if len(c.writeBuf)-4 < c.wantLen {
		return len(p), nil
	}
	n, err := c.flush()
	if err != nil {
		return n, err
	}
	return len(p), nil
}

func (c *wsConn) flush() (int, error) {
	buf := c.writeBuf
	c.writeBuf = nil
	c.wantLen = -1
	_ = c.ws.SetWriteDeadline(time.Now().Add(writeTimeout))
	if err := c.ws.WriteMessage(websocket.BinaryMessage, buf); err != nil {
		return 0, err
	}
	return len(buf), nil
}

func (c *wsConn) Close() error {
	return c.ws.Close()
}
