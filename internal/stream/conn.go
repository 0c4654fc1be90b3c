package stream

import (
	"bufio"
	"context"
	"fmt"
	"net"

	"github.com/1ureka/1ureka.net.chat/internal/protocol"
	"github.com/1ureka/1ureka.net.chat/internal/util"
	"github.com/gorilla/websocket"
)

const sendBufferSize = 64 // outgoing envelope channel capacity

// wire abstracts one framed bidirectional message stream so the hub can treat
// TCP and WebSocket peers identically.
type wire interface {
	ReadMessage() ([]byte, error)
	WriteMessage(data []byte) error
	Close() error
	RemoteAddr() net.Addr
	Transport() string
}

// tcpWire frames envelopes as newline-delimited JSON over a TCP connection.
type tcpWire struct {
	conn net.Conn
	sc   *bufio.Scanner
}

func newTCPWire(conn net.Conn) *tcpWire {
	sc := bufio.NewScanner(conn)
	sc.Buffer(make([]byte, 0, 1024), protocol.MaxMessageSize)
	return &tcpWire{conn: conn, sc: sc}
}

func (w *tcpWire) ReadMessage() ([]byte, error) {
	if !w.sc.Scan() {
		if err := w.sc.Err(); err != nil {
			return nil, err
		}
		return nil, fmt.Errorf("connection closed")
	}
	// Copy out: the scanner reuses its buffer on the next Scan.
	line := make([]byte, len(w.sc.Bytes()))
	copy(line, w.sc.Bytes())
	return line, nil
}

func (w *tcpWire) WriteMessage(data []byte) error {
	_, err := w.conn.Write(append(data, '\n'))
	return err
}

func (w *tcpWire) Close() error { return w.conn.Close() }

func (w *tcpWire) RemoteAddr() net.Addr { return w.conn.RemoteAddr() }

func (w *tcpWire) Transport() string { return "tcp" }

// wsWire frames envelopes as WebSocket text messages.
type wsWire struct {
	conn *websocket.Conn
}

func newWSWire(conn *websocket.Conn) *wsWire {
	conn.SetReadLimit(protocol.MaxMessageSize)
	return &wsWire{conn: conn}
}

func (w *wsWire) ReadMessage() ([]byte, error) {
	for {
		msgType, data, err := w.conn.ReadMessage()
		if err != nil {
			return nil, err
		}
		if msgType == websocket.TextMessage || msgType == websocket.BinaryMessage {
			return data, nil
		}
	}
}

func (w *wsWire) WriteMessage(data []byte) error {
	return w.conn.WriteMessage(websocket.TextMessage, data)
}

func (w *wsWire) Close() error { return w.conn.Close() }

func (w *wsWire) RemoteAddr() net.Addr { return w.conn.RemoteAddr() }

func (w *wsWire) Transport() string { return "ws" }

// conn pairs a wire with a single-writer outbox goroutine. All writes to the
// peer are serialized through the outbox; the reader goroutine (the hub's
// serve loop) never writes directly.
type conn struct {
	w      wire
	outbox chan []byte
	ctx    context.Context
	cancel context.CancelFunc
}

func newConn(parent context.Context, w wire) *conn {
	ctx, cancel := context.WithCancel(parent)
	c := &conn{
		w:      w,
		outbox: make(chan []byte, sendBufferSize),
		ctx:    ctx,
		cancel: cancel,
	}
	go c.writeLoop()
	return c
}

// writeLoop is the single-writer goroutine. It owns the wire's Close: on
// shutdown it flushes whatever is already queued (a rejection notice, say)
// before the socket goes away. A write failure tears the connection down; the
// reader observes the close and unwinds.
func (c *conn) writeLoop() {
	defer c.w.Close()
	for {
		select {
		case data := <-c.outbox:
			if err := c.w.WriteMessage(data); err != nil {
				util.LogDebug("write to %s: %v", c.w.RemoteAddr(), err)
				c.cancel()
				return
			}
		case <-c.ctx.Done():
			for {
				select {
				case data := <-c.outbox:
					if err := c.w.WriteMessage(data); err != nil {
						return
					}
				default:
					return
				}
			}
		}
	}
}

// send encodes an envelope and enqueues it for transmission. It blocks if the
// outbox is full and returns silently once the connection is closing.
func (c *conn) send(env *protocol.Envelope) error {
	data, err := protocol.Encode(env)
	if err != nil {
		return err
	}
	select {
	case c.outbox <- data:
		return nil
	case <-c.ctx.Done():
		return c.ctx.Err()
	}
}

// close shuts the connection down. The wire itself is closed by the write
// loop once the queued frames are flushed. Safe to call more than once.
func (c *conn) close() {
	c.cancel()
}
