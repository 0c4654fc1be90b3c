package client

import (
	"context"
	"errors"
	"fmt"
	"net"

	"github.com/1ureka/1ureka.net.chat/internal/config"
	"github.com/1ureka/1ureka.net.chat/internal/protocol"
	"github.com/1ureka/1ureka.net.chat/internal/reliable"
	"github.com/1ureka/1ureka.net.chat/internal/session"
	"github.com/1ureka/1ureka.net.chat/internal/util"
)

// UDP is a datagram chat client. It runs the same reliable engine as the
// relay, against a registry holding exactly one session: the server.
type UDP struct {
	username string
	handler  Handler

	conn   *net.UDPConn
	srv    *session.Session
	engine *reliable.Engine

	roster roster
	cancel context.CancelFunc
	done   chan struct{}

	authSeq uint64
	authCh  chan error
}

// DialUDP connects to the relay at addr, starts the engine and read loop, and
// sends the authentication request reliably. The registration verdict arrives
// asynchronously; use AwaitAuth to wait for it.
func DialUDP(ctx context.Context, cfg *config.Config, addr, username string, h Handler) (*UDP, error) {
	raddr, err := net.ResolveUDPAddr("udp", addr)
	if err != nil {
		return nil, fmt.Errorf("resolve %s: %w", addr, err)
	}
	conn, err := net.ListenUDP("udp", nil)
	if err != nil {
		return nil, fmt.Errorf("bind local socket: %w", err)
	}

	cctx, cancel := context.WithCancel(ctx)
	c := &UDP{
		username: username,
		handler:  h,
		conn:     conn,
		cancel:   cancel,
		done:     make(chan struct{}),
		authCh:   make(chan error, 1),
	}

	reg := session.NewRegistry()
	c.srv = reg.Provisional(raddr.String(), raddr)
	c.engine = reliable.New(conn, reg, cfg.RetryTimeout, cfg.MaxRetries, cfg.SweepInterval, c.handleAbandon)

	// The auth request is the session's first reliable send, so it always
	// carries seq 1. Recorded before the sweep goroutine starts.
	c.authSeq = 1

	// Close the socket when ctx is done so ReadFromUDP returns an error.
	go func() {
		<-cctx.Done()
		conn.Close()
	}()
	go c.engine.Run(cctx)
	go c.readLoop(cctx)

	env := mustNew(protocol.TypeAuthRequest, &protocol.AuthRequestPayload{Username: username})
	if err := c.engine.Send(c.srv, env); err != nil {
		// The pending entry stays; the sweep keeps trying until the budget
		// runs out, so a transient first-write failure is not fatal.
		util.LogWarning("auth request: %v", err)
	}

	return c, nil
}

// AwaitAuth blocks until the server's registration verdict arrives, the
// connection dies, or ctx expires. A non-nil error means the client is
// unusable and should be closed.
func (c *UDP) AwaitAuth(ctx context.Context) error {
	select {
	case err := <-c.authCh:
		return err
	case <-c.done:
		return errors.New("connection closed before authentication completed")
	case <-ctx.Done():
		return ctx.Err()
	}
}

// SendChat transmits a chat line reliably. Private messages travel the same
// way, as "/msg <recipient> <text>" — routing happens on the relay.
func (c *UDP) SendChat(text string) error {
	env, err := protocol.NewData(protocol.TypeMessage, &protocol.ChatPayload{
		Text:          text,
		MessageID:     newMessageID(),
		SendTimestamp: nowTimestamp(),
	})
	if err != nil {
		return err
	}
	return c.engine.Send(c.srv, env)
}

// RequestLeave announces a graceful departure. The notice is sent reliably so
// the relay can tell an orderly exit from a vanished peer.
func (c *UDP) RequestLeave() error {
	return c.engine.Send(c.srv, mustNew(protocol.TypeClientLeaving, &protocol.LeavingPayload{
		Username: c.username,
	}))
}

// Users returns the last known online user list.
func (c *UDP) Users() []string { return c.roster.snapshot() }

// Done is closed when the read loop exits.
func (c *UDP) Done() <-chan struct{} { return c.done }

// Close tears the client down.
func (c *UDP) Close() {
	c.cancel()
	c.conn.Close()
}

func (c *UDP) readLoop(ctx context.Context) {
	defer close(c.done)

	buf := make([]byte, protocol.MaxMessageSize)
	for {
		n, _, err := c.conn.ReadFromUDP(buf)
		if err != nil {
			if ctx.Err() == nil {
				c.handler.error(fmt.Errorf("read: %w", err))
			}
			return
		}
		data := make([]byte, n)
		copy(data, buf[:n])
		c.handle(data)
	}
}

func (c *UDP) handle(data []byte) {
	env, err := protocol.Decode(data)
	if err != nil {
		util.LogWarning("discarding datagram from server: %v", err)
		return
	}

	switch env.Type {
	case protocol.TypeAck:
		c.engine.Ack(c.srv, env.AckNum)

	case protocol.TypeAuthResponse:
		if env.SeqNum != 0 {
			fresh, err := c.engine.Receive(c.srv, env.SeqNum)
			if err != nil {
				util.LogWarning("ack auth response: %v", err)
			}
			if !fresh {
				return
			}
		}
		p, err := protocol.DecodePayload(env)
		if err != nil {
			util.LogWarning("bad auth response: %v", err)
			return
		}
		resp := p.(*protocol.AuthResponsePayload)
		if resp.OK {
			c.authResult(nil)
		} else {
			c.authResult(errors.New(resp.Error))
		}

	case protocol.TypeData:
		if env.SeqNum == 0 {
			util.LogWarning("data from server missing seq_num, ignoring")
			return
		}
		fresh, err := c.engine.Receive(c.srv, env.SeqNum)
		if err != nil {
			util.LogWarning("ack data: %v", err)
		}
		if !fresh {
			return
		}
		p, err := protocol.DecodePayload(env)
		if err != nil {
			util.LogWarning("bad data payload: %v", err)
			return
		}
		wrapper := p.(*protocol.DataPayload)
		content, err := protocol.DecodeContent(wrapper)
		if err != nil {
			util.LogWarning("bad %s content: %v", wrapper.OriginalType, err)
			return
		}
		c.route(wrapper.OriginalType, content)

	default:
		util.LogDebug("unhandled direct %s from server", env.Type)
	}
}

// route dispatches accepted wrapped content to the handler callbacks.
func (c *UDP) route(t protocol.Type, content any) {
	switch p := content.(type) {
	case *protocol.ChatPayload:
		c.handler.message(p.Sender, p.Text)
	case *protocol.PrivatePayload:
		c.handler.private(p.Sender, p.Text)
	case *protocol.PrivateFailedPayload:
		c.handler.system(fmt.Sprintf("private message to %q failed: %s", p.Recipient, p.Reason))
	case *protocol.UserEventPayload:
		var users []string
		if t == protocol.TypeUserJoined {
			users = c.roster.add(p.Username)
		} else {
			users = c.roster.remove(p.Username)
		}
		c.handler.userList(users)
		if p.Message != "" {
			c.handler.system(p.Message)
		}
	case *protocol.UserListPayload:
		c.handler.userList(c.roster.replace(p.Users))
	case *protocol.SystemPayload:
		c.handler.system(p.Text)
	case *protocol.ErrorPayload:
		c.handler.error(errors.New(p.Error))
	default:
		util.LogDebug("unhandled wrapped %s from server", t)
	}
}

// handleAbandon is the engine's delivery-failure callback. Losing the auth
// request is fatal; losing a chat line is reported and the session lives on.
func (c *UDP) handleAbandon(_ *session.Session, seq uint64) {
	if seq == c.authSeq {
		c.authResult(errors.New("server unreachable, authentication abandoned"))
		return
	}
	c.handler.error(fmt.Errorf("server did not acknowledge message (seq %d), it may be lost", seq))
}

func (c *UDP) authResult(err error) {
	select {
	case c.authCh <- err:
	default: // verdict already delivered
	}
}

// mustNew builds an envelope for a payload the client itself constructed.
func mustNew(t protocol.Type, payload any) *protocol.Envelope {
	env, err := protocol.New(t, payload)
	if err != nil {
		panic(err)
	}
	return env
}
