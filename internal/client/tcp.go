package client

import (
	"bufio"
	"context"
	"errors"
	"fmt"
	"net"
	"sync"
	"sync/atomic"

	"github.com/1ureka/1ureka.net.chat/internal/protocol"
	"github.com/1ureka/1ureka.net.chat/internal/util"
)

// TCP is a stream chat client. The transport carries the delivery guarantees,
// so envelopes travel without seq_num/ack_num and there is no engine.
type TCP struct {
	username string
	handler  Handler

	conn net.Conn
	wmu  sync.Mutex // serializes writes: read loop and frontend both send

	roster   roster
	cancel   context.CancelFunc
	done     chan struct{}
	authCh   chan error
	authDone atomic.Bool
}

// DialTCP connects to the relay at addr and starts the read loop. The server
// opens with an authentication prompt, which the read loop answers with the
// username; use AwaitAuth to wait for the verdict.
func DialTCP(ctx context.Context, addr, username string, h Handler) (*TCP, error) {
	var d net.Dialer
	conn, err := d.DialContext(ctx, "tcp", addr)
	if err != nil {
		return nil, fmt.Errorf("dial %s: %w", addr, err)
	}

	cctx, cancel := context.WithCancel(ctx)
	c := &TCP{
		username: username,
		handler:  h,
		conn:     conn,
		cancel:   cancel,
		done:     make(chan struct{}),
		authCh:   make(chan error, 1),
	}

	// Close the socket when ctx is done so the scanner unblocks.
	go func() {
		<-cctx.Done()
		conn.Close()
	}()
	go c.readLoop(cctx)

	return c, nil
}

// AwaitAuth blocks until the server's registration verdict arrives, the
// connection dies, or ctx expires.
func (c *TCP) AwaitAuth(ctx context.Context) error {
	select {
	case err := <-c.authCh:
		return err
	case <-c.done:
		return errors.New("connection closed before authentication completed")
	case <-ctx.Done():
		return ctx.Err()
	}
}

// SendChat transmits a chat line. Private messages travel the same way, as
// "/msg <recipient> <text>" — routing happens on the relay.
func (c *TCP) SendChat(text string) error {
	return c.write(mustNew(protocol.TypeMessage, &protocol.ChatPayload{
		Text:          text,
		MessageID:     newMessageID(),
		SendTimestamp: nowTimestamp(),
	}))
}

// RequestLeave announces a graceful departure.
func (c *TCP) RequestLeave() error {
	return c.write(mustNew(protocol.TypeClientLeaving, &protocol.LeavingPayload{
		Username: c.username,
	}))
}

// Users returns the last known online user list.
func (c *TCP) Users() []string { return c.roster.snapshot() }

// Done is closed when the read loop exits.
func (c *TCP) Done() <-chan struct{} { return c.done }

// Close tears the client down.
func (c *TCP) Close() {
	c.cancel()
	c.conn.Close()
}

func (c *TCP) write(env *protocol.Envelope) error {
	data, err := protocol.Encode(env)
	if err != nil {
		return err
	}
	c.wmu.Lock()
	defer c.wmu.Unlock()
	if _, err := c.conn.Write(append(data, '\n')); err != nil {
		return fmt.Errorf("write %s: %w", env.Type, err)
	}
	return nil
}

func (c *TCP) readLoop(ctx context.Context) {
	defer close(c.done)

	sc := bufio.NewScanner(c.conn)
	sc.Buffer(make([]byte, 0, 1024), protocol.MaxMessageSize)
	for sc.Scan() {
		env, err := protocol.Decode(sc.Bytes())
		if err != nil {
			util.LogWarning("discarding frame from server: %v", err)
			continue
		}
		c.handle(env)
	}
	if err := sc.Err(); err != nil && ctx.Err() == nil {
		c.handler.error(fmt.Errorf("read: %w", err))
	}
}

func (c *TCP) handle(env *protocol.Envelope) {
	p, err := protocol.DecodePayload(env)
	if err != nil {
		util.LogWarning("bad %s payload from server: %v", env.Type, err)
		return
	}

	switch env.Type {
	case protocol.TypeAuthRequest:
		// The server's prompt. Answer with the username.
		if err := c.write(mustNew(protocol.TypeAuthResponse, &protocol.AuthResponsePayload{
			Username: c.username,
		})); err != nil {
			c.authResult(err)
		}

	case protocol.TypeAuthResponse:
		resp := p.(*protocol.AuthResponsePayload)
		if resp.OK {
			c.authResult(nil)
		} else {
			c.authResult(errors.New(resp.Error))
		}

	case protocol.TypeMessage:
		chat := p.(*protocol.ChatPayload)
		c.handler.message(chat.Sender, chat.Text)

	case protocol.TypePrivate:
		pm := p.(*protocol.PrivatePayload)
		c.handler.private(pm.Sender, pm.Text)

	case protocol.TypePrivateFailed:
		pf := p.(*protocol.PrivateFailedPayload)
		c.handler.system(fmt.Sprintf("private message to %q failed: %s", pf.Recipient, pf.Reason))

	case protocol.TypeUserJoined, protocol.TypeUserLeft:
		ev := p.(*protocol.UserEventPayload)
		var users []string
		if env.Type == protocol.TypeUserJoined {
			users = c.roster.add(ev.Username)
		} else {
			users = c.roster.remove(ev.Username)
		}
		c.handler.userList(users)
		if ev.Message != "" {
			c.handler.system(ev.Message)
		}

	case protocol.TypeUserList:
		c.handler.userList(c.roster.replace(p.(*protocol.UserListPayload).Users))

	case protocol.TypeSystem:
		c.handler.system(p.(*protocol.SystemPayload).Text)

	case protocol.TypeError:
		err := errors.New(p.(*protocol.ErrorPayload).Error)
		// Before the verdict, an ERROR is the rejection itself.
		if !c.authDone.Load() {
			c.authResult(err)
		} else {
			c.handler.error(err)
		}

	default:
		util.LogDebug("unhandled %s from server", env.Type)
	}
}

func (c *TCP) authResult(err error) {
	if c.authDone.CompareAndSwap(false, true) {
		c.authCh <- err
	}
}
