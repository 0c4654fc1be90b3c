// Package stream implements the connection-oriented side of the chat relay:
// newline-delimited JSON over TCP, plus a WebSocket gateway speaking the same
// envelope vocabulary. The transport's own delivery guarantees replace the
// datagram path's seq_num/ack_num machinery, so envelopes travel bare.
package stream

import (
	"context"
	"fmt"
	"strings"
	"sync"

	"github.com/1ureka/1ureka.net.chat/internal/metrics"
	"github.com/1ureka/1ureka.net.chat/internal/protocol"
	"github.com/1ureka/1ureka.net.chat/internal/session"
	"github.com/1ureka/1ureka.net.chat/internal/util"
)

// Hub owns the shared state of all stream connections: the session registry
// for usernames and a connection table for fan-out. TCP and WebSocket peers
// land in the same hub and chat with each other.
type Hub struct {
	reg *session.Registry

	mu    sync.Mutex
	conns map[string]*conn
}

// NewHub creates an empty hub.
func NewHub() *Hub {
	return &Hub{
		reg:   session.NewRegistry(),
		conns: make(map[string]*conn),
	}
}

// Serve runs the full lifecycle of one peer: authentication handshake,
// message loop, departure cleanup. It blocks until the peer disconnects or
// ctx is cancelled, and is the only reader of the wire.
func (h *Hub) Serve(ctx context.Context, w wire) {
	c := newConn(ctx, w)
	defer c.close()

	id := w.RemoteAddr().String()

	username, err := h.authenticate(c, id, w)
	if err != nil {
		util.LogInfo("peer %s failed authentication: %v", id, err)
		return
	}
	defer h.drop(id)

	util.LogInfo("user %q connected from %s (%s)", username, id, w.Transport())
	util.Stats.AddJoin()
	metrics.ActiveSessions.Set(float64(h.reg.Len()))

	h.sendTo(c, mustNew(protocol.TypeAuthResponse, &protocol.AuthResponsePayload{OK: true}))
	h.sendTo(c, mustNew(protocol.TypeSystem, &protocol.SystemPayload{
		Text: fmt.Sprintf("Welcome %s!", username),
	}))
	h.sendTo(c, mustNew(protocol.TypeUserList, &protocol.UserListPayload{
		Users: h.reg.Usernames(),
	}))
	h.broadcast(mustNew(protocol.TypeUserJoined, &protocol.UserEventPayload{
		Username: username,
		Message:  fmt.Sprintf("%q has joined", username),
	}), id)

	h.readLoop(ctx, c, id, username, w)
}

// authenticate runs the stream handshake: the server prompts, the peer
// answers with a username, the hub validates it. A rejected peer gets an
// ERROR envelope and the connection is closed.
func (h *Hub) authenticate(c *conn, id string, w wire) (string, error) {
	if err := c.send(mustNew(protocol.TypeAuthRequest, &protocol.AuthRequestPayload{
		Message: "Welcome! Please send your username.",
	})); err != nil {
		return "", err
	}

	data, err := w.ReadMessage()
	if err != nil {
		return "", err
	}
	env, err := protocol.Decode(data)
	if err != nil {
		metrics.DecodeFailures.WithLabelValues(w.Transport()).Inc()
		return "", err
	}
	if env.Type != protocol.TypeAuthResponse {
		return "", fmt.Errorf("expected %s, got %s", protocol.TypeAuthResponse, env.Type)
	}
	p, err := protocol.DecodePayload(env)
	if err != nil {
		return "", err
	}
	username := p.(*protocol.AuthResponsePayload).Username
	if username == "" {
		c.send(mustNew(protocol.TypeError, &protocol.ErrorPayload{Error: "username must not be empty"}))
		return "", fmt.Errorf("empty username")
	}

	if _, err := h.reg.Register(id, nil, username); err != nil {
		c.send(mustNew(protocol.TypeError, &protocol.ErrorPayload{Error: "username is already taken"}))
		return "", fmt.Errorf("username %q: %w", username, err)
	}

	h.mu.Lock()
	h.conns[id] = c
	h.mu.Unlock()
	return username, nil
}

// readLoop dispatches inbound envelopes until the peer disconnects or sends a
// leaving notice. Malformed envelopes are logged and skipped, never fatal.
func (h *Hub) readLoop(ctx context.Context, c *conn, id, username string, w wire) {
	for {
		data, err := w.ReadMessage()
		if err != nil {
			if ctx.Err() == nil {
				util.LogDebug("read from %q: %v", username, err)
			}
			return
		}
		env, err := protocol.Decode(data)
		if err != nil {
			metrics.DecodeFailures.WithLabelValues(w.Transport()).Inc()
			util.LogWarning("discarding frame from %q: %v", username, err)
			continue
		}

		switch env.Type {
		case protocol.TypeMessage:
			p, err := protocol.DecodePayload(env)
			if err != nil {
				util.LogWarning("bad message from %q: %v", username, err)
				continue
			}
			h.handleChat(c, id, username, w.Transport(), p.(*protocol.ChatPayload))
		case protocol.TypeClientLeaving:
			util.LogInfo("user %q is leaving", username)
			return
		default:
			util.LogDebug("unhandled %s from %q", env.Type, username)
		}
	}
}

// handleChat relays one chat line, routing "/msg" and "/w" prefixes to the
// private path. The originator is excluded from the fan-out.
func (h *Hub) handleChat(c *conn, id, username, transport string, chat *protocol.ChatPayload) {
	text := chat.Text
	if text == "" {
		return
	}

	if strings.HasPrefix(text, "/msg ") || strings.HasPrefix(text, "/w ") {
		h.handlePrivate(c, id, username, transport, chat)
		return
	}

	util.Stats.AddRelayed()
	metrics.MessagesRelayed.WithLabelValues(transport).Inc()
	h.broadcast(mustNew(protocol.TypeMessage, &protocol.ChatPayload{
		Sender:        username,
		Text:          text,
		MessageID:     chat.MessageID,
		SendTimestamp: chat.SendTimestamp,
	}), id)
}

// handlePrivate delivers a direct message to one recipient, or reports the
// failure back to the sender.
func (h *Hub) handlePrivate(c *conn, id, username, transport string, chat *protocol.ChatPayload) {
	parts := strings.SplitN(chat.Text, " ", 3)
	if len(parts) < 3 || parts[2] == "" {
		h.sendTo(c, mustNew(protocol.TypeError, &protocol.ErrorPayload{
			Error: "invalid private message, use /msg <recipient> <text>",
		}))
		return
	}
	recipient, text := parts[1], parts[2]

	target, ok := h.reg.ByUsername(recipient)
	switch {
	case ok && target.Identity() == id:
		h.sendTo(c, mustNew(protocol.TypePrivateFailed, &protocol.PrivateFailedPayload{
			Recipient: recipient,
			Reason:    "you cannot send a private message to yourself",
		}))
	case !ok:
		h.sendTo(c, mustNew(protocol.TypePrivateFailed, &protocol.PrivateFailedPayload{
			Recipient: recipient,
			Reason:    fmt.Sprintf("user %q not found or offline", recipient),
		}))
	default:
		h.mu.Lock()
		tc := h.conns[target.Identity()]
		h.mu.Unlock()
		if tc == nil {
			return
		}
		util.Stats.AddRelayed()
		metrics.MessagesRelayed.WithLabelValues(transport).Inc()
		h.sendTo(tc, mustNew(protocol.TypePrivate, &protocol.PrivatePayload{
			Sender:        username,
			Recipient:     recipient,
			Text:          text,
			MessageID:     chat.MessageID,
			SendTimestamp: chat.SendTimestamp,
		}))
	}
}

// broadcast fans one envelope out to every registered connection except
// exclude. The connection table is snapshotted so the hub lock is never held
// across a send.
func (h *Hub) broadcast(env *protocol.Envelope, exclude string) {
	h.mu.Lock()
	targets := make([]*conn, 0, len(h.conns))
	for id, c := range h.conns {
		if id != exclude {
			targets = append(targets, c)
		}
	}
	h.mu.Unlock()

	for _, c := range targets {
		h.sendTo(c, env)
	}
}

// drop removes a departed peer and announces it to the survivors.
func (h *Hub) drop(id string) {
	h.mu.Lock()
	delete(h.conns, id)
	h.mu.Unlock()

	username, ok := h.reg.Remove(id)
	if !ok {
		return
	}
	util.Stats.AddLeave()
	metrics.ActiveSessions.Set(float64(h.reg.Len()))
	util.LogInfo("user %q left", username)

	h.broadcast(mustNew(protocol.TypeUserLeft, &protocol.UserEventPayload{
		Username: username,
		Message:  fmt.Sprintf("%q has left the chat", username),
	}), id)
}

// sendTo enqueues with non-fatal error logging.
func (h *Hub) sendTo(c *conn, env *protocol.Envelope) {
	if err := c.send(env); err != nil {
		util.LogDebug("send to %s: %v", c.w.RemoteAddr(), err)
	}
}

// mustNew builds an envelope for a payload the server itself constructed.
func mustNew(t protocol.Type, payload any) *protocol.Envelope {
	env, err := protocol.New(t, payload)
	if err != nil {
		panic(err)
	}
	return env
}
