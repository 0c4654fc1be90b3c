// Package relay implements the datagram side of the chat relay: a single
// blocking dispatch loop that decodes inbound datagrams, routes them by
// envelope type, and fans resulting events back out through the reliable
// transport engine.
package relay

import (
	"context"
	"fmt"
	"net"

	"github.com/1ureka/1ureka.net.chat/internal/config"
	"github.com/1ureka/1ureka.net.chat/internal/metrics"
	"github.com/1ureka/1ureka.net.chat/internal/protocol"
	"github.com/1ureka/1ureka.net.chat/internal/reliable"
	"github.com/1ureka/1ureka.net.chat/internal/session"
	"github.com/1ureka/1ureka.net.chat/internal/util"
)

// Server is one UDP relay endpoint. Two concurrent activities share its
// state: the dispatch loop (single reader, by design) and the engine's
// retransmission sweep. Both go through the registry and session mutexes.
type Server struct {
	cfg    *config.Config
	reg    *session.Registry
	conn   reliable.Conn
	engine *reliable.Engine
}

// New creates a relay server. The socket is bound by Run.
func New(cfg *config.Config) *Server {
	return &Server{cfg: cfg, reg: session.NewRegistry()}
}

// attach wires the engine to a packet socket. Split from Run so tests can
// substitute a capture fake for the socket.
func (s *Server) attach(conn reliable.Conn) {
	s.conn = conn
	s.engine = reliable.New(conn, s.reg,
		s.cfg.RetryTimeout, s.cfg.MaxRetries, s.cfg.SweepInterval,
		s.handleAbandon)
}

// Run binds the UDP socket and serves until ctx is cancelled. A bind or read
// failure is fatal to this endpoint and returned to the operator.
func (s *Server) Run(ctx context.Context) error {
	laddr, err := net.ResolveUDPAddr("udp", s.cfg.DatagramAddr)
	if err != nil {
		return fmt.Errorf("resolve %s: %w", s.cfg.DatagramAddr, err)
	}
	conn, err := net.ListenUDP("udp", laddr)
	if err != nil {
		return fmt.Errorf("bind %s: %w", s.cfg.DatagramAddr, err)
	}
	s.attach(conn)

	// Close the socket when ctx is done so ReadFromUDP returns an error.
	go func() {
		<-ctx.Done()
		conn.Close()
	}()

	go s.engine.Run(ctx)

	util.LogInfo("UDP relay listening on %s", conn.LocalAddr())

	buf := make([]byte, protocol.MaxMessageSize)
	for {
		n, raddr, err := conn.ReadFromUDP(buf)
		if err != nil {
			select {
			case <-ctx.Done():
				return nil // normal shutdown
			default:
				return fmt.Errorf("read: %w", err)
			}
		}
		data := make([]byte, n)
		copy(data, buf[:n])
		s.handle(data, raddr)
	}
}

// handle processes a single inbound datagram. Malformed input is logged and
// discarded; it never crashes the dispatch loop.
func (s *Server) handle(data []byte, addr net.Addr) {
	env, err := protocol.Decode(data)
	if err != nil {
		metrics.DecodeFailures.WithLabelValues("udp").Inc()
		util.LogWarning("discarding datagram from %s: %v", addr, err)
		return
	}

	switch env.Type {
	case protocol.TypeAuthRequest:
		s.handleAuth(env, addr)
	case protocol.TypeAck:
		s.handleAck(env, addr)
	case protocol.TypeData:
		s.handleData(env, addr)
	case protocol.TypeClientLeaving:
		s.handleLeaving(env, addr)
	default:
		util.LogDebug("unhandled direct %s from %s", env.Type, addr)
	}
}

// handleAuth runs the username registration handshake. A provisional session
// exists only while the auth reply is in flight; it is promoted on success
// and dropped if the reply cannot be delivered.
func (s *Server) handleAuth(env *protocol.Envelope, addr net.Addr) {
	p, err := protocol.DecodePayload(env)
	if err != nil {
		util.LogWarning("bad auth request from %s: %v", addr, err)
		return
	}
	req := p.(*protocol.AuthRequestPayload)
	if req.Username == "" {
		util.LogWarning("auth request from %s missing username, ignoring", addr)
		return
	}

	prov := s.reg.Provisional(addr.String(), addr)
	metrics.ActiveSessions.Set(float64(s.reg.Len()))

	// Ack the request itself, and process it only once even if the client's
	// retransmissions deliver it again.
	if env.SeqNum != 0 {
		fresh, err := s.engine.Receive(prov, env.SeqNum)
		if err != nil {
			util.LogWarning("ack auth request from %s: %v", addr, err)
		}
		if !fresh {
			return
		}
	}

	if _, err := s.reg.Register(addr.String(), addr, req.Username); err != nil {
		util.LogInfo("rejecting duplicate username %q from %s", req.Username, addr)
		s.sendReliable(prov, mustNew(protocol.TypeAuthResponse, &protocol.AuthResponsePayload{
			OK:    false,
			Error: "username is already taken",
		}))
		return
	}

	util.LogInfo("user %q registered from %s", req.Username, addr)
	util.Stats.AddJoin()

	sess, _ := s.reg.Lookup(addr.String())
	s.sendReliable(sess, mustNew(protocol.TypeAuthResponse, &protocol.AuthResponsePayload{OK: true}))
	s.sendReliable(sess, mustWrap(protocol.TypeSystem, &protocol.SystemPayload{
		Text: fmt.Sprintf("Welcome %s!", req.Username),
	}))
	s.sendReliable(sess, mustWrap(protocol.TypeUserList, &protocol.UserListPayload{
		Users: s.reg.Usernames(),
	}))

	s.broadcast(protocol.TypeUserJoined, &protocol.UserEventPayload{
		Username: req.Username,
		Message:  fmt.Sprintf("%q has joined", req.Username),
	}, sess.Identity())
}

// handleAck clears the matching pending send, if any.
func (s *Server) handleAck(env *protocol.Envelope, addr net.Addr) {
	sess, ok := s.reg.Lookup(addr.String())
	if !ok {
		util.LogDebug("ack %d from unknown peer %s", env.AckNum, addr)
		return
	}
	s.engine.Ack(sess, env.AckNum)
}

// handleData validates, acks and dedupes a reliable data envelope, then hands
// its content to the application router exactly once.
func (s *Server) handleData(env *protocol.Envelope, addr net.Addr) {
	sess, ok := s.reg.Lookup(addr.String())
	if !ok || !sess.Authenticated() {
		util.LogWarning("data from unauthenticated peer %s, ignoring", addr)
		return
	}
	if env.SeqNum == 0 {
		util.LogWarning("data from %s missing seq_num, ignoring", addr)
		return
	}

	fresh, err := s.engine.Receive(sess, env.SeqNum)
	if err != nil {
		util.LogWarning("ack data from %s: %v", addr, err)
	}
	if !fresh {
		return
	}

	p, err := protocol.DecodePayload(env)
	if err != nil {
		util.LogWarning("bad data payload from %s: %v", addr, err)
		return
	}
	s.route(sess, p.(*protocol.DataPayload))
}

// route demultiplexes an accepted data payload by its original type.
func (s *Server) route(sess *session.Session, data *protocol.DataPayload) {
	content, err := protocol.DecodeContent(data)
	if err != nil {
		util.LogWarning("bad %s content from %s: %v", data.OriginalType, sess.Identity(), err)
		return
	}

	switch c := content.(type) {
	case *protocol.ChatPayload:
		s.handleChat(sess, c)
	default:
		util.LogDebug("unhandled wrapped %s from %q", data.OriginalType, sess.Username())
	}
}

// handleLeaving processes a graceful disconnect notice.
func (s *Server) handleLeaving(env *protocol.Envelope, addr net.Addr) {
	sess, ok := s.reg.Lookup(addr.String())
	if !ok || !sess.Authenticated() {
		util.LogDebug("leaving notice from unknown peer %s", addr)
		return
	}
	if env.SeqNum != 0 {
		fresh, err := s.engine.Receive(sess, env.SeqNum)
		if err != nil {
			util.LogWarning("ack leaving from %s: %v", addr, err)
		}
		if !fresh {
			return
		}
	}

	username, _ := s.reg.Remove(sess.Identity())
	metrics.ActiveSessions.Set(float64(s.reg.Len()))
	util.Stats.AddLeave()
	util.LogInfo("user %q left", username)

	s.broadcast(protocol.TypeUserLeft, &protocol.UserEventPayload{
		Username: username,
		Message:  fmt.Sprintf("%q has left the chat", username),
	}, sess.Identity())
}

// handleAbandon is the engine's delivery-failure callback. Retry exhaustion
// is the only way a silently vanished peer is ever detected — there is no
// heartbeat. An unauthenticated peer just loses its provisional entry; an
// authenticated one is removed and announced as gone.
func (s *Server) handleAbandon(sess *session.Session, seq uint64) {
	if !sess.Authenticated() {
		if _, ok := s.reg.Remove(sess.Identity()); ok {
			util.LogInfo("peer %s unreachable during auth, dropping", sess.Identity())
			metrics.ActiveSessions.Set(float64(s.reg.Len()))
		}
		return
	}

	username, ok := s.reg.Remove(sess.Identity())
	if !ok {
		return // already removed by an earlier abandoned seq
	}
	metrics.ActiveSessions.Set(float64(s.reg.Len()))
	util.Stats.AddLeave()
	util.LogWarning("user %q unreachable (seq %d), removing session", username, seq)

	s.broadcast(protocol.TypeUserLeft, &protocol.UserEventPayload{
		Username: username,
		Message:  fmt.Sprintf("%q has left the chat", username),
	}, sess.Identity())
}

// sendReliable wraps engine.Send with non-fatal error logging.
func (s *Server) sendReliable(sess *session.Session, env *protocol.Envelope) {
	if err := s.engine.Send(sess, env); err != nil {
		util.LogWarning("reliable send to %s: %v", sess.Identity(), err)
	}
}

// mustNew builds an envelope for a payload the server itself constructed.
// Marshal can only fail for unsupported Go types, which would be a bug here.
func mustNew(t protocol.Type, payload any) *protocol.Envelope {
	env, err := protocol.New(t, payload)
	if err != nil {
		panic(err)
	}
	return env
}

// mustWrap is mustNew for UDP_DATA-wrapped content.
func mustWrap(originalType protocol.Type, content any) *protocol.Envelope {
	env, err := protocol.NewData(originalType, content)
	if err != nil {
		panic(err)
	}
	return env
}
