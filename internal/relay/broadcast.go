package relay

import (
	"fmt"
	"strings"

	"github.com/1ureka/1ureka.net.chat/internal/metrics"
	"github.com/1ureka/1ureka.net.chat/internal/protocol"
	"github.com/1ureka/1ureka.net.chat/internal/session"
	"github.com/1ureka/1ureka.net.chat/internal/util"
)

// broadcast reliably re-sends wrapped content to every authenticated session
// except exclude. Each recipient gets an independent reliable send with its
// own sequence number and retry tracking, so one peer's packet loss never
// blocks delivery to another.
func (s *Server) broadcast(originalType protocol.Type, content any, exclude string) {
	for _, sess := range s.reg.Sessions() {
		if !sess.Authenticated() || sess.Identity() == exclude {
			continue
		}
		env, err := protocol.NewData(originalType, content)
		if err != nil {
			util.LogError("wrap %s broadcast: %v", originalType, err)
			return
		}
		s.sendReliable(sess, env)
	}
}

// handleChat routes an accepted chat line: a "/msg" or "/w" prefix selects a
// private delivery, anything else is relayed to every other session. The
// originator never gets a round-tripped copy — it echoes locally.
func (s *Server) handleChat(sess *session.Session, chat *protocol.ChatPayload) {
	text := chat.Text
	if text == "" {
		return
	}

	if strings.HasPrefix(text, "/msg ") || strings.HasPrefix(text, "/w ") {
		s.handlePrivate(sess, chat)
		return
	}

	util.Stats.AddRelayed()
	metrics.MessagesRelayed.WithLabelValues("udp").Inc()
	s.broadcast(protocol.TypeMessage, &protocol.ChatPayload{
		Sender:        sess.Username(),
		Text:          text,
		MessageID:     chat.MessageID,
		SendTimestamp: chat.SendTimestamp,
	}, sess.Identity())
}

// handlePrivate delivers a direct message to exactly one recipient, or
// reports the failure back to the sender.
func (s *Server) handlePrivate(sess *session.Session, chat *protocol.ChatPayload) {
	parts := strings.SplitN(chat.Text, " ", 3)
	if len(parts) < 3 || parts[2] == "" {
		s.sendReliable(sess, mustWrap(protocol.TypeError, &protocol.ErrorPayload{
			Error: "invalid private message, use /msg <recipient> <text>",
		}))
		return
	}
	recipient, text := parts[1], parts[2]

	target, ok := s.reg.ByUsername(recipient)
	switch {
	case ok && target.Identity() == sess.Identity():
		s.sendReliable(sess, mustWrap(protocol.TypePrivateFailed, &protocol.PrivateFailedPayload{
			Recipient: recipient,
			Reason:    "you cannot send a private message to yourself",
		}))
	case !ok:
		s.sendReliable(sess, mustWrap(protocol.TypePrivateFailed, &protocol.PrivateFailedPayload{
			Recipient: recipient,
			Reason:    fmt.Sprintf("user %q not found or offline", recipient),
		}))
	default:
		util.Stats.AddRelayed()
		metrics.MessagesRelayed.WithLabelValues("udp").Inc()
		s.sendReliable(target, mustWrap(protocol.TypePrivate, &protocol.PrivatePayload{
			Sender:        sess.Username(),
			Recipient:     recipient,
			Text:          text,
			MessageID:     chat.MessageID,
			SendTimestamp: chat.SendTimestamp,
		}))
	}
}
