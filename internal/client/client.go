// Package client implements the chat participants: a datagram client running
// the full reliable-delivery engine against the relay, and a stream client
// speaking newline-delimited JSON over TCP. Both report inbound traffic
// through the same Handler callbacks so frontends are transport-agnostic.
package client

import (
	"crypto/rand"
	"encoding/hex"
	"sync"
	"time"
)

// Handler receives the events a frontend renders. Nil callbacks are skipped.
// Callbacks are invoked from the client's read goroutine; they must not block.
type Handler struct {
	OnMessage         func(sender, text string)
	OnPrivateMessage  func(sender, text string)
	OnUserListChanged func(users []string)
	OnSystemNotice    func(text string)
	OnError           func(err error)
}

func (h Handler) message(sender, text string) {
	if h.OnMessage != nil {
		h.OnMessage(sender, text)
	}
}

func (h Handler) private(sender, text string) {
	if h.OnPrivateMessage != nil {
		h.OnPrivateMessage(sender, text)
	}
}

func (h Handler) userList(users []string) {
	if h.OnUserListChanged != nil {
		h.OnUserListChanged(users)
	}
}

func (h Handler) system(text string) {
	if h.OnSystemNotice != nil {
		h.OnSystemNotice(text)
	}
}

func (h Handler) error(err error) {
	if h.OnError != nil {
		h.OnError(err)
	}
}

// roster is the client's local copy of the online user list, maintained from
// USER_LIST snapshots and USER_JOINED/USER_LEFT deltas.
type roster struct {
	mu    sync.Mutex
	users []string
}

func (r *roster) replace(users []string) []string {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.users = append([]string(nil), users...)
	return append([]string(nil), r.users...)
}

func (r *roster) add(username string) []string {
	r.mu.Lock()
	defer r.mu.Unlock()
	for _, u := range r.users {
		if u == username {
			return append([]string(nil), r.users...)
		}
	}
	r.users = append(r.users, username)
	return append([]string(nil), r.users...)
}

func (r *roster) remove(username string) []string {
	r.mu.Lock()
	defer r.mu.Unlock()
	for i, u := range r.users {
		if u == username {
			r.users = append(r.users[:i], r.users[i+1:]...)
			break
		}
	}
	return append([]string(nil), r.users...)
}

func (r *roster) snapshot() []string {
	r.mu.Lock()
	defer r.mu.Unlock()
	return append([]string(nil), r.users...)
}

// newMessageID generates a random identifier for latency correlation.
func newMessageID() string {
	b := make([]byte, 8)
	if _, err := rand.Read(b); err != nil {
		return ""
	}
	return hex.EncodeToString(b)
}

// nowTimestamp returns the current time as fractional Unix seconds, the
// wire format of send_timestamp.
func nowTimestamp() float64 {
	return float64(time.Now().UnixNano()) / float64(time.Second)
}
