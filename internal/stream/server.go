package stream

import (
	"context"
	"fmt"
	"net"
	"net/http"

	"github.com/1ureka/1ureka.net.chat/internal/config"
	"github.com/1ureka/1ureka.net.chat/internal/util"
	"github.com/gorilla/websocket"
)

var upgrader = websocket.Upgrader{
	CheckOrigin: func(r *http.Request) bool { return true },
}

// Server is the stream relay endpoint: a TCP listener, plus an optional
// WebSocket gateway feeding the same hub.
type Server struct {
	cfg *config.Config
	hub *Hub
}

// New creates a stream server. Listeners are bound by Run.
func New(cfg *config.Config) *Server {
	return &Server{cfg: cfg, hub: NewHub()}
}

// Run accepts connections until ctx is cancelled. Each peer is served on its
// own goroutine; a bind failure is fatal and returned to the operator.
func (s *Server) Run(ctx context.Context) error {
	ln, err := net.Listen("tcp", s.cfg.StreamAddr)
	if err != nil {
		return fmt.Errorf("bind %s: %w", s.cfg.StreamAddr, err)
	}

	// Close the listener when ctx is done so Accept returns an error.
	go func() {
		<-ctx.Done()
		ln.Close()
	}()

	if s.cfg.WSAddr != "" {
		go s.serveWS(ctx)
	}

	util.LogInfo("TCP relay listening on %s", ln.Addr())

	for {
		netConn, err := ln.Accept()
		if err != nil {
			select {
			case <-ctx.Done():
				return nil // normal shutdown
			default:
				return fmt.Errorf("accept: %w", err)
			}
		}
		go s.hub.Serve(ctx, newTCPWire(netConn))
	}
}

// serveWS runs the WebSocket gateway. Gateway peers share the hub with TCP
// peers, so the two populations chat with each other.
func (s *Server) serveWS(ctx context.Context) {
	mux := http.NewServeMux()
	mux.HandleFunc("/ws", func(w http.ResponseWriter, r *http.Request) {
		wsConn, err := upgrader.Upgrade(w, r, nil)
		if err != nil {
			util.LogWarning("websocket upgrade from %s: %v", r.RemoteAddr, err)
			return
		}
		s.hub.Serve(ctx, newWSWire(wsConn))
	})

	srv := &http.Server{Addr: s.cfg.WSAddr, Handler: mux}
	go func() {
		<-ctx.Done()
		srv.Close()
	}()

	util.LogInfo("WebSocket gateway listening on %s", s.cfg.WSAddr)
	if err := srv.ListenAndServe(); err != nil && err != http.ErrServerClosed {
		util.LogError("websocket gateway: %v", err)
	}
}
