package relay

import (
	"context"
	"fmt"
	"net"
	"net/http"

	"github.com/gorilla/websocket"

	"github.com/deskrelay/deskrelay/internal/protocol"
	"github.com/deskrelay/deskrelay/internal/util"
)

var upgrader = websocket.Upgrader{
	CheckOrigin: func(r *http.Request) bool { return true },
}

// ListenAndServeWS listens on addr and serves the same relay protocol over
// WebSocket. Each binary WS message carries one payload, byte-identical to
// the stream transport minus the length prefix; clients behind HTTP-only
// egress use this endpoint instead of the TCP one.
func (s *Server) ListenAndServeWS(ctx context.Context, addr string) error {
	ln, err := net.Listen("tcp", addr)
	if err != nil {
		return fmt.Errorf("relay: ws listen on %s: %w", addr, err)
	}
	return s.ServeWS(ctx, ln)
}

// ServeWS serves WebSocket clients from ln until ctx is cancelled.
func (s *Server) ServeWS(ctx context.Context, ln net.Listener) error {
	mux := http.NewServeMux()
	mux.HandleFunc("/ws", func(w http.ResponseWriter, r *http.Request) {
		conn, err := upgrader.Upgrade(w, r, nil)
		if err != nil {
			util.LogDebug("ws upgrade from %s failed: %v", r.RemoteAddr, err)
			return
		}
		// net/http already runs each request in its own goroutine, so the
		// handler loop runs inline.
		s.handleConn(ctx, protocol.NewWSConn(conn, s.opts.ReadTimeout))
	})

	go func() {
		<-ctx.Done()
		ln.Close()
	}()

	util.LogInfo("relay websocket listening on %s", ln.Addr())

	err := http.Serve(ln, mux)
	select {
	case <-ctx.Done():
		return nil // normal shutdown
	default:
		return fmt.Errorf("relay: ws serve: %w", err)
	}
}
