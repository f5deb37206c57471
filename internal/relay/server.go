// Package relay implements the session broker: it authenticates connections,
// tracks them in the shared registry, and routes pairing, permission, chat,
// and stream packets between peers.
package relay

import (
	"context"
	"fmt"
	"net"
	"time"

	"github.com/deskrelay/deskrelay/internal/protocol"
	"github.com/deskrelay/deskrelay/internal/registry"
	"github.com/deskrelay/deskrelay/internal/store"
	"github.com/deskrelay/deskrelay/internal/util"
)

// Options tunes per-connection behavior.
type Options struct {
	// ReadTimeout bounds each frame read so an unresponsive peer cannot
	// stave off resource cleanup. Zero disables the deadline; liveness
	// then depends entirely on the transport noticing the peer is gone.
	ReadTimeout time.Duration
}

// Server is the relay broker. It owns no connection state itself — the
// injected registry is the single shared mutable resource, and the store
// persists everything that must outlive a connection.
type Server struct {
	store store.Store
	reg   *registry.Registry
	opts  Options
}

// New creates a relay server around the given collaborators.
func New(st store.Store, reg *registry.Registry, opts Options) *Server {
	return &Server{store: st, reg: reg, opts: opts}
}

// ListenAndServe listens on addr and serves plain-TCP clients until ctx is
// cancelled.
func (s *Server) ListenAndServe(ctx context.Context, addr string) error {
	ln, err := net.Listen("tcp", addr)
	if err != nil {
		return fmt.Errorf("relay: listen on %s: %w", addr, err)
	}
	return s.Serve(ctx, ln)
}

// Serve accepts connections from ln until ctx is cancelled. The accept loop
// performs no protocol logic: every accepted connection gets its own handler
// goroutine and misbehaving connections never affect the loop.
func (s *Server) Serve(ctx context.Context, ln net.Listener) error {
	// Close the listener when context is done so Accept() returns.
	go func() {
		<-ctx.Done()
		ln.Close()
	}()

	util.LogInfo("relay listening on %s", ln.Addr())

	for {
		conn, err := ln.Accept()
		if err != nil {
			select {
			case <-ctx.Done():
				return nil // normal shutdown
			default:
				return fmt.Errorf("relay: accept: %w", err)
			}
		}

		go s.handleConn(ctx, protocol.NewStreamConn(conn, s.opts.ReadTimeout))
	}
}
