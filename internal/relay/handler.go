package relay

import (
	"context"
	"errors"

	"github.com/google/uuid"

	"github.com/deskrelay/deskrelay/internal/protocol"
	"github.com/deskrelay/deskrelay/internal/registry"
	"github.com/deskrelay/deskrelay/internal/store"
	"github.com/deskrelay/deskrelay/internal/util"
)

// handleConn drives one connection through its lifecycle: authentication
// handshake, registration, receive loop, teardown. Packets from a single
// connection are processed strictly in arrival order; cross-connection work
// goes through the registry only.
func (s *Server) handleConn(ctx context.Context, pc protocol.PacketConn) {
	connID := uuid.NewString()[:8]
	util.Stats.AddConn()
	util.LogDebug("[%s] incoming connection from %s", connID, pc.RemoteAddr())

	defer util.Stats.RemoveConn()
	defer pc.Close()

	// Unblock the read loop when the server shuts down.
	hctx, cancel := context.WithCancel(ctx)
	defer cancel()
	go func() {
		<-hctx.Done()
		pc.Close()
	}()

	ident, ok := s.authenticate(hctx, connID, pc)
	if !ok {
		return
	}
	defer s.teardown(ctx, connID, ident.Username)

	util.LogInfo("[%s] %s authenticated as %s (%s)", connID, pc.RemoteAddr(), ident.Username, ident.Role)
	s.store.Log(hctx, "INFO", "AUTH_OK",
		map[string]any{"username": ident.Username, "role": string(ident.Role), "addr": ident.Addr}, 0)

	for {
		pkt, err := pc.ReadPacket()
		if err != nil {
			if !errors.Is(err, protocol.ErrConnectionClosed) {
				util.LogWarning("[%s] %s: read failed: %v", connID, ident.Username, err)
			}
			return
		}
		util.Stats.AddIn()

		if pkt.Kind == protocol.KindDisconnect {
			util.LogInfo("[%s] %s requested disconnect", connID, ident.Username)
			return
		}
		s.dispatch(hctx, connID, ident, pkt)
	}
}

// authenticate enforces the auth gate: the first packet must be a well-formed
// AUTH_REQ against a known account, and the username must not already be
// live. Every failure path sends AUTH_FAIL and reports a terminal state.
func (s *Server) authenticate(ctx context.Context, connID string, pc protocol.PacketConn) (*registry.Identity, bool) {
	pkt, err := pc.ReadPacket()
	if err != nil {
		util.LogDebug("[%s] closed before auth: %v", connID, err)
		return nil, false
	}
	if pkt.Kind != protocol.KindAuthReq {
		s.authFail(ctx, pc, "first packet must be AUTH_REQ")
		return nil, false
	}

	var req protocol.AuthRequest
	if err := pkt.Decode(&req); err != nil || req.Username == "" || req.Password == "" {
		s.authFail(ctx, pc, "malformed credentials")
		return nil, false
	}

	role := registry.Role(req.Role)
	switch role {
	case "":
		role = registry.RoleController
	case registry.RoleController, registry.RoleTarget:
	default:
		s.authFail(ctx, pc, "unknown role")
		return nil, false
	}

	ok, err := s.store.Authenticate(ctx, req.Username, req.Password)
	if err != nil {
		util.LogError("[%s] credential check failed: %v", connID, err)
		s.authFail(ctx, pc, "authentication unavailable")
		return nil, false
	}
	if !ok {
		s.store.Log(ctx, "WARNING", "AUTH_FAIL", map[string]any{"username": req.Username}, 0)
		s.authFail(ctx, pc, "invalid credentials")
		return nil, false
	}

	ident := &registry.Identity{
		Username: req.Username,
		Role:     role,
		Addr:     pc.RemoteAddr(),
		Conn:     pc,
	}
	if !s.reg.Register(ident) {
		// The established connection wins; the newcomer is turned away.
		s.authFail(ctx, pc, "already logged in")
		return nil, false
	}

	if err := pc.WriteJSON(protocol.KindAuthOK, map[string]any{}); err != nil {
		s.reg.Deregister(ident.Username)
		return nil, false
	}
	return ident, true
}

// authFail sends AUTH_FAIL with the given reason. Write errors are moot: the
// connection is closing either way.
func (s *Server) authFail(_ context.Context, pc protocol.PacketConn, reason string) {
	pc.WriteJSON(protocol.KindAuthFail, protocol.AuthFailData{Reason: reason})
}

// teardown deregisters the connection and, if it belonged to an open session,
// closes the session and informs the surviving members. It runs on every exit
// path after registration, including server shutdown, so persistence uses a
// context detached from the handler's cancellation.
func (s *Server) teardown(ctx context.Context, connID, username string) {
	ctx = context.WithoutCancel(ctx)

	snap, ok := s.reg.Lookup(username)
	s.reg.Deregister(username)
	util.LogInfo("[%s] connection for %s closed", connID, username)

	if !ok || snap.SessionID == 0 {
		return
	}
	s.closeSession(ctx, snap.SessionID, username)
}

// closeSession persists the session end, detaches every member, and notifies
// the survivors that their peer is gone.
func (s *Server) closeSession(ctx context.Context, sessionID int64, closedBy string) {
	if err := s.store.CloseSession(ctx, sessionID, store.StatusClosed); err != nil {
		util.LogWarning("closing session %d: %v", sessionID, err)
	}

	members := s.reg.ClearSession(sessionID)
	notice := protocol.ErrorData{
		Code:         protocol.CodePeerGone,
		Message:      "peer disconnected",
		PeerUsername: closedBy,
	}
	for _, m := range members {
		if m.Username == closedBy {
			continue
		}
		if err := m.Conn.WriteJSON(protocol.KindError, notice); err != nil {
			util.LogDebug("notifying %s of session close: %v", m.Username, err)
		}
	}

	s.store.Log(ctx, "INFO", "SESSION_CLOSED", map[string]any{"closed_by": closedBy}, sessionID)
}
