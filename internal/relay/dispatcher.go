package relay

import (
	"context"
	"encoding/json"
	"time"

	"github.com/deskrelay/deskrelay/internal/protocol"
	"github.com/deskrelay/deskrelay/internal/registry"
	"github.com/deskrelay/deskrelay/internal/store"
	"github.com/deskrelay/deskrelay/internal/util"
)

// dispatch routes one post-auth packet. Routing is keyed by packet kind and
// sender role so role-inappropriate requests are rejected at this boundary
// instead of deep in the session logic. Unmatched combinations get a 400 back
// and the connection loop continues — post-auth violations are not fatal.
func (s *Server) dispatch(ctx context.Context, connID string, sender *registry.Identity, pkt *protocol.Packet) {
	switch pkt.Kind {
	case protocol.KindHeartbeat:
		// Liveness no-op; idle handling belongs to the transport.

	case protocol.KindConnectRequest:
		if sender.Role != registry.RoleController {
			s.sendError(sender.Conn, protocol.CodeBadRequest, "connect request requires controller role")
			return
		}
		s.handleConnectRequest(ctx, connID, sender, pkt)

	case protocol.KindPermRequest:
		if sender.Role != registry.RoleController {
			s.sendError(sender.Conn, protocol.CodeBadRequest, "permission request requires controller role")
			return
		}
		s.handlePermRequest(sender, pkt)

	case protocol.KindPermResponse:
		if sender.Role != registry.RoleTarget {
			s.sendError(sender.Conn, protocol.CodeBadRequest, "permission response requires target role")
			return
		}
		s.handlePermResponse(ctx, sender, pkt)

	case protocol.KindChat:
		s.handleChat(ctx, sender, pkt)

	case protocol.KindFrame:
		if sender.Role != registry.RoleTarget {
			s.sendError(sender.Conn, protocol.CodeBadRequest, "frame streaming requires target role")
			return
		}
		s.handleFrame(sender, pkt)

	case protocol.KindInput:
		if sender.Role != registry.RoleController {
			s.sendError(sender.Conn, protocol.CodeBadRequest, "input streaming requires controller role")
			return
		}
		s.handleInput(sender, pkt)

	default:
		s.sendError(sender.Conn, protocol.CodeBadRequest, "unsupported packet type")
	}
}

// handleConnectRequest opens a session between the requesting controller and
// the named target, then informs both sides of each other's address and the
// shared session id.
func (s *Server) handleConnectRequest(ctx context.Context, connID string, sender *registry.Identity, pkt *protocol.Packet) {
	var req protocol.ConnectRequestData
	if err := pkt.Decode(&req); err != nil || req.TargetUID == "" {
		s.sendError(sender.Conn, protocol.CodeBadRequest, "target_uid missing")
		return
	}

	// A session id, once assigned, stays identical on both sides until the
	// session closes. Re-pairing a live side would strand its peer on a
	// stale id, so busy sides are rejected up front; Pair re-checks under
	// the registry lock to close the race.
	if s.sessionOf(sender.Username) != 0 {
		s.sendError(sender.Conn, protocol.CodeBadRequest, "already in a session")
		return
	}
	tgtSnap, ok := s.reg.Lookup(req.TargetUID)
	if !ok {
		s.sendError(sender.Conn, protocol.CodeNotFound, "target offline")
		return
	}
	if tgtSnap.SessionID != 0 {
		s.sendError(sender.Conn, protocol.CodeBadRequest, "target busy")
		return
	}

	sessionID, err := s.store.OpenSession(ctx, sender.Username, req.TargetUID)
	if err != nil {
		util.LogError("[%s] opening session %s/%s: %v", connID, sender.Username, req.TargetUID, err)
		s.sendError(sender.Conn, protocol.CodeServerError, "session persistence failed")
		return
	}

	// Atomic pairing: if either side vanished or got paired since the
	// checks above, abort and mark the orphaned session record.
	ctrl, tgt, ok := s.reg.Pair(sender.Username, req.TargetUID, sessionID)
	if !ok {
		s.store.CloseSession(ctx, sessionID, store.StatusAborted)
		s.sendError(sender.Conn, protocol.CodeNotFound, "target unavailable")
		return
	}

	s.sendJSON(ctrl.Conn, protocol.KindConnectInfo, protocol.ConnectInfoData{
		SessionID:    sessionID,
		Peer:         tgt.Addr,
		PeerUsername: tgt.Username,
	})
	s.sendJSON(tgt.Conn, protocol.KindConnectInfo, protocol.ConnectInfoData{
		SessionID:    sessionID,
		Peer:         ctrl.Addr,
		PeerUsername: ctrl.Username,
	})

	util.LogInfo("[%s] paired controller %s with target %s (session %d)",
		connID, ctrl.Username, tgt.Username, sessionID)
	s.store.Log(ctx, "INFO", "SESSION_OPEN",
		map[string]any{"controller": ctrl.Username, "target": tgt.Username}, sessionID)
}

// handlePermRequest forwards a capability request verbatim to the named
// target. The sender gets no reply at this point; the answer arrives as a
// relayed PERM_RESPONSE.
func (s *Server) handlePermRequest(sender *registry.Identity, pkt *protocol.Packet) {
	var req protocol.PermRequestData
	if err := pkt.Decode(&req); err != nil || req.Target == "" {
		s.sendError(sender.Conn, protocol.CodeBadRequest, "target missing")
		return
	}

	tgt, ok := s.reg.Lookup(req.Target)
	if !ok {
		s.sendError(sender.Conn, protocol.CodeNotFound, "target offline")
		return
	}
	s.sendJSON(tgt.Conn, protocol.KindPermRequest, json.RawMessage(pkt.Data))
}

// handlePermResponse applies the target's grant to the named controller and
// forwards the response. A vanished controller is a harmless race: the grant
// is dropped silently.
func (s *Server) handlePermResponse(ctx context.Context, sender *registry.Identity, pkt *protocol.Packet) {
	var resp protocol.PermResponseData
	if err := pkt.Decode(&resp); err != nil || resp.Controller == "" {
		s.sendError(sender.Conn, protocol.CodeBadRequest, "controller missing")
		return
	}

	if !s.reg.Mutate(resp.Controller, func(id *registry.Identity) {
		id.Perms = resp.Granted
	}) {
		util.LogDebug("perm response for departed controller %s dropped", resp.Controller)
		return
	}

	ctrl, ok := s.reg.Lookup(resp.Controller)
	if !ok {
		return
	}
	s.sendJSON(ctrl.Conn, protocol.KindPermResponse, json.RawMessage(pkt.Data))

	s.store.Log(ctx, "INFO", "PERM_GRANTED", map[string]any{
		"controller": resp.Controller,
		"target":     sender.Username,
		"view":       resp.Granted.View,
		"mouse":      resp.Granted.Mouse,
		"keyboard":   resp.Granted.Keyboard,
	}, s.sessionOf(sender.Username))
}

// handleChat persists the message and fans it out to every other member of
// the sender's session. Membership is decided by session id, not by the
// direct peer, so future multi-party sessions fan out for free.
func (s *Server) handleChat(ctx context.Context, sender *registry.Identity, pkt *protocol.Packet) {
	sessionID := s.sessionOf(sender.Username)
	if sessionID == 0 {
		s.sendError(sender.Conn, protocol.CodeBadRequest, "no active session")
		return
	}

	var msg protocol.ChatData
	if err := pkt.Decode(&msg); err != nil || msg.Text == "" {
		s.sendError(sender.Conn, protocol.CodeBadRequest, "text missing")
		return
	}
	// The relay, not the client, is authoritative for sender and timestamp.
	msg.Sender = sender.Username
	msg.Timestamp = time.Now().UTC().Format(store.TimeFormat)

	if err := s.store.AddChatMsg(ctx, sessionID, sender.Username, msg.Text); err != nil {
		util.LogWarning("persisting chat for session %d: %v", sessionID, err)
	}

	for _, m := range s.reg.SessionMembers(sessionID) {
		if m.Username == sender.Username {
			continue
		}
		s.sendJSON(m.Conn, protocol.KindChat, msg)
	}
}

// handleFrame relays a screen frame from a target to the session controllers
// that hold the view permission. Frames may arrive raw or JSON-wrapped; they
// are forwarded in the form they arrived. Unpaired or unpermitted frames are
// dropped without a reply — streams are high-rate and racing a session close
// is not an error.
func (s *Server) handleFrame(sender *registry.Identity, pkt *protocol.Packet) {
	sessionID := s.sessionOf(sender.Username)
	if sessionID == 0 {
		return
	}

	for _, m := range s.reg.SessionMembers(sessionID) {
		if m.Role != registry.RoleController || !m.Perms.View {
			continue
		}
		if pkt.Raw != nil {
			s.sendBytes(m.Conn, pkt.Raw)
		} else {
			s.sendJSON(m.Conn, protocol.KindFrame, json.RawMessage(pkt.Data))
		}
	}
}

// handleInput relays an input event from a controller to its session target,
// provided the controller holds an input capability. Like frames, disallowed
// events are dropped silently.
func (s *Server) handleInput(sender *registry.Identity, pkt *protocol.Packet) {
	snap, ok := s.reg.Lookup(sender.Username)
	if !ok || snap.SessionID == 0 {
		return
	}
	if !snap.Perms.Mouse && !snap.Perms.Keyboard {
		util.LogDebug("input from %s dropped: no input permission", sender.Username)
		return
	}

	for _, m := range s.reg.SessionMembers(snap.SessionID) {
		if m.Role != registry.RoleTarget {
			continue
		}
		s.sendJSON(m.Conn, protocol.KindInput, json.RawMessage(pkt.Data))
	}
}

// sessionOf returns the live session id for a username, zero when unpaired
// or departed.
func (s *Server) sessionOf(username string) int64 {
	snap, ok := s.reg.Lookup(username)
	if !ok {
		return 0
	}
	return snap.SessionID
}

// sendJSON writes to a peer connection, counting and logging but never
// propagating the error: a failed peer write is that peer's problem and its
// own handler will clean up.
func (s *Server) sendJSON(pc protocol.PacketConn, kind protocol.Kind, data any) {
	if err := pc.WriteJSON(kind, data); err != nil {
		util.LogDebug("relay write (%d) failed: %v", kind, err)
		return
	}
	util.Stats.AddRelayed()
}

func (s *Server) sendBytes(pc protocol.PacketConn, data []byte) {
	if err := pc.WriteBytes(data); err != nil {
		util.LogDebug("relay raw write failed: %v", err)
		return
	}
	util.Stats.AddRelayed()
}

// sendError reports a routing or resolution failure to the offending sender.
func (s *Server) sendError(pc protocol.PacketConn, code int, message string) {
	if err := pc.WriteJSON(protocol.KindError, protocol.ErrorData{Code: code, Message: message}); err != nil {
		util.LogDebug("error reply failed: %v", err)
	}
}
