// Package protocol defines the framed wire format shared by the relay server
// and its clients.
package protocol

import "encoding/json"

// Kind identifies how a packet's payload is interpreted.
type Kind uint8

// Packet kind constants. Values are wire protocol constants — changing them
// breaks compatibility with deployed clients.
const (
	// Connection management (0-9).
	KindHeartbeat Kind = 0 // keep-alive, no payload semantics
	KindAuthReq   Kind = 1 // {username, password, role}
	KindAuthOK    Kind = 2 // empty object
	KindAuthFail  Kind = 3 // {reason}

	// Session negotiation (10-19).
	KindConnectRequest Kind = 10 // controller requests a target pairing
	KindConnectAccept  Kind = 11 // reserved
	KindConnectInfo    Kind = 12 // {session_id, peer, peer_username}

	// Streaming and in-session control (20-29).
	KindFrame        Kind = 20 // compressed screen capture (raw or JSON)
	KindInput        Kind = 21 // mouse/keyboard event
	KindChat         Kind = 22 // {text, timestamp, sender}
	KindPermRequest  Kind = 23 // controller asks for capabilities
	KindPermResponse Kind = 24 // {controller, granted}

	// Session lifecycle (30-39).
	KindDisconnect Kind = 30 // clean disconnection
	KindError      Kind = 31 // {code, message}
)

// Packet is one decoded unit of wire communication. Exactly one of Data and
// Raw is meaningful: JSON payloads arrive in Data, opaque byte payloads
// (screen frames) arrive in Raw.
type Packet struct {
	Kind Kind
	Data json.RawMessage
	Raw  []byte
}

// Decode unmarshals the packet's JSON payload into v.
func (p *Packet) Decode(v any) error {
	return json.Unmarshal(p.Data, v)
}

// envelope is the JSON wrapper for structured payloads.
type envelope struct {
	Type int             `json:"type"`
	Data json.RawMessage `json:"data"`
}
