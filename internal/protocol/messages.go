package protocol

// Role strings reported by a client at authentication time.
const (
	RoleController = "controller"
	RoleTarget     = "target"
)

// Permissions are the capabilities a target can grant a controller for a
// session. The zero value is the post-pairing default: nothing granted.
type Permissions struct {
	View     bool `json:"view"`
	Mouse    bool `json:"mouse"`
	Keyboard bool `json:"keyboard"`
}

// Any reports whether at least one capability is granted.
func (p Permissions) Any() bool {
	return p.View || p.Mouse || p.Keyboard
}

// AuthRequest is the AUTH_REQ payload. Role defaults to controller when empty.
type AuthRequest struct {
	Username string `json:"username"`
	Password string `json:"password"`
	Role     string `json:"role,omitempty"`
}

// AuthFailData is the AUTH_FAIL payload.
type AuthFailData struct {
	Reason string `json:"reason"`
}

// ConnectRequestData is the CONNECT_REQUEST payload sent by a controller.
type ConnectRequestData struct {
	TargetUID string `json:"target_uid"`
}

// ConnectInfoData is the CONNECT_INFO payload delivered to both sides of a
// freshly opened session. Peer is the transport-level address of the other
// side as observed by the relay, usable for a direct channel attempt.
type ConnectInfoData struct {
	SessionID    int64  `json:"session_id"`
	Peer         string `json:"peer"`
	PeerUsername string `json:"peer_username"`
}

// PermRequestData is the PERM_REQUEST payload. The relay forwards it verbatim
// to the named target; the capability fields describe what is being asked for.
type PermRequestData struct {
	Controller string `json:"controller"`
	Target     string `json:"target"`
	View       bool   `json:"view"`
	Mouse      bool   `json:"mouse"`
	Keyboard   bool   `json:"keyboard"`
}

// PermResponseData is the PERM_RESPONSE payload sent by a target.
type PermResponseData struct {
	Controller string      `json:"controller"`
	Granted    Permissions `json:"granted"`
}

// ChatData is the CHAT payload.
type ChatData struct {
	Text      string `json:"text"`
	Timestamp string `json:"timestamp"`
	Sender    string `json:"sender"`
}

// ErrorData is the ERROR payload. PeerUsername is set when the error reports
// the disconnection of a session peer.
type ErrorData struct {
	Code         int    `json:"code"`
	Message      string `json:"message"`
	PeerUsername string `json:"peer_username,omitempty"`
}

// Error codes carried in ErrorData.
const (
	CodeBadRequest  = 400 // unknown or role-inappropriate packet
	CodeNotFound    = 404 // requested peer is not registered
	CodePeerGone    = 410 // session peer disconnected
	CodeServerError = 500 // relay-side failure (persistence, pairing race)
)
