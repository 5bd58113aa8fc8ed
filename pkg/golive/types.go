// Package golive holds the small exported types shared between the
// session controller, the control channel, and the media engine — the
// wire-adjacent shapes a caller outside internal/ needs to construct a
// session request or inspect its ICE configuration.
package golive

// Resolution is the target capture resolution for a session. Fixed
// indicates the viewer pinned a resolution rather than letting the
// daemon pick one on resize.
type Resolution struct {
	Width  int  `json:"width"`
	Height int  `json:"height"`
	Fixed  bool `json:"isFixed"`
}

// IceServer is one STUN/TURN server entry. TURN entries carry Username
// and Credential; STUN entries leave them empty.
type IceServer struct {
	URLs       []string `json:"urls"`
	Username   string   `json:"username,omitempty"`
	Credential string   `json:"credential,omitempty"`
}

// VideoCodec enumerates the codecs the media engine can be configured
// to produce. Only H264 is wired end-to-end; VP8/VP9 are accepted by
// the type but the encoder falls back to H264 (see internal/media).
type VideoCodec string

const (
	VideoCodecH264 VideoCodec = "H264"
	VideoCodecVP8  VideoCodec = "VP8"
	VideoCodecVP9  VideoCodec = "VP9"
)

// StartStreamParams is the fully-decoded StartStream control-channel
// command (§6): everything the session controller needs to open a
// gateway connection and hand a local offer to the media engine.
type StartStreamParams struct {
	PID             uint32      `json:"pid"`
	XID             uint32      `json:"xid"`
	Resolution      Resolution  `json:"resolution"`
	Framerate       uint8       `json:"framerate"`
	ServerID        string      `json:"server_id"`
	UserID          string      `json:"user_id"`
	Token           string      `json:"token"`
	SessionID       string      `json:"session_id"`
	RTCConnectionID string      `json:"rtc_connection_id"`
	Endpoint        string      `json:"endpoint"`
	IP              string      `json:"ip"`
	IceServers      []IceServer `json:"ice"`
	VideoCodec      VideoCodec  `json:"-"`
}

// SessionInfo is the public, read-only view of an active session. No
// control-channel reply carries it: GetInfo answers with the window
// list and AgentStatus with the health summary.
type SessionInfo struct {
	SessionID  string     `json:"sessionId"`
	ServerID   string     `json:"serverId"`
	State      string     `json:"state"`
	Resolution Resolution `json:"resolution"`
	Framerate  uint8      `json:"framerate"`
}
