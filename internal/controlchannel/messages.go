// Package controlchannel implements the localhost WebSocket server the
// browser extension drives the daemon through (§6). It is pure
// transport and JSON framing; command semantics live in the session
// controller this package calls into.
package controlchannel

import "encoding/json"

// Inbound command types (§6 "Control channel (inbound)").
const (
	TypeStartStream = "StartStream"
	TypeStopStream  = "StopStream"
	TypeGetInfo     = "GetInfo"
)

// Outbound message types (§6 "Control channel (outbound)", plus the
// AgentStatus health-reporting addition).
const (
	TypeApplicationList = "ApplicationList"
	TypeStreamStop      = "StreamStop"
	TypeStreamPreview   = "StreamPreview"
	TypeAgentStatus     = "AgentStatus"
)

// Envelope is the outer shape every frame on the control channel
// shares: a type discriminator and a type-specific payload.
type Envelope struct {
	Type string          `json:"type"`
	Data json.RawMessage `json:"data,omitempty"`
}

// Resolution mirrors the control channel's StartStream.resolution
// field (§6).
type Resolution struct {
	Width   int  `json:"width"`
	Height  int  `json:"height"`
	IsFixed bool `json:"is_fixed"`
}

// IceServerParams mirrors the control channel's StartStream.ice field.
type IceServerParams struct {
	URLs       []string `json:"urls"`
	Username   string   `json:"username"`
	Credential string   `json:"credential"`
}

// StartStreamCommand is the decoded payload of an inbound StartStream
// frame (§6).
type StartStreamCommand struct {
	PID             int             `json:"pid"`
	XID             uint32          `json:"xid"`
	Resolution      Resolution      `json:"resolution"`
	Framerate       uint8           `json:"framerate"`
	ServerID        string          `json:"server_id"`
	UserID          string          `json:"user_id"`
	Token           string          `json:"token"`
	SessionID       string          `json:"session_id"`
	RTCConnectionID string          `json:"rtc_connection_id"`
	Endpoint        string          `json:"endpoint"`
	IP              string          `json:"ip"`
	ICE             IceServerParams `json:"ice"`
}

// GetInfoCommand is the decoded payload of an inbound GetInfo frame.
type GetInfoCommand struct {
	XIDs []uint32 `json:"xids"`
}

// Application describes one candidate streaming target for
// ApplicationList (§6 outbound).
type Application struct {
	Name string `json:"name"`
	PID  int    `json:"pid"`
	XID  uint32 `json:"xid"`
}

// ApplicationListPayload is the outbound ApplicationList frame body.
type ApplicationListPayload struct {
	Apps []Application `json:"apps"`
}

// StreamPreviewPayload is the outbound StreamPreview frame body: a
// base64-encoded JPEG thumbnail (§4.7 periodic poller, §6).
type StreamPreviewPayload struct {
	JPG string `json:"jpg"`
}

// AgentStatusPayload is the outbound health-report frame body
// (SPEC_FULL §5 "Health reporting" supplement to §6).
type AgentStatusPayload struct {
	Status     string            `json:"status"`
	Components map[string]string `json:"components"`
}

func encode(msgType string, payload any) ([]byte, error) {
	data, err := json.Marshal(payload)
	if err != nil {
		return nil, err
	}
	return json.Marshal(Envelope{Type: msgType, Data: data})
}
