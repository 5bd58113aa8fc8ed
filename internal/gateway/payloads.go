package gateway

// IdentifyStream describes one outbound stream slot in the Identify
// payload. Rid is the literal ASCII string "100", not the number 100
// (§4.1d).
type IdentifyStream struct {
	Type    string `json:"type"`
	Rid     string `json:"rid"`
	Quality int    `json:"quality"`
}

// IdentifyPayload is OpCode 0, sent once immediately after the socket
// opens.
type IdentifyPayload struct {
	ServerID  string           `json:"server_id"`
	SessionID string           `json:"session_id"`
	Token     string           `json:"token"`
	UserID    string           `json:"user_id"`
	Video     bool             `json:"video"`
	Streams   []IdentifyStream `json:"streams"`
}

// SelectProtocolPayload is OpCode 1, sent once after the media engine's
// local offer is ready.
type SelectProtocolPayload struct {
	Protocol        string   `json:"protocol"`
	RTCConnectionID string   `json:"rtc_connection_id"`
	Codecs          []Codec  `json:"codecs"`
	Data            string   `json:"data"`
	SDP             string   `json:"sdp"`
}

// Codec describes one negotiable codec entry in SelectProtocol.
type Codec struct {
	Name        string `json:"name"`
	Type        string `json:"type"`
	PayloadType int    `json:"payload_type"`
	RTXPayloadType int `json:"rtx_payload_type,omitempty"`
}

// ReadyPayload is OpCode 2, inbound.
type ReadyPayload struct {
	IP         string        `json:"ip"`
	Port       int           `json:"port"`
	Modes      []string      `json:"modes"`
	SSRC       uint32        `json:"ssrc"`
	Streams    []ReadyStream `json:"streams"`
	Experiment string        `json:"experiment,omitempty"`
}

// ReadyStream is one stream entry inside the Ready payload, carrying the
// SFU-assigned SSRCs for this connection.
type ReadyStream struct {
	SSRC    uint32 `json:"ssrc"`
	RTXSSRC uint32 `json:"rtx_ssrc"`
	RID     string `json:"rid,omitempty"`
}

// SessionDescriptionPayload is OpCode 4, inbound. The embedded SDP is a
// deliberately incomplete fragment set — see internal/sdp for why it
// cannot be parsed as a conformant SDP.
type SessionDescriptionPayload struct {
	AudioCodec    string `json:"audio_codec"`
	MediaSessionID string `json:"media_session_id"`
	SDP           string `json:"sdp"`
	VideoCodec    string `json:"video_codec"`
}

// SpeakingPayload is OpCode 5, outbound, sent once after negotiation
// completes.
type SpeakingPayload struct {
	Speaking int    `json:"speaking"`
	Delay    int    `json:"delay"`
	SSRC     uint32 `json:"ssrc"`
}

// HelloPayload is OpCode 8, inbound.
type HelloPayload struct {
	HeartbeatIntervalMs uint64 `json:"heartbeat_interval"`
	V                   int    `json:"v"`
}

// StreamInfoEntry is one stream entry inside the StreamInfo payload.
type StreamInfoEntry struct {
	Type         string `json:"type"`
	RID          string `json:"rid"`
	Active       bool   `json:"active"`
	MaxBitrate   int    `json:"max_bitrate"`
	MaxFramerate int    `json:"max_framerate"`
	MaxResolution struct {
		Type   string `json:"type"`
		Width  int    `json:"width"`
		Height int    `json:"height"`
	} `json:"max_resolution"`
}

// StreamInfoPayload is OpCode 12, outbound, sent exactly twice per
// session (§4.4 ordering constraint 2).
type StreamInfoPayload struct {
	AudioSSRC uint32            `json:"audio_ssrc"`
	RTXSSRC   uint32            `json:"rtx_ssrc"`
	VideoSSRC uint32            `json:"video_ssrc"`
	Streams   []StreamInfoEntry `json:"streams"`
}

// EncodeHeartbeat builds an OpCode 3 frame with the nonce as a raw JSON
// number.
func EncodeHeartbeat(nonce uint64) (Frame, error) {
	return NewFrame(OpHeartbeat, heartbeatWire{D: nonce})
}

type heartbeatWire struct {
	D uint64 `json:"d"`
}
