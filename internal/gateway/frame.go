// Package gateway implements the Discord voice/video gateway protocol: the
// opcode-tagged JSON frame codec, the WebSocket connection that carries it,
// and the heartbeater that keeps a session alive.
package gateway

import (
	"encoding/json"
	"fmt"
	"strconv"
	"strings"
)

// OpCode is the integer-tagged message kind on the gateway wire (§4.1).
type OpCode int

const (
	OpIdentify           OpCode = 0
	OpSelectProtocol     OpCode = 1
	OpReady              OpCode = 2
	OpHeartbeat          OpCode = 3
	OpSessionDescription OpCode = 4
	OpSpeaking           OpCode = 5
	OpHeartbeatAck       OpCode = 6
	OpHello              OpCode = 8
	OpStreamInfo         OpCode = 12
	OpFlags              OpCode = 15
	OpVersions           OpCode = 16
)

func (op OpCode) String() string {
	switch op {
	case OpIdentify:
		return "Identify"
	case OpSelectProtocol:
		return "SelectProtocol"
	case OpReady:
		return "Ready"
	case OpHeartbeat:
		return "Heartbeat"
	case OpSessionDescription:
		return "SessionDescription"
	case OpSpeaking:
		return "Speaking"
	case OpHeartbeatAck:
		return "HeartbeatAck"
	case OpHello:
		return "Hello"
	case OpStreamInfo:
		return "StreamInfo"
	case OpFlags:
		return "Flags"
	case OpVersions:
		return "Versions"
	default:
		return fmt.Sprintf("Unknown(%d)", int(op))
	}
}

// Frame is the wire envelope `{op, d}`. Discord always sends `op` as a
// JSON number, but historically serializes it as a quoted string too;
// outbound frames are always numeric (§4.1/§9), inbound frames accept
// either representation.
type Frame struct {
	Op OpCode
	D  json.RawMessage
}

// frameWire is the on-the-wire shape used only for marshaling, where op
// is always numeric.
type frameWire struct {
	Op int             `json:"op"`
	D  json.RawMessage `json:"d"`
}

// MarshalJSON always emits a numeric op, per the gateway's outbound
// contract — a quoted opcode is rejected by the peer.
func (f Frame) MarshalJSON() ([]byte, error) {
	return json.Marshal(frameWire{Op: int(f.Op), D: f.D})
}

// UnmarshalJSON accepts op as either a JSON number or a quoted numeric
// string, coercing to OpCode before the rest of the codec dispatches on
// it.
func (f *Frame) UnmarshalJSON(data []byte) error {
	var raw struct {
		Op json.RawMessage `json:"op"`
		D  json.RawMessage `json:"d"`
	}
	if err := json.Unmarshal(data, &raw); err != nil {
		return fmt.Errorf("gateway: decode frame envelope: %w", err)
	}

	op, err := coerceOp(raw.Op)
	if err != nil {
		return err
	}

	f.Op = op
	f.D = raw.D
	return nil
}

func coerceOp(raw json.RawMessage) (OpCode, error) {
	trimmed := strings.TrimSpace(string(raw))
	if trimmed == "" {
		return 0, fmt.Errorf("gateway: frame missing op field")
	}

	if trimmed[0] == '"' {
		var s string
		if err := json.Unmarshal(raw, &s); err != nil {
			return 0, fmt.Errorf("gateway: decode string op: %w", err)
		}
		n, err := strconv.Atoi(s)
		if err != nil {
			return 0, fmt.Errorf("gateway: op %q is not numeric: %w", s, err)
		}
		return OpCode(n), nil
	}

	var n int
	if err := json.Unmarshal(raw, &n); err != nil {
		return 0, fmt.Errorf("gateway: decode numeric op: %w", err)
	}
	return OpCode(n), nil
}

// NewFrame marshals payload and wraps it in a Frame for the given opcode.
func NewFrame(op OpCode, payload any) (Frame, error) {
	data, err := json.Marshal(payload)
	if err != nil {
		return Frame{}, fmt.Errorf("gateway: encode %s payload: %w", op, err)
	}
	return Frame{Op: op, D: data}, nil
}

// Decode unmarshals f.D into v.
func (f Frame) Decode(v any) error {
	return json.Unmarshal(f.D, v)
}

// ParseNonce normalizes a heartbeat nonce that may arrive as a JSON
// number or a decimal string (§4.1c). Parse failure returns 0, not an
// error — the codec never raises on a malformed nonce.
func ParseNonce(raw json.RawMessage) uint64 {
	trimmed := strings.TrimSpace(string(raw))
	if trimmed == "" {
		return 0
	}
	if trimmed[0] == '"' {
		var s string
		if err := json.Unmarshal(raw, &s); err != nil {
			return 0
		}
		n, err := strconv.ParseUint(s, 10, 64)
		if err != nil {
			return 0
		}
		return n
	}
	var n uint64
	if err := json.Unmarshal(raw, &n); err != nil {
		return 0
	}
	return n
}
