package gateway

import (
	"encoding/json"
	"strings"
	"testing"
)

func TestFrameMarshalAlwaysNumericOp(t *testing.T) {
	frame, err := NewFrame(OpHeartbeat, heartbeatWire{D: 42})
	if err != nil {
		t.Fatalf("NewFrame: %v", err)
	}

	data, err := json.Marshal(frame)
	if err != nil {
		t.Fatalf("Marshal: %v", err)
	}
	if !strings.Contains(string(data), `"op":3`) {
		t.Fatalf("expected numeric op, got %s", data)
	}
	if strings.Contains(string(data), `"op":"3"`) {
		t.Fatalf("op must not be quoted: %s", data)
	}
}

func TestFrameUnmarshalAcceptsNumericOp(t *testing.T) {
	var f Frame
	if err := json.Unmarshal([]byte(`{"op":8,"d":{"heartbeat_interval":1000,"v":7}}`), &f); err != nil {
		t.Fatalf("Unmarshal: %v", err)
	}
	if f.Op != OpHello {
		t.Fatalf("Op = %v, want OpHello", f.Op)
	}
}

func TestFrameUnmarshalAcceptsStringOp(t *testing.T) {
	var f Frame
	if err := json.Unmarshal([]byte(`{"op":"8","d":{"heartbeat_interval":1000,"v":7}}`), &f); err != nil {
		t.Fatalf("Unmarshal: %v", err)
	}
	if f.Op != OpHello {
		t.Fatalf("Op = %v, want OpHello", f.Op)
	}
}

func TestFrameUnmarshalRejectsNonNumericStringOp(t *testing.T) {
	var f Frame
	if err := json.Unmarshal([]byte(`{"op":"hello","d":{}}`), &f); err == nil {
		t.Fatal("expected error for non-numeric string op")
	}
}

func TestFrameRoundTripEveryVariant(t *testing.T) {
	frames := []Frame{
		mustFrame(t, OpIdentify, IdentifyPayload{ServerID: "g1", SessionID: "s1", Token: "tok", UserID: "u1", Video: true, Streams: []IdentifyStream{{Type: "video", Rid: "100", Quality: 100}}}),
		mustFrame(t, OpSelectProtocol, SelectProtocolPayload{Protocol: "webrtc", RTCConnectionID: "r1", Data: "v=0", SDP: "v=0"}),
		mustFrame(t, OpReady, ReadyPayload{IP: "198.51.100.5", Port: 50000, Modes: []string{"aead_aes256_gcm"}, SSRC: 111}),
		mustFrame(t, OpSessionDescription, SessionDescriptionPayload{AudioCodec: "opus", SDP: "v=0"}),
		mustFrame(t, OpSpeaking, SpeakingPayload{Speaking: 1, Delay: 5, SSRC: 0}),
		mustFrame(t, OpHello, HelloPayload{HeartbeatIntervalMs: 1000, V: 7}),
		mustFrame(t, OpStreamInfo, StreamInfoPayload{AudioSSRC: 1, RTXSSRC: 2, VideoSSRC: 3}),
	}

	for _, original := range frames {
		data, err := json.Marshal(original)
		if err != nil {
			t.Fatalf("Marshal(%v): %v", original.Op, err)
		}

		var decoded Frame
		if err := json.Unmarshal(data, &decoded); err != nil {
			t.Fatalf("Unmarshal(%v): %v", original.Op, err)
		}

		if decoded.Op != original.Op {
			t.Fatalf("round-trip op mismatch: got %v, want %v", decoded.Op, original.Op)
		}
		if string(decoded.D) != string(original.D) {
			t.Fatalf("round-trip payload mismatch for %v: got %s, want %s", original.Op, decoded.D, original.D)
		}
	}
}

func TestFrameUnmarshalStreamRidIsString(t *testing.T) {
	var f Frame
	payload := IdentifyPayload{Streams: []IdentifyStream{{Type: "video", Rid: "100", Quality: 100}}}
	frame, err := NewFrame(OpIdentify, payload)
	if err != nil {
		t.Fatalf("NewFrame: %v", err)
	}
	data, _ := json.Marshal(frame)
	if err := json.Unmarshal(data, &f); err != nil {
		t.Fatalf("Unmarshal: %v", err)
	}
	if !strings.Contains(string(data), `"rid":"100"`) {
		t.Fatalf("expected rid as string \"100\", got %s", data)
	}
}

func TestParseNonceAcceptsNumber(t *testing.T) {
	if got := ParseNonce(json.RawMessage(`42`)); got != 42 {
		t.Fatalf("ParseNonce(42) = %d, want 42", got)
	}
}

func TestParseNonceAcceptsDecimalString(t *testing.T) {
	if got := ParseNonce(json.RawMessage(`"17"`)); got != 17 {
		t.Fatalf("ParseNonce(\"17\") = %d, want 17", got)
	}
}

func TestParseNonceReturnsZeroOnGarbage(t *testing.T) {
	if got := ParseNonce(json.RawMessage(`"not-a-number"`)); got != 0 {
		t.Fatalf("ParseNonce(garbage) = %d, want 0", got)
	}
	if got := ParseNonce(json.RawMessage(``)); got != 0 {
		t.Fatalf("ParseNonce(empty) = %d, want 0", got)
	}
}

func TestEncodeHeartbeatNonceIsNumeric(t *testing.T) {
	frame, err := EncodeHeartbeat(12345)
	if err != nil {
		t.Fatalf("EncodeHeartbeat: %v", err)
	}
	data, err := json.Marshal(frame)
	if err != nil {
		t.Fatalf("Marshal: %v", err)
	}
	if !strings.Contains(string(data), `"d":12345`) {
		t.Fatalf("expected numeric nonce, got %s", data)
	}
}

func mustFrame(t *testing.T, op OpCode, payload any) Frame {
	t.Helper()
	frame, err := NewFrame(op, payload)
	if err != nil {
		t.Fatalf("NewFrame(%v): %v", op, err)
	}
	return frame
}
