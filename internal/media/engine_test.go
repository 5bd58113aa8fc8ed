package media

import (
	"testing"

	"github.com/pion/webrtc/v3"

	"github.com/golive/daemon/internal/sdp"
	"github.com/golive/daemon/pkg/golive"
)

func TestIceServersDefaultsToStun(t *testing.T) {
	servers := iceServers(nil)
	if len(servers) != 1 {
		t.Fatalf("expected one default STUN server, got %d", len(servers))
	}
	if servers[0].URLs[0] != "stun:stun.l.google.com:19302" {
		t.Errorf("unexpected default STUN URL: %v", servers[0].URLs)
	}
}

func TestIceServersConvertsCredentials(t *testing.T) {
	servers := iceServers([]golive.IceServer{
		{URLs: []string{"turn:turn.example.com:3478"}, Username: "u", Credential: "p"},
		{URLs: []string{"stun:stun.example.com:3478"}},
	})
	if len(servers) != 2 {
		t.Fatalf("expected 2 servers, got %d", len(servers))
	}
	if servers[0].Username != "u" || servers[0].Credential != "p" {
		t.Errorf("turn server credentials not carried over: %+v", servers[0])
	}
	if servers[0].CredentialType != webrtc.ICECredentialTypePassword {
		t.Errorf("expected password credential type, got %v", servers[0].CredentialType)
	}
	if servers[1].Username != "" {
		t.Errorf("stun server should have no username, got %q", servers[1].Username)
	}
}

func TestMimeTypeForAlwaysH264(t *testing.T) {
	for _, codec := range []golive.VideoCodec{golive.VideoCodecH264, golive.VideoCodecVP8, golive.VideoCodecVP9} {
		if got := mimeTypeFor(codec); got != "video/H264" {
			t.Errorf("mimeTypeFor(%s) = %s, want video/H264", codec, got)
		}
	}
}

// TestNewPeerConnectionOfferSatisfiesParseLocalOffer drives the real
// pion codec registration and CreateOffer path (no X11 capturer or
// audio pipeline involved) and feeds the resulting SDP into
// sdp.ParseLocalOffer, the way session.startSession's real offer
// eventually would. It exists to catch exactly the class of bug where
// the registered codec set doesn't emit a paired rtx/90000 rtpmap line
// the composer requires.
func TestNewPeerConnectionOfferSatisfiesParseLocalOffer(t *testing.T) {
	pc, sender, videoTrack, audioTrack, err := newPeerConnection(Config{
		VideoCodec: golive.VideoCodecH264,
		Resolution: golive.Resolution{Width: 1280, Height: 720},
		Framerate:  30,
	})
	if err != nil {
		t.Fatalf("newPeerConnection: %v", err)
	}
	defer pc.Close()
	if sender == nil || videoTrack == nil || audioTrack == nil {
		t.Fatal("expected non-nil sender and tracks")
	}

	offer, err := pc.CreateOffer(nil)
	if err != nil {
		t.Fatalf("CreateOffer: %v", err)
	}
	if err := pc.SetLocalDescription(offer); err != nil {
		t.Fatalf("SetLocalDescription: %v", err)
	}

	ld := pc.LocalDescription()
	if ld == nil {
		t.Fatal("LocalDescription is nil after SetLocalDescription")
	}

	local, err := sdp.ParseLocalOffer(ld.SDP, "H264")
	if err != nil {
		t.Fatalf("ParseLocalOffer rejected the real pion offer (RTX codec likely unregistered): %v\nsdp:\n%s", err, ld.SDP)
	}
	if local.VideoPT == 0 {
		t.Error("expected a non-zero video payload type")
	}
	if local.RTXPT == 0 {
		t.Error("expected a non-zero rtx payload type; pion did not emit a paired rtx/90000 rtpmap")
	}
}
