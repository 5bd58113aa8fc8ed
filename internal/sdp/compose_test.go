package sdp

import "testing"

const sampleOffer = `v=0
o=- 123456 2 IN IP4 127.0.0.1
s=-
t=0 0
a=group:BUNDLE 0 1
m=video 9 UDP/TLS/RTP/SAVPF 101 102
c=IN IP4 0.0.0.0
a=mid:0
a=ssrc:112 cname:stream
a=rtpmap:101 H264/90000
a=rtpmap:102 rtx/90000
a=fmtp:102 apt=101
m=audio 9 UDP/TLS/RTP/SAVPF 111
c=IN IP4 0.0.0.0
a=mid:1
a=ssrc:999 cname:stream
a=rtpmap:111 opus/48000/2
`

const sampleRemote = `m=audio 50000 UDP/TLS/RTP/SAVPF 0
c=IN IP4 198.51.100.5
a=ice-ufrag:someufrag
a=ice-pwd:somepwd1234567890
a=fingerprint:sha-256 AA:BB:CC
a=candidate:1 1 UDP 2130706431 198.51.100.5 50000 typ host
`

func TestParseLocalOffer(t *testing.T) {
	lo, err := ParseLocalOffer(sampleOffer, "H264")
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if lo.VideoPT != 101 {
		t.Errorf("VideoPT = %d, want 101", lo.VideoPT)
	}
	if lo.RTXPT != 102 {
		t.Errorf("RTXPT = %d, want 102", lo.RTXPT)
	}
	if lo.VideoSSRC != 112 {
		t.Errorf("VideoSSRC = %d, want 112", lo.VideoSSRC)
	}
	if lo.AudioSSRC != 999 {
		t.Errorf("AudioSSRC = %d, want 999", lo.AudioSSRC)
	}
}

func TestParseLocalOfferMissingRTX(t *testing.T) {
	offer := `v=0
m=video 9 UDP/TLS/RTP/SAVPF 101
a=ssrc:112 cname:stream
a=rtpmap:101 H264/90000
`
	_, err := ParseLocalOffer(offer, "H264")
	var mfe *MissingFieldError
	if err == nil {
		t.Fatal("expected error, got nil")
	}
	if !asMissingField(err, &mfe) || mfe.Field != "rtx" {
		t.Errorf("error = %v, want MissingFieldError{rtx}", err)
	}
}

func TestParseRemoteFragments(t *testing.T) {
	rf, err := ParseRemoteFragments(sampleRemote)
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if rf.Address != "198.51.100.5" {
		t.Errorf("Address = %q, want 198.51.100.5", rf.Address)
	}
	if rf.Port != 50000 {
		t.Errorf("Port = %d, want 50000", rf.Port)
	}
	if rf.IceUfrag != "a=ice-ufrag:someufrag" {
		t.Errorf("IceUfrag = %q", rf.IceUfrag)
	}
}

func TestParseRemoteFragmentsMissingConnection(t *testing.T) {
	remote := `m=audio 50000 UDP/TLS/RTP/SAVPF 0
a=ice-ufrag:someufrag
a=ice-pwd:somepwd1234567890
a=fingerprint:sha-256 AA:BB:CC
a=candidate:1 1 UDP 2130706431 198.51.100.5 50000 typ host
`
	_, err := ParseRemoteFragments(remote)
	var mfe *MissingFieldError
	if !asMissingField(err, &mfe) || mfe.Field != "connection" {
		t.Errorf("error = %v, want MissingFieldError{connection}", err)
	}
}

func TestCompose(t *testing.T) {
	lo, err := ParseLocalOffer(sampleOffer, "H264")
	if err != nil {
		t.Fatalf("ParseLocalOffer: %v", err)
	}
	rf, err := ParseRemoteFragments(sampleRemote)
	if err != nil {
		t.Fatalf("ParseRemoteFragments: %v", err)
	}

	answer, err := Compose(lo, rf)
	if err != nil {
		t.Fatalf("Compose: %v", err)
	}

	for _, want := range []string{
		"v=0\n",
		"a=group:BUNDLE 0 1\n",
		"m=video 50000 UDP/TLS/RTP/SAVPF 101 102\n",
		"a=mid:0\n",
		"a=rtcp-fb:101 nack pli\n",
		"a=extmap:2 http://www.webrtc.org/experiments/rtp-hdrext/abs-send-time\n",
		"a=rtpmap:101 H264/90000\n",
		"a=rtpmap:102 rtx/90000\n",
		"a=candidate:1 1 UDP 2130706431 198.51.100.5 50000 typ host\n",
		"a=end-of-candidates\n",
		"m=audio 50000 UDP/TLS/RTP/SAVPF 111\n",
		"a=mid:1\n",
		"a=rtpmap:111 opus/48000/2\n",
		"a=setup:passive\n",
		"a=inactive\n",
		"a=rtcp-mux\n",
	} {
		if !containsLine(answer, want) {
			t.Errorf("composed answer missing line %q\nfull answer:\n%s", want, answer)
		}
	}
}

func containsLine(haystack, needle string) bool {
	return len(needle) > 0 && (indexOf(haystack, needle) >= 0)
}

func indexOf(haystack, needle string) int {
	for i := 0; i+len(needle) <= len(haystack); i++ {
		if haystack[i:i+len(needle)] == needle {
			return i
		}
	}
	return -1
}

func asMissingField(err error, target **MissingFieldError) bool {
	mfe, ok := err.(*MissingFieldError)
	if !ok {
		return false
	}
	*target = mfe
	return true
}
