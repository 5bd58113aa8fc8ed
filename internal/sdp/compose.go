// Package sdp assembles the synthetic answer SDP Discord's voice gateway
// expects (§4.5). The gateway's OpCode 4 payload is not a usable SDP on
// its own — its m-line is a stub and the session-level lines are absent —
// so the composer builds a complete answer locally, using the remote
// payload only as a source of DTLS/ICE fragments. Do not attempt to run
// the remote payload through a conformant SDP parser end-to-end; it will
// fail, by design of the protocol this mirrors.
package sdp

import (
	"bufio"
	"fmt"
	"strings"
)

// Fixed session-level fields (§4.5 step 3). Discord's daemon-facing
// clients use a constant origin timestamp; there is no requirement that
// it reflect wall-clock time.
const (
	originLine = "o=- 1420070400000 0 IN IP4 127.0.0.1"
)

// videoExtension is one of the five canonical video RTP header
// extensions the composer emits, in the literal, order-sensitive
// sequence specified in §6.
type videoExtension struct {
	id  int
	urn string
}

var videoExtensions = []videoExtension{
	{2, "http://www.webrtc.org/experiments/rtp-hdrext/abs-send-time"},
	{3, "http://www.ietf.org/id/draft-holmer-rmcat-transport-wide-cc-extensions-01"},
	{14, "urn:ietf:params:rtp-hdrext:toffset"},
	{13, "urn:3gpp:video-orientation"},
	{5, "http://www.webrtc.org/experiments/rtp-hdrext/playout-delay"},
}

// LocalOffer is the information the composer needs out of the media
// engine's locally generated offer (§4.5 step 1). The caller (the
// negotiation state machine) extracts these once the offer is ready;
// the composer itself never parses offer SDP.
type LocalOffer struct {
	VideoCodec string // "H264", "VP8", or "VP9" — must match the configured codec string
	VideoPT    int    // payload type whose rtpmap ends with "<VideoCodec>/90000"
	RTXPT      int    // payload type whose rtpmap ends with "rtx/90000"
	VideoSSRC  uint32 // first ssrc attribute in the video m-block
	AudioSSRC  uint32 // first ssrc attribute in the audio m-block
	RTXSSRC    uint32 // from the video block's "a=ssrc-group:FID <video> <rtx>" line, 0 if absent
}

// RemoteFragments is the minimum sufficient set harvested from OpCode 4's
// payload (§3 "RemoteFragments"): one each of candidate, fingerprint,
// ice-ufrag, ice-pwd, and the connection address/port of its single
// m-line. Anything else in the remote SDP is ignored.
type RemoteFragments struct {
	Candidate   string
	Fingerprint string
	IceUfrag    string
	IcePwd      string
	Address     string
	Port        int
}

// MissingFieldError reports which required remote fragment (or local
// offer element) could not be harvested, matching the SdpComposition
// error kind of §7.
type MissingFieldError struct {
	Field string
}

func (e *MissingFieldError) Error() string {
	return fmt.Sprintf("sdp: missing required field %q", e.Field)
}

// ParseLocalOffer extracts the payload types and SSRCs the composer
// needs from a complete, RFC-compliant local offer SDP (§4.5 step 1).
// videoCodec is the configured codec string ("H264", "VP8", "VP9").
func ParseLocalOffer(offerSDP string, videoCodec string) (LocalOffer, error) {
	lo := LocalOffer{VideoCodec: videoCodec}

	sections := splitMediaSections(offerSDP)
	var videoBlock, audioBlock []string
	for _, sec := range sections {
		if len(sec) == 0 {
			continue
		}
		switch mediaKind(sec[0]) {
		case "video":
			videoBlock = sec
		case "audio":
			audioBlock = sec
		}
	}

	if videoBlock == nil {
		return lo, &MissingFieldError{Field: "video-m-section"}
	}

	videoCodecUpper := strings.ToUpper(videoCodec)
	foundVideoPT, foundRTX := false, false
	for _, line := range videoBlock {
		if !strings.HasPrefix(line, "a=rtpmap:") {
			continue
		}
		pt, rest, ok := parseRtpmap(line)
		if !ok {
			continue
		}
		upperRest := strings.ToUpper(rest)
		switch {
		case strings.HasPrefix(upperRest, videoCodecUpper+"/90000"):
			lo.VideoPT = pt
			foundVideoPT = true
		case strings.HasPrefix(upperRest, "RTX/90000"):
			lo.RTXPT = pt
			foundRTX = true
		}
	}
	if !foundVideoPT {
		return lo, &MissingFieldError{Field: videoCodec}
	}
	if !foundRTX {
		return lo, &MissingFieldError{Field: "rtx"}
	}

	if ssrc, ok := firstSSRC(videoBlock); ok {
		lo.VideoSSRC = ssrc
	} else {
		return lo, &MissingFieldError{Field: "video-ssrc"}
	}

	if audioBlock != nil {
		if ssrc, ok := firstSSRC(audioBlock); ok {
			lo.AudioSSRC = ssrc
		}
	}

	if rtxSSRC, ok := fidGroupRTXSSRC(videoBlock); ok {
		lo.RTXSSRC = rtxSSRC
	}

	return lo, nil
}

// ParseRemoteFragments harvests the minimum sufficient set from the
// OpCode 4 payload's sdp field (§4.5 step 2).
func ParseRemoteFragments(remoteSDP string) (RemoteFragments, error) {
	var rf RemoteFragments

	scanner := bufio.NewScanner(strings.NewReader(remoteSDP))
	for scanner.Scan() {
		line := strings.TrimRight(scanner.Text(), "\r")
		switch {
		case rf.Candidate == "" && strings.HasPrefix(line, "a=candidate:"):
			rf.Candidate = line
		case rf.Fingerprint == "" && strings.HasPrefix(line, "a=fingerprint:"):
			rf.Fingerprint = line
		case rf.IceUfrag == "" && strings.HasPrefix(line, "a=ice-ufrag:"):
			rf.IceUfrag = line
		case rf.IcePwd == "" && strings.HasPrefix(line, "a=ice-pwd:"):
			rf.IcePwd = line
		case rf.Address == "" && strings.HasPrefix(line, "c="):
			if addr, ok := parseConnectionLine(line); ok {
				rf.Address = addr
			}
		case rf.Port == 0 && strings.HasPrefix(line, "m="):
			if port, ok := parseMlinePort(line); ok {
				rf.Port = port
			}
		}
	}

	switch {
	case rf.Candidate == "":
		return rf, &MissingFieldError{Field: "candidate"}
	case rf.Fingerprint == "":
		return rf, &MissingFieldError{Field: "fingerprint"}
	case rf.IceUfrag == "":
		return rf, &MissingFieldError{Field: "ice-ufrag"}
	case rf.IcePwd == "":
		return rf, &MissingFieldError{Field: "ice-pwd"}
	case rf.Address == "":
		return rf, &MissingFieldError{Field: "connection"}
	case rf.Port == 0:
		return rf, &MissingFieldError{Field: "port"}
	}

	return rf, nil
}

// Compose builds the answer SDP byte-for-byte per §4.5 steps 3-7. It is
// pure: the same (local, remote) pair always produces the same output
// (the media engine itself is the only source of byte-level variance,
// e.g. a freshly regenerated offer).
func Compose(local LocalOffer, remote RemoteFragments) (string, error) {
	if local.VideoPT == 0 {
		return "", &MissingFieldError{Field: local.VideoCodec}
	}
	if local.RTXPT == 0 {
		return "", &MissingFieldError{Field: "rtx"}
	}

	var b strings.Builder
	w := func(format string, args ...any) {
		fmt.Fprintf(&b, format+"\n", args...)
	}

	w("v=0")
	w(originLine)
	w("s=-")
	w("t=0 0")
	w("a=msid-semantic: WMS *")
	w("a=group:BUNDLE 0 1")

	writeSection(w, remote, func() {
		w("m=video %d UDP/TLS/RTP/SAVPF %d %d", remote.Port, local.VideoPT, local.RTXPT)
	}, func() {
		w("a=mid:0")
		for _, fb := range []string{"ccm fir", "nack", "nack pli", "goog-remb", "transport-cc"} {
			w("a=rtcp-fb:%d %s", local.VideoPT, fb)
		}
		for _, ext := range videoExtensions {
			w("a=extmap:%d %s", ext.id, ext.urn)
		}
		w("a=fmtp:%d x-google-max-bitrate=2500;level-asymmetry-allowed=1;packetization-mode=1;profile-level-id=42e01f", local.VideoPT)
		w("a=fmtp:%d apt=%d", local.RTXPT, local.VideoPT)
		w("a=rtpmap:%d %s/90000", local.VideoPT, strings.ToUpper(local.VideoCodec))
		w("a=rtpmap:%d rtx/90000", local.RTXPT)
		w("%s", remote.Candidate)
		w("a=end-of-candidates")
	})

	writeSection(w, remote, func() {
		w("m=audio %d UDP/TLS/RTP/SAVPF 111", remote.Port)
	}, func() {
		w("a=mid:1")
		w("a=fmtp:111 minptime=10;useinbandfec=1;usedtx=1")
		w("a=maxptime:60")
		w("a=rtpmap:111 opus/48000/2")
		w("a=rtcp-fb:111 transport-cc")
	})

	return b.String(), nil
}

// writeSection emits one m-section: the protocol line, the shared
// harvested attributes common to both sections (§4.5 step 4), then the
// section-specific extras (§4.5 steps 5-6).
func writeSection(w func(string, ...any), remote RemoteFragments, protoLine, extras func()) {
	protoLine()
	w("c=IN IP4 %s 127 1", remote.Address)
	w("%s", remote.Fingerprint)
	w("%s", remote.IceUfrag)
	w("%s", remote.IcePwd)
	w("a=rtcp-mux")
	w("a=rtcp:%d", remote.Port)
	w("a=setup:passive")
	w("a=inactive")
	extras()
}
