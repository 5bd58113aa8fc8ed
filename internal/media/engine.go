package media

import (
	"context"
	"fmt"
	"time"

	"github.com/pion/rtcp"
	"github.com/pion/webrtc/v3"

	"github.com/golive/daemon/pkg/golive"
)

// peerConnection is the slice of *webrtc.PeerConnection the engine uses,
// narrowed for testability.
type peerConnection interface {
	AddTrack(webrtc.TrackLocal) (*webrtc.RTPSender, error)
	CreateOffer(*webrtc.OfferOptions) (webrtc.SessionDescription, error)
	SetLocalDescription(webrtc.SessionDescription) error
	SetRemoteDescription(webrtc.SessionDescription) error
	LocalDescription() *webrtc.SessionDescription
	OnICEConnectionStateChange(func(webrtc.ICEConnectionState))
	Close() error
}

// registerCodecs registers the exact three payload types
// internal/sdp's composer expects to find in the offer it parses
// (§4.5 step 1): H264 (101), its paired RTX retransmission codec (102,
// `apt=101` per RFC 4588), and Opus (111). pion does not pair an RTX
// codec with a video codec automatically unless RegisterDefaultCodecs
// is used instead of explicit RegisterCodec calls — this registers it
// by hand so CreateOffer's video m-line always carries an
// `a=rtpmap:102 rtx/90000` line for ParseLocalOffer to find.
func registerCodecs(mediaEngine *webrtc.MediaEngine) error {
	if err := mediaEngine.RegisterCodec(webrtc.RTPCodecParameters{
		RTPCodecCapability: webrtc.RTPCodecCapability{
			MimeType:    webrtc.MimeTypeH264,
			ClockRate:   90000,
			SDPFmtpLine: "level-asymmetry-allowed=1;packetization-mode=1;profile-level-id=42e01f",
		},
		PayloadType: 101,
	}, webrtc.RTPCodecTypeVideo); err != nil {
		return fmt.Errorf("%w: register h264 codec: %v", ErrSetupFailed, err)
	}
	if err := mediaEngine.RegisterCodec(webrtc.RTPCodecParameters{
		RTPCodecCapability: webrtc.RTPCodecCapability{
			MimeType:    "video/rtx",
			ClockRate:   90000,
			SDPFmtpLine: "apt=101",
		},
		PayloadType: 102,
	}, webrtc.RTPCodecTypeVideo); err != nil {
		return fmt.Errorf("%w: register rtx codec: %v", ErrSetupFailed, err)
	}
	if err := mediaEngine.RegisterCodec(webrtc.RTPCodecParameters{
		RTPCodecCapability: webrtc.RTPCodecCapability{MimeType: webrtc.MimeTypeOpus, ClockRate: 48000, Channels: 2},
		PayloadType:        111,
	}, webrtc.RTPCodecTypeAudio); err != nil {
		return fmt.Errorf("%w: register opus codec: %v", ErrSetupFailed, err)
	}
	return nil
}

// newPeerConnection builds the pion PeerConnection and its two local
// tracks for cfg, registering codecs and header extensions first. It
// is split out of Create so the codec-registration/offer-generation
// path — the part that must satisfy internal/sdp's ParseLocalOffer —
// can be exercised directly in tests without standing up the X11
// capturer or audio pipeline.
func newPeerConnection(cfg Config) (peerConnection, *webrtc.RTPSender, *webrtc.TrackLocalStaticSample, *webrtc.TrackLocalStaticSample, error) {
	mediaEngine := &webrtc.MediaEngine{}
	if err := registerCodecs(mediaEngine); err != nil {
		return nil, nil, nil, nil, err
	}

	for _, uri := range videoHeaderExtensionURIs {
		if err := mediaEngine.RegisterHeaderExtension(webrtc.RTPHeaderExtensionCapability{URI: uri}, webrtc.RTPCodecTypeVideo); err != nil {
			log.Warn("media: failed to register header extension (non-fatal)", "uri", uri, "error", err)
		}
	}

	api := webrtc.NewAPI(webrtc.WithMediaEngine(mediaEngine))
	pc, err := api.NewPeerConnection(webrtc.Configuration{ICEServers: iceServers(cfg.IceServers)})
	if err != nil {
		return nil, nil, nil, nil, fmt.Errorf("%w: new peer connection: %v", ErrSetupFailed, err)
	}

	videoTrack, err := webrtc.NewTrackLocalStaticSample(webrtc.RTPCodecCapability{
		MimeType:    mimeTypeFor(cfg.VideoCodec),
		ClockRate:   90000,
		SDPFmtpLine: "level-asymmetry-allowed=1;packetization-mode=1;profile-level-id=42e01f",
	}, "video", "golive")
	if err != nil {
		pc.Close()
		return nil, nil, nil, nil, fmt.Errorf("%w: new video track: %v", ErrSetupFailed, err)
	}
	sender, err := pc.AddTrack(videoTrack)
	if err != nil {
		pc.Close()
		return nil, nil, nil, nil, fmt.Errorf("%w: add video track: %v", ErrSetupFailed, err)
	}

	audioTrack, err := webrtc.NewTrackLocalStaticSample(webrtc.RTPCodecCapability{
		MimeType: webrtc.MimeTypeOpus, ClockRate: 48000, Channels: 2,
	}, "audio", "golive")
	if err != nil {
		pc.Close()
		return nil, nil, nil, nil, fmt.Errorf("%w: new audio track: %v", ErrSetupFailed, err)
	}
	if _, err := pc.AddTrack(audioTrack); err != nil {
		pc.Close()
		return nil, nil, nil, nil, fmt.Errorf("%w: add audio track: %v", ErrSetupFailed, err)
	}

	return pc, sender, videoTrack, audioTrack, nil
}

// Create stands up the pipeline for cfg: the pion PeerConnection and
// tracks, the H264 encoder, the X11 window capturer and its resize
// watcher, and the audio source. It does not begin capture — call
// Start for that (§4.6 "start() ... must be non-blocking").
func Create(cfg Config, reporter FailureReporter) (*Engine, error) {
	pc, sender, videoTrack, audioTrack, err := newPeerConnection(cfg)
	if err != nil {
		return nil, err
	}

	enc, err := newH264Encoder(cfg.Resolution.Width, cfg.Resolution.Height, int(cfg.Framerate))
	if err != nil {
		pc.Close()
		return nil, fmt.Errorf("%w: h264 encoder: %v", ErrSetupFailed, err)
	}

	capturer, err := newWindowCapturer(cfg.WindowID)
	if err != nil {
		pc.Close()
		enc.Close()
		return nil, fmt.Errorf("%w: window capturer: %v", ErrSetupFailed, err)
	}

	audio, err := newAudioPipeline(cfg.AudioSourceID)
	if err != nil {
		log.Warn("media: audio pipeline unavailable, continuing video-only", "error", err)
		audio = nil
	}

	e := &Engine{
		cfg:        cfg,
		reporter:   reporter,
		pc:         pc,
		capturer:   capturer,
		encoder:    enc,
		audio:      audio,
		videoTrack: videoTrack,
		audioTrack: audioTrack,
		localDone:  make(chan struct{}),
		stopOnce:   make(chan struct{}),
	}

	e.resize = newResizeWatcher(cfg.WindowID, e.onResize)

	drainRTCP(sender, enc)

	pc.OnICEConnectionStateChange(func(state webrtc.ICEConnectionState) {
		if state == webrtc.ICEConnectionStateFailed || state == webrtc.ICEConnectionStateClosed {
			e.reportFailure(fmt.Errorf("media: ice connection state %s", state))
		}
	})

	return e, nil
}

// drainRTCP reads RTCP from the video sender and forces a keyframe on
// PLI/FIR, rate-limited to avoid an encoder thrash under loss (grounded
// on the teacher's session_webrtc.go RTCP drain loop).
func drainRTCP(sender *webrtc.RTPSender, enc h264Encoder) {
	go func() {
		buf := make([]byte, 1500)
		var lastKeyframe time.Time
		for {
			n, _, err := sender.Read(buf)
			if err != nil {
				return
			}
			pkts, err := rtcp.Unmarshal(buf[:n])
			if err != nil {
				continue
			}
			for _, pkt := range pkts {
				switch pkt.(type) {
				case *rtcp.PictureLossIndication, *rtcp.FullIntraRequest:
					if time.Since(lastKeyframe) < 500*time.Millisecond {
						continue
					}
					lastKeyframe = time.Now()
					_ = enc.ForceKeyframe()
				}
			}
		}
	}()
}

// Start begins capture, encode, and ICE gathering (§4.6 "must be
// non-blocking"). The local offer becomes available through
// AwaitLocalOffer once ICE gathering completes.
func (e *Engine) Start(ctx context.Context) error {
	pc, ok := e.pc.(*webrtc.PeerConnection)
	if !ok {
		return fmt.Errorf("%w: peer connection does not support gathering promises", ErrSetupFailed)
	}

	offer, err := e.pc.CreateOffer(nil)
	if err != nil {
		return fmt.Errorf("%w: create offer: %v", ErrSetupFailed, err)
	}
	gatherComplete := webrtc.GatheringCompletePromise(pc)
	if err := e.pc.SetLocalDescription(offer); err != nil {
		return fmt.Errorf("%w: set local description: %v", ErrSetupFailed, err)
	}

	e.resize.Start()
	e.capturer.Start(e.captureFrame)
	if e.audio != nil {
		e.audio.Start(e.captureAudioSample)
	}

	go func() {
		select {
		case <-gatherComplete:
			ld := e.pc.LocalDescription()
			if ld == nil {
				e.localErr = fmt.Errorf("%w: local description not available after gathering", ErrSetupFailed)
			} else {
				e.localSDP = ld.SDP
			}
		case <-time.After(iceGatherTimeout):
			e.localErr = fmt.Errorf("%w: ice gathering timed out after %s", ErrSetupFailed, iceGatherTimeout)
		}
		close(e.localDone)
	}()

	return nil
}

// AwaitLocalOffer blocks until the local offer is ready and ICE
// gathering is complete (§4.6).
func (e *Engine) AwaitLocalOffer(ctx context.Context) (string, error) {
	select {
	case <-e.localDone:
		if e.localErr != nil {
			return "", e.localErr
		}
		return e.localSDP, nil
	case <-ctx.Done():
		return "", ctx.Err()
	}
}

// SetRemoteAnswer applies the composed answer and begins transmission
// (§4.6).
func (e *Engine) SetRemoteAnswer(ctx context.Context, answerSDP string) error {
	if err := e.pc.SetRemoteDescription(webrtc.SessionDescription{Type: webrtc.SDPTypeAnswer, SDP: answerSDP}); err != nil {
		return fmt.Errorf("%w: %v", ErrAnswerRejected, err)
	}
	return nil
}

// Stop synchronously tears the pipeline down: idempotent, safe to call
// from destructor/cancellation paths (§4.6, §5 teardown budget).
func (e *Engine) Stop() error {
	select {
	case <-e.stopOnce:
		return nil
	default:
		close(e.stopOnce)
	}

	if e.resize != nil {
		e.resize.Stop()
	}
	if e.capturer != nil {
		e.capturer.Stop()
	}
	if e.audio != nil {
		e.audio.Stop()
	}
	if e.encoder != nil {
		e.encoder.Close()
	}
	if e.pc != nil {
		e.pc.Close()
	}
	return nil
}

func (e *Engine) reportFailure(err error) {
	if e.reporter != nil {
		e.reporter.ReportMediaFailure(err)
	}
}

// onResize reconfigures the capturer and encoder when the watched
// window changes size, and is the per-session analogue of spec §1's
// "dynamic rewriting of stream parameters on resize".
func (e *Engine) onResize(width, height int) {
	if e.cfg.Resolution.Fixed {
		return
	}
	if e.capturer != nil {
		e.capturer.Resize(width, height)
	}
	if e.encoder != nil {
		if err := e.encoder.SetDimensions(width, height); err != nil {
			log.Warn("media: failed to resize encoder", "width", width, "height", height, "error", err)
		}
	}
}

var videoHeaderExtensionURIs = []string{
	"http://www.webrtc.org/experiments/rtp-hdrext/abs-send-time",
	"http://www.ietf.org/id/draft-holmer-rmcat-transport-wide-cc-extensions-01",
	"urn:ietf:params:rtp-hdrext:toffset",
	"urn:3gpp:video-orientation",
	"http://www.webrtc.org/experiments/rtp-hdrext/playout-delay",
}

func iceServers(servers []golive.IceServer) []webrtc.ICEServer {
	if len(servers) == 0 {
		return []webrtc.ICEServer{{URLs: []string{"stun:stun.l.google.com:19302"}}}
	}
	out := make([]webrtc.ICEServer, 0, len(servers))
	for _, s := range servers {
		srv := webrtc.ICEServer{URLs: s.URLs}
		if s.Username != "" {
			srv.Username = s.Username
			srv.Credential = s.Credential
			srv.CredentialType = webrtc.ICECredentialTypePassword
		}
		out = append(out, srv)
	}
	return out
}
