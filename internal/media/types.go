// Package media supervises the capture+encode+WebRTC pipeline the
// negotiation engine drives but does not implement directly (§4.6). It
// is the one place pion/webrtc, the X11 capture cgo bindings, and the
// H264 encoder meet; the rest of the daemon only ever sees the five
// operations of the Engine contract.
package media

import (
	"errors"
	"time"

	"github.com/pion/webrtc/v3"
	webrtcmedia "github.com/pion/webrtc/v3/pkg/media"

	"github.com/golive/daemon/internal/logging"
	"github.com/golive/daemon/pkg/golive"
)

var log = logging.L("media")

// ErrSetupFailed wraps any failure standing up the pipeline (track
// creation, encoder init, capture init) into the MediaEngineSetup error
// kind of §7.
var ErrSetupFailed = errors.New("media: setup failed")

// ErrAnswerRejected is returned by SetRemoteAnswer when the peer
// connection refuses the composed answer.
var ErrAnswerRejected = errors.New("media: remote answer rejected")

const iceGatherTimeout = 10 * time.Second

// Config configures one media engine instance (§4.6 "create(config)").
type Config struct {
	VideoCodec    golive.VideoCodec
	WindowID      uint32 // X11 XID of the captured window
	Resolution    golive.Resolution
	Framerate     uint8
	IceServers    []golive.IceServer
	AudioSourceID string // opaque PulseAudio monitor-sink identifier (external collaborator, §1)
}

// FailureReporter is the control-channel back-pointer the supervisor
// uses to report asynchronous failures (peer connection dropped,
// encoder died) without reaching into gateway methods directly (§4.6
// "the engine may not invoke gateway methods directly").
type FailureReporter interface {
	ReportMediaFailure(err error)
}

// Engine is the media engine supervisor's exported handle (§4.6).
type Engine struct {
	cfg      Config
	reporter FailureReporter

	pc         peerConnection
	capturer   windowCapturer
	resize     *resizeWatcher
	encoder    h264Encoder
	audio      audioPipeline
	videoTrack *webrtc.TrackLocalStaticSample
	audioTrack *webrtc.TrackLocalStaticSample
	localDone  chan struct{}
	localSDP   string
	localErr   error

	stopOnce chan struct{}
	stopped  bool
}

// captureFrame is the callback handed to the window capturer: it
// encodes one raw captured frame and writes the resulting access unit
// to the video track (§4.6, the capturer/encoder/track pipeline the
// supervisor owns internally).
func (e *Engine) captureFrame(frame CapturedFrame) {
	sample, err := e.encoder.Encode(frame)
	if err != nil {
		log.Warn("media: encode failed, dropping frame", "error", err)
		return
	}
	if len(sample) == 0 {
		return
	}
	duration := time.Second / time.Duration(maxUint8(e.cfg.Framerate, 1))
	if err := e.videoTrack.WriteSample(webrtcmedia.Sample{Data: sample, Duration: duration}); err != nil {
		log.Warn("media: write video sample failed", "error", err)
	}
}

// captureAudioSample forwards one already-Opus-encoded audio frame from
// the audio pipeline to the audio track.
func (e *Engine) captureAudioSample(payload []byte, duration time.Duration) {
	if err := e.audioTrack.WriteSample(webrtcmedia.Sample{Data: payload, Duration: duration}); err != nil {
		log.Warn("media: write audio sample failed", "error", err)
	}
}

func maxUint8(v uint8, min uint8) uint8 {
	if v < min {
		return min
	}
	return v
}

// mimeTypeFor maps the configured codec to a pion MIME type string.
// VP8/VP9 are accepted by Config but the encoder always produces H264
// (pkg/golive.VideoCodec doc comment; no software VP8/VP9 encoder is
// wired in this build).
func mimeTypeFor(codec golive.VideoCodec) string {
	return "video/H264"
}
