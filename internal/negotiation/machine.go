package negotiation

import (
	"context"
	"fmt"

	"github.com/golive/daemon/internal/gateway"
	"github.com/golive/daemon/internal/logging"
	"github.com/golive/daemon/internal/sdp"
	"github.com/golive/daemon/pkg/golive"
)

var log = logging.L("negotiation")

// Sender is the capability reference to the gateway's send half (§3
// Ownership: shared between the session, the heartbeater, and this
// state machine, serialized by the connection's own exclusive lock).
type Sender interface {
	Send(gateway.Frame) error
}

// Engine is the subset of the media engine supervisor's contract (§4.6)
// the state machine drives directly.
type Engine interface {
	AwaitLocalOffer(ctx context.Context) (string, error)
	SetRemoteAnswer(ctx context.Context, answerSDP string) error
}

// Params carries everything the state machine needs from the session's
// StartStream request to build Identify and SelectProtocol payloads.
type Params struct {
	ServerID        string
	SessionID       string
	Token           string
	UserID          string
	RTCConnectionID string
	VideoCodec      golive.VideoCodec
	Framerate       uint8
	Resolution      golive.Resolution
}

// Callbacks are invoked as the state machine advances. All are optional;
// nil callbacks are simply skipped. They are invoked synchronously from
// whatever goroutine calls HandleFrame/LocalOfferReady — callers that
// need to hop to another goroutine must do so themselves.
type Callbacks struct {
	// OnHeartbeatInterval fires on Hello so the caller can start the
	// heartbeater (§3 invariant: "a heartbeat task exists iff state ∈
	// {Hello…Active}").
	OnHeartbeatInterval func(intervalMs uint64)
	// OnActive fires once the session reaches Active.
	OnActive func()
	// OnClosing fires exactly once, the first time the state machine
	// transitions to Closing, with the error that caused it (nil for a
	// clean local stop).
	OnClosing func(err error)
}

// StateMachine drives one session's negotiation (§4.4). It must be
// constructed with NewStateMachine and driven from a single goroutine.
type StateMachine struct {
	ctx    Ctx
	sender Sender
	engine Engine
	params Params
	cb     Callbacks

	readyReceived   bool
	localOfferSDP   string
	localOfferReady bool
	closed          bool
}

// NewStateMachine constructs a state machine in StateAuth. Call Start to
// send the initial Identify frame.
func NewStateMachine(sender Sender, engine Engine, params Params, cb Callbacks) *StateMachine {
	sm := &StateMachine{sender: sender, engine: engine, params: params, cb: cb}
	sm.ctx.setState(StateAuth)
	return sm
}

// Ctx returns the negotiation context for read-only status reporting.
func (sm *StateMachine) Ctx() *Ctx {
	return &sm.ctx
}

// Start sends OpCode 0 (Identify), the only frame allowed to precede
// Hello (§4.4 ordering constraint 1).
func (sm *StateMachine) Start() error {
	payload := gateway.IdentifyPayload{
		ServerID:  sm.params.ServerID,
		SessionID: sm.params.SessionID,
		Token:     sm.params.Token,
		UserID:    sm.params.UserID,
		Video:     true,
		Streams: []gateway.IdentifyStream{
			{Type: "video", Rid: "100", Quality: 100},
		},
	}
	frame, err := gateway.NewFrame(gateway.OpIdentify, payload)
	if err != nil {
		return fmt.Errorf("negotiation: encode identify: %w", err)
	}
	return sm.sender.Send(frame)
}

// HandleFrame processes one inbound gateway frame, advancing the state
// machine as needed (§4.4). It returns an error when the frame causes
// session failure (UnsupportedEncryption, SdpComposition, a rejected
// remote answer, a failed send) or when a Hello, Ready or
// SessionDescription payload cannot be decoded; all other inbound
// opcodes either advance state or are logged and ignored (§4.4
// tie-breaks: OpCode 15/16).
func (sm *StateMachine) HandleFrame(ctx context.Context, frame gateway.Frame) error {
	if sm.closed {
		return nil
	}

	switch frame.Op {
	case gateway.OpHello:
		return sm.handleHello(frame)
	case gateway.OpReady:
		return sm.handleReady(ctx, frame)
	case gateway.OpSessionDescription:
		return sm.handleSessionDescription(ctx, frame)
	case gateway.OpFlags:
		log.Debug("negotiation: received flags counter, ignoring")
		return nil
	case gateway.OpVersions:
		var v struct {
			Voice     string `json:"voice"`
			RTCWorker string `json:"rtc_worker"`
		}
		if err := frame.Decode(&v); err == nil {
			log.Info("negotiation: gateway versions", "voice", v.Voice, "rtcWorker", v.RTCWorker)
		}
		return nil
	default:
		log.Debug("negotiation: ignoring frame", "op", frame.Op.String())
		return nil
	}
}

func (sm *StateMachine) handleHello(frame gateway.Frame) error {
	var hello gateway.HelloPayload
	if err := frame.Decode(&hello); err != nil {
		return fmt.Errorf("negotiation: decode hello: %w", err)
	}
	sm.ctx.setState(StateHello)
	if sm.cb.OnHeartbeatInterval != nil {
		sm.cb.OnHeartbeatInterval(hello.HeartbeatIntervalMs)
	}
	return nil
}

func (sm *StateMachine) handleReady(ctx context.Context, frame gateway.Frame) error {
	var ready gateway.ReadyPayload
	if err := frame.Decode(&ready); err != nil {
		return fmt.Errorf("negotiation: decode ready: %w", err)
	}

	if !containsMode(ready.Modes, "aead_aes256_gcm") {
		sm.fail(ErrUnsupportedEncryption)
		return ErrUnsupportedEncryption
	}

	sm.ctx.RemoteIP = ready.IP
	sm.ctx.RemotePort = ready.Port
	sm.ctx.RemoteModes = ready.Modes
	sm.ctx.setState(StateDescribe)
	sm.readyReceived = true

	return sm.maybeAdvanceToOffer(ctx)
}

// LocalOfferReady is called once the media engine's awaiter (T3) has a
// complete local offer and ICE gathering is done (§4.6
// await_local_offer). It may arrive before or after Ready; the state
// machine waits for whichever comes last (§4.4 tie-break).
func (sm *StateMachine) LocalOfferReady(ctx context.Context, offerSDP string) error {
	if sm.closed {
		return nil
	}
	sm.localOfferSDP = offerSDP
	sm.localOfferReady = true
	return sm.maybeAdvanceToOffer(ctx)
}

func (sm *StateMachine) maybeAdvanceToOffer(ctx context.Context) error {
	if !sm.readyReceived || !sm.localOfferReady {
		return nil
	}

	local, err := sdp.ParseLocalOffer(sm.localOfferSDP, string(sm.params.VideoCodec))
	if err != nil {
		sce := sdpCompositionError(err)
		sm.fail(sce)
		return sce
	}

	sm.ctx.VideoPayloadType = local.VideoPT
	sm.ctx.RTXPayloadType = local.RTXPT
	sm.ctx.SSRC = SSRCTriple{Audio: local.AudioSSRC, Video: local.VideoSSRC, RTX: local.RTXSSRC}
	sm.ctx.setState(StateOffer)

	// StreamInfo(active=false) is sent while holding the send lock
	// immediately before SelectProtocol (§4.4 ordering constraint 2,
	// §5 ordering guarantees).
	if err := sm.sendStreamInfo(false); err != nil {
		sm.fail(err)
		return err
	}

	if err := sm.sendSelectProtocol(local); err != nil {
		sm.fail(err)
		return err
	}
	sm.ctx.setState(StateSelect)
	return nil
}

func (sm *StateMachine) sendSelectProtocol(local sdp.LocalOffer) error {
	payload := gateway.SelectProtocolPayload{
		Protocol:        "webrtc",
		RTCConnectionID: sm.params.RTCConnectionID,
		Codecs: []gateway.Codec{
			{Name: string(sm.params.VideoCodec), Type: "video", PayloadType: local.VideoPT, RTXPayloadType: local.RTXPT},
			{Name: "opus", Type: "audio", PayloadType: 111},
		},
		Data: sm.localOfferSDP,
		SDP:  sm.localOfferSDP,
	}
	frame, err := gateway.NewFrame(gateway.OpSelectProtocol, payload)
	if err != nil {
		return fmt.Errorf("negotiation: encode select protocol: %w", err)
	}
	return sm.sender.Send(frame)
}

func (sm *StateMachine) handleSessionDescription(ctx context.Context, frame gateway.Frame) error {
	var desc gateway.SessionDescriptionPayload
	if err := frame.Decode(&desc); err != nil {
		return fmt.Errorf("negotiation: decode session description: %w", err)
	}
	sm.ctx.MediaSessionID = desc.MediaSessionID

	remote, err := sdp.ParseRemoteFragments(desc.SDP)
	if err != nil {
		sce := sdpCompositionError(err)
		sm.fail(sce)
		return sce
	}
	sm.ctx.Remote = remote
	sm.ctx.setState(StateAnswer)

	local := sdp.LocalOffer{
		VideoCodec: string(sm.params.VideoCodec),
		VideoPT:    sm.ctx.VideoPayloadType,
		RTXPT:      sm.ctx.RTXPayloadType,
	}
	answerSDP, err := sdp.Compose(local, remote)
	if err != nil {
		sce := sdpCompositionError(err)
		sm.fail(sce)
		return sce
	}

	if err := sm.engine.SetRemoteAnswer(ctx, answerSDP); err != nil {
		sm.fail(err)
		return err
	}

	// Second StreamInfo, then Speaking, then Active (§4.4 ordering
	// constraint 2; §9 Open Question (a): active=false for both sends).
	if err := sm.sendStreamInfo(false); err != nil {
		sm.fail(err)
		return err
	}
	if err := sm.sendSpeaking(); err != nil {
		sm.fail(err)
		return err
	}

	sm.ctx.setState(StateActive)
	if sm.cb.OnActive != nil {
		sm.cb.OnActive()
	}
	return nil
}

func (sm *StateMachine) sendStreamInfo(active bool) error {
	payload := gateway.StreamInfoPayload{
		AudioSSRC: sm.ctx.SSRC.Audio,
		RTXSSRC:   sm.ctx.SSRC.RTX,
		VideoSSRC: sm.ctx.SSRC.Video,
		Streams: []gateway.StreamInfoEntry{
			{
				Type:         "video",
				RID:          "100",
				Active:       active,
				MaxBitrate:   2_500_000,
				MaxFramerate: int(sm.params.Framerate),
				MaxResolution: struct {
					Type   string `json:"type"`
					Width  int    `json:"width"`
					Height int    `json:"height"`
				}{Type: "fixed", Width: sm.params.Resolution.Width, Height: sm.params.Resolution.Height},
			},
		},
	}
	frame, err := gateway.NewFrame(gateway.OpStreamInfo, payload)
	if err != nil {
		return fmt.Errorf("negotiation: encode stream info: %w", err)
	}
	return sm.sender.Send(frame)
}

func (sm *StateMachine) sendSpeaking() error {
	frame, err := gateway.NewFrame(gateway.OpSpeaking, gateway.SpeakingPayload{Speaking: 1, Delay: 5, SSRC: 0})
	if err != nil {
		return fmt.Errorf("negotiation: encode speaking: %w", err)
	}
	return sm.sender.Send(frame)
}

// Close drives the state machine to Closing. Idempotent: a second call
// is a no-op (§3 "both idempotently collapse to the same teardown").
func (sm *StateMachine) Close(err error) {
	sm.fail(err)
}

func (sm *StateMachine) fail(err error) {
	if sm.closed {
		return
	}
	sm.closed = true
	sm.ctx.setState(StateClosing)
	if sm.cb.OnClosing != nil {
		sm.cb.OnClosing(err)
	}
}

func containsMode(modes []string, want string) bool {
	for _, m := range modes {
		if m == want {
			return true
		}
	}
	return false
}
