// Package negotiation implements the gateway's offer→answer→select→activate
// handshake (§4.4): the single state machine that owns NegotiationCtx,
// decides when to send SelectProtocol and StreamInfo, and hands the
// remote session description to the SDP composer. It is driven by one
// goroutine per session (T6 in §5's task numbering) — HandleFrame and
// LocalOfferReady must be called serially, never concurrently with each
// other, matching the spec's "NegotiationCtx is owned by T6 and mutated
// only from T6" invariant.
package negotiation

import (
	"errors"
	"fmt"
	"sync/atomic"

	"github.com/golive/daemon/internal/sdp"
)

// State is one point in the negotiation's monotonic ordering (§3). The
// only non-monotonic transition is "any state → Closing".
type State int

const (
	StateAuth State = iota
	StateHello
	StateDescribe
	StateOffer
	StateSelect
	StateAnswer
	StateActive
	StateClosing
)

func (s State) String() string {
	switch s {
	case StateAuth:
		return "Auth"
	case StateHello:
		return "Hello"
	case StateDescribe:
		return "Describe"
	case StateOffer:
		return "Offer"
	case StateSelect:
		return "Select"
	case StateAnswer:
		return "Answer"
	case StateActive:
		return "Active"
	case StateClosing:
		return "Closing"
	default:
		return "Unknown"
	}
}

// SSRCTriple is the audio/video/rtx SSRC set tracked by NegotiationCtx
// (§3). Video and RTX come from the locally generated offer; audio from
// the offer's audio m-block ssrc line.
type SSRCTriple struct {
	Audio uint32
	Video uint32
	RTX   uint32
}

// ErrUnsupportedEncryption is returned when the gateway's Ready payload
// does not offer aead_aes256_gcm (§4.4 ordering constraint 3, §7).
var ErrUnsupportedEncryption = errors.New("negotiation: gateway does not support aead_aes256_gcm encryption")

// SdpCompositionError wraps a missing-fragment failure from the SDP
// composer with the negotiation-level SdpComposition error kind (§7).
type SdpCompositionError struct {
	Field string
}

func (e *SdpCompositionError) Error() string {
	return fmt.Sprintf("negotiation: sdp composition failed, missing %q", e.Field)
}

func (e *SdpCompositionError) Unwrap() error {
	return &sdp.MissingFieldError{Field: e.Field}
}

func sdpCompositionError(err error) *SdpCompositionError {
	var mfe *sdp.MissingFieldError
	if errors.As(err, &mfe) {
		return &SdpCompositionError{Field: mfe.Field}
	}
	return &SdpCompositionError{Field: "unknown"}
}

// Ctx is the negotiation state snapshot (§3's NegotiationCtx). State is
// accessed atomically so status reporting (GetInfo, health checks) can
// read it from outside T6; every other field is written only by T6
// before the corresponding state transition is published, so a racy
// read of them only ever observes a prior, still-valid value.
type Ctx struct {
	state atomic.Int32

	SSRC            SSRCTriple
	VideoPayloadType int
	RTXPayloadType   int

	RemoteIP      string
	RemotePort    int
	RemoteModes   []string
	MediaSessionID string

	Remote sdp.RemoteFragments
}

// State returns the current negotiation state.
func (c *Ctx) State() State {
	return State(c.state.Load())
}

func (c *Ctx) setState(s State) {
	c.state.Store(int32(s))
}
