package session

import (
	"context"
	"fmt"
	"sync"
	"time"

	"github.com/golive/daemon/internal/gateway"
	"github.com/golive/daemon/internal/media"
	"github.com/golive/daemon/internal/negotiation"
	"github.com/golive/daemon/pkg/golive"
)

// mediaEngine is the slice of *media.Engine an activeSession drives,
// narrowed so tests can substitute a fake without an X11 display or
// audio hardware.
type mediaEngine interface {
	Start(ctx context.Context) error
	AwaitLocalOffer(ctx context.Context) (string, error)
	SetRemoteAnswer(ctx context.Context, answerSDP string) error
	Stop() error
}

// activeSession is one StartStream..StopStream span (§4.7, the one
// session a controller runs at a time). It owns the gateway
// connection, the heartbeater, the negotiation state machine and the
// media engine, and drives their teardown together.
type activeSession struct {
	id  string
	xid uint32

	controller *Controller

	ctx    context.Context
	cancel context.CancelFunc

	conn        *gateway.Connection
	heartbeater *gateway.Heartbeater
	engine      mediaEngine
	sm          *negotiation.StateMachine

	closeOnce sync.Once
	done      chan struct{}

	// causeMu/cause latch the first non-nil teardown cause observed
	// across every caller of teardown, independent of which caller's
	// goroutine wins closeOnce. Without this, a local StopStream
	// (cause=nil) racing a remote close (cause=conn.Err()) could win
	// the Once and onSessionEnded would see a nil cause even though
	// the gateway actually dropped the connection.
	causeMu sync.Mutex
	cause   error
}

// recordCause latches cause if it is the first non-nil cause observed
// for this session. Safe to call from any goroutine, any number of
// times, before or after teardown has started its Once-gated sequence.
func (s *activeSession) recordCause(cause error) {
	if cause == nil {
		return
	}
	s.causeMu.Lock()
	if s.cause == nil {
		s.cause = cause
	}
	s.causeMu.Unlock()
}

// latchedCause returns the first non-nil cause recorded across every
// teardown call for this session, or nil if every caller passed nil.
func (s *activeSession) latchedCause() error {
	s.causeMu.Lock()
	defer s.causeMu.Unlock()
	return s.cause
}

func newActiveSession(ctx context.Context, c *Controller, id string, xid uint32) *activeSession {
	sessCtx, cancel := context.WithCancel(ctx)
	return &activeSession{
		id:         id,
		xid:        xid,
		controller: c,
		ctx:        sessCtx,
		cancel:     cancel,
		done:       make(chan struct{}),
	}
}

// ReportMediaFailure implements media.FailureReporter (§4.6: the
// engine reports asynchronous failures rather than reaching into the
// gateway directly).
func (s *activeSession) ReportMediaFailure(err error) {
	s.controller.log.Error("session: media engine reported failure", "sessionId", s.id, "error", err)
	s.teardown(err)
}

// receiveLoop is T1 (§5): the sole owner of the gateway's receive
// half, publishing decoded frames to the negotiation state machine
// (T6) one at a time.
func (s *activeSession) receiveLoop() {
	for {
		select {
		case frame, ok := <-s.conn.Incoming():
			if !ok {
				// GatewayTransport / remote close (§7): collapse to Closing.
				s.teardown(s.conn.Err())
				return
			}
			if frame.Op == gateway.OpHeartbeatAck {
				var ack struct {
					Nonce uint64 `json:"d"`
				}
				if err := frame.Decode(&ack); err == nil && s.heartbeater != nil {
					if !s.heartbeater.HandleAck(ack.Nonce) {
						s.controller.log.Warn("session: heartbeat nonce mismatch", "sessionId", s.id)
					}
				}
				continue
			}
			if err := s.sm.HandleFrame(s.ctx, frame); err != nil {
				s.teardown(err)
				return
			}
		case <-s.ctx.Done():
			return
		}
	}
}

// awaitLocalOffer is T3 (§5): waits for the media engine's composed
// local offer and hands it to the negotiation task.
func (s *activeSession) awaitLocalOffer() {
	offer, err := s.engine.AwaitLocalOffer(s.ctx)
	if err != nil {
		s.teardown(err)
		return
	}
	if err := s.sm.LocalOfferReady(s.ctx, offer); err != nil {
		s.teardown(err)
	}
}

// teardown drives the cancellation sequence of §5: close the
// negotiation state machine, cancel the receive loop, stop the
// heartbeater, stop the media engine, close the gateway connection. Each step tolerates the previous one's
// failure; the whole sequence is bounded by the controller's teardown
// timeout and idempotent.
func (s *activeSession) teardown(cause error) {
	s.recordCause(cause)

	s.closeOnce.Do(func() {
		go func() {
			defer close(s.done)

			deadline := time.Duration(s.controller.cfg.TeardownTimeoutSeconds) * time.Second
			if deadline <= 0 {
				deadline = 3 * time.Second
			}
			done := make(chan struct{})

			go func() {
				s.sm.Close(s.latchedCause())
				s.cancel()
				if s.heartbeater != nil {
					s.heartbeater.Stop()
				}
				if s.engine != nil {
					if err := s.engine.Stop(); err != nil {
						s.controller.log.Warn("session: media engine stop failed", "sessionId", s.id, "error", err)
					}
				}
				if s.conn != nil {
					s.conn.Close()
				}
				close(done)
			}()

			select {
			case <-done:
			case <-time.After(deadline):
				s.controller.log.Warn("session: teardown exceeded budget, abandoning handles", "sessionId", s.id)
			}

			// Read the latch, not the cause argument this goroutine's
			// Once.Do call happened to win with: a concurrent caller
			// (e.g. the receive loop observing the remote close) may
			// have recorded a real cause after this call's teardown(nil)
			// already claimed the Once.
			s.controller.onSessionEnded(s, s.latchedCause())
		}()
	})
}

func startHeartbeat(s *activeSession, intervalMs uint64) {
	s.heartbeater = gateway.NewHeartbeater(s.conn, intervalMs)
	s.heartbeater.Start(s.ctx)
}

func negotiationParams(cmd golive.StartStreamParams) negotiation.Params {
	return negotiation.Params{
		ServerID:        cmd.ServerID,
		SessionID:       cmd.SessionID,
		Token:           cmd.Token,
		UserID:          cmd.UserID,
		RTCConnectionID: cmd.RTCConnectionID,
		VideoCodec:      cmd.VideoCodec,
		Framerate:       cmd.Framerate,
		Resolution:      cmd.Resolution,
	}
}

func mediaConfig(cmd golive.StartStreamParams, audioSourceID string) media.Config {
	return media.Config{
		VideoCodec:    cmd.VideoCodec,
		WindowID:      cmd.XID,
		Resolution:    cmd.Resolution,
		Framerate:     cmd.Framerate,
		IceServers:    cmd.IceServers,
		AudioSourceID: audioSourceID,
	}
}

func describeSession(s *activeSession) string {
	return fmt.Sprintf("session %s (xid=%d)", s.id, s.xid)
}
