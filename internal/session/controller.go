// Package session implements the single top-level actor of the daemon
// (§4.7): it receives commands from the control channel, owns the one
// active gateway/negotiation/media-engine session at a time, and
// periodically publishes a preview thumbnail while a session is live.
package session

import (
	"context"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"github.com/google/uuid"

	"github.com/golive/daemon/internal/audit"
	"github.com/golive/daemon/internal/config"
	"github.com/golive/daemon/internal/controlchannel"
	"github.com/golive/daemon/internal/gateway"
	"github.com/golive/daemon/internal/health"
	"github.com/golive/daemon/internal/logging"
	"github.com/golive/daemon/internal/media"
	"github.com/golive/daemon/internal/negotiation"
	"github.com/golive/daemon/internal/workerpool"
	"github.com/golive/daemon/pkg/golive"
)

var log = logging.L("session")

// defaultAudioSourceID names the PulseAudio monitor source every
// session captures (StartStream carries no audio-source field); it is
// the conventional default-sink monitor alias on most desktop
// PulseAudio configurations.
const defaultAudioSourceID = "@DEFAULT_MONITOR@"

// Publisher is the outbound half of the control channel the
// controller pushes frames through. *controlchannel.Server satisfies
// it; tests use a fake.
type Publisher interface {
	PublishStreamStop()
	PublishPreview(jpgBase64 string)
	PublishStatus(status string, components map[string]string)
}

// gatewayDialer opens the one gateway connection a session needs.
// Production wires gateway.Open; tests substitute a dialer pointed at
// a fake gateway server.
type gatewayDialer func(ctx context.Context, endpoint string) (*gateway.Connection, error)

// mediaEngineFactory stands up the media pipeline for a session.
// Production wires media.Create; tests substitute a factory that
// never touches X11 or PulseAudio.
type mediaEngineFactory func(cfg media.Config, reporter media.FailureReporter) (mediaEngine, error)

func defaultMediaFactory(cfg media.Config, reporter media.FailureReporter) (mediaEngine, error) {
	return media.Create(cfg, reporter)
}

// Controller is the session controller of §4.7. It is safe for
// concurrent use: the control channel's read pump calls its Handle*
// methods directly, and they serialize through a mutex plus the
// shared worker pool backing the command dispatcher (T4).
type Controller struct {
	cfg       *config.Config
	health    *health.Monitor
	auditLog  *audit.Logger
	pool      *workerpool.Pool
	desktop   Desktop
	publisher Publisher

	dial         gatewayDialer
	mediaFactory mediaEngineFactory

	log *slog.Logger

	mu         sync.Mutex
	active     *activeSession
	pollCancel context.CancelFunc
}

// New constructs a controller with no active session.
func New(cfg *config.Config, healthMon *health.Monitor, auditLog *audit.Logger, pool *workerpool.Pool, desktop Desktop, publisher Publisher) *Controller {
	return &Controller{
		cfg:          cfg,
		health:       healthMon,
		auditLog:     auditLog,
		pool:         pool,
		desktop:      desktop,
		publisher:    publisher,
		dial:         gateway.Open,
		mediaFactory: defaultMediaFactory,
		log:          log,
	}
}

// HandleStartStream implements controlchannel.Handler. The gateway
// dial and negotiation start happen on the worker pool (T4's
// dispatcher, §5); this method only validates there is no session
// already running and enqueues the work.
func (c *Controller) HandleStartStream(ctx context.Context, cmd controlchannel.StartStreamCommand) error {
	c.mu.Lock()
	if c.active != nil {
		c.mu.Unlock()
		return fmt.Errorf("session: a stream is already active")
	}
	c.mu.Unlock()

	params := toStartStreamParams(cmd)
	if !c.pool.Submit(func() { c.startSession(params) }) {
		return fmt.Errorf("session: command queue full, dropping StartStream")
	}
	return nil
}

// HandleStopStream implements controlchannel.Handler.
func (c *Controller) HandleStopStream(ctx context.Context) error {
	c.mu.Lock()
	active := c.active
	c.mu.Unlock()
	if active == nil {
		return nil
	}
	if !c.pool.Submit(func() { active.teardown(nil) }) {
		return fmt.Errorf("session: command queue full, dropping StopStream")
	}
	return nil
}

// HandleGetInfo implements controlchannel.Handler.
func (c *Controller) HandleGetInfo(ctx context.Context, cmd controlchannel.GetInfoCommand) (controlchannel.ApplicationListPayload, error) {
	windows, err := c.desktop.ListWindows(cmd.XIDs)
	if err != nil {
		return controlchannel.ApplicationListPayload{}, err
	}
	apps := make([]controlchannel.Application, 0, len(windows))
	for _, w := range windows {
		apps = append(apps, controlchannel.Application{Name: w.Name, PID: w.PID, XID: w.XID})
	}
	return controlchannel.ApplicationListPayload{Apps: apps}, nil
}

func (c *Controller) startSession(params golive.StartStreamParams) {
	internalID := uuid.NewString()
	s := newActiveSession(context.Background(), c, internalID, params.XID)

	c.health.Update("session", health.Degraded, "negotiating")
	c.auditLog.Log(audit.EventSessionStart, params.SessionID, map[string]any{
		"xid":      params.XID,
		"server":   params.ServerID,
		"internal": internalID,
	})

	if len(params.IceServers) == 0 {
		for _, srv := range c.cfg.IceServers {
			params.IceServers = append(params.IceServers, golive.IceServer{URLs: srv.URLs, Username: srv.Username, Credential: srv.Credential})
		}
	}

	engine, err := c.mediaFactory(mediaConfig(params, defaultAudioSourceID), s)
	if err != nil {
		c.log.Error("session: media engine create failed", "error", err)
		c.health.Update("session", health.Unhealthy, err.Error())
		return
	}
	s.engine = engine

	conn, err := c.dial(context.Background(), params.Endpoint)
	if err != nil {
		c.log.Error("session: gateway open failed", "error", err)
		c.health.Update("session", health.Unhealthy, err.Error())
		engine.Stop()
		c.auditLog.Log(audit.EventGatewayUnavailable, params.SessionID, map[string]any{"error": err.Error()})
		return
	}
	s.conn = conn

	s.sm = negotiation.NewStateMachine(conn, engine, negotiationParams(params), negotiation.Callbacks{
		OnHeartbeatInterval: func(intervalMs uint64) { startHeartbeat(s, intervalMs) },
		OnActive: func() {
			c.health.Update("session", health.Healthy, describeSession(s))
			c.publishStatus()
		},
		OnClosing: func(closeErr error) {
			if closeErr != nil {
				c.auditLog.Log(audit.EventNegotiationError, params.SessionID, map[string]any{"error": closeErr.Error()})
			}
		},
	})

	if err := engine.Start(context.Background()); err != nil {
		c.log.Error("session: media engine start failed", "error", err)
		s.teardown(err)
		return
	}

	c.mu.Lock()
	c.active = s
	pollCtx, cancel := context.WithCancel(context.Background())
	c.pollCancel = cancel
	c.mu.Unlock()

	go s.receiveLoop()
	go s.awaitLocalOffer()

	if err := s.sm.Start(); err != nil {
		c.log.Error("session: failed to send identify", "error", err)
		s.teardown(err)
		return
	}

	go c.pollThumbnails(pollCtx, params.XID)
}

// onSessionEnded is called once an activeSession's teardown sequence
// completes, regardless of which path triggered it.
func (c *Controller) onSessionEnded(s *activeSession, cause error) {
	c.mu.Lock()
	if c.active == s {
		c.active = nil
		if c.pollCancel != nil {
			c.pollCancel()
			c.pollCancel = nil
		}
	}
	c.mu.Unlock()

	c.health.Update("session", health.Degraded, "idle")
	c.auditLog.Log(audit.EventSessionStop, s.id, map[string]any{
		"causedByRemoteClose": cause != nil,
	})

	// StopStreamInternal (§4.7): every teardown with a non-nil cause
	// (remote close, transport error, negotiation or media failure)
	// publishes StreamStop; a client-requested StopStream (nil cause)
	// already knows the stream stopped.
	if cause != nil {
		c.publisher.PublishStreamStop()
	}
	c.publishStatus()
}

// pollThumbnails is T5 (§5): every ThumbnailIntervalSeconds while a
// session is active, request a preview frame from the desktop
// collaborator and publish it.
func (c *Controller) pollThumbnails(ctx context.Context, xid uint32) {
	interval := time.Duration(c.cfg.ThumbnailIntervalSeconds) * time.Second
	if interval <= 0 {
		interval = 10 * time.Minute
	}
	ticker := time.NewTicker(interval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			c.pool.Submit(func() {
				jpg, err := c.desktop.CaptureThumbnail(xid)
				if err != nil {
					c.log.Warn("session: thumbnail capture failed", "xid", xid, "error", err)
					return
				}
				c.publisher.PublishPreview(jpg)
			})
		}
	}
}

func (c *Controller) publishStatus() {
	summary := c.health.Summary()
	status, _ := summary["status"].(string)
	components, _ := summary["components"].(map[string]string)
	c.publisher.PublishStatus(status, components)
}

func toStartStreamParams(cmd controlchannel.StartStreamCommand) golive.StartStreamParams {
	servers := make([]golive.IceServer, 0, 1)
	if len(cmd.ICE.URLs) > 0 {
		servers = append(servers, golive.IceServer{
			URLs:       cmd.ICE.URLs,
			Username:   cmd.ICE.Username,
			Credential: cmd.ICE.Credential,
		})
	}
	return golive.StartStreamParams{
		PID:             uint32(cmd.PID),
		XID:             cmd.XID,
		Resolution:      golive.Resolution{Width: cmd.Resolution.Width, Height: cmd.Resolution.Height, Fixed: cmd.Resolution.IsFixed},
		Framerate:       cmd.Framerate,
		ServerID:        cmd.ServerID,
		UserID:          cmd.UserID,
		Token:           cmd.Token,
		SessionID:       cmd.SessionID,
		RTCConnectionID: cmd.RTCConnectionID,
		Endpoint:        cmd.Endpoint,
		IP:              cmd.IP,
		IceServers:      servers,
		VideoCodec:      golive.VideoCodecH264,
	}
}
