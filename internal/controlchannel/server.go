package controlchannel

import (
	"context"
	"encoding/json"
	"fmt"
	"net"
	"net/http"
	"sync"
	"time"

	"github.com/gorilla/websocket"

	"github.com/golive/daemon/internal/logging"
)

var log = logging.L("controlchannel")

const (
	writeWait      = 10 * time.Second
	maxMessageSize = 1 << 20
)

// Handler is implemented by the session controller; the server decodes
// frames and dispatches to it, and calls back into the server to push
// outbound frames.
type Handler interface {
	HandleStartStream(ctx context.Context, cmd StartStreamCommand) error
	HandleStopStream(ctx context.Context) error
	HandleGetInfo(ctx context.Context, cmd GetInfoCommand) (ApplicationListPayload, error)
}

// Server is a localhost WebSocket server accepting one browser
// extension connection at a time (§6). Only one client is expected;
// additional connections replace the previous one rather than
// fanning out, since there is at most one active session per process
// (spec §3 invariant).
type Server struct {
	addr    string
	handler Handler

	upgrader websocket.Upgrader
	httpSrv  *http.Server

	mu   sync.Mutex
	conn *websocket.Conn
}

// New constructs a control-channel server bound to host:port. Call
// SetHandler before Start (the session controller and this server are
// constructed back-to-back, each needing a reference to the other).
func New(host string, port int) *Server {
	return &Server{
		addr: fmt.Sprintf("%s:%d", host, port),
		upgrader: websocket.Upgrader{
			CheckOrigin:     func(r *http.Request) bool { return true },
			ReadBufferSize:  4096,
			WriteBufferSize: 4096,
		},
	}
}

// SetHandler wires the command dispatch target. Must be called before
// the first client connects.
func (s *Server) SetHandler(handler Handler) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.handler = handler
}

// Start begins listening; it returns once the listener is bound, and
// serves connections on a background goroutine until Stop.
func (s *Server) Start() error {
	mux := http.NewServeMux()
	mux.HandleFunc("/", s.handleUpgrade)

	ln, err := net.Listen("tcp", s.addr)
	if err != nil {
		return fmt.Errorf("controlchannel: listen %s: %w", s.addr, err)
	}

	s.httpSrv = &http.Server{Handler: mux}
	go func() {
		if err := s.httpSrv.Serve(ln); err != nil && err != http.ErrServerClosed {
			log.Error("controlchannel: serve failed", "error", err)
		}
	}()

	log.Info("controlchannel: listening", "addr", s.addr)
	return nil
}

// Stop closes the listener and any active connection.
func (s *Server) Stop(ctx context.Context) error {
	s.mu.Lock()
	if s.conn != nil {
		s.conn.Close()
		s.conn = nil
	}
	s.mu.Unlock()

	if s.httpSrv == nil {
		return nil
	}
	return s.httpSrv.Shutdown(ctx)
}

func (s *Server) handleUpgrade(w http.ResponseWriter, r *http.Request) {
	conn, err := s.upgrader.Upgrade(w, r, nil)
	if err != nil {
		log.Warn("controlchannel: upgrade failed", "error", err)
		return
	}
	conn.SetReadLimit(maxMessageSize)

	s.mu.Lock()
	if s.conn != nil {
		s.conn.Close()
	}
	s.conn = conn
	s.mu.Unlock()

	log.Info("controlchannel: client connected", "remote", r.RemoteAddr)
	go s.readLoop(conn)
}

func (s *Server) readLoop(conn *websocket.Conn) {
	defer func() {
		s.mu.Lock()
		if s.conn == conn {
			s.conn = nil
		}
		s.mu.Unlock()
		conn.Close()
		log.Info("controlchannel: client disconnected")
	}()

	for {
		_, data, err := conn.ReadMessage()
		if err != nil {
			return
		}
		s.dispatch(data)
	}
}

func (s *Server) dispatch(data []byte) {
	var env Envelope
	if err := json.Unmarshal(data, &env); err != nil {
		log.Warn("controlchannel: decode envelope failed, dropping frame", "error", err)
		return
	}

	s.mu.Lock()
	handler := s.handler
	s.mu.Unlock()
	if handler == nil {
		log.Warn("controlchannel: no handler wired, dropping frame", "type", env.Type)
		return
	}

	ctx := context.Background()
	var err error
	switch env.Type {
	case TypeStartStream:
		var cmd StartStreamCommand
		if decErr := json.Unmarshal(env.Data, &cmd); decErr != nil {
			log.Warn("controlchannel: decode StartStream failed, dropping frame", "error", decErr)
			return
		}
		err = handler.HandleStartStream(ctx, cmd)
	case TypeStopStream:
		err = handler.HandleStopStream(ctx)
	case TypeGetInfo:
		var cmd GetInfoCommand
		if decErr := json.Unmarshal(env.Data, &cmd); decErr != nil {
			log.Warn("controlchannel: decode GetInfo failed, dropping frame", "error", decErr)
			return
		}
		var apps ApplicationListPayload
		apps, err = handler.HandleGetInfo(ctx, cmd)
		if err == nil {
			s.send(TypeApplicationList, apps)
			return
		}
	default:
		log.Debug("controlchannel: ignoring unknown command", "type", env.Type)
		return
	}

	if err != nil {
		log.Warn("controlchannel: command failed", "type", env.Type, "error", err)
	}
}

// PublishStreamStop sends the outbound StreamStop frame (§6, only on
// StopStreamInternal).
func (s *Server) PublishStreamStop() {
	s.send(TypeStreamStop, struct{}{})
}

// PublishPreview sends a base64 JPEG thumbnail (§4.7 periodic poller).
func (s *Server) PublishPreview(jpgBase64 string) {
	s.send(TypeStreamPreview, StreamPreviewPayload{JPG: jpgBase64})
}

// PublishStatus sends an AgentStatus frame (SPEC_FULL §5 health
// reporting supplement).
func (s *Server) PublishStatus(status string, components map[string]string) {
	s.send(TypeAgentStatus, AgentStatusPayload{Status: status, Components: components})
}

func (s *Server) send(msgType string, payload any) {
	frame, err := encode(msgType, payload)
	if err != nil {
		log.Error("controlchannel: encode failed", "type", msgType, "error", err)
		return
	}

	s.mu.Lock()
	conn := s.conn
	s.mu.Unlock()
	if conn == nil {
		return
	}

	conn.SetWriteDeadline(time.Now().Add(writeWait))
	if err := conn.WriteMessage(websocket.TextMessage, frame); err != nil {
		log.Warn("controlchannel: write failed", "type", msgType, "error", err)
	}
}
