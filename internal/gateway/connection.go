package gateway

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"net/url"
	"sync"
	"time"

	"github.com/golive/daemon/internal/logging"
	"github.com/gorilla/websocket"
)

var log = logging.L("gateway")

// ErrGatewayUnavailable is returned when the initial WebSocket upgrade
// fails or does not return HTTP 101 (§4.2).
var ErrGatewayUnavailable = errors.New("gateway: unavailable")

// ErrClosed is returned by Send/Incoming once the connection has been
// closed, locally or by the peer.
var ErrClosed = errors.New("gateway: closed")

const (
	writeWait = 10 * time.Second
	pongWait  = 60 * time.Second
	pingPeriod = pongWait * 9 / 10
)

// Connection is a single-attempt (no reconnect) WebSocket to Discord's
// voice/video gateway. Unlike a client-facing control connection, a
// dropped gateway connection must not be retried transparently — it
// surfaces as a terminal error to the session (§5 "Supplemented
// Features", spec §7/§8 S3).
type Connection struct {
	conn   *websocket.Conn
	sendMu sync.Mutex

	incoming chan Frame
	closed   chan struct{}
	closeErr error
	closeMu  sync.Mutex
	closeOnce sync.Once
}

// Open dials wss://<endpoint>/?v=7 once. A non-101 upgrade or dial
// failure returns ErrGatewayUnavailable, matching §4.2's failure policy.
func Open(ctx context.Context, endpoint string) (*Connection, error) {
	u := url.URL{Scheme: "wss", Host: endpoint, Path: "/", RawQuery: "v=7"}
	return Dial(ctx, u.String())
}

// Dial performs the same single-attempt handshake as Open against an
// arbitrary, already-qualified URL. It exists so tests can point the
// gateway at a plain ws:// httptest server, which cannot serve TLS.
func Dial(ctx context.Context, rawURL string) (*Connection, error) {
	dialer := websocket.Dialer{HandshakeTimeout: 15 * time.Second}
	conn, resp, err := dialer.DialContext(ctx, rawURL, nil)
	if err != nil {
		return nil, fmt.Errorf("%w: %v", ErrGatewayUnavailable, err)
	}
	if resp != nil && resp.StatusCode != http.StatusSwitchingProtocols {
		conn.Close()
		return nil, fmt.Errorf("%w: upgrade returned status %d", ErrGatewayUnavailable, resp.StatusCode)
	}

	c := &Connection{
		conn:     conn,
		incoming: make(chan Frame, 16),
		closed:   make(chan struct{}),
	}

	conn.SetReadDeadline(time.Now().Add(pongWait))
	conn.SetPongHandler(func(string) error {
		conn.SetReadDeadline(time.Now().Add(pongWait))
		return nil
	})

	go c.readPump()
	go c.pingLoop()

	return c, nil
}

// Send writes frame to the wire, serialized behind the connection's
// single exclusive send lock (§5 "the gateway send half is the only
// shared mutable resource").
func (c *Connection) Send(frame Frame) error {
	select {
	case <-c.closed:
		return ErrClosed
	default:
	}

	data, err := frame.MarshalJSON()
	if err != nil {
		return fmt.Errorf("gateway: marshal %s frame: %w", frame.Op, err)
	}

	c.sendMu.Lock()
	defer c.sendMu.Unlock()

	select {
	case <-c.closed:
		return ErrClosed
	default:
	}

	c.conn.SetWriteDeadline(time.Now().Add(writeWait))
	if err := c.conn.WriteMessage(websocket.TextMessage, data); err != nil {
		return fmt.Errorf("gateway: write %s frame: %w", frame.Op, err)
	}
	return nil
}

// Incoming returns the channel of decoded inbound frames. It is closed
// when the connection is closed, locally or by the peer; a subsequent
// read from Err reports why.
func (c *Connection) Incoming() <-chan Frame {
	return c.incoming
}

// Err returns the reason Incoming closed. Returns ErrClosed for a
// locally-initiated close, the socket's read (or keepalive ping write)
// error for a remote close or transport failure, and nil if the
// connection is still open. Undecodable frames are logged and dropped
// and never show up here.
func (c *Connection) Err() error {
	c.closeMu.Lock()
	defer c.closeMu.Unlock()
	return c.closeErr
}

// Close is best-effort and idempotent; it completes promptly even if
// the peer is unresponsive (§4.2).
func (c *Connection) Close() error {
	c.closeOnce.Do(func() {
		c.setClosed(ErrClosed)
		c.conn.SetWriteDeadline(time.Now().Add(writeWait))
		c.conn.WriteMessage(websocket.CloseMessage, websocket.FormatCloseMessage(websocket.CloseNormalClosure, ""))
		c.conn.Close()
	})
	return nil
}

func (c *Connection) setClosed(err error) {
	c.closeMu.Lock()
	if c.closeErr == nil {
		c.closeErr = err
	}
	c.closeMu.Unlock()

	select {
	case <-c.closed:
	default:
		close(c.closed)
	}
}

func (c *Connection) readPump() {
	defer close(c.incoming)
	for {
		_, data, err := c.conn.ReadMessage()
		if err != nil {
			c.setClosed(err)
			return
		}

		var frame Frame
		if err := frame.UnmarshalJSON(data); err != nil {
			log.Warn("gateway: dropping undecodable frame", "error", err)
			continue
		}

		select {
		case c.incoming <- frame:
		case <-c.closed:
			return
		}
	}
}

func (c *Connection) pingLoop() {
	ticker := time.NewTicker(pingPeriod)
	defer ticker.Stop()
	for {
		select {
		case <-c.closed:
			return
		case <-ticker.C:
			c.sendMu.Lock()
			c.conn.SetWriteDeadline(time.Now().Add(writeWait))
			err := c.conn.WriteMessage(websocket.PingMessage, nil)
			c.sendMu.Unlock()
			if err != nil {
				c.setClosed(err)
				return
			}
		}
	}
}
