package session

import (
	"context"
	"net/http"
	"net/http/httptest"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/gorilla/websocket"

	"github.com/golive/daemon/internal/config"
	"github.com/golive/daemon/internal/controlchannel"
	"github.com/golive/daemon/internal/gateway"
	"github.com/golive/daemon/internal/health"
	"github.com/golive/daemon/internal/media"
	"github.com/golive/daemon/internal/workerpool"
)

// fakePublisher records every outbound frame the controller pushes,
// standing in for *controlchannel.Server (the control-channel Publisher
// contract).
type fakePublisher struct {
	mu               sync.Mutex
	streamStopCount  int
	previews         []string
	statuses         []string
	streamStopSignal chan struct{}
}

func newFakePublisher() *fakePublisher {
	return &fakePublisher{streamStopSignal: make(chan struct{}, 8)}
}

func (f *fakePublisher) PublishStreamStop() {
	f.mu.Lock()
	f.streamStopCount++
	f.mu.Unlock()
	f.streamStopSignal <- struct{}{}
}

func (f *fakePublisher) PublishPreview(jpgBase64 string) {
	f.mu.Lock()
	f.previews = append(f.previews, jpgBase64)
	f.mu.Unlock()
}

func (f *fakePublisher) PublishStatus(status string, components map[string]string) {
	f.mu.Lock()
	f.statuses = append(f.statuses, status)
	f.mu.Unlock()
}

func (f *fakePublisher) streamStops() int {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.streamStopCount
}

// fakeDesktop never shells out; none of the scenarios here depend on
// real window enumeration or thumbnail capture.
type fakeDesktop struct{}

func (fakeDesktop) ListWindows(xids []uint32) ([]WindowInfo, error) { return nil, nil }
func (fakeDesktop) CaptureThumbnail(xid uint32) (string, error)     { return "", nil }

// fakeMediaEngine satisfies the session package's mediaEngine interface
// without touching X11 or PulseAudio. Its local offer is a canned SDP
// that matches internal/sdp's documented fixture shape (PT 101 H264,
// 102 rtx, 111 opus).
type fakeMediaEngine struct {
	offerSDP  string
	offerErr  error
	startErr  error
	stopCalls int
	mu        sync.Mutex
}

const fakeOfferSDP = `v=0
o=- 1 2 IN IP4 127.0.0.1
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

func newFakeMediaEngine() *fakeMediaEngine {
	return &fakeMediaEngine{offerSDP: fakeOfferSDP}
}

func (f *fakeMediaEngine) Start(ctx context.Context) error { return f.startErr }
func (f *fakeMediaEngine) AwaitLocalOffer(ctx context.Context) (string, error) {
	if f.offerErr != nil {
		return "", f.offerErr
	}
	return f.offerSDP, nil
}
func (f *fakeMediaEngine) SetRemoteAnswer(ctx context.Context, answerSDP string) error { return nil }
func (f *fakeMediaEngine) Stop() error {
	f.mu.Lock()
	f.stopCalls++
	f.mu.Unlock()
	return nil
}

// fakeGateway is a minimal Discord voice/video gateway: it upgrades one
// connection, replies to Identify with Hello, then lets the test drive
// the rest of the scripted exchange explicitly.
type fakeGateway struct {
	srv  *httptest.Server
	conn *websocket.Conn
}

func newFakeGateway(t *testing.T, helloIntervalMs uint64) *fakeGateway {
	t.Helper()
	fg := &fakeGateway{}
	upgrader := websocket.Upgrader{}
	accepted := make(chan *websocket.Conn, 1)
	fg.srv = httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		conn, err := upgrader.Upgrade(w, r, nil)
		if err != nil {
			return
		}
		accepted <- conn
	}))

	go func() {
		conn := <-accepted
		fg.conn = conn
		if helloIntervalMs > 0 {
			reply, _ := gateway.NewFrame(gateway.OpHello, gateway.HelloPayload{HeartbeatIntervalMs: helloIntervalMs, V: 7})
			data, _ := reply.MarshalJSON()
			conn.WriteMessage(websocket.TextMessage, data)
		}
	}()

	return fg
}

func (fg *fakeGateway) endpoint() string {
	return strings.TrimPrefix(fg.srv.URL, "http://")
}

func (fg *fakeGateway) closeAbruptly() {
	fg.srv.Close()
}

func (fg *fakeGateway) close() {
	fg.srv.Close()
}

func testController(t *testing.T, publisher *fakePublisher, dial gatewayDialer, factory mediaEngineFactory) *Controller {
	t.Helper()
	cfg := config.Default()
	cfg.TeardownTimeoutSeconds = 1
	pool := workerpool.New(4, 32)
	c := New(cfg, health.NewMonitor(), nil, pool, fakeDesktop{}, publisher)
	c.dial = dial
	c.mediaFactory = factory
	return c
}

func testDialer(endpoint string) gatewayDialer {
	return func(ctx context.Context, _ string) (*gateway.Connection, error) {
		return gateway.Dial(ctx, "ws://"+endpoint+"/?v=7")
	}
}

func testStartStreamCommand() controlchannel.StartStreamCommand {
	return controlchannel.StartStreamCommand{
		PID:        1234,
		XID:        7,
		Resolution: controlchannel.Resolution{Width: 1280, Height: 720},
		Framerate:  30,
		ServerID:   "g1",
		UserID:     "u1",
		Token:      "tok",
		SessionID:  "s1",
		Endpoint:   "unused-overridden-by-dialer",
	}
}

// TestStartStreamReachesActive drives scenario S1: a full nominal
// handshake (Identify -> Hello -> Ready -> StreamInfo/SelectProtocol ->
// SessionDescription -> StreamInfo/Speaking) ending in a PublishStatus
// call reporting the session healthy, with no
// PublishStreamStop (the session never tore down).
func TestStartStreamReachesActive(t *testing.T) {
	fg := newFakeGateway(t, 1000)
	defer fg.close()

	publisher := newFakePublisher()
	engine := newFakeMediaEngine()
	c := testController(t, publisher, testDialer(fg.endpoint()), func(media.Config, media.FailureReporter) (mediaEngine, error) {
		return engine, nil
	})

	if err := c.HandleStartStream(context.Background(), testStartStreamCommand()); err != nil {
		t.Fatalf("HandleStartStream: %v", err)
	}

	waitForConn(t, fg)

	readFrame(t, fg.conn, gateway.OpIdentify)

	sendFrame(t, fg.conn, gateway.OpReady, gateway.ReadyPayload{
		IP: "198.51.100.5", Port: 50000, Modes: []string{"aead_aes256_gcm"},
	})

	readFrame(t, fg.conn, gateway.OpStreamInfo)
	readFrame(t, fg.conn, gateway.OpSelectProtocol)

	sendFrame(t, fg.conn, gateway.OpSessionDescription, gateway.SessionDescriptionPayload{
		MediaSessionID: "ms1",
		SDP: "m=audio 50000 UDP/TLS/RTP/SAVPF 0\n" +
			"c=IN IP4 198.51.100.5\n" +
			"a=ice-ufrag:someufrag\n" +
			"a=ice-pwd:somepwd1234567890\n" +
			"a=fingerprint:sha-256 AA:BB:CC\n" +
			"a=candidate:1 1 UDP 2130706431 198.51.100.5 50000 typ host\n",
	})

	readFrame(t, fg.conn, gateway.OpStreamInfo)
	readFrame(t, fg.conn, gateway.OpSpeaking)

	waitForCondition(t, 2*time.Second, func() bool {
		for _, s := range publisher.statusesSnapshot() {
			if s == "healthy" {
				return true
			}
		}
		return false
	}, "expected a healthy status publish once the session reaches Active")

	if publisher.streamStops() != 0 {
		t.Errorf("streamStops = %d, want 0 for a still-active session", publisher.streamStops())
	}
}

// TestStartStreamFailsCleanlyWhenGatewayClosesBeforeHello covers
// scenario S3: the gateway drops the connection before sending Hello.
// startSession must tear down without panicking and must not leave an
// active session registered.
func TestStartStreamFailsCleanlyWhenGatewayClosesBeforeHello(t *testing.T) {
	fg := newFakeGateway(t, 0) // no Hello reply
	defer fg.close()

	publisher := newFakePublisher()
	engine := newFakeMediaEngine()
	c := testController(t, publisher, testDialer(fg.endpoint()), func(media.Config, media.FailureReporter) (mediaEngine, error) {
		return engine, nil
	})

	if err := c.HandleStartStream(context.Background(), testStartStreamCommand()); err != nil {
		t.Fatalf("HandleStartStream: %v", err)
	}

	// The gateway accepts the upgrade and immediately closes, before
	// Hello — the session never gets to see a heartbeat interval.
	waitForConn(t, fg)
	fg.closeAbruptly()

	waitForCondition(t, 2*time.Second, func() bool {
		c.mu.Lock()
		defer c.mu.Unlock()
		return c.active == nil
	}, "expected the controller to clear its active session after the gateway closed")
}

// TestConcurrentStopAndRemoteCloseStopsStreamExactlyOnce covers
// scenario S5: a local StopStream racing a remote gateway close must
// still publish exactly one StreamStop, because the remote-close cause
// is latched independently of whichever caller's teardown() call wins
// the session's close-once.
func TestConcurrentStopAndRemoteCloseStopsStreamExactlyOnce(t *testing.T) {
	fg := newFakeGateway(t, 1000)
	defer fg.close()

	publisher := newFakePublisher()
	engine := newFakeMediaEngine()
	c := testController(t, publisher, testDialer(fg.endpoint()), func(media.Config, media.FailureReporter) (mediaEngine, error) {
		return engine, nil
	})

	if err := c.HandleStartStream(context.Background(), testStartStreamCommand()); err != nil {
		t.Fatalf("HandleStartStream: %v", err)
	}

	waitForConn(t, fg)
	readFrame(t, fg.conn, gateway.OpIdentify)

	sendFrame(t, fg.conn, gateway.OpReady, gateway.ReadyPayload{
		IP: "198.51.100.5", Port: 50000, Modes: []string{"aead_aes256_gcm"},
	})
	readFrame(t, fg.conn, gateway.OpStreamInfo)
	readFrame(t, fg.conn, gateway.OpSelectProtocol)

	// Fire the local StopStream and the remote close as close to
	// simultaneously as the test can manage.
	var wg sync.WaitGroup
	wg.Add(2)
	go func() {
		defer wg.Done()
		c.HandleStopStream(context.Background())
	}()
	go func() {
		defer wg.Done()
		fg.closeAbruptly()
	}()
	wg.Wait()

	select {
	case <-publisher.streamStopSignal:
	case <-time.After(3 * time.Second):
		t.Fatal("expected exactly one StreamStop publish, got none")
	}

	select {
	case <-publisher.streamStopSignal:
		t.Fatal("expected exactly one StreamStop publish, got a second one")
	case <-time.After(300 * time.Millisecond):
	}

	if got := publisher.streamStops(); got != 1 {
		t.Errorf("streamStops = %d, want exactly 1", got)
	}
}

func (f *fakePublisher) statusesSnapshot() []string {
	f.mu.Lock()
	defer f.mu.Unlock()
	out := make([]string, len(f.statuses))
	copy(out, f.statuses)
	return out
}

func waitForConn(t *testing.T, fg *fakeGateway) {
	t.Helper()
	deadline := time.Now().Add(2 * time.Second)
	for time.Now().Before(deadline) {
		if fg.conn != nil {
			return
		}
		time.Sleep(5 * time.Millisecond)
	}
	t.Fatal("timed out waiting for gateway connection")
}

func waitForCondition(t *testing.T, timeout time.Duration, cond func() bool, msg string) {
	t.Helper()
	deadline := time.Now().Add(timeout)
	for time.Now().Before(deadline) {
		if cond() {
			return
		}
		time.Sleep(10 * time.Millisecond)
	}
	t.Fatal(msg)
}

func readFrame(t *testing.T, conn *websocket.Conn, want gateway.OpCode) gateway.Frame {
	t.Helper()
	conn.SetReadDeadline(time.Now().Add(2 * time.Second))
	_, data, err := conn.ReadMessage()
	if err != nil {
		t.Fatalf("read frame (want %s): %v", want, err)
	}
	var frame gateway.Frame
	if err := frame.UnmarshalJSON(data); err != nil {
		t.Fatalf("decode frame: %v", err)
	}
	if frame.Op != want {
		t.Fatalf("got op %s, want %s", frame.Op, want)
	}
	return frame
}

func sendFrame(t *testing.T, conn *websocket.Conn, op gateway.OpCode, payload any) {
	t.Helper()
	frame, err := gateway.NewFrame(op, payload)
	if err != nil {
		t.Fatalf("encode %s: %v", op, err)
	}
	data, err := frame.MarshalJSON()
	if err != nil {
		t.Fatalf("marshal %s: %v", op, err)
	}
	if err := conn.WriteMessage(websocket.TextMessage, data); err != nil {
		t.Fatalf("send %s: %v", op, err)
	}
}
