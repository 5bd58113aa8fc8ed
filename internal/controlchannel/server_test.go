package controlchannel

import (
	"context"
	"encoding/json"
	"fmt"
	"net"
	"testing"
	"time"

	"github.com/gorilla/websocket"
)

type fakeHandler struct {
	startCalls chan StartStreamCommand
	stopCalls  chan struct{}
	infoCalls  chan GetInfoCommand
	infoReply  ApplicationListPayload
}

func newFakeHandler() *fakeHandler {
	return &fakeHandler{
		startCalls: make(chan StartStreamCommand, 4),
		stopCalls:  make(chan struct{}, 4),
		infoCalls:  make(chan GetInfoCommand, 4),
	}
}

func (f *fakeHandler) HandleStartStream(ctx context.Context, cmd StartStreamCommand) error {
	f.startCalls <- cmd
	return nil
}

func (f *fakeHandler) HandleStopStream(ctx context.Context) error {
	f.stopCalls <- struct{}{}
	return nil
}

func (f *fakeHandler) HandleGetInfo(ctx context.Context, cmd GetInfoCommand) (ApplicationListPayload, error) {
	f.infoCalls <- cmd
	return f.infoReply, nil
}

// freePort asks the OS for an ephemeral port and releases it
// immediately, the same pattern the teacher's own httptest-adjacent
// server tests use to avoid a fixed, possibly-taken port.
func freePort(t *testing.T) int {
	t.Helper()
	ln, err := net.Listen("tcp", "127.0.0.1:0")
	if err != nil {
		t.Fatalf("freePort: %v", err)
	}
	defer ln.Close()
	return ln.Addr().(*net.TCPAddr).Port
}

func dialServer(t *testing.T, port int) *websocket.Conn {
	t.Helper()
	var conn *websocket.Conn
	var err error
	for i := 0; i < 20; i++ {
		conn, _, err = websocket.DefaultDialer.Dial(fmt.Sprintf("ws://127.0.0.1:%d/", port), nil)
		if err == nil {
			return conn
		}
		time.Sleep(10 * time.Millisecond)
	}
	t.Fatalf("dial control channel: %v", err)
	return nil
}

func TestServerDispatchesStartStopGetInfo(t *testing.T) {
	port := freePort(t)
	srv := New("127.0.0.1", port)
	handler := newFakeHandler()
	handler.infoReply = ApplicationListPayload{Apps: []Application{{Name: "game", PID: 42, XID: 7}}}
	srv.SetHandler(handler)

	if err := srv.Start(); err != nil {
		t.Fatalf("Start: %v", err)
	}
	defer srv.Stop(context.Background())

	conn := dialServer(t, port)
	defer conn.Close()

	startFrame, _ := encode(TypeStartStream, StartStreamCommand{XID: 99, ServerID: "g1", SessionID: "s1"})
	if err := conn.WriteMessage(websocket.TextMessage, startFrame); err != nil {
		t.Fatalf("write StartStream: %v", err)
	}
	select {
	case cmd := <-handler.startCalls:
		if cmd.XID != 99 {
			t.Errorf("XID = %d, want 99", cmd.XID)
		}
	case <-time.After(time.Second):
		t.Fatal("timed out waiting for HandleStartStream")
	}

	infoFrame, _ := encode(TypeGetInfo, GetInfoCommand{XIDs: []uint32{7}})
	if err := conn.WriteMessage(websocket.TextMessage, infoFrame); err != nil {
		t.Fatalf("write GetInfo: %v", err)
	}
	select {
	case <-handler.infoCalls:
	case <-time.After(time.Second):
		t.Fatal("timed out waiting for HandleGetInfo")
	}

	conn.SetReadDeadline(time.Now().Add(time.Second))
	_, data, err := conn.ReadMessage()
	if err != nil {
		t.Fatalf("read ApplicationList reply: %v", err)
	}
	var env Envelope
	if err := json.Unmarshal(data, &env); err != nil {
		t.Fatalf("decode envelope: %v", err)
	}
	if env.Type != TypeApplicationList {
		t.Fatalf("reply type = %q, want ApplicationList", env.Type)
	}
	var apps ApplicationListPayload
	if err := json.Unmarshal(env.Data, &apps); err != nil {
		t.Fatalf("decode ApplicationList: %v", err)
	}
	if len(apps.Apps) != 1 || apps.Apps[0].Name != "game" {
		t.Errorf("apps = %+v, want one entry named game", apps.Apps)
	}

	stopFrame, _ := encode(TypeStopStream, struct{}{})
	if err := conn.WriteMessage(websocket.TextMessage, stopFrame); err != nil {
		t.Fatalf("write StopStream: %v", err)
	}
	select {
	case <-handler.stopCalls:
	case <-time.After(time.Second):
		t.Fatal("timed out waiting for HandleStopStream")
	}
}

func TestServerPublishStreamStopReachesClient(t *testing.T) {
	port := freePort(t)
	srv := New("127.0.0.1", port)
	srv.SetHandler(newFakeHandler())
	if err := srv.Start(); err != nil {
		t.Fatalf("Start: %v", err)
	}
	defer srv.Stop(context.Background())

	conn := dialServer(t, port)
	defer conn.Close()

	// The server only learns about a connection after its upgrade
	// handler runs; give the accept loop a moment before publishing.
	time.Sleep(50 * time.Millisecond)
	srv.PublishStreamStop()

	conn.SetReadDeadline(time.Now().Add(time.Second))
	_, data, err := conn.ReadMessage()
	if err != nil {
		t.Fatalf("read StreamStop: %v", err)
	}
	var env Envelope
	if err := json.Unmarshal(data, &env); err != nil {
		t.Fatalf("decode envelope: %v", err)
	}
	if env.Type != TypeStreamStop {
		t.Fatalf("type = %q, want StreamStop", env.Type)
	}
}
