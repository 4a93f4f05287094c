package onebot

import (
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"github.com/gorilla/websocket"

	"github.com/sawako/antipoke/internal/config"
)

// fakeServer is a minimal OneBot endpoint: it answers API frames via respond
// and can push events to the connected client.
type fakeServer struct {
	t       *testing.T
	server  *httptest.Server
	connCh  chan *websocket.Conn
	respond func(req apiRequest) apiResponse
}

func newFakeServer(t *testing.T, respond func(req apiRequest) apiResponse) *fakeServer {
	t.Helper()
	fs := &fakeServer{t: t, connCh: make(chan *websocket.Conn, 1), respond: respond}
	upgrader := websocket.Upgrader{}
	fs.server = httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		conn, err := upgrader.Upgrade(w, r, nil)
		if err != nil {
			t.Errorf("upgrade: %v", err)
			return
		}
		fs.connCh <- conn
		for {
			var req apiRequest
			if err := conn.ReadJSON(&req); err != nil {
				return
			}
			resp := apiResponse{Status: "ok", Echo: req.Echo}
			if fs.respond != nil {
				resp = fs.respond(req)
				resp.Echo = req.Echo
			}
			if err := conn.WriteJSON(resp); err != nil {
				return
			}
		}
	}))
	t.Cleanup(fs.server.Close)
	return fs
}

func (fs *fakeServer) wsURL() string {
	return "ws" + strings.TrimPrefix(fs.server.URL, "http")
}

func (fs *fakeServer) waitConn() *websocket.Conn {
	fs.t.Helper()
	select {
	case conn := <-fs.connCh:
		return conn
	case <-time.After(3 * time.Second):
		fs.t.Fatal("client never connected")
		return nil
	}
}

func gatewayConfig(url string) config.OneBotConfig {
	return config.OneBotConfig{
		WSURL:          url,
		SelfID:         10001,
		APITimeoutSec:  2,
		SendRatePerSec: 100,
	}
}

func runGateway(t *testing.T, g *Gateway) {
	t.Helper()
	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan struct{})
	go func() {
		defer close(done)
		_ = g.Run(ctx)
	}()
	t.Cleanup(func() {
		cancel()
		select {
		case <-done:
		case <-time.After(3 * time.Second):
			t.Error("gateway did not stop")
		}
	})
}

func TestGatewayDispatchesPokeEvents(t *testing.T) {
	t.Parallel()

	fs := newFakeServer(t, nil)
	events := make(chan Event, 1)
	g := NewGateway(gatewayConfig(fs.wsURL()), func(ev Event) { events <- ev })
	runGateway(t, g)
	conn := fs.waitConn()

	raw := `{"post_type":"notice","notice_type":"notify","sub_type":"poke","group_id":42,"user_id":7,"target_id":10001}`
	if err := conn.WriteMessage(websocket.TextMessage, []byte(raw)); err != nil {
		t.Fatalf("push event: %v", err)
	}

	select {
	case ev := <-events:
		if !ev.IsPokeNotice() {
			t.Fatalf("event = %+v, want poke notice", ev)
		}
		if ev.GroupID != 42 || ev.UserID != 7 || ev.TargetID != 10001 {
			t.Fatalf("event ids = %+v", ev)
		}
	case <-time.After(3 * time.Second):
		t.Fatal("handler never received the event")
	}
}

func TestGatewaySkipsMetaAndForeignGroups(t *testing.T) {
	t.Parallel()

	fs := newFakeServer(t, nil)
	events := make(chan Event, 2)
	cfg := gatewayConfig(fs.wsURL())
	cfg.GroupIDs = []int64{42}
	g := NewGateway(cfg, func(ev Event) { events <- ev })
	runGateway(t, g)
	conn := fs.waitConn()

	frames := []string{
		`{"post_type":"meta_event","meta_event_type":"heartbeat"}`,
		`{"post_type":"notice","notice_type":"notify","sub_type":"poke","group_id":99,"user_id":7,"target_id":10001}`,
		`{"post_type":"notice","notice_type":"notify","sub_type":"poke","group_id":42,"user_id":7,"target_id":10001}`,
	}
	for _, frame := range frames {
		if err := conn.WriteMessage(websocket.TextMessage, []byte(frame)); err != nil {
			t.Fatalf("push event: %v", err)
		}
	}

	select {
	case ev := <-events:
		if ev.GroupID != 42 {
			t.Fatalf("GroupID = %d, foreign group leaked through", ev.GroupID)
		}
	case <-time.After(3 * time.Second):
		t.Fatal("allowed event never arrived")
	}
	select {
	case ev := <-events:
		t.Fatalf("unexpected extra event %+v", ev)
	case <-time.After(100 * time.Millisecond):
	}
}

func TestGatewaySendPoke(t *testing.T) {
	t.Parallel()

	calls := make(chan apiRequest, 1)
	fs := newFakeServer(t, func(req apiRequest) apiResponse {
		calls <- req
		return apiResponse{Status: "ok"}
	})
	g := NewGateway(gatewayConfig(fs.wsURL()), nil)
	runGateway(t, g)
	fs.waitConn()

	waitConnected(t, g)
	if err := g.SendPoke(context.Background(), 42, 7); err != nil {
		t.Fatalf("SendPoke() error = %v", err)
	}

	select {
	case req := <-calls:
		if req.Action != "group_poke" {
			t.Fatalf("action = %q, want group_poke", req.Action)
		}
		params, _ := json.Marshal(req.Params)
		if !strings.Contains(string(params), `"group_id":42`) || !strings.Contains(string(params), `"user_id":7`) {
			t.Fatalf("params = %s", params)
		}
	case <-time.After(3 * time.Second):
		t.Fatal("server never saw the poke")
	}
}

func TestGatewayMemberName(t *testing.T) {
	t.Parallel()

	fs := newFakeServer(t, func(req apiRequest) apiResponse {
		if req.Action != "get_group_member_info" {
			return apiResponse{Status: "failed", Retcode: 1404, Wording: "unknown action"}
		}
		return apiResponse{Status: "ok", Data: json.RawMessage(`{"card":"阿明","nickname":"ming"}`)}
	})
	g := NewGateway(gatewayConfig(fs.wsURL()), nil)
	runGateway(t, g)
	fs.waitConn()

	waitConnected(t, g)
	name, err := g.MemberName(context.Background(), 42, 7)
	if err != nil {
		t.Fatalf("MemberName() error = %v", err)
	}
	if name != "阿明" {
		t.Fatalf("MemberName() = %q, want card", name)
	}
}

func TestGatewayAPIFailureSurfaces(t *testing.T) {
	t.Parallel()

	fs := newFakeServer(t, func(req apiRequest) apiResponse {
		return apiResponse{Status: "failed", Retcode: 100, Wording: "no permission"}
	})
	g := NewGateway(gatewayConfig(fs.wsURL()), nil)
	runGateway(t, g)
	fs.waitConn()

	waitConnected(t, g)
	err := g.SendText(context.Background(), 42, "hi", false)
	if err == nil || !strings.Contains(err.Error(), "no permission") {
		t.Fatalf("SendText() error = %v, want wording surfaced", err)
	}
}

func TestGatewayCallWithoutConnection(t *testing.T) {
	t.Parallel()

	g := NewGateway(gatewayConfig("ws://127.0.0.1:1"), nil)
	if err := g.SendPoke(context.Background(), 42, 7); err == nil {
		t.Fatal("SendPoke() error = nil without a connection")
	}
}

func waitConnected(t *testing.T, g *Gateway) {
	t.Helper()
	deadline := time.Now().Add(3 * time.Second)
	for time.Now().Before(deadline) {
		g.mu.Lock()
		connected := g.conn != nil
		g.mu.Unlock()
		if connected {
			return
		}
		time.Sleep(10 * time.Millisecond)
	}
	t.Fatal("gateway never reached connected state")
}
