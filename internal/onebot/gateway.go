package onebot

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log"
	"net/http"
	"strings"
	"sync"
	"sync/atomic"
	"time"

	"github.com/gorilla/websocket"
	"golang.org/x/time/rate"

	"github.com/sawako/antipoke/internal/config"
)

const (
	handshakeTimeout = 10 * time.Second
	minReconnectWait = time.Second
	maxReconnectWait = 30 * time.Second
	maxTypingDelay   = 2 * time.Second
	typingPerRune    = 60 * time.Millisecond
)

var errNotConnected = errors.New("gateway is not connected")

// Handler receives inbound events. It must not block; slow work belongs in a
// dispatcher behind it.
type Handler func(Event)

// Gateway speaks OneBot v11 over a forward WebSocket: it pushes inbound
// events to the handler and performs echo-correlated API calls on the same
// connection. All outbound actions pass through one rate limiter.
type Gateway struct {
	url         string
	accessToken string
	groups      map[int64]struct{}
	apiTimeout  time.Duration
	limiter     *rate.Limiter
	handler     Handler

	mu      sync.Mutex
	conn    *websocket.Conn
	pending map[string]chan apiResponse
	echoSeq atomic.Uint64
}

func NewGateway(cfg config.OneBotConfig, handler Handler) *Gateway {
	if handler == nil {
		handler = func(Event) {}
	}
	groups := make(map[int64]struct{}, len(cfg.GroupIDs))
	for _, id := range cfg.GroupIDs {
		groups[id] = struct{}{}
	}
	apiTimeout := time.Duration(cfg.APITimeoutSec) * time.Second
	if apiTimeout <= 0 {
		apiTimeout = 10 * time.Second
	}
	burst := int(cfg.SendRatePerSec)
	if burst < 1 {
		burst = 1
	}
	return &Gateway{
		url:         strings.TrimSpace(cfg.WSURL),
		accessToken: strings.TrimSpace(cfg.AccessToken),
		groups:      groups,
		apiTimeout:  apiTimeout,
		limiter:     rate.NewLimiter(rate.Limit(cfg.SendRatePerSec), burst),
		handler:     handler,
	}
}

// GroupAllowed reports whether events from this group are processed. An empty
// allow list means every group.
func (g *Gateway) GroupAllowed(groupID int64) bool {
	if len(g.groups) == 0 {
		return true
	}
	_, ok := g.groups[groupID]
	return ok
}

// Run connects and reads until ctx is done, reconnecting with backoff on
// connection loss.
func (g *Gateway) Run(ctx context.Context) error {
	wait := minReconnectWait
	for {
		err := g.session(ctx)
		if ctx.Err() != nil {
			return ctx.Err()
		}
		log.Printf("event=onebot_disconnected err=%v reconnect_in=%s", err, wait)

		timer := time.NewTimer(wait)
		select {
		case <-ctx.Done():
			timer.Stop()
			return ctx.Err()
		case <-timer.C:
		}
		wait *= 2
		if wait > maxReconnectWait {
			wait = maxReconnectWait
		}
	}
}

func (g *Gateway) session(ctx context.Context) error {
	header := http.Header{}
	if g.accessToken != "" {
		header.Set("Authorization", "Bearer "+g.accessToken)
	}
	dialer := websocket.Dialer{HandshakeTimeout: handshakeTimeout}
	conn, resp, err := dialer.DialContext(ctx, g.url, header)
	if err != nil {
		if resp != nil {
			return fmt.Errorf("dial %s: %w (status %s)", g.url, err, resp.Status)
		}
		return fmt.Errorf("dial %s: %w", g.url, err)
	}

	g.mu.Lock()
	g.conn = conn
	g.pending = make(map[string]chan apiResponse)
	g.mu.Unlock()
	log.Printf("event=onebot_connected url=%s", g.url)

	closed := make(chan struct{})
	defer close(closed)
	go func() {
		select {
		case <-ctx.Done():
			_ = conn.Close()
		case <-closed:
		}
	}()

	defer func() {
		_ = conn.Close()
		g.mu.Lock()
		g.conn = nil
		for echo, ch := range g.pending {
			close(ch)
			delete(g.pending, echo)
		}
		g.mu.Unlock()
	}()

	for {
		_, data, err := conn.ReadMessage()
		if err != nil {
			return fmt.Errorf("read frame: %w", err)
		}
		g.dispatch(data)
	}
}

func (g *Gateway) dispatch(data []byte) {
	var probe struct {
		Echo     string `json:"echo"`
		PostType string `json:"post_type"`
	}
	if err := json.Unmarshal(data, &probe); err != nil {
		log.Printf("event=onebot_frame_undecodable err=%v", err)
		return
	}

	if probe.Echo != "" && probe.PostType == "" {
		var resp apiResponse
		if err := json.Unmarshal(data, &resp); err != nil {
			log.Printf("event=onebot_response_undecodable echo=%s err=%v", probe.Echo, err)
			return
		}
		g.mu.Lock()
		ch, ok := g.pending[probe.Echo]
		if ok {
			delete(g.pending, probe.Echo)
		}
		g.mu.Unlock()
		if ok {
			ch <- resp
			close(ch)
		}
		return
	}

	var ev Event
	if err := json.Unmarshal(data, &ev); err != nil {
		log.Printf("event=onebot_event_undecodable err=%v", err)
		return
	}
	if ev.IsMeta() {
		return
	}
	if ev.GroupID != 0 && !g.GroupAllowed(ev.GroupID) {
		return
	}
	g.handler(ev)
}

type apiRequest struct {
	Action string `json:"action"`
	Params any    `json:"params,omitempty"`
	Echo   string `json:"echo"`
}

type apiResponse struct {
	Status  string          `json:"status"`
	Retcode int             `json:"retcode"`
	Data    json.RawMessage `json:"data"`
	Wording string          `json:"wording"`
	Echo    string          `json:"echo"`
}

func (g *Gateway) call(ctx context.Context, action string, params any, out any) error {
	if err := g.limiter.Wait(ctx); err != nil {
		return fmt.Errorf("rate limit %s: %w", action, err)
	}

	echo := fmt.Sprintf("api-%d", g.echoSeq.Add(1))
	ch := make(chan apiResponse, 1)

	g.mu.Lock()
	conn := g.conn
	if conn == nil {
		g.mu.Unlock()
		return errNotConnected
	}
	g.pending[echo] = ch
	err := conn.WriteJSON(apiRequest{Action: action, Params: params, Echo: echo})
	g.mu.Unlock()
	if err != nil {
		g.dropPending(echo)
		return fmt.Errorf("write %s: %w", action, err)
	}

	timer := time.NewTimer(g.apiTimeout)
	defer timer.Stop()
	select {
	case <-ctx.Done():
		g.dropPending(echo)
		return ctx.Err()
	case <-timer.C:
		g.dropPending(echo)
		return fmt.Errorf("%s timed out after %s", action, g.apiTimeout)
	case resp, ok := <-ch:
		if !ok {
			return fmt.Errorf("%s: connection lost", action)
		}
		if resp.Retcode != 0 {
			wording := strings.TrimSpace(resp.Wording)
			if wording == "" {
				wording = resp.Status
			}
			return fmt.Errorf("%s failed: retcode=%d %s", action, resp.Retcode, wording)
		}
		if out != nil && len(resp.Data) > 0 {
			if err := json.Unmarshal(resp.Data, out); err != nil {
				return fmt.Errorf("decode %s data: %w", action, err)
			}
		}
		return nil
	}
}

func (g *Gateway) dropPending(echo string) {
	g.mu.Lock()
	delete(g.pending, echo)
	g.mu.Unlock()
}

// SendPoke emits a group poke at the user.
func (g *Gateway) SendPoke(ctx context.Context, groupID int64, userID int64) error {
	if groupID == 0 || userID == 0 {
		return errors.New("group_id and user_id are required")
	}
	return g.call(ctx, "group_poke", map[string]int64{
		"group_id": groupID,
		"user_id":  userID,
	}, nil)
}

// SendText sends one text segment. With typing enabled the send is delayed
// proportionally to the segment length to emulate a human typing it out.
func (g *Gateway) SendText(ctx context.Context, groupID int64, text string, typing bool) error {
	text = strings.TrimSpace(text)
	if text == "" {
		return errors.New("text is required")
	}
	if groupID == 0 {
		return errors.New("group_id is required")
	}
	if typing {
		delay := time.Duration(len([]rune(text))) * typingPerRune
		if delay > maxTypingDelay {
			delay = maxTypingDelay
		}
		timer := time.NewTimer(delay)
		select {
		case <-ctx.Done():
			timer.Stop()
			return ctx.Err()
		case <-timer.C:
		}
	}
	return g.call(ctx, "send_group_msg", map[string]any{
		"group_id": groupID,
		"message":  text,
	}, nil)
}

// MemberName resolves the display name of a group member, preferring the
// in-group card.
func (g *Gateway) MemberName(ctx context.Context, groupID int64, userID int64) (string, error) {
	if groupID == 0 || userID == 0 {
		return "", errors.New("group_id and user_id are required")
	}
	var info struct {
		Card     string `json:"card"`
		Nickname string `json:"nickname"`
	}
	err := g.call(ctx, "get_group_member_info", map[string]any{
		"group_id": groupID,
		"user_id":  userID,
		"no_cache": false,
	}, &info)
	if err != nil {
		return "", err
	}
	if card := strings.TrimSpace(info.Card); card != "" {
		return card, nil
	}
	return strings.TrimSpace(info.Nickname), nil
}
