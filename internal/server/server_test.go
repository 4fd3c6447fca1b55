package server

import (
	"encoding/json"
	"io"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"github.com/gorilla/websocket"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"

	"github.com/Tyrowin/chatrelay/internal/domain"
	"github.com/Tyrowin/chatrelay/internal/fanout"
	"github.com/Tyrowin/chatrelay/internal/metrics"
	"github.com/Tyrowin/chatrelay/internal/presence"
	"github.com/Tyrowin/chatrelay/internal/store"
)

const testOrigin = "http://localhost:8080"

type relay struct {
	srv      *Server
	http     *httptest.Server
	registry *presence.Registry
	store    *store.Memory
	wsURL    string
}

func newRelay(t *testing.T, opts Options) *relay {
	t.Helper()
	mem := store.NewMemory()
	mem.AddUser(1, 2, 3)
	mem.AddGroup(domain.Group{ID: 100, Name: "team", CreatedBy: 1, Members: []domain.UserID{1, 2, 3}})
	reg := presence.NewRegistry(zap.NewNop(), nil)
	engine := fanout.New(mem, reg, zap.NewNop(), fanout.WithMetrics(opts.Metrics))
	if opts.AllowedOrigins == nil {
		opts.AllowedOrigins = []string{testOrigin}
	}

	s := New(opts, engine, reg, zap.NewNop())
	s.Start()
	ts := httptest.NewServer(s.Routes())
	t.Cleanup(func() {
		_ = s.Shutdown(2 * time.Second)
		ts.Close()
	})
	return &relay{
		srv:      s,
		http:     ts,
		registry: reg,
		store:    mem,
		wsURL:    "ws" + strings.TrimPrefix(ts.URL, "http") + "/ws",
	}
}

func (r *relay) dialWithOrigin(origin string) (*websocket.Conn, *http.Response, error) {
	header := http.Header{}
	if origin != "" {
		header.Set("Origin", origin)
	}
	dialer := websocket.Dialer{HandshakeTimeout: 5 * time.Second}
	conn, resp, err := dialer.Dial(r.wsURL, header)
	if resp != nil {
		_ = resp.Body.Close()
	}
	return conn, resp, err
}

func (r *relay) dial(t *testing.T) *websocket.Conn {
	t.Helper()
	conn, _, err := r.dialWithOrigin(testOrigin)
	require.NoError(t, err)
	t.Cleanup(func() { _ = conn.Close() })
	return conn
}

// connect dials and registers user, waiting until the registry reports
// wantConns connections.
func (r *relay) connect(t *testing.T, user domain.UserID, wantConns int) *websocket.Conn {
	t.Helper()
	conn := r.dial(t)
	send(t, conn, "register", map[string]any{"userId": user})
	require.Eventually(t, func() bool { return r.registry.Connections() == wantConns },
		2*time.Second, 10*time.Millisecond)
	return conn
}

func send(t *testing.T, conn *websocket.Conn, typ string, data any) {
	t.Helper()
	require.NoError(t, conn.WriteJSON(map[string]any{"type": typ, "data": data}))
}

func readEvent(t *testing.T, conn *websocket.Conn) domain.Outbound {
	t.Helper()
	require.NoError(t, conn.SetReadDeadline(time.Now().Add(2*time.Second)))
	var out domain.Outbound
	require.NoError(t, conn.ReadJSON(&out))
	return out
}

func readFailure(t *testing.T, conn *websocket.Conn) domain.Failure {
	t.Helper()
	ev := readEvent(t, conn)
	require.Equal(t, domain.EventError, ev.Type)
	var f domain.Failure
	require.NoError(t, json.Unmarshal(ev.Data, &f))
	return f
}

// expectSilence must be the last read on conn: a timed out read leaves the
// connection unusable.
func expectSilence(t *testing.T, conn *websocket.Conn) {
	t.Helper()
	require.NoError(t, conn.SetReadDeadline(time.Now().Add(150*time.Millisecond)))
	_, _, err := conn.ReadMessage()
	require.Error(t, err)
}

func TestServer_Health(t *testing.T) {
	req := require.New(t)
	r := newRelay(t, Options{})
	r.connect(t, 1, 1)

	for _, path := range []string{"/health", "/"} {
		resp, err := http.Get(r.http.URL + path)
		req.NoError(err)
		var body healthResponse
		req.NoError(json.NewDecoder(resp.Body).Decode(&body))
		_ = resp.Body.Close()

		req.Equal(http.StatusOK, resp.StatusCode)
		req.Equal("application/json", resp.Header.Get("Content-Type"))
		req.Equal("ok", body.Status)
		req.Equal(1, body.OnlineUsers)
		req.Equal(1, body.Connections)
		req.Equal(1, body.Clients)
	}
}

func TestServer_WebSocketRejectsNonGet(t *testing.T) {
	r := newRelay(t, Options{})
	for _, method := range []string{http.MethodPost, http.MethodPut, http.MethodDelete} {
		req, err := http.NewRequest(method, r.http.URL+"/ws", http.NoBody)
		require.NoError(t, err)
		resp, err := http.DefaultClient.Do(req)
		require.NoError(t, err)
		_ = resp.Body.Close()
		require.Equal(t, http.StatusMethodNotAllowed, resp.StatusCode, method)
	}
}

func TestServer_OriginValidation(t *testing.T) {
	t.Run("missing and foreign origins are refused", func(t *testing.T) {
		r := newRelay(t, Options{AllowedOrigins: []string{"http://example.com"}})
		for _, origin := range []string{"", "http://evil.com", "not-a-url", "http://"} {
			conn, resp, err := r.dialWithOrigin(origin)
			if conn != nil {
				_ = conn.Close()
			}
			require.Error(t, err, origin)
			if resp != nil {
				require.Equal(t, http.StatusForbidden, resp.StatusCode, origin)
			}
		}
	})

	t.Run("matching ignores case", func(t *testing.T) {
		r := newRelay(t, Options{AllowedOrigins: []string{"http://example.com"}})
		for _, origin := range []string{"http://EXAMPLE.COM", "HTTP://Example.Com"} {
			conn, _, err := r.dialWithOrigin(origin)
			require.NoError(t, err, origin)
			_ = conn.Close()
		}
	})

	t.Run("wildcard allows any origin", func(t *testing.T) {
		r := newRelay(t, Options{AllowedOrigins: []string{"*"}})
		for _, origin := range []string{"http://example.com", "https://another.com:8443"} {
			conn, _, err := r.dialWithOrigin(origin)
			require.NoError(t, err, origin)
			_ = conn.Close()
		}
	})
}

func TestServer_DirectMessageRoundTrip(t *testing.T) {
	req := require.New(t)
	r := newRelay(t, Options{})
	alice := r.connect(t, 1, 1)
	bob := r.connect(t, 2, 2)
	carol := r.connect(t, 3, 3)

	send(t, alice, "message", map[string]any{"sender_id": 1, "receiver_id": 2, "text": "hi bob"})

	var ids []domain.MessageID
	for _, conn := range []*websocket.Conn{alice, bob} {
		ev := readEvent(t, conn)
		req.Equal(domain.EventReceiveMessage, ev.Type)
		var msg domain.Message
		req.NoError(json.Unmarshal(ev.Data, &msg))
		req.Equal("hi bob", msg.Text)
		ids = append(ids, msg.ID)
	}
	req.Equal(ids[0], ids[1])
	expectSilence(t, carol)

	stored, err := r.store.GetMessage(t.Context(), ids[0])
	req.NoError(err)
	req.Equal(domain.UserID(1), stored.SenderID)
}

func TestServer_GroupMessageSkipsAbsentMembers(t *testing.T) {
	req := require.New(t)
	r := newRelay(t, Options{})
	m1 := r.connect(t, 1, 1)
	m3 := r.connect(t, 3, 2)

	send(t, m1, "send-group-message", map[string]any{"group_id": 100, "sender_id": 1, "text": "standup"})

	for _, conn := range []*websocket.Conn{m1, m3} {
		req.Equal(domain.EventReceiveGroupMessage, readEvent(t, conn).Type)
	}
	req.Equal(1, r.store.Count())
}

func TestServer_ErrorsGoToCallerOnly(t *testing.T) {
	req := require.New(t)
	r := newRelay(t, Options{})
	alice := r.connect(t, 1, 1)
	bob := r.connect(t, 2, 2)

	send(t, bob, "delete-message", map[string]any{"messageId": 999, "sender_id": 2})
	req.Equal("not_found", readFailure(t, bob).Code)

	send(t, alice, "message", map[string]any{"sender_id": 1, "receiver_id": 42, "text": "nobody"})
	f := readFailure(t, alice)
	req.Equal("message", f.Command)
	req.Equal("unknown_user", f.Code)
	expectSilence(t, bob)
	req.Zero(r.store.Count())
}

func TestServer_MalformedFrames(t *testing.T) {
	r := newRelay(t, Options{RateLimit: RateLimitConfig{Burst: 100, RefillInterval: time.Second}})
	conn := r.dial(t)

	tests := []struct {
		name  string
		frame string
	}{
		{"not json", "hello"},
		{"missing type", `{"data":{}}`},
		{"unknown type", `{"type":"shout","data":{}}`},
		{"missing data", `{"type":"message"}`},
		{"wrong field type", `{"type":"message","data":{"sender_id":"one"}}`},
		{"failed validation", `{"type":"message","data":{"sender_id":1}}`},
		{"bad register", `{"type":"register","data":{"userId":0}}`},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			require.NoError(t, conn.WriteMessage(websocket.TextMessage, []byte(tt.frame)))
			require.Equal(t, "invalid_command", readFailure(t, conn).Code)
		})
	}
}

func TestServer_UnregisterClosesConnection(t *testing.T) {
	req := require.New(t)
	r := newRelay(t, Options{})
	phone := r.connect(t, 7, 1)
	laptop := r.connect(t, 7, 2)

	send(t, phone, "unregister", nil)

	req.NoError(phone.SetReadDeadline(time.Now().Add(2 * time.Second)))
	_, _, err := phone.ReadMessage()
	req.True(websocket.IsCloseError(err, websocket.CloseNormalClosure), "got %v", err)
	req.Empty(r.registry.Lookup(7))

	// The other device stays connected but receives nothing until it registers again.
	r.store.AddUser(7)
	alice := r.connect(t, 1, 1)
	send(t, alice, "message", map[string]any{"sender_id": 1, "receiver_id": 7, "text": "still there?"})
	readEvent(t, alice)
	expectSilence(t, laptop)
}

func TestServer_RegisterSnakeCasePayload(t *testing.T) {
	r := newRelay(t, Options{})
	conn := r.dial(t)

	send(t, conn, "register", map[string]any{"user_id": 7})
	require.Eventually(t, func() bool { return len(r.registry.Lookup(7)) == 1 },
		2*time.Second, 10*time.Millisecond)
}

func TestServer_DisconnectReleasesOnlyOwnHandle(t *testing.T) {
	r := newRelay(t, Options{})
	phone := r.connect(t, 5, 1)
	r.connect(t, 5, 2)

	require.NoError(t, phone.Close())
	require.Eventually(t, func() bool { return r.registry.Connections() == 1 },
		2*time.Second, 10*time.Millisecond)
	require.Len(t, r.registry.Lookup(5), 1)
}

func TestServer_RateLimit(t *testing.T) {
	r := newRelay(t, Options{RateLimit: RateLimitConfig{Burst: 2, RefillInterval: time.Minute}})
	conn := r.dial(t)

	for i := 0; i < 2; i++ {
		send(t, conn, "register", 1)
	}
	send(t, conn, "register", 1)
	require.Equal(t, "rate_limited", readFailure(t, conn).Code)
}

func TestServer_OversizedFrameClosesConnection(t *testing.T) {
	r := newRelay(t, Options{MaxMessageSize: 64})
	conn := r.connect(t, 1, 1)

	require.NoError(t, conn.WriteMessage(websocket.TextMessage, []byte(strings.Repeat("x", 256))))
	require.NoError(t, conn.SetReadDeadline(time.Now().Add(2*time.Second)))
	_, _, err := conn.ReadMessage()
	require.Error(t, err)
	require.Eventually(t, func() bool { return r.registry.Connections() == 0 },
		2*time.Second, 10*time.Millisecond)
}

func TestServer_ShutdownClosesClients(t *testing.T) {
	req := require.New(t)
	r := newRelay(t, Options{})
	conns := []*websocket.Conn{r.connect(t, 1, 1), r.connect(t, 2, 2), r.dial(t)}
	req.Eventually(func() bool { return r.srv.hub.Count() == 3 }, 2*time.Second, 10*time.Millisecond)

	req.NoError(r.srv.Shutdown(2 * time.Second))

	for _, conn := range conns {
		req.NoError(conn.SetReadDeadline(time.Now().Add(2 * time.Second)))
		_, _, err := conn.ReadMessage()
		req.Error(err)
	}
	req.Zero(r.registry.Connections())

	conn, _, err := r.dialWithOrigin(testOrigin)
	if err == nil {
		req.NoError(conn.SetReadDeadline(time.Now().Add(2 * time.Second)))
		_, _, err = conn.ReadMessage()
		req.Error(err)
		_ = conn.Close()
	}
}

func TestServer_Metrics(t *testing.T) {
	req := require.New(t)
	reg := prometheus.NewRegistry()
	r := newRelay(t, Options{Metrics: metrics.New(reg), Gatherer: reg})
	conn := r.connect(t, 1, 1)

	require.NoError(t, conn.WriteMessage(websocket.TextMessage, []byte("garbage")))
	readFailure(t, conn)

	resp, err := http.Get(r.http.URL + "/metrics")
	req.NoError(err)
	body, err := io.ReadAll(resp.Body)
	_ = resp.Body.Close()
	req.NoError(err)
	req.Contains(string(body), `relay_commands_total{command="register",outcome="ok"} 1`)
	req.Contains(string(body), `relay_commands_total{command="unknown",outcome="invalid_command"} 1`)
}

func TestServer_MetricsRouteNeedsGatherer(t *testing.T) {
	r := newRelay(t, Options{})
	resp, err := http.Get(r.http.URL + "/metrics")
	require.NoError(t, err)
	_ = resp.Body.Close()
	require.Equal(t, http.StatusNotFound, resp.StatusCode)
}
