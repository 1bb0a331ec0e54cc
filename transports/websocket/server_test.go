package websocket

import (
	"context"
	"net/http"
	"net/http/httptest"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/glimte/mmate-gateway/contracts"
	"github.com/glimte/mmate-gateway/messaging"
	"github.com/gorilla/websocket"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/testutil"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

// recorder remembers the connection each frame arrived on.
type recorder struct {
	next  Processor
	mu    sync.Mutex
	conns []*messaging.Connection
}

func (r *recorder) ProcessRaw(ctx context.Context, conn *messaging.Connection, raw []byte) {
	r.mu.Lock()
	r.conns = append(r.conns, conn)
	r.mu.Unlock()
	r.next.ProcessRaw(ctx, conn, raw)
}

func (r *recorder) last() *messaging.Connection {
	r.mu.Lock()
	defer r.mu.Unlock()
	if len(r.conns) == 0 {
		return nil
	}
	return r.conns[len(r.conns)-1]
}

func startServer(t *testing.T, options ...ServerOption) (*Server, *recorder, string) {
	t.Helper()
	rec := &recorder{next: messaging.NewDispatcher(messaging.NewRegistry())}
	srv := NewServer(rec, options...)
	hs := httptest.NewServer(srv)
	t.Cleanup(func() {
		_ = srv.Close(context.Background())
		hs.Close()
	})
	return srv, rec, "ws" + strings.TrimPrefix(hs.URL, "http")
}

func dial(t *testing.T, url string) *websocket.Conn {
	t.Helper()
	ws, _, err := websocket.DefaultDialer.Dial(url, nil)
	require.NoError(t, err)
	t.Cleanup(func() { _ = ws.Close() })
	return ws
}

func send(t *testing.T, ws *websocket.Conn, env contracts.Envelope) {
	t.Helper()
	raw, err := env.ToWire()
	require.NoError(t, err)
	require.NoError(t, ws.WriteMessage(websocket.TextMessage, raw))
}

func receive(t *testing.T, ws *websocket.Conn) contracts.Envelope {
	t.Helper()
	require.NoError(t, ws.SetReadDeadline(time.Now().Add(2*time.Second)))
	_, raw, err := ws.ReadMessage()
	require.NoError(t, err)
	env, err := contracts.FromWire(raw)
	require.NoError(t, err)
	return env
}

func TestServerPing(t *testing.T) {
	srv, _, url := startServer(t)
	ws := dial(t, url)

	ping := contracts.FromCommand("ping")
	send(t, ws, ping)

	reply := receive(t, ws)
	assert.Equal(t, "pong", reply.Command)
	assert.Equal(t, ping.ID, reply.ReplyTo)
	assert.Equal(t, 1, srv.Connections())
}

func TestServerMalformedFrame(t *testing.T) {
	_, _, url := startServer(t)
	ws := dial(t, url)

	require.NoError(t, ws.WriteMessage(websocket.TextMessage, []byte("{not json")))
	reply := receive(t, ws)
	assert.Equal(t, "error", reply.Command)
	assert.Empty(t, reply.Data)
}

func TestServerRequest(t *testing.T) {
	_, rec, url := startServer(t)
	ws := dial(t, url)

	send(t, ws, contracts.FromCommand("ping"))
	receive(t, ws)
	conn := rec.last()
	require.NotNil(t, conn)

	req, err := contracts.FromCommand("queuemessage").WithData(map[string]any{"queuename": "jobs"})
	require.NoError(t, err)

	type result struct {
		env contracts.Envelope
		err error
	}
	results := make(chan result, 1)
	go func() {
		ctx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
		defer cancel()
		env, err := conn.Request(ctx, req)
		results <- result{env, err}
	}()

	got := receive(t, ws)
	assert.Equal(t, req.ID, got.ID)
	answer, err := got.Reply("").WithData(map[string]any{"data": "done"})
	require.NoError(t, err)
	send(t, ws, answer)

	r := <-results
	require.NoError(t, r.err)
	assert.Equal(t, req.ID, r.env.ReplyTo)
	assert.Equal(t, "done", r.env.Object()["data"])
}

func TestServerMaxConnections(t *testing.T) {
	srv, _, url := startServer(t, WithMaxConnections(1))
	dial(t, url)

	_, resp, err := websocket.DefaultDialer.Dial(url, nil)
	require.Error(t, err)
	require.NotNil(t, resp)
	assert.Equal(t, http.StatusServiceUnavailable, resp.StatusCode)
	assert.Equal(t, 1, srv.Connections())
}

func TestServerClose(t *testing.T) {
	registry := prometheus.NewRegistry()
	srv, rec, url := startServer(t, WithRegisterer(registry), WithPingInterval(0))
	ws := dial(t, url)

	send(t, ws, contracts.FromCommand("ping"))
	receive(t, ws)
	assert.Equal(t, float64(1), testutil.ToFloat64(srv.connected))

	ctx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
	defer cancel()
	require.NoError(t, srv.Close(ctx))

	require.NoError(t, ws.SetReadDeadline(time.Now().Add(2*time.Second)))
	_, _, err := ws.ReadMessage()
	assert.True(t, websocket.IsCloseError(err, websocket.CloseNormalClosure))
	assert.True(t, rec.last().Closed())
	assert.Equal(t, 0, srv.Connections())
	assert.Equal(t, float64(0), testutil.ToFloat64(srv.connected))

	assert.ErrorIs(t, srv.Close(ctx), ErrServerClosed)

	_, resp, err := websocket.DefaultDialer.Dial(url, nil)
	require.Error(t, err)
	if resp != nil {
		assert.Equal(t, http.StatusServiceUnavailable, resp.StatusCode)
	}
}

func TestServerClientDisconnect(t *testing.T) {
	srv, rec, url := startServer(t)
	ws := dial(t, url)

	send(t, ws, contracts.FromCommand("ping"))
	receive(t, ws)
	conn := rec.last()

	require.NoError(t, ws.WriteMessage(websocket.CloseMessage,
		websocket.FormatCloseMessage(websocket.CloseNormalClosure, "")))
	_ = ws.Close()

	select {
	case <-conn.Done():
	case <-time.After(2 * time.Second):
		t.Fatal("connection not closed after client disconnect")
	}
	assert.Eventually(t, func() bool { return srv.Connections() == 0 }, time.Second, 5*time.Millisecond)
}

type tokenTable map[string]*contracts.Identity

func (t tokenTable) Identify(token string) (*contracts.Identity, error) {
	identity, ok := t[token]
	if !ok {
		return nil, contracts.ErrInvalidToken
	}
	return identity, nil
}

func TestServerUpgradeToken(t *testing.T) {
	alice := &contracts.Identity{ID: "u1", Username: "alice"}
	tokens := tokenTable{"good": alice}

	sessionOf := func(t *testing.T, ws *websocket.Conn, rec *recorder) *messaging.Connection {
		t.Helper()
		send(t, ws, contracts.FromCommand("ping"))
		receive(t, ws)
		conn := rec.last()
		require.NotNil(t, conn)
		return conn
	}

	t.Run("bearer header signs the session in", func(t *testing.T) {
		_, rec, url := startServer(t, WithAuthenticator(tokens))
		ws, _, err := websocket.DefaultDialer.Dial(url, http.Header{"Authorization": {"Bearer good"}})
		require.NoError(t, err)
		t.Cleanup(func() { _ = ws.Close() })

		conn := sessionOf(t, ws, rec)
		assert.Equal(t, "good", conn.Token())
		assert.Equal(t, alice, conn.Identity())
	})

	t.Run("jwt query parameter signs the session in", func(t *testing.T) {
		_, rec, url := startServer(t, WithAuthenticator(tokens))
		ws := dial(t, url+"/?jwt=good")

		assert.Equal(t, "good", sessionOf(t, ws, rec).Token())
	})

	t.Run("no token gives an anonymous session", func(t *testing.T) {
		_, rec, url := startServer(t, WithAuthenticator(tokens))
		ws := dial(t, url)

		conn := sessionOf(t, ws, rec)
		assert.Empty(t, conn.Token())
		assert.Nil(t, conn.Identity())
	})

	t.Run("invalid token is rejected before upgrade", func(t *testing.T) {
		srv, _, url := startServer(t, WithAuthenticator(tokens))
		_, resp, err := websocket.DefaultDialer.Dial(url, http.Header{"Authorization": {"Bearer forged"}})
		require.Error(t, err)
		require.NotNil(t, resp)
		assert.Equal(t, http.StatusUnauthorized, resp.StatusCode)
		assert.Zero(t, srv.Connections())
	})
}
