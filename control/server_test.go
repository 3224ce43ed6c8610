package control

import (
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"os"
	"path/filepath"
	"strings"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/wangn9900/Slux/common"
)

func newTestServer(t *testing.T, s *fakeSession) (*Server, *httptest.Server) {
	t.Helper()
	srv := NewServer(NewChannel(s), s, ServerOptions{Socket: filepath.Join(t.TempDir(), "c.sock")})
	ts := httptest.NewServer(srv.Handler())
	t.Cleanup(func() {
		_ = srv.Stop(context.Background())
		ts.Close()
	})
	return srv, ts
}

func dialTest(t *testing.T, ts *httptest.Server) *Client {
	t.Helper()
	ctx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
	defer cancel()
	c, err := DialURL(ctx, "ws"+strings.TrimPrefix(ts.URL, "http")+"/v1/channel")
	require.NoError(t, err)
	t.Cleanup(func() { _ = c.Close() })
	return c
}

func TestServer_RoundTrip(t *testing.T) {
	s := newFakeSession()
	s.granted = true
	_, ts := newTestServer(t, s)
	c := dialTest(t, ts)
	ctx := context.Background()

	granted, err := c.CheckVpnPermission(ctx)
	require.NoError(t, err)
	assert.True(t, granted)

	fd, err := c.GetTunFd(ctx)
	require.NoError(t, err)
	assert.Equal(t, -1, fd)

	require.NoError(t, c.StartVpn(ctx, "cfg-A"))
	fd, err = c.GetTunFd(ctx)
	require.NoError(t, err)
	assert.Equal(t, 42, fd)

	select {
	case ev := <-c.Events():
		assert.Equal(t, "Running", ev.State)
		assert.Equal(t, "Establishing", ev.Previous)
	case <-time.After(2 * time.Second):
		t.Fatal("no state event pushed")
	}

	state, err := c.GetState(ctx)
	require.NoError(t, err)
	assert.Equal(t, "Running", state.State)

	require.NoError(t, c.StopVpn(ctx))
	fd, err = c.GetTunFd(ctx)
	require.NoError(t, err)
	assert.Equal(t, -1, fd)
}

func TestServer_TypedErrors(t *testing.T) {
	s := newFakeSession()
	s.startErr = common.ErrPermissionDenied
	_, ts := newTestServer(t, s)
	c := dialTest(t, ts)
	ctx := context.Background()

	err := c.StartVpn(ctx, "cfg")
	var wire *Error
	require.ErrorAs(t, err, &wire)
	assert.Equal(t, CodePermissionDenied, wire.Code)
	assert.ErrorIs(t, err, common.ErrPermissionDenied)

	err = c.Call(ctx, "fly", nil, nil)
	assert.ErrorIs(t, err, common.ErrNotImplemented)

	err = c.Call(ctx, MethodStartVpn, map[string]int{"config": 1}, nil)
	assert.ErrorIs(t, err, common.ErrInvalidArgument)
}

func TestServer_SlowStartDoesNotBlockQueries(t *testing.T) {
	s := newFakeSession()
	s.gate = make(chan struct{})
	_, ts := newTestServer(t, s)
	c := dialTest(t, ts)
	ctx := context.Background()

	started := make(chan error, 1)
	go func() { started <- c.StartVpn(ctx, "cfg") }()

	require.Eventually(t, func() bool {
		s.mu.Lock()
		defer s.mu.Unlock()
		return len(s.configs) == 1
	}, 2*time.Second, 5*time.Millisecond)

	queryCtx, cancel := context.WithTimeout(ctx, time.Second)
	defer cancel()
	fd, err := c.GetTunFd(queryCtx)
	require.NoError(t, err, "query answered while start is pending")
	assert.Equal(t, -1, fd)

	close(s.gate)
	select {
	case err := <-started:
		require.NoError(t, err)
	case <-time.After(2 * time.Second):
		t.Fatal("start never resolved")
	}
}

func TestServer_Healthz(t *testing.T) {
	_, ts := newTestServer(t, newFakeSession())

	resp, err := http.Get(ts.URL + "/v1/healthz")
	require.NoError(t, err)
	defer resp.Body.Close()
	assert.Equal(t, http.StatusOK, resp.StatusCode)

	var body struct {
		Status  string    `json:"status"`
		Session StateView `json:"session"`
	}
	require.NoError(t, json.NewDecoder(resp.Body).Decode(&body))
	assert.Equal(t, "ok", body.Status)
	assert.Equal(t, "Idle", body.Session.State)

	resp2, err := http.Post(ts.URL+"/v1/healthz", "application/json", nil)
	require.NoError(t, err)
	resp2.Body.Close()
	assert.Equal(t, http.StatusMethodNotAllowed, resp2.StatusCode)
}

func TestServer_UnixSocket(t *testing.T) {
	s := newFakeSession()
	socket := filepath.Join(t.TempDir(), "control.sock")
	// A stale file from a crashed daemon is replaced.
	require.NoError(t, os.WriteFile(socket, nil, 0600))

	srv := NewServer(NewChannel(s), s, ServerOptions{Socket: socket})
	require.NoError(t, srv.Start())

	info, err := os.Stat(socket)
	require.NoError(t, err)
	assert.Equal(t, os.FileMode(0600), info.Mode().Perm())

	ctx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
	defer cancel()
	c, err := Dial(ctx, socket)
	require.NoError(t, err)
	defer c.Close()

	fd, err := c.GetTunFd(ctx)
	require.NoError(t, err)
	assert.Equal(t, -1, fd)

	require.NoError(t, srv.Stop(context.Background()))
	select {
	case <-c.Done():
	case <-time.After(2 * time.Second):
		t.Fatal("client not disconnected on server stop")
	}
	_, err = c.GetTunFd(ctx)
	assert.ErrorIs(t, err, ErrClosed)

	_, err = os.Stat(socket)
	assert.True(t, os.IsNotExist(err), "socket removed on stop")
}
