package control

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/wangn9900/Slux/common"
	"github.com/wangn9900/Slux/vpn"
)

// fakeSession records calls and answers from fields the test sets.
type fakeSession struct {
	mu       sync.Mutex
	startErr error
	// gate, when set, holds Start until closed.
	gate    chan struct{}
	configs []string
	stops   int
	granted bool
	fd      int
	state   vpn.State
	subs    []chan vpn.Event
}

func newFakeSession() *fakeSession {
	return &fakeSession{fd: -1}
}

func (s *fakeSession) Start(ctx context.Context, config string) error {
	s.mu.Lock()
	s.configs = append(s.configs, config)
	gate, err := s.gate, s.startErr
	s.mu.Unlock()

	if gate != nil {
		select {
		case <-gate:
		case <-ctx.Done():
			return fmt.Errorf("%w: %v", common.ErrCancelled, ctx.Err())
		}
	}
	if err != nil {
		return err
	}
	s.mu.Lock()
	s.state, s.fd = vpn.StateRunning, 42
	s.mu.Unlock()
	s.emit(vpn.Event{State: vpn.StateRunning, Previous: vpn.StateEstablishing, Time: time.Now()})
	return nil
}

func (s *fakeSession) Stop(context.Context) error {
	s.mu.Lock()
	s.stops++
	s.state, s.fd = vpn.StateIdle, -1
	s.mu.Unlock()
	return nil
}

func (s *fakeSession) PermissionGranted() bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.granted
}

func (s *fakeSession) TunFD() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.fd
}

func (s *fakeSession) Snapshot() vpn.Snapshot {
	s.mu.Lock()
	defer s.mu.Unlock()
	return vpn.Snapshot{State: s.state, TunFD: s.fd}
}

func (s *fakeSession) Subscribe() (<-chan vpn.Event, func()) {
	ch := make(chan vpn.Event, 8)
	s.mu.Lock()
	s.subs = append(s.subs, ch)
	s.mu.Unlock()
	return ch, func() {}
}

func (s *fakeSession) emit(ev vpn.Event) {
	s.mu.Lock()
	defer s.mu.Unlock()
	for _, ch := range s.subs {
		select {
		case ch <- ev:
		default:
		}
	}
}

func TestChannel_Handle(t *testing.T) {
	ctx := context.Background()
	s := newFakeSession()
	ch := NewChannel(s)

	granted, err := ch.Handle(ctx, MethodCheckVpnPermission, nil)
	require.NoError(t, err)
	assert.Equal(t, false, granted)

	fd, err := ch.Handle(ctx, MethodGetTunFd, nil)
	require.NoError(t, err)
	assert.Equal(t, -1, fd)

	ok, err := ch.Handle(ctx, MethodStartVpn, json.RawMessage(`{"config":"cfg-A"}`))
	require.NoError(t, err)
	assert.Equal(t, true, ok)
	assert.Equal(t, []string{"cfg-A"}, s.configs)

	fd, err = ch.Handle(ctx, MethodGetTunFd, nil)
	require.NoError(t, err)
	assert.Equal(t, 42, fd)

	view, err := ch.Handle(ctx, MethodGetState, nil)
	require.NoError(t, err)
	assert.Equal(t, "Running", view.(StateView).State)

	ok, err = ch.Handle(ctx, MethodStopVpn, nil)
	require.NoError(t, err)
	assert.Equal(t, true, ok)
	assert.Equal(t, 1, s.stops)
}

func TestChannel_StartParams(t *testing.T) {
	tests := []struct {
		name    string
		params  string
		want    string
		wantErr bool
	}{
		{"object", `{"config":"x"}`, "x", false},
		{"bare string", `"x"`, "x", false},
		{"empty object", `{}`, "", false},
		{"missing", ``, "", true},
		{"null", `null`, "", true},
		{"wrong type", `{"config":5}`, "", true},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			got, err := startConfig(json.RawMessage(tt.params))
			if tt.wantErr {
				require.ErrorIs(t, err, common.ErrInvalidArgument)
				return
			}
			require.NoError(t, err)
			assert.Equal(t, tt.want, got)
		})
	}
}

func TestChannel_UnknownMethod(t *testing.T) {
	_, err := NewChannel(newFakeSession()).Handle(context.Background(), "reboot", nil)
	require.ErrorIs(t, err, common.ErrNotImplemented)
	assert.Equal(t, CodeNotImplemented, toError(err).Code)
}

func TestToError(t *testing.T) {
	tests := []struct {
		err  error
		code string
	}{
		{fmt.Errorf("%w: empty", common.ErrInvalidArgument), CodeInvalidArgument},
		{common.ErrAlreadyRunning, CodeAlreadyRunning},
		{fmt.Errorf("%w: dismissed", common.ErrPermissionDenied), CodePermissionDenied},
		{common.ErrSuperseded, CodeSuperseded},
		{fmt.Errorf("%w: EPERM", common.ErrEstablishFailed), CodeEstablishFailed},
		{fmt.Errorf("%w: bad outbound", common.ErrEngineStartFailed), CodeEngineStartFailed},
		{common.ErrCancelled, CodeCancelled},
		{common.ErrInterfaceLost, CodeInterfaceLost},
		{errors.New("surprise"), CodeInternal},
	}

	for _, tt := range tests {
		t.Run(tt.code, func(t *testing.T) {
			wire := toError(tt.err)
			require.NotNil(t, wire)
			assert.Equal(t, tt.code, wire.Code)
			if tt.code != CodeInternal {
				assert.ErrorIs(t, wire, common.Classify(tt.err), "wire error unwraps to the sentinel")
			}
		})
	}

	assert.Nil(t, toError(nil))
}

func TestFromSnapshot(t *testing.T) {
	view := FromSnapshot(vpn.Snapshot{
		State:     vpn.StateFailed,
		TunFD:     -1,
		LastError: fmt.Errorf("%w: boom", common.ErrEngineStartFailed),
	})
	assert.Equal(t, "Failed", view.State)
	assert.Equal(t, -1, view.TunFD)
	require.NotNil(t, view.LastError)
	assert.Equal(t, CodeEngineStartFailed, view.LastError.Code)
}
