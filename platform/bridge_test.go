package platform

import (
	"context"
	"errors"
	"fmt"
	"net/netip"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/wangn9900/Slux/common"
	"github.com/wangn9900/Slux/tun"
)

type fakeOwner struct {
	active   tun.Descriptor
	has      bool
	err      error
	replaced []tun.Options
	// current, when non-zero, is the only attempt the owner serves.
	current uint64
}

func (o *fakeOwner) stale(attempt uint64) bool {
	return o.current != 0 && attempt != o.current
}

func (o *fakeOwner) ActiveTun(attempt uint64) (tun.Descriptor, bool) {
	if o.stale(attempt) {
		return tun.Descriptor{}, false
	}
	return o.active, o.has
}

func (o *fakeOwner) ReplaceTun(_ context.Context, attempt uint64, opts tun.Options) (tun.Descriptor, error) {
	if o.stale(attempt) {
		return tun.Descriptor{}, fmt.Errorf("%w: attempt %d is no longer active", common.ErrEstablishFailed, attempt)
	}
	o.replaced = append(o.replaced, opts)
	if o.err != nil {
		return tun.Descriptor{}, o.err
	}
	o.active = tun.Descriptor{ID: o.active.ID + 1, FD: o.active.FD + 1, Name: "slux1", Options: opts}
	o.has = true
	return o.active, nil
}

type captureLogger struct {
	mu    sync.Mutex
	lines []string
	gate  chan struct{}
}

func (l *captureLogger) record(msg string, args ...interface{}) {
	if l.gate != nil {
		<-l.gate
	}
	l.mu.Lock()
	defer l.mu.Unlock()
	l.lines = append(l.lines, fmt.Sprintf(msg, args...))
}

func (l *captureLogger) Debug(msg string, args ...interface{}) { l.record(msg, args...) }
func (l *captureLogger) Info(msg string, args ...interface{})  { l.record(msg, args...) }
func (l *captureLogger) Warn(msg string, args ...interface{})  { l.record(msg, args...) }
func (l *captureLogger) Error(msg string, args ...interface{}) { l.record(msg, args...) }

func (l *captureLogger) snapshot() []string {
	l.mu.Lock()
	defer l.mu.Unlock()
	return append([]string(nil), l.lines...)
}

func TestBridge_OpenTunReusesMatchingInterface(t *testing.T) {
	defaults := tun.DefaultOptions()
	owner := &fakeOwner{has: true, active: tun.Descriptor{ID: 1, FD: 42, Name: "slux0", Options: defaults}}
	b := NewBridge(Options{Owner: owner})
	defer b.Close()

	fd, err := b.For(1).OpenTun(tun.Options{})
	require.NoError(t, err)
	assert.Equal(t, 42, fd)
	assert.Empty(t, owner.replaced)
}

func TestBridge_OpenTunReplacesOnDifferentOptions(t *testing.T) {
	owner := &fakeOwner{has: true, active: tun.Descriptor{ID: 1, FD: 42, Options: tun.DefaultOptions()}}
	b := NewBridge(Options{Owner: owner})
	defer b.Close()

	fd, err := b.For(1).OpenTun(tun.Options{MTU: 9000})
	require.NoError(t, err)
	assert.Equal(t, 43, fd)
	require.Len(t, owner.replaced, 1)
	assert.Equal(t, 9000, owner.replaced[0].MTU)
	assert.Equal(t, tun.DefaultOptions().Addresses, owner.replaced[0].Addresses)
	assert.NoError(t, b.TakeOpenError(1))
}

func TestBridge_OpenTunFailureIsRemembered(t *testing.T) {
	owner := &fakeOwner{err: fmt.Errorf("%w: EPERM", common.ErrEstablishFailed)}
	b := NewBridge(Options{Owner: owner})
	defer b.Close()

	fd, err := b.For(1).OpenTun(tun.Options{})
	assert.Equal(t, -1, fd)
	assert.ErrorIs(t, err, common.ErrEstablishFailed)

	// A failure belongs to the attempt that hit it.
	assert.NoError(t, b.TakeOpenError(2))
	assert.ErrorIs(t, b.TakeOpenError(1), common.ErrEstablishFailed)
	assert.NoError(t, b.TakeOpenError(1))
}

func TestBridge_OpenTunFromStaleAttemptIsRefused(t *testing.T) {
	owner := &fakeOwner{has: true, current: 2,
		active: tun.Descriptor{ID: 1, FD: 42, Name: "slux0", Options: tun.DefaultOptions()}}
	b := NewBridge(Options{Owner: owner})
	defer b.Close()

	fd, err := b.For(1).OpenTun(tun.Options{MTU: 1400})
	assert.Equal(t, -1, fd)
	assert.ErrorIs(t, err, common.ErrEstablishFailed)
	assert.Empty(t, owner.replaced)
	assert.Equal(t, 42, owner.active.FD)
	assert.NoError(t, b.TakeOpenError(2))

	fd, err = b.For(2).OpenTun(tun.Options{})
	require.NoError(t, err)
	assert.Equal(t, 42, fd)
}

func TestBridge_OpenTunWithoutOwner(t *testing.T) {
	b := NewBridge(Options{})
	defer b.Close()

	_, err := b.For(1).OpenTun(tun.Options{})
	assert.ErrorIs(t, err, common.ErrEstablishFailed)

	owner := &fakeOwner{has: true, active: tun.Descriptor{ID: 1, FD: 7, Options: tun.DefaultOptions()}}
	b.SetOwner(owner)
	fd, err := b.For(1).OpenTun(tun.Options{})
	require.NoError(t, err)
	assert.Equal(t, 7, fd)
}

func TestBridge_WriteLogForwardsLines(t *testing.T) {
	logger := &captureLogger{}
	b := NewBridge(Options{Logger: logger})

	b.WriteLog("hello")
	b.WriteLog("world")
	b.Close()
	b.Close()

	assert.Equal(t, []string{"[engine] hello", "[engine] world"}, logger.snapshot())
}

func TestBridge_WriteLogNeverBlocks(t *testing.T) {
	logger := &captureLogger{gate: make(chan struct{})}
	b := NewBridge(Options{Logger: logger, LogBuffer: 2})

	done := make(chan struct{})
	go func() {
		for i := 0; i < 100; i++ {
			b.WriteLog("spam")
		}
		close(done)
	}()

	select {
	case <-done:
	case <-time.After(time.Second):
		t.Fatal("WriteLog blocked on a stalled sink")
	}
	assert.Greater(t, b.Dropped(), uint64(0))

	close(logger.gate)
	b.Close()
}

type fakeProtector struct{ err error }

func (p fakeProtector) Protect(int) error { return p.err }

func TestBridge_ProtectSocket(t *testing.T) {
	tests := []struct {
		name      string
		protector Protector
		want      bool
	}{
		{"none", nil, false},
		{"ok", fakeProtector{}, true},
		{"refused", fakeProtector{err: errors.New("EPERM")}, false},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			b := NewBridge(Options{Protector: tt.protector})
			defer b.Close()
			assert.Equal(t, tt.want, b.ProtectSocket(5))
			assert.Equal(t, tt.protector != nil, b.UsePlatformInterfaceControl())
		})
	}
}

type fakeOwners struct{}

func (fakeOwners) FindOwner(proto int32, _, _ netip.AddrPort) (int32, error) {
	if proto == 6 {
		return 1000, nil
	}
	return 0, errors.New("unsupported")
}

func (fakeOwners) UserName(uid int32) (string, error) {
	if uid == 1000 {
		return "alice", nil
	}
	return "", errors.New("unknown uid")
}

func (fakeOwners) UID(name string) (int32, error) {
	if name == "alice" {
		return 1000, nil
	}
	return 0, errors.New("unknown user")
}

func TestBridge_Introspection(t *testing.T) {
	src := netip.MustParseAddrPort("172.19.0.1:50000")
	dst := netip.MustParseAddrPort("1.1.1.1:443")

	empty := NewBridge(Options{})
	defer empty.Close()
	assert.False(t, empty.UseProcFS())
	uid, ok := empty.FindConnectionOwner(6, src, dst)
	assert.False(t, ok)
	assert.Zero(t, uid)
	name, ok := empty.PackageNameByUID(1000)
	assert.False(t, ok)
	assert.Empty(t, name)
	_, ok = empty.UIDByPackageName("alice")
	assert.False(t, ok)

	b := NewBridge(Options{Owners: fakeOwners{}, ProcFS: true})
	defer b.Close()
	assert.True(t, b.UseProcFS())

	uid, ok = b.FindConnectionOwner(6, src, dst)
	assert.True(t, ok)
	assert.Equal(t, int32(1000), uid)
	_, ok = b.FindConnectionOwner(17, src, dst)
	assert.False(t, ok)

	name, ok = b.PackageNameByUID(1000)
	assert.True(t, ok)
	assert.Equal(t, "alice", name)
	_, ok = b.PackageNameByUID(0)
	assert.False(t, ok)

	uid, ok = b.UIDByPackageName("alice")
	assert.True(t, ok)
	assert.Equal(t, int32(1000), uid)
}
