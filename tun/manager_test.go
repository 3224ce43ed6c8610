package tun_test

import (
	"context"
	"errors"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/wangn9900/Slux/common"
	"github.com/wangn9900/Slux/tun"
	"github.com/wangn9900/Slux/tun/tuntest"
)

func newManager(t *testing.T, prov *tuntest.Provisioner, ledger tun.Ledger) *tun.Manager {
	t.Helper()
	return tun.NewManager(tun.ManagerOptions{
		Provisioner:      prov,
		Ledger:           ledger,
		EstablishTimeout: 200 * time.Millisecond,
	})
}

func TestManager_EstablishRelease(t *testing.T) {
	prov := tuntest.NewProvisioner()
	m := newManager(t, prov, nil)

	d, err := m.Establish(context.Background(), tun.DefaultOptions())
	require.NoError(t, err)
	assert.True(t, d.Valid())
	assert.Equal(t, "slux0", d.Name)
	assert.True(t, m.Alive(d))
	assert.Len(t, m.Active(), 1)

	require.NoError(t, m.Release(d))
	assert.False(t, m.Held(d))
	assert.False(t, prov.Alive(d.Name))

	// Second release of the same descriptor is a no-op.
	require.NoError(t, m.Release(d))
	_, closed := prov.Counts()
	assert.Equal(t, 1, closed)

	// So is releasing the zero descriptor.
	assert.NoError(t, m.Release(tun.Descriptor{}))
}

func TestManager_EstablishInvalidOptions(t *testing.T) {
	prov := tuntest.NewProvisioner()
	m := newManager(t, prov, nil)

	_, err := m.Establish(context.Background(), tun.Options{MTU: 1500})
	require.Error(t, err)
	assert.ErrorIs(t, err, common.ErrEstablishFailed)
	assert.Equal(t, common.ErrEstablishFailed, common.Classify(err))

	established, _ := prov.Counts()
	assert.Zero(t, established)
}

func TestManager_EstablishProvisionerError(t *testing.T) {
	prov := tuntest.NewProvisioner()
	prov.SetErr(errors.New("operation not permitted"))
	m := newManager(t, prov, nil)

	_, err := m.Establish(context.Background(), tun.DefaultOptions())
	assert.ErrorIs(t, err, common.ErrEstablishFailed)
	assert.Empty(t, m.Active())
}

func TestManager_EstablishTimeoutClosesLateDevice(t *testing.T) {
	prov := tuntest.NewProvisioner()
	prov.Block = make(chan struct{})
	prov.IgnoreContext = true
	m := newManager(t, prov, nil)

	_, err := m.Establish(context.Background(), tun.DefaultOptions())
	require.ErrorIs(t, err, common.ErrEstablishFailed)

	close(prov.Block)
	assert.Eventually(t, func() bool {
		established, closed := prov.Counts()
		return established == 1 && closed == 1
	}, time.Second, 10*time.Millisecond)
	assert.Empty(t, m.Active())
}

func TestManager_ReleaseAll(t *testing.T) {
	prov := tuntest.NewProvisioner()
	m := newManager(t, prov, nil)

	for i := 0; i < 3; i++ {
		_, err := m.Establish(context.Background(), tun.DefaultOptions())
		require.NoError(t, err)
	}
	require.NoError(t, m.ReleaseAll())
	assert.Empty(t, m.Active())

	_, closed := prov.Counts()
	assert.Equal(t, 3, closed)
}

func TestManager_Reconcile(t *testing.T) {
	ctx := context.Background()
	ledger, err := tun.OpenSQLiteLedger(filepath.Join(t.TempDir(), "leases.db"))
	require.NoError(t, err)
	defer ledger.Close()

	// A previous process left slux7 behind and recorded a lease whose
	// interface already vanished.
	prov := tuntest.NewProvisioner()
	prov.AddLink("slux7")
	require.NoError(t, ledger.Record(ctx, tun.Lease{Name: "slux7", PID: 4242, CreatedAt: time.Now()}))
	require.NoError(t, ledger.Record(ctx, tun.Lease{Name: "slux8", PID: 4242, CreatedAt: time.Now()}))

	m := newManager(t, prov, ledger)
	d, err := m.Establish(ctx, tun.DefaultOptions())
	require.NoError(t, err)

	removed, err := m.Reconcile(ctx)
	require.NoError(t, err)
	assert.Equal(t, 1, removed)
	assert.False(t, prov.Alive("slux7"))
	assert.True(t, m.Alive(d), "held interface must survive reconcile")

	leases, err := ledger.List(ctx)
	require.NoError(t, err)
	require.Len(t, leases, 1)
	assert.Equal(t, d.Name, leases[0].Name)

	require.NoError(t, m.Release(d))
	leases, err = ledger.List(ctx)
	require.NoError(t, err)
	assert.Empty(t, leases)
}

func TestManager_ReconcileWithoutLedger(t *testing.T) {
	m := newManager(t, tuntest.NewProvisioner(), nil)
	removed, err := m.Reconcile(context.Background())
	assert.NoError(t, err)
	assert.Zero(t, removed)
}
