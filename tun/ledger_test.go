package tun_test

import (
	"context"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/wangn9900/Slux/tun"
)

func TestSQLiteLedger(t *testing.T) {
	ctx := context.Background()
	path := filepath.Join(t.TempDir(), "nested", "leases.db")

	ledger, err := tun.OpenSQLiteLedger(path)
	require.NoError(t, err)

	now := time.Now().Truncate(time.Second)
	require.NoError(t, ledger.Record(ctx, tun.Lease{Name: "slux0", PID: 10, CreatedAt: now}))
	require.NoError(t, ledger.Record(ctx, tun.Lease{Name: "slux1", PID: 11, CreatedAt: now.Add(time.Second)}))
	// Replacing keeps a single row per name.
	require.NoError(t, ledger.Record(ctx, tun.Lease{Name: "slux0", PID: 12, CreatedAt: now}))

	leases, err := ledger.List(ctx)
	require.NoError(t, err)
	require.Len(t, leases, 2)
	assert.Equal(t, "slux0", leases[0].Name)
	assert.Equal(t, 12, leases[0].PID)
	assert.True(t, leases[0].CreatedAt.Equal(now))

	require.NoError(t, ledger.Remove(ctx, "slux0"))
	require.NoError(t, ledger.Remove(ctx, "missing"))
	require.NoError(t, ledger.Close())

	// Leases survive a reopen.
	ledger, err = tun.OpenSQLiteLedger(path)
	require.NoError(t, err)
	defer ledger.Close()
	leases, err = ledger.List(ctx)
	require.NoError(t, err)
	require.Len(t, leases, 1)
	assert.Equal(t, "slux1", leases[0].Name)
}
