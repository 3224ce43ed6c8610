package keyring

import (
	"os"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	gokeyring "github.com/zalando/go-keyring"

	"github.com/wangn9900/Slux/common"
)

func TestStore_SystemKeyring(t *testing.T) {
	gokeyring.MockInit()

	s, err := NewStore(Options{Dir: t.TempDir()})
	require.NoError(t, err)
	assert.False(t, s.useLocal)

	assert.False(t, s.Granted())
	_, err = s.Load()
	assert.ErrorIs(t, err, ErrNotFound)

	require.NoError(t, s.Grant())
	assert.True(t, s.Granted())

	rec, err := s.Load()
	require.NoError(t, err)
	assert.True(t, rec.Granted)
	assert.False(t, rec.GrantedAt.IsZero())

	require.NoError(t, s.Revoke())
	assert.False(t, s.Granted())
	require.NoError(t, s.Revoke())
}

func TestStore_KeyringFailureFallsBack(t *testing.T) {
	gokeyring.MockInitWithError(gokeyring.ErrUnsupportedPlatform)

	dir := t.TempDir()
	s, err := NewStore(Options{Dir: dir})
	require.NoError(t, err)
	assert.True(t, s.useLocal)

	require.NoError(t, s.Grant())
	assert.True(t, s.Granted())
	assert.FileExists(t, filepath.Join(dir, common.ConsentFileName))
}

func TestStore_LocalFile(t *testing.T) {
	dir := t.TempDir()
	s, err := NewStore(Options{Dir: dir, ForceLocal: true})
	require.NoError(t, err)

	require.NoError(t, s.Grant())

	data, err := os.ReadFile(filepath.Join(dir, common.ConsentFileName))
	require.NoError(t, err)
	assert.NotContains(t, string(data), "granted", "record must be encrypted at rest")

	// A second store on the same directory reads the same record.
	other, err := NewStore(Options{Dir: dir, ForceLocal: true})
	require.NoError(t, err)
	assert.True(t, other.Granted())

	require.NoError(t, s.Revoke())
	assert.False(t, other.Granted())
	require.NoError(t, s.Revoke())
}

func TestStore_TamperedFile(t *testing.T) {
	dir := t.TempDir()
	s, err := NewStore(Options{Dir: dir, ForceLocal: true})
	require.NoError(t, err)
	require.NoError(t, s.Grant())

	path := filepath.Join(dir, common.ConsentFileName)
	data, err := os.ReadFile(path)
	require.NoError(t, err)
	data[len(data)/2] ^= 'A'
	require.NoError(t, os.WriteFile(path, data, 0600))

	_, err = s.Load()
	assert.ErrorIs(t, err, common.ErrDecryption)
	assert.False(t, s.Granted())
}

func TestEncryptDecrypt(t *testing.T) {
	s := &Store{key: deriveKey()}

	sealed, err := s.encrypt([]byte("payload"))
	require.NoError(t, err)

	plain, err := s.decrypt(sealed)
	require.NoError(t, err)
	assert.Equal(t, "payload", string(plain))

	_, err = s.decrypt([]byte("c2hvcnQ="))
	assert.ErrorIs(t, err, common.ErrDecryption)
}
