// Package keyring persists the user's VPN consent decision.
// It uses the system keyring when available, falling back to
// encrypted local file storage when not.
package keyring

import (
	"crypto/rand"
	"crypto/sha256"
	"encoding/base64"
	"encoding/json"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"sync"
	"time"

	"github.com/zalando/go-keyring"
	"golang.org/x/crypto/chacha20poly1305"

	"github.com/wangn9900/Slux/common"
)

const (
	// serviceName is the identifier used in the system keyring.
	serviceName = "slux"
	// consentKey is the keyring entry holding the consent record.
	consentKey = "vpn-consent"
)

// Common errors returned by keyring operations.
var (
	ErrNotFound    = errors.New("consent record not found")
	ErrUnavailable = errors.New("keyring service unavailable")
)

// Record is the stored consent decision.
type Record struct {
	Granted   bool      `json:"granted"`
	GrantedAt time.Time `json:"granted_at"`
	User      string    `json:"user,omitempty"`
}

// Store reads and writes the consent record.
type Store struct {
	mu        sync.Mutex
	useLocal  bool
	localFile string
	key       []byte
}

// Options configures a Store.
type Options struct {
	// Dir holds the fallback file. Defaults to the config directory.
	Dir string
	// ForceLocal skips the system keyring.
	ForceLocal bool
}

// NewStore probes the system keyring and falls back to the encrypted
// local file when it is not reachable.
func NewStore(opts Options) (*Store, error) {
	dir := opts.Dir
	if dir == "" {
		d, err := common.GetConfigDir()
		if err != nil {
			return nil, err
		}
		dir = d
	}
	if err := os.MkdirAll(dir, 0700); err != nil {
		return nil, fmt.Errorf("create consent directory: %w", err)
	}

	s := &Store{
		localFile: filepath.Join(dir, common.ConsentFileName),
		key:       deriveKey(),
		useLocal:  opts.ForceLocal,
	}
	if !s.useLocal && !probeKeyring() {
		common.LogWarn("System keyring unavailable, storing consent in %s", s.localFile)
		s.useLocal = true
	}
	return s, nil
}

func probeKeyring() bool {
	testKey := "slux-probe"
	if err := keyring.Set(serviceName, testKey, "probe"); err != nil {
		return false
	}
	_ = keyring.Delete(serviceName, testKey)
	return true
}

// deriveKey binds the fallback file to this machine and user.
func deriveKey() []byte {
	hostname, _ := os.Hostname()
	keyData := fmt.Sprintf("slux-%s-%s-%d", hostname, machineID(), os.Getuid())
	hash := sha256.Sum256([]byte(keyData))
	return hash[:]
}

func machineID() string {
	data, err := os.ReadFile("/etc/machine-id")
	if err == nil {
		return strings.TrimSpace(string(data))
	}
	return "default-machine-id"
}

// Load returns the stored record, or ErrNotFound.
func (s *Store) Load() (Record, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	raw, err := s.read()
	if err != nil {
		return Record{}, err
	}
	var rec Record
	if err := json.Unmarshal([]byte(raw), &rec); err != nil {
		return Record{}, fmt.Errorf("%w: %v", common.ErrDecryption, err)
	}
	return rec, nil
}

// Granted reports whether consent was recorded.
func (s *Store) Granted() bool {
	rec, err := s.Load()
	if err != nil {
		if !errors.Is(err, ErrNotFound) {
			common.LogWarn("Could not read consent record: %v", err)
		}
		return false
	}
	return rec.Granted
}

// Grant records consent for the current user.
func (s *Store) Grant() error {
	rec := Record{Granted: true, GrantedAt: time.Now().UTC(), User: os.Getenv("USER")}
	data, err := json.Marshal(rec)
	if err != nil {
		return err
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.write(string(data))
}

// Revoke removes the consent record. Revoking twice is not an error.
func (s *Store) Revoke() error {
	s.mu.Lock()
	defer s.mu.Unlock()

	if s.useLocal {
		if err := os.Remove(s.localFile); err != nil && !os.IsNotExist(err) {
			return fmt.Errorf("%w: %v", common.ErrConsentStorage, err)
		}
		return nil
	}
	if err := keyring.Delete(serviceName, consentKey); err != nil && !errors.Is(err, keyring.ErrNotFound) {
		return fmt.Errorf("%w: %v", common.ErrConsentStorage, err)
	}
	return nil
}

func (s *Store) read() (string, error) {
	if !s.useLocal {
		v, err := keyring.Get(serviceName, consentKey)
		if err == nil {
			return v, nil
		}
		if errors.Is(err, keyring.ErrNotFound) {
			return "", ErrNotFound
		}
		return "", fmt.Errorf("%w: %v", ErrUnavailable, err)
	}

	data, err := os.ReadFile(s.localFile)
	if err != nil {
		if os.IsNotExist(err) {
			return "", ErrNotFound
		}
		return "", err
	}
	plain, err := s.decrypt(data)
	if err != nil {
		return "", err
	}
	return string(plain), nil
}

func (s *Store) write(value string) error {
	if !s.useLocal {
		err := keyring.Set(serviceName, consentKey, value)
		if err == nil {
			return nil
		}
		common.LogWarn("Keyring write failed, falling back to local file: %v", err)
		s.useLocal = true
	}

	encrypted, err := s.encrypt([]byte(value))
	if err != nil {
		return err
	}
	if err := os.WriteFile(s.localFile, encrypted, 0600); err != nil {
		return fmt.Errorf("%w: %v", common.ErrConsentStorage, err)
	}
	return nil
}

func (s *Store) encrypt(plaintext []byte) ([]byte, error) {
	aead, err := chacha20poly1305.NewX(s.key)
	if err != nil {
		return nil, fmt.Errorf("%w: %v", common.ErrEncryption, err)
	}

	nonce := make([]byte, aead.NonceSize(), aead.NonceSize()+len(plaintext)+aead.Overhead())
	if _, err := rand.Read(nonce); err != nil {
		return nil, fmt.Errorf("%w: %v", common.ErrEncryption, err)
	}

	sealed := aead.Seal(nonce, nonce, plaintext, []byte(serviceName))
	return []byte(base64.StdEncoding.EncodeToString(sealed)), nil
}

func (s *Store) decrypt(data []byte) ([]byte, error) {
	sealed, err := base64.StdEncoding.DecodeString(string(data))
	if err != nil {
		return nil, fmt.Errorf("%w: %v", common.ErrDecryption, err)
	}

	aead, err := chacha20poly1305.NewX(s.key)
	if err != nil {
		return nil, fmt.Errorf("%w: %v", common.ErrDecryption, err)
	}
	if len(sealed) < aead.NonceSize() {
		return nil, fmt.Errorf("%w: ciphertext too short", common.ErrDecryption)
	}

	nonce, ciphertext := sealed[:aead.NonceSize()], sealed[aead.NonceSize():]
	plain, err := aead.Open(nil, nonce, ciphertext, []byte(serviceName))
	if err != nil {
		return nil, fmt.Errorf("%w: %v", common.ErrDecryption, err)
	}
	return plain, nil
}
