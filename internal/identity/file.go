package identity

import (
	"crypto/rand"
	"encoding/base64"
	"errors"
	"fmt"
	"io"
	"io/fs"
	"log/slog"
	"os"
	"path/filepath"
	"sync"

	"gopkg.in/yaml.v3"
)

// FileStore is a small encrypted key-value file. Values are sealed with
// AES-256-GCM under a key derived from a random secret kept in a separate
// 0600 file, so the identity file alone does not reveal the device.
type FileStore struct {
	path string
	key  []byte

	mu sync.Mutex
}

// NewFileStore opens the store at path, creating the secret at keyPath on
// first use. The store file itself is created lazily by Set.
func NewFileStore(path, keyPath string) (*FileStore, error) {
	secret, err := loadOrCreateSecret(keyPath)
	if err != nil {
		return nil, err
	}
	key, err := deriveKey(secret)
	if err != nil {
		return nil, err
	}
	return &FileStore{path: path, key: key}, nil
}

func loadOrCreateSecret(keyPath string) ([]byte, error) {
	secret, err := os.ReadFile(keyPath)
	if err == nil {
		return secret, nil
	}
	if !errors.Is(err, fs.ErrNotExist) {
		return nil, fmt.Errorf("identity: reading secret: %w", err)
	}

	secret = make([]byte, secretSize)
	if _, err := io.ReadFull(rand.Reader, secret); err != nil {
		return nil, fmt.Errorf("identity: generating secret: %w", err)
	}
	if err := os.MkdirAll(filepath.Dir(keyPath), 0o700); err != nil {
		return nil, fmt.Errorf("identity: creating secret dir: %w", err)
	}
	if err := os.WriteFile(keyPath, secret, 0o600); err != nil {
		return nil, fmt.Errorf("identity: writing secret: %w", err)
	}
	slog.Info("[IDENTITY] created store secret", "path", keyPath)
	return secret, nil
}

// Get returns the value for key. A value that no longer decrypts (for
// example after the secret was replaced) is reported as absent.
func (s *FileStore) Get(key string) (string, bool, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	values, err := s.read()
	if err != nil {
		return "", false, err
	}
	enc, ok := values[key]
	if !ok {
		return "", false, nil
	}

	sealed, err := base64.StdEncoding.DecodeString(enc)
	if err != nil {
		slog.Warn("[IDENTITY] dropping malformed value", "key", key, "error", err)
		return "", false, nil
	}
	plain, err := open(s.key, key, sealed)
	if err != nil {
		slog.Warn("[IDENTITY] dropping unreadable value", "key", key, "error", err)
		return "", false, nil
	}
	return string(plain), true, nil
}

func (s *FileStore) Set(key, value string) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	values, err := s.read()
	if err != nil {
		return err
	}
	sealed, err := seal(s.key, key, []byte(value))
	if err != nil {
		return err
	}
	values[key] = base64.StdEncoding.EncodeToString(sealed)
	return s.write(values)
}

func (s *FileStore) Delete(key string) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	values, err := s.read()
	if err != nil {
		return err
	}
	if _, ok := values[key]; !ok {
		return nil
	}
	delete(values, key)
	return s.write(values)
}

// read loads the store file; a missing file is an empty store.
func (s *FileStore) read() (map[string]string, error) {
	values := make(map[string]string)
	data, err := os.ReadFile(s.path)
	if errors.Is(err, fs.ErrNotExist) {
		return values, nil
	}
	if err != nil {
		return nil, fmt.Errorf("identity: reading store: %w", err)
	}
	if err := yaml.Unmarshal(data, &values); err != nil {
		return nil, fmt.Errorf("identity: parsing store: %w", err)
	}
	if values == nil {
		values = make(map[string]string)
	}
	return values, nil
}

// write replaces the store file atomically (temp file, then rename).
func (s *FileStore) write(values map[string]string) error {
	data, err := yaml.Marshal(values)
	if err != nil {
		return fmt.Errorf("identity: encoding store: %w", err)
	}
	if err := os.MkdirAll(filepath.Dir(s.path), 0o700); err != nil {
		return fmt.Errorf("identity: creating store dir: %w", err)
	}
	tmpPath := s.path + ".tmp"
	if err := os.WriteFile(tmpPath, data, 0o600); err != nil {
		return fmt.Errorf("identity: writing store: %w", err)
	}
	if err := os.Rename(tmpPath, s.path); err != nil {
		os.Remove(tmpPath)
		return fmt.Errorf("identity: replacing store: %w", err)
	}
	return nil
}
