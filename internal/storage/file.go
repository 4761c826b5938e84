package storage

import (
	"bytes"
	"context"
	"crypto/rand"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"os"
	"path/filepath"
	"sync"

	"golang.org/x/crypto/nacl/secretbox"
	"golang.org/x/crypto/scrypt"
)

// sealedMagic prefixes files written with a passphrase.
var sealedMagic = []byte("RSB1")

const (
	saltSize  = 16
	nonceSize = 24
)

// ErrSealed is returned when a sealed file cannot be opened with the configured
// passphrase, or when a sealed file is read without one.
var ErrSealed = errors.New("storage: sealed file cannot be opened")

// FileStore persists all entries as one JSON document. Every write replaces
// the file atomically. With a passphrase the document is sealed with NaCl
// secretbox under a key derived by scrypt.
type FileStore struct {
	mu         sync.Mutex
	path       string
	passphrase []byte

	// salt and key are derived lazily and reused for the life of the store.
	salt []byte
	key  *[32]byte
}

// NewFileStore returns a store backed by path. The parent directory is created
// if needed.
func NewFileStore(path, passphrase string) (*FileStore, error) {
	if path == "" {
		return nil, fmt.Errorf("storage: file path is required")
	}
	if err := os.MkdirAll(filepath.Dir(path), 0o700); err != nil {
		return nil, fmt.Errorf("create store dir: %w", err)
	}
	fs := &FileStore{path: path}
	if passphrase != "" {
		fs.passphrase = []byte(passphrase)
	}
	return fs, nil
}

// Get returns the value stored under key.
func (f *FileStore) Get(_ context.Context, key string) (string, error) {
	f.mu.Lock()
	defer f.mu.Unlock()

	entries, err := f.read()
	if err != nil {
		return "", err
	}
	v, ok := entries[key]
	if !ok {
		return "", ErrNotFound
	}
	return v, nil
}

// SetMany stores all entries in a single atomic file replacement.
func (f *FileStore) SetMany(_ context.Context, entries map[string]string) error {
	f.mu.Lock()
	defer f.mu.Unlock()

	current, err := f.read()
	if err != nil {
		return err
	}
	for k, v := range entries {
		current[k] = v
	}
	return f.write(current)
}

// Delete removes keys in a single atomic file replacement.
func (f *FileStore) Delete(_ context.Context, keys ...string) error {
	f.mu.Lock()
	defer f.mu.Unlock()

	current, err := f.read()
	if err != nil {
		return err
	}
	changed := false
	for _, k := range keys {
		if _, ok := current[k]; ok {
			delete(current, k)
			changed = true
		}
	}
	if !changed {
		return nil
	}
	return f.write(current)
}

// Close is a no-op; the file is not held open between calls.
func (f *FileStore) Close() error { return nil }

func (f *FileStore) read() (map[string]string, error) {
	data, err := os.ReadFile(f.path)
	if errors.Is(err, os.ErrNotExist) {
		return make(map[string]string), nil
	}
	if err != nil {
		return nil, fmt.Errorf("read store: %w", err)
	}

	if bytes.HasPrefix(data, sealedMagic) {
		data, err = f.open(data)
		if err != nil {
			return nil, err
		}
	}

	entries := make(map[string]string)
	if len(bytes.TrimSpace(data)) == 0 {
		return entries, nil
	}
	if err := json.Unmarshal(data, &entries); err != nil {
		return nil, fmt.Errorf("decode store: %w", err)
	}
	return entries, nil
}

func (f *FileStore) write(entries map[string]string) error {
	data, err := json.Marshal(entries)
	if err != nil {
		return fmt.Errorf("encode store: %w", err)
	}
	if f.passphrase != nil {
		data, err = f.seal(data)
		if err != nil {
			return err
		}
	}

	tmp, err := os.CreateTemp(filepath.Dir(f.path), ".store-*")
	if err != nil {
		return fmt.Errorf("create temp file: %w", err)
	}
	tmpName := tmp.Name()
	defer os.Remove(tmpName)

	if _, err := tmp.Write(data); err != nil {
		tmp.Close()
		return fmt.Errorf("write temp file: %w", err)
	}
	if err := tmp.Chmod(0o600); err != nil {
		tmp.Close()
		return fmt.Errorf("chmod temp file: %w", err)
	}
	if err := tmp.Close(); err != nil {
		return fmt.Errorf("close temp file: %w", err)
	}
	if err := os.Rename(tmpName, f.path); err != nil {
		return fmt.Errorf("replace store: %w", err)
	}
	return nil
}

// =============================================================================
// Sealing
// =============================================================================

func (f *FileStore) deriveKey(salt []byte) (*[32]byte, error) {
	if f.key != nil && bytes.Equal(f.salt, salt) {
		return f.key, nil
	}
	raw, err := scrypt.Key(f.passphrase, salt, 1<<15, 8, 1, 32)
	if err != nil {
		return nil, fmt.Errorf("derive key: %w", err)
	}
	var key [32]byte
	copy(key[:], raw)
	f.salt = append([]byte(nil), salt...)
	f.key = &key
	return f.key, nil
}

func (f *FileStore) seal(plain []byte) ([]byte, error) {
	salt := f.salt
	if salt == nil {
		salt = make([]byte, saltSize)
		if _, err := io.ReadFull(rand.Reader, salt); err != nil {
			return nil, fmt.Errorf("generate salt: %w", err)
		}
	}
	key, err := f.deriveKey(salt)
	if err != nil {
		return nil, err
	}

	var nonce [nonceSize]byte
	if _, err := io.ReadFull(rand.Reader, nonce[:]); err != nil {
		return nil, fmt.Errorf("generate nonce: %w", err)
	}

	out := make([]byte, 0, len(sealedMagic)+saltSize+nonceSize+len(plain)+secretbox.Overhead)
	out = append(out, sealedMagic...)
	out = append(out, salt...)
	out = append(out, nonce[:]...)
	return secretbox.Seal(out, plain, &nonce, key), nil
}

func (f *FileStore) open(data []byte) ([]byte, error) {
	if f.passphrase == nil {
		return nil, ErrSealed
	}
	data = data[len(sealedMagic):]
	if len(data) < saltSize+nonceSize+secretbox.Overhead {
		return nil, ErrSealed
	}
	salt := data[:saltSize]
	var nonce [nonceSize]byte
	copy(nonce[:], data[saltSize:saltSize+nonceSize])

	key, err := f.deriveKey(salt)
	if err != nil {
		return nil, err
	}
	plain, ok := secretbox.Open(nil, data[saltSize+nonceSize:], &nonce, key)
	if !ok {
		return nil, ErrSealed
	}
	return plain, nil
}
