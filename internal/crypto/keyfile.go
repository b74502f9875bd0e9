// Package crypto provides the secret box used to encrypt password-typed
// configuration values at rest. The key is derived from a host-stable random
// seed via PBKDF2; the seed never leaves the key file.
package crypto

import (
	"crypto/rand"
	"crypto/sha256"
	"errors"
	"fmt"
	"io"
	"os"
	"path/filepath"
	"runtime"

	"golang.org/x/crypto/pbkdf2"
)

const (
	// kdfIterations stays above the 100k floor required for password-class
	// material even though the seed is random.
	kdfIterations = 120_000
	keySize       = 32
	seedFileSize  = 64 // 32-byte seed + 32-byte salt
)

var (
	ErrKeyFilePermissions = errors.New("key file is accessible by other users; refusing to use it")
	ErrKeyFileCorrupt     = errors.New("key file has unexpected size")
)

// SecretBox seals and opens config secrets with a key derived from the seed
// file. Safe for concurrent use.
type SecretBox struct {
	key []byte
}

// LoadSecretBox reads the seed file at path, creating it with owner-only
// permissions on first use, and derives the AES-256 key. It fails closed on
// loose permissions or a truncated file.
func LoadSecretBox(path string) (*SecretBox, error) {
	raw, err := os.ReadFile(path)
	if errors.Is(err, os.ErrNotExist) {
		raw, err = createSeedFile(path)
	}
	if err != nil {
		return nil, fmt.Errorf("load key file: %w", err)
	}

	if err := checkPermissions(path); err != nil {
		return nil, err
	}
	if len(raw) != seedFileSize {
		return nil, ErrKeyFileCorrupt
	}

	seed, salt := raw[:32], raw[32:]
	key := pbkdf2.Key(seed, salt, kdfIterations, keySize, sha256.New)
	return &SecretBox{key: key}, nil
}

func createSeedFile(path string) ([]byte, error) {
	if err := os.MkdirAll(filepath.Dir(path), 0o700); err != nil {
		return nil, err
	}
	raw := make([]byte, seedFileSize)
	if _, err := io.ReadFull(rand.Reader, raw); err != nil {
		return nil, err
	}
	f, err := os.OpenFile(path, os.O_CREATE|os.O_EXCL|os.O_WRONLY, 0o600)
	if err != nil {
		return nil, err
	}
	if _, err := f.Write(raw); err != nil {
		f.Close()
		os.Remove(path)
		return nil, err
	}
	if err := f.Close(); err != nil {
		return nil, err
	}
	return raw, nil
}

func checkPermissions(path string) error {
	if runtime.GOOS == "windows" {
		return nil
	}
	info, err := os.Stat(path)
	if err != nil {
		return err
	}
	if info.Mode().Perm()&0o077 != 0 {
		return fmt.Errorf("%w: %s mode %04o", ErrKeyFilePermissions, path, info.Mode().Perm())
	}
	return nil
}
