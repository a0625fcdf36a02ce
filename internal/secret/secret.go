// Package secret loads the shared HMAC key and derives one subkey per
// approval kind, so a record signed for one flow never verifies in another.
package secret

import (
	"bytes"
	"crypto/rand"
	"crypto/sha256"
	"encoding/hex"
	"errors"
	"fmt"
	"io"
	"os"
	"path/filepath"

	"golang.org/x/crypto/hkdf"
)

// MinKeyLen is the minimum accepted key length in bytes.
const MinKeyLen = 32

const infoPrefix = "approval-gate/"

var salt = []byte("approval-gate hmac subkey v1")

// ErrKeyTooShort is returned for keys shorter than MinKeyLen.
var ErrKeyTooShort = errors.New("secret key is too short")

// Key holds the key material. It is read-only after Load.
type Key struct {
	material []byte
}

// Load reads the key file. Hex content of at least MinKeyLen bytes is decoded,
// anything else is used as raw bytes after trimming surrounding whitespace.
func Load(path string) (*Key, error) {
	raw, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("read secret: %w", err)
	}
	return FromBytes(raw)
}

// FromBytes builds a Key from file content.
func FromBytes(raw []byte) (*Key, error) {
	trimmed := bytes.TrimSpace(raw)
	material := trimmed
	if decoded, err := hex.DecodeString(string(trimmed)); err == nil && len(decoded) >= MinKeyLen {
		material = decoded
	}
	if len(material) < MinKeyLen {
		return nil, fmt.Errorf("%w: %d bytes, need %d", ErrKeyTooShort, len(material), MinKeyLen)
	}
	out := make([]byte, len(material))
	copy(out, material)
	return &Key{material: out}, nil
}

// Derive returns the 32-byte subkey for kind.
func (k *Key) Derive(kind string) ([]byte, error) {
	if k == nil || len(k.material) == 0 {
		return nil, errors.New("secret key is closed")
	}
	reader := hkdf.New(sha256.New, k.material, salt, []byte(infoPrefix+kind))
	sub := make([]byte, 32)
	if _, err := io.ReadFull(reader, sub); err != nil {
		return nil, fmt.Errorf("derive %s subkey: %w", kind, err)
	}
	return sub, nil
}

// Close wipes the key material.
func (k *Key) Close() {
	if k == nil {
		return
	}
	for i := range k.material {
		k.material[i] = 0
	}
	k.material = nil
}

// Generate writes a fresh random key to path with mode 0600.
// An existing file is never overwritten.
func Generate(path string) error {
	if err := os.MkdirAll(filepath.Dir(path), 0o700); err != nil {
		return fmt.Errorf("create secret dir: %w", err)
	}
	buf := make([]byte, MinKeyLen)
	if _, err := rand.Read(buf); err != nil {
		return fmt.Errorf("generate secret: %w", err)
	}
	f, err := os.OpenFile(path, os.O_WRONLY|os.O_CREATE|os.O_EXCL, 0o600)
	if err != nil {
		return fmt.Errorf("create secret: %w", err)
	}
	if _, err := f.WriteString(hex.EncodeToString(buf) + "\n"); err != nil {
		_ = f.Close()
		return fmt.Errorf("write secret: %w", err)
	}
	return f.Close()
}
