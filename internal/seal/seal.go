// Package seal provides authenticated encryption for PHI mapping payloads at rest.
//
// Blobs are base64url(nonce || ciphertext || tag) using AES-256-GCM with a
// fresh random nonce per call.
package seal

import (
	"crypto/aes"
	"crypto/cipher"
	"crypto/rand"
	"encoding/base64"
	"encoding/hex"
	"io"
	"strings"

	"github.com/rotisserie/eris"
)

// KeySize is the required key length in bytes.
const KeySize = 32

// ErrIntegrity is returned when a blob cannot be authenticated. No plaintext
// is ever returned alongside it.
var ErrIntegrity = eris.New("seal: integrity check failed")

var blobEncoding = base64.URLEncoding

// Sealer encrypts and decrypts blobs with a single process-wide key.
type Sealer struct {
	aead cipher.AEAD
}

// New creates a Sealer from a 32-byte AES-256 key.
func New(key []byte) (*Sealer, error) {
	if len(key) != KeySize {
		return nil, eris.Errorf("seal: key must be %d bytes, got %d", KeySize, len(key))
	}
	block, err := aes.NewCipher(key)
	if err != nil {
		return nil, eris.Wrap(err, "seal: create cipher")
	}
	aead, err := cipher.NewGCM(block)
	if err != nil {
		return nil, eris.Wrap(err, "seal: create gcm")
	}
	return &Sealer{aead: aead}, nil
}

// ParseKey decodes key material from config. Accepts 64 hex characters or
// standard/URL base64.
func ParseKey(s string) ([]byte, error) {
	s = strings.TrimSpace(s)
	if s == "" {
		return nil, eris.New("seal: empty key")
	}
	if len(s) == hex.EncodedLen(KeySize) {
		if key, err := hex.DecodeString(s); err == nil {
			return key, nil
		}
	}
	for _, enc := range []*base64.Encoding{base64.StdEncoding, base64.URLEncoding, base64.RawStdEncoding, base64.RawURLEncoding} {
		if key, err := enc.DecodeString(s); err == nil {
			if len(key) != KeySize {
				return nil, eris.Errorf("seal: decoded key is %d bytes, want %d", len(key), KeySize)
			}
			return key, nil
		}
	}
	return nil, eris.New("seal: key is neither hex nor base64")
}

// Seal encrypts plaintext. aad is authenticated but not stored; the same
// value must be supplied to Open.
func (s *Sealer) Seal(plaintext, aad []byte) (string, error) {
	nonce := make([]byte, s.aead.NonceSize())
	if _, err := io.ReadFull(rand.Reader, nonce); err != nil {
		return "", eris.Wrap(err, "seal: generate nonce")
	}
	out := s.aead.Seal(nonce, nonce, plaintext, aad)
	return blobEncoding.EncodeToString(out), nil
}

// Open authenticates and decrypts a blob produced by Seal. Any decoding,
// length, or tag failure yields ErrIntegrity and a nil slice.
func (s *Sealer) Open(blob string, aad []byte) ([]byte, error) {
	data, err := blobEncoding.DecodeString(blob)
	if err != nil {
		return nil, eris.Wrap(ErrIntegrity, "decode blob")
	}
	ns := s.aead.NonceSize()
	if len(data) < ns+s.aead.Overhead() {
		return nil, eris.Wrap(ErrIntegrity, "blob too short")
	}
	plaintext, err := s.aead.Open(nil, data[:ns], data[ns:], aad)
	if err != nil {
		return nil, eris.Wrap(ErrIntegrity, "authenticate blob")
	}
	return plaintext, nil
}
