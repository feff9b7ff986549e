package session

import (
	"crypto/rand"
	"errors"
	"fmt"
	"io"

	"golang.org/x/crypto/chacha20poly1305"
)

var (
	ErrSealKeySize = errors.New("session: seal key must be 32 bytes")
	ErrSealOpen    = errors.New("session: sealed value corrupt or key mismatch")
)

// sealer encrypts token material before it reaches the storage backend, so
// a leaked store dump does not leak live refresh tokens.
type sealer struct {
	key []byte
}

func newSealer(key []byte) (*sealer, error) {
	if len(key) != chacha20poly1305.KeySize {
		return nil, ErrSealKeySize
	}
	return &sealer{key: append([]byte(nil), key...)}, nil
}

// seal returns nonce || ciphertext.
func (s *sealer) seal(plain []byte) ([]byte, error) {
	aead, err := chacha20poly1305.New(s.key)
	if err != nil {
		return nil, fmt.Errorf("session: seal: %w", err)
	}
	nonce := make([]byte, aead.NonceSize())
	if _, err := io.ReadFull(rand.Reader, nonce); err != nil {
		return nil, fmt.Errorf("session: seal nonce: %w", err)
	}
	return aead.Seal(nonce, nonce, plain, nil), nil
}

func (s *sealer) open(sealed []byte) ([]byte, error) {
	aead, err := chacha20poly1305.New(s.key)
	if err != nil {
		return nil, fmt.Errorf("session: open: %w", err)
	}
	if len(sealed) < aead.NonceSize() {
		return nil, ErrSealOpen
	}
	nonce, ciphertext := sealed[:aead.NonceSize()], sealed[aead.NonceSize():]
	plain, err := aead.Open(nil, nonce, ciphertext, nil)
	if err != nil {
		return nil, ErrSealOpen
	}
	return plain, nil
}
