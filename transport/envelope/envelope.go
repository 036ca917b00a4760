// Package envelope provides the pluggable symmetric seal/open capability
// pair the transport wraps every outbound frame in.
package envelope

import (
	"crypto/rand"
	"io"

	"github.com/pkg/errors"
	"golang.org/x/crypto/nacl/secretbox"
)

// KeySize is the secretbox key size in bytes.
const KeySize = 32

const nonceSize = 24

// Sealer seals plaintext into ciphertext.
type Sealer interface {
	Seal(plaintext []byte) ([]byte, error)
}

// Opener opens ciphertext back into plaintext.
type Opener interface {
	Open(ciphertext []byte) ([]byte, error)
}

// SealOpener does both; one key, one scheme.
type SealOpener interface {
	Sealer
	Opener
}

// secretboxEnvelope implements SealOpener with a single symmetric key via
// golang.org/x/crypto/nacl/secretbox. Every call to Seal draws a fresh
// random nonce, prefixed to the ciphertext.
type secretboxEnvelope struct {
	key [KeySize]byte
}

// NewRandomKey generates a fresh symmetric key — the behavior the source
// exhibits at every node startup (one independent key per node, with no
// distribution scheme). See NewSharedKey for the alternative this package
// also supports.
func NewRandomKey() (SealOpener, error) {
	var key [KeySize]byte
	if _, err := io.ReadFull(rand.Reader, key[:]); err != nil {
		return nil, errors.Wrap(err, "envelope: generate key")
	}
	return &secretboxEnvelope{key: key}, nil
}

// NewSharedKey builds a SealOpener around an operator-distributed key,
// the same scheme every peer must be configured with for any two nodes to
// actually decrypt each other's frames.
func NewSharedKey(key [KeySize]byte) SealOpener {
	return &secretboxEnvelope{key: key}
}

func (e *secretboxEnvelope) Seal(plaintext []byte) ([]byte, error) {
	var nonce [nonceSize]byte
	if _, err := io.ReadFull(rand.Reader, nonce[:]); err != nil {
		return nil, errors.Wrap(err, "envelope: generate nonce")
	}
	out := make([]byte, nonceSize, nonceSize+len(plaintext)+secretbox.Overhead)
	copy(out, nonce[:])
	return secretbox.Seal(out, plaintext, &nonce, &e.key), nil
}

func (e *secretboxEnvelope) Open(ciphertext []byte) ([]byte, error) {
	if len(ciphertext) < nonceSize {
		return nil, errors.New("envelope: ciphertext too short")
	}
	var nonce [nonceSize]byte
	copy(nonce[:], ciphertext[:nonceSize])
	plaintext, ok := secretbox.Open(nil, ciphertext[nonceSize:], &nonce, &e.key)
	if !ok {
		return nil, errors.New("envelope: decryption failed")
	}
	return plaintext, nil
}
