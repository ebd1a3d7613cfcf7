// Package secure implements the per-connection encryption envelope: an
// X25519 key exchange and a ChaCha20-Poly1305 secure channel keyed
// directly off the raw Diffie-Hellman output (§4.2, §9).
package secure

import (
	"crypto/rand"
	"errors"
	"fmt"
	"io"
	"sync"

	"golang.org/x/crypto/chacha20poly1305"
	"golang.org/x/crypto/curve25519"
)

const (
	// KeySize is the size of X25519 keys and the ChaCha20-Poly1305 key,
	// in bytes.
	KeySize = 32

	// NonceSize is the size of ChaCha20-Poly1305 nonces, in bytes.
	NonceSize = 12
)

// ErrNotInitialized is returned by Encrypt/Decrypt before the shared key
// has been established.
var ErrNotInitialized = errors.New("secure: channel not initialized")

// ErrAuthFailed is returned when a ciphertext fails authentication. The
// caller (the session) treats this as fatal to the connection (§4.2,
// §7 DecryptAuthFail).
var ErrAuthFailed = errors.New("secure: authentication failed")

// KeyExchange holds a single connection's ephemeral X25519 key pair. The
// private key is generated at session birth, used exactly once to derive
// the shared secret, then discarded (§3 "Key-exchange context").
type KeyExchange struct {
	private [KeySize]byte
	Public  [KeySize]byte

	used bool
}

// NewKeyExchange generates a fresh ephemeral X25519 key pair.
func NewKeyExchange() (*KeyExchange, error) {
	kx := &KeyExchange{}
	if _, err := io.ReadFull(rand.Reader, kx.private[:]); err != nil {
		return nil, fmt.Errorf("secure: generate private key: %w", err)
	}

	pub, err := curve25519.X25519(kx.private[:], curve25519.Basepoint)
	if err != nil {
		return nil, fmt.Errorf("secure: derive public key: %w", err)
	}
	copy(kx.Public[:], pub)

	return kx, nil
}

// SharedKey derives the shared secret from this side's private key and
// the peer's public key, as sent in a HI message. It is an error to call
// this more than once: the private key is zeroed after first use.
func (kx *KeyExchange) SharedKey(peerPublic [KeySize]byte) ([KeySize]byte, error) {
	var shared [KeySize]byte

	if kx.used {
		return shared, errors.New("secure: key exchange already consumed")
	}

	out, err := curve25519.X25519(kx.private[:], peerPublic[:])
	if err != nil {
		return shared, fmt.Errorf("secure: compute shared secret: %w", err)
	}
	copy(shared[:], out)

	// The private key is single-use; zero it so it cannot be reused even
	// if this KeyExchange value lingers.
	for i := range kx.private {
		kx.private[i] = 0
	}
	kx.used = true

	return shared, nil
}

// Channel is the per-connection encryption state (§3 "Secure channel").
// It is created before the key is known and transitions exactly once,
// irreversibly, to initialized.
//
// Per §9's documented open question, the raw 32-byte Diffie-Hellman
// output is used verbatim as the ChaCha20-Poly1305 key — no HKDF is
// applied. This skips domain separation and is reproduced as-is for wire
// compatibility; it is not a recommendation for new protocols.
type Channel struct {
	mu          sync.Mutex
	key         [KeySize]byte
	initialized bool
}

// NewChannel returns an uninitialized secure channel.
func NewChannel() *Channel {
	return &Channel{}
}

// Init sets the shared key and flips the channel to initialized. Calling
// Init more than once is a programmer error and panics, since the
// transition is meant to happen exactly once per connection.
func (c *Channel) Init(key [KeySize]byte) {
	c.mu.Lock()
	defer c.mu.Unlock()

	if c.initialized {
		panic("secure: channel already initialized")
	}
	c.key = key
	c.initialized = true
}

// Initialized reports whether the shared key has been set.
func (c *Channel) Initialized() bool {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.initialized
}

// Encrypt seals plaintext under a fresh, randomly drawn 12-byte nonce and
// returns nonce‖ciphertext (§4.2). Fails before the channel is
// initialized.
func (c *Channel) Encrypt(plaintext []byte) ([]byte, error) {
	c.mu.Lock()
	key := c.key
	initialized := c.initialized
	c.mu.Unlock()

	if !initialized {
		return nil, ErrNotInitialized
	}

	aead, err := chacha20poly1305.New(key[:])
	if err != nil {
		return nil, fmt.Errorf("secure: create cipher: %w", err)
	}

	nonce := make([]byte, NonceSize, NonceSize+len(plaintext)+aead.Overhead())
	if _, err := io.ReadFull(rand.Reader, nonce); err != nil {
		return nil, fmt.Errorf("secure: draw nonce: %w", err)
	}

	return aead.Seal(nonce, nonce, plaintext, nil), nil
}

// Decrypt opens a nonce‖ciphertext envelope produced by Encrypt. Fails
// before the channel is initialized, and returns ErrAuthFailed if the
// authentication tag does not verify.
func (c *Channel) Decrypt(envelope []byte) ([]byte, error) {
	c.mu.Lock()
	key := c.key
	initialized := c.initialized
	c.mu.Unlock()

	if !initialized {
		return nil, ErrNotInitialized
	}

	if len(envelope) < NonceSize {
		return nil, fmt.Errorf("%w: envelope shorter than nonce", ErrAuthFailed)
	}

	aead, err := chacha20poly1305.New(key[:])
	if err != nil {
		return nil, fmt.Errorf("secure: create cipher: %w", err)
	}

	nonce, ciphertext := envelope[:NonceSize], envelope[NonceSize:]
	plaintext, err := aead.Open(nil, nonce, ciphertext, nil)
	if err != nil {
		return nil, fmt.Errorf("%w: %v", ErrAuthFailed, err)
	}
	return plaintext, nil
}
