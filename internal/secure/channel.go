package secure

import (
	"bytes"
	"crypto/ed25519"
	"crypto/rand"
	"encoding/hex"
	"errors"
	"fmt"
	"io"
	"time"

	"filippo.io/age"
	"github.com/patrickmn/go-cache"
	"github.com/zeebo/blake3"
	"go.uber.org/zap"

	"yqhp/buildfleet/internal/wire"
	"yqhp/buildfleet/pkg/logger"
)

// ErrRejected is returned by Open for every message that fails decryption,
// verification or freshness checks. The cause is deliberately not exposed.
var ErrRejected = errors.New("message rejected")

const nonceSize = 16

// envelope is the signed part of a message.
type envelope struct {
	Sender    []byte `cbor:"1,keyasint"`
	Recipient []byte `cbor:"2,keyasint"`
	Nonce     []byte `cbor:"3,keyasint"`
	Timestamp int64  `cbor:"4,keyasint"`
	Payload   []byte `cbor:"5,keyasint"`
}

// signed is the plaintext handed to age.
type signed struct {
	Body      []byte `cbor:"1,keyasint"`
	Signature []byte `cbor:"2,keyasint"`
}

// Config tunes a Channel.
type Config struct {
	// MaxSkew is the largest accepted difference between a message
	// timestamp and the local clock.
	MaxSkew time.Duration

	// MaxMessageSize bounds the decrypted size of a message.
	MaxMessageSize int64

	// Now overrides the clock. Tests only.
	Now func() time.Time

	Logger *zap.Logger
}

// DefaultConfig returns the default channel configuration.
func DefaultConfig() *Config {
	return &Config{
		MaxSkew:        5 * time.Minute,
		MaxMessageSize: 8 << 20,
	}
}

// Opened is a verified, decrypted message.
type Opened struct {
	Sender  PublicIdentity
	Payload []byte
}

// Channel seals outgoing and opens incoming messages for one local identity.
type Channel struct {
	self    *Identity
	selfID  KeyID
	keyring *Keyring
	config  *Config
	seen    *cache.Cache
	logger  *zap.Logger
}

// NewChannel creates a channel for self that accepts messages signed by
// identities in keyring.
func NewChannel(self *Identity, keyring *Keyring, config *Config) *Channel {
	if config == nil {
		config = DefaultConfig()
	}
	if config.Now == nil {
		config.Now = time.Now
	}
	if config.MaxSkew <= 0 {
		config.MaxSkew = DefaultConfig().MaxSkew
	}
	if config.MaxMessageSize <= 0 {
		config.MaxMessageSize = DefaultConfig().MaxMessageSize
	}
	log := config.Logger
	if log == nil {
		log = logger.Named("secure")
	}
	// A nonce only needs remembering while its timestamp is still fresh.
	window := 2 * config.MaxSkew
	return &Channel{
		self:    self,
		selfID:  self.ID(),
		keyring: keyring,
		config:  config,
		seen:    cache.New(window, window),
		logger:  log,
	}
}

// Identity returns the local identity.
func (c *Channel) Identity() *Identity {
	return c.self
}

// Keyring returns the trusted identities.
func (c *Channel) Keyring() *Keyring {
	return c.keyring
}

// Seal signs payload with the local identity and encrypts it to recipient.
func (c *Channel) Seal(payload []byte, recipient PublicIdentity) ([]byte, error) {
	if !recipient.Valid() {
		return nil, fmt.Errorf("sealing to incomplete identity %q", recipient.Name)
	}

	nonce := make([]byte, nonceSize)
	if _, err := rand.Read(nonce); err != nil {
		return nil, fmt.Errorf("generating nonce: %w", err)
	}
	recipientID := recipient.ID()
	body, err := wire.Marshal(envelope{
		Sender:    c.selfID[:],
		Recipient: recipientID[:],
		Nonce:     nonce,
		Timestamp: c.config.Now().UnixNano(),
		Payload:   payload,
	})
	if err != nil {
		return nil, fmt.Errorf("encoding envelope: %w", err)
	}
	plaintext, err := wire.Marshal(signed{
		Body:      body,
		Signature: ed25519.Sign(c.self.signing, body),
	})
	if err != nil {
		return nil, fmt.Errorf("encoding signed envelope: %w", err)
	}

	var out bytes.Buffer
	w, err := age.Encrypt(&out, recipient.Recipient)
	if err != nil {
		return nil, fmt.Errorf("creating age encryptor: %w", err)
	}
	if _, err := w.Write(plaintext); err != nil {
		return nil, fmt.Errorf("writing plaintext to age encryptor: %w", err)
	}
	if err := w.Close(); err != nil {
		return nil, fmt.Errorf("finalizing age encryption: %w", err)
	}
	return out.Bytes(), nil
}

// Open decrypts and verifies a message produced by Seal. Any failure yields
// ErrRejected.
func (c *Channel) Open(ciphertext []byte) (Opened, error) {
	opened, reason := c.open(ciphertext)
	if reason != "" {
		c.logger.Debug("rejected message", zap.String("reason", reason), zap.Int("size", len(ciphertext)))
		return Opened{}, ErrRejected
	}
	return opened, nil
}

func (c *Channel) open(ciphertext []byte) (Opened, string) {
	r, err := age.Decrypt(bytes.NewReader(ciphertext), c.self.age)
	if err != nil {
		return Opened{}, "decrypt"
	}
	plaintext, err := io.ReadAll(io.LimitReader(r, c.config.MaxMessageSize+1))
	if err != nil {
		return Opened{}, "decrypt"
	}
	if int64(len(plaintext)) > c.config.MaxMessageSize {
		return Opened{}, "oversized"
	}

	var s signed
	if err := wire.Unmarshal(plaintext, &s); err != nil {
		return Opened{}, "envelope"
	}
	var env envelope
	if err := wire.Unmarshal(s.Body, &env); err != nil {
		return Opened{}, "envelope"
	}

	var senderID KeyID
	if len(env.Sender) != len(senderID) {
		return Opened{}, "sender"
	}
	copy(senderID[:], env.Sender)
	sender, ok := c.keyring.Lookup(senderID)
	if !ok {
		return Opened{}, "unknown sender " + senderID.String()
	}
	if !ed25519.Verify(sender.VerifyKey, s.Body, s.Signature) {
		return Opened{}, "signature"
	}
	if !bytes.Equal(env.Recipient, c.selfID[:]) {
		return Opened{}, "recipient"
	}

	now := c.config.Now()
	sent := time.Unix(0, env.Timestamp)
	if sent.Before(now.Add(-c.config.MaxSkew)) || sent.After(now.Add(c.config.MaxSkew)) {
		return Opened{}, "stale"
	}
	if len(env.Nonce) != nonceSize {
		return Opened{}, "nonce"
	}
	digest := blake3.Sum256(s.Signature)
	if err := c.seen.Add(hex.EncodeToString(digest[:]), struct{}{}, cache.DefaultExpiration); err != nil {
		return Opened{}, "replay"
	}

	return Opened{Sender: sender, Payload: env.Payload}, ""
}
