package secure

import (
	"crypto/ed25519"
	"crypto/rand"
	"encoding/base64"
	"encoding/hex"
	"errors"
	"fmt"
	"os"
	"path/filepath"

	"filippo.io/age"
	"github.com/zeebo/blake3"
	"gopkg.in/yaml.v3"
)

// KeyID identifies a public identity. It is derived from the Ed25519
// verification key.
type KeyID [16]byte

// String renders the id as hex.
func (id KeyID) String() string {
	return hex.EncodeToString(id[:])
}

// keyIDOf hashes an Ed25519 public key into a KeyID.
func keyIDOf(pub ed25519.PublicKey) KeyID {
	sum := blake3.Sum256(pub)
	var id KeyID
	copy(id[:], sum[:len(id)])
	return id
}

// Identity is a private identity: a signing key plus an age decryption key.
type Identity struct {
	name    string
	signing ed25519.PrivateKey
	age     *age.X25519Identity
}

// PublicIdentity is the publishable half of an Identity.
type PublicIdentity struct {
	Name      string
	VerifyKey ed25519.PublicKey
	Recipient *age.X25519Recipient
}

// GenerateIdentity creates a fresh identity labelled name.
func GenerateIdentity(name string) (*Identity, error) {
	_, signing, err := ed25519.GenerateKey(rand.Reader)
	if err != nil {
		return nil, fmt.Errorf("generating signing key: %w", err)
	}
	ageIdentity, err := age.GenerateX25519Identity()
	if err != nil {
		return nil, fmt.Errorf("generating age keypair: %w", err)
	}
	return &Identity{name: name, signing: signing, age: ageIdentity}, nil
}

// Name returns the identity's label.
func (i *Identity) Name() string {
	return i.name
}

// ID returns the KeyID of the public half.
func (i *Identity) ID() KeyID {
	return keyIDOf(i.signing.Public().(ed25519.PublicKey))
}

// Public returns the publishable half.
func (i *Identity) Public() PublicIdentity {
	return PublicIdentity{
		Name:      i.name,
		VerifyKey: i.signing.Public().(ed25519.PublicKey),
		Recipient: i.age.Recipient(),
	}
}

// ID returns the KeyID of p.
func (p PublicIdentity) ID() KeyID {
	return keyIDOf(p.VerifyKey)
}

// Valid reports whether both keys are present.
func (p PublicIdentity) Valid() bool {
	return len(p.VerifyKey) == ed25519.PublicKeySize && p.Recipient != nil
}

// identityFile is the on-disk form of an Identity.
type identityFile struct {
	Name        string `yaml:"name"`
	SigningSeed string `yaml:"signing_seed"`
	AgeIdentity string `yaml:"age_identity"`
}

// publicFile is the on-disk form of a PublicIdentity.
type publicFile struct {
	Name      string `yaml:"name"`
	VerifyKey string `yaml:"verify_key"`
	Recipient string `yaml:"recipient"`
}

// MarshalIdentity serializes the private identity. The output is secret.
func MarshalIdentity(i *Identity) ([]byte, error) {
	return yaml.Marshal(identityFile{
		Name:        i.name,
		SigningSeed: base64.StdEncoding.EncodeToString(i.signing.Seed()),
		AgeIdentity: i.age.String(),
	})
}

// UnmarshalIdentity parses the output of MarshalIdentity.
func UnmarshalIdentity(data []byte) (*Identity, error) {
	var f identityFile
	if err := yaml.Unmarshal(data, &f); err != nil {
		return nil, fmt.Errorf("parsing identity: %w", err)
	}
	seed, err := base64.StdEncoding.DecodeString(f.SigningSeed)
	if err != nil {
		return nil, fmt.Errorf("decoding signing seed: %w", err)
	}
	if len(seed) != ed25519.SeedSize {
		return nil, fmt.Errorf("signing seed has %d bytes, want %d", len(seed), ed25519.SeedSize)
	}
	ageIdentity, err := age.ParseX25519Identity(f.AgeIdentity)
	if err != nil {
		return nil, fmt.Errorf("parsing age identity: %w", err)
	}
	return &Identity{
		name:    f.Name,
		signing: ed25519.NewKeyFromSeed(seed),
		age:     ageIdentity,
	}, nil
}

// MarshalPublic serializes a public identity.
func MarshalPublic(p PublicIdentity) ([]byte, error) {
	if !p.Valid() {
		return nil, errors.New("incomplete public identity")
	}
	return yaml.Marshal(publicFile{
		Name:      p.Name,
		VerifyKey: base64.StdEncoding.EncodeToString(p.VerifyKey),
		Recipient: p.Recipient.String(),
	})
}

// UnmarshalPublic parses the output of MarshalPublic.
func UnmarshalPublic(data []byte) (PublicIdentity, error) {
	var f publicFile
	if err := yaml.Unmarshal(data, &f); err != nil {
		return PublicIdentity{}, fmt.Errorf("parsing public identity: %w", err)
	}
	verifyKey, err := base64.StdEncoding.DecodeString(f.VerifyKey)
	if err != nil {
		return PublicIdentity{}, fmt.Errorf("decoding verify key: %w", err)
	}
	if len(verifyKey) != ed25519.PublicKeySize {
		return PublicIdentity{}, fmt.Errorf("verify key has %d bytes, want %d", len(verifyKey), ed25519.PublicKeySize)
	}
	recipient, err := age.ParseX25519Recipient(f.Recipient)
	if err != nil {
		return PublicIdentity{}, fmt.Errorf("parsing age recipient: %w", err)
	}
	return PublicIdentity{Name: f.Name, VerifyKey: verifyKey, Recipient: recipient}, nil
}

// LoadIdentity reads a private identity file.
func LoadIdentity(path string) (*Identity, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("reading identity %s: %w", path, err)
	}
	id, err := UnmarshalIdentity(data)
	if err != nil {
		return nil, fmt.Errorf("%s: %w", path, err)
	}
	return id, nil
}

// LoadPublic reads a public identity file.
func LoadPublic(path string) (PublicIdentity, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return PublicIdentity{}, fmt.Errorf("reading public identity %s: %w", path, err)
	}
	pub, err := UnmarshalPublic(data)
	if err != nil {
		return PublicIdentity{}, fmt.Errorf("%s: %w", path, err)
	}
	return pub, nil
}

// SaveIdentity writes the private identity to path (mode 0600) and the
// public half to path + ".pub".
func SaveIdentity(path string, i *Identity) error {
	private, err := MarshalIdentity(i)
	if err != nil {
		return err
	}
	public, err := MarshalPublic(i.Public())
	if err != nil {
		return err
	}
	if err := os.MkdirAll(filepath.Dir(path), 0o700); err != nil {
		return fmt.Errorf("creating key directory: %w", err)
	}
	if err := os.WriteFile(path, private, 0o600); err != nil {
		return fmt.Errorf("writing identity: %w", err)
	}
	if err := os.WriteFile(path+".pub", public, 0o644); err != nil {
		return fmt.Errorf("writing public identity: %w", err)
	}
	return nil
}
