package master

import (
	"yqhp/buildfleet/internal/secure"
)

// SecureChannel seals replies and opens requests. *secure.Channel
// implements it.
type SecureChannel interface {
	Seal(payload []byte, recipient secure.PublicIdentity) ([]byte, error)
	Open(ciphertext []byte) (secure.Opened, error)
}

var _ SecureChannel = (*secure.Channel)(nil)
