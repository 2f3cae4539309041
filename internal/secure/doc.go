// Package secure implements the authenticated, encrypted channel every
// master/slave message passes through.
//
// A message is CBOR encoded, signed with the sender's Ed25519 key and then
// encrypted with age to the recipient's X25519 key. On receipt it is
// decrypted with the local identity, the signature is verified against the
// claimed sender's public key from the keyring, and the envelope's recipient
// binding, timestamp and nonce are checked.
//
// Trust model: the master is the single point of trust. Every slave is
// provisioned with the master's public identity; the master holds a keyring
// of the slave identities it accepts. Neither side authorizes payload
// contents. The only properties enforced are origin authenticity and
// confidentiality in transit.
package secure
