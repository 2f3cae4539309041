// Package wire defines the messages exchanged between the master and its
// slaves and their binary encoding.
//
// Messages are CBOR encoded with Core Deterministic Encoding, so the same
// logical message always produces the same bytes. Signatures computed over an
// encoded message are therefore reproducible.
package wire

import (
	"github.com/fxamacker/cbor/v2"
)

var (
	encMode cbor.EncMode
	decMode cbor.DecMode
)

func init() {
	var err error

	encMode, err = cbor.CoreDetEncOptions().EncMode()
	if err != nil {
		panic("wire: CBOR encoder initialization failed: " + err.Error())
	}

	decMode, err = cbor.DecOptions{
		// A message with repeated keys has two readings; refuse it.
		DupMapKey: cbor.DupMapKeyEnforcedAPF,
		// Slave-provided capability lists and env maps are bounded well
		// below the library defaults.
		MaxArrayElements: 4096,
		MaxMapPairs:      4096,
	}.DecMode()
	if err != nil {
		panic("wire: CBOR decoder initialization failed: " + err.Error())
	}
}

// Marshal encodes v using Core Deterministic Encoding.
func Marshal(v any) ([]byte, error) {
	return encMode.Marshal(v)
}

// Unmarshal decodes CBOR data into v.
func Unmarshal(data []byte, v any) error {
	return decMode.Unmarshal(data, v)
}
