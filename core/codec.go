package core

import (
	"github.com/fxamacker/cbor/v2"
)

// encMode is a CBOR encoder configured with Core Deterministic Encoding
// (RFC 8949 §4.2): sorted map keys, smallest integer encoding, no
// indefinite-length items. The same logical record always produces
// identical bytes, which is what makes signature payloads and accumulator
// leaves reproducible across processes.
var encMode cbor.EncMode

func init() {
	var err error
	encMode, err = cbor.CoreDetEncOptions().EncMode()
	if err != nil {
		panic("core: CBOR encoder initialization failed: " + err.Error())
	}
}

// CanonicalMarshal encodes v to deterministic CBOR bytes.
func CanonicalMarshal(v any) ([]byte, error) {
	return encMode.Marshal(v)
}
