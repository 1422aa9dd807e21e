// Package transport carries the frames of the trusted channel: a 4-byte
// big-endian length followed by a CBOR body, with descriptors attached as
// SCM_RIGHTS to the first byte of the frame.
package transport

import (
	"github.com/fxamacker/cbor/v2"
)

// encMode uses Core Deterministic Encoding, the same message always
// produces the same bytes.
var encMode cbor.EncMode

// decMode ignores unknown fields.
var decMode cbor.DecMode

func init() {
	var err error
	encMode, err = cbor.CoreDetEncOptions().EncMode()
	if err != nil {
		panic("transport: CBOR encoder initialization failed: " + err.Error())
	}
	decMode, err = cbor.DecOptions{
		MaxArrayElements: 1024,
		MaxMapPairs:      1024,
	}.DecMode()
	if err != nil {
		panic("transport: CBOR decoder initialization failed: " + err.Error())
	}
}

// Marshal encodes v with the channel encoding.
func Marshal(v any) ([]byte, error) {
	return encMode.Marshal(v)
}

// Unmarshal decodes a frame body into v.
func Unmarshal(data []byte, v any) error {
	return decMode.Unmarshal(data, v)
}
