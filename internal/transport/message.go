package transport

import "strconv"

// Op is the kind of a request.
type Op uint8

const (
	OpOpenSession Op = iota + 1
	OpCloseSession
	OpRegisterShm
	OpReleaseShm
	OpInvoke
)

func (o Op) String() string {
	switch o {
	case OpOpenSession:
		return "OpenSession"
	case OpCloseSession:
		return "CloseSession"
	case OpRegisterShm:
		return "RegisterShm"
	case OpReleaseShm:
		return "ReleaseShm"
	case OpInvoke:
		return "Invoke"
	}
	return "Op(" + strconv.Itoa(int(o)) + ")"
}

// Request is sent by the client. An OpRegisterShm request carries exactly
// one descriptor.
type Request struct {
	Seq     uint32  `cbor:"1,keyasint"`
	Op      Op      `cbor:"2,keyasint"`
	Session uint32  `cbor:"3,keyasint,omitempty"`
	UUID    []byte  `cbor:"4,keyasint,omitempty"`
	Login   uint32  `cbor:"5,keyasint,omitempty"`
	Shm     uint32  `cbor:"6,keyasint,omitempty"`
	Size    uint64  `cbor:"7,keyasint,omitempty"`
	Flags   uint32  `cbor:"8,keyasint,omitempty"`
	Command uint32  `cbor:"9,keyasint,omitempty"`
	Types   uint32  `cbor:"10,keyasint,omitempty"`
	Params  []Param `cbor:"11,keyasint,omitempty"`
}

// Param is one operation parameter. Values use A and B, temporary memory
// references carry their bytes in Data, registered memory references name
// the shared memory and the window inside it.
type Param struct {
	A      uint32 `cbor:"1,keyasint,omitempty"`
	B      uint32 `cbor:"2,keyasint,omitempty"`
	Shm    uint32 `cbor:"3,keyasint,omitempty"`
	Offset uint64 `cbor:"4,keyasint,omitempty"`
	Size   uint64 `cbor:"5,keyasint,omitempty"`
	Data   []byte `cbor:"6,keyasint,omitempty"`
}

// Response answers the request with the same Seq.
type Response struct {
	Seq     uint32  `cbor:"1,keyasint"`
	Result  uint32  `cbor:"2,keyasint"`
	Origin  uint32  `cbor:"3,keyasint,omitempty"`
	Session uint32  `cbor:"4,keyasint,omitempty"`
	Shm     uint32  `cbor:"5,keyasint,omitempty"`
	Size    uint64  `cbor:"6,keyasint,omitempty"`
	Params  []Param `cbor:"7,keyasint,omitempty"`
}
