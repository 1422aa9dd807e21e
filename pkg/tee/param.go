package tee

import "fmt"

// ParamType is the type of one operation parameter.
type ParamType uint8

const (
	ParamNone                ParamType = 0x0
	ParamValueInput          ParamType = 0x1
	ParamValueOutput         ParamType = 0x2
	ParamValueInout          ParamType = 0x3
	ParamMemrefTempInput     ParamType = 0x5
	ParamMemrefTempOutput    ParamType = 0x6
	ParamMemrefTempInout     ParamType = 0x7
	ParamMemrefWhole         ParamType = 0xC
	ParamMemrefPartialInput  ParamType = 0xD
	ParamMemrefPartialOutput ParamType = 0xE
	ParamMemrefPartialInout  ParamType = 0xF
)

var paramTypeNames = map[ParamType]string{
	ParamNone:                "NONE",
	ParamValueInput:          "VALUE_INPUT",
	ParamValueOutput:         "VALUE_OUTPUT",
	ParamValueInout:          "VALUE_INOUT",
	ParamMemrefTempInput:     "MEMREF_TEMP_INPUT",
	ParamMemrefTempOutput:    "MEMREF_TEMP_OUTPUT",
	ParamMemrefTempInout:     "MEMREF_TEMP_INOUT",
	ParamMemrefWhole:         "MEMREF_WHOLE",
	ParamMemrefPartialInput:  "MEMREF_PARTIAL_INPUT",
	ParamMemrefPartialOutput: "MEMREF_PARTIAL_OUTPUT",
	ParamMemrefPartialInout:  "MEMREF_PARTIAL_INOUT",
}

func (t ParamType) String() string {
	if name, ok := paramTypeNames[t]; ok {
		return name
	}
	return fmt.Sprintf("ParamType(%#x)", uint8(t))
}

// Valid reports whether t is a known parameter type.
func (t ParamType) Valid() bool {
	_, ok := paramTypeNames[t]
	return ok
}

func (t ParamType) IsValue() bool {
	return t >= ParamValueInput && t <= ParamValueInout
}

func (t ParamType) IsTemp() bool {
	return t >= ParamMemrefTempInput && t <= ParamMemrefTempInout
}

// IsRegistered reports whether t references registered shared memory.
func (t ParamType) IsRegistered() bool {
	return t == ParamMemrefWhole || (t >= ParamMemrefPartialInput && t <= ParamMemrefPartialInout)
}

// IsInput reports whether data flows to the trusted side. A whole memory
// reference follows the flags of its shared memory.
func (t ParamType) IsInput() bool {
	switch t {
	case ParamValueInput, ParamValueInout,
		ParamMemrefTempInput, ParamMemrefTempInout,
		ParamMemrefPartialInput, ParamMemrefPartialInout:
		return true
	}
	return false
}

// IsOutput reports whether data flows back from the trusted side.
func (t ParamType) IsOutput() bool {
	switch t {
	case ParamValueOutput, ParamValueInout,
		ParamMemrefTempOutput, ParamMemrefTempInout,
		ParamMemrefPartialOutput, ParamMemrefPartialInout:
		return true
	}
	return false
}

// PackParamTypes packs four parameter types, one nibble each.
func PackParamTypes(types [4]ParamType) uint32 {
	var packed uint32
	for i, t := range types {
		packed |= uint32(t&0xf) << (4 * i)
	}
	return packed
}

func UnpackParamTypes(packed uint32) [4]ParamType {
	var types [4]ParamType
	for i := range types {
		types[i] = ParamType(packed >> (4 * i) & 0xf)
	}
	return types
}

// Value is a pair of integers passed by value.
type Value struct {
	A, B uint32
}

// Param is one parameter of an Operation.
//
// Temporary memory references use Temp: its bytes are sent for input
// types and overwritten for output types. Registered memory references use
// Memory with the window [Offset, Offset+Size); a whole reference uses the
// entire shared memory. After the call Size holds the size reported by the
// trusted side for memory reference outputs.
type Param struct {
	Type   ParamType
	Value  Value
	Temp   []byte
	Memory *SharedMemory
	Offset int
	Size   int
}

// Operation holds the parameters of one call.
type Operation struct {
	Params [4]Param
}

// Types returns the packed parameter types of op.
func (op *Operation) Types() uint32 {
	var types [4]ParamType
	for i := range op.Params {
		types[i] = op.Params[i].Type
	}
	return PackParamTypes(types)
}

func ValueInput(a, b uint32) Param {
	return Param{Type: ParamValueInput, Value: Value{A: a, B: b}}
}

func ValueOutput() Param {
	return Param{Type: ParamValueOutput}
}

func TempInput(data []byte) Param {
	return Param{Type: ParamMemrefTempInput, Temp: data, Size: len(data)}
}

func TempOutput(data []byte) Param {
	return Param{Type: ParamMemrefTempOutput, Temp: data, Size: len(data)}
}

func TempInout(data []byte) Param {
	return Param{Type: ParamMemrefTempInout, Temp: data, Size: len(data)}
}

func Whole(mem *SharedMemory) Param {
	return Param{Type: ParamMemrefWhole, Memory: mem, Size: mem.Size()}
}

func PartialInput(mem *SharedMemory, offset, size int) Param {
	return Param{Type: ParamMemrefPartialInput, Memory: mem, Offset: offset, Size: size}
}

func PartialOutput(mem *SharedMemory, offset, size int) Param {
	return Param{Type: ParamMemrefPartialOutput, Memory: mem, Offset: offset, Size: size}
}

func PartialInout(mem *SharedMemory, offset, size int) Param {
	return Param{Type: ParamMemrefPartialInout, Memory: mem, Offset: offset, Size: size}
}
