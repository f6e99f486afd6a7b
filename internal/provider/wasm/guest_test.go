package wasm

import (
	"bytes"
	"encoding/binary"
	"math"
	"slices"

	"github.com/SyedDaiam9101/enginebind/internal/engine"
)

// A hand-assembled guest for tests. It keeps tensors as 20-byte records in linear
// memory and serves one session whose run doubles a float32 input.

const (
	valI32 byte = 0x7f
	valI64 byte = 0x7e

	blockVoid byte = 0x40
	opBlock   byte = 0x02
	opLoop    byte = 0x03
	opIf      byte = 0x04
	opEnd     byte = 0x0b
	opReturn  byte = 0x0f
	opI32Ne   byte = 0x47
	opI32GeU  byte = 0x4f
	opI32Add  byte = 0x6a
	opI32Mul  byte = 0x6c
	opI32And  byte = 0x71
	opF32Mul  byte = 0x94
)

var memoryCopy = []byte{0xfc, 0x0a, 0x00, 0x00}

// guest memory layout
const (
	errDtype  = 16
	errInputs = 64
	heapBase  = 1024
)

var guestData = []struct {
	offset int32
	text   string
}{
	{errDtype, "only float32 tensors are supported\x00"},
	{errInputs, "run takes exactly one input\x00"},
}

type guestFunc struct {
	export  string
	params  []byte
	results []byte
	locals  uint32
	body    [][]byte
}

var doublerFuncs = []guestFunc{
	// bump allocator; free is a no-op
	{
		export:  symAlloc,
		params:  []byte{valI32},
		results: []byte{valI32},
		body: [][]byte{
			globalGet(0), globalGet(0), localGet(0), i32Const(7), op(opI32Add), i32Const(-8),
			op(opI32And), op(opI32Add), globalSet(0),
		},
	},
	{
		export: symFree,
		params: []byte{valI32, valI32},
	},
	{
		export:  engine.SymAPIVersion,
		results: []byte{valI32},
		body: [][]byte{
			i32Const(1),
		},
	},
	{
		export:  engine.SymLastError,
		results: []byte{valI32},
		body: [][]byte{
			globalGet(1),
		},
	},
	// record: dtype, shape ptr, rank, data ptr, byte length
	{
		export:  engine.SymCreateTensor,
		params:  []byte{valI32, valI32, valI32, valI32, valI32, valI32},
		results: []byte{valI32},
		locals:  3,
		body: [][]byte{
			localGet(0), i32Const(1), op(opI32Ne, opIf, blockVoid), i32Const(errDtype), globalSet(1), i32Const(1),
			op(opReturn, opEnd), localGet(2), i32Const(8), op(opI32Mul), call(0), localSet(6),
			localGet(6), localGet(1), localGet(2), i32Const(8), op(opI32Mul), op(memoryCopy...),
			localGet(4), call(0), localSet(7), localGet(7), localGet(3), localGet(4),
			op(memoryCopy...), i32Const(20), call(0), localSet(8), localGet(8), localGet(0),
			i32Store(0), localGet(8), localGet(6), i32Store(4), localGet(8), localGet(2),
			i32Store(8), localGet(8), localGet(7), i32Store(12), localGet(8), localGet(4),
			i32Store(16), localGet(5), localGet(8), i32Store(0), i32Const(0),
		},
	},
	{
		export:  engine.SymTensorInfo,
		params:  []byte{valI32, valI32, valI32, valI32, valI32},
		results: []byte{valI32},
		body: [][]byte{
			localGet(1), localGet(0), i32Load(0), i32Store(0), localGet(4), localGet(0),
			i32Load(8), i32Store(0), localGet(2), localGet(0), i32Load(4), localGet(0),
			i32Load(8), i32Const(8), op(opI32Mul), op(memoryCopy...), i32Const(0),
		},
	},
	{
		export:  engine.SymTensorData,
		params:  []byte{valI32, valI32, valI32},
		results: []byte{valI32},
		body: [][]byte{
			localGet(1), localGet(0), i32Load(12), i32Store(0), localGet(2), localGet(0),
			i32Load(16), i32Store(0), i32Const(0),
		},
	},
	{
		export: engine.SymReleaseTensor,
		params: []byte{valI32},
	},
	{
		export:  engine.SymCreateSession,
		params:  []byte{valI32, valI32, valI32, valI32},
		results: []byte{valI32},
		body: [][]byte{
			localGet(3), i32Const(1), i32Store(0), i32Const(0),
		},
	},
	{
		export: engine.SymReleaseSession,
		params: []byte{valI32},
	},
	// doubles the float32 values of its single input
	{
		export:  engine.SymRun,
		params:  []byte{valI32, valI32, valI32, valI32, valI32, valI32, valI32},
		results: []byte{valI32},
		locals:  4,
		body: [][]byte{
			localGet(3), i32Const(1), op(opI32Ne, opIf, blockVoid), i32Const(errInputs), globalSet(1), i32Const(2),
			op(opReturn, opEnd), localGet(2), i32Load(0), localSet(7), localGet(7), i32Load(16),
			call(0), localSet(8), i32Const(0), localSet(9), op(opBlock, blockVoid, opLoop, blockVoid), localGet(9),
			localGet(7), i32Load(16), op(opI32GeU), brIf(1), localGet(8), localGet(9),
			op(opI32Add), localGet(7), i32Load(12), localGet(9), op(opI32Add), f32Load(0),
			f32Const(2), op(opF32Mul), f32Store(0), localGet(9), i32Const(4), op(opI32Add),
			localSet(9), br(0), op(opEnd, opEnd), i32Const(20), call(0), localSet(10),
			localGet(10), localGet(7), i32Load(0), i32Store(0), localGet(10), localGet(7),
			i32Load(4), i32Store(4), localGet(10), localGet(7), i32Load(8), i32Store(8),
			localGet(10), localGet(8), i32Store(12), localGet(10), localGet(7), i32Load(16),
			i32Store(16), localGet(6), localGet(10), i32Store(0), i32Const(0),
		},
	},
	{
		export:  engine.SymSetSeed,
		params:  []byte{valI64},
		results: []byte{valI32},
		body: [][]byte{
			i32Const(0),
		},
	},

}

func uleb(v uint32) []byte {
	var out []byte
	for {
		b := byte(v & 0x7f)
		v >>= 7
		if v == 0 {
			return append(out, b)
		}
		out = append(out, b|0x80)
	}
}

func sleb(v int32) []byte {
	var out []byte
	x := int64(v)
	for {
		b := byte(x & 0x7f)
		x >>= 7
		if (x == 0 && b&0x40 == 0) || (x == -1 && b&0x40 != 0) {
			return append(out, b)
		}
		out = append(out, b|0x80)
	}
}

func cat(parts ...[]byte) []byte {
	var out []byte
	for _, p := range parts {
		out = append(out, p...)
	}
	return out
}

func vec(items ...[]byte) []byte {
	return cat(append([][]byte{uleb(uint32(len(items)))}, items...)...)
}

func section(id byte, items ...[]byte) []byte {
	payload := vec(items...)
	return cat([]byte{id}, uleb(uint32(len(payload))), payload)
}

func name(s string) []byte { return cat(uleb(uint32(len(s))), []byte(s)) }

func op(b ...byte) []byte { return b }

func i32Const(v int32) []byte { return cat(op(0x41), sleb(v)) }

func f32Const(v float32) []byte {
	return binary.LittleEndian.AppendUint32(op(0x43), math.Float32bits(v))
}

func localGet(i uint32) []byte  { return cat(op(0x20), uleb(i)) }
func localSet(i uint32) []byte  { return cat(op(0x21), uleb(i)) }
func globalGet(i uint32) []byte { return cat(op(0x23), uleb(i)) }
func globalSet(i uint32) []byte { return cat(op(0x24), uleb(i)) }
func call(i uint32) []byte      { return cat(op(0x10), uleb(i)) }
func br(depth uint32) []byte    { return cat(op(0x0c), uleb(depth)) }
func brIf(depth uint32) []byte  { return cat(op(0x0d), uleb(depth)) }

// memory access with 4-byte alignment
func memOp(code byte, offset uint32) []byte { return cat(op(code, 0x02), uleb(offset)) }
func i32Load(offset uint32) []byte          { return memOp(0x28, offset) }
func f32Load(offset uint32) []byte          { return memOp(0x2a, offset) }
func i32Store(offset uint32) []byte         { return memOp(0x36, offset) }
func f32Store(offset uint32) []byte         { return memOp(0x38, offset) }

// guestModule encodes funcs, exported under their names, plus two pages of memory,
// the heap and error globals and the error strings.
func guestModule(funcs []guestFunc) []byte {
	var (
		types   [][]byte
		indices [][]byte
		codes   [][]byte
		exports = [][]byte{cat(name(exportMemory), op(0x02), uleb(0))}
	)
	for i, f := range funcs {
		sig := cat(op(0x60), uleb(uint32(len(f.params))), f.params, uleb(uint32(len(f.results))), f.results)
		idx := slices.IndexFunc(types, func(t []byte) bool { return bytes.Equal(t, sig) })
		if idx < 0 {
			idx = len(types)
			types = append(types, sig)
		}
		indices = append(indices, uleb(uint32(idx)))
		exports = append(exports, cat(name(f.export), op(0x00), uleb(uint32(i))))

		locals := vec()
		if f.locals > 0 {
			locals = vec(cat(uleb(f.locals), op(valI32)))
		}
		body := cat(locals, cat(f.body...), op(opEnd))
		codes = append(codes, cat(uleb(uint32(len(body))), body))
	}
	var data [][]byte
	for _, d := range guestData {
		data = append(data, cat(op(0x00), i32Const(d.offset), op(opEnd), name(d.text)))
	}
	return cat(
		emptyModule,
		section(1, types...),
		section(3, indices...),
		section(5, cat(op(0x00), uleb(2))),
		section(6,
			cat(op(valI32, 0x01), i32Const(heapBase), op(opEnd)),
			cat(op(valI32, 0x01), i32Const(0), op(opEnd))),
		section(7, exports...),
		section(10, codes...),
		section(11, data...),
	)
}

// withBody returns a copy of funcs with export's body replaced.
func withBody(funcs []guestFunc, export string, body ...[]byte) []guestFunc {
	out := slices.Clone(funcs)
	for i := range out {
		if out[i].export == export {
			out[i].body = body
		}
	}
	return out
}
