package compiler

import (
	"bufio"
	"bytes"
	"encoding/binary"
	"errors"
	"fmt"
	"io"
	"math"
)

// Binary chunk layout: a fixed header followed by the recursive prototype
// encoding. The header records the sizes of the primitive types so that a
// loader can reject chunks from an incompatible build.
//
//	\033Lua | version | format | endianness | sizeof(int) | sizeof(size_t) |
//	sizeof(Instruction) | sizeof(number) | integral flag

// Signature is the 4-byte mark that identifies a precompiled chunk.
const Signature = "\033Lua"

const (
	headerFormat     = 0
	headerEndianness = 1 // little endian
	headerIntSize    = 4
	headerSizeTSize  = 8
	headerInstSize   = 4
	headerNumberSize = 8
	headerIntegral   = 0
)

const (
	constTagNil    = 0
	constTagBool   = 1
	constTagNumber = 3
	constTagString = 4
)

// IsBinaryChunk returns true if the buffer starts with the precompiled chunk
// signature.
func IsBinaryChunk(b []byte) bool {
	return len(b) >= len(Signature) && string(b[:len(Signature)]) == Signature
}

// Dump serializes a compiled prototype through the writer. The inverse of
// Undump.
func Dump(p *Prototype, w io.Writer) error {
	bw := bufio.NewWriter(w)
	e := &encoder{w: bw}
	e.bytes([]byte(Signature))
	e.byte(Version)
	e.byte(headerFormat)
	e.byte(headerEndianness)
	e.byte(headerIntSize)
	e.byte(headerSizeTSize)
	e.byte(headerInstSize)
	e.byte(headerNumberSize)
	e.byte(headerIntegral)
	e.function(p)
	if e.err != nil {
		return e.err
	}
	return bw.Flush()
}

// Undump deserializes a precompiled chunk, validating the header.
func Undump(b []byte) (*Prototype, error) {
	d := &decoder{r: bytes.NewReader(b)}
	if err := d.header(); err != nil {
		return nil, err
	}
	p := d.function()
	if d.err != nil {
		return nil, fmt.Errorf("bad binary chunk: %w", d.err)
	}
	return p, nil
}

type encoder struct {
	w   io.Writer
	err error
}

func (e *encoder) bytes(b []byte) {
	if e.err == nil {
		_, e.err = e.w.Write(b)
	}
}

func (e *encoder) byte(b byte) { e.bytes([]byte{b}) }

func (e *encoder) int32(v int32) {
	if e.err == nil {
		e.err = binary.Write(e.w, binary.LittleEndian, v)
	}
}

func (e *encoder) uint32(v uint32) {
	if e.err == nil {
		e.err = binary.Write(e.w, binary.LittleEndian, v)
	}
}

func (e *encoder) number(v float64) {
	if e.err == nil {
		e.err = binary.Write(e.w, binary.LittleEndian, math.Float64bits(v))
	}
}

func (e *encoder) string(s string) {
	if e.err == nil {
		e.err = binary.Write(e.w, binary.LittleEndian, uint64(len(s)))
	}
	e.bytes([]byte(s))
}

func (e *encoder) function(p *Prototype) {
	e.string(p.Source)
	e.int32(int32(p.LineDefined))
	e.int32(int32(p.LastLineDefined))
	e.byte(byte(len(p.UpValues)))
	e.byte(byte(p.NumParams))
	if p.HasVarArg {
		e.byte(1)
	} else {
		e.byte(0)
	}
	e.byte(byte(p.MaxStackSize))

	e.int32(int32(len(p.Code)))
	for _, inst := range p.Code {
		e.uint32(uint32(inst))
	}

	e.int32(int32(len(p.Constants)))
	for _, c := range p.Constants {
		switch c := c.(type) {
		case nil:
			e.byte(constTagNil)
		case bool:
			e.byte(constTagBool)
			if c {
				e.byte(1)
			} else {
				e.byte(0)
			}
		case float64:
			e.byte(constTagNumber)
			e.number(c)
		case string:
			e.byte(constTagString)
			e.string(c)
		default:
			e.err = fmt.Errorf("cannot dump constant of type %T", c)
			return
		}
	}

	e.int32(int32(len(p.Prototypes)))
	for _, sub := range p.Prototypes {
		e.function(sub)
	}

	// debug information
	e.int32(int32(len(p.Lines)))
	for _, ln := range p.Lines {
		e.int32(ln)
	}
	e.int32(int32(len(p.Locals)))
	for _, name := range p.Locals {
		e.string(name)
	}
	e.int32(int32(len(p.UpValues)))
	for _, name := range p.UpValues {
		e.string(name)
	}
}

type decoder struct {
	r   *bytes.Reader
	err error
}

func (d *decoder) header() error {
	sig := make([]byte, len(Signature))
	if _, err := io.ReadFull(d.r, sig); err != nil || string(sig) != Signature {
		return errors.New("not a precompiled chunk")
	}
	h := make([]byte, 8)
	if _, err := io.ReadFull(d.r, h); err != nil {
		return errors.New("truncated chunk header")
	}
	if h[0] != Version {
		return fmt.Errorf("version mismatch in precompiled chunk: %#x", h[0])
	}
	want := [...]byte{headerFormat, headerEndianness, headerIntSize,
		headerSizeTSize, headerInstSize, headerNumberSize, headerIntegral}
	for i, b := range want {
		if h[i+1] != b {
			return errors.New("incompatible precompiled chunk")
		}
	}
	return nil
}

func (d *decoder) byte() byte {
	if d.err != nil {
		return 0
	}
	b, err := d.r.ReadByte()
	if err != nil {
		d.err = err
		return 0
	}
	return b
}

func (d *decoder) int32() int32 {
	var v int32
	if d.err == nil {
		d.err = binary.Read(d.r, binary.LittleEndian, &v)
	}
	return v
}

func (d *decoder) uint32() uint32 {
	var v uint32
	if d.err == nil {
		d.err = binary.Read(d.r, binary.LittleEndian, &v)
	}
	return v
}

func (d *decoder) number() float64 {
	var v uint64
	if d.err == nil {
		d.err = binary.Read(d.r, binary.LittleEndian, &v)
	}
	return math.Float64frombits(v)
}

func (d *decoder) count() int {
	n := d.int32()
	if n < 0 {
		d.err = errors.New("negative count")
		return 0
	}
	if int64(n) > int64(d.r.Len()) {
		d.err = errors.New("count larger than remaining input")
		return 0
	}
	return int(n)
}

func (d *decoder) string() string {
	var n uint64
	if d.err == nil {
		d.err = binary.Read(d.r, binary.LittleEndian, &n)
	}
	if d.err != nil {
		return ""
	}
	if n > uint64(d.r.Len()) {
		d.err = errors.New("string length larger than remaining input")
		return ""
	}
	b := make([]byte, n)
	if _, err := io.ReadFull(d.r, b); err != nil {
		d.err = err
		return ""
	}
	return string(b)
}

func (d *decoder) function() *Prototype {
	p := &Prototype{}
	p.Source = d.string()
	p.LineDefined = int(d.int32())
	p.LastLineDefined = int(d.int32())
	nups := int(d.byte())
	p.NumParams = int(d.byte())
	p.HasVarArg = d.byte() != 0
	p.MaxStackSize = int(d.byte())

	ncode := d.count()
	for i := 0; i < ncode && d.err == nil; i++ {
		p.Code = append(p.Code, Instruction(d.uint32()))
	}

	nconst := d.count()
	for i := 0; i < nconst && d.err == nil; i++ {
		switch tag := d.byte(); tag {
		case constTagNil:
			p.Constants = append(p.Constants, nil)
		case constTagBool:
			p.Constants = append(p.Constants, d.byte() != 0)
		case constTagNumber:
			p.Constants = append(p.Constants, d.number())
		case constTagString:
			p.Constants = append(p.Constants, d.string())
		default:
			d.err = fmt.Errorf("invalid constant tag %d", tag)
		}
	}

	nproto := d.count()
	for i := 0; i < nproto && d.err == nil; i++ {
		p.Prototypes = append(p.Prototypes, d.function())
	}

	nlines := d.count()
	for i := 0; i < nlines && d.err == nil; i++ {
		p.Lines = append(p.Lines, d.int32())
	}
	nlocals := d.count()
	for i := 0; i < nlocals && d.err == nil; i++ {
		p.Locals = append(p.Locals, d.string())
	}
	nupnames := d.count()
	for i := 0; i < nupnames && d.err == nil; i++ {
		p.UpValues = append(p.UpValues, d.string())
	}
	if d.err == nil && nupnames != nups {
		d.err = errors.New("upvalue name count mismatch")
	}
	return p
}
