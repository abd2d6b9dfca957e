package machine

import "github.com/dolthub/swiss"

// A String is an immutable byte sequence with a precomputed hash. Every
// string is interned through the state's pool, so equality of strings is
// pointer identity. Embedded NULs are permitted.
type String struct {
	objHeader
	hash uint32
	b    []byte
}

func (s *String) Len() int       { return len(s.b) }
func (s *String) Bytes() []byte  { return s.b }
func (s *String) String() string { return string(s.b) }
func (s *String) Hash() uint32   { return s.hash }

// stringPool interns strings for a state. It holds weak references: the
// collector removes an entry when it frees the string.
type stringPool struct {
	m *swiss.Map[string, *String]
}

func newStringPool() *stringPool {
	return &stringPool{m: swiss.NewMap[string, *String](64)}
}

// intern returns the canonical String for the byte sequence, creating and
// registering it on first use.
func (s *State) intern(b []byte) *String {
	if str, ok := s.pool.m.Get(string(b)); ok {
		return str
	}
	str := &String{
		hash: hashBytes(b),
		b:    append([]byte(nil), b...),
	}
	s.allocObject(str, sizeString+len(b))
	s.pool.m.Put(string(str.b), str)
	return str
}

func (s *State) internString(str string) *String { return s.intern([]byte(str)) }

// unlink removes a freed string from the pool.
func (p *stringPool) unlink(str *String) {
	p.m.Delete(string(str.b))
}

// hashBytes is the FNV-1a hash of the byte sequence.
func hashBytes(b []byte) uint32 {
	const (
		offset32 = 2166136261
		prime32  = 16777619
	)
	h := uint32(offset32)
	for _, c := range b {
		h ^= uint32(c)
		h *= prime32
	}
	return h
}
