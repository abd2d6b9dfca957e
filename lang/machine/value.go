// Package machine implements the runtime: the tagged value model, the string
// pool, tables with metatables, closures and upvalues, the incremental
// garbage collector, the register-based virtual machine and the host
// embedding API.
package machine

// A Tag identifies the variant stored in a Value.
type Tag uint8

const (
	TagNil Tag = iota
	TagBoolean
	TagNumber
	TagLightUserData
	TagString
	TagTable
	TagFunction
	TagUserData
	TagThread // reserved, never constructed
	numTags
)

var tagNames = [...]string{
	TagNil:           "nil",
	TagBoolean:       "boolean",
	TagNumber:        "number",
	TagLightUserData: "userdata",
	TagString:        "string",
	TagTable:         "table",
	TagFunction:      "function",
	TagUserData:      "userdata",
	TagThread:        "thread",
}

// A Value is the uniform tagged value manipulated by the machine: nil, a
// boolean, an IEEE-754 double, an opaque host pointer, or a reference to a
// heap object (string, table, function, userdata). Equality of reference
// values is pointer identity; strings are interned so byte-equal strings
// share one object.
type Value struct {
	tag Tag
	num float64     // number payload; 0 or 1 for booleans
	obj Object      // heap object for reference tags
	lud interface{} // light userdata payload
}

// Nil is the nil value.
var Nil = Value{}

var (
	True  = Value{tag: TagBoolean, num: 1}
	False = Value{tag: TagBoolean}
)

func Number(n float64) Value            { return Value{tag: TagNumber, num: n} }
func Boolean(b bool) Value              { return Value{tag: TagBoolean, num: b2f(b)} }
func LightUserData(p interface{}) Value { return Value{tag: TagLightUserData, lud: p} }

func b2f(b bool) float64 {
	if b {
		return 1
	}
	return 0
}

func stringValue(s *String) Value     { return Value{tag: TagString, obj: s} }
func tableValue(t *Table) Value       { return Value{tag: TagTable, obj: t} }
func closureValue(c *Closure) Value   { return Value{tag: TagFunction, obj: c} }
func userDataValue(u *UserData) Value { return Value{tag: TagUserData, obj: u} }

func (v Value) Tag() Tag { return v.tag }

// TypeName returns the language-level name of the value's type: one of nil,
// boolean, number, string, table, function, userdata or thread.
func (v Value) TypeName() string { return tagNames[v.tag] }

func (v Value) IsNil() bool      { return v.tag == TagNil }
func (v Value) IsBoolean() bool  { return v.tag == TagBoolean }
func (v Value) IsNumber() bool   { return v.tag == TagNumber }
func (v Value) IsString() bool   { return v.tag == TagString }
func (v Value) IsTable() bool    { return v.tag == TagTable }
func (v Value) IsFunction() bool { return v.tag == TagFunction }

// IsObject returns true if the value references a collectable heap object.
func (v Value) IsObject() bool { return v.obj != nil }

func (v Value) Bool() bool           { return v.num != 0 }
func (v Value) Num() float64         { return v.num }
func (v Value) Str() *String         { return v.obj.(*String) }
func (v Value) Table() *Table        { return v.obj.(*Table) }
func (v Value) Closure() *Closure    { return v.obj.(*Closure) }
func (v Value) UserData() *UserData  { return v.obj.(*UserData) }
func (v Value) LightUD() interface{} { return v.lud }

// Truth returns the boolean interpretation of the value: everything is true
// except nil and false.
func (v Value) Truth() bool {
	return !(v.tag == TagNil || (v.tag == TagBoolean && v.num == 0))
}

// Equals implements raw (metamethod-free) equality: numeric equality for
// numbers, pointer identity for reference types, false for mismatched tags.
func (v Value) Equals(w Value) bool {
	if v.tag != w.tag {
		return false
	}
	switch v.tag {
	case TagNil:
		return true
	case TagBoolean, TagNumber:
		return v.num == w.num
	case TagLightUserData:
		return v.lud == w.lud
	}
	return v.obj == w.obj
}
