package machine

import "github.com/mna/lunes/lang/compiler"

// A GoFunc is a host function callable from the language. It receives its
// arguments on the state's stack and returns the number of results it pushed.
type GoFunc func(s *State) int

// A Closure is a callable value: either a host function with an array of
// captured values, or a compiled prototype with its resolved upvalues. Both
// carry an environment table used for global accesses.
type Closure struct {
	objHeader
	proto    *Proto // nil for host closures
	goFn     GoFunc
	upvals   []*UpValue // scripted closures
	captured []Value    // host closures
	env      *Table
}

// IsGo returns true for host closures.
func (c *Closure) IsGo() bool { return c.proto == nil }

// Proto returns the compiled prototype of a scripted closure, nil for host
// closures.
func (c *Closure) Proto() *Proto { return c.proto }

// NumUpValues returns the number of upvalues (scripted) or captured values
// (host).
func (c *Closure) NumUpValues() int {
	if c.proto != nil {
		return len(c.upvals)
	}
	return len(c.captured)
}

// Env returns the closure's environment table.
func (c *Closure) Env() *Table { return c.env }

func (c *Closure) setEnv(s *State, env *Table) {
	if c.env != nil {
		c.env.release()
	}
	c.env = env
	if env != nil {
		env.addRef()
		s.gc.barrier(c, env)
	}
}

// newGoClosure creates a host closure with n captured values popped by the
// caller.
func (s *State) newGoClosure(fn GoFunc, captured []Value, env *Table) *Closure {
	c := &Closure{goFn: fn, captured: captured, env: env}
	if env != nil {
		env.addRef()
	}
	for _, v := range captured {
		addValueRef(v)
	}
	s.allocObject(c, sizeClosure+len(captured)*16)
	return c
}

func (s *State) newClosure(proto *Proto, env *Table, upvals []*UpValue) *Closure {
	c := &Closure{proto: proto, upvals: upvals, env: env}
	proto.addRef()
	if env != nil {
		env.addRef()
	}
	for _, uv := range upvals {
		uv.addRef()
	}
	s.allocObject(c, sizeClosure+len(upvals)*8)
	return c
}

// A Proto pairs a compiled prototype with its constants materialized as
// runtime values (strings interned through the state's pool) and its nested
// prototypes converted the same way. It is stateless and shareable between
// closures.
type Proto struct {
	objHeader
	fn        *compiler.Prototype
	constants []Value
	protos    []*Proto
	source    *String
}

// Prototype returns the compiled form this Proto wraps.
func (p *Proto) Prototype() *compiler.Prototype { return p.fn }

// NumUpValues returns the number of upvalues declared by the prototype.
func (p *Proto) NumUpValues() int { return len(p.fn.UpValues) }

// newProto converts a compiled prototype (and its nested prototypes) into
// runtime form. Collection steps are held off during the conversion so that
// partially referenced children cannot be reclaimed before the root proto
// becomes reachable.
func (s *State) newProto(cp *compiler.Prototype) *Proto {
	s.gc.disable()
	defer s.gc.enable()
	return s.convertProto(cp)
}

func (s *State) convertProto(cp *compiler.Prototype) *Proto {
	p := &Proto{fn: cp, source: s.internString(cp.Source)}
	p.source.addRef()
	p.constants = make([]Value, len(cp.Constants))
	for i, c := range cp.Constants {
		var v Value
		switch c := c.(type) {
		case nil:
			v = Nil
		case bool:
			v = Boolean(c)
		case float64:
			v = Number(c)
		case string:
			v = stringValue(s.internString(c))
		}
		addValueRef(v)
		p.constants[i] = v
	}
	p.protos = make([]*Proto, len(cp.Prototypes))
	for i, sub := range cp.Prototypes {
		p.protos[i] = s.convertProto(sub)
		p.protos[i].addRef()
	}
	s.allocObject(p, sizeProto+len(cp.Code)*4+len(cp.Constants)*16)
	return p
}

// A UserData is a host-defined heap object with an optional metatable and
// environment table.
type UserData struct {
	objHeader
	data interface{}
	meta *Table
	env  *Table
}

// NewUserData creates a userdata wrapping the host value.
func (s *State) NewUserData(data interface{}) *UserData {
	u := &UserData{data: data}
	s.allocObject(u, sizeUserData)
	return u
}

// Data returns the wrapped host value.
func (u *UserData) Data() interface{} { return u.data }

// Metatable returns the userdata's metatable, or nil.
func (u *UserData) Metatable() *Table { return u.meta }

// SetMetatable sets the userdata's metatable.
func (u *UserData) SetMetatable(s *State, meta *Table) {
	if u.meta != nil {
		u.meta.release()
	}
	u.meta = meta
	if meta != nil {
		meta.addRef()
		s.gc.barrier(u, meta)
	}
}
