package machine

// The collector is a tri-color incremental mark-and-sweep layered with a
// young-object fast path. Objects are white (unexamined or unreachable),
// grey (reachable, children unscanned) or black (reachable, scanned). A
// write barrier re-greys black parents that receive a white child while a
// cycle is in progress, and collection steps interleave only at allocation
// sites. The refCount field on objects is a fast "definitely live" shortcut
// for the young sweep; tracing remains authoritative, so cyclic structures
// are reclaimed by full cycles.

type gcPhase uint8

const (
	gcPaused gcPhase = iota
	gcYoung          // scanning roots for the young sweep
	gcStart          // marking roots grey for a full cycle
	gcPropagate
	gcFinish
)

const (
	defaultGCPause   = 200 // percent: threshold doubles after a cycle
	defaultGCStepMul = 200
	minGCThreshold   = 16 * 1024
	greysPerStepUnit = 8
)

type gcState struct {
	phase gcPhase

	all   Object // global object list
	grey  Object // grey list head, linked through greyNext
	young []Object

	totalBytes int
	threshold  int

	pause    int
	stepMul  int
	disabled int // collection held off while > 0
}

func (g *gcState) init(pause, stepMul int) {
	g.phase = gcPaused
	g.pause = pause
	g.stepMul = stepMul
	g.threshold = minGCThreshold
}

func (g *gcState) disable() { g.disabled++ }
func (g *gcState) enable()  { g.disabled-- }

// register links a freshly allocated object. Allocation color follows the
// phase: white (and young) while the collector is paused or sweeping, black
// during Finish so the new object survives the imminent sweep. Any pending
// collection step runs before the object is linked, so a newborn object is
// never swept out from under its creator.
func (g *gcState) register(s *State, obj Object) {
	if g.disabled == 0 && g.totalBytes > g.threshold {
		g.step(s)
	}

	h := obj.header()
	h.allNext = g.all
	if g.all != nil {
		g.all.header().allPrev = obj
	}
	g.all = obj

	switch g.phase {
	case gcFinish:
		h.color = colorBlack
	default:
		h.color = colorWhite
		h.young = true
		g.young = append(g.young, obj)
	}
	g.totalBytes += h.size
}

// step runs a single increment of the collector.
func (g *gcState) step(s *State) {
	switch g.phase {
	case gcPaused:
		g.phase = gcYoung
		g.youngCollect(s)
		if g.totalBytes > g.threshold {
			g.phase = gcStart
			g.startCycle(s)
			g.phase = gcPropagate
			return
		}
		g.phase = gcPaused

	case gcPropagate:
		budget := greysPerStepUnit * g.stepMul / 100
		if budget < 1 {
			budget = 1
		}
		for i := 0; i < budget && g.grey != nil; i++ {
			g.blacken(s, g.popGrey())
		}
		if g.grey == nil {
			g.phase = gcFinish
		}

	case gcFinish:
		g.finishCycle(s)
	}
}

// fullCollect runs a complete cycle to the Paused state.
func (g *gcState) fullCollect(s *State) {
	if g.phase == gcPaused {
		g.phase = gcStart
		g.startCycle(s)
		g.phase = gcPropagate
	}
	for g.grey != nil {
		g.blacken(s, g.popGrey())
	}
	g.phase = gcFinish
	g.finishCycle(s)
}

// youngCollect scans only the root values, marking the young objects they
// hit with a one-shot generation counter, then sweeps the young list:
// objects with a zero counter and a zero refcount are freed, everything
// else leaves the list.
func (g *gcState) youngCollect(s *State) {
	s.forEachRootValue(func(v Value) {
		if v.obj != nil {
			h := v.obj.header()
			if h.young {
				h.gen = 1
			}
		}
	})
	s.forEachRootObject(func(o Object) {
		h := o.header()
		if h.young {
			h.gen = 1
		}
	})

	for _, obj := range g.young {
		h := obj.header()
		h.young = false
		if h.gen == 0 && h.refCount == 0 {
			g.free(s, obj)
		}
		h.gen = 0
	}
	g.young = g.young[:0]
}

// startCycle resets the young list and marks all roots grey.
func (g *gcState) startCycle(s *State) {
	for _, obj := range g.young {
		obj.header().young = false
	}
	g.young = g.young[:0]
	g.markRoots(s)
}

// finishCycle re-marks the roots and the prototype string constants to
// catch anything written since the initial marking, drains the grey list,
// then sweeps: every white object is freed, every survivor re-whitened, and
// the threshold raised.
func (g *gcState) finishCycle(s *State) {
	g.markRoots(s)
	for obj := g.all; obj != nil; obj = obj.header().allNext {
		if p, ok := obj.(*Proto); ok && p.color != colorWhite {
			for _, v := range p.constants {
				g.markValue(v)
			}
		}
	}
	for g.grey != nil {
		g.blacken(s, g.popGrey())
	}
	g.sweep(s)

	g.phase = gcPaused
	g.threshold = g.totalBytes * g.pause / 100
	if g.threshold < minGCThreshold {
		g.threshold = minGCThreshold
	}
}

func (g *gcState) markRoots(s *State) {
	s.forEachRootValue(g.markValue)
	s.forEachRootObject(g.markObject)
}

func (g *gcState) sweep(s *State) {
	obj := g.all
	for obj != nil {
		h := obj.header()
		next := h.allNext
		if h.color == colorWhite {
			g.free(s, obj)
		} else {
			h.color = colorWhite
		}
		obj = next
	}
}

// free unlinks an unreachable object; a freed string is removed from the
// intern pool.
func (g *gcState) free(s *State, obj Object) {
	h := obj.header()
	if h.allPrev != nil {
		h.allPrev.header().allNext = h.allNext
	} else if g.all == obj {
		g.all = h.allNext
	}
	if h.allNext != nil {
		h.allNext.header().allPrev = h.allPrev
	}
	h.allNext, h.allPrev = nil, nil
	g.totalBytes -= h.size

	if str, ok := obj.(*String); ok {
		s.pool.unlink(str)
	}
}

// freeAll releases every object; used by state teardown.
func (g *gcState) freeAll(s *State) {
	obj := g.all
	for obj != nil {
		h := obj.header()
		next := h.allNext
		h.allNext, h.allPrev = nil, nil
		if str, ok := obj.(*String); ok {
			s.pool.unlink(str)
		}
		obj = next
	}
	g.all = nil
	g.grey = nil
	g.young = g.young[:0]
	g.totalBytes = 0
}

func (g *gcState) popGrey() Object {
	obj := g.grey
	g.grey = obj.header().greyNext
	obj.header().greyNext = nil
	return obj
}

func (g *gcState) pushGrey(obj Object) {
	h := obj.header()
	h.color = colorGrey
	h.greyNext = g.grey
	g.grey = obj
}

func (g *gcState) markValue(v Value) {
	if v.obj != nil {
		g.markObject(v.obj)
	}
}

func (g *gcState) markObject(obj Object) {
	if obj.header().color == colorWhite {
		g.pushGrey(obj)
	}
}

// blacken scans the children of a grey object and turns it black.
func (g *gcState) blacken(s *State, obj Object) {
	h := obj.header()
	h.color = colorBlack

	switch o := obj.(type) {
	case *String:
		// no children

	case *Table:
		for _, v := range o.array {
			g.markValue(v)
		}
		for i := range o.nodes {
			n := &o.nodes[i]
			// dead nodes still mark their key, for iteration safety
			g.markValue(n.key)
			if !n.dead {
				g.markValue(n.val)
			}
		}
		if o.meta != nil {
			g.markObject(o.meta)
		}

	case *Closure:
		if o.env != nil {
			g.markObject(o.env)
		}
		if o.proto != nil {
			g.markObject(o.proto)
		}
		for _, uv := range o.upvals {
			g.markObject(uv)
		}
		for _, v := range o.captured {
			g.markValue(v)
		}

	case *Proto:
		for _, v := range o.constants {
			g.markValue(v)
		}
		for _, sub := range o.protos {
			g.markObject(sub)
		}
		if o.source != nil {
			g.markObject(o.source)
		}

	case *UpValue:
		g.markValue(o.get(s))

	case *UserData:
		if o.meta != nil {
			g.markObject(o.meta)
		}
		if o.env != nil {
			g.markObject(o.env)
		}
	}
}

// barrier re-greys a black parent that received a reference to a white
// child while a cycle is in progress, so the child is visited before the
// sweep.
func (g *gcState) barrier(parent, child Object) {
	if g.phase != gcPropagate && g.phase != gcFinish {
		return
	}
	if parent.header().color == colorBlack && child.header().color == colorWhite {
		g.pushGrey(parent)
	}
}

func (g *gcState) barrierValue(parent Object, v Value) {
	if v.obj != nil {
		g.barrier(parent, v.obj)
	}
}

// ---- root enumeration ----

// stackRoof returns the highest stack slot in use by any frame or host
// push.
func (s *State) stackRoof() int {
	roof := s.top
	for i := range s.frames {
		fr := &s.frames[i]
		if fr.closure != nil && fr.closure.proto != nil {
			if end := fr.base + fr.closure.proto.fn.MaxStackSize; end > roof {
				roof = end
			}
		}
	}
	return roof
}

func (s *State) forEachRootValue(fn func(Value)) {
	roof := s.stackRoof()
	for i := 0; i < roof; i++ {
		fn(s.stack[i])
	}
	for uv := s.openUpVals; uv != nil; uv = uv.next {
		fn(uv.closed)
	}
}

func (s *State) forEachRootObject(fn func(Object)) {
	if s.globals != nil {
		fn(s.globals)
	}
	if s.registry != nil {
		fn(s.registry)
	}
	for _, mt := range s.typeMeta {
		if mt != nil {
			fn(mt)
		}
	}
	for _, str := range s.tmNames {
		if str != nil {
			fn(str)
		}
	}
	for i := range s.frames {
		if c := s.frames[i].closure; c != nil {
			fn(c)
		}
	}
	for uv := s.openUpVals; uv != nil; uv = uv.next {
		fn(uv)
	}
}

// ---- host-facing collector controls ----

// GCCollect runs a full collection cycle.
func (s *State) GCCollect() { s.gc.fullCollect(s) }

// GCStep runs a single collector increment.
func (s *State) GCStep() { s.gc.step(s) }

// GCStop holds off automatic collection until GCRestart.
func (s *State) GCStop() { s.gc.disable() }

// GCRestart re-enables automatic collection.
func (s *State) GCRestart() { s.gc.enable() }

// GCCount returns the logical heap size in kilobytes and the remainder in
// bytes.
func (s *State) GCCount() (kb, bytes int) {
	return s.gc.totalBytes / 1024, s.gc.totalBytes % 1024
}

// GCSetPause sets the collector pause percentage and returns the previous
// value.
func (s *State) GCSetPause(pause int) int {
	old := s.gc.pause
	if pause > 0 {
		s.gc.pause = pause
	}
	return old
}

// GCSetStepMul sets the collector step multiplier and returns the previous
// value.
func (s *State) GCSetStepMul(mul int) int {
	old := s.gc.stepMul
	if mul > 0 {
		s.gc.stepMul = mul
	}
	return old
}
