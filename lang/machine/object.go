package machine

// A color classifies an object during collection: white objects are
// unexamined or unreachable, grey objects are reachable with unscanned
// children, black objects are fully scanned.
type color uint8

const (
	colorWhite color = iota
	colorGrey
	colorBlack
)

// An Object is a collectable heap object: *String, *Table, *Closure, *Proto,
// *UpValue or *UserData.
type Object interface {
	header() *objHeader
}

// objHeader is embedded at the start of every collectable object. The
// refCount field is a fast "definitely live" shortcut used only by the young
// collector sweep; it is not authoritative and tracing remains the source of
// truth for cycles.
type objHeader struct {
	color    color
	young    bool  // currently a member of the young list
	gen      uint8 // one-shot marker set when a root hits a young object
	refCount int32
	id       uint32 // allocation sequence number, used as the hash of reference keys
	size     int    // logical byte size, for allocation accounting

	allNext  Object // next object in the global list
	allPrev  Object
	greyNext Object // next grey object during propagation
}

func (h *objHeader) header() *objHeader { return h }

// approximate logical sizes per object kind, used by the byte accounting
// that drives collection thresholds
const (
	sizeString   = 40
	sizeTable    = 96
	sizeClosure  = 64
	sizeProto    = 160
	sizeUpValue  = 32
	sizeUserData = 48
)

func (h *objHeader) addRef() { h.refCount++ }
func (h *objHeader) release() {
	if h.refCount > 0 {
		h.refCount--
	}
}

// addValueRef and releaseValueRef adjust the refcount hint when a container
// takes or drops ownership of a value.
func addValueRef(v Value) {
	if v.obj != nil {
		v.obj.header().addRef()
	}
}

func releaseValueRef(v Value) {
	if v.obj != nil {
		v.obj.header().release()
	}
}
