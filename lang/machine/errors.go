package machine

import "fmt"

// A Status is the outcome code of loading or running a chunk.
type Status int

const (
	StatusOK           Status = 0
	StatusYield        Status = 1 // reserved, never produced
	StatusRuntimeError Status = 2
	StatusSyntaxError  Status = 3
	StatusMemoryError  Status = 4
	StatusErrorError   Status = 5 // error while running the error handler
)

func (st Status) String() string {
	switch st {
	case StatusOK:
		return "ok"
	case StatusYield:
		return "yield"
	case StatusRuntimeError:
		return "runtime error"
	case StatusSyntaxError:
		return "syntax error"
	case StatusMemoryError:
		return "not enough memory"
	case StatusErrorError:
		return "error in error handling"
	}
	return fmt.Sprintf("status(%d)", int(st))
}

// An Error is a raised language error: the error value (often a string with
// a chunk:line: prefix) and the status code it unwound with.
type Error struct {
	Value  Value
	Status Status
}

func (e *Error) Error() string {
	if e.Value.IsString() {
		return e.Value.Str().String()
	}
	return fmt.Sprintf("(error value is a %s)", e.Value.TypeName())
}

// raise unwinds to the closest protected call with the given error value.
// An unprotected error is reported by the protected-call machinery.
func (s *State) raise(v Value, status Status) {
	panic(&Error{Value: v, Status: status})
}

// RuntimeError raises a runtime error with the chunk:line: context of the
// currently executing function prepended to the formatted message.
func (s *State) RuntimeError(format string, args ...interface{}) {
	msg := fmt.Sprintf(format, args...)
	if where := s.Where(); where != "" {
		msg = where + msg
	}
	s.raise(stringValue(s.internString(msg)), StatusRuntimeError)
}

// Where returns the chunk:line: position of the instruction being executed
// in the innermost scripted frame, or an empty string.
func (s *State) Where() string {
	for i := len(s.frames) - 1; i >= 0; i-- {
		fr := &s.frames[i]
		if fr.closure != nil && fr.closure.proto != nil {
			p := fr.closure.proto.fn
			return fmt.Sprintf("%s:%d: ", p.Source, p.Line(fr.ip-1))
		}
	}
	return ""
}

// TypeError raises the canonical "attempt to <op> a <type> value" error.
func (s *State) TypeError(op string, v Value) {
	s.RuntimeError("attempt to %s a %s value", op, v.TypeName())
}
