// Package stdlib provides the standard library modules, implemented on top
// of the host embedding API and the value model only.
package stdlib

import (
	"strconv"
	"strings"

	"github.com/mna/lunes/lang/machine"
)

// OpenBase registers the base library functions as globals and sets _G.
func OpenBase(s *machine.State) {
	s.Register("print", basePrint)
	s.Register("type", baseType)
	s.Register("tostring", baseToString)
	s.Register("tonumber", baseToNumber)
	s.Register("next", baseNext)
	s.Register("pairs", basePairs)
	s.Register("ipairs", baseIPairs)
	s.Register("select", baseSelect)
	s.Register("unpack", baseUnpack)
	s.Register("rawget", baseRawGet)
	s.Register("rawset", baseRawSet)
	s.Register("rawequal", baseRawEqual)
	s.Register("setmetatable", baseSetMetatable)
	s.Register("getmetatable", baseGetMetatable)
	s.Register("pcall", basePCall)
	s.Register("error", baseError)
	s.Register("assert", baseAssert)
	s.Register("loadstring", baseLoadString)
	s.Register("collectgarbage", baseCollectGarbage)

	s.PushValue(machine.GlobalsIndex)
	s.SetGlobal("_G")
}

func argError(s *machine.State, n int, msg string) {
	s.RuntimeError("bad argument #%d (%s)", n, msg)
}

func checkTable(s *machine.State, n int) {
	if !s.IsTable(n) {
		argError(s, n, "table expected, got "+s.Type(n))
	}
}

func checkAny(s *machine.State, n int) {
	if s.GetTop() < n {
		argError(s, n, "value expected")
	}
}

func optInt(s *machine.State, n, def int) int {
	if s.GetTop() < n || s.IsNil(n) {
		return def
	}
	if !s.IsNumber(n) {
		argError(s, n, "number expected, got "+s.Type(n))
	}
	return s.ToInteger(n)
}

func basePrint(s *machine.State) int {
	n := s.GetTop()
	out := s.Stdout()
	for i := 1; i <= n; i++ {
		if i > 1 {
			out.Write([]byte{'\t'}) //nolint:errcheck
		}
		out.Write([]byte(s.DisplayString(i))) //nolint:errcheck
	}
	out.Write([]byte{'\n'}) //nolint:errcheck
	return 0
}

func baseType(s *machine.State) int {
	checkAny(s, 1)
	s.PushString(s.Type(1))
	return 1
}

func baseToString(s *machine.State) int {
	checkAny(s, 1)
	s.PushString(s.DisplayString(1))
	return 1
}

func baseToNumber(s *machine.State) int {
	if s.GetTop() >= 2 && !s.IsNil(2) {
		base := s.ToInteger(2)
		if base < 2 || base > 36 {
			argError(s, 2, "base out of range")
		}
		str, ok := s.ToString(1)
		if !ok {
			argError(s, 1, "string expected, got "+s.Type(1))
		}
		u, err := strconv.ParseUint(strings.TrimSpace(str), base, 64)
		if err != nil {
			s.PushNil()
			return 1
		}
		s.PushNumber(float64(u))
		return 1
	}

	v := s.ValueAt(1)
	if n, ok := machine.ToNumberValue(v); ok {
		s.PushNumber(n)
	} else {
		s.PushNil()
	}
	return 1
}

func baseNext(s *machine.State) int {
	checkTable(s, 1)
	s.SetTop(2)
	if s.Next(1) {
		return 2
	}
	s.PushNil()
	return 1
}

func basePairs(s *machine.State) int {
	checkTable(s, 1)
	s.PushGoFunction(baseNext)
	s.PushValue(1)
	s.PushNil()
	return 3
}

func baseIPairs(s *machine.State) int {
	checkTable(s, 1)
	s.PushGoFunction(ipairsIter)
	s.PushValue(1)
	s.PushNumber(0)
	return 3
}

func ipairsIter(s *machine.State) int {
	checkTable(s, 1)
	i := s.ToInteger(2) + 1
	s.PushNumber(float64(i))
	s.RawGetI(1, i)
	if s.IsNil(-1) {
		return 0
	}
	return 2
}

func baseSelect(s *machine.State) int {
	n := s.GetTop()
	if str, ok := s.ToString(1); ok && str == "#" {
		s.PushNumber(float64(n - 1))
		return 1
	}
	i := s.ToInteger(1)
	if i < 0 {
		i = n + i
	}
	if i < 1 {
		argError(s, 1, "index out of range")
	}
	if i >= n {
		return 0
	}
	return n - i
}

func baseUnpack(s *machine.State) int {
	checkTable(s, 1)
	i := optInt(s, 2, 1)
	j := optInt(s, 3, s.ObjLen(1))
	n := j - i + 1
	if n <= 0 {
		return 0
	}
	for k := i; k <= j; k++ {
		s.RawGetI(1, k)
	}
	return n
}

func baseRawGet(s *machine.State) int {
	checkTable(s, 1)
	checkAny(s, 2)
	s.SetTop(2)
	s.RawGet(1)
	return 1
}

func baseRawSet(s *machine.State) int {
	checkTable(s, 1)
	checkAny(s, 3)
	s.SetTop(3)
	s.RawSet(1)
	return 1 // the table remains at index 1
}

func baseRawEqual(s *machine.State) int {
	checkAny(s, 2)
	s.PushBoolean(s.RawEquals(1, 2))
	return 1
}

func baseSetMetatable(s *machine.State) int {
	checkTable(s, 1)
	if t := s.Type(2); t != "nil" && t != "table" {
		argError(s, 2, "nil or table expected")
	}
	s.SetTop(2)
	s.SetMetatable(1)
	return 1 // the table remains at index 1
}

func baseGetMetatable(s *machine.State) int {
	checkAny(s, 1)
	if !s.GetMetatable(1) {
		s.PushNil()
	}
	return 1
}

func basePCall(s *machine.State) int {
	checkAny(s, 1)
	status := s.PCall(s.GetTop()-1, machine.MultRet, 0)
	s.PushBoolean(status == machine.StatusOK)
	s.Insert(1)
	return s.GetTop()
}

func baseError(s *machine.State) int {
	level := optInt(s, 2, 1)
	s.SetTop(1)
	if str, ok := s.ToString(1); ok && level > 0 {
		s.Pop(1)
		s.PushString(s.Where() + str)
	}
	s.ErrorValue()
	return 0
}

func baseAssert(s *machine.State) int {
	checkAny(s, 1)
	if !s.ToBoolean(1) {
		if s.GetTop() >= 2 {
			s.SetTop(2)
			s.ErrorValue() // the message value is raised as-is
		}
		s.RuntimeError("assertion failed!")
	}
	return s.GetTop()
}

func baseLoadString(s *machine.State) int {
	src, ok := s.ToString(1)
	if !ok {
		argError(s, 1, "string expected, got "+s.Type(1))
	}
	name := "=(loadstring)"
	if s.GetTop() >= 2 {
		if n, ok := s.ToString(2); ok {
			name = n
		}
	}
	if s.LoadString(src, name) != machine.StatusOK {
		s.PushNil()
		s.Insert(-2)
		return 2 // nil, error message
	}
	return 1
}

func baseCollectGarbage(s *machine.State) int {
	opt := "collect"
	if str, ok := s.ToString(1); ok {
		opt = str
	}
	switch opt {
	case "collect":
		s.GCCollect()
		s.PushNumber(0)
	case "count":
		kb, bytes := s.GCCount()
		s.PushNumber(float64(kb) + float64(bytes)/1024)
	case "step":
		s.GCStep()
		s.PushNumber(0)
	case "stop":
		s.GCStop()
		s.PushNumber(0)
	case "restart":
		s.GCRestart()
		s.PushNumber(0)
	case "setpause":
		s.PushNumber(float64(s.GCSetPause(optInt(s, 2, 0))))
	case "setstepmul":
		s.PushNumber(float64(s.GCSetStepMul(optInt(s, 2, 0))))
	default:
		argError(s, 1, "invalid option '"+opt+"'")
	}
	return 1
}
