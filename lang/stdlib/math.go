package stdlib

import (
	"math"
	"math/rand"

	"github.com/mna/lunes/lang/machine"
)

// OpenMath registers the math library in a global math table.
func OpenMath(s *machine.State) {
	s.PushNewTable(0, 16)

	mathFn := func(name string, fn machine.GoFunc) {
		s.PushGoFunction(fn)
		s.SetField(-2, name)
	}
	mathFn("floor", math1(math.Floor))
	mathFn("ceil", math1(math.Ceil))
	mathFn("abs", math1(math.Abs))
	mathFn("sqrt", math1(math.Sqrt))
	mathFn("exp", math1(math.Exp))
	mathFn("log", math1(math.Log))
	mathFn("sin", math1(math.Sin))
	mathFn("cos", math1(math.Cos))
	mathFn("tan", math1(math.Tan))
	mathFn("fmod", mathFmod)
	mathFn("pow", mathPow)
	mathFn("max", mathMax)
	mathFn("min", mathMin)
	mathFn("random", mathRandom)
	mathFn("randomseed", mathRandomSeed)

	s.PushNumber(math.Inf(1))
	s.SetField(-2, "huge")
	s.PushNumber(math.Pi)
	s.SetField(-2, "pi")

	s.SetGlobal("math")
}

func checkNumber(s *machine.State, n int) float64 {
	if !s.IsNumber(n) {
		argError(s, n, "number expected, got "+s.Type(n))
	}
	return s.ToNumber(n)
}

func math1(fn func(float64) float64) machine.GoFunc {
	return func(s *machine.State) int {
		s.PushNumber(fn(checkNumber(s, 1)))
		return 1
	}
}

func mathFmod(s *machine.State) int {
	s.PushNumber(math.Mod(checkNumber(s, 1), checkNumber(s, 2)))
	return 1
}

func mathPow(s *machine.State) int {
	s.PushNumber(math.Pow(checkNumber(s, 1), checkNumber(s, 2)))
	return 1
}

func mathMax(s *machine.State) int {
	n := s.GetTop()
	max := checkNumber(s, 1)
	for i := 2; i <= n; i++ {
		if v := checkNumber(s, i); v > max {
			max = v
		}
	}
	s.PushNumber(max)
	return 1
}

func mathMin(s *machine.State) int {
	n := s.GetTop()
	min := checkNumber(s, 1)
	for i := 2; i <= n; i++ {
		if v := checkNumber(s, i); v < min {
			min = v
		}
	}
	s.PushNumber(min)
	return 1
}

func mathRandom(s *machine.State) int {
	switch s.GetTop() {
	case 0:
		s.PushNumber(rand.Float64()) //nolint:gosec
	case 1:
		m := int(checkNumber(s, 1))
		if m < 1 {
			argError(s, 1, "interval is empty")
		}
		s.PushNumber(float64(rand.Intn(m) + 1)) //nolint:gosec
	default:
		lo, hi := int(checkNumber(s, 1)), int(checkNumber(s, 2))
		if lo > hi {
			argError(s, 2, "interval is empty")
		}
		s.PushNumber(float64(lo + rand.Intn(hi-lo+1))) //nolint:gosec
	}
	return 1
}

func mathRandomSeed(s *machine.State) int {
	rand.Seed(int64(checkNumber(s, 1))) //nolint:staticcheck,gosec
	return 0
}

// OpenAll registers every standard library module.
func OpenAll(s *machine.State) {
	OpenBase(s)
	OpenMath(s)
}
