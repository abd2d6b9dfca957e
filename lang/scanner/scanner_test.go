package scanner

import (
	gotoken "go/token"
	"testing"

	"github.com/mna/lunes/lang/token"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

type tokAndVal struct {
	tok token.Token
	val token.Value
}

func scanAll(t *testing.T, src string) ([]tokAndVal, ErrorList) {
	t.Helper()

	var (
		s   Scanner
		el  ErrorList
		val token.Value
		res []tokAndVal
	)
	s.Init("test.lua", []byte(src), el.Add)
	for {
		tok := s.Scan(&val)
		if tok == token.EOF {
			break
		}
		res = append(res, tokAndVal{tok: tok, val: val})
	}
	return res, el
}

func toks(list []tokAndVal) []token.Token {
	res := make([]token.Token, len(list))
	for i, tv := range list {
		res[i] = tv.tok
	}
	return res
}

func TestScanPunctuation(t *testing.T) {
	got, el := scanAll(t, "+ - * / % ^ # == ~= <= >= < > = ( ) { } [ ] ; : , . .. ...")
	require.Empty(t, el)
	assert.Equal(t, []token.Token{
		token.PLUS, token.MINUS, token.STAR, token.SLASH, token.PERCENT,
		token.CIRCUMFLEX, token.POUND, token.EQEQ, token.NEQ, token.LE,
		token.GE, token.LT, token.GT, token.EQ, token.LPAREN, token.RPAREN,
		token.LBRACE, token.RBRACE, token.LBRACK, token.RBRACK, token.SEMI,
		token.COLON, token.COMMA, token.DOT, token.CONCAT, token.DOTDOTDOT,
	}, toks(got))
}

func TestScanKeywordsAndIdents(t *testing.T) {
	got, el := scanAll(t, "if x then elseif y2 else end while do repeat until for in function local return break nil true false and or not _foo")
	require.Empty(t, el)
	assert.Equal(t, []token.Token{
		token.IF, token.IDENT, token.THEN, token.ELSEIF, token.IDENT,
		token.ELSE, token.END, token.WHILE, token.DO, token.REPEAT,
		token.UNTIL, token.FOR, token.IN, token.FUNCTION, token.LOCAL,
		token.RETURN, token.BREAK, token.NIL, token.TRUE, token.FALSE,
		token.AND, token.OR, token.NOT, token.IDENT,
	}, toks(got))
	assert.Equal(t, "x", got[1].val.Raw)
	assert.Equal(t, "_foo", got[len(got)-1].val.Raw)
}

func TestScanNumbers(t *testing.T) {
	cases := []struct {
		src  string
		want float64
	}{
		{"0", 0},
		{"3", 3},
		{"42", 42},
		{"3.1416", 3.1416},
		{".5", 0.5},
		{"1e2", 100},
		{"1E2", 100},
		{"1.5e-3", 0.0015},
		{"2e+1", 20},
		{"0xff", 255},
		{"0X10", 16},
		{"0xA", 10},
	}
	for _, c := range cases {
		t.Run(c.src, func(t *testing.T) {
			got, el := scanAll(t, c.src)
			require.Empty(t, el)
			require.Len(t, got, 1)
			require.Equal(t, token.NUMBER, got[0].tok)
			assert.Equal(t, c.want, got[0].val.Number)
		})
	}
}

func TestScanNumberErrors(t *testing.T) {
	_, el := scanAll(t, "0x")
	require.NotEmpty(t, el)
	assert.Contains(t, el[0].Msg, "no digits")

	_, el = scanAll(t, "1e")
	require.NotEmpty(t, el)
	assert.Contains(t, el[0].Msg, "exponent has no digits")
}

func TestScanShortStrings(t *testing.T) {
	cases := []struct {
		src  string
		want string
	}{
		{`"hello"`, "hello"},
		{`'hello'`, "hello"},
		{`"he said \"hi\""`, `he said "hi"`},
		{`'it\'s'`, "it's"},
		{`"a\nb\tc"`, "a\nb\tc"},
		{`"\a\b\f\v\r"`, "\a\b\f\v\r"},
		{`"\65\66\067"`, "ABC"},
		{`"\0"`, "\x00"},
		{`"back\\slash"`, `back\slash`},
		{`""`, ""},
	}
	for _, c := range cases {
		t.Run(c.src, func(t *testing.T) {
			got, el := scanAll(t, c.src)
			require.Empty(t, el)
			require.Len(t, got, 1)
			require.Equal(t, token.STRING, got[0].tok)
			assert.Equal(t, c.want, got[0].val.String)
		})
	}
}

func TestScanShortStringErrors(t *testing.T) {
	_, el := scanAll(t, "\"abc\ndef\"")
	require.NotEmpty(t, el)
	assert.Contains(t, el[0].Msg, "not terminated")

	_, el = scanAll(t, `"\999"`)
	require.NotEmpty(t, el)
	assert.Contains(t, el[0].Msg, "invalid byte value")

	_, el = scanAll(t, `"\q"`)
	require.NotEmpty(t, el)
	assert.Contains(t, el[0].Msg, "unknown escape")
}

func TestScanLongStrings(t *testing.T) {
	cases := []struct {
		name, src, want string
	}{
		{"simple", "[[hello]]", "hello"},
		{"level1", "[=[hello]=]", "hello"},
		{"level2", "[==[a]=]b]==]", "a]=]b"},
		{"leading newline suppressed", "[[\nhello]]", "hello"},
		{"inner newlines kept", "[[a\nb]]", "a\nb"},
		{"nested brackets", "[=[ [[x]] ]=]", " [[x]] "},
	}
	for _, c := range cases {
		t.Run(c.name, func(t *testing.T) {
			got, el := scanAll(t, c.src)
			require.Empty(t, el)
			require.Len(t, got, 1)
			require.Equal(t, token.STRING, got[0].tok)
			assert.Equal(t, c.want, got[0].val.String)
		})
	}
}

func TestScanComments(t *testing.T) {
	got, el := scanAll(t, `
a -- line comment
b --[[ block
comment ]] c
d // extension line
e /* extension
block */ f
--[==[ long
block ]==] g
`)
	require.Empty(t, el)
	var idents []string
	for _, tv := range got {
		require.Equal(t, token.IDENT, tv.tok)
		idents = append(idents, tv.val.Raw)
	}
	assert.Equal(t, []string{"a", "b", "c", "d", "e", "f", "g"}, idents)
}

func TestScanLineNumbers(t *testing.T) {
	got, el := scanAll(t, "a\nb\n\nc [[x\ny]] d")
	require.Empty(t, el)
	require.Len(t, got, 5)
	assert.Equal(t, 1, got[0].val.Line)
	assert.Equal(t, 2, got[1].val.Line)
	assert.Equal(t, 4, got[2].val.Line)
	assert.Equal(t, 4, got[3].val.Line) // the long string starts on line 4
	assert.Equal(t, 5, got[4].val.Line)
}

func TestScanBracketVsLongString(t *testing.T) {
	got, el := scanAll(t, "t[1] = 2")
	require.Empty(t, el)
	assert.Equal(t, []token.Token{
		token.IDENT, token.LBRACK, token.NUMBER, token.RBRACK, token.EQ, token.NUMBER,
	}, toks(got))
}

func TestScanIllegalChar(t *testing.T) {
	var el ErrorList
	var s Scanner
	var val token.Value
	s.Init("x.lua", []byte("a ? b"), el.Add)
	var seen []token.Token
	for {
		tok := s.Scan(&val)
		if tok == token.EOF {
			break
		}
		seen = append(seen, tok)
	}
	require.NotEmpty(t, el)
	assert.Contains(t, el[0].Msg, "illegal character")
	assert.Equal(t, gotoken.Position{Filename: "x.lua", Line: 1}, el[0].Pos)
	assert.Equal(t, []token.Token{token.IDENT, token.ILLEGAL, token.IDENT}, seen)
}
