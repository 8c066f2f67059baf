package rktbuild

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestParseRktd_Atoms(t *testing.T) {
	v, err := parseRktd(`"hello"`)
	require.NoError(t, err)
	assert.Equal(t, "hello", v)

	v, err = parseRktd("some-symbol")
	require.NoError(t, err)
	assert.Equal(t, Symbol("some-symbol"), v)

	v, err = parseRktd("42")
	require.NoError(t, err)
	assert.Equal(t, int64(42), v)

	v, err = parseRktd("#t")
	require.NoError(t, err)
	assert.Equal(t, true, v)

	v, err = parseRktd("#f")
	require.NoError(t, err)
	assert.Equal(t, false, v)
}

func TestParseRktd_StringEscapes(t *testing.T) {
	v, err := parseRktd(`"a\nb\t\"c\\"`)
	require.NoError(t, err)
	assert.Equal(t, "a\nb\t\"c\\", v)

	_, err = parseRktd(`"unterminated`)
	assert.Error(t, err)
}

func TestParseRktd_Lists(t *testing.T) {
	v, err := parseRktd(`("a" "b" "c")`)
	require.NoError(t, err)
	assert.Equal(t, []any{"a", "b", "c"}, v)

	// square brackets read the same as parens
	v, err = parseRktd(`["a" ["b"]]`)
	require.NoError(t, err)
	assert.Equal(t, []any{"a", []any{"b"}}, v)

	v, err = parseRktd(`()`)
	require.NoError(t, err)
	assert.Empty(t, v)
}

func TestParseRktd_DottedPairs(t *testing.T) {
	v, err := parseRktd(`("k" . "v")`)
	require.NoError(t, err)
	assert.Equal(t, Pair{Car: "k", Cdr: "v"}, v)

	// a dotted list tail is just a longer list
	v, err = parseRktd(`("a" . ("b" "c"))`)
	require.NoError(t, err)
	assert.Equal(t, []any{"a", "b", "c"}, v)
}

func TestParseRktd_Hash(t *testing.T) {
	v, err := parseRktd(`#hash((checksum . "abc") (source . "http://x/y.zip") (dependencies . ("base")))`)
	require.NoError(t, err)
	h, ok := v.(Hash)
	require.True(t, ok)
	assert.Equal(t, "abc", hashString(h, "checksum"))
	assert.Equal(t, "http://x/y.zip", hashString(h, "source"))
	assert.Equal(t, []any{"base"}, hashList(h, "dependencies"))
}

func TestParseRktd_HashEq(t *testing.T) {
	v, err := parseRktd(`#hasheq((name . "pkg"))`)
	require.NoError(t, err)
	h, ok := v.(Hash)
	require.True(t, ok)
	assert.Equal(t, "pkg", hashString(h, "name"))
}

func TestParseRktd_KeywordsInDependencyTuples(t *testing.T) {
	v, err := parseRktd(`(("base" #:version "6.2") "other")`)
	require.NoError(t, err)
	lst, ok := v.([]any)
	require.True(t, ok)
	require.Len(t, lst, 2)
	tuple, ok := lst[0].([]any)
	require.True(t, ok)
	assert.Equal(t, "base", tuple[0])
	assert.Equal(t, Symbol("#:version"), tuple[1])
}

func TestParseRktd_QuoteAndComments(t *testing.T) {
	v, err := parseRktd("; a comment\n'(\"a\" \"b\")\n")
	require.NoError(t, err)
	assert.Equal(t, []any{"a", "b"}, v)
}

func TestParseRktd_TrailingData(t *testing.T) {
	_, err := parseRktd(`"a" "b"`)
	assert.Error(t, err)
}

func TestWriteRktd_Roundtrip(t *testing.T) {
	orig := Hash{
		Symbol("checksum"):     "abc",
		Symbol("source"):       "../pkgs/x.zip",
		Symbol("dependencies"): []any{"base", "rackunit-lib"},
		"string-key":           int64(7),
	}
	parsed, err := parseRktd(writeRktd(orig))
	require.NoError(t, err)
	h, ok := parsed.(Hash)
	require.True(t, ok)
	assert.Equal(t, "abc", hashString(h, "checksum"))
	assert.Equal(t, "../pkgs/x.zip", hashString(h, "source"))
	assert.Equal(t, []any{"base", "rackunit-lib"}, hashList(h, "dependencies"))
}

func TestWriteRktd_StableHashOrder(t *testing.T) {
	h := Hash{Symbol("b"): int64(2), Symbol("a"): int64(1), Symbol("c"): int64(3)}
	first := writeRktd(h)
	for i := 0; i < 10; i++ {
		assert.Equal(t, first, writeRktd(h))
	}
	assert.Equal(t, "#hash((a . 1) (b . 2) (c . 3))", first)
}

func TestWriteRktd_StringList(t *testing.T) {
	assert.Equal(t, `("a" "b")`, writeRktd([]string{"a", "b"}))
	assert.Equal(t, `("k" . 1)`, writeRktd(Pair{Car: "k", Cdr: int64(1)}))
	assert.Equal(t, "#t", writeRktd(true))
	assert.Equal(t, "()", writeRktd(nil))
}
