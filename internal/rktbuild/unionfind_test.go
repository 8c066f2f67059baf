package rktbuild

import (
	"testing"

	"github.com/stretchr/testify/assert"
)

func TestUnionFind_SingletonSets(t *testing.T) {
	uf := newUnionFind()
	uf.add("a")
	uf.add("b")
	assert.Equal(t, "a", uf.Find("a"))
	assert.Equal(t, "b", uf.Find("b"))
	assert.ElementsMatch(t, []string{"a"}, uf.Members("a"))
}

func TestUnionFind_UnionKeepsFirstRepresentative(t *testing.T) {
	uf := newUnionFind()
	uf.Union("a", "b")
	assert.Equal(t, uf.Find("a"), uf.Find("b"))
	assert.Equal(t, "a", uf.Find("b"))
}

func TestUnionFind_Promote(t *testing.T) {
	uf := newUnionFind()
	uf.Union("a", "b")
	uf.Union("a", "c")
	uf.Promote("c")
	assert.Equal(t, "c", uf.Find("a"))
	assert.Equal(t, "c", uf.Find("b"))
	assert.ElementsMatch(t, []string{"a", "b", "c"}, uf.Members("c"))
}

func TestUnionFind_MergeMergedSets(t *testing.T) {
	uf := newUnionFind()
	uf.Union("a", "b")
	uf.Union("c", "d")
	uf.Union("b", "d")
	rep := uf.Find("a")
	for _, p := range []string{"a", "b", "c", "d"} {
		assert.Equal(t, rep, uf.Find(p))
	}
	assert.ElementsMatch(t, []string{"a", "b", "c", "d"}, uf.Members(rep))
}
