package rdf

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

var (
	ctx1     = "http://example.org/graphs/products"
	product1 = Subject{Resource: "http://example.org/products/1", Context: ctx1}
	product2 = Subject{Resource: "http://example.org/products/2", Context: ctx1}
	namePred = "http://example.org/name"
)

func TestSubjectHash(t *testing.T) {
	t.Run("equal subjects hash equal", func(t *testing.T) {
		a := Subject{Resource: "http://example.org/r", Context: "http://example.org/g"}
		b := Subject{Resource: "http://example.org/r", Context: "http://example.org/g"}
		assert.Equal(t, a.Hash(), b.Hash())
	})

	t.Run("context distinguishes subjects", func(t *testing.T) {
		a := Subject{Resource: "http://example.org/r", Context: "http://example.org/g1"}
		b := Subject{Resource: "http://example.org/r", Context: "http://example.org/g2"}
		assert.NotEqual(t, a.Hash(), b.Hash())
	})

	t.Run("no ambiguity across the separator", func(t *testing.T) {
		// resource "ab" + context "c" must not collide with "a" + "bc"
		a := Subject{Resource: "ab", Context: "c"}
		b := Subject{Resource: "a", Context: "bc"}
		assert.NotEqual(t, a.Hash(), b.Hash())
	})
}

func TestGraphAdd(t *testing.T) {
	t.Run("duplicate triple is a no-op", func(t *testing.T) {
		g := NewGraph()
		g.Add(product1, namePred, Literal("Widget"))
		g.Add(product1, namePred, Literal("Widget"))
		assert.Len(t, g.Values(product1, namePred), 1)
	})

	t.Run("literal and resource with same text are distinct", func(t *testing.T) {
		g := NewGraph()
		g.Add(product1, namePred, Literal("http://example.org/x"))
		g.Add(product1, namePred, Resource("http://example.org/x"))
		assert.Len(t, g.Values(product1, namePred), 2)
	})
}

func TestGraphRemove(t *testing.T) {
	t.Run("exact match removes", func(t *testing.T) {
		g := NewGraph()
		g.Add(product1, namePred, Literal("Widget"))
		assert.True(t, g.Remove(product1, namePred, Literal("Widget")))
		assert.False(t, g.HasTriples(product1))
	})

	t.Run("absent triple reports false", func(t *testing.T) {
		g := NewGraph()
		g.Add(product1, namePred, Literal("Widget"))
		assert.False(t, g.Remove(product1, namePred, Literal("Gadget")))
		assert.False(t, g.Remove(product2, namePred, Literal("Widget")))
	})

	t.Run("type mismatch does not remove", func(t *testing.T) {
		g := NewGraph()
		g.Add(product1, namePred, Resource("http://example.org/x"))
		assert.False(t, g.Remove(product1, namePred, Literal("http://example.org/x")))
		assert.True(t, g.HasTriples(product1))
	})
}

func TestGraphTypesOf(t *testing.T) {
	g := NewGraph()
	g.Add(product1, RDFType, Resource("http://example.org/Product"))
	g.Add(product1, RDFType, Literal("not-a-type"))
	assert.Equal(t, []string{"http://example.org/Product"}, g.TypesOf(product1))
}

func TestGraphPredicates(t *testing.T) {
	t.Run("returns a deep copy", func(t *testing.T) {
		g := NewGraph()
		g.Add(product1, namePred, Literal("Widget"))
		preds := g.Predicates(product1)
		preds[namePred][0] = Literal("Tampered")
		assert.Equal(t, []Value{Literal("Widget")}, g.Values(product1, namePred))
	})

	t.Run("nil for unknown subject", func(t *testing.T) {
		g := NewGraph()
		assert.Nil(t, g.Predicates(product1))
	})
}

func TestGraphFromPredicates(t *testing.T) {
	g := NewGraph()
	g.FromPredicates(product1, map[string][]Value{
		namePred: {Literal("Widget")},
		RDFType:  {Resource("http://example.org/Product")},
	})
	require.True(t, g.HasTriples(product1))
	assert.Equal(t, []Value{Literal("Widget")}, g.Values(product1, namePred))
	assert.Equal(t, []string{"http://example.org/Product"}, g.TypesOf(product1))
}

func TestGraphSubjectsOrdered(t *testing.T) {
	g := NewGraph()
	g.Add(product2, namePred, Literal("B"))
	g.Add(product1, namePred, Literal("A"))
	assert.Equal(t, []Subject{product1, product2}, g.Subjects())
}
