package formulaengine

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func staticDeps(edges map[string][]string) func(string) []string {
	return func(key string) []string {
		return edges[key]
	}
}

func keySet(keys ...string) map[string]struct{} {
	out := make(map[string]struct{}, len(keys))
	for _, k := range keys {
		out[k] = struct{}{}
	}
	return out
}

func TestTransitiveDeps(t *testing.T) {
	depsOf := staticDeps(map[string][]string{
		"a": {"b", "c"},
		"b": {"d"},
		"c": {"d"},
		"d": {},
	})

	closed := transitiveDeps("a", depsOf)
	assert.Equal(t, keySet("b", "c", "d"), closed)

	// the start node is excluded even on cycles back to it
	cyclic := staticDeps(map[string][]string{
		"a": {"b"},
		"b": {"a"},
	})
	closed = transitiveDeps("a", cyclic)
	assert.Equal(t, keySet("b"), closed)
}

func TestTopologicalSortOrdersDependenciesFirst(t *testing.T) {
	depsOf := staticDeps(map[string][]string{
		"top": {"mid1", "mid2"},
		"mid1": {"leaf"},
		"mid2": {"leaf"},
		"leaf": {},
	})

	order, leftover := topologicalSort(keySet("top", "mid1", "mid2", "leaf"), depsOf)
	require.Nil(t, leftover)
	require.Len(t, order, 4)

	pos := map[string]int{}
	for i, k := range order {
		pos[k] = i
	}
	// dependents come first; the evaluator walks the list reversed
	assert.Less(t, pos["top"], pos["mid1"])
	assert.Less(t, pos["top"], pos["mid2"])
	assert.Less(t, pos["mid1"], pos["leaf"])
	assert.Less(t, pos["mid2"], pos["leaf"])
}

func TestTopologicalSortDetectsCycle(t *testing.T) {
	depsOf := staticDeps(map[string][]string{
		"a": {"b"},
		"b": {"c"},
		"c": {"a"},
	})

	order, leftover := topologicalSort(keySet("a", "b", "c"), depsOf)
	assert.Nil(t, order)
	assert.ElementsMatch(t, []string{"a", "b", "c"}, leftover)
}

// nodes downstream of a cycle are stuck too
func TestTopologicalSortCycleDependents(t *testing.T) {
	depsOf := staticDeps(map[string][]string{
		"a":      {"b"},
		"b":      {"a"},
		"reader": {"a"},
		"free":   {},
	})

	order, leftover := topologicalSort(keySet("a", "b", "reader", "free"), depsOf)
	assert.Nil(t, order)
	assert.ElementsMatch(t, []string{"a", "b", "reader"}, leftover)
}

func TestTopologicalSortIgnoresEdgesOutOfSet(t *testing.T) {
	depsOf := staticDeps(map[string][]string{
		"a": {"external"},
	})
	order, leftover := topologicalSort(keySet("a"), depsOf)
	require.Nil(t, leftover)
	assert.Equal(t, []string{"a"}, order)
}

func TestEvaluatedNodeEffectiveDeps(t *testing.T) {
	rec := &EvaluatedNode{
		Deps:                  keySet("a"),
		FrontierDeps:          keySet("r1", "r2"),
		DiscardedFrontierDeps: keySet("r2"),
	}
	assert.ElementsMatch(t, []string{"a", "r1"}, rec.EffectiveDeps())
}

func TestSetsEqual(t *testing.T) {
	assert.True(t, setsEqual(keySet("a", "b"), keySet("b", "a")))
	assert.False(t, setsEqual(keySet("a"), keySet("a", "b")))
	assert.False(t, setsEqual(keySet("a"), keySet("b")))
	assert.True(t, setsEqual(keySet(), keySet()))
}

func TestDependencyCacheBasics(t *testing.T) {
	cache := NewDependencyCache()
	assert.Equal(t, 0, cache.Len())

	cache.Put("k", &EvaluatedNode{Result: valueOf(1.0)})
	rec, ok := cache.Get("k")
	require.True(t, ok)
	v, _ := scalarOf(rec.Result)
	assert.Equal(t, 1.0, v)

	cache.Remove("k")
	_, ok = cache.Get("k")
	assert.False(t, ok)

	cache.Put("a", &EvaluatedNode{})
	cache.Put("b", &EvaluatedNode{})
	assert.ElementsMatch(t, []string{"a", "b"}, cache.Keys())
	cache.Clear()
	assert.Equal(t, 0, cache.Len())
}
