package formulaengine

// EvaluatedNode is one cache record of the dependency graph. Deps holds
// concrete node keys observed during the last evaluation; FrontierDeps
// holds range keys for open-ended ranges whose membership can still grow
// as spill areas appear; DiscardedFrontierDeps holds frontier keys not
// re-observed in the latest pass, kept so a later spill can resurrect
// them.
type EvaluatedNode struct {
	Deps                  map[string]struct{}
	FrontierDeps          map[string]struct{}
	DiscardedFrontierDeps map[string]struct{}
	Result                EvaluationResult
}

// EffectiveDeps returns deps plus the live (non-discarded) frontier keys.
func (n *EvaluatedNode) EffectiveDeps() []string {
	out := make([]string, 0, len(n.Deps)+len(n.FrontierDeps))
	for k := range n.Deps {
		out = append(out, k)
	}
	for k := range n.FrontierDeps {
		if _, discarded := n.DiscardedFrontierDeps[k]; !discarded {
			out = append(out, k)
		}
	}
	return out
}

// DependencyCache maps node keys to their evaluated records. It is the
// arena the dependency graph lives in: records reference each other only
// by key, so cycles exist logically and are detected by the sort or the
// evaluation stack, never followed unconditionally.
type DependencyCache struct {
	nodes map[string]*EvaluatedNode
}

// NewDependencyCache creates an empty cache
func NewDependencyCache() *DependencyCache {
	return &DependencyCache{
		nodes: make(map[string]*EvaluatedNode),
	}
}

// Get retrieves a record if it exists
func (c *DependencyCache) Get(key string) (*EvaluatedNode, bool) {
	node, exists := c.nodes[key]
	return node, exists
}

// Put stores a record, overwriting any previous one
func (c *DependencyCache) Put(key string, node *EvaluatedNode) {
	c.nodes[key] = node
}

// Remove deletes a record
func (c *DependencyCache) Remove(key string) {
	delete(c.nodes, key)
}

// Keys returns all cached node keys
func (c *DependencyCache) Keys() []string {
	out := make([]string, 0, len(c.nodes))
	for k := range c.nodes {
		out = append(out, k)
	}
	return out
}

// Len returns the number of records
func (c *DependencyCache) Len() int {
	return len(c.nodes)
}

// Clear removes all records
func (c *DependencyCache) Clear() {
	c.nodes = make(map[string]*EvaluatedNode)
}

// transitiveDeps walks breadth-first from start following depsOf and
// returns the closed set excluding start itself. depsOf abstracts
// effective-dependency resolution so the caller can expand range nodes
// into their current concrete members.
func transitiveDeps(start string, depsOf func(key string) []string) map[string]struct{} {
	visited := map[string]struct{}{start: {}}
	queue := []string{start}
	out := make(map[string]struct{})

	for len(queue) > 0 {
		key := queue[0]
		queue = queue[1:]

		for _, dep := range depsOf(key) {
			if _, seen := visited[dep]; seen {
				continue
			}
			visited[dep] = struct{}{}
			out[dep] = struct{}{}
			queue = append(queue, dep)
		}
	}

	return out
}

// topologicalSort runs Kahn's algorithm on the subgraph induced by the
// given node set. Edges point from a node to its dependencies; the
// returned order lists dependents before their dependencies, so callers
// wanting leaves first consume it reversed. The second return value
// lists nodes stuck in cycles; a non-nil leftover means no complete
// ordering exists and the first return value is nil.
func topologicalSort(nodes map[string]struct{}, depsOf func(key string) []string) ([]string, []string) {
	// in-degree here counts dependencies still unordered
	indegree := make(map[string]int, len(nodes))
	dependents := make(map[string][]string, len(nodes))

	for key := range nodes {
		if _, ok := indegree[key]; !ok {
			indegree[key] = 0
		}
		for _, dep := range depsOf(key) {
			if _, inSet := nodes[dep]; !inSet {
				continue
			}
			indegree[key]++
			dependents[dep] = append(dependents[dep], key)
		}
	}

	queue := make([]string, 0, len(nodes))
	for key, deg := range indegree {
		if deg == 0 {
			queue = append(queue, key)
		}
	}

	order := make([]string, 0, len(nodes))
	for len(queue) > 0 {
		key := queue[0]
		queue = queue[1:]
		order = append(order, key)

		for _, dependent := range dependents[key] {
			indegree[dependent]--
			if indegree[dependent] == 0 {
				queue = append(queue, dependent)
			}
		}
	}

	if len(order) != len(nodes) {
		leftover := make([]string, 0, len(nodes)-len(order))
		for key, deg := range indegree {
			if deg > 0 {
				leftover = append(leftover, key)
			}
		}
		return nil, leftover
	}

	// queue seeding put zero-dependency nodes first, so order already has
	// dependencies before dependents. Callers consume the reversed list to
	// walk leaves first, so hand them dependents-first here.
	for i, j := 0, len(order)-1; i < j; i, j = i+1, j-1 {
		order[i], order[j] = order[j], order[i]
	}

	return order, nil
}

// setsEqual compares two key sets
func setsEqual(a, b map[string]struct{}) bool {
	if len(a) != len(b) {
		return false
	}
	for k := range a {
		if _, ok := b[k]; !ok {
			return false
		}
	}
	return true
}
