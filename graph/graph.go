// Package graph turns parsed queries into executable query graphs: directed
// acyclic graphs of primitive connector actions whose edges carry either
// ordering constraints or value flows (a consumer node needing a value the
// producer yields at run time, typically a generated key).
//
// Nodes live in an arena indexed by small integer identity; resolved values
// are kept in a side table by the interpreter, so nodes never reference
// each other directly.
package graph

import (
	"fmt"

	"github.com/syssam/vertex/connector"
)

// NodeID is the stable arena index of a node within its graph.
type NodeID int

// ExpectAny disables the row-count assertion on a node.
const ExpectAny = -1

// Node is one primitive action in the graph.
type Node struct {
	ID     NodeID
	Action *connector.Action

	// Expect asserts the exact row count the action must yield. The
	// interpreter fails the scope with a DependencyError otherwise.
	// ExpectAny disables the assertion.
	Expect int

	// Result marks nodes whose rows feed the result tree.
	Result bool
	// Root marks the designated result root of a batch entry.
	Root bool

	// Hydration shape for result nodes reached through a relation:
	// rows of this node group under Parent's rows by GroupField matching
	// the parent's ParentKey field.
	Parent     NodeID
	RelName    string
	GroupField string
	ParentKey  string
	// ToMany and Required describe the relation the rows hydrate into.
	ToMany   bool
	Required bool

	// Count marks result nodes whose contribution is an affected-row
	// count rather than rows (updateMany, deleteMany, createMany).
	Count bool

	// Guard, when set, names the relation a zero-row assertion protects.
	// A failed assertion on a guarded node reports a relation integrity
	// violation instead of a dependency error.
	Guard *Guard
}

// Guard identifies the restricted relation behind an existence check.
type Guard struct {
	Model    string
	Relation string
}

// Label identifies the node in errors and logs.
func (n *Node) Label() string {
	return fmt.Sprintf("%s:%s#%d", n.Action.Op, n.Action.Model, n.ID)
}

// EdgeKind distinguishes ordering-only edges from value flows.
type EdgeKind int

// Edge kinds.
const (
	// KindOrder is an execution-order constraint: To runs after From.
	KindOrder EdgeKind = iota
	// KindValueFlow additionally carries a runtime value from the
	// producer's rows into the consumer's arguments.
	KindValueFlow
)

// FlowDest says where a flowed value lands in the consumer's action.
type FlowDest int

// Value-flow destinations.
const (
	// DestValue substitutes into Values[TargetField] (single value).
	DestValue FlowDest = iota
	// DestFilterEq adds an equality condition on TargetField.
	DestFilterEq
	// DestFilterIn adds an IN condition on TargetField over all
	// producer rows.
	DestFilterIn
)

// Edge is a dependency between two nodes.
type Edge struct {
	From, To NodeID
	Kind     EdgeKind

	// Value-flow only:
	SourceField string // field read from the producer's rows
	TargetField string // destination field on the consumer
	Dest        FlowDest
}

// Graph is an arena of nodes plus their dependency edges. It has one
// designated result root per batch entry, in request order.
type Graph struct {
	nodes []*Node
	edges []Edge
	in    map[NodeID][]int // node → incoming edge indexes
	out   map[NodeID][]int
	roots []NodeID
}

// New returns an empty graph.
func New() *Graph {
	return &Graph{
		in:  make(map[NodeID][]int),
		out: make(map[NodeID][]int),
	}
}

// AddNode appends a node to the arena and returns its identity. Callers
// that do not nest the node under a parent result node must leave Parent
// at NoParent.
func (g *Graph) AddNode(n *Node) NodeID {
	n.ID = NodeID(len(g.nodes))
	g.nodes = append(g.nodes, n)
	return n.ID
}

// NoParent is the Parent value of nodes not nested under a result node.
const NoParent NodeID = -1

// AddEdge appends a dependency edge.
func (g *Graph) AddEdge(e Edge) {
	idx := len(g.edges)
	g.edges = append(g.edges, e)
	g.out[e.From] = append(g.out[e.From], idx)
	g.in[e.To] = append(g.in[e.To], idx)
}

// MarkRoot designates a node as the result root of a batch entry.
func (g *Graph) MarkRoot(id NodeID) {
	g.nodes[id].Root = true
	g.roots = append(g.roots, id)
}

// Node returns the node with the given identity.
func (g *Graph) Node(id NodeID) *Node { return g.nodes[id] }

// Nodes returns all nodes in arena order.
func (g *Graph) Nodes() []*Node { return g.nodes }

// Len returns the number of nodes.
func (g *Graph) Len() int { return len(g.nodes) }

// Roots returns the result roots in request order.
func (g *Graph) Roots() []NodeID { return g.roots }

// In returns the incoming edges of a node.
func (g *Graph) In(id NodeID) []Edge {
	return g.edgeList(g.in[id])
}

// Out returns the outgoing edges of a node.
func (g *Graph) Out(id NodeID) []Edge {
	return g.edgeList(g.out[id])
}

func (g *Graph) edgeList(idxs []int) []Edge {
	if len(idxs) == 0 {
		return nil
	}
	out := make([]Edge, len(idxs))
	for i, idx := range idxs {
		out[i] = g.edges[idx]
	}
	return out
}

// Children returns the result nodes whose Parent is the given node.
func (g *Graph) Children(id NodeID) []*Node {
	var out []*Node
	for _, n := range g.nodes {
		if n.Result && n.Parent == id && n.ID != id {
			out = append(out, n)
		}
	}
	return out
}

// TopoOrder returns a topological order of the graph, or an error if the
// graph contains a cycle.
func (g *Graph) TopoOrder() ([]NodeID, error) {
	indeg := make([]int, len(g.nodes))
	for _, e := range g.edges {
		indeg[e.To]++
	}
	var queue []NodeID
	for i := range g.nodes {
		if indeg[i] == 0 {
			queue = append(queue, NodeID(i))
		}
	}
	order := make([]NodeID, 0, len(g.nodes))
	for len(queue) > 0 {
		id := queue[0]
		queue = queue[1:]
		order = append(order, id)
		for _, idx := range g.out[id] {
			to := g.edges[idx].To
			indeg[to]--
			if indeg[to] == 0 {
				queue = append(queue, to)
			}
		}
	}
	if len(order) != len(g.nodes) {
		return nil, fmt.Errorf("graph: cycle detected")
	}
	return order, nil
}

// Validate checks the graph invariants: it is acyclic, has at least one
// result root, every node is connected to a root, and every value-flow
// edge has a producer that precedes its consumer.
func (g *Graph) Validate() error {
	if len(g.roots) == 0 {
		return fmt.Errorf("graph: no result root")
	}
	if _, err := g.TopoOrder(); err != nil {
		return err
	}
	// Connectivity over undirected edges, seeded from the roots.
	seen := make(map[NodeID]bool, len(g.nodes))
	stack := append([]NodeID(nil), g.roots...)
	for _, r := range g.roots {
		seen[r] = true
	}
	for len(stack) > 0 {
		id := stack[len(stack)-1]
		stack = stack[:len(stack)-1]
		for _, idx := range g.out[id] {
			if to := g.edges[idx].To; !seen[to] {
				seen[to] = true
				stack = append(stack, to)
			}
		}
		for _, idx := range g.in[id] {
			if from := g.edges[idx].From; !seen[from] {
				seen[from] = true
				stack = append(stack, from)
			}
		}
	}
	for _, n := range g.nodes {
		if !seen[n.ID] {
			return fmt.Errorf("graph: node %s not connected to any root", n.Label())
		}
	}
	for _, e := range g.edges {
		if e.Kind == KindValueFlow && e.SourceField == "" {
			return fmt.Errorf("graph: value-flow edge %d->%d has no source field", e.From, e.To)
		}
	}
	return nil
}

// HasWrites reports whether any node in the graph has side effects.
func (g *Graph) HasWrites() bool {
	for _, n := range g.nodes {
		switch n.Action.Op {
		case connector.OpCreate, connector.OpUpdate, connector.OpDelete, connector.OpRaw:
			return true
		}
	}
	return false
}
