// Package query defines the backend-agnostic parsed query: the typed
// request the graph builder consumes. Queries are built programmatically
// or parsed from a request document (see Parse), then validated against
// the data model registry.
package query

// Kind is the client-level operation kind.
type Kind string

// Operation kinds.
const (
	FindMany   Kind = "findMany"
	FindUnique Kind = "findUnique"
	FindFirst  Kind = "findFirst"
	CreateOne  Kind = "createOne"
	CreateMany Kind = "createMany"
	UpdateOne  Kind = "updateOne"
	UpdateMany Kind = "updateMany"
	DeleteOne  Kind = "deleteOne"
	DeleteMany Kind = "deleteMany"
	Aggregate  Kind = "aggregate"
	Raw        Kind = "raw"
)

// IsWrite reports whether the operation has side effects.
func (k Kind) IsWrite() bool {
	switch k {
	case CreateOne, CreateMany, UpdateOne, UpdateMany, DeleteOne, DeleteMany, Raw:
		return true
	}
	return false
}

// FilterOp is a comparison operator in a request filter.
type FilterOp string

// Filter operators.
const (
	OpEQ       FilterOp = "eq"
	OpNEQ      FilterOp = "neq"
	OpGT       FilterOp = "gt"
	OpGTE      FilterOp = "gte"
	OpLT       FilterOp = "lt"
	OpLTE      FilterOp = "lte"
	OpIn       FilterOp = "in"
	OpNotIn    FilterOp = "notIn"
	OpContains FilterOp = "contains"
	OpIsNull   FilterOp = "isNull"
)

// Condition is one field comparison; conditions on a query are conjoined.
type Condition struct {
	Field  string
	Op     FilterOp
	Value  any
	Values []any // for OpIn/OpNotIn
}

// Eq returns an equality condition.
func Eq(field string, v any) Condition {
	return Condition{Field: field, Op: OpEQ, Value: v}
}

// Order is one ordering term.
type Order struct {
	Field string
	Desc  bool
}

// AggregateArg selects the aggregation to compute.
type AggregateArg struct {
	Func  string // count, sum, avg, min, max
	Field string // ignored for count
}

// NestedWrite is the value of a relation key inside create/update data:
// rows to create under the parent, or unique filters identifying existing
// rows to connect.
type NestedWrite struct {
	Create  []map[string]any
	Connect [][]Condition
}

// Selection is the requested output shape: scalar fields plus nested
// relation selections. An empty Fields slice selects all scalars.
type Selection struct {
	Fields    []string
	Relations []*RelationSelection
}

// Relation returns the nested selection with the given name.
func (s *Selection) Relation(name string) (*RelationSelection, bool) {
	for _, r := range s.Relations {
		if r.Name == name {
			return r, true
		}
	}
	return nil, false
}

// RelationSelection is a nested relation in the output shape, optionally
// carrying its own filter, ordering and pagination.
type RelationSelection struct {
	Name      string
	Where     []Condition
	OrderBy   []Order
	Take      int
	Selection Selection
}

// Query is one parsed top-level operation.
type Query struct {
	Kind      Kind
	Model     string
	Where     []Condition
	Data      map[string]any   // createOne/updateOne data
	Rows      []map[string]any // createMany data
	OrderBy   []Order
	Take      int
	Skip      int
	Agg       *AggregateArg
	SQL       string // raw
	SQLArgs   []any
	Selection Selection
}
