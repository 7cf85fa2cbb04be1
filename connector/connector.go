// Package connector defines the capability interface every backend
// implements: the primitive actions the interpreter dispatches, scope
// control for transactions, and the capability flags the graph builder
// queries at plan time.
package connector

import (
	"context"
)

// Row is a single record keyed by logical field name.
type Row map[string]any

// Clone returns a shallow copy of the row.
func (r Row) Clone() Row {
	out := make(Row, len(r))
	for k, v := range r {
		out[k] = v
	}
	return out
}

// Op is the kind of a primitive action.
type Op string

// Primitive action kinds.
const (
	OpFind      Op = "find"
	OpCreate    Op = "create"
	OpUpdate    Op = "update"
	OpDelete    Op = "delete"
	OpAggregate Op = "aggregate"
	OpRaw       Op = "raw"
)

// CondOp is a filter comparison operator.
type CondOp string

// Filter comparison operators.
const (
	EQ       CondOp = "eq"
	NEQ      CondOp = "neq"
	GT       CondOp = "gt"
	GTE      CondOp = "gte"
	LT       CondOp = "lt"
	LTE      CondOp = "lte"
	In       CondOp = "in"
	NotIn    CondOp = "not_in"
	Contains CondOp = "contains"
	IsNull   CondOp = "is_null"
	NotNull  CondOp = "not_null"
)

// Cond is a single field comparison.
type Cond struct {
	Field  string
	Op     CondOp
	Value  any
	Values []any // for In/NotIn
}

// Filter is a conjunction of conditions. An empty filter matches all rows.
type Filter struct {
	Conds []Cond
}

// And appends a condition to the filter.
func (f *Filter) And(c Cond) {
	f.Conds = append(f.Conds, c)
}

// IsEmpty reports whether the filter matches all rows.
func (f Filter) IsEmpty() bool { return len(f.Conds) == 0 }

// OrderBy is one ordering term.
type OrderBy struct {
	Field string
	Desc  bool
}

// AggregateFunc is an aggregation function name.
type AggregateFunc string

// Aggregation functions.
const (
	AggCount AggregateFunc = "count"
	AggSum   AggregateFunc = "sum"
	AggAvg   AggregateFunc = "avg"
	AggMin   AggregateFunc = "min"
	AggMax   AggregateFunc = "max"
)

// Aggregate describes an aggregation over the filtered rows.
type Aggregate struct {
	Func  AggregateFunc
	Field string // ignored for count
}

// Join describes a relation joined into a find action. Joined columns are
// returned on the parent rows under "<Relation>.<field>" keys.
type Join struct {
	Relation     string            // result key prefix
	Model        string            // joined model name
	Table        string            // joined storage table
	Mapping      map[string]string // joined field → column
	LocalField   string            // join key on the parent rows
	ForeignField string            // join key on the joined rows
	ToMany       bool
	Fields       []string // projected fields of the joined model
}

// Action is one fully-resolved primitive action. By the time an action is
// dispatched, every value-flow placeholder has been substituted; the
// connector never sees pending dependencies.
type Action struct {
	Op      Op
	Model   string            // logical model name
	Table   string            // storage table
	IDField string            // primary-key field name
	Mapping map[string]string // field → column, for SQL-shaped connectors

	Fields []string // projected fields for find
	Values Row      // create/update values, keyed by field
	Batch  []Row    // multi-row create values
	Filter Filter
	Order  []OrderBy
	Limit  int // 0 means no limit
	Offset int

	Aggregate *Aggregate
	Joins     []Join

	SQL     string // raw statement, OpRaw only
	SQLArgs []any
}

// Result is the output of one primitive action.
type Result struct {
	Rows     []Row
	Affected int64
	Value    any // aggregate scalar
}

// Capabilities are the connector-advertised feature flags the graph
// builder consults when selecting relation and cascade strategies.
type Capabilities struct {
	Joins            bool // supports join-based nested reads
	NativeUpsert     bool
	CascadingDeletes bool // referential actions enforced by the backend
	Transactions     bool // multi-statement transactions
	ConcurrentTx     bool // a transaction may serve concurrent statements
	RawSQL           bool // supports pass-through raw statements
	MaxConcurrency   int  // connection-pool bound for concurrent dispatch
	MaxBatchSize     int  // max rows per create batch, 0 for unbounded
}

// Dispatcher executes primitive actions. Implemented by both Connector
// (auto-scoped) and Tx (transaction-scoped).
type Dispatcher interface {
	Dispatch(ctx context.Context, a *Action) (*Result, error)
}

// Connector is the backend abstraction the interpreter drives.
type Connector interface {
	Dispatcher

	// Begin opens a connector-native transaction. Only called when
	// Capabilities().Transactions is true.
	Begin(ctx context.Context) (Tx, error)

	// Capabilities returns the connector's feature flags. The returned
	// value must be constant for the connector's lifetime.
	Capabilities() Capabilities

	// Name identifies the connector (e.g. its dialect) in errors.
	Name() string

	// Close releases the connector's resources.
	Close() error
}

// Tx is a transaction-scoped dispatcher.
type Tx interface {
	Dispatcher
	Commit() error
	Rollback() error
}
