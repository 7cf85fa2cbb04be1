// Package connectortest provides an in-memory connector for exercising
// the pipeline without a database. It records every dispatched action,
// supports scripted failures and snapshot-based transactions, and its
// capabilities can be shaped per test.
package connectortest

import (
	"context"
	"fmt"
	"sort"
	"strings"
	"sync"

	"github.com/syssam/vertex/connector"
)

// Connector is an in-memory connector.Connector implementation.
type Connector struct {
	name string
	caps connector.Capabilities

	mu     sync.Mutex
	tables map[string][]connector.Row
	nextID map[string]int64
	log    []string
	fails  map[string]error
	rawFn  func(sql string, args []any) (*connector.Result, error)
}

// Option configures the test connector.
type Option func(*Connector)

// WithCapabilities replaces the connector's capability flags.
func WithCapabilities(caps connector.Capabilities) Option {
	return func(c *Connector) { c.caps = caps }
}

// WithSeed preloads rows into a table.
func WithSeed(table string, rows ...connector.Row) Option {
	return func(c *Connector) {
		for _, r := range rows {
			c.tables[table] = append(c.tables[table], r.Clone())
		}
	}
}

// WithFailure makes every op action on table fail with err.
func WithFailure(op connector.Op, table string, err error) Option {
	return func(c *Connector) { c.fails[failKey(op, table)] = err }
}

// WithRaw installs the handler for raw statements.
func WithRaw(fn func(sql string, args []any) (*connector.Result, error)) Option {
	return func(c *Connector) { c.rawFn = fn }
}

// New returns a connector with transactions, joins and raw statements
// enabled; options adjust from there.
func New(opts ...Option) *Connector {
	c := &Connector{
		name: "memory",
		caps: connector.Capabilities{
			Joins:          true,
			Transactions:   true,
			RawSQL:         true,
			MaxConcurrency: 4,
			MaxBatchSize:   100,
		},
		tables: map[string][]connector.Row{},
		nextID: map[string]int64{},
		fails:  map[string]error{},
	}
	for _, opt := range opts {
		opt(c)
	}
	return c
}

// Name implements connector.Connector.
func (c *Connector) Name() string { return c.name }

// Capabilities implements connector.Connector.
func (c *Connector) Capabilities() connector.Capabilities { return c.caps }

// Close implements connector.Connector.
func (c *Connector) Close() error { return nil }

// Log returns the "op:table" trace of every dispatched action.
func (c *Connector) Log() []string {
	c.mu.Lock()
	defer c.mu.Unlock()
	return append([]string(nil), c.log...)
}

// Rows returns a copy of a table's current rows.
func (c *Connector) Rows(table string) []connector.Row {
	c.mu.Lock()
	defer c.mu.Unlock()
	out := make([]connector.Row, 0, len(c.tables[table]))
	for _, r := range c.tables[table] {
		out = append(out, r.Clone())
	}
	return out
}

// Dispatch implements connector.Dispatcher.
func (c *Connector) Dispatch(ctx context.Context, a *connector.Action) (*connector.Result, error) {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.dispatch(ctx, a, c.tables)
}

func (c *Connector) dispatch(ctx context.Context, a *connector.Action, tables map[string][]connector.Row) (*connector.Result, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	c.log = append(c.log, failKey(a.Op, a.Table))
	if err := c.fails[failKey(a.Op, a.Table)]; err != nil {
		return nil, err
	}
	switch a.Op {
	case connector.OpFind:
		return c.find(a, tables), nil
	case connector.OpCreate:
		return c.create(a, tables), nil
	case connector.OpUpdate:
		return c.update(a, tables), nil
	case connector.OpDelete:
		return c.delete(a, tables), nil
	case connector.OpAggregate:
		return c.aggregate(a, tables), nil
	case connector.OpRaw:
		if c.rawFn == nil {
			return &connector.Result{}, nil
		}
		return c.rawFn(a.SQL, a.SQLArgs)
	}
	return nil, fmt.Errorf("connectortest: unsupported op %q", a.Op)
}

func (c *Connector) find(a *connector.Action, tables map[string][]connector.Row) *connector.Result {
	rows := filterRows(tables[a.Table], a.Filter)
	orderRows(rows, a.Order)
	if a.Offset > 0 {
		if a.Offset >= len(rows) {
			rows = nil
		} else {
			rows = rows[a.Offset:]
		}
	}
	if a.Limit > 0 && len(rows) > a.Limit {
		rows = rows[:a.Limit]
	}
	out := make([]connector.Row, 0, len(rows))
	for _, r := range rows {
		if len(a.Joins) == 0 {
			out = append(out, r.Clone())
			continue
		}
		out = append(out, joinRows(r, a.Joins, tables)...)
	}
	return &connector.Result{Rows: out}
}

// joinRows produces the fan-out a SQL join would: one combined row per
// child match, children under prefixed keys, and the bare parent when a
// to-one side has no match.
func joinRows(parent connector.Row, joins []connector.Join, tables map[string][]connector.Row) []connector.Row {
	combined := []connector.Row{parent.Clone()}
	for _, j := range joins {
		var next []connector.Row
		for _, row := range combined {
			matched := false
			for _, child := range tables[j.Table] {
				if !equal(child[j.ForeignField], parent[j.LocalField]) {
					continue
				}
				matched = true
				merged := row.Clone()
				for k, v := range child {
					merged[j.Relation+"."+k] = v
				}
				next = append(next, merged)
			}
			if !matched {
				next = append(next, row)
			}
		}
		combined = next
	}
	return combined
}

func (c *Connector) create(a *connector.Action, tables map[string][]connector.Row) *connector.Result {
	batch := a.Batch
	single := batch == nil
	if single {
		batch = []connector.Row{a.Values}
	}
	var out []connector.Row
	for _, values := range batch {
		row := values.Clone()
		if row == nil {
			row = connector.Row{}
		}
		if v, ok := row[a.IDField]; !ok || v == nil {
			c.nextID[a.Table]++
			row[a.IDField] = c.nextID[a.Table]
		} else if n, ok := v.(int64); ok && n > c.nextID[a.Table] {
			c.nextID[a.Table] = n
		}
		tables[a.Table] = append(tables[a.Table], row)
		out = append(out, row.Clone())
	}
	res := &connector.Result{Affected: int64(len(out))}
	if single {
		res.Rows = out
	}
	return res
}

func (c *Connector) update(a *connector.Action, tables map[string][]connector.Row) *connector.Result {
	var affected int64
	for _, row := range tables[a.Table] {
		if !matches(row, a.Filter) {
			continue
		}
		for k, v := range a.Values {
			row[k] = v
		}
		affected++
	}
	return &connector.Result{Affected: affected}
}

func (c *Connector) delete(a *connector.Action, tables map[string][]connector.Row) *connector.Result {
	kept := tables[a.Table][:0:0]
	var affected int64
	for _, row := range tables[a.Table] {
		if matches(row, a.Filter) {
			affected++
			continue
		}
		kept = append(kept, row)
	}
	tables[a.Table] = kept
	return &connector.Result{Affected: affected}
}

func (c *Connector) aggregate(a *connector.Action, tables map[string][]connector.Row) *connector.Result {
	rows := filterRows(tables[a.Table], a.Filter)
	if a.Aggregate == nil || a.Aggregate.Func == connector.AggCount {
		return &connector.Result{Value: int64(len(rows))}
	}
	var sum float64
	var count int
	var minV, maxV any
	for _, row := range rows {
		v := row[a.Aggregate.Field]
		if v == nil {
			continue
		}
		count++
		if f, ok := toFloat(v); ok {
			sum += f
		}
		if minV == nil || compare(v, minV) < 0 {
			minV = v
		}
		if maxV == nil || compare(v, maxV) > 0 {
			maxV = v
		}
	}
	switch a.Aggregate.Func {
	case connector.AggSum:
		return &connector.Result{Value: sum}
	case connector.AggAvg:
		if count == 0 {
			return &connector.Result{Value: nil}
		}
		return &connector.Result{Value: sum / float64(count)}
	case connector.AggMin:
		return &connector.Result{Value: minV}
	case connector.AggMax:
		return &connector.Result{Value: maxV}
	}
	return &connector.Result{Value: nil}
}

// Begin implements connector.Connector with a snapshot transaction:
// writes land on a copy and replace the live tables on commit.
func (c *Connector) Begin(ctx context.Context) (connector.Tx, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	c.mu.Lock()
	defer c.mu.Unlock()
	scratch := make(map[string][]connector.Row, len(c.tables))
	for t, rows := range c.tables {
		cp := make([]connector.Row, len(rows))
		for i, r := range rows {
			cp[i] = r.Clone()
		}
		scratch[t] = cp
	}
	return &tx{conn: c, tables: scratch}, nil
}

type tx struct {
	conn   *Connector
	mu     sync.Mutex
	tables map[string][]connector.Row
	done   bool
}

func (t *tx) Dispatch(ctx context.Context, a *connector.Action) (*connector.Result, error) {
	t.mu.Lock()
	defer t.mu.Unlock()
	if t.done {
		return nil, fmt.Errorf("connectortest: transaction closed")
	}
	t.conn.mu.Lock()
	defer t.conn.mu.Unlock()
	return t.conn.dispatch(ctx, a, t.tables)
}

func (t *tx) Commit() error {
	t.mu.Lock()
	defer t.mu.Unlock()
	if t.done {
		return fmt.Errorf("connectortest: transaction closed")
	}
	t.done = true
	t.conn.mu.Lock()
	t.conn.tables = t.tables
	t.conn.mu.Unlock()
	return nil
}

func (t *tx) Rollback() error {
	t.mu.Lock()
	defer t.mu.Unlock()
	if t.done {
		return fmt.Errorf("connectortest: transaction closed")
	}
	t.done = true
	return nil
}

func failKey(op connector.Op, table string) string {
	return string(op) + ":" + table
}

func filterRows(rows []connector.Row, f connector.Filter) []connector.Row {
	out := make([]connector.Row, 0, len(rows))
	for _, row := range rows {
		if matches(row, f) {
			out = append(out, row)
		}
	}
	return out
}

func matches(row connector.Row, f connector.Filter) bool {
	for _, c := range f.Conds {
		if !matchCond(row, c) {
			return false
		}
	}
	return true
}

func matchCond(row connector.Row, c connector.Cond) bool {
	v := row[c.Field]
	switch c.Op {
	case connector.EQ:
		return equal(v, c.Value)
	case connector.NEQ:
		return !equal(v, c.Value)
	case connector.GT:
		return v != nil && compare(v, c.Value) > 0
	case connector.GTE:
		return v != nil && compare(v, c.Value) >= 0
	case connector.LT:
		return v != nil && compare(v, c.Value) < 0
	case connector.LTE:
		return v != nil && compare(v, c.Value) <= 0
	case connector.In:
		for _, cand := range c.Values {
			if equal(v, cand) {
				return true
			}
		}
		return false
	case connector.NotIn:
		for _, cand := range c.Values {
			if equal(v, cand) {
				return false
			}
		}
		return true
	case connector.Contains:
		s, ok := v.(string)
		sub, ok2 := c.Value.(string)
		return ok && ok2 && strings.Contains(s, sub)
	case connector.IsNull:
		return v == nil
	case connector.NotNull:
		return v != nil
	}
	return false
}

func orderRows(rows []connector.Row, order []connector.OrderBy) {
	if len(order) == 0 {
		return
	}
	sort.SliceStable(rows, func(i, j int) bool {
		for _, o := range order {
			c := compare(rows[i][o.Field], rows[j][o.Field])
			if c == 0 {
				continue
			}
			if o.Desc {
				return c > 0
			}
			return c < 0
		}
		return false
	})
}

func equal(a, b any) bool {
	if a == nil || b == nil {
		return a == b
	}
	if a == b {
		return true
	}
	af, aok := toFloat(a)
	bf, bok := toFloat(b)
	return aok && bok && af == bf
}

func compare(a, b any) int {
	switch {
	case a == nil && b == nil:
		return 0
	case a == nil:
		return -1
	case b == nil:
		return 1
	}
	if as, ok := a.(string); ok {
		if bs, ok := b.(string); ok {
			return strings.Compare(as, bs)
		}
	}
	af, aok := toFloat(a)
	bf, bok := toFloat(b)
	if aok && bok {
		switch {
		case af < bf:
			return -1
		case af > bf:
			return 1
		}
		return 0
	}
	return strings.Compare(fmt.Sprint(a), fmt.Sprint(b))
}

func toFloat(v any) (float64, bool) {
	switch n := v.(type) {
	case int:
		return float64(n), true
	case int32:
		return float64(n), true
	case int64:
		return float64(n), true
	case float32:
		return float64(n), true
	case float64:
		return float64(n), true
	}
	return 0, false
}
