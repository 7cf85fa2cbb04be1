package graph

import (
	"errors"
	"fmt"

	"github.com/syssam/vertex"
	"github.com/syssam/vertex/connector"
	"github.com/syssam/vertex/query"
	"github.com/syssam/vertex/schema"
)

// Builder plans parsed queries into query graphs. Strategy decisions
// (join-based vs. two-step nested reads, cascade emulation, batch
// chunking) are driven by the connector's capability flags, never by the
// request itself.
type Builder struct {
	reg  *schema.Registry
	name string
	caps connector.Capabilities
}

// NewBuilder returns a builder planning against the given registry and
// connector capability set. The connector name is used in capability
// errors only.
func NewBuilder(reg *schema.Registry, name string, caps connector.Capabilities) *Builder {
	return &Builder{reg: reg, name: name, caps: caps}
}

// Build plans a single query into a validated graph.
func (b *Builder) Build(q *query.Query) (*Graph, error) {
	return b.BuildBatch([]*query.Query{q})
}

// BuildBatch plans independent top-level queries into sibling subgraphs
// sharing one graph (and later one execution scope). Subgraphs carry no
// value-flow edges between them; consecutive subgraphs are chained with
// ordering edges whenever either has side effects, so the side-effect
// order observed by the backend is exactly the request order.
func (b *Builder) BuildBatch(qs []*query.Query) (*Graph, error) {
	if len(qs) == 0 {
		return nil, vertex.NewValidationError("batch", errors.New("empty batch"))
	}
	g := New()
	prevStart, prevEnd := 0, 0
	for _, q := range qs {
		start := g.Len()
		if err := b.build(g, q); err != nil {
			return nil, err
		}
		end := g.Len()
		if prevEnd > 0 && (b.spanWrites(g, prevStart, prevEnd) || b.spanWrites(g, start, end)) {
			b.chainSpans(g, prevStart, prevEnd, start, end)
		}
		prevStart, prevEnd = start, end
	}
	if err := g.Validate(); err != nil {
		return nil, err
	}
	return g, nil
}

func (b *Builder) spanWrites(g *Graph, start, end int) bool {
	for i := start; i < end; i++ {
		switch g.nodes[i].Action.Op {
		case connector.OpCreate, connector.OpUpdate, connector.OpDelete, connector.OpRaw:
			return true
		}
	}
	return false
}

// chainSpans adds ordering edges from the terminal nodes of one subgraph
// to the entry nodes of the next.
func (b *Builder) chainSpans(g *Graph, aStart, aEnd, bStart, bEnd int) {
	var terminals, entries []NodeID
	for i := aStart; i < aEnd; i++ {
		if len(g.out[NodeID(i)]) == 0 {
			terminals = append(terminals, NodeID(i))
		}
	}
	for i := bStart; i < bEnd; i++ {
		if len(g.in[NodeID(i)]) == 0 {
			entries = append(entries, NodeID(i))
		}
	}
	for _, from := range terminals {
		for _, to := range entries {
			g.AddEdge(Edge{From: from, To: to, Kind: KindOrder})
		}
	}
}

func (b *Builder) build(g *Graph, q *query.Query) error {
	switch q.Kind {
	case query.FindMany, query.FindFirst, query.FindUnique:
		return b.buildFind(g, q)
	case query.CreateOne:
		return b.buildCreateOne(g, q)
	case query.CreateMany:
		return b.buildCreateMany(g, q)
	case query.UpdateOne, query.UpdateMany:
		return b.buildUpdate(g, q)
	case query.DeleteOne, query.DeleteMany:
		return b.buildDelete(g, q)
	case query.Aggregate:
		return b.buildAggregate(g, q)
	case query.Raw:
		return b.buildRaw(g, q)
	default:
		return vertex.NewValidationError(string(q.Kind), errors.New("unknown operation kind"))
	}
}

func (b *Builder) model(name string) (*schema.Model, error) {
	m, ok := b.reg.Model(name)
	if !ok {
		return nil, vertex.NewValidationError(name, errors.New("unknown model"))
	}
	return m, nil
}

func (b *Builder) buildFind(g *Graph, q *query.Query) error {
	model, err := b.model(q.Model)
	if err != nil {
		return err
	}
	limit := q.Take
	if q.Kind == query.FindUnique || q.Kind == query.FindFirst {
		limit = 1
	}
	node := &Node{
		Action: &connector.Action{
			Op:      connector.OpFind,
			Model:   model.Name(),
			Table:   model.TableName(),
			IDField: model.ID().Name(),
			Mapping: fieldMapping(model),
			Fields:  projectedFields(model, &q.Selection),
			Filter:  buildFilter(q.Where),
			Order:   buildOrder(q.OrderBy),
			Limit:   limit,
			Offset:  q.Skip,
		},
		Expect: ExpectAny,
		Result: true,
		Parent: NoParent,
	}
	id := g.AddNode(node)
	g.MarkRoot(id)
	_, err = b.addRelations(g, id, model, &q.Selection)
	return err
}

// addRelations plans the nested relation selections of a result node,
// choosing per relation between the join strategy and the two-step
// child-fetch strategy. It returns the ids of the child result nodes it
// added (joins add none).
func (b *Builder) addRelations(g *Graph, parent NodeID, model *schema.Model, sel *query.Selection) ([]NodeID, error) {
	var added []NodeID
	for _, relSel := range sel.Relations {
		rel, ok := model.Relation(relSel.Name)
		if !ok {
			return nil, vertex.NewValidationError(
				model.Name()+"."+relSel.Name, errors.New("unknown relation"))
		}
		target, err := b.model(rel.Target())
		if err != nil {
			return nil, err
		}
		local, foreign := joinKeys(rel)
		if b.joinable(g.Node(parent), relSel) {
			pa := g.Node(parent).Action
			pa.Joins = append(pa.Joins, connector.Join{
				Relation:     relSel.Name,
				Model:        target.Name(),
				Table:        target.TableName(),
				Mapping:      fieldMapping(target),
				LocalField:   local,
				ForeignField: foreign,
				ToMany:       rel.IsToMany(),
				Fields:       projectedFields(target, &relSel.Selection),
			})
			ensureField(pa, local)
			continue
		}
		// Two-step fallback: read children by the parent rows' keys.
		child := &Node{
			Action: &connector.Action{
				Op:      connector.OpFind,
				Model:   target.Name(),
				Table:   target.TableName(),
				IDField: target.ID().Name(),
				Mapping: fieldMapping(target),
				Fields:  projectedFields(target, &relSel.Selection, foreign),
				Filter:  buildFilter(relSel.Where),
				Order:   buildOrder(relSel.OrderBy),
			},
			Expect:     ExpectAny,
			Result:     true,
			Parent:     parent,
			RelName:    relSel.Name,
			GroupField: foreign,
			ParentKey:  local,
			ToMany:     rel.IsToMany(),
			Required:   !rel.IsToMany() && !rel.IsOptional(),
		}
		ensureField(g.Node(parent).Action, local)
		childID := g.AddNode(child)
		g.AddEdge(Edge{
			From:        parent,
			To:          childID,
			Kind:        KindValueFlow,
			SourceField: local,
			TargetField: foreign,
			Dest:        DestFilterIn,
		})
		added = append(added, childID)
		nested, err := b.addRelations(g, childID, target, &relSel.Selection)
		if err != nil {
			return nil, err
		}
		added = append(added, nested...)
	}
	return added, nil
}

// joinable reports whether a relation selection can ride the parent's
// find as a join: the connector must support joins, the parent must be a
// plain find, and the selection must carry no arguments or nesting of its
// own.
func (b *Builder) joinable(parent *Node, sel *query.RelationSelection) bool {
	return b.caps.Joins &&
		parent.Action.Op == connector.OpFind &&
		len(sel.Selection.Relations) == 0 &&
		len(sel.Where) == 0 &&
		len(sel.OrderBy) == 0 &&
		sel.Take == 0
}

func (b *Builder) buildAggregate(g *Graph, q *query.Query) error {
	model, err := b.model(q.Model)
	if err != nil {
		return err
	}
	node := &Node{
		Action: &connector.Action{
			Op:      connector.OpAggregate,
			Model:   model.Name(),
			Table:   model.TableName(),
			IDField: model.ID().Name(),
			Mapping: fieldMapping(model),
			Filter:  buildFilter(q.Where),
			Aggregate: &connector.Aggregate{
				Func:  connector.AggregateFunc(q.Agg.Func),
				Field: q.Agg.Field,
			},
		},
		Expect: ExpectAny,
		Result: true,
		Parent: NoParent,
	}
	g.MarkRoot(g.AddNode(node))
	return nil
}

func (b *Builder) buildRaw(g *Graph, q *query.Query) error {
	if !b.caps.RawSQL {
		return vertex.NewCapabilityError(b.name, "raw statements")
	}
	node := &Node{
		Action: &connector.Action{
			Op:      connector.OpRaw,
			SQL:     q.SQL,
			SQLArgs: q.SQLArgs,
		},
		Expect: ExpectAny,
		Result: true,
		Count:  true,
		Parent: NoParent,
	}
	g.MarkRoot(g.AddNode(node))
	return nil
}

// joinKeys returns the join-key pair of a relation: the field on the
// declaring model's rows and the field on the target model's rows.
func joinKeys(rel *schema.Relation) (local, foreign string) {
	if rel.ForeignKeyOnTarget() {
		return rel.ReferencedField(), rel.ForeignKeyField()
	}
	return rel.ForeignKeyField(), rel.ReferencedField()
}

// fieldMapping returns the field→column mapping of a model.
func fieldMapping(model *schema.Model) map[string]string {
	m := make(map[string]string, len(model.Fields()))
	for _, f := range model.Fields() {
		m[f.Name()] = f.ColumnName()
	}
	return m
}

// projectedFields returns the scalar fields a find should project: the
// selection's fields (or all scalars when unspecified), always including
// the id and any extra key fields, in model declaration order.
func projectedFields(model *schema.Model, sel *query.Selection, extras ...string) []string {
	want := make(map[string]bool)
	if len(sel.Fields) == 0 {
		for _, f := range model.Fields() {
			want[f.Name()] = true
		}
	} else {
		for _, name := range sel.Fields {
			want[name] = true
		}
	}
	want[model.ID().Name()] = true
	for _, name := range extras {
		want[name] = true
	}
	out := make([]string, 0, len(want))
	for _, f := range model.Fields() {
		if want[f.Name()] {
			out = append(out, f.Name())
		}
	}
	return out
}

// ensureField adds a field to a find's projection if missing.
func ensureField(a *connector.Action, name string) {
	for _, f := range a.Fields {
		if f == name {
			return
		}
	}
	a.Fields = append(a.Fields, name)
}

var condOps = map[query.FilterOp]connector.CondOp{
	query.OpEQ:       connector.EQ,
	query.OpNEQ:      connector.NEQ,
	query.OpGT:       connector.GT,
	query.OpGTE:      connector.GTE,
	query.OpLT:       connector.LT,
	query.OpLTE:      connector.LTE,
	query.OpIn:       connector.In,
	query.OpNotIn:    connector.NotIn,
	query.OpContains: connector.Contains,
}

// buildFilter converts request conditions to a connector filter.
func buildFilter(conds []query.Condition) connector.Filter {
	var f connector.Filter
	for _, c := range conds {
		if c.Op == query.OpIsNull {
			op := connector.IsNull
			if b, ok := c.Value.(bool); ok && !b {
				op = connector.NotNull
			}
			f.And(connector.Cond{Field: c.Field, Op: op})
			continue
		}
		f.And(connector.Cond{
			Field:  c.Field,
			Op:     condOps[c.Op],
			Value:  c.Value,
			Values: c.Values,
		})
	}
	return f
}

func buildOrder(orders []query.Order) []connector.OrderBy {
	if len(orders) == 0 {
		return nil
	}
	out := make([]connector.OrderBy, len(orders))
	for i, o := range orders {
		out[i] = connector.OrderBy{Field: o.Field, Desc: o.Desc}
	}
	return out
}

// eqFilter returns a single-equality filter.
func eqFilter(field string, v any) connector.Filter {
	var f connector.Filter
	f.And(connector.Cond{Field: field, Op: connector.EQ, Value: v})
	return f
}

func fmtField(model, field string) string {
	return fmt.Sprintf("%s.%s", model, field)
}
