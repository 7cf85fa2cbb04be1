package graph

import (
	"github.com/syssam/vertex"
	"github.com/syssam/vertex/connector"
	"github.com/syssam/vertex/query"
	"github.com/syssam/vertex/schema"
)

func (b *Builder) buildDelete(g *Graph, q *query.Query) error {
	model, err := b.model(q.Model)
	if err != nil {
		return err
	}
	refs := b.reg.ReferencingRelations(model.Name())
	emulate := !b.caps.CascadingDeletes && len(refs) > 0

	if q.Kind == query.DeleteMany {
		if !emulate {
			del := g.AddNode(&Node{
				Action: &connector.Action{
					Op:      connector.OpDelete,
					Model:   model.Name(),
					Table:   model.TableName(),
					IDField: model.ID().Name(),
					Mapping: fieldMapping(model),
					Filter:  buildFilter(q.Where),
				},
				Expect: ExpectAny,
				Result: true,
				Count:  true,
				Parent: NoParent,
			})
			g.MarkRoot(del)
			return nil
		}
		preFind := g.AddNode(&Node{
			Action: &connector.Action{
				Op:      connector.OpFind,
				Model:   model.Name(),
				Table:   model.TableName(),
				IDField: model.ID().Name(),
				Mapping: fieldMapping(model),
				Fields:  keyFields(model, refs),
				Filter:  buildFilter(q.Where),
			},
			Expect: ExpectAny,
			Parent: NoParent,
		})
		del, err := b.expandDeletes(g, model, preFind, map[string]bool{}, nil)
		if err != nil {
			return err
		}
		node := g.Node(del)
		node.Result = true
		node.Count = true
		g.MarkRoot(del)
		return nil
	}

	// The row is read before it goes; the read is the result.
	preFind := g.AddNode(&Node{
		Action: &connector.Action{
			Op:      connector.OpFind,
			Model:   model.Name(),
			Table:   model.TableName(),
			IDField: model.ID().Name(),
			Mapping: fieldMapping(model),
			Fields:  projectedFields(model, &q.Selection, refFields(refs)...),
			Filter:  buildFilter(q.Where),
			Limit:   2,
		},
		Expect: 1,
		Result: true,
		Parent: NoParent,
	})
	g.MarkRoot(preFind)

	// Selected relations read off the doomed row, ahead of any write.
	reads, err := b.addRelations(g, preFind, model, &q.Selection)
	if err != nil {
		return err
	}

	if emulate {
		_, err = b.expandDeletes(g, model, preFind, map[string]bool{}, reads)
		return err
	}
	del := g.AddNode(&Node{
		Action: &connector.Action{
			Op:      connector.OpDelete,
			Model:   model.Name(),
			Table:   model.TableName(),
			IDField: model.ID().Name(),
			Mapping: fieldMapping(model),
		},
		Expect: ExpectAny,
		Parent: NoParent,
	})
	g.AddEdge(Edge{
		From:        preFind,
		To:          del,
		Kind:        KindValueFlow,
		SourceField: model.ID().Name(),
		TargetField: model.ID().Name(),
		Dest:        DestFilterIn,
	})
	for _, r := range reads {
		g.AddEdge(Edge{From: r, To: del, Kind: KindOrder})
	}
	return nil
}

// expandDeletes plans the removal of the rows produced by find, honoring
// each referencing relation's delete action without connector help.
// Dependent rows go first, so no key ever dangles: cascaded children are
// expanded depth-first and their deletes ordered ahead of this one.
// The after nodes are reads that must complete before any write lands.
func (b *Builder) expandDeletes(g *Graph, model *schema.Model, find NodeID, path map[string]bool, after []NodeID) (NodeID, error) {
	if path[model.Name()] {
		return 0, vertex.NewCapabilityError(b.name, "cascading delete over cyclic relations")
	}
	path[model.Name()] = true
	defer delete(path, model.Name())

	hold := func(id NodeID) {
		for _, r := range after {
			g.AddEdge(Edge{From: r, To: id, Kind: KindOrder})
		}
	}

	var guards []NodeID
	for _, ref := range b.reg.ReferencingRelations(model.Name()) {
		owner, err := b.model(ref.Owner)
		if err != nil {
			return 0, err
		}
		fk := ref.Relation.ForeignKeyField()
		refField := ref.Relation.ReferencedField()
		switch ref.Relation.DeleteAction() {
		case schema.Cascade:
			childFind := g.AddNode(&Node{
				Action: &connector.Action{
					Op:      connector.OpFind,
					Model:   owner.Name(),
					Table:   owner.TableName(),
					IDField: owner.ID().Name(),
					Mapping: fieldMapping(owner),
					Fields:  keyFields(owner, b.reg.ReferencingRelations(owner.Name())),
				},
				Expect: ExpectAny,
				Parent: NoParent,
			})
			g.AddEdge(Edge{
				From:        find,
				To:          childFind,
				Kind:        KindValueFlow,
				SourceField: refField,
				TargetField: fk,
				Dest:        DestFilterIn,
			})
			childDel, err := b.expandDeletes(g, owner, childFind, path, after)
			if err != nil {
				return 0, err
			}
			guards = append(guards, childDel)
		case schema.SetNull:
			detach := g.AddNode(&Node{
				Action: &connector.Action{
					Op:      connector.OpUpdate,
					Model:   owner.Name(),
					Table:   owner.TableName(),
					IDField: owner.ID().Name(),
					Mapping: fieldMapping(owner),
					Values:  connector.Row{fk: nil},
				},
				Expect: ExpectAny,
				Parent: NoParent,
			})
			g.AddEdge(Edge{
				From:        find,
				To:          detach,
				Kind:        KindValueFlow,
				SourceField: refField,
				TargetField: fk,
				Dest:        DestFilterIn,
			})
			hold(detach)
			guards = append(guards, detach)
		case schema.Restrict:
			check := g.AddNode(&Node{
				Action: &connector.Action{
					Op:      connector.OpFind,
					Model:   owner.Name(),
					Table:   owner.TableName(),
					IDField: owner.ID().Name(),
					Mapping: fieldMapping(owner),
					Fields:  []string{owner.ID().Name()},
					Limit:   1,
				},
				Expect: 0,
				Guard:  &Guard{Model: model.Name(), Relation: ref.Relation.Name()},
				Parent: NoParent,
			})
			g.AddEdge(Edge{
				From:        find,
				To:          check,
				Kind:        KindValueFlow,
				SourceField: refField,
				TargetField: fk,
				Dest:        DestFilterIn,
			})
			guards = append(guards, check)
		}
	}

	del := g.AddNode(&Node{
		Action: &connector.Action{
			Op:      connector.OpDelete,
			Model:   model.Name(),
			Table:   model.TableName(),
			IDField: model.ID().Name(),
			Mapping: fieldMapping(model),
		},
		Expect: ExpectAny,
		Parent: NoParent,
	})
	g.AddEdge(Edge{
		From:        find,
		To:          del,
		Kind:        KindValueFlow,
		SourceField: model.ID().Name(),
		TargetField: model.ID().Name(),
		Dest:        DestFilterIn,
	})
	hold(del)
	for _, guard := range guards {
		g.AddEdge(Edge{From: guard, To: del, Kind: KindOrder})
	}
	return del, nil
}

// refFields lists the fields of a model that referencing relations point
// at, deduplicated.
func refFields(refs []schema.ReferencingRelation) []string {
	seen := map[string]bool{}
	var out []string
	for _, ref := range refs {
		f := ref.Relation.ReferencedField()
		if !seen[f] {
			seen[f] = true
			out = append(out, f)
		}
	}
	return out
}
