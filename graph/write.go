package graph

import (
	"errors"

	"github.com/syssam/vertex"
	"github.com/syssam/vertex/connector"
	"github.com/syssam/vertex/query"
	"github.com/syssam/vertex/schema"
)

// nestedWrite pairs a relation's nested write with its target model and
// the matching output selection, if any.
type nestedWrite struct {
	rel    *schema.Relation
	target *schema.Model
	sel    *query.RelationSelection
	nw     query.NestedWrite
}

// splitWriteData separates write data into scalar values and nested
// relation writes, iterating in model declaration order so that planning
// is deterministic.
func (b *Builder) splitWriteData(model *schema.Model, data map[string]any, sel *query.Selection) (connector.Row, []nestedWrite, []nestedWrite, error) {
	values := connector.Row{}
	for _, f := range model.Fields() {
		if v, ok := data[f.Name()]; ok {
			values[f.Name()] = v
		}
	}
	var toOne, toMany []nestedWrite
	for _, rel := range model.Relations() {
		v, ok := data[rel.Name()]
		if !ok {
			continue
		}
		nw, ok := v.(query.NestedWrite)
		if !ok {
			return nil, nil, nil, vertex.NewValidationError(
				fmtField(model.Name(), rel.Name()), errors.New("relation value must be a nested write"))
		}
		target, err := b.model(rel.Target())
		if err != nil {
			return nil, nil, nil, err
		}
		item := nestedWrite{rel: rel, target: target, nw: nw}
		if sel != nil {
			if relSel, ok := sel.Relation(rel.Name()); ok {
				item.sel = relSel
			}
		}
		if rel.IsToMany() {
			toMany = append(toMany, item)
		} else {
			toOne = append(toOne, item)
		}
	}
	return values, toOne, toMany, nil
}

func (b *Builder) buildCreateOne(g *Graph, q *query.Query) error {
	model, err := b.model(q.Model)
	if err != nil {
		return err
	}
	rootID, err := b.createNode(g, model, q.Data, &q.Selection, nil)
	if err != nil {
		return err
	}
	root := g.Node(rootID)
	root.Result = true
	root.Parent = NoParent
	g.MarkRoot(rootID)
	return nil
}

// createNode plans the creation of one row, recursively planning its
// nested writes. Producers the new row depends on (to-one creates and
// connects, whose keys the row stores) are planned first; dependents (to-
// many children storing this row's key) after. The returned node yields
// the created row; the caller decides whether it feeds the result tree.
func (b *Builder) createNode(g *Graph, model *schema.Model, data map[string]any, sel *query.Selection, pending map[string]bool) (NodeID, error) {
	values, toOne, toMany, err := b.splitWriteData(model, data, sel)
	if err != nil {
		return 0, err
	}
	for _, f := range model.Fields() {
		if _, ok := values[f.Name()]; !ok && f.DefaultValue() != nil {
			values[f.Name()] = f.DefaultValue()
		}
	}
	if pending == nil {
		pending = map[string]bool{}
	}

	// Producers first: rows this one references must exist before it.
	type inflow struct {
		from     NodeID
		source   string
		target   string
		item     nestedWrite
		fromFind bool
	}
	var inflows []inflow
	for _, item := range toOne {
		fk := item.rel.ForeignKeyField()
		ref := item.rel.ReferencedField()
		switch {
		case len(item.nw.Create) == 1:
			var childSel *query.Selection
			if item.sel != nil {
				childSel = &item.sel.Selection
			}
			producer, err := b.createNode(g, item.target, item.nw.Create[0], childSel, nil)
			if err != nil {
				return 0, err
			}
			inflows = append(inflows, inflow{from: producer, source: ref, target: fk, item: item})
		case len(item.nw.Connect) == 1:
			finder := b.lookupNode(g, item.target, item.nw.Connect[0], item.sel)
			inflows = append(inflows, inflow{from: finder, source: ref, target: fk, item: item, fromFind: true})
		default:
			return 0, vertex.NewValidationError(
				fmtField(model.Name(), item.rel.Name()),
				errors.New("to-one nested write requires exactly one create or connect"))
		}
		pending[fk] = true
	}

	for _, f := range model.Fields() {
		if f.IsOptional() || f.IsGenerated() {
			continue
		}
		if _, ok := values[f.Name()]; !ok && !pending[f.Name()] {
			return 0, vertex.NewValidationError(
				fmtField(model.Name(), f.Name()), errors.New("missing required field"))
		}
	}

	nodeID := g.AddNode(&Node{
		Action: &connector.Action{
			Op:      connector.OpCreate,
			Model:   model.Name(),
			Table:   model.TableName(),
			IDField: model.ID().Name(),
			Mapping: fieldMapping(model),
			Values:  values,
		},
		Expect: 1,
		Parent: NoParent,
	})
	covered := map[string]bool{}
	for _, fl := range inflows {
		g.AddEdge(Edge{
			From:        fl.from,
			To:          nodeID,
			Kind:        KindValueFlow,
			SourceField: fl.source,
			TargetField: fl.target,
			Dest:        DestValue,
		})
		covered[fl.item.rel.Name()] = true
		if fl.item.sel != nil {
			producer := g.Node(fl.from)
			producer.Result = true
			producer.Parent = nodeID
			producer.RelName = fl.item.rel.Name()
			producer.GroupField = fl.item.rel.ReferencedField()
			producer.ParentKey = fl.item.rel.ForeignKeyField()
			producer.Required = !fl.item.rel.IsOptional()
		}
	}

	// Dependents after: children storing this row's generated key.
	for _, item := range toMany {
		ref, fk := joinKeys(item.rel)
		covered[item.rel.Name()] = true
		for _, row := range item.nw.Create {
			var childSel *query.Selection
			if item.sel != nil {
				childSel = &item.sel.Selection
			}
			childID, err := b.createNode(g, item.target, row, childSel, map[string]bool{fk: true})
			if err != nil {
				return 0, err
			}
			g.AddEdge(Edge{
				From:        nodeID,
				To:          childID,
				Kind:        KindValueFlow,
				SourceField: ref,
				TargetField: fk,
				Dest:        DestValue,
			})
			if item.sel != nil {
				child := g.Node(childID)
				child.Result = true
				child.Parent = nodeID
				child.RelName = item.rel.Name()
				child.GroupField = fk
				child.ParentKey = ref
				child.ToMany = true
			}
		}
		for _, conds := range item.nw.Connect {
			finder := b.lookupNode(g, item.target, conds, item.sel)
			updateID := g.AddNode(&Node{
				Action: &connector.Action{
					Op:      connector.OpUpdate,
					Model:   item.target.Name(),
					Table:   item.target.TableName(),
					IDField: item.target.ID().Name(),
					Mapping: fieldMapping(item.target),
					Values:  connector.Row{},
				},
				Expect: ExpectAny,
				Parent: NoParent,
			})
			g.AddEdge(Edge{
				From:        finder,
				To:          updateID,
				Kind:        KindValueFlow,
				SourceField: item.target.ID().Name(),
				TargetField: item.target.ID().Name(),
				Dest:        DestFilterIn,
			})
			g.AddEdge(Edge{
				From:        nodeID,
				To:          updateID,
				Kind:        KindValueFlow,
				SourceField: ref,
				TargetField: fk,
				Dest:        DestValue,
			})
			if item.sel != nil {
				// Connected rows were read before their key moved;
				// they all belong to the single row being created.
				fn := g.Node(finder)
				fn.Result = true
				fn.Parent = nodeID
				fn.RelName = item.rel.Name()
				fn.ToMany = true
			}
		}
	}

	// Relations selected but not written are read back off the new row.
	if sel != nil {
		leftover := query.Selection{Fields: sel.Fields}
		for _, relSel := range sel.Relations {
			if !covered[relSel.Name] {
				leftover.Relations = append(leftover.Relations, relSel)
			}
		}
		if _, err := b.addRelations(g, nodeID, model, &leftover); err != nil {
			return 0, err
		}
	}
	return nodeID, nil
}

// lookupNode plans a unique-row lookup that must match exactly one row.
func (b *Builder) lookupNode(g *Graph, model *schema.Model, conds []query.Condition, sel *query.RelationSelection) NodeID {
	fields := []string{model.ID().Name()}
	if sel != nil {
		fields = projectedFields(model, &sel.Selection)
	}
	return g.AddNode(&Node{
		Action: &connector.Action{
			Op:      connector.OpFind,
			Model:   model.Name(),
			Table:   model.TableName(),
			IDField: model.ID().Name(),
			Mapping: fieldMapping(model),
			Fields:  fields,
			Filter:  buildFilter(conds),
			Limit:   2, // enough to detect a non-singular match
		},
		Expect: 1,
		Parent: NoParent,
	})
}

func (b *Builder) buildCreateMany(g *Graph, q *query.Query) error {
	model, err := b.model(q.Model)
	if err != nil {
		return err
	}
	rows := make([]connector.Row, 0, len(q.Rows))
	for _, data := range q.Rows {
		values, toOne, toMany, err := b.splitWriteData(model, data, nil)
		if err != nil {
			return err
		}
		if len(toOne)+len(toMany) > 0 {
			return vertex.NewValidationError(model.Name(),
				errors.New("createMany does not accept nested writes"))
		}
		for _, f := range model.Fields() {
			if _, ok := values[f.Name()]; !ok && f.DefaultValue() != nil {
				values[f.Name()] = f.DefaultValue()
			}
			if _, ok := values[f.Name()]; !ok && !f.IsOptional() && !f.IsGenerated() {
				return vertex.NewValidationError(
					fmtField(model.Name(), f.Name()), errors.New("missing required field"))
			}
		}
		rows = append(rows, values)
	}
	chunk := len(rows)
	if b.caps.MaxBatchSize > 0 && b.caps.MaxBatchSize < chunk {
		chunk = b.caps.MaxBatchSize
	}
	var rootID, prev NodeID
	for i := 0; i < len(rows); i += chunk {
		end := min(i+chunk, len(rows))
		id := g.AddNode(&Node{
			Action: &connector.Action{
				Op:      connector.OpCreate,
				Model:   model.Name(),
				Table:   model.TableName(),
				IDField: model.ID().Name(),
				Mapping: fieldMapping(model),
				Batch:   rows[i:end],
			},
			Expect: ExpectAny,
			Result: true,
			Count:  true,
			Parent: NoParent,
		})
		if i == 0 {
			rootID = id
			g.MarkRoot(id)
		} else {
			// Chunks apply in request order.
			g.AddEdge(Edge{From: prev, To: id, Kind: KindOrder})
			g.Node(id).Parent = rootID
		}
		prev = id
	}
	return nil
}

func (b *Builder) buildUpdate(g *Graph, q *query.Query) error {
	model, err := b.model(q.Model)
	if err != nil {
		return err
	}
	values, toOne, toMany, err := b.splitWriteData(model, q.Data, &q.Selection)
	if err != nil {
		return err
	}
	if q.Kind == query.UpdateMany {
		if len(toOne)+len(toMany) > 0 {
			return vertex.NewValidationError(model.Name(),
				errors.New("updateMany does not accept nested writes"))
		}
		return b.buildUpdateMany(g, model, q, values)
	}

	// Pin the target row first; its key drives everything downstream.
	var joinFields []string
	for _, item := range toMany {
		ref, _ := joinKeys(item.rel)
		joinFields = append(joinFields, ref)
	}
	finder := g.AddNode(&Node{
		Action: &connector.Action{
			Op:      connector.OpFind,
			Model:   model.Name(),
			Table:   model.TableName(),
			IDField: model.ID().Name(),
			Mapping: fieldMapping(model),
			Fields:  keyFields(model, b.changedRefs(model, values), joinFields...),
			Filter:  buildFilter(q.Where),
			Limit:   2,
		},
		Expect: 1,
		Parent: NoParent,
	})

	updateID := g.AddNode(&Node{
		Action: &connector.Action{
			Op:      connector.OpUpdate,
			Model:   model.Name(),
			Table:   model.TableName(),
			IDField: model.ID().Name(),
			Mapping: fieldMapping(model),
			Values:  values,
		},
		Expect: ExpectAny,
		Parent: NoParent,
	})
	g.AddEdge(Edge{
		From:        finder,
		To:          updateID,
		Kind:        KindValueFlow,
		SourceField: model.ID().Name(),
		TargetField: model.ID().Name(),
		Dest:        DestFilterIn,
	})

	// To-one nested writes replace the row's stored key.
	for _, item := range toOne {
		fk := item.rel.ForeignKeyField()
		ref := item.rel.ReferencedField()
		var producer NodeID
		switch {
		case len(item.nw.Create) == 1:
			producer, err = b.createNode(g, item.target, item.nw.Create[0], nil, nil)
			if err != nil {
				return err
			}
		case len(item.nw.Connect) == 1:
			producer = b.lookupNode(g, item.target, item.nw.Connect[0], nil)
		default:
			return vertex.NewValidationError(
				fmtField(model.Name(), item.rel.Name()),
				errors.New("to-one nested write requires exactly one create or connect"))
		}
		g.AddEdge(Edge{
			From:        producer,
			To:          updateID,
			Kind:        KindValueFlow,
			SourceField: ref,
			TargetField: fk,
			Dest:        DestValue,
		})
	}

	// Updating a referenced key orphans dependents on connectors without
	// native cascades: propagate the new value root-to-leaf.
	b.updateCascade(g, model, values, finder, updateID)

	// The result is the row as it stands after all writes.
	readback := g.AddNode(&Node{
		Action: &connector.Action{
			Op:      connector.OpFind,
			Model:   model.Name(),
			Table:   model.TableName(),
			IDField: model.ID().Name(),
			Mapping: fieldMapping(model),
			Fields:  projectedFields(model, &q.Selection),
			Limit:   1,
		},
		Expect: ExpectAny,
		Result: true,
		Parent: NoParent,
	})
	g.MarkRoot(readback)
	idSource := model.ID().Name()
	if newID, ok := values[idSource]; ok {
		// The key itself changed; re-read under the new value.
		g.Node(readback).Action.Filter = eqFilter(idSource, newID)
		g.AddEdge(Edge{From: updateID, To: readback, Kind: KindOrder})
	} else {
		g.AddEdge(Edge{
			From:        finder,
			To:          readback,
			Kind:        KindValueFlow,
			SourceField: idSource,
			TargetField: idSource,
			Dest:        DestFilterIn,
		})
		g.AddEdge(Edge{From: updateID, To: readback, Kind: KindOrder})
	}

	// To-many nested writes attach children to the existing row.
	for _, item := range toMany {
		ref, fk := joinKeys(item.rel)
		for _, row := range item.nw.Create {
			var childSel *query.Selection
			if item.sel != nil {
				childSel = &item.sel.Selection
			}
			childID, err := b.createNode(g, item.target, row, childSel, map[string]bool{fk: true})
			if err != nil {
				return err
			}
			g.AddEdge(Edge{
				From:        finder,
				To:          childID,
				Kind:        KindValueFlow,
				SourceField: ref,
				TargetField: fk,
				Dest:        DestValue,
			})
			g.AddEdge(Edge{From: updateID, To: childID, Kind: KindOrder})
		}
		for _, conds := range item.nw.Connect {
			childFind := b.lookupNode(g, item.target, conds, nil)
			childUpdate := g.AddNode(&Node{
				Action: &connector.Action{
					Op:      connector.OpUpdate,
					Model:   item.target.Name(),
					Table:   item.target.TableName(),
					IDField: item.target.ID().Name(),
					Mapping: fieldMapping(item.target),
					Values:  connector.Row{},
				},
				Expect: ExpectAny,
				Parent: NoParent,
			})
			g.AddEdge(Edge{
				From:        childFind,
				To:          childUpdate,
				Kind:        KindValueFlow,
				SourceField: item.target.ID().Name(),
				TargetField: item.target.ID().Name(),
				Dest:        DestFilterIn,
			})
			g.AddEdge(Edge{
				From:        finder,
				To:          childUpdate,
				Kind:        KindValueFlow,
				SourceField: ref,
				TargetField: fk,
				Dest:        DestValue,
			})
			g.AddEdge(Edge{From: updateID, To: childUpdate, Kind: KindOrder})
		}
	}

	// All selected relations hydrate off the read-back row, which only
	// runs once every nested write has landed.
	_, err = b.addRelations(g, readback, model, &q.Selection)
	return err
}

func (b *Builder) buildUpdateMany(g *Graph, model *schema.Model, q *query.Query, values connector.Row) error {
	changed := b.changedRefs(model, values)
	var finder NodeID = -1
	if len(changed) > 0 {
		finder = g.AddNode(&Node{
			Action: &connector.Action{
				Op:      connector.OpFind,
				Model:   model.Name(),
				Table:   model.TableName(),
				IDField: model.ID().Name(),
				Mapping: fieldMapping(model),
				Fields:  keyFields(model, changed),
				Filter:  buildFilter(q.Where),
			},
			Expect: ExpectAny,
			Parent: NoParent,
		})
	}
	updateID := g.AddNode(&Node{
		Action: &connector.Action{
			Op:      connector.OpUpdate,
			Model:   model.Name(),
			Table:   model.TableName(),
			IDField: model.ID().Name(),
			Mapping: fieldMapping(model),
			Values:  values,
			Filter:  buildFilter(q.Where),
		},
		Expect: ExpectAny,
		Result: true,
		Count:  true,
		Parent: NoParent,
	})
	g.MarkRoot(updateID)
	if finder >= 0 {
		g.AddEdge(Edge{From: finder, To: updateID, Kind: KindOrder})
		b.updateCascade(g, model, values, finder, updateID)
	}
	return nil
}

// changedRefs returns the fields of the model that other models'
// foreign keys reference and whose values the update replaces.
func (b *Builder) changedRefs(model *schema.Model, values connector.Row) []schema.ReferencingRelation {
	if b.caps.CascadingDeletes {
		return nil
	}
	var out []schema.ReferencingRelation
	for _, ref := range b.reg.ReferencingRelations(model.Name()) {
		if _, ok := values[ref.Relation.ReferencedField()]; ok {
			out = append(out, ref)
		}
	}
	return out
}

// updateCascade emits root-to-leaf child updates for every referenced key
// the update replaces.
func (b *Builder) updateCascade(g *Graph, model *schema.Model, values connector.Row, finder, updateID NodeID) {
	for _, ref := range b.changedRefs(model, values) {
		owner, err := b.model(ref.Owner)
		if err != nil {
			continue
		}
		refField := ref.Relation.ReferencedField()
		fk := ref.Relation.ForeignKeyField()
		childUpdate := g.AddNode(&Node{
			Action: &connector.Action{
				Op:      connector.OpUpdate,
				Model:   owner.Name(),
				Table:   owner.TableName(),
				IDField: owner.ID().Name(),
				Mapping: fieldMapping(owner),
				Values:  connector.Row{fk: values[refField]},
			},
			Expect: ExpectAny,
			Parent: NoParent,
		})
		// Old key values come from the pre-update read.
		g.AddEdge(Edge{
			From:        finder,
			To:          childUpdate,
			Kind:        KindValueFlow,
			SourceField: refField,
			TargetField: fk,
			Dest:        DestFilterIn,
		})
		// Parent before children: no dangling keys mid-scope.
		g.AddEdge(Edge{From: updateID, To: childUpdate, Kind: KindOrder})
	}
}

// keyFields returns the id field plus any extra key fields needed to
// drive dependent writes, in model order.
func keyFields(model *schema.Model, refs []schema.ReferencingRelation, extra ...string) []string {
	want := map[string]bool{model.ID().Name(): true}
	for _, ref := range refs {
		want[ref.Relation.ReferencedField()] = true
	}
	for _, f := range extra {
		want[f] = true
	}
	out := make([]string, 0, len(want))
	for _, f := range model.Fields() {
		if want[f.Name()] {
			out = append(out, f.Name())
		}
	}
	return out
}
