// Package hydrate assembles the flat row sets of an executed query
// graph into the nested result tree the request selected.
package hydrate

import (
	"fmt"
	"sort"
	"strings"
	"time"

	"golang.org/x/text/collate"
	"golang.org/x/text/language"

	"github.com/syssam/vertex"
	"github.com/syssam/vertex/connector"
	"github.com/syssam/vertex/graph"
	"github.com/syssam/vertex/query"
)

// Hydrate shapes the results of one executed query. Reads yield a list
// or a single document, writes yield the written document, bulk writes
// and raw statements yield an affected count.
func Hydrate(q *query.Query, g *graph.Graph, root graph.NodeID, results map[graph.NodeID]*connector.Result) (any, error) {
	res, ok := results[root]
	if !ok {
		return nil, fmt.Errorf("no result for node %s", g.Node(root).Label())
	}

	switch q.Kind {
	case query.Raw:
		return map[string]any{"affected": res.Affected, "rows": res.Rows}, nil
	case query.Aggregate:
		return map[string]any{"_" + q.Agg.Func: res.Value}, nil
	case query.CreateMany, query.UpdateMany, query.DeleteMany:
		count := res.Affected
		// Chunked bulk writes report one count across all chunks.
		for _, n := range g.Nodes() {
			if n.Count && n.Parent == root {
				if cr, ok := results[n.ID]; ok {
					count += cr.Affected
				}
			}
		}
		return map[string]any{"count": count}, nil
	}

	h := &hydrator{g: g, results: results, byParent: map[graph.NodeID][]*graph.Node{}}
	for _, n := range g.Nodes() {
		if n.Result && n.Parent != graph.NoParent && !n.Count {
			h.byParent[n.Parent] = append(h.byParent[n.Parent], n)
		}
	}

	rows, err := h.assemble(g.Node(root), res.Rows, &q.Selection)
	if err != nil {
		return nil, err
	}
	if q.Kind == query.FindMany {
		return rows, nil
	}
	if len(rows) == 0 {
		return nil, nil
	}
	return rows[0], nil
}

type hydrator struct {
	g        *graph.Graph
	results  map[graph.NodeID]*connector.Result
	byParent map[graph.NodeID][]*graph.Node
}

// assemble turns a node's rows into documents, attaching every relation
// that hydrates under it, whether joined into the rows themselves or
// fetched by a child node.
func (h *hydrator) assemble(node *graph.Node, rows []connector.Row, sel *query.Selection) ([]map[string]any, error) {
	if len(node.Action.Joins) > 0 {
		return h.assembleJoined(node, rows, sel)
	}
	children := h.byParent[node.ID]
	out := make([]map[string]any, 0, len(rows))
	for _, row := range rows {
		item := project(row, sel)
		for _, c := range children {
			var crows []connector.Row
			if cr, ok := h.results[c.ID]; ok {
				crows = cr.Rows
			}
			var grp []connector.Row
			if c.GroupField == "" {
				// Rows read before the key moved; they all belong to
				// the single row being written.
				grp = crows
			} else {
				key := row[c.ParentKey]
				for _, cr := range crows {
					if equalKey(cr[c.GroupField], key) {
						grp = append(grp, cr)
					}
				}
			}
			relSel, _ := sel.Relation(c.RelName)
			childSel := &query.Selection{}
			if relSel != nil {
				childSel = &relSel.Selection
			}
			sub, err := h.assemble(c, grp, childSel)
			if err != nil {
				return nil, err
			}
			if c.ToMany {
				if relSel != nil {
					sortDocs(sub, relSel.OrderBy)
					if relSel.Take > 0 && len(sub) > relSel.Take {
						sub = sub[:relSel.Take]
					}
				}
				item[c.RelName] = sub
			} else if len(sub) > 0 {
				item[c.RelName] = sub[0]
			} else if c.Required {
				return nil, vertex.NewRelationIntegrityError(node.Action.Model, c.RelName)
			} else {
				item[c.RelName] = nil
			}
		}
		out = append(out, item)
	}
	return out, nil
}

// assembleJoined regroups join fan-out: each physical row carries the
// parent's columns plus one joined row per relation under a prefixed
// name, so parents repeat once per child combination.
func (h *hydrator) assembleJoined(node *graph.Node, rows []connector.Row, sel *query.Selection) ([]map[string]any, error) {
	type group struct {
		row      connector.Row
		children map[string][]connector.Row
		seen     map[string]map[string]bool
	}
	id := node.Action.IDField
	var order []any
	groups := map[any]*group{}
	for _, row := range rows {
		key := row[id]
		grp, ok := groups[key]
		if !ok {
			grp = &group{
				row:      row,
				children: map[string][]connector.Row{},
				seen:     map[string]map[string]bool{},
			}
			groups[key] = grp
			order = append(order, key)
		}
		for _, j := range node.Action.Joins {
			prefix := j.Relation + "."
			child := connector.Row{}
			absent := true
			for k, v := range row {
				if strings.HasPrefix(k, prefix) {
					child[k[len(prefix):]] = v
					if v != nil {
						absent = false
					}
				}
			}
			if absent {
				continue
			}
			fp := fmt.Sprint(child)
			if grp.seen[j.Relation] == nil {
				grp.seen[j.Relation] = map[string]bool{}
			}
			if !grp.seen[j.Relation][fp] {
				grp.seen[j.Relation][fp] = true
				grp.children[j.Relation] = append(grp.children[j.Relation], child)
			}
		}
	}

	out := make([]map[string]any, 0, len(order))
	for _, key := range order {
		grp := groups[key]
		item := project(grp.row, sel)
		for _, j := range node.Action.Joins {
			var childSel *query.Selection
			if relSel, ok := sel.Relation(j.Relation); ok {
				childSel = &relSel.Selection
			}
			docs := make([]map[string]any, 0, len(grp.children[j.Relation]))
			for _, child := range grp.children[j.Relation] {
				docs = append(docs, project(child, childSel))
			}
			if j.ToMany {
				item[j.Relation] = docs
			} else if len(docs) > 0 {
				item[j.Relation] = docs[0]
			} else {
				item[j.Relation] = nil
			}
		}
		out = append(out, item)
	}
	return out, nil
}

// project keeps the selected fields of a row, or every plain column when
// nothing was selected. Prefixed join columns never leak through.
func project(row connector.Row, sel *query.Selection) map[string]any {
	out := make(map[string]any, len(row))
	if sel != nil && len(sel.Fields) > 0 {
		for _, f := range sel.Fields {
			if v, ok := row[f]; ok {
				out[f] = v
			}
		}
		return out
	}
	for k, v := range row {
		if strings.ContainsRune(k, '.') {
			continue
		}
		out[k] = v
	}
	return out
}

var collator = collate.New(language.Und)

// sortDocs orders sibling documents. Strings collate
// language-neutrally, numbers compare numerically, nil sorts first.
func sortDocs(docs []map[string]any, order []query.Order) {
	if len(order) == 0 {
		return
	}
	sort.SliceStable(docs, func(i, j int) bool {
		for _, o := range order {
			c := compare(docs[i][o.Field], docs[j][o.Field])
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
			return collator.CompareString(as, bs)
		}
	}
	if at, ok := a.(time.Time); ok {
		if bt, ok := b.(time.Time); ok {
			return at.Compare(bt)
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

// equalKey matches join keys across the integer widths drivers return.
func equalKey(a, b any) bool {
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

func toFloat(v any) (float64, bool) {
	switch n := v.(type) {
	case int:
		return float64(n), true
	case int32:
		return float64(n), true
	case int64:
		return float64(n), true
	case uint64:
		return float64(n), true
	case float32:
		return float64(n), true
	case float64:
		return float64(n), true
	}
	return 0, false
}
