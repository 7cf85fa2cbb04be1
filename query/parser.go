package query

import (
	"fmt"
	"sort"
	"strconv"
	"strings"

	"github.com/vektah/gqlparser/v2/ast"
	"github.com/vektah/gqlparser/v2/parser"
)

// kindPrefixes maps root-field prefixes to operation kinds, checked
// longest-first so that "findMany" wins over "find".
var kindPrefixes = []struct {
	prefix string
	kind   Kind
}{
	{"findUnique", FindUnique},
	{"findFirst", FindFirst},
	{"findMany", FindMany},
	{"createMany", CreateMany},
	{"createOne", CreateOne},
	{"updateMany", UpdateMany},
	{"updateOne", UpdateOne},
	{"deleteMany", DeleteMany},
	{"deleteOne", DeleteOne},
	{"aggregate", Aggregate},
}

// Parse turns a request document into parsed queries, one per root field.
// The document syntax follows the GraphQL form:
//
//	mutation {
//	  createOneAuthor(data: {name: "A", posts: {create: [{title: "T"}]}}) {
//	    id
//	    name
//	    posts { title }
//	  }
//	}
//
// Root field names combine an operation prefix with the model name
// (findManyUser, createOneAuthor, aggregatePost). Raw statements use the
// executeRaw(sql: "...", args: [...]) form. Multiple root fields become a
// batch: sibling queries sharing one execution scope, executed in
// document order.
func Parse(doc string) ([]*Query, error) {
	parsed, err := parser.ParseQuery(&ast.Source{Input: doc})
	if err != nil {
		return nil, fmt.Errorf("query: parse: %w", err)
	}
	if len(parsed.Operations) != 1 {
		return nil, fmt.Errorf("query: expected exactly one operation, got %d", len(parsed.Operations))
	}
	op := parsed.Operations[0]
	var queries []*Query
	for _, sel := range op.SelectionSet {
		field, ok := sel.(*ast.Field)
		if !ok {
			return nil, fmt.Errorf("query: fragments are not supported")
		}
		q, err := parseRoot(field)
		if err != nil {
			return nil, err
		}
		queries = append(queries, q)
	}
	if len(queries) == 0 {
		return nil, fmt.Errorf("query: empty selection set")
	}
	return queries, nil
}

func parseRoot(field *ast.Field) (*Query, error) {
	name := field.Name
	if name == "executeRaw" {
		return parseRaw(field)
	}
	for _, kp := range kindPrefixes {
		if strings.HasPrefix(name, kp.prefix) && len(name) > len(kp.prefix) {
			q := &Query{Kind: kp.kind, Model: name[len(kp.prefix):]}
			if err := parseArguments(q, field.Arguments); err != nil {
				return nil, fmt.Errorf("query: %s: %w", name, err)
			}
			selection, err := parseSelection(field.SelectionSet)
			if err != nil {
				return nil, fmt.Errorf("query: %s: %w", name, err)
			}
			q.Selection = *selection
			return q, nil
		}
	}
	return nil, fmt.Errorf("query: unsupported root field %q", name)
}

func parseRaw(field *ast.Field) (*Query, error) {
	q := &Query{Kind: Raw}
	for _, arg := range field.Arguments {
		v, err := astValue(arg.Value)
		if err != nil {
			return nil, err
		}
		switch arg.Name {
		case "sql":
			s, ok := v.(string)
			if !ok {
				return nil, fmt.Errorf("query: executeRaw sql must be a string")
			}
			q.SQL = s
		case "args":
			vs, ok := v.([]any)
			if !ok {
				return nil, fmt.Errorf("query: executeRaw args must be a list")
			}
			q.SQLArgs = vs
		default:
			return nil, fmt.Errorf("query: executeRaw: unknown argument %q", arg.Name)
		}
	}
	if q.SQL == "" {
		return nil, fmt.Errorf("query: executeRaw requires sql")
	}
	return q, nil
}

func parseArguments(q *Query, args ast.ArgumentList) error {
	for _, arg := range args {
		v, err := astValue(arg.Value)
		if err != nil {
			return err
		}
		switch arg.Name {
		case "where":
			conds, err := parseWhere(v)
			if err != nil {
				return err
			}
			q.Where = conds
		case "data":
			switch data := v.(type) {
			case map[string]any:
				d, err := parseData(data)
				if err != nil {
					return err
				}
				q.Data = d
			case []any:
				for _, row := range data {
					m, ok := row.(map[string]any)
					if !ok {
						return fmt.Errorf("data rows must be objects")
					}
					d, err := parseData(m)
					if err != nil {
						return err
					}
					q.Rows = append(q.Rows, d)
				}
			default:
				return fmt.Errorf("data must be an object or a list of objects")
			}
		case "orderBy":
			orders, err := parseOrderBy(v)
			if err != nil {
				return err
			}
			q.OrderBy = orders
		case "take":
			n, err := toInt(v)
			if err != nil {
				return fmt.Errorf("take: %w", err)
			}
			q.Take = n
		case "skip":
			n, err := toInt(v)
			if err != nil {
				return fmt.Errorf("skip: %w", err)
			}
			q.Skip = n
		case "fn":
			s, _ := v.(string)
			if q.Agg == nil {
				q.Agg = &AggregateArg{}
			}
			q.Agg.Func = s
		case "field":
			s, _ := v.(string)
			if q.Agg == nil {
				q.Agg = &AggregateArg{}
			}
			q.Agg.Field = s
		default:
			return fmt.Errorf("unknown argument %q", arg.Name)
		}
	}
	if q.Kind == Aggregate && q.Agg == nil {
		q.Agg = &AggregateArg{Func: "count"}
	}
	return nil
}

// parseWhere converts a where object into conditions. A scalar value means
// equality; an object value carries operator keys.
func parseWhere(v any) ([]Condition, error) {
	obj, ok := v.(map[string]any)
	if !ok {
		return nil, fmt.Errorf("where must be an object")
	}
	var conds []Condition
	for _, name := range sortedKeys(obj) {
		val := obj[name]
		ops, ok := val.(map[string]any)
		if !ok {
			conds = append(conds, Eq(name, val))
			continue
		}
		for _, opName := range sortedKeys(ops) {
			opVal := ops[opName]
			switch opName {
			case "equals":
				conds = append(conds, Eq(name, opVal))
			case "not":
				conds = append(conds, Condition{Field: name, Op: OpNEQ, Value: opVal})
			case "gt", "gte", "lt", "lte", "contains":
				conds = append(conds, Condition{Field: name, Op: FilterOp(opName), Value: opVal})
			case "in", "notIn":
				vs, ok := opVal.([]any)
				if !ok {
					return nil, fmt.Errorf("where.%s.%s must be a list", name, opName)
				}
				conds = append(conds, Condition{Field: name, Op: FilterOp(opName), Values: vs})
			case "isNull":
				b, ok := opVal.(bool)
				if !ok {
					return nil, fmt.Errorf("where.%s.isNull must be a boolean", name)
				}
				conds = append(conds, Condition{Field: name, Op: OpIsNull, Value: b})
			default:
				return nil, fmt.Errorf("where.%s: unknown operator %q", name, opName)
			}
		}
	}
	return conds, nil
}

// parseData normalizes a data object: relation values written in the
// {create: ..., connect: ...} form become NestedWrite values.
func parseData(obj map[string]any) (map[string]any, error) {
	out := make(map[string]any, len(obj))
	for name, val := range obj {
		nested, ok := val.(map[string]any)
		if !ok || !isNestedWrite(nested) {
			out[name] = val
			continue
		}
		var nw NestedWrite
		if create, ok := nested["create"]; ok {
			rows, err := nestedRows(create)
			if err != nil {
				return nil, fmt.Errorf("data.%s.create: %w", name, err)
			}
			nw.Create = rows
		}
		if connect, ok := nested["connect"]; ok {
			rows, err := nestedRows(connect)
			if err != nil {
				return nil, fmt.Errorf("data.%s.connect: %w", name, err)
			}
			for _, row := range rows {
				var conds []Condition
				for _, f := range sortedKeys(row) {
					conds = append(conds, Eq(f, row[f]))
				}
				nw.Connect = append(nw.Connect, conds)
			}
		}
		out[name] = nw
	}
	return out, nil
}

// isNestedWrite reports whether the object uses only nested-write keys.
func isNestedWrite(obj map[string]any) bool {
	if len(obj) == 0 {
		return false
	}
	for k := range obj {
		if k != "create" && k != "connect" {
			return false
		}
	}
	return true
}

func nestedRows(v any) ([]map[string]any, error) {
	switch v := v.(type) {
	case map[string]any:
		row, err := parseData(v)
		if err != nil {
			return nil, err
		}
		return []map[string]any{row}, nil
	case []any:
		rows := make([]map[string]any, 0, len(v))
		for _, item := range v {
			obj, ok := item.(map[string]any)
			if !ok {
				return nil, fmt.Errorf("expected an object, got %T", item)
			}
			row, err := parseData(obj)
			if err != nil {
				return nil, err
			}
			rows = append(rows, row)
		}
		return rows, nil
	default:
		return nil, fmt.Errorf("expected an object or a list, got %T", v)
	}
}

func parseOrderBy(v any) ([]Order, error) {
	switch v := v.(type) {
	case map[string]any:
		var orders []Order
		for _, name := range sortedKeys(v) {
			dir, ok := v[name].(string)
			if !ok || (dir != "asc" && dir != "desc") {
				return nil, fmt.Errorf("orderBy.%s must be asc or desc", name)
			}
			orders = append(orders, Order{Field: name, Desc: dir == "desc"})
		}
		return orders, nil
	case []any:
		var orders []Order
		for _, item := range v {
			sub, err := parseOrderBy(item)
			if err != nil {
				return nil, err
			}
			orders = append(orders, sub...)
		}
		return orders, nil
	default:
		return nil, fmt.Errorf("orderBy must be an object or a list")
	}
}

func parseSelection(set ast.SelectionSet) (*Selection, error) {
	sel := &Selection{}
	for _, s := range set {
		field, ok := s.(*ast.Field)
		if !ok {
			return nil, fmt.Errorf("fragments are not supported")
		}
		if field.SelectionSet == nil {
			sel.Fields = append(sel.Fields, field.Name)
			continue
		}
		rel := &RelationSelection{Name: field.Name}
		for _, arg := range field.Arguments {
			v, err := astValue(arg.Value)
			if err != nil {
				return nil, err
			}
			switch arg.Name {
			case "where":
				conds, err := parseWhere(v)
				if err != nil {
					return nil, err
				}
				rel.Where = conds
			case "orderBy":
				orders, err := parseOrderBy(v)
				if err != nil {
					return nil, err
				}
				rel.OrderBy = orders
			case "take":
				n, err := toInt(v)
				if err != nil {
					return nil, fmt.Errorf("%s.take: %w", field.Name, err)
				}
				rel.Take = n
			default:
				return nil, fmt.Errorf("%s: unknown argument %q", field.Name, arg.Name)
			}
		}
		nested, err := parseSelection(field.SelectionSet)
		if err != nil {
			return nil, err
		}
		rel.Selection = *nested
		sel.Relations = append(sel.Relations, rel)
	}
	return sel, nil
}

// astValue converts a gqlparser AST value to its Go representation.
func astValue(v *ast.Value) (any, error) {
	switch v.Kind {
	case ast.IntValue:
		n, err := strconv.ParseInt(v.Raw, 10, 64)
		if err != nil {
			return nil, fmt.Errorf("invalid int %q", v.Raw)
		}
		return n, nil
	case ast.FloatValue:
		f, err := strconv.ParseFloat(v.Raw, 64)
		if err != nil {
			return nil, fmt.Errorf("invalid float %q", v.Raw)
		}
		return f, nil
	case ast.StringValue, ast.BlockValue, ast.EnumValue:
		return v.Raw, nil
	case ast.BooleanValue:
		return v.Raw == "true", nil
	case ast.NullValue:
		return nil, nil
	case ast.ListValue:
		out := make([]any, 0, len(v.Children))
		for _, child := range v.Children {
			cv, err := astValue(child.Value)
			if err != nil {
				return nil, err
			}
			out = append(out, cv)
		}
		return out, nil
	case ast.ObjectValue:
		out := make(map[string]any, len(v.Children))
		for _, child := range v.Children {
			cv, err := astValue(child.Value)
			if err != nil {
				return nil, err
			}
			out[child.Name] = cv
		}
		return out, nil
	default:
		return nil, fmt.Errorf("unsupported value kind %d", v.Kind)
	}
}

func toInt(v any) (int, error) {
	switch v := v.(type) {
	case int64:
		return int(v), nil
	case int:
		return v, nil
	default:
		return 0, fmt.Errorf("expected an integer, got %T", v)
	}
}

func sortedKeys(m map[string]any) []string {
	keys := make([]string, 0, len(m))
	for k := range m {
		keys = append(keys, k)
	}
	sort.Strings(keys)
	return keys
}
