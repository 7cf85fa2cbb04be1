package sql

import (
	"fmt"
	"sort"
	"strconv"
	"strings"

	"github.com/syssam/vertex/connector"
)

// statement is a built query and its bound arguments.
type statement struct {
	query string
	args  []any
}

// writer accumulates SQL text and placeholder arguments in the
// dialect's placeholder style.
type writer struct {
	dialect string
	sb      strings.Builder
	args    []any
}

func (w *writer) s(parts ...string) {
	for _, p := range parts {
		w.sb.WriteString(p)
	}
}

func (w *writer) ph(v any) string {
	w.args = append(w.args, v)
	if w.dialect == Postgres {
		return "$" + strconv.Itoa(len(w.args))
	}
	return "?"
}

func (w *writer) stmt() statement {
	return statement{query: w.sb.String(), args: w.args}
}

func ident(dialect, name string) string {
	if dialect == MySQL {
		return "`" + name + "`"
	}
	return `"` + name + `"`
}

func columnOf(mapping map[string]string, field string) string {
	if col, ok := mapping[field]; ok {
		return col
	}
	return field
}

// column pairs a result key with the expression that produces it.
type column struct {
	key  string
	expr string
}

func selectColumns(dialect string, a *connector.Action) []column {
	fields := a.Fields
	if len(fields) == 0 {
		fields = sortedFields(a.Mapping)
	}
	cols := make([]column, 0, len(fields))
	for _, f := range fields {
		cols = append(cols, column{key: f, expr: "t." + ident(dialect, columnOf(a.Mapping, f))})
	}
	for i, j := range a.Joins {
		alias := "j" + strconv.Itoa(i)
		jf := j.Fields
		if len(jf) == 0 {
			jf = sortedFields(j.Mapping)
		}
		for _, f := range jf {
			cols = append(cols, column{
				key:  j.Relation + "." + f,
				expr: alias + "." + ident(dialect, columnOf(j.Mapping, f)),
			})
		}
	}
	return cols
}

func buildSelect(dialect string, a *connector.Action) (statement, []column) {
	w := &writer{dialect: dialect}
	cols := selectColumns(dialect, a)
	exprs := make([]string, len(cols))
	for i, c := range cols {
		exprs[i] = c.expr
	}
	w.s("SELECT ", strings.Join(exprs, ", "), " FROM ", ident(dialect, a.Table), " t")
	for i, j := range a.Joins {
		alias := "j" + strconv.Itoa(i)
		w.s(" LEFT JOIN ", ident(dialect, j.Table), " ", alias,
			" ON ", alias, ".", ident(dialect, columnOf(j.Mapping, j.ForeignField)),
			" = t.", ident(dialect, columnOf(a.Mapping, j.LocalField)))
	}
	writeWhere(w, a.Filter, a.Mapping, "t.")
	if len(a.Order) > 0 {
		terms := make([]string, len(a.Order))
		for i, o := range a.Order {
			terms[i] = "t." + ident(dialect, columnOf(a.Mapping, o.Field))
			if o.Desc {
				terms[i] += " DESC"
			}
		}
		w.s(" ORDER BY ", strings.Join(terms, ", "))
	}
	switch {
	case a.Limit > 0:
		w.s(" LIMIT ", strconv.Itoa(a.Limit))
	case a.Offset > 0 && dialect == MySQL:
		w.s(" LIMIT 18446744073709551615")
	}
	if a.Offset > 0 {
		w.s(" OFFSET ", strconv.Itoa(a.Offset))
	}
	return w.stmt(), cols
}

func buildInsert(dialect string, a *connector.Action) statement {
	w := &writer{dialect: dialect}
	fields := sortedFields(a.Values)
	w.s("INSERT INTO ", ident(dialect, a.Table))
	if len(fields) == 0 {
		if dialect == MySQL {
			w.s(" () VALUES ()")
		} else {
			w.s(" DEFAULT VALUES")
		}
		return w.stmt()
	}
	cols := make([]string, len(fields))
	phs := make([]string, len(fields))
	for i, f := range fields {
		cols[i] = ident(dialect, columnOf(a.Mapping, f))
		phs[i] = w.ph(a.Values[f])
	}
	w.s(" (", strings.Join(cols, ", "), ") VALUES (", strings.Join(phs, ", "), ")")
	return w.stmt()
}

// buildInsertReturning appends a RETURNING clause selecting the full
// row, for dialects that have one.
func buildInsertReturning(dialect string, a *connector.Action) (statement, []column) {
	stmt := buildInsert(dialect, a)
	fields := sortedFields(a.Mapping)
	cols := make([]column, len(fields))
	exprs := make([]string, len(fields))
	for i, f := range fields {
		cols[i] = column{key: f, expr: ident(dialect, columnOf(a.Mapping, f))}
		exprs[i] = cols[i].expr
	}
	stmt.query += " RETURNING " + strings.Join(exprs, ", ")
	return stmt, cols
}

func buildInsertBatch(dialect string, a *connector.Action) statement {
	w := &writer{dialect: dialect}
	fieldSet := map[string]bool{}
	for _, row := range a.Batch {
		for f := range row {
			fieldSet[f] = true
		}
	}
	fields := make([]string, 0, len(fieldSet))
	for f := range fieldSet {
		fields = append(fields, f)
	}
	sort.Strings(fields)
	cols := make([]string, len(fields))
	for i, f := range fields {
		cols[i] = ident(dialect, columnOf(a.Mapping, f))
	}
	w.s("INSERT INTO ", ident(dialect, a.Table), " (", strings.Join(cols, ", "), ") VALUES ")
	tuples := make([]string, len(a.Batch))
	for ri, row := range a.Batch {
		phs := make([]string, len(fields))
		for i, f := range fields {
			phs[i] = w.ph(row[f])
		}
		tuples[ri] = "(" + strings.Join(phs, ", ") + ")"
	}
	w.s(strings.Join(tuples, ", "))
	return w.stmt()
}

func buildUpdate(dialect string, a *connector.Action) statement {
	w := &writer{dialect: dialect}
	fields := sortedFields(a.Values)
	sets := make([]string, len(fields))
	for i, f := range fields {
		sets[i] = ident(dialect, columnOf(a.Mapping, f)) + " = " + w.ph(a.Values[f])
	}
	w.s("UPDATE ", ident(dialect, a.Table), " SET ", strings.Join(sets, ", "))
	writeWhere(w, a.Filter, a.Mapping, "")
	return w.stmt()
}

func buildDelete(dialect string, a *connector.Action) statement {
	w := &writer{dialect: dialect}
	w.s("DELETE FROM ", ident(dialect, a.Table))
	writeWhere(w, a.Filter, a.Mapping, "")
	return w.stmt()
}

func buildAggregate(dialect string, a *connector.Action) statement {
	w := &writer{dialect: dialect}
	expr := "COUNT(*)"
	if a.Aggregate != nil && a.Aggregate.Func != connector.AggCount {
		fn := strings.ToUpper(string(a.Aggregate.Func))
		expr = fn + "(" + ident(dialect, columnOf(a.Mapping, a.Aggregate.Field)) + ")"
	}
	w.s("SELECT ", expr, " FROM ", ident(dialect, a.Table))
	writeWhere(w, a.Filter, a.Mapping, "")
	return w.stmt()
}

func writeWhere(w *writer, f connector.Filter, mapping map[string]string, qualifier string) {
	if f.IsEmpty() {
		return
	}
	terms := make([]string, 0, len(f.Conds))
	for _, c := range f.Conds {
		col := qualifier + ident(w.dialect, columnOf(mapping, c.Field))
		switch c.Op {
		case connector.EQ:
			terms = append(terms, col+" = "+w.ph(c.Value))
		case connector.NEQ:
			terms = append(terms, col+" <> "+w.ph(c.Value))
		case connector.GT:
			terms = append(terms, col+" > "+w.ph(c.Value))
		case connector.GTE:
			terms = append(terms, col+" >= "+w.ph(c.Value))
		case connector.LT:
			terms = append(terms, col+" < "+w.ph(c.Value))
		case connector.LTE:
			terms = append(terms, col+" <= "+w.ph(c.Value))
		case connector.In, connector.NotIn:
			if len(c.Values) == 0 {
				if c.Op == connector.In {
					terms = append(terms, "FALSE")
				}
				continue
			}
			phs := make([]string, len(c.Values))
			for i, v := range c.Values {
				phs[i] = w.ph(v)
			}
			op := " IN ("
			if c.Op == connector.NotIn {
				op = " NOT IN ("
			}
			terms = append(terms, col+op+strings.Join(phs, ", ")+")")
		case connector.Contains:
			like := col + " LIKE " + w.ph("%"+escapeLike(fmt.Sprint(c.Value))+"%")
			// SQLite and standard SQL have no default escape character.
			// MySQL already treats backslash as one, and its literal
			// syntax would mangle the clause anyway.
			if w.dialect != MySQL {
				like += ` ESCAPE '\'`
			}
			terms = append(terms, like)
		case connector.IsNull:
			terms = append(terms, col+" IS NULL")
		case connector.NotNull:
			terms = append(terms, col+" IS NOT NULL")
		}
	}
	if len(terms) == 0 {
		return
	}
	w.s(" WHERE ", strings.Join(terms, " AND "))
}

func escapeLike(s string) string {
	s = strings.ReplaceAll(s, `\`, `\\`)
	s = strings.ReplaceAll(s, "%", `\%`)
	return strings.ReplaceAll(s, "_", `\_`)
}

func sortedFields[V any](m map[string]V) []string {
	out := make([]string, 0, len(m))
	for k := range m {
		out = append(out, k)
	}
	sort.Strings(out)
	return out
}

// isQuery reports whether a raw statement produces a row set.
func isQuery(s string) bool {
	s = strings.ToUpper(strings.TrimSpace(s))
	for _, p := range []string{"SELECT", "WITH", "SHOW", "PRAGMA", "EXPLAIN"} {
		if strings.HasPrefix(s, p) {
			return true
		}
	}
	return false
}
