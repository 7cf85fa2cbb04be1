package query

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/syssam/vertex"
	"github.com/syssam/vertex/schema"
)

func testRegistry(t *testing.T) *schema.Registry {
	t.Helper()
	reg, err := schema.NewRegistry(
		schema.NewModel("Author",
			schema.Int("id").ID().Generated(),
			schema.String("email").Unique(),
			schema.String("name"),
			schema.ToMany("posts", "Post").OnDelete(schema.Cascade),
		),
		schema.NewModel("Post",
			schema.Int("id").ID().Generated(),
			schema.String("title"),
			schema.Int("views"),
			schema.Bool("published").Default(false),
			schema.ToOne("author", "Author"),
		),
	)
	require.NoError(t, err)
	return reg
}

func TestValidateFind(t *testing.T) {
	t.Parallel()
	reg := testRegistry(t)
	q := &Query{
		Kind:  FindMany,
		Model: "Post",
		Where: []Condition{{Field: "published", Op: OpEQ, Value: true}},
		OrderBy: []Order{
			{Field: "title"},
		},
		Take: 10,
		Selection: Selection{
			Fields: []string{"id", "title"},
			Relations: []*RelationSelection{{
				Name:      "author",
				Selection: Selection{Fields: []string{"name"}},
			}},
		},
	}
	require.NoError(t, Validate(q, reg))
}

func TestValidateErrors(t *testing.T) {
	t.Parallel()
	reg := testRegistry(t)

	tests := []struct {
		name string
		q    *Query
		want string
	}{
		{
			name: "unknown model",
			q:    &Query{Kind: FindMany, Model: "Widget"},
			want: "unknown model",
		},
		{
			name: "negative take",
			q:    &Query{Kind: FindMany, Model: "Post", Take: -1},
			want: "take and skip must be non-negative",
		},
		{
			name: "unknown filter field",
			q: &Query{Kind: FindMany, Model: "Post",
				Where: []Condition{{Field: "slug", Op: OpEQ, Value: "x"}}},
			want: "unknown field in filter",
		},
		{
			name: "unknown order field",
			q: &Query{Kind: FindMany, Model: "Post",
				OrderBy: []Order{{Field: "slug"}}},
			want: "unknown field in orderBy",
		},
		{
			name: "unknown selected field",
			q: &Query{Kind: FindMany, Model: "Post",
				Selection: Selection{Fields: []string{"slug"}}},
			want: "unknown field in selection",
		},
		{
			name: "unknown selected relation",
			q: &Query{Kind: FindMany, Model: "Post",
				Selection: Selection{Relations: []*RelationSelection{{Name: "tags"}}}},
			want: "unknown relation in selection",
		},
		{
			name: "negative relation take",
			q: &Query{Kind: FindMany, Model: "Author",
				Selection: Selection{Relations: []*RelationSelection{{Name: "posts", Take: -1}}}},
			want: "take must be non-negative",
		},
		{
			name: "nested selection field",
			q: &Query{Kind: FindMany, Model: "Author",
				Selection: Selection{Relations: []*RelationSelection{{
					Name:      "posts",
					Selection: Selection{Fields: []string{"slug"}},
				}}}},
			want: "unknown field in selection",
		},
		{
			name: "findUnique without unique filter",
			q: &Query{Kind: FindUnique, Model: "Post",
				Where: []Condition{{Field: "title", Op: OpEQ, Value: "x"}}},
			want: "unique operation requires an equality filter",
		},
		{
			name: "deleteOne with range filter only",
			q: &Query{Kind: DeleteOne, Model: "Post",
				Where: []Condition{{Field: "id", Op: OpGT, Value: int64(1)}}},
			want: "unique operation requires an equality filter",
		},
		{
			name: "empty raw statement",
			q:    &Query{Kind: Raw},
			want: "empty statement",
		},
	}
	for _, tt := range tests {
		tt := tt
		t.Run(tt.name, func(t *testing.T) {
			t.Parallel()
			err := Validate(tt.q, reg)
			require.Error(t, err)
			assert.True(t, vertex.IsValidationError(err))
			assert.ErrorContains(t, err, tt.want)
		})
	}
}

func TestValidateUniqueFilter(t *testing.T) {
	t.Parallel()
	reg := testRegistry(t)

	byID := &Query{Kind: FindUnique, Model: "Post",
		Where: []Condition{{Field: "id", Op: OpEQ, Value: int64(1)}}}
	require.NoError(t, Validate(byID, reg))

	byUnique := &Query{Kind: DeleteOne, Model: "Author",
		Where: []Condition{{Field: "email", Op: OpEQ, Value: "ada@example.com"}}}
	require.NoError(t, Validate(byUnique, reg))
}

func TestValidateData(t *testing.T) {
	t.Parallel()
	reg := testRegistry(t)

	tests := []struct {
		name string
		data map[string]any
		want string
	}{
		{
			name: "empty data",
			data: map[string]any{},
			want: "empty data",
		},
		{
			name: "unknown data field",
			data: map[string]any{"slug": "x"},
			want: "unknown field in data",
		},
		{
			name: "nested write on scalar",
			data: map[string]any{"name": NestedWrite{Create: []map[string]any{{}}}},
			want: "nested write on a scalar field",
		},
		{
			name: "plain value on relation",
			data: map[string]any{"name": "Ada", "posts": "oops"},
			want: "relation value must be a nested write",
		},
		{
			name: "invalid nested create",
			data: map[string]any{"name": "Ada", "posts": NestedWrite{
				Create: []map[string]any{{"slug": "x"}},
			}},
			want: "unknown field in data",
		},
		{
			name: "connect without unique filter",
			data: map[string]any{"name": "Ada", "posts": NestedWrite{
				Connect: [][]Condition{{{Field: "title", Op: OpEQ, Value: "x"}}},
			}},
			want: "unique operation requires an equality filter",
		},
	}
	for _, tt := range tests {
		tt := tt
		t.Run(tt.name, func(t *testing.T) {
			t.Parallel()
			err := Validate(&Query{Kind: CreateOne, Model: "Author", Data: tt.data}, reg)
			require.Error(t, err)
			assert.ErrorContains(t, err, tt.want)
		})
	}
}

func TestValidateDataToOne(t *testing.T) {
	t.Parallel()
	reg := testRegistry(t)

	ok := &Query{Kind: CreateOne, Model: "Post", Data: map[string]any{
		"title": "First",
		"author": NestedWrite{
			Create: []map[string]any{{"name": "Ada", "email": "ada@example.com"}},
		},
	}}
	require.NoError(t, Validate(ok, reg))

	double := &Query{Kind: CreateOne, Model: "Post", Data: map[string]any{
		"title": "First",
		"author": NestedWrite{
			Create: []map[string]any{{"name": "Ada"}, {"name": "Grace"}},
		},
	}}
	err := Validate(double, reg)
	require.Error(t, err)
	assert.ErrorContains(t, err, "to-one relation accepts a single nested row")
}

func TestValidateBulkWrites(t *testing.T) {
	t.Parallel()
	reg := testRegistry(t)

	// Count documents do not carry model fields, so the selection of a
	// bulk write is not checked against the schema.
	createMany := &Query{Kind: CreateMany, Model: "Post",
		Rows:      []map[string]any{{"title": "a"}, {"title": "b"}},
		Selection: Selection{Fields: []string{"count"}},
	}
	require.NoError(t, Validate(createMany, reg))

	updateMany := &Query{Kind: UpdateMany, Model: "Post",
		Data:      map[string]any{"published": true},
		Selection: Selection{Fields: []string{"count"}},
	}
	require.NoError(t, Validate(updateMany, reg))

	deleteMany := &Query{Kind: DeleteMany, Model: "Post",
		Where:     []Condition{{Field: "published", Op: OpEQ, Value: false}},
		Selection: Selection{Fields: []string{"count"}},
	}
	require.NoError(t, Validate(deleteMany, reg))

	badRow := &Query{Kind: CreateMany, Model: "Post",
		Rows: []map[string]any{{"title": "a"}, {"slug": "b"}},
	}
	err := Validate(badRow, reg)
	require.Error(t, err)
	assert.ErrorContains(t, err, "unknown field in data")
}

func TestValidateAggregate(t *testing.T) {
	t.Parallel()
	reg := testRegistry(t)

	tests := []struct {
		name string
		agg  *AggregateArg
		want string
	}{
		{name: "count", agg: &AggregateArg{Func: "count"}},
		{name: "sum numeric", agg: &AggregateArg{Func: "sum", Field: "views"}},
		{name: "min string", agg: &AggregateArg{Func: "min", Field: "title"}},
		{
			name: "avg on string",
			agg:  &AggregateArg{Func: "avg", Field: "title"},
			want: "avg requires a numeric field",
		},
		{
			name: "sum unknown field",
			agg:  &AggregateArg{Func: "sum", Field: "slug"},
			want: "unknown field in aggregation",
		},
		{
			name: "unknown function",
			agg:  &AggregateArg{Func: "median", Field: "views"},
			want: `unknown aggregation "median"`,
		},
		{
			name: "missing aggregation",
			agg:  nil,
			want: "missing aggregation",
		},
	}
	for _, tt := range tests {
		tt := tt
		t.Run(tt.name, func(t *testing.T) {
			t.Parallel()
			err := Validate(&Query{Kind: Aggregate, Model: "Post", Agg: tt.agg}, reg)
			if tt.want == "" {
				require.NoError(t, err)
				return
			}
			require.Error(t, err)
			assert.ErrorContains(t, err, tt.want)
		})
	}
}
