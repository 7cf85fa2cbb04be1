package graph

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/syssam/vertex"
	"github.com/syssam/vertex/connector"
	"github.com/syssam/vertex/query"
	"github.com/syssam/vertex/schema"
)

func blogRegistry(t *testing.T, onDelete schema.ReferentialAction) *schema.Registry {
	t.Helper()
	author := schema.NewModel("Author",
		schema.Int("id").ID().Generated(),
		schema.String("email").Unique(),
		schema.String("name"),
		schema.ToMany("posts", "Post").OnDelete(onDelete),
	)
	post := schema.NewModel("Post",
		schema.Int("id").ID().Generated(),
		schema.String("title"),
		schema.Bool("published").Default(false),
		schema.ToOne("author", "Author"),
		schema.ToMany("comments", "Comment").OnDelete(schema.Cascade),
	)
	comment := schema.NewModel("Comment",
		schema.Int("id").ID().Generated(),
		schema.String("body"),
		schema.ToOne("post", "Post"),
	)
	reg, err := schema.NewRegistry(author, post, comment)
	require.NoError(t, err)
	return reg
}

func nodesOf(g *Graph, op connector.Op, model string) []*Node {
	var out []*Node
	for _, n := range g.Nodes() {
		if n.Action.Op == op && n.Action.Model == model {
			out = append(out, n)
		}
	}
	return out
}

func oneNode(t *testing.T, g *Graph, op connector.Op, model string) *Node {
	t.Helper()
	ns := nodesOf(g, op, model)
	require.Len(t, ns, 1, "want exactly one %s:%s node", op, model)
	return ns[0]
}

func edgeBetween(g *Graph, from, to NodeID) (Edge, bool) {
	for _, e := range g.Out(from) {
		if e.To == to {
			return e, true
		}
	}
	return Edge{}, false
}

func TestBuildFindJoins(t *testing.T) {
	t.Parallel()
	reg := blogRegistry(t, schema.Cascade)
	b := NewBuilder(reg, "test", connector.Capabilities{Joins: true})

	g, err := b.Build(&query.Query{
		Kind:  query.FindMany,
		Model: "Post",
		Selection: query.Selection{
			Fields: []string{"id", "title"},
			Relations: []*query.RelationSelection{{
				Name:      "author",
				Selection: query.Selection{Fields: []string{"name"}},
			}},
		},
	})
	require.NoError(t, err)

	// The relation rides the find as a join; no second node is planned.
	require.Equal(t, 1, g.Len())
	find := oneNode(t, g, connector.OpFind, "Post")
	require.Len(t, find.Action.Joins, 1)
	j := find.Action.Joins[0]
	assert.Equal(t, "author", j.Relation)
	assert.Equal(t, "Author", j.Model)
	assert.Equal(t, "authorId", j.LocalField)
	assert.Equal(t, "id", j.ForeignField)
	assert.False(t, j.ToMany)
	assert.Contains(t, find.Action.Fields, "authorId", "join key is projected")
}

func TestBuildFindTwoStep(t *testing.T) {
	t.Parallel()
	reg := blogRegistry(t, schema.Cascade)
	b := NewBuilder(reg, "test", connector.Capabilities{})

	g, err := b.Build(&query.Query{
		Kind:  query.FindMany,
		Model: "Author",
		Selection: query.Selection{
			Fields: []string{"id", "name"},
			Relations: []*query.RelationSelection{{
				Name:      "posts",
				OrderBy:   []query.Order{{Field: "title"}},
				Selection: query.Selection{Fields: []string{"title"}},
			}},
		},
	})
	require.NoError(t, err)
	require.Equal(t, 2, g.Len())

	parent := oneNode(t, g, connector.OpFind, "Author")
	child := oneNode(t, g, connector.OpFind, "Post")
	assert.True(t, parent.Root)
	assert.Equal(t, parent.ID, child.Parent)
	assert.Equal(t, "posts", child.RelName)
	assert.Equal(t, "authorId", child.GroupField)
	assert.Equal(t, "id", child.ParentKey)
	assert.True(t, child.ToMany)
	assert.Contains(t, child.Action.Fields, "authorId", "grouping key is projected")

	e, ok := edgeBetween(g, parent.ID, child.ID)
	require.True(t, ok)
	assert.Equal(t, KindValueFlow, e.Kind)
	assert.Equal(t, DestFilterIn, e.Dest)
	assert.Equal(t, "id", e.SourceField)
	assert.Equal(t, "authorId", e.TargetField)
}

func TestBuildFindJoinRefusedByArguments(t *testing.T) {
	t.Parallel()
	reg := blogRegistry(t, schema.Cascade)
	b := NewBuilder(reg, "test", connector.Capabilities{Joins: true})

	// A filtered relation selection cannot ride a join even when the
	// connector supports joins.
	g, err := b.Build(&query.Query{
		Kind:  query.FindMany,
		Model: "Author",
		Selection: query.Selection{
			Fields: []string{"id"},
			Relations: []*query.RelationSelection{{
				Name:  "posts",
				Where: []query.Condition{{Field: "published", Op: query.OpEQ, Value: true}},
			}},
		},
	})
	require.NoError(t, err)
	assert.Equal(t, 2, g.Len())
	assert.Empty(t, oneNode(t, g, connector.OpFind, "Author").Action.Joins)
}

func TestBuildFindJoinRefusedByNesting(t *testing.T) {
	t.Parallel()
	reg := blogRegistry(t, schema.Cascade)
	b := NewBuilder(reg, "test", connector.Capabilities{Joins: true})

	// A relation selection that nests deeper has to go two-step: joins
	// only flatten a single level.
	g, err := b.Build(&query.Query{
		Kind:  query.FindMany,
		Model: "Author",
		Selection: query.Selection{
			Fields: []string{"id"},
			Relations: []*query.RelationSelection{{
				Name: "posts",
				Selection: query.Selection{
					Fields:    []string{"title"},
					Relations: []*query.RelationSelection{{Name: "comments"}},
				},
			}},
		},
	})
	require.NoError(t, err)
	assert.Equal(t, 2, g.Len())
	assert.Empty(t, oneNode(t, g, connector.OpFind, "Author").Action.Joins)

	// The flat comments selection still joins, one level down.
	posts := oneNode(t, g, connector.OpFind, "Post")
	require.Len(t, posts.Action.Joins, 1)
	assert.Equal(t, "comments", posts.Action.Joins[0].Relation)
}

func TestBuildCreateNestedToOne(t *testing.T) {
	t.Parallel()
	reg := blogRegistry(t, schema.Cascade)
	b := NewBuilder(reg, "test", connector.Capabilities{})

	g, err := b.Build(&query.Query{
		Kind:  query.CreateOne,
		Model: "Post",
		Data: map[string]any{
			"title": "First",
			"author": query.NestedWrite{
				Create: []map[string]any{{"name": "Ada", "email": "ada@example.com"}},
			},
		},
		Selection: query.Selection{Fields: []string{"id", "title"}},
	})
	require.NoError(t, err)

	authorCreate := oneNode(t, g, connector.OpCreate, "Author")
	postCreate := oneNode(t, g, connector.OpCreate, "Post")
	assert.Equal(t, 1, authorCreate.Expect)
	assert.Equal(t, 1, postCreate.Expect)
	assert.True(t, postCreate.Root)

	// The generated author key flows into the post's foreign key.
	e, ok := edgeBetween(g, authorCreate.ID, postCreate.ID)
	require.True(t, ok)
	assert.Equal(t, KindValueFlow, e.Kind)
	assert.Equal(t, DestValue, e.Dest)
	assert.Equal(t, "id", e.SourceField)
	assert.Equal(t, "authorId", e.TargetField)

	order, err := g.TopoOrder()
	require.NoError(t, err)
	assert.Equal(t, authorCreate.ID, order[0], "producer precedes consumer")
}

func TestBuildCreateConnect(t *testing.T) {
	t.Parallel()
	reg := blogRegistry(t, schema.Cascade)
	b := NewBuilder(reg, "test", connector.Capabilities{})

	g, err := b.Build(&query.Query{
		Kind:  query.CreateOne,
		Model: "Post",
		Data: map[string]any{
			"title": "First",
			"author": query.NestedWrite{
				Connect: [][]query.Condition{{{Field: "id", Op: query.OpEQ, Value: int64(7)}}},
			},
		},
		Selection: query.Selection{Fields: []string{"id"}},
	})
	require.NoError(t, err)

	// Connect resolves the target with a guarded find: exactly one row.
	lookup := oneNode(t, g, connector.OpFind, "Author")
	assert.Equal(t, 1, lookup.Expect)
	assert.Equal(t, 2, lookup.Action.Limit)

	create := oneNode(t, g, connector.OpCreate, "Post")
	e, ok := edgeBetween(g, lookup.ID, create.ID)
	require.True(t, ok)
	assert.Equal(t, DestValue, e.Dest)
	assert.Equal(t, "authorId", e.TargetField)
}

func TestBuildCreateMissingRequiredField(t *testing.T) {
	t.Parallel()
	reg := blogRegistry(t, schema.Cascade)
	b := NewBuilder(reg, "test", connector.Capabilities{})

	// A required to-one relation with neither a value nor a nested write.
	_, err := b.Build(&query.Query{
		Kind:  query.CreateOne,
		Model: "Post",
		Data:  map[string]any{"title": "First"},
	})
	require.Error(t, err)
	assert.True(t, vertex.IsValidationError(err))
}

func TestBuildCreateManyChunks(t *testing.T) {
	t.Parallel()
	reg := blogRegistry(t, schema.Cascade)
	b := NewBuilder(reg, "test", connector.Capabilities{MaxBatchSize: 2})

	rows := []map[string]any{
		{"name": "a", "email": "a@x"},
		{"name": "b", "email": "b@x"},
		{"name": "c", "email": "c@x"},
		{"name": "d", "email": "d@x"},
		{"name": "e", "email": "e@x"},
	}
	g, err := b.Build(&query.Query{Kind: query.CreateMany, Model: "Author", Rows: rows})
	require.NoError(t, err)

	chunks := nodesOf(g, connector.OpCreate, "Author")
	require.Len(t, chunks, 3)
	assert.Len(t, chunks[0].Action.Batch, 2)
	assert.Len(t, chunks[1].Action.Batch, 2)
	assert.Len(t, chunks[2].Action.Batch, 1)

	root := chunks[0]
	assert.True(t, root.Root)
	assert.True(t, root.Count)
	for _, c := range chunks[1:] {
		assert.Equal(t, root.ID, c.Parent, "later chunks contribute to the root count")
		assert.True(t, c.Count)
	}

	// Chunks are chained so they land in request order.
	_, ok := edgeBetween(g, chunks[0].ID, chunks[1].ID)
	assert.True(t, ok)
	_, ok = edgeBetween(g, chunks[1].ID, chunks[2].ID)
	assert.True(t, ok)
}

func TestBuildCreateManyRejectsNestedWrites(t *testing.T) {
	t.Parallel()
	reg := blogRegistry(t, schema.Cascade)
	b := NewBuilder(reg, "test", connector.Capabilities{})

	_, err := b.Build(&query.Query{
		Kind:  query.CreateMany,
		Model: "Post",
		Rows: []map[string]any{{
			"title":  "x",
			"author": query.NestedWrite{Create: []map[string]any{{"name": "Ada"}}},
		}},
	})
	require.Error(t, err)
	assert.ErrorContains(t, err, "createMany does not accept nested writes")
}

func TestBuildDeleteCascade(t *testing.T) {
	t.Parallel()
	reg := blogRegistry(t, schema.Cascade)
	b := NewBuilder(reg, "test", connector.Capabilities{})

	g, err := b.Build(&query.Query{
		Kind:      query.DeleteOne,
		Model:     "Author",
		Where:     []query.Condition{{Field: "id", Op: query.OpEQ, Value: int64(1)}},
		Selection: query.Selection{Fields: []string{"id", "name"}},
	})
	require.NoError(t, err)

	// The doomed row is read first and is the result.
	preFind := oneNode(t, g, connector.OpFind, "Author")
	assert.Equal(t, 1, preFind.Expect)
	assert.True(t, preFind.Root)

	// Comments go, then posts, then the author: leaf to root.
	commentDel := oneNode(t, g, connector.OpDelete, "Comment")
	postDel := oneNode(t, g, connector.OpDelete, "Post")
	authorDel := oneNode(t, g, connector.OpDelete, "Author")

	order, err := g.TopoOrder()
	require.NoError(t, err)
	pos := make(map[NodeID]int, len(order))
	for i, id := range order {
		pos[id] = i
	}
	assert.Less(t, pos[commentDel.ID], pos[postDel.ID])
	assert.Less(t, pos[postDel.ID], pos[authorDel.ID])

	// Each cascade level reads its victims' keys off the level above.
	postFind := oneNode(t, g, connector.OpFind, "Post")
	e, ok := edgeBetween(g, preFind.ID, postFind.ID)
	require.True(t, ok)
	assert.Equal(t, DestFilterIn, e.Dest)
	assert.Equal(t, "authorId", e.TargetField)
}

func TestBuildDeleteSetNull(t *testing.T) {
	t.Parallel()
	reg := blogRegistry(t, schema.SetNull)
	b := NewBuilder(reg, "test", connector.Capabilities{})

	g, err := b.Build(&query.Query{
		Kind:  query.DeleteOne,
		Model: "Author",
		Where: []query.Condition{{Field: "id", Op: query.OpEQ, Value: int64(1)}},
	})
	require.NoError(t, err)

	detach := oneNode(t, g, connector.OpUpdate, "Post")
	require.Contains(t, detach.Action.Values, "authorId")
	assert.Nil(t, detach.Action.Values["authorId"])

	// Detaching precedes the author delete; posts themselves survive.
	assert.Empty(t, nodesOf(g, connector.OpDelete, "Post"))
	authorDel := oneNode(t, g, connector.OpDelete, "Author")
	_, ok := edgeBetween(g, detach.ID, authorDel.ID)
	assert.True(t, ok)
}

func TestBuildDeleteRestrict(t *testing.T) {
	t.Parallel()
	reg := blogRegistry(t, schema.Restrict)
	b := NewBuilder(reg, "test", connector.Capabilities{})

	g, err := b.Build(&query.Query{
		Kind:  query.DeleteOne,
		Model: "Author",
		Where: []query.Condition{{Field: "id", Op: query.OpEQ, Value: int64(1)}},
	})
	require.NoError(t, err)

	// Restrict plants an existence check that must come back empty.
	checks := nodesOf(g, connector.OpFind, "Post")
	require.Len(t, checks, 1)
	check := checks[0]
	assert.Equal(t, 0, check.Expect)
	assert.Equal(t, 1, check.Action.Limit)
	require.NotNil(t, check.Guard)
	assert.Equal(t, "Author", check.Guard.Model)

	assert.Empty(t, nodesOf(g, connector.OpDelete, "Post"))
	authorDel := oneNode(t, g, connector.OpDelete, "Author")
	_, ok := edgeBetween(g, check.ID, authorDel.ID)
	assert.True(t, ok, "the delete waits for the guard")
}

func TestBuildDeleteNativeCascade(t *testing.T) {
	t.Parallel()
	reg := blogRegistry(t, schema.Cascade)
	b := NewBuilder(reg, "test", connector.Capabilities{CascadingDeletes: true})

	g, err := b.Build(&query.Query{
		Kind:  query.DeleteMany,
		Model: "Author",
		Where: []query.Condition{{Field: "name", Op: query.OpEQ, Value: "Ada"}},
	})
	require.NoError(t, err)

	// The backend handles referential actions; one delete suffices.
	require.Equal(t, 1, g.Len())
	del := oneNode(t, g, connector.OpDelete, "Author")
	assert.True(t, del.Count)
	assert.True(t, del.Root)
}

func TestBuildDeleteCyclicCascade(t *testing.T) {
	t.Parallel()
	a := schema.NewModel("A",
		schema.Int("id").ID().Generated(),
		schema.ToMany("bs", "B").OnDelete(schema.Cascade),
	)
	bm := schema.NewModel("B",
		schema.Int("id").ID().Generated(),
		schema.ToMany("as", "A").OnDelete(schema.Cascade),
	)
	reg, err := schema.NewRegistry(a, bm)
	require.NoError(t, err)

	b := NewBuilder(reg, "test", connector.Capabilities{})
	_, err = b.Build(&query.Query{
		Kind:  query.DeleteMany,
		Model: "A",
	})
	require.Error(t, err)
	assert.True(t, vertex.IsCapabilityError(err))
	assert.ErrorContains(t, err, "cyclic")
}

func TestBuildUpdateOne(t *testing.T) {
	t.Parallel()
	reg := blogRegistry(t, schema.Cascade)
	b := NewBuilder(reg, "test", connector.Capabilities{})

	g, err := b.Build(&query.Query{
		Kind:      query.UpdateOne,
		Model:     "Post",
		Where:     []query.Condition{{Field: "id", Op: query.OpEQ, Value: int64(3)}},
		Data:      map[string]any{"title": "Renamed"},
		Selection: query.Selection{Fields: []string{"id", "title"}},
	})
	require.NoError(t, err)

	finds := nodesOf(g, connector.OpFind, "Post")
	require.Len(t, finds, 2, "a pre-find and a readback")
	preFind, readback := finds[0], finds[1]
	assert.Equal(t, 1, preFind.Expect)

	update := oneNode(t, g, connector.OpUpdate, "Post")
	assert.Equal(t, "Renamed", update.Action.Values["title"])

	e, ok := edgeBetween(g, preFind.ID, update.ID)
	require.True(t, ok)
	assert.Equal(t, DestFilterIn, e.Dest)
	assert.Equal(t, "id", e.TargetField)

	assert.True(t, readback.Root)
	assert.Equal(t, 1, readback.Action.Limit)
	_, ok = edgeBetween(g, update.ID, readback.ID)
	assert.True(t, ok, "readback waits for the write")
}

func TestBuildUpdateManyCount(t *testing.T) {
	t.Parallel()
	reg := blogRegistry(t, schema.Cascade)
	b := NewBuilder(reg, "test", connector.Capabilities{})

	g, err := b.Build(&query.Query{
		Kind:  query.UpdateMany,
		Model: "Post",
		Where: []query.Condition{{Field: "published", Op: query.OpEQ, Value: false}},
		Data:  map[string]any{"published": true},
	})
	require.NoError(t, err)
	require.Equal(t, 1, g.Len())

	update := oneNode(t, g, connector.OpUpdate, "Post")
	assert.True(t, update.Count)
	assert.True(t, update.Root)
}

func TestBuildRawNeedsCapability(t *testing.T) {
	t.Parallel()
	reg := blogRegistry(t, schema.Cascade)

	_, err := NewBuilder(reg, "limited", connector.Capabilities{}).
		Build(&query.Query{Kind: query.Raw, SQL: "SELECT 1"})
	require.Error(t, err)
	assert.True(t, vertex.IsCapabilityError(err))

	g, err := NewBuilder(reg, "full", connector.Capabilities{RawSQL: true}).
		Build(&query.Query{Kind: query.Raw, SQL: "SELECT 1"})
	require.NoError(t, err)
	assert.Equal(t, 1, g.Len())
}

func TestBuildBatchOrdersWrites(t *testing.T) {
	t.Parallel()
	reg := blogRegistry(t, schema.Cascade)
	b := NewBuilder(reg, "test", connector.Capabilities{Joins: true})

	g, err := b.BuildBatch([]*query.Query{
		{Kind: query.CreateOne, Model: "Author",
			Data:      map[string]any{"name": "Ada", "email": "ada@x"},
			Selection: query.Selection{Fields: []string{"id"}}},
		{Kind: query.FindMany, Model: "Author",
			Selection: query.Selection{Fields: []string{"id", "name"}}},
	})
	require.NoError(t, err)
	require.Len(t, g.Roots(), 2)

	create := oneNode(t, g, connector.OpCreate, "Author")
	find := oneNode(t, g, connector.OpFind, "Author")

	// The read observes the write: request order is execution order.
	order, err := g.TopoOrder()
	require.NoError(t, err)
	pos := make(map[NodeID]int)
	for i, id := range order {
		pos[id] = i
	}
	assert.Less(t, pos[create.ID], pos[find.ID])
}

func TestBuildBatchReadsStayParallel(t *testing.T) {
	t.Parallel()
	reg := blogRegistry(t, schema.Cascade)
	b := NewBuilder(reg, "test", connector.Capabilities{Joins: true})

	g, err := b.BuildBatch([]*query.Query{
		{Kind: query.FindMany, Model: "Author"},
		{Kind: query.FindMany, Model: "Post"},
	})
	require.NoError(t, err)

	// Two pure reads share no edges.
	for _, n := range g.Nodes() {
		assert.Empty(t, g.In(n.ID))
		assert.Empty(t, g.Out(n.ID))
	}
}
