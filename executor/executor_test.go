package executor

import (
	"context"
	"errors"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/syssam/vertex"
	"github.com/syssam/vertex/connector"
	"github.com/syssam/vertex/connector/connectortest"
	"github.com/syssam/vertex/graph"
)

func addNode(g *graph.Graph, n *graph.Node) graph.NodeID {
	if n.Expect == 0 && n.Guard == nil {
		n.Expect = graph.ExpectAny
	}
	n.Parent = graph.NoParent
	return g.AddNode(n)
}

func TestRunValueFlow(t *testing.T) {
	t.Parallel()
	conn := connectortest.New()

	g := graph.New()
	author := addNode(g, &graph.Node{
		Expect: 1,
		Action: &connector.Action{
			Op: connector.OpCreate, Model: "Author", Table: "authors", IDField: "id",
			Values: connector.Row{"name": "Ada"},
		},
	})
	post := addNode(g, &graph.Node{
		Expect: 1,
		Action: &connector.Action{
			Op: connector.OpCreate, Model: "Post", Table: "posts", IDField: "id",
			Values: connector.Row{"title": "First"},
		},
	})
	g.AddEdge(graph.Edge{
		From: author, To: post, Kind: graph.KindValueFlow,
		SourceField: "id", TargetField: "authorId", Dest: graph.DestValue,
	})
	g.MarkRoot(post)

	results, err := New(nil).Run(context.Background(), g, conn, 4)
	require.NoError(t, err)
	require.Len(t, results, 2)

	// The generated author key landed on the post before it was written.
	authorID := results[author].Rows[0]["id"]
	require.NotNil(t, authorID)
	rows := conn.Rows("posts")
	require.Len(t, rows, 1)
	assert.Equal(t, authorID, rows[0]["authorId"])

	assert.Equal(t, []string{"create:authors", "create:posts"}, conn.Log())
}

func TestRunFilterInFlow(t *testing.T) {
	t.Parallel()
	conn := connectortest.New(
		connectortest.WithSeed("authors",
			connector.Row{"id": int64(1), "name": "Ada"},
			connector.Row{"id": int64(2), "name": "Grace"},
		),
		connectortest.WithSeed("posts",
			connector.Row{"id": int64(10), "authorId": int64(1)},
			connector.Row{"id": int64(11), "authorId": int64(2)},
			connector.Row{"id": int64(12), "authorId": int64(3)},
		),
	)

	g := graph.New()
	authors := addNode(g, &graph.Node{
		Action: &connector.Action{Op: connector.OpFind, Model: "Author", Table: "authors", IDField: "id"},
	})
	posts := addNode(g, &graph.Node{
		Action: &connector.Action{Op: connector.OpFind, Model: "Post", Table: "posts", IDField: "id"},
	})
	g.AddEdge(graph.Edge{
		From: authors, To: posts, Kind: graph.KindValueFlow,
		SourceField: "id", TargetField: "authorId", Dest: graph.DestFilterIn,
	})
	g.MarkRoot(posts)

	results, err := New(nil).Run(context.Background(), g, conn, 2)
	require.NoError(t, err)

	// Only posts of the found authors; the orphan stays out.
	ids := make([]any, 0, 2)
	for _, row := range results[posts].Rows {
		ids = append(ids, row["id"])
	}
	assert.ElementsMatch(t, []any{int64(10), int64(11)}, ids)
}

func TestRunEmptyInShortCircuits(t *testing.T) {
	t.Parallel()
	conn := connectortest.New() // nothing seeded

	g := graph.New()
	authors := addNode(g, &graph.Node{
		Action: &connector.Action{Op: connector.OpFind, Model: "Author", Table: "authors", IDField: "id"},
	})
	del := addNode(g, &graph.Node{
		Action: &connector.Action{Op: connector.OpDelete, Model: "Post", Table: "posts", IDField: "id"},
	})
	g.AddEdge(graph.Edge{
		From: authors, To: del, Kind: graph.KindValueFlow,
		SourceField: "id", TargetField: "authorId", Dest: graph.DestFilterIn,
	})
	g.MarkRoot(del)

	results, err := New(nil).Run(context.Background(), g, conn, 1)
	require.NoError(t, err)

	// The delete matched nothing by construction and never hit the
	// connector.
	assert.Equal(t, []string{"find:authors"}, conn.Log())
	assert.Zero(t, results[del].Affected)
}

func TestRunExpectMismatch(t *testing.T) {
	t.Parallel()
	conn := connectortest.New()

	g := graph.New()
	find := addNode(g, &graph.Node{
		Expect: 1,
		Action: &connector.Action{Op: connector.OpFind, Model: "Author", Table: "authors", IDField: "id"},
	})
	g.MarkRoot(find)

	_, err := New(nil).Run(context.Background(), g, conn, 1)
	require.Error(t, err)
	assert.True(t, vertex.IsDependencyError(err))
}

func TestRunGuardViolation(t *testing.T) {
	t.Parallel()
	conn := connectortest.New(
		connectortest.WithSeed("posts", connector.Row{"id": int64(1), "authorId": int64(7)}),
	)

	g := graph.New()
	check := g.AddNode(&graph.Node{
		Expect: 0,
		Guard:  &graph.Guard{Model: "Author", Relation: "posts"},
		Parent: graph.NoParent,
		Action: &connector.Action{Op: connector.OpFind, Model: "Post", Table: "posts", IDField: "id", Limit: 1},
	})
	g.MarkRoot(check)

	_, err := New(nil).Run(context.Background(), g, conn, 1)
	require.Error(t, err)
	assert.True(t, vertex.IsRelationIntegrityError(err))
	assert.ErrorContains(t, err, "posts")
}

func TestRunSkipsDependentsAfterFailure(t *testing.T) {
	t.Parallel()
	boom := errors.New("disk on fire")
	conn := connectortest.New(
		connectortest.WithFailure(connector.OpCreate, "authors", boom),
	)

	g := graph.New()
	author := addNode(g, &graph.Node{
		Action: &connector.Action{
			Op: connector.OpCreate, Model: "Author", Table: "authors", IDField: "id",
			Values: connector.Row{"name": "Ada"},
		},
	})
	post := addNode(g, &graph.Node{
		Action: &connector.Action{
			Op: connector.OpCreate, Model: "Post", Table: "posts", IDField: "id",
			Values: connector.Row{"title": "First"},
		},
	})
	g.AddEdge(graph.Edge{
		From: author, To: post, Kind: graph.KindValueFlow,
		SourceField: "id", TargetField: "authorId", Dest: graph.DestValue,
	})
	g.MarkRoot(post)

	results, err := New(nil).Run(context.Background(), g, conn, 2)
	require.Error(t, err)
	assert.True(t, vertex.IsConnectorError(err))
	assert.ErrorIs(t, err, boom)

	// The dependent never ran.
	assert.NotContains(t, conn.Log(), "create:posts")
	assert.NotContains(t, results, post)
}

func TestRunCanceled(t *testing.T) {
	t.Parallel()
	conn := connectortest.New()

	g := graph.New()
	find := addNode(g, &graph.Node{
		Action: &connector.Action{Op: connector.OpFind, Model: "Author", Table: "authors", IDField: "id"},
	})
	g.MarkRoot(find)

	ctx, cancel := context.WithCancel(context.Background())
	cancel()
	_, err := New(nil).Run(ctx, g, conn, 1)
	require.Error(t, err)
	assert.True(t, vertex.IsCanceled(err))
}

// cancelingDispatcher cancels its context after every dispatch, standing
// in for a client that disconnects mid-request.
type cancelingDispatcher struct {
	connector.Dispatcher
	cancel context.CancelFunc
}

func (d *cancelingDispatcher) Dispatch(ctx context.Context, a *connector.Action) (*connector.Result, error) {
	res, err := d.Dispatcher.Dispatch(ctx, a)
	d.cancel()
	return res, err
}

func TestRunCanceledBetweenNodes(t *testing.T) {
	t.Parallel()
	conn := connectortest.New(
		connectortest.WithSeed("authors", connector.Row{"id": int64(1), "name": "Ada"}),
	)

	// Two independent roots sharing one run: a cancel landing after the
	// first completes must stop the second before it reaches the
	// connector.
	g := graph.New()
	first := addNode(g, &graph.Node{
		Action: &connector.Action{Op: connector.OpFind, Model: "Author", Table: "authors", IDField: "id"},
	})
	second := addNode(g, &graph.Node{
		Action: &connector.Action{Op: connector.OpFind, Model: "Post", Table: "posts", IDField: "id"},
	})
	g.MarkRoot(first)
	g.MarkRoot(second)

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	d := &cancelingDispatcher{Dispatcher: conn, cancel: cancel}

	results, err := New(nil).Run(ctx, g, d, 1)
	require.Error(t, err)
	assert.True(t, vertex.IsCanceled(err))

	assert.Equal(t, []string{"find:authors"}, conn.Log(), "second root never dispatched")
	assert.Contains(t, results, first, "completed work is still reported")
	assert.NotContains(t, results, second)
}

func TestRunClassifiesConstraints(t *testing.T) {
	t.Parallel()
	tests := []struct {
		name string
		err  error
		kind vertex.ConstraintKind
	}{
		{"unique", errors.New(`UNIQUE constraint failed: authors.email`), vertex.ConstraintUnique},
		{"foreign key", errors.New(`FOREIGN KEY constraint failed`), vertex.ConstraintForeignKey},
		{"not null", errors.New(`NOT NULL constraint failed: authors.name`), vertex.ConstraintRequiredField},
	}
	for _, tt := range tests {
		tt := tt
		t.Run(tt.name, func(t *testing.T) {
			t.Parallel()
			conn := connectortest.New(
				connectortest.WithFailure(connector.OpCreate, "authors", tt.err),
			)
			g := graph.New()
			id := addNode(g, &graph.Node{
				Action: &connector.Action{
					Op: connector.OpCreate, Model: "Author", Table: "authors", IDField: "id",
					Values: connector.Row{"name": "Ada"},
				},
			})
			g.MarkRoot(id)

			_, err := New(nil).Run(context.Background(), g, conn, 1)
			require.Error(t, err)
			var ce *vertex.ConstraintError
			require.ErrorAs(t, err, &ce)
			assert.Equal(t, tt.kind, ce.Kind)
		})
	}
}
