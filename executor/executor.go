// Package executor walks a query graph in dependency order, dispatching
// each node's action against a connector and threading generated values
// along the graph's flow edges.
package executor

import (
	"context"
	"log/slog"
	"sync"
	"sync/atomic"

	"golang.org/x/sync/errgroup"

	"github.com/syssam/vertex"
	"github.com/syssam/vertex/connector"
	"github.com/syssam/vertex/graph"
)

// Results holds the connector result of every executed node.
type Results map[graph.NodeID]*connector.Result

// Interpreter runs query graphs. It is stateless and safe for
// concurrent use; all per-run state lives on the stack of Run.
type Interpreter struct {
	logger *slog.Logger
}

// New returns an Interpreter logging through logger. A nil logger
// discards.
func New(logger *slog.Logger) *Interpreter {
	if logger == nil {
		logger = slog.New(slog.DiscardHandler)
	}
	return &Interpreter{logger: logger}
}

type nodeState struct {
	depCount atomic.Int32
	doneOnce sync.Once
}

// Run executes every node of g against d, honoring the graph's order
// and flow edges. Up to concurrency nodes run at once. On the first
// failure the remaining nodes are skipped and the root cause returned;
// results of nodes that completed are still reported.
func (in *Interpreter) Run(ctx context.Context, g *graph.Graph, d connector.Dispatcher, concurrency int) (Results, error) {
	if concurrency < 1 {
		concurrency = 1
	}
	n := g.Len()
	states := make([]nodeState, n)
	for _, node := range g.Nodes() {
		states[node.ID].depCount.Store(int32(len(g.In(node.ID))))
	}

	results := make(Results, n)
	var mu sync.Mutex

	ready := make(chan graph.NodeID, n)
	for _, node := range g.Nodes() {
		if states[node.ID].depCount.Load() == 0 {
			ready <- node.ID
		}
	}

	runCtx, cancel := context.WithCancel(ctx)
	defer cancel()

	var wg sync.WaitGroup
	wg.Add(n)

	var failOnce sync.Once
	var runErr error
	fail := func(err error) {
		failOnce.Do(func() {
			runErr = err
			cancel()
		})
	}

	var unlock func(id graph.NodeID)
	var skip func(id graph.NodeID)
	skip = func(id graph.NodeID) {
		for _, e := range g.Out(id) {
			dep := e.To
			states[dep].doneOnce.Do(func() {
				in.logger.Debug("skipping node after upstream failure",
					"node", g.Node(dep).Label(), "upstream", g.Node(id).Label())
				wg.Done()
				skip(dep)
			})
		}
	}
	unlock = func(id graph.NodeID) {
		for _, e := range g.Out(id) {
			if states[e.To].depCount.Add(-1) == 0 {
				ready <- e.To
			}
		}
	}

	worker := func() {
		for id := range ready {
			node := g.Node(id)
			if runCtx.Err() != nil {
				states[id].doneOnce.Do(func() {
					fail(vertex.NewCanceledError(node.Label(), ctx.Err()))
					wg.Done()
					skip(id)
				})
				continue
			}
			mu.Lock()
			short, err := resolveFlows(g, node, results)
			mu.Unlock()
			var res *connector.Result
			if err == nil {
				res, err = in.runNode(runCtx, d, node, short)
			}
			if err == nil {
				mu.Lock()
				results[id] = res
				mu.Unlock()
			}
			states[id].doneOnce.Do(func() {
				if err != nil {
					in.logger.Debug("node failed", "node", node.Label(), "error", err)
					fail(err)
					wg.Done()
					skip(id)
					return
				}
				wg.Done()
				unlock(id)
			})
		}
	}
	var pool errgroup.Group
	for i := 0; i < concurrency; i++ {
		pool.Go(func() error {
			worker()
			return nil
		})
	}
	wg.Wait()
	close(ready)
	_ = pool.Wait()
	return results, runErr
}

// runNode dispatches the node's resolved action and asserts the
// expected row count.
func (in *Interpreter) runNode(ctx context.Context, d connector.Dispatcher, node *graph.Node, short bool) (*connector.Result, error) {
	var res *connector.Result
	var err error
	if short {
		// An empty IN list matches nothing; skip the round trip.
		res = &connector.Result{}
	} else {
		in.logger.Debug("dispatching", "node", node.Label())
		res, err = d.Dispatch(ctx, node.Action)
		if err != nil {
			return nil, classify(ctx, node, err)
		}
	}
	if node.Expect != graph.ExpectAny {
		actual := yield(node, res)
		if actual != node.Expect {
			if node.Guard != nil {
				return nil, vertex.NewRelationIntegrityError(node.Guard.Model, node.Guard.Relation)
			}
			return nil, vertex.NewDependencyError(node.Label(), node.Action.IDField, node.Expect, actual)
		}
	}
	return res, nil
}

// resolveFlows injects upstream values into the node's action. It
// reports short=true when an IN flow carried no values, meaning the
// action cannot match anything and need not run.
func resolveFlows(g *graph.Graph, node *graph.Node, results Results) (short bool, err error) {
	for _, e := range g.In(node.ID) {
		if e.Kind != graph.KindValueFlow {
			continue
		}
		src, ok := results[e.From]
		if !ok {
			return false, vertex.NewDependencyError(node.Label(), e.SourceField, 1, 0)
		}
		values := make([]any, 0, len(src.Rows))
		for _, row := range src.Rows {
			if v, ok := row[e.SourceField]; ok && v != nil {
				values = append(values, v)
			}
		}
		switch e.Dest {
		case graph.DestValue:
			if len(values) != 1 {
				return false, vertex.NewDependencyError(node.Label(), e.SourceField, 1, len(values))
			}
			if node.Action.Values == nil {
				node.Action.Values = connector.Row{}
			}
			node.Action.Values[e.TargetField] = values[0]
		case graph.DestFilterEq:
			if len(values) != 1 {
				return false, vertex.NewDependencyError(node.Label(), e.SourceField, 1, len(values))
			}
			node.Action.Filter.And(connector.Cond{
				Field: e.TargetField, Op: connector.EQ, Value: values[0],
			})
		case graph.DestFilterIn:
			if len(values) == 0 {
				short = true
				continue
			}
			node.Action.Filter.And(connector.Cond{
				Field: e.TargetField, Op: connector.In, Values: values,
			})
		}
	}
	return short, nil
}

// yield is the row count a node's assertion applies to: produced rows
// for reads and creates, affected rows for updates and deletes.
func yield(node *graph.Node, res *connector.Result) int {
	switch node.Action.Op {
	case connector.OpUpdate, connector.OpDelete:
		return int(res.Affected)
	default:
		return len(res.Rows)
	}
}

// classify maps a raw dispatch failure onto the error taxonomy callers
// branch on.
func classify(ctx context.Context, node *graph.Node, err error) error {
	if ctx.Err() != nil || vertex.IsCanceled(err) {
		return vertex.NewCanceledError(node.Label(), err)
	}
	switch {
	case connector.IsUniqueConstraintError(err):
		return vertex.NewConstraintError(vertex.ConstraintUnique, node.Label(), err)
	case connector.IsForeignKeyConstraintError(err):
		return vertex.NewConstraintError(vertex.ConstraintForeignKey, node.Label(), err)
	case connector.IsNotNullConstraintError(err):
		return vertex.NewConstraintError(vertex.ConstraintRequiredField, node.Label(), err)
	}
	return vertex.NewConnectorError(node.Label(), string(node.Action.Op), err)
}
