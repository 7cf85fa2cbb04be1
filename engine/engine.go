// Package engine ties the query pipeline together: a request document
// is parsed and validated, planned into a graph, executed inside a
// scope on the connector, and its results hydrated into documents.
package engine

import (
	"context"
	"errors"
	"fmt"
	"hash/fnv"
	"log/slog"
	"sort"

	"github.com/vmihailenco/msgpack/v5"

	"github.com/syssam/vertex"
	"github.com/syssam/vertex/connector"
	"github.com/syssam/vertex/executor"
	"github.com/syssam/vertex/graph"
	"github.com/syssam/vertex/hydrate"
	"github.com/syssam/vertex/query"
	"github.com/syssam/vertex/schema"
)

// Engine executes request documents against one connector.
type Engine struct {
	reg    *schema.Registry
	conn   connector.Connector
	interp *executor.Interpreter
	logger *slog.Logger
	cache  vertex.Cache
}

// Option configures an Engine.
type Option func(*Engine)

// WithLogger sets the engine's logger. The default discards.
func WithLogger(l *slog.Logger) Option {
	return func(e *Engine) { e.logger = l }
}

// WithCache enables read-through caching of read-only requests. Writes
// evict every cached entry touching the models they change.
func WithCache(c vertex.Cache) Option {
	return func(e *Engine) { e.cache = c }
}

// New returns an Engine executing against conn with reg's models.
func New(reg *schema.Registry, conn connector.Connector, opts ...Option) *Engine {
	e := &Engine{
		reg:    reg,
		conn:   conn,
		logger: slog.New(slog.DiscardHandler),
	}
	for _, opt := range opts {
		opt(e)
	}
	e.interp = executor.New(e.logger)
	return e
}

// Execute parses and runs a request document, returning one result per
// top-level operation, in request order.
func (e *Engine) Execute(ctx context.Context, request string) ([]any, error) {
	qs, err := query.Parse(request)
	if err != nil {
		return nil, err
	}
	return e.Run(ctx, qs)
}

// Run executes already-parsed operations as one unit: they share a
// scope, so either every write commits or none do.
func (e *Engine) Run(ctx context.Context, qs []*query.Query) ([]any, error) {
	if len(qs) == 0 {
		return nil, vertex.NewValidationError("request", errors.New("empty request"))
	}
	for _, q := range qs {
		if err := query.Validate(q, e.reg); err != nil {
			return nil, err
		}
	}

	caps := e.conn.Capabilities()
	g, err := graph.NewBuilder(e.reg, e.conn.Name(), caps).BuildBatch(qs)
	if err != nil {
		return nil, err
	}
	if err := g.Validate(); err != nil {
		return nil, err
	}
	writes := g.HasWrites()

	var key string
	if !writes && e.cache != nil {
		key = requestKey(qs)
		if raw, ok := e.cache.Get(ctx, key); ok {
			var out []any
			if err := msgpack.Unmarshal(raw, &out); err == nil {
				e.logger.Debug("cache hit", "key", key)
				return out, nil
			}
		}
	}

	scope, err := executor.Open(ctx, e.conn, writes, e.logger)
	if err != nil {
		return nil, err
	}
	results, runErr := e.interp.Run(ctx, g, scope, scope.Concurrency())
	if runErr != nil {
		if rbErr := scope.Rollback(ctx); rbErr != nil {
			// The primary failure leads; the rollback failure rides along.
			return nil, errors.Join(runErr, rbErr)
		}
		return nil, runErr
	}
	if err := scope.Commit(ctx); err != nil {
		return nil, err
	}

	out := make([]any, len(qs))
	roots := g.Roots()
	for i, q := range qs {
		v, err := hydrate.Hydrate(q, g, roots[i], results)
		if err != nil {
			// Side effects are already committed at this point.
			return nil, vertex.NewHydrationError(err)
		}
		out[i] = v
	}

	if e.cache != nil {
		switch {
		case writes && hasRaw(qs):
			// A raw statement can touch anything.
			e.cache.Invalidate(ctx)
		case writes:
			e.cache.Invalidate(ctx, graphModels(g)...)
		case key != "":
			if raw, err := msgpack.Marshal(out); err == nil {
				e.cache.Set(ctx, key, raw, graphModels(g))
				// Hand back the codec's shape, so a later cache hit
				// returns a tree identical to this one.
				var norm []any
				if err := msgpack.Unmarshal(raw, &norm); err == nil {
					out = norm
				}
			}
		}
	}
	return out, nil
}

// Close releases the engine's connector.
func (e *Engine) Close() error {
	return e.conn.Close()
}

func hasRaw(qs []*query.Query) bool {
	for _, q := range qs {
		if q.Kind == query.Raw {
			return true
		}
	}
	return false
}

// graphModels lists the models the graph's actions touch, sorted and
// deduplicated.
func graphModels(g *graph.Graph) []string {
	set := map[string]bool{}
	for _, n := range g.Nodes() {
		if n.Action.Model != "" {
			set[n.Action.Model] = true
		}
	}
	out := make([]string, 0, len(set))
	for m := range set {
		out = append(out, m)
	}
	sort.Strings(out)
	return out
}

// requestKey fingerprints a read-only operation list.
func requestKey(qs []*query.Query) string {
	h := fnv.New64a()
	if raw, err := msgpack.Marshal(qs); err == nil {
		h.Write(raw)
	}
	return fmt.Sprintf("q:%x", h.Sum64())
}
