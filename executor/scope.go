package executor

import (
	"context"
	"errors"
	"log/slog"
	"sync"

	"github.com/google/uuid"

	"github.com/syssam/vertex"
	"github.com/syssam/vertex/connector"
)

// Scope is the atomicity unit a graph executes inside. Depending on the
// connector it is backed by a native transaction or emulated by
// compensating writes recorded as the scope progresses.
type Scope struct {
	id          string
	conn        connector.Connector
	tx          connector.Tx
	compensate  bool
	concurrency int
	logger      *slog.Logger

	mu     sync.Mutex
	undo   []connector.Action
	closed bool
}

// Open starts a scope on conn. Read-only graphs run directly against
// the connector at its full concurrency. Writes run inside a native
// transaction when the connector has one, serialized unless it allows
// concurrent statements on a transaction; otherwise the scope falls
// back to sequential execution with compensation on failure.
func Open(ctx context.Context, conn connector.Connector, writes bool, logger *slog.Logger) (*Scope, error) {
	if logger == nil {
		logger = slog.New(slog.DiscardHandler)
	}
	caps := conn.Capabilities()
	s := &Scope{
		id:          uuid.NewString(),
		conn:        conn,
		concurrency: caps.MaxConcurrency,
		logger:      logger,
	}
	if s.concurrency < 1 {
		s.concurrency = 1
	}
	switch {
	case !writes:
	case caps.Transactions:
		tx, err := conn.Begin(ctx)
		if err != nil {
			return nil, vertex.NewConnectorError("scope:"+s.id, "begin", err)
		}
		s.tx = tx
		if !caps.ConcurrentTx {
			s.concurrency = 1
		}
	default:
		s.compensate = true
		s.concurrency = 1
	}
	s.logger.Debug("scope opened",
		"scope", s.id, "transactional", s.tx != nil, "concurrency", s.concurrency)
	return s, nil
}

// ID returns the scope's identifier, present in its log lines.
func (s *Scope) ID() string { return s.id }

// Concurrency is the number of graph nodes the scope admits at once.
func (s *Scope) Concurrency() int { return s.concurrency }

// Dispatch forwards the action to the scope's backing dispatcher. In a
// compensating scope every successful create is recorded so Rollback
// can remove it.
func (s *Scope) Dispatch(ctx context.Context, a *connector.Action) (*connector.Result, error) {
	var d connector.Dispatcher = s.conn
	if s.tx != nil {
		d = s.tx
	}
	res, err := d.Dispatch(ctx, a)
	if err != nil || !s.compensate {
		return res, err
	}
	if a.Op == connector.OpCreate {
		s.recordCreates(a, res)
	}
	return res, nil
}

// recordCreates captures delete actions undoing the rows a create
// produced, newest first on replay.
func (s *Scope) recordCreates(a *connector.Action, res *connector.Result) {
	keys := make([]any, 0, len(res.Rows)+len(a.Batch))
	for _, row := range res.Rows {
		if v, ok := row[a.IDField]; ok && v != nil {
			keys = append(keys, v)
		}
	}
	for _, row := range a.Batch {
		if v, ok := row[a.IDField]; ok && v != nil {
			keys = append(keys, v)
		}
	}
	if len(keys) == 0 {
		return
	}
	var f connector.Filter
	f.And(connector.Cond{Field: a.IDField, Op: connector.In, Values: keys})
	s.mu.Lock()
	s.undo = append(s.undo, connector.Action{
		Op:      connector.OpDelete,
		Model:   a.Model,
		Table:   a.Table,
		IDField: a.IDField,
		Mapping: a.Mapping,
		Filter:  f,
	})
	s.mu.Unlock()
}

// Commit finalizes the scope. Committing a closed scope fails with
// ErrScopeClosed.
func (s *Scope) Commit(ctx context.Context) error {
	if err := s.close(); err != nil {
		return err
	}
	if s.tx == nil {
		return nil
	}
	if err := s.tx.Commit(); err != nil {
		return vertex.NewConnectorError("scope:"+s.id, "commit", err)
	}
	s.logger.Debug("scope committed", "scope", s.id)
	return nil
}

// Rollback abandons the scope. A transactional scope rolls the
// transaction back; a compensating scope replays its undo log in
// reverse, removing the rows it created. Compensation failures are
// reported as a RollbackError carrying every failed undo.
func (s *Scope) Rollback(ctx context.Context) error {
	if err := s.close(); err != nil {
		return err
	}
	if s.tx != nil {
		if err := s.tx.Rollback(); err != nil {
			return vertex.NewRollbackError(err)
		}
		s.logger.Debug("scope rolled back", "scope", s.id)
		return nil
	}
	if !s.compensate {
		return nil
	}
	// Compensation usually runs because the caller was canceled; the
	// undo writes must still go out, so they get a detached context.
	ctx = context.WithoutCancel(ctx)
	var errs []error
	for i := len(s.undo) - 1; i >= 0; i-- {
		a := s.undo[i]
		if _, err := s.conn.Dispatch(ctx, &a); err != nil {
			s.logger.Warn("compensation failed",
				"scope", s.id, "model", a.Model, "error", err)
			errs = append(errs, err)
		}
	}
	s.logger.Debug("scope compensated", "scope", s.id, "undone", len(s.undo))
	if len(errs) > 0 {
		return vertex.NewRollbackError(errors.Join(errs...))
	}
	return nil
}

func (s *Scope) close() error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.closed {
		return vertex.ErrScopeClosed
	}
	s.closed = true
	return nil
}
