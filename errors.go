package vertex

import (
	"context"
	"errors"
	"fmt"
)

// Standard sentinel errors for common pipeline conditions.
var (
	// ErrCanceled is returned when an execution scope is aborted by
	// client cancellation or a scope timeout.
	ErrCanceled = errors.New("vertex: execution canceled")

	// ErrScopeClosed is returned when an operation is attempted on an
	// execution scope that was already committed or rolled back.
	ErrScopeClosed = errors.New("vertex: execution scope already closed")
)

// ValidationError is returned when a request references a model, field or
// relation that does not exist in the data model registry, or carries
// arguments of the wrong shape.
type ValidationError struct {
	Name string // Model, field or relation name that failed validation
	Err  error  // Underlying validation error
}

// Error returns the error string.
func (e *ValidationError) Error() string {
	return fmt.Sprintf("vertex: validation failed for %q: %s", e.Name, e.Err)
}

// Unwrap returns the underlying error.
func (e *ValidationError) Unwrap() error {
	return e.Err
}

// NewValidationError returns a new ValidationError for the given name.
func NewValidationError(name string, err error) *ValidationError {
	return &ValidationError{Name: name, Err: err}
}

// IsValidationError returns true if the error is a ValidationError.
func IsValidationError(err error) bool {
	if err == nil {
		return false
	}
	var e *ValidationError
	return errors.As(err, &e)
}

// CapabilityError is returned by the graph builder when no execution
// strategy exists for the target connector's capability set.
type CapabilityError struct {
	Connector string // Connector name (e.g., dialect)
	Feature   string // Feature with no available strategy
}

// Error returns the error string.
func (e *CapabilityError) Error() string {
	return fmt.Sprintf("vertex: connector %q has no strategy for %s", e.Connector, e.Feature)
}

// NewCapabilityError returns a new CapabilityError.
func NewCapabilityError(connector, feature string) *CapabilityError {
	return &CapabilityError{Connector: connector, Feature: feature}
}

// IsCapabilityError returns true if the error is a CapabilityError.
func IsCapabilityError(err error) bool {
	if err == nil {
		return false
	}
	var e *CapabilityError
	return errors.As(err, &e)
}

// ConstraintKind classifies a database constraint violation independently
// of the connector-specific error code that produced it.
type ConstraintKind string

// Constraint kinds reported by ConstraintError.
const (
	ConstraintUnique        ConstraintKind = "unique"
	ConstraintForeignKey    ConstraintKind = "foreign-key"
	ConstraintRequiredField ConstraintKind = "required-field"
)

// ConstraintError represents a database constraint violation translated
// to a stable, connector-independent kind.
type ConstraintError struct {
	Kind ConstraintKind
	msg  string
	wrap error
}

// Error returns the error string.
func (e *ConstraintError) Error() string {
	return fmt.Sprintf("vertex: %s constraint failed: %s", e.Kind, e.msg)
}

// Unwrap returns the underlying connector error.
func (e *ConstraintError) Unwrap() error {
	return e.wrap
}

// NewConstraintError returns a new ConstraintError with the given kind.
func NewConstraintError(kind ConstraintKind, msg string, wrap error) *ConstraintError {
	return &ConstraintError{Kind: kind, msg: msg, wrap: wrap}
}

// IsConstraintError returns true if the error is a ConstraintError.
func IsConstraintError(err error) bool {
	if err == nil {
		return false
	}
	var e *ConstraintError
	return errors.As(err, &e)
}

// DependencyError is returned when a producer node yielded an unexpected
// number of rows for a dependent value-flow edge. The typical case is
// updating or connecting a record that does not exist.
type DependencyError struct {
	Node     string // Label of the producer node
	Field    string // Field the dependent needed
	Expected int
	Actual   int
}

// Error returns the error string.
func (e *DependencyError) Error() string {
	return fmt.Sprintf("vertex: node %s produced %d rows for %q, expected %d",
		e.Node, e.Actual, e.Field, e.Expected)
}

// NewDependencyError returns a new DependencyError.
func NewDependencyError(node, field string, expected, actual int) *DependencyError {
	return &DependencyError{Node: node, Field: field, Expected: expected, Actual: actual}
}

// IsDependencyError returns true if the error is a DependencyError.
func IsDependencyError(err error) bool {
	if err == nil {
		return false
	}
	var e *DependencyError
	return errors.As(err, &e)
}

// RelationIntegrityError is returned at hydration time when a relation the
// data model declares as non-optional has no related row.
type RelationIntegrityError struct {
	Model    string
	Relation string
}

// Error returns the error string.
func (e *RelationIntegrityError) Error() string {
	return fmt.Sprintf("vertex: required relation %s.%s has no related record", e.Model, e.Relation)
}

// NewRelationIntegrityError returns a new RelationIntegrityError.
func NewRelationIntegrityError(model, relation string) *RelationIntegrityError {
	return &RelationIntegrityError{Model: model, Relation: relation}
}

// IsRelationIntegrityError returns true if the error is a RelationIntegrityError.
func IsRelationIntegrityError(err error) bool {
	if err == nil {
		return false
	}
	var e *RelationIntegrityError
	return errors.As(err, &e)
}

// ConnectorError is an opaque passthrough for connector failures that do
// not classify as a constraint violation. Node carries the identity of the
// graph node whose dispatch failed.
type ConnectorError struct {
	Node string
	Op   string
	Err  error
}

// Error returns the error string.
func (e *ConnectorError) Error() string {
	if e.Node != "" {
		return fmt.Sprintf("vertex: %s %s: %v", e.Op, e.Node, e.Err)
	}
	return fmt.Sprintf("vertex: %s: %v", e.Op, e.Err)
}

// Unwrap returns the underlying error.
func (e *ConnectorError) Unwrap() error {
	return e.Err
}

// NewConnectorError returns a new ConnectorError.
func NewConnectorError(node, op string, err error) *ConnectorError {
	return &ConnectorError{Node: node, Op: op, Err: err}
}

// IsConnectorError returns true if the error is a ConnectorError.
func IsConnectorError(err error) bool {
	if err == nil {
		return false
	}
	var e *ConnectorError
	return errors.As(err, &e)
}

// CanceledError wraps a cancellation observed at a dispatch boundary with
// the node that was about to run.
type CanceledError struct {
	Node string
	Err  error // context.Canceled or context.DeadlineExceeded
}

// Error returns the error string.
func (e *CanceledError) Error() string {
	if e.Node != "" {
		return fmt.Sprintf("vertex: canceled before %s: %v", e.Node, e.Err)
	}
	return fmt.Sprintf("vertex: canceled: %v", e.Err)
}

// Unwrap returns the underlying context error.
func (e *CanceledError) Unwrap() error {
	return e.Err
}

// Is reports whether the target error matches ErrCanceled.
func (e *CanceledError) Is(err error) bool {
	return err == ErrCanceled
}

// NewCanceledError returns a new CanceledError.
func NewCanceledError(node string, err error) *CanceledError {
	return &CanceledError{Node: node, Err: err}
}

// IsCanceled returns true if the error resulted from scope cancellation or
// a scope timeout.
func IsCanceled(err error) bool {
	if err == nil {
		return false
	}
	var e *CanceledError
	return errors.As(err, &e) ||
		errors.Is(err, ErrCanceled) ||
		errors.Is(err, context.Canceled) ||
		errors.Is(err, context.DeadlineExceeded)
}

// RollbackError wraps a failure that occurred while rolling back or
// compensating an execution scope. It is always reported as a secondary
// error joined to the primary action error.
type RollbackError struct {
	Err error
}

// NewRollbackError wraps a rollback or compensation failure.
func NewRollbackError(err error) *RollbackError {
	return &RollbackError{Err: err}
}

// IsRollbackError returns true if the error is a RollbackError.
func IsRollbackError(err error) bool {
	if err == nil {
		return false
	}
	var e *RollbackError
	return errors.As(err, &e)
}

// Error returns the error string.
func (e *RollbackError) Error() string {
	return fmt.Sprintf("vertex: rollback failed: %v", e.Err)
}

// Unwrap returns the underlying error.
func (e *RollbackError) Unwrap() error {
	return e.Err
}

// HydrationError marks a "succeeded but could not hydrate" condition: all
// side effects were already committed when the failure occurred, so no
// rollback was triggered.
type HydrationError struct {
	Err error
}

// NewHydrationError wraps a post-commit hydration failure.
func NewHydrationError(err error) *HydrationError {
	return &HydrationError{Err: err}
}

// Error returns the error string.
func (e *HydrationError) Error() string {
	return fmt.Sprintf("vertex: result hydration failed after commit: %v", e.Err)
}

// Unwrap returns the underlying error.
func (e *HydrationError) Unwrap() error {
	return e.Err
}

// IsHydrationError returns true if the error is a HydrationError.
func IsHydrationError(err error) bool {
	if err == nil {
		return false
	}
	var e *HydrationError
	return errors.As(err, &e)
}
