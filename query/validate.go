package query

import (
	"errors"
	"fmt"

	"github.com/syssam/vertex"
	"github.com/syssam/vertex/schema"
)

// Validate checks the query against the data model registry: the model
// exists, every referenced field and relation exists, write data matches
// the model's shape, and pagination arguments are sane. It returns a
// *vertex.ValidationError describing the first problem found.
func Validate(q *Query, reg *schema.Registry) error {
	if q.Kind == Raw {
		if q.SQL == "" {
			return vertex.NewValidationError("executeRaw", errors.New("empty statement"))
		}
		return nil
	}
	model, ok := reg.Model(q.Model)
	if !ok {
		return vertex.NewValidationError(q.Model, errors.New("unknown model"))
	}
	if q.Take < 0 || q.Skip < 0 {
		return vertex.NewValidationError(q.Model, errors.New("take and skip must be non-negative"))
	}
	if err := validateConditions(model, q.Where); err != nil {
		return err
	}
	if err := validateOrders(model, q.OrderBy); err != nil {
		return err
	}
	switch q.Kind {
	case CreateOne, UpdateOne:
		if err := validateData(reg, model, q.Data); err != nil {
			return err
		}
	case UpdateMany:
		// Bulk writes yield a count document, not model fields.
		return validateData(reg, model, q.Data)
	case CreateMany:
		for _, row := range q.Rows {
			if err := validateData(reg, model, row); err != nil {
				return err
			}
		}
		return nil
	case DeleteMany:
		return nil
	case FindUnique, DeleteOne:
		if err := validateUniqueFilter(model, q.Where); err != nil {
			return err
		}
	case Aggregate:
		// Aggregate results are a single scalar; the selection set is
		// not checked against model fields.
		return validateAggregate(model, q.Agg)
	}
	return validateSelection(reg, model, &q.Selection)
}

func validateConditions(model *schema.Model, conds []Condition) error {
	for _, c := range conds {
		if _, ok := model.Field(c.Field); !ok {
			return vertex.NewValidationError(
				model.Name()+"."+c.Field, errors.New("unknown field in filter"))
		}
	}
	return nil
}

func validateOrders(model *schema.Model, orders []Order) error {
	for _, o := range orders {
		if _, ok := model.Field(o.Field); !ok {
			return vertex.NewValidationError(
				model.Name()+"."+o.Field, errors.New("unknown field in orderBy"))
		}
	}
	return nil
}

// validateUniqueFilter requires the filter of a single-record operation to
// pin down at most one row: an equality on the id or on a unique field.
func validateUniqueFilter(model *schema.Model, conds []Condition) error {
	for _, c := range conds {
		if c.Op != OpEQ {
			continue
		}
		if f, ok := model.Field(c.Field); ok && (f.IsID() || f.IsUnique()) {
			return nil
		}
	}
	return vertex.NewValidationError(model.Name(),
		errors.New("unique operation requires an equality filter on a unique field"))
}

func validateData(reg *schema.Registry, model *schema.Model, data map[string]any) error {
	if len(data) == 0 {
		return vertex.NewValidationError(model.Name(), errors.New("empty data"))
	}
	for name, val := range data {
		if _, ok := model.Field(name); ok {
			if _, isNested := val.(NestedWrite); isNested {
				return vertex.NewValidationError(
					model.Name()+"."+name, errors.New("nested write on a scalar field"))
			}
			continue
		}
		rel, ok := model.Relation(name)
		if !ok {
			return vertex.NewValidationError(
				model.Name()+"."+name, errors.New("unknown field in data"))
		}
		nested, isNested := val.(NestedWrite)
		if !isNested {
			return vertex.NewValidationError(
				model.Name()+"."+name, errors.New("relation value must be a nested write"))
		}
		target, ok := reg.Model(rel.Target())
		if !ok {
			return vertex.NewValidationError(rel.Target(), errors.New("unknown model"))
		}
		if !rel.IsToMany() && len(nested.Create)+len(nested.Connect) > 1 {
			return vertex.NewValidationError(
				model.Name()+"."+name, errors.New("to-one relation accepts a single nested row"))
		}
		for _, row := range nested.Create {
			if err := validateData(reg, target, row); err != nil {
				return err
			}
		}
		for _, conds := range nested.Connect {
			if err := validateUniqueFilter(target, conds); err != nil {
				return err
			}
		}
	}
	return nil
}

func validateAggregate(model *schema.Model, agg *AggregateArg) error {
	if agg == nil {
		return vertex.NewValidationError(model.Name(), errors.New("missing aggregation"))
	}
	switch agg.Func {
	case "count":
		return nil
	case "sum", "avg", "min", "max":
		f, ok := model.Field(agg.Field)
		if !ok {
			return vertex.NewValidationError(
				model.Name()+"."+agg.Field, errors.New("unknown field in aggregation"))
		}
		if agg.Func != "min" && agg.Func != "max" {
			if t := f.Type(); t != schema.TypeInt && t != schema.TypeFloat {
				return vertex.NewValidationError(
					model.Name()+"."+agg.Field,
					fmt.Errorf("%s requires a numeric field", agg.Func))
			}
		}
		return nil
	default:
		return vertex.NewValidationError(model.Name(),
			fmt.Errorf("unknown aggregation %q", agg.Func))
	}
}

func validateSelection(reg *schema.Registry, model *schema.Model, sel *Selection) error {
	for _, name := range sel.Fields {
		if _, ok := model.Field(name); !ok {
			return vertex.NewValidationError(
				model.Name()+"."+name, errors.New("unknown field in selection"))
		}
	}
	for _, relSel := range sel.Relations {
		rel, ok := model.Relation(relSel.Name)
		if !ok {
			return vertex.NewValidationError(
				model.Name()+"."+relSel.Name, errors.New("unknown relation in selection"))
		}
		target, ok := reg.Model(rel.Target())
		if !ok {
			return vertex.NewValidationError(rel.Target(), errors.New("unknown model"))
		}
		if relSel.Take < 0 {
			return vertex.NewValidationError(
				model.Name()+"."+relSel.Name, errors.New("take must be non-negative"))
		}
		if err := validateConditions(target, relSel.Where); err != nil {
			return err
		}
		if err := validateOrders(target, relSel.OrderBy); err != nil {
			return err
		}
		if err := validateSelection(reg, target, &relSel.Selection); err != nil {
			return err
		}
	}
	return nil
}
