package schema

import (
	"fmt"

	"github.com/go-openapi/inflect"
)

// Model is the metadata of a single model: an ordered set of scalar fields
// and the relations declared on it.
type Model struct {
	name      string
	table     string
	fields    []*Field
	relations []*Relation
	fieldIdx  map[string]*Field
	relIdx    map[string]*Relation
	id        *Field
}

// NewModel returns a new model with the given name and members. Members
// may be *Field or *Relation values; order of fields is preserved.
func NewModel(name string, members ...any) *Model {
	m := &Model{name: name}
	for _, member := range members {
		switch member := member.(type) {
		case *Field:
			m.fields = append(m.fields, member)
		case *Relation:
			m.relations = append(m.relations, member)
		default:
			panic(fmt.Sprintf("schema: invalid model member type %T", member))
		}
	}
	return m
}

// Table overrides the storage table name. The default is the pluralized
// snake-case model name.
func (m *Model) Table(name string) *Model {
	m.table = name
	return m
}

// Name returns the model name.
func (m *Model) Name() string { return m.name }

// TableName returns the storage table name.
func (m *Model) TableName() string {
	if m.table != "" {
		return m.table
	}
	return inflect.Pluralize(inflect.Underscore(m.name))
}

// Fields returns the ordered fields of the model.
func (m *Model) Fields() []*Field { return m.fields }

// Relations returns the relations declared on the model.
func (m *Model) Relations() []*Relation { return m.relations }

// Field returns the field with the given name.
func (m *Model) Field(name string) (*Field, bool) {
	f, ok := m.fieldIdx[name]
	return f, ok
}

// Relation returns the relation with the given name.
func (m *Model) Relation(name string) (*Relation, bool) {
	r, ok := m.relIdx[name]
	return r, ok
}

// ID returns the model's primary-key field.
func (m *Model) ID() *Field { return m.id }

// Registry is the process-wide, immutable data model registry. It is
// constructed once at startup, validated, and shared read-only by all
// concurrent requests.
type Registry struct {
	models  map[string]*Model
	ordered []*Model
}

// NewRegistry builds and validates a registry from the given models. It
// resolves relation defaults (foreign-key field names, referenced fields)
// and synthesizes implicit foreign-key fields for relations whose key
// holder was not declared explicitly.
func NewRegistry(models ...*Model) (*Registry, error) {
	r := &Registry{models: make(map[string]*Model, len(models))}
	for _, m := range models {
		if _, ok := r.models[m.name]; ok {
			return nil, fmt.Errorf("schema: duplicate model %q", m.name)
		}
		r.models[m.name] = m
		r.ordered = append(r.ordered, m)
	}
	for _, m := range r.ordered {
		if err := r.indexModel(m); err != nil {
			return nil, err
		}
	}
	for _, m := range r.ordered {
		for _, rel := range m.relations {
			if err := r.resolveRelation(m, rel); err != nil {
				return nil, err
			}
		}
	}
	return r, nil
}

// MustRegistry is like NewRegistry but panics on error. Intended for
// static model declarations and tests.
func MustRegistry(models ...*Model) *Registry {
	r, err := NewRegistry(models...)
	if err != nil {
		panic(err)
	}
	return r
}

func (r *Registry) indexModel(m *Model) error {
	m.fieldIdx = make(map[string]*Field, len(m.fields))
	m.relIdx = make(map[string]*Relation, len(m.relations))
	for _, f := range m.fields {
		if _, ok := m.fieldIdx[f.name]; ok {
			return fmt.Errorf("schema: duplicate field %s.%s", m.name, f.name)
		}
		m.fieldIdx[f.name] = f
		if f.id {
			if m.id != nil {
				return fmt.Errorf("schema: multiple id fields on %s", m.name)
			}
			m.id = f
		}
	}
	for _, rel := range m.relations {
		if _, ok := m.relIdx[rel.name]; ok {
			return fmt.Errorf("schema: duplicate relation %s.%s", m.name, rel.name)
		}
		if _, ok := m.fieldIdx[rel.name]; ok {
			return fmt.Errorf("schema: relation %s.%s shadows a field", m.name, rel.name)
		}
		m.relIdx[rel.name] = rel
	}
	if m.id == nil {
		return fmt.Errorf("schema: model %s has no id field", m.name)
	}
	return nil
}

// resolveRelation fills in relation defaults and synthesizes the implicit
// foreign-key field on whichever side stores the key.
func (r *Registry) resolveRelation(m *Model, rel *Relation) error {
	target, ok := r.models[rel.target]
	if !ok {
		return fmt.Errorf("schema: relation %s.%s targets unknown model %q", m.name, rel.name, rel.target)
	}
	if rel.references == "" {
		if rel.fkOnTarget {
			rel.references = m.id.name
		} else {
			rel.references = target.id.name
		}
	}
	owner := m
	if rel.fkOnTarget {
		owner = target
	}
	if rel.foreignKey == "" {
		// Key field named after the referenced side, e.g. authorId.
		ref := target
		if rel.fkOnTarget {
			ref = m
		}
		rel.foreignKey = inflect.CamelizeDownFirst(ref.name) + "Id"
	}
	if _, ok := owner.fieldIdx[rel.foreignKey]; !ok {
		refModel := target
		if rel.fkOnTarget {
			refModel = m
		}
		refField, ok := refModel.fieldIdx[rel.references]
		if !ok {
			return fmt.Errorf("schema: relation %s.%s references unknown field %s.%s",
				m.name, rel.name, refModel.name, rel.references)
		}
		fk := &Field{
			name:     rel.foreignKey,
			typ:      refField.typ,
			optional: rel.optional || rel.onDelete == SetNull,
			implicit: true,
		}
		owner.fields = append(owner.fields, fk)
		owner.fieldIdx[fk.name] = fk
	}
	return nil
}

// Model returns the model with the given name.
func (r *Registry) Model(name string) (*Model, bool) {
	m, ok := r.models[name]
	return m, ok
}

// Models returns all models in declaration order.
func (r *Registry) Models() []*Model { return r.ordered }

// ReferencingRelations returns, for the given model, every relation on any
// model whose foreign key points at it. The graph builder uses this to
// expand cascades for connectors without native cascading deletes.
func (r *Registry) ReferencingRelations(model string) []ReferencingRelation {
	var refs []ReferencingRelation
	// A relation pair (O2M on one side, M2O on the other) shares one
	// foreign key; expand it once.
	seen := make(map[string]struct{})
	add := func(owner string, rel *Relation) {
		key := owner + "." + rel.foreignKey
		if _, ok := seen[key]; ok {
			return
		}
		seen[key] = struct{}{}
		refs = append(refs, ReferencingRelation{Owner: owner, Relation: rel})
	}
	for _, m := range r.ordered {
		for _, rel := range m.relations {
			switch {
			case rel.fkOnTarget && m.name == model:
				// O2M declared on the referenced side: key lives on rel.target.
				add(rel.target, rel)
			case !rel.fkOnTarget && rel.target == model:
				add(m.name, rel)
			}
		}
	}
	return refs
}

// ReferencingRelation pairs a relation with the model that stores its
// foreign key.
type ReferencingRelation struct {
	Owner    string // Model holding the foreign-key field
	Relation *Relation
}
