// Package schema defines the data model registry consumed by the query
// pipeline: models, their fields, and the relations between them, together
// with the storage-level mapping (table and column names) each connector
// needs. A registry is built once, validated, and never mutated afterwards;
// concurrent requests share it by reference.
package schema

import (
	"github.com/go-openapi/inflect"
)

// FieldType describes the scalar type of a field.
type FieldType int

// Scalar field types.
const (
	TypeString FieldType = iota
	TypeInt
	TypeFloat
	TypeBool
	TypeTime
	TypeBytes
	TypeJSON
)

// String returns the type name.
func (t FieldType) String() string {
	switch t {
	case TypeString:
		return "string"
	case TypeInt:
		return "int"
	case TypeFloat:
		return "float"
	case TypeBool:
		return "bool"
	case TypeTime:
		return "time"
	case TypeBytes:
		return "bytes"
	case TypeJSON:
		return "json"
	}
	return "invalid"
}

// Field is the metadata of a scalar field on a model.
type Field struct {
	name      string
	typ       FieldType
	column    string
	optional  bool
	unique    bool
	id        bool
	generated bool
	implicit  bool
	def       any
}

// String returns a new string field with the given name.
func String(name string) *Field { return &Field{name: name, typ: TypeString} }

// Int returns a new integer field with the given name.
func Int(name string) *Field { return &Field{name: name, typ: TypeInt} }

// Float returns a new float field with the given name.
func Float(name string) *Field { return &Field{name: name, typ: TypeFloat} }

// Bool returns a new boolean field with the given name.
func Bool(name string) *Field { return &Field{name: name, typ: TypeBool} }

// Time returns a new time field with the given name.
func Time(name string) *Field { return &Field{name: name, typ: TypeTime} }

// Bytes returns a new bytes field with the given name.
func Bytes(name string) *Field { return &Field{name: name, typ: TypeBytes} }

// JSON returns a new JSON field with the given name.
func JSON(name string) *Field { return &Field{name: name, typ: TypeJSON} }

// ID marks the field as the model's primary key. Implies Unique.
func (f *Field) ID() *Field {
	f.id = true
	f.unique = true
	return f
}

// Generated marks the field value as produced by the connector on insert
// (auto-increment keys, database-side defaults). Generated fields are the
// typical producers of value-flow edges.
func (f *Field) Generated() *Field {
	f.generated = true
	return f
}

// Optional marks the field as nullable.
func (f *Field) Optional() *Field {
	f.optional = true
	return f
}

// Unique adds a uniqueness constraint to the field.
func (f *Field) Unique() *Field {
	f.unique = true
	return f
}

// Default sets a client-side default value applied on create when the
// request omits the field.
func (f *Field) Default(v any) *Field {
	f.def = v
	return f
}

// Column overrides the storage column name. The default is the snake-case
// form of the field name.
func (f *Field) Column(name string) *Field {
	f.column = name
	return f
}

// Name returns the field name.
func (f *Field) Name() string { return f.name }

// Type returns the field type.
func (f *Field) Type() FieldType { return f.typ }

// ColumnName returns the storage column name.
func (f *Field) ColumnName() string {
	if f.column != "" {
		return f.column
	}
	return inflect.Underscore(f.name)
}

// IsID reports whether the field is the primary key.
func (f *Field) IsID() bool { return f.id }

// IsGenerated reports whether the connector generates the field value.
func (f *Field) IsGenerated() bool { return f.generated }

// IsOptional reports whether the field is nullable.
func (f *Field) IsOptional() bool { return f.optional }

// IsUnique reports whether the field carries a uniqueness constraint.
func (f *Field) IsUnique() bool { return f.unique }

// IsImplicit reports whether the registry synthesized the field as a
// foreign-key holder for a relation.
func (f *Field) IsImplicit() bool { return f.implicit }

// DefaultValue returns the client-side default value, or nil.
func (f *Field) DefaultValue() any { return f.def }

// Cardinality describes the shape of a relation.
type Cardinality int

// Relation cardinalities.
const (
	O2O Cardinality = iota // one-to-one
	O2M                    // one-to-many
	M2O                    // many-to-one
)

// String returns the cardinality name.
func (c Cardinality) String() string {
	switch c {
	case O2O:
		return "O2O"
	case O2M:
		return "O2M"
	case M2O:
		return "M2O"
	}
	return "invalid"
}

// ReferentialAction describes what happens to dependent rows when the row
// they reference is deleted or has its key updated.
type ReferentialAction int

// Referential actions.
const (
	Restrict ReferentialAction = iota
	Cascade
	SetNull
)

// String returns the action name.
func (a ReferentialAction) String() string {
	switch a {
	case Restrict:
		return "restrict"
	case Cascade:
		return "cascade"
	case SetNull:
		return "set-null"
	}
	return "invalid"
}

// Relation is the metadata of a relation between two models. The side the
// foreign key is stored on is derived from the cardinality: M2O and owning
// O2O relations keep the key on the declaring model, O2M relations keep it
// on the target model.
type Relation struct {
	name       string
	target     string
	card       Cardinality
	optional   bool
	onDelete   ReferentialAction
	foreignKey string
	references string
	fkOnTarget bool
}

// ToOne returns a new many-to-one relation to the target model. The
// declaring model stores the foreign key.
func ToOne(name, target string) *Relation {
	return &Relation{name: name, target: target, card: M2O}
}

// ToMany returns a new one-to-many relation to the target model. The
// target model stores the foreign key.
func ToMany(name, target string) *Relation {
	return &Relation{name: name, target: target, card: O2M, fkOnTarget: true}
}

// OneToOne returns a new one-to-one relation to the target model, with the
// foreign key stored on the declaring model.
func OneToOne(name, target string) *Relation {
	return &Relation{name: name, target: target, card: O2O}
}

// Optional marks the relation as optional: a missing related row hydrates
// as an absence marker instead of failing.
func (r *Relation) Optional() *Relation {
	r.optional = true
	return r
}

// OnDelete sets the referential action applied to dependent rows when the
// referenced row is deleted. The default is Restrict.
func (r *Relation) OnDelete(a ReferentialAction) *Relation {
	r.onDelete = a
	return r
}

// ForeignKey overrides the name of the field that stores the key. The
// default is the snake-case target (or declaring) model name suffixed
// with "_id".
func (r *Relation) ForeignKey(field string) *Relation {
	r.foreignKey = field
	return r
}

// References overrides the referenced field on the target model. The
// default is the target's primary key.
func (r *Relation) References(field string) *Relation {
	r.references = field
	return r
}

// Name returns the relation name.
func (r *Relation) Name() string { return r.name }

// Target returns the target model name.
func (r *Relation) Target() string { return r.target }

// Cardinality returns the relation cardinality.
func (r *Relation) Cardinality() Cardinality { return r.card }

// IsToMany reports whether the relation produces a list of related rows.
func (r *Relation) IsToMany() bool { return r.card == O2M }

// IsOptional reports whether the relation is optional.
func (r *Relation) IsOptional() bool { return r.optional }

// DeleteAction returns the on-delete referential action.
func (r *Relation) DeleteAction() ReferentialAction { return r.onDelete }

// ForeignKeyOnTarget reports whether the foreign key is stored on the
// target model rather than the declaring one.
func (r *Relation) ForeignKeyOnTarget() bool { return r.fkOnTarget }

// ForeignKeyField returns the name of the field storing the key.
func (r *Relation) ForeignKeyField() string { return r.foreignKey }

// ReferencedField returns the name of the referenced field.
func (r *Relation) ReferencedField() string { return r.references }
