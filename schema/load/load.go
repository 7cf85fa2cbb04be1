// Package load builds schema registries from YAML documents and can
// watch a schema file for changes.
package load

import (
	"fmt"
	"io"
	"os"

	"gopkg.in/yaml.v3"

	"github.com/syssam/vertex/schema"
)

type fileSchema struct {
	Models []fileModel `yaml:"models"`
}

type fileModel struct {
	Name      string         `yaml:"name"`
	Table     string         `yaml:"table"`
	Fields    []fileField    `yaml:"fields"`
	Relations []fileRelation `yaml:"relations"`
}

type fileField struct {
	Name      string `yaml:"name"`
	Type      string `yaml:"type"`
	ID        bool   `yaml:"id"`
	Generated bool   `yaml:"generated"`
	Optional  bool   `yaml:"optional"`
	Unique    bool   `yaml:"unique"`
	Default   any    `yaml:"default"`
	Column    string `yaml:"column"`
}

type fileRelation struct {
	Name       string `yaml:"name"`
	Target     string `yaml:"target"`
	Kind       string `yaml:"kind"` // toOne, toMany, oneToOne
	Optional   bool   `yaml:"optional"`
	OnDelete   string `yaml:"onDelete"` // restrict, cascade, setNull
	ForeignKey string `yaml:"foreignKey"`
	References string `yaml:"references"`
}

// File loads a registry from a YAML schema file.
func File(path string) (*schema.Registry, error) {
	f, err := os.Open(path)
	if err != nil {
		return nil, err
	}
	defer f.Close()
	return Read(f)
}

// Read loads a registry from a YAML schema document.
func Read(r io.Reader) (*schema.Registry, error) {
	var doc fileSchema
	dec := yaml.NewDecoder(r)
	dec.KnownFields(true)
	if err := dec.Decode(&doc); err != nil {
		return nil, fmt.Errorf("load: decode schema: %w", err)
	}
	models := make([]*schema.Model, 0, len(doc.Models))
	for _, fm := range doc.Models {
		m, err := buildModel(fm)
		if err != nil {
			return nil, err
		}
		models = append(models, m)
	}
	return schema.NewRegistry(models...)
}

func buildModel(fm fileModel) (*schema.Model, error) {
	members := make([]any, 0, len(fm.Fields)+len(fm.Relations))
	for _, ff := range fm.Fields {
		f, err := buildField(fm.Name, ff)
		if err != nil {
			return nil, err
		}
		members = append(members, f)
	}
	for _, fr := range fm.Relations {
		r, err := buildRelation(fm.Name, fr)
		if err != nil {
			return nil, err
		}
		members = append(members, r)
	}
	m := schema.NewModel(fm.Name, members...)
	if fm.Table != "" {
		m.Table(fm.Table)
	}
	return m, nil
}

func buildField(model string, ff fileField) (*schema.Field, error) {
	var f *schema.Field
	switch ff.Type {
	case "string":
		f = schema.String(ff.Name)
	case "int":
		f = schema.Int(ff.Name)
	case "float":
		f = schema.Float(ff.Name)
	case "bool":
		f = schema.Bool(ff.Name)
	case "time":
		f = schema.Time(ff.Name)
	case "bytes":
		f = schema.Bytes(ff.Name)
	case "json":
		f = schema.JSON(ff.Name)
	default:
		return nil, fmt.Errorf("load: %s.%s: unknown field type %q", model, ff.Name, ff.Type)
	}
	if ff.ID {
		f.ID()
	}
	if ff.Generated {
		f.Generated()
	}
	if ff.Optional {
		f.Optional()
	}
	if ff.Unique {
		f.Unique()
	}
	if ff.Default != nil {
		f.Default(ff.Default)
	}
	if ff.Column != "" {
		f.Column(ff.Column)
	}
	return f, nil
}

func buildRelation(model string, fr fileRelation) (*schema.Relation, error) {
	var r *schema.Relation
	switch fr.Kind {
	case "toOne":
		r = schema.ToOne(fr.Name, fr.Target)
	case "toMany":
		r = schema.ToMany(fr.Name, fr.Target)
	case "oneToOne":
		r = schema.OneToOne(fr.Name, fr.Target)
	default:
		return nil, fmt.Errorf("load: %s.%s: unknown relation kind %q", model, fr.Name, fr.Kind)
	}
	if fr.Optional {
		r.Optional()
	}
	switch fr.OnDelete {
	case "":
	case "restrict":
		r.OnDelete(schema.Restrict)
	case "cascade":
		r.OnDelete(schema.Cascade)
	case "setNull":
		r.OnDelete(schema.SetNull)
	default:
		return nil, fmt.Errorf("load: %s.%s: unknown onDelete action %q", model, fr.Name, fr.OnDelete)
	}
	if fr.ForeignKey != "" {
		r.ForeignKey(fr.ForeignKey)
	}
	if fr.References != "" {
		r.References(fr.References)
	}
	return r, nil
}
