package models

import (
	"context"
	"fmt"
	"regexp"

	"go.uber.org/multierr"
)

// DefaultBackendName is used for models registered without an explicit backend.
const DefaultBackendName = "default"

// FieldKind is the semantic type of a model field.
type FieldKind string

const (
	KindText             FieldKind = "text"
	KindInteger          FieldKind = "integer"
	KindNumber           FieldKind = "number"
	KindBoolean          FieldKind = "boolean"
	KindDate             FieldKind = "date"
	KindTime             FieldKind = "time"
	KindDateTime         FieldKind = "datetime"
	KindSelection        FieldKind = "selection"
	KindMultiSelection   FieldKind = "multiSelection"
	KindAutoNumber       FieldKind = "autoNumber"
	KindRelatedModel     FieldKind = "relatedModel"
	KindRelatedModelList FieldKind = "relatedModelList"
	KindEmail            FieldKind = "email"
	KindURL              FieldKind = "url"
	KindPassword         FieldKind = "password"
)

var knownKinds = map[FieldKind]bool{
	KindText: true, KindInteger: true, KindNumber: true, KindBoolean: true,
	KindDate: true, KindTime: true, KindDateTime: true, KindSelection: true,
	KindMultiSelection: true, KindAutoNumber: true, KindRelatedModel: true,
	KindRelatedModelList: true, KindEmail: true, KindURL: true, KindPassword: true,
}

// Valid reports whether k is one of the known field kinds.
func (k FieldKind) Valid() bool {
	return knownKinds[k]
}

// IsRelational reports whether the kind references another model.
func (k FieldKind) IsRelational() bool {
	return k == KindRelatedModel || k == KindRelatedModelList
}

// FieldValidator is a custom per-field validation rule. A non-empty message marks the
// value invalid; a non-nil error aborts validation altogether. Implementations may block.
type FieldValidator interface {
	ValidateField(ctx context.Context, field *FieldDescriptor, value any) (string, error)
}

// FieldValidatorFunc adapts a function to FieldValidator.
type FieldValidatorFunc func(ctx context.Context, field *FieldDescriptor, value any) (string, error)

func (f FieldValidatorFunc) ValidateField(ctx context.Context, field *FieldDescriptor, value any) (string, error) {
	return f(ctx, field, value)
}

// FieldRules are the declarative constraints checked by the validation engine.
type FieldRules struct {
	Min       *float64 `mapstructure:"min" yaml:"min"`
	Max       *float64 `mapstructure:"max" yaml:"max"`
	MinLength int      `mapstructure:"minLength" yaml:"minLength"`
	MaxLength int      `mapstructure:"maxLength" yaml:"maxLength"`
	Pattern   string   `mapstructure:"pattern" yaml:"pattern"`
	Options   []any    `mapstructure:"options" yaml:"options"`
}

// FieldDescriptor describes one model attribute.
type FieldDescriptor struct {
	Name       string    `mapstructure:"name"`
	Kind       FieldKind `mapstructure:"kind"`
	Required   bool      `mapstructure:"required"`
	PrimaryKey bool      `mapstructure:"primaryKey"`
	// Transient fields are never written to a backend.
	Transient  bool             `mapstructure:"transient"`
	Rules      FieldRules       `mapstructure:"rules"`
	Validators []FieldValidator `mapstructure:"-"`

	// RelatedModel is the target model of relatedModel and relatedModelList fields.
	RelatedModel string `mapstructure:"relatedModel"`
	// RelatedField is the field on the target model that points back at this model.
	RelatedField string `mapstructure:"relatedField"`

	pattern *regexp.Regexp
}

// Stored reports whether the field is persisted by backends.
func (f *FieldDescriptor) Stored() bool {
	return !f.Transient && f.Kind != KindRelatedModelList
}

// PatternRegexp returns the compiled Rules.Pattern, or nil when no pattern is set.
func (f *FieldDescriptor) PatternRegexp() *regexp.Regexp {
	return f.pattern
}

// ModelDefinition is the input to model registration.
type ModelDefinition struct {
	Name    string
	New     func() Model
	Fields  []FieldDescriptor
	Backend string
	// Transient models cannot be created, updated or removed.
	Transient bool
}

// ModelMeta is the per-model metadata record built once at registration time.
type ModelMeta struct {
	Name         string
	New          func() Model
	Fields       []FieldDescriptor
	FieldsByName map[string]*FieldDescriptor
	PrimaryKey   string
	BackendName  string
	Stored       bool
}

// NewModelMeta validates a definition and builds its metadata.
func NewModelMeta(def ModelDefinition) (*ModelMeta, error) {
	name := def.Name
	if name == "" && def.New != nil {
		if m := def.New(); m != nil {
			name = m.ModelName()
		}
	}
	if name == "" {
		return nil, &MetadataError{Err: fmt.Errorf("model name is empty")}
	}

	meta := &ModelMeta{
		Name:         name,
		New:          def.New,
		Fields:       make([]FieldDescriptor, len(def.Fields)),
		FieldsByName: make(map[string]*FieldDescriptor, len(def.Fields)),
		BackendName:  def.Backend,
		Stored:       !def.Transient,
	}
	if meta.New == nil {
		meta.New = NewDynamic(name)
	}
	if meta.BackendName == "" {
		meta.BackendName = DefaultBackendName
	}
	copy(meta.Fields, def.Fields)

	var issues error
	if len(meta.Fields) == 0 {
		issues = multierr.Append(issues, fmt.Errorf("model has no fields"))
	}
	for i := range meta.Fields {
		field := &meta.Fields[i]
		if err := checkField(field); err != nil {
			issues = multierr.Append(issues, err)
		}
		if field.Name == "" {
			continue
		}
		if _, exists := meta.FieldsByName[field.Name]; exists {
			issues = multierr.Append(issues, fmt.Errorf("field %q declared more than once", field.Name))
			continue
		}
		meta.FieldsByName[field.Name] = field
		if field.PrimaryKey {
			if meta.PrimaryKey != "" {
				issues = multierr.Append(issues, fmt.Errorf("conflicting primary keys %q and %q", meta.PrimaryKey, field.Name))
				continue
			}
			meta.PrimaryKey = field.Name
		}
	}
	if issues != nil {
		return nil, &MetadataError{Model: name, Err: issues}
	}
	return meta, nil
}

func checkField(field *FieldDescriptor) error {
	if field.Name == "" {
		return fmt.Errorf("field with kind %q has no name", field.Kind)
	}
	if !field.Kind.Valid() {
		return fmt.Errorf("field %q has unknown kind %q", field.Name, field.Kind)
	}
	if field.Kind.IsRelational() && field.RelatedModel == "" {
		return fmt.Errorf("field %q has no related model", field.Name)
	}
	if field.Kind == KindRelatedModelList {
		if field.RelatedField == "" {
			return fmt.Errorf("field %q has no related field", field.Name)
		}
		if field.PrimaryKey {
			return fmt.Errorf("field %q cannot be a primary key", field.Name)
		}
	}
	if field.Rules.Pattern != "" {
		re, err := regexp.Compile(field.Rules.Pattern)
		if err != nil {
			return fmt.Errorf("field %q has invalid pattern: %w", field.Name, err)
		}
		field.pattern = re
	}
	return nil
}

// Field looks up a field descriptor by name.
func (m *ModelMeta) Field(name string) (*FieldDescriptor, bool) {
	f, ok := m.FieldsByName[name]
	return f, ok
}

// StoredFields returns the descriptors of all persisted fields in declaration order.
func (m *ModelMeta) StoredFields() []*FieldDescriptor {
	fields := make([]*FieldDescriptor, 0, len(m.Fields))
	for i := range m.Fields {
		if m.Fields[i].Stored() {
			fields = append(fields, &m.Fields[i])
		}
	}
	return fields
}

// PrimaryKeyValue returns the primary-key value of an instance of this model.
func (m *ModelMeta) PrimaryKeyValue(instance Model) (any, bool) {
	if m.PrimaryKey == "" || instance == nil {
		return nil, false
	}
	v, ok := instance.Get(m.PrimaryKey)
	if !ok || v == nil {
		return nil, false
	}
	return v, true
}
