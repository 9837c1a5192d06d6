package models

import (
	"context"
	"encoding/json"
	"sort"
)

// Model is a data-bearing instance of a registered model.
type Model interface {
	ModelName() string
	// Get returns the field value and whether it has been set at all.
	// A field explicitly set to nil is set.
	Get(field string) (any, bool)
	Set(field string, value any)
}

// ModelValidator is implemented by models that add their own validation rules.
type ModelValidator interface {
	Validate(res *ValidationResult)
}

// AsyncModelValidator is implemented by models whose validation needs to block,
// for example to look up other records.
type AsyncModelValidator interface {
	ValidateAsync(ctx context.Context, res *ValidationResult) error
}

// Method is an instance method callable through exec.
type Method func(ctx context.Context, args []any) (any, error)

// MethodProvider exposes instance members by name. Values that are not functions
// are reported as NotAFunctionError when exec targets them.
type MethodProvider interface {
	Methods() map[string]any
}

// Record is a map-backed field store. Embed it to implement Model.
// The zero value is ready to use.
type Record struct {
	values map[string]any
}

// Get returns a field value and whether it was set.
func (r *Record) Get(field string) (any, bool) {
	v, ok := r.values[field]
	return v, ok
}

// Set assigns a field value.
func (r *Record) Set(field string, value any) {
	if r.values == nil {
		r.values = make(map[string]any)
	}
	r.values[field] = value
}

// Unset removes a field value so that it reads as never set.
func (r *Record) Unset(field string) {
	delete(r.values, field)
}

// Fields returns the names of all set fields, sorted.
func (r *Record) Fields() []string {
	names := make([]string, 0, len(r.values))
	for name := range r.values {
		names = append(names, name)
	}
	sort.Strings(names)
	return names
}

// MarshalJSON renders the set fields as a plain object.
func (r *Record) MarshalJSON() ([]byte, error) {
	if r.values == nil {
		return []byte("{}"), nil
	}
	return json.Marshal(r.values)
}

// DynamicModel is a named Record for models declared only through descriptors.
type DynamicModel struct {
	Record
	name string
}

func (d *DynamicModel) ModelName() string { return d.name }

// NewDynamic returns a constructor of DynamicModel instances named name.
func NewDynamic(name string) func() Model {
	return func() Model {
		return &DynamicModel{name: name}
	}
}

// NewDynamicWith builds a DynamicModel and sets the given values on it.
func NewDynamicWith(name string, values map[string]any) *DynamicModel {
	m := &DynamicModel{name: name}
	for k, v := range values {
		m.Set(k, v)
	}
	return m
}
