package engine

import (
	"fmt"

	"github.com/mitchellh/copystructure"

	"modeldb/src/models"
)

// StoredRecord is the backend-internal form of one model instance. Only stored fields are
// present; relational fields hold the referenced primary-key value or nil.
type StoredRecord map[string]any

// copyValue deep-copies slices and maps so instances and storage never share them.
func copyValue(v any) any {
	switch v.(type) {
	case nil, string, bool, int, int32, int64, float32, float64:
		return v
	}
	c, err := copystructure.Copy(v)
	if err != nil {
		return v
	}
	return c
}

// InstanceFactory converts between model instances and stored records.
type InstanceFactory struct {
	engine models.Engine
}

// NewInstanceFactory returns a factory that resolves related models through e.
func NewInstanceFactory(e models.Engine) *InstanceFactory {
	return &InstanceFactory{engine: e}
}

// Hydrate builds a fresh instance from a stored record. Only scalar fields known to the
// model are copied; relational fields are left to the relation hydrator and unknown keys
// are ignored.
func (f *InstanceFactory) Hydrate(meta *models.ModelMeta, rec StoredRecord) models.Model {
	inst := meta.New()
	for i := range meta.Fields {
		field := &meta.Fields[i]
		if field.Kind.IsRelational() {
			continue
		}
		v, ok := rec[field.Name]
		if !ok {
			continue
		}
		inst.Set(field.Name, copyValue(v))
	}
	return inst
}

// StoredValue reduces an instance value to the form kept in a stored record.
func (f *InstanceFactory) StoredValue(field *models.FieldDescriptor, v any) (any, error) {
	if v == nil {
		return nil, nil
	}
	if field.Kind != models.KindRelatedModel {
		return copyValue(v), nil
	}
	ref, isModel := v.(models.Model)
	if !isModel {
		// already a raw key value
		return v, nil
	}
	target, err := f.engine.GetModelMeta(field.RelatedModel)
	if err != nil {
		return nil, err
	}
	key, ok := target.PrimaryKeyValue(ref)
	if !ok {
		return nil, fmt.Errorf("field %q references a %s without a primary key value", field.Name, target.Name)
	}
	return key, nil
}
