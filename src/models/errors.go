package models

import (
	"errors"
	"fmt"
)

// Sentinels matched by the typed errors below through errors.Is.
var (
	ErrNotRegistered  = errors.New("not registered")
	ErrDuplicateModel = errors.New("duplicate model")
	ErrMetadata       = errors.New("invalid model metadata")
	ErrInvalidBackend = errors.New("invalid backend")
	ErrInvalidQuery   = errors.New("invalid query")
	ErrValidation     = errors.New("validation failed")
	ErrMissingKey     = errors.New("missing primary key")
	ErrNotStored      = errors.New("model is not stored")
	ErrNotAFunction   = errors.New("not a function")

	// ErrExecNotSupported is returned by backends without remote procedures.
	ErrExecNotSupported = errors.New("exec not supported by backend")
)

// NotRegisteredError reports an unknown model or backend.
type NotRegisteredError struct {
	Kind string // "model" or "backend"
	Name string
}

func (e *NotRegisteredError) Error() string {
	return fmt.Sprintf("%s %q is not registered", e.Kind, e.Name)
}

func (e *NotRegisteredError) Is(target error) bool { return target == ErrNotRegistered }

// DuplicateModelError reports a second registration of the same model name.
type DuplicateModelError struct {
	Model string
}

func (e *DuplicateModelError) Error() string {
	return fmt.Sprintf("model %q is already registered", e.Model)
}

func (e *DuplicateModelError) Is(target error) bool { return target == ErrDuplicateModel }

// MetadataError reports inconsistent field descriptors. Err may combine several problems.
type MetadataError struct {
	Model string
	Err   error
}

func (e *MetadataError) Error() string {
	if e.Model == "" {
		return fmt.Sprintf("invalid model metadata: %v", e.Err)
	}
	return fmt.Sprintf("invalid metadata for model %q: %v", e.Model, e.Err)
}

func (e *MetadataError) Unwrap() error { return e.Err }

func (e *MetadataError) Is(target error) bool { return target == ErrMetadata }

// InvalidBackendError reports a backend that cannot be registered.
type InvalidBackendError struct {
	Name   string
	Reason string
}

func (e *InvalidBackendError) Error() string {
	return fmt.Sprintf("invalid backend %q: %s", e.Name, e.Reason)
}

func (e *InvalidBackendError) Is(target error) bool { return target == ErrInvalidBackend }

// InvalidQueryError reports a malformed where-expression or read option.
type InvalidQueryError struct {
	Model  string
	Field  string
	Reason string
}

func (e *InvalidQueryError) Error() string {
	if e.Field == "" {
		return fmt.Sprintf("invalid query on %q: %s", e.Model, e.Reason)
	}
	return fmt.Sprintf("invalid query on %q field %q: %s", e.Model, e.Field, e.Reason)
}

func (e *InvalidQueryError) Is(target error) bool { return target == ErrInvalidQuery }

// ValidationError is returned when create or update input fails validation.
// Result is always populated and carries the validation detail.
type ValidationError struct {
	Result *OperationResult
}

func (e *ValidationError) Error() string {
	return fmt.Sprintf("%s %q: validation failed", e.Result.Operation.Name, e.Result.Operation.Model)
}

func (e *ValidationError) Is(target error) bool { return target == ErrValidation }

// MissingKeyError reports an update whose target cannot be derived from the primary key.
type MissingKeyError struct {
	Model  string
	Reason string
}

func (e *MissingKeyError) Error() string {
	return fmt.Sprintf("model %q: %s", e.Model, e.Reason)
}

func (e *MissingKeyError) Is(target error) bool { return target == ErrMissingKey }

// NotStoredError reports a mutation of a transient model.
type NotStoredError struct {
	Model     string
	Operation string
}

func (e *NotStoredError) Error() string {
	return fmt.Sprintf("cannot %s model %q: it is not stored", e.Operation, e.Model)
}

func (e *NotStoredError) Is(target error) bool { return target == ErrNotStored }

// NotAFunctionError reports an exec target that is not callable.
type NotAFunctionError struct {
	Model  string
	Method string
}

func (e *NotAFunctionError) Error() string {
	return fmt.Sprintf("member %q of model %q is not a function", e.Method, e.Model)
}

func (e *NotAFunctionError) Is(target error) bool { return target == ErrNotAFunction }
