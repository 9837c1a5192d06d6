package models

import (
	"encoding/json"
	"fmt"

	"github.com/go-viper/mapstructure/v2"
)

// DefaultLimit is the page size of reads that do not set Limit.
const DefaultLimit = 20

// NoLimit disables pagination of a read.
const NoLimit = -1

// Where is a declarative filter: field name (or _and / _or) to a literal or operator object.
// A nil Where means "no filter given"; an empty, non-nil Where matches every record.
type Where map[string]any

// All returns a where-expression matching every record.
func All() Where {
	return Where{}
}

// ReadOptions configures a read.
type ReadOptions struct {
	Where     Where    `mapstructure:"where" json:"where,omitempty"`
	OrderBy   []string `mapstructure:"orderBy" json:"orderBy,omitempty"`
	Limit     int      `mapstructure:"limit" json:"limit,omitempty"`
	Offset    int      `mapstructure:"offset" json:"offset,omitempty"`
	Related   []string `mapstructure:"related" json:"related,omitempty"`
	RawValues []string `mapstructure:"rawValues" json:"rawValues,omitempty"`
}

// EffectiveLimit resolves the default and NoLimit settings to a slice length, where 0 means unbounded.
func (o ReadOptions) EffectiveLimit() int {
	switch {
	case o.Limit == NoLimit:
		return 0
	case o.Limit <= 0:
		return DefaultLimit
	default:
		return o.Limit
	}
}

// DecodeReadOptions decodes JSON-shaped read options.
func DecodeReadOptions(raw map[string]any) (ReadOptions, error) {
	var opts ReadOptions
	dec, err := mapstructure.NewDecoder(&mapstructure.DecoderConfig{
		Result:           &opts,
		WeaklyTypedInput: true,
		ErrorUnused:      true,
	})
	if err != nil {
		return opts, err
	}
	if err := dec.Decode(raw); err != nil {
		return opts, fmt.Errorf("decode read options: %w", err)
	}
	return opts, nil
}

// UpdateOptions configures an update. Fields limits the written fields; nil writes all stored fields.
type UpdateOptions struct {
	Where  Where
	Fields []string
}

// RemoveOptions configures a remove. Where is mandatory.
type RemoveOptions struct {
	Where Where
}

// ExecOptions names the remote procedure a backend should run.
type ExecOptions struct {
	Method string
	Args   []any
}

// Operation identifies the call an OperationResult belongs to.
type Operation struct {
	ID    string `json:"id"`
	Name  string `json:"name"`
	Model string `json:"model"`
	Where Where  `json:"where,omitempty"`
}

// OperationError is one error entry of an OperationResult.
type OperationError struct {
	Message string `json:"message"`
	Code    string `json:"code,omitempty"`
}

// ResultMeta carries operation-specific metadata.
type ResultMeta struct {
	Limit      int              `json:"limit,omitempty"`
	Offset     int              `json:"offset,omitempty"`
	TotalCount int              `json:"totalCount"`
	OrderBy    []string         `json:"orderBy,omitempty"`
	RawValues  []map[string]any `json:"rawValues,omitempty"`
}

// OperationResult is the uniform outcome of every operation.
type OperationResult struct {
	Operation  Operation         `json:"operation"`
	Success    bool              `json:"success"`
	Validation *ValidationResult `json:"validation,omitempty"`
	// Result holds the instance of single-instance operations, or the value returned by exec.
	Result  any              `json:"result,omitempty"`
	Results []Model          `json:"results,omitempty"`
	Errors  []OperationError `json:"errors,omitempty"`
	Meta    ResultMeta       `json:"meta"`
}

// NewOperationResult starts an empty result for an operation.
func NewOperationResult(op Operation) *OperationResult {
	return &OperationResult{Operation: op}
}

// AddError records an error entry.
func (r *OperationResult) AddError(code, message string) {
	r.Errors = append(r.Errors, OperationError{Code: code, Message: message})
}

// Model returns Result as a Model, or nil.
func (r *OperationResult) Model() Model {
	m, _ := r.Result.(Model)
	return m
}

// Finalize computes Success from the errors and validation detail.
func (r *OperationResult) Finalize() {
	r.Success = len(r.Errors) == 0 && (r.Validation == nil || r.Validation.Valid)
}

// readMeta is ResultMeta as rendered for successful reads, where the page position
// is always present.
type readMeta struct {
	Limit      int              `json:"limit"`
	Offset     int              `json:"offset"`
	TotalCount int              `json:"totalCount"`
	OrderBy    []string         `json:"orderBy,omitempty"`
	RawValues  []map[string]any `json:"rawValues,omitempty"`
}

// MarshalJSON renders the result. A successful read always carries results and
// meta.offset, even when the page is empty.
func (r *OperationResult) MarshalJSON() ([]byte, error) {
	type plain OperationResult
	if r.Operation.Name != "read" || !r.Success {
		return json.Marshal((*plain)(r))
	}
	results := r.Results
	if results == nil {
		results = []Model{}
	}
	return json.Marshal(struct {
		*plain
		Results []Model  `json:"results"`
		Meta    readMeta `json:"meta"`
	}{
		plain:   (*plain)(r),
		Results: results,
		Meta:    readMeta(r.Meta),
	})
}

// ValidationResult is the merged outcome of field and model validation.
type ValidationResult struct {
	Valid       bool                `json:"valid"`
	FieldErrors map[string][]string `json:"fieldErrors"`
	ModelErrors []string            `json:"modelErrors"`
}

// NewValidationResult returns an empty, valid result.
func NewValidationResult() *ValidationResult {
	return &ValidationResult{
		Valid:       true,
		FieldErrors: make(map[string][]string),
		ModelErrors: []string{},
	}
}

// AddFieldError records a message against a field.
func (v *ValidationResult) AddFieldError(field, message string) {
	if v.FieldErrors == nil {
		v.FieldErrors = make(map[string][]string)
	}
	v.FieldErrors[field] = append(v.FieldErrors[field], message)
	v.Valid = false
}

// AddModelError records a whole-model message.
func (v *ValidationResult) AddModelError(message string) {
	v.ModelErrors = append(v.ModelErrors, message)
	v.Valid = false
}

// Merge folds other into v.
func (v *ValidationResult) Merge(other *ValidationResult) {
	if other == nil {
		return
	}
	for field, msgs := range other.FieldErrors {
		for _, msg := range msgs {
			v.AddFieldError(field, msg)
		}
	}
	for _, msg := range other.ModelErrors {
		v.AddModelError(msg)
	}
	if !other.Valid {
		v.Valid = false
	}
}
