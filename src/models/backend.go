package models

import "context"

// Engine is the part of the model manager a backend may call back into,
// for example to read related models that live in another backend.
type Engine interface {
	GetModelMeta(ref any) (*ModelMeta, error)
	Read(ctx context.Context, model string, opts ReadOptions) (*OperationResult, error)
}

// Backend is the contract every storage engine implements. Each method populates res
// and returns a non-nil error only for failures the caller cannot act on.
type Backend interface {
	Create(ctx context.Context, e Engine, meta *ModelMeta, m Model, res *OperationResult) error
	Read(ctx context.Context, e Engine, meta *ModelMeta, opts ReadOptions, res *OperationResult) error
	Update(ctx context.Context, e Engine, meta *ModelMeta, m Model, opts UpdateOptions, res *OperationResult) error
	Remove(ctx context.Context, e Engine, meta *ModelMeta, m Model, opts RemoveOptions, res *OperationResult) error
	Exec(ctx context.Context, e Engine, meta *ModelMeta, m Model, opts ExecOptions, res *OperationResult) error
}
