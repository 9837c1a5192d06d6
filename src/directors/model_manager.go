package directors

import (
	"context"
	"errors"
	"fmt"
	"reflect"
	"sort"
	"sync"

	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	"go.opentelemetry.io/otel/trace"
	"go.uber.org/zap"

	"modeldb/src/helpers"
	"modeldb/src/models"
)

const tracerName = "modeldb"

// ModelManager owns model metadata and backends and runs every operation through the
// same pipeline: resolve, validate, dispatch, finalize.
type ModelManager struct {
	mu        sync.RWMutex
	models    map[string]*models.ModelMeta
	backends  map[string]models.Backend
	validator *ValidationService
	tracer    trace.Tracer
	logger    *zap.SugaredLogger
}

// ManagerOption configures a ModelManager.
type ManagerOption func(*ModelManager)

// WithValidator replaces the default validation service.
func WithValidator(v *ValidationService) ManagerOption {
	return func(m *ModelManager) { m.validator = v }
}

// WithTracerProvider sets where operation spans are sent. The global provider is used otherwise.
func WithTracerProvider(tp trace.TracerProvider) ManagerOption {
	return func(m *ModelManager) { m.tracer = tp.Tracer(tracerName) }
}

func NewModelManager(logger *zap.SugaredLogger, opts ...ManagerOption) *ModelManager {
	if logger == nil {
		logger = zap.NewNop().Sugar()
	}
	m := &ModelManager{
		models:   make(map[string]*models.ModelMeta),
		backends: make(map[string]models.Backend),
		logger:   logger,
	}
	for _, opt := range opts {
		opt(m)
	}
	if m.validator == nil {
		m.validator = NewValidationService(logger)
	}
	if m.tracer == nil {
		m.tracer = otel.GetTracerProvider().Tracer(tracerName)
	}
	return m
}

// Register builds and stores the metadata of a model.
func (m *ModelManager) Register(def models.ModelDefinition) (*models.ModelMeta, error) {
	meta, err := models.NewModelMeta(def)
	if err != nil {
		return nil, err
	}

	m.mu.Lock()
	defer m.mu.Unlock()
	if _, exists := m.models[meta.Name]; exists {
		return nil, &models.DuplicateModelError{Model: meta.Name}
	}
	m.models[meta.Name] = meta

	m.logger.Infow("Registered model",
		"model", meta.Name,
		"backend", meta.BackendName,
		"fields", len(meta.Fields),
		"primaryKey", meta.PrimaryKey)
	return meta, nil
}

// RegisterBackend makes a backend available under name. Registering a name again replaces it.
func (m *ModelManager) RegisterBackend(name string, backend models.Backend) error {
	if name == "" {
		return &models.InvalidBackendError{Name: name, Reason: "backend name is empty"}
	}
	if backend == nil || isNilPointer(backend) {
		return &models.InvalidBackendError{Name: name, Reason: "backend is nil"}
	}

	m.mu.Lock()
	defer m.mu.Unlock()
	if _, exists := m.backends[name]; exists {
		m.logger.Warnw("Replacing registered backend", "backend", name)
	}
	m.backends[name] = backend
	m.logger.Infow("Registered backend", "backend", name, "type", fmt.Sprintf("%T", backend))
	return nil
}

// GetModelMeta resolves a model name, a constructor, a model instance or a metadata pointer.
func (m *ModelManager) GetModelMeta(ref any) (*models.ModelMeta, error) {
	var name string
	switch r := ref.(type) {
	case string:
		name = r
	case *models.ModelMeta:
		if r == nil {
			return nil, &models.NotRegisteredError{Kind: "model", Name: "<nil>"}
		}
		name = r.Name
	case func() models.Model:
		// Constructors of dynamic models are closures of one function literal and
		// cannot be told apart by identity, so the instance they build names the model.
		if r == nil {
			return nil, &models.NotRegisteredError{Kind: "model", Name: "<nil>"}
		}
		inst := r()
		if inst == nil {
			return nil, &models.NotRegisteredError{Kind: "model", Name: fmt.Sprintf("%T", ref)}
		}
		name = inst.ModelName()
	case models.Model:
		if r == nil {
			return nil, &models.NotRegisteredError{Kind: "model", Name: "<nil>"}
		}
		name = r.ModelName()
	default:
		return nil, &models.NotRegisteredError{Kind: "model", Name: fmt.Sprintf("%T", ref)}
	}

	m.mu.RLock()
	defer m.mu.RUnlock()
	meta, ok := m.models[name]
	if !ok {
		return nil, &models.NotRegisteredError{Kind: "model", Name: name}
	}
	return meta, nil
}

// Models lists the registered model names, sorted.
func (m *ModelManager) Models() []string {
	m.mu.RLock()
	defer m.mu.RUnlock()
	names := make([]string, 0, len(m.models))
	for name := range m.models {
		names = append(names, name)
	}
	sort.Strings(names)
	return names
}

// resolve looks up metadata and backend for an operation.
func (m *ModelManager) resolve(ref any, op string, mutating bool) (*models.ModelMeta, models.Backend, error) {
	meta, err := m.GetModelMeta(ref)
	if err != nil {
		return nil, nil, err
	}
	if mutating && !meta.Stored {
		return nil, nil, &models.NotStoredError{Model: meta.Name, Operation: op}
	}

	m.mu.RLock()
	backend, ok := m.backends[meta.BackendName]
	m.mu.RUnlock()
	if !ok {
		return nil, nil, &models.NotRegisteredError{Kind: "backend", Name: meta.BackendName}
	}
	return meta, backend, nil
}

func (m *ModelManager) start(ctx context.Context, op string, model string) (context.Context, trace.Span, *models.OperationResult) {
	res := models.NewOperationResult(models.Operation{
		ID:    helpers.GenerateUUID(),
		Name:  op,
		Model: model,
	})
	ctx, span := m.tracer.Start(ctx, "modeldb."+op, trace.WithAttributes(
		attribute.String("modeldb.model", model),
		attribute.String("modeldb.operation_id", res.Operation.ID),
	))
	return ctx, span, res
}

// finish records err on res and span and computes success. err is returned unchanged.
func (m *ModelManager) finish(span trace.Span, res *models.OperationResult, err error) (*models.OperationResult, error) {
	if err != nil {
		res.AddError(errorCode(err), err.Error())
		span.RecordError(err)
		span.SetStatus(codes.Error, err.Error())
	}
	res.Finalize()
	span.SetAttributes(
		attribute.Bool("modeldb.success", res.Success),
		attribute.Int("modeldb.total_count", res.Meta.TotalCount),
	)

	if err != nil {
		m.logger.Warnw("Operation failed",
			"operation", res.Operation.Name,
			"model", res.Operation.Model,
			"id", res.Operation.ID,
			"error", err)
	} else {
		m.logger.Debugw("Operation completed",
			"operation", res.Operation.Name,
			"model", res.Operation.Model,
			"id", res.Operation.ID,
			"totalCount", res.Meta.TotalCount)
	}
	return res, err
}

func errorCode(err error) string {
	switch {
	case errors.Is(err, models.ErrNotRegistered):
		return "NOT_REGISTERED"
	case errors.Is(err, models.ErrInvalidQuery):
		return "INVALID_QUERY"
	case errors.Is(err, models.ErrValidation):
		return "VALIDATION"
	case errors.Is(err, models.ErrMissingKey):
		return "MISSING_KEY"
	case errors.Is(err, models.ErrNotStored):
		return "NOT_STORED"
	case errors.Is(err, models.ErrNotAFunction):
		return "NOT_A_FUNCTION"
	case errors.Is(err, models.ErrExecNotSupported):
		return "EXEC_NOT_SUPPORTED"
	case errors.Is(err, context.Canceled), errors.Is(err, context.DeadlineExceeded):
		return "CANCELED"
	}
	return "BACKEND_ERROR"
}

// validate runs the validation service and turns an invalid outcome into a ValidationError.
func (m *ModelManager) validate(ctx context.Context, meta *models.ModelMeta, inst models.Model, fields []string, creating bool, res *models.OperationResult) error {
	validation, err := m.validator.Validate(ctx, meta, inst, fields, creating)
	if err != nil {
		return err
	}
	res.Validation = validation
	if !validation.Valid {
		return &models.ValidationError{Result: res}
	}
	return nil
}

// Create validates inst and stores it.
func (m *ModelManager) Create(ctx context.Context, inst models.Model) (*models.OperationResult, error) {
	ctx, span, res := m.start(ctx, "create", modelName(inst))
	defer span.End()

	meta, backend, err := m.resolve(inst, "create", true)
	if err != nil {
		return m.finish(span, res, err)
	}
	span.SetAttributes(attribute.String("modeldb.backend", meta.BackendName))
	if err := m.validate(ctx, meta, inst, nil, true, res); err != nil {
		return m.finish(span, res, err)
	}
	return m.finish(span, res, backend.Create(ctx, m, meta, inst, res))
}

// Read returns the instances of model matching opts.
func (m *ModelManager) Read(ctx context.Context, model string, opts models.ReadOptions) (*models.OperationResult, error) {
	ctx, span, res := m.start(ctx, "read", model)
	defer span.End()
	res.Operation.Where = opts.Where

	meta, backend, err := m.resolve(model, "read", false)
	if err != nil {
		return m.finish(span, res, err)
	}
	span.SetAttributes(attribute.String("modeldb.backend", meta.BackendName))
	return m.finish(span, res, backend.Read(ctx, m, meta, opts, res))
}

// Update writes inst to every record matching opts.Where. Without a where-expression the
// record with inst's primary key is updated.
func (m *ModelManager) Update(ctx context.Context, inst models.Model, opts models.UpdateOptions) (*models.OperationResult, error) {
	ctx, span, res := m.start(ctx, "update", modelName(inst))
	defer span.End()

	meta, backend, err := m.resolve(inst, "update", true)
	if err != nil {
		return m.finish(span, res, err)
	}
	span.SetAttributes(attribute.String("modeldb.backend", meta.BackendName))

	if opts.Where == nil {
		if meta.PrimaryKey == "" {
			return m.finish(span, res, &models.MissingKeyError{Model: meta.Name, Reason: "update without where needs a primary key field"})
		}
		key, ok := meta.PrimaryKeyValue(inst)
		if !ok {
			return m.finish(span, res, &models.MissingKeyError{Model: meta.Name, Reason: fmt.Sprintf("primary key %q is not set", meta.PrimaryKey)})
		}
		opts.Where = models.Where{meta.PrimaryKey: key}
	}
	res.Operation.Where = opts.Where

	if err := m.validate(ctx, meta, inst, opts.Fields, false, res); err != nil {
		return m.finish(span, res, err)
	}
	return m.finish(span, res, backend.Update(ctx, m, meta, inst, opts, res))
}

// Remove deletes every record matching opts.Where. A nil where-expression is rejected;
// use models.All() to remove everything.
func (m *ModelManager) Remove(ctx context.Context, inst models.Model, opts models.RemoveOptions) (*models.OperationResult, error) {
	ctx, span, res := m.start(ctx, "remove", modelName(inst))
	defer span.End()
	res.Operation.Where = opts.Where

	meta, backend, err := m.resolve(inst, "remove", true)
	if err != nil {
		return m.finish(span, res, err)
	}
	span.SetAttributes(attribute.String("modeldb.backend", meta.BackendName))
	if opts.Where == nil {
		return m.finish(span, res, &models.InvalidQueryError{Model: meta.Name, Reason: "remove requires a where expression"})
	}
	return m.finish(span, res, backend.Remove(ctx, m, meta, inst, opts, res))
}

// Exec calls method on inst when the model provides it, and on the backend otherwise.
func (m *ModelManager) Exec(ctx context.Context, inst models.Model, method string, args []any) (*models.OperationResult, error) {
	ctx, span, res := m.start(ctx, "exec", modelName(inst))
	defer span.End()
	span.SetAttributes(attribute.String("modeldb.method", method))

	meta, backend, err := m.resolve(inst, "exec", false)
	if err != nil {
		return m.finish(span, res, err)
	}
	span.SetAttributes(attribute.String("modeldb.backend", meta.BackendName))

	if provider, ok := inst.(models.MethodProvider); ok {
		if member, found := provider.Methods()[method]; found {
			var fn models.Method
			switch f := member.(type) {
			case models.Method:
				fn = f
			case func(context.Context, []any) (any, error):
				fn = f
			default:
				return m.finish(span, res, &models.NotAFunctionError{Model: meta.Name, Method: method})
			}
			value, err := fn(ctx, args)
			if err != nil {
				return m.finish(span, res, err)
			}
			switch v := value.(type) {
			case *models.OperationResult:
				if v == nil {
					break
				}
				span.SetAttributes(attribute.Bool("modeldb.success", v.Success))
				return v, nil
			case nil:
			default:
				res.Result = v
			}
			return m.finish(span, res, nil)
		}
	}

	opts := models.ExecOptions{Method: method, Args: args}
	return m.finish(span, res, backend.Exec(ctx, m, meta, inst, opts, res))
}

func isNilPointer(v any) bool {
	rv := reflect.ValueOf(v)
	switch rv.Kind() {
	case reflect.Pointer, reflect.Map, reflect.Slice, reflect.Func, reflect.Interface, reflect.Chan:
		return rv.IsNil()
	}
	return false
}

func modelName(inst models.Model) string {
	if inst == nil {
		return ""
	}
	return inst.ModelName()
}
