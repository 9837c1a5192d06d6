package directors_test

import (
	"context"
	"errors"
	"strings"
	"sync"
	"testing"

	"github.com/google/go-cmp/cmp"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	sdktrace "go.opentelemetry.io/otel/sdk/trace"
	"go.opentelemetry.io/otel/sdk/trace/tracetest"
	"go.uber.org/zap/zaptest"

	"modeldb/src/directors"
	"modeldb/src/engine"
	"modeldb/src/models"
)

// countingBackend counts the mutating calls that reach the wrapped backend.
type countingBackend struct {
	models.Backend
	mu    sync.Mutex
	calls map[string]int
}

func (c *countingBackend) count(op string) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.calls[op]++
}

func (c *countingBackend) Create(ctx context.Context, e models.Engine, meta *models.ModelMeta, m models.Model, res *models.OperationResult) error {
	c.count("create")
	return c.Backend.Create(ctx, e, meta, m, res)
}

func (c *countingBackend) Update(ctx context.Context, e models.Engine, meta *models.ModelMeta, m models.Model, opts models.UpdateOptions, res *models.OperationResult) error {
	c.count("update")
	return c.Backend.Update(ctx, e, meta, m, opts, res)
}

func (c *countingBackend) Remove(ctx context.Context, e models.Engine, meta *models.ModelMeta, m models.Model, opts models.RemoveOptions, res *models.OperationResult) error {
	c.count("remove")
	return c.Backend.Remove(ctx, e, meta, m, opts, res)
}

func (c *countingBackend) Calls(op string) int {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.calls[op]
}

type User struct{ models.Record }

func (*User) ModelName() string { return "User" }

type Post struct{ models.Record }

func (*Post) ModelName() string { return "Post" }

var errBoom = errors.New("boom")

// Article carries a model hook and exec methods.
type Article struct{ models.Record }

func (*Article) ModelName() string { return "Article" }

func (a *Article) Validate(res *models.ValidationResult) {
	if title, _ := a.Get("title"); title == "forbidden" {
		res.AddModelError("title is forbidden")
	}
}

func (a *Article) Methods() map[string]any {
	return map[string]any{
		"wordCount": models.Method(func(ctx context.Context, args []any) (any, error) {
			title, _ := a.Get("title")
			return len(strings.Fields(title.(string))), nil
		}),
		"touch": func(ctx context.Context, args []any) (any, error) {
			return nil, nil
		},
		"custom": func(ctx context.Context, args []any) (any, error) {
			return &models.OperationResult{Success: true, Result: args}, nil
		},
		"nothing": func(ctx context.Context, args []any) (any, error) {
			var res *models.OperationResult
			return res, nil
		},
		"fail": models.Method(func(ctx context.Context, args []any) (any, error) {
			return nil, errBoom
		}),
		"label": "not callable",
	}
}

type testEnv struct {
	manager *directors.ModelManager
	backend *countingBackend
	spans   *tracetest.SpanRecorder
}

func newEnv(t *testing.T) *testEnv {
	t.Helper()
	logger := zaptest.NewLogger(t).Sugar()
	spans := tracetest.NewSpanRecorder()
	tp := sdktrace.NewTracerProvider(sdktrace.WithSpanProcessor(spans))

	manager := directors.NewModelManager(logger, directors.WithTracerProvider(tp))
	backend := &countingBackend{Backend: engine.NewMemoryStore(logger), calls: make(map[string]int)}
	if err := manager.RegisterBackend(models.DefaultBackendName, backend); err != nil {
		t.Fatal(err)
	}

	defs := []models.ModelDefinition{
		{New: func() models.Model { return &User{} }, Fields: []models.FieldDescriptor{
			{Name: "id", Kind: models.KindAutoNumber, PrimaryKey: true},
			{Name: "name", Kind: models.KindText, Required: true},
			{Name: "posts", Kind: models.KindRelatedModelList, RelatedModel: "Post", RelatedField: "user"},
		}},
		{New: func() models.Model { return &Post{} }, Fields: []models.FieldDescriptor{
			{Name: "id", Kind: models.KindAutoNumber, PrimaryKey: true},
			{Name: "title", Kind: models.KindText, Required: true},
			{Name: "body", Kind: models.KindText},
			{Name: "user", Kind: models.KindRelatedModel, RelatedModel: "User"},
		}},
		{New: func() models.Model { return &Article{} }, Fields: []models.FieldDescriptor{
			{Name: "id", Kind: models.KindAutoNumber, PrimaryKey: true},
			{Name: "title", Kind: models.KindText},
		}},
		{Name: "Search", Transient: true, Fields: []models.FieldDescriptor{
			{Name: "term", Kind: models.KindText},
		}},
	}
	for _, def := range defs {
		if _, err := manager.Register(def); err != nil {
			t.Fatalf("Register: %v", err)
		}
	}
	return &testEnv{manager: manager, backend: backend, spans: spans}
}

func newPost(values map[string]any) *Post {
	p := &Post{}
	for k, v := range values {
		p.Set(k, v)
	}
	return p
}

func newUser(name string) *User {
	u := &User{}
	u.Set("name", name)
	return u
}

func mustCreate(t *testing.T, env *testEnv, m models.Model) models.Model {
	t.Helper()
	res, err := env.manager.Create(t.Context(), m)
	if err != nil {
		t.Fatalf("Create(%s): %v", m.ModelName(), err)
	}
	return res.Model()
}

func idsOf(t *testing.T, list []models.Model) []int64 {
	t.Helper()
	out := []int64{}
	for _, m := range list {
		id, _ := m.Get("id")
		out = append(out, id.(int64))
	}
	return out
}

func TestRegister(t *testing.T) {
	env := newEnv(t)

	if diff := cmp.Diff([]string{"Article", "Post", "Search", "User"}, env.manager.Models()); diff != "" {
		t.Errorf("models (-want +got):\n%s", diff)
	}

	meta, err := env.manager.GetModelMeta("Post")
	if err != nil {
		t.Fatal(err)
	}
	if meta.PrimaryKey != "id" || meta.BackendName != models.DefaultBackendName || !meta.Stored {
		t.Errorf("meta = %+v", meta)
	}
	if _, ok := meta.New().(*Post); !ok {
		t.Errorf("constructor builds %T", meta.New())
	}

	_, err = env.manager.Register(models.ModelDefinition{Name: "Post", Fields: []models.FieldDescriptor{{Name: "x", Kind: models.KindText}}})
	if !errors.Is(err, models.ErrDuplicateModel) {
		t.Errorf("duplicate err = %v", err)
	}

	_, err = env.manager.Register(models.ModelDefinition{Name: "Broken", Fields: []models.FieldDescriptor{
		{Name: "a", Kind: models.KindInteger, PrimaryKey: true},
		{Name: "b", Kind: models.KindInteger, PrimaryKey: true},
		{Name: "c", Kind: "blob"},
	}})
	var metaErr *models.MetadataError
	if !errors.As(err, &metaErr) || !strings.Contains(err.Error(), "conflicting primary keys") || !strings.Contains(err.Error(), "blob") {
		t.Errorf("metadata err = %v", err)
	}
	if _, err := env.manager.GetModelMeta("Broken"); !errors.Is(err, models.ErrNotRegistered) {
		t.Error("a rejected model must not be registered")
	}
}

func TestGetModelMeta(t *testing.T) {
	env := newEnv(t)
	byName, _ := env.manager.GetModelMeta("User")

	for name, ref := range map[string]any{
		"instance":            &User{},
		"meta":                byName,
		"constructor":         byName.New,
		"another constructor": func() models.Model { return &User{} },
	} {
		meta, err := env.manager.GetModelMeta(ref)
		if err != nil || meta != byName {
			t.Errorf("%s: GetModelMeta = %v, %v", name, meta, err)
		}
	}

	for name, ref := range map[string]any{
		"unknown name":             "Ghost",
		"other type":               42,
		"foreign meta":             &models.ModelMeta{Name: "Ghost"},
		"unregistered constructor": models.NewDynamic("Ghost"),
		"nil constructor":          (func() models.Model)(nil),
	} {
		var nr *models.NotRegisteredError
		if _, err := env.manager.GetModelMeta(ref); !errors.As(err, &nr) || nr.Kind != "model" {
			t.Errorf("%s: err = %v", name, err)
		}
	}
}

func TestRegisterBackend(t *testing.T) {
	env := newEnv(t)

	if err := env.manager.RegisterBackend("", engine.NewMemoryStore(nil)); !errors.Is(err, models.ErrInvalidBackend) {
		t.Errorf("empty name err = %v", err)
	}
	if err := env.manager.RegisterBackend("other", nil); !errors.Is(err, models.ErrInvalidBackend) {
		t.Errorf("nil backend err = %v", err)
	}
	if err := env.manager.RegisterBackend("other", (*engine.MemoryStorageEngine)(nil)); !errors.Is(err, models.ErrInvalidBackend) {
		t.Errorf("typed nil backend err = %v", err)
	}

	if _, err := env.manager.Register(models.ModelDefinition{Name: "Remote", Backend: "remote", Fields: []models.FieldDescriptor{
		{Name: "id", Kind: models.KindText, PrimaryKey: true},
	}}); err != nil {
		t.Fatal(err)
	}
	var nr *models.NotRegisteredError
	_, err := env.manager.Read(t.Context(), "Remote", models.ReadOptions{})
	if !errors.As(err, &nr) || nr.Kind != "backend" || nr.Name != "remote" {
		t.Fatalf("read on missing backend err = %v", err)
	}

	if err := env.manager.RegisterBackend("remote", engine.NewMemoryStore(nil)); err != nil {
		t.Fatal(err)
	}
	if _, err := env.manager.Read(t.Context(), "Remote", models.ReadOptions{}); err != nil {
		t.Fatalf("read after registering backend: %v", err)
	}
}

func TestScenarioHydratesForwardRelation(t *testing.T) {
	env := newEnv(t)
	ada := mustCreate(t, env, newUser("ada"))
	grace := mustCreate(t, env, newUser("grace"))
	mustCreate(t, env, newPost(map[string]any{"title": "first", "user": ada}))
	mustCreate(t, env, newPost(map[string]any{"title": "second", "user": grace}))

	res, err := env.manager.Read(t.Context(), "Post", models.ReadOptions{Related: []string{"user"}})
	if err != nil {
		t.Fatal(err)
	}
	if len(res.Results) != 2 {
		t.Fatalf("posts = %d", len(res.Results))
	}
	for i, want := range []models.Model{ada, grace} {
		user, _ := res.Results[i].Get("user")
		got, ok := user.(*User)
		if !ok {
			t.Fatalf("post %d user is %T", i, user)
		}
		gotID, _ := got.Get("id")
		wantID, _ := want.Get("id")
		gotName, _ := got.Get("name")
		wantName, _ := want.Get("name")
		if gotID != wantID || gotName != wantName {
			t.Errorf("post %d user = %v/%v, want %v/%v", i, gotID, gotName, wantID, wantName)
		}
	}
}

func TestScenarioFilterAndOrder(t *testing.T) {
	env := newEnv(t)
	for _, title := range []string{"a", "b", "c", "d"} {
		mustCreate(t, env, newPost(map[string]any{"title": title}))
	}

	opts := models.ReadOptions{
		Where:   models.Where{"id": map[string]any{"_gt": 1}},
		OrderBy: []string{"id desc"},
	}
	first, err := env.manager.Read(t.Context(), "Post", opts)
	if err != nil {
		t.Fatal(err)
	}
	if diff := cmp.Diff([]int64{4, 3, 2}, idsOf(t, first.Results)); diff != "" {
		t.Errorf("ids (-want +got):\n%s", diff)
	}

	again, _ := env.manager.Read(t.Context(), "Post", opts)
	if diff := cmp.Diff(idsOf(t, first.Results), idsOf(t, again.Results)); diff != "" {
		t.Errorf("repeated read differs (-first +again):\n%s", diff)
	}
	if first.Operation.ID == again.Operation.ID {
		t.Error("operations share an id")
	}
	if diff := cmp.Diff(opts.Where, first.Operation.Where); diff != "" {
		t.Errorf("operation where (-want +got):\n%s", diff)
	}
}

func TestScenarioUpdateSelectedFields(t *testing.T) {
	env := newEnv(t)
	mustCreate(t, env, newPost(map[string]any{"id": int64(10), "title": "old", "body": "kept"}))

	patch := newPost(map[string]any{"title": "new", "body": "ignored"})
	res, err := env.manager.Update(t.Context(), patch, models.UpdateOptions{
		Where:  models.Where{"id": 10},
		Fields: []string{"title"},
	})
	if err != nil {
		t.Fatalf("Update: %v", err)
	}
	if !res.Success || res.Meta.TotalCount != 1 {
		t.Fatalf("result = %+v", res)
	}

	stored, _ := env.manager.Read(t.Context(), "Post", models.ReadOptions{Where: models.Where{"id": 10}})
	title, _ := stored.Results[0].Get("title")
	body, _ := stored.Results[0].Get("body")
	if title != "new" || body != "kept" {
		t.Errorf("stored title=%v body=%v", title, body)
	}
}

func TestScenarioRemoveAll(t *testing.T) {
	env := newEnv(t)
	for i := 0; i < 5; i++ {
		mustCreate(t, env, newPost(map[string]any{"title": "p"}))
	}

	res, err := env.manager.Remove(t.Context(), &Post{}, models.RemoveOptions{Where: models.Where{}})
	if err != nil {
		t.Fatal(err)
	}
	if res.Meta.TotalCount != 5 {
		t.Errorf("removed %d, want 5", res.Meta.TotalCount)
	}
	left, _ := env.manager.Read(t.Context(), "Post", models.ReadOptions{})
	if left.Meta.TotalCount != 0 {
		t.Errorf("%d posts left", left.Meta.TotalCount)
	}
}

func TestScenarioValidationGatesBackend(t *testing.T) {
	env := newEnv(t)

	res, err := env.manager.Create(t.Context(), &Post{})
	var verr *models.ValidationError
	if !errors.As(err, &verr) {
		t.Fatalf("err = %v, want ValidationError", err)
	}
	if verr.Result != res || res.Success || res.Validation.Valid {
		t.Fatalf("result = %+v", res)
	}
	if diff := cmp.Diff(map[string][]string{"title": {"is required"}}, res.Validation.FieldErrors); diff != "" {
		t.Errorf("field errors (-want +got):\n%s", diff)
	}
	if n := env.backend.Calls("create"); n != 0 {
		t.Errorf("backend create called %d times", n)
	}

	stored := mustCreate(t, env, newPost(map[string]any{"title": "ok"}))
	id, _ := stored.Get("id")
	_, err = env.manager.Update(t.Context(), newPost(map[string]any{"id": id, "title": 42}), models.UpdateOptions{})
	if !errors.Is(err, models.ErrValidation) {
		t.Fatalf("update err = %v", err)
	}
	if n := env.backend.Calls("update"); n != 0 {
		t.Errorf("backend update called %d times", n)
	}
}

func TestScenarioUnknownWhereField(t *testing.T) {
	env := newEnv(t)
	mustCreate(t, env, newPost(map[string]any{"title": "p"}))

	_, err := env.manager.Read(t.Context(), "Post", models.ReadOptions{Where: models.Where{"missing": 1}})
	var qerr *models.InvalidQueryError
	if !errors.As(err, &qerr) || qerr.Field != "missing" {
		t.Fatalf("err = %v", err)
	}
}

func TestModelValidationHook(t *testing.T) {
	env := newEnv(t)
	a := &Article{}
	a.Set("title", "forbidden")

	res, err := env.manager.Create(t.Context(), a)
	if !errors.Is(err, models.ErrValidation) {
		t.Fatalf("err = %v", err)
	}
	if diff := cmp.Diff([]string{"title is forbidden"}, res.Validation.ModelErrors); diff != "" {
		t.Errorf("model errors (-want +got):\n%s", diff)
	}
}

func TestUpdateWithoutWhere(t *testing.T) {
	env := newEnv(t)

	_, err := env.manager.Update(t.Context(), newPost(map[string]any{"title": "no id"}), models.UpdateOptions{})
	if !errors.Is(err, models.ErrMissingKey) {
		t.Errorf("unset key err = %v", err)
	}

	if _, err := env.manager.Register(models.ModelDefinition{Name: "Log", Fields: []models.FieldDescriptor{
		{Name: "line", Kind: models.KindText},
	}}); err != nil {
		t.Fatal(err)
	}
	_, err = env.manager.Update(t.Context(), models.NewDynamicWith("Log", map[string]any{"line": "x"}), models.UpdateOptions{})
	if !errors.Is(err, models.ErrMissingKey) {
		t.Errorf("no primary key err = %v", err)
	}
	if n := env.backend.Calls("update"); n != 0 {
		t.Errorf("backend update called %d times", n)
	}
}

func TestRemoveRequiresWhere(t *testing.T) {
	env := newEnv(t)
	mustCreate(t, env, newPost(map[string]any{"title": "keep me"}))

	res, err := env.manager.Remove(t.Context(), &Post{}, models.RemoveOptions{})
	if !errors.Is(err, models.ErrInvalidQuery) {
		t.Fatalf("err = %v", err)
	}
	if res.Success || env.backend.Calls("remove") != 0 {
		t.Errorf("remove without where reached the backend")
	}
}

func TestTransientModels(t *testing.T) {
	env := newEnv(t)
	search := models.NewDynamicWith("Search", map[string]any{"term": "go"})

	if _, err := env.manager.Create(t.Context(), search); !errors.Is(err, models.ErrNotStored) {
		t.Errorf("create err = %v", err)
	}
	if _, err := env.manager.Update(t.Context(), search, models.UpdateOptions{Where: models.All()}); !errors.Is(err, models.ErrNotStored) {
		t.Errorf("update err = %v", err)
	}
	if _, err := env.manager.Remove(t.Context(), search, models.RemoveOptions{Where: models.All()}); !errors.Is(err, models.ErrNotStored) {
		t.Errorf("remove err = %v", err)
	}
	if _, err := env.manager.Read(t.Context(), "Search", models.ReadOptions{}); err != nil {
		t.Errorf("read err = %v", err)
	}
}

func TestExec(t *testing.T) {
	env := newEnv(t)
	a := &Article{}
	a.Set("title", "three word title")

	res, err := env.manager.Exec(t.Context(), a, "wordCount", nil)
	if err != nil || !res.Success || res.Result != 3 {
		t.Errorf("wordCount = %+v, %v", res, err)
	}

	res, err = env.manager.Exec(t.Context(), a, "touch", nil)
	if err != nil || !res.Success || res.Result != nil {
		t.Errorf("touch = %+v, %v", res, err)
	}

	res, err = env.manager.Exec(t.Context(), a, "custom", []any{"x"})
	if err != nil || !res.Success || res.Operation.ID != "" {
		t.Errorf("custom result was not passed through: %+v, %v", res, err)
	}

	res, err = env.manager.Exec(t.Context(), a, "nothing", nil)
	if err != nil || res == nil || !res.Success || res.Result != nil || res.Operation.Name != "exec" {
		t.Errorf("nothing = %+v, %v", res, err)
	}

	if _, err := env.manager.Exec(t.Context(), a, "label", nil); !errors.Is(err, models.ErrNotAFunction) {
		t.Errorf("label err = %v", err)
	}

	res, err = env.manager.Exec(t.Context(), a, "fail", nil)
	if !errors.Is(err, errBoom) || res.Success {
		t.Errorf("fail = %+v, %v", res, err)
	}

	if _, err := env.manager.Exec(t.Context(), a, "elsewhere", nil); !errors.Is(err, models.ErrExecNotSupported) {
		t.Errorf("backend exec err = %v", err)
	}
}

func TestOperationsAreTraced(t *testing.T) {
	env := newEnv(t)
	mustCreate(t, env, newUser("ada"))
	env.manager.Read(t.Context(), "User", models.ReadOptions{Where: models.Where{"nope": 1}})

	ended := env.spans.Ended()
	if len(ended) != 2 {
		t.Fatalf("recorded %d spans, want 2", len(ended))
	}
	create, read := ended[0], ended[1]
	if create.Name() != "modeldb.create" || read.Name() != "modeldb.read" {
		t.Fatalf("span names %s, %s", create.Name(), read.Name())
	}

	attrs := map[attribute.Key]attribute.Value{}
	for _, kv := range create.Attributes() {
		attrs[kv.Key] = kv.Value
	}
	if attrs["modeldb.model"].AsString() != "User" || attrs["modeldb.backend"].AsString() != models.DefaultBackendName || !attrs["modeldb.success"].AsBool() {
		t.Errorf("create span attributes = %v", create.Attributes())
	}
	if create.Status().Code == codes.Error {
		t.Error("create span has error status")
	}
	if read.Status().Code != codes.Error || len(read.Events()) == 0 {
		t.Errorf("read span status = %v, events = %d", read.Status(), len(read.Events()))
	}
}
