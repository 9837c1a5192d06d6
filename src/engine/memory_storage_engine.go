package engine

import (
	"context"
	"sort"
	"sync"
	"time"

	"go.uber.org/zap"

	"modeldb/src/models"
)

// PasswordHasher hashes password field values before they are stored.
type PasswordHasher interface {
	Hash(plain string) (string, error)
	IsHashed(value string) bool
}

type memoryTable struct {
	mu sync.RWMutex
	// Records are replaced, never mutated in place, so a scan may keep
	// references after releasing the lock.
	records   []StoredRecord
	sequences map[string]int64
}

// MemoryStorageEngine is the reference in-memory backend.
type MemoryStorageEngine struct {
	logger   *zap.SugaredLogger
	mu       sync.Mutex // guards tables
	tables   map[string]*memoryTable
	latency  time.Duration
	journal  *Journal
	hasher   PasswordHasher
	hydrator *RelationHydrator
}

// MemoryOption configures a MemoryStorageEngine.
type MemoryOption func(*MemoryStorageEngine)

// WithLatency delays every operation by d to simulate a remote store.
func WithLatency(d time.Duration) MemoryOption {
	return func(s *MemoryStorageEngine) { s.latency = d }
}

// WithJournal writes every mutation to j before applying it.
func WithJournal(j *Journal) MemoryOption {
	return func(s *MemoryStorageEngine) { s.journal = j }
}

// WithPasswordHasher hashes password fields on create and update.
func WithPasswordHasher(h PasswordHasher) MemoryOption {
	return func(s *MemoryStorageEngine) { s.hasher = h }
}

// NewMemoryStore creates an empty in-memory backend.
func NewMemoryStore(logger *zap.SugaredLogger, opts ...MemoryOption) *MemoryStorageEngine {
	if logger == nil {
		logger = zap.NewNop().Sugar()
	}
	s := &MemoryStorageEngine{
		logger: logger,
		tables: make(map[string]*memoryTable),
	}
	for _, opt := range opts {
		opt(s)
	}
	s.hydrator = NewRelationHydrator(logger)
	return s
}

func (s *MemoryStorageEngine) table(model string) *memoryTable {
	s.mu.Lock()
	defer s.mu.Unlock()
	t, ok := s.tables[model]
	if !ok {
		t = &memoryTable{sequences: make(map[string]int64)}
		s.tables[model] = t
	}
	return t
}

// Count returns the number of records stored for a model.
func (s *MemoryStorageEngine) Count(model string) int {
	t := s.table(model)
	t.mu.RLock()
	defer t.mu.RUnlock()
	return len(t.records)
}

// wait applies the simulated latency.
func (s *MemoryStorageEngine) wait(ctx context.Context) error {
	if s.latency <= 0 {
		return ctx.Err()
	}
	timer := time.NewTimer(s.latency)
	defer timer.Stop()
	select {
	case <-ctx.Done():
		return ctx.Err()
	case <-timer.C:
		return nil
	}
}

// storedValue converts one instance value for storage, hashing passwords when configured.
func (s *MemoryStorageEngine) storedValue(factory *InstanceFactory, field *models.FieldDescriptor, v any) (any, error) {
	stored, err := factory.StoredValue(field, v)
	if err != nil {
		return nil, err
	}
	if field.Kind == models.KindPassword && s.hasher != nil {
		if plain, ok := stored.(string); ok && !s.hasher.IsHashed(plain) {
			return s.hasher.Hash(plain)
		}
	}
	return stored, nil
}

func (s *MemoryStorageEngine) journalEntry(res *models.OperationResult, command, model string, details any) error {
	if s.journal == nil {
		return nil
	}
	return s.journal.Record(res.Operation.ID, command, model, details)
}

// Create assigns autonumbers, stores the instance and returns the stored form in res.Result.
func (s *MemoryStorageEngine) Create(ctx context.Context, e models.Engine, meta *models.ModelMeta, m models.Model, res *models.OperationResult) error {
	if err := s.wait(ctx); err != nil {
		return err
	}
	factory := NewInstanceFactory(e)

	rec := make(StoredRecord)
	var pending []*models.FieldDescriptor
	for _, field := range meta.StoredFields() {
		v, set := m.Get(field.Name)
		if field.Kind == models.KindAutoNumber && (!set || v == nil) {
			pending = append(pending, field)
			continue
		}
		stored, err := s.storedValue(factory, field, v)
		if err != nil {
			return err
		}
		rec[field.Name] = stored
	}

	t := s.table(meta.Name)
	t.mu.Lock()
	for _, field := range pending {
		t.sequences[field.Name]++
		rec[field.Name] = t.sequences[field.Name]
	}
	if err := s.journalEntry(res, "CREATE", meta.Name, rec); err != nil {
		for _, field := range pending {
			t.sequences[field.Name]--
		}
		t.mu.Unlock()
		return err
	}
	t.records = append(t.records, rec)
	t.mu.Unlock()

	for _, field := range pending {
		m.Set(field.Name, rec[field.Name])
	}
	s.logger.Debugw("Created record", "model", meta.Name, "autonumbers", len(pending))

	res.Result = factory.Hydrate(meta, rec)
	res.Meta.TotalCount = 1
	return nil
}

// Read filters, sorts and paginates the records of a model, then hydrates the page.
func (s *MemoryStorageEngine) Read(ctx context.Context, e models.Engine, meta *models.ModelMeta, opts models.ReadOptions, res *models.OperationResult) error {
	pred, err := CompileWhere(meta, opts.Where)
	if err != nil {
		return err
	}
	keys, err := ParseOrderBy(meta, opts.OrderBy)
	if err != nil {
		return err
	}
	for _, name := range opts.RawValues {
		field, ok := meta.Field(name)
		if !ok || !field.Stored() {
			return invalidQuery(meta, name, "raw value requested for a field that is not stored")
		}
	}
	if opts.Offset < 0 {
		return invalidQuery(meta, "", "offset must not be negative")
	}
	if err := s.wait(ctx); err != nil {
		return err
	}

	t := s.table(meta.Name)
	t.mu.RLock()
	matched := make([]StoredRecord, 0, len(t.records))
	for _, rec := range t.records {
		if pred.Match(rec) {
			matched = append(matched, rec)
		}
	}
	t.mu.RUnlock()

	sortRecords(matched, keys)
	limit := opts.EffectiveLimit()
	page := paginate(matched, opts.Offset, limit)

	res.Meta.TotalCount = len(matched)
	res.Meta.Limit = limit
	res.Meta.Offset = opts.Offset
	res.Meta.OrderBy = opts.OrderBy

	if len(opts.RawValues) > 0 {
		res.Meta.RawValues = make([]map[string]any, len(page))
		for i, rec := range page {
			raw := make(map[string]any, len(opts.RawValues))
			for _, name := range opts.RawValues {
				raw[name] = copyValue(rec[name])
			}
			res.Meta.RawValues[i] = raw
		}
	}

	factory := NewInstanceFactory(e)
	results := make([]models.Model, len(page))
	parents := make([]Parent, len(page))
	for i, rec := range page {
		results[i] = factory.Hydrate(meta, rec)
		parents[i] = Parent{Instance: results[i], Raw: rec}
	}
	if len(opts.Related) > 0 {
		if err := s.hydrator.Hydrate(ctx, e, meta, parents, opts.Related); err != nil {
			return err
		}
	}
	res.Results = results
	return nil
}

// Update overwrites the selected fields of every matching record with the values set on m.
func (s *MemoryStorageEngine) Update(ctx context.Context, e models.Engine, meta *models.ModelMeta, m models.Model, opts models.UpdateOptions, res *models.OperationResult) error {
	if opts.Where == nil {
		return invalidQuery(meta, "", "update requires a where expression")
	}
	pred, err := CompileWhere(meta, opts.Where)
	if err != nil {
		return err
	}

	fields := meta.StoredFields()
	if opts.Fields != nil {
		fields = fields[:0:0]
		for _, name := range opts.Fields {
			field, ok := meta.Field(name)
			if !ok || !field.Stored() {
				return invalidQuery(meta, name, "cannot update a field that is not stored")
			}
			fields = append(fields, field)
		}
	}

	factory := NewInstanceFactory(e)
	patch := make(StoredRecord, len(fields))
	for _, field := range fields {
		v, set := m.Get(field.Name)
		if !set {
			continue
		}
		stored, err := s.storedValue(factory, field, v)
		if err != nil {
			return err
		}
		patch[field.Name] = stored
	}
	if err := s.wait(ctx); err != nil {
		return err
	}

	t := s.table(meta.Name)
	t.mu.Lock()
	var hits []int
	for i, rec := range t.records {
		if pred.Match(rec) {
			hits = append(hits, i)
		}
	}
	if len(hits) > 0 {
		details := map[string]any{"where": opts.Where, "set": patch}
		if err := s.journalEntry(res, "UPDATE", meta.Name, details); err != nil {
			t.mu.Unlock()
			return err
		}
	}
	updated := make([]StoredRecord, 0, len(hits))
	for _, i := range hits {
		next := make(StoredRecord, len(t.records[i]))
		for k, v := range t.records[i] {
			next[k] = v
		}
		for k, v := range patch {
			next[k] = copyValue(v)
		}
		t.records[i] = next
		updated = append(updated, next)
	}
	t.mu.Unlock()

	s.logger.Debugw("Updated records", "model", meta.Name, "count", len(updated))
	res.Meta.TotalCount = len(updated)
	if len(updated) == 1 {
		res.Result = factory.Hydrate(meta, updated[0])
	}
	return nil
}

// Remove deletes every record matching opts.Where.
func (s *MemoryStorageEngine) Remove(ctx context.Context, e models.Engine, meta *models.ModelMeta, m models.Model, opts models.RemoveOptions, res *models.OperationResult) error {
	if opts.Where == nil {
		return invalidQuery(meta, "", "remove requires a where expression")
	}
	pred, err := CompileWhere(meta, opts.Where)
	if err != nil {
		return err
	}
	if err := s.wait(ctx); err != nil {
		return err
	}

	t := s.table(meta.Name)
	t.mu.Lock()
	kept := make([]StoredRecord, 0, len(t.records))
	for _, rec := range t.records {
		if !pred.Match(rec) {
			kept = append(kept, rec)
		}
	}
	removed := len(t.records) - len(kept)
	if removed > 0 {
		if err := s.journalEntry(res, "REMOVE", meta.Name, map[string]any{"where": opts.Where}); err != nil {
			t.mu.Unlock()
			return err
		}
		t.records = kept
	}
	t.mu.Unlock()

	s.logger.Debugw("Removed records", "model", meta.Name, "count", removed)
	res.Meta.TotalCount = removed
	return nil
}

// Exec is not supported: the in-memory backend has no remote procedures.
func (s *MemoryStorageEngine) Exec(ctx context.Context, e models.Engine, meta *models.ModelMeta, m models.Model, opts models.ExecOptions, res *models.OperationResult) error {
	return models.ErrExecNotSupported
}

// Models returns the names of all models that have a table, sorted.
func (s *MemoryStorageEngine) Models() []string {
	s.mu.Lock()
	defer s.mu.Unlock()
	names := make([]string, 0, len(s.tables))
	for name := range s.tables {
		names = append(names, name)
	}
	sort.Strings(names)
	return names
}
