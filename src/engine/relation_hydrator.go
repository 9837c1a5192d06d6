package engine

import (
	"context"
	"strings"

	"go.uber.org/zap"
	"golang.org/x/sync/errgroup"

	"modeldb/src/models"
)

// Parent is a hydrated instance together with the stored record it was built from.
type Parent struct {
	Instance models.Model
	Raw      StoredRecord
}

type relatedPath struct {
	field string
	sub   []string
}

// RelationHydrator resolves relatedModel and relatedModelList fields of a result set with one
// batched read per field and nesting level.
type RelationHydrator struct {
	logger *zap.SugaredLogger
}

func NewRelationHydrator(logger *zap.SugaredLogger) *RelationHydrator {
	if logger == nil {
		logger = zap.NewNop().Sugar()
	}
	return &RelationHydrator{logger: logger}
}

// Hydrate resolves the given dotted paths on parents. Fields of the first path segment are
// resolved concurrently; deeper segments are handed to the sub-reads so that each level is
// batched over the related instances fetched by the level above.
func (h *RelationHydrator) Hydrate(ctx context.Context, e models.Engine, meta *models.ModelMeta, parents []Parent, paths []string) error {
	groups, err := groupPaths(meta, paths)
	if err != nil {
		return err
	}
	fields := make([]*models.FieldDescriptor, len(groups))
	for i, grp := range groups {
		field, ok := meta.Field(grp.field)
		if !ok {
			return invalidQuery(meta, grp.field, "unknown related field")
		}
		if !field.Kind.IsRelational() {
			return invalidQuery(meta, grp.field, "field is not relational")
		}
		fields[i] = field
	}
	if len(parents) == 0 || len(groups) == 0 {
		return nil
	}

	assignments := make([][]any, len(groups))
	g, gctx := errgroup.WithContext(ctx)
	for i, grp := range groups {
		field := fields[i]
		g.Go(func() error {
			var values []any
			var err error
			if field.Kind == models.KindRelatedModel {
				values, err = h.resolveForward(gctx, e, field, parents, grp.sub)
			} else {
				values, err = h.resolveReverse(gctx, e, meta, field, parents, grp.sub)
			}
			assignments[i] = values
			return err
		})
	}
	if err := g.Wait(); err != nil {
		return err
	}

	for i, grp := range groups {
		for j, p := range parents {
			p.Instance.Set(grp.field, assignments[i][j])
		}
	}
	return nil
}

// resolveForward batches the distinct foreign keys of all parents into one read of the target.
func (h *RelationHydrator) resolveForward(ctx context.Context, e models.Engine, field *models.FieldDescriptor, parents []Parent, sub []string) ([]any, error) {
	target, err := e.GetModelMeta(field.RelatedModel)
	if err != nil {
		return nil, err
	}
	if target.PrimaryKey == "" {
		return nil, invalidQuery(target, "", "related model has no primary key")
	}

	values := make([]any, len(parents))
	seen := make(map[any]bool)
	var keys []any
	for _, p := range parents {
		raw := p.Raw[field.Name]
		if raw == nil || seen[normalizeKey(raw)] {
			continue
		}
		seen[normalizeKey(raw)] = true
		keys = append(keys, raw)
	}
	if len(keys) == 0 {
		return values, nil
	}

	res, err := e.Read(ctx, target.Name, models.ReadOptions{
		Where:   models.Where{target.PrimaryKey: map[string]any{"_in": keys}},
		Limit:   models.NoLimit,
		Related: sub,
	})
	if err != nil {
		return nil, err
	}
	h.logger.Debugw("Resolved forward relation",
		"field", field.Name,
		"target", target.Name,
		"keys", len(keys),
		"found", len(res.Results))

	lookup := make(map[any]models.Model, len(res.Results))
	for _, inst := range res.Results {
		if key, ok := target.PrimaryKeyValue(inst); ok {
			lookup[normalizeKey(key)] = inst
		}
	}
	for j, p := range parents {
		raw := p.Raw[field.Name]
		if raw == nil {
			continue
		}
		if inst, ok := lookup[normalizeKey(raw)]; ok {
			values[j] = inst
		}
	}
	return values, nil
}

// resolveReverse batches the primary keys of all parents into one read of the children
// whose linking field points at them, then groups the children by that raw link value.
func (h *RelationHydrator) resolveReverse(ctx context.Context, e models.Engine, meta *models.ModelMeta, field *models.FieldDescriptor, parents []Parent, sub []string) ([]any, error) {
	target, err := e.GetModelMeta(field.RelatedModel)
	if err != nil {
		return nil, err
	}
	if _, ok := target.Field(field.RelatedField); !ok {
		return nil, invalidQuery(target, field.RelatedField, "unknown linking field for %s.%s", meta.Name, field.Name)
	}
	if meta.PrimaryKey == "" {
		return nil, invalidQuery(meta, field.Name, "reverse relation needs a primary key")
	}

	values := make([]any, len(parents))
	seen := make(map[any]bool)
	var keys []any
	for j, p := range parents {
		values[j] = []models.Model{}
		key, ok := meta.PrimaryKeyValue(p.Instance)
		if !ok || seen[normalizeKey(key)] {
			continue
		}
		seen[normalizeKey(key)] = true
		keys = append(keys, key)
	}
	if len(keys) == 0 {
		return values, nil
	}

	link := field.RelatedField
	res, err := e.Read(ctx, target.Name, models.ReadOptions{
		Where:     models.Where{link: map[string]any{"_in": keys}},
		Limit:     models.NoLimit,
		Related:   sub,
		RawValues: []string{link},
	})
	if err != nil {
		return nil, err
	}
	h.logger.Debugw("Resolved reverse relation",
		"field", field.Name,
		"target", target.Name,
		"parents", len(keys),
		"children", len(res.Results))

	grouped := make(map[any][]models.Model)
	for i, inst := range res.Results {
		var raw any
		if i < len(res.Meta.RawValues) {
			raw = res.Meta.RawValues[i][link]
		}
		k := normalizeKey(raw)
		grouped[k] = append(grouped[k], inst)
	}
	for j, p := range parents {
		key, ok := meta.PrimaryKeyValue(p.Instance)
		if !ok {
			continue
		}
		if children, ok := grouped[normalizeKey(key)]; ok {
			values[j] = children
		}
	}
	return values, nil
}

// groupPaths splits dotted paths by their first segment, keeping first-seen order.
func groupPaths(meta *models.ModelMeta, paths []string) ([]relatedPath, error) {
	var groups []relatedPath
	index := make(map[string]int)
	for _, path := range paths {
		head, rest, nested := strings.Cut(path, ".")
		if head == "" || (nested && rest == "") {
			return nil, invalidQuery(meta, path, "malformed related path")
		}
		i, ok := index[head]
		if !ok {
			i = len(groups)
			index[head] = i
			groups = append(groups, relatedPath{field: head})
		}
		if nested {
			groups[i].sub = append(groups[i].sub, rest)
		}
	}
	return groups, nil
}
