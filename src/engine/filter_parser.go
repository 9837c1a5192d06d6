package engine

import (
	"fmt"
	"reflect"
	"regexp"
	"sort"
	"strings"

	"modeldb/src/models"
)

/*
	Where-expressions are compiled once per read/update/remove into a predicate tree
	and then evaluated against every stored record of the model.

	{"title": "Hello"}                         implicit _eq
	{"id": {"_gt": 1, "_lte": 10}}             several operators are ANDed
	{"_or": [{"id": 1}, {"title": {"_like": "%Go%"}}]}
*/

// Predicate is a compiled where-expression. Match has no side effects.
type Predicate interface {
	Match(rec StoredRecord) bool
}

type matchAll struct{}

func (matchAll) Match(StoredRecord) bool { return true }

type andPredicate []Predicate

func (p andPredicate) Match(rec StoredRecord) bool {
	for _, child := range p {
		if !child.Match(rec) {
			return false
		}
	}
	return true
}

type orPredicate []Predicate

func (p orPredicate) Match(rec StoredRecord) bool {
	for _, child := range p {
		if child.Match(rec) {
			return true
		}
	}
	return false
}

type fieldPredicate struct {
	field  string
	op     string
	value  any
	values []any
	like   *regexp.Regexp
}

func (p *fieldPredicate) Match(rec StoredRecord) bool {
	v := rec[p.field]
	switch p.op {
	case "_eq":
		return valuesEqual(v, p.value)
	case "_ne":
		return !valuesEqual(v, p.value)
	case "_gt":
		c, ok := compareValues(v, p.value)
		return ok && c > 0
	case "_gte":
		c, ok := compareValues(v, p.value)
		return ok && c >= 0
	case "_lt":
		c, ok := compareValues(v, p.value)
		return ok && c < 0
	case "_lte":
		c, ok := compareValues(v, p.value)
		return ok && c <= 0
	case "_in":
		return containsValue(p.values, v)
	case "_nin":
		return !containsValue(p.values, v)
	case "_like":
		s, ok := v.(string)
		return ok && p.like.MatchString(s)
	case "_null":
		return (v == nil) == p.value.(bool)
	}
	return false
}

func containsValue(list []any, v any) bool {
	for _, item := range list {
		if valuesEqual(v, item) {
			return true
		}
	}
	return false
}

var whereOperators = map[string]bool{
	"_eq": true, "_ne": true, "_gt": true, "_gte": true, "_lt": true, "_lte": true,
	"_in": true, "_nin": true, "_like": true, "_null": true,
}

// CompileWhere compiles a where-expression against a model. Unknown fields, unknown
// operators and malformed operands fail with an InvalidQueryError before any record is read.
func CompileWhere(meta *models.ModelMeta, where models.Where) (Predicate, error) {
	if len(where) == 0 {
		return matchAll{}, nil
	}
	return compileExpr(meta, where)
}

func compileExpr(meta *models.ModelMeta, expr map[string]any) (Predicate, error) {
	keys := make([]string, 0, len(expr))
	for key := range expr {
		keys = append(keys, key)
	}
	sort.Strings(keys)

	preds := make(andPredicate, 0, len(keys))
	for _, key := range keys {
		value := expr[key]
		switch key {
		case "_and", "_or":
			list, ok := asList(value)
			if !ok {
				return nil, invalidQuery(meta, "", "%s expects a list of expressions", key)
			}
			children := make([]Predicate, 0, len(list))
			for _, item := range list {
				sub, ok := asExpr(item)
				if !ok {
					return nil, invalidQuery(meta, "", "%s items must be expressions, got %T", key, item)
				}
				child, err := compileExpr(meta, sub)
				if err != nil {
					return nil, err
				}
				children = append(children, child)
			}
			if key == "_and" {
				preds = append(preds, andPredicate(children))
			} else {
				preds = append(preds, orPredicate(children))
			}
		default:
			fieldPreds, err := compileField(meta, key, value)
			if err != nil {
				return nil, err
			}
			preds = append(preds, fieldPreds...)
		}
	}
	if len(preds) == 1 {
		return preds[0], nil
	}
	return preds, nil
}

func compileField(meta *models.ModelMeta, name string, value any) ([]Predicate, error) {
	field, ok := meta.Field(name)
	if !ok {
		return nil, invalidQuery(meta, name, "unknown field")
	}
	if !field.Stored() {
		return nil, invalidQuery(meta, name, "field is not stored and cannot be filtered")
	}

	ops, isOps := asExpr(value)
	if !isOps {
		return []Predicate{&fieldPredicate{field: name, op: "_eq", value: value}}, nil
	}

	names := make([]string, 0, len(ops))
	for op := range ops {
		names = append(names, op)
	}
	sort.Strings(names)

	preds := make([]Predicate, 0, len(names))
	for _, op := range names {
		pred, err := compileOperator(meta, name, op, ops[op])
		if err != nil {
			return nil, err
		}
		preds = append(preds, pred)
	}
	return preds, nil
}

func compileOperator(meta *models.ModelMeta, field, op string, operand any) (Predicate, error) {
	if !whereOperators[op] {
		return nil, invalidQuery(meta, field, "unknown operator %q", op)
	}
	pred := &fieldPredicate{field: field, op: op, value: operand}
	switch op {
	case "_gt", "_gte", "_lt", "_lte":
		if operand == nil {
			return nil, invalidQuery(meta, field, "%s needs a value", op)
		}
	case "_in", "_nin":
		list, ok := asList(operand)
		if !ok {
			return nil, invalidQuery(meta, field, "%s expects a list, got %T", op, operand)
		}
		pred.values = list
	case "_like":
		pattern, ok := operand.(string)
		if !ok {
			return nil, invalidQuery(meta, field, "_like expects a string, got %T", operand)
		}
		pred.like = compileLike(pattern)
	case "_null":
		if _, ok := operand.(bool); !ok {
			return nil, invalidQuery(meta, field, "_null expects a boolean, got %T", operand)
		}
	}
	return pred, nil
}

// compileLike turns a % wildcard pattern into an anchored, case-sensitive regexp.
func compileLike(pattern string) *regexp.Regexp {
	parts := strings.Split(pattern, "%")
	for i, part := range parts {
		parts[i] = regexp.QuoteMeta(part)
	}
	return regexp.MustCompile("(?s)^" + strings.Join(parts, ".*") + "$")
}

func asExpr(v any) (map[string]any, bool) {
	switch e := v.(type) {
	case models.Where:
		return e, true
	case map[string]any:
		return e, true
	}
	return nil, false
}

func asList(v any) ([]any, bool) {
	if list, ok := v.([]any); ok {
		return list, true
	}
	rv := reflect.ValueOf(v)
	if rv.Kind() != reflect.Slice && rv.Kind() != reflect.Array {
		return nil, false
	}
	list := make([]any, rv.Len())
	for i := range list {
		list[i] = rv.Index(i).Interface()
	}
	return list, true
}

func invalidQuery(meta *models.ModelMeta, field, format string, args ...any) error {
	return &models.InvalidQueryError{
		Model:  meta.Name,
		Field:  field,
		Reason: fmt.Sprintf(format, args...),
	}
}
