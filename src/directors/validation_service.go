package directors

import (
	"context"
	"fmt"
	"math"
	"reflect"
	"time"
	"unicode/utf8"

	"github.com/asaskevich/govalidator"
	"go.uber.org/zap"
	"golang.org/x/sync/errgroup"

	"modeldb/src/engine"
	"modeldb/src/models"
)

// ValidationService checks model instances against their field descriptors and model hooks.
type ValidationService struct {
	logger *zap.SugaredLogger
}

func NewValidationService(logger *zap.SugaredLogger) *ValidationService {
	if logger == nil {
		logger = zap.NewNop().Sugar()
	}
	return &ValidationService{logger: logger}
}

// Validate runs field validation and the model's own hooks concurrently and merges both
// outcomes. fields limits field validation to the named fields; nil validates all of them.
// creating exempts autoNumber fields from the required check since the backend assigns them.
// A non-nil error means a validator failed to run, not that the instance is invalid.
func (v *ValidationService) Validate(ctx context.Context, meta *models.ModelMeta, m models.Model, fields []string, creating bool) (*models.ValidationResult, error) {
	scope, err := fieldScope(meta, fields)
	if err != nil {
		return nil, err
	}

	fieldRes := models.NewValidationResult()
	modelRes := models.NewValidationResult()

	g, gctx := errgroup.WithContext(ctx)
	g.Go(func() error {
		for _, field := range scope {
			if err := v.validateField(gctx, field, m, creating, fieldRes); err != nil {
				return err
			}
		}
		return nil
	})
	g.Go(func() error {
		if hook, ok := m.(models.ModelValidator); ok {
			hook.Validate(modelRes)
		}
		if hook, ok := m.(models.AsyncModelValidator); ok {
			return hook.ValidateAsync(gctx, modelRes)
		}
		return nil
	})
	if err := g.Wait(); err != nil {
		return nil, err
	}

	res := models.NewValidationResult()
	res.Merge(fieldRes)
	res.Merge(modelRes)
	if !res.Valid {
		v.logger.Debugw("Validation failed",
			"model", meta.Name,
			"fieldErrors", len(res.FieldErrors),
			"modelErrors", len(res.ModelErrors))
	}
	return res, nil
}

func fieldScope(meta *models.ModelMeta, names []string) ([]*models.FieldDescriptor, error) {
	if names == nil {
		scope := make([]*models.FieldDescriptor, len(meta.Fields))
		for i := range meta.Fields {
			scope[i] = &meta.Fields[i]
		}
		return scope, nil
	}
	scope := make([]*models.FieldDescriptor, 0, len(names))
	for _, name := range names {
		field, ok := meta.Field(name)
		if !ok {
			return nil, &models.InvalidQueryError{Model: meta.Name, Field: name, Reason: "unknown field"}
		}
		scope = append(scope, field)
	}
	return scope, nil
}

func (v *ValidationService) validateField(ctx context.Context, field *models.FieldDescriptor, m models.Model, creating bool, res *models.ValidationResult) error {
	value, set := m.Get(field.Name)
	if !set || value == nil {
		if field.Required && !(creating && field.Kind == models.KindAutoNumber) {
			res.AddFieldError(field.Name, "is required")
		}
		return nil
	}

	if msg := checkKind(field, value); msg != "" {
		res.AddFieldError(field.Name, msg)
		return nil
	}
	for _, msg := range checkRules(field, value) {
		res.AddFieldError(field.Name, msg)
	}

	for _, custom := range field.Validators {
		msg, err := custom.ValidateField(ctx, field, value)
		if err != nil {
			return err
		}
		if msg != "" {
			res.AddFieldError(field.Name, msg)
		}
	}
	return nil
}

var timeLayouts = map[models.FieldKind]string{
	models.KindDate:     "2006-01-02",
	models.KindTime:     "15:04:05",
	models.KindDateTime: time.RFC3339,
}

// checkKind returns a message when value does not fit the field kind.
func checkKind(field *models.FieldDescriptor, value any) string {
	switch field.Kind {
	case models.KindText, models.KindPassword:
		if _, ok := value.(string); !ok {
			return "must be a string"
		}
	case models.KindEmail:
		s, ok := value.(string)
		if !ok || !govalidator.IsEmail(s) {
			return "must be a valid email address"
		}
	case models.KindURL:
		s, ok := value.(string)
		if !ok || !govalidator.IsURL(s) {
			return "must be a valid URL"
		}
	case models.KindInteger, models.KindAutoNumber:
		f, ok := engine.ToFloat(value)
		if !ok || f != math.Trunc(f) {
			return "must be an integer"
		}
	case models.KindNumber:
		if _, ok := engine.ToFloat(value); !ok {
			return "must be a number"
		}
	case models.KindBoolean:
		if _, ok := value.(bool); !ok {
			return "must be a boolean"
		}
	case models.KindDate, models.KindTime, models.KindDateTime:
		switch t := value.(type) {
		case time.Time:
		case string:
			if _, err := time.Parse(timeLayouts[field.Kind], t); err != nil {
				return fmt.Sprintf("must be a %s in the form %s", field.Kind, timeLayouts[field.Kind])
			}
		default:
			return fmt.Sprintf("must be a %s", field.Kind)
		}
	case models.KindMultiSelection, models.KindRelatedModelList:
		if _, ok := listItems(value); !ok {
			return "must be a list"
		}
	case models.KindRelatedModel:
		if ref, ok := value.(models.Model); ok && ref.ModelName() != field.RelatedModel {
			return fmt.Sprintf("must reference a %s", field.RelatedModel)
		}
	}
	return ""
}

// checkRules applies the declarative rules of an already type-checked value.
func checkRules(field *models.FieldDescriptor, value any) []string {
	var msgs []string
	rules := field.Rules

	if n, ok := engine.ToFloat(value); ok {
		if rules.Min != nil && n < *rules.Min {
			msgs = append(msgs, fmt.Sprintf("must be at least %v", *rules.Min))
		}
		if rules.Max != nil && n > *rules.Max {
			msgs = append(msgs, fmt.Sprintf("must be at most %v", *rules.Max))
		}
	}

	length := -1
	if s, ok := value.(string); ok {
		length = utf8.RuneCountInString(s)
		if re := field.PatternRegexp(); re != nil && !re.MatchString(s) {
			msgs = append(msgs, fmt.Sprintf("must match %s", rules.Pattern))
		}
	} else if items, ok := listItems(value); ok {
		length = len(items)
	}
	if length >= 0 {
		if rules.MinLength > 0 && length < rules.MinLength {
			msgs = append(msgs, fmt.Sprintf("must have a length of at least %d", rules.MinLength))
		}
		if rules.MaxLength > 0 && length > rules.MaxLength {
			msgs = append(msgs, fmt.Sprintf("must have a length of at most %d", rules.MaxLength))
		}
	}

	if len(rules.Options) > 0 {
		if field.Kind == models.KindMultiSelection {
			items, _ := listItems(value)
			for _, item := range items {
				if !isOption(rules.Options, item) {
					msgs = append(msgs, fmt.Sprintf("%v is not an allowed option", item))
				}
			}
		} else if !isOption(rules.Options, value) {
			msgs = append(msgs, fmt.Sprintf("%v is not an allowed option", value))
		}
	}
	return msgs
}

func isOption(options []any, value any) bool {
	for _, opt := range options {
		if reflect.DeepEqual(opt, value) {
			return true
		}
		a, aok := engine.ToFloat(opt)
		b, bok := engine.ToFloat(value)
		if aok && bok && a == b {
			return true
		}
	}
	return false
}

func listItems(v any) ([]any, bool) {
	switch list := v.(type) {
	case []any:
		return list, true
	case []models.Model:
		items := make([]any, len(list))
		for i, m := range list {
			items[i] = m
		}
		return items, true
	}
	rv := reflect.ValueOf(v)
	if rv.Kind() != reflect.Slice && rv.Kind() != reflect.Array {
		return nil, false
	}
	items := make([]any, rv.Len())
	for i := range items {
		items[i] = rv.Index(i).Interface()
	}
	return items, true
}
