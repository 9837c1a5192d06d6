package directors_test

import (
	"errors"
	"strings"
	"testing"

	"github.com/google/go-cmp/cmp"
	"github.com/spf13/afero"
	"go.uber.org/zap/zaptest"

	"modeldb/src/directors"
	"modeldb/src/engine"
	"modeldb/src/models"
)

const blogSchema = `
models:
  - name: Author
    fields:
      - {name: id, kind: autoNumber, primaryKey: true}
      - {name: name, kind: text, required: true, rules: {minLength: 2}}
      - {name: books, kind: relatedModelList, relatedModel: Book, relatedField: author}
  - name: Book
    fields:
      - {name: id, kind: autoNumber, primaryKey: true}
      - {name: title, kind: text, required: true}
      - {name: year, kind: integer, rules: {min: 1450}}
      - {name: genre, kind: selection, rules: {options: [fiction, essay]}}
      - {name: author, kind: relatedModel, relatedModel: Author}
fixtures:
  Author:
    - {name: Le Guin}
    - {name: Calvino}
  Book:
    - {title: The Dispossessed, year: 1974, genre: fiction, author: 1}
    - {title: Invisible Cities, year: 1972, genre: fiction, author: 2}
    - {title: Six Memos, year: 1988, genre: essay, author: 2}
`

func newSchemaManager(t *testing.T) *directors.ModelManager {
	t.Helper()
	logger := zaptest.NewLogger(t).Sugar()
	manager := directors.NewModelManager(logger)
	if err := manager.RegisterBackend(models.DefaultBackendName, engine.NewMemoryStore(logger)); err != nil {
		t.Fatal(err)
	}
	return manager
}

func TestLoadSchema(t *testing.T) {
	fs := afero.NewMemMapFs()
	if err := afero.WriteFile(fs, "/schema/blog.yaml", []byte(blogSchema), 0644); err != nil {
		t.Fatal(err)
	}
	manager := newSchemaManager(t)

	loaded, err := directors.LoadSchema(t.Context(), fs, "/schema/blog.yaml", manager, zaptest.NewLogger(t).Sugar())
	if err != nil {
		t.Fatalf("LoadSchema: %v", err)
	}
	if diff := cmp.Diff(map[string]int{"Author": 2, "Book": 3}, loaded.Fixtures); diff != "" {
		t.Errorf("fixtures (-want +got):\n%s", diff)
	}

	book, err := manager.GetModelMeta("Book")
	if err != nil {
		t.Fatal(err)
	}
	year, _ := book.Field("year")
	if year.Rules.Min == nil || *year.Rules.Min != 1450 {
		t.Errorf("year rules = %+v", year.Rules)
	}

	res, err := manager.Read(t.Context(), "Author", models.ReadOptions{
		Where:   models.Where{"name": "Calvino"},
		Related: []string{"books"},
	})
	if err != nil {
		t.Fatal(err)
	}
	books, _ := res.Results[0].Get("books")
	var titles []string
	for _, b := range books.([]models.Model) {
		title, _ := b.Get("title")
		titles = append(titles, title.(string))
	}
	if diff := cmp.Diff([]string{"Invisible Cities", "Six Memos"}, titles); diff != "" {
		t.Errorf("books (-want +got):\n%s", diff)
	}
}

func TestParseSchemaErrors(t *testing.T) {
	tests := []struct {
		name   string
		schema string
		check  func(error) bool
	}{
		{"not yaml", "models: [", func(err error) bool { return err != nil }},
		{"unknown field key", `
models:
  - name: A
    fields:
      - {name: id, kind: text, colour: red}
`, func(err error) bool { return err != nil && strings.Contains(err.Error(), "colour") }},
		{"bad kind", `
models:
  - name: A
    fields:
      - {name: id, kind: blob}
`, func(err error) bool { return errors.Is(err, models.ErrMetadata) }},
		{"fixture for unknown model", `
models:
  - name: A
    fields:
      - {name: id, kind: text}
fixtures:
  B:
    - {id: x}
`, func(err error) bool { return errors.Is(err, models.ErrNotRegistered) }},
		{"invalid fixture", `
models:
  - name: A
    fields:
      - {name: id, kind: text, required: true}
fixtures:
  A:
    - {other: x}
`, func(err error) bool { return errors.Is(err, models.ErrValidation) }},
		{"fixtures not a mapping", `
models:
  - name: A
    fields:
      - {name: id, kind: text}
fixtures: [1, 2]
`, func(err error) bool { return err != nil && strings.Contains(err.Error(), "mapping") }},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			_, err := directors.ParseSchema(t.Context(), []byte(tt.schema), newSchemaManager(t), nil)
			if !tt.check(err) {
				t.Fatalf("unexpected error %v", err)
			}
		})
	}
}
