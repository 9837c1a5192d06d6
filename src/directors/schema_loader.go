package directors

import (
	"context"
	"fmt"

	"github.com/go-viper/mapstructure/v2"
	"github.com/spf13/afero"
	"go.uber.org/zap"
	"gopkg.in/yaml.v3"

	"modeldb/src/helpers"
	"modeldb/src/models"
)

/*
	A schema file declares models and, optionally, fixture records that are
	created through the normal pipeline once every model is registered:

	models:
	  - name: User
	    fields:
	      - {name: id, kind: autoNumber, primaryKey: true}
	      - {name: email, kind: email, required: true}
	fixtures:
	  User:
	    - {email: ada@example.com}
*/

type schemaModel struct {
	Name      string           `yaml:"name"`
	Backend   string           `yaml:"backend"`
	Transient bool             `yaml:"transient"`
	Fields    []map[string]any `yaml:"fields"`
}

type schemaFile struct {
	Models []schemaModel `yaml:"models"`
	// Fixtures is kept as a node so records are created in file order.
	Fixtures yaml.Node `yaml:"fixtures"`
}

// LoadedSchema summarizes what LoadSchema registered and created.
type LoadedSchema struct {
	Models   []*models.ModelMeta
	Fixtures map[string]int
}

// LoadSchema registers the models declared in the YAML file at path and creates its fixtures.
func LoadSchema(ctx context.Context, fs afero.Fs, path string, manager *ModelManager, logger *zap.SugaredLogger) (*LoadedSchema, error) {
	data, err := helpers.ReadDataFile(fs, path)
	if err != nil {
		return nil, err
	}
	return ParseSchema(ctx, data, manager, logger)
}

// ParseSchema is LoadSchema for an in-memory document.
func ParseSchema(ctx context.Context, data []byte, manager *ModelManager, logger *zap.SugaredLogger) (*LoadedSchema, error) {
	if logger == nil {
		logger = zap.NewNop().Sugar()
	}

	var doc schemaFile
	if err := yaml.Unmarshal(data, &doc); err != nil {
		return nil, fmt.Errorf("failed to parse schema: %w", err)
	}

	loaded := &LoadedSchema{Fixtures: make(map[string]int)}
	for _, sm := range doc.Models {
		def := models.ModelDefinition{
			Name:      sm.Name,
			Backend:   sm.Backend,
			Transient: sm.Transient,
			Fields:    make([]models.FieldDescriptor, len(sm.Fields)),
		}
		for i, raw := range sm.Fields {
			if err := decodeField(raw, &def.Fields[i]); err != nil {
				return nil, fmt.Errorf("model %s field %d: %w", sm.Name, i, err)
			}
		}
		meta, err := manager.Register(def)
		if err != nil {
			return nil, err
		}
		loaded.Models = append(loaded.Models, meta)
	}

	if err := createFixtures(ctx, &doc.Fixtures, manager, loaded); err != nil {
		return nil, err
	}
	logger.Infow("Loaded schema", "models", len(loaded.Models), "fixtures", loaded.Fixtures)
	return loaded, nil
}

func decodeField(raw map[string]any, out *models.FieldDescriptor) error {
	dec, err := mapstructure.NewDecoder(&mapstructure.DecoderConfig{
		Result:      out,
		ErrorUnused: true,
	})
	if err != nil {
		return err
	}
	return dec.Decode(raw)
}

func createFixtures(ctx context.Context, node *yaml.Node, manager *ModelManager, loaded *LoadedSchema) error {
	if node.Kind == 0 {
		return nil
	}
	if node.Kind != yaml.MappingNode {
		return fmt.Errorf("fixtures must be a mapping of model name to records")
	}
	for i := 0; i+1 < len(node.Content); i += 2 {
		name := node.Content[i].Value
		var records []map[string]any
		if err := node.Content[i+1].Decode(&records); err != nil {
			return fmt.Errorf("fixtures for %s: %w", name, err)
		}
		meta, err := manager.GetModelMeta(name)
		if err != nil {
			return err
		}
		for j, values := range records {
			inst := meta.New()
			for field, v := range values {
				inst.Set(field, v)
			}
			if _, err := manager.Create(ctx, inst); err != nil {
				return fmt.Errorf("fixture %d of %s: %w", j, name, err)
			}
			loaded.Fixtures[name]++
		}
	}
	return nil
}
