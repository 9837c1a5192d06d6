package settings

import (
	"fmt"
	"time"

	"github.com/go-viper/mapstructure/v2"
	"github.com/spf13/afero"
	"gopkg.in/yaml.v3"

	"modeldb/src/models"
)

type Arguments struct {
	// The directory snapshots are written to
	DataDir string `mapstructure:"dataDir"`
	LogDir  string `mapstructure:"logDir"`
	// Journal files are kept here; empty disables the journal
	JournalDir   string `mapstructure:"journalDir"`
	SnapshotFile string `mapstructure:"snapshotFile"`
	SchemaFile   string `mapstructure:"schemaFile"`

	ConfigFile string `mapstructure:"-"`

	Debug         bool `mapstructure:"debug"`
	Verbose       bool `mapstructure:"verbose"`
	PrintToScreen bool `mapstructure:"printToScreen"`

	// Delay added to every in-memory backend call
	SimulatedLatency time.Duration `mapstructure:"simulatedLatency"`
	HashPasswords    bool          `mapstructure:"hashPasswords"`
	DefaultBackend   string        `mapstructure:"defaultBackend"`
}

// Default returns the arguments used when neither flags nor a config file set a value.
func Default() *Arguments {
	return &Arguments{
		DataDir:        "./datafiles",
		LogDir:         "",
		PrintToScreen:  true,
		HashPasswords:  true,
		DefaultBackend: models.DefaultBackendName,
	}
}

// LoadConfigFile overlays the YAML file at path onto args. Keys missing from the
// file leave the current values alone; unknown keys are an error.
func LoadConfigFile(fs afero.Fs, path string, args *Arguments) error {
	data, err := afero.ReadFile(fs, path)
	if err != nil {
		return fmt.Errorf("could not read config file: %w", err)
	}

	var raw map[string]any
	if err := yaml.Unmarshal(data, &raw); err != nil {
		return fmt.Errorf("could not parse config file %s: %w", path, err)
	}
	if raw == nil {
		return nil
	}

	dec, err := mapstructure.NewDecoder(&mapstructure.DecoderConfig{
		Result:      args,
		ErrorUnused: true,
		DecodeHook:  mapstructure.StringToTimeDurationHookFunc(),
	})
	if err != nil {
		return err
	}
	if err := dec.Decode(raw); err != nil {
		return fmt.Errorf("invalid config file %s: %w", path, err)
	}
	args.ConfigFile = path
	return nil
}

// Validate checks the arguments and creates missing directories.
func Validate(fs afero.Fs, args *Arguments) error {
	for _, dir := range []struct{ name, path string }{
		{"data", args.DataDir},
		{"journal", args.JournalDir},
		{"log", args.LogDir},
	} {
		if dir.path == "" {
			continue
		}
		info, err := fs.Stat(dir.path)
		switch {
		case err == nil && !info.IsDir():
			return fmt.Errorf("%s directory path exists but is not a directory: %s", dir.name, dir.path)
		case err == nil:
		default:
			if err := fs.MkdirAll(dir.path, 0755); err != nil {
				return fmt.Errorf("could not create %s directory: %w", dir.name, err)
			}
		}
	}

	if args.SchemaFile != "" {
		if _, err := fs.Stat(args.SchemaFile); err != nil {
			return fmt.Errorf("could not access schema file: %w", err)
		}
	}
	if args.SimulatedLatency < 0 {
		return fmt.Errorf("invalid simulated latency: %s (must not be negative)", args.SimulatedLatency)
	}
	if args.DefaultBackend == "" {
		return fmt.Errorf("default backend name must not be empty")
	}
	return nil
}
