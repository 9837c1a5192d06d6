package main

import (
	"context"
	"encoding/json"
	"flag"
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"time"

	"github.com/spf13/afero"
	"go.uber.org/zap"

	"modeldb/src/auth"
	"modeldb/src/directors"
	"modeldb/src/engine"
	"modeldb/src/helpers"
	"modeldb/src/models"
	"modeldb/src/settings"
)

// printUsage prints helpful usage information
func printUsage() {
	fmt.Fprintln(os.Stderr, "modeldb - declarative models over pluggable storage backends")
	fmt.Fprintln(os.Stderr, "\nUsage:")
	fmt.Fprintln(os.Stderr, "  modeldb [options]")
	fmt.Fprintln(os.Stderr, "\nOptions:")
	flag.PrintDefaults()

	fmt.Fprintln(os.Stderr, "\nExamples:")
	fmt.Fprintln(os.Stderr, `  modeldb --schema=blog.yaml --model=Post --query='{"where":{"id":{"_gt":1}},"related":["author"]}'`)
	fmt.Fprintln(os.Stderr, "  modeldb --config=modeldb.yaml --snapshot=blog.bson --save")
}

func main() {
	args := settings.Default()

	var model, query string
	var save bool

	flag.StringVar(&args.DataDir, "datadir", args.DataDir, "Directory to store snapshots")
	flag.StringVar(&args.LogDir, "logdir", args.LogDir, "Directory to store log files (default: stdout only)")
	flag.StringVar(&args.JournalDir, "journaldir", args.JournalDir, "Directory to store mutation journals (default: no journal)")
	flag.StringVar(&args.ConfigFile, "config", "", "Path to YAML config file")
	flag.StringVar(&args.SchemaFile, "schema", args.SchemaFile, "Path to YAML schema with models and fixtures")
	flag.StringVar(&args.SnapshotFile, "snapshot", args.SnapshotFile, "BSON snapshot below the data directory, restored at startup when present")
	flag.DurationVar(&args.SimulatedLatency, "latency", args.SimulatedLatency, "Simulated latency of every backend call")
	flag.BoolVar(&args.HashPasswords, "hash", args.HashPasswords, "Hash password fields with argon2id")
	flag.StringVar(&args.DefaultBackend, "backend", args.DefaultBackend, "Name the in-memory backend is registered under")
	flag.BoolVar(&args.Verbose, "verbose", args.Verbose, "Enable verbose logging")
	flag.BoolVar(&args.PrintToScreen, "print", args.PrintToScreen, "Print log messages to screen")
	flag.BoolVar(&args.Debug, "debug", args.Debug, "Enable debug mode")
	flag.StringVar(&model, "model", "", "Model to read")
	flag.StringVar(&query, "query", "{}", "Read options as JSON")
	flag.BoolVar(&save, "save", false, "Write the snapshot file before exiting")
	flag.Usage = printUsage
	flag.Parse()

	fs := afero.NewOsFs()

	// Flags given on the command line win over the config file.
	if args.ConfigFile != "" {
		if err := settings.LoadConfigFile(fs, args.ConfigFile, args); err != nil {
			fmt.Fprintf(os.Stderr, "Error: %s\n\n", err)
			os.Exit(1)
		}
		flag.CommandLine.Parse(os.Args[1:])
	}

	if err := settings.Validate(fs, args); err != nil {
		fmt.Fprintf(os.Stderr, "Error: %s\n\n", err)
		printUsage()
		os.Exit(1)
	}

	logger, err := buildLogger(args)
	if err != nil {
		fmt.Fprintf(os.Stderr, "Failed to initialize logger: %v\n", err)
		os.Exit(1)
	}
	defer logger.Sync()
	sugar := logger.Sugar()

	if args.Verbose {
		sugar.Infow("modeldb starting",
			"dataDir", args.DataDir,
			"logDir", args.LogDir,
			"journalDir", args.JournalDir,
			"schema", args.SchemaFile,
			"snapshot", args.SnapshotFile,
			"latency", args.SimulatedLatency,
			"hashPasswords", args.HashPasswords)
	}

	if err := run(context.Background(), fs, args, sugar, model, query, save); err != nil {
		sugar.Errorw("modeldb failed", "error", err)
		os.Exit(1)
	}
}

// buildLogger configures zap: a development logger in debug mode and a production
// logger otherwise, optionally teeing into a timestamped file below LogDir.
func buildLogger(args *settings.Arguments) (*zap.Logger, error) {
	var z zap.Config
	if args.Debug {
		z = zap.NewDevelopmentConfig()
	} else {
		z = zap.NewProductionConfig()
	}

	z.OutputPaths = nil
	if args.PrintToScreen || args.LogDir == "" {
		z.OutputPaths = append(z.OutputPaths, "stdout")
	}
	if args.LogDir != "" {
		timestamp := time.Now().Format("2006-01-02_15-04-05")
		z.OutputPaths = append(z.OutputPaths, filepath.Join(args.LogDir, timestamp+"_modeldb.log"))
	}

	logger, err := z.Build()
	if err != nil {
		return nil, err
	}
	zap.ReplaceGlobals(logger)
	return logger, nil
}

func run(ctx context.Context, fs afero.Fs, args *settings.Arguments, logger *zap.SugaredLogger, model, query string, save bool) error {
	var opts []engine.MemoryOption
	if args.SimulatedLatency > 0 {
		opts = append(opts, engine.WithLatency(args.SimulatedLatency))
	}
	if args.HashPasswords {
		opts = append(opts, engine.WithPasswordHasher(auth.NewPasswordHasher()))
	}
	if args.JournalDir != "" {
		journal, err := engine.NewJournal(fs, filepath.Join(args.JournalDir, "modeldb"), logger)
		if err != nil {
			return err
		}
		defer journal.Close()
		opts = append(opts, engine.WithJournal(journal))
	}
	store := engine.NewMemoryStore(logger, opts...)

	manager := directors.NewModelManager(logger)
	for _, name := range []string{models.DefaultBackendName, args.DefaultBackend} {
		if err := manager.RegisterBackend(name, store); err != nil {
			return err
		}
	}

	if args.SchemaFile != "" {
		if _, err := directors.LoadSchema(ctx, fs, args.SchemaFile, manager, logger); err != nil {
			return fmt.Errorf("failed to load schema: %w", err)
		}
	}

	snapshot := args.SnapshotFile
	if snapshot != "" && !filepath.IsAbs(snapshot) {
		snapshot = filepath.Join(args.DataDir, snapshot)
	}
	if snapshot != "" && helpers.FileExists(fs, snapshot, logger) {
		if err := store.LoadSnapshot(fs, snapshot); err != nil {
			return fmt.Errorf("failed to restore snapshot: %w", err)
		}
	}

	if model != "" {
		if err := readAndPrint(ctx, manager, model, query); err != nil {
			return err
		}
	} else {
		logger.Infow("Models registered", "models", manager.Models())
	}

	if save {
		if snapshot == "" {
			return fmt.Errorf("--save needs --snapshot")
		}
		return store.SaveSnapshot(fs, snapshot)
	}
	return nil
}

func readAndPrint(ctx context.Context, manager *directors.ModelManager, model, query string) error {
	// Numbers stay json.Number so large integer keys are matched exactly.
	dec := json.NewDecoder(strings.NewReader(query))
	dec.UseNumber()
	var raw map[string]any
	if err := dec.Decode(&raw); err != nil {
		return fmt.Errorf("invalid --query: %w", err)
	}
	opts, err := models.DecodeReadOptions(raw)
	if err != nil {
		return err
	}

	res, readErr := manager.Read(ctx, model, opts)
	out, err := json.MarshalIndent(res, "", "  ")
	if err != nil {
		return err
	}
	fmt.Println(string(out))
	return readErr
}
