package main

import (
	"context"
	"flag"
	"fmt"
	"io"
	"os"
	"os/signal"
	"slices"
	"syscall"

	"github.com/openai/openai-go"
	"github.com/openai/openai-go/option"
	"go.uber.org/zap"

	"github.com/theimaginaryfoundation/journal-prep/preprocess"
	"github.com/theimaginaryfoundation/journal-prep/preprocess/collect"
	"github.com/theimaginaryfoundation/journal-prep/preprocess/config"
	"github.com/theimaginaryfoundation/journal-prep/preprocess/fileutils"
	"github.com/theimaginaryfoundation/journal-prep/preprocess/ledger"
	"github.com/theimaginaryfoundation/journal-prep/preprocess/metrics"
	"github.com/theimaginaryfoundation/journal-prep/preprocess/pipeline"
	"github.com/theimaginaryfoundation/journal-prep/preprocess/provider"
)

func main() {
	cfg, err := parseFlags(flag.CommandLine, os.Args[1:])
	if err != nil {
		fmt.Fprintln(os.Stderr, err.Error())
		os.Exit(2)
	}
	if err := cfg.Validate(); err != nil {
		fmt.Fprintln(os.Stderr, err.Error())
		os.Exit(2)
	}

	study, err := config.Load(cfg.ConfigPath)
	if err != nil {
		fmt.Fprintln(os.Stderr, err.Error())
		os.Exit(2)
	}
	cfg.apply(study)
	if err := study.Validate(); err != nil {
		fmt.Fprintln(os.Stderr, err.Error())
		os.Exit(2)
	}
	stages, err := pipeline.SelectStages(cfg.OnlyStage, cfg.FromStage)
	if err != nil {
		fmt.Fprintln(os.Stderr, err.Error())
		os.Exit(2)
	}

	apiKey := cfg.APIKey
	if apiKey == "" {
		apiKey = os.Getenv("OPENAI_API_KEY")
	}
	if needsModel(stages) && apiKey == "" {
		fmt.Fprintln(os.Stderr, "missing OPENAI_API_KEY (or pass -api-key)")
		os.Exit(2)
	}

	logger, err := config.NewLogger(study.LogLevel)
	if err != nil {
		fmt.Fprintln(os.Stderr, err.Error())
		os.Exit(2)
	}
	defer func() { _ = logger.Sync() }()

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	var progress io.Writer = os.Stderr
	if cfg.Quiet {
		progress = io.Discard
	}
	reports, err := run(ctx, cfg, study, stages, apiKey, logger, progress)
	if err != nil {
		fmt.Fprintln(os.Stderr, err.Error())
		_ = logger.Sync()
		os.Exit(1)
	}

	flags := 0
	for _, r := range reports {
		flags += len(r.Flags)
	}
	fmt.Fprintf(os.Stdout, "stages_run=%d flags=%d processed_dir=%s\n", len(reports), flags, study.Processed())
}

func parseFlags(fs *flag.FlagSet, args []string) (Config, error) {
	cfg := defaultConfig()
	fs.SetOutput(os.Stderr)

	fs.StringVar(&cfg.ConfigPath, "config", cfg.ConfigPath, "Study config YAML (missing file means defaults)")
	fs.StringVar(&cfg.CoreDir, "core-dir", cfg.CoreDir, "Study root holding raw/, processed/ and config/ (overrides config and "+config.EnvCoreDir+")")
	fs.StringVar(&cfg.OnlyStage, "only-stage", cfg.OnlyStage, "Run exactly one stage: pull|identity|surveys|entries|anonymise|sentences|merge|status|final")
	fs.StringVar(&cfg.FromStage, "from-stage", cfg.FromStage, "Run this stage and every later one")
	fs.StringVar(&cfg.LogLevel, "log-level", cfg.LogLevel, "Log level: debug|info|warn|error (overrides config)")
	fs.StringVar(&cfg.APIKey, "api-key", "", "OpenAI API key (overrides OPENAI_API_KEY env var)")
	fs.StringVar(&cfg.Model, "model", cfg.Model, "Entity recognition model (overrides config)")
	fs.IntVar(&cfg.Concurrency, "concurrency", cfg.Concurrency, "Concurrent redaction requests (overrides config when > 0)")
	fs.BoolVar(&cfg.NoReuse, "no-reuse", cfg.NoReuse, "Redact every entry again instead of reusing the previous anonymised output")
	fs.StringVar(&cfg.CredsPath, "creds", cfg.CredsPath, "Credentials JSON for the pull stage (default: <config_dir>/"+config.FileCreds+")")
	fs.BoolVar(&cfg.ExcludeSummaries, "exclude-summaries", cfg.ExcludeSummaries, "Drop weekly summaries from the final journal and utterance outputs")
	fs.BoolVar(&cfg.NoLedger, "no-ledger", cfg.NoLedger, "Do not record the run in the audit database")
	fs.BoolVar(&cfg.NoMetrics, "no-metrics", cfg.NoMetrics, "Do not write the metrics textfile")
	fs.BoolVar(&cfg.Quiet, "quiet", cfg.Quiet, "Suppress per-stage progress lines on stderr")

	if err := fs.Parse(args); err != nil {
		return Config{}, err
	}
	return cfg, nil
}

func needsModel(stages []string) bool {
	return slices.Contains(stages, "anonymise")
}

// run wires the collaborators the selected stages need and executes them.
func run(ctx context.Context, cfg Config, study *config.Config, stages []string, apiKey string, logger *zap.Logger, progress io.Writer) ([]preprocess.Report, error) {
	deps := pipeline.Deps{Logger: logger, Progress: progress}

	if needsModel(stages) {
		client := openai.NewClient(option.WithAPIKey(apiKey))
		deps.Names, deps.Full = pipeline.ModelRedactors(&client, study.Anonymise)
	}
	if slices.Contains(stages, "sentences") {
		seg, err := provider.NewPunktSegmenter()
		if err != nil {
			return nil, err
		}
		deps.Segmenter = seg
	}
	if slices.Contains(stages, "pull") {
		credsPath := cfg.CredsPath
		if credsPath == "" {
			credsPath = study.ConfigFile(config.FileCreds)
		}
		if fileutils.FileExists(credsPath) {
			creds, err := collect.LoadCredentials(credsPath)
			if err != nil {
				return nil, err
			}
			col, err := collect.NewCollector(ctx, creds, logger)
			if err != nil {
				return nil, err
			}
			deps.Collector = col
			deps.SurveyIDs = creds.QualtricsSurveyIDs
		} else {
			logger.Info("no credentials file", zap.String("path", credsPath))
		}
	}
	if path := study.Ledger(); path != "" {
		l, err := ledger.Open(ctx, path)
		if err != nil {
			return nil, err
		}
		defer l.Close()
		deps.Ledger = l
	}
	if study.Metrics() != "" {
		deps.Metrics = metrics.New()
	}

	runner, err := pipeline.New(study, deps)
	if err != nil {
		return nil, err
	}
	return runner.Run(ctx, stages)
}
