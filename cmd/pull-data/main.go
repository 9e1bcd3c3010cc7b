package main

import (
	"context"
	"errors"
	"flag"
	"fmt"
	"os"
	"os/signal"
	"syscall"

	"go.uber.org/zap"

	"github.com/theimaginaryfoundation/journal-prep/preprocess/collect"
	"github.com/theimaginaryfoundation/journal-prep/preprocess/config"
	"github.com/theimaginaryfoundation/journal-prep/preprocess/fileutils"
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
	if cfg.CoreDir != "" {
		study.CoreDir = cfg.CoreDir
	}
	if cfg.LogLevel != "" {
		study.LogLevel = cfg.LogLevel
	}
	if cfg.StatusWorkbook != "" {
		study.Collect.StatusWorkbook = cfg.StatusWorkbook
	}
	if err := study.Validate(); err != nil {
		fmt.Fprintln(os.Stderr, err.Error())
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

	rep, err := pull(ctx, cfg, study, logger)
	if err != nil {
		fmt.Fprintln(os.Stderr, err.Error())
		_ = logger.Sync()
		os.Exit(1)
	}
	rows := 0
	for _, n := range rep.Tables {
		rows += n
	}
	fmt.Fprintf(os.Stdout, "surveys=%d tables=%d table_rows=%d status_rows=%d group_rows=%d\n",
		len(rep.Surveys), len(rep.Tables), rows, rep.StatusRows, rep.GroupRows)
}

func parseFlags(fs *flag.FlagSet, args []string) (Config, error) {
	cfg := defaultConfig()
	fs.SetOutput(os.Stderr)

	fs.StringVar(&cfg.ConfigPath, "config", cfg.ConfigPath, "Study config YAML (missing file means defaults)")
	fs.StringVar(&cfg.CoreDir, "core-dir", cfg.CoreDir, "Study root (overrides config and "+config.EnvCoreDir+")")
	fs.StringVar(&cfg.CredsPath, "creds", cfg.CredsPath, "Credentials JSON (default: <config_dir>/"+config.FileCreds+")")
	fs.StringVar(&cfg.LogLevel, "log-level", cfg.LogLevel, "Log level: debug|info|warn|error (overrides config)")
	fs.StringVar(&cfg.StatusWorkbook, "status-workbook", cfg.StatusWorkbook, "Local xlsx copy of the status sheet, read instead of the Sheets API")

	if err := fs.Parse(args); err != nil {
		return Config{}, err
	}
	return cfg, nil
}

// pull fetches every source the credentials cover. Without a credentials file only a local status
// workbook can be read.
func pull(ctx context.Context, cfg Config, study *config.Config, logger *zap.Logger) (collect.PullReport, error) {
	credsPath := cfg.CredsPath
	if credsPath == "" {
		credsPath = study.ConfigFile(config.FileCreds)
	}
	var creds collect.Credentials
	if fileutils.FileExists(credsPath) {
		c, err := collect.LoadCredentials(credsPath)
		if err != nil {
			return collect.PullReport{}, err
		}
		creds = c
	} else if study.Collect.StatusWorkbook == "" {
		return collect.PullReport{}, fmt.Errorf("pull: %w: %s", errNoCredentials, credsPath)
	} else {
		logger.Warn("no credentials file, reading the status workbook only", zap.String("path", credsPath))
	}

	col, err := collect.NewCollector(ctx, creds, logger)
	if err != nil {
		return collect.PullReport{}, err
	}
	return col.Pull(ctx, study.PullOptions(creds.QualtricsSurveyIDs))
}

var errNoCredentials = errors.New("missing credentials file")
