package main

import (
	"errors"

	"github.com/theimaginaryfoundation/journal-prep/preprocess/config"
)

type Config struct {
	ConfigPath string
	CoreDir    string

	OnlyStage string
	FromStage string

	LogLevel string
	APIKey   string
	Model    string
	// Concurrency overrides anonymise.concurrency when > 0.
	Concurrency int
	NoReuse     bool

	CredsPath string

	ExcludeSummaries bool
	NoLedger         bool
	NoMetrics        bool
	Quiet            bool
}

func (c Config) Validate() error {
	if c.ConfigPath == "" {
		return errors.New("missing -config")
	}
	if c.OnlyStage != "" && c.FromStage != "" {
		return errors.New("use only one of -only-stage or -from-stage")
	}
	if c.Concurrency < 0 {
		return errors.New("-concurrency must be >= 0")
	}
	return nil
}

func defaultConfig() Config {
	return Config{
		ConfigPath: config.DefaultPath,
	}
}

// apply copies command-line overrides onto the study config.
func (c Config) apply(study *config.Config) {
	if c.CoreDir != "" {
		study.CoreDir = c.CoreDir
	}
	if c.LogLevel != "" {
		study.LogLevel = c.LogLevel
	}
	if c.Model != "" {
		study.Anonymise.Model = c.Model
	}
	if c.Concurrency > 0 {
		study.Anonymise.Concurrency = c.Concurrency
	}
	if c.NoReuse {
		study.Anonymise.Reuse = false
	}
	if c.ExcludeSummaries {
		study.Filter.ExcludeSummariesFromOutput = true
	}
	if c.NoLedger {
		study.LedgerPath = ""
	}
	if c.NoMetrics {
		study.MetricsPath = ""
	}
}
