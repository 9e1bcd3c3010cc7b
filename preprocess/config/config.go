package config

import (
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"regexp"
	"strings"

	"gopkg.in/yaml.v3"

	"github.com/theimaginaryfoundation/journal-prep/preprocess"
	"github.com/theimaginaryfoundation/journal-prep/preprocess/collect"
)

// EnvCoreDir overrides core_dir when set.
const EnvCoreDir = "JOURNAL_PREP_CORE_DIR"

// DefaultPath is the config file looked up when no -config flag is given.
const DefaultPath = "journal-prep.yaml"

// Config holds the shared pipeline settings.
type Config struct {
	// CoreDir is the study data root. Relative directories below resolve against it.
	CoreDir      string `yaml:"core_dir"`
	RawDir       string `yaml:"raw_dir"`
	ProcessedDir string `yaml:"processed_dir"`
	ConfigDir    string `yaml:"config_dir"`

	Identity  IdentityConfig  `yaml:"identity"`
	Waves     []WaveConfig    `yaml:"waves"`
	Text      TextConfig      `yaml:"text"`
	Anonymise AnonymiseConfig `yaml:"anonymise"`
	Filter    FilterConfig    `yaml:"filter"`
	Collect   CollectConfig   `yaml:"collect"`

	// LedgerPath and MetricsPath resolve against ProcessedDir. Empty disables them.
	LedgerPath  string `yaml:"ledger_path"`
	MetricsPath string `yaml:"metrics_path"`

	LogLevel string `yaml:"log_level"`
}

type IdentityConfig struct {
	PIDPrefix        string   `yaml:"pid_prefix"`
	PIDWidth         int      `yaml:"pid_width"`
	ExcludedSuffixes []string `yaml:"excluded_suffixes"`
	ExcludedEmails   []string `yaml:"excluded_emails"`
}

// WaveConfig describes one survey export under raw/qualtrics.
type WaveConfig struct {
	Name            string `yaml:"name"`
	Prefix          string `yaml:"prefix"`
	File            string `yaml:"file"`
	EmailColumn     string `yaml:"email_column"`
	TimestampColumn string `yaml:"timestamp_column"`
	HeaderRows      int    `yaml:"header_rows"`
}

type BoilerplateRule struct {
	Pattern string `yaml:"pattern"`
	With    string `yaml:"with"`
}

// TextConfig lists cleanup rules. Nil keeps the built-in rules; an empty list disables them.
type TextConfig struct {
	Boilerplate []BoilerplateRule `yaml:"boilerplate,omitempty"`
}

type AnonymiseConfig struct {
	Model           string   `yaml:"model"`
	MaxOutputTokens int64    `yaml:"max_output_tokens"`
	NameCategories  []string `yaml:"name_categories"`
	AllCategories   []string `yaml:"all_categories"`
	Ignore          []string `yaml:"ignore"`
	Concurrency     int      `yaml:"concurrency"`
	// Reuse keeps rows of an earlier run whose content is unchanged.
	Reuse bool `yaml:"reuse"`
}

type FilterConfig struct {
	RequiredScores             []string `yaml:"required_scores"`
	NonZeroScores              []string `yaml:"non_zero_scores"`
	MinWordCount               int      `yaml:"min_word_count"`
	MinEntries                 int      `yaml:"min_entries"`
	CountSummaries             bool     `yaml:"count_summaries"`
	EligibleStatuses           []string `yaml:"eligible_statuses"`
	ChangeInstruments          []string `yaml:"change_instruments"`
	BaselinePrefix             string   `yaml:"baseline_prefix"`
	ExitPrefix                 string   `yaml:"exit_prefix"`
	ExcludeSummariesFromOutput bool     `yaml:"exclude_summaries_from_output"`
}

type CollectConfig struct {
	BotTables           []string          `yaml:"bot_tables"`
	Status              collect.SheetSpec `yaml:"status_sheet"`
	Groups              collect.SheetSpec `yaml:"group_sheet"`
	StatusWorkbook      string            `yaml:"status_workbook"`
	StatusWorkbookSheet string            `yaml:"status_workbook_sheet"`
}

// Default returns the study defaults.
func Default() *Config {
	f := preprocess.DefaultFilterOptions()
	return &Config{
		CoreDir:      ".",
		RawDir:       "raw",
		ProcessedDir: "processed",
		ConfigDir:    "config",
		Identity: IdentityConfig{
			PIDPrefix:        "P",
			PIDWidth:         4,
			ExcludedSuffixes: []string{"prolific.com"},
		},
		Waves: []WaveConfig{
			{Name: "Prescreening", Prefix: "P", File: "Prescreening.csv", EmailColumn: "intro-email", TimestampColumn: "StartDate", HeaderRows: 2},
			{Name: "Baseline", Prefix: "B", File: "Baseline.csv", EmailColumn: "Email", TimestampColumn: "StartDate", HeaderRows: 2},
			{Name: "Exit", Prefix: "E", File: "Exit.csv", EmailColumn: "Email", TimestampColumn: "StartDate", HeaderRows: 2},
		},
		Anonymise: AnonymiseConfig{
			Model:           "gpt-5-mini",
			MaxOutputTokens: 2000,
			NameCategories:  append([]string(nil), preprocess.NameCategories...),
			AllCategories:   append([]string(nil), preprocess.AllCategories...),
			Ignore:          []string{"bot", "boti"},
			Concurrency:     4,
			Reuse:           true,
		},
		Filter: FilterConfig{
			RequiredScores:             f.RequiredScores,
			NonZeroScores:              f.NonZeroScores,
			MinWordCount:               f.MinWordCount,
			MinEntries:                 f.MinEntries,
			CountSummaries:             f.CountSummaries,
			EligibleStatuses:           f.EligibleStatuses,
			ChangeInstruments:          f.ChangeInstruments,
			BaselinePrefix:             f.BaselinePrefix,
			ExitPrefix:                 f.ExitPrefix,
			ExcludeSummariesFromOutput: f.ExcludeSummariesFromOutput,
		},
		Collect: CollectConfig{
			BotTables: append([]string(nil), collect.BotTables...),
			Status:    collect.SheetSpec{KeyColumn: "Email", ValueColumn: "Category"},
			Groups:    collect.SheetSpec{KeyColumn: "Email", ValueColumn: "Group"},
		},
		LedgerPath:  "audit.db",
		MetricsPath: "pipeline.prom",
		LogLevel:    "info",
	}
}

// Load reads path over the defaults. A missing file yields the defaults.
func Load(path string) (*Config, error) {
	cfg := Default()
	if path != "" {
		data, err := os.ReadFile(path)
		switch {
		case errors.Is(err, os.ErrNotExist):
		case err != nil:
			return nil, fmt.Errorf("Load: read: %w", err)
		default:
			if err := yaml.Unmarshal(data, cfg); err != nil {
				return nil, fmt.Errorf("Load: parse %s: %w", path, err)
			}
		}
	}
	if v := strings.TrimSpace(os.Getenv(EnvCoreDir)); v != "" {
		cfg.CoreDir = v
	}
	return cfg, nil
}

// Save writes c as YAML.
func (c *Config) Save(path string) error {
	data, err := yaml.Marshal(c)
	if err != nil {
		return fmt.Errorf("Save: marshal: %w", err)
	}
	if dir := filepath.Dir(path); dir != "" {
		if err := os.MkdirAll(dir, 0o755); err != nil {
			return fmt.Errorf("Save: mkdir: %w", err)
		}
	}
	if err := os.WriteFile(path, data, 0o644); err != nil {
		return fmt.Errorf("Save: write: %w", err)
	}
	return nil
}

// Validate rejects settings no stage can run with.
func (c *Config) Validate() error {
	if strings.TrimSpace(c.CoreDir) == "" {
		return errors.New("missing core_dir")
	}
	if c.Identity.PIDWidth < 0 {
		return errors.New("identity.pid_width must be >= 0")
	}
	seen := map[string]bool{}
	prefixes := map[string]bool{}
	for i, w := range c.Waves {
		switch {
		case strings.TrimSpace(w.Name) == "":
			return fmt.Errorf("waves[%d]: missing name", i)
		case strings.TrimSpace(w.Prefix) == "":
			return fmt.Errorf("waves[%d]: missing prefix", i)
		case strings.TrimSpace(w.File) == "":
			return fmt.Errorf("waves[%d]: missing file", i)
		case strings.TrimSpace(w.EmailColumn) == "":
			return fmt.Errorf("waves[%d]: missing email_column", i)
		case w.HeaderRows < 0:
			return fmt.Errorf("waves[%d]: header_rows must be >= 0", i)
		case seen[w.Name]:
			return fmt.Errorf("waves[%d]: duplicate name %q", i, w.Name)
		case prefixes[w.Prefix]:
			return fmt.Errorf("waves[%d]: duplicate prefix %q", i, w.Prefix)
		}
		seen[w.Name] = true
		prefixes[w.Prefix] = true
	}
	if _, err := c.Boilerplate(); err != nil {
		return err
	}
	if c.Anonymise.Concurrency < 1 {
		return errors.New("anonymise.concurrency must be >= 1")
	}
	if len(c.Anonymise.AllCategories) == 0 {
		return errors.New("anonymise.all_categories is empty")
	}
	if c.Filter.MinEntries < 0 || c.Filter.MinWordCount < 0 {
		return errors.New("filter thresholds must be >= 0")
	}
	if c.Filter.BaselinePrefix == "" || c.Filter.ExitPrefix == "" {
		return errors.New("filter.baseline_prefix and filter.exit_prefix are required")
	}
	if _, err := ParseLogLevel(c.LogLevel); err != nil {
		return err
	}
	return nil
}

func (c *Config) under(base, p string) string {
	if p == "" || filepath.IsAbs(p) {
		return p
	}
	return filepath.Join(base, p)
}

func (c *Config) Raw() string       { return c.under(c.CoreDir, c.RawDir) }
func (c *Config) Processed() string { return c.under(c.CoreDir, c.ProcessedDir) }
func (c *Config) ConfigFiles() string {
	return c.under(c.CoreDir, c.ConfigDir)
}

// QualtricsDir holds one export per wave.
func (c *Config) QualtricsDir() string { return filepath.Join(c.Raw(), "qualtrics") }

// BotDir holds the bot server tables.
func (c *Config) BotDir() string { return filepath.Join(c.Raw(), "bot") }

// ProcessedFile resolves a numbered output name.
func (c *Config) ProcessedFile(name string) string { return filepath.Join(c.Processed(), name) }

// ConfigFile resolves a persisted key/value map name.
func (c *Config) ConfigFile(name string) string { return filepath.Join(c.ConfigFiles(), name) }

// Ledger is the audit database path, or "" when disabled.
func (c *Config) Ledger() string { return c.under(c.Processed(), c.LedgerPath) }

// Metrics is the textfile metrics path, or "" when disabled.
func (c *Config) Metrics() string { return c.under(c.Processed(), c.MetricsPath) }

// IdentityOptions converts the identity settings. Aliases are loaded separately.
func (c *Config) IdentityOptions(aliases map[string]string) preprocess.IdentityOptions {
	return preprocess.IdentityOptions{
		PIDPrefix:        c.Identity.PIDPrefix,
		PIDWidth:         c.Identity.PIDWidth,
		Aliases:          aliases,
		ExcludedSuffixes: c.Identity.ExcludedSuffixes,
		ExcludedEmails:   c.Identity.ExcludedEmails,
	}
}

// WaveSpecs converts the wave list and pairs each spec with its export path.
func (c *Config) WaveSpecs() ([]preprocess.WaveSpec, []string) {
	specs := make([]preprocess.WaveSpec, 0, len(c.Waves))
	paths := make([]string, 0, len(c.Waves))
	for _, w := range c.Waves {
		specs = append(specs, preprocess.WaveSpec{
			Name:            w.Name,
			Prefix:          w.Prefix,
			EmailColumn:     w.EmailColumn,
			TimestampColumn: w.TimestampColumn,
			HeaderRows:      w.HeaderRows,
		})
		paths = append(paths, c.under(c.QualtricsDir(), w.File))
	}
	return specs, paths
}

// Boilerplate compiles the cleanup rules.
func (c *Config) Boilerplate() ([]preprocess.Replacement, error) {
	if c.Text.Boilerplate == nil {
		return preprocess.DefaultBoilerplate(), nil
	}
	out := make([]preprocess.Replacement, 0, len(c.Text.Boilerplate))
	for i, r := range c.Text.Boilerplate {
		re, err := regexp.Compile(r.Pattern)
		if err != nil {
			return nil, fmt.Errorf("text.boilerplate[%d]: %w", i, err)
		}
		out = append(out, preprocess.Replacement{Pattern: re, With: r.With})
	}
	return out, nil
}

// FilterOptions converts the final filter settings.
func (c *Config) FilterOptions() preprocess.FilterOptions {
	f := c.Filter
	return preprocess.FilterOptions{
		RequiredScores:             f.RequiredScores,
		NonZeroScores:              f.NonZeroScores,
		MinWordCount:               f.MinWordCount,
		CountSummaries:             f.CountSummaries,
		MinEntries:                 f.MinEntries,
		EligibleStatuses:           f.EligibleStatuses,
		ChangeInstruments:          f.ChangeInstruments,
		BaselinePrefix:             f.BaselinePrefix,
		ExitPrefix:                 f.ExitPrefix,
		ExcludeSummariesFromOutput: f.ExcludeSummariesFromOutput,
	}
}

// PullOptions converts the collection settings. Survey IDs come from the credentials file.
func (c *Config) PullOptions(surveyIDs map[string]string) collect.PullOptions {
	surveys := map[string]string{}
	for _, w := range c.Waves {
		if id, ok := surveyIDs[w.Name]; ok && id != "" {
			surveys[strings.TrimSuffix(w.File, filepath.Ext(w.File))] = id
		}
	}
	wb := c.Collect.StatusWorkbook
	if wb != "" && !filepath.IsAbs(wb) {
		wb = filepath.Join(c.ConfigFiles(), wb)
	}
	return collect.PullOptions{
		QualtricsDir:        c.QualtricsDir(),
		Surveys:             surveys,
		BotDir:              c.BotDir(),
		BotTables:           c.Collect.BotTables,
		StatusPath:          c.ConfigFile(FileStatusByEmail),
		GroupPath:           c.ConfigFile(FileGroupByEmail),
		Status:              c.Collect.Status,
		Groups:              c.Collect.Groups,
		StatusWorkbook:      wb,
		StatusWorkbookSheet: c.Collect.StatusWorkbookSheet,
	}
}

// Persisted maps under config/.
const (
	FileCreds         = "creds.json"
	FileEmailPID      = "email_pid.json"
	FileEmailAliases  = "email_matching.json"
	FileStatusByEmail = "study_outcome_by_email.json"
	FileStatusByPID   = "study_outcome_by_pid.json"
	FileGroupByEmail  = "study_group_by_email.json"
	FileGroupByPID    = "study_groups_by_pid.json"
)
