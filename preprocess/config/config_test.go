package config

import (
	"os"
	"path/filepath"
	"testing"

	"github.com/google/go-cmp/cmp"
)

func TestLoad_MissingFileGivesDefaults(t *testing.T) {
	cfg, err := Load(filepath.Join(t.TempDir(), "nope.yaml"))
	if err != nil {
		t.Fatalf("Load: %v", err)
	}
	if err := cfg.Validate(); err != nil {
		t.Fatalf("defaults should validate: %v", err)
	}
	if cfg.Filter.MinEntries != 6 || cfg.Filter.MinWordCount != 4 {
		t.Fatalf("filter=%+v", cfg.Filter)
	}
	if len(cfg.Waves) != 3 || cfg.Waves[0].EmailColumn != "intro-email" {
		t.Fatalf("waves=%+v", cfg.Waves)
	}
}

func TestLoad_OverridesAndEnv(t *testing.T) {
	dir := t.TempDir()
	path := filepath.Join(dir, "journal-prep.yaml")
	yml := `
core_dir: /data/study
anonymise:
  concurrency: 8
filter:
  min_entries: 3
  exclude_summaries_from_output: true
collect:
  status_sheet:
    spreadsheet_id: abc
    range: "Sign Ups!A:Z"
text:
  boilerplate: []
`
	if err := os.WriteFile(path, []byte(yml), 0o644); err != nil {
		t.Fatalf("write: %v", err)
	}
	t.Setenv(EnvCoreDir, "/override")

	cfg, err := Load(path)
	if err != nil {
		t.Fatalf("Load: %v", err)
	}
	if cfg.CoreDir != "/override" {
		t.Fatalf("CoreDir=%q, want /override", cfg.CoreDir)
	}
	if cfg.Anonymise.Concurrency != 8 || cfg.Anonymise.Model == "" {
		t.Fatalf("anonymise=%+v", cfg.Anonymise)
	}
	opts := cfg.FilterOptions()
	if opts.MinEntries != 3 || !opts.ExcludeSummariesFromOutput || opts.MinWordCount != 4 {
		t.Fatalf("filter=%+v", opts)
	}
	if cfg.Collect.Status.KeyColumn != "Email" || cfg.Collect.Status.SpreadsheetID != "abc" {
		t.Fatalf("status sheet=%+v", cfg.Collect.Status)
	}
	rules, err := cfg.Boilerplate()
	if err != nil || len(rules) != 0 {
		t.Fatalf("boilerplate=%v err=%v, want none", rules, err)
	}
	if got, want := cfg.ProcessedFile("13_participants_final_filtered.csv"), "/override/processed/13_participants_final_filtered.csv"; got != want {
		t.Fatalf("ProcessedFile=%q, want %q", got, want)
	}
	if got, want := cfg.Ledger(), "/override/processed/audit.db"; got != want {
		t.Fatalf("Ledger=%q, want %q", got, want)
	}
}

func TestConfig_Validate(t *testing.T) {
	t.Parallel()

	cases := map[string]func(c *Config){
		"no core dir":     func(c *Config) { c.CoreDir = "" },
		"dup wave":        func(c *Config) { c.Waves = append(c.Waves, c.Waves[1]) },
		"no email column": func(c *Config) { c.Waves[0].EmailColumn = "" },
		"bad pattern":     func(c *Config) { c.Text.Boilerplate = []BoilerplateRule{{Pattern: "("}} },
		"zero workers":    func(c *Config) { c.Anonymise.Concurrency = 0 },
		"bad log level":   func(c *Config) { c.LogLevel = "loud" },
		"no exit prefix":  func(c *Config) { c.Filter.ExitPrefix = "" },
	}
	for name, mutate := range cases {
		t.Run(name, func(t *testing.T) {
			t.Parallel()
			c := Default()
			mutate(c)
			if err := c.Validate(); err == nil {
				t.Fatalf("expected error")
			}
		})
	}
}

func TestConfig_WaveSpecsAndPullOptions(t *testing.T) {
	t.Parallel()

	c := Default()
	c.CoreDir = "/study"
	specs, paths := c.WaveSpecs()
	if len(specs) != 3 || specs[1].Prefix != "B" {
		t.Fatalf("specs=%+v", specs)
	}
	if diff := cmp.Diff([]string{
		"/study/raw/qualtrics/Prescreening.csv",
		"/study/raw/qualtrics/Baseline.csv",
		"/study/raw/qualtrics/Exit.csv",
	}, paths); diff != "" {
		t.Fatalf("paths (-want +got):\n%s", diff)
	}

	c.Collect.StatusWorkbook = "signups.xlsx"
	p := c.PullOptions(map[string]string{"Baseline": "SV_b", "Exit": "", "Other": "SV_x"})
	if diff := cmp.Diff(map[string]string{"Baseline": "SV_b"}, p.Surveys); diff != "" {
		t.Fatalf("surveys (-want +got):\n%s", diff)
	}
	if p.StatusWorkbook != "/study/config/signups.xlsx" || p.StatusPath != "/study/config/study_outcome_by_email.json" {
		t.Fatalf("pull options=%+v", p)
	}
}

func TestConfig_SaveRoundTrip(t *testing.T) {
	t.Parallel()

	path := filepath.Join(t.TempDir(), "sub", "cfg.yaml")
	c := Default()
	c.Filter.MinEntries = 9
	if err := c.Save(path); err != nil {
		t.Fatalf("Save: %v", err)
	}
	got, err := Load(path)
	if err != nil {
		t.Fatalf("Load: %v", err)
	}
	if got.Filter.MinEntries != 9 {
		t.Fatalf("MinEntries=%d, want 9", got.Filter.MinEntries)
	}
}

func TestNewLogger(t *testing.T) {
	t.Parallel()

	if _, err := NewLogger("debug"); err != nil {
		t.Fatalf("NewLogger: %v", err)
	}
	if _, err := NewLogger("shout"); err == nil {
		t.Fatalf("expected level error")
	}
}
