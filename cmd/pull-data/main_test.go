package main

import (
	"context"
	"errors"
	"flag"
	"testing"

	"go.uber.org/zap"

	"github.com/theimaginaryfoundation/journal-prep/preprocess/config"
	"github.com/theimaginaryfoundation/journal-prep/preprocess/fileutils"
	"github.com/theimaginaryfoundation/journal-prep/preprocess/workbook"
)

func TestParseFlags_Overrides(t *testing.T) {
	t.Parallel()

	fs := flag.NewFlagSet("pull-data", flag.ContinueOnError)
	cfg, err := parseFlags(fs, []string{"-core-dir", "study", "-creds", "c.json", "-status-workbook", "status.xlsx"})
	if err != nil {
		t.Fatalf("parseFlags: %v", err)
	}
	if cfg.CoreDir != "study" {
		t.Fatalf("CoreDir=%q, want study", cfg.CoreDir)
	}
	if cfg.CredsPath != "c.json" {
		t.Fatalf("CredsPath=%q, want c.json", cfg.CredsPath)
	}
	if cfg.StatusWorkbook != "status.xlsx" {
		t.Fatalf("StatusWorkbook=%q, want status.xlsx", cfg.StatusWorkbook)
	}
	if err := cfg.Validate(); err != nil {
		t.Fatalf("Validate: %v", err)
	}
}

func TestPull_NoCredentials(t *testing.T) {
	t.Parallel()

	study := config.Default()
	study.CoreDir = t.TempDir()
	_, err := pull(context.Background(), defaultConfig(), study, zap.NewNop())
	if !errors.Is(err, errNoCredentials) {
		t.Fatalf("err=%v, want errNoCredentials", err)
	}
}

func TestPull_StatusWorkbookOnly(t *testing.T) {
	t.Parallel()

	study := config.Default()
	study.CoreDir = t.TempDir()
	study.Collect.StatusWorkbook = "status.xlsx"
	if err := workbook.WriteSheets(study.ConfigFile("status.xlsx"), []workbook.Sheet{{
		Name:   "Outcomes",
		Header: []string{"Email", "Category"},
		Rows:   [][]string{{"a@example.com", "Eligible"}, {"b@example.com", "Withdrawn"}},
	}}); err != nil {
		t.Fatalf("WriteSheets: %v", err)
	}

	rep, err := pull(context.Background(), defaultConfig(), study, zap.NewNop())
	if err != nil {
		t.Fatalf("pull: %v", err)
	}
	if rep.StatusRows != 2 {
		t.Fatalf("StatusRows=%d, want 2", rep.StatusRows)
	}
	status, err := fileutils.LoadStringMap(study.ConfigFile(config.FileStatusByEmail))
	if err != nil {
		t.Fatalf("LoadStringMap: %v", err)
	}
	if status["b@example.com"] != "Withdrawn" {
		t.Fatalf("status=%v, want b@example.com=Withdrawn", status)
	}
}
