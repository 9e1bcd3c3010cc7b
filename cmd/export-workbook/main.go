package main

import (
	"flag"
	"fmt"
	"os"
	"strconv"
	"strings"

	"github.com/theimaginaryfoundation/journal-prep/preprocess"
	"github.com/theimaginaryfoundation/journal-prep/preprocess/config"
	"github.com/theimaginaryfoundation/journal-prep/preprocess/fileutils"
	"github.com/theimaginaryfoundation/journal-prep/preprocess/pipeline"
	"github.com/theimaginaryfoundation/journal-prep/preprocess/workbook"
)

const defaultWorkbook = "final_datasets.xlsx"

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

	out, rows, err := export(cfg, study)
	if err != nil {
		fmt.Fprintln(os.Stderr, err.Error())
		os.Exit(1)
	}
	fmt.Fprintf(os.Stdout, "rows_written=%d out=%s\n", rows, out)
}

func parseFlags(fs *flag.FlagSet, args []string) (Config, error) {
	cfg := defaultConfig()
	fs.SetOutput(os.Stderr)

	fs.StringVar(&cfg.ConfigPath, "config", cfg.ConfigPath, "Study config YAML (missing file means defaults)")
	fs.StringVar(&cfg.CoreDir, "core-dir", cfg.CoreDir, "Study root (overrides config and "+config.EnvCoreDir+")")
	fs.StringVar(&cfg.OutPath, "out", cfg.OutPath, "Output workbook (default: <processed_dir>/"+defaultWorkbook+")")
	fs.BoolVar(&cfg.WithStatus, "with-status", cfg.WithStatus, "Also export the status-merged journal and utterance tables")

	if err := fs.Parse(args); err != nil {
		return Config{}, err
	}
	return cfg, nil
}

type source struct {
	sheet string
	file  string
}

// export copies the final CSV outputs into one workbook, one sheet per file.
func export(cfg Config, study *config.Config) (string, int, error) {
	sources := []source{
		{"Participants", pipeline.File13Participants},
		{"Journals", pipeline.File14JournalsFinal},
		{"Utterances", pipeline.File15UtterancesFinal},
	}
	if cfg.WithStatus {
		sources = append(sources,
			source{"JournalsStatus", pipeline.File11JournalsStatus},
			source{"UtterancesStatus", pipeline.File12UttStatus},
		)
	}

	var (
		sheets []workbook.Sheet
		total  int
	)
	for _, s := range sources {
		path := study.ProcessedFile(s.file)
		t, err := fileutils.ReadCSV(path)
		if err != nil {
			return "", 0, fmt.Errorf("export: %s: %w", s.file, err)
		}
		sheets = append(sheets, workbook.Sheet{
			Name:    s.sheet,
			Header:  t.Header,
			Rows:    t.Rows,
			Numeric: numericColumns(t.Header, t.Rows),
		})
		total += len(t.Rows)
	}

	out := cfg.OutPath
	if out == "" {
		out = study.ProcessedFile(defaultWorkbook)
	}
	if err := workbook.WriteSheets(out, sheets); err != nil {
		return "", 0, err
	}
	return out, total, nil
}

// Identifier columns stay text even when every value is digits.
var textColumns = map[string]bool{
	preprocess.ColPID:        true,
	preprocess.ColEntryID:    true,
	preprocess.ColUttID:      true,
	preprocess.ColTelegramID: true,
	preprocess.ColSummaryID:  true,
}

// numericColumns returns the columns whose non-blank cells all parse as numbers.
func numericColumns(header []string, rows [][]string) []string {
	var out []string
	for i, h := range header {
		if textColumns[h] {
			continue
		}
		seen := false
		numeric := true
		for _, r := range rows {
			if i >= len(r) {
				continue
			}
			v := strings.TrimSpace(r[i])
			if v == "" {
				continue
			}
			if _, err := strconv.ParseFloat(v, 64); err != nil {
				numeric = false
				break
			}
			seen = true
		}
		if numeric && seen {
			out = append(out, h)
		}
	}
	return out
}
