package collect

import (
	"context"
	"errors"
	"fmt"
	"path/filepath"
	"sort"
	"time"

	"go.uber.org/zap"

	"github.com/theimaginaryfoundation/journal-prep/preprocess/fileutils"
	"github.com/theimaginaryfoundation/journal-prep/preprocess/workbook"
)

// PullOptions says what to fetch and where to put it.
type PullOptions struct {
	// QualtricsDir receives one <wave>.csv per survey.
	QualtricsDir string
	// Surveys maps output file stem (wave name) to Qualtrics survey ID.
	Surveys map[string]string

	// BotDir receives one <table>.csv per bot table plus info.txt.
	BotDir    string
	BotTables []string

	// StatusPath and GroupPath receive email -> value JSON maps.
	StatusPath string
	GroupPath  string
	Status     SheetSpec
	Groups     SheetSpec

	// StatusWorkbook, when set, is a local xlsx copy of the status sheet read instead of the API.
	StatusWorkbook      string
	StatusWorkbookSheet string
}

// PullReport lists what a pull wrote.
type PullReport struct {
	Surveys    []string
	Tables     map[string]int
	StatusRows int
	GroupRows  int
}

// Collector fetches raw inputs from the survey platform, the bot server and the study sheets.
// A nil client skips its source.
type Collector struct {
	Qualtrics *QualtricsClient
	Bot       *BotClient
	Sheets    *SheetsClient
	Logger    *zap.Logger
	Now       func() time.Time
}

// NewCollector builds clients for every source the credentials cover.
func NewCollector(ctx context.Context, creds Credentials, logger *zap.Logger) (*Collector, error) {
	c := &Collector{Logger: logger}
	var err error
	if creds.HasQualtrics() {
		if c.Qualtrics, err = NewQualtricsClient(ctx, creds, ""); err != nil {
			return nil, err
		}
	}
	if creds.HasBot() {
		if c.Bot, err = NewBotClient(creds); err != nil {
			return nil, err
		}
	}
	if creds.HasServiceAccount() {
		if c.Sheets, err = NewSheetsClient(ctx, creds.Raw); err != nil {
			return nil, err
		}
	}
	return c, nil
}

func (c *Collector) logger() *zap.Logger {
	if c.Logger == nil {
		return zap.NewNop()
	}
	return c.Logger
}

// Pull fetches every configured source. The first failing source aborts the pull.
func (c *Collector) Pull(ctx context.Context, opts PullOptions) (PullReport, error) {
	if ctx == nil {
		return PullReport{}, errors.New("Pull: ctx is nil")
	}
	log := c.logger()
	rep := PullReport{Tables: map[string]int{}}

	if c.Qualtrics != nil && len(opts.Surveys) > 0 {
		waves := make([]string, 0, len(opts.Surveys))
		for w := range opts.Surveys {
			waves = append(waves, w)
		}
		sort.Strings(waves)
		for _, w := range waves {
			dest := filepath.Join(opts.QualtricsDir, w+".csv")
			start := time.Now()
			if err := c.Qualtrics.ExportSurvey(ctx, opts.Surveys[w], dest); err != nil {
				return rep, fmt.Errorf("Pull: %w", err)
			}
			log.Info("survey exported", zap.String("wave", w), zap.String("path", dest), zap.Duration("took", time.Since(start)))
			rep.Surveys = append(rep.Surveys, w)
		}
	}

	if c.Bot != nil {
		tables := opts.BotTables
		if len(tables) == 0 {
			tables = BotTables
		}
		for _, t := range tables {
			dest := filepath.Join(opts.BotDir, t+".csv")
			n, err := c.Bot.ExportTable(ctx, t, dest)
			if err != nil {
				return rep, fmt.Errorf("Pull: %w", err)
			}
			log.Info("bot table exported", zap.String("table", t), zap.Int("rows", n))
			rep.Tables[t] = n
		}
		now := time.Now
		if c.Now != nil {
			now = c.Now
		}
		info := "pulled_at=" + now().UTC().Format(time.RFC3339) + "\n"
		if err := fileutils.WriteFileAtomicSameDir(filepath.Join(opts.BotDir, "info.txt"), []byte(info), 0o644); err != nil {
			return rep, fmt.Errorf("Pull: info.txt: %w", err)
		}
	}

	status, err := c.statusTable(ctx, opts)
	if err != nil {
		return rep, fmt.Errorf("Pull: status: %w", err)
	}
	if status != nil {
		if err := fileutils.SaveStringMap(opts.StatusPath, status); err != nil {
			return rep, fmt.Errorf("Pull: %w", err)
		}
		rep.StatusRows = len(status)
		log.Info("status sheet saved", zap.Int("rows", len(status)))
	}

	if c.Sheets != nil && opts.Groups.Enabled() {
		rows, err := c.Sheets.Values(ctx, opts.Groups.SpreadsheetID, opts.Groups.Range)
		if err != nil {
			return rep, fmt.Errorf("Pull: groups: %w", err)
		}
		groups, err := KeyValue(rows, opts.Groups.KeyColumn, opts.Groups.ValueColumn)
		if err != nil {
			return rep, fmt.Errorf("Pull: groups: %w", err)
		}
		if err := fileutils.SaveStringMap(opts.GroupPath, groups); err != nil {
			return rep, fmt.Errorf("Pull: %w", err)
		}
		rep.GroupRows = len(groups)
		log.Info("group sheet saved", zap.Int("rows", len(groups)))
	}
	return rep, nil
}

func (c *Collector) statusTable(ctx context.Context, opts PullOptions) (map[string]string, error) {
	switch {
	case opts.StatusWorkbook != "":
		rows, err := workbook.ReadSheet(opts.StatusWorkbook, opts.StatusWorkbookSheet)
		if err != nil {
			return nil, err
		}
		return KeyValue(rows, opts.Status.KeyColumn, opts.Status.ValueColumn)
	case c.Sheets != nil && opts.Status.Enabled():
		rows, err := c.Sheets.Values(ctx, opts.Status.SpreadsheetID, opts.Status.Range)
		if err != nil {
			return nil, err
		}
		return KeyValue(rows, opts.Status.KeyColumn, opts.Status.ValueColumn)
	}
	return nil, nil
}
