package collect

import (
	"bufio"
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"regexp"
	"sort"
	"strconv"
	"time"

	"github.com/theimaginaryfoundation/journal-prep/preprocess/fileutils"
)

// BotTables are the bot server tables the pipeline reads.
var BotTables = []string{"tsj_usertable", "tsj_journals_saved", "tsj_gptsummaries"}

// BotTableKeys names the unique key each table is paged by. Tables without a known key are
// paged in server order.
var BotTableKeys = map[string]string{
	"tsj_usertable":      "TelegramID",
	"tsj_journals_saved": "JournalUniqueID",
}

const botPageSize = 200

var tableName = regexp.MustCompile(`^[A-Za-z0-9_]+$`)

// BotClient reads tables from the bot server's SQL-over-HTTP endpoint.
type BotClient struct {
	HTTP  *http.Client
	URL   string
	Auth  string
	Waits []time.Duration
	// Keys overrides BotTableKeys.
	Keys map[string]string
}

func NewBotClient(c Credentials) (*BotClient, error) {
	if !c.HasBot() {
		return nil, errors.New("NewBotClient: bot credentials are incomplete")
	}
	return &BotClient{HTTP: &http.Client{Timeout: 2 * time.Minute}, URL: c.BotSQLURL, Auth: c.BotAuth}, nil
}

// Query runs one statement and returns rows with every value rendered as a string.
func (b *BotClient) Query(ctx context.Context, query string) ([]map[string]string, error) {
	if b == nil || b.HTTP == nil {
		return nil, errors.New("Query: client is nil")
	}
	waits := b.Waits
	if waits == nil {
		waits = DefaultWaits
	}
	var rows []map[string]string
	err := withRetry(ctx, waits, func() error {
		body, err := json.Marshal(map[string]string{"query": query})
		if err != nil {
			return err
		}
		req, err := http.NewRequestWithContext(ctx, http.MethodPost, b.URL, bytes.NewReader(body))
		if err != nil {
			return err
		}
		req.Header.Set("Content-Type", "application/json")
		req.Header.Set("auth", b.Auth)
		resp, err := b.HTTP.Do(req)
		if err != nil {
			return err
		}
		defer resp.Body.Close()
		if resp.StatusCode/100 != 2 {
			return statusError("bot query", resp)
		}
		rows, err = decodeRowArray(resp.Body)
		return err
	})
	if err != nil {
		return nil, fmt.Errorf("Query: %w", err)
	}
	return rows, nil
}

// Count returns the row count of table.
func (b *BotClient) Count(ctx context.Context, table string) (int, error) {
	if !tableName.MatchString(table) {
		return 0, fmt.Errorf("Count: invalid table name %q", table)
	}
	rows, err := b.Query(ctx, "SELECT COUNT(*) FROM "+table)
	if err != nil {
		return 0, fmt.Errorf("Count %s: %w", table, err)
	}
	if len(rows) != 1 {
		return 0, fmt.Errorf("Count %s: got %d rows", table, len(rows))
	}
	for _, v := range rows[0] {
		n, err := strconv.Atoi(v)
		if err != nil {
			return 0, fmt.Errorf("Count %s: %w", table, err)
		}
		return n, nil
	}
	return 0, fmt.Errorf("Count %s: empty row", table)
}

// pageQuery selects one page of table, ordered by the table's key when one is known so pages
// neither overlap nor skip rows.
func (b *BotClient) pageQuery(table string, offset int) string {
	keys := b.Keys
	if keys == nil {
		keys = BotTableKeys
	}
	order := ""
	if k := keys[table]; k != "" && tableName.MatchString(k) {
		order = " ORDER BY " + k
	}
	return fmt.Sprintf("SELECT * FROM %s%s LIMIT %d OFFSET %d", table, order, botPageSize, offset)
}

// ExportTable pages through table and writes it to dest as CSV with sorted columns.
func (b *BotClient) ExportTable(ctx context.Context, table, dest string) (int, error) {
	n, err := b.Count(ctx, table)
	if err != nil {
		return 0, fmt.Errorf("ExportTable: %w", err)
	}
	var all []map[string]string
	cols := map[string]struct{}{}
	for offset := 0; offset < n; offset += botPageSize {
		page, err := b.Query(ctx, b.pageQuery(table, offset))
		if err != nil {
			return 0, fmt.Errorf("ExportTable %s: offset %d: %w", table, offset, err)
		}
		if len(page) == 0 {
			break
		}
		for _, r := range page {
			for k := range r {
				cols[k] = struct{}{}
			}
		}
		all = append(all, page...)
	}

	header := make([]string, 0, len(cols))
	for c := range cols {
		header = append(header, c)
	}
	sort.Strings(header)
	rows := make([][]string, 0, len(all))
	for _, r := range all {
		rec := make([]string, len(header))
		for i, c := range header {
			rec[i] = r[c]
		}
		rows = append(rows, rec)
	}
	if err := fileutils.WriteCSVAtomic(dest, header, rows); err != nil {
		return 0, fmt.Errorf("ExportTable %s: %w", table, err)
	}
	return len(rows), nil
}

// decodeRowArray streams a JSON array of flat objects.
func decodeRowArray(r io.Reader) ([]map[string]string, error) {
	dec := json.NewDecoder(bufio.NewReaderSize(r, 1<<16))
	dec.UseNumber()

	tok, err := dec.Token()
	if err != nil {
		return nil, fmt.Errorf("read array start: %w", err)
	}
	if d, ok := tok.(json.Delim); !ok || d != '[' {
		return nil, fmt.Errorf("expected JSON array, got %v", tok)
	}
	var out []map[string]string
	for dec.More() {
		var obj map[string]any
		if err := dec.Decode(&obj); err != nil {
			return nil, fmt.Errorf("decode row %d: %w", len(out)+1, err)
		}
		row := make(map[string]string, len(obj))
		for k, v := range obj {
			row[k] = cellString(v)
		}
		out = append(out, row)
	}
	if _, err := dec.Token(); err != nil {
		return nil, fmt.Errorf("read array end: %w", err)
	}
	return out, nil
}

func cellString(v any) string {
	switch x := v.(type) {
	case nil:
		return ""
	case string:
		return x
	case json.Number:
		return x.String()
	case bool:
		return strconv.FormatBool(x)
	}
	b, err := json.Marshal(v)
	if err != nil {
		return fmt.Sprint(v)
	}
	return string(b)
}
