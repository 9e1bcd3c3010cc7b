package collect

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"net/http"
	"net/url"
	"strings"
	"time"

	"golang.org/x/oauth2"
	"golang.org/x/oauth2/google"
)

const sheetsScope = "https://www.googleapis.com/auth/spreadsheets.readonly"

// SheetSpec locates a two-column key/value table in a spreadsheet.
type SheetSpec struct {
	SpreadsheetID string `yaml:"spreadsheet_id"`
	// Range is an A1 range including the header row, e.g. "Sign Ups!A:Z".
	Range       string `yaml:"range"`
	KeyColumn   string `yaml:"key_column"`
	ValueColumn string `yaml:"value_column"`
}

func (s SheetSpec) Enabled() bool { return s.SpreadsheetID != "" && s.Range != "" }

// SheetsClient reads cell values through the Sheets v4 REST API.
type SheetsClient struct {
	HTTP    *http.Client
	BaseURL string
	Waits   []time.Duration
}

// NewSheetsClient authenticates with a service-account key file.
func NewSheetsClient(ctx context.Context, keyJSON []byte) (*SheetsClient, error) {
	creds, err := google.CredentialsFromJSON(ctx, keyJSON, sheetsScope)
	if err != nil {
		return nil, fmt.Errorf("NewSheetsClient: %w", err)
	}
	hc := oauth2.NewClient(ctx, creds.TokenSource)
	hc.Timeout = time.Minute
	return &SheetsClient{HTTP: hc}, nil
}

// Values returns the rows of rangeA1 as strings.
func (s *SheetsClient) Values(ctx context.Context, spreadsheetID, rangeA1 string) ([][]string, error) {
	if s == nil || s.HTTP == nil {
		return nil, errors.New("Values: client is nil")
	}
	base := s.BaseURL
	if base == "" {
		base = "https://sheets.googleapis.com/v4/spreadsheets"
	}
	endpoint := strings.TrimRight(base, "/") + "/" + url.PathEscape(spreadsheetID) + "/values/" + url.PathEscape(rangeA1)
	waits := s.Waits
	if waits == nil {
		// Sheets quota errors clear within a minute.
		waits = []time.Duration{30 * time.Second, 30 * time.Second, 30 * time.Second}
	}

	var body struct {
		Values [][]any `json:"values"`
	}
	err := withRetry(ctx, waits, func() error {
		req, err := http.NewRequestWithContext(ctx, http.MethodGet, endpoint, nil)
		if err != nil {
			return err
		}
		resp, err := s.HTTP.Do(req)
		if err != nil {
			return err
		}
		defer resp.Body.Close()
		if resp.StatusCode/100 != 2 {
			return statusError("sheets values", resp)
		}
		return json.NewDecoder(resp.Body).Decode(&body)
	})
	if err != nil {
		return nil, fmt.Errorf("Values: %w", err)
	}
	out := make([][]string, 0, len(body.Values))
	for _, r := range body.Values {
		row := make([]string, len(r))
		for i, v := range r {
			row[i] = cellString(v)
		}
		out = append(out, row)
	}
	return out, nil
}

// KeyValue builds key -> value from rows whose first row is the header. Rows with an empty key
// are skipped; later rows win.
func KeyValue(rows [][]string, keyCol, valCol string) (map[string]string, error) {
	if len(rows) == 0 {
		return map[string]string{}, nil
	}
	ki, vi := -1, -1
	for i, h := range rows[0] {
		switch strings.TrimSpace(h) {
		case keyCol:
			ki = i
		case valCol:
			vi = i
		}
	}
	if ki < 0 || vi < 0 {
		return nil, fmt.Errorf("KeyValue: header lacks %q or %q", keyCol, valCol)
	}
	out := make(map[string]string, len(rows)-1)
	for _, r := range rows[1:] {
		if ki >= len(r) {
			continue
		}
		k := strings.TrimSpace(r[ki])
		if k == "" {
			continue
		}
		v := ""
		if vi < len(r) {
			v = strings.TrimSpace(r[vi])
		}
		out[k] = v
	}
	return out, nil
}
