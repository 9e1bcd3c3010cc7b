package collect

import (
	"archive/zip"
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"path"
	"strings"
	"time"

	"golang.org/x/oauth2"
	"golang.org/x/oauth2/clientcredentials"

	"github.com/theimaginaryfoundation/journal-prep/preprocess/fileutils"
)

// QualtricsClient exports survey responses as CSV through the v3 export API.
type QualtricsClient struct {
	HTTP    *http.Client
	BaseURL string

	// PollInterval is the wait between export progress checks (defaults to 2s).
	PollInterval time.Duration
	// MaxPolls bounds progress checks per export (defaults to 900).
	MaxPolls int
	Waits    []time.Duration
}

// NewQualtricsClient authenticates with OAuth client credentials. baseURL overrides
// https://<datacenter>.qualtrics.com when set.
func NewQualtricsClient(ctx context.Context, c Credentials, baseURL string) (*QualtricsClient, error) {
	if !c.HasQualtrics() {
		return nil, errors.New("NewQualtricsClient: qualtrics credentials are incomplete")
	}
	if baseURL == "" {
		baseURL = "https://" + c.QualtricsDatacenterID + ".qualtrics.com"
	}
	baseURL = strings.TrimRight(baseURL, "/")
	cc := clientcredentials.Config{
		ClientID:     c.QualtricsClientID,
		ClientSecret: c.QualtricsClientSecret,
		TokenURL:     baseURL + "/oauth2/token",
		Scopes:       []string{"manage:all"},
		AuthStyle:    oauth2.AuthStyleInHeader,
	}
	httpClient := cc.Client(ctx)
	httpClient.Timeout = 2 * time.Minute
	return &QualtricsClient{HTTP: httpClient, BaseURL: baseURL}, nil
}

type qualtricsEnvelope struct {
	Result struct {
		ProgressID      string  `json:"progressId"`
		PercentComplete float64 `json:"percentComplete"`
		Status          string  `json:"status"`
		FileID          string  `json:"fileId"`
	} `json:"result"`
}

// ExportSurvey runs one export and writes the unzipped CSV to dest.
func (q *QualtricsClient) ExportSurvey(ctx context.Context, surveyID, dest string) error {
	if q == nil || q.HTTP == nil {
		return errors.New("ExportSurvey: client is nil")
	}
	if surveyID == "" {
		return errors.New("ExportSurvey: survey id is empty")
	}
	poll := q.PollInterval
	if poll <= 0 {
		poll = 2 * time.Second
	}
	maxPolls := q.MaxPolls
	if maxPolls <= 0 {
		maxPolls = 900
	}
	waits := q.Waits
	if waits == nil {
		waits = DefaultWaits
	}
	base := q.BaseURL + "/API/v3/surveys/" + surveyID + "/export-responses/"

	var start qualtricsEnvelope
	err := withRetry(ctx, waits, func() error {
		return q.doJSON(ctx, http.MethodPost, base, map[string]any{"format": "csv", "useLabels": true}, &start)
	})
	if err != nil {
		return fmt.Errorf("ExportSurvey %s: start: %w", surveyID, err)
	}
	if start.Result.ProgressID == "" {
		return fmt.Errorf("ExportSurvey %s: start: no progress id", surveyID)
	}

	var fileID string
	for i := 0; fileID == ""; i++ {
		if i >= maxPolls {
			return fmt.Errorf("ExportSurvey %s: export did not complete after %d checks", surveyID, maxPolls)
		}
		var prog qualtricsEnvelope
		err := withRetry(ctx, waits, func() error {
			return q.doJSON(ctx, http.MethodGet, base+start.Result.ProgressID, nil, &prog)
		})
		if err != nil {
			return fmt.Errorf("ExportSurvey %s: progress: %w", surveyID, err)
		}
		switch prog.Result.Status {
		case "complete":
			fileID = prog.Result.FileID
			if fileID == "" {
				return fmt.Errorf("ExportSurvey %s: complete without file id", surveyID)
			}
			continue
		case "failed":
			return fmt.Errorf("ExportSurvey %s: export failed", surveyID)
		}
		t := time.NewTimer(poll)
		select {
		case <-ctx.Done():
			t.Stop()
			return ctx.Err()
		case <-t.C:
		}
	}

	var archive []byte
	err = withRetry(ctx, waits, func() error {
		b, err := q.get(ctx, base+fileID+"/file")
		archive = b
		return err
	})
	if err != nil {
		return fmt.Errorf("ExportSurvey %s: download: %w", surveyID, err)
	}
	csvBytes, err := firstCSVInZip(archive)
	if err != nil {
		return fmt.Errorf("ExportSurvey %s: %w", surveyID, err)
	}
	if err := fileutils.WriteFileAtomicSameDir(dest, csvBytes, 0o644); err != nil {
		return fmt.Errorf("ExportSurvey %s: write: %w", surveyID, err)
	}
	return nil
}

func (q *QualtricsClient) doJSON(ctx context.Context, method, url string, body any, out any) error {
	var rd io.Reader
	if body != nil {
		b, err := json.Marshal(body)
		if err != nil {
			return err
		}
		rd = bytes.NewReader(b)
	}
	req, err := http.NewRequestWithContext(ctx, method, url, rd)
	if err != nil {
		return err
	}
	req.Header.Set("Accept", "application/json")
	if body != nil {
		req.Header.Set("Content-Type", "application/json")
	}
	resp, err := q.HTTP.Do(req)
	if err != nil {
		return err
	}
	defer resp.Body.Close()
	if resp.StatusCode/100 != 2 {
		return statusError("qualtrics "+method, resp)
	}
	return json.NewDecoder(resp.Body).Decode(out)
}

func (q *QualtricsClient) get(ctx context.Context, url string) ([]byte, error) {
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, url, nil)
	if err != nil {
		return nil, err
	}
	resp, err := q.HTTP.Do(req)
	if err != nil {
		return nil, err
	}
	defer resp.Body.Close()
	if resp.StatusCode/100 != 2 {
		return nil, statusError("qualtrics GET", resp)
	}
	return io.ReadAll(resp.Body)
}

func statusError(op string, resp *http.Response) error {
	b, _ := io.ReadAll(io.LimitReader(resp.Body, 512))
	return &StatusError{Op: op, Code: resp.StatusCode, Body: fileutils.Truncate(string(b), 200)}
}

func firstCSVInZip(b []byte) ([]byte, error) {
	zr, err := zip.NewReader(bytes.NewReader(b), int64(len(b)))
	if err != nil {
		return nil, fmt.Errorf("open zip: %w", err)
	}
	for _, f := range zr.File {
		if !strings.EqualFold(path.Ext(f.Name), ".csv") {
			continue
		}
		rc, err := f.Open()
		if err != nil {
			return nil, fmt.Errorf("open %s: %w", f.Name, err)
		}
		defer rc.Close()
		return io.ReadAll(rc)
	}
	return nil, errors.New("zip has no csv file")
}
