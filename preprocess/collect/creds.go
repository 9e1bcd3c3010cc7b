package collect

import (
	"encoding/json"
	"fmt"
	"os"
)

// Credentials is config/creds.json. The same file doubles as the Google service-account key, so
// Raw keeps the original bytes.
type Credentials struct {
	QualtricsClientID     string            `json:"qualtrics_client_id"`
	QualtricsClientSecret string            `json:"qualtrics_client_secret"`
	QualtricsDatacenterID string            `json:"qualtrics_datacenter_id"`
	QualtricsSurveyIDs    map[string]string `json:"qualtrics_survey_ids"`

	BotSQLURL string `json:"onereach_sqlurl"`
	BotAuth   string `json:"authSQL"`

	// ServiceAccountType is "service_account" when the file carries a Google key.
	ServiceAccountType string `json:"type"`

	Raw []byte `json:"-"`
}

func LoadCredentials(path string) (Credentials, error) {
	b, err := os.ReadFile(path)
	if err != nil {
		return Credentials{}, fmt.Errorf("LoadCredentials: %w", err)
	}
	var c Credentials
	if err := json.Unmarshal(b, &c); err != nil {
		return Credentials{}, fmt.Errorf("LoadCredentials: unmarshal: %w", err)
	}
	c.Raw = b
	return c, nil
}

func (c Credentials) HasQualtrics() bool {
	return c.QualtricsClientID != "" && c.QualtricsClientSecret != "" && c.QualtricsDatacenterID != ""
}

func (c Credentials) HasBot() bool { return c.BotSQLURL != "" && c.BotAuth != "" }

func (c Credentials) HasServiceAccount() bool { return c.ServiceAccountType == "service_account" }
