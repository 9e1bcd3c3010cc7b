package main

import (
	"errors"

	"github.com/theimaginaryfoundation/journal-prep/preprocess/config"
)

type Config struct {
	ConfigPath string
	CoreDir    string
	// OutPath defaults to <processed_dir>/final_datasets.xlsx.
	OutPath string
	// WithStatus adds the status-merged tables (11 and 12) as extra sheets.
	WithStatus bool
}

func (c Config) Validate() error {
	if c.ConfigPath == "" {
		return errors.New("missing -config")
	}
	return nil
}

func defaultConfig() Config {
	return Config{ConfigPath: config.DefaultPath}
}
