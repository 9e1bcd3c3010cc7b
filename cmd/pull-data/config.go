package main

import (
	"errors"

	"github.com/theimaginaryfoundation/journal-prep/preprocess/config"
)

type Config struct {
	ConfigPath string
	CoreDir    string
	CredsPath  string
	LogLevel   string
	// StatusWorkbook overrides collect.status_workbook.
	StatusWorkbook string
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
