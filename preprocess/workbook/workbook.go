package workbook

import (
	"errors"
	"fmt"
	"strconv"

	"github.com/xuri/excelize/v2"

	"github.com/theimaginaryfoundation/journal-prep/preprocess/fileutils"
)

// Sheet is one worksheet of tabular data.
type Sheet struct {
	Name   string
	Header []string
	Rows   [][]string

	// Numeric lists columns written as numbers when the cell parses as one. Blank cells stay blank.
	Numeric []string
}

// WriteSheets writes sheets in order to a new workbook at path, replacing any existing file.
func WriteSheets(path string, sheets []Sheet) error {
	if len(sheets) == 0 {
		return errors.New("WriteSheets: no sheets")
	}
	f := excelize.NewFile()
	defer f.Close()

	const defaultSheet = "Sheet1"
	for i, s := range sheets {
		if s.Name == "" {
			return fmt.Errorf("WriteSheets: sheet %d has no name", i)
		}
		if _, err := f.NewSheet(s.Name); err != nil {
			return fmt.Errorf("WriteSheets: new sheet %s: %w", s.Name, err)
		}
		if err := writeSheet(f, s); err != nil {
			return fmt.Errorf("WriteSheets: %s: %w", s.Name, err)
		}
	}
	if sheets[0].Name != defaultSheet {
		if err := f.DeleteSheet(defaultSheet); err != nil {
			return fmt.Errorf("WriteSheets: %w", err)
		}
	}
	if idx, err := f.GetSheetIndex(sheets[0].Name); err == nil && idx >= 0 {
		f.SetActiveSheet(idx)
	}

	buf, err := f.WriteToBuffer()
	if err != nil {
		return fmt.Errorf("WriteSheets: encode: %w", err)
	}
	if err := fileutils.WriteFileAtomicSameDir(path, buf.Bytes(), 0o644); err != nil {
		return fmt.Errorf("WriteSheets: write: %w", err)
	}
	return nil
}

func writeSheet(f *excelize.File, s Sheet) error {
	sw, err := f.NewStreamWriter(s.Name)
	if err != nil {
		return err
	}
	numeric := make(map[int]bool, len(s.Numeric))
	for _, n := range s.Numeric {
		for i, h := range s.Header {
			if h == n {
				numeric[i] = true
			}
		}
	}

	if err := sw.SetPanes(&excelize.Panes{Freeze: true, YSplit: 1, TopLeftCell: "A2", ActivePane: "bottomLeft"}); err != nil {
		return err
	}

	header := make([]any, len(s.Header))
	for i, h := range s.Header {
		header[i] = h
	}
	if err := sw.SetRow("A1", header); err != nil {
		return err
	}
	for r, row := range s.Rows {
		cell, err := excelize.CoordinatesToCellName(1, r+2)
		if err != nil {
			return err
		}
		vals := make([]any, len(row))
		for i, v := range row {
			vals[i] = v
			if numeric[i] && v != "" {
				if n, err := strconv.ParseFloat(v, 64); err == nil {
					vals[i] = n
				}
			}
		}
		if err := sw.SetRow(cell, vals); err != nil {
			return err
		}
	}
	return sw.Flush()
}

// ReadSheet returns the rows of the named sheet, or of the first sheet when name is empty.
func ReadSheet(path, name string) ([][]string, error) {
	f, err := excelize.OpenFile(path)
	if err != nil {
		return nil, fmt.Errorf("ReadSheet: open: %w", err)
	}
	defer f.Close()
	if name == "" {
		list := f.GetSheetList()
		if len(list) == 0 {
			return nil, errors.New("ReadSheet: workbook has no sheets")
		}
		name = list[0]
	}
	rows, err := f.GetRows(name)
	if err != nil {
		return nil, fmt.Errorf("ReadSheet: %s: %w", name, err)
	}
	return rows, nil
}
