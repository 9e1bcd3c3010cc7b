package fileutils

import (
	"os"
	"path/filepath"
	"strings"
	"testing"
)

func TestStringMap_MissingFileAndRoundTripIsStable(t *testing.T) {
	t.Parallel()

	dir := t.TempDir()
	path := filepath.Join(dir, "config", "email_pid.json")

	m, err := LoadStringMap(path)
	if err != nil {
		t.Fatalf("load missing: %v", err)
	}
	if len(m) != 0 {
		t.Fatalf("len=%d, want 0", len(m))
	}

	m["b@example.org"] = "P0002"
	m["a@example.org"] = "P0001"
	if err := SaveStringMap(path, m); err != nil {
		t.Fatalf("save: %v", err)
	}
	first, err := os.ReadFile(path)
	if err != nil {
		t.Fatalf("read: %v", err)
	}
	if !strings.HasPrefix(string(first), "{\n  \"a@example.org\"") {
		t.Fatalf("keys not sorted: %q", string(first))
	}

	again, err := LoadStringMap(path)
	if err != nil {
		t.Fatalf("reload: %v", err)
	}
	if err := SaveStringMap(path, again); err != nil {
		t.Fatalf("resave: %v", err)
	}
	second, _ := os.ReadFile(path)
	if string(first) != string(second) {
		t.Fatalf("resave changed bytes:\n%s\n---\n%s", first, second)
	}
}

func TestParseCSV_BOMAndRaggedRows(t *testing.T) {
	t.Parallel()

	in := "\ufeffEmail,StartDate,PHQ9_1\na@x.org,2023-06-28 17:45:27\n"
	tab, err := ParseCSV(strings.NewReader(in))
	if err != nil {
		t.Fatalf("parse: %v", err)
	}
	if !tab.Has("Email") {
		t.Fatalf("header=%q, want Email without BOM", tab.Header)
	}
	if len(tab.Rows) != 1 {
		t.Fatalf("rows=%d, want 1", len(tab.Rows))
	}
	if got := tab.Value(tab.Rows[0], "PHQ9_1"); got != "" {
		t.Fatalf("padded cell=%q, want empty", got)
	}
	if got := tab.Value(tab.Rows[0], "Missing"); got != "" {
		t.Fatalf("absent column=%q, want empty", got)
	}
	if err := tab.Require("Email", "Nope"); err == nil {
		t.Fatalf("expected missing column error")
	}
}

func TestWriteCSVAtomic_ReadBack(t *testing.T) {
	t.Parallel()

	path := filepath.Join(t.TempDir(), "out.csv")
	header := []string{"ParticipantID", "Content"}
	rows := [][]string{{"P0001", "line one\nline \"two\""}}
	if err := WriteCSVAtomic(path, header, rows); err != nil {
		t.Fatalf("write: %v", err)
	}
	tab, err := ReadCSV(path)
	if err != nil {
		t.Fatalf("read: %v", err)
	}
	if got := tab.Value(tab.Rows[0], "Content"); got != rows[0][1] {
		t.Fatalf("Content=%q, want %q", got, rows[0][1])
	}

	if err := WriteCSVAtomic(path, header, [][]string{{"short"}}); err == nil {
		t.Fatalf("expected field count error")
	}
}

func TestDecodeModelJSON_ExtractsWrappedObject(t *testing.T) {
	t.Parallel()

	var out struct {
		Entities []string `json:"entities"`
	}
	if err := DecodeModelJSON("Sure! ```json\n{\"entities\":[\"Anna\"]}\n```", &out); err != nil {
		t.Fatalf("decode: %v", err)
	}
	if len(out.Entities) != 1 || out.Entities[0] != "Anna" {
		t.Fatalf("entities=%v", out.Entities)
	}
	if err := DecodeModelJSON("   ", &out); err == nil {
		t.Fatalf("expected error for empty output")
	}
}
