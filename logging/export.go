package logging

import (
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"
)

// ExportFileName is the name of the file handed to whatever shares the logs.
const ExportFileName = "passportreader.log"

// MarshalExport renders entries as an indented UTF-8 JSON array.
func MarshalExport(entries []Entry) ([]byte, error) {
	if entries == nil {
		entries = []Entry{}
	}
	data, err := json.MarshalIndent(entries, "", "  ")
	if err != nil {
		return nil, fmt.Errorf("failed to marshal log entries: %w", err)
	}
	return data, nil
}

// WriteExport writes entries to ExportFileName inside dir, or the system temp dir when
// dir is empty, and returns the path of the written file.
func WriteExport(entries []Entry, dir string) (string, error) {
	data, err := MarshalExport(entries)
	if err != nil {
		return "", err
	}

	if dir == "" {
		dir = os.TempDir()
	}
	path := filepath.Join(dir, ExportFileName)

	if err := os.WriteFile(path, data, 0o600); err != nil {
		return "", fmt.Errorf("failed to write log export: %w", err)
	}
	return path, nil
}
