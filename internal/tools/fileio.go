package tools

import (
	"os"

	"github.com/haricheung/agentic-shell/internal/result"
)

// ReadFile reads the file at path and returns its contents as a string.
func ReadFile(path string) (string, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return "", result.Wrap(result.CategorySystem, "READ_FILE_FAILED", "read_file failed", err).
			WithContext("path", path)
	}
	return string(data), nil
}

// WriteFile writes content to the file at path, creating it if necessary.
func WriteFile(path, content string) error {
	if err := os.WriteFile(path, []byte(content), 0o644); err != nil {
		return result.Wrap(result.CategorySystem, "WRITE_FILE_FAILED", "write_file failed", err).
			WithContext("path", path)
	}
	return nil
}
