package logging

import (
	"bytes"
	"encoding/json"
	"log/slog"
	"os"
	"path/filepath"
	"strings"
	"testing"
)

func TestNewTextInfo(t *testing.T) {
	defer slog.SetDefault(slog.Default())

	var buf bytes.Buffer
	logger, closeFn, err := New(Options{Output: &buf})
	if err != nil {
		t.Fatalf("New: %v", err)
	}
	defer closeFn()

	logger.Debug("hidden")
	logger.Info("shown", "k", "v")
	out := buf.String()
	if strings.Contains(out, "hidden") {
		t.Errorf("debug record logged at info level: %q", out)
	}
	if !strings.Contains(out, "msg=shown") || !strings.Contains(out, "k=v") {
		t.Errorf("unexpected text output %q", out)
	}
}

func TestNewJSONDebug(t *testing.T) {
	defer slog.SetDefault(slog.Default())

	var buf bytes.Buffer
	_, closeFn, err := New(Options{Debug: true, Format: "JSON", Output: &buf})
	if err != nil {
		t.Fatalf("New: %v", err)
	}
	defer closeFn()

	slog.Debug("via default", "n", 1)
	var rec map[string]any
	if err := json.Unmarshal(buf.Bytes(), &rec); err != nil {
		t.Fatalf("output is not JSON: %v (%q)", err, buf.String())
	}
	if rec["msg"] != "via default" || rec["level"] != "DEBUG" {
		t.Errorf("record = %v", rec)
	}
}

func TestNewWithFile(t *testing.T) {
	defer slog.SetDefault(slog.Default())

	path := filepath.Join(t.TempDir(), "logs", "coderunner.log")
	var buf bytes.Buffer
	logger, closeFn, err := New(Options{File: path, Output: &buf})
	if err != nil {
		t.Fatalf("New: %v", err)
	}
	logger.Info("to both")
	if err := closeFn(); err != nil {
		t.Fatalf("close: %v", err)
	}

	data, err := os.ReadFile(path)
	if err != nil {
		t.Fatalf("reading log file: %v", err)
	}
	if !strings.Contains(string(data), "to both") || !strings.Contains(buf.String(), "to both") {
		t.Errorf("file = %q, output = %q", data, buf.String())
	}
}
