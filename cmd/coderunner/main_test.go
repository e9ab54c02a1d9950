package main

import (
	"strings"
	"testing"
	"time"
)

func TestInferLanguage(t *testing.T) {
	tests := map[string]string{
		"script.py":  "python",
		"-":          "python",
		"build.sh":   "bash",
		"SETUP.BASH": "bash",
		"notes.txt":  "python",
	}
	for name, want := range tests {
		if got := inferLanguage(name); got != want {
			t.Errorf("inferLanguage(%q) = %q, want %q", name, got, want)
		}
	}
}

func TestReadSourceStdin(t *testing.T) {
	got, err := readSource("-", strings.NewReader("print(1)\n"))
	if err != nil {
		t.Fatal(err)
	}
	if got != "print(1)\n" {
		t.Errorf("got %q", got)
	}
	if _, err := readSource("/does/not/exist.py", nil); err == nil {
		t.Error("expected error for missing file")
	}
}

func TestHandleCommand(t *testing.T) {
	s := &replState{language: "python"}
	if handleCommand("/bash", s) || s.language != "bash" {
		t.Errorf("after /bash: language = %q", s.language)
	}
	if handleCommand("/py", s) || s.language != "python" {
		t.Errorf("after /py: language = %q", s.language)
	}
	if handleCommand("/nope", s) {
		t.Error("unknown command should not quit")
	}
	if !handleCommand("/quit", s) {
		t.Error("/quit should quit")
	}
}

func TestFirstLine(t *testing.T) {
	if got := firstLine("  import os\nprint(os.getcwd())"); got != "import os …" {
		t.Errorf("got %q", got)
	}
	if got := firstLine("echo hi"); got != "echo hi" {
		t.Errorf("got %q", got)
	}
}

func TestTimeAgo(t *testing.T) {
	tests := []struct {
		ago  time.Duration
		want string
	}{
		{10 * time.Second, "just now"},
		{5 * time.Minute, "5m ago"},
		{3 * time.Hour, "3h ago"},
		{50 * time.Hour, "2d ago"},
	}
	for _, tt := range tests {
		if got := timeAgo(time.Now().Add(-tt.ago)); got != tt.want {
			t.Errorf("timeAgo(-%s) = %q, want %q", tt.ago, got, tt.want)
		}
	}
}
