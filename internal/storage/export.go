package storage

import (
	"encoding/json"
	"fmt"
	"strings"
)

// ExportMarkdown renders an execution as a markdown document.
func ExportMarkdown(e *Execution) string {
	var b strings.Builder

	b.WriteString(fmt.Sprintf("# Execution %s\n\n", e.ID))
	b.WriteString(fmt.Sprintf("- **Language:** %s\n", e.Language))
	b.WriteString(fmt.Sprintf("- **Status:** %s\n", e.Status))
	if e.Status != StatusError {
		b.WriteString(fmt.Sprintf("- **Exit code:** %d\n", e.ExitCode))
	}
	if len(e.Dependencies) > 0 {
		b.WriteString(fmt.Sprintf("- **Dependencies:** %s\n", strings.Join(e.Dependencies, ", ")))
	}
	if e.SetupFailure {
		b.WriteString("- **Sandbox setup failed**\n")
	}
	if e.TimedOut {
		b.WriteString("- **Timed out**\n")
	}
	b.WriteString(fmt.Sprintf("- **Duration:** %s\n", e.Duration))
	b.WriteString(fmt.Sprintf("- **Created:** %s\n", e.CreatedAt.Format("2006-01-02 15:04:05")))
	b.WriteString("\n---\n\n")

	fence := "python"
	if e.Language == "bash" {
		fence = "bash"
	}
	b.WriteString(fmt.Sprintf("## Code\n\n```%s\n%s\n```\n\n", fence, strings.TrimRight(e.Code, "\n")))

	if e.Error != "" {
		b.WriteString(fmt.Sprintf("## Error\n\n%s\n", e.Error))
		return b.String()
	}
	b.WriteString(fmt.Sprintf("## Output\n\n```\n%s\n```\n", strings.TrimRight(e.Output, "\n")))
	return b.String()
}

// ExportJSON renders an execution as formatted JSON.
func ExportJSON(e *Execution) ([]byte, error) {
	return json.MarshalIndent(e, "", "  ")
}
