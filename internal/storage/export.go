package storage

import (
	"encoding/json"
	"fmt"
	"strings"
	"time"
)

const timeLayout = "2006-01-02 15:04:05"

// ExportMarkdown renders an execution record and its output as a markdown
// document.
func ExportMarkdown(r *ExecutionRecord) string {
	var b strings.Builder

	b.WriteString(fmt.Sprintf("# Execution %s\n\n", r.ID))
	b.WriteString(fmt.Sprintf("- **Template:** %s\n", r.Template))
	b.WriteString(fmt.Sprintf("- **Status:** %s\n", r.Status))
	b.WriteString(fmt.Sprintf("- **Timeout:** %gs\n", r.Timeout))
	b.WriteString(fmt.Sprintf("- **Created:** %s\n", r.CreatedAt.Format(timeLayout)))
	if r.StartedAt != nil {
		b.WriteString(fmt.Sprintf("- **Started:** %s\n", r.StartedAt.Format(timeLayout)))
	}
	if r.EndedAt != nil {
		b.WriteString(fmt.Sprintf("- **Ended:** %s\n", r.EndedAt.Format(timeLayout)))
		if r.StartedAt != nil {
			b.WriteString(fmt.Sprintf("- **Duration:** %s\n", r.EndedAt.Sub(*r.StartedAt).Round(time.Millisecond)))
		}
	}
	b.WriteString("\n---\n\n")

	if len(r.Output) == 0 {
		b.WriteString("_No output._\n")
		return b.String()
	}
	// terminals emit CRLF
	out := strings.ReplaceAll(string(r.Output), "\r\n", "\n")
	b.WriteString(fmt.Sprintf("```\n%s\n```\n", strings.TrimRight(out, "\n")))
	return b.String()
}

// ExportJSON renders an execution record and its output as formatted JSON.
func ExportJSON(r *ExecutionRecord) ([]byte, error) {
	export := struct {
		*ExecutionRecord
		Output string `json:"output"`
	}{
		ExecutionRecord: r,
		Output:          string(r.Output),
	}
	return json.MarshalIndent(export, "", "  ")
}
