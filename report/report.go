// ABOUTME: Renders a run's history as a Markdown report and as HTML via goldmark.
// ABOUTME: Used by `assay report` and GET /runs/{id}/report.
package report

import (
	"bytes"
	"encoding/json"
	"fmt"
	"html/template"
	"strings"
	"time"

	"github.com/yuin/goldmark"
	"github.com/yuin/goldmark/extension"

	"github.com/2389-research/assay/store"
	"github.com/2389-research/assay/workspace"
)

// Input is everything a report shows.
type Input struct {
	Run    store.Run
	Events []store.EventRow
	Files  []workspace.Entry
}

// Markdown renders the report as Markdown.
func Markdown(in Input) string {
	var b strings.Builder
	run := in.Run

	fmt.Fprintf(&b, "# Run %s\n\n", run.ID)
	fmt.Fprintf(&b, "- **Status:** %s\n", run.Status)
	fmt.Fprintf(&b, "- **Started:** %s\n", run.StartedAt.Format(time.RFC3339))
	if run.FinishedAt != nil {
		fmt.Fprintf(&b, "- **Finished:** %s (%s)\n", run.FinishedAt.Format(time.RFC3339),
			run.FinishedAt.Sub(run.StartedAt).Round(time.Millisecond))
	}
	if run.Stage != "" {
		fmt.Fprintf(&b, "- **Last stage:** %s\n", run.Stage)
	}
	b.WriteString("\n## Question\n\n")
	b.WriteString(quote(run.Question))

	if run.Status == store.StatusFailed {
		b.WriteString("\n## Failure\n\n")
		fmt.Fprintf(&b, "**%s** (`%s`)\n", run.Message, run.Kind)
		if run.Detail != "" {
			b.WriteString("\n")
			b.WriteString(fence("text", run.Detail))
		}
	}

	if len(run.Result) > 0 {
		b.WriteString("\n## Result\n\n")
		b.WriteString(fence("json", prettyJSON(run.Result)))
	}

	if len(in.Events) > 0 {
		b.WriteString("\n## Timeline\n\n")
		b.WriteString("| Time | Event | Stage | Attempt | Note |\n")
		b.WriteString("|---|---|---|---|---|\n")
		for _, e := range in.Events {
			attempt := ""
			if e.Attempt > 0 {
				attempt = fmt.Sprint(e.Attempt)
			}
			fmt.Fprintf(&b, "| %s | %s | %s | %s | %s |\n",
				e.Timestamp.Format("15:04:05.000"), e.Type, e.Stage, attempt, cell(note(e)))
		}
	}

	if len(in.Files) > 0 {
		b.WriteString("\n## Files\n\n")
		for _, f := range in.Files {
			fmt.Fprintf(&b, "- `%s` (%d bytes)\n", f.Name, f.Size)
		}
	}
	return b.String()
}

var page = template.Must(template.New("report").Parse(`<!DOCTYPE html>
<html lang="en">
<head>
<meta charset="utf-8">
<title>assay run {{.ID}}</title>
<style>
body { font-family: system-ui, sans-serif; max-width: 60rem; margin: 2rem auto; padding: 0 1rem; color: #222; }
pre { background: #f5f5f5; padding: 0.75rem; overflow-x: auto; }
table { border-collapse: collapse; width: 100%; }
td, th { border: 1px solid #ddd; padding: 0.25rem 0.5rem; text-align: left; font-size: 0.9rem; }
blockquote { border-left: 4px solid #ccc; margin: 0; padding-left: 1rem; color: #555; }
</style>
</head>
<body>
{{.Body}}
</body>
</html>
`))

// HTML renders the report as a standalone HTML page. Raw HTML inside the
// question or output is dropped, not passed through.
func HTML(in Input) ([]byte, error) {
	var body bytes.Buffer
	if err := goldmark.New(goldmark.WithExtensions(extension.Table)).Convert([]byte(Markdown(in)), &body); err != nil {
		return nil, fmt.Errorf("rendering markdown: %w", err)
	}
	var out bytes.Buffer
	err := page.Execute(&out, struct {
		ID   string
		Body template.HTML
	}{ID: in.Run.ID, Body: template.HTML(body.String())})
	if err != nil {
		return nil, fmt.Errorf("rendering page: %w", err)
	}
	return out.Bytes(), nil
}

func note(e store.EventRow) string {
	for _, key := range []string{"message", "reason"} {
		if v, ok := e.Data[key].(string); ok && v != "" {
			return v
		}
	}
	return ""
}

func quote(s string) string {
	lines := strings.Split(strings.TrimSpace(s), "\n")
	for i, l := range lines {
		lines[i] = "> " + l
	}
	return strings.Join(lines, "\n") + "\n"
}

// fence wraps s in a code fence longer than any backtick run inside it.
func fence(lang, s string) string {
	marker := "```"
	for strings.Contains(s, marker) {
		marker += "`"
	}
	return marker + lang + "\n" + strings.TrimRight(s, "\n") + "\n" + marker + "\n"
}

func prettyJSON(raw json.RawMessage) string {
	var buf bytes.Buffer
	if err := json.Indent(&buf, raw, "", "  "); err != nil {
		return string(raw)
	}
	return buf.String()
}

func cell(s string) string {
	s = strings.ReplaceAll(s, "\n", " ")
	s = strings.ReplaceAll(s, "|", "\\|")
	if len(s) > 120 {
		s = s[:117] + "..."
	}
	return s
}
