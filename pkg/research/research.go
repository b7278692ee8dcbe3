// Package research fetches supporting web findings for a topic before
// generation begins. Research never fails a job: callers treat errors
// and an absent source the same way, degrading to empty findings with
// a warning event.
package research

import (
	"context"
	"fmt"
	"strings"
)

// Finding is one search result handed to the prompt composer.
type Finding struct {
	Title   string `json:"title"`
	URL     string `json:"url"`
	Snippet string `json:"snippet"`
}

// Source produces findings for a query. Implementations must honor ctx
// cancellation and bound their own request time.
type Source interface {
	Search(ctx context.Context, query string, maxResults int) ([]Finding, error)
}

// FormatFindings renders findings as the Markdown block stage prompts
// embed. Empty findings render as an empty string, which the composer
// treats as research absent.
func FormatFindings(findings []Finding) string {
	if len(findings) == 0 {
		return ""
	}
	var b strings.Builder
	for _, f := range findings {
		fmt.Fprintf(&b, "- %s: %s", f.Title, f.Snippet)
		if f.URL != "" {
			fmt.Fprintf(&b, " (%s)", f.URL)
		}
		b.WriteString("\n")
	}
	return strings.TrimRight(b.String(), "\n")
}
