package engine

import (
	"context"
	"fmt"
	"strings"
)

const reportExcerpt = 1000

// Report renders a markdown report on topic from the top search hits. It
// returns "" when nothing relevant is stored.
func (e *Engine) Report(ctx context.Context, topic string, limit int) (string, error) {
	if limit <= 0 {
		limit = defaultK
	}
	results, err := e.Search(ctx, SearchRequest{
		Text:    topic,
		K:       limit,
		Filters: map[string]any{"type": DocumentType},
	})
	if err != nil {
		return "", fmt.Errorf("report search: %w", err)
	}

	var b strings.Builder
	n := 0
	for _, r := range results {
		if r.VectorScore <= 0 {
			continue
		}
		node := e.GetDocument(r.ID)
		if node == nil {
			continue
		}
		n++
		title, _ := node.Properties["title"].(string)
		if title == "" {
			title = "Untitled"
		}
		text, _ := node.Properties["text"].(string)
		source, _ := node.Properties["source"].(string)
		if source == "" {
			source = "unknown"
		}

		fmt.Fprintf(&b, "## %d. %s\n\n", n, title)
		b.WriteString(excerpt(text, reportExcerpt))
		b.WriteString("\n\n")
		fmt.Fprintf(&b, "*Source: %s · score %.3f*\n\n", source, r.CombinedScore)
	}
	if n == 0 {
		return "", nil
	}

	var out strings.Builder
	fmt.Fprintf(&out, "# Research Report: %s\n\n", topic)
	out.WriteString("## Summary\n\n")
	fmt.Fprintf(&out, "This report was generated from %d relevant items in the knowledge base.\n\n", n)
	out.WriteString(b.String())
	return strings.TrimRight(out.String(), "\n") + "\n", nil
}

func excerpt(s string, n int) string {
	r := []rune(s)
	if len(r) <= n {
		return s
	}
	return string(r[:n]) + "..."
}
