// Package report renders the daily paper catalog and gathers the final
// per-paper deliverables.
package report

import (
	"fmt"
	"os"
	"path/filepath"
	"strings"

	"github.com/paperflow-io/paperflow/internal/model"
	"github.com/paperflow-io/paperflow/internal/util"
)

const timeFormat = "2006-01-02 15:04:05 UTC"

// RenderCatalog renders the daily markdown report for a catalog.
func RenderCatalog(c model.Catalog) string {
	var b strings.Builder
	b.WriteString("# arXiv daily papers\n\n")
	fmt.Fprintf(&b, "- Timezone: `%s`\n", c.Timezone)
	fmt.Fprintf(&b, "- Window: **%s** to **%s**\n",
		c.WindowStartUTC.UTC().Format(timeFormat),
		c.WindowEndUTC.UTC().Format(timeFormat))
	fmt.Fprintf(&b, "- Candidates in window: **%d**\n", c.Candidates)
	fmt.Fprintf(&b, "- Selected: **%d**\n", c.Selected)
	fmt.Fprintf(&b, "- search_query: `%s`\n\n", c.SearchQuery)

	if len(c.Papers) == 0 {
		b.WriteString("_No matching papers found in this window._\n")
		return b.String()
	}

	for i, p := range c.Papers {
		fmt.Fprintf(&b, "%d. **%s**  \n", i+1, p.Title)
		fmt.Fprintf(&b, "   - Published: `%s`  \n", p.PublishedUTC.UTC().Format(timeFormat))
		fmt.Fprintf(&b, "   - arXiv: [%s](%s)  \n", p.ArxivID, p.Link)
		if len(p.Authors) > 0 {
			fmt.Fprintf(&b, "   - Authors: %s  \n", strings.Join(p.Authors, ", "))
		} else {
			b.WriteString("   - Authors: _N/A_  \n")
		}
		if p.Institution != "" {
			fmt.Fprintf(&b, "   - Institution: %s  \n", p.Institution)
		}
		if p.OneLine != "" {
			fmt.Fprintf(&b, "   - Headline: %s  \n", p.OneLine)
		}
		if p.Summary != "" {
			b.WriteString("   - Abstract:\n")
			b.WriteString("     <details><summary>Show</summary>\n\n")
			fmt.Fprintf(&b, "     %s\n\n", p.Summary)
			b.WriteString("     </details>\n\n")
		} else {
			b.WriteString("   - Abstract: _N/A_\n\n")
		}
	}
	return b.String()
}

// WriteCatalog writes the catalog as both markdown and JSON, atomically.
func WriteCatalog(mdPath, jsonPath string, c model.Catalog) error {
	for _, p := range []string{mdPath, jsonPath} {
		if err := os.MkdirAll(filepath.Dir(p), 0o755); err != nil {
			return fmt.Errorf("create report dir: %w", err)
		}
	}
	if err := util.WriteFileAtomic(mdPath, []byte(RenderCatalog(c)), 0o644); err != nil {
		return fmt.Errorf("write markdown report: %w", err)
	}
	if err := util.WriteJSONAtomic(jsonPath, c); err != nil {
		return fmt.Errorf("write json report: %w", err)
	}
	return nil
}
