package model

import (
	"regexp"
	"strings"
	"time"
)

// Paper represents one catalog entry. Stages annotate papers additively; a
// stage either passes a paper through or drops it from its output, it never
// rewrites an upstream artifact.
type Paper struct {
	Title        string    `json:"title"`
	PublishedUTC time.Time `json:"published_utc"`
	ArxivID      string    `json:"arxiv_id"`
	Link         string    `json:"link"`
	Authors      []string  `json:"authors,omitempty"`
	Summary      string    `json:"summary,omitempty"`

	// Per-stage annotations.
	RelevanceScore *float64 `json:"theme_relevant_score,omitempty"`
	Institution    string   `json:"institution,omitempty"`
	IsLarge        *bool    `json:"is_large,omitempty"`
	OneLine        string   `json:"one_line,omitempty"`
}

// Key returns the dedup identity of the paper. Identity is the exact
// (title, source) pair; once assigned it never changes.
func (p Paper) Key() Key {
	return Key{Title: strings.TrimSpace(p.Title), Source: strings.TrimSpace(p.ArxivID)}
}

// Key is the stable cross-run identity of a paper.
type Key struct {
	Title  string `json:"title"`
	Source string `json:"source"`
}

// IsZero reports whether both key fields are empty.
func (k Key) IsZero() bool {
	return k.Title == "" && k.Source == ""
}

// Catalog is the per-day collection a stage reads and writes. It preserves
// the metadata of the search stage across the whole run.
type Catalog struct {
	Timezone       string    `json:"timezone"`
	WindowStartUTC time.Time `json:"window_start_utc"`
	WindowEndUTC   time.Time `json:"window_end_utc"`
	Candidates     int       `json:"candidates_in_window"`
	Selected       int       `json:"selected"`
	SearchQuery    string    `json:"search_query,omitempty"`
	GeneratedUTC   time.Time `json:"generated_utc"`
	Papers         []Paper   `json:"papers"`
}

var wsRe = regexp.MustCompile(`\s+`)

// NormalizeText collapses whitespace runs to single spaces and trims the
// result, matching how titles and abstracts are normalized at ingest.
func NormalizeText(s string) string {
	return strings.TrimSpace(wsRe.ReplaceAllString(s, " "))
}

var arxivIDRe = regexp.MustCompile(`(\d{4}\.\d{4,5})(v\d+)?`)

// ArxivIDFromSource extracts an arXiv identifier (with optional version
// suffix) from a source string, or returns "" when none is present.
func ArxivIDFromSource(source string) string {
	m := arxivIDRe.FindStringSubmatch(source)
	if m == nil {
		return ""
	}
	return m[1] + m[2]
}
