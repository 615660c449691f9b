// Package arxiv retrieves publication metadata from the arXiv Atom API.
package arxiv

import (
	"fmt"
	"strings"
	"time"

	"github.com/paperflow-io/paperflow/internal/window"
)

// stampLayout is the minute-resolution timestamp the submittedDate range
// filter expects.
const stampLayout = "200601021504"

// BuildQuery assembles the search_query parameter: the category clause, the
// optional topic clause, and a submittedDate range covering the window.
func BuildQuery(categories []string, topic string, w window.Window) string {
	var clauses []string

	if cat := categoryClause(categories); cat != "" {
		clauses = append(clauses, cat)
	}
	if t := topicClause(topic); t != "" {
		clauses = append(clauses, t)
	}
	clauses = append(clauses, fmt.Sprintf("submittedDate:[%s TO %s]",
		floorMinute(w.Start).Format(stampLayout),
		ceilMinute(w.End).Format(stampLayout)))

	return strings.Join(clauses, " AND ")
}

func categoryClause(categories []string) string {
	var parts []string
	for _, c := range categories {
		c = strings.TrimSpace(c)
		if c != "" {
			parts = append(parts, "cat:"+c)
		}
	}
	if len(parts) == 0 {
		return ""
	}
	return "(" + strings.Join(parts, " OR ") + ")"
}

// topicClause turns a free-text topic into all: term clauses. A query that
// already uses field prefixes or boolean operators is passed through as-is.
func topicClause(topic string) string {
	topic = strings.TrimSpace(topic)
	if topic == "" {
		return ""
	}
	if isAdvanced(topic) {
		return "(" + topic + ")"
	}
	var parts []string
	for _, tok := range strings.Fields(topic) {
		parts = append(parts, "all:"+tok)
	}
	return "(" + strings.Join(parts, " AND ") + ")"
}

func isAdvanced(q string) bool {
	for _, op := range []string{" AND ", " OR ", " ANDNOT "} {
		if strings.Contains(q, op) {
			return true
		}
	}
	for _, prefix := range []string{"ti:", "abs:", "au:", "cat:", "all:", "co:", "jr:", "rn:"} {
		if strings.Contains(q, prefix) {
			return true
		}
	}
	return false
}

func floorMinute(t time.Time) time.Time {
	return t.UTC().Truncate(time.Minute)
}

// ceilMinute rounds up so that papers submitted in the window's final
// partial minute are not cut off by the coarse range filter.
func ceilMinute(t time.Time) time.Time {
	t = t.UTC()
	floored := t.Truncate(time.Minute)
	if floored.Equal(t) {
		return t
	}
	return floored.Add(time.Minute)
}
