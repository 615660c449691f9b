package llm

import (
	"context"
	"fmt"
	"strings"

	"github.com/paperflow-io/paperflow/internal/cache"
	"github.com/paperflow-io/paperflow/internal/chunk"
	"github.com/paperflow-io/paperflow/internal/model"
)

// Summarizer turns a converted paper document into structured reading notes.
// Documents longer than the model's context budget are cropped at a natural
// boundary before the call.
type Summarizer struct {
	completer    Completer
	store        cache.Cache
	prompt       string
	hardLimit    int
	safetyMargin int
	limits       model.SummaryConfig
}

// NewSummarizer creates a summarizer from the stage config.
func NewSummarizer(c Completer, store cache.Cache, cfg model.LLMStageConfig, limits model.SummaryConfig) *Summarizer {
	return &Summarizer{
		completer:    c,
		store:        store,
		prompt:       cfg.SystemPrompt,
		hardLimit:    cfg.InputHardLimit,
		safetyMargin: cfg.InputSafetyMargin,
		limits:       limits,
	}
}

// Summarize writes notes for one paper from its converted markdown.
func (s *Summarizer) Summarize(ctx context.Context, p model.Paper, document string) (string, error) {
	if s.hardLimit > 0 {
		document = chunk.Fit(document, s.hardLimit, s.safetyMargin)
	}
	if strings.TrimSpace(document) == "" {
		return "", fmt.Errorf("summarize %q: empty document", p.Title)
	}
	user := fmt.Sprintf("Title: %s\n%s\nPaper content:\n%s", p.Title, s.lengthGuidance(), document)
	out, err := cachedComplete(ctx, s.completer, s.store, "summarize", s.prompt, p.Key(), user)
	if err != nil {
		return "", fmt.Errorf("summarize %q: %w", p.Title, err)
	}
	return out, nil
}

// lengthGuidance renders the section limits as prompt text. Limits count
// non-whitespace characters, matching how report length is reviewed.
func (s *Summarizer) lengthGuidance() string {
	l := s.limits
	if l.IntroLimit <= 0 && l.MethodLimit <= 0 && l.FindingsLimit <= 0 && l.OpinionLimit <= 0 {
		return ""
	}
	return fmt.Sprintf("Length limits, counting non-whitespace characters: introduction %d, methods %d, findings %d, opinion %d.\n",
		l.IntroLimit, l.MethodLimit, l.FindingsLimit, l.OpinionLimit)
}

// Condenser enforces the note length budget: sections over their configured
// limit are rewritten by the model until they fit, and the whole note is
// compressed into one headline sentence.
type Condenser struct {
	completer    Completer
	store        cache.Cache
	prompt       string
	hardLimit    int
	safetyMargin int
	limits       model.SummaryConfig
}

// NewCondenser creates a condenser. limits carries the per-section budgets
// in non-whitespace characters and the headline cap in words; a zero limit
// disables that check.
func NewCondenser(c Completer, store cache.Cache, cfg model.LLMStageConfig, limits model.SummaryConfig) *Condenser {
	return &Condenser{
		completer:    c,
		store:        store,
		prompt:       cfg.SystemPrompt,
		hardLimit:    cfg.InputHardLimit,
		safetyMargin: cfg.InputSafetyMargin,
		limits:       limits,
	}
}

// Condense produces the one-line headline for a paper's notes.
func (c *Condenser) Condense(ctx context.Context, p model.Paper, notes string) (string, error) {
	if c.hardLimit > 0 {
		notes = chunk.Fit(notes, c.hardLimit, c.safetyMargin)
	}
	user := fmt.Sprintf("Title: %s\n\nNotes:\n%s", p.Title, notes)
	out, err := cachedComplete(ctx, c.completer, c.store, "condense", c.prompt, p.Key(), user)
	if err != nil {
		return "", fmt.Errorf("condense %q: %w", p.Title, err)
	}
	headline := firstLine(strings.TrimSpace(out))
	headline = strings.TrimSpace(strings.Trim(headline, `"`))
	if c.limits.HeadlineLimit > 0 {
		headline = truncateWords(headline, c.limits.HeadlineLimit)
	}
	return headline, nil
}

// A section still over budget after this many rewrites is kept as the last
// rewrite.
const maxSectionRewrites = 3

// EnforceLimits measures each note section against its budget and has the
// model rewrite the oversized ones. Notes without recognizable sections come
// back unchanged.
func (c *Condenser) EnforceLimits(ctx context.Context, p model.Paper, notes string) (string, error) {
	prefix, sections := splitSections(notes)
	if len(sections) == 0 {
		return notes, nil
	}

	var b strings.Builder
	if strings.TrimSpace(prefix) != "" {
		b.WriteString(strings.TrimRight(prefix, "\n"))
		b.WriteString("\n")
	}
	for _, sec := range sections {
		body, err := c.fitSection(ctx, p, sec)
		if err != nil {
			return "", err
		}
		if b.Len() > 0 {
			b.WriteString("\n")
		}
		b.WriteString(sec.heading)
		b.WriteString("\n")
		if body != "" {
			b.WriteString(body)
			b.WriteString("\n")
		}
	}
	return b.String(), nil
}

func (c *Condenser) fitSection(ctx context.Context, p model.Paper, sec section) (string, error) {
	body := strings.TrimSpace(sec.body)
	limit := c.sectionLimit(sec.key)
	if limit <= 0 {
		return body, nil
	}
	prompt := fmt.Sprintf("You shorten one section of paper notes. Rewrite the text to at most "+
		"%d non-whitespace characters, keeping every concrete claim and the bullet style. "+
		"Reply with the rewritten section only.", limit)
	for i := 0; i < maxSectionRewrites && chunk.NonWhitespaceLen(body) > limit; i++ {
		user := body
		if c.hardLimit > 0 {
			user = chunk.Fit(user, c.hardLimit, c.safetyMargin)
		}
		out, err := cachedComplete(ctx, c.completer, c.store, "condense", prompt, p.Key(), user)
		if err != nil {
			return "", fmt.Errorf("condense %s section of %q: %w", sec.key, p.Title, err)
		}
		if s := strings.TrimSpace(out); s != "" {
			body = s
		}
	}
	return body, nil
}

func (c *Condenser) sectionLimit(key string) int {
	switch key {
	case "intro":
		return c.limits.IntroLimit
	case "method":
		return c.limits.MethodLimit
	case "findings":
		return c.limits.FindingsLimit
	case "opinion":
		return c.limits.OpinionLimit
	}
	return 0
}

type section struct {
	key     string
	heading string
	body    string
}

// splitSections divides notes into text before the first section heading
// and one block per recognized section.
func splitSections(notes string) (string, []section) {
	var prefix []string
	var sections []section
	for _, line := range strings.Split(notes, "\n") {
		if key := sectionKey(line); key != "" {
			sections = append(sections, section{key: key, heading: strings.TrimSpace(line)})
			continue
		}
		if len(sections) == 0 {
			prefix = append(prefix, line)
		} else {
			sections[len(sections)-1].body += line + "\n"
		}
	}
	return strings.Join(prefix, "\n"), sections
}

// sectionKey recognizes a section heading line. Headings are short; a body
// line that merely starts with a section word does not match.
func sectionKey(line string) string {
	s := strings.ToLower(strings.Trim(strings.TrimSpace(line), "#*:- \t"))
	if s == "" || len(strings.Fields(s)) > 3 {
		return ""
	}
	switch {
	case strings.HasPrefix(s, "introduction"):
		return "intro"
	case strings.HasPrefix(s, "method"):
		return "method"
	case strings.HasPrefix(s, "finding"):
		return "findings"
	case strings.HasPrefix(s, "opinion"):
		return "opinion"
	}
	return ""
}

func firstLine(s string) string {
	if idx := strings.IndexByte(s, '\n'); idx >= 0 {
		return strings.TrimSpace(s[:idx])
	}
	return s
}

func truncateWords(s string, n int) string {
	words := strings.Fields(s)
	if len(words) <= n {
		return s
	}
	return strings.Join(words[:n], " ")
}
