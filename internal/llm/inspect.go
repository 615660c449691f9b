package llm

import (
	"context"
	"encoding/json"
	"fmt"

	"github.com/paperflow-io/paperflow/internal/cache"
	"github.com/paperflow-io/paperflow/internal/model"
)

// Inspection is what the screening stage learns from a paper's first pages.
type Inspection struct {
	Institution string `json:"institution"`
	IsLarge     bool   `json:"is_large"`
	Abstract    string `json:"abstract"`
}

// Inspector reads the first pages of a paper and extracts the corresponding
// author's institution plus a one-sentence abstract.
type Inspector struct {
	completer Completer
	store     cache.Cache
	prompt    string
}

// NewInspector creates an inspector. A nil store disables response caching.
func NewInspector(c Completer, store cache.Cache, prompt string) *Inspector {
	return &Inspector{completer: c, store: store, prompt: prompt}
}

// Inspect screens one paper from its first-pages text. The completion must
// be a single JSON object; anything else fails the item.
func (i *Inspector) Inspect(ctx context.Context, p model.Paper, firstPages string) (Inspection, error) {
	user := fmt.Sprintf("Title: %s\n\nFirst pages:\n%s", p.Title, firstPages)
	out, err := cachedComplete(ctx, i.completer, i.store, "inspect", i.prompt, p.Key(), user)
	if err != nil {
		return Inspection{}, err
	}
	insp, err := parseInspection(out)
	if err != nil {
		return Inspection{}, fmt.Errorf("inspect %q: %w", p.Title, err)
	}
	return insp, nil
}

func parseInspection(out string) (Inspection, error) {
	// institution may legitimately be null when the pages name none.
	var raw struct {
		Institution *string `json:"institution"`
		IsLarge     *bool   `json:"is_large"`
		Abstract    *string `json:"abstract"`
	}
	if err := json.Unmarshal([]byte(stripFences(out)), &raw); err != nil {
		return Inspection{}, fmt.Errorf("parse completion %q: %w", out, err)
	}
	if raw.IsLarge == nil || raw.Abstract == nil {
		return Inspection{}, fmt.Errorf("completion %q missing required fields", out)
	}
	insp := Inspection{IsLarge: *raw.IsLarge, Abstract: *raw.Abstract}
	if raw.Institution != nil {
		insp.Institution = *raw.Institution
	}
	return insp, nil
}
