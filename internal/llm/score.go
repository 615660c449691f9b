package llm

import (
	"context"
	"fmt"
	"regexp"
	"strconv"

	"github.com/paperflow-io/paperflow/internal/cache"
	"github.com/paperflow-io/paperflow/internal/model"
)

// scoreRe matches the first 0-1 decimal in a completion. Models sometimes
// pad the number with prose despite the prompt.
var scoreRe = regexp.MustCompile(`([0-1](?:\.\d+)?)`)

// Scorer assigns each paper a relevance score in [0, 1] from its title and
// abstract.
type Scorer struct {
	completer Completer
	store     cache.Cache
	prompt    string
}

// NewScorer creates a scorer backed by the given completer. A nil store
// disables response caching.
func NewScorer(c Completer, store cache.Cache, prompt string) *Scorer {
	return &Scorer{completer: c, store: store, prompt: prompt}
}

// Score rates one paper. The result is clamped to [0, 1]; a reply with no
// parsable number scores 0 so one confused completion cannot abort a stage.
func (s *Scorer) Score(ctx context.Context, p model.Paper) (float64, error) {
	user := fmt.Sprintf("Title: %s\n\nAbstract: %s", p.Title, p.Summary)
	out, err := cachedComplete(ctx, s.completer, s.store, "score", s.prompt, p.Key(), user)
	if err != nil {
		return 0, err
	}
	return parseScore(out), nil
}

func parseScore(out string) float64 {
	m := scoreRe.FindStringSubmatch(out)
	if m == nil {
		return 0
	}
	score, err := strconv.ParseFloat(m[1], 64)
	if err != nil {
		return 0
	}
	if score < 0 {
		score = 0
	}
	if score > 1 {
		score = 1
	}
	return score
}
