package pipeline

import (
	"context"
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"time"

	"github.com/paperflow-io/paperflow/internal/arxiv"
	"github.com/paperflow-io/paperflow/internal/chunk"
	"github.com/paperflow-io/paperflow/internal/convert"
	"github.com/paperflow-io/paperflow/internal/errs"
	"github.com/paperflow-io/paperflow/internal/history"
	"github.com/paperflow-io/paperflow/internal/llm"
	"github.com/paperflow-io/paperflow/internal/model"
	"github.com/paperflow-io/paperflow/internal/pdf"
	"github.com/paperflow-io/paperflow/internal/report"
	"github.com/paperflow-io/paperflow/internal/stage"
	"github.com/paperflow-io/paperflow/internal/transfer"
	"github.com/paperflow-io/paperflow/internal/util"
	"github.com/paperflow-io/paperflow/internal/zotero"
)

// searchStage retrieves in-window papers and writes the day's catalog plus
// the markdown listing.
func (p *Pipeline) searchStage(ctx context.Context) error {
	query := arxiv.BuildQuery(p.cfg.Arxiv.Categories, p.cfg.Arxiv.Query, p.opts.Window)
	client := arxiv.NewClient(p.cfg.Arxiv, p.httpClient, p.cfg.HTTP.UserAgent)

	papers, err := client.Search(ctx, query, p.opts.Window)
	if err != nil {
		return fmt.Errorf("search arxiv: %w", err)
	}
	p.logf("search: %d papers in window", len(papers))

	c := model.Catalog{
		Timezone:       "UTC",
		WindowStartUTC: p.opts.Window.Start,
		WindowEndUTC:   p.opts.Window.End,
		Candidates:     len(papers),
		Selected:       len(papers),
		SearchQuery:    query,
		GeneratedUTC:   time.Now().UTC(),
		Papers:         papers,
	}
	return report.WriteCatalog(p.searchMDPath(), p.searchJSONPath(), c)
}

// dedupStage drops papers already seen by earlier runs and records the
// day's novel papers in the history file.
func (p *Pipeline) dedupStage(ctx context.Context) error {
	c, err := p.loadCatalog(p.searchJSONPath())
	if err != nil {
		return err
	}

	store, err := history.Load(p.cfg.HistoryPath)
	if err != nil {
		return err
	}
	novel := store.FilterNovel(c.Papers)
	if err := store.Save(); err != nil {
		return err
	}
	p.logf("dedup: %d of %d papers are novel", len(novel), len(c.Papers))

	c.Papers = novel
	c.Selected = len(novel)
	return p.writeCatalog(p.stageJSONPath(StageDedup), c)
}

// scoreStage rates each paper's relevance with the LLM and annotates the
// catalog with scores.
func (p *Pipeline) scoreStage(ctx context.Context) error {
	c, err := p.loadCatalog(p.stageJSONPath(StageDedup))
	if err != nil {
		return err
	}

	client, err := llm.NewClient(p.cfg.LLM.APIKey, p.cfg.LLM.Score)
	if err != nil {
		return err
	}
	scorer := llm.NewScorer(client, p.store, p.cfg.LLM.Score.SystemPrompt)

	itemsDir := p.itemsDir(StageScore)
	type scored struct {
		Score float64 `json:"theme_relevant_score"`
	}
	tasks := p.paperTasks(c.Papers, itemsDir, func(ctx context.Context, paper model.Paper, artifact string) error {
		score, err := scorer.Score(ctx, paper)
		if err != nil {
			return err
		}
		return util.WriteJSONAtomic(artifact, scored{Score: score})
	})

	if err := p.runStage(ctx, StageScore, p.cfg.LLM.Score.Concurrency, tasks); err != nil {
		return err
	}

	var kept []model.Paper
	for _, paper := range c.Papers {
		var s scored
		if err := util.ReadJSON(filepath.Join(itemsDir, paper.ArxivID+".json"), &s); err != nil {
			continue // item failed within budget; drops out here
		}
		score := s.Score
		paper.RelevanceScore = &score
		kept = append(kept, paper)
	}
	c.Papers = kept
	c.Selected = len(kept)
	return p.writeCatalog(p.stageJSONPath(StageScore), c)
}

// filterStage keeps papers at or above the relevance threshold.
func (p *Pipeline) filterStage(ctx context.Context) error {
	c, err := p.loadCatalog(p.stageJSONPath(StageScore))
	if err != nil {
		return err
	}

	threshold := p.cfg.Filter.ScoreThreshold
	var kept []model.Paper
	for _, paper := range c.Papers {
		if paper.RelevanceScore != nil && *paper.RelevanceScore >= threshold {
			kept = append(kept, paper)
		}
	}
	p.logf("filter: %d of %d papers at or above %.2f", len(kept), len(c.Papers), threshold)

	c.Papers = kept
	c.Selected = len(kept)
	return p.writeCatalog(p.stageJSONPath(StageFilter), c)
}

// downloadStage fetches each selected paper's PDF.
func (p *Pipeline) downloadStage(ctx context.Context) error {
	c, err := p.loadCatalog(p.stageJSONPath(StageFilter))
	if err != nil {
		return err
	}
	if err := os.MkdirAll(p.pdfDir(), 0o755); err != nil {
		return fmt.Errorf("create pdf dir: %w", err)
	}

	validator := transfer.MagicValidator(pdf.Magic)
	var tasks []stage.Task
	for _, paper := range c.Papers {
		paper := paper
		dest := p.pdfPath(paper.ArxivID)
		tasks = append(tasks, stage.Task{
			ID: paper.ArxivID,
			Run: func(ctx context.Context) (string, error) {
				if err := p.transfer.Fetch(ctx, arxiv.PDFURL(p.cfg.Arxiv.PDFBaseURL, paper.ArxivID), dest, validator, nil); err != nil {
					return "", err
				}
				return dest, nil
			},
			Check: func(artifact string) error { return pdf.Validate(artifact) },
		})
	}
	return p.runStage(ctx, StageDownload, 4, tasks)
}

// convertStage sends downloaded PDFs through the conversion service and
// unpacks the markdown bundles. Progress goes through the stage manifest:
// a done entry whose bundle no longer validates is resubmitted.
func (p *Pipeline) convertStage(ctx context.Context) error {
	c, err := p.loadCatalog(p.stageJSONPath(StageFilter))
	if err != nil {
		return err
	}

	client, err := convert.NewClient(p.cfg.Convert, p.httpClient)
	if err != nil {
		return err
	}
	uploads := transfer.NewClient(p.httpClient, p.cfg.HTTP.UserAgent, p.cfg.Convert.UploadRetries, p.limiter, nil)
	job := convert.NewJob(client, uploads, p.cfg.Convert.PollInterval, p.cfg.Convert.MaxWait, p.convertDir())

	man, err := stage.LoadManifest(p.manifestDir(), p.opts.Date, StageConvert)
	if err != nil {
		return err
	}

	var inputs []convert.Input
	for _, paper := range c.Papers {
		pdfPath := p.pdfPath(paper.ArxivID)
		if _, err := os.Stat(pdfPath); err != nil {
			p.logf("convert: no pdf for %s, skipping", paper.ArxivID)
			continue
		}
		if it, ok := man.Get(paper.ArxivID); ok && it.Status == stage.StatusDone && job.Converted(paper.ArxivID) {
			continue
		}
		inputs = append(inputs, convert.Input{ID: paper.ArxivID, PDFPath: pdfPath})
	}
	if len(inputs) == 0 {
		return nil
	}

	outcomes, err := job.Run(ctx, inputs)
	if err != nil {
		return err
	}
	failed := 0
	for _, out := range outcomes {
		if out.Err != nil {
			failed++
			p.logf("convert: %s failed: %v", out.ID, out.Err)
			man.Mark(out.ID, stage.StatusFailed, "", out.Err.Error())
			continue
		}
		man.Mark(out.ID, stage.StatusDone, job.MarkdownPath(out.ID), "")
	}
	if err := man.Save(); err != nil {
		return err
	}
	if p.overBudget(failed, len(outcomes)) {
		return &errs.StageAbortError{Stage: StageConvert, Failed: failed, Total: len(outcomes)}
	}
	p.logf("convert: %d converted, %d failed", len(outcomes)-failed, failed)
	return nil
}

// inspectLeadBytes bounds how much of the converted markdown feeds the
// institution extraction, roughly the first pages.
const inspectLeadBytes = 8192

// convertedLeadText returns the leading portion of a paper's converted
// markdown, or "" when no bundle exists.
func (p *Pipeline) convertedLeadText(id string) string {
	data, err := os.ReadFile(filepath.Join(p.convertDir(), id, "full.md"))
	if err != nil {
		return ""
	}
	return chunk.Fit(string(data), inspectLeadBytes, 0)
}

// inspectStage reads each paper's first pages and asks the LLM for the
// corresponding author's institution.
func (p *Pipeline) inspectStage(ctx context.Context) error {
	c, err := p.loadCatalog(p.stageJSONPath(StageFilter))
	if err != nil {
		return err
	}

	client, err := llm.NewClient(p.cfg.LLM.APIKey, p.cfg.LLM.Inspect)
	if err != nil {
		return err
	}
	inspector := llm.NewInspector(client, p.store, p.cfg.LLM.Inspect.SystemPrompt)

	itemsDir := p.itemsDir(StageInspect)
	tasks := p.paperTasks(c.Papers, itemsDir, func(ctx context.Context, paper model.Paper, artifact string) error {
		text := p.convertedLeadText(paper.ArxivID)
		if text == "" {
			text, _ = pdf.FirstPagesText(p.pdfPath(paper.ArxivID), 4)
		}
		if strings.TrimSpace(text) == "" {
			// Scanned or malformed PDFs still get screened on metadata.
			p.logf("inspect: no text from %s, using abstract", paper.ArxivID)
			text = paper.Summary
		}
		insp, err := inspector.Inspect(ctx, paper, text)
		if err != nil {
			return err
		}
		return util.WriteJSONAtomic(artifact, insp)
	})

	if err := p.runStage(ctx, StageInspect, p.cfg.LLM.Inspect.Concurrency, tasks); err != nil {
		return err
	}

	var kept []model.Paper
	for _, paper := range c.Papers {
		var insp llm.Inspection
		if err := util.ReadJSON(filepath.Join(itemsDir, paper.ArxivID+".json"), &insp); err != nil {
			continue
		}
		paper.Institution = insp.Institution
		isLarge := insp.IsLarge
		paper.IsLarge = &isLarge
		kept = append(kept, paper)
	}
	c.Papers = kept
	c.Selected = len(kept)
	return p.writeCatalog(p.stageJSONPath(StageInspect), c)
}

// screenStage keeps papers from large institutions, plus any institution on
// the always-keep list.
func (p *Pipeline) screenStage(ctx context.Context) error {
	c, err := p.loadCatalog(p.stageJSONPath(StageInspect))
	if err != nil {
		return err
	}

	kept := c.Papers
	if p.cfg.Filter.RequireLarge {
		kept = nil
		for _, paper := range c.Papers {
			if (paper.IsLarge != nil && *paper.IsLarge) || p.alwaysKeep(paper.Institution) {
				kept = append(kept, paper)
			}
		}
	}
	p.logf("screen: %d of %d papers kept", len(kept), len(c.Papers))

	c.Papers = kept
	c.Selected = len(kept)
	return p.writeCatalog(p.stageJSONPath(StageScreen), c)
}

func (p *Pipeline) alwaysKeep(institution string) bool {
	for _, name := range p.cfg.Filter.AlwaysKeep {
		if strings.EqualFold(strings.TrimSpace(name), strings.TrimSpace(institution)) {
			return true
		}
	}
	return false
}

// summarizeStage writes reading notes for each screened paper from its
// converted markdown.
func (p *Pipeline) summarizeStage(ctx context.Context) error {
	c, err := p.loadCatalog(p.stageJSONPath(StageScreen))
	if err != nil {
		return err
	}

	client, err := llm.NewClient(p.cfg.LLM.APIKey, p.cfg.LLM.Summarize)
	if err != nil {
		return err
	}
	summarizer := llm.NewSummarizer(client, p.store, p.cfg.LLM.Summarize, p.cfg.Summary)

	if err := os.MkdirAll(p.notesDir(), 0o755); err != nil {
		return fmt.Errorf("create notes dir: %w", err)
	}
	var tasks []stage.Task
	for _, paper := range c.Papers {
		paper := paper
		dest := p.notesPath(paper.ArxivID)
		tasks = append(tasks, stage.Task{
			ID: paper.ArxivID,
			Run: func(ctx context.Context) (string, error) {
				mdPath := filepath.Join(p.convertDir(), paper.ArxivID, "full.md")
				document, err := os.ReadFile(mdPath)
				if err != nil {
					return "", fmt.Errorf("read converted markdown: %w", err)
				}
				notes, err := summarizer.Summarize(ctx, paper, string(document))
				if err != nil {
					return "", err
				}
				if err := util.WriteFileAtomic(dest, []byte(notes), 0o644); err != nil {
					return "", err
				}
				return dest, nil
			},
			Check: func(artifact string) error {
				info, err := os.Stat(artifact)
				if err != nil {
					return err
				}
				if info.Size() == 0 {
					return fmt.Errorf("empty notes file")
				}
				return nil
			},
		})
	}
	return p.runStage(ctx, StageSummarize, p.cfg.LLM.Summarize.Concurrency, tasks)
}

// condenseStage enforces the note section budgets, produces the one-line
// headline per paper, and writes the final annotated catalog.
func (p *Pipeline) condenseStage(ctx context.Context) error {
	c, err := p.loadCatalog(p.stageJSONPath(StageScreen))
	if err != nil {
		return err
	}

	client, err := llm.NewClient(p.cfg.LLM.APIKey, p.cfg.LLM.Condense)
	if err != nil {
		return err
	}
	condenser := llm.NewCondenser(client, p.store, p.cfg.LLM.Condense, p.cfg.Summary)

	if err := os.MkdirAll(p.condensedNotesDir(), 0o755); err != nil {
		return fmt.Errorf("create condensed notes dir: %w", err)
	}
	itemsDir := p.itemsDir(StageCondense)
	tasks := p.paperTasks(c.Papers, itemsDir, func(ctx context.Context, paper model.Paper, artifact string) error {
		notes, err := os.ReadFile(p.notesPath(paper.ArxivID))
		if err != nil {
			return fmt.Errorf("read notes: %w", err)
		}
		limited, err := condenser.EnforceLimits(ctx, paper, string(notes))
		if err != nil {
			return err
		}
		if err := util.WriteFileAtomic(p.condensedNotesPath(paper.ArxivID), []byte(limited), 0o644); err != nil {
			return err
		}
		headline, err := condenser.Condense(ctx, paper, limited)
		if err != nil {
			return err
		}
		return util.WriteJSONAtomic(artifact, map[string]string{"one_line": headline})
	})

	if err := p.runStage(ctx, StageCondense, p.cfg.LLM.Condense.Concurrency, tasks); err != nil {
		return err
	}

	var kept []model.Paper
	for _, paper := range c.Papers {
		var item struct {
			OneLine string `json:"one_line"`
		}
		if err := util.ReadJSON(filepath.Join(itemsDir, paper.ArxivID+".json"), &item); err != nil {
			continue
		}
		paper.OneLine = item.OneLine
		kept = append(kept, paper)
	}
	c.Papers = kept
	c.Selected = len(kept)
	return p.writeCatalog(p.finalJSONPath(), c)
}

// collectStage gathers per-paper deliverables and writes the final report.
func (p *Pipeline) collectStage(ctx context.Context) error {
	c, err := p.loadCatalog(p.finalJSONPath())
	if err != nil {
		return err
	}

	layout := report.Layout{
		PDFDir:    p.pdfDir(),
		NotesDir:  p.condensedNotesDir(),
		BundleDir: p.convertDir(),
		OutDir:    p.collectDir(),
	}
	summary, err := report.Collect(layout, c.Papers)
	if err != nil {
		return err
	}
	for _, m := range summary.Missing {
		p.logf("collect: missing %s", m)
	}
	p.logf("collect: %d papers, %d files", summary.Papers, summary.Copied)

	return report.WriteCatalog(p.reportMDPath(), p.reportJSONPath(), c)
}

// publishStage pushes the day's papers to Zotero. Without credentials the
// stage logs and does nothing, so local-only setups still finish the run.
func (p *Pipeline) publishStage(ctx context.Context) error {
	if p.cfg.Zotero.APIKey == "" || p.cfg.Zotero.UserID == "" {
		p.logf("publish: zotero credentials not configured, skipping")
		return nil
	}
	c, err := p.loadCatalog(p.finalJSONPath())
	if err != nil {
		return err
	}

	client, err := zotero.NewClient(p.cfg.Zotero, p.httpClient)
	if err != nil {
		return err
	}

	itemsDir := p.itemsDir(StagePublish)
	tasks := p.paperTasks(c.Papers, itemsDir, func(ctx context.Context, paper model.Paper, artifact string) error {
		notes, err := os.ReadFile(p.condensedNotesPath(paper.ArxivID))
		if err != nil {
			notes, _ = os.ReadFile(p.notesPath(paper.ArxivID))
		}
		key, err := client.PublishPaper(ctx, paper, string(notes))
		if err != nil {
			return err
		}
		return util.WriteJSONAtomic(artifact, map[string]string{"item_key": key})
	})
	return p.runStage(ctx, StagePublish, 2, tasks)
}

// paperTasks builds one manifest task per paper writing a JSON artifact
// under itemsDir.
func (p *Pipeline) paperTasks(papers []model.Paper, itemsDir string, run func(ctx context.Context, paper model.Paper, artifact string) error) []stage.Task {
	tasks := make([]stage.Task, 0, len(papers))
	for _, paper := range papers {
		paper := paper
		artifact := filepath.Join(itemsDir, paper.ArxivID+".json")
		tasks = append(tasks, stage.Task{
			ID: paper.ArxivID,
			Run: func(ctx context.Context) (string, error) {
				if err := os.MkdirAll(itemsDir, 0o755); err != nil {
					return "", fmt.Errorf("create items dir: %w", err)
				}
				if err := run(ctx, paper, artifact); err != nil {
					return "", err
				}
				return artifact, nil
			},
			Check: func(artifact string) error {
				_, err := os.Stat(artifact)
				return err
			},
		})
	}
	return tasks
}

func (p *Pipeline) runStage(ctx context.Context, name string, concurrency int, tasks []stage.Task) error {
	runner := &stage.Runner{
		Name:        name,
		Date:        p.opts.Date,
		Dir:         p.manifestDir(),
		Concurrency: concurrency,
		Budget:      p.cfg.Stage,
		Verbose:     p.opts.Verbose,
		Log:         p.opts.Log,
	}
	_, err := runner.Run(ctx, tasks)
	return err
}

func (p *Pipeline) overBudget(failed, total int) bool {
	if failed == 0 {
		return false
	}
	if p.cfg.Stage.MaxFailureCount > 0 && failed > p.cfg.Stage.MaxFailureCount {
		return true
	}
	if p.cfg.Stage.MaxFailureFrac > 0 && total > 0 {
		return float64(failed)/float64(total) > p.cfg.Stage.MaxFailureFrac
	}
	return false
}
