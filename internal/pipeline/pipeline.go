// Package pipeline composes the daily batch: retrieval, dedup, scoring,
// screening, conversion, summarization, and publishing, each stage reading
// the previous stage's artifact and writing its own.
package pipeline

import (
	"context"
	"fmt"
	"io"
	"net/http"
	"os"
	"path/filepath"
	"time"

	"github.com/paperflow-io/paperflow/internal/cache"
	"github.com/paperflow-io/paperflow/internal/model"
	"github.com/paperflow-io/paperflow/internal/transfer"
	"github.com/paperflow-io/paperflow/internal/util"
	"github.com/paperflow-io/paperflow/internal/window"
	"github.com/paperflow-io/paperflow/internal/worker"
)

// Stage names in execution order.
const (
	StageSearch    = "search"
	StageDedup     = "dedup"
	StageScore     = "score"
	StageFilter    = "filter"
	StageDownload  = "download"
	StageConvert   = "convert"
	StageInspect   = "inspect"
	StageScreen    = "screen"
	StageSummarize = "summarize"
	StageCondense  = "condense"
	StageCollect   = "collect"
	StagePublish   = "publish"
)

var fullRun = []string{
	StageSearch, StageDedup, StageScore, StageFilter,
	StageDownload, StageConvert, StageInspect, StageScreen,
	StageSummarize, StageCondense, StageCollect, StagePublish,
}

// pipelines maps a pipeline name to its stage list.
var pipelines = map[string][]string{
	"default":     fullRun,
	"daily":       fullRun,
	"search-only": {StageSearch},
}

// StageList resolves a pipeline name to its stages.
func StageList(name string) ([]string, error) {
	stages, ok := pipelines[name]
	if !ok {
		return nil, fmt.Errorf("unknown pipeline %q", name)
	}
	return stages, nil
}

// Options controls one pipeline run.
type Options struct {
	Date    string // batch date, YYYY-MM-DD
	Window  window.Window
	Force   bool // rerun stages whose output already exists
	Verbose bool
	Log     io.Writer
}

// Pipeline holds the shared clients and runs stages for one batch date.
type Pipeline struct {
	cfg  *model.Config
	opts Options

	httpClient *http.Client
	transfer   *transfer.Client
	store      cache.Cache
	limiter    *worker.Limiter
}

// New builds a pipeline for one batch date. Stage clients that need
// credentials are created when their stage runs, so a search-only run does
// not require LLM or conversion keys.
func New(cfg *model.Config, opts Options) (*Pipeline, error) {
	if opts.Date == "" {
		return nil, fmt.Errorf("batch date is required")
	}
	if opts.Log == nil {
		opts.Log = os.Stderr
	}

	httpClient := &http.Client{Timeout: cfg.HTTP.Timeout}
	if cfg.HTTP.UseProxy {
		httpClient.Transport = &http.Transport{
			Proxy: util.NewProxyFunc(cfg.HTTP.HTTPProxy, cfg.HTTP.HTTPSProxy, cfg.HTTP.NoProxy),
		}
	}

	limiter := worker.NewLimiter(cfg.RateLimit.RequestsPerSecond, cfg.RateLimit.Burst)

	var store cache.Cache
	if cfg.Cache.Enabled {
		store = cache.NewLayered(time.Hour, cfg.Cache.Dir, cfg.Cache.TTL)
	}

	p := &Pipeline{
		cfg:        cfg,
		opts:       opts,
		httpClient: httpClient,
		limiter:    limiter,
		store:      store,
	}
	p.transfer = transfer.NewClient(httpClient, cfg.HTTP.UserAgent, cfg.HTTP.MaxRetries, limiter, p.robots())
	return p, nil
}

func (p *Pipeline) robots() *util.RobotsChecker {
	if p.cfg.HTTP.UserAgent == "" {
		return nil
	}
	return util.NewRobotsChecker(p.cfg.HTTP.UserAgent, p.cfg.HTTP.Timeout)
}

// Run executes the named stages in order for the batch date. A stage whose
// output already exists is skipped unless Force is set. When the search
// stage finds nothing in the window, the run stops there.
func (p *Pipeline) Run(ctx context.Context, stages []string) error {
	p.logf("start pipeline: %d stage(s), date %s", len(stages), p.opts.Date)
	for _, name := range stages {
		fn, err := p.stageFunc(name)
		if err != nil {
			return err
		}
		if !p.opts.Force && p.outputExists(name) {
			p.logf("skip stage %s: output exists for %s", name, p.opts.Date)
			continue
		}
		p.logf("run stage %s", name)
		if err := fn(ctx); err != nil {
			return fmt.Errorf("stage %s: %w", name, err)
		}

		if name == StageSearch {
			c, err := p.loadCatalog(p.searchJSONPath())
			if err != nil {
				return fmt.Errorf("stage %s: %w", name, err)
			}
			if len(c.Papers) == 0 {
				p.logf("no papers in window; stopping after %s", StageSearch)
				return nil
			}
		}
	}
	return nil
}

func (p *Pipeline) stageFunc(name string) (func(context.Context) error, error) {
	switch name {
	case StageSearch:
		return p.searchStage, nil
	case StageDedup:
		return p.dedupStage, nil
	case StageScore:
		return p.scoreStage, nil
	case StageFilter:
		return p.filterStage, nil
	case StageDownload:
		return p.downloadStage, nil
	case StageConvert:
		return p.convertStage, nil
	case StageInspect:
		return p.inspectStage, nil
	case StageScreen:
		return p.screenStage, nil
	case StageSummarize:
		return p.summarizeStage, nil
	case StageCondense:
		return p.condenseStage, nil
	case StageCollect:
		return p.collectStage, nil
	case StagePublish:
		return p.publishStage, nil
	default:
		return nil, fmt.Errorf("unknown stage %q", name)
	}
}

// outputExists reports whether a stage's terminal artifact is already on
// disk. Stages without one (download, convert, summarize, publish) always
// run; their per-item bookkeeping makes reruns cheap.
func (p *Pipeline) outputExists(name string) bool {
	var path string
	switch name {
	case StageSearch:
		path = p.searchJSONPath()
	case StageDedup:
		path = p.stageJSONPath(StageDedup)
	case StageScore:
		path = p.stageJSONPath(StageScore)
	case StageFilter:
		path = p.stageJSONPath(StageFilter)
	case StageInspect:
		path = p.stageJSONPath(StageInspect)
	case StageScreen:
		path = p.stageJSONPath(StageScreen)
	case StageCondense:
		path = p.finalJSONPath()
	case StageCollect:
		path = p.collectDir()
	default:
		return false
	}
	_, err := os.Stat(path)
	return err == nil
}

// path layout under DataRoot

func (p *Pipeline) path(parts ...string) string {
	return filepath.Join(append([]string{p.cfg.DataRoot}, parts...)...)
}

func (p *Pipeline) searchJSONPath() string {
	return p.path("catalog", p.opts.Date+".json")
}

func (p *Pipeline) searchMDPath() string {
	return p.path("catalog", p.opts.Date+".md")
}

func (p *Pipeline) stageJSONPath(stage string) string {
	return p.path(stage, p.opts.Date+".json")
}

func (p *Pipeline) itemsDir(stage string) string {
	return p.path(stage, "items", p.opts.Date)
}

func (p *Pipeline) pdfDir() string {
	return p.path("pdf", p.opts.Date)
}

func (p *Pipeline) pdfPath(id string) string {
	return filepath.Join(p.pdfDir(), id+".pdf")
}

func (p *Pipeline) convertDir() string {
	return p.path("convert", p.opts.Date)
}

func (p *Pipeline) notesDir() string {
	return p.path("notes", p.opts.Date)
}

func (p *Pipeline) notesPath(id string) string {
	return filepath.Join(p.notesDir(), id+".md")
}

func (p *Pipeline) condensedNotesDir() string {
	return p.path("condense", "notes", p.opts.Date)
}

func (p *Pipeline) condensedNotesPath(id string) string {
	return filepath.Join(p.condensedNotesDir(), id+".md")
}

func (p *Pipeline) finalJSONPath() string {
	return p.path("final", p.opts.Date+".json")
}

func (p *Pipeline) reportMDPath() string {
	return p.path("report", p.opts.Date+".md")
}

func (p *Pipeline) reportJSONPath() string {
	return p.path("report", p.opts.Date+".json")
}

func (p *Pipeline) collectDir() string {
	return p.path("collect", p.opts.Date)
}

func (p *Pipeline) manifestDir() string {
	return p.path("manifests")
}

func (p *Pipeline) loadCatalog(path string) (model.Catalog, error) {
	var c model.Catalog
	if err := util.ReadJSON(path, &c); err != nil {
		return c, fmt.Errorf("load catalog %s: %w", path, err)
	}
	return c, nil
}

func (p *Pipeline) writeCatalog(path string, c model.Catalog) error {
	if err := os.MkdirAll(filepath.Dir(path), 0o755); err != nil {
		return fmt.Errorf("create stage dir: %w", err)
	}
	if err := util.WriteJSONAtomic(path, c); err != nil {
		return fmt.Errorf("write catalog %s: %w", path, err)
	}
	return nil
}

func (p *Pipeline) logf(format string, a ...any) {
	if !p.opts.Verbose {
		return
	}
	fmt.Fprintf(p.opts.Log, format+"\n", a...)
}
