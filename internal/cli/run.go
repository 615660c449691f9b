package cli

import (
	"context"
	"fmt"
	"os"
	"os/signal"
	"strings"
	"syscall"
	"time"

	"github.com/spf13/cobra"

	"github.com/paperflow-io/paperflow/internal/pipeline"
	"github.com/paperflow-io/paperflow/internal/window"
)

var (
	batchDate  string
	winStart   string
	winEnd     string
	lastHours  float64
	anchorTZ   string
	anchorDate string
	winDays    int
	force      bool
	topic      string
	categories []string
	maxPapers  int
	pageSize   int
	pageSleep  time.Duration
	useProxy   bool
	userAgent  string
)

// runCmd represents the run command
var runCmd = &cobra.Command{
	Use:   "run [pipeline]",
	Short: "Run a pipeline for one batch date",
	Long: `Run executes a named pipeline against one time window of arXiv
submissions. Stages whose output already exists are skipped, so the
same date can be rerun safely after a partial failure.

Pipelines:
  default      search, dedup, score, filter, download, convert,
               inspect, screen, summarize, condense, collect, publish
  daily        same as default
  search-only  stop after retrieval and the catalog report

The window defaults to the day before today's midnight in --anchor-tz.

Example:
  paperflow run
  paperflow run daily --anchor-tz Asia/Shanghai --days 1
  paperflow run search-only --start 2026-08-20 --end 2026-08-22
  paperflow run --last-hours 36 --force`,
	Args: cobra.MaximumNArgs(1),
	RunE: runPipeline,
}

func init() {
	rootCmd.AddCommand(runCmd)

	// Window flags
	runCmd.Flags().StringVar(&winStart, "start", "", "window start, UTC (YYYY-MM-DD or RFC 3339)")
	runCmd.Flags().StringVar(&winEnd, "end", "", "window end, UTC; a date value includes that whole day")
	runCmd.Flags().Float64Var(&lastHours, "last-hours", 0, "window = the last N hours ending now")
	runCmd.Flags().StringVar(&anchorTZ, "anchor-tz", "UTC", "timezone whose midnight ends the window")
	runCmd.Flags().StringVar(&anchorDate, "anchor-date", "", "anchor day (YYYY-MM-DD, default: today in anchor-tz)")
	runCmd.Flags().IntVar(&winDays, "days", 1, "window length in days before the anchor midnight")

	// Run flags
	runCmd.Flags().StringVar(&batchDate, "date", "", "batch date naming the output files (default: derived from window)")
	runCmd.Flags().BoolVar(&force, "force", false, "rerun stages whose output already exists")

	// Retrieval overrides
	runCmd.Flags().StringVar(&topic, "query", "", "topic query (tokens, or advanced syntax with field prefixes)")
	runCmd.Flags().StringSliceVar(&categories, "categories", nil, "arXiv categories to search")
	runCmd.Flags().IntVar(&maxPapers, "max-papers", 0, "cap on retrieved papers")
	runCmd.Flags().IntVar(&pageSize, "page-size", 0, "arXiv API page size")
	runCmd.Flags().DurationVar(&pageSleep, "page-sleep", 0, "pause between arXiv API pages")

	// Transport overrides
	runCmd.Flags().BoolVar(&useProxy, "proxy", false, "route requests through the configured proxy")
	runCmd.Flags().StringVar(&userAgent, "ua", "", "HTTP User-Agent")
}

func runPipeline(cmd *cobra.Command, args []string) error {
	pipelineName := "default"
	if len(args) == 1 {
		pipelineName = args[0]
	}
	stages, err := pipeline.StageList(pipelineName)
	if err != nil {
		return err
	}

	cfg, err := loadConfig()
	if err != nil {
		return err
	}
	if cmd.Flags().Changed("query") {
		cfg.Arxiv.Query = topic
	}
	if cmd.Flags().Changed("categories") {
		cfg.Arxiv.Categories = categories
	}
	if cmd.Flags().Changed("max-papers") {
		cfg.Arxiv.MaxPapers = maxPapers
	}
	if cmd.Flags().Changed("page-size") {
		cfg.Arxiv.PageSize = pageSize
	}
	if cmd.Flags().Changed("page-sleep") {
		cfg.Arxiv.PageSleep = pageSleep
	}
	if cmd.Flags().Changed("proxy") {
		cfg.HTTP.UseProxy = useProxy
	}
	if cmd.Flags().Changed("ua") {
		cfg.HTTP.UserAgent = userAgent
	}

	winOpts := window.Options{
		Start:      winStart,
		End:        winEnd,
		LastHours:  lastHours,
		AnchorDate: anchorDate,
		Days:       winDays,
	}
	// The default timezone only applies in anchor mode; forwarding it
	// unconditionally would conflict with --last-hours.
	if cmd.Flags().Changed("anchor-tz") {
		winOpts.AnchorTZ = anchorTZ
	}
	win, err := window.Resolve(winOpts)
	if err != nil {
		return err
	}

	date := batchDate
	if date == "" {
		date = win.AnchorDate
	}
	if date == "" {
		date = win.End.Format("2006-01-02")
	}

	if cfg.Output.Verbose {
		fmt.Fprintf(os.Stderr, "Pipeline: %s (%s)\n", pipelineName, strings.Join(stages, ", "))
		fmt.Fprintf(os.Stderr, "Date: %s\n", date)
		fmt.Fprintf(os.Stderr, "Window: %s\n", win)
		fmt.Fprintln(os.Stderr)
	}

	p, err := pipeline.New(cfg, pipeline.Options{
		Date:    date,
		Window:  win,
		Force:   force,
		Verbose: cfg.Output.Verbose,
	})
	if err != nil {
		return err
	}

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	return p.Run(ctx, stages)
}
