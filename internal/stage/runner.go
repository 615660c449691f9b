package stage

import (
	"context"
	"fmt"
	"io"
	"os"

	"github.com/paperflow-io/paperflow/internal/errs"
	"github.com/paperflow-io/paperflow/internal/model"
	"github.com/paperflow-io/paperflow/internal/worker"
)

// Task is one unit of work within a stage. Run produces the item's artifact
// and returns its path; it must write the artifact atomically so that a
// partial write never looks finished. Check reports whether an artifact
// recorded by an earlier run is still usable; a nil Check trusts the
// manifest.
type Task struct {
	ID    string
	Run   func(ctx context.Context) (artifact string, err error)
	Check func(artifact string) error
}

// Summary counts what a stage run did.
type Summary struct {
	Total   int
	Skipped int
	Done    int
	Failed  int
}

// Runner executes a stage's tasks with bounded concurrency, skipping items
// the manifest already records as done, and aborts when failures exceed the
// configured budget.
type Runner struct {
	Name        string
	Date        string
	Dir         string
	Concurrency int
	Budget      model.StageConfig
	Verbose     bool
	Log         io.Writer
}

// Run executes tasks, updates the manifest, and returns the run summary.
// The manifest is saved even when the failure budget aborts the stage so
// that successful items survive for the next attempt.
func (r *Runner) Run(ctx context.Context, tasks []Task) (Summary, error) {
	manifest, err := LoadManifest(r.Dir, r.Date, r.Name)
	if err != nil {
		return Summary{}, err
	}

	summary := Summary{Total: len(tasks)}
	var pending []Task
	for _, t := range tasks {
		item, ok := manifest.Get(t.ID)
		if ok && item.Status == StatusDone {
			if t.Check == nil || t.Check(item.Artifact) == nil {
				summary.Skipped++
				continue
			}
			// Recorded done but the artifact no longer validates: redo it.
			manifest.Mark(t.ID, StatusPending, "", "")
		}
		pending = append(pending, t)
	}
	r.logf("stage %s: %d items, %d already done", r.Name, len(tasks), summary.Skipped)

	concurrency := r.Concurrency
	if concurrency <= 0 {
		concurrency = 1
	}
	outcomes := worker.MapBounded(ctx, pending, concurrency, func(ctx context.Context, t Task) (string, error) {
		artifact, err := t.Run(ctx)
		if err != nil {
			return "", &errs.ItemError{Stage: r.Name, ID: t.ID, Err: err}
		}
		return artifact, nil
	})

	for i, out := range outcomes {
		t := pending[i]
		if out.Err != nil {
			summary.Failed++
			manifest.Mark(t.ID, StatusFailed, "", out.Err.Error())
			r.logf("stage %s: %s failed: %v", r.Name, t.ID, out.Err)
			continue
		}
		summary.Done++
		manifest.Mark(t.ID, StatusDone, out.Value, "")
	}

	if err := manifest.Save(); err != nil {
		return summary, err
	}
	if err := ctx.Err(); err != nil {
		return summary, err
	}

	if r.overBudget(summary) {
		return summary, &errs.StageAbortError{Stage: r.Name, Failed: summary.Failed, Total: summary.Total}
	}
	r.logf("stage %s: %d done, %d skipped, %d failed", r.Name, summary.Done, summary.Skipped, summary.Failed)
	return summary, nil
}

func (r *Runner) overBudget(s Summary) bool {
	if s.Failed == 0 {
		return false
	}
	if r.Budget.MaxFailureCount > 0 && s.Failed > r.Budget.MaxFailureCount {
		return true
	}
	if r.Budget.MaxFailureFrac > 0 && s.Total > 0 {
		if float64(s.Failed)/float64(s.Total) > r.Budget.MaxFailureFrac {
			return true
		}
	}
	return false
}

func (r *Runner) logf(format string, a ...any) {
	if !r.Verbose {
		return
	}
	w := r.Log
	if w == nil {
		w = os.Stderr
	}
	fmt.Fprintf(w, format+"\n", a...)
}
