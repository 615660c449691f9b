package convert

import (
	"context"
	"fmt"
	"os"
	"path/filepath"
	"time"

	"github.com/paperflow-io/paperflow/internal/errs"
	"github.com/paperflow-io/paperflow/internal/transfer"
)

// Input names one local PDF to convert. ID must be unique within the batch.
type Input struct {
	ID      string
	PDFPath string
}

// Outcome is the terminal result for one input: the directory holding the
// extracted markdown bundle, or the error that stopped it.
type Outcome struct {
	ID  string
	Dir string
	Err error
}

// Job runs one conversion batch end to end: submit, upload, poll until every
// item is terminal, then fetch and unpack the result bundles. State only
// moves forward; a batch is never resubmitted within a run.
type Job struct {
	client       *Client
	transfer     *transfer.Client
	pollInterval time.Duration
	maxWait      time.Duration
	outDir       string

	// injectable for tests
	sleep func(time.Duration)
	now   func() time.Time
}

// NewJob creates a conversion job writing bundles under outDir.
func NewJob(client *Client, tc *transfer.Client, pollInterval, maxWait time.Duration, outDir string) *Job {
	if pollInterval <= 0 {
		pollInterval = 3 * time.Second
	}
	if maxWait <= 0 {
		maxWait = 15 * time.Minute
	}
	return &Job{
		client:       client,
		transfer:     tc,
		pollInterval: pollInterval,
		maxWait:      maxWait,
		outDir:       outDir,
		sleep:        time.Sleep,
		now:          time.Now,
	}
}

// BundleDir returns where a converted item's bundle is unpacked.
func (j *Job) BundleDir(id string) string {
	return filepath.Join(j.outDir, id)
}

// MarkdownPath returns the converted markdown file for an item.
func (j *Job) MarkdownPath(id string) string {
	return filepath.Join(j.BundleDir(id), "full.md")
}

// Converted reports whether an item's bundle is complete on disk, which
// lets reruns skip items converted by an earlier attempt. Unpack renames
// finished bundles into place, so a present non-empty full.md implies the
// whole bundle; an interrupted extraction lives in a ".part" directory and
// never matches.
func (j *Job) Converted(id string) bool {
	info, err := os.Stat(j.MarkdownPath(id))
	return err == nil && info.Size() > 0
}

// Run converts the inputs and returns one outcome per input, in input order.
// A batch-level failure (submission, upload, polling) fails every pending
// item; per-item conversion failures only fail their own item.
func (j *Job) Run(ctx context.Context, inputs []Input) ([]Outcome, error) {
	outcomes := make([]Outcome, len(inputs))
	byID := make(map[string]*Outcome, len(inputs))
	for i, in := range inputs {
		outcomes[i] = Outcome{ID: in.ID}
		byID[in.ID] = &outcomes[i]
	}

	// Items already converted by an earlier run stay out of the batch.
	var pending []Input
	for _, in := range inputs {
		if j.Converted(in.ID) {
			byID[in.ID].Dir = j.BundleDir(in.ID)
			continue
		}
		pending = append(pending, in)
	}
	if len(pending) == 0 {
		return outcomes, nil
	}

	files := make([]FileRef, len(pending))
	for i, in := range pending {
		files[i] = FileRef{Name: filepath.Base(in.PDFPath), DataID: in.ID}
	}
	batchID, slots, err := j.client.RequestBatch(ctx, files)
	if err != nil {
		return outcomes, fmt.Errorf("submit batch: %w", err)
	}

	for i, slot := range slots {
		if err := j.transfer.Push(ctx, pending[i].PDFPath, slot.URL); err != nil {
			return outcomes, fmt.Errorf("upload %s: %w", slot.DataID, err)
		}
	}

	statuses, err := j.poll(ctx, batchID, len(pending))
	if err != nil {
		return outcomes, err
	}

	for _, st := range statuses {
		out, ok := byID[st.DataID]
		if !ok {
			continue // foreign item in a shared batch
		}
		switch st.State {
		case StateDone:
			dir, err := j.fetchBundle(ctx, st)
			if err != nil {
				out.Err = err
				continue
			}
			out.Dir = dir
		case StateFailed:
			out.Err = fmt.Errorf("conversion failed: %s", st.ErrMsg)
		default:
			out.Err = fmt.Errorf("conversion timed out in state %q", st.State)
		}
	}
	for _, in := range pending {
		out := byID[in.ID]
		if out.Dir == "" && out.Err == nil {
			out.Err = fmt.Errorf("no status reported for item")
		}
	}
	return outcomes, nil
}

// poll waits until every batch item is terminal or maxWait elapses,
// returning the last observed statuses either way.
func (j *Job) poll(ctx context.Context, batchID string, want int) ([]ItemStatus, error) {
	deadline := j.now().Add(j.maxWait)
	var last []ItemStatus
	for {
		statuses, err := j.client.BatchStatus(ctx, batchID)
		switch {
		case err == nil:
			last = statuses
			terminal := 0
			for _, st := range statuses {
				if st.Terminal() {
					terminal++
				}
			}
			if len(statuses) >= want && terminal >= want {
				return last, nil
			}
		case !errs.IsTransient(err):
			return last, fmt.Errorf("poll batch %s: %w", batchID, err)
		}
		// Transient status errors just mean we poll again.

		if j.now().After(deadline) {
			return last, nil
		}
		select {
		case <-ctx.Done():
			return last, ctx.Err()
		default:
		}
		j.sleep(j.pollInterval)
	}
}

func (j *Job) fetchBundle(ctx context.Context, st ItemStatus) (string, error) {
	if st.FullZipURL == "" {
		return "", fmt.Errorf("done item has no bundle URL")
	}
	zipPath := filepath.Join(j.outDir, st.DataID+".zip")
	if err := os.MkdirAll(j.outDir, 0o755); err != nil {
		return "", fmt.Errorf("create output dir: %w", err)
	}
	if err := j.transfer.Fetch(ctx, st.FullZipURL, zipPath, transfer.ZipValidator(), nil); err != nil {
		return "", fmt.Errorf("fetch bundle: %w", err)
	}

	dir := j.BundleDir(st.DataID)
	if err := Unpack(zipPath, dir); err != nil {
		return "", fmt.Errorf("unpack bundle: %w", err)
	}
	os.Remove(zipPath)
	return dir, nil
}
