package stage

import (
	"context"
	"errors"
	"io"
	"os"
	"path/filepath"
	"strings"
	"sync/atomic"
	"testing"

	"github.com/paperflow-io/paperflow/internal/errs"
	"github.com/paperflow-io/paperflow/internal/model"
)

func writeTask(t *testing.T, dir, id string, runs *atomic.Int32) Task {
	t.Helper()
	path := filepath.Join(dir, id+".txt")
	return Task{
		ID: id,
		Run: func(ctx context.Context) (string, error) {
			runs.Add(1)
			if err := os.WriteFile(path, []byte("artifact "+id), 0o644); err != nil {
				return "", err
			}
			return path, nil
		},
		Check: func(artifact string) error {
			_, err := os.Stat(artifact)
			return err
		},
	}
}

func TestRunnerExecutesAndRecords(t *testing.T) {
	dir := t.TempDir()
	r := &Runner{Name: "download", Date: "2025-06-15", Dir: dir, Concurrency: 2, Log: io.Discard}

	var runs atomic.Int32
	tasks := []Task{
		writeTask(t, dir, "2506.00001", &runs),
		writeTask(t, dir, "2506.00002", &runs),
		writeTask(t, dir, "2506.00003", &runs),
	}

	summary, err := r.Run(context.Background(), tasks)
	if err != nil {
		t.Fatalf("Run: %v", err)
	}
	if summary.Done != 3 || summary.Failed != 0 || summary.Skipped != 0 {
		t.Errorf("summary = %+v", summary)
	}
	if runs.Load() != 3 {
		t.Errorf("ran %d tasks, want 3", runs.Load())
	}

	m, err := LoadManifest(dir, "2025-06-15", "download")
	if err != nil {
		t.Fatalf("LoadManifest: %v", err)
	}
	for _, task := range tasks {
		item, ok := m.Get(task.ID)
		if !ok || item.Status != StatusDone {
			t.Errorf("item %s = %+v, want done", task.ID, item)
		}
		if item.Artifact == "" {
			t.Errorf("item %s missing artifact path", task.ID)
		}
	}
}

func TestRunnerSkipsDoneItemsOnResume(t *testing.T) {
	dir := t.TempDir()
	r := &Runner{Name: "download", Date: "2025-06-15", Dir: dir, Concurrency: 2, Log: io.Discard}

	var runs atomic.Int32
	tasks := []Task{
		writeTask(t, dir, "2506.00001", &runs),
		writeTask(t, dir, "2506.00002", &runs),
	}

	if _, err := r.Run(context.Background(), tasks); err != nil {
		t.Fatalf("first run: %v", err)
	}
	summary, err := r.Run(context.Background(), tasks)
	if err != nil {
		t.Fatalf("second run: %v", err)
	}
	if summary.Skipped != 2 || summary.Done != 0 {
		t.Errorf("resume summary = %+v, want all skipped", summary)
	}
	if runs.Load() != 2 {
		t.Errorf("tasks ran %d times total, want 2", runs.Load())
	}
}

func TestRunnerRedoesDoneItemWithMissingArtifact(t *testing.T) {
	dir := t.TempDir()
	r := &Runner{Name: "download", Date: "2025-06-15", Dir: dir, Concurrency: 1, Log: io.Discard}

	var runs atomic.Int32
	task := writeTask(t, dir, "2506.00001", &runs)
	if _, err := r.Run(context.Background(), []Task{task}); err != nil {
		t.Fatalf("first run: %v", err)
	}

	// Simulate a crash after the manifest was written but the artifact lost.
	if err := os.Remove(filepath.Join(dir, "2506.00001.txt")); err != nil {
		t.Fatal(err)
	}

	summary, err := r.Run(context.Background(), []Task{task})
	if err != nil {
		t.Fatalf("second run: %v", err)
	}
	if summary.Done != 1 || summary.Skipped != 0 {
		t.Errorf("summary = %+v, want the item redone", summary)
	}
	if runs.Load() != 2 {
		t.Errorf("task ran %d times, want 2", runs.Load())
	}
	if _, err := os.Stat(filepath.Join(dir, "2506.00001.txt")); err != nil {
		t.Errorf("artifact not restored: %v", err)
	}
}

func TestRunnerAbortsOverFailureBudget(t *testing.T) {
	dir := t.TempDir()
	r := &Runner{
		Name: "score", Date: "2025-06-15", Dir: dir, Concurrency: 2,
		Budget: model.StageConfig{MaxFailureFrac: 0.5},
		Log:    io.Discard,
	}

	var runs atomic.Int32
	boom := errors.New("model unavailable")
	tasks := []Task{
		writeTask(t, dir, "2506.00001", &runs),
		{ID: "2506.00002", Run: func(ctx context.Context) (string, error) { return "", boom }},
		{ID: "2506.00003", Run: func(ctx context.Context) (string, error) { return "", boom }},
	}

	summary, err := r.Run(context.Background(), tasks)
	var abort *errs.StageAbortError
	if !errors.As(err, &abort) {
		t.Fatalf("err = %v, want StageAbortError", err)
	}
	if abort.Failed != 2 || abort.Total != 3 {
		t.Errorf("abort = %+v", abort)
	}
	if summary.Done != 1 {
		t.Errorf("summary = %+v, want the healthy item done", summary)
	}

	// Successful items must survive the abort for the next attempt.
	m, err := LoadManifest(dir, "2025-06-15", "score")
	if err != nil {
		t.Fatal(err)
	}
	if item, _ := m.Get("2506.00001"); item.Status != StatusDone {
		t.Errorf("healthy item = %+v, want done", item)
	}
	if item, _ := m.Get("2506.00002"); item.Status != StatusFailed || item.Error == "" {
		t.Errorf("failed item = %+v, want failed with message", item)
	}
}

func TestRunnerRetriesFailedItemsOnResume(t *testing.T) {
	dir := t.TempDir()
	r := &Runner{Name: "score", Date: "2025-06-15", Dir: dir, Concurrency: 1, Log: io.Discard}

	var attempts atomic.Int32
	path := filepath.Join(dir, "flaky.txt")
	flaky := Task{
		ID: "2506.00009",
		Run: func(ctx context.Context) (string, error) {
			if attempts.Add(1) == 1 {
				return "", errors.New("timeout")
			}
			if err := os.WriteFile(path, []byte("ok"), 0o644); err != nil {
				return "", err
			}
			return path, nil
		},
	}

	if summary, _ := r.Run(context.Background(), []Task{flaky}); summary.Failed != 1 {
		t.Fatalf("first run summary = %+v, want 1 failed", summary)
	}
	summary, err := r.Run(context.Background(), []Task{flaky})
	if err != nil {
		t.Fatalf("second run: %v", err)
	}
	if summary.Done != 1 {
		t.Errorf("second run summary = %+v, want the item done", summary)
	}
}

func TestManifestRejectsMismatchedIdentity(t *testing.T) {
	dir := t.TempDir()
	m, err := LoadManifest(dir, "2025-06-15", "download")
	if err != nil {
		t.Fatal(err)
	}
	m.Mark("2506.00001", StatusDone, "x", "")
	if err := m.Save(); err != nil {
		t.Fatal(err)
	}

	// Same file path is only possible with the same date and stage, so
	// corrupt the header to simulate a foreign file.
	path := filepath.Join(dir, "2025-06-15.download.manifest.json")
	data, err := os.ReadFile(path)
	if err != nil {
		t.Fatal(err)
	}
	corrupted := strings.Replace(string(data), `"stage": "download"`, `"stage": "convert"`, 1)
	if err := os.WriteFile(path, []byte(corrupted), 0o644); err != nil {
		t.Fatal(err)
	}

	if _, err := LoadManifest(dir, "2025-06-15", "download"); err == nil {
		t.Error("mismatched manifest accepted")
	}
}
