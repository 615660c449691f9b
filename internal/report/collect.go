package report

import (
	"fmt"
	"io"
	"os"
	"path/filepath"

	"github.com/paperflow-io/paperflow/internal/model"
	"github.com/paperflow-io/paperflow/internal/util"
)

// Layout names the per-stage directories the collect step reads from.
type Layout struct {
	PDFDir    string // <id>.pdf
	NotesDir  string // <id>.md
	BundleDir string // <id>/full.md and <id>/images/
	OutDir    string
}

// CollectSummary reports what the collect step gathered.
type CollectSummary struct {
	Papers  int
	Copied  int
	Missing []string
}

// Collect gathers each paper's deliverables into one folder per paper:
// the PDF, the notes, the paper's catalog entry, and converted images.
// Missing inputs are recorded, not fatal; a paper that failed an optional
// stage still ships with what it has.
func Collect(layout Layout, papers []model.Paper) (CollectSummary, error) {
	summary := CollectSummary{Papers: len(papers)}
	for _, p := range papers {
		id := p.ArxivID
		if id == "" {
			summary.Missing = append(summary.Missing, fmt.Sprintf("paper %q has no arxiv id", p.Title))
			continue
		}
		dir := filepath.Join(layout.OutDir, id)
		if err := os.MkdirAll(dir, 0o755); err != nil {
			return summary, fmt.Errorf("create collect dir: %w", err)
		}

		copies := []struct{ src, dst string }{
			{filepath.Join(layout.PDFDir, id+".pdf"), filepath.Join(dir, id+".pdf")},
			{filepath.Join(layout.NotesDir, id+".md"), filepath.Join(dir, id+"_notes.md")},
		}
		for _, c := range copies {
			switch err := copyFile(c.src, c.dst); {
			case err == nil:
				summary.Copied++
			case os.IsNotExist(err):
				summary.Missing = append(summary.Missing, c.src)
			default:
				return summary, err
			}
		}

		if err := util.WriteJSONAtomic(filepath.Join(dir, "paper.json"), p); err != nil {
			return summary, fmt.Errorf("write paper info: %w", err)
		}
		summary.Copied++

		n, err := copyImages(filepath.Join(layout.BundleDir, id, "images"), filepath.Join(dir, "images"))
		if err != nil {
			return summary, err
		}
		summary.Copied += n
	}
	return summary, nil
}

func copyImages(srcDir, dstDir string) (int, error) {
	entries, err := os.ReadDir(srcDir)
	if os.IsNotExist(err) {
		return 0, nil
	}
	if err != nil {
		return 0, fmt.Errorf("read images dir: %w", err)
	}
	copied := 0
	for _, e := range entries {
		if e.IsDir() {
			continue
		}
		if err := os.MkdirAll(dstDir, 0o755); err != nil {
			return copied, fmt.Errorf("create images dir: %w", err)
		}
		if err := copyFile(filepath.Join(srcDir, e.Name()), filepath.Join(dstDir, e.Name())); err != nil {
			return copied, err
		}
		copied++
	}
	return copied, nil
}

func copyFile(src, dst string) error {
	in, err := os.Open(src)
	if err != nil {
		return err
	}
	defer in.Close()

	out, err := os.Create(dst)
	if err != nil {
		return fmt.Errorf("create %s: %w", dst, err)
	}
	if _, err := io.Copy(out, in); err != nil {
		out.Close()
		return fmt.Errorf("copy to %s: %w", dst, err)
	}
	return out.Close()
}
