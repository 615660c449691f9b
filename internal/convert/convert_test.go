package convert

import (
	"archive/zip"
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"net/http/httptest"
	"os"
	"path/filepath"
	"strings"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/paperflow-io/paperflow/internal/model"
	"github.com/paperflow-io/paperflow/internal/transfer"
)

func bundleZip(t *testing.T, markdown string) []byte {
	t.Helper()
	var buf bytes.Buffer
	zw := zip.NewWriter(&buf)
	w, err := zw.Create("full.md")
	if err != nil {
		t.Fatal(err)
	}
	w.Write([]byte(markdown))
	img, err := zw.Create("images/fig1.png")
	if err != nil {
		t.Fatal(err)
	}
	img.Write([]byte("png bytes"))
	if err := zw.Close(); err != nil {
		t.Fatal(err)
	}
	return buf.Bytes()
}

// conversionServer emulates the batch conversion API: submission, presigned
// uploads, polling that takes a few rounds, and bundle downloads.
type conversionServer struct {
	srv *httptest.Server

	mu        sync.Mutex
	uploads   map[string][]byte
	submitted []FileRef
	polls     int
	failIDs   map[string]bool
	batches   atomic.Int32
	pollsFor  int // polls before items turn terminal
}

func newConversionServer(t *testing.T) *conversionServer {
	cs := &conversionServer{
		uploads:  make(map[string][]byte),
		failIDs:  make(map[string]bool),
		pollsFor: 2,
	}
	mux := http.NewServeMux()

	mux.HandleFunc("/api/v4/file-urls/batch", func(w http.ResponseWriter, r *http.Request) {
		if r.Header.Get("Authorization") != "Bearer test-token" {
			t.Errorf("auth header = %q", r.Header.Get("Authorization"))
		}
		var req struct {
			Files []FileRef `json:"files"`
		}
		if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
			t.Fatal(err)
		}
		cs.batches.Add(1)
		urls := make([]string, len(req.Files))
		for i, f := range req.Files {
			urls[i] = cs.srv.URL + "/upload/" + f.DataID
		}
		cs.mu.Lock()
		cs.submitted = req.Files
		cs.mu.Unlock()
		json.NewEncoder(w).Encode(map[string]any{
			"code": 0,
			"data": map[string]any{"batch_id": "batch-1", "file_urls": urls},
		})
	})

	mux.HandleFunc("/upload/", func(w http.ResponseWriter, r *http.Request) {
		if r.Method != http.MethodPut {
			t.Errorf("upload method = %s", r.Method)
		}
		id := strings.TrimPrefix(r.URL.Path, "/upload/")
		body := new(bytes.Buffer)
		body.ReadFrom(r.Body)
		cs.mu.Lock()
		cs.uploads[id] = body.Bytes()
		cs.mu.Unlock()
		w.WriteHeader(http.StatusOK)
	})

	mux.HandleFunc("/api/v4/extract-results/batch/", func(w http.ResponseWriter, r *http.Request) {
		cs.mu.Lock()
		cs.polls++
		ready := cs.polls > cs.pollsFor
		files := cs.submitted
		cs.mu.Unlock()

		results := make([]map[string]any, len(files))
		for i, f := range files {
			state := "running"
			res := map[string]any{"data_id": f.DataID, "file_name": f.Name}
			if ready {
				if cs.failIDs[f.DataID] {
					state = "failed"
					res["err_msg"] = "unreadable pdf"
				} else {
					state = "done"
					res["full_zip_url"] = cs.srv.URL + "/zip/" + f.DataID
				}
			}
			res["state"] = state
			results[i] = res
		}
		json.NewEncoder(w).Encode(map[string]any{
			"code": 0,
			"data": map[string]any{"extract_result": results},
		})
	})

	mux.HandleFunc("/zip/", func(w http.ResponseWriter, r *http.Request) {
		id := strings.TrimPrefix(r.URL.Path, "/zip/")
		w.Write(bundleZip(t, "# converted "+id))
	})

	cs.srv = httptest.NewServer(mux)
	t.Cleanup(cs.srv.Close)
	return cs
}

func newTestJob(t *testing.T, cs *conversionServer, outDir string) *Job {
	client, err := NewClient(model.ConvertConfig{BaseURL: cs.srv.URL, Token: "test-token", ModelVersion: "vlm"}, cs.srv.Client())
	if err != nil {
		t.Fatal(err)
	}
	tc := transfer.NewClient(cs.srv.Client(), "paperflow-test", 3, nil, nil)
	j := NewJob(client, tc, time.Millisecond, time.Minute, outDir)
	j.sleep = func(time.Duration) {}
	return j
}

func writePDF(t *testing.T, dir, name string) string {
	t.Helper()
	path := filepath.Join(dir, name)
	if err := os.WriteFile(path, []byte("%PDF-1.7 content of "+name), 0o644); err != nil {
		t.Fatal(err)
	}
	return path
}

func TestJobRunConvertsBatch(t *testing.T) {
	cs := newConversionServer(t)
	dir := t.TempDir()
	j := newTestJob(t, cs, filepath.Join(dir, "out"))

	inputs := []Input{
		{ID: "2506.00001", PDFPath: writePDF(t, dir, "a.pdf")},
		{ID: "2506.00002", PDFPath: writePDF(t, dir, "b.pdf")},
	}
	outcomes, err := j.Run(context.Background(), inputs)
	if err != nil {
		t.Fatalf("Run: %v", err)
	}
	for i, out := range outcomes {
		if out.Err != nil {
			t.Fatalf("outcome %d: %v", i, out.Err)
		}
		md, err := os.ReadFile(j.MarkdownPath(out.ID))
		if err != nil {
			t.Fatalf("read markdown for %s: %v", out.ID, err)
		}
		if string(md) != "# converted "+out.ID {
			t.Errorf("markdown = %q", md)
		}
		if !j.Converted(out.ID) {
			t.Errorf("Converted(%s) = false after run", out.ID)
		}
	}

	cs.mu.Lock()
	uploaded := string(cs.uploads["2506.00001"])
	cs.mu.Unlock()
	if !strings.Contains(uploaded, "a.pdf") {
		t.Errorf("upload body = %q", uploaded)
	}
}

func TestJobRunSkipsAlreadyConverted(t *testing.T) {
	cs := newConversionServer(t)
	dir := t.TempDir()
	j := newTestJob(t, cs, filepath.Join(dir, "out"))

	inputs := []Input{{ID: "2506.00001", PDFPath: writePDF(t, dir, "a.pdf")}}
	if _, err := j.Run(context.Background(), inputs); err != nil {
		t.Fatalf("first run: %v", err)
	}
	outcomes, err := j.Run(context.Background(), inputs)
	if err != nil {
		t.Fatalf("second run: %v", err)
	}
	if outcomes[0].Err != nil || outcomes[0].Dir == "" {
		t.Errorf("outcome = %+v", outcomes[0])
	}
	if cs.batches.Load() != 1 {
		t.Errorf("submitted %d batches, want 1", cs.batches.Load())
	}
}

func TestJobRunResubmitsInterruptedUnpack(t *testing.T) {
	cs := newConversionServer(t)
	dir := t.TempDir()
	out := filepath.Join(dir, "out")
	j := newTestJob(t, cs, out)

	// An interrupted extraction leaves only the temporary bundle dir.
	part := filepath.Join(out, "2506.11111.part")
	if err := os.MkdirAll(part, 0o755); err != nil {
		t.Fatal(err)
	}
	if err := os.WriteFile(filepath.Join(part, "full.md"), []byte("# truncated"), 0o644); err != nil {
		t.Fatal(err)
	}
	if j.Converted("2506.11111") {
		t.Fatal("partial bundle reported as converted")
	}

	inputs := []Input{{ID: "2506.11111", PDFPath: writePDF(t, dir, "a.pdf")}}
	outcomes, err := j.Run(context.Background(), inputs)
	if err != nil {
		t.Fatalf("Run: %v", err)
	}
	if outcomes[0].Err != nil {
		t.Fatalf("outcome: %v", outcomes[0].Err)
	}
	if cs.batches.Load() != 1 {
		t.Errorf("submitted %d batches, want 1", cs.batches.Load())
	}
	md, err := os.ReadFile(j.MarkdownPath("2506.11111"))
	if err != nil {
		t.Fatal(err)
	}
	if string(md) != "# converted 2506.11111" {
		t.Errorf("markdown = %q", md)
	}
	if _, err := os.Stat(part); !os.IsNotExist(err) {
		t.Errorf("temporary bundle dir survived: %v", err)
	}
}

func TestJobRunIsolatesFailedItem(t *testing.T) {
	cs := newConversionServer(t)
	cs.failIDs["2506.00002"] = true
	dir := t.TempDir()
	j := newTestJob(t, cs, filepath.Join(dir, "out"))

	inputs := []Input{
		{ID: "2506.00001", PDFPath: writePDF(t, dir, "a.pdf")},
		{ID: "2506.00002", PDFPath: writePDF(t, dir, "b.pdf")},
	}
	outcomes, err := j.Run(context.Background(), inputs)
	if err != nil {
		t.Fatalf("Run: %v", err)
	}
	if outcomes[0].Err != nil {
		t.Errorf("healthy item failed: %v", outcomes[0].Err)
	}
	if outcomes[1].Err == nil || !strings.Contains(outcomes[1].Err.Error(), "unreadable pdf") {
		t.Errorf("failed item outcome = %+v", outcomes[1])
	}
}

func TestJobRunTimesOut(t *testing.T) {
	cs := newConversionServer(t)
	cs.pollsFor = 1 << 30 // never terminal
	dir := t.TempDir()
	j := newTestJob(t, cs, filepath.Join(dir, "out"))

	fake := time.Now()
	j.now = func() time.Time {
		fake = fake.Add(10 * time.Minute)
		return fake
	}

	inputs := []Input{{ID: "2506.00001", PDFPath: writePDF(t, dir, "a.pdf")}}
	outcomes, err := j.Run(context.Background(), inputs)
	if err != nil {
		t.Fatalf("Run: %v", err)
	}
	if outcomes[0].Err == nil || !strings.Contains(outcomes[0].Err.Error(), "timed out") {
		t.Errorf("outcome = %+v", outcomes[0])
	}
}

func TestRequestBatchRejectsAPIError(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		fmt.Fprint(w, `{"code": -60012, "msg": "quota exceeded"}`)
	}))
	defer srv.Close()

	client, err := NewClient(model.ConvertConfig{BaseURL: srv.URL, Token: "test-token"}, srv.Client())
	if err != nil {
		t.Fatal(err)
	}
	_, _, err = client.RequestBatch(context.Background(), []FileRef{{Name: "a.pdf", DataID: "1"}})
	if err == nil || !strings.Contains(err.Error(), "quota exceeded") {
		t.Errorf("err = %v", err)
	}
}

func TestUnpackReplacesPartialBundle(t *testing.T) {
	dir := t.TempDir()
	bundle := filepath.Join(dir, "bundle")
	if err := os.MkdirAll(bundle, 0o755); err != nil {
		t.Fatal(err)
	}
	if err := os.WriteFile(filepath.Join(bundle, "full.md"), []byte("# trunc"), 0o644); err != nil {
		t.Fatal(err)
	}

	zipPath := filepath.Join(dir, "bundle.zip")
	if err := os.WriteFile(zipPath, bundleZip(t, "# complete"), 0o644); err != nil {
		t.Fatal(err)
	}
	if err := Unpack(zipPath, bundle); err != nil {
		t.Fatalf("Unpack: %v", err)
	}

	md, err := os.ReadFile(filepath.Join(bundle, "full.md"))
	if err != nil {
		t.Fatal(err)
	}
	if string(md) != "# complete" {
		t.Errorf("full.md = %q", md)
	}
	if _, err := os.Stat(filepath.Join(bundle, "images", "fig1.png")); err != nil {
		t.Errorf("bundle image missing: %v", err)
	}
	if _, err := os.Stat(bundle + ".part"); !os.IsNotExist(err) {
		t.Error("temporary dir left behind")
	}
}

func TestUnpackRejectsEscapingEntry(t *testing.T) {
	dir := t.TempDir()
	var buf bytes.Buffer
	zw := zip.NewWriter(&buf)
	w, err := zw.Create("../escape.md")
	if err != nil {
		t.Fatal(err)
	}
	w.Write([]byte("nope"))
	zw.Close()

	zipPath := filepath.Join(dir, "evil.zip")
	if err := os.WriteFile(zipPath, buf.Bytes(), 0o644); err != nil {
		t.Fatal(err)
	}
	if err := Unpack(zipPath, filepath.Join(dir, "bundle")); err == nil {
		t.Error("escaping entry accepted")
	}
}
