package arxiv

import (
	"context"
	"fmt"
	"net/http"
	"net/http/httptest"
	"net/url"
	"strconv"
	"strings"
	"sync/atomic"
	"testing"
	"time"

	"github.com/paperflow-io/paperflow/internal/model"
	"github.com/paperflow-io/paperflow/internal/window"
)

func mustWindow(t *testing.T, start, end string) window.Window {
	t.Helper()
	s, err := time.Parse(time.RFC3339, start)
	if err != nil {
		t.Fatal(err)
	}
	e, err := time.Parse(time.RFC3339, end)
	if err != nil {
		t.Fatal(err)
	}
	return window.Window{Start: s.UTC(), End: e.UTC()}
}

func TestBuildQuery(t *testing.T) {
	w := mustWindow(t, "2025-06-14T16:00:30Z", "2025-06-15T16:00:30Z")

	got := BuildQuery([]string{"cs.CL", "cs.LG"}, "large language model", w)
	want := "(cat:cs.CL OR cat:cs.LG) AND (all:large AND all:language AND all:model) AND submittedDate:[202506141600 TO 202506151601]"
	if got != want {
		t.Errorf("BuildQuery =\n  %s\nwant\n  %s", got, want)
	}
}

func TestBuildQueryMinuteRounding(t *testing.T) {
	// Whole-minute bounds must not be shifted.
	w := mustWindow(t, "2025-06-14T16:00:00Z", "2025-06-15T16:00:00Z")
	got := BuildQuery(nil, "", w)
	want := "submittedDate:[202506141600 TO 202506151600]"
	if got != want {
		t.Errorf("BuildQuery = %s, want %s", got, want)
	}
}

func TestBuildQueryPassesThroughAdvancedTopic(t *testing.T) {
	w := mustWindow(t, "2025-06-14T00:00:00Z", "2025-06-15T00:00:00Z")
	got := BuildQuery(nil, `ti:"reinforcement learning" AND abs:reward`, w)
	if !strings.Contains(got, `(ti:"reinforcement learning" AND abs:reward)`) {
		t.Errorf("advanced topic rewritten: %s", got)
	}
	if strings.Contains(got, "all:") {
		t.Errorf("advanced topic tokenized: %s", got)
	}
}

func feedEntry(id, title, published string) string {
	return fmt.Sprintf(`<entry>
<id>http://arxiv.org/abs/%s</id>
<title>%s</title>
<summary>We study &lt;b&gt;things&lt;/b&gt; at scale.</summary>
<published>%s</published>
<author><name>Ada Lovelace</name></author>
<link rel="alternate" href="http://arxiv.org/abs/%s"/>
</entry>`, id, title, published, id)
}

func feedBody(entries ...string) string {
	return `<?xml version="1.0" encoding="UTF-8"?>
<feed xmlns="http://www.w3.org/2005/Atom">` + strings.Join(entries, "\n") + `</feed>`
}

func TestSearchFiltersByPublishedWindow(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		start, _ := strconv.Atoi(r.URL.Query().Get("start"))
		if start > 0 {
			fmt.Fprint(w, feedBody())
			return
		}
		if r.URL.Query().Get("sortBy") != "submittedDate" {
			t.Errorf("sortBy = %q", r.URL.Query().Get("sortBy"))
		}
		fmt.Fprint(w, feedBody(
			feedEntry("2506.11111v1", "Too New", "2025-06-15T18:00:00Z"),
			feedEntry("2506.22222v1", "In Window", "2025-06-15T10:00:00Z"),
			feedEntry("2506.33333v2", "Too Old", "2025-06-13T10:00:00Z"),
		))
	}))
	defer srv.Close()

	c := NewClient(model.ArxivConfig{APIURL: srv.URL, PageSize: 100}, srv.Client(), "paperflow-test")
	c.sleep = func(time.Duration) {}

	w := mustWindow(t, "2025-06-14T16:00:00Z", "2025-06-15T16:00:00Z")
	papers, err := c.Search(context.Background(), "cat:cs.CL", w)
	if err != nil {
		t.Fatalf("Search: %v", err)
	}
	if len(papers) != 1 {
		t.Fatalf("got %d papers, want 1: %+v", len(papers), papers)
	}
	p := papers[0]
	if p.Title != "In Window" {
		t.Errorf("title = %q", p.Title)
	}
	if p.ArxivID != "2506.22222" {
		t.Errorf("arxiv id = %q", p.ArxivID)
	}
	if p.Summary != "We study things at scale." {
		t.Errorf("summary markup not stripped: %q", p.Summary)
	}
	if len(p.Authors) != 1 || p.Authors[0] != "Ada Lovelace" {
		t.Errorf("authors = %v", p.Authors)
	}
}

func TestSearchStopsWhenPageEntirelyOld(t *testing.T) {
	var pages atomic.Int32
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		pages.Add(1)
		// Every entry predates the window; pagination must stop after
		// this page even though it is full.
		fmt.Fprint(w, feedBody(
			feedEntry("2505.00001v1", "Old A", "2025-05-01T10:00:00Z"),
			feedEntry("2505.00002v1", "Old B", "2025-05-01T09:00:00Z"),
		))
	}))
	defer srv.Close()

	c := NewClient(model.ArxivConfig{APIURL: srv.URL, PageSize: 2}, srv.Client(), "paperflow-test")
	c.sleep = func(time.Duration) {}

	w := mustWindow(t, "2025-06-14T16:00:00Z", "2025-06-15T16:00:00Z")
	papers, err := c.Search(context.Background(), "cat:cs.CL", w)
	if err != nil {
		t.Fatalf("Search: %v", err)
	}
	if len(papers) != 0 {
		t.Errorf("got %d papers, want 0", len(papers))
	}
	if pages.Load() != 1 {
		t.Errorf("fetched %d pages, want 1", pages.Load())
	}
}

func TestSearchCapsAtMaxPapers(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		fmt.Fprint(w, feedBody(
			feedEntry("2506.00001v1", "One", "2025-06-15T12:00:00Z"),
			feedEntry("2506.00002v1", "Two", "2025-06-15T11:00:00Z"),
			feedEntry("2506.00003v1", "Three", "2025-06-15T10:00:00Z"),
		))
	}))
	defer srv.Close()

	c := NewClient(model.ArxivConfig{APIURL: srv.URL, PageSize: 3, MaxPapers: 2}, srv.Client(), "paperflow-test")
	c.sleep = func(time.Duration) {}

	w := mustWindow(t, "2025-06-14T16:00:00Z", "2025-06-15T16:00:00Z")
	papers, err := c.Search(context.Background(), "cat:cs.CL", w)
	if err != nil {
		t.Fatalf("Search: %v", err)
	}
	if len(papers) != 2 {
		t.Errorf("got %d papers, want cap of 2", len(papers))
	}
}

func TestSearchRetriesTransientPage(t *testing.T) {
	var hits atomic.Int32
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if hits.Add(1) == 1 {
			w.WriteHeader(http.StatusServiceUnavailable)
			return
		}
		fmt.Fprint(w, feedBody(feedEntry("2506.00001v1", "One", "2025-06-15T12:00:00Z")))
	}))
	defer srv.Close()

	c := NewClient(model.ArxivConfig{APIURL: srv.URL, PageSize: 10}, srv.Client(), "paperflow-test")
	c.sleep = func(time.Duration) {}

	w := mustWindow(t, "2025-06-14T16:00:00Z", "2025-06-15T16:00:00Z")
	papers, err := c.Search(context.Background(), "cat:cs.CL", w)
	if err != nil {
		t.Fatalf("Search: %v", err)
	}
	if len(papers) != 1 {
		t.Errorf("got %d papers after retry, want 1", len(papers))
	}
	if hits.Load() != 2 {
		t.Errorf("server hit %d times, want 2", hits.Load())
	}
}

func TestPDFURL(t *testing.T) {
	got := PDFURL("", "2506.12345")
	if got != "https://arxiv.org/pdf/2506.12345" {
		t.Errorf("PDFURL = %q", got)
	}
	if _, err := url.Parse(got); err != nil {
		t.Errorf("PDFURL not parseable: %v", err)
	}
	if got := PDFURL("http://mirror.test/pdf/", "2506.12345"); got != "http://mirror.test/pdf/2506.12345" {
		t.Errorf("PDFURL with base = %q", got)
	}
}
