package arxiv

import (
	"context"
	"encoding/xml"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"strconv"
	"strings"
	"time"

	"golang.org/x/net/html"

	"github.com/paperflow-io/paperflow/internal/errs"
	"github.com/paperflow-io/paperflow/internal/model"
	"github.com/paperflow-io/paperflow/internal/window"
)

const maxPageRetries = 3

// Client pages through arXiv API results, filtering entries to the batch
// window by their published timestamp. The submittedDate clause in the query
// is only a coarse pre-filter; the authoritative check happens here.
type Client struct {
	baseURL    string
	httpClient *http.Client
	userAgent  string
	pageSize   int
	maxPapers  int
	pageSleep  time.Duration

	// sleep is injectable for tests.
	sleep func(time.Duration)
}

// NewClient creates an arXiv client from config.
func NewClient(cfg model.ArxivConfig, httpClient *http.Client, userAgent string) *Client {
	pageSize := cfg.PageSize
	if pageSize <= 0 {
		pageSize = 200
	}
	return &Client{
		baseURL:    cfg.APIURL,
		httpClient: httpClient,
		userAgent:  userAgent,
		pageSize:   pageSize,
		maxPapers:  cfg.MaxPapers,
		pageSleep:  cfg.PageSleep,
		sleep:      time.Sleep,
	}
}

// Search fetches all papers whose published timestamp falls inside the
// window, newest first, capped at the configured maximum.
func (c *Client) Search(ctx context.Context, query string, w window.Window) ([]model.Paper, error) {
	var papers []model.Paper
	for start := 0; ; start += c.pageSize {
		if start > 0 && c.pageSleep > 0 {
			select {
			case <-ctx.Done():
				return nil, ctx.Err()
			default:
			}
			c.sleep(c.pageSleep)
		}

		entries, err := c.fetchPage(ctx, query, start)
		if err != nil {
			return nil, err
		}
		if len(entries) == 0 {
			break
		}

		pageAllOld := true
		for _, e := range entries {
			p, err := e.toPaper()
			if err != nil {
				continue // malformed entry, not worth failing the page
			}
			if !p.PublishedUTC.Before(w.Start) {
				pageAllOld = false
			}
			if w.Contains(p.PublishedUTC) {
				papers = append(papers, p)
				if c.maxPapers > 0 && len(papers) >= c.maxPapers {
					return papers, nil
				}
			}
		}
		// Results are sorted by submittedDate descending, so a page entirely
		// older than the window means the rest will be too.
		if pageAllOld {
			break
		}
		if len(entries) < c.pageSize {
			break
		}
	}
	return papers, nil
}

func (c *Client) fetchPage(ctx context.Context, query string, start int) ([]entry, error) {
	params := url.Values{}
	params.Set("search_query", query)
	params.Set("start", strconv.Itoa(start))
	params.Set("max_results", strconv.Itoa(c.pageSize))
	params.Set("sortBy", "submittedDate")
	params.Set("sortOrder", "descending")
	pageURL := c.baseURL + "?" + params.Encode()

	backoff := time.Second
	var lastErr error
	for try := 1; try <= maxPageRetries; try++ {
		entries, err := c.fetchOnce(ctx, pageURL)
		if err == nil {
			return entries, nil
		}
		lastErr = err
		if !errs.IsTransient(err) {
			return nil, fmt.Errorf("fetch page at %d: %w", start, err)
		}
		if try < maxPageRetries {
			c.sleep(backoff)
			backoff *= 2
		}
	}
	return nil, fmt.Errorf("fetch page at %d: %w", start, lastErr)
}

func (c *Client) fetchOnce(ctx context.Context, pageURL string) ([]entry, error) {
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, pageURL, nil)
	if err != nil {
		return nil, fmt.Errorf("create request: %w", err)
	}
	req.Header.Set("User-Agent", c.userAgent)

	resp, err := c.httpClient.Do(req)
	if err != nil {
		return nil, errs.Transientf("get", err)
	}
	defer resp.Body.Close()

	if resp.StatusCode == http.StatusTooManyRequests || resp.StatusCode >= 500 {
		return nil, errs.Transientf("http", fmt.Errorf("status %d", resp.StatusCode))
	}
	if resp.StatusCode != http.StatusOK {
		return nil, fmt.Errorf("unexpected status %d", resp.StatusCode)
	}

	body, err := io.ReadAll(resp.Body)
	if err != nil {
		return nil, errs.Transientf("read body", err)
	}
	var f feed
	if err := xml.Unmarshal(body, &f); err != nil {
		return nil, fmt.Errorf("parse feed: %w", err)
	}
	return f.Entries, nil
}

type feed struct {
	XMLName xml.Name `xml:"feed"`
	Entries []entry  `xml:"entry"`
}

type entry struct {
	ID        string `xml:"id"`
	Title     string `xml:"title"`
	Summary   string `xml:"summary"`
	Published string `xml:"published"`
	Authors   []struct {
		Name string `xml:"name"`
	} `xml:"author"`
	Links []struct {
		Href string `xml:"href,attr"`
		Rel  string `xml:"rel,attr"`
	} `xml:"link"`
}

func (e entry) toPaper() (model.Paper, error) {
	published, err := time.Parse(time.RFC3339, strings.TrimSpace(e.Published))
	if err != nil {
		return model.Paper{}, fmt.Errorf("parse published %q: %w", e.Published, err)
	}

	link := strings.TrimSpace(e.ID)
	for _, l := range e.Links {
		if l.Rel == "alternate" {
			link = l.Href
		}
	}

	authors := make([]string, 0, len(e.Authors))
	for _, a := range e.Authors {
		if name := strings.TrimSpace(a.Name); name != "" {
			authors = append(authors, name)
		}
	}

	return model.Paper{
		Title:        model.NormalizeText(e.Title),
		PublishedUTC: published.UTC(),
		ArxivID:      model.ArxivIDFromSource(e.ID),
		Link:         link,
		Authors:      authors,
		Summary:      model.NormalizeText(stripHTML(e.Summary)),
	}, nil
}

// DefaultPDFBase is the canonical arXiv PDF location.
const DefaultPDFBase = "https://arxiv.org/pdf"

// PDFURL returns the PDF location for an arXiv identifier. An empty base
// falls back to the canonical host.
func PDFURL(base, arxivID string) string {
	if base == "" {
		base = DefaultPDFBase
	}
	return strings.TrimRight(base, "/") + "/" + arxivID
}

// stripHTML drops markup from abstracts, which occasionally contain
// formatting tags.
func stripHTML(s string) string {
	if !strings.ContainsRune(s, '<') {
		return s
	}
	var b strings.Builder
	tok := html.NewTokenizer(strings.NewReader(s))
	for {
		switch tok.Next() {
		case html.ErrorToken:
			return b.String()
		case html.TextToken:
			b.Write(tok.Text())
		}
	}
}
