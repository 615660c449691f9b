// Package zotero publishes the day's selected papers to a Zotero library.
package zotero

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"

	"github.com/paperflow-io/paperflow/internal/errs"
	"github.com/paperflow-io/paperflow/internal/model"
)

// Client talks to the Zotero Web API (v3).
type Client struct {
	baseURL    string
	apiKey     string
	userID     string
	collection string
	httpClient *http.Client
}

// NewClient creates a Zotero client from config.
func NewClient(cfg model.ZoteroConfig, httpClient *http.Client) (*Client, error) {
	if cfg.APIKey == "" || cfg.UserID == "" {
		return nil, errs.Configf("zotero api key and user id are required")
	}
	return &Client{
		baseURL:    cfg.BaseURL,
		apiKey:     cfg.APIKey,
		userID:     cfg.UserID,
		collection: cfg.Collection,
		httpClient: httpClient,
	}, nil
}

type itemPayload struct {
	ItemType     string              `json:"itemType"`
	Title        string              `json:"title,omitempty"`
	Creators     []creator           `json:"creators,omitempty"`
	AbstractNote string              `json:"abstractNote,omitempty"`
	URL          string              `json:"url,omitempty"`
	Extra        string              `json:"extra,omitempty"`
	Collections  []string            `json:"collections,omitempty"`
	ParentItem   string              `json:"parentItem,omitempty"`
	Note         string              `json:"note,omitempty"`
	Tags         []map[string]string `json:"tags,omitempty"`
}

type creator struct {
	CreatorType string `json:"creatorType"`
	Name        string `json:"name"`
}

// PublishPaper creates a journal-article item for the paper and attaches its
// notes as a child note. Returns the created item key.
func (c *Client) PublishPaper(ctx context.Context, p model.Paper, notes string) (string, error) {
	item := itemPayload{
		ItemType:     "journalArticle",
		Title:        p.Title,
		AbstractNote: p.Summary,
		URL:          p.Link,
		Extra:        p.OneLine,
	}
	for _, a := range p.Authors {
		item.Creators = append(item.Creators, creator{CreatorType: "author", Name: a})
	}
	if p.Institution != "" {
		item.Tags = append(item.Tags, map[string]string{"tag": p.Institution})
	}
	if c.collection != "" {
		item.Collections = []string{c.collection}
	}

	key, err := c.createItem(ctx, item)
	if err != nil {
		return "", fmt.Errorf("publish %q: %w", p.Title, err)
	}

	if notes != "" {
		note := itemPayload{ItemType: "note", ParentItem: key, Note: notes}
		if _, err := c.createItem(ctx, note); err != nil {
			return "", fmt.Errorf("publish notes for %q: %w", p.Title, err)
		}
	}
	return key, nil
}

func (c *Client) createItem(ctx context.Context, item itemPayload) (string, error) {
	body, err := json.Marshal([]itemPayload{item})
	if err != nil {
		return "", fmt.Errorf("marshal item: %w", err)
	}

	url := fmt.Sprintf("%s/users/%s/items", c.baseURL, c.userID)
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, url, bytes.NewReader(body))
	if err != nil {
		return "", fmt.Errorf("create request: %w", err)
	}
	req.Header.Set("Content-Type", "application/json")
	req.Header.Set("Zotero-API-Version", "3")
	req.Header.Set("Zotero-API-Key", c.apiKey)

	resp, err := c.httpClient.Do(req)
	if err != nil {
		return "", errs.Transientf("zotero api", err)
	}
	defer resp.Body.Close()

	if resp.StatusCode == http.StatusTooManyRequests || resp.StatusCode >= 500 {
		return "", errs.Transientf("zotero api", fmt.Errorf("status %d", resp.StatusCode))
	}
	if resp.StatusCode != http.StatusOK {
		return "", fmt.Errorf("zotero api: unexpected status %d", resp.StatusCode)
	}

	data, err := io.ReadAll(resp.Body)
	if err != nil {
		return "", errs.Transientf("read body", err)
	}
	var parsed struct {
		Successful map[string]struct {
			Key string `json:"key"`
		} `json:"successful"`
		Failed map[string]struct {
			Message string `json:"message"`
		} `json:"failed"`
	}
	if err := json.Unmarshal(data, &parsed); err != nil {
		return "", fmt.Errorf("parse response: %w", err)
	}
	if f, ok := parsed.Failed["0"]; ok {
		return "", fmt.Errorf("item rejected: %s", f.Message)
	}
	s, ok := parsed.Successful["0"]
	if !ok {
		return "", fmt.Errorf("response reports neither success nor failure")
	}
	return s.Key, nil
}
