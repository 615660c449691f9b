package zotero

import (
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"net/http/httptest"
	"testing"

	"github.com/paperflow-io/paperflow/internal/model"
)

func TestPublishPaperCreatesItemAndNote(t *testing.T) {
	var posted [][]map[string]any
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if r.URL.Path != "/users/12345/items" {
			t.Errorf("path = %s", r.URL.Path)
		}
		if r.Header.Get("Zotero-API-Key") != "zk" {
			t.Errorf("api key header = %q", r.Header.Get("Zotero-API-Key"))
		}
		var items []map[string]any
		if err := json.NewDecoder(r.Body).Decode(&items); err != nil {
			t.Fatal(err)
		}
		posted = append(posted, items)
		fmt.Fprintf(w, `{"successful": {"0": {"key": "KEY%d"}}, "failed": {}}`, len(posted))
	}))
	defer srv.Close()

	c, err := NewClient(model.ZoteroConfig{BaseURL: srv.URL, APIKey: "zk", UserID: "12345", Collection: "COLL"}, srv.Client())
	if err != nil {
		t.Fatal(err)
	}

	p := model.Paper{
		Title:       "Scaling Laws Revisited",
		Link:        "https://arxiv.org/abs/2506.12345",
		Authors:     []string{"Ada Lovelace"},
		Institution: "DeepMind",
		OneLine:     "Revisits compute-optimal scaling.",
	}
	key, err := c.PublishPaper(context.Background(), p, "detailed notes")
	if err != nil {
		t.Fatalf("PublishPaper: %v", err)
	}
	if key != "KEY1" {
		t.Errorf("key = %q", key)
	}
	if len(posted) != 2 {
		t.Fatalf("posted %d requests, want item then note", len(posted))
	}

	item := posted[0][0]
	if item["itemType"] != "journalArticle" || item["title"] != p.Title {
		t.Errorf("item = %+v", item)
	}
	if cols, _ := item["collections"].([]any); len(cols) != 1 || cols[0] != "COLL" {
		t.Errorf("collections = %v", item["collections"])
	}

	note := posted[1][0]
	if note["itemType"] != "note" || note["parentItem"] != "KEY1" || note["note"] != "detailed notes" {
		t.Errorf("note = %+v", note)
	}
}

func TestPublishPaperReportsRejection(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		fmt.Fprint(w, `{"successful": {}, "failed": {"0": {"message": "invalid collection"}}}`)
	}))
	defer srv.Close()

	c, err := NewClient(model.ZoteroConfig{BaseURL: srv.URL, APIKey: "zk", UserID: "12345"}, srv.Client())
	if err != nil {
		t.Fatal(err)
	}
	_, err = c.PublishPaper(context.Background(), model.Paper{Title: "x"}, "")
	if err == nil {
		t.Fatal("rejection not reported")
	}
}

func TestNewClientRequiresCredentials(t *testing.T) {
	if _, err := NewClient(model.ZoteroConfig{BaseURL: "https://api.zotero.org"}, nil); err == nil {
		t.Error("missing credentials accepted")
	}
}
