package pdf

import (
	"os"
	"path/filepath"
	"testing"
)

func TestValidateAcceptsMagicHeader(t *testing.T) {
	path := filepath.Join(t.TempDir(), "ok.pdf")
	if err := os.WriteFile(path, []byte("%PDF-1.7\n%âãÏÓ\n"), 0o644); err != nil {
		t.Fatal(err)
	}
	if err := Validate(path); err != nil {
		t.Errorf("Validate: %v", err)
	}
}

func TestValidateRejectsImpostors(t *testing.T) {
	dir := t.TempDir()
	cases := map[string][]byte{
		"html.pdf":  []byte("<html><body>rate limited</body></html>"),
		"empty.pdf": nil,
		"short.pdf": []byte("%PD"),
	}
	for name, content := range cases {
		path := filepath.Join(dir, name)
		if err := os.WriteFile(path, content, 0o644); err != nil {
			t.Fatal(err)
		}
		if err := Validate(path); err == nil {
			t.Errorf("Validate(%s) accepted a non-PDF", name)
		}
	}

	if err := Validate(filepath.Join(dir, "absent.pdf")); err == nil {
		t.Error("Validate accepted a missing file")
	}
}
