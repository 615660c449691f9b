package chunk

import (
	"strings"
	"testing"
)

func TestFit_WithinBudgetUnchanged(t *testing.T) {
	text := "short text"
	if got := Fit(text, 100, 10); got != text {
		t.Errorf("Fit = %q, want unchanged", got)
	}
}

func TestFit_NeverExceedsBudget(t *testing.T) {
	texts := []string{
		strings.Repeat("word ", 1000),
		strings.Repeat("段落文字", 500),
		"# Intro\n\n" + strings.Repeat("a", 400) + "\n\n# Method\n\n" + strings.Repeat("b", 400),
	}
	for _, text := range texts {
		for _, limit := range []int{50, 100, 333, 512} {
			got := Fit(text, limit, 10)
			if len(got) > limit-10 {
				t.Errorf("len(Fit(_, %d, 10)) = %d, exceeds budget", limit, len(got))
			}
		}
	}
}

func TestFit_Deterministic(t *testing.T) {
	text := strings.Repeat("paragraph one\n\nparagraph two\n\n", 100)
	first := Fit(text, 300, 20)
	for i := 0; i < 5; i++ {
		if got := Fit(text, 300, 20); got != first {
			t.Fatalf("Fit is not deterministic: %q vs %q", got, first)
		}
	}
}

func TestFit_PrefersHeadingBoundary(t *testing.T) {
	text := "# Abstract\nintro text here\n# Later Section\n" + strings.Repeat("x", 200)
	got := Fit(text, 60, 0)
	if !strings.HasPrefix(got, "# Abstract") {
		t.Errorf("leading section lost: %q", got)
	}
	if strings.Contains(got, "xxx") {
		t.Errorf("cut should land before the trailing section body: %q", got)
	}
}

func TestFit_PrefersParagraphBreak(t *testing.T) {
	first := strings.Repeat("intro sentence ", 4) // 60 bytes
	text := first + "\n\nsecond paragraph " + strings.Repeat("y", 200)
	got := Fit(text, 80, 0)
	if got != strings.TrimRight(first, "\n") && got != first {
		t.Errorf("cut did not land on the paragraph break: %q", got)
	}
}

func TestFit_RuneSafeCut(t *testing.T) {
	text := strings.Repeat("多字节字符", 100)
	got := Fit(text, 31, 0)
	if len(got) > 31 {
		t.Fatalf("budget exceeded: %d", len(got))
	}
	if !strings.HasPrefix(text, got) {
		t.Errorf("trimmed text is not a prefix")
	}
	for _, r := range got {
		if r == '�' {
			t.Fatal("cut split a multi-byte rune")
		}
	}
}

func TestFit_ZeroOrNegativeBudget(t *testing.T) {
	if got := Fit("anything", 10, 10); got != "" {
		t.Errorf("zero budget: got %q", got)
	}
	if got := Fit("anything", 5, 10); got != "" {
		t.Errorf("negative budget: got %q", got)
	}
}

func TestNonWhitespaceLen(t *testing.T) {
	cases := []struct {
		in   string
		want int
	}{
		{"", 0},
		{"abc", 3},
		{"a b\tc\nd", 4},
		{"中 文　字", 3},
	}
	for _, c := range cases {
		if got := NonWhitespaceLen(c.in); got != c.want {
			t.Errorf("NonWhitespaceLen(%q) = %d, want %d", c.in, got, c.want)
		}
	}
}
