package prompt

import (
	"bytes"
	"strings"
	"testing"
)

func newTestPrompter(input string) (*Prompter, *bytes.Buffer) {
	out := &bytes.Buffer{}
	return &Prompter{In: strings.NewReader(input), Out: out}, out
}

func TestAsk(t *testing.T) {
	tests := []struct {
		name  string
		input string
		def   string
		want  string
	}{
		{"answer", "hello\n", "default", "hello"},
		{"blank uses default", "\n", "fallback", "fallback"},
		{"whitespace uses default", "   \n", "fallback", "fallback"},
		{"eof uses default", "", "fallback", "fallback"},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			p, _ := newTestPrompter(tt.input)
			if got := p.Ask("Name", tt.def); got != tt.want {
				t.Errorf("Ask() = %q, want %q", got, tt.want)
			}
		})
	}
}

func TestAsk_ShowsDefault(t *testing.T) {
	p, out := newTestPrompter("\n")
	p.Ask("Listen address", ":8080")
	if !strings.Contains(out.String(), "Listen address [:8080]: ") {
		t.Errorf("prompt = %q", out.String())
	}
}

func TestAskSecret_PipedInput(t *testing.T) {
	p, _ := newTestPrompter("sk_test_123\n")
	if got := p.AskSecret("Stripe secret key"); got != "sk_test_123" {
		t.Errorf("AskSecret() = %q, want %q", got, "sk_test_123")
	}
}

func TestAskURL_RetriesUntilValid(t *testing.T) {
	p, out := newTestPrompter("not a url\nftp://files.example.com\nhttps://fotos.example.com/\n")
	got := p.AskURL("Site URL", "")
	if got != "https://fotos.example.com" {
		t.Errorf("AskURL() = %q, want trailing slash trimmed", got)
	}
	if n := strings.Count(out.String(), "Enter a full URL"); n != 2 {
		t.Errorf("expected 2 retry hints, got %d", n)
	}
}

func TestAskURL_BlankMeansUnset(t *testing.T) {
	p, _ := newTestPrompter("\n")
	if got := p.AskURL("Supabase URL", ""); got != "" {
		t.Errorf("AskURL() = %q, want empty", got)
	}
}

func TestAskURL_BadDefaultDoesNotLoop(t *testing.T) {
	p, _ := newTestPrompter("\n\n")
	if got := p.AskURL("Site URL", "localhost:3000"); got != "" {
		t.Errorf("AskURL() = %q, want empty", got)
	}
}

func TestChoose(t *testing.T) {
	options := []string{"sqlite", "postgres"}

	p, _ := newTestPrompter("2\n")
	if got := p.Choose("Database", options, 0); got != "postgres" {
		t.Errorf("Choose() = %q, want %q", got, "postgres")
	}

	p, _ = newTestPrompter("\n")
	if got := p.Choose("Database", options, 0); got != "sqlite" {
		t.Errorf("Choose() default = %q, want %q", got, "sqlite")
	}

	p, out := newTestPrompter("7\n1\n")
	if got := p.Choose("Database", options, 1); got != "sqlite" {
		t.Errorf("Choose() after retry = %q, want %q", got, "sqlite")
	}
	if !strings.Contains(out.String(), "between 1 and 2") {
		t.Errorf("missing range hint in %q", out.String())
	}
}

func TestConfirm(t *testing.T) {
	tests := []struct {
		input      string
		defaultYes bool
		want       bool
	}{
		{"y\n", false, true},
		{"Yes\n", false, true},
		{"n\n", true, false},
		{"\n", true, true},
		{"\n", false, false},
	}
	for _, tt := range tests {
		p, _ := newTestPrompter(tt.input)
		if got := p.Confirm("Continue?", tt.defaultYes); got != tt.want {
			t.Errorf("Confirm(%q, %v) = %v, want %v", tt.input, tt.defaultYes, got, tt.want)
		}
	}
}
