package rules

import (
	"testing"

	"github.com/goodtune/tabtrack/internal/remote"
	"github.com/rs/zerolog"
)

func newTestCompiler(t *testing.T) *Compiler {
	t.Helper()
	c, err := NewCompiler(8, zerolog.Nop())
	if err != nil {
		t.Fatalf("new compiler: %v", err)
	}
	return c
}

func TestCompileSkipsInvalidRules(t *testing.T) {
	c := newTestCompiler(t)

	set, errs := c.Compile([]remote.BlockingRule{
		{Action: "block", Pattern: `^https://bad\.example/`},
		{Action: "block", Pattern: `(?<=x)y`},
		{Action: "redirect", Pattern: `.*`},
		{Action: "allow", Pattern: ""},
		{Action: "ALLOW", Pattern: `^https://bad\.example/ok`},
	})

	if set.Len() != 2 {
		t.Fatalf("expected 2 valid rules, got %d", set.Len())
	}
	if len(errs) != 3 {
		t.Fatalf("expected 3 errors, got %d: %v", len(errs), errs)
	}
	wire := set.Rules()
	if wire[1].Action != "allow" {
		t.Fatalf("expected normalised action, got %q", wire[1].Action)
	}
}

func TestDecide(t *testing.T) {
	c := newTestCompiler(t)
	set, _ := c.Compile([]remote.BlockingRule{
		{Action: "block", Pattern: `^https://([a-z]+\.)?social\.example/`},
		{Action: "allow", Pattern: `^https://work\.social\.example/`},
	})

	tests := []struct {
		url  string
		want Action
	}{
		{"https://social.example/feed", ActionBlock},
		{"https://m.social.example/", ActionBlock},
		{"https://work.social.example/inbox", ActionAllow},
		{"https://news.example/", ActionNone},
	}
	for _, tt := range tests {
		got, _ := set.Decide(tt.url)
		if got != tt.want {
			t.Errorf("%s: expected %q, got %q", tt.url, tt.want, got)
		}
	}

	var empty *Set
	if got, _ := empty.Decide("https://social.example/"); got != ActionNone {
		t.Fatalf("nil set must not match")
	}
}

func TestCompileReusesCachedPatterns(t *testing.T) {
	c := newTestCompiler(t)
	rules := []remote.BlockingRule{{Action: "block", Pattern: `a+`}, {Action: "block", Pattern: `b+`}}

	first, _ := c.Compile(rules)
	second, _ := c.Compile(rules)

	if c.CacheLen() != 2 {
		t.Fatalf("expected 2 cached patterns, got %d", c.CacheLen())
	}
	if first.rules[0].re != second.rules[0].re {
		t.Fatalf("expected the compiled pattern to be reused")
	}
}
