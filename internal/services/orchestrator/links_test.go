package orchestrator

import (
	"testing"

	"github.com/ternarybob/arbor"
)

func TestLinkFilterSameHostDefault(t *testing.T) {
	filter := NewLinkFilter("https://shop.example/widgets", nil, nil, arbor.NewLogger())

	links := []string{
		"https://shop.example/widgets/a",
		"https://other.example/widgets/b",
		"https://shop.example/about",
	}

	kept := filter.Filter(links, 10)
	if len(kept) != 2 {
		t.Fatalf("kept %d links, want 2: %v", len(kept), kept)
	}
	for _, link := range kept {
		if link == "https://other.example/widgets/b" {
			t.Error("cross-host link passed the default filter")
		}
	}
}

func TestLinkFilterIncludeExclude(t *testing.T) {
	filter := NewLinkFilter("https://shop.example/",
		[]string{`/widgets/`},
		[]string{`\?sort=`},
		arbor.NewLogger())

	tests := []struct {
		link string
		want bool
	}{
		{"https://shop.example/widgets/a", true},
		{"https://other.example/widgets/b", true}, // include pattern overrides same-host default
		{"https://shop.example/about", false},
		{"https://shop.example/widgets/a?sort=price", false}, // exclude wins over include
	}

	for _, tt := range tests {
		if got := filter.Keep(tt.link); got != tt.want {
			t.Errorf("Keep(%q) = %v, want %v", tt.link, got, tt.want)
		}
	}
}

func TestLinkFilterCapAndBadPattern(t *testing.T) {
	// A broken pattern is logged and skipped, not fatal.
	filter := NewLinkFilter("https://shop.example/", []string{`[invalid`}, nil, arbor.NewLogger())

	links := []string{
		"https://shop.example/a",
		"https://shop.example/b",
		"https://shop.example/c",
	}
	if kept := filter.Filter(links, 2); len(kept) != 2 {
		t.Errorf("cap not applied: %v", kept)
	}
}
