package ingest

import (
	"strings"
	"testing"

	"github.com/mmcdole/gofeed"
)

func TestNormalizeFeedItem(t *testing.T) {
	t.Parallel()

	entry := &gofeed.Item{
		Title:       "  Central bank holds rates steady  ",
		Link:        "https://example.com/articles/rates",
		GUID:        "guid-123",
		Description: "<p>Policy makers held the benchmark &amp; signalled caution.</p>",
	}

	candidate, ok := normalizeFeedItem(entry, "example-wire")
	if !ok {
		t.Fatalf("expected entry to normalize")
	}
	if candidate.Title != "Central bank holds rates steady" {
		t.Fatalf("unexpected title %q", candidate.Title)
	}
	if candidate.SourceItemID != "guid-123" {
		t.Fatalf("expected GUID as source item id, got %q", candidate.SourceItemID)
	}
	if candidate.RawURL != "https://example.com/articles/rates" {
		t.Fatalf("unexpected raw url %q", candidate.RawURL)
	}
	if strings.Contains(candidate.Snippet, "<p>") {
		t.Fatalf("expected HTML to be stripped, got %q", candidate.Snippet)
	}
	if !strings.Contains(candidate.Snippet, "benchmark & signalled") {
		t.Fatalf("expected entity decoding, got %q", candidate.Snippet)
	}
}

func TestNormalizeFeedItem_FallbacksAndRejects(t *testing.T) {
	t.Parallel()

	noLink := &gofeed.Item{Title: "No link"}
	if _, ok := normalizeFeedItem(noLink, "src"); ok {
		t.Fatalf("expected entry without link or GUID to be rejected")
	}

	noTitle := &gofeed.Item{Link: "https://example.com/x"}
	if _, ok := normalizeFeedItem(noTitle, "src"); ok {
		t.Fatalf("expected entry without title to be rejected")
	}

	guidOnly := &gofeed.Item{Title: "GUID only", GUID: "https://example.com/guid-entry"}
	candidate, ok := normalizeFeedItem(guidOnly, "src")
	if !ok {
		t.Fatalf("expected GUID-only entry to normalize")
	}
	if candidate.RawURL != "https://example.com/guid-entry" {
		t.Fatalf("expected GUID fallback URL, got %q", candidate.RawURL)
	}
	if candidate.SourceItemID != candidate.RawURL {
		t.Fatalf("expected source item id to fall back to URL, got %q", candidate.SourceItemID)
	}
}

func TestSourceNameFromURL(t *testing.T) {
	t.Parallel()

	if got := sourceNameFromURL("https://feeds.example.com/markets.xml"); got != "example.com" {
		t.Fatalf("unexpected source name %q", got)
	}
	if got := sourceNameFromURL("https://www.ft.com/rss/home"); got != "ft.com" {
		t.Fatalf("unexpected source name %q", got)
	}
}

func TestTruncate(t *testing.T) {
	t.Parallel()

	if got := truncate("short", 10); got != "short" {
		t.Fatalf("unexpected truncation of short text: %q", got)
	}
	long := strings.Repeat("a", 20)
	if got := truncate(long, 10); len(got) != 10 {
		t.Fatalf("expected 10 characters, got %d", len(got))
	}
}
