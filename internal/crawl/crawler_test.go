package crawl

import (
	"context"
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	"github.com/rs/zerolog"
)

func TestCleanText(t *testing.T) {
	t.Parallel()

	raw := "First   line\r\n\r\nSecond\tline\r\n\n\n  Third line  \n"
	want := "First line\n\nSecond line\n\nThird line"
	if got := CleanText(raw); got != want {
		t.Fatalf("unexpected cleaned text:\n%q\nwant:\n%q", got, want)
	}

	if got := CleanText("   \n\t \r\n"); got != "" {
		t.Fatalf("expected empty result for whitespace input, got %q", got)
	}
}

func TestFetchText_PlainText(t *testing.T) {
	t.Parallel()

	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.Header().Set("Content-Type", "text/plain; charset=utf-8")
		_, _ = w.Write([]byte("Quarterly results  beat\r\nexpectations.\n"))
	}))
	defer server.Close()

	crawler := NewCrawler(nil, zerolog.Nop(), Options{FetchTimeout: 5 * time.Second})
	text, err := crawler.fetchText(context.Background(), server.URL, "fallback title")
	if err != nil {
		t.Fatalf("fetch plain text: %v", err)
	}
	if text != "Quarterly results beat\n\nexpectations." {
		t.Fatalf("unexpected extracted text %q", text)
	}
}

func TestFetchText_NonSuccessStatus(t *testing.T) {
	t.Parallel()

	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		http.NotFound(w, r)
	}))
	defer server.Close()

	crawler := NewCrawler(nil, zerolog.Nop(), Options{FetchTimeout: 5 * time.Second})
	if _, err := crawler.fetchText(context.Background(), server.URL, ""); err == nil {
		t.Fatalf("expected error for 404 response")
	}
}

func TestFetchText_RequiresURL(t *testing.T) {
	t.Parallel()

	crawler := NewCrawler(nil, zerolog.Nop(), Options{})
	if _, err := crawler.fetchText(context.Background(), "  ", "title"); err == nil {
		t.Fatalf("expected error for empty URL")
	}
}
