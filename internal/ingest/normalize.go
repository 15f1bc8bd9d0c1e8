package ingest

import (
	"net/url"
	"strings"
	"unicode/utf8"

	"github.com/mmcdole/gofeed"

	"horse.fit/tape/internal/langdetect"
)

const maxSnippetLength = 1000

type itemCandidate struct {
	Source       string
	SourceItemID string
	Title        string
	Snippet      string
	RawURL       string
	Language     string
}

// normalizeFeedItem turns a feed entry into an insertable candidate. Entries
// without a usable link or title are skipped.
func normalizeFeedItem(entry *gofeed.Item, source string) (itemCandidate, bool) {
	if entry == nil {
		return itemCandidate{}, false
	}

	rawURL := strings.TrimSpace(entry.Link)
	if rawURL == "" {
		rawURL = strings.TrimSpace(entry.GUID)
	}
	if rawURL == "" {
		return itemCandidate{}, false
	}

	title := strings.TrimSpace(entry.Title)
	if title == "" {
		return itemCandidate{}, false
	}

	sourceItemID := strings.TrimSpace(entry.GUID)
	if sourceItemID == "" {
		sourceItemID = rawURL
	}

	snippet := strings.TrimSpace(entry.Description)
	if snippet == "" {
		snippet = strings.TrimSpace(entry.Content)
	}
	snippet = truncate(stripHTML(snippet), maxSnippetLength)

	return itemCandidate{
		Source:       strings.TrimSpace(source),
		SourceItemID: sourceItemID,
		Title:        title,
		Snippet:      snippet,
		RawURL:       rawURL,
		Language:     langdetect.DetectOrDefault(title+" "+snippet, "und"),
	}, true
}

// sourceNameFromURL derives a fallback source label from a feed URL host.
func sourceNameFromURL(feedURL string) string {
	parsed, err := url.Parse(strings.TrimSpace(feedURL))
	if err != nil || parsed.Hostname() == "" {
		return strings.TrimSpace(feedURL)
	}
	host := strings.ToLower(parsed.Hostname())
	for _, prefix := range []string{"www.", "rss.", "feeds.", "feed."} {
		host = strings.TrimPrefix(host, prefix)
	}
	return host
}

func stripHTML(text string) string {
	var builder strings.Builder
	inTag := false
	for _, r := range text {
		switch {
		case r == '<':
			inTag = true
			builder.WriteRune(' ')
		case r == '>':
			inTag = false
		case !inTag:
			builder.WriteRune(r)
		}
	}

	s := builder.String()
	replacer := strings.NewReplacer(
		"&nbsp;", " ",
		"&amp;", "&",
		"&lt;", "<",
		"&gt;", ">",
		"&quot;", `"`,
		"&#39;", "'",
	)
	return strings.Join(strings.Fields(replacer.Replace(s)), " ")
}

func truncate(text string, limit int) string {
	if limit <= 0 || utf8.RuneCountInString(text) <= limit {
		return text
	}
	runes := []rune(text)
	return strings.TrimSpace(string(runes[:limit]))
}
