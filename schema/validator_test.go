package payloadschema

import (
	"encoding/json"
	"strings"
	"testing"
)

func TestValidateNewsItemPayload_Valid(t *testing.T) {
	payload := json.RawMessage(`{
		"payload_version":"v1",
		"source":"partner-wire",
		"source_item_id":"abc-901",
		"title":"Regulator opens probe into lender",
		"url":"https://example.com/story/abc-901",
		"snippet":"The probe follows a quarterly filing.",
		"published_at":"2026-08-20T09:30:00Z",
		"language":"en",
		"tags":["banking","regulation"]
	}`)

	item, err := ValidateNewsItemPayload(payload)
	if err != nil {
		t.Fatalf("expected payload to be valid, got error: %v", err)
	}

	if item.Source != "partner-wire" {
		t.Fatalf("expected source=partner-wire, got %q", item.Source)
	}
	if item.PayloadVersion != "v1" {
		t.Fatalf("expected payload_version=v1, got %q", item.PayloadVersion)
	}
	if item.URL != "https://example.com/story/abc-901" {
		t.Fatalf("unexpected url %q", item.URL)
	}
}

func TestValidateNewsItemPayload_MissingRequired(t *testing.T) {
	payload := json.RawMessage(`{
		"payload_version":"v1",
		"source":"partner-wire",
		"title":"Missing source item id",
		"url":"https://example.com/story/1"
	}`)

	_, err := ValidateNewsItemPayload(payload)
	if err == nil {
		t.Fatalf("expected validation to fail for missing source_item_id")
	}
}

func TestValidateNewsItemPayload_WhitespaceTitle(t *testing.T) {
	payload := json.RawMessage(`{
		"payload_version":"v1",
		"source":"partner-wire",
		"source_item_id":"abc",
		"title":"   ",
		"url":"https://example.com/story/abc"
	}`)

	_, err := ValidateNewsItemPayload(payload)
	if err == nil {
		t.Fatalf("expected validation to fail for whitespace-only title")
	}
	if !strings.Contains(err.Error(), "title must not be empty") {
		t.Fatalf("expected title semantic error, got: %v", err)
	}
}

func TestValidateNewsItemPayload_BadURLScheme(t *testing.T) {
	payload := json.RawMessage(`{
		"payload_version":"v1",
		"source":"partner-wire",
		"source_item_id":"abc",
		"title":"FTP link",
		"url":"ftp://example.com/story/abc"
	}`)

	_, err := ValidateNewsItemPayload(payload)
	if err == nil {
		t.Fatalf("expected validation to fail for non-http scheme")
	}
}

func TestValidateNewsItemPayload_RejectsUnknownFields(t *testing.T) {
	payload := json.RawMessage(`{
		"payload_version":"v1",
		"source":"partner-wire",
		"source_item_id":"abc",
		"title":"Extra field",
		"url":"https://example.com/story/abc",
		"priority":"high"
	}`)

	_, err := ValidateNewsItemPayload(payload)
	if err == nil {
		t.Fatalf("expected validation to fail for unknown field")
	}
}

func TestValidateNewsItemPayload_BadPublishedAt(t *testing.T) {
	payload := json.RawMessage(`{
		"payload_version":"v1",
		"source":"partner-wire",
		"source_item_id":"abc",
		"title":"Bad timestamp",
		"url":"https://example.com/story/abc",
		"published_at":"yesterday"
	}`)

	_, err := ValidateNewsItemPayload(payload)
	if err == nil {
		t.Fatalf("expected validation to fail for non-RFC3339 published_at")
	}
}

func TestValidateNewsItemPayload_TrailingContent(t *testing.T) {
	payload := json.RawMessage(`{"payload_version":"v1","source":"s","source_item_id":"1","title":"t","url":"https://example.com/1"} {}`)

	_, err := ValidateNewsItemPayload(payload)
	if err == nil {
		t.Fatalf("expected validation to fail for trailing JSON content")
	}
}
