package runs

import (
	"strings"
	"testing"
)

func TestEncodeMetadata(t *testing.T) {
	t.Parallel()

	encoded, err := encodeMetadata(nil)
	if err != nil {
		t.Fatalf("encode nil metadata: %v", err)
	}
	if encoded != "{}" {
		t.Fatalf("expected empty object for nil metadata, got %q", encoded)
	}

	encoded, err = encodeMetadata(map[string]any{"feeds_fetched": 3})
	if err != nil {
		t.Fatalf("encode metadata: %v", err)
	}
	if !strings.Contains(encoded, `"feeds_fetched":3`) {
		t.Fatalf("unexpected encoded metadata: %q", encoded)
	}
}
