package app

import (
	"testing"

	"horse.fit/tape/internal/config"
)

func TestEffectiveLimit(t *testing.T) {
	t.Parallel()

	cfg := &config.Config{DefaultBatchLimit: 50, MaxBatchLimit: 200}

	cases := []struct {
		name string
		flag int
		want int
	}{
		{name: "zero uses default", flag: 0, want: 50},
		{name: "negative uses default", flag: -3, want: 50},
		{name: "within range passes through", flag: 120, want: 120},
		{name: "above max is clamped", flag: 5000, want: 200},
		{name: "exactly max", flag: 200, want: 200},
	}

	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			t.Parallel()
			if got := effectiveLimit(tc.flag, cfg); got != tc.want {
				t.Errorf("effectiveLimit(%d) = %d, want %d", tc.flag, got, tc.want)
			}
		})
	}
}

func TestLoadJSONInput(t *testing.T) {
	t.Parallel()

	t.Run("inline payload", func(t *testing.T) {
		t.Parallel()
		raw, err := loadJSONInput(`{"a":1}`, "")
		if err != nil {
			t.Fatalf("unexpected error: %v", err)
		}
		if string(raw) != `{"a":1}` {
			t.Errorf("unexpected payload: %s", raw)
		}
	})

	t.Run("both sources rejected", func(t *testing.T) {
		t.Parallel()
		if _, err := loadJSONInput(`{}`, "payload.json"); err == nil {
			t.Error("expected error when both inline and file are set")
		}
	})

	t.Run("neither source rejected", func(t *testing.T) {
		t.Parallel()
		if _, err := loadJSONInput("", ""); err == nil {
			t.Error("expected error when no payload is provided")
		}
	})

	t.Run("missing file", func(t *testing.T) {
		t.Parallel()
		if _, err := loadJSONInput("", "does-not-exist.json"); err == nil {
			t.Error("expected error for missing payload file")
		}
	})
}
