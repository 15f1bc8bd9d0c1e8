package resolve

import (
	"context"
	"time"
)

type perItemDelayKey struct{}
type perQueryDelayKey struct{}

// WithPerItemDelay overrides, for this invocation only, the minimum delay
// between consecutive resolution attempts. Zero disables the limit.
func WithPerItemDelay(ctx context.Context, d time.Duration) context.Context {
	return context.WithValue(ctx, perItemDelayKey{}, d)
}

// WithPerQueryDelay overrides, for this invocation only, the pause between
// individual outbound requests within one resolution (redirect hops).
func WithPerQueryDelay(ctx context.Context, d time.Duration) context.Context {
	return context.WithValue(ctx, perQueryDelayKey{}, d)
}

// PerItemDelay returns the per-item delay carried by ctx, or fallback when
// none is set. Negative overrides are ignored.
func PerItemDelay(ctx context.Context, fallback time.Duration) time.Duration {
	if d, ok := ctx.Value(perItemDelayKey{}).(time.Duration); ok && d >= 0 {
		return d
	}
	return fallback
}

// PerQueryDelay returns the per-query delay carried by ctx, or fallback when
// none is set.
func PerQueryDelay(ctx context.Context, fallback time.Duration) time.Duration {
	if d, ok := ctx.Value(perQueryDelayKey{}).(time.Duration); ok && d >= 0 {
		return d
	}
	return fallback
}
