package db

import (
	"math"
	"testing"
)

func TestEncodeVectorRejectsNonFinite(t *testing.T) {
	t.Parallel()

	if _, err := EncodeVector([]float64{0.5, math.NaN()}); err == nil {
		t.Fatalf("expected non-finite component to be rejected")
	}
	if _, err := EncodeVector(nil); err == nil {
		t.Fatalf("expected empty vector to be rejected")
	}
}

func TestParseVectorLiteral(t *testing.T) {
	t.Parallel()

	values, err := ParseVector("[0.25, -1, 3.5]")
	if err != nil {
		t.Fatalf("unexpected parse error: %v", err)
	}
	if len(values) != 3 || values[0] != 0.25 || values[1] != -1 || values[2] != 3.5 {
		t.Fatalf("unexpected parsed values: %v", values)
	}

	if _, err := ParseVector("0.25,1"); err == nil {
		t.Fatalf("expected unbracketed literal to be rejected")
	}
	if _, err := ParseVector("[]"); err == nil {
		t.Fatalf("expected empty literal to be rejected")
	}
}

func TestCosineSimilarity(t *testing.T) {
	t.Parallel()

	if got := CosineSimilarity([]float64{1, 0}, []float64{1, 0}); math.Abs(got-1) > 1e-12 {
		t.Fatalf("expected identical vectors to score 1, got %f", got)
	}
	if got := CosineSimilarity([]float64{1, 0}, []float64{0, 1}); math.Abs(got) > 1e-12 {
		t.Fatalf("expected orthogonal vectors to score 0, got %f", got)
	}
	if got := CosineSimilarity([]float64{1, 0}, []float64{-1, 0}); math.Abs(got+1) > 1e-12 {
		t.Fatalf("expected opposite vectors to score -1, got %f", got)
	}
	if got := CosineSimilarity([]float64{1, 2}, []float64{1}); got != 0 {
		t.Fatalf("expected dimension mismatch to score 0, got %f", got)
	}
	if got := CosineSimilarity([]float64{0, 0}, []float64{1, 1}); got != 0 {
		t.Fatalf("expected zero vector to score 0, got %f", got)
	}
}
