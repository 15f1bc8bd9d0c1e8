// Package lexicon scores news text against a financial sentiment wordlist.
// The embedded list follows the Loughran-McDonald category scheme; risk is a
// weighted blend of the uncertainty, litigious, and constraining counts.
package lexicon

import (
	"bufio"
	"bytes"
	"strings"
	"sync"
	"unicode"

	_ "embed"
)

//go:embed lexicon.txt
var lexiconData []byte

// Category names match the embedded wordlist columns.
const (
	CategoryNegative     = "negative"
	CategoryPositive     = "positive"
	CategoryUncertainty  = "uncertainty"
	CategoryLitigious    = "litigious"
	CategoryStrongModal  = "strong_modal"
	CategoryWeakModal    = "weak_modal"
	CategoryConstraining = "constraining"
)

var categories = []string{
	CategoryNegative,
	CategoryPositive,
	CategoryUncertainty,
	CategoryLitigious,
	CategoryStrongModal,
	CategoryWeakModal,
	CategoryConstraining,
}

// Weights controls how category counts combine into the risk score.
type Weights struct {
	Uncertainty  float64
	Litigious    float64
	Constraining float64
}

// DefaultWeights is the production risk blend.
var DefaultWeights = Weights{
	Uncertainty:  0.4,
	Litigious:    0.4,
	Constraining: 0.2,
}

// Features is the deterministic output of scoring one text.
type Features struct {
	TokenCount int                `json:"token_count"`
	Counts     map[string]int     `json:"counts"`
	Ratios     map[string]float64 `json:"ratios"`
	Matches    map[string][]string `json:"matches"`
	RiskScore  float64            `json:"risk_score"`
}

var (
	loadOnce sync.Once
	wordlist map[string]string
)

func load() map[string]string {
	loadOnce.Do(func() {
		wordlist = make(map[string]string, 256)
		scanner := bufio.NewScanner(bytes.NewReader(lexiconData))
		for scanner.Scan() {
			line := strings.TrimSpace(scanner.Text())
			if line == "" || strings.HasPrefix(line, "#") {
				continue
			}
			fields := strings.Fields(line)
			if len(fields) != 2 {
				continue
			}
			wordlist[strings.ToLower(fields[0])] = fields[1]
		}
	})
	return wordlist
}

// Extract scores text with the default weights.
func Extract(text string) Features {
	return ExtractWithWeights(text, DefaultWeights)
}

// ExtractWithWeights tokenizes text, counts category hits against the
// embedded wordlist, and computes the weighted risk score. Scoring is pure
// and deterministic for a given input.
func ExtractWithWeights(text string, weights Weights) Features {
	words := load()
	features := Features{
		Counts:  make(map[string]int, len(categories)),
		Ratios:  make(map[string]float64, len(categories)),
		Matches: make(map[string][]string, len(categories)),
	}
	for _, category := range categories {
		features.Counts[category] = 0
	}

	for _, token := range tokenize(text) {
		features.TokenCount++
		category, ok := words[token]
		if !ok {
			continue
		}
		features.Counts[category]++
		features.Matches[category] = append(features.Matches[category], token)
	}

	if features.TokenCount > 0 {
		for _, category := range categories {
			features.Ratios[category] = float64(features.Counts[category]) / float64(features.TokenCount)
		}
	}

	features.RiskScore = weights.Uncertainty*float64(features.Counts[CategoryUncertainty]) +
		weights.Litigious*float64(features.Counts[CategoryLitigious]) +
		weights.Constraining*float64(features.Counts[CategoryConstraining])

	return features
}

// tokenize splits on non-letter boundaries, lowercases, and drops
// single-character tokens.
func tokenize(text string) []string {
	tokens := strings.FieldsFunc(strings.ToLower(text), func(r rune) bool {
		return !unicode.IsLetter(r)
	})
	kept := tokens[:0]
	for _, token := range tokens {
		if len(token) > 1 {
			kept = append(kept, token)
		}
	}
	return kept
}
