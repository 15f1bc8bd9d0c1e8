package langdetect

import (
	"strings"
	"sync"
	"unicode"

	lingua "github.com/pemistahl/lingua-go"
)

var (
	detectorOnce sync.Once
	detector     lingua.LanguageDetector
)

// detectionLanguages is the subset the financial wire actually carries.
// Restricting the candidate set keeps model memory small and detection
// far more accurate on short headlines than the full language matrix.
var detectionLanguages = []lingua.Language{
	lingua.English,
	lingua.German,
	lingua.French,
	lingua.Spanish,
	lingua.Portuguese,
	lingua.Italian,
	lingua.Dutch,
	lingua.Japanese,
	lingua.Chinese,
}

// DetectISO6391 returns the two-letter language code of text, or "" when
// the sample is too short or detection is inconclusive.
func DetectISO6391(text string) string {
	sample := strings.TrimSpace(text)
	if sample == "" {
		return ""
	}

	letterCount := 0
	for _, r := range sample {
		if unicode.IsLetter(r) {
			letterCount++
		}
	}
	if letterCount < 6 {
		return ""
	}

	language, exists := getDetector().DetectLanguageOf(sample)
	if !exists {
		return ""
	}

	code := strings.ToLower(language.IsoCode639_1().String())
	if len(code) != 2 {
		return ""
	}
	return code
}

// DetectOrDefault falls back to fallback (typically "und") when detection
// yields nothing.
func DetectOrDefault(text, fallback string) string {
	if code := DetectISO6391(text); code != "" {
		return code
	}
	return fallback
}

func getDetector() lingua.LanguageDetector {
	detectorOnce.Do(func() {
		detector = lingua.NewLanguageDetectorBuilder().
			FromLanguages(detectionLanguages...).
			WithPreloadedLanguageModels().
			Build()
	})
	return detector
}
