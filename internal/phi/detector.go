package phi

import (
	"fmt"
	"regexp"
	"strings"
	"unicode/utf8"

	"go.uber.org/zap"
)

// Detector runs the compiled pattern table over text
type Detector struct {
	categories []categoryPatterns
	logger     *zap.Logger
}

// NewDetector compiles the given pattern table. A malformed pattern fails construction.
func NewDetector(specs []PatternSpec, logger *zap.Logger) (*Detector, error) {
	detector := &Detector{
		categories: make([]categoryPatterns, 0, len(specs)),
		logger:     logger,
	}

	total := 0
	for _, spec := range specs {
		compiled := categoryPatterns{category: spec.Category}
		for _, expr := range spec.Patterns {
			re, err := regexp.Compile(expr)
			if err != nil {
				return nil, fmt.Errorf("invalid pattern %q for category %s: %w", expr, spec.Category, err)
			}
			compiled.patterns = append(compiled.patterns, re)
		}
		total += len(compiled.patterns)
		detector.categories = append(detector.categories, compiled)
	}

	logger.Info("PHI detector initialized",
		zap.Int("categories", len(detector.categories)),
		zap.Int("patterns", total))

	return detector, nil
}

// NewDefaultDetector builds a detector over DefaultPatterns
func NewDefaultDetector(logger *zap.Logger) (*Detector, error) {
	return NewDetector(DefaultPatterns(), logger)
}

// Detect returns every pattern match in text, unsorted.
// Matches of one pattern never overlap each other; matches of different patterns may.
func (d *Detector) Detect(text string) []Finding {
	if text == "" {
		return nil
	}

	var findings []Finding
	for _, cat := range d.categories {
		for _, re := range cat.patterns {
			for _, loc := range re.FindAllStringIndex(text, -1) {
				start, end := loc[0], loc[1]
				value := text[start:end]
				context := contextAround(text, start, end)
				findings = append(findings, Finding{
					Category:   cat.category,
					Value:      value,
					Start:      start,
					End:        end,
					Confidence: Score(cat.category, value, context),
					Source:     SourcePattern,
					Context:    context,
				})
			}
		}
	}

	return findings
}

// Score computes the confidence of a match given its surrounding context
func Score(category Category, value, context string) float64 {
	score, ok := baseScores[category]
	if !ok {
		score = defaultBaseScore
	}

	if context != "" {
		lower := strings.ToLower(context)
		for _, term := range medicalTerms {
			if strings.Contains(lower, term) {
				score += 0.05
				break
			}
		}
	}

	words := len(strings.Fields(value))
	switch category {
	case CategoryName, CategoryPrefix:
		if words > 1 {
			score += 0.1
		}
	case CategoryAddress:
		if words > 3 {
			score += 0.1
		}
	}

	return clampConfidence(score)
}

func clampConfidence(score float64) float64 {
	if score > MaxConfidence {
		return MaxConfidence
	}
	if score < 0 {
		return 0
	}
	return score
}

// contextAround returns up to contextWindow bytes on each side of [start, end),
// widened so it never splits a UTF-8 sequence.
func contextAround(text string, start, end int) string {
	from := start - contextWindow
	if from < 0 {
		from = 0
	}
	for from > 0 && !utf8.RuneStart(text[from]) {
		from--
	}

	to := end + contextWindow
	if to > len(text) {
		to = len(text)
	}
	for to < len(text) && !utf8.RuneStart(text[to]) {
		to++
	}

	return text[from:to]
}
