package phi

import (
	"context"
	"fmt"
	"sort"
	"strings"

	"go.uber.org/zap"
)

// minRecognizerTokens is the word count a text must exceed before the recognizer runs
const minRecognizerTokens = 5

// Engine merges pattern findings with the optional external recognizer
type Engine struct {
	detector   *Detector
	recognizer Recognizer
	logger     *zap.Logger
}

// NewEngine creates a detection engine. recognizer may be nil.
func NewEngine(detector *Detector, recognizer Recognizer, logger *zap.Logger) *Engine {
	if recognizer == nil {
		logger.Info("External recognizer disabled, using pattern detection only")
	}
	return &Engine{
		detector:   detector,
		recognizer: recognizer,
		logger:     logger,
	}
}

// DetectPHI finds PHI in text, ordered by ascending start offset.
// Recognizer findings that overlap an accepted finding are dropped.
func (e *Engine) DetectPHI(ctx context.Context, text string) []Finding {
	if text == "" {
		return []Finding{}
	}

	findings := e.detector.Detect(text)

	if e.recognizer != nil && len(strings.Fields(text)) > minRecognizerTokens {
		external, err := e.recognize(ctx, text)
		if err != nil {
			e.logger.Error("External PHI recognition failed, continuing with pattern findings",
				zap.Error(err))
		} else {
			findings = mergeExternal(findings, external, len(text))
		}
	}

	sort.SliceStable(findings, func(i, j int) bool {
		return findings[i].Start < findings[j].Start
	})

	if findings == nil {
		return []Finding{}
	}
	return findings
}

// recognize calls the recognizer, turning a panic into an error
func (e *Engine) recognize(ctx context.Context, text string) (findings []Finding, err error) {
	defer func() {
		if r := recover(); r != nil {
			err = fmt.Errorf("recognizer panicked: %v", r)
		}
	}()
	return e.recognizer.Analyze(ctx, text)
}

// mergeExternal appends non-overlapping, in-bounds external findings
func mergeExternal(accepted, external []Finding, textLen int) []Finding {
	for _, candidate := range external {
		if candidate.Start < 0 || candidate.End > textLen || candidate.Start >= candidate.End {
			continue
		}

		overlaps := false
		for _, f := range accepted {
			if candidate.Overlaps(f) {
				overlaps = true
				break
			}
		}
		if overlaps {
			continue
		}

		candidate.Source = SourceExternal
		candidate.Confidence = clampConfidence(candidate.Confidence)
		accepted = append(accepted, candidate)
	}
	return accepted
}
