package rules

import (
	"fmt"
	"regexp"

	"github.com/go-viper/mapstructure/v2"
	"go.uber.org/zap"

	"github.com/raaihank/phi-sentinel/internal/idfmt"
)

const defaultSeed = 42

// Engine holds the rules loaded for one run
type Engine struct {
	rules  []*Rule
	logger *zap.Logger
}

// Load validates definitions and keeps the usable ones.
// Invalid definitions are logged and skipped so the remaining rules still run.
func Load(defs []Definition, logger *zap.Logger) *Engine {
	engine := &Engine{
		rules:  make([]*Rule, 0, len(defs)),
		logger: logger,
	}

	for _, def := range defs {
		rule, err := Compile(def)
		if err != nil {
			logger.Warn("Skipping invalid rule",
				zap.String("rule_id", def.ID),
				zap.String("rule_name", def.Name),
				zap.String("rule_type", string(def.Type)),
				zap.Error(err))
			continue
		}
		engine.rules = append(engine.rules, rule)
	}

	logger.Info("Rules loaded",
		zap.Int("configured", len(defs)),
		zap.Int("loaded", len(engine.rules)))

	return engine
}

// Rules returns the loaded rules in configuration order
func (e *Engine) Rules() []*Rule {
	return e.rules
}

// MatchingRules returns the rules that target table.column, in order
func (e *Engine) MatchingRules(table, column string) []*Rule {
	var matched []*Rule
	for _, rule := range e.rules {
		if rule.Matches(table, column) {
			matched = append(matched, rule)
		}
	}
	return matched
}

// Apply runs rule over values with a random source seeded for this call only
func (e *Engine) Apply(rule *Rule, values []any) []any {
	return rule.Transform(values, rule.NewRand())
}

// Matches reports whether rule targets table.column
func Matches(table, column string, rule *Rule) bool {
	return rule.Matches(table, column)
}

// Compile validates a definition and resolves its transformation strategy
func Compile(def Definition) (*Rule, error) {
	required, ok := requiredParams[def.Type]
	if !ok {
		return nil, fmt.Errorf("%w: %q", ErrUnknownType, def.Type)
	}
	for _, key := range required {
		if _, present := def.Config[key]; !present {
			return nil, fmt.Errorf("%w %q for rule type %q", ErrMissingParameter, key, def.Type)
		}
	}

	var match matchParams
	if err := decode(def.Config, &match); err != nil {
		return nil, err
	}

	rule := &Rule{
		ID:   def.ID,
		Name: def.Name,
		Type: def.Type,
		seed: defaultSeed,
	}

	var err error
	if rule.tables, err = compileAnchored(match.Tables); err != nil {
		return nil, fmt.Errorf("invalid table pattern: %w", err)
	}
	if rule.columns, err = compileAnchored(match.Columns); err != nil {
		return nil, fmt.Errorf("invalid column pattern: %w", err)
	}

	if err := rule.resolveTransformer(def.Config); err != nil {
		return nil, err
	}

	return rule, nil
}

func (r *Rule) resolveTransformer(config map[string]any) error {
	switch r.Type {
	case TypePatientID:
		p := patientIDParams{Prefix: "P", Format: "{}{:07d}"}
		if err := decode(config, &p); err != nil {
			return err
		}
		if err := idfmt.ValidateCounter(p.Format, p.Prefix); err != nil {
			return fmt.Errorf("invalid id format: %w", err)
		}
		r.transformer = patientIDTransformer(p)

	case TypeDateOffset:
		p := dateOffsetParams{MinDays: -30, MaxDays: 30, Seed: defaultSeed}
		if err := decode(config, &p); err != nil {
			return err
		}
		if p.MinDays > p.MaxDays {
			return fmt.Errorf("min_days %d is greater than max_days %d", p.MinDays, p.MaxDays)
		}
		r.seed = p.Seed
		r.transformer = dateOffsetTransformer(p)

	case TypeDateGeneralization:
		p := dateGeneralizationParams{Level: "month"}
		if err := decode(config, &p); err != nil {
			return err
		}
		r.transformer = dateGeneralizationTransformer(p)

	case TypePhoneMask:
		p := phoneMaskParams{Pattern: "XXX-XXX-{last4}"}
		if err := decode(config, &p); err != nil {
			return err
		}
		r.transformer = phoneMaskTransformer(p)

	case TypeEmailMask:
		p := emailMaskParams{Mode: EmailModePreserveDomain}
		if err := decode(config, &p); err != nil {
			return err
		}
		r.transformer = emailMaskTransformer(p)

	case TypeTextRedaction:
		p := textRedactionParams{Replacement: "[REDACTED]"}
		if err := decode(config, &p); err != nil {
			return err
		}
		t := textRedactionTransformer{replacement: p.Replacement}
		for _, expr := range p.Patterns {
			re, err := regexp.Compile(expr)
			if err != nil {
				return fmt.Errorf("invalid redaction pattern %q: %w", expr, err)
			}
			t.patterns = append(t.patterns, re)
		}
		r.transformer = t

	case TypeFixedValue:
		p := fixedValueParams{Value: "[REDACTED]"}
		if err := decode(config, &p); err != nil {
			return err
		}
		r.transformer = fixedValueTransformer(p)

	case TypeHash:
		p := hashParams{Salt: "deidentification", Length: 8}
		if err := decode(config, &p); err != nil {
			return err
		}
		if p.Length <= 0 {
			return fmt.Errorf("hash length must be positive, got %d", p.Length)
		}
		r.transformer = hashTransformer(p)

	case TypeRandomValue:
		p := randomValueParams{Seed: defaultSeed, Length: 8}
		if err := decode(config, &p); err != nil {
			return err
		}
		if p.Length <= 0 {
			return fmt.Errorf("random string length must be positive, got %d", p.Length)
		}
		if err := validateBounds(p); err != nil {
			return err
		}
		r.seed = p.Seed
		r.transformer = newRandomValueTransformer(p)

	case TypeZipcodeTruncate:
		r.transformer = zipcodeTransformer{}

	default:
		return fmt.Errorf("%w: %q", ErrUnknownType, r.Type)
	}

	return nil
}

func decode(input map[string]any, out any) error {
	decoder, err := mapstructure.NewDecoder(&mapstructure.DecoderConfig{
		Result:           out,
		WeaklyTypedInput: true,
		TagName:          "mapstructure",
	})
	if err != nil {
		return fmt.Errorf("failed to create config decoder: %w", err)
	}
	if err := decoder.Decode(input); err != nil {
		return fmt.Errorf("failed to decode rule config: %w", err)
	}
	return nil
}

func compileAnchored(patterns []string) ([]*regexp.Regexp, error) {
	compiled := make([]*regexp.Regexp, 0, len(patterns))
	for _, p := range patterns {
		re, err := regexp.Compile(`(?i)^(?:` + p + `)`)
		if err != nil {
			return nil, fmt.Errorf("%q: %w", p, err)
		}
		compiled = append(compiled, re)
	}
	return compiled, nil
}
