package rules

import (
	"crypto/md5"
	"encoding/hex"
	"fmt"
	"hash/fnv"
	"math"
	"math/rand/v2"
	"regexp"
	"strings"
	"time"
	"unicode"

	"github.com/raaihank/phi-sentinel/internal/idfmt"
)

// Email masking modes
const (
	EmailModePreserveDomain = "preserve_domain"
	EmailModeFullMask       = "full_mask"
)

const randomAlphabet = "ABCDEFGHIJKLMNOPQRSTUVWXYZ0123456789"

// RemapIdentifiers assigns sequential surrogates to the distinct non-null values
// in first-appearance order. Nulls are kept as nulls.
func RemapIdentifiers(values []any, prefix, format string) ([]any, map[any]string, error) {
	mapping := make(map[any]string)
	out := make([]any, len(values))
	n := 0

	for i, v := range values {
		if v == nil {
			continue
		}
		key := valueKey(v)
		id, ok := mapping[key]
		if !ok {
			n++
			var err error
			id, err = idfmt.Format(format, prefix, n)
			if err != nil {
				return nil, nil, err
			}
			mapping[key] = id
		}
		out[i] = id
	}

	return out, mapping, nil
}

type patientIDTransformer patientIDParams

func (t patientIDTransformer) Transform(values []any, _ *rand.Rand) []any {
	out, _, err := RemapIdentifiers(values, t.Prefix, t.Format)
	if err != nil {
		// format is checked at load time
		return append([]any(nil), values...)
	}
	return out
}

type dateOffsetTransformer dateOffsetParams

// Transform shifts every parseable date by its own draw from [MinDays, MaxDays].
// Nulls and unparseable values pass through without consuming a draw.
func (t dateOffsetTransformer) Transform(values []any, rng *rand.Rand) []any {
	span := t.MaxDays - t.MinDays + 1
	return mapValues(values, func(v any) any {
		ts, ok := parseTime(v)
		if !ok {
			return v
		}
		days := t.MinDays + rng.IntN(span)
		return ts.AddDate(0, 0, days)
	})
}

type dateGeneralizationTransformer dateGeneralizationParams

func (t dateGeneralizationTransformer) Transform(values []any, _ *rand.Rand) []any {
	return mapValues(values, func(v any) any {
		ts, ok := parseTime(v)
		if !ok {
			return v
		}
		switch t.Level {
		case "year":
			return time.Date(ts.Year(), time.January, 1, 0, 0, 0, 0, ts.Location())
		case "month":
			return time.Date(ts.Year(), ts.Month(), 1, 0, 0, 0, 0, ts.Location())
		default:
			return v
		}
	})
}

type phoneMaskTransformer phoneMaskParams

func (t phoneMaskTransformer) Transform(values []any, _ *rand.Rand) []any {
	return mapValues(values, func(v any) any {
		digits := strings.Map(func(r rune) rune {
			if r >= '0' && r <= '9' {
				return r
			}
			return -1
		}, stringify(v))
		if len(digits) < 10 {
			return v
		}
		return strings.ReplaceAll(t.Pattern, "{last4}", digits[len(digits)-4:])
	})
}

type emailMaskTransformer emailMaskParams

func (t emailMaskTransformer) Transform(values []any, _ *rand.Rand) []any {
	return mapValues(values, func(v any) any {
		s := stringify(v)
		local, domain, found := strings.Cut(s, "@")
		if !found {
			return v
		}
		if t.Mode == EmailModePreserveDomain {
			return md5Hex(local)[:8] + "@" + domain
		}
		return fullMaskEmail(s)
	})
}

// fullMaskEmail derives a stable placeholder address from the whole input
func fullMaskEmail(email string) string {
	h := fnv.New32a()
	_, _ = h.Write([]byte(email))
	return fmt.Sprintf("masked_email_%04d@example.com", h.Sum32()%10000)
}

type textRedactionTransformer struct {
	patterns    []*regexp.Regexp
	replacement string
}

func (t textRedactionTransformer) Transform(values []any, _ *rand.Rand) []any {
	return mapValues(values, func(v any) any {
		s := stringify(v)
		for _, re := range t.patterns {
			s = re.ReplaceAllLiteralString(s, t.replacement)
		}
		return s
	})
}

type fixedValueTransformer fixedValueParams

func (t fixedValueTransformer) Transform(values []any, _ *rand.Rand) []any {
	return mapValues(values, func(any) any {
		return t.Value
	})
}

type hashTransformer hashParams

func (t hashTransformer) Transform(values []any, _ *rand.Rand) []any {
	return mapValues(values, func(v any) any {
		sum := md5Hex(stringify(v) + t.Salt)
		if t.Length < len(sum) {
			return sum[:t.Length]
		}
		return sum
	})
}

type valueKind int

const (
	kindString valueKind = iota
	kindInt
	kindFloat
)

type randomValueTransformer struct {
	minVal *float64
	maxVal *float64
	length int
}

func newRandomValueTransformer(p randomValueParams) randomValueTransformer {
	return randomValueTransformer{minVal: p.MinVal, maxVal: p.MaxVal, length: p.Length}
}

// Transform replaces each non-null value with a random one of the column's kind.
// Integer columns draw from [min, max], float columns from [min, max) and
// everything else gets a random uppercase alphanumeric string.
func (t randomValueTransformer) Transform(values []any, rng *rand.Rand) []any {
	kind := inferKind(values)

	switch kind {
	case kindInt:
		lo, hi := int64(bound(t.minVal, 0)), int64(bound(t.maxVal, 1000))
		if hi < lo {
			lo, hi = hi, lo
		}
		return mapValues(values, func(any) any {
			return lo + rng.Int64N(hi-lo+1)
		})
	case kindFloat:
		lo, hi := bound(t.minVal, 0), bound(t.maxVal, 1)
		return mapValues(values, func(any) any {
			return lo + rng.Float64()*(hi-lo)
		})
	default:
		return mapValues(values, func(any) any {
			b := make([]byte, t.length)
			for i := range b {
				b[i] = randomAlphabet[rng.IntN(len(randomAlphabet))]
			}
			return string(b)
		})
	}
}

func bound(v *float64, fallback float64) float64 {
	if v == nil {
		return fallback
	}
	return *v
}

// validateBounds rejects bounds that either draw could not use. The column
// kind is only known at transform time, so both the integer and the float
// range must be drawable.
func validateBounds(p randomValueParams) error {
	for name, v := range map[string]*float64{"min_val": p.MinVal, "max_val": p.MaxVal} {
		if v == nil {
			continue
		}
		if math.IsNaN(*v) || math.IsInf(*v, 0) {
			return fmt.Errorf("%s must be finite, got %v", name, *v)
		}
		// -2^63 is exact as a float64, 2^63 is the first value past MaxInt64
		if *v < math.MinInt64 || *v >= -math.MinInt64 {
			return fmt.Errorf("%s %v is outside the integer range", name, *v)
		}
	}

	lo, hi := int64(bound(p.MinVal, 0)), int64(bound(p.MaxVal, 1000))
	if hi < lo {
		lo, hi = hi, lo
	}
	if uint64(hi)-uint64(lo) >= math.MaxInt64 {
		return fmt.Errorf("integer range [%d, %d] is too wide", lo, hi)
	}

	if span := bound(p.MaxVal, 1) - bound(p.MinVal, 0); math.IsInf(span, 0) {
		return fmt.Errorf("float range is too wide")
	}
	return nil
}

type zipcodeTransformer struct{}

func (zipcodeTransformer) Transform(values []any, _ *rand.Rand) []any {
	return mapValues(values, func(v any) any {
		runes := []rune(strings.TrimFunc(stringify(v), unicode.IsSpace))
		if len(runes) < 5 {
			return v
		}
		return string(runes[:3]) + "XX"
	})
}

// mapValues applies fn to every non-null value and keeps nulls in place
func mapValues(values []any, fn func(any) any) []any {
	out := make([]any, len(values))
	for i, v := range values {
		if v == nil {
			continue
		}
		out[i] = fn(v)
	}
	return out
}

func md5Hex(s string) string {
	sum := md5.Sum([]byte(s))
	return hex.EncodeToString(sum[:])
}

func inferKind(values []any) valueKind {
	kind := kindString
	seen := false
	for _, v := range values {
		if v == nil {
			continue
		}
		switch v.(type) {
		case int, int8, int16, int32, int64, uint, uint8, uint16, uint32, uint64:
			if !seen {
				kind = kindInt
			}
		case float32, float64:
			if !seen || kind == kindInt {
				kind = kindFloat
			}
		default:
			return kindString
		}
		seen = true
	}
	return kind
}
