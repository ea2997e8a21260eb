// Package idfmt formats surrogate identifiers from brace templates such as
// "{}{:07d}" (prefix followed by a seven digit zero-padded number) or "SW{:010d}".
//
// Each placeholder consumes the next argument. "{}" prints the argument as is,
// "{:d}" prints it as an integer and "{:0Nd}" pads it with zeros to width N.
// "{{" and "}}" are literal braces.
package idfmt

import (
	"fmt"
	"strconv"
	"strings"
	"time"
)

// Format renders template with args
func Format(template string, args ...any) (string, error) {
	var b strings.Builder
	next := 0

	for i := 0; i < len(template); i++ {
		c := template[i]
		switch {
		case c == '{' && i+1 < len(template) && template[i+1] == '{':
			b.WriteByte('{')
			i++
		case c == '}' && i+1 < len(template) && template[i+1] == '}':
			b.WriteByte('}')
			i++
		case c == '{':
			end := strings.IndexByte(template[i:], '}')
			if end < 0 {
				return "", fmt.Errorf("unclosed placeholder in template %q", template)
			}
			if next >= len(args) {
				return "", fmt.Errorf("template %q has more placeholders than arguments", template)
			}
			rendered, err := renderPlaceholder(template[i+1:i+end], args[next])
			if err != nil {
				return "", fmt.Errorf("template %q: %w", template, err)
			}
			b.WriteString(rendered)
			next++
			i += end
		case c == '}':
			return "", fmt.Errorf("unmatched '}' in template %q", template)
		default:
			b.WriteByte(c)
		}
	}

	return b.String(), nil
}

// Validate checks that template renders with the given number of integer arguments
func Validate(template string, argc int) error {
	args := make([]any, argc)
	for i := range args {
		args[i] = 1
	}
	_, err := Format(template, args...)
	return err
}

// ValidateCounter checks that template renders with the fixed leading
// arguments followed by a counter, and that distinct counters give distinct
// identifiers
func ValidateCounter(template string, leading ...any) error {
	render := func(n int) (string, error) {
		args := append(append(make([]any, 0, len(leading)+1), leading...), n)
		return Format(template, args...)
	}
	first, err := render(1)
	if err != nil {
		return err
	}
	second, err := render(2)
	if err != nil {
		return err
	}
	if first == second {
		return fmt.Errorf("template %q does not render the counter", template)
	}
	return nil
}

func renderPlaceholder(spec string, arg any) (string, error) {
	if spec == "" {
		return fmt.Sprint(arg), nil
	}
	if !strings.HasPrefix(spec, ":") || !strings.HasSuffix(spec, "d") {
		return "", fmt.Errorf("unsupported placeholder {%s}", spec)
	}

	n, ok := toInt(arg)
	if !ok {
		return "", fmt.Errorf("placeholder {%s} needs an integer, got %T", spec, arg)
	}

	width := strings.TrimSuffix(strings.TrimPrefix(spec, ":"), "d")
	if width == "" {
		return strconv.FormatInt(n, 10), nil
	}
	if !strings.HasPrefix(width, "0") {
		return "", fmt.Errorf("unsupported placeholder {%s}", spec)
	}
	w, err := strconv.Atoi(width[1:])
	if err != nil {
		return "", fmt.Errorf("invalid width in {%s}: %w", spec, err)
	}
	return fmt.Sprintf("%0*d", w, n), nil
}

func toInt(v any) (int64, bool) {
	switch n := v.(type) {
	case int:
		return int64(n), true
	case int32:
		return int64(n), true
	case int64:
		return n, true
	case uint:
		return int64(n), true
	case uint32:
		return int64(n), true
	}
	return 0, false
}

// Stringify renders a cell value as identifier text. Times use the
// "2006-01-02 15:04:05" layout and floats drop trailing zeros.
func Stringify(v any) string {
	switch x := v.(type) {
	case nil:
		return ""
	case string:
		return x
	case []byte:
		return string(x)
	case time.Time:
		if x.Nanosecond() != 0 {
			return x.Format("2006-01-02 15:04:05.999999999")
		}
		return x.Format("2006-01-02 15:04:05")
	case float64:
		return strconv.FormatFloat(x, 'f', -1, 64)
	case float32:
		return strconv.FormatFloat(float64(x), 'f', -1, 32)
	default:
		return fmt.Sprint(x)
	}
}
