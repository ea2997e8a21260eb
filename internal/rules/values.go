package rules

import (
	"fmt"
	"strings"
	"time"

	"github.com/raaihank/phi-sentinel/internal/idfmt"
)

var timeLayouts = []string{
	time.RFC3339Nano,
	"2006-01-02T15:04:05",
	"2006-01-02 15:04:05.999999999",
	"2006-01-02 15:04:05",
	"2006-01-02",
	"2006/01/02",
	"01/02/2006",
	"1/2/2006",
	"01-02-2006",
}

type timeKey int64

// valueKey returns a comparable map key for a cell value
func valueKey(v any) any {
	switch x := v.(type) {
	case []byte:
		return string(x)
	case time.Time:
		return timeKey(x.UnixNano())
	case string, bool, int, int8, int16, int32, int64, uint, uint8, uint16, uint32, uint64, float32, float64:
		return x
	default:
		return fmt.Sprint(x)
	}
}

func stringify(v any) string {
	return idfmt.Stringify(v)
}

// parseTime converts a cell value to a time. Strings are tried against the
// common date layouts.
func parseTime(v any) (time.Time, bool) {
	var s string
	switch x := v.(type) {
	case time.Time:
		return x, true
	case string:
		s = x
	case []byte:
		s = string(x)
	default:
		return time.Time{}, false
	}

	s = strings.TrimSpace(s)
	for _, layout := range timeLayouts {
		if t, err := time.Parse(layout, s); err == nil {
			return t, true
		}
	}
	return time.Time{}, false
}
