package service

import (
	"fmt"
	"strconv"
	"strings"
	"time"

	mappingdomain "github.com/plotline/plotline/internal/mapping/domain"
)

// ApplyTransforms runs an edge's transforms left to right over a raw cell
// value. Unknown kinds pass the value through unchanged.
func ApplyTransforms(value string, transforms []mappingdomain.Transform) string {
	for _, tr := range transforms {
		switch tr.Kind {
		case mappingdomain.TransformTrim:
			value = strings.TrimSpace(value)
		case mappingdomain.TransformLowercase:
			value = strings.ToLower(value)
		case mappingdomain.TransformUppercase:
			value = strings.ToUpper(value)
		case mappingdomain.TransformPrefix:
			value = tr.Arg + value
		case mappingdomain.TransformSuffix:
			value = value + tr.Arg
		}
	}
	return value
}

// timestampLayouts are tried in order when coercing date cells.
var timestampLayouts = []string{
	time.RFC3339,
	"2006-01-02 15:04:05",
	"2006-01-02T15:04",
	"2006-01-02",
	"02.01.2006",
	"01/02/2006",
}

// CoerceNumber parses a cell as a float, tolerating surrounding whitespace
// and a decimal comma.
func CoerceNumber(value string) (float64, error) {
	trimmed := strings.TrimSpace(value)
	if trimmed == "" {
		return 0, fmt.Errorf("empty value")
	}
	if strings.Count(trimmed, ",") == 1 && !strings.Contains(trimmed, ".") {
		trimmed = strings.Replace(trimmed, ",", ".", 1)
	}
	return strconv.ParseFloat(trimmed, 64)
}

// CoerceTimestamp parses a cell against the supported layouts, in UTC.
func CoerceTimestamp(value string) (time.Time, error) {
	trimmed := strings.TrimSpace(value)
	if trimmed == "" {
		return time.Time{}, fmt.Errorf("empty value")
	}
	for _, layout := range timestampLayouts {
		if t, err := time.Parse(layout, trimmed); err == nil {
			return t.UTC(), nil
		}
	}
	return time.Time{}, fmt.Errorf("unrecognized timestamp %q", value)
}
