package parser

import (
	"strconv"
	"strings"
	"time"

	mappingdomain "github.com/plotline/plotline/internal/mapping/domain"
)

// inference tracks which classes the sampled values of each column fall
// into. A column seen as exactly one class gets that type; empty columns
// default to string; anything else is mixed.
type inference struct {
	seen []map[mappingdomain.InferredType]bool
}

func newInference(columns int) *inference {
	seen := make([]map[mappingdomain.InferredType]bool, columns)
	for i := range seen {
		seen[i] = make(map[mappingdomain.InferredType]bool, 2)
	}
	return &inference{seen: seen}
}

func (inf *inference) observe(row []string) {
	for i := range inf.seen {
		if i >= len(row) {
			continue
		}
		value := strings.TrimSpace(row[i])
		if value == "" {
			continue
		}
		inf.seen[i][classify(value)] = true
	}
}

func (inf *inference) types() []mappingdomain.InferredType {
	out := make([]mappingdomain.InferredType, len(inf.seen))
	for i, classes := range inf.seen {
		switch len(classes) {
		case 0:
			out[i] = mappingdomain.TypeString
		case 1:
			for t := range classes {
				out[i] = t
			}
		default:
			out[i] = mappingdomain.TypeMixed
		}
	}
	return out
}

var dateLayouts = []string{
	time.RFC3339,
	"2006-01-02 15:04:05",
	"2006-01-02T15:04",
	"2006-01-02",
	"02.01.2006",
	"01/02/2006",
}

func classify(value string) mappingdomain.InferredType {
	switch strings.ToLower(value) {
	case "true", "false", "yes", "no":
		return mappingdomain.TypeBoolean
	}
	if _, err := strconv.ParseFloat(value, 64); err == nil {
		return mappingdomain.TypeNumber
	}
	for _, layout := range dateLayouts {
		if _, err := time.Parse(layout, value); err == nil {
			return mappingdomain.TypeDate
		}
	}
	return mappingdomain.TypeString
}
