// Package validation provides name validation for spillway.
//
// Histogram names become directory names under the persistence root, so
// they are restricted to a portable character set. Producer names, stream
// ids and event field names follow the same rules with slightly different
// allowances.
package validation

import (
	"fmt"
	"strings"
	"unicode"

	"github.com/xtxerr/spillway/internal/errors"
)

// =============================================================================
// Name Validation
// =============================================================================

// NameRules defines the validation rules for names.
type NameRules struct {
	MinLength    int
	MaxLength    int
	AllowDots    bool
	AllowHyphens bool
	AllowUnders  bool
	AllowColons  bool
}

// HistogramNameRules returns the rules for histogram names.
func HistogramNameRules() NameRules {
	return NameRules{
		MinLength:    1,
		MaxLength:    255,
		AllowDots:    true,
		AllowHyphens: true,
		AllowUnders:  true,
	}
}

// StreamIDRules returns the rules for stream ids. Colons allow ids like
// "crate1:adc3".
func StreamIDRules() NameRules {
	return NameRules{
		MinLength:    1,
		MaxLength:    255,
		AllowDots:    true,
		AllowHyphens: true,
		AllowUnders:  true,
		AllowColons:  true,
	}
}

// FieldNameRules returns the rules for event field names.
func FieldNameRules() NameRules {
	return NameRules{
		MinLength:   1,
		MaxLength:   64,
		AllowUnders: true,
	}
}

// ValidateName validates a name according to the given rules.
func ValidateName(name string, rules NameRules) error {
	if len(name) < rules.MinLength {
		return fmt.Errorf("name too short: minimum %d characters required", rules.MinLength)
	}
	if len(name) > rules.MaxLength {
		return fmt.Errorf("name too long: maximum %d characters allowed", rules.MaxLength)
	}

	if name == "." || name == ".." {
		return fmt.Errorf("name cannot be '.' or '..'")
	}

	if strings.HasPrefix(name, ".") {
		return fmt.Errorf("name cannot start with '.'")
	}

	for i, r := range name {
		if r < 32 || r == 127 {
			return fmt.Errorf("name cannot contain control characters at position %d", i)
		}
		if r == '/' || r == '\\' {
			return fmt.Errorf("name cannot contain path separators at position %d", i)
		}
		if !isAllowedNameChar(r, rules) {
			return fmt.Errorf("invalid character '%c' at position %d", r, i)
		}
	}

	return nil
}

func isAllowedNameChar(r rune, rules NameRules) bool {
	if r < unicode.MaxASCII && (unicode.IsLetter(r) || unicode.IsDigit(r)) {
		return true
	}
	switch r {
	case '.':
		return rules.AllowDots
	case '-':
		return rules.AllowHyphens
	case '_':
		return rules.AllowUnders
	case ':':
		return rules.AllowColons
	}
	return false
}

// check wraps a rule violation as a configuration error on field.
func check(field, name string, rules NameRules) error {
	if err := ValidateName(name, rules); err != nil {
		return errors.NewInvalidValue(field, name, err.Error())
	}
	return nil
}

// ValidateHistogramName validates a histogram name.
func ValidateHistogramName(name string) error {
	return check("histogram name", name, HistogramNameRules())
}

// ValidateProducerName validates a producer name. Producer names share the
// histogram rules since they appear in logs and metrics labels.
func ValidateProducerName(name string) error {
	return check("producer name", name, HistogramNameRules())
}

// ValidateStreamID validates a data stream id. The empty id belongs to the
// session stream and is rejected here.
func ValidateStreamID(id string) error {
	return check("stream id", id, StreamIDRules())
}

// ValidateFieldName validates an event field name.
func ValidateFieldName(name string) error {
	return check("field name", name, FieldNameRules())
}
