package validation

import (
	"strings"
	"testing"

	"github.com/xtxerr/spillway/internal/errors"
)

func TestValidateName(t *testing.T) {
	rules := HistogramNameRules()

	tests := []struct {
		name    string
		input   string
		wantErr bool
	}{
		{"simple", "energy", false},
		{"with hyphen", "energy-adc0", false},
		{"with underscore", "energy_adc0", false},
		{"with dot", "ge.energy", false},
		{"numbers", "123", false},
		{"empty", "", true},
		{"dot", ".", true},
		{"dotdot", "..", true},
		{"hidden", ".hidden", true},
		{"slash", "a/b", true},
		{"backslash", "a\\b", true},
		{"control char", "a\x00b", true},
		{"space", "a b", true},
		{"colon", "a:b", true},
		{"non ascii", "énergie", true},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			err := ValidateName(tt.input, rules)
			if (err != nil) != tt.wantErr {
				t.Errorf("ValidateName(%q) error = %v, wantErr %v", tt.input, err, tt.wantErr)
			}
		})
	}
}

func TestValidateNameLength(t *testing.T) {
	rules := FieldNameRules()
	if err := ValidateName(strings.Repeat("a", 64), rules); err != nil {
		t.Errorf("expected 64 characters to pass, got %v", err)
	}
	if err := ValidateName(strings.Repeat("a", 65), rules); err == nil {
		t.Error("expected 65 characters to fail")
	}
}

func TestValidateStreamID(t *testing.T) {
	tests := []struct {
		input   string
		wantErr bool
	}{
		{"adc0", false},
		{"crate1:adc3", false},
		{"det.1-a_b", false},
		{"", true},
		{"a/b", true},
	}

	for _, tt := range tests {
		err := ValidateStreamID(tt.input)
		if (err != nil) != tt.wantErr {
			t.Errorf("ValidateStreamID(%q) error = %v, wantErr %v", tt.input, err, tt.wantErr)
		}
		if err != nil && !errors.IsConfiguration(err) {
			t.Errorf("ValidateStreamID(%q): expected configuration error, got %v", tt.input, err)
		}
	}
}

func TestValidateFieldName(t *testing.T) {
	for _, ok := range []string{"energy", "time", "tdc_1"} {
		if err := ValidateFieldName(ok); err != nil {
			t.Errorf("ValidateFieldName(%q): unexpected error %v", ok, err)
		}
	}
	for _, bad := range []string{"", "e.x", "e-x", "e x"} {
		if err := ValidateFieldName(bad); err == nil {
			t.Errorf("ValidateFieldName(%q): expected error", bad)
		}
	}
}

func TestValidateHistogramAndProducerName(t *testing.T) {
	if err := ValidateHistogramName("energy"); err != nil {
		t.Errorf("unexpected error %v", err)
	}
	if err := ValidateProducerName("sim-1"); err != nil {
		t.Errorf("unexpected error %v", err)
	}
	if err := ValidateHistogramName("../etc"); !errors.IsConfiguration(err) {
		t.Errorf("expected configuration error, got %v", err)
	}
}
