package instrument

import (
	"errors"
	"testing"
)

func TestNormalizeISIN_Valid(t *testing.T) {
	isin, err := NormalizeISIN("  us0378331005 ")
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if isin != "US0378331005" {
		t.Errorf("expected US0378331005, got %s", isin)
	}
}

func TestNormalizeISIN_InvalidFormat(t *testing.T) {
	tests := []string{
		"",
		"INVALID",
		"US037833100",   // too short
		"US03783310055", // too long
		"1S0378331005",  // numeric country
		"US037833100X",  // non-digit check
	}
	for _, raw := range tests {
		_, err := NormalizeISIN(raw)
		if !errors.Is(err, ErrInvalidISIN) {
			t.Errorf("expected ErrInvalidISIN for %q, got %v", raw, err)
		}
	}
}

func TestNormalizeISIN_BadCheckDigit(t *testing.T) {
	_, err := NormalizeISIN("US0378331006")
	if !errors.Is(err, ErrBadCheckDigit) {
		t.Errorf("expected ErrBadCheckDigit, got %v", err)
	}
}

func TestValidISIN(t *testing.T) {
	if !ValidISIN("US0378331005") {
		t.Error("expected US0378331005 to be valid")
	}
	if ValidISIN("GP") {
		t.Error("expected GP to be invalid")
	}
}

func TestNormalizeCode(t *testing.T) {
	tests := map[string]string{
		"gp":              "GP",
		"  squarepharma ": "SQUAREPHARMA",
		"BRAC BANK":       "BRACBANK",
		"":                "",
	}
	for raw, want := range tests {
		if got := NormalizeCode(raw); got != want {
			t.Errorf("NormalizeCode(%q) = %q, want %q", raw, got, want)
		}
	}
}
