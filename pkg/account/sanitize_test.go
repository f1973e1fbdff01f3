package account

import (
	"strings"
	"testing"
)

func TestSanitize(t *testing.T) {
	tests := []struct {
		input    string
		expected string
	}{
		{"plain ascii", "plain ascii"},
		{"José", "Jose"},
		{"Jose\u0301", "Jose"},
		{"Müller", "Muller"},
		{"Straße", "Strasse"},
		{"Søren Æbelø", "Soren AEbelo"},
		{"Łódź", "Lodz"},
		{"O’Brien", "O'Brien"},
		{"Иван Петров", "Ivan Petrov"},
		{"Γιώργος", "Giorgos"},
		{"", ""},
	}

	for _, tt := range tests {
		t.Run(tt.input, func(t *testing.T) {
			if got := Sanitize(tt.input); got != tt.expected {
				t.Errorf("Sanitize(%q) = %q, want %q", tt.input, got, tt.expected)
			}
		})
	}
}

func TestSanitize_HanIsRomanized(t *testing.T) {
	got := Sanitize("北京")
	if !isASCII(got) {
		t.Fatalf("Sanitize() = %q, want ASCII", got)
	}
	if strings.TrimSpace(got) != "Bei Jing" {
		t.Errorf("Sanitize(%q) = %q, want pinyin \"Bei Jing\"", "北京", got)
	}
}
