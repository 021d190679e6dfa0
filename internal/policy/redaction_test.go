package policy

import (
	"strings"
	"testing"
)

func TestRedactPII(t *testing.T) {
	input := "Email me at ana@example.com or +55 (11) 99999-9876, CPF 123.456.789-09, card 4242 4242 4242 4242."
	out, changed := RedactPII(input)
	if !changed {
		t.Fatalf("changed = false, want true")
	}
	for _, marker := range []string{"[REDACTED_EMAIL]", "[REDACTED_PHONE]", "[REDACTED_CARD]", "[REDACTED_TAX_ID]"} {
		if !strings.Contains(out, marker) {
			t.Fatalf("output missing marker %q: %q", marker, out)
		}
	}
	if strings.Contains(out, "ana@example.com") || strings.Contains(out, "4242") {
		t.Fatalf("output still carries PII: %q", out)
	}
}

func TestRedactPIIUnchanged(t *testing.T) {
	out, changed := RedactPII("I want the blue one, size 42")
	if changed {
		t.Fatalf("changed = true for %q", out)
	}
}

func TestMaskIdentity(t *testing.T) {
	cases := map[string]string{
		"5511999999999": "5511*******99",
		"abc":           "***",
		"":              "",
	}
	for in, want := range cases {
		if got := MaskIdentity(in); got != want {
			t.Fatalf("MaskIdentity(%q) = %q, want %q", in, got, want)
		}
	}
}
