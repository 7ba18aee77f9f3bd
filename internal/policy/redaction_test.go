package policy

import (
	"strings"
	"testing"
)

func TestRedactPII(t *testing.T) {
	input := "Email me at sam@example.com or +1 (555) 123-9876 and use 4242 4242 4242 4242."
	out, changed := RedactPII(input)
	if !changed {
		t.Fatalf("changed = false, want true")
	}
	for _, marker := range []string{"[REDACTED_EMAIL]", "[REDACTED_PHONE]", "[REDACTED_CARD]"} {
		if !strings.Contains(out, marker) {
			t.Fatalf("output missing marker %q: %q", marker, out)
		}
	}
}

func TestRedactPIISSN(t *testing.T) {
	out, changed := RedactPII("my number is 123-45-6789")
	if !changed || !strings.Contains(out, "[REDACTED_SSN]") {
		t.Fatalf("RedactPII() = %q, %v; want SSN redacted", out, changed)
	}
}

func TestRedactPIILeavesSymptomsAlone(t *testing.T) {
	in := "I slept badly and my knee hurts"
	out, changed := RedactPII(in)
	if changed || out != in {
		t.Fatalf("RedactPII() = %q, %v; want unchanged", out, changed)
	}
}

func TestDescribeArgsSortedAndRedacted(t *testing.T) {
	got := DescribeArgs(map[string]any{"note": "call sam@example.com", "brightness": 0.5})
	want := "brightness=0.5 note=call [REDACTED_EMAIL]"
	if got != want {
		t.Fatalf("DescribeArgs() = %q, want %q", got, want)
	}
	if DescribeArgs(nil) != "" {
		t.Fatalf("DescribeArgs(nil) should be empty")
	}
}
