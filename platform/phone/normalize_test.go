package phone

import "testing"

func TestNormalizeE164(t *testing.T) {
	got, ok := NormalizeE164("(201) 555-0123", "US")
	if !ok {
		t.Fatalf("expected valid US number")
	}
	if got != "+12015550123" {
		t.Fatalf("expected +12015550123, got %s", got)
	}

	got, ok = NormalizeE164("+31 6 12345678", "")
	if !ok || got != "+31612345678" {
		t.Fatalf("expected +31612345678, got %q ok=%v", got, ok)
	}

	if _, ok := NormalizeE164("not a number", "US"); ok {
		t.Fatalf("expected garbage input to be rejected")
	}
	if _, ok := NormalizeE164("   ", "US"); ok {
		t.Fatalf("expected blank input to be rejected")
	}
}

func TestDigitsOnly(t *testing.T) {
	if got := DigitsOnly("+1 (201) 555-0123"); got != "12015550123" {
		t.Fatalf("unexpected digits %q", got)
	}
}
