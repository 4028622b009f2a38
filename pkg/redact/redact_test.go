package redact

import (
	"strings"
	"testing"
)

func TestRedactDisabled(t *testing.T) {
	SetEnabled(false)
	in := "email a@b.com and phone +62 812 3456 7890"
	if got := Text(in); got != in {
		t.Fatalf("expected no redaction, got %q", got)
	}
}

func TestRedactEnabled(t *testing.T) {
	SetEnabled(true)
	in := "email a@b.com and phone +62 812 3456 7890"
	got := Text(in)
	if got == in {
		t.Fatalf("expected redaction")
	}
	if want := "[REDACTED_EMAIL]"; !strings.Contains(got, want) {
		t.Fatalf("expected %q in output", want)
	}
	if want := "[REDACTED_PHONE]"; !strings.Contains(got, want) {
		t.Fatalf("expected %q in output", want)
	}
}

func TestPhoneMask(t *testing.T) {
	SetEnabled(false)
	if got := Phone("0612345678"); got != "0612345678" {
		t.Fatalf("expected passthrough, got %q", got)
	}
	SetEnabled(true)
	defer SetEnabled(false)
	if got := Phone("0612345678"); got != "******5678" {
		t.Fatalf("unexpected mask %q", got)
	}
	if got := Phone("123"); got != "***" {
		t.Fatalf("unexpected short mask %q", got)
	}
}
