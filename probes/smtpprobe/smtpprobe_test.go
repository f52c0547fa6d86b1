package smtpprobe

import (
	"testing"
	"time"

	"mailverify/models"
)

func TestProbeNoMXHosts(t *testing.T) {
	p := New(2*time.Second, 1, "sender@example.com", false, "")

	outcome := p.Probe("user@example.com", nil)

	if outcome.Kind != models.DefinitiveInvalid {
		t.Fatalf("expected definitive_invalid, got %v", outcome.Kind)
	}
	if outcome.Reason != "Domain has no mail servers" {
		t.Fatalf("unexpected reason: %q", outcome.Reason)
	}
}

func TestProbeUnreachableHost(t *testing.T) {
	p := New(200*time.Millisecond, 0, "sender@example.com", false, "")

	outcome := p.Probe("user@example.com", []string{"mx.invalid.test.invalid"})

	if outcome.Kind != models.OutcomeError {
		t.Fatalf("expected error outcome for unreachable host, got %v", outcome.Kind)
	}
}

func TestDomainOf(t *testing.T) {
	cases := map[string]string{
		"user@example.com": "example.com",
		"no-at-sign":        "",
	}
	for addr, want := range cases {
		if got := domainOf(addr); got != want {
			t.Errorf("domainOf(%q) = %q, want %q", addr, got, want)
		}
	}
}

func TestSMTPReplyCode(t *testing.T) {
	cases := []struct {
		msg  string
		want int
	}{
		{"550 5.1.1 mailbox unavailable", 550},
		{"250 OK", 250},
		{"x", 0},
	}
	for _, c := range cases {
		if got := smtpReplyCode(textprotoError(c.msg)); got != c.want {
			t.Errorf("smtpReplyCode(%q) = %d, want %d", c.msg, got, c.want)
		}
	}
}

type testErr string

func (e testErr) Error() string { return string(e) }

func textprotoError(msg string) error {
	return testErr(msg)
}

func TestRandomLocalPart(t *testing.T) {
	a := randomLocalPart(randomLocalPartLength)
	b := randomLocalPart(randomLocalPartLength)
	if len(a) != randomLocalPartLength {
		t.Fatalf("expected length %d, got %d", randomLocalPartLength, len(a))
	}
	if a == b {
		t.Fatalf("expected two random local parts to differ")
	}
}
