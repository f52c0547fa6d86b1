package bounceprobe

import (
	"strings"
	"testing"
)

func TestIsBounceSubject(t *testing.T) {
	cases := map[string]bool{
		"Delivery Status Notification (Failure)": true,
		"Undeliverable: Hello":                    true,
		"Re: catch up tomorrow":                   false,
	}
	for subject, want := range cases {
		if got := isBounceSubject(subject); got != want {
			t.Errorf("isBounceSubject(%q) = %v, want %v", subject, got, want)
		}
	}
}

func TestExtractRecipientsDirectPhrase(t *testing.T) {
	body := "We're writing to let you know that the message below couldn't be delivered.\n" +
		"Your message wasn't delivered to missing@example.com because the address couldn't be found."
	got := extractRecipients(strings.NewReader(body))
	if len(got) != 1 || got[0] != "missing@example.com" {
		t.Fatalf("extractRecipients() = %v", got)
	}
}

func TestExtractRecipientsFallbackPattern(t *testing.T) {
	body := "Technical details:\nRecipient: ghost@example.org\nStatus: 5.1.1"
	got := extractRecipients(strings.NewReader(body))
	if len(got) != 1 || got[0] != "ghost@example.org" {
		t.Fatalf("extractRecipients() = %v", got)
	}
}

func TestExtractRecipientsNoMatch(t *testing.T) {
	got := extractRecipients(strings.NewReader("Thanks for your order!"))
	if len(got) != 0 {
		t.Fatalf("expected no matches, got %v", got)
	}
}

func TestNextAccountRotates(t *testing.T) {
	p := New([]Account{{Name: "a"}, {Name: "b"}}, 0)
	first := p.nextAccount()
	second := p.nextAccount()
	third := p.nextAccount()
	if first.Name != "a" || second.Name != "b" || third.Name != "a" {
		t.Fatalf("expected rotation a,b,a got %s,%s,%s", first.Name, second.Name, third.Name)
	}
}
