package dnsresolver

import "testing"

func TestNormalizeHost(t *testing.T) {
	cases := map[string]string{
		"ASPMX.L.GOOGLE.COM.": "aspmx.l.google.com",
		"mx1.example.com":     "mx1.example.com",
		"MX.Example.ORG.":     "mx.example.org",
	}
	for in, want := range cases {
		if got := normalizeHost(in); got != want {
			t.Errorf("normalizeHost(%q) = %q, want %q", in, got, want)
		}
	}
}

func TestMXCachesLookups(t *testing.T) {
	r := New(0)
	r.cache["example.com"] = []string{"mx.example.com"}

	hosts := r.MX("EXAMPLE.com")
	if len(hosts) != 1 || hosts[0] != "mx.example.com" {
		t.Fatalf("expected cached MX hosts, got %v", hosts)
	}
}
