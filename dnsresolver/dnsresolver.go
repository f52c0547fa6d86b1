// Package dnsresolver caches MX lookups per domain and enriches a
// domain with WHOIS registrar data and a secondary host-validity
// opinion from badoux/checkmail.
package dnsresolver

import (
	"context"
	"net"
	"strings"
	"sync"
	"time"

	"github.com/badoux/checkmail"
	"github.com/likexian/whois"
	"github.com/sirupsen/logrus"
)

// Resolver is a process-cached MX lookup table. No TTL: entries live
// until the process restarts.
type Resolver struct {
	mu      sync.RWMutex
	cache   map[string][]string
	timeout time.Duration
	log     *logrus.Entry
}

func New(timeout time.Duration) *Resolver {
	return &Resolver{
		cache:   make(map[string][]string),
		timeout: timeout,
		log:     logrus.WithField("component", "dnsresolver"),
	}
}

// MX returns the cached (or freshly looked up) MX hosts for domain,
// normalized to lowercase with any trailing dot stripped. An empty
// slice — never an error — signals "no mail servers", which callers
// treat as INVALID.
func (r *Resolver) MX(domain string) []string {
	domain = strings.ToLower(domain)

	r.mu.RLock()
	if hosts, ok := r.cache[domain]; ok {
		r.mu.RUnlock()
		return hosts
	}
	r.mu.RUnlock()

	ctx, cancel := context.WithTimeout(context.Background(), r.timeout)
	defer cancel()

	var resolver net.Resolver
	records, err := resolver.LookupMX(ctx, domain)
	if err != nil {
		r.log.WithError(err).WithField("domain", domain).Warn("MX lookup failed")
		records = nil
	}

	hosts := make([]string, 0, len(records))
	for _, rec := range records {
		hosts = append(hosts, normalizeHost(rec.Host))
	}

	r.mu.Lock()
	r.cache[domain] = hosts
	r.mu.Unlock()

	return hosts
}

func normalizeHost(host string) string {
	return strings.ToLower(strings.TrimSuffix(host, "."))
}

// ValidHost cross-checks address's domain with checkmail's host
// validator (its own MX-plus-SMTP-connect opinion), a second,
// independent opinion alongside this package's own MX cache. The
// engine records it in VerificationResult.Details after the probes
// have run; it does not gate or change any probe.
func ValidHost(address string) bool {
	return checkmail.ValidateHost(address) == nil
}

// WhoisRegistrar returns the raw WHOIS response for domain, used to
// enrich VerificationResult.Details with registrar evidence. Errors are
// swallowed to "" — WHOIS is best-effort enrichment, never a probe
// signal on its own.
func WhoisRegistrar(domain string) string {
	raw, err := whois.Whois(domain)
	if err != nil {
		return ""
	}
	return raw
}
