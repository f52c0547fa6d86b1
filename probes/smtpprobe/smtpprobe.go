// Package smtpprobe issues MX-server RCPT-TO probes, the engine's
// cheapest and most universal signal: connect, EHLO, STARTTLS when
// advertised, MAIL FROM, then RCPT TO — classifying the reply code
// without ever sending a message.
package smtpprobe

import (
	"crypto/rand"
	"crypto/tls"
	"fmt"
	"math/big"
	"net"
	"net/smtp"
	"strings"
	"time"

	"golang.org/x/net/proxy"
	"github.com/sirupsen/logrus"

	"mailverify/dnsresolver"
	"mailverify/models"
)

const randomLocalPartLength = 16

// Prober runs RCPT TO probes against an address's MX hosts.
type Prober struct {
	Timeout       time.Duration
	Retries       int
	SenderEmail   string
	HeloHostname  string
	CatchAll      bool
	ProxyAddress  string // host:port of a SOCKS5 proxy, empty to dial directly
	log           *logrus.Entry
}

func New(timeout time.Duration, retries int, senderEmail string, catchAll bool, proxyAddress string) *Prober {
	return &Prober{
		Timeout:      timeout,
		Retries:      retries,
		SenderEmail:  senderEmail,
		HeloHostname: "verify.local",
		CatchAll:     catchAll,
		ProxyAddress: proxyAddress,
		log:          logrus.WithField("component", "smtpprobe"),
	}
}

// Probe runs the RCPT-TO sequence against address's domain, trying
// each MX host in order and retrying network errors with exponential
// backoff (2s, 4s, 8s) before falling through to the next host.
func (p *Prober) Probe(address string, mxHosts []string) models.ProbeOutcome {
	domain := domainOf(address)
	if len(mxHosts) == 0 {
		return models.ProbeOutcome{
			Kind:   models.DefinitiveInvalid,
			Reason: "Domain has no mail servers",
			Method: models.MethodSMTP,
		}
	}

	for _, host := range mxHosts {
		outcome, ok := p.probeHostWithRetry(host, domain, address)
		if ok {
			if outcome.Kind == models.DefinitiveValid && p.CatchAll {
				if p.isCatchAll(host, domain) {
					return models.ProbeOutcome{
						Kind:     models.Ambiguous,
						Reason:   "Domain has catch-all configuration",
						Evidence: map[string]string{"mx": host},
						Method:   models.MethodSMTP,
					}
				}
			}
			return outcome
		}
	}

	return models.ProbeOutcome{
		Kind:   models.OutcomeError,
		Reason: "all MX hosts unreachable",
		Method: models.MethodSMTP,
	}
}

// probeHostWithRetry runs one RCPT probe against host, retrying any
// failure that left no classifiable RCPT reply (dial, EHLO, STARTTLS
// or MAIL FROM errors, or an RCPT error without a 4xx/5xx code) up to
// p.Retries times with exponential backoff. ok is false only when
// every attempt failed that way; a classified RCPT reply is always
// returned immediately.
func (p *Prober) probeHostWithRetry(host, domain, address string) (outcome models.ProbeOutcome, ok bool) {
	backoff := 2 * time.Second
	for attempt := 0; attempt <= p.Retries; attempt++ {
		outcome, err := p.probeHost(host, domain, address)
		if err == nil {
			return outcome, true
		}
		p.log.WithError(err).WithFields(logrus.Fields{"host": host, "attempt": attempt}).Warn("smtp probe attempt failed")
		if attempt < p.Retries {
			time.Sleep(backoff)
			backoff *= 2
		}
	}
	return models.ProbeOutcome{}, false
}

func (p *Prober) probeHost(host, domain, rcptAddress string) (models.ProbeOutcome, error) {
	conn, err := p.dial(host)
	if err != nil {
		return models.ProbeOutcome{}, err
	}
	defer conn.Close()
	conn.SetDeadline(time.Now().Add(p.Timeout))

	client, err := smtp.NewClient(conn, host)
	if err != nil {
		return models.ProbeOutcome{}, err
	}
	defer client.Close()

	if err := client.Hello(p.HeloHostname); err != nil {
		return models.ProbeOutcome{}, err
	}

	if ok, _ := client.Extension("STARTTLS"); ok {
		if err := client.StartTLS(&tls.Config{ServerName: host}); err != nil {
			return models.ProbeOutcome{}, err
		}
		if err := client.Hello(p.HeloHostname); err != nil {
			return models.ProbeOutcome{}, err
		}
	}

	if err := client.Mail(p.SenderEmail); err != nil {
		return models.ProbeOutcome{}, err
	}

	err = client.Rcpt(rcptAddress)
	_ = client.Quit()

	if err == nil {
		return models.ProbeOutcome{
			Kind:     models.DefinitiveValid,
			Reason:   "RCPT accepted",
			Evidence: map[string]string{"mx": host, "code": "250"},
			Method:   models.MethodSMTP,
		}, nil
	}

	code := smtpReplyCode(err)
	switch {
	case code == 550:
		return models.ProbeOutcome{
			Kind:     models.Ambiguous,
			Reason:   "Mailbox unavailable",
			Evidence: map[string]string{"mx": host, "code": "550"},
			Method:   models.MethodSMTP,
		}, nil
	case code >= 400 && code < 600:
		return models.ProbeOutcome{
			Kind:     models.OutcomeError,
			Reason:   fmt.Sprintf("SMTP error %d: %s", code, err.Error()),
			Evidence: map[string]string{"mx": host},
			Method:   models.MethodSMTP,
		}, nil
	}
	return models.ProbeOutcome{}, err
}

// isCatchAll probes host with a synthesized, near-certainly-nonexistent
// local part; acceptance means the domain accepts everything.
func (p *Prober) isCatchAll(host, domain string) bool {
	probeAddress := fmt.Sprintf("%s@%s", randomLocalPart(randomLocalPartLength), domain)
	outcome, err := p.probeHost(host, domain, probeAddress)
	if err != nil {
		return false
	}
	return outcome.Kind == models.DefinitiveValid
}

func (p *Prober) dial(host string) (net.Conn, error) {
	addr := net.JoinHostPort(host, "25")
	if p.ProxyAddress == "" {
		return net.DialTimeout("tcp", addr, p.Timeout)
	}
	dialer, err := proxy.SOCKS5("tcp", p.ProxyAddress, nil, proxy.Direct)
	if err != nil {
		return nil, fmt.Errorf("socks5 dialer: %w", err)
	}
	return dialer.Dial("tcp", addr)
}

func domainOf(address string) string {
	parts := strings.SplitN(address, "@", 2)
	if len(parts) != 2 {
		return ""
	}
	return parts[1]
}

// smtpReplyCode extracts the 3-digit SMTP reply code that net/smtp
// embeds at the front of a *textproto.Error's message.
func smtpReplyCode(err error) int {
	msg := err.Error()
	if len(msg) < 3 {
		return 0
	}
	var code int
	if _, scanErr := fmt.Sscanf(msg[:3], "%d", &code); scanErr != nil {
		return 0
	}
	return code
}

func randomLocalPart(length int) string {
	const charset = "abcdefghijklmnopqrstuvwxyz0123456789"
	b := make([]byte, length)
	for i := range b {
		n, _ := rand.Int(rand.Reader, big.NewInt(int64(len(charset))))
		b[i] = charset[n.Int64()]
	}
	return string(b)
}

// MXHosts is a thin convenience wrapper so callers that only hold a
// *dnsresolver.Resolver don't need to import both packages just to
// fetch MX hosts before calling Probe.
func MXHosts(resolver *dnsresolver.Resolver, address string) []string {
	return resolver.MX(domainOf(address))
}
