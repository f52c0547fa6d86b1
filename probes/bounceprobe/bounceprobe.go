// Package bounceprobe runs the send-and-wait bulk verification path:
// compose and send a probe message to every address in a batch, then
// poll an IMAP mailbox for bounce notifications and classify every
// address that never bounced as deliverable.
package bounceprobe

import (
	"bytes"
	"context"
	"fmt"
	"io"
	"regexp"
	"strings"
	"time"

	"github.com/emersion/go-imap"
	imapclient "github.com/emersion/go-imap/client"
	"github.com/emersion/go-message/mail"
	"github.com/sirupsen/logrus"
	"gopkg.in/gomail.v2"

	"mailverify/models"
)

// Account is one SMTP/IMAP mailbox used to send probe messages and
// receive their bounces. Probes rotate across configured accounts.
type Account struct {
	Name         string
	SMTPHost     string
	SMTPPort     int
	IMAPHost     string
	IMAPPort     int
	Username     string
	Password     string
}

// Prober sends batch-probe messages and scans for bounces.
type Prober struct {
	Accounts   []Account
	Window     time.Duration
	log        *logrus.Entry
	next       int
}

func New(accounts []Account, window time.Duration) *Prober {
	return &Prober{
		Accounts: accounts,
		Window:   window,
		log:      logrus.WithField("component", "bounceprobe"),
	}
}

var bounceSubjectPatterns = []string{
	"delivery failed", "undeliverable", "returned mail",
	"delivery status notification", "failure notice", "mail delivery failed",
}

// recipient-extraction patterns, in priority order: direct bounce
// phrases first, then a To: line, then generic
// Recipient:/Unknown address:/Invalid recipient: fallbacks. The To:
// pattern has no multi-line flag, so it matches only a To: at the very
// start of the text; To: lines further down, such as one inside a
// forwarded block, are not matched.
var recipientPatterns = []*regexp.Regexp{
	regexp.MustCompile(`(?i)your message wasn't delivered to ([^\s<>]+@[^\s<>]+)`),
	regexp.MustCompile(`(?i)address not found.*?([^\s<>]+@[^\s<>]+)`),
	regexp.MustCompile(`(?i)delivery to the following recipient failed permanently:\s*([^\s<>]+@[^\s<>]+)`),
	regexp.MustCompile(`(?i)^to:\s*([^\s<>]+@[^\s<>]+)`),
	regexp.MustCompile(`(?i)recipient:\s*([^\s<>]+@[^\s<>]+)`),
	regexp.MustCompile(`(?i)unknown address:\s*([^\s<>]+@[^\s<>]+)`),
	regexp.MustCompile(`(?i)invalid recipient:\s*([^\s<>]+@[^\s<>]+)`),
}

// Send composes and delivers a probe message to every address in the
// batch, rotating among configured accounts. It returns which account
// sent to each address, for the per-batch log.
func (p *Prober) Send(ctx context.Context, batchID string, addresses []string) (map[string]string, error) {
	if len(p.Accounts) == 0 {
		return nil, fmt.Errorf("bounceprobe: no accounts configured")
	}

	senders := make(map[string]string, len(addresses))
	for _, addr := range addresses {
		account := p.nextAccount()

		m := gomail.NewMessage()
		m.SetHeader("From", account.Username)
		m.SetHeader("To", addr)
		m.SetHeader("Subject", fmt.Sprintf("Email Verification — %s", batchID))
		m.SetBody("text/plain", "This is an automated message used to verify mailbox deliverability.")

		dialer := gomail.NewDialer(account.SMTPHost, account.SMTPPort, account.Username, account.Password)
		if err := dialer.DialAndSend(m); err != nil {
			p.log.WithError(err).WithField("address", addr).Warn("bounce-probe send failed")
			continue
		}
		senders[addr] = account.Name
		select {
		case <-ctx.Done():
			return senders, ctx.Err()
		default:
		}
	}
	return senders, nil
}

func (p *Prober) nextAccount() Account {
	a := p.Accounts[p.next%len(p.Accounts)]
	p.next++
	return a
}

// Classify waits p.Window then scans every configured account's
// inbox for bounce notifications, returning a VerificationResult for
// every address in the batch: INVALID for those that bounced, VALID
// for those that didn't.
func (p *Prober) Classify(ctx context.Context, addresses []string) (map[string]models.VerificationResult, error) {
	select {
	case <-time.After(p.Window):
	case <-ctx.Done():
		return nil, ctx.Err()
	}

	bounced := make(map[string]bool)
	for _, account := range p.Accounts {
		found, err := p.scanAccount(account)
		if err != nil {
			p.log.WithError(err).WithField("account", account.Name).Warn("bounce scan failed")
			continue
		}
		for addr := range found {
			bounced[addr] = true
		}
	}

	results := make(map[string]models.VerificationResult, len(addresses))
	now := time.Now()
	for _, addr := range addresses {
		if bounced[addr] {
			results[addr] = models.VerificationResult{
				Address: addr, Verdict: models.Invalid,
				Reason: "bounce notification received", Method: models.MethodBounce, Timestamp: now,
			}
		} else {
			results[addr] = models.VerificationResult{
				Address: addr, Verdict: models.Valid,
				Reason: "no bounce within window", Method: models.MethodBounce, Timestamp: now,
			}
		}
	}
	return results, nil
}

// scanAccount connects to account's IMAP inbox, fetches unread
// messages whose subject matches a known bounce pattern, and
// extracts every failed recipient address it can find.
func (p *Prober) scanAccount(account Account) (map[string]bool, error) {
	addr := fmt.Sprintf("%s:%d", account.IMAPHost, account.IMAPPort)
	c, err := imapclient.DialTLS(addr, nil)
	if err != nil {
		return nil, fmt.Errorf("imap dial: %w", err)
	}
	defer c.Logout()

	if err := c.Login(account.Username, account.Password); err != nil {
		return nil, fmt.Errorf("imap login: %w", err)
	}

	if _, err := c.Select("INBOX", false); err != nil {
		return nil, fmt.Errorf("imap select: %w", err)
	}

	criteria := imap.NewSearchCriteria()
	criteria.WithoutFlags = []string{imap.SeenFlag}
	uids, err := c.Search(criteria)
	if err != nil {
		return nil, fmt.Errorf("imap search: %w", err)
	}
	if len(uids) == 0 {
		return nil, nil
	}

	seqset := new(imap.SeqSet)
	seqset.AddNum(uids...)

	messages := make(chan *imap.Message, len(uids))
	done := make(chan error, 1)
	go func() {
		done <- c.Fetch(seqset, []imap.FetchItem{imap.FetchEnvelope, imap.FetchRFC822}, messages)
	}()

	found := make(map[string]bool)
	for msg := range messages {
		if msg.Envelope != nil && !isBounceSubject(msg.Envelope.Subject) {
			continue
		}
		for literalName, literal := range msg.Body {
			_ = literalName
			if literal == nil {
				continue
			}
			for _, rcpt := range extractRecipients(literal) {
				found[rcpt] = true
			}
		}
	}
	if err := <-done; err != nil {
		return found, fmt.Errorf("imap fetch: %w", err)
	}
	return found, nil
}

func isBounceSubject(subject string) bool {
	lower := strings.ToLower(subject)
	for _, pattern := range bounceSubjectPatterns {
		if strings.Contains(lower, pattern) {
			return true
		}
	}
	return false
}

// extractRecipients reads a bounce message body and applies the
// priority-ordered regex list to find the failed-delivery address(es).
func extractRecipients(body io.Reader) []string {
	raw, err := io.ReadAll(body)
	if err != nil {
		return nil
	}

	var found []string
	text := string(raw)
	for _, re := range recipientPatterns {
		matches := re.FindAllStringSubmatch(text, -1)
		for _, m := range matches {
			if len(m) > 1 {
				found = append(found, strings.ToLower(m[1]))
			}
		}
		if len(found) > 0 {
			return found
		}
	}

	if mr, err := mail.CreateReader(bytes.NewReader(raw)); err == nil {
		for {
			part, err := mr.NextPart()
			if err != nil {
				break
			}
			if h, ok := part.Header.(*mail.InlineHeader); ok {
				_ = h
				partText, _ := io.ReadAll(part.Body)
				for _, re := range recipientPatterns {
					matches := re.FindAllStringSubmatch(string(partText), -1)
					for _, m := range matches {
						if len(m) > 1 {
							found = append(found, strings.ToLower(m[1]))
						}
					}
				}
			}
		}
	}
	return found
}
