// Package msapiprobe queries Microsoft's GetCredentialType endpoint,
// the same JSON probe Microsoft's own Office365 frontend uses to
// decide whether to show a password or a "create account" prompt.
package msapiprobe

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"time"

	"github.com/sirupsen/logrus"

	"mailverify/models"
)

const userAgent = "Mozilla/5.0 (Windows NT 10.0; Win64; x64) AppleWebKit/537.36 (KHTML, like Gecko) Chrome/124.0.0.0 Safari/537.36"

type requestBody struct {
	Username                      string `json:"Username"`
	IsOtherIdpSupported           bool   `json:"isOtherIdpSupported"`
	CheckPhones                   bool   `json:"checkPhones"`
	IsRemoteNGCSupported          bool   `json:"isRemoteNGCSupported"`
	IsCookieBannerShown           bool   `json:"isCookieBannerShown"`
	IsFidoSupported               bool   `json:"isFidoSupported"`
	OriginalRequest               string `json:"originalRequest"`
	Country                       string `json:"country"`
	Forceotclogin                 bool   `json:"forceotclogin"`
	IsExternalFederationDisallowed bool  `json:"isExternalFederationDisallowed"`
	IsRemoteConnectSupported      bool   `json:"isRemoteConnectSupported"`
	FederationFlags               int    `json:"federationFlags"`
	IsSignup                      bool   `json:"isSignup"`
	FlowToken                     string `json:"flowToken"`
	IsAccessPassSupported         bool   `json:"isAccessPassSupported"`
}

type responseBody struct {
	IfExistsResult int `json:"IfExistsResult"`
	ThrottleStatus int `json:"ThrottleStatus"`
}

// Prober calls GetCredentialType and classifies the response.
type Prober struct {
	URL     string
	Timeout time.Duration
	Retries int
	client  *http.Client
	log     *logrus.Entry
}

func New(url string, timeout time.Duration, retries int) *Prober {
	return &Prober{
		URL:     url,
		Timeout: timeout,
		Retries: retries,
		client:  &http.Client{Timeout: timeout},
		log:     logrus.WithField("component", "msapiprobe"),
	}
}

// Probe classifies address and reports whether the domain should be
// put into rate-limiter backoff (ThrottleStatus=1); the caller (the
// engine's API step) is responsible for calling ratelimiter.SetBackoff.
func (p *Prober) Probe(ctx context.Context, address string) (outcome models.ProbeOutcome, backoff time.Duration) {
	resp, err := p.call(ctx, address)
	if err != nil {
		return models.ProbeOutcome{
			Kind:   models.OutcomeError,
			Reason: err.Error(),
			Method: models.MethodAPI,
		}, 0
	}

	switch {
	case resp.ThrottleStatus == 1:
		return models.ProbeOutcome{
			Kind:   models.Ambiguous,
			Reason: "Microsoft API throttled",
			Method: models.MethodAPI,
		}, 60 * time.Second
	case resp.IfExistsResult == 0:
		return models.ProbeOutcome{
			Kind:     models.DefinitiveValid,
			Reason:   "IfExistsResult=0",
			Evidence: map[string]string{"if_exists_result": "0"},
			Method:   models.MethodAPI,
		}, 0
	case resp.IfExistsResult == 1:
		return models.ProbeOutcome{
			Kind:     models.DefinitiveInvalid,
			Reason:   "IfExistsResult=1",
			Evidence: map[string]string{"if_exists_result": "1"},
			Method:   models.MethodAPI,
		}, 0
	default:
		return models.ProbeOutcome{
			Kind:   models.Ambiguous,
			Reason: fmt.Sprintf("unrecognized IfExistsResult=%d", resp.IfExistsResult),
			Method: models.MethodAPI,
		}, 0
	}
}

// IsAPICatchAll runs the same probe against a synthesized local part;
// if the domain also claims that address exists, the API signal is
// worthless for this domain and the Strategy must fall back to the
// Browser Probe.
func (p *Prober) IsAPICatchAll(ctx context.Context, domain string) bool {
	outcome, _ := p.Probe(ctx, fmt.Sprintf("%s@%s", randomProbeLocalPart(), domain))
	return outcome.Kind == models.DefinitiveValid
}

func (p *Prober) call(ctx context.Context, address string) (responseBody, error) {
	body := requestBody{
		Username:             address,
		IsOtherIdpSupported:  true,
		OriginalRequest:      "",
		Country:              "US",
		FederationFlags:      3,
		FlowToken:            "",
		IsAccessPassSupported: true,
	}
	payload, err := json.Marshal(body)
	if err != nil {
		return responseBody{}, fmt.Errorf("encode request: %w", err)
	}

	var lastErr error
	backoff := 2 * time.Second
	for attempt := 0; attempt <= p.Retries; attempt++ {
		resp, err := p.doOnce(ctx, payload)
		if err == nil {
			return resp, nil
		}
		lastErr = err
		p.log.WithError(err).WithField("attempt", attempt).Warn("GetCredentialType request failed")
		if attempt < p.Retries {
			select {
			case <-ctx.Done():
				return responseBody{}, ctx.Err()
			case <-time.After(backoff):
			}
			backoff *= 2
		}
	}
	return responseBody{}, lastErr
}

func (p *Prober) doOnce(ctx context.Context, payload []byte) (responseBody, error) {
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, p.URL, bytes.NewReader(payload))
	if err != nil {
		return responseBody{}, err
	}
	req.Header.Set("Content-Type", "application/json; charset=utf-8")
	req.Header.Set("User-Agent", userAgent)
	req.Header.Set("Accept", "application/json")

	resp, err := p.client.Do(req)
	if err != nil {
		return responseBody{}, err
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusOK {
		return responseBody{}, fmt.Errorf("unexpected status %d", resp.StatusCode)
	}

	var out responseBody
	if err := json.NewDecoder(resp.Body).Decode(&out); err != nil {
		return responseBody{}, fmt.Errorf("decode response: %w", err)
	}
	return out, nil
}

func randomProbeLocalPart() string {
	return fmt.Sprintf("nonexistent-probe-%d", time.Now().UnixNano())
}
