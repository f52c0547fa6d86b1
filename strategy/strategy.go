// Package strategy derives a provider tag from an address and decides
// which probes run in what order, then merges their outcomes into a
// final verdict. Both decisions are data: a known-domain map plus MX
// substring rules for tagging, and a fixed per-provider table for
// probe order.
package strategy

import (
	"strings"

	"mailverify/models"
)

var knownProviderDomains = map[string]models.Provider{
	"gmail.com":      models.ProviderGmail,
	"outlook.com":    models.ProviderMicrosoft,
	"hotmail.com":    models.ProviderMicrosoft,
	"live.com":       models.ProviderMicrosoft,
	"office365.com":  models.ProviderMicrosoft,
	"yahoo.com":      models.ProviderYahoo,
	"protonmail.com": models.ProviderProton,
	"proton.me":      models.ProviderProton,
	"zoho.com":       models.ProviderZoho,
	"mail.ru":        models.ProviderMailru,
	"yandex.com":     models.ProviderYandex,
	"yandex.ru":      models.ProviderYandex,
}

var mxSubstringRules = []struct {
	substr   string
	provider models.Provider
}{
	{"google", models.ProviderCustomGoogle},
	{"gmail", models.ProviderCustomGoogle},
	{"outlook", models.ProviderMicrosoft},
	{"microsoft", models.ProviderMicrosoft},
	{"office365", models.ProviderMicrosoft},
	{"yahoo", models.ProviderYahoo},
	{"protonmail", models.ProviderProton},
	{"proton.me", models.ProviderProton},
	{"zoho", models.ProviderZoho},
	{"mail.ru", models.ProviderMailru},
	{"yandex", models.ProviderYandex},
}

// DetectProvider derives the provider tag for domain, consulting the
// known-domain map first, then falling back to substring matching
// against its MX hostnames, then "custom".
func DetectProvider(domain string, mxHosts []string) models.Provider {
	domain = strings.ToLower(domain)
	if p, ok := knownProviderDomains[domain]; ok {
		return p
	}
	for _, mx := range mxHosts {
		mx = strings.ToLower(mx)
		for _, rule := range mxSubstringRules {
			if strings.Contains(mx, rule.substr) {
				return rule.provider
			}
		}
	}
	return models.ProviderCustom
}

// ProbeStep names one probe in a provider's ordered fallback chain.
type ProbeStep string

const (
	StepAPI     ProbeStep = "api"
	StepBrowser ProbeStep = "browser"
	StepSMTP    ProbeStep = "smtp"
)

// ProbeOrder returns the ordered probe chain for provider.
func ProbeOrder(provider models.Provider) []ProbeStep {
	switch provider {
	case models.ProviderMicrosoft:
		return []ProbeStep{StepAPI, StepBrowser, StepSMTP}
	case models.ProviderGmail:
		return []ProbeStep{StepSMTP, StepBrowser}
	case models.ProviderCustomGoogle:
		return []ProbeStep{StepBrowser, StepSMTP}
	case models.ProviderCustom:
		return []ProbeStep{StepSMTP}
	default:
		return []ProbeStep{StepBrowser, StepSMTP}
	}
}

// Merge folds a sequence of ProbeOutcomes (in the order they ran) into
// a final VerificationResult for address. The first definitive
// outcome wins; otherwise the last ambiguous or custom outcome is
// adopted (RISKY or CUSTOM respectively), carrying its evidence
// forward.
func Merge(address string, provider models.Provider, outcomes []models.ProbeOutcome) models.VerificationResult {
	var lastNonError *models.ProbeOutcome

	for i := range outcomes {
		o := outcomes[i]
		switch o.Kind {
		case models.DefinitiveValid:
			return result(address, provider, models.Valid, o)
		case models.DefinitiveInvalid:
			return result(address, provider, models.Invalid, o)
		case models.Ambiguous, models.OutcomeCustom:
			lastNonError = &outcomes[i]
		}
	}

	if lastNonError == nil {
		return models.VerificationResult{
			Address: address, Verdict: models.Risky, Provider: provider,
			Reason: "no probe produced a usable signal",
		}
	}

	verdict := models.Risky
	if lastNonError.Kind == models.OutcomeCustom {
		verdict = models.Custom
	}
	return result(address, provider, verdict, *lastNonError)
}

func result(address string, provider models.Provider, verdict models.Verdict, o models.ProbeOutcome) models.VerificationResult {
	return models.VerificationResult{
		Address:  address,
		Verdict:  verdict,
		Reason:   o.Reason,
		Provider: provider,
		Method:   o.Method,
		Details:  o.Evidence,
	}
}
