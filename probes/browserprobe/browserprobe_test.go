package browserprobe

import (
	"strings"
	"testing"
	"time"

	"mailverify/models"
)

// fakePage is a canned pageSignals fixture: errorNodes maps a selector
// to the visible text of its element.
type fakePage struct {
	errorNodes map[string]string
	password   bool
	body       string
}

func (f fakePage) ErrorNode(selector, mustContain string) bool {
	text, ok := f.errorNodes[selector]
	if !ok || text == "" {
		return false
	}
	if mustContain == "" {
		return true
	}
	return strings.Contains(strings.ToLower(text), strings.ToLower(mustContain))
}

func (f fakePage) PasswordFieldVisible() bool { return f.password }

func (f fakePage) BodyText() string { return f.body }

func TestClassifyGoogle(t *testing.T) {
	const errorNode = `div.dMNVAe[jsname="OZNMeb"]`
	cases := []struct {
		name string
		url  string
		page fakePage
		want models.OutcomeKind
	}{
		{
			name: "password challenge URL is valid",
			url:  "https://accounts.google.com/signin/challenge/pwd",
			want: models.DefinitiveValid,
		},
		{
			name: "rejected with not-found error is invalid",
			url:  "https://accounts.google.com/signin/rejected",
			page: fakePage{errorNodes: map[string]string{errorNode: "Couldn't find your Google Account"}},
			want: models.DefinitiveInvalid,
		},
		{
			name: "rejected without matching text is risky",
			url:  "https://accounts.google.com/signin/rejected",
			page: fakePage{errorNodes: map[string]string{errorNode: "Something went wrong"}},
			want: models.Ambiguous,
		},
		{
			name: "captcha challenge is risky",
			url:  "https://accounts.google.com/challenge/ipp",
			want: models.Ambiguous,
		},
		{
			name: "other security challenge is valid",
			url:  "https://accounts.google.com/signin/challenge/dp",
			want: models.DefinitiveValid,
		},
		{
			name: "unchanged identifier page with no error is risky",
			url:  "https://accounts.google.com/signin/identifier",
			want: models.Ambiguous,
		},
	}
	for _, c := range cases {
		t.Run(c.name, func(t *testing.T) {
			got := classifyGoogle(c.page, c.url)
			if got.Kind != c.want {
				t.Fatalf("classifyGoogle() = %v (%q), want %v", got.Kind, got.Reason, c.want)
			}
		})
	}
}

func TestClassifyMicrosoft(t *testing.T) {
	cases := []struct {
		name string
		url  string
		page fakePage
		want models.OutcomeKind
	}{
		{
			name: "multi-account prompt is valid",
			url:  "https://login.microsoftonline.com/",
			page: fakePage{errorNodes: map[string]string{"#loginDescription": "It looks like this email is used with more than one account"}},
			want: models.DefinitiveValid,
		},
		{
			name: "shadow disambiguate redirect is valid",
			url:  "https://login.live.com/signin/shadowdisambiguate",
			want: models.DefinitiveValid,
		},
		{
			name: "visible password field is valid",
			url:  "https://login.microsoftonline.com/",
			page: fakePage{password: true},
			want: models.DefinitiveValid,
		},
		{
			name: "username error is invalid",
			url:  "https://login.microsoftonline.com/",
			page: fakePage{errorNodes: map[string]string{"#usernameError": "This username may be incorrect"}},
			want: models.DefinitiveInvalid,
		},
		{
			name: "tenant SSO redirect is custom",
			url:  "https://sso.contoso.com/login",
			want: models.OutcomeCustom,
		},
		{
			name: "unchanged URL without error is valid",
			url:  "https://login.microsoftonline.com/",
			want: models.DefinitiveValid,
		},
	}
	for _, c := range cases {
		t.Run(c.name, func(t *testing.T) {
			got := classifyMicrosoft(c.page, c.url)
			if got.Kind != c.want {
				t.Fatalf("classifyMicrosoft() = %v (%q), want %v", got.Kind, got.Reason, c.want)
			}
		})
	}
}

func TestClassifyYahoo(t *testing.T) {
	cases := []struct {
		name string
		url  string
		page fakePage
		want models.OutcomeKind
	}{
		{
			name: "challenge redirect is valid",
			url:  "https://login.yahoo.com/account/challenge/password",
			want: models.DefinitiveValid,
		},
		{
			name: "username error is invalid",
			url:  "https://login.yahoo.com/",
			page: fakePage{errorNodes: map[string]string{"p#username-error.error-msg": "Sorry, we don't recognize this email"}},
			want: models.DefinitiveInvalid,
		},
		{
			name: "visible password field is valid",
			url:  "https://login.yahoo.com/",
			page: fakePage{password: true},
			want: models.DefinitiveValid,
		},
		{
			name: "no signal is risky",
			url:  "https://login.yahoo.com/",
			want: models.Ambiguous,
		},
	}
	for _, c := range cases {
		t.Run(c.name, func(t *testing.T) {
			got := classifyYahoo(c.page, c.url)
			if got.Kind != c.want {
				t.Fatalf("classifyYahoo() = %v (%q), want %v", got.Kind, got.Reason, c.want)
			}
		})
	}
}

func TestClassifyGeneric(t *testing.T) {
	cases := []struct {
		name string
		url  string
		page fakePage
		want models.OutcomeKind
	}{
		{
			name: "visible password field is valid",
			url:  "https://mail.example.com/login",
			page: fakePage{password: true},
			want: models.DefinitiveValid,
		},
		{
			name: "error phrase in body is invalid",
			url:  "https://mail.example.com/login",
			page: fakePage{body: "We couldn't find an account with that email address."},
			want: models.DefinitiveInvalid,
		},
		{
			name: "unrecognized login surface is custom",
			url:  "https://mail.example.com/login",
			want: models.OutcomeCustom,
		},
		{
			name: "non-login page without signal is risky",
			url:  "https://mail.example.com/welcome",
			want: models.Ambiguous,
		},
	}
	for _, c := range cases {
		t.Run(c.name, func(t *testing.T) {
			got := classifyGeneric(c.page, c.url)
			if got.Kind != c.want {
				t.Fatalf("classifyGeneric() = %v (%q), want %v", got.Kind, got.Reason, c.want)
			}
		})
	}
}

func TestClassifyDispatchesByProvider(t *testing.T) {
	got := classify(fakePage{password: true}, models.ProviderYahoo, "https://login.yahoo.com/")
	if got.Kind != models.DefinitiveValid {
		t.Fatalf("classify() = %v, want definitive_valid", got.Kind)
	}
}

func TestSanitizeFilename(t *testing.T) {
	got := sanitizeFilename("user.name@example.com")
	want := "user_name_at_example_com"
	if got != want {
		t.Fatalf("sanitizeFilename() = %q, want %q", got, want)
	}
}

func TestJitterWithinBounds(t *testing.T) {
	min := 50 * time.Millisecond
	max := 200 * time.Millisecond
	for i := 0; i < 50; i++ {
		d := jitter(min, max)
		if d < min || d > max {
			t.Fatalf("jitter() = %v, want between %v and %v", d, min, max)
		}
	}
}

func TestRandomUserAgentIsKnown(t *testing.T) {
	ua := randomUserAgent()
	found := false
	for _, known := range userAgents {
		if ua == known {
			found = true
			break
		}
	}
	if !found {
		t.Fatalf("randomUserAgent() returned unexpected value: %q", ua)
	}
}

func TestLoginURLsCoverKnownProviders(t *testing.T) {
	for _, p := range []string{"gmail", "custom_google", "microsoft", "yahoo"} {
		found := false
		for provider := range LoginURLs {
			if string(provider) == p {
				found = true
				break
			}
		}
		if !found {
			t.Errorf("no login URL configured for provider %q", p)
		}
	}
}
