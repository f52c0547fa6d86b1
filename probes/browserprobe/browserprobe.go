// Package browserprobe drives a headless Chrome session to a
// provider's login page and classifies the address by the page's
// reaction — the engine's probe of last resort for providers that
// don't expose a cheaper signal.
package browserprobe

import (
	"context"
	"crypto/rand"
	"fmt"
	"math/big"
	"os"
	"path/filepath"
	"strings"
	"time"

	"github.com/chromedp/cdproto/cdp"
	"github.com/chromedp/cdproto/dom"
	"github.com/chromedp/cdproto/input"
	"github.com/chromedp/chromedp"
	"github.com/sirupsen/logrus"

	"mailverify/models"
)

// ScreenshotMode controls when a frame is captured for troubleshooting.
type ScreenshotMode string

const (
	ScreenshotNone     ScreenshotMode = "none"
	ScreenshotProblems ScreenshotMode = "problems"
	ScreenshotSteps    ScreenshotMode = "steps"
	ScreenshotAll      ScreenshotMode = "all"
)

var emailFieldSelectors = []string{
	"input[type=email]",
	"input[name=email]",
	"input[name=username]",
	"input[name=loginfmt]",
	"input#identifierId",
	"input#login-username",
}

var nextButtonText = []string{
	"Next", "Suivant", "Continuer", "Continue", "Weiter", "Siguiente", "Avanti", "Volgende",
}

var nextButtonIDs = []string{
	"#identifierNext", "#idSIButton9", "#login-signin",
}

var userAgents = []string{
	"Mozilla/5.0 (Windows NT 10.0; Win64; x64) AppleWebKit/537.36 (KHTML, like Gecko) Chrome/124.0.0.0 Safari/537.36",
	"Mozilla/5.0 (Macintosh; Intel Mac OS X 10_15_7) AppleWebKit/605.1.15 (KHTML, like Gecko) Version/17.4 Safari/605.1.15",
	"Mozilla/5.0 (X11; Linux x86_64) AppleWebKit/537.36 (KHTML, like Gecko) Chrome/124.0.0.0 Safari/537.36",
}

// LoginURLs maps a provider tag to its sign-in entry point.
var LoginURLs = map[models.Provider]string{
	models.ProviderGmail:        "https://accounts.google.com/signin/v2/identifier",
	models.ProviderCustomGoogle: "https://accounts.google.com/signin/v2/identifier",
	models.ProviderMicrosoft:    "https://login.microsoftonline.com/",
	models.ProviderYahoo:        "https://login.yahoo.com/",
	models.ProviderProton:       "https://account.proton.me/login",
	models.ProviderZoho:         "https://accounts.zoho.com/signin",
	models.ProviderMailru:       "https://account.mail.ru/login",
	models.ProviderYandex:       "https://passport.yandex.com/auth",
}

// MicrosoftFallbackURL is used when the primary Microsoft session comes
// back ambiguous or custom, per the Strategy's fallback rule.
const MicrosoftFallbackURL = "https://login.live.com/"

// Prober owns the chromedp allocator options shared by every session.
// No package-level browser instance is kept — each Probe call opens
// and tears down its own tab, so concurrent Probers never share state.
type Prober struct {
	Headless     bool
	WaitAfter    time.Duration
	ScreenMode   ScreenshotMode
	ScreenDir    string
	log          *logrus.Entry
}

func New(headless bool, waitAfter time.Duration, screenMode ScreenshotMode, screenDir string) *Prober {
	return &Prober{
		Headless:   headless,
		WaitAfter:  waitAfter,
		ScreenMode: screenMode,
		ScreenDir:  screenDir,
		log:        logrus.WithField("component", "browserprobe"),
	}
}

// Probe navigates to loginURL, fills address, submits and classifies
// the resulting page according to provider's signal rules.
func (p *Prober) Probe(ctx context.Context, address string, provider models.Provider, loginURL string) models.ProbeOutcome {
	return p.ProbeWith(ctx, address, provider, loginURL, "")
}

// ProbeWith is Probe pinned to a specific browser executable, letting
// the Strategy walk the configured browser list for providers with no
// cheaper signal. Empty execPath uses chromedp's default discovery.
func (p *Prober) ProbeWith(ctx context.Context, address string, provider models.Provider, loginURL, execPath string) models.ProbeOutcome {
	if loginURL == "" {
		return models.ProbeOutcome{Kind: models.Ambiguous, Reason: "no login page known for provider", Method: models.MethodLogin}
	}
	allocCtx, cancelAlloc := chromedp.NewExecAllocator(ctx, p.allocatorOptions(execPath)...)
	defer cancelAlloc()

	browserCtx, cancelBrowser := chromedp.NewContext(allocCtx)
	defer cancelBrowser()

	browserCtx, cancelTimeout := context.WithTimeout(browserCtx, 30*time.Second)
	defer cancelTimeout()

	var currentURL string

	err := chromedp.Run(browserCtx,
		chromedp.Navigate(loginURL),
		chromedp.Sleep(500*time.Millisecond),
	)
	if err != nil {
		return p.errorOutcome(address, fmt.Sprintf("navigation failed: %v", err))
	}

	fieldSelector, err := p.findVisible(browserCtx, emailFieldSelectors)
	if err != nil {
		return p.errorOutcome(address, "no email field found")
	}

	if err := p.typeHumanlike(browserCtx, fieldSelector, address); err != nil {
		return p.errorOutcome(address, fmt.Sprintf("typing failed: %v", err))
	}

	p.screenshotIfMode(browserCtx, address, "step-filled", ScreenshotSteps)

	if err := p.clickNext(browserCtx); err != nil {
		return p.errorOutcome(address, fmt.Sprintf("next button failed: %v", err))
	}

	if err := chromedp.Run(browserCtx, chromedp.Sleep(p.waitDuration())); err != nil {
		return p.errorOutcome(address, fmt.Sprintf("post-submit wait failed: %v", err))
	}

	if err := chromedp.Run(browserCtx, chromedp.Location(&currentURL)); err != nil {
		return p.errorOutcome(address, fmt.Sprintf("could not read location: %v", err))
	}

	outcome := classify(livePage{ctx: browserCtx}, provider, currentURL)
	if outcome.Kind != models.DefinitiveValid {
		p.screenshotIfMode(browserCtx, address, "problem", ScreenshotProblems)
	}
	return outcome
}

func (p *Prober) allocatorOptions(execPath string) []chromedp.ExecAllocatorOption {
	opts := append(chromedp.DefaultExecAllocatorOptions[:0:0], chromedp.DefaultExecAllocatorOptions[:]...)
	opts = append(opts,
		chromedp.Flag("headless", p.Headless),
		chromedp.UserAgent(randomUserAgent()),
	)
	if execPath != "" {
		opts = append(opts, chromedp.ExecPath(execPath))
	}
	return opts
}

func (p *Prober) waitDuration() time.Duration {
	if p.WaitAfter <= 0 {
		return 3 * time.Second
	}
	return p.WaitAfter
}

// findVisible returns the first selector in order whose element both
// exists and is visible.
func (p *Prober) findVisible(ctx context.Context, selectors []string) (string, error) {
	for _, sel := range selectors {
		var nodes []*cdp.Node
		err := chromedp.Run(ctx, chromedp.Nodes(sel, &nodes, chromedp.AtLeast(0)))
		if err != nil || len(nodes) == 0 {
			continue
		}
		var visible bool
		if err := chromedp.Run(ctx, chromedp.Evaluate(visibilityScript(sel), &visible)); err == nil && visible {
			return sel, nil
		}
	}
	return "", fmt.Errorf("no visible element among %v", selectors)
}

func visibilityScript(selector string) string {
	return fmt.Sprintf(`(function(){
		var el = document.querySelector(%q);
		if (!el) return false;
		var r = el.getBoundingClientRect();
		var style = window.getComputedStyle(el);
		return r.width > 0 && r.height > 0 && style.visibility !== 'hidden' && style.display !== 'none';
	})()`, selector)
}

// typeHumanlike clicks the field then sends one rune at a time with a
// 50-200ms jittered delay.
func (p *Prober) typeHumanlike(ctx context.Context, selector, text string) error {
	if err := chromedp.Run(ctx, chromedp.Click(selector, chromedp.ByQuery)); err != nil {
		return err
	}
	for _, r := range text {
		if err := chromedp.Run(ctx, chromedp.SendKeys(selector, string(r), chromedp.ByQuery)); err != nil {
			return err
		}
		time.Sleep(jitter(50*time.Millisecond, 200*time.Millisecond))
	}
	return nil
}

// clickNext finds the submit control by text, then known id, then
// button[type=submit], then the first button on the page; the last two
// steps do not check visibility or the disabled state. Every candidate
// goes through clickHumanlike's cursor-wander-then-click sequence.
func (p *Prober) clickNext(ctx context.Context) error {
	for _, text := range nextButtonText {
		sel := fmt.Sprintf(`//button[normalize-space(text())=%q] | //span[normalize-space(text())=%q]/parent::button`, text, text)
		if err := p.clickHumanlike(ctx, sel, true); err == nil {
			return nil
		}
	}
	for _, id := range nextButtonIDs {
		if err := p.clickHumanlike(ctx, id, false); err == nil {
			return nil
		}
	}
	if err := p.clickHumanlike(ctx, `button[type=submit]`, false); err == nil {
		return nil
	}
	return p.clickHumanlike(ctx, `button`, false)
}

// clickHumanlike clicks sel the way a person would: cursor to a random
// viewport point, a 100-300ms pause, then a click at the element
// centre offset by up to ±5px. When the native click sequence fails it
// falls back to a JavaScript click before reporting failure.
func (p *Prober) clickHumanlike(ctx context.Context, sel string, byXPath bool) error {
	query := chromedp.ByQuery
	if byXPath {
		query = chromedp.BySearch
	}
	var nodes []*cdp.Node
	if err := chromedp.Run(ctx, chromedp.Nodes(sel, &nodes, query, chromedp.AtLeast(0))); err != nil {
		return err
	}
	if len(nodes) == 0 {
		return fmt.Errorf("no element matches %s", sel)
	}

	if err := p.wanderAndClick(ctx, nodes[0]); err == nil {
		return nil
	}
	return jsClick(ctx, sel, byXPath)
}

func (p *Prober) wanderAndClick(ctx context.Context, node *cdp.Node) error {
	return chromedp.Run(ctx, chromedp.ActionFunc(func(ctx context.Context) error {
		wx, wy := randomViewportPoint()
		if err := input.DispatchMouseEvent(input.MouseMoved, wx, wy).Do(ctx); err != nil {
			return err
		}
		time.Sleep(jitter(100*time.Millisecond, 300*time.Millisecond))

		box, err := dom.GetBoxModel().WithNodeID(node.NodeID).Do(ctx)
		if err != nil {
			return err
		}
		cx, cy := quadCentre(box.Content)
		cx += pixelJitter()
		cy += pixelJitter()
		if err := input.DispatchMouseEvent(input.MouseMoved, cx, cy).Do(ctx); err != nil {
			return err
		}
		return chromedp.MouseClickXY(cx, cy).Do(ctx)
	}))
}

func jsClick(ctx context.Context, sel string, byXPath bool) error {
	var script string
	if byXPath {
		script = fmt.Sprintf(`(function(){
			var el = document.evaluate(%q, document, null, XPathResult.FIRST_ORDERED_NODE_TYPE, null).singleNodeValue;
			if (!el) return false;
			el.click();
			return true;
		})()`, sel)
	} else {
		script = fmt.Sprintf(`(function(){
			var el = document.querySelector(%q);
			if (!el) return false;
			el.click();
			return true;
		})()`, sel)
	}
	var clicked bool
	if err := chromedp.Run(ctx, chromedp.Evaluate(script, &clicked)); err != nil {
		return err
	}
	if !clicked {
		return fmt.Errorf("javascript click found no element for %s", sel)
	}
	return nil
}

// quadCentre averages a box-model content quad's four corners.
func quadCentre(quad dom.Quad) (float64, float64) {
	if len(quad) < 8 {
		return 0, 0
	}
	var x, y float64
	for i := 0; i < 8; i += 2 {
		x += quad[i]
		y += quad[i+1]
	}
	return x / 4, y / 4
}

func randomViewportPoint() (float64, float64) {
	x, _ := rand.Int(rand.Reader, big.NewInt(1200))
	y, _ := rand.Int(rand.Reader, big.NewInt(660))
	return float64(x.Int64() + 40), float64(y.Int64() + 30)
}

func pixelJitter() float64 {
	n, _ := rand.Int(rand.Reader, big.NewInt(11))
	return float64(n.Int64() - 5)
}

// pageSignals is the DOM surface the per-provider classifiers read,
// kept separate from the chromedp session so the classification rules
// work against canned fixtures as well as a live page.
type pageSignals interface {
	// ErrorNode reports whether selector matches a visible element,
	// optionally requiring its text to contain mustContain.
	ErrorNode(selector, mustContain string) bool
	// PasswordFieldVisible reports whether a genuinely visible
	// password input is on the page.
	PasswordFieldVisible() bool
	// BodyText returns the page's full visible text.
	BodyText() string
}

func classify(page pageSignals, provider models.Provider, currentURL string) models.ProbeOutcome {
	switch provider {
	case models.ProviderGmail, models.ProviderCustomGoogle:
		return classifyGoogle(page, currentURL)
	case models.ProviderMicrosoft:
		return classifyMicrosoft(page, currentURL)
	case models.ProviderYahoo:
		return classifyYahoo(page, currentURL)
	default:
		return classifyGeneric(page, currentURL)
	}
}

func classifyGoogle(page pageSignals, currentURL string) models.ProbeOutcome {
	switch {
	case strings.Contains(currentURL, "/signin/challenge/pwd"):
		return valid("URL changed to password challenge")
	case strings.Contains(currentURL, "/signin/rejected"):
		if page.ErrorNode(`div.dMNVAe[jsname="OZNMeb"]`, "couldn't find") {
			return invalid("Google account not found")
		}
		return risky("rejected without matching error text")
	case strings.Contains(currentURL, "/challenge/ipp"), strings.Contains(currentURL, "captcha"):
		return risky("CAPTCHA challenge")
	case strings.Contains(currentURL, "/signin/challenge"):
		return valid("security challenge implies account exists")
	case strings.Contains(currentURL, "/signin/identifier"):
		if page.ErrorNode(`div.dMNVAe[jsname="OZNMeb"]`, "") {
			return risky("error node present on identifier page")
		}
		return risky("no error or prompt")
	default:
		return risky("unrecognized Google response")
	}
}

func classifyMicrosoft(page pageSignals, currentURL string) models.ProbeOutcome {
	if page.ErrorNode("#loginDescription", "") || strings.Contains(currentURL, "signin/shadowdisambiguate") {
		return valid("multi-account/disambiguate prompt")
	}
	if page.PasswordFieldVisible() {
		return valid("password field visible")
	}
	if page.ErrorNode("#usernameError", "") {
		return invalid("username error visible")
	}
	if strings.Contains(currentURL, "login") && !strings.Contains(currentURL, "microsoftonline.com") && !strings.Contains(currentURL, "live.com") {
		return models.ProbeOutcome{Kind: models.OutcomeCustom, Reason: "redirect to tenant SSO", Method: models.MethodLogin}
	}
	return valid("stayed on original URL with no error")
}

func classifyYahoo(page pageSignals, currentURL string) models.ProbeOutcome {
	switch {
	case strings.Contains(currentURL, "account/challenge"):
		return valid("redirected to challenge")
	case page.ErrorNode("p#username-error.error-msg", ""):
		return invalid("username error visible")
	case page.PasswordFieldVisible():
		return valid("password field visible")
	default:
		return risky("no definitive Yahoo signal")
	}
}

func classifyGeneric(page pageSignals, currentURL string) models.ProbeOutcome {
	if page.PasswordFieldVisible() {
		return valid("password field visible")
	}
	bodyText := strings.ToLower(page.BodyText())
	for _, phrase := range []string{"couldn't find", "doesn't exist", "no account", "not found"} {
		if strings.Contains(bodyText, phrase) {
			return invalid("generic error phrase: " + phrase)
		}
	}
	if strings.Contains(currentURL, "login") {
		return models.ProbeOutcome{Kind: models.OutcomeCustom, Reason: "unrecognized login surface", Method: models.MethodLogin}
	}
	return risky("no definitive signal")
}

// livePage reads pageSignals from the live chromedp session.
type livePage struct {
	ctx context.Context
}

// PasswordFieldVisible ignores password inputs hidden via aria-hidden,
// tabindex=-1 or the known CSS escape-hatch classes.
func (l livePage) PasswordFieldVisible() bool {
	var visible bool
	script := `(function(){
		var inputs = document.querySelectorAll('input[type=password]');
		for (var i = 0; i < inputs.length; i++) {
			var el = inputs[i];
			if (el.getAttribute('aria-hidden') === 'true') continue;
			if (el.getAttribute('tabindex') === '-1') continue;
			var cls = el.className || '';
			if (cls.indexOf('moveOffScreen') !== -1 || cls.indexOf('Hvu6D') !== -1 || cls.indexOf('hidden') !== -1) continue;
			var r = el.getBoundingClientRect();
			if (r.width > 0 && r.height > 0) return true;
		}
		return false;
	})()`
	_ = chromedp.Run(l.ctx, chromedp.Evaluate(script, &visible))
	return visible
}

func (l livePage) ErrorNode(selector, mustContain string) bool {
	var text string
	script := fmt.Sprintf(`(function(){
		var el = document.querySelector(%q);
		if (!el) return "";
		var r = el.getBoundingClientRect();
		if (r.width === 0 || r.height === 0) return "";
		return el.innerText || "";
	})()`, selector)
	if err := chromedp.Run(l.ctx, chromedp.Evaluate(script, &text)); err != nil {
		return false
	}
	if text == "" {
		return false
	}
	if mustContain == "" {
		return true
	}
	return strings.Contains(strings.ToLower(text), strings.ToLower(mustContain))
}

func (l livePage) BodyText() string {
	var text string
	_ = chromedp.Run(l.ctx, chromedp.Evaluate(`document.body ? document.body.innerText : ""`, &text))
	return text
}

func (p *Prober) screenshotIfMode(ctx context.Context, address, label string, mode ScreenshotMode) {
	if p.ScreenMode == ScreenshotNone {
		return
	}
	if p.ScreenMode != ScreenshotAll && p.ScreenMode != mode {
		return
	}
	var buf []byte
	if err := chromedp.Run(ctx, chromedp.CaptureScreenshot(&buf)); err != nil {
		p.log.WithError(err).Warn("screenshot capture failed")
		return
	}
	path := filepath.Join(p.ScreenDir, fmt.Sprintf("%s-%s-%d.png", sanitizeFilename(address), label, time.Now().UnixNano()))
	p.log.WithField("path", path).Debug("captured screenshot")
	_ = writeScreenshot(path, buf)
}

func (p *Prober) errorOutcome(address, reason string) models.ProbeOutcome {
	p.log.WithField("address", address).Warn(reason)
	return models.ProbeOutcome{Kind: models.OutcomeError, Reason: reason, Method: models.MethodLogin}
}

func valid(reason string) models.ProbeOutcome {
	return models.ProbeOutcome{Kind: models.DefinitiveValid, Reason: reason, Method: models.MethodLogin}
}

func invalid(reason string) models.ProbeOutcome {
	return models.ProbeOutcome{Kind: models.DefinitiveInvalid, Reason: reason, Method: models.MethodLogin}
}

func risky(reason string) models.ProbeOutcome {
	return models.ProbeOutcome{Kind: models.Ambiguous, Reason: reason, Method: models.MethodLogin}
}

func jitter(min, max time.Duration) time.Duration {
	delta := max - min
	if delta <= 0 {
		return min
	}
	n, _ := rand.Int(rand.Reader, big.NewInt(int64(delta)))
	return min + time.Duration(n.Int64())
}

func randomUserAgent() string {
	n, _ := rand.Int(rand.Reader, big.NewInt(int64(len(userAgents))))
	return userAgents[n.Int64()]
}

func sanitizeFilename(address string) string {
	return strings.NewReplacer("@", "_at_", ".", "_", "/", "_").Replace(address)
}

func writeScreenshot(path string, buf []byte) error {
	if err := os.MkdirAll(filepath.Dir(path), 0o755); err != nil {
		return err
	}
	return os.WriteFile(path, buf, 0o644)
}
