// Package engine is the verification engine: it owns every other
// component — nothing lives in package-level state — and exposes the
// operations external callers use: Verify, StartBatch, TaskStatus,
// TaskResults, ResultsSummary, VerificationHistory, ReloadSettings,
// and the statistics rollups.
package engine

import (
	"context"
	"encoding/csv"
	"fmt"
	"os"
	"path/filepath"
	"regexp"
	"strings"
	"time"

	"github.com/go-redis/redis/v8"
	"github.com/sirupsen/logrus"

	"mailverify/dnsresolver"
	"mailverify/errlog"
	"mailverify/models"
	"mailverify/orchestrator"
	"mailverify/probes/bounceprobe"
	"mailverify/probes/browserprobe"
	"mailverify/probes/msapiprobe"
	"mailverify/probes/smtpprobe"
	"mailverify/ratelimiter"
	"mailverify/resultcache"
	"mailverify/resultstore"
	"mailverify/settings"
	"mailverify/strategy"
	"mailverify/taskstore"
)

var addressRegexp = regexp.MustCompile(`^[A-Za-z0-9._%+-]+@[A-Za-z0-9.-]+\.[A-Za-z]{2,}$`)

// Config bundles the tunables engine.New needs; fields mirror
// config.Config's probe-relevant subset.
type Config struct {
	WorkerCount       int
	WorkerMode        orchestrator.WorkerMode
	JitterMin         time.Duration
	JitterMax         time.Duration
	MaxCacheSize      int
	DNSTimeout        time.Duration
	RateLimitMax      int
	RateLimitWindow   time.Duration
	SMTPTimeout       time.Duration
	SMTPRetries       int
	SMTPSenderEmail   string
	CatchAllProbing   bool
	MicrosoftAPIURL   string
	MSAPITimeout      time.Duration
	MSAPIRetries      int
	PromoteAmbiguousMicrosoftToValid bool
	BrowserHeadless   bool
	BrowserWaitAfter  time.Duration
	ScreenshotMode    browserprobe.ScreenshotMode
	ScreenshotDir     string
	BounceWindow      time.Duration
	BatchLogDir       string
	SkipDomains       []string

	// ProxyAddresses is the env-configured SOCKS5 proxy fallback used
	// when the settings file carries none of its own.
	ProxyAddresses []string

	// RedisClient backs orchestrator.ModeProcess's queue. Nil makes
	// process-isolated mode fall back to threaded mode at batch start.
	RedisClient *redis.Client
}

// Engine wires the rate limiter, DNS cache, result cache, stores and
// the four probes together. Two independent Engines never share state
// — each owns its own rate limiter, caches, and probes.
type Engine struct {
	cfg Config

	rateLimiter *ratelimiter.Limiter
	dns         *dnsresolver.Resolver
	cache       *resultcache.Cache
	store       *resultstore.Store
	settings    *settings.Provider
	tasks       *taskstore.Store
	orch        *orchestrator.Orchestrator

	smtpProber   *smtpprobe.Prober
	msapiProber  *msapiprobe.Prober
	browserProber *browserprobe.Prober
	bounceProber *bounceprobe.Prober

	log *logrus.Entry
}

// New builds an Engine. bounceAccounts may be empty — the Bounce
// Probe is then unavailable and VerifyBounceBatch returns an error.
// Verify does not run the Bounce Probe for any method.
func New(cfg Config, store *resultstore.Store, settingsProvider *settings.Provider, tasks *taskstore.Store, bounceAccounts []bounceprobe.Account) *Engine {
	e := &Engine{
		cfg:         cfg,
		rateLimiter: ratelimiter.New(cfg.RateLimitMax, cfg.RateLimitWindow),
		dns:         dnsresolver.New(cfg.DNSTimeout),
		cache:       resultcache.New(cfg.MaxCacheSize),
		store:       store,
		settings:    settingsProvider,
		tasks:       tasks,
		log:         logrus.WithField("component", "engine"),
	}

	e.smtpProber = smtpprobe.New(cfg.SMTPTimeout, cfg.SMTPRetries, cfg.SMTPSenderEmail, cfg.CatchAllProbing, firstProxy(settingsProvider, cfg.ProxyAddresses))
	e.msapiProber = msapiprobe.New(cfg.MicrosoftAPIURL, cfg.MSAPITimeout, cfg.MSAPIRetries)
	e.browserProber = browserprobe.New(cfg.BrowserHeadless, cfg.BrowserWaitAfter, cfg.ScreenshotMode, cfg.ScreenshotDir)
	if len(bounceAccounts) > 0 {
		e.bounceProber = bounceprobe.New(bounceAccounts, cfg.BounceWindow)
	}

	e.orch = orchestrator.New(cfg.WorkerCount, cfg.WorkerMode, cfg.JitterMin, cfg.JitterMax, e.verifyForOrchestrator, cfg.RedisClient)
	e.orch.SetHooks(e.recordTaskResult, e.completeTask)
	return e
}

// recordTaskResult mirrors one published batch result into the
// durable taskstore; a nil tasks store (DBEnabled=false) makes this a
// no-op.
func (e *Engine) recordTaskResult(taskID, address string, result models.VerificationResult) {
	if e.tasks == nil {
		return
	}
	if err := e.tasks.RecordResult(taskID, result); err != nil {
		e.log.WithError(err).WithField("task_id", taskID).Warn("failed to record durable task result")
	}
}

// completeTask marks a batch's durable TaskRecord completed once the
// orchestrator's in-memory Task reaches Total.
func (e *Engine) completeTask(taskID string) {
	if e.tasks == nil {
		return
	}
	if err := e.tasks.MarkCompleted(taskID); err != nil {
		e.log.WithError(err).WithField("task_id", taskID).Warn("failed to mark durable task completed")
	}
}

// firstProxy prefers the settings file's configured proxies and falls
// back to the env-configured list when the settings file carries none.
func firstProxy(s *settings.Provider, fallback []string) string {
	if s != nil {
		if proxies := s.Proxies(); len(proxies) > 0 {
			return proxies[0]
		}
	}
	if len(fallback) > 0 {
		return fallback[0]
	}
	return ""
}

// Verify runs the full pipeline for a single address: cache and
// persisted-verdict lookups, syntax check, skip/blacklist/whitelist
// checks, MX resolution, then the provider's ordered probe chain.
func (e *Engine) Verify(ctx context.Context, address string, method models.Method) models.VerificationResult {
	address = strings.ToLower(strings.TrimSpace(address))

	if cached, ok := e.cache.Get(address); ok {
		return cached
	}

	if verdict, ok := e.store.Contains(address); ok {
		result := models.VerificationResult{Address: address, Verdict: verdict, Reason: "cached", Method: models.MethodCache, Timestamp: time.Now()}
		e.cache.Put(result)
		return result
	}

	if !addressRegexp.MatchString(address) {
		return e.finalize(models.VerificationResult{Address: address, Verdict: models.Invalid, Reason: "Invalid email format", Timestamp: time.Now()})
	}

	domain := domainOf(address)

	for _, skip := range e.cfg.SkipDomains {
		if strings.EqualFold(skip, domain) {
			return e.finalize(models.VerificationResult{Address: address, Verdict: models.Risky, Reason: "Domain excluded from verification", Timestamp: time.Now()})
		}
	}

	if e.settings != nil {
		if e.settings.IsBlacklisted(domain) {
			return e.finalize(models.VerificationResult{Address: address, Verdict: models.Invalid, Reason: "Domain is blacklisted", Timestamp: time.Now()})
		}
		if e.settings.IsWhitelisted(domain) {
			return e.finalize(models.VerificationResult{Address: address, Verdict: models.Valid, Reason: "Domain is whitelisted", Timestamp: time.Now()})
		}
	}

	e.store.RecordEvent(address, "verification started")

	mxHosts := e.dns.MX(domain)
	if len(mxHosts) == 0 {
		return e.finalize(models.VerificationResult{Address: address, Verdict: models.Invalid, Reason: "Domain has no mail servers", Timestamp: time.Now()})
	}

	provider := strategy.DetectProvider(domain, mxHosts)
	order := strategy.ProbeOrder(provider)
	if method == models.MethodSMTP {
		order = []strategy.ProbeStep{strategy.StepSMTP}
	} else if method == models.MethodLogin {
		order = []strategy.ProbeStep{strategy.StepBrowser}
	}

	outcomes := e.runProbeChain(ctx, address, domain, provider, mxHosts, order)
	result := strategy.Merge(address, provider, outcomes)
	result.Timestamp = time.Now()
	enrichWithRegistrarDetails(&result, address, domain)

	if result.Verdict == models.Risky && provider == models.ProviderMicrosoft && e.cfg.PromoteAmbiguousMicrosoftToValid && allAmbiguousNoRejection(outcomes) {
		result.Verdict = models.Valid
		result.Reason = "no rejection or error"
	}

	return e.finalize(result)
}

// enrichWithRegistrarDetails adds best-effort WHOIS and secondary
// host-validity evidence to result.Details. Neither signal ever
// changes the verdict: a WHOIS failure leaves "registrar" unset, and a
// failed host check is recorded as "false".
func enrichWithRegistrarDetails(result *models.VerificationResult, address, domain string) {
	if result.Details == nil {
		result.Details = make(map[string]string)
	}
	if registrar := dnsresolver.WhoisRegistrar(domain); registrar != "" {
		result.Details["registrar"] = registrar
	}
	result.Details["secondary_host_check"] = fmt.Sprintf("%t", dnsresolver.ValidHost(address))
}

func allAmbiguousNoRejection(outcomes []models.ProbeOutcome) bool {
	for _, o := range outcomes {
		if o.Kind == models.DefinitiveInvalid {
			return false
		}
	}
	return true
}

func (e *Engine) runProbeChain(ctx context.Context, address, domain string, provider models.Provider, mxHosts []string, order []strategy.ProbeStep) []models.ProbeOutcome {
	var outcomes []models.ProbeOutcome
	for _, step := range order {
		outcome := e.runStep(ctx, address, domain, provider, mxHosts, step)
		outcomes = append(outcomes, outcome)
		e.store.RecordEvent(address, fmt.Sprintf("%s probe: %s", step, outcome.Reason))
		if outcome.Kind == models.OutcomeError {
			errlog.LogEvent("probe_error", map[string]interface{}{"address": address, "step": string(step), "reason": outcome.Reason})
		}
		if outcome.Kind == models.DefinitiveValid || outcome.Kind == models.DefinitiveInvalid {
			break
		}
	}
	return outcomes
}

func (e *Engine) runStep(ctx context.Context, address, domain string, provider models.Provider, mxHosts []string, step strategy.ProbeStep) models.ProbeOutcome {
	if err := e.rateLimiter.Wait(ctx, domain); err != nil {
		return models.ProbeOutcome{Kind: models.OutcomeError, Reason: "rate limit wait cancelled"}
	}
	defer e.rateLimiter.Record(domain)

	switch step {
	case strategy.StepSMTP:
		return e.smtpProber.Probe(address, mxHosts)
	case strategy.StepAPI:
		return e.runAPIStep(ctx, address, domain)
	case strategy.StepBrowser:
		return e.runBrowserStep(ctx, address, provider)
	default:
		return models.ProbeOutcome{Kind: models.OutcomeError, Reason: "unknown probe step"}
	}
}

func (e *Engine) runAPIStep(ctx context.Context, address, domain string) models.ProbeOutcome {
	if e.msapiProber.IsAPICatchAll(ctx, domain) {
		return models.ProbeOutcome{Kind: models.Ambiguous, Reason: "Microsoft API catch-all, deferring to Browser Probe", Method: models.MethodAPI}
	}
	outcome, backoff := e.msapiProber.Probe(ctx, address)
	if backoff > 0 {
		e.rateLimiter.SetBackoff(domain, backoff)
	}
	return outcome
}

func (e *Engine) runBrowserStep(ctx context.Context, address string, provider models.Provider) models.ProbeOutcome {
	loginURL := browserprobe.LoginURLs[provider]

	var outcome models.ProbeOutcome
	for _, execPath := range e.browserList() {
		outcome = e.browserProber.ProbeWith(ctx, address, provider, loginURL, execPath)
		if outcome.Kind == models.DefinitiveValid || outcome.Kind == models.DefinitiveInvalid {
			return outcome
		}
	}

	if provider == models.ProviderMicrosoft && (outcome.Kind == models.Ambiguous || outcome.Kind == models.OutcomeCustom) {
		outcome = e.browserProber.Probe(ctx, address, provider, browserprobe.MicrosoftFallbackURL)
	}
	return outcome
}

// browserList returns the configured browser executables to walk, or a
// single default-discovery entry when none are configured.
func (e *Engine) browserList() []string {
	if e.settings != nil {
		if browsers := e.settings.Browsers(); len(browsers) > 0 {
			return browsers
		}
	}
	return []string{""}
}

// finalize writes the cache and the persisted Result Store and returns
// the result unchanged. Catch-all downgrading happens earlier, inside
// the SMTP probe.
func (e *Engine) finalize(result models.VerificationResult) models.VerificationResult {
	e.cache.Put(result)
	if err := e.store.Persist(result); err != nil {
		e.log.WithError(err).WithField("address", result.Address).Warn("failed to persist verification result")
	}
	return result
}

// StartBatch launches a batch verification job and returns its task ID.
func (e *Engine) StartBatch(ctx context.Context, addresses []string, method models.Method) string {
	taskID := e.orch.StartBatch(ctx, addresses, method)
	if e.tasks != nil {
		if err := e.tasks.CreateTask(taskID, string(method), len(addresses)); err != nil {
			e.log.WithError(err).Warn("failed to create durable task record")
		}
		if err := e.tasks.MarkRunning(taskID); err != nil {
			e.log.WithError(err).Warn("failed to mark task running")
		}
	}
	return taskID
}

// TaskStatus reports a batch task's lifecycle progress, falling back
// to the durable task store for tasks from a previous process life.
func (e *Engine) TaskStatus(taskID string) (status models.TaskStatus, total, completed int, progressPercent float64, err error) {
	status, total, completed, err = e.orch.TaskStatus(taskID)
	if err != nil {
		record, dbErr := e.durableTask(taskID)
		if dbErr != nil {
			return "", 0, 0, 0, err
		}
		status, total, completed = record.Status, record.Total, record.Completed
	}
	if total > 0 {
		progressPercent = float64(completed) / float64(total) * 100
	}
	return status, total, completed, progressPercent, nil
}

// TaskResults returns every result published so far for a batch task,
// falling back to the durable task store the same way TaskStatus does.
func (e *Engine) TaskResults(taskID string) (map[string]models.VerificationResult, error) {
	results, err := e.orch.TaskResults(taskID)
	if err == nil {
		return results, nil
	}
	record, dbErr := e.durableTask(taskID)
	if dbErr != nil {
		return nil, err
	}
	out := make(map[string]models.VerificationResult, len(record.Results))
	for _, r := range record.Results {
		out[r.Address] = models.VerificationResult{
			Address:   r.Address,
			Verdict:   models.Verdict(r.Verdict),
			Reason:    r.Reason,
			Provider:  models.Provider(r.Provider),
			Method:    models.Method(r.Method),
			Timestamp: r.VerifiedAt,
		}
	}
	return out, nil
}

func (e *Engine) durableTask(taskID string) (*models.TaskRecord, error) {
	if e.tasks == nil {
		return nil, fmt.Errorf("engine: no durable task store configured")
	}
	return e.tasks.GetTask(taskID)
}

// ResultsSummary counts persisted addresses per verdict category.
func (e *Engine) ResultsSummary() (map[models.Verdict]int, error) {
	return e.store.Summary()
}

// DomainStatistics counts domain's persisted verdicts per category.
func (e *Engine) DomainStatistics(domain string) (map[models.Verdict]int, error) {
	return e.store.DomainStatistics(domain)
}

// CategoryStatistics tallies one verdict category's addresses and the
// reason strings that put them there.
func (e *Engine) CategoryStatistics(verdict models.Verdict) (resultstore.CategoryStats, error) {
	return e.store.CategoryStatistics(verdict)
}

// VerificationHistory returns the persisted history for address under
// verdict.
func (e *Engine) VerificationHistory(address string, verdict models.Verdict) ([]models.HistoryEntry, error) {
	return e.store.History(address, verdict)
}

// ReloadSettings re-reads the settings file from disk.
func (e *Engine) ReloadSettings() error {
	if e.settings == nil {
		return fmt.Errorf("engine: no settings provider configured")
	}
	return e.settings.Reload()
}

// VerifyBounceBatch runs the asynchronous send-and-wait bounce probe
// over a whole batch of addresses, then writes the per-batch log.
func (e *Engine) VerifyBounceBatch(ctx context.Context, batchID string, addresses []string) (map[string]models.VerificationResult, error) {
	if e.bounceProber == nil {
		return nil, fmt.Errorf("engine: bounce probe unconfigured (no SMTP accounts)")
	}
	normalized := make([]string, len(addresses))
	for i, a := range addresses {
		normalized[i] = strings.ToLower(strings.TrimSpace(a))
	}
	addresses = normalized
	senders, err := e.bounceProber.Send(ctx, batchID, addresses)
	if err != nil {
		return nil, fmt.Errorf("bounce probe send: %w", err)
	}
	results, err := e.bounceProber.Classify(ctx, addresses)
	if err != nil {
		return nil, fmt.Errorf("bounce probe classify: %w", err)
	}
	for _, r := range results {
		e.finalize(r)
	}
	if e.cfg.BatchLogDir != "" {
		if err := writeBounceBatchLog(e.cfg.BatchLogDir, batchID, results, senders); err != nil {
			e.log.WithError(err).WithField("batch_id", batchID).Warn("failed to write bounce batch log")
		}
	}
	return results, nil
}

// writeBounceBatchLog records one {batch_id}.csv with a row per
// address: address, verdict, timestamp, and the account that sent its
// probe message.
func writeBounceBatchLog(dir, batchID string, results map[string]models.VerificationResult, senders map[string]string) error {
	if err := os.MkdirAll(dir, 0o755); err != nil {
		return err
	}
	f, err := os.Create(filepath.Join(dir, batchID+".csv"))
	if err != nil {
		return err
	}
	defer f.Close()

	w := csv.NewWriter(f)
	defer w.Flush()
	for address, result := range results {
		if err := w.Write([]string{
			address,
			string(result.Verdict),
			result.Timestamp.Format(time.RFC3339),
			senders[address],
		}); err != nil {
			return err
		}
	}
	return nil
}

func (e *Engine) verifyForOrchestrator(ctx context.Context, address string, method models.Method) models.VerificationResult {
	return e.Verify(ctx, address, method)
}

func domainOf(address string) string {
	parts := strings.SplitN(address, "@", 2)
	if len(parts) != 2 {
		return ""
	}
	return parts[1]
}
