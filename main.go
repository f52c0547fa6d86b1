// Command mailverify is the email verification engine's CLI front
// door: load config, connect the optional database, build every
// component, then dispatch to the requested subcommand.
package main

import (
	"context"
	"encoding/json"
	"flag"
	"fmt"
	"log"
	"os"
	"strings"
	"time"

	"github.com/go-redis/redis/v8"
	"github.com/google/uuid"

	"mailverify/config"
	"mailverify/engine"
	"mailverify/errlog"
	"mailverify/models"
	"mailverify/orchestrator"
	"mailverify/probes/bounceprobe"
	"mailverify/probes/browserprobe"
	"mailverify/resultstore"
	"mailverify/settings"
	"mailverify/taskstore"
)

func main() {
	logger := log.New(os.Stdout, "MAILVERIFY: ", log.Ldate|log.Ltime|log.Lshortfile)

	if err := config.LoadConfig(); err != nil {
		logger.Fatalf("Failed to load configuration: %v", err)
	}

	if config.AppConfig.DBEnabled {
		if err := config.ConnectDB(); err != nil {
			logger.Fatalf("Failed to connect to database: %v", err)
		}
	}

	if err := errlog.Init(os.Getenv("SENTRY_DSN")); err != nil {
		logger.Printf("Sentry disabled: %v", err)
	}

	e, err := buildEngine()
	if err != nil {
		logger.Fatalf("Failed to initialize verification engine: %v", err)
	}

	if len(os.Args) < 2 {
		printUsage()
		os.Exit(1)
	}

	ctx := context.Background()
	switch os.Args[1] {
	case "verify":
		runVerify(ctx, e, os.Args[2:])
	case "batch":
		runBatch(ctx, e, os.Args[2:])
	case "bounce":
		runBounce(ctx, e, os.Args[2:])
	case "status":
		runStatus(e, os.Args[2:])
	case "results":
		runResults(e, os.Args[2:])
	case "summary":
		runSummary(e)
	case "stats":
		runStats(e, os.Args[2:])
	case "history":
		runHistory(e, os.Args[2:])
	case "reload-settings":
		runReloadSettings(e)
	default:
		printUsage()
		os.Exit(1)
	}
}

func printUsage() {
	fmt.Fprintln(os.Stderr, "usage: mailverify <verify|batch|bounce|status|results|summary|stats|history|reload-settings> [flags]")
}

// buildEngine wires every component the engine needs.
func buildEngine() (*engine.Engine, error) {
	cfg := config.AppConfig

	store, err := resultstore.New(cfg.DataDir, cfg.HistoryDir)
	if err != nil {
		return nil, fmt.Errorf("result store: %w", err)
	}

	settingsPath := os.Getenv("SETTINGS_FILE")
	if settingsPath == "" {
		settingsPath = "./settings.json"
	}
	settingsProvider, err := settings.New(settingsPath, []byte(cfg.EncryptionKey))
	if err != nil {
		return nil, fmt.Errorf("settings provider: %w", err)
	}

	var tasks *taskstore.Store
	if cfg.DBEnabled {
		tasks = taskstore.New(config.DB)
	} else {
		tasks = taskstore.New(nil)
	}

	workerMode := orchestrator.ModeThreaded
	if cfg.WorkerMode == string(orchestrator.ModeProcess) {
		workerMode = orchestrator.ModeProcess
	}

	var redisClient *redis.Client
	if cfg.Redis.Enabled {
		redisClient = redis.NewClient(&redis.Options{
			Addr:     cfg.Redis.Address,
			Password: cfg.Redis.Password,
			DB:       cfg.Redis.DB,
		})
	}

	engineCfg := engine.Config{
		WorkerCount:                      cfg.WorkerCount,
		WorkerMode:                       workerMode,
		JitterMin:                        cfg.InterAddressJitterMin,
		JitterMax:                        cfg.InterAddressJitterMax,
		MaxCacheSize:                     cfg.MaxCacheSize,
		DNSTimeout:                       cfg.DNSTimeout,
		RateLimitMax:                     cfg.RateLimit.MaxRequests,
		RateLimitWindow:                  cfg.RateLimit.Window,
		SMTPTimeout:                      cfg.SMTPTimeout,
		SMTPRetries:                      cfg.SMTPRetries,
		SMTPSenderEmail:                  cfg.SMTPSenderEmail,
		CatchAllProbing:                  cfg.CatchAllProbing,
		MicrosoftAPIURL:                  cfg.MicrosoftAPIURL,
		MSAPITimeout:                     cfg.MicrosoftAPITimeout,
		MSAPIRetries:                     cfg.MicrosoftAPIRetries,
		PromoteAmbiguousMicrosoftToValid: cfg.PromoteAmbiguousMicrosoftToValid,
		BrowserHeadless:                  true,
		BrowserWaitAfter:                 cfg.BrowserWaitAfterSubmit,
		ScreenshotMode:                   browserprobe.ScreenshotMode(cfg.ScreenshotMode),
		ScreenshotDir:                    cfg.ScreenshotDir,
		BounceWindow:                     5 * time.Minute,
		BatchLogDir:                      cfg.DataDir,
		SkipDomains:                      cfg.SkipDomains,
		ProxyAddresses:                   cfg.ProxyAddresses,
		RedisClient:                      redisClient,
	}

	return engine.New(engineCfg, store, settingsProvider, tasks, loadBounceAccounts(settingsProvider)), nil
}

// loadBounceAccounts adapts the settings-file SMTP accounts into the
// Bounce Probe's account list. An empty or unreadable account list
// just leaves the Bounce Probe unconfigured; engine.VerifyBounceBatch
// reports that explicitly rather than failing startup.
func loadBounceAccounts(s *settings.Provider) []bounceprobe.Account {
	accounts, err := s.SMTPAccounts()
	if err != nil || len(accounts) == 0 {
		return nil
	}
	out := make([]bounceprobe.Account, 0, len(accounts))
	for _, a := range accounts {
		out = append(out, bounceprobe.Account{
			Name:     a.Address,
			SMTPHost: a.SMTPHost,
			SMTPPort: a.SMTPPort,
			IMAPHost: a.IMAPHost,
			IMAPPort: a.IMAPPort,
			Username: a.Address,
			Password: a.Password,
		})
	}
	return out
}

func runVerify(ctx context.Context, e *engine.Engine, args []string) {
	fs := flag.NewFlagSet("verify", flag.ExitOnError)
	method := fs.String("method", "auto", "verification method: auto, smtp or login; api and bounce are accepted and run the auto probe chain")
	_ = fs.Parse(args)
	if fs.NArg() < 1 {
		fmt.Fprintln(os.Stderr, "usage: mailverify verify [-method=auto] <address>")
		os.Exit(1)
	}

	req := verifyRequest{Address: fs.Arg(0), Method: strings.ToLower(*method)}
	if err := validateStruct(req); err != nil {
		fmt.Fprintf(os.Stderr, "invalid request: %v\n", err)
		os.Exit(1)
	}

	result := e.Verify(ctx, req.Address, models.Method(req.Method))
	printJSON(result)
}

func runBatch(ctx context.Context, e *engine.Engine, args []string) {
	fs := flag.NewFlagSet("batch", flag.ExitOnError)
	method := fs.String("method", "auto", "verification method: auto, smtp or login; api is accepted and runs the auto probe chain")
	file := fs.String("file", "", "path to a newline-delimited file of addresses")
	_ = fs.Parse(args)

	addresses := readAddressArgs(*file, fs.Args())

	req := batchRequest{Addresses: addresses, Method: strings.ToLower(*method)}
	if err := validateStruct(req); err != nil {
		fmt.Fprintf(os.Stderr, "usage: mailverify batch [-method=auto] [-file=addresses.txt] [address...]\ninvalid request: %v\n", err)
		os.Exit(1)
	}

	taskID := e.StartBatch(ctx, req.Addresses, models.Method(req.Method))
	fmt.Println(taskID)
}

// readAddressArgs combines an optional newline-delimited file with
// positional address arguments.
func readAddressArgs(file string, positional []string) []string {
	var addresses []string
	if file != "" {
		data, err := os.ReadFile(file)
		if err != nil {
			fmt.Fprintf(os.Stderr, "reading %s: %v\n", file, err)
			os.Exit(1)
		}
		for _, line := range strings.Split(string(data), "\n") {
			line = strings.TrimSpace(line)
			if line != "" {
				addresses = append(addresses, line)
			}
		}
	}
	return append(addresses, positional...)
}

func runBounce(ctx context.Context, e *engine.Engine, args []string) {
	fs := flag.NewFlagSet("bounce", flag.ExitOnError)
	file := fs.String("file", "", "path to a newline-delimited file of addresses")
	_ = fs.Parse(args)

	addresses := readAddressArgs(*file, fs.Args())
	if len(addresses) == 0 {
		fmt.Fprintln(os.Stderr, "usage: mailverify bounce [-file=addresses.txt] [address...]")
		os.Exit(1)
	}

	results, err := e.VerifyBounceBatch(ctx, uuid.NewString(), addresses)
	if err != nil {
		fmt.Fprintf(os.Stderr, "error: %v\n", err)
		os.Exit(1)
	}
	printJSON(results)
}

func runStatus(e *engine.Engine, args []string) {
	if len(args) < 1 {
		fmt.Fprintln(os.Stderr, "usage: mailverify status <task_id>")
		os.Exit(1)
	}
	status, total, completed, progress, err := e.TaskStatus(args[0])
	if err != nil {
		fmt.Fprintf(os.Stderr, "error: %v\n", err)
		os.Exit(1)
	}
	printJSON(map[string]interface{}{
		"status":           status,
		"total":            total,
		"completed":        completed,
		"progress_percent": progress,
	})
}

func runResults(e *engine.Engine, args []string) {
	if len(args) < 1 {
		fmt.Fprintln(os.Stderr, "usage: mailverify results <task_id>")
		os.Exit(1)
	}
	results, err := e.TaskResults(args[0])
	if err != nil {
		fmt.Fprintf(os.Stderr, "error: %v\n", err)
		os.Exit(1)
	}
	printJSON(results)
}

func runSummary(e *engine.Engine) {
	summary, err := e.ResultsSummary()
	if err != nil {
		fmt.Fprintf(os.Stderr, "error: %v\n", err)
		os.Exit(1)
	}
	printJSON(summary)
}

func runStats(e *engine.Engine, args []string) {
	fs := flag.NewFlagSet("stats", flag.ExitOnError)
	domain := fs.String("domain", "", "roll up verdicts for one domain")
	category := fs.String("category", "", "roll up reasons for one verdict category")
	_ = fs.Parse(args)

	switch {
	case *domain != "":
		stats, err := e.DomainStatistics(*domain)
		if err != nil {
			fmt.Fprintf(os.Stderr, "error: %v\n", err)
			os.Exit(1)
		}
		printJSON(stats)
	case *category != "":
		stats, err := e.CategoryStatistics(models.Verdict(strings.ToUpper(*category)))
		if err != nil {
			fmt.Fprintf(os.Stderr, "error: %v\n", err)
			os.Exit(1)
		}
		printJSON(stats)
	default:
		fmt.Fprintln(os.Stderr, "usage: mailverify stats -domain=example.com | -category=VALID")
		os.Exit(1)
	}
}

func runHistory(e *engine.Engine, args []string) {
	fs := flag.NewFlagSet("history", flag.ExitOnError)
	verdict := fs.String("verdict", string(models.Valid), "verdict category to read history from")
	_ = fs.Parse(args)
	if fs.NArg() < 1 {
		fmt.Fprintln(os.Stderr, "usage: mailverify history [-verdict=VALID] <address>")
		os.Exit(1)
	}
	entries, err := e.VerificationHistory(fs.Arg(0), models.Verdict(strings.ToUpper(*verdict)))
	if err != nil {
		fmt.Fprintf(os.Stderr, "error: %v\n", err)
		os.Exit(1)
	}
	printJSON(entries)
}

func runReloadSettings(e *engine.Engine) {
	if err := e.ReloadSettings(); err != nil {
		fmt.Fprintf(os.Stderr, "error: %v\n", err)
		os.Exit(1)
	}
	fmt.Println("settings reloaded")
}

func printJSON(v interface{}) {
	enc := json.NewEncoder(os.Stdout)
	enc.SetIndent("", "  ")
	_ = enc.Encode(v)
}
