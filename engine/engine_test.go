package engine

import (
	"context"
	"os"
	"path/filepath"
	"testing"
	"time"

	"mailverify/models"
	"mailverify/resultstore"
	"mailverify/settings"
)

func newTestEngine(t *testing.T) *Engine {
	t.Helper()
	dir := t.TempDir()
	store, err := resultstore.New(filepath.Join(dir, "data"), filepath.Join(dir, "history"))
	if err != nil {
		t.Fatalf("resultstore.New() error: %v", err)
	}
	settingsProvider, err := settings.New(filepath.Join(dir, "settings.json"), []byte("0123456789abcdef"))
	if err != nil {
		t.Fatalf("settings.New() error: %v", err)
	}

	cfg := Config{
		WorkerCount:     1,
		JitterMin:       time.Millisecond,
		JitterMax:       2 * time.Millisecond,
		MaxCacheSize:    100,
		DNSTimeout:      time.Second,
		RateLimitMax:    10,
		RateLimitWindow: time.Minute,
		SMTPTimeout:     time.Second,
		SMTPSenderEmail: "probe@example.com",
		MicrosoftAPIURL: "http://127.0.0.1:0",
		MSAPITimeout:    time.Second,
		SkipDomains:     []string{"skip-me.test"},
	}

	return New(cfg, store, settingsProvider, nil, nil)
}

func TestVerifyInvalidFormat(t *testing.T) {
	e := newTestEngine(t)
	result := e.Verify(context.Background(), "not-an-email", models.MethodAuto)
	if result.Verdict != models.Invalid {
		t.Fatalf("expected INVALID, got %v", result.Verdict)
	}
	if result.Reason != "Invalid email format" {
		t.Fatalf("unexpected reason: %q", result.Reason)
	}
}

func TestVerifySkipDomain(t *testing.T) {
	e := newTestEngine(t)
	result := e.Verify(context.Background(), "user@skip-me.test", models.MethodAuto)
	if result.Verdict != models.Risky {
		t.Fatalf("expected RISKY, got %v", result.Verdict)
	}
	if result.Reason != "Domain excluded from verification" {
		t.Fatalf("unexpected reason: %q", result.Reason)
	}
}

func TestVerifyBlacklistedDomain(t *testing.T) {
	e := newTestEngine(t)
	if err := e.settings.Set("_unused", "x"); err != nil {
		t.Fatalf("Set() error: %v", err)
	}
	dir := t.TempDir()
	blacklistPath := dir + "/blacklist.csv"
	writeBlacklist(t, blacklistPath, "blocked.test")
	if err := e.settings.LoadBlacklistFile(blacklistPath); err != nil {
		t.Fatalf("LoadBlacklistFile() error: %v", err)
	}

	result := e.Verify(context.Background(), "user@blocked.test", models.MethodAuto)
	if result.Verdict != models.Invalid {
		t.Fatalf("expected INVALID, got %v", result.Verdict)
	}
}

func TestVerifyCacheShortCircuits(t *testing.T) {
	e := newTestEngine(t)
	cached := models.VerificationResult{Address: "cached@example.com", Verdict: models.Valid, Reason: "test seed", Timestamp: time.Now()}
	e.cache.Put(cached)

	result := e.Verify(context.Background(), "cached@example.com", models.MethodAuto)
	if result.Reason != "test seed" {
		t.Fatalf("expected cached result to short-circuit, got reason %q", result.Reason)
	}
}

func writeBlacklist(t *testing.T, path, domain string) {
	t.Helper()
	if err := os.WriteFile(path, []byte(domain+"\n"), 0o644); err != nil {
		t.Fatalf("os.WriteFile() error: %v", err)
	}
}
