package resultstore

import (
	"path/filepath"
	"testing"
	"time"

	"mailverify/models"
)

func newTestStore(t *testing.T) *Store {
	t.Helper()
	dir := t.TempDir()
	s, err := New(filepath.Join(dir, "data"), filepath.Join(dir, "history"))
	if err != nil {
		t.Fatalf("New() error: %v", err)
	}
	return s
}

func TestPersistIsIdempotent(t *testing.T) {
	s := newTestStore(t)
	result := models.VerificationResult{
		Address: "user@example.com", Verdict: models.Valid,
		Reason: "RCPT accepted", Provider: models.ProviderCustom,
		Method: models.MethodSMTP, Timestamp: time.Now(),
	}

	if err := s.Persist(result); err != nil {
		t.Fatalf("Persist() error: %v", err)
	}
	if err := s.Persist(result); err != nil {
		t.Fatalf("second Persist() error: %v", err)
	}

	rows, err := readCategoryRows(categoryFile(s.dataDir, models.Valid))
	if err != nil {
		t.Fatalf("readCategoryRows() error: %v", err)
	}
	if len(rows) != 1 {
		t.Fatalf("expected exactly one row, got %d", len(rows))
	}
}

func TestContainsFindsPersistedVerdict(t *testing.T) {
	s := newTestStore(t)
	result := models.VerificationResult{
		Address: "user@example.com", Verdict: models.Invalid,
		Reason: "Mailbox doesn't exist", Timestamp: time.Now(),
	}
	if err := s.Persist(result); err != nil {
		t.Fatalf("Persist() error: %v", err)
	}

	verdict, ok := s.Contains("user@example.com")
	if !ok || verdict != models.Invalid {
		t.Fatalf("Contains() = %v, %v, want Invalid, true", verdict, ok)
	}

	if _, ok := s.Contains("nobody@example.com"); ok {
		t.Fatalf("expected Contains() to be false for unknown address")
	}
}

func TestHistoryMigratesFromScratch(t *testing.T) {
	s := newTestStore(t)
	s.RecordEvent("user@example.com", "starting SMTP probe")
	s.RecordEvent("user@example.com", "RCPT accepted")

	result := models.VerificationResult{Address: "user@example.com", Verdict: models.Valid, Timestamp: time.Now()}
	if err := s.Persist(result); err != nil {
		t.Fatalf("Persist() error: %v", err)
	}

	history, err := s.History("user@example.com", models.Valid)
	if err != nil {
		t.Fatalf("History() error: %v", err)
	}
	if len(history) != 2 {
		t.Fatalf("expected 2 history entries, got %d", len(history))
	}

	if _, ok := s.scratch["user@example.com"]; ok {
		t.Fatalf("expected scratch entry to be cleared after migration")
	}
}

func TestDomainStatisticsCountsPerVerdict(t *testing.T) {
	s := newTestStore(t)
	_ = s.Persist(models.VerificationResult{Address: "a@example.com", Verdict: models.Valid, Timestamp: time.Now()})
	_ = s.Persist(models.VerificationResult{Address: "b@example.com", Verdict: models.Risky, Timestamp: time.Now()})
	_ = s.Persist(models.VerificationResult{Address: "c@other.org", Verdict: models.Valid, Timestamp: time.Now()})

	stats, err := s.DomainStatistics("EXAMPLE.com")
	if err != nil {
		t.Fatalf("DomainStatistics() error: %v", err)
	}
	if stats[models.Valid] != 1 || stats[models.Risky] != 1 || stats[models.Invalid] != 0 {
		t.Fatalf("unexpected stats: %v", stats)
	}
}

func TestCategoryStatisticsTalliesReasons(t *testing.T) {
	s := newTestStore(t)
	_ = s.Persist(models.VerificationResult{Address: "a@example.com", Verdict: models.Risky, Reason: "Domain has catch-all configuration", Timestamp: time.Now()})
	_ = s.Persist(models.VerificationResult{Address: "b@example.com", Verdict: models.Risky, Reason: "Domain has catch-all configuration", Timestamp: time.Now()})
	_ = s.Persist(models.VerificationResult{Address: "c@example.com", Verdict: models.Risky, Reason: "CAPTCHA challenge", Timestamp: time.Now()})

	stats, err := s.CategoryStatistics(models.Risky)
	if err != nil {
		t.Fatalf("CategoryStatistics() error: %v", err)
	}
	if stats.Total != 3 {
		t.Fatalf("expected total 3, got %d", stats.Total)
	}
	if stats.Reasons["Domain has catch-all configuration"] != 2 {
		t.Fatalf("unexpected reason tally: %v", stats.Reasons)
	}

	empty, err := s.CategoryStatistics(models.Custom)
	if err != nil {
		t.Fatalf("CategoryStatistics() on empty category error: %v", err)
	}
	if empty.Total != 0 {
		t.Fatalf("expected empty category, got %d", empty.Total)
	}
}

func TestSummaryCountsCategories(t *testing.T) {
	s := newTestStore(t)
	_ = s.Persist(models.VerificationResult{Address: "a@example.com", Verdict: models.Valid, Timestamp: time.Now()})
	_ = s.Persist(models.VerificationResult{Address: "b@example.com", Verdict: models.Valid, Timestamp: time.Now()})
	_ = s.Persist(models.VerificationResult{Address: "c@example.com", Verdict: models.Invalid, Timestamp: time.Now()})

	summary, err := s.Summary()
	if err != nil {
		t.Fatalf("Summary() error: %v", err)
	}
	if summary[models.Valid] != 2 {
		t.Fatalf("expected 2 valid, got %d", summary[models.Valid])
	}
	if summary[models.Invalid] != 1 {
		t.Fatalf("expected 1 invalid, got %d", summary[models.Invalid])
	}
}
