package settings

import (
	"os"
	"path/filepath"
	"testing"
)

func newTestProvider(t *testing.T) *Provider {
	t.Helper()
	dir := t.TempDir()
	p, err := New(filepath.Join(dir, "settings.json"), []byte("0123456789abcdef"))
	if err != nil {
		t.Fatalf("New() error: %v", err)
	}
	return p
}

func TestEncryptDecryptRoundTrip(t *testing.T) {
	p := newTestProvider(t)
	cipher, err := p.Encrypt("hunter2")
	if err != nil {
		t.Fatalf("Encrypt() error: %v", err)
	}
	if cipher == "hunter2" {
		t.Fatalf("expected ciphertext to differ from plaintext")
	}
	plain, err := p.Decrypt(cipher)
	if err != nil {
		t.Fatalf("Decrypt() error: %v", err)
	}
	if plain != "hunter2" {
		t.Fatalf("Decrypt() = %q, want hunter2", plain)
	}
}

func TestSetGetPersists(t *testing.T) {
	p := newTestProvider(t)
	if err := p.Set("catch_all_probing", "true"); err != nil {
		t.Fatalf("Set() error: %v", err)
	}
	if !p.IsEnabled("catch_all_probing") {
		t.Fatalf("expected catch_all_probing to be enabled")
	}

	reloaded, err := New(p.path, p.encryptionKey)
	if err != nil {
		t.Fatalf("New() on reload error: %v", err)
	}
	if reloaded.Get("catch_all_probing", "") != "true" {
		t.Fatalf("expected persisted value to survive reload")
	}
}

func TestSMTPAccountRoundTrip(t *testing.T) {
	p := newTestProvider(t)
	err := p.AddSMTPAccount(SMTPAccount{
		SMTPHost: "smtp.example.com", SMTPPort: 587,
		IMAPHost: "imap.example.com", IMAPPort: 993,
		Address: "probe@example.com",
	}, "s3cret")
	if err != nil {
		t.Fatalf("AddSMTPAccount() error: %v", err)
	}

	accounts, err := p.SMTPAccounts()
	if err != nil {
		t.Fatalf("SMTPAccounts() error: %v", err)
	}
	if len(accounts) != 1 {
		t.Fatalf("expected 1 account, got %d", len(accounts))
	}
	if accounts[0].Password != "s3cret" {
		t.Fatalf("expected decrypted password, got %q", accounts[0].Password)
	}
}

func TestBlacklistWhitelist(t *testing.T) {
	p := newTestProvider(t)
	dir := t.TempDir()
	blacklistPath := filepath.Join(dir, "blacklist.csv")
	writeLines(t, blacklistPath, []string{"spam.example", "blocked.test"})

	if err := p.LoadBlacklistFile(blacklistPath); err != nil {
		t.Fatalf("LoadBlacklistFile() error: %v", err)
	}
	if !p.IsBlacklisted("SPAM.EXAMPLE") {
		t.Fatalf("expected case-insensitive blacklist match")
	}
	if p.IsBlacklisted("ok.example") {
		t.Fatalf("expected ok.example to not be blacklisted")
	}
}

func writeLines(t *testing.T, path string, lines []string) {
	t.Helper()
	content := ""
	for _, l := range lines {
		content += l + "\n"
	}
	if err := os.WriteFile(path, []byte(content), 0o644); err != nil {
		t.Fatalf("os.WriteFile() error: %v", err)
	}
}
