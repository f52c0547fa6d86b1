// Package resultstore is the append-only, idempotent persistence
// layer behind every verdict: one CSV per category plus a per-address
// history log that migrates from an in-memory scratch into a
// per-category JSON store on verdict. File writes are serialized by a
// mutex; this process is the sole writer to its data directory.
package resultstore

import (
	"encoding/csv"
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"sync"
	"time"

	"mailverify/models"
)

// Store is the file-backed Result Store + History Log.
type Store struct {
	dataDir    string
	historyDir string

	mu      sync.Mutex
	scratch map[string][]models.HistoryEntry
}

func New(dataDir, historyDir string) (*Store, error) {
	if err := os.MkdirAll(dataDir, 0o755); err != nil {
		return nil, fmt.Errorf("create data dir: %w", err)
	}
	if err := os.MkdirAll(historyDir, 0o755); err != nil {
		return nil, fmt.Errorf("create history dir: %w", err)
	}
	return &Store{
		dataDir:    dataDir,
		historyDir: historyDir,
		scratch:    make(map[string][]models.HistoryEntry),
	}, nil
}

func categoryFile(dataDir string, v models.Verdict) string {
	names := map[models.Verdict]string{
		models.Valid:   "Valid.csv",
		models.Invalid: "Invalid.csv",
		models.Risky:   "Risky.csv",
		models.Custom:  "Custom.csv",
	}
	return filepath.Join(dataDir, names[v])
}

func historyFile(historyDir string, v models.Verdict) string {
	names := map[models.Verdict]string{
		models.Valid:   "valid.json",
		models.Invalid: "invalid.json",
		models.Risky:   "risky.json",
		models.Custom:  "custom.json",
	}
	return filepath.Join(historyDir, names[v])
}

// RecordEvent appends event to address's in-memory scratch history,
// ahead of a final verdict. Safe for concurrent callers.
func (s *Store) RecordEvent(address, event string) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.scratch[address] = append(s.scratch[address], models.HistoryEntry{Timestamp: time.Now(), Event: event})
}

// Contains reports whether address already has a persisted verdict,
// and if so, which one — callers use this for the "already in a
// per-verdict file" pre-check.
func (s *Store) Contains(address string) (models.Verdict, bool) {
	for _, v := range []models.Verdict{models.Valid, models.Invalid, models.Risky, models.Custom} {
		rows, err := readCategoryRows(categoryFile(s.dataDir, v))
		if err != nil {
			continue
		}
		for _, row := range rows {
			if len(row) > 0 && strings.EqualFold(row[0], address) {
				return v, true
			}
		}
	}
	return "", false
}

// Persist idempotently appends result to its category CSV (a no-op if
// the address is already present in that file) and migrates the
// address's scratch history into the matching per-category JSON file.
func (s *Store) Persist(result models.VerificationResult) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	if err := s.appendCSVLocked(result); err != nil {
		return err
	}
	return s.migrateHistoryLocked(result.Address, result.Verdict)
}

func (s *Store) appendCSVLocked(result models.VerificationResult) error {
	path := categoryFile(s.dataDir, result.Verdict)

	rows, _ := readCategoryRows(path)
	for _, row := range rows {
		if len(row) > 0 && strings.EqualFold(row[0], result.Address) {
			return nil
		}
	}

	f, err := os.OpenFile(path, os.O_APPEND|os.O_CREATE|os.O_WRONLY, 0o644)
	if err != nil {
		return fmt.Errorf("open category file: %w", err)
	}
	defer f.Close()

	w := csv.NewWriter(f)
	defer w.Flush()
	return w.Write([]string{
		result.Address,
		string(result.Provider),
		result.Timestamp.Format(time.RFC3339),
		result.Reason,
		string(result.Method),
	})
}

func readCategoryRows(path string) ([][]string, error) {
	f, err := os.Open(path)
	if err != nil {
		return nil, err
	}
	defer f.Close()
	r := csv.NewReader(f)
	r.FieldsPerRecord = -1
	return r.ReadAll()
}

// migrateHistoryLocked moves address's scratch events into the
// per-category history JSON, atomically (write-temp-then-rename), and
// clears the scratch entry. No-op if there's nothing scratched.
func (s *Store) migrateHistoryLocked(address string, verdict models.Verdict) error {
	events := s.scratch[address]
	delete(s.scratch, address)
	if len(events) == 0 {
		return nil
	}

	path := historyFile(s.historyDir, verdict)
	history := make(map[string][]models.HistoryEntry)
	if raw, err := os.ReadFile(path); err == nil {
		_ = json.Unmarshal(raw, &history)
	}
	history[address] = append(history[address], events...)

	return writeJSONAtomic(path, history)
}

func writeJSONAtomic(path string, v interface{}) error {
	data, err := json.MarshalIndent(v, "", "  ")
	if err != nil {
		return fmt.Errorf("marshal history: %w", err)
	}
	tmp := path + ".tmp"
	if err := os.WriteFile(tmp, data, 0o644); err != nil {
		return fmt.Errorf("write scratch history: %w", err)
	}
	return os.Rename(tmp, path)
}

// History returns the persisted history entries for address within
// category.
func (s *Store) History(address string, verdict models.Verdict) ([]models.HistoryEntry, error) {
	path := historyFile(s.historyDir, verdict)
	raw, err := os.ReadFile(path)
	if err != nil {
		if os.IsNotExist(err) {
			return nil, nil
		}
		return nil, err
	}
	history := make(map[string][]models.HistoryEntry)
	if err := json.Unmarshal(raw, &history); err != nil {
		return nil, err
	}
	return history[address], nil
}

// DomainStatistics counts domain's persisted addresses per verdict
// category. The engine exposes it through Engine.DomainStatistics and
// the CLI's stats subcommand; the rate limiter does not consult it.
func (s *Store) DomainStatistics(domain string) (map[models.Verdict]int, error) {
	domain = strings.ToLower(domain)
	out := map[models.Verdict]int{
		models.Valid: 0, models.Invalid: 0, models.Risky: 0, models.Custom: 0,
	}
	for _, v := range []models.Verdict{models.Valid, models.Invalid, models.Risky, models.Custom} {
		rows, err := readCategoryRows(categoryFile(s.dataDir, v))
		if err != nil {
			continue
		}
		for _, row := range rows {
			if len(row) == 0 {
				continue
			}
			at := strings.LastIndex(row[0], "@")
			if at >= 0 && strings.ToLower(row[0][at+1:]) == domain {
				out[v]++
			}
		}
	}
	return out, nil
}

// CategoryStats is the per-verdict rollup: how many addresses landed in
// the category and how often each reason string appeared.
type CategoryStats struct {
	Total   int            `json:"total"`
	Reasons map[string]int `json:"reasons"`
}

// CategoryStatistics tallies the persisted addresses and their reasons
// for one verdict category.
func (s *Store) CategoryStatistics(verdict models.Verdict) (CategoryStats, error) {
	stats := CategoryStats{Reasons: make(map[string]int)}
	rows, err := readCategoryRows(categoryFile(s.dataDir, verdict))
	if err != nil {
		if os.IsNotExist(err) {
			return stats, nil
		}
		return stats, err
	}
	for _, row := range rows {
		if len(row) == 0 {
			continue
		}
		stats.Total++
		if len(row) > 3 && row[3] != "" {
			stats.Reasons[row[3]]++
		}
	}
	return stats, nil
}

// Summary counts the persisted addresses per category.
func (s *Store) Summary() (map[models.Verdict]int, error) {
	out := make(map[models.Verdict]int)
	for _, v := range []models.Verdict{models.Valid, models.Invalid, models.Risky, models.Custom} {
		rows, err := readCategoryRows(categoryFile(s.dataDir, v))
		if err != nil {
			continue
		}
		out[v] = len(rows)
	}
	return out, nil
}
