package resultcache

import (
	"testing"

	"mailverify/models"
)

func seed(address string) models.VerificationResult {
	return models.VerificationResult{Address: address, Verdict: models.Valid, Reason: address}
}

func TestGetMiss(t *testing.T) {
	c := New(10)
	if _, ok := c.Get("missing@example.com"); ok {
		t.Fatalf("expected miss on empty cache")
	}
}

func TestPutThenGet(t *testing.T) {
	c := New(10)
	c.Put(seed("a@example.com"))
	got, ok := c.Get("a@example.com")
	if !ok {
		t.Fatalf("expected hit")
	}
	if got.Reason != "a@example.com" {
		t.Fatalf("unexpected result: %+v", got)
	}
}

func TestEvictsLeastRecentlyUsed(t *testing.T) {
	c := New(2)
	c.Put(seed("a@example.com"))
	c.Put(seed("b@example.com"))

	// touch a, making b the least-recently-used entry
	if _, ok := c.Get("a@example.com"); !ok {
		t.Fatalf("expected hit on a")
	}

	c.Put(seed("c@example.com"))

	if _, ok := c.Get("b@example.com"); ok {
		t.Fatalf("expected b to have been evicted")
	}
	if _, ok := c.Get("a@example.com"); !ok {
		t.Fatalf("expected a to survive eviction")
	}
	if _, ok := c.Get("c@example.com"); !ok {
		t.Fatalf("expected c to be present")
	}
	if c.Len() != 2 {
		t.Fatalf("expected 2 entries, got %d", c.Len())
	}
}

func TestPutUpdatesExisting(t *testing.T) {
	c := New(10)
	c.Put(seed("a@example.com"))
	updated := seed("a@example.com")
	updated.Reason = "updated"
	c.Put(updated)

	got, _ := c.Get("a@example.com")
	if got.Reason != "updated" {
		t.Fatalf("expected updated reason, got %q", got.Reason)
	}
	if c.Len() != 1 {
		t.Fatalf("expected a single entry after update, got %d", c.Len())
	}
}

func TestDefaultMaxSize(t *testing.T) {
	c := New(0)
	if c.maxSize != 1000 {
		t.Fatalf("expected default max size 1000, got %d", c.maxSize)
	}
}
