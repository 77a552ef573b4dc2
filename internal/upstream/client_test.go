package upstream

import (
	"testing"
	"time"
)

func TestPickUserAgent_IsDeterministicPerAccount(t *testing.T) {
	first := pickUserAgent("account-123")
	for i := 0; i < 5; i++ {
		if got := pickUserAgent("account-123"); got != first {
			t.Fatalf("expected pickUserAgent to be deterministic for the same account id, got %q then %q", first, got)
		}
	}
}

func TestPickUserAgent_AlwaysFromTable(t *testing.T) {
	valid := make(map[string]bool, len(userAgents))
	for _, ua := range userAgents {
		valid[ua] = true
	}
	for _, acct := range []string{"a", "b", "c", "account-with-a-long-id-1234567890"} {
		if got := pickUserAgent(acct); !valid[got] {
			t.Errorf("pickUserAgent(%q) = %q, not in the rotation table", acct, got)
		}
	}
}

func TestClient_AvailableEndpointsExcludesCooldown(t *testing.T) {
	c := New(Config{
		BaseURLs:                    []string{"https://a.example.com", "https://b.example.com"},
		PerEndpointFailureThreshold: 2,
		PerEndpointCooldown:         50 * time.Millisecond,
	})

	if got := len(c.AvailableEndpoints()); got != 2 {
		t.Fatalf("expected both endpoints available initially, got %d", got)
	}

	c.RecordEndpointFailure("https://a.example.com")
	c.RecordEndpointFailure("https://a.example.com")

	available := c.AvailableEndpoints()
	if len(available) != 1 || available[0] != "https://b.example.com" {
		t.Fatalf("expected endpoint a to be in cooldown after reaching the failure threshold, got %v", available)
	}

	time.Sleep(60 * time.Millisecond)
	if got := len(c.AvailableEndpoints()); got != 2 {
		t.Errorf("expected endpoint a to return to rotation after its cooldown elapsed, got %d available", got)
	}
}

func TestClient_RecordEndpointSuccessResetsFailureStreak(t *testing.T) {
	c := New(Config{
		BaseURLs:                    []string{"https://a.example.com"},
		PerEndpointFailureThreshold: 2,
		PerEndpointCooldown:         time.Hour,
	})

	c.RecordEndpointFailure("https://a.example.com")
	c.RecordEndpointSuccess("https://a.example.com")
	c.RecordEndpointFailure("https://a.example.com")

	if got := len(c.AvailableEndpoints()); got != 1 {
		t.Errorf("expected a single sub-threshold failure after a reset to not trip cooldown, got %d available", got)
	}
}

func TestNew_DefaultsBaseURLWhenEmpty(t *testing.T) {
	c := New(Config{})
	if len(c.endpoints) != 1 || c.endpoints[0] != "https://cloudcode-pa.googleapis.com" {
		t.Errorf("expected a default base URL when none configured, got %v", c.endpoints)
	}
}

func TestProxyPool_ReusesClientForSameProxyURL(t *testing.T) {
	p := newProxyPool(4)
	c1, err := p.get("http://proxy.example.com:8080")
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	c2, err := p.get("http://proxy.example.com:8080")
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if c1 != c2 {
		t.Error("expected the same proxy URL to reuse the pooled http.Client")
	}
}

func TestProxyPool_EvictsOldestOverCapacity(t *testing.T) {
	p := newProxyPool(2)
	_, _ = p.get("http://a.example.com")
	_, _ = p.get("http://b.example.com")
	_, _ = p.get("http://c.example.com")

	if _, ok := p.items["http://a.example.com"]; ok {
		t.Error("expected the least-recently-used proxy entry to be evicted once over capacity")
	}
	if _, ok := p.items["http://c.example.com"]; !ok {
		t.Error("expected the most recently added proxy entry to remain")
	}
}

func TestProxyPool_InvalidProxyURLErrors(t *testing.T) {
	p := newProxyPool(4)
	if _, err := p.get("://not-a-valid-url"); err == nil {
		t.Error("expected an invalid proxy URL to return an error")
	}
}
