package retry

import (
	"testing"
	"time"
)

func TestDecide_NoRetryStatusesAreTerminal(t *testing.T) {
	for _, status := range []int{400, 401, 403, 404, 413, 422, 499} {
		action := Decide(status, 1, ProtocolAnthropic)
		if action.Strategy != NoRetry {
			t.Errorf("expected status %d to be NoRetry, got strategy %v", status, action.Strategy)
		}
	}
}

func TestDecide_AuthFailuresRotateAccount(t *testing.T) {
	for _, status := range []int{401, 403} {
		action := Decide(status, 1, ProtocolAnthropic)
		if !action.RotateAccount {
			t.Errorf("expected status %d to rotate account even though it is terminal", status)
		}
	}
}

func TestDecide_429RotatesAndUsesFixedDelay(t *testing.T) {
	action := Decide(429, 1, ProtocolAnthropic)
	if action.Strategy != FixedDelay {
		t.Errorf("expected 429 to use FixedDelay, got %v", action.Strategy)
	}
	if !action.RotateAccount {
		t.Error("expected 429 to rotate account")
	}
	if action.Delay != time.Second {
		t.Errorf("expected 429 base delay of 1s on the Anthropic protocol, got %v", action.Delay)
	}
}

func TestDecide_ExponentialBackoffGrowsAndCaps(t *testing.T) {
	prev := time.Duration(0)
	for attempt := 1; attempt <= 6; attempt++ {
		action := Decide(500, attempt, ProtocolAnthropic)
		if action.Delay < prev {
			t.Errorf("expected non-decreasing delay across attempts, attempt=%d delay=%v prev=%v", attempt, action.Delay, prev)
		}
		prev = action.Delay
	}
	if prev > 10*time.Second {
		t.Errorf("expected 500's backoff to be capped at 10s, got %v", prev)
	}
}

func TestDecide_ProtocolScaleAppliesToNonAnthropic(t *testing.T) {
	anthropic := Decide(500, 2, ProtocolAnthropic)
	openai := Decide(500, 2, ProtocolOpenAI)
	if openai.Delay >= anthropic.Delay {
		t.Errorf("expected OpenAI's 0.75 scale to produce a shorter delay than Anthropic's 1.0 scale: openai=%v anthropic=%v", openai.Delay, anthropic.Delay)
	}
}

func TestDecide_UnknownStatusFallsBackToDefaultRule(t *testing.T) {
	action := Decide(418, 1, ProtocolAnthropic)
	if action.Strategy != ExponentialBackoff {
		t.Errorf("expected an unlisted status to use the default exponential-backoff rule, got %v", action.Strategy)
	}
	if !action.RotateAccount {
		t.Error("expected the default rule to rotate account")
	}
}

func TestDecideTransport_AlwaysRotatesAndCaps(t *testing.T) {
	action := DecideTransport(1, ProtocolAnthropic)
	if !action.RotateAccount {
		t.Error("expected a transport failure to always rotate account")
	}

	far := DecideTransport(20, ProtocolAnthropic)
	if far.Delay > 10*time.Second {
		t.Errorf("expected transport backoff to be capped at 10s, got %v", far.Delay)
	}
}

// MAX_RETRY_ATTEMPTS boundary: the engine itself is attempt-count agnostic,
// but Excluded is what the scheduler uses to recognize every account has
// already been tried once MaxRetryAttempts is reached.
func TestExcluded_TracksUpToMaxRetryAttempts(t *testing.T) {
	ex := NewExcluded()
	for i := 0; i < MaxRetryAttempts; i++ {
		ex.Add(string(rune('a' + (i % 26))))
	}
	if ex.Len() == 0 {
		t.Error("expected Excluded to retain added accounts")
	}
	if !ex.Contains("a") {
		t.Error("expected Excluded to report a previously-added account as contained")
	}
	if ex.Contains("never-added") {
		t.Error("expected Excluded to report an account never added as not contained")
	}
}
