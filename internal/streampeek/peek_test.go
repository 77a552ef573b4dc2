package streampeek

import (
	"context"
	"errors"
	"io"
	"strings"
	"testing"
	"time"
)

func testConfig() Config {
	return Config{
		MaxHeartbeats:      3,
		MaxPeekDuration:    time.Second,
		SingleChunkTimeout: time.Second,
	}
}

// Boundary: a stream that emits exactly max_heartbeats heartbeats then ends
// must be treated as empty and retried, not as a timeout.
func TestPeek_ExactlyMaxHeartbeatsThenEOF_Retries(t *testing.T) {
	body := strings.Repeat(":keepalive\n", 3)
	_, err := Peek(context.Background(), strings.NewReader(body), testConfig())

	var retryable *RetryableError
	if !errors.As(err, &retryable) {
		t.Fatalf("expected a *RetryableError, got %v", err)
	}
	if retryable.Reason != ReasonEmpty {
		t.Errorf("expected ReasonEmpty for exactly-max-heartbeats-then-EOF, got %v", retryable.Reason)
	}
}

// Boundary: a stream that emits exactly max_heartbeats heartbeats then a
// real data frame must yield that data, not a retry.
func TestPeek_ExactlyMaxHeartbeatsThenData_Succeeds(t *testing.T) {
	body := strings.Repeat(":keepalive\n", 3) + "data: {\"type\":\"message_start\"}\n"
	result, err := Peek(context.Background(), strings.NewReader(body), testConfig())
	if err != nil {
		t.Fatalf("expected a successful peek, got error %v", err)
	}
	if result.FirstLine != `data: {"type":"message_start"}` {
		t.Errorf("unexpected FirstLine: %q", result.FirstLine)
	}
}

// One heartbeat beyond the budget must retry as a timeout, not as empty.
func TestPeek_MoreThanMaxHeartbeats_TimesOut(t *testing.T) {
	body := strings.Repeat(":keepalive\n", 4)
	_, err := Peek(context.Background(), strings.NewReader(body), testConfig())

	var retryable *RetryableError
	if !errors.As(err, &retryable) {
		t.Fatalf("expected a *RetryableError, got %v", err)
	}
	if retryable.Reason != ReasonTimeout {
		t.Errorf("expected ReasonTimeout once heartbeats exceed the budget, got %v", retryable.Reason)
	}
}

func TestPeek_EmptyStream_ReturnsEmptyReason(t *testing.T) {
	_, err := Peek(context.Background(), strings.NewReader(""), testConfig())

	var retryable *RetryableError
	if !errors.As(err, &retryable) {
		t.Fatalf("expected a *RetryableError, got %v", err)
	}
	if retryable.Reason != ReasonEmpty {
		t.Errorf("expected ReasonEmpty for a stream with zero lines, got %v", retryable.Reason)
	}
}

func TestPeek_ImmediateData_Succeeds(t *testing.T) {
	body := "data: {\"type\":\"ping\"}\n"
	result, err := Peek(context.Background(), strings.NewReader(body), testConfig())
	if err != nil {
		t.Fatalf("expected success, got %v", err)
	}
	if result.FirstLine != `data: {"type":"ping"}` {
		t.Errorf("unexpected FirstLine: %q", result.FirstLine)
	}

	rest, err := io.ReadAll(result.Stream)
	if err != nil {
		t.Fatalf("unexpected error reading replayed stream: %v", err)
	}
	if !strings.Contains(string(rest), `"type":"ping"`) {
		t.Errorf("expected the replayed stream to still contain the peeked data line, got %q", rest)
	}
}

type erroringReader struct{}

func (erroringReader) Read([]byte) (int, error) {
	return 0, errors.New("connection reset")
}

func TestPeek_TransportError_IsRetryable(t *testing.T) {
	_, err := Peek(context.Background(), erroringReader{}, testConfig())

	var retryable *RetryableError
	if !errors.As(err, &retryable) {
		t.Fatalf("expected a *RetryableError, got %v", err)
	}
	if retryable.Reason != ReasonTransport {
		t.Errorf("expected ReasonTransport for a non-EOF read error, got %v", retryable.Reason)
	}
}
