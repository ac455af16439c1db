// Package mail defines the outbound mail-transport boundary. Concrete
// providers (SMTP here; HTTP APIs elsewhere) sit behind one contract that
// normalizes hard vs. soft failures into a Retryable flag, so retry policy
// upstream is a decision over a value rather than provider-specific error
// inspection.
package mail

import "context"

// Message is one outbound email.
type Message struct {
	To      string
	Name    string
	Subject string
	HTML    string
	Text    string
}

// Result is the normalized outcome of one send attempt.
type Result struct {
	Success   bool
	MessageID string
	Err       error
	// Retryable marks soft failures (timeouts, 4xx SMTP codes) that may
	// succeed on a later attempt. Hard bounces set Success=false,
	// Retryable=false and must not be retried.
	Retryable bool
}

// BulkResult aggregates per-message outcomes of a bulk send.
type BulkResult struct {
	Results     []Result
	TotalSent   int
	TotalFailed int
}

// Provider is the mail-transport capability the pipeline consumes.
type Provider interface {
	Send(ctx context.Context, msg Message) Result
	SendBulk(ctx context.Context, msgs []Message) BulkResult
	TestConnection(ctx context.Context) error
}
