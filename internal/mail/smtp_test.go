package mail

import (
	"context"
	"errors"
	"net"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
)

func TestClassifyRetryable(t *testing.T) {
	cases := []struct {
		name string
		err  error
		want bool
	}{
		{name: "service unavailable", err: errors.New("421 service not available"), want: true},
		{name: "mailbox busy", err: errors.New("450 mailbox unavailable"), want: true},
		{name: "local error", err: errors.New("451 local error in processing"), want: true},
		{name: "insufficient storage", err: errors.New("452 insufficient system storage"), want: true},
		{name: "no such user", err: errors.New("550 no such user here"), want: false},
		{name: "user not local", err: errors.New("551 user not local"), want: false},
		{name: "message too large", err: errors.New("552 message size exceeds limit"), want: false},
		{name: "bad mailbox name", err: errors.New("553 mailbox name not allowed"), want: false},
		{name: "transaction failed", err: errors.New("554 transaction failed"), want: false},
		{name: "network timeout", err: &net.DNSError{Err: "timeout", IsTimeout: true}, want: true},
		{name: "unclassified", err: errors.New("connection reset by peer"), want: true},
	}
	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			assert.Equal(t, tc.want, classifyRetryable(tc.err))
		})
	}
}

func TestSendTimeoutIsRetryable(t *testing.T) {
	// Unroutable relay: DialAndSend hangs until the send timeout fires.
	p := NewSMTPProvider(SMTPConfig{
		Host:        "10.255.255.1",
		Port:        25,
		FromAddress: "noreply@example.com",
		SendTimeout: 20 * time.Millisecond,
	}, nil)

	res := p.Send(context.Background(), Message{To: "a@example.com", Subject: "x", HTML: "<p>x</p>"})
	assert.False(t, res.Success)
	assert.True(t, res.Retryable, "a timed-out send must stay eligible for retry")
}
