package mail

import (
	"context"
	"errors"
	"fmt"
	"net"
	"strings"
	"time"

	"github.com/google/uuid"
	"go.uber.org/zap"
	"gopkg.in/gomail.v2"
)

// SMTPConfig holds dialer and sender identity settings.
type SMTPConfig struct {
	Host        string
	Port        int
	Username    string
	Password    string
	FromAddress string
	FromName    string
	SendTimeout time.Duration
}

// SMTPProvider sends through an SMTP relay via gomail.
type SMTPProvider struct {
	cfg    SMTPConfig
	logger *zap.Logger
}

// NewSMTPProvider creates an SMTP-backed provider.
func NewSMTPProvider(cfg SMTPConfig, logger *zap.Logger) *SMTPProvider {
	if logger == nil {
		logger = zap.NewNop()
	}
	if cfg.SendTimeout <= 0 {
		cfg.SendTimeout = 10 * time.Second
	}
	return &SMTPProvider{cfg: cfg, logger: logger}
}

// Send delivers one message. The call is bounded by SendTimeout so a slow
// relay cannot hold a worker slot indefinitely.
func (p *SMTPProvider) Send(ctx context.Context, msg Message) Result {
	m := gomail.NewMessage()
	m.SetAddressHeader("From", p.cfg.FromAddress, p.cfg.FromName)
	if msg.Name != "" {
		m.SetAddressHeader("To", msg.To, msg.Name)
	} else {
		m.SetHeader("To", msg.To)
	}
	m.SetHeader("Subject", msg.Subject)
	m.SetBody("text/html", msg.HTML)
	if msg.Text != "" {
		m.AddAlternative("text/plain", msg.Text)
	}

	sendCtx, cancel := context.WithTimeout(ctx, p.cfg.SendTimeout)
	defer cancel()

	errCh := make(chan error, 1)
	go func() {
		d := gomail.NewDialer(p.cfg.Host, p.cfg.Port, p.cfg.Username, p.cfg.Password)
		errCh <- d.DialAndSend(m)
	}()

	select {
	case <-sendCtx.Done():
		return Result{Err: fmt.Errorf("smtp send timeout after %s", p.cfg.SendTimeout), Retryable: true}
	case err := <-errCh:
		if err != nil {
			return Result{Err: fmt.Errorf("smtp send: %w", err), Retryable: classifyRetryable(err)}
		}
	}
	return Result{Success: true, MessageID: uuid.New().String()}
}

// SendBulk delivers messages one by one against the same relay.
func (p *SMTPProvider) SendBulk(ctx context.Context, msgs []Message) BulkResult {
	out := BulkResult{Results: make([]Result, 0, len(msgs))}
	for _, msg := range msgs {
		res := p.Send(ctx, msg)
		out.Results = append(out.Results, res)
		if res.Success {
			out.TotalSent++
		} else {
			out.TotalFailed++
		}
	}
	return out
}

// TestConnection verifies the relay accepts a connection.
func (p *SMTPProvider) TestConnection(ctx context.Context) error {
	d := net.Dialer{Timeout: p.cfg.SendTimeout}
	conn, err := d.DialContext(ctx, "tcp", fmt.Sprintf("%s:%d", p.cfg.Host, p.cfg.Port))
	if err != nil {
		return fmt.Errorf("smtp connect: %w", err)
	}
	return conn.Close()
}

// classifyRetryable maps SMTP errors to the normalized soft/hard signal.
// 4xx reply codes and network errors are transient; 5xx codes are permanent
// rejections (bad address, policy) that retrying would only repeat.
func classifyRetryable(err error) bool {
	var netErr net.Error
	if errors.As(err, &netErr) {
		return true
	}
	s := err.Error()
	for _, code := range []string{"421", "450", "451", "452"} {
		if strings.Contains(s, code) {
			return true
		}
	}
	for _, code := range []string{"550", "551", "552", "553", "554"} {
		if strings.Contains(s, code) {
			return false
		}
	}
	// Unclassified errors retry; the recipient ceiling still bounds them.
	return true
}
