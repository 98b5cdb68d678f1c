package notification

import (
	"context"
	"crypto/tls"
	"fmt"
	"strings"
	"time"

	"gopkg.in/gomail.v2"
)

type SMTPConfig struct {
	Host     string
	Port     int
	Username string
	Password string
	From     string
	// UseTLS dials with implicit TLS (port 465). Otherwise STARTTLS is used
	// when the server offers it.
	UseTLS  bool
	Timeout time.Duration
}

// SMTPSender delivers email through gomail.
type SMTPSender struct {
	cfg  SMTPConfig
	dial func(m ...*gomail.Message) error
}

func NewSMTPSender(cfg SMTPConfig) (*SMTPSender, error) {
	if strings.TrimSpace(cfg.From) == "" {
		return nil, fmt.Errorf("smtp sender: from address is required")
	}
	if cfg.Timeout <= 0 {
		cfg.Timeout = 30 * time.Second
	}

	d := gomail.NewDialer(cfg.Host, cfg.Port, cfg.Username, cfg.Password)
	d.SSL = cfg.UseTLS
	d.TLSConfig = &tls.Config{ServerName: cfg.Host, MinVersion: tls.VersionTLS12}

	return &SMTPSender{cfg: cfg, dial: d.DialAndSend}, nil
}

func (s *SMTPSender) SendEmail(ctx context.Context, to string, r Rendered) error {
	msg, err := buildMessage(s.cfg.From, to, r)
	if err != nil {
		return err
	}

	// gomail has no context support; bound the dial ourselves.
	done := make(chan error, 1)
	go func() { done <- s.dial(msg) }()

	wait := s.cfg.Timeout
	if dl, ok := ctx.Deadline(); ok {
		if left := time.Until(dl); left > 0 && left < wait {
			wait = left
		}
	}
	timer := time.NewTimer(wait)
	defer timer.Stop()

	select {
	case err := <-done:
		if err != nil {
			return &SendError{Provider: "smtp", Err: err}
		}
		return nil
	case <-ctx.Done():
		return ctx.Err()
	case <-timer.C:
		return &SendError{Provider: "smtp", Err: context.DeadlineExceeded}
	}
}

func buildMessage(from, to string, r Rendered) (*gomail.Message, error) {
	to = strings.TrimSpace(to)
	if to == "" || !strings.Contains(to, "@") {
		return nil, fmt.Errorf("%w: %q", ErrInvalidRecipient, to)
	}
	if strings.TrimSpace(r.Text) == "" && strings.TrimSpace(r.HTML) == "" {
		return nil, fmt.Errorf("smtp sender: empty body")
	}

	m := gomail.NewMessage()
	m.SetHeader("From", from)
	m.SetHeader("To", to)
	m.SetHeader("Subject", r.Title)

	switch {
	case r.Text != "" && r.HTML != "":
		m.SetBody("text/plain", r.Text)
		m.AddAlternative("text/html", r.HTML)
	case r.HTML != "":
		m.SetBody("text/html", r.HTML)
	default:
		m.SetBody("text/plain", r.Text)
	}
	return m, nil
}
