package reporter

import (
	"bytes"
	"context"
	"crypto/tls"
	"fmt"
	"net/smtp"
	"time"

	"github.com/jordan-wright/email"

	"bounce-sentinel-go/internal/config"
)

// SMTPTransport delivers reports over SMTP with the report CSV attached.
type SMTPTransport struct {
	cfg        config.SMTPConfig
	sender     string
	recipients []string
}

func NewSMTPTransport(cfg config.SMTPConfig, sender string, recipients []string) *SMTPTransport {
	return &SMTPTransport{cfg: cfg, sender: sender, recipients: recipients}
}

func (t *SMTPTransport) Send(ctx context.Context, r *Report) error {
	e := email.NewEmail()
	e.From = t.sender
	e.To = t.recipients
	e.Subject = r.Subject
	e.Text = []byte(r.Summary)

	filename := fmt.Sprintf("bounces-%s.csv", time.Now().UTC().Format("2006-01-02"))
	if _, err := e.Attach(bytes.NewReader(r.CSV), filename, "text/csv"); err != nil {
		return fmt.Errorf("failed to attach report: %w", err)
	}

	addr := fmt.Sprintf("%s:%d", t.cfg.Host, t.cfg.Port)
	var auth smtp.Auth
	if t.cfg.Username != "" {
		auth = smtp.PlainAuth("", t.cfg.Username, t.cfg.Password, t.cfg.Host)
	}

	if t.cfg.Secure {
		return e.SendWithTLS(addr, auth, &tls.Config{ServerName: t.cfg.Host})
	}
	return e.Send(addr, auth)
}
