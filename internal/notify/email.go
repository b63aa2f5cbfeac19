package notify

import (
	"context"
	"fmt"
	"net"
	"net/smtp"
	"strings"
)

// EmailConfig describes an SMTP relay.
type EmailConfig struct {
	Addr     string // host:port
	Username string
	Password string
	From     string
	To       []string
}

// EmailNotifier mails alerts through SMTP.
type EmailNotifier struct {
	cfg      EmailConfig
	sendMail func(addr string, a smtp.Auth, from string, to []string, msg []byte) error
}

// NewEmailNotifier creates a notifier.
func NewEmailNotifier(cfg EmailConfig) *EmailNotifier {
	return &EmailNotifier{cfg: cfg, sendMail: smtp.SendMail}
}

func (e *EmailNotifier) Name() string { return "email" }

func (e *EmailNotifier) Send(ctx context.Context, n Notification) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	var auth smtp.Auth
	if e.cfg.Username != "" {
		host, _, err := net.SplitHostPort(e.cfg.Addr)
		if err != nil {
			return fmt.Errorf("email: bad address %q: %w", e.cfg.Addr, err)
		}
		auth = smtp.PlainAuth("", e.cfg.Username, e.cfg.Password, host)
	}
	if err := e.sendMail(e.cfg.Addr, auth, e.cfg.From, e.cfg.To, e.message(n)); err != nil {
		return fmt.Errorf("email: %w", err)
	}
	return nil
}

func (e *EmailNotifier) message(n Notification) []byte {
	var b strings.Builder
	fmt.Fprintf(&b, "From: %s\r\n", e.cfg.From)
	fmt.Fprintf(&b, "To: %s\r\n", strings.Join(e.cfg.To, ", "))
	fmt.Fprintf(&b, "Subject: [vivarium] %s %s alert\r\n", n.Kind, n.Severity)
	b.WriteString("MIME-Version: 1.0\r\n")
	b.WriteString("Content-Type: text/plain; charset=UTF-8\r\n\r\n")
	b.WriteString(Text(n))
	b.WriteString("\r\n")
	return []byte(b.String())
}
