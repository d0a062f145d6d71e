package email

import (
	"bytes"
	"context"
	"crypto/tls"
	"encoding/json"
	"fmt"
	"mime"
	"net"
	"net/mail"
	"net/smtp"
	"strconv"
	"strings"
	"time"

	"go.uber.org/zap"

	"github.com/BaSui01/voxagent/llm/tools"
)

// Config 配置 SMTP 发信。
type Config struct {
	Host     string        `yaml:"host" json:"host" env:"SMTP_HOST"`
	Port     int           `yaml:"port" json:"port" env:"SMTP_PORT"`
	Username string        `yaml:"username" json:"username" env:"SMTP_USERNAME"`
	Password string        `yaml:"password" json:"-" env:"SMTP_PASSWORD"`
	From     string        `yaml:"from" json:"from" env:"SMTP_FROM"`
	Timeout  time.Duration `yaml:"timeout" json:"timeout"`
}

// DefaultConfig returns Gmail STARTTLS settings without credentials.
func DefaultConfig() Config {
	return Config{
		Host:    "smtp.gmail.com",
		Port:    587,
		Timeout: 30 * time.Second,
	}
}

// Sender delivers an RFC 5322 message.
type Sender interface {
	Send(ctx context.Context, from string, to []string, msg []byte) error
}

// EmailTools 提供 send_email 工具（需要用户确认）。
type EmailTools struct {
	config Config
	sender Sender
	logger *zap.Logger
	now    func() time.Time
}

// New creates email tools. A nil sender uses SMTPSender built from config.
func New(config Config, sender Sender, logger *zap.Logger) *EmailTools {
	if logger == nil {
		logger = zap.NewNop()
	}
	defaults := DefaultConfig()
	if config.Host == "" {
		config.Host = defaults.Host
	}
	if config.Port == 0 {
		config.Port = defaults.Port
	}
	if config.Timeout <= 0 {
		config.Timeout = defaults.Timeout
	}
	if config.From == "" {
		config.From = config.Username
	}
	if sender == nil {
		sender = &SMTPSender{config: config}
	}
	return &EmailTools{
		config: config,
		sender: sender,
		logger: logger.With(zap.String("component", "email_tools")),
		now:    time.Now,
	}
}

type sendArgs struct {
	To      string `json:"to" jsonschema:"description=Recipient email address"`
	Subject string `json:"subject" jsonschema:"description=Subject line"`
	Message string `json:"message" jsonschema:"description=Plain text body"`
	CC      string `json:"cc,omitempty" jsonschema:"description=Optional CC address"`
}

// Tools returns the email tools for registration.
func (e *EmailTools) Tools() []tools.Tool {
	return []tools.Tool{{
		Name:        "send_email",
		Description: "Send a plain text email, optionally with one CC recipient. Requires the user's confirmation.",
		Parameters:  tools.GenerateSchema[sendArgs](),
		Handler:     tools.Typed(e.sendEmail),
		Timeout:     e.config.Timeout,
		Sensitive:   true,
		Describe: func(raw json.RawMessage) string {
			a, err := tools.Bind[sendArgs](raw)
			if err != nil || a.To == "" {
				return ""
			}
			return fmt.Sprintf("send an email to %s with subject %q", a.To, a.Subject)
		},
	}}
}

func (e *EmailTools) sendEmail(ctx context.Context, a sendArgs) (string, error) {
	if e.config.Username == "" || e.config.Password == "" {
		e.logger.Error("smtp credentials not configured")
		return "Email sending failed: email credentials not configured", nil
	}

	to, err := mail.ParseAddress(strings.TrimSpace(a.To))
	if err != nil {
		return fmt.Sprintf("Email sending failed: invalid recipient %q", a.To), nil
	}
	recipients := []string{to.Address}
	var cc *mail.Address
	if strings.TrimSpace(a.CC) != "" {
		cc, err = mail.ParseAddress(strings.TrimSpace(a.CC))
		if err != nil {
			return fmt.Sprintf("Email sending failed: invalid cc address %q", a.CC), nil
		}
		recipients = append(recipients, cc.Address)
	}

	msg := buildMessage(e.config.From, to, cc, a.Subject, a.Message, e.now())
	e.logger.Debug("sending email", zap.String("to", to.Address), zap.String("subject", a.Subject))

	if err := e.sender.Send(ctx, e.config.From, recipients, msg); err != nil {
		e.logger.Error("send email failed", zap.String("to", to.Address), zap.Error(err))
		return fmt.Sprintf("An unexpected error occurred while sending email: %s", err.Error()), nil
	}
	e.logger.Info("email sent", zap.String("to", to.Address))
	return fmt.Sprintf("Email sent successfully to %s", to.Address), nil
}

func buildMessage(from string, to, cc *mail.Address, subject, body string, now time.Time) []byte {
	var b bytes.Buffer
	fmt.Fprintf(&b, "From: %s\r\n", from)
	fmt.Fprintf(&b, "To: %s\r\n", to.String())
	if cc != nil {
		fmt.Fprintf(&b, "Cc: %s\r\n", cc.String())
	}
	fmt.Fprintf(&b, "Subject: %s\r\n", mime.QEncoding.Encode("utf-8", subject))
	fmt.Fprintf(&b, "Date: %s\r\n", now.Format(time.RFC1123Z))
	b.WriteString("MIME-Version: 1.0\r\n")
	b.WriteString("Content-Type: text/plain; charset=\"utf-8\"\r\n")
	b.WriteString("Content-Transfer-Encoding: 8bit\r\n\r\n")
	b.WriteString(strings.ReplaceAll(strings.ReplaceAll(body, "\r\n", "\n"), "\n", "\r\n"))
	b.WriteString("\r\n")
	return b.Bytes()
}

// SMTPSender 通过 SMTP + STARTTLS 发信。
type SMTPSender struct {
	config Config
}

// NewSMTPSender creates a sender for the configured server.
func NewSMTPSender(config Config) *SMTPSender {
	return &SMTPSender{config: config}
}

// Send implements Sender.
func (s *SMTPSender) Send(ctx context.Context, from string, to []string, msg []byte) error {
	addr := net.JoinHostPort(s.config.Host, strconv.Itoa(s.config.Port))
	dialer := &net.Dialer{Timeout: s.config.Timeout}
	conn, err := dialer.DialContext(ctx, "tcp", addr)
	if err != nil {
		return fmt.Errorf("dial smtp: %w", err)
	}
	if deadline, ok := ctx.Deadline(); ok {
		_ = conn.SetDeadline(deadline)
	}

	c, err := smtp.NewClient(conn, s.config.Host)
	if err != nil {
		conn.Close()
		return fmt.Errorf("smtp handshake: %w", err)
	}
	defer c.Close()

	if ok, _ := c.Extension("STARTTLS"); ok {
		if err := c.StartTLS(&tls.Config{ServerName: s.config.Host, MinVersion: tls.VersionTLS12}); err != nil {
			return fmt.Errorf("starttls: %w", err)
		}
	}
	if s.config.Username != "" {
		auth := smtp.PlainAuth("", s.config.Username, s.config.Password, s.config.Host)
		if err := c.Auth(auth); err != nil {
			return fmt.Errorf("smtp auth: %w", err)
		}
	}
	if err := c.Mail(from); err != nil {
		return fmt.Errorf("smtp mail from: %w", err)
	}
	for _, rcpt := range to {
		if err := c.Rcpt(rcpt); err != nil {
			return fmt.Errorf("smtp rcpt %s: %w", rcpt, err)
		}
	}
	w, err := c.Data()
	if err != nil {
		return fmt.Errorf("smtp data: %w", err)
	}
	if _, err := w.Write(msg); err != nil {
		return fmt.Errorf("write message: %w", err)
	}
	if err := w.Close(); err != nil {
		return fmt.Errorf("finish message: %w", err)
	}
	return c.Quit()
}
