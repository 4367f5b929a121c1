// Package email sends invite mail via SMTP.
package email

import (
	"bytes"
	"errors"
	"fmt"
	"html/template"
	"net/smtp"
	"strings"
	"time"
)

var ErrNotConfigured = errors.New("email not configured")

// Config holds SMTP configuration
type Config struct {
	Host     string
	Port     string
	Username string
	Password string
	From     string
	FromName string
	// PublicURL is where the web client is served, used to build links.
	PublicURL string
}

type sendFunc func(addr string, auth smtp.Auth, from string, to []string, msg []byte) error

// Service provides email sending
type Service struct {
	config Config
	server string
	auth   smtp.Auth
	send   sendFunc
}

func NewService(config Config) *Service {
	var auth smtp.Auth
	if config.Username != "" {
		auth = smtp.PlainAuth("", config.Username, config.Password, config.Host)
	}
	return &Service{
		config: config,
		server: config.Host + ":" + config.Port,
		auth:   auth,
		send:   smtp.SendMail,
	}
}

func (s *Service) IsConfigured() bool {
	return s.config.Host != "" && s.config.Port != "" && s.config.From != ""
}

// SendHTMLEmail sends a multipart message with a plain text fallback.
func (s *Service) SendHTMLEmail(to []string, subject, textBody, htmlBody string) error {
	if !s.IsConfigured() {
		return ErrNotConfigured
	}
	msg := buildMessage(s.sender(), to, subject, textBody, htmlBody)
	if err := s.send(s.server, s.auth, s.config.From, to, msg); err != nil {
		return fmt.Errorf("send mail: %w", err)
	}
	return nil
}

func (s *Service) sender() string {
	if s.config.FromName != "" {
		return fmt.Sprintf("%s <%s>", s.config.FromName, s.config.From)
	}
	return s.config.From
}

func buildMessage(from string, to []string, subject, textBody, htmlBody string) []byte {
	boundary := "marginalia-alt"

	var msg bytes.Buffer
	fmt.Fprintf(&msg, "To: %s\r\n", strings.Join(to, ", "))
	fmt.Fprintf(&msg, "From: %s\r\n", from)
	fmt.Fprintf(&msg, "Subject: %s\r\n", subject)
	fmt.Fprintf(&msg, "MIME-Version: 1.0\r\n")
	fmt.Fprintf(&msg, "Content-Type: multipart/alternative; boundary=\"%s\"\r\n", boundary)
	fmt.Fprintf(&msg, "\r\n")

	fmt.Fprintf(&msg, "--%s\r\n", boundary)
	fmt.Fprintf(&msg, "Content-Type: text/plain; charset=UTF-8\r\n\r\n")
	fmt.Fprintf(&msg, "%s\r\n\r\n", textBody)

	fmt.Fprintf(&msg, "--%s\r\n", boundary)
	fmt.Fprintf(&msg, "Content-Type: text/html; charset=UTF-8\r\n\r\n")
	fmt.Fprintf(&msg, "%s\r\n\r\n", htmlBody)
	fmt.Fprintf(&msg, "--%s--\r\n", boundary)
	return msg.Bytes()
}

type InviteData struct {
	AppName   string
	Code      string
	Role      string
	InviteURL string
	ExpiresAt time.Time
}

// SendInvite mails an invite code with a registration link.
func (s *Service) SendInvite(to, code, role string, expiresAt time.Time) error {
	data := InviteData{
		AppName:   "Marginalia",
		Code:      code,
		Role:      role,
		InviteURL: strings.TrimRight(s.config.PublicURL, "/") + "/register?invite=" + code,
		ExpiresAt: expiresAt,
	}

	html, err := renderTemplate(inviteTemplate, data)
	if err != nil {
		return fmt.Errorf("render invite template: %w", err)
	}
	text := fmt.Sprintf("You have been invited to %s as %s.\r\nInvite code: %s\r\nRegister: %s\r\nThe code expires %s.",
		data.AppName, role, code, data.InviteURL, expiresAt.UTC().Format(time.RFC1123))

	return s.SendHTMLEmail([]string{to}, "You're invited to Marginalia", text, html)
}

var inviteTemplate = template.Must(template.New("invite").Parse(inviteEmailTemplate))

func renderTemplate(t *template.Template, data interface{}) (string, error) {
	var buf bytes.Buffer
	if err := t.Execute(&buf, data); err != nil {
		return "", err
	}
	return buf.String(), nil
}

const inviteEmailTemplate = `<!DOCTYPE html>
<html>
<head>
    <meta charset="UTF-8">
    <title>Join {{.AppName}}</title>
    <style>
        body { font-family: -apple-system, BlinkMacSystemFont, 'Segoe UI', Roboto, sans-serif; line-height: 1.6; color: #333; max-width: 600px; margin: 0 auto; padding: 20px; }
        .button { display: inline-block; padding: 12px 24px; background: #0066cc; color: white; text-decoration: none; border-radius: 4px; margin: 20px 0; }
        .code { font-family: monospace; font-size: 18px; background: #f5f5f5; padding: 8px 12px; }
        .footer { margin-top: 30px; padding-top: 20px; border-top: 1px solid #eee; font-size: 12px; color: #666; }
    </style>
</head>
<body>
    <h1>{{.AppName}}</h1>
    <p>You have been invited to join as <strong>{{.Role}}</strong>.</p>
    <p>Your invite code:</p>
    <p class="code">{{.Code}}</p>
    <p><a href="{{.InviteURL}}" class="button">Create your account</a></p>
    <div class="footer">
        <p>This invite expires {{.ExpiresAt.Format "Jan 2, 2006 15:04 MST"}} and can be used once.</p>
    </div>
</body>
</html>`
