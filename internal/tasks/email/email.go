// ABOUTME: Email module: Email.Send delivers a plaintext (optionally HTML) message over SMTP with go-mail.
// ABOUTME: Dial-per-send; a failed send retries to all recipients.
package email

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"strings"

	"github.com/wneessen/go-mail"

	"github.com/Ansteorra/KMP-sub014/internal/task"
)

// ModuleName prefixes every task in this package.
const ModuleName = "Email"

// SMTPConfig holds SMTP connection parameters sourced from env vars.
type SMTPConfig struct {
	Host     string
	Port     int
	From     string
	FromName string
	Username string
	Password string
	TLS      bool
}

// SendPayload is the payload of Email.Send.
type SendPayload struct {
	To      Recipients `json:"to"`
	Subject string     `json:"subject"`
	Body    string     `json:"body"`
	HTML    string     `json:"html"`
}

// Recipients decodes from a single address or a list of addresses.
type Recipients []string

func (r *Recipients) UnmarshalJSON(data []byte) error {
	var one string
	if err := json.Unmarshal(data, &one); err == nil {
		if one == "" {
			*r = nil
		} else {
			*r = Recipients{one}
		}
		return nil
	}
	var many []string
	if err := json.Unmarshal(data, &many); err != nil {
		return fmt.Errorf("recipients: want an address or a list of addresses: %w", err)
	}
	*r = many
	return nil
}

// Module returns the Email module bound to cfg.
func Module(cfg SMTPConfig) task.Module {
	return task.Module{
		Name:  ModuleName,
		Tasks: []task.Task{NewSend(cfg)},
	}
}

// NewSend returns the Email.Send task.
func NewSend(cfg SMTPConfig) *task.Definition[SendPayload] {
	return task.NewDefinition("Send", func(ctx context.Context, p SendPayload, _ int64) error {
		return Send(ctx, cfg, p)
	})
}

// Send delivers p to all recipients in a single message. Uses DialAndSend;
// no persistent SMTP connection.
func Send(ctx context.Context, cfg SMTPConfig, p SendPayload) error {
	if len(p.To) == 0 {
		return errors.New("email send: no recipients")
	}

	// Strip CR/LF from subject to prevent header injection.
	subject := strings.NewReplacer("\r", "", "\n", "").Replace(p.Subject)

	m := mail.NewMsg()
	fromName := cfg.FromName
	if fromName == "" {
		fromName = "Queue"
	}
	if err := m.FromFormat(fromName, cfg.From); err != nil {
		return fmt.Errorf("email send: set from: %w", err)
	}
	if err := m.To(p.To...); err != nil {
		return fmt.Errorf("email send: set to: %w", err)
	}
	m.Subject(subject)
	m.SetBodyString(mail.TypeTextPlain, p.Body)
	if p.HTML != "" {
		m.AddAlternativeString(mail.TypeTextHTML, p.HTML)
	}

	opts := []mail.Option{
		mail.WithPort(cfg.Port),
	}
	if cfg.Username != "" {
		opts = append(opts,
			mail.WithSMTPAuth(mail.SMTPAuthPlain),
			mail.WithUsername(cfg.Username),
			mail.WithPassword(cfg.Password),
		)
	}
	if cfg.TLS {
		opts = append(opts, mail.WithTLSPortPolicy(mail.TLSMandatory))
	} else {
		opts = append(opts, mail.WithTLSPortPolicy(mail.TLSOpportunistic))
	}

	c, err := mail.NewClient(cfg.Host, opts...)
	if err != nil {
		return fmt.Errorf("email send: create client: %w", err)
	}
	if err := c.DialAndSendWithContext(ctx, m); err != nil {
		return fmt.Errorf("email send: %w", err)
	}
	return nil
}
