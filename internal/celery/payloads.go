package celery

import (
	"errors"
	"fmt"
	"net/mail"
	"strings"
)

// Task names registered on the e-mail worker.
const (
	TaskSendBulkEmails         = "send_bulk_emails"
	TaskSendWelcomeEmail       = "send_welcome_email"
	TaskSendPasswordResetEmail = "send_password_reset_email"
	TaskSendSingleEmail        = "send_single_email"
)

var ErrInvalidPayload = errors.New("invalid task payload")

// Payload is a typed task invocation.
type Payload interface {
	TaskName() string
	Args() []any
	Kwargs() map[string]any
	Validate() error
}

type Recipient struct {
	Email string `json:"email"`
	Name  string `json:"name"`
}

type BulkEmail struct {
	Recipients   []Recipient
	Subject      string
	HTMLTemplate string
	TemplateData map[string]any
}

func (BulkEmail) TaskName() string { return TaskSendBulkEmails }
func (BulkEmail) Args() []any { return []any{} }

func (p BulkEmail) Kwargs() map[string]any {
	recipients := p.Recipients
	if recipients == nil {
		recipients = []Recipient{}
	}
	return map[string]any{
		"recipients":    recipients,
		"subject":       p.Subject,
		"html_template": p.HTMLTemplate,
		"template_data": p.TemplateData,
	}
}

func (p BulkEmail) Validate() error {
	if len(p.Recipients) == 0 {
		return invalid("at least one recipient is required")
	}
	for i, r := range p.Recipients {
		if err := checkAddress(r.Email); err != nil {
			return invalid("recipient %d: %v", i, err)
		}
	}
	if strings.TrimSpace(p.Subject) == "" {
		return invalid("subject is required")
	}
	if strings.TrimSpace(p.HTMLTemplate) == "" {
		return invalid("html template is required")
	}
	return nil
}

type WelcomeEmail struct {
	Email string
	Name  string
}

func (WelcomeEmail) TaskName() string { return TaskSendWelcomeEmail }
func (p WelcomeEmail) Args() []any { return []any{p.Email, p.Name} }
func (WelcomeEmail) Kwargs() map[string]any { return map[string]any{} }

func (p WelcomeEmail) Validate() error {
	if err := checkAddress(p.Email); err != nil {
		return invalid("%v", err)
	}
	if strings.TrimSpace(p.Name) == "" {
		return invalid("name is required")
	}
	return nil
}

type PasswordResetEmail struct {
	Email      string
	Name       string
	ResetToken string
}

func (PasswordResetEmail) TaskName() string { return TaskSendPasswordResetEmail }
func (p PasswordResetEmail) Args() []any { return []any{p.Email, p.Name, p.ResetToken} }
func (PasswordResetEmail) Kwargs() map[string]any { return map[string]any{} }

func (p PasswordResetEmail) Validate() error {
	if err := checkAddress(p.Email); err != nil {
		return invalid("%v", err)
	}
	if p.ResetToken == "" {
		return invalid("reset token is required")
	}
	return nil
}

type SingleEmail struct {
	To          string
	Subject     string
	HTMLContent string
	TextContent *string // nil is sent as null
}

func (SingleEmail) TaskName() string { return TaskSendSingleEmail }

func (p SingleEmail) Args() []any {
	return []any{p.To, p.Subject, p.HTMLContent, p.TextContent}
}

func (SingleEmail) Kwargs() map[string]any { return map[string]any{} }

func (p SingleEmail) Validate() error {
	if err := checkAddress(p.To); err != nil {
		return invalid("%v", err)
	}
	if strings.TrimSpace(p.Subject) == "" {
		return invalid("subject is required")
	}
	if p.HTMLContent == "" {
		return invalid("html content is required")
	}
	return nil
}

func checkAddress(addr string) error {
	if strings.TrimSpace(addr) == "" {
		return errors.New("email is required")
	}
	parsed, err := mail.ParseAddress(addr)
	if err != nil {
		return fmt.Errorf("invalid email %q", addr)
	}
	// reject display-name forms; the worker expects a bare address
	if parsed.Address != addr {
		return fmt.Errorf("invalid email %q", addr)
	}
	return nil
}

func invalid(format string, args ...any) error {
	return fmt.Errorf("%w: %s", ErrInvalidPayload, fmt.Sprintf(format, args...))
}
