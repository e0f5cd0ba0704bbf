package campaign

import (
	"errors"
	"fmt"
	"time"

	"github.com/codesense/codesense/internal/celery"
)

type Status string

const (
	StatusQueued     Status = "queued"
	StatusProcessing Status = "processing"
	StatusSuccess    Status = "success"
	StatusFailed     Status = "failed"
)

func (s Status) Valid() bool {
	switch s {
	case StatusQueued, StatusProcessing, StatusSuccess, StatusFailed:
		return true
	}
	return false
}

// StatusFromState maps a task state onto the campaign status enum.
func StatusFromState(state celery.State) Status {
	switch state {
	case celery.StateSuccess:
		return StatusSuccess
	case celery.StateFailure, celery.StateRevoked:
		return StatusFailed
	case celery.StateProgress, celery.StateStarted, celery.StateReceived, celery.StateRetry:
		return StatusProcessing
	}
	return StatusQueued
}

var (
	ErrNotFound     = errors.New("campaign not found")
	ErrNoRecipients = errors.New("no valid users found")
)

// ValidationError is a client mistake in a request.
type ValidationError struct {
	Msg string
}

func (e *ValidationError) Error() string { return e.Msg }

func invalid(format string, args ...any) error {
	return &ValidationError{Msg: fmt.Sprintf(format, args...)}
}

type Admin struct {
	ID    string `json:"id"`
	Name  string `json:"name,omitempty"`
	Email string `json:"email,omitempty"`
}

type Campaign struct {
	ID         string         `json:"id"`
	Admin      Admin          `json:"admin"`
	Subject    string         `json:"subject"`
	TaskID     string         `json:"taskId"`
	Recipients int            `json:"recipients"`
	Sent       int            `json:"sent"`
	Failed     int            `json:"failed"`
	Status     Status         `json:"status"`
	Progress   map[string]any `json:"progress"`
	CreatedAt  time.Time      `json:"createdAt"`
	UpdatedAt  time.Time      `json:"updatedAt"`
}

// Patch is a partial update; nil fields are left unchanged.
type Patch struct {
	Sent   *int    `json:"sent"`
	Failed *int    `json:"failed"`
	Status *Status `json:"status"`
}

func (p Patch) Validate() error {
	if p.Sent == nil && p.Failed == nil && p.Status == nil {
		return invalid("nothing to update")
	}
	if p.Sent != nil && *p.Sent < 0 {
		return invalid("sent must not be negative")
	}
	if p.Failed != nil && *p.Failed < 0 {
		return invalid("failed must not be negative")
	}
	if p.Status != nil && !p.Status.Valid() {
		return invalid("invalid status %q", *p.Status)
	}
	return nil
}

// Final reports whether a campaign in s has finished.
func (s Status) Final() bool {
	return s == StatusSuccess || s == StatusFailed
}

func (s Status) rank() int {
	switch s {
	case StatusProcessing:
		return 1
	case StatusSuccess, StatusFailed:
		return 2
	}
	return 0
}

// TaskUpdate is what a poll writes back onto the campaign tracking a task.
type TaskUpdate struct {
	Status   Status
	Progress map[string]any
	Sent     *int
	Failed   *int
}

// applyTo returns c with u applied. Campaigns only move forward along
// queued, processing, then success or failed; ok is false when u would
// leave a final state or step back.
func (u TaskUpdate) applyTo(c Campaign) (out Campaign, ok bool) {
	if c.Status.Final() || u.Status.rank() < c.Status.rank() {
		return c, false
	}
	out = c
	out.Status = u.Status
	if u.Progress != nil {
		out.Progress = u.Progress
	}
	if u.Sent != nil {
		out.Sent = *u.Sent
	}
	if u.Failed != nil {
		out.Failed = *u.Failed
	}
	return out, true
}

// changed reports whether a and b differ in anything a subscriber sees.
func changed(a, b Campaign) bool {
	return a.Status != b.Status || a.Sent != b.Sent || a.Failed != b.Failed
}

type BulkRequest struct {
	UserIDs      []string       `json:"userIds"`
	Subject      string         `json:"subject"`
	HTMLTemplate string         `json:"htmlTemplate"`
	TemplateData map[string]any `json:"templateData"`
}

func (r BulkRequest) Validate() error {
	if len(r.UserIDs) == 0 {
		return invalid("No users selected")
	}
	if r.Subject == "" || r.HTMLTemplate == "" {
		return invalid("Subject and email template are required")
	}
	return nil
}

type AllRequest struct {
	Subject      string         `json:"subject"`
	HTMLTemplate string         `json:"htmlTemplate"`
	TemplateData map[string]any `json:"templateData"`
	RoleFilter   string         `json:"roleFilter"`
}

func (r AllRequest) Validate() error {
	if r.Subject == "" || r.HTMLTemplate == "" {
		return invalid("Subject and email template are required")
	}
	switch r.RoleFilter {
	case "", "all", "user", "admin":
		return nil
	}
	return invalid("invalid role filter %q", r.RoleFilter)
}

// Submitted is returned by a successful bulk submission.
type Submitted struct {
	TaskID     string `json:"taskId"`
	Recipients int    `json:"recipients"`
	CampaignID string `json:"campaignId"`
}
