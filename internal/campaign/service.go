package campaign

import (
	"context"
	"errors"
	"fmt"

	"go.opentelemetry.io/otel/attribute"

	"github.com/codesense/codesense/internal/celery"
	"github.com/codesense/codesense/internal/logging"
	"github.com/codesense/codesense/internal/metrics"
	"github.com/codesense/codesense/internal/notify"
	"github.com/codesense/codesense/internal/tracing"
	"github.com/codesense/codesense/internal/users"
)

type Repository interface {
	Create(ctx context.Context, c Campaign) (Campaign, error)
	List(ctx context.Context, limit int) ([]Campaign, error)
	Update(ctx context.Context, id string, p Patch) (Campaign, error)
	ApplyTaskState(ctx context.Context, taskID string, u TaskUpdate) (before, after Campaign, err error)
}

// Directory resolves recipients.
type Directory interface {
	FindByIDs(ctx context.Context, ids []string) ([]users.User, error)
	FindByRole(ctx context.Context, role string) ([]users.User, error)
}

type Sender interface {
	Send(ctx context.Context, p celery.Payload, opts ...celery.SendOption) (celery.Submission, error)
}

type ResultReader interface {
	GetResult(ctx context.Context, taskID string) celery.Result
}

type Notifier interface {
	Publish(ctx context.Context, e notify.Event)
}

type Service struct {
	repo    Repository
	dir     Directory
	sender  Sender
	results ResultReader
	notify  Notifier
	log     *logging.Logger

	onSubmit func(Submitted)
}

func NewService(repo Repository, dir Directory, sender Sender, results ResultReader, n Notifier, log *logging.Logger) *Service {
	if log == nil {
		log = logging.New("codesense")
	}
	return &Service{repo: repo, dir: dir, sender: sender, results: results, notify: n, log: log}
}

// SubmitBulk sends to the selected users.
func (s *Service) SubmitBulk(ctx context.Context, admin Admin, req BulkRequest) (Submitted, error) {
	if err := req.Validate(); err != nil {
		return Submitted{}, err
	}
	recipients, err := s.dir.FindByIDs(ctx, req.UserIDs)
	if err != nil {
		return Submitted{}, fmt.Errorf("load recipients: %w", err)
	}
	return s.submit(ctx, admin, recipients, req.Subject, req.HTMLTemplate, req.TemplateData)
}

// SubmitAll sends to every user, or to one role.
func (s *Service) SubmitAll(ctx context.Context, admin Admin, req AllRequest) (Submitted, error) {
	if err := req.Validate(); err != nil {
		return Submitted{}, err
	}
	recipients, err := s.dir.FindByRole(ctx, req.RoleFilter)
	if err != nil {
		return Submitted{}, fmt.Errorf("load recipients: %w", err)
	}
	return s.submit(ctx, admin, recipients, req.Subject, req.HTMLTemplate, req.TemplateData)
}

// submit records the campaign before pushing the task, so a task id that
// polls as PENDING always has a tracking record. A failed push marks the
// record failed.
func (s *Service) submit(ctx context.Context, admin Admin, recipients []users.User, subject, html string, data map[string]any) (Submitted, error) {
	ctx, span := tracing.StartSpan(ctx, "campaign.submit",
		attribute.String("admin_id", admin.ID),
		attribute.Int("recipients", len(recipients)),
	)
	defer span.End()

	if len(recipients) == 0 {
		return Submitted{}, ErrNoRecipients
	}
	payload := celery.BulkEmail{
		Recipients:   make([]celery.Recipient, 0, len(recipients)),
		Subject:      subject,
		HTMLTemplate: html,
		TemplateData: data,
	}
	for _, u := range recipients {
		payload.Recipients = append(payload.Recipients, celery.Recipient{Email: u.Email, Name: u.Name})
	}
	if err := payload.Validate(); err != nil {
		return Submitted{}, invalid("%v", err)
	}

	taskID := celery.NewTaskID()
	c, err := s.repo.Create(ctx, Campaign{
		Admin:      admin,
		Subject:    subject,
		TaskID:     taskID,
		Recipients: len(recipients),
		Status:     StatusQueued,
	})
	if err != nil {
		tracing.SetSpanError(ctx, err)
		return Submitted{}, fmt.Errorf("create campaign: %w", err)
	}
	span.SetAttributes(tracing.AttrCampaignID.String(c.ID), tracing.AttrTaskID.String(taskID))

	if _, err := s.sender.Send(ctx, payload, celery.WithTaskID(taskID)); err != nil {
		tracing.SetSpanError(ctx, err)
		failed := StatusFailed
		if _, uerr := s.repo.Update(ctx, c.ID, Patch{Status: &failed}); uerr != nil {
			s.log.WithContext(ctx).WithCampaign(c.ID).WithError(uerr).Error("mark campaign failed")
		}
		metrics.RecordCampaign(templateLabel(data), string(StatusFailed))
		return Submitted{}, fmt.Errorf("queue bulk email: %w", err)
	}

	metrics.RecordCampaign(templateLabel(data), string(StatusQueued))
	s.log.WithContext(ctx).
		WithUser(admin.ID).
		WithCampaign(c.ID).
		WithTask(taskID).
		WithField("recipients", len(recipients)).
		Info("bulk email campaign queued")

	ev := notify.NewEvent(notify.TypeCampaignSubmitted, c.ID, taskID, string(StatusQueued))
	ev.Recipients = len(recipients)
	s.notify.Publish(ctx, ev)

	sub := Submitted{TaskID: taskID, Recipients: len(recipients), CampaignID: c.ID}
	if s.onSubmit != nil {
		s.onSubmit(sub)
	}
	return sub, nil
}

// OnSubmit registers fn to run after every successfully queued campaign.
// It must not block.
func (s *Service) OnSubmit(fn func(Submitted)) {
	s.onSubmit = fn
}

// templateLabel keeps metric cardinality bounded.
func templateLabel(data map[string]any) string {
	if id, ok := data["template_id"].(string); ok {
		switch id {
		case "announcement", "feature_update", "maintenance":
			return id
		}
	}
	return "custom"
}

// TaskStatus polls the result backend and mirrors the state onto the
// campaign tracking the task, if any. Polling never fails; storage errors
// are logged. An unreadable backend is reported to the caller but not
// stored, and a status change event is published only when the campaign
// actually moved.
func (s *Service) TaskStatus(ctx context.Context, taskID string) celery.Result {
	ctx, span := tracing.StartSpan(ctx, "campaign.task_status", tracing.AttrTaskID.String(taskID))
	defer span.End()

	res := s.results.GetResult(ctx, taskID)
	if res.Unavailable() {
		return res
	}

	u := TaskUpdate{Status: StatusFromState(res.State), Progress: res.Meta}
	if res.State == celery.StateSuccess {
		if sum, err := res.BulkSummary(); err == nil {
			u.Sent, u.Failed = &sum.Sent, &sum.Failed
		}
	} else if cur, _, ok := res.Progress(); ok {
		u.Sent = &cur
	}

	before, after, err := s.repo.ApplyTaskState(ctx, taskID, u)
	switch {
	case errors.Is(err, ErrNotFound):
		// tasks sent outside a campaign, such as welcome e-mails
	case err != nil:
		tracing.SetSpanError(ctx, err)
		s.log.WithContext(ctx).WithTask(taskID).WithError(err).Error("mirror task state onto campaign")
	case changed(before, after):
		ev := notify.NewEvent(notify.TypeCampaignStatusChanged, after.ID, taskID, string(after.Status))
		ev.Recipients, ev.Sent, ev.Failed = after.Recipients, after.Sent, after.Failed
		s.notify.Publish(ctx, ev)
	}
	return res
}

func (s *Service) List(ctx context.Context, limit int) ([]Campaign, error) {
	return s.repo.List(ctx, limit)
}

func (s *Service) Update(ctx context.Context, id string, p Patch) (Campaign, error) {
	if err := p.Validate(); err != nil {
		return Campaign{}, err
	}
	return s.repo.Update(ctx, id, p)
}
