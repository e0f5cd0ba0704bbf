package campaign

import (
	"context"
	"errors"
	"fmt"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgconn"

	"github.com/codesense/codesense/internal/tracing"
)

// DBTX is satisfied by *pgxpool.Pool and pgx.Tx.
type DBTX interface {
	Exec(ctx context.Context, sql string, args ...any) (pgconn.CommandTag, error)
	Query(ctx context.Context, sql string, args ...any) (pgx.Rows, error)
	QueryRow(ctx context.Context, sql string, args ...any) pgx.Row
	Begin(ctx context.Context) (pgx.Tx, error)
}

// Store persists campaigns in Postgres.
type Store struct {
	db DBTX
}

func NewStore(db DBTX) *Store {
	return &Store{db: db}
}

const DefaultListLimit = 20

const selectCampaign = `
	SELECT c.id, c.admin_id, COALESCE(u.name, ''), COALESCE(u.email, ''),
	       c.subject, c.task_id, c.recipients, c.sent, c.failed, c.status,
	       c.progress, c.created_at, c.updated_at
	FROM codesense.email_campaigns c
	LEFT JOIN codesense.users u ON u.id = c.admin_id`

func scanCampaign(row pgx.Row) (Campaign, error) {
	var c Campaign
	err := row.Scan(&c.ID, &c.Admin.ID, &c.Admin.Name, &c.Admin.Email,
		&c.Subject, &c.TaskID, &c.Recipients, &c.Sent, &c.Failed, &c.Status,
		&c.Progress, &c.CreatedAt, &c.UpdatedAt)
	if errors.Is(err, pgx.ErrNoRows) {
		return Campaign{}, ErrNotFound
	}
	return c, err
}

// Create inserts c and returns it with id and timestamps filled in.
func (s *Store) Create(ctx context.Context, c Campaign) (Campaign, error) {
	ctx, span := tracing.StartSpan(ctx, "campaign.store.Create", tracing.AttrTaskID.String(c.TaskID))
	defer span.End()

	if c.Status == "" {
		c.Status = StatusQueued
	}
	err := s.db.QueryRow(ctx, `
		INSERT INTO codesense.email_campaigns(admin_id, subject, task_id, recipients, status)
		VALUES ($1, $2, $3, $4, $5)
		RETURNING id, created_at, updated_at`,
		c.Admin.ID, c.Subject, c.TaskID, c.Recipients, c.Status,
	).Scan(&c.ID, &c.CreatedAt, &c.UpdatedAt)
	if err != nil {
		tracing.SetSpanError(ctx, err)
		return Campaign{}, fmt.Errorf("insert campaign: %w", err)
	}
	return c, nil
}

// List returns the newest campaigns first.
func (s *Store) List(ctx context.Context, limit int) ([]Campaign, error) {
	if limit <= 0 {
		limit = DefaultListLimit
	}
	rows, err := s.db.Query(ctx, selectCampaign+` ORDER BY c.created_at DESC LIMIT $1`, limit)
	if err != nil {
		return nil, fmt.Errorf("list campaigns: %w", err)
	}
	defer rows.Close()

	out := []Campaign{}
	for rows.Next() {
		c, err := scanCampaign(rows)
		if err != nil {
			return nil, fmt.Errorf("scan campaign: %w", err)
		}
		out = append(out, c)
	}
	return out, rows.Err()
}

func (s *Store) Get(ctx context.Context, id string) (Campaign, error) {
	c, err := scanCampaign(s.db.QueryRow(ctx, selectCampaign+` WHERE c.id = $1`, id))
	if err != nil && !errors.Is(err, ErrNotFound) {
		return Campaign{}, fmt.Errorf("get campaign %s: %w", id, err)
	}
	return c, err
}

// Update applies p and returns the updated record.
func (s *Store) Update(ctx context.Context, id string, p Patch) (Campaign, error) {
	tag, err := s.db.Exec(ctx, `
		UPDATE codesense.email_campaigns
		SET sent = COALESCE($2, sent),
		    failed = COALESCE($3, failed),
		    status = COALESCE($4, status),
		    updated_at = now()
		WHERE id = $1`,
		id, p.Sent, p.Failed, p.Status,
	)
	if err != nil {
		return Campaign{}, fmt.Errorf("update campaign %s: %w", id, err)
	}
	if tag.RowsAffected() == 0 {
		return Campaign{}, ErrNotFound
	}
	return s.Get(ctx, id)
}

// ApplyTaskState mirrors a polled task state onto the campaign tracking it
// and returns the campaign before and after. Updates that would move the
// campaign backwards are dropped and leave before == after. Returns
// ErrNotFound when no campaign tracks taskID.
func (s *Store) ApplyTaskState(ctx context.Context, taskID string, u TaskUpdate) (before, after Campaign, err error) {
	ctx, span := tracing.StartSpan(ctx, "campaign.store.ApplyTaskState", tracing.AttrTaskID.String(taskID))
	defer span.End()

	tx, err := s.db.Begin(ctx)
	if err != nil {
		tracing.SetSpanError(ctx, err)
		return Campaign{}, Campaign{}, fmt.Errorf("apply task state %s: begin: %w", taskID, err)
	}
	defer func() { _ = tx.Rollback(ctx) }()

	before, err = scanCampaign(tx.QueryRow(ctx, selectCampaign+` WHERE c.task_id = $1 FOR UPDATE OF c`, taskID))
	if errors.Is(err, ErrNotFound) {
		return Campaign{}, Campaign{}, err
	}
	if err != nil {
		tracing.SetSpanError(ctx, err)
		return Campaign{}, Campaign{}, fmt.Errorf("apply task state %s: %w", taskID, err)
	}

	after, ok := u.applyTo(before)
	if !ok {
		return before, before, nil
	}
	err = tx.QueryRow(ctx, `
		UPDATE codesense.email_campaigns
		SET status = $2, progress = $3, sent = $4, failed = $5, updated_at = now()
		WHERE id = $1
		RETURNING updated_at`,
		after.ID, after.Status, after.Progress, after.Sent, after.Failed,
	).Scan(&after.UpdatedAt)
	if err == nil {
		err = tx.Commit(ctx)
	}
	if err != nil {
		tracing.SetSpanError(ctx, err)
		return Campaign{}, Campaign{}, fmt.Errorf("apply task state %s: %w", taskID, err)
	}
	return before, after, nil
}
