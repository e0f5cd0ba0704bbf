package campaign

import (
	"context"
	"encoding/json"
	"errors"
	"io"
	"testing"
	"time"

	"github.com/redis/go-redis/v9"

	"github.com/codesense/codesense/internal/celery"
	"github.com/codesense/codesense/internal/logging"
	"github.com/codesense/codesense/internal/notify"
	"github.com/codesense/codesense/internal/users"
)

var quietLog = logging.NewWithWriter("campaign-test", io.Discard)

type fakeRepo struct {
	created   []Campaign
	patches   map[string]Patch
	applied   map[string]TaskUpdate
	createErr error
	applyErr  error
	tracked   map[string]bool     // task ids with a campaign
	byTask    map[string]Campaign // current campaign per task id
}

func newFakeRepo() *fakeRepo {
	return &fakeRepo{
		patches: map[string]Patch{},
		applied: map[string]TaskUpdate{},
		tracked: map[string]bool{},
		byTask:  map[string]Campaign{},
	}
}

func (r *fakeRepo) Create(ctx context.Context, c Campaign) (Campaign, error) {
	if r.createErr != nil {
		return Campaign{}, r.createErr
	}
	c.ID = "camp-1"
	r.created = append(r.created, c)
	r.tracked[c.TaskID] = true
	r.byTask[c.TaskID] = c
	return c, nil
}

func (r *fakeRepo) List(ctx context.Context, limit int) ([]Campaign, error) {
	return r.created, nil
}

func (r *fakeRepo) Update(ctx context.Context, id string, p Patch) (Campaign, error) {
	if id != "camp-1" {
		return Campaign{}, ErrNotFound
	}
	r.patches[id] = p
	c := r.created[0]
	if p.Status != nil {
		c.Status = *p.Status
	}
	r.created[0] = c
	r.byTask[c.TaskID] = c
	return c, nil
}

func (r *fakeRepo) ApplyTaskState(ctx context.Context, taskID string, u TaskUpdate) (Campaign, Campaign, error) {
	if r.applyErr != nil {
		return Campaign{}, Campaign{}, r.applyErr
	}
	if !r.tracked[taskID] {
		return Campaign{}, Campaign{}, ErrNotFound
	}
	before, ok := r.byTask[taskID]
	if !ok {
		before = Campaign{ID: "camp-1", TaskID: taskID, Status: StatusQueued, Recipients: 3}
	}
	after, ok := u.applyTo(before)
	if !ok {
		return before, before, nil
	}
	r.applied[taskID] = u
	r.byTask[taskID] = after
	return before, after, nil
}

type fakeDirectory struct {
	all []users.User
	err error
}

func (d *fakeDirectory) FindByIDs(ctx context.Context, ids []string) ([]users.User, error) {
	if d.err != nil {
		return nil, d.err
	}
	want := map[string]bool{}
	for _, id := range ids {
		want[id] = true
	}
	var out []users.User
	for _, u := range d.all {
		if want[u.ID] {
			out = append(out, u)
		}
	}
	return out, nil
}

func (d *fakeDirectory) FindByRole(ctx context.Context, role string) ([]users.User, error) {
	var out []users.User
	for _, u := range d.all {
		if role == "" || role == "all" || u.Role == role {
			out = append(out, u)
		}
	}
	return out, nil
}

// fakeSender records payloads and resolves task ids through a real
// producer over an in-memory broker.
type fakeSender struct {
	sent    []celery.Payload
	taskIDs []string
	err     error
	repo    *fakeRepo
	// campaigns that existed when Send was called
	createdAtSend int
}

type okBroker struct{}

func (okBroker) LPush(ctx context.Context, key string, values ...any) *redis.IntCmd {
	return redis.NewIntResult(1, nil)
}

func (s *fakeSender) Send(ctx context.Context, p celery.Payload, opts ...celery.SendOption) (celery.Submission, error) {
	if s.repo != nil {
		s.createdAtSend = len(s.repo.created)
	}
	if s.err != nil {
		return celery.Submission{}, s.err
	}
	sub, err := celery.NewProducer(okBroker{}, celery.ProducerOptions{}, quietLog).Send(ctx, p, opts...)
	if err != nil {
		return celery.Submission{}, err
	}
	s.sent = append(s.sent, p)
	s.taskIDs = append(s.taskIDs, sub.TaskID)
	return sub, nil
}

type fakeResults struct {
	res celery.Result
}

func (f fakeResults) GetResult(ctx context.Context, taskID string) celery.Result {
	r := f.res
	r.TaskID = taskID
	return r
}

type fakeNotifier struct {
	events []notify.Event
}

func (n *fakeNotifier) Publish(ctx context.Context, e notify.Event) {
	n.events = append(n.events, e)
}

var directory = &fakeDirectory{all: []users.User{
	{ID: "u1", Name: "A", Email: "a@example.com", Role: "user"},
	{ID: "u2", Name: "B", Email: "b@example.com", Role: "user"},
	{ID: "u3", Name: "C", Email: "c@example.com", Role: "admin"},
}}

var admin = Admin{ID: "admin-1", Name: "Root", Email: "root@example.com"}

func TestStatusFromState(t *testing.T) {
	tests := []struct {
		state celery.State
		want  Status
	}{
		{celery.StateSuccess, StatusSuccess},
		{celery.StateFailure, StatusFailed},
		{celery.StateRevoked, StatusFailed},
		{celery.StateProgress, StatusProcessing},
		{celery.StateStarted, StatusProcessing},
		{celery.StateReceived, StatusProcessing},
		{celery.StateRetry, StatusProcessing},
		{celery.StatePending, StatusQueued},
		{celery.State("CUSTOM"), StatusQueued},
	}
	for _, tt := range tests {
		if got := StatusFromState(tt.state); got != tt.want {
			t.Errorf("StatusFromState(%s) = %q, want %q", tt.state, got, tt.want)
		}
		if !StatusFromState(tt.state).Valid() {
			t.Errorf("StatusFromState(%s) produced invalid status", tt.state)
		}
	}
}

func TestService_SubmitBulk(t *testing.T) {
	repo := newFakeRepo()
	sender := &fakeSender{repo: repo}
	n := &fakeNotifier{}
	svc := NewService(repo, directory, sender, fakeResults{}, n, quietLog)

	got, err := svc.SubmitBulk(context.Background(), admin, BulkRequest{
		UserIDs:      []string{"u1", "u3", "missing"},
		Subject:      "Hi",
		HTMLTemplate: "<p>x</p>",
	})
	if err != nil {
		t.Fatalf("SubmitBulk() error = %v", err)
	}

	if got.Recipients != 2 || got.CampaignID != "camp-1" || got.TaskID == "" {
		t.Errorf("SubmitBulk() = %+v", got)
	}
	if sender.createdAtSend != 1 {
		t.Error("campaign record must exist before the task is pushed")
	}
	if len(repo.created) != 1 {
		t.Fatalf("created %d campaigns, want 1", len(repo.created))
	}
	c := repo.created[0]
	if c.TaskID != got.TaskID || sender.taskIDs[0] != got.TaskID {
		t.Errorf("task ids differ: campaign=%q sent=%q returned=%q", c.TaskID, sender.taskIDs[0], got.TaskID)
	}
	if c.Status != StatusQueued || c.Recipients != 2 || c.Admin.ID != "admin-1" {
		t.Errorf("campaign = %+v", c)
	}
	bulk, ok := sender.sent[0].(celery.BulkEmail)
	if !ok || len(bulk.Recipients) != 2 || bulk.Recipients[1].Email != "c@example.com" {
		t.Errorf("payload = %+v", sender.sent[0])
	}
	if len(n.events) != 1 || n.events[0].Type != notify.TypeCampaignSubmitted {
		t.Errorf("events = %+v", n.events)
	}
}

func TestService_SubmitBulk_Errors(t *testing.T) {
	tests := []struct {
		name       string
		req        BulkRequest
		dir        Directory
		sendErr    error
		wantValid  bool
		wantErr    error
		wantFailed bool
	}{
		{
			name:      "no users selected",
			req:       BulkRequest{Subject: "s", HTMLTemplate: "h"},
			dir:       directory,
			wantValid: true,
		},
		{
			name:      "missing template",
			req:       BulkRequest{UserIDs: []string{"u1"}, Subject: "s"},
			dir:       directory,
			wantValid: true,
		},
		{
			name:    "no matching users",
			req:     BulkRequest{UserIDs: []string{"nobody"}, Subject: "s", HTMLTemplate: "h"},
			dir:     directory,
			wantErr: ErrNoRecipients,
		},
		{
			name: "directory failure",
			req:  BulkRequest{UserIDs: []string{"u1"}, Subject: "s", HTMLTemplate: "h"},
			dir:  &fakeDirectory{err: errors.New("db down")},
		},
		{
			name:       "broker failure marks campaign failed",
			req:        BulkRequest{UserIDs: []string{"u1"}, Subject: "s", HTMLTemplate: "h"},
			dir:        directory,
			sendErr:    errors.New("connection refused"),
			wantFailed: true,
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			repo := newFakeRepo()
			svc := NewService(repo, tt.dir, &fakeSender{err: tt.sendErr}, fakeResults{}, &fakeNotifier{}, quietLog)

			_, err := svc.SubmitBulk(context.Background(), admin, tt.req)
			if err == nil {
				t.Fatal("SubmitBulk() expected error")
			}
			var ve *ValidationError
			if errors.As(err, &ve) != tt.wantValid {
				t.Errorf("ValidationError = %v, want %v (err %v)", !tt.wantValid, tt.wantValid, err)
			}
			if tt.wantErr != nil && !errors.Is(err, tt.wantErr) {
				t.Errorf("error = %v, want %v", err, tt.wantErr)
			}
			p, patched := repo.patches["camp-1"]
			if tt.wantFailed {
				if !patched || p.Status == nil || *p.Status != StatusFailed {
					t.Errorf("campaign not marked failed: %+v", repo.patches)
				}
			} else if patched {
				t.Errorf("unexpected campaign patch %+v", p)
			}
		})
	}
}

func TestService_SubmitAll(t *testing.T) {
	tests := []struct {
		role string
		want int
	}{
		{"", 3},
		{"all", 3},
		{"user", 2},
		{"admin", 1},
	}
	for _, tt := range tests {
		t.Run("role="+tt.role, func(t *testing.T) {
			repo := newFakeRepo()
			svc := NewService(repo, directory, &fakeSender{}, fakeResults{}, &fakeNotifier{}, quietLog)

			got, err := svc.SubmitAll(context.Background(), admin, AllRequest{Subject: "s", HTMLTemplate: "h", RoleFilter: tt.role})
			if err != nil {
				t.Fatalf("SubmitAll() error = %v", err)
			}
			if got.Recipients != tt.want {
				t.Errorf("Recipients = %d, want %d", got.Recipients, tt.want)
			}
			if len(repo.created) != 1 {
				t.Error("SubmitAll() did not record a campaign")
			}
		})
	}

	svc := NewService(newFakeRepo(), directory, &fakeSender{}, fakeResults{}, &fakeNotifier{}, quietLog)
	if _, err := svc.SubmitAll(context.Background(), admin, AllRequest{Subject: "s", HTMLTemplate: "h", RoleFilter: "root"}); err == nil {
		t.Error("SubmitAll() with unknown role filter expected error")
	}
}

func TestService_TaskStatus(t *testing.T) {
	tests := []struct {
		name       string
		res        celery.Result
		tracked    bool
		wantStatus Status
		wantSent   *int
		wantFailed *int
		wantEvents int
	}{
		{
			name:       "pending leaves a queued campaign unchanged",
			res:        celery.Result{State: celery.StatePending},
			tracked:    true,
			wantStatus: StatusQueued,
			wantEvents: 0,
		},
		{
			name:       "progress updates sent from meta",
			res:        celery.Result{State: celery.StateProgress, Meta: map[string]any{"current": 2.0, "total": 3.0}},
			tracked:    true,
			wantStatus: StatusProcessing,
			wantSent:   intp(2),
			wantEvents: 1,
		},
		{
			name:       "success copies summary",
			res:        celery.Result{State: celery.StateSuccess, Result: json.RawMessage(`{"total":3,"sent":2,"failed":1,"errors":[]}`)},
			tracked:    true,
			wantStatus: StatusSuccess,
			wantSent:   intp(2),
			wantFailed: intp(1),
			wantEvents: 1,
		},
		{
			name:       "failure",
			res:        celery.Result{State: celery.StateFailure, Result: json.RawMessage(`"boom"`)},
			tracked:    true,
			wantStatus: StatusFailed,
			wantEvents: 1,
		},
		{
			name:       "untracked task",
			res:        celery.Result{State: celery.StateSuccess},
			tracked:    false,
			wantEvents: 0,
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			repo := newFakeRepo()
			if tt.tracked {
				repo.tracked["task-9"] = true
			}
			n := &fakeNotifier{}
			svc := NewService(repo, directory, &fakeSender{}, fakeResults{res: tt.res}, n, quietLog)

			got := svc.TaskStatus(context.Background(), "task-9")
			if got.State != tt.res.State || got.TaskID != "task-9" {
				t.Errorf("TaskStatus() = %+v", got)
			}
			if len(n.events) != tt.wantEvents {
				t.Fatalf("events = %d, want %d", len(n.events), tt.wantEvents)
			}
			if !tt.tracked {
				return
			}
			u := repo.applied["task-9"]
			if u.Status != tt.wantStatus {
				t.Errorf("applied status = %q, want %q", u.Status, tt.wantStatus)
			}
			if !eqIntp(u.Sent, tt.wantSent) || !eqIntp(u.Failed, tt.wantFailed) {
				t.Errorf("applied sent/failed = %v/%v", u.Sent, u.Failed)
			}
			if tt.wantEvents > 0 && n.events[0].Status != string(tt.wantStatus) {
				t.Errorf("event status = %q", n.events[0].Status)
			}
		})
	}
}

func TestService_TaskStatus_StoreErrorStillReturnsResult(t *testing.T) {
	repo := newFakeRepo()
	repo.applyErr = errors.New("db down")
	svc := NewService(repo, directory, &fakeSender{}, fakeResults{res: celery.Result{State: celery.StateStarted}}, &fakeNotifier{}, quietLog)

	if got := svc.TaskStatus(context.Background(), "t"); got.State != celery.StateStarted {
		t.Errorf("TaskStatus() state = %q", got.State)
	}
}

// unreadableResults is a real backend whose store cannot be reached.
func unreadableResults(t *testing.T) *celery.Backend {
	t.Helper()
	client := redis.NewClient(&redis.Options{Addr: "127.0.0.1:1", DB: 1, MaxRetries: -1, DialTimeout: 100 * time.Millisecond})
	t.Cleanup(func() { _ = client.Close() })
	return celery.NewBackend(client, "", quietLog)
}

func TestService_TaskStatus_NeverMovesBackwards(t *testing.T) {
	done := Campaign{ID: "camp-1", TaskID: "task-9", Status: StatusSuccess, Recipients: 3, Sent: 3,
		Progress: map[string]any{"current": 3.0, "total": 3.0}}
	running := Campaign{ID: "camp-1", TaskID: "task-9", Status: StatusProcessing, Recipients: 3, Sent: 1}

	tests := []struct {
		name     string
		stored   Campaign
		res      celery.Result
		wantSent int
	}{
		{name: "expired result after success", stored: done, res: celery.Result{State: celery.StatePending}, wantSent: 3},
		{name: "late progress after success", stored: done, res: celery.Result{State: celery.StateProgress, Meta: map[string]any{"current": 1.0, "total": 3.0}}, wantSent: 3},
		{name: "pending after processing", stored: running, res: celery.Result{State: celery.StatePending}, wantSent: 1},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			repo := newFakeRepo()
			repo.tracked["task-9"] = true
			repo.byTask["task-9"] = tt.stored
			n := &fakeNotifier{}
			svc := NewService(repo, directory, &fakeSender{}, fakeResults{res: tt.res}, n, quietLog)

			if got := svc.TaskStatus(context.Background(), "task-9"); got.State != tt.res.State {
				t.Errorf("TaskStatus() state = %q, want %q", got.State, tt.res.State)
			}
			c := repo.byTask["task-9"]
			if c.Status != tt.stored.Status || c.Sent != tt.wantSent {
				t.Errorf("campaign = %s sent=%d, want %s sent=%d", c.Status, c.Sent, tt.stored.Status, tt.wantSent)
			}
			if tt.stored.Progress != nil && c.Progress == nil {
				t.Error("progress was wiped")
			}
			if len(n.events) != 0 {
				t.Errorf("events = %+v, want none", n.events)
			}
		})
	}
}

func TestService_TaskStatus_FailedPushStaysFailed(t *testing.T) {
	repo := newFakeRepo()
	pushing := NewService(repo, directory, &fakeSender{err: errors.New("broker down")}, fakeResults{}, &fakeNotifier{}, quietLog)
	if _, err := pushing.SubmitBulk(context.Background(), admin, BulkRequest{UserIDs: []string{"u1"}, Subject: "s", HTMLTemplate: "h"}); err == nil {
		t.Fatal("SubmitBulk() expected error")
	}
	taskID := repo.created[0].TaskID
	if got := repo.byTask[taskID].Status; got != StatusFailed {
		t.Fatalf("after failed push status = %q, want failed", got)
	}

	n := &fakeNotifier{}
	polling := NewService(repo, directory, &fakeSender{}, fakeResults{res: celery.Result{State: celery.StatePending}}, n, quietLog)
	polling.TaskStatus(context.Background(), taskID)

	if got := repo.byTask[taskID].Status; got != StatusFailed {
		t.Errorf("after poll status = %q, want failed", got)
	}
	if len(n.events) != 0 {
		t.Errorf("events = %+v, want none", n.events)
	}
}

func TestService_TaskStatus_UnreadableBackendNotStored(t *testing.T) {
	repo := newFakeRepo()
	repo.tracked["task-9"] = true
	repo.byTask["task-9"] = Campaign{ID: "camp-1", TaskID: "task-9", Status: StatusProcessing, Recipients: 3}
	n := &fakeNotifier{}
	svc := NewService(repo, directory, &fakeSender{}, unreadableResults(t), n, quietLog)

	got := svc.TaskStatus(context.Background(), "task-9")
	if got.State != celery.StateFailure || got.ErrorMessage() == "" {
		t.Errorf("TaskStatus() = %+v, want FAILURE with message", got)
	}
	if c := repo.byTask["task-9"]; c.Status != StatusProcessing {
		t.Errorf("campaign status = %q, want processing", c.Status)
	}
	if len(repo.applied) != 0 || len(n.events) != 0 {
		t.Errorf("applied %v, events %v; want neither", repo.applied, n.events)
	}
}

func TestService_TaskStatus_PublishesOnlyOnChange(t *testing.T) {
	repo := newFakeRepo()
	repo.tracked["task-9"] = true
	n := &fakeNotifier{}
	res := &fakeResults{res: celery.Result{State: celery.StateProgress, Meta: map[string]any{"current": 1.0, "total": 3.0}}}
	svc := NewService(repo, directory, &fakeSender{}, res, n, quietLog)

	svc.TaskStatus(context.Background(), "task-9")
	svc.TaskStatus(context.Background(), "task-9")
	if len(n.events) != 1 {
		t.Fatalf("events after repeated progress = %d, want 1", len(n.events))
	}

	res.res.Meta = map[string]any{"current": 2.0, "total": 3.0}
	svc.TaskStatus(context.Background(), "task-9")
	if len(n.events) != 2 || n.events[1].Sent != 2 {
		t.Errorf("events = %+v, want a second event with sent=2", n.events)
	}
}

func TestService_Update(t *testing.T) {
	svc := NewService(newFakeRepo(), directory, &fakeSender{}, fakeResults{}, &fakeNotifier{}, quietLog)
	bad := Status("progress")

	tests := []struct {
		name      string
		patch     Patch
		wantValid bool
	}{
		{name: "empty patch", patch: Patch{}, wantValid: true},
		{name: "negative sent", patch: Patch{Sent: intp(-1)}, wantValid: true},
		{name: "invalid status", patch: Patch{Status: &bad}, wantValid: true},
		{name: "unknown id", patch: Patch{Sent: intp(1)}},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			_, err := svc.Update(context.Background(), "nope", tt.patch)
			var ve *ValidationError
			if errors.As(err, &ve) != tt.wantValid {
				t.Errorf("Update() err = %v, want validation %v", err, tt.wantValid)
			}
			if !tt.wantValid && !errors.Is(err, ErrNotFound) {
				t.Errorf("Update() err = %v, want ErrNotFound", err)
			}
		})
	}
}

func intp(v int) *int { return &v }

func eqIntp(a, b *int) bool {
	if a == nil || b == nil {
		return a == b
	}
	return *a == *b
}
