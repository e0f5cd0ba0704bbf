package cache

import (
	"context"
	"encoding/json"
	"io"
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	"github.com/alicebob/miniredis/v2"
	"github.com/redis/go-redis/v9"

	"github.com/codesense/codesense/internal/logging"
)

var quietLog = logging.NewWithWriter("cache-test", io.Discard)

func setup(t *testing.T) (*miniredis.Miniredis, *redis.Client) {
	t.Helper()
	mr := miniredis.RunT(t)
	client := redis.NewClient(&redis.Options{Addr: mr.Addr()})
	t.Cleanup(func() { client.Close() })
	return mr, client
}

func downClient(t *testing.T) *redis.Client {
	t.Helper()
	client := redis.NewClient(&redis.Options{Addr: "127.0.0.1:1", MaxRetries: -1, DialTimeout: 100 * time.Millisecond})
	t.Cleanup(func() { client.Close() })
	return client
}

func TestCache_Sessions(t *testing.T) {
	mr, client := setup(t)
	c := New(client, quietLog)
	ctx := context.Background()

	created := time.Date(2024, 5, 1, 10, 0, 0, 0, time.UTC)
	s := Session{ID: "u1", Name: "Ann", Email: "ann@example.com", Role: "admin", CreatedAt: created, Token: "tok"}

	if !c.SetUserSession(ctx, "u1", s, 0) {
		t.Fatal("SetUserSession() = false")
	}
	if ttl := mr.TTL("session:u1"); ttl != DefaultSessionTTL {
		t.Errorf("session TTL = %v, want %v", ttl, DefaultSessionTTL)
	}

	got, ok := c.GetUserSession(ctx, "u1")
	if !ok {
		t.Fatal("GetUserSession() miss after set")
	}
	if got.Email != s.Email || got.Role != s.Role || got.Token != s.Token || !got.CreatedAt.Equal(created) {
		t.Errorf("GetUserSession() = %+v, want %+v", got, s)
	}

	if !c.DeleteUserSession(ctx, "u1") {
		t.Fatal("DeleteUserSession() = false")
	}
	if _, ok := c.GetUserSession(ctx, "u1"); ok {
		t.Error("GetUserSession() hit after delete")
	}
}

func TestCache_SessionExpires(t *testing.T) {
	mr, client := setup(t)
	c := New(client, quietLog)
	ctx := context.Background()

	c.SetUserSession(ctx, "u1", Session{ID: "u1"}, time.Minute)
	mr.FastForward(time.Minute)

	if _, ok := c.GetUserSession(ctx, "u1"); ok {
		t.Error("GetUserSession() hit after TTL")
	}
}

func TestCache_UserData(t *testing.T) {
	mr, client := setup(t)
	c := New(client, quietLog)
	ctx := context.Background()

	p := UserProfile{ID: "u2", Name: "Bo", Email: "bo@example.com", Role: "user"}
	if !c.CacheUserData(ctx, "u2", p, 0) {
		t.Fatal("CacheUserData() = false")
	}
	if ttl := mr.TTL("user:u2"); ttl != DefaultUserDataTTL {
		t.Errorf("user TTL = %v, want %v", ttl, DefaultUserDataTTL)
	}

	raw, _ := mr.Get("user:u2")
	var wire map[string]any
	json.Unmarshal([]byte(raw), &wire)
	if wire["email"] != "bo@example.com" {
		t.Errorf("stored document = %s", raw)
	}
	if _, present := wire["createdAt"]; present {
		t.Errorf("createdAt should be omitted when unknown: %s", raw)
	}

	got, ok := c.GetCachedUserData(ctx, "u2")
	if !ok || got.Email != p.Email || got.Role != p.Role {
		t.Errorf("GetCachedUserData() = %+v, %v", got, ok)
	}

	c.InvalidateUserCache(ctx, "u2")
	if mr.Exists("user:u2") {
		t.Error("InvalidateUserCache() left key in place")
	}
}

func TestCache_CorruptValueIsMiss(t *testing.T) {
	mr, client := setup(t)
	c := New(client, quietLog)
	mr.Set("session:u3", "{broken")

	if _, ok := c.GetUserSession(context.Background(), "u3"); ok {
		t.Error("GetUserSession() hit on corrupt value")
	}
}

func TestCache_Unreachable(t *testing.T) {
	c := New(downClient(t), quietLog)
	ctx := context.Background()

	if c.SetUserSession(ctx, "u", Session{}, 0) {
		t.Error("SetUserSession() = true with cache down")
	}
	if _, ok := c.GetCachedUserData(ctx, "u"); ok {
		t.Error("GetCachedUserData() hit with cache down")
	}
	if c.InvalidateUserCache(ctx, "u") {
		t.Error("InvalidateUserCache() = true with cache down")
	}
}

func TestRateLimiter_FixedWindow(t *testing.T) {
	mr, client := setup(t)
	l := NewRateLimiter(client, "login", quietLog)
	ctx := context.Background()
	window := 900 * time.Second

	for i := 1; i <= 5; i++ {
		d := l.Allow(ctx, "login:ann@example.com", 5, window)
		if !d.Allowed || d.Current != int64(i) {
			t.Fatalf("call %d: Allow() = %+v, want allowed with current %d", i, d, i)
		}
	}
	if ttl := mr.TTL("ratelimit:login:ann@example.com"); ttl != window {
		t.Errorf("window TTL = %v, want %v", ttl, window)
	}

	d := l.Allow(ctx, "login:ann@example.com", 5, window)
	if d.Allowed {
		t.Errorf("6th call Allow() = %+v, want denied", d)
	}
	if d.Current != 6 || d.Limit != 5 || d.ResetAfter != window {
		t.Errorf("6th call decision = %+v", d)
	}

	// other identifiers are independent
	if d := l.Allow(ctx, "login:bo@example.com", 5, window); !d.Allowed || d.Current != 1 {
		t.Errorf("other identifier Allow() = %+v", d)
	}

	mr.FastForward(window)
	d = l.Allow(ctx, "login:ann@example.com", 5, window)
	if !d.Allowed || d.Current != 1 {
		t.Errorf("after window Allow() = %+v, want allowed with counter reset", d)
	}
}

func TestRateLimiter_WindowNotExtended(t *testing.T) {
	mr, client := setup(t)
	l := NewRateLimiter(client, "bulk", quietLog)
	ctx := context.Background()

	l.Allow(ctx, "k", 10, time.Minute)
	mr.FastForward(40 * time.Second)
	l.Allow(ctx, "k", 10, time.Minute)

	if ttl := mr.TTL("ratelimit:k"); ttl != 20*time.Second {
		t.Errorf("TTL = %v, want 20s (later hits must not extend the window)", ttl)
	}
}

func TestRateLimiter_RestoresMissingTTL(t *testing.T) {
	mr, client := setup(t)
	l := NewRateLimiter(client, "login", quietLog)

	// a counter left over limit by an EXPIRE that never landed
	if err := mr.Set("ratelimit:stuck", "9"); err != nil {
		t.Fatal(err)
	}

	d := l.Allow(context.Background(), "stuck", 5, time.Minute)
	if d.Allowed || d.Current != 10 {
		t.Errorf("Allow() = %+v, want denied with current 10", d)
	}
	if ttl := mr.TTL("ratelimit:stuck"); ttl != time.Minute {
		t.Fatalf("TTL = %v, want %v", ttl, time.Minute)
	}

	mr.FastForward(time.Minute)
	if d := l.Allow(context.Background(), "stuck", 5, time.Minute); !d.Allowed || d.Current != 1 {
		t.Errorf("Allow() after window = %+v, want allowed with current 1", d)
	}
}

func TestRateLimiter_FailOpen(t *testing.T) {
	l := NewRateLimiter(downClient(t), "login", quietLog)

	d := l.Allow(context.Background(), "x", 1, time.Minute)
	if !d.Allowed || d.Current != 0 || d.Limit != 1 {
		t.Errorf("Allow() with cache down = %+v, want allowed with current 0", d)
	}
}

func TestRateLimitMiddleware(t *testing.T) {
	_, client := setup(t)
	l := NewRateLimiter(client, "test", quietLog)

	next := http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusNoContent)
	})
	keyFn := func(r *http.Request) (string, bool) {
		id := r.Header.Get("X-User")
		return "bulk:" + id, id != ""
	}
	h := RateLimit(l, keyFn, 2, time.Hour, "")(next)

	tests := []struct {
		name     string
		user     string
		wantCode int
	}{
		{name: "first", user: "a", wantCode: http.StatusNoContent},
		{name: "second", user: "a", wantCode: http.StatusNoContent},
		{name: "third is limited", user: "a", wantCode: http.StatusTooManyRequests},
		{name: "no key skips limiter", user: "", wantCode: http.StatusNoContent},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			req := httptest.NewRequest(http.MethodPost, "/api/admin/email/bulk", nil)
			if tt.user != "" {
				req.Header.Set("X-User", tt.user)
			}
			rr := httptest.NewRecorder()
			h.ServeHTTP(rr, req)

			if rr.Code != tt.wantCode {
				t.Fatalf("status = %d, want %d", rr.Code, tt.wantCode)
			}
			if tt.wantCode == http.StatusTooManyRequests {
				var body map[string]any
				if err := json.NewDecoder(rr.Body).Decode(&body); err != nil {
					t.Fatal(err)
				}
				if body["resetTime"] != float64(3600) || body["error"] == "" {
					t.Errorf("body = %v", body)
				}
				if rr.Header().Get("Retry-After") != "3600" {
					t.Errorf("Retry-After = %q", rr.Header().Get("Retry-After"))
				}
			}
		})
	}
}
