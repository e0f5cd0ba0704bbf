package cache

import (
	"context"
	"encoding/json"
	"errors"
	"time"

	"github.com/redis/go-redis/v9"

	"github.com/codesense/codesense/internal/logging"
)

const (
	DefaultSessionTTL  = 7 * 24 * time.Hour
	DefaultUserDataTTL = time.Hour
)

// Session is what a logged-in user's session key holds.
type Session struct {
	ID        string    `json:"id"`
	Name      string    `json:"name"`
	Email     string    `json:"email"`
	Role      string    `json:"role"`
	CreatedAt time.Time `json:"createdAt"`
	Token     string    `json:"token,omitempty"`
}

// UserProfile is the cached public view of a user.
type UserProfile struct {
	ID        string     `json:"id"`
	Name      string     `json:"name"`
	Email     string     `json:"email"`
	Role      string     `json:"role"`
	CreatedAt *time.Time `json:"createdAt,omitempty"`
}

// Cache holds sessions and user profiles. Failures are logged and reported
// as a miss or false, never as an error.
type Cache struct {
	client redis.Cmdable
	log    *logging.Logger
}

func New(client redis.Cmdable, log *logging.Logger) *Cache {
	if log == nil {
		log = logging.New("codesense")
	}
	return &Cache{client: client, log: log}
}

func SessionKey(userID string) string  { return "session:" + userID }
func UserDataKey(userID string) string { return "user:" + userID }

func (c *Cache) SetUserSession(ctx context.Context, userID string, s Session, ttl time.Duration) bool {
	if ttl <= 0 {
		ttl = DefaultSessionTTL
	}
	return c.setJSON(ctx, SessionKey(userID), s, ttl, userID)
}

func (c *Cache) GetUserSession(ctx context.Context, userID string) (Session, bool) {
	var s Session
	ok := c.getJSON(ctx, SessionKey(userID), &s, userID)
	return s, ok
}

func (c *Cache) DeleteUserSession(ctx context.Context, userID string) bool {
	return c.del(ctx, SessionKey(userID), userID)
}

func (c *Cache) CacheUserData(ctx context.Context, userID string, p UserProfile, ttl time.Duration) bool {
	if ttl <= 0 {
		ttl = DefaultUserDataTTL
	}
	return c.setJSON(ctx, UserDataKey(userID), p, ttl, userID)
}

func (c *Cache) GetCachedUserData(ctx context.Context, userID string) (UserProfile, bool) {
	var p UserProfile
	ok := c.getJSON(ctx, UserDataKey(userID), &p, userID)
	return p, ok
}

func (c *Cache) InvalidateUserCache(ctx context.Context, userID string) bool {
	return c.del(ctx, UserDataKey(userID), userID)
}

func (c *Cache) setJSON(ctx context.Context, key string, v any, ttl time.Duration, userID string) bool {
	data, err := json.Marshal(v)
	if err == nil {
		err = c.client.Set(ctx, key, data, ttl).Err()
	}
	if err != nil {
		c.log.WithContext(ctx).WithUser(userID).WithField("key", key).WithError(err).Error("cache write failed")
		return false
	}
	return true
}

func (c *Cache) getJSON(ctx context.Context, key string, v any, userID string) bool {
	data, err := c.client.Get(ctx, key).Bytes()
	if errors.Is(err, redis.Nil) {
		return false
	}
	if err == nil {
		err = json.Unmarshal(data, v)
	}
	if err != nil {
		c.log.WithContext(ctx).WithUser(userID).WithField("key", key).WithError(err).Error("cache read failed")
		return false
	}
	return true
}

func (c *Cache) del(ctx context.Context, key, userID string) bool {
	if err := c.client.Del(ctx, key).Err(); err != nil {
		c.log.WithContext(ctx).WithUser(userID).WithField("key", key).WithError(err).Error("cache delete failed")
		return false
	}
	return true
}
