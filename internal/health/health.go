package health

import (
	"context"
	"encoding/json"
	"net/http"
	"time"

	"github.com/redis/go-redis/v9"
	grpc_health "google.golang.org/grpc/health"
	healthpb "google.golang.org/grpc/health/grpc_health_v1"

	"github.com/codesense/codesense/internal/logging"
)

const pingTimeout = time.Second

type Status struct {
	OK       bool   `json:"ok"`
	Message  string `json:"message,omitempty"`
	Database bool   `json:"database"`
	Broker   bool   `json:"broker"`
	Backend  bool   `json:"backend"`
}

// PingFunc checks one dependency.
type PingFunc func(ctx context.Context) error

// RedisPing adapts a redis client to a PingFunc.
func RedisPing(c redis.Cmdable) PingFunc {
	return func(ctx context.Context) error {
		return c.Ping(ctx).Err()
	}
}

// Checker pings the database, the broker and the result backend. A nil
// PingFunc counts as healthy.
type Checker struct {
	Database PingFunc
	Broker   PingFunc
	Backend  PingFunc
}

func ping(ctx context.Context, fn PingFunc) bool {
	if fn == nil {
		return true
	}
	ctx, cancel := context.WithTimeout(ctx, pingTimeout)
	defer cancel()
	return fn(ctx) == nil
}

// Check runs all pings and summarises them.
func (c Checker) Check(ctx context.Context) Status {
	st := Status{
		Database: ping(ctx, c.Database),
		Broker:   ping(ctx, c.Broker),
		Backend:  ping(ctx, c.Backend),
	}
	st.OK = st.Database && st.Broker && st.Backend
	switch {
	case st.OK:
		st.Message = "ok"
	case !st.Database:
		st.Message = "db ping failed"
	case !st.Broker:
		st.Message = "broker ping failed"
	default:
		st.Message = "result backend ping failed"
	}
	return st
}

// HTTPHandler returns an HTTP handler that reports the health status of the service
func HTTPHandler(c Checker) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		st := c.Check(r.Context())
		w.Header().Set("Content-Type", "application/json")
		if !st.OK {
			w.WriteHeader(http.StatusServiceUnavailable)
		}
		_ = json.NewEncoder(w).Encode(st)
	}
}

// Watch keeps the gRPC health status of service in step with c until ctx
// is done. The empty service name tracks overall health.
func Watch(ctx context.Context, c Checker, hs *grpc_health.Server, service string, interval time.Duration, log *logging.Logger) {
	if interval <= 0 {
		interval = 10 * time.Second
	}
	last := healthpb.HealthCheckResponse_UNKNOWN
	update := func() {
		st := c.Check(ctx)
		next := healthpb.HealthCheckResponse_SERVING
		if !st.OK {
			next = healthpb.HealthCheckResponse_NOT_SERVING
		}
		if next != last {
			hs.SetServingStatus(service, next)
			if log != nil {
				log.WithContext(ctx).WithField("status", next.String()).WithField("reason", st.Message).Info("health status changed")
			}
			last = next
		}
	}

	update()
	ticker := time.NewTicker(interval)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			update()
		}
	}
}
