package main

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"net/http"
	"os/signal"
	"syscall"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"github.com/redis/go-redis/v9"

	"github.com/codesense/codesense/internal/config"
	"github.com/codesense/codesense/internal/db"
	"github.com/codesense/codesense/internal/logging"
	"github.com/codesense/codesense/internal/metrics"
)

// NSQStats represents the JSON structure returned by NSQ stats API
type NSQStats struct {
	Topics []struct {
		TopicName string `json:"topic_name"`
		Channels  []struct {
			ChannelName   string `json:"channel_name"`
			Depth         int64  `json:"depth"`
			InFlightCount int64  `json:"in_flight_count"`
		} `json:"channels"`
		Depth int64 `json:"depth"`
	} `json:"topics"`
}

type monitor struct {
	broker   redis.Cmdable
	queues   []string
	nsqdHTTP string
	topic    string
	client   *http.Client
	log      *logging.Logger
}

func main() {
	cfg, err := config.Load()
	if err != nil {
		logging.Plain().WithError(err).Fatal("config load failed")
	}
	logger := logging.New(cfg.AppName + "-queue-monitor")

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGTERM, syscall.SIGINT)
	defer stop()

	broker, err := db.ConnectRedis(ctx, db.RedisOptions{
		Addr: cfg.Redis.Addr(), Password: cfg.Redis.Password, DB: cfg.Celery.BrokerDB,
	})
	if err != nil {
		logger.Plain().WithError(err).Fatal("broker connect failed")
	}
	defer broker.Close()

	m := &monitor{
		broker:   broker,
		queues:   cfg.Monitor.Queues,
		nsqdHTTP: cfg.Monitor.NsqdHTTPAddr,
		topic:    cfg.NSQ.CampaignTopic,
		client:   &http.Client{Timeout: 5 * time.Second},
		log:      logger,
	}
	logger.Plain().
		WithField("queues", cfg.Monitor.Queues).
		WithField("interval", cfg.Monitor.Interval.String()).
		Info("queue monitor starting")

	reg := prometheus.NewRegistry()
	metrics.MustRegister(reg)

	go m.run(ctx, cfg.Monitor.Interval)

	srv := &http.Server{Addr: ":" + cfg.Monitor.Port, Handler: newMux(reg), ReadHeaderTimeout: 5 * time.Second}
	go func() {
		<-ctx.Done()
		shutdownCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		_ = srv.Shutdown(shutdownCtx)
	}()
	if err := srv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
		logger.Plain().WithError(err).Fatal("HTTP serve")
	}
}

func newMux(reg *prometheus.Registry) *http.ServeMux {
	mux := http.NewServeMux()
	mux.Handle("/metrics", promhttp.HandlerFor(reg, promhttp.HandlerOpts{}))
	mux.HandleFunc("/health", func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusOK)
		fmt.Fprintln(w, "OK")
	})
	return mux
}

func (m *monitor) run(ctx context.Context, interval time.Duration) {
	if interval <= 0 {
		interval = 15 * time.Second
	}
	ticker := time.NewTicker(interval)
	defer ticker.Stop()

	for {
		m.collect(ctx)
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
		}
	}
}

func (m *monitor) collect(ctx context.Context) {
	if err := m.updateQueueDepths(ctx); err != nil {
		m.log.WithContext(ctx).WithError(err).Warn("broker queue depth update failed")
	}
	if m.nsqdHTTP != "" {
		if err := m.updateNSQStats(ctx); err != nil {
			m.log.WithContext(ctx).WithError(err).Warn("nsqd stats update failed")
		}
	}
}

// updateQueueDepths reads each queue list length in one pipeline.
func (m *monitor) updateQueueDepths(ctx context.Context) error {
	if len(m.queues) == 0 {
		return nil
	}
	cmds := make([]*redis.IntCmd, len(m.queues))
	_, err := m.broker.Pipelined(ctx, func(p redis.Pipeliner) error {
		for i, q := range m.queues {
			cmds[i] = p.LLen(ctx, q)
		}
		return nil
	})
	if err != nil {
		return fmt.Errorf("llen: %w", err)
	}
	for i, q := range m.queues {
		metrics.UpdateQueueDepth(q, cmds[i].Val())
	}
	return nil
}

// updateNSQStats exports channel depths of the campaign events topic.
func (m *monitor) updateNSQStats(ctx context.Context) error {
	req, err := http.NewRequestWithContext(ctx, http.MethodGet,
		fmt.Sprintf("http://%s/stats?format=json&topic=%s", m.nsqdHTTP, m.topic), nil)
	if err != nil {
		return err
	}
	resp, err := m.client.Do(req)
	if err != nil {
		return fmt.Errorf("failed to get NSQ stats: %w", err)
	}
	defer resp.Body.Close()
	if resp.StatusCode != http.StatusOK {
		return fmt.Errorf("nsqd stats returned status %d", resp.StatusCode)
	}

	var stats NSQStats
	if err := json.NewDecoder(resp.Body).Decode(&stats); err != nil {
		return fmt.Errorf("failed to decode NSQ stats: %w", err)
	}

	for _, topic := range stats.Topics {
		if topic.TopicName != m.topic {
			continue
		}
		for _, channel := range topic.Channels {
			metrics.UpdateNSQChannel(topic.TopicName, channel.ChannelName, channel.Depth, channel.InFlightCount)
		}
	}
	return nil
}
