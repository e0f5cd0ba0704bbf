package config

import (
	"fmt"
	"os"
	"strings"
	"time"

	"github.com/joho/godotenv"
	"github.com/spf13/viper"
)

type DB struct {
	User string
	Pass string
	Host string
	Port string
	Name string
}

type Redis struct {
	Host     string
	Port     string
	Password string
}

// Addr returns host:port for the redis clients.
func (r Redis) Addr() string {
	return r.Host + ":" + r.Port
}

type Celery struct {
	BrokerDB     int    // Redis logical DB holding the queue lists
	ResultDB     int    // Redis logical DB written by the worker's result backend
	DefaultQueue string // List key tasks are pushed onto
	ResultPrefix string // Result backend key prefix
	Origin       string // Descriptive origin header on every message
}

type Auth struct {
	JWTSecret string
	Issuer    string
	TokenTTL  time.Duration
}

type Cache struct {
	SessionTTL  time.Duration
	UserDataTTL time.Duration
}

type RateLimit struct {
	LoginLimit  int
	LoginWindow time.Duration
	BulkLimit   int
	BulkWindow  time.Duration
}

type NSQ struct {
	NsqdTCPAddr   string // empty disables campaign notifications
	CampaignTopic string
}

type Poll struct {
	Interval time.Duration
	MaxPolls int
}

type Monitor struct {
	Queues       []string
	Interval     time.Duration
	Port         string
	NsqdHTTPAddr string // empty skips nsqd topic stats
}

type Config struct {
	AppName   string
	HTTPPort  string // :5000
	GRPCPort  string // :50051
	DB        DB
	Redis     Redis
	Celery    Celery
	Auth      Auth
	Cache     Cache
	RateLimit RateLimit
	NSQ       NSQ
	Poll      Poll
	Monitor   Monitor
}

func setDefaults(v *viper.Viper) {
	v.SetDefault("app_name", "codesense")
	v.SetDefault("http_port", ":5000")
	v.SetDefault("grpc_port", ":50051")

	v.SetDefault("db_user", "postgres")
	v.SetDefault("db_pass", "postgres")
	v.SetDefault("db_host", "postgres")
	v.SetDefault("db_port", "5432")
	v.SetDefault("db_name", "codesense")

	v.SetDefault("redis_host", "localhost")
	v.SetDefault("redis_port", "6379")
	v.SetDefault("redis_password", "")

	v.SetDefault("celery_broker_db", 0)
	v.SetDefault("celery_result_db", 1)
	v.SetDefault("celery_default_queue", "celery")
	v.SetDefault("celery_result_prefix", "celery-task-meta-")
	v.SetDefault("celery_origin", "")

	v.SetDefault("jwt_secret", "")
	v.SetDefault("jwt_issuer", "codesense")
	v.SetDefault("jwt_ttl", "168h")

	v.SetDefault("session_ttl", "168h")
	v.SetDefault("user_cache_ttl", "1h")

	v.SetDefault("login_rate_limit", 5)
	v.SetDefault("login_rate_window", "15m")
	v.SetDefault("bulk_rate_limit", 10)
	v.SetDefault("bulk_rate_window", "1h")

	v.SetDefault("nsqd_tcp_addr", "")
	v.SetDefault("nsq_campaign_topic", "campaign_events")

	v.SetDefault("poll_interval", "3s")
	v.SetDefault("poll_max", 60)

	v.SetDefault("monitor_queues", "celery")
	v.SetDefault("monitor_interval", "15s")
	v.SetDefault("monitor_port", "8084")
	v.SetDefault("monitor_nsqd_http_addr", "")
}

// defaultOrigin mirrors the worker-side convention of naming the producing host.
func defaultOrigin() string {
	host, err := os.Hostname()
	if err != nil || host == "" {
		host = "unknown"
	}
	return "go-celery-client@" + host
}

func splitList(s string) []string {
	var out []string
	for _, part := range strings.Split(s, ",") {
		if part = strings.TrimSpace(part); part != "" {
			out = append(out, part)
		}
	}
	return out
}

// Load reads configuration from .env, an optional CONFIG_FILE and the environment.
// Environment variables win over the file.
func Load() (Config, error) {
	_ = godotenv.Load()

	v := viper.New()
	setDefaults(v)
	v.AutomaticEnv()

	if path := os.Getenv("CONFIG_FILE"); path != "" {
		v.SetConfigFile(path)
		if err := v.ReadInConfig(); err != nil {
			return Config{}, fmt.Errorf("read config file %s: %w", path, err)
		}
	}

	cfg := fromViper(v)
	if cfg.Celery.Origin == "" {
		cfg.Celery.Origin = defaultOrigin()
	}
	if cfg.Celery.BrokerDB == cfg.Celery.ResultDB {
		return Config{}, fmt.Errorf("celery broker and result backend must use different redis databases (both %d)", cfg.Celery.BrokerDB)
	}
	return cfg, nil
}

func fromViper(v *viper.Viper) Config {
	return Config{
		AppName:  v.GetString("app_name"),
		HTTPPort: v.GetString("http_port"),
		GRPCPort: v.GetString("grpc_port"),
		DB: DB{
			User: v.GetString("db_user"),
			Pass: v.GetString("db_pass"),
			Host: v.GetString("db_host"),
			Port: v.GetString("db_port"),
			Name: v.GetString("db_name"),
		},
		Redis: Redis{
			Host:     v.GetString("redis_host"),
			Port:     v.GetString("redis_port"),
			Password: v.GetString("redis_password"),
		},
		Celery: Celery{
			BrokerDB:     v.GetInt("celery_broker_db"),
			ResultDB:     v.GetInt("celery_result_db"),
			DefaultQueue: v.GetString("celery_default_queue"),
			ResultPrefix: v.GetString("celery_result_prefix"),
			Origin:       v.GetString("celery_origin"),
		},
		Auth: Auth{
			JWTSecret: v.GetString("jwt_secret"),
			Issuer:    v.GetString("jwt_issuer"),
			TokenTTL:  v.GetDuration("jwt_ttl"),
		},
		Cache: Cache{
			SessionTTL:  v.GetDuration("session_ttl"),
			UserDataTTL: v.GetDuration("user_cache_ttl"),
		},
		RateLimit: RateLimit{
			LoginLimit:  v.GetInt("login_rate_limit"),
			LoginWindow: v.GetDuration("login_rate_window"),
			BulkLimit:   v.GetInt("bulk_rate_limit"),
			BulkWindow:  v.GetDuration("bulk_rate_window"),
		},
		NSQ: NSQ{
			NsqdTCPAddr:   v.GetString("nsqd_tcp_addr"),
			CampaignTopic: v.GetString("nsq_campaign_topic"),
		},
		Poll: Poll{
			Interval: v.GetDuration("poll_interval"),
			MaxPolls: v.GetInt("poll_max"),
		},
		Monitor: Monitor{
			Queues:       splitList(v.GetString("monitor_queues")),
			Interval:     v.GetDuration("monitor_interval"),
			Port:         v.GetString("monitor_port"),
			NsqdHTTPAddr: v.GetString("monitor_nsqd_http_addr"),
		},
	}
}

func (c Config) DSN() string {
	return fmt.Sprintf("postgres://%s:%s@%s:%s/%s?sslmode=disable",
		c.DB.User, c.DB.Pass, c.DB.Host, c.DB.Port, c.DB.Name)
}
