package config

import (
	"strings"
	"testing"
	"time"

	"reservation-engine/queue"

	"github.com/spf13/viper"
)

func load(t *testing.T) (Config, error) {
	t.Helper()
	t.Chdir(t.TempDir()) // sem .env do repositório
	v := viper.New()
	Setup(v)
	return Load(v)
}

func TestLoad_Defaults(t *testing.T) {
	cfg, err := load(t)
	if err != nil {
		t.Fatalf("load: %v", err)
	}
	if cfg.Redis.Addr != "localhost:6379" || cfg.Store != StoreMemory || cfg.ListenAddr != ":8080" {
		t.Fatalf("unexpected defaults %+v", cfg)
	}
	if cfg.AccessTTL != time.Hour || cfg.RefreshTTL != 7*24*time.Hour || cfg.LoginMax != 5 {
		t.Fatalf("unexpected auth defaults %+v", cfg)
	}
	if len(cfg.Queues) != len(queue.Names) {
		t.Fatalf("expected settings for every queue, got %d", len(cfg.Queues))
	}
	email := cfg.Queues[queue.QueueEmail]
	if email.Concurrency != 5 || email.Attempts != 5 || email.BackoffType != queue.BackoffExponential || email.Rate != 20 {
		t.Fatalf("unexpected email queue defaults %+v", email)
	}
	if cfg.KafkaBrokers != nil {
		t.Fatalf("kafka must be off by default, got %v", cfg.KafkaBrokers)
	}
}

func TestLoad_EnvironmentOverrides(t *testing.T) {
	t.Setenv("RESERVD_REDIS_ADDR", "redis:6380")
	t.Setenv("RESERVD_STORE", "MONGO")
	t.Setenv("RESERVD_MONGO_URI", "mongodb://mongo:27017")
	t.Setenv("RESERVD_RATE_MAX", "10")
	t.Setenv("RESERVD_AUTH_LOGIN_WINDOW", "5m")
	t.Setenv("RESERVD_QUEUE_SESSION_REMINDER_CONCURRENCY", "7")
	t.Setenv("RESERVD_QUEUE_REPORT_BACKOFF_TYPE", "fixed")
	t.Setenv("RESERVD_KAFKA_BROKERS", "k1:9092, k2:9092,")

	cfg, err := load(t)
	if err != nil {
		t.Fatalf("load: %v", err)
	}
	if cfg.Redis.Addr != "redis:6380" || cfg.Store != StoreMongo || cfg.MongoURI != "mongodb://mongo:27017" {
		t.Fatalf("env not applied: %+v", cfg)
	}
	if cfg.RateLimitMax != 10 || cfg.LoginWindow != 5*time.Minute {
		t.Fatalf("env not applied: max=%d window=%s", cfg.RateLimitMax, cfg.LoginWindow)
	}
	if cfg.Queues[queue.QueueSessionReminder].Concurrency != 7 {
		t.Fatalf("expected per-queue override, got %+v", cfg.Queues[queue.QueueSessionReminder])
	}
	if len(cfg.KafkaBrokers) != 2 || cfg.KafkaBrokers[1] != "k2:9092" {
		t.Fatalf("unexpected brokers %v", cfg.KafkaBrokers)
	}

	opts := cfg.QueueOptions()[queue.QueueReport]
	if opts.Backoff.Type != queue.BackoffFixed || opts.Backoff.Delay != time.Minute || opts.Attempts != 3 {
		t.Fatalf("unexpected queue options %+v", opts)
	}
}

func TestLoad_Validation(t *testing.T) {
	cases := []struct {
		env  map[string]string
		want string
	}{
		{map[string]string{"RESERVD_STORE": "postgres"}, "store must be"},
		{map[string]string{"RESERVD_RATE_MAX": "0"}, "rate.window and rate.max"},
		{map[string]string{"RESERVD_AUTH_REFRESH_TTL": "30m"}, "auth.refresh-ttl"},
		{map[string]string{"RESERVD_QUEUE_EMAIL_CONCURRENCY": "0"}, "queue.email.concurrency must be > 0"},
		{map[string]string{"RESERVD_QUEUE_CLEANUP_BACKOFF_TYPE": "linear"}, "queue.cleanup.backoff-type"},
		{map[string]string{"RESERVD_AUTH_LOGIN_MAX": "0"}, "auth.login-max"},
	}
	for _, tc := range cases {
		t.Run(tc.want, func(t *testing.T) {
			for k, v := range tc.env {
				t.Setenv(k, v)
			}
			_, err := load(t)
			if err == nil || !strings.Contains(err.Error(), tc.want) {
				t.Fatalf("expected error containing %q, got %v", tc.want, err)
			}
		})
	}
}

func TestConfig_AuthSettings(t *testing.T) {
	cfg, err := load(t)
	if err != nil {
		t.Fatalf("load: %v", err)
	}
	if err := cfg.ValidateAuth(); err == nil {
		t.Fatalf("empty secret must be rejected")
	}
	cfg.AuthSecret = "0123456789abcdef"
	if err := cfg.ValidateAuth(); err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	ac := cfg.AuthConfig()
	if ac.Login.Max != 5 || ac.Login.Window != 15*time.Minute || ac.AccessTTL != time.Hour || string(ac.Secret) != cfg.AuthSecret {
		t.Fatalf("unexpected auth config %+v", ac)
	}
}

func TestValidate_KafkaNeedsTopic(t *testing.T) {
	cfg, err := load(t)
	if err != nil {
		t.Fatalf("load: %v", err)
	}
	cfg.KafkaBrokers = []string{"k1:9092"}
	cfg.KafkaTopic = ""
	if err := cfg.Validate(); err == nil || !strings.Contains(err.Error(), "kafka.topic is required") {
		t.Fatalf("expected kafka topic error, got %v", err)
	}
}
