// Package config lê a configuração dos binários: flags do cobra, variáveis
// de ambiente RESERVD_* e, em desenvolvimento, os arquivos .env.
//
// Chaves usam "." e "-"; no ambiente viram "_" com o prefixo. Exemplos:
// redis.addr -> RESERVD_REDIS_ADDR, queue.session-reminder.concurrency ->
// RESERVD_QUEUE_SESSION_REMINDER_CONCURRENCY.
package config

import (
	"errors"
	"fmt"
	"strings"
	"time"

	"reservation-engine/auth"
	"reservation-engine/coordination/domain"
	"reservation-engine/logger"
	"reservation-engine/queue"
	"reservation-engine/store"

	"github.com/joho/godotenv"
	"github.com/spf13/viper"
)

const (
	EnvPrefix = "reservd"

	StoreMemory = "memory"
	StoreMongo  = "mongo"
)

type QueueConfig struct {
	Concurrency   int
	Attempts      int
	BackoffType   queue.BackoffType
	BackoffDelay  time.Duration
	KeepCompleted int
	KeepFailed    int
	// Rate em jobs/s por worker; 0 = sem limite.
	Rate  float64
	Burst int
}

type Config struct {
	Service   string
	LogLevel  string
	LogFormat string

	Redis store.Options

	Store         string
	MongoURI      string
	MongoDatabase string

	ListenAddr         string
	RateLimitEnabled   bool
	RateLimitWindow    time.Duration
	RateLimitMax       int64
	LocalRPS           float64
	LocalBurst         int
	RateKeyHeader      string
	TrustXFF           bool
	RateFailOpen       bool
	ConcurrencyMax     int
	ConcurrencyTimeout time.Duration
	IdempotencyTTL     time.Duration
	IdempotencyClaim   time.Duration
	StatsEnabled       bool
	StatsBucket        string
	StatsTTL           time.Duration
	StatsOffenders     bool

	AuthSecret     string
	AccessTTL      time.Duration
	RefreshTTL     time.Duration
	LoginMax       int64
	LoginWindow    time.Duration
	VerifyCodeTTL  time.Duration
	ProgramLockTTL time.Duration

	LeaseDuration   time.Duration
	StalledInterval time.Duration
	MetricsAddr     string
	CleanupInterval time.Duration
	PendingHorizon  time.Duration

	KafkaBrokers []string
	KafkaTopic   string

	Queues map[string]QueueConfig
}

// Setup carrega .env/.env.local (se existirem) e liga o viper ao ambiente.
func Setup(v *viper.Viper) {
	_ = godotenv.Load(".env")
	_ = godotenv.Load(".env.local")

	v.SetEnvPrefix(EnvPrefix)
	v.SetEnvKeyReplacer(strings.NewReplacer(".", "_", "-", "_"))
	v.AutomaticEnv()
	SetDefaults(v)
}

var queueDefaults = map[string]QueueConfig{
	queue.QueueReservation:     {Concurrency: 5, Attempts: 5, BackoffDelay: time.Second},
	queue.QueueNotification:    {Concurrency: 10, Attempts: 3, BackoffDelay: 2 * time.Second},
	queue.QueueEmail:           {Concurrency: 5, Attempts: 5, BackoffDelay: 5 * time.Second, Rate: 20, Burst: 20},
	queue.QueueSessionReminder: {Concurrency: 2, Attempts: 3, BackoffDelay: 10 * time.Second},
	queue.QueueAIProcessing:    {Concurrency: 2, Attempts: 2, BackoffDelay: 30 * time.Second, Rate: 2, Burst: 1},
	queue.QueueCleanup:         {Concurrency: 1, Attempts: 1, BackoffDelay: time.Minute},
	queue.QueueReport:          {Concurrency: 1, Attempts: 3, BackoffDelay: time.Minute},
}

func queueKey(name, field string) string { return "queue." + name + "." + field }

func SetDefaults(v *viper.Viper) {
	v.SetDefault("service", "reservd")
	v.SetDefault("log-level", logger.INFO)
	v.SetDefault("log-format", logger.JSON)

	v.SetDefault("redis.addr", "localhost:6379")
	v.SetDefault("redis.password", "")
	v.SetDefault("redis.db", 0)
	v.SetDefault("redis.pool-size", 20)
	v.SetDefault("redis.blocking-pool-size", 20)
	v.SetDefault("redis.dial-timeout", 5*time.Second)

	v.SetDefault("store", StoreMemory)
	v.SetDefault("mongo.uri", "mongodb://localhost:27017")
	v.SetDefault("mongo.database", "reservd")

	v.SetDefault("listen-addr", ":8080")
	v.SetDefault("rate.enabled", true)
	v.SetDefault("rate.window", time.Minute)
	v.SetDefault("rate.max", 120)
	v.SetDefault("rate.local-rps", 20.0)
	v.SetDefault("rate.local-burst", 40)
	v.SetDefault("rate.key-header", "")
	v.SetDefault("rate.trust-xff", false)
	v.SetDefault("rate.fail-open", true)
	v.SetDefault("concurrency.max", 100)
	v.SetDefault("concurrency.timeout", 0)
	v.SetDefault("idempotency.ttl", 24*time.Hour)
	v.SetDefault("idempotency.claim-ttl", 30*time.Second)
	v.SetDefault("stats.enabled", false)
	v.SetDefault("stats.bucket", "minute")
	v.SetDefault("stats.ttl", 24*time.Hour)
	v.SetDefault("stats.offenders", false)

	v.SetDefault("auth.secret", "")
	v.SetDefault("auth.access-ttl", time.Hour)
	v.SetDefault("auth.refresh-ttl", 7*24*time.Hour)
	v.SetDefault("auth.login-max", 5)
	v.SetDefault("auth.login-window", 15*time.Minute)
	v.SetDefault("auth.verify-code-ttl", 10*time.Minute)

	v.SetDefault("lock.program-ttl", 30*time.Second)
	v.SetDefault("worker.lease", 30*time.Second)
	v.SetDefault("worker.stalled-interval", 15*time.Second)
	v.SetDefault("worker.metrics-addr", ":9090")
	v.SetDefault("cleanup.interval", time.Hour)
	v.SetDefault("cleanup.pending-horizon", 24*time.Hour)

	v.SetDefault("kafka.brokers", "")
	v.SetDefault("kafka.topic", "reservd.queue-events")

	for name, q := range queueDefaults {
		v.SetDefault(queueKey(name, "concurrency"), q.Concurrency)
		v.SetDefault(queueKey(name, "attempts"), q.Attempts)
		v.SetDefault(queueKey(name, "backoff-type"), string(queue.BackoffExponential))
		v.SetDefault(queueKey(name, "backoff-delay"), q.BackoffDelay)
		v.SetDefault(queueKey(name, "keep-completed"), queue.DefaultKeepCompleted)
		v.SetDefault(queueKey(name, "keep-failed"), queue.DefaultKeepFailed)
		v.SetDefault(queueKey(name, "rate"), q.Rate)
		v.SetDefault(queueKey(name, "burst"), q.Burst)
	}
}

func splitList(s string) []string {
	var out []string
	for _, part := range strings.Split(s, ",") {
		if p := strings.TrimSpace(part); p != "" {
			out = append(out, p)
		}
	}
	return out
}

// Load monta e valida a configuração a partir do viper já preparado.
func Load(v *viper.Viper) (Config, error) {
	cfg := Config{
		Service:   v.GetString("service"),
		LogLevel:  v.GetString("log-level"),
		LogFormat: v.GetString("log-format"),
		Redis: store.Options{
			Addr:             v.GetString("redis.addr"),
			Password:         v.GetString("redis.password"),
			DB:               v.GetInt("redis.db"),
			PoolSize:         v.GetInt("redis.pool-size"),
			BlockingPoolSize: v.GetInt("redis.blocking-pool-size"),
			DialTimeout:      v.GetDuration("redis.dial-timeout"),
		},
		Store:              strings.ToLower(v.GetString("store")),
		MongoURI:           v.GetString("mongo.uri"),
		MongoDatabase:      v.GetString("mongo.database"),
		ListenAddr:         v.GetString("listen-addr"),
		RateLimitEnabled:   v.GetBool("rate.enabled"),
		RateLimitWindow:    v.GetDuration("rate.window"),
		RateLimitMax:       v.GetInt64("rate.max"),
		LocalRPS:           v.GetFloat64("rate.local-rps"),
		LocalBurst:         v.GetInt("rate.local-burst"),
		RateKeyHeader:      v.GetString("rate.key-header"),
		TrustXFF:           v.GetBool("rate.trust-xff"),
		RateFailOpen:       v.GetBool("rate.fail-open"),
		ConcurrencyMax:     v.GetInt("concurrency.max"),
		ConcurrencyTimeout: v.GetDuration("concurrency.timeout"),
		IdempotencyTTL:     v.GetDuration("idempotency.ttl"),
		IdempotencyClaim:   v.GetDuration("idempotency.claim-ttl"),
		StatsEnabled:       v.GetBool("stats.enabled"),
		StatsBucket:        v.GetString("stats.bucket"),
		StatsTTL:           v.GetDuration("stats.ttl"),
		StatsOffenders:     v.GetBool("stats.offenders"),
		AuthSecret:         v.GetString("auth.secret"),
		AccessTTL:          v.GetDuration("auth.access-ttl"),
		RefreshTTL:         v.GetDuration("auth.refresh-ttl"),
		LoginMax:           v.GetInt64("auth.login-max"),
		LoginWindow:        v.GetDuration("auth.login-window"),
		VerifyCodeTTL:      v.GetDuration("auth.verify-code-ttl"),
		ProgramLockTTL:     v.GetDuration("lock.program-ttl"),
		LeaseDuration:      v.GetDuration("worker.lease"),
		StalledInterval:    v.GetDuration("worker.stalled-interval"),
		MetricsAddr:        v.GetString("worker.metrics-addr"),
		CleanupInterval:    v.GetDuration("cleanup.interval"),
		PendingHorizon:     v.GetDuration("cleanup.pending-horizon"),
		KafkaBrokers:       splitList(v.GetString("kafka.brokers")),
		KafkaTopic:         v.GetString("kafka.topic"),
		Queues:             make(map[string]QueueConfig, len(queue.Names)),
	}

	for _, name := range queue.Names {
		cfg.Queues[name] = QueueConfig{
			Concurrency:   v.GetInt(queueKey(name, "concurrency")),
			Attempts:      v.GetInt(queueKey(name, "attempts")),
			BackoffType:   queue.BackoffType(strings.ToLower(v.GetString(queueKey(name, "backoff-type")))),
			BackoffDelay:  v.GetDuration(queueKey(name, "backoff-delay")),
			KeepCompleted: v.GetInt(queueKey(name, "keep-completed")),
			KeepFailed:    v.GetInt(queueKey(name, "keep-failed")),
			Rate:          v.GetFloat64(queueKey(name, "rate")),
			Burst:         v.GetInt(queueKey(name, "burst")),
		}
	}

	if err := cfg.Validate(); err != nil {
		return Config{}, err
	}
	return cfg, nil
}

func (c Config) Validate() error {
	var errs []error
	if strings.TrimSpace(c.Redis.Addr) == "" {
		errs = append(errs, errors.New("redis.addr is required"))
	}
	switch c.Store {
	case StoreMemory:
	case StoreMongo:
		if c.MongoURI == "" || c.MongoDatabase == "" {
			errs = append(errs, errors.New("mongo.uri and mongo.database are required when store=mongo"))
		}
	default:
		errs = append(errs, fmt.Errorf("store must be %q or %q, got %q", StoreMemory, StoreMongo, c.Store))
	}
	if c.RateLimitEnabled && (c.RateLimitWindow <= 0 || c.RateLimitMax <= 0) {
		errs = append(errs, errors.New("rate.window and rate.max must be > 0 when rate.enabled=true"))
	}
	if c.LocalRPS < 0 || c.LocalBurst < 0 {
		errs = append(errs, errors.New("rate.local-rps and rate.local-burst must be >= 0"))
	}
	if c.ConcurrencyMax < 0 {
		errs = append(errs, errors.New("concurrency.max must be >= 0"))
	}
	if c.AccessTTL <= 0 || c.RefreshTTL < c.AccessTTL {
		errs = append(errs, errors.New("auth.access-ttl must be > 0 and auth.refresh-ttl >= auth.access-ttl"))
	}
	if c.LoginMax <= 0 || c.LoginWindow <= 0 {
		errs = append(errs, errors.New("auth.login-max and auth.login-window must be > 0"))
	}
	if c.ProgramLockTTL <= 0 || c.LeaseDuration <= 0 {
		errs = append(errs, errors.New("lock.program-ttl and worker.lease must be > 0"))
	}
	if c.CleanupInterval <= 0 || c.PendingHorizon <= 0 {
		errs = append(errs, errors.New("cleanup.interval and cleanup.pending-horizon must be > 0"))
	}
	if len(c.KafkaBrokers) > 0 && c.KafkaTopic == "" {
		errs = append(errs, errors.New("kafka.topic is required when kafka.brokers is set"))
	}
	for _, name := range queue.Names {
		q := c.Queues[name]
		if q.Concurrency <= 0 {
			errs = append(errs, fmt.Errorf("queue.%s.concurrency must be > 0", name))
		}
		if q.Attempts <= 0 {
			errs = append(errs, fmt.Errorf("queue.%s.attempts must be > 0", name))
		}
		if q.BackoffType != queue.BackoffFixed && q.BackoffType != queue.BackoffExponential {
			errs = append(errs, fmt.Errorf("queue.%s.backoff-type must be fixed or exponential", name))
		}
		if q.Rate < 0 {
			errs = append(errs, fmt.Errorf("queue.%s.rate must be >= 0", name))
		}
	}
	return errors.Join(errs...)
}

// ValidateAuth é exigido só pelos comandos que autenticam.
func (c Config) ValidateAuth() error {
	if len(c.AuthSecret) < 16 {
		return errors.New("auth.secret must have at least 16 characters")
	}
	return nil
}

func (c Config) Logger() *logger.Logger {
	return logger.New(logger.Config{Level: c.LogLevel, Format: c.LogFormat, Service: c.Service})
}

func (c Config) QueueOptions() map[string]queue.Options {
	out := make(map[string]queue.Options, len(c.Queues))
	for name, q := range c.Queues {
		out[name] = queue.Options{
			Attempts:      q.Attempts,
			Backoff:       queue.Backoff{Type: q.BackoffType, Delay: q.BackoffDelay},
			KeepCompleted: q.KeepCompleted,
			KeepFailed:    q.KeepFailed,
		}
	}
	return out
}

func (c Config) AuthConfig() auth.Config {
	cfg := auth.DefaultConfig([]byte(c.AuthSecret))
	cfg.AccessTTL = c.AccessTTL
	cfg.RefreshTTL = c.RefreshTTL
	cfg.Login = domain.Policy{Action: auth.ActionLogin, Window: c.LoginWindow, Max: c.LoginMax}
	cfg.VerifyCodeTTL = c.VerifyCodeTTL
	return cfg
}
