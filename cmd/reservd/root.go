package main

import (
	"errors"
	"fmt"

	"reservation-engine/config"
	"reservation-engine/logger"

	"github.com/spf13/cobra"
	"github.com/spf13/pflag"
	"github.com/spf13/viper"
)

const Version = "0.4.0"

var (
	v   = viper.New()
	cfg config.Config
	log = logger.Nop()

	rootCmd = &cobra.Command{
		Use:   "reservd",
		Short: "reservation engine: job queues, locks, rate limits and sessions",
		Long: fmt.Sprintf(`reservd (v%s)

Processes reservation actions through Redis-backed job queues, serialized
per program with distributed locks. Every flag can also be set through the
environment as RESERVD_<KEY> (e.g. RESERVD_REDIS_ADDR, RESERVD_QUEUE_EMAIL_CONCURRENCY).`, Version),
		SilenceUsage:      true,
		PersistentPreRunE: loadConfig,
	}

	versionCmd = &cobra.Command{
		Use:   "version",
		Short: "Print the version number of reservd",
		// sem config: roda mesmo com o ambiente incompleto
		PersistentPreRunE: func(*cobra.Command, []string) error { return nil },
		Run: func(cmd *cobra.Command, _ []string) {
			fmt.Fprintf(cmd.OutOrStdout(), "reservd v%s\n", Version)
		},
	}
)

// flagKeys mapeia flags para as chaves aninhadas do viper; as ausentes usam o
// próprio nome.
var flagKeys = map[string]string{
	"redis-addr":     "redis.addr",
	"redis-password": "redis.password",
	"redis-db":       "redis.db",
	"mongo-uri":      "mongo.uri",
	"mongo-database": "mongo.database",
	"metrics-addr":   "worker.metrics-addr",
	"kafka-brokers":  "kafka.brokers",
	"auth-secret":    "auth.secret",
}

func init() {
	flags := rootCmd.PersistentFlags()
	flags.String("log-level", logger.INFO, "log level (debug, info, warn, error)")
	flags.String("log-format", logger.JSON, "log format (json, text)")
	flags.String("redis-addr", "localhost:6379", "redis address")
	flags.String("redis-password", "", "redis password")
	flags.Int("redis-db", 0, "redis database")
	flags.String("store", config.StoreMemory, "reservation/user store (memory, mongo)")
	flags.String("mongo-uri", "mongodb://localhost:27017", "mongodb connection string (store=mongo)")
	flags.String("mongo-database", "reservd", "mongodb database (store=mongo)")

	rootCmd.AddCommand(apiCmd, workerCmd, enqueueCmd, cleanupCmd, versionCmd)
}

// loadConfig liga as flags ao viper (flag alterada > ambiente > default) e
// monta a configuração validada.
func loadConfig(cmd *cobra.Command, _ []string) error {
	config.Setup(v)

	var errs []error
	cmd.Flags().VisitAll(func(f *pflag.Flag) {
		key, ok := flagKeys[f.Name]
		if !ok {
			key = f.Name
		}
		if err := v.BindPFlag(key, f); err != nil {
			errs = append(errs, err)
		}
	})
	if err := errors.Join(errs...); err != nil {
		return fmt.Errorf("bind flags: %w", err)
	}

	c, err := config.Load(v)
	if err != nil {
		return fmt.Errorf("config error: %w", err)
	}
	cfg = c
	log = cfg.Logger().With("command", cmd.Name())
	return nil
}
