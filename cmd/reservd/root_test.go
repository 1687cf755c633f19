package main

import (
	"context"
	"encoding/json"
	"testing"

	"reservation-engine/queue"

	"github.com/spf13/cobra"
	"github.com/spf13/viper"
)

func TestLoadConfig_FlagsOverrideEnvironment(t *testing.T) {
	t.Chdir(t.TempDir())
	t.Setenv("RESERVD_REDIS_ADDR", "env:6379")
	t.Setenv("RESERVD_STORE", "mongo")
	t.Setenv("RESERVD_AUTH_SECRET", "0123456789abcdef-from-env")
	v = viper.New()

	cmd := &cobra.Command{Use: "api"}
	cmd.Flags().AddFlagSet(rootCmd.PersistentFlags())
	cmd.Flags().AddFlagSet(apiCmd.Flags())
	if err := cmd.Flags().Parse([]string{"--redis-addr", "flag:6379", "--listen-addr", ":9999"}); err != nil {
		t.Fatalf("parse: %v", err)
	}
	if err := loadConfig(cmd, nil); err != nil {
		t.Fatalf("load: %v", err)
	}

	if cfg.Redis.Addr != "flag:6379" {
		t.Fatalf("flag must win over env, got %q", cfg.Redis.Addr)
	}
	if cfg.Store != "mongo" || cfg.ListenAddr != ":9999" || cfg.AuthSecret != "0123456789abcdef-from-env" {
		t.Fatalf("unexpected config %+v", cfg)
	}
	if err := cfg.ValidateAuth(); err != nil {
		t.Fatalf("unexpected auth error: %v", err)
	}
}

func TestLogDelivery(t *testing.T) {
	h := logDelivery(queue.QueueEmail)

	data, _ := json.Marshal(map[string]string{"identifier": "ana@example.com", "code": "123456"})
	res, err := h.Handle(context.Background(), &queue.Job{ID: "j1", Name: "send_verification_email", Data: data})
	if err != nil {
		t.Fatalf("handle: %v", err)
	}
	if got, ok := res.(map[string]bool); !ok || !got["delivered"] {
		t.Fatalf("unexpected result %v", res)
	}

	if _, err := h.Handle(context.Background(), &queue.Job{ID: "j2", Data: json.RawMessage(`[1,2]`)}); err == nil {
		t.Fatalf("expected error for a non-object payload")
	}
}
