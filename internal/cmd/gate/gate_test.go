package gate

import (
	"flag"
	"testing"
)

func TestParseConfigDefaults(t *testing.T) {
	fs := flag.NewFlagSet("gate", flag.ContinueOnError)
	cfg, err := ParseConfig(fs, nil)
	if err != nil {
		t.Fatalf("parse config: %v", err)
	}
	if cfg.HTTPAddr != ":8080" {
		t.Fatalf("expected default http addr, got %q", cfg.HTTPAddr)
	}
	if cfg.DBPath != "gate.db" {
		t.Fatalf("expected default db path, got %q", cfg.DBPath)
	}
	if cfg.OperatorUsername != "operator" {
		t.Fatalf("expected default operator user, got %q", cfg.OperatorUsername)
	}
}

func TestParseConfigOverrides(t *testing.T) {
	t.Setenv("VERIGATE_GATE_HTTP_ADDR", "env-addr")
	t.Setenv("VERIGATE_GATE_DB_PATH", "env-db")
	t.Setenv("VERIGATE_OPERATOR_USER", "env-ops")
	t.Setenv("VERIGATE_OPERATOR_PASSWORD_HASH", "env-hash")
	t.Setenv("VERIGATE_TOKEN_SECRET", "env-secret")

	fs := flag.NewFlagSet("gate", flag.ContinueOnError)
	args := []string{
		"-http-addr", "flag-addr",
		"-db-path", "flag-db",
	}
	cfg, err := ParseConfig(fs, args)
	if err != nil {
		t.Fatalf("parse config: %v", err)
	}
	if cfg.HTTPAddr != "flag-addr" {
		t.Fatalf("expected flag http addr, got %q", cfg.HTTPAddr)
	}
	if cfg.DBPath != "flag-db" {
		t.Fatalf("expected flag db path, got %q", cfg.DBPath)
	}
	if cfg.OperatorUsername != "env-ops" {
		t.Fatalf("expected env operator user, got %q", cfg.OperatorUsername)
	}
	if cfg.OperatorPasswordHash != "env-hash" {
		t.Fatalf("expected env password hash, got %q", cfg.OperatorPasswordHash)
	}
	if cfg.TokenSecret != "env-secret" {
		t.Fatalf("expected env token secret, got %q", cfg.TokenSecret)
	}
}
