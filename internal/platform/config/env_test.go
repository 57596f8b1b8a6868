package config

import "testing"

type testEnv struct {
	Addr  string `env:"VERIGATE_TEST_ADDR" envDefault:":9090"`
	Debug bool   `env:"VERIGATE_TEST_DEBUG"`
}

func TestParseEnvDefaults(t *testing.T) {
	var cfg testEnv
	if err := ParseEnv(&cfg); err != nil {
		t.Fatalf("parse env: %v", err)
	}
	if cfg.Addr != ":9090" {
		t.Fatalf("expected default addr, got %q", cfg.Addr)
	}
	if cfg.Debug {
		t.Fatal("expected debug to default to false")
	}
}

func TestParseEnvOverrides(t *testing.T) {
	t.Setenv("VERIGATE_TEST_ADDR", ":7777")
	t.Setenv("VERIGATE_TEST_DEBUG", "true")

	var cfg testEnv
	if err := ParseEnv(&cfg); err != nil {
		t.Fatalf("parse env: %v", err)
	}
	if cfg.Addr != ":7777" {
		t.Fatalf("expected env addr, got %q", cfg.Addr)
	}
	if !cfg.Debug {
		t.Fatal("expected debug override")
	}
}
