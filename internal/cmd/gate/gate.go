// Package gate parses gate command flags and composes the service
// entrypoint.
package gate

import (
	"context"
	"flag"
	"fmt"

	entrypoint "github.com/verigate/verigate/internal/platform/cmd"
	server "github.com/verigate/verigate/internal/services/gate/app"
)

// Config holds gate command configuration.
type Config struct {
	HTTPAddr             string `env:"VERIGATE_GATE_HTTP_ADDR"          envDefault:":8080"`
	DBPath               string `env:"VERIGATE_GATE_DB_PATH"            envDefault:"gate.db"`
	OperatorUsername     string `env:"VERIGATE_OPERATOR_USER"           envDefault:"operator"`
	OperatorPasswordHash string `env:"VERIGATE_OPERATOR_PASSWORD_HASH"`
	TokenSecret          string `env:"VERIGATE_TOKEN_SECRET"`
}

// ParseConfig parses environment and flags into a Config.
func ParseConfig(fs *flag.FlagSet, args []string) (Config, error) {
	var cfg Config
	if err := entrypoint.ParseConfig(&cfg); err != nil {
		return Config{}, err
	}

	fs.StringVar(&cfg.HTTPAddr, "http-addr", cfg.HTTPAddr, "gate HTTP listen address")
	fs.StringVar(&cfg.DBPath, "db-path", cfg.DBPath, "sqlite database path")
	fs.StringVar(&cfg.OperatorUsername, "operator-user", cfg.OperatorUsername, "operator login username")
	if err := entrypoint.ParseArgs(fs, args); err != nil {
		return Config{}, err
	}
	return cfg, nil
}

// Run builds the gate server and serves until ctx is cancelled.
func Run(ctx context.Context, cfg Config) error {
	return entrypoint.RunWithTelemetry(ctx, entrypoint.ServiceGate, func(ctx context.Context) error {
		srv, err := server.New(server.Config{
			HTTPAddr:             cfg.HTTPAddr,
			DBPath:               cfg.DBPath,
			OperatorUsername:     cfg.OperatorUsername,
			OperatorPasswordHash: cfg.OperatorPasswordHash,
			TokenSecret:          cfg.TokenSecret,
		})
		if err != nil {
			return fmt.Errorf("build gate server: %w", err)
		}
		if err := srv.Run(ctx); err != nil {
			return fmt.Errorf("serve gate: %w", err)
		}
		return nil
	})
}
