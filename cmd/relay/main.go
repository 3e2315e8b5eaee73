package main

import (
	"context"
	"fmt"
	"os"

	"github.com/aussiebroadwan/relay/internal/relay/app"
	"github.com/urfave/cli/v3"
)

func main() {
	cmd := &cli.Command{
		Name:    "relay",
		Usage:   "Token service and realtime WebSocket gateway",
		Version: app.BuildVersion,
		Action:  runServe,
		Commands: []*cli.Command{
			{
				Name:   "serve",
				Usage:  "Start the HTTP API and the gateway (default)",
				Action: runServe,
			},
			{
				Name:   "migrate",
				Usage:  "Apply audit log migrations",
				Action: runMigrate,
			},
			tokenCommand(),
			revocationsCommand(),
		},
	}

	if err := cmd.Run(context.Background(), os.Args); err != nil {
		fmt.Fprintln(os.Stderr, "relay:", err)
		os.Exit(1)
	}
}

func runServe(ctx context.Context, cmd *cli.Command) error {
	application, err := app.New(app.LoadConfig())
	if err != nil {
		return fmt.Errorf("failed to initialize application: %w", err)
	}
	return application.Run()
}

func runMigrate(ctx context.Context, cmd *cli.Command) error {
	cfg := app.LoadConfig()
	if cfg.AuditDatabaseFile == "" {
		return fmt.Errorf("AUDIT_DATABASE_FILE is empty, the audit log is disabled")
	}

	db, err := app.OpenAuditLog(cfg)
	if err != nil {
		return err
	}
	defer func() { _ = db.Close() }()

	fmt.Fprintf(cmd.Root().Writer, "migrations applied to %s\n", cfg.AuditDatabaseFile)
	return nil
}
