package main

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"os"
	"time"

	"github.com/aussiebroadwan/relay/internal/relay/app"
	"github.com/aussiebroadwan/relay/internal/relay/domain"
	"github.com/aussiebroadwan/relay/internal/relay/service"
	"github.com/aussiebroadwan/relay/pkg/slogx"
	"github.com/urfave/cli/v3"
)

var errEphemeralSecrets = errors.New("no JWT secrets configured; set JWT_ACCESS_SECRET and JWT_REFRESH_SECRET or JWT_MASTER_SECRET")

func tokenCommand() *cli.Command {
	return &cli.Command{
		Name:  "token",
		Usage: "Issue and inspect tokens with the configured secrets",
		Commands: []*cli.Command{
			{
				Name:  "issue",
				Usage: "Issue a token and print it as JSON",
				Flags: []cli.Flag{
					&cli.StringFlag{
						Name:     "subject",
						Aliases:  []string{"s"},
						Required: true,
						Usage:    "Subject (sub claim)",
					},
					&cli.StringFlag{
						Name:    "class",
						Aliases: []string{"c"},
						Value:   string(domain.ClassAccess),
						Usage:   "Token class: access or refresh",
					},
					&cli.DurationFlag{
						Name:  "ttl",
						Usage: "Lifetime, overriding the configured expiry for the class",
					},
					&cli.StringFlag{
						Name:  "session",
						Usage: "Session id (sid claim)",
					},
				},
				Action: func(ctx context.Context, cmd *cli.Command) error {
					class, err := domain.ParseTokenClass(cmd.String("class"))
					if err != nil {
						return err
					}

					cfg := app.LoadConfig()
					if ttl := cmd.Duration("ttl"); ttl > 0 {
						cfg.AccessTTL, cfg.RefreshTTL = ttl, ttl
					}
					// Issuing needs neither the audit log nor the cache.
					cfg.AuditDatabaseFile = ""
					cfg.RevocationBackend = app.BackendNone

					deps, err := openDeps(cfg)
					if err != nil {
						return err
					}
					defer func() { _ = deps.Close() }()

					req := service.IssueRequest{Subject: cmd.String("subject"), SessionID: cmd.String("session")}
					var issued domain.IssuedToken
					if class == domain.ClassRefresh {
						issued, err = deps.TokenService.IssueRefreshToken(ctx, req)
					} else {
						issued, err = deps.TokenService.IssueAccessToken(ctx, req)
					}
					if err != nil {
						return err
					}
					return printJSON(cmd.Root().Writer, issued)
				},
			},
			{
				Name:      "inspect",
				Usage:     "Validate a token and print the verdict as JSON",
				ArgsUsage: "<token>",
				Flags: []cli.Flag{
					&cli.StringFlag{
						Name:    "class",
						Aliases: []string{"c"},
						Value:   string(domain.ClassAccess),
						Usage:   "Token class: access or refresh",
					},
				},
				Action: func(ctx context.Context, cmd *cli.Command) error {
					raw := cmd.Args().First()
					if raw == "" {
						return fmt.Errorf("usage: relay token inspect <token>")
					}
					class, err := domain.ParseTokenClass(cmd.String("class"))
					if err != nil {
						return err
					}

					cfg := app.LoadConfig()
					cfg.AuditDatabaseFile = ""

					deps, err := openDeps(cfg)
					if err != nil {
						return err
					}
					defer func() { _ = deps.Close() }()

					ctx, cancel := context.WithTimeout(ctx, 5*time.Second)
					defer cancel()
					return printJSON(cmd.Root().Writer, deps.TokenService.Validate(ctx, raw, class))
				},
			},
		},
	}
}

func revocationsCommand() *cli.Command {
	return &cli.Command{
		Name:  "revocations",
		Usage: "Query the revocation audit log",
		Commands: []*cli.Command{
			{
				Name:  "list",
				Usage: "List revocations for a subject, newest first",
				Flags: []cli.Flag{
					&cli.StringFlag{
						Name:     "subject",
						Aliases:  []string{"s"},
						Required: true,
						Usage:    "Subject to list",
					},
					&cli.IntFlag{
						Name:  "limit",
						Value: 50,
						Usage: "Maximum rows",
					},
				},
				Action: func(ctx context.Context, cmd *cli.Command) error {
					cfg := app.LoadConfig()
					if cfg.AuditDatabaseFile == "" {
						return fmt.Errorf("AUDIT_DATABASE_FILE is empty, the audit log is disabled")
					}

					db, err := app.OpenAuditLog(cfg)
					if err != nil {
						return err
					}
					defer func() { _ = db.Close() }()

					rows, err := db.Revocations().ListRevocationsBySubject(ctx, cmd.String("subject"), int(cmd.Int("limit")))
					if err != nil {
						return err
					}
					return printJSON(cmd.Root().Writer, rows)
				},
			},
		},
	}
}

// openDeps builds the token service for one-shot commands. Ephemeral secrets
// are refused since the tokens would be useless to anyone else.
func openDeps(cfg app.Config) (*app.Deps, error) {
	if _, persistent, err := cfg.Secrets(); err != nil {
		return nil, err
	} else if !persistent {
		return nil, errEphemeralSecrets
	}

	logger := slogx.New(slogx.Config{
		Service: "relay",
		Version: app.BuildVersion,
		Env:     cfg.Env,
		Level:   "warn",
		Format:  "text",
		Output:  os.Stderr,
	})
	return app.Open(cfg, logger, nil)
}

func printJSON(w io.Writer, v any) error {
	enc := json.NewEncoder(w)
	enc.SetIndent("", "  ")
	return enc.Encode(v)
}
