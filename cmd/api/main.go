package main

import (
	"context"
	"fmt"
	"log/slog"
	"os"
	"time"

	"formpilot/api/internal/auth"
	"formpilot/api/internal/config"
	"formpilot/api/internal/docstore"
	"formpilot/api/internal/logging"
	cli "github.com/urfave/cli/v3"
)

func main() {
	cmd := &cli.Command{
		Name:  "formpilot-api",
		Usage: "FormPilot form builder API",
		Commands: []*cli.Command{
			serveCommand(),
			migrateCommand(),
			reindexCommand(),
			tokenCommand(),
		},
		Flags: []cli.Flag{
			&cli.StringFlag{
				Name:    "log-level",
				Usage:   "Log level (debug, info, warn, error)",
				Value:   "info",
				Sources: cli.EnvVars("LOG_LEVEL"),
			},
		},
		DefaultCommand: "serve",
	}

	if err := cmd.Run(context.Background(), os.Args); err != nil {
		slog.Error("formpilot-api failed", "error", err)
		os.Exit(1)
	}
}

func loadConfig(command *cli.Command) (config.Config, error) {
	cfg, err := config.Load()
	if err != nil {
		return config.Config{}, err
	}
	if command.IsSet("log-level") {
		cfg.LogLevel = command.String("log-level")
	}
	logging.Setup(cfg.LogLevel)
	return cfg, nil
}

func serveCommand() *cli.Command {
	return &cli.Command{
		Name:  "serve",
		Usage: "Run the HTTP API",
		Action: func(ctx context.Context, command *cli.Command) error {
			cfg, err := loadConfig(command)
			if err != nil {
				return err
			}
			return serve(ctx, cfg)
		},
	}
}

func migrateCommand() *cli.Command {
	return &cli.Command{
		Name:  "migrate",
		Usage: "Apply database migrations and exit",
		Action: func(ctx context.Context, command *cli.Command) error {
			cfg, err := loadConfig(command)
			if err != nil {
				return err
			}
			if cfg.DatabaseURL == "" {
				return fmt.Errorf("DATABASE_URL is required")
			}
			db, err := docstore.Open(ctx, cfg.DatabaseURL)
			if err != nil {
				return err
			}
			defer db.Close()
			if err := docstore.ApplyMigrations(ctx, db); err != nil {
				return err
			}
			logging.WithModule("migrate").Info("migrations applied")
			return nil
		},
	}
}

func reindexCommand() *cli.Command {
	return &cli.Command{
		Name:  "reindex",
		Usage: "Rebuild the Meilisearch form index from the document store",
		Action: func(ctx context.Context, command *cli.Command) error {
			cfg, err := loadConfig(command)
			if err != nil {
				return err
			}
			if cfg.MeiliURL == "" {
				return fmt.Errorf("MEILI_URL is required")
			}
			deps, err := buildCore(ctx, cfg)
			if err != nil {
				return err
			}
			defer deps.close()

			count, err := deps.search.ReindexAll(ctx)
			if err != nil {
				return err
			}
			logging.WithModule("reindex").Info("forms reindexed", "count", count)
			return nil
		},
	}
}

func tokenCommand() *cli.Command {
	return &cli.Command{
		Name:  "token",
		Usage: "Issue a development access token",
		Flags: []cli.Flag{
			&cli.StringFlag{Name: "user-id", Usage: "Subject of the token", Required: true},
			&cli.StringFlag{Name: "email", Usage: "E-mail claim", Required: true},
			&cli.StringFlag{Name: "name", Usage: "Display name claim"},
			&cli.DurationFlag{Name: "ttl", Usage: "Token lifetime", Value: 24 * time.Hour},
		},
		Action: func(ctx context.Context, command *cli.Command) error {
			cfg, err := loadConfig(command)
			if err != nil {
				return err
			}
			signer := auth.NewSigner(cfg.JWTSecret, command.Duration("ttl"), nil)
			token, err := signer.Issue(command.String("user-id"), command.String("email"), command.String("name"))
			if err != nil {
				return err
			}
			_, err = fmt.Fprintln(os.Stdout, token)
			return err
		},
	}
}
