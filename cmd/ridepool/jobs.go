package main

import (
	"errors"
	"fmt"
	"strings"

	"github.com/rs/zerolog/log"
	"github.com/urfave/cli/v2"

	"ridepool/internal/lifecycle"
	"ridepool/internal/store"
)

func jobsCommand() *cli.Command {
	return &cli.Command{
		Name:      "jobs",
		Usage:     "run lifecycle jobs once: " + strings.Join(lifecycle.Names, ", ") + " or all",
		ArgsUsage: "<name>",
		Action: func(c *cli.Context) error {
			name := c.Args().First()
			if name == "" {
				return errors.New("job name required")
			}
			d, err := setup(c)
			if err != nil {
				return err
			}
			defer d.close()
			// Events are only logged here; the serving process owns the transports.
			jobs := lifecycle.New(d.store, nil, d.cfg.Jobs)
			if name == "all" {
				for _, r := range jobs.RunAll(c.Context) {
					log.Info().Str("job", r.Job).Int("processed", r.Processed).Int("changed", r.Changed).Int("failed", r.Failed).Msg("job done")
				}
				return nil
			}
			r, err := jobs.Run(c.Context, name)
			if err != nil {
				return err
			}
			log.Info().Str("job", r.Job).Int("processed", r.Processed).Int("changed", r.Changed).Int("failed", r.Failed).Msg("job done")
			return nil
		},
	}
}

func migrateCommand() *cli.Command {
	return &cli.Command{
		Name:  "migrate",
		Usage: "apply the SQL migrations and exit",
		Flags: []cli.Flag{
			&cli.StringFlag{
				Name:  "dir",
				Value: "db/migrations",
				Usage: "migration directory",
			},
		},
		Action: func(c *cli.Context) error {
			cfg, err := loadConfig(c)
			if err != nil {
				return err
			}
			if cfg.DatabaseURL == "" {
				return errors.New("DATABASE_URL is required")
			}
			pg, err := store.NewPostgres(cfg.DatabaseURL)
			if err != nil {
				return fmt.Errorf("postgres: %w", err)
			}
			defer pg.Close()
			if err := pg.MigrateDir(c.Context, c.String("dir")); err != nil {
				return err
			}
			log.Info().Str("dir", c.String("dir")).Msg("migrations applied")
			return nil
		},
	}
}
