package main

import (
	"context"
	"encoding/json"
	"fmt"
	"io"
	"os"
	"strconv"

	log "github.com/sirupsen/logrus"
	"github.com/urfave/cli/v2"

	"github.com/guildindex/backend/internal/config"
	"github.com/guildindex/backend/internal/logging"
	"github.com/guildindex/backend/internal/models"
	"github.com/guildindex/backend/internal/services"
	"github.com/guildindex/backend/internal/storage"
	"github.com/guildindex/backend/internal/storage/driver"
	"github.com/guildindex/backend/internal/storage/postgres"
)

func main() {
	cfg, err := config.Load()
	if err != nil {
		log.Fatalf("config: %v", err)
	}
	if err := logging.Setup(cfg.Environment, cfg.LogLevel); err != nil {
		log.Fatalf("logging: %v", err)
	}

	app := newApp(cfg, func(ctx context.Context) (storage.Store, error) {
		return driver.Open(ctx, cfg)
	}, os.Stdout)

	if err := app.Run(os.Args); err != nil {
		log.Fatal(err)
	}
}

type storeOpener func(ctx context.Context) (storage.Store, error)

func newApp(cfg *config.Config, open storeOpener, out io.Writer) *cli.App {
	return &cli.App{
		Name:   "guildindex-admin",
		Usage:  "moderate Guild Index listings and manage the database",
		Writer: out,
		Commands: []*cli.Command{
			migrateCommand(cfg, out),
			usersCommand(open, out),
			serversCommand(open, out),
			reportsCommand(open, out),
		},
	}
}

// withAdmin opens the store for the duration of one command.
func withAdmin(open storeOpener, fn func(c *cli.Context, admin *services.AdminService) error) cli.ActionFunc {
	return func(c *cli.Context) error {
		store, err := open(c.Context)
		if err != nil {
			return err
		}
		defer store.Close(context.Background())
		return fn(c, services.NewAdminService(store))
	}
}

func printJSON(out io.Writer, v interface{}) error {
	enc := json.NewEncoder(out)
	enc.SetIndent("", "  ")
	return enc.Encode(v)
}

func migrateCommand(cfg *config.Config, out io.Writer) *cli.Command {
	requireURL := func() error {
		if cfg.DatabaseURL == "" {
			return fmt.Errorf("DATABASE_URL is required")
		}
		return nil
	}
	return &cli.Command{
		Name:  "migrate",
		Usage: "postgres schema migrations",
		Subcommands: []*cli.Command{
			{
				Name:  "up",
				Usage: "apply all pending migrations",
				Action: func(c *cli.Context) error {
					if err := requireURL(); err != nil {
						return err
					}
					if err := postgres.MigrateUp(cfg.DatabaseURL); err != nil {
						return err
					}
					fmt.Fprintln(out, "migrations applied")
					return nil
				},
			},
			{
				Name:      "down",
				Usage:     "roll back migrations",
				ArgsUsage: "[steps]",
				Action: func(c *cli.Context) error {
					if err := requireURL(); err != nil {
						return err
					}
					steps := 1
					if arg := c.Args().First(); arg != "" {
						n, err := strconv.Atoi(arg)
						if err != nil || n <= 0 {
							return fmt.Errorf("invalid step count: %s", arg)
						}
						steps = n
					}
					if err := postgres.MigrateDown(cfg.DatabaseURL, steps); err != nil {
						return err
					}
					fmt.Fprintf(out, "rolled back %d migration(s)\n", steps)
					return nil
				},
			},
			{
				Name:  "status",
				Usage: "show the applied schema version",
				Action: func(c *cli.Context) error {
					if err := requireURL(); err != nil {
						return err
					}
					version, dirty, applied, err := postgres.MigrateStatus(cfg.DatabaseURL)
					if err != nil {
						return err
					}
					if !applied {
						fmt.Fprintln(out, "no migrations applied")
						return nil
					}
					fmt.Fprintf(out, "version %d (dirty=%t)\n", version, dirty)
					return nil
				},
			},
		},
	}
}

func usersCommand(open storeOpener, out io.Writer) *cli.Command {
	discordFlag := &cli.StringFlag{Name: "discord-id", Usage: "Discord user id", Required: true}
	setRole := func(role models.Role) cli.ActionFunc {
		return withAdmin(open, func(c *cli.Context, admin *services.AdminService) error {
			u, err := admin.SetRole(c.Context, c.String("discord-id"), role)
			if err != nil {
				return err
			}
			return printJSON(out, u)
		})
	}
	return &cli.Command{
		Name:  "users",
		Usage: "manage user roles",
		Subcommands: []*cli.Command{
			{Name: "promote", Usage: "grant admin", Flags: []cli.Flag{discordFlag}, Action: setRole(models.RoleAdmin)},
			{Name: "demote", Usage: "revoke admin", Flags: []cli.Flag{discordFlag}, Action: setRole(models.RoleUser)},
		},
	}
}

func serversCommand(open storeOpener, out io.Writer) *cli.Command {
	idFlag := &cli.StringFlag{Name: "id", Usage: "listing id", Required: true}
	modify := func(fn func(ctx context.Context, admin *services.AdminService, id string) (*models.Server, error)) cli.ActionFunc {
		return withAdmin(open, func(c *cli.Context, admin *services.AdminService) error {
			srv, err := fn(c.Context, admin, c.String("id"))
			if err != nil {
				return err
			}
			return printJSON(out, srv)
		})
	}
	return &cli.Command{
		Name:  "servers",
		Usage: "moderate listings",
		Subcommands: []*cli.Command{
			{
				Name:  "pending",
				Usage: "list listings awaiting approval",
				Action: withAdmin(open, func(c *cli.Context, admin *services.AdminService) error {
					list, err := admin.PendingServers(c.Context)
					if err != nil {
						return err
					}
					return printJSON(out, list)
				}),
			},
			{
				Name: "approve", Usage: "make a listing public", Flags: []cli.Flag{idFlag},
				Action: modify(func(ctx context.Context, a *services.AdminService, id string) (*models.Server, error) {
					return a.SetApproved(ctx, id, true)
				}),
			},
			{
				Name: "unapprove", Usage: "hide a listing", Flags: []cli.Flag{idFlag},
				Action: modify(func(ctx context.Context, a *services.AdminService, id string) (*models.Server, error) {
					return a.SetApproved(ctx, id, false)
				}),
			},
			{
				Name: "verify", Usage: "mark a listing verified", Flags: []cli.Flag{
					idFlag,
					&cli.BoolFlag{Name: "revoke", Usage: "clear the verified mark"},
				},
				Action: withAdmin(open, func(c *cli.Context, admin *services.AdminService) error {
					srv, err := admin.SetVerified(c.Context, c.String("id"), !c.Bool("revoke"))
					if err != nil {
						return err
					}
					return printJSON(out, srv)
				}),
			},
		},
	}
}

func reportsCommand(open storeOpener, out io.Writer) *cli.Command {
	idFlag := &cli.StringFlag{Name: "id", Usage: "report id", Required: true}
	return &cli.Command{
		Name:  "reports",
		Usage: "review user reports",
		Subcommands: []*cli.Command{
			{
				Name:  "list",
				Usage: "list reports",
				Flags: []cli.Flag{
					&cli.StringFlag{Name: "status", Value: string(models.ReportPending), Usage: "pending, resolved, dismissed or empty for all"},
				},
				Action: withAdmin(open, func(c *cli.Context, admin *services.AdminService) error {
					list, err := admin.Reports(c.Context, models.ReportStatus(c.String("status")))
					if err != nil {
						return err
					}
					return printJSON(out, list)
				}),
			},
			{
				Name: "resolve", Usage: "mark a report resolved", Flags: []cli.Flag{idFlag},
				Action: withAdmin(open, func(c *cli.Context, admin *services.AdminService) error {
					r, err := admin.ResolveReport(c.Context, c.String("id"))
					if err != nil {
						return err
					}
					return printJSON(out, r)
				}),
			},
			{
				Name: "dismiss", Usage: "dismiss a report", Flags: []cli.Flag{idFlag},
				Action: withAdmin(open, func(c *cli.Context, admin *services.AdminService) error {
					r, err := admin.DismissReport(c.Context, c.String("id"))
					if err != nil {
						return err
					}
					return printJSON(out, r)
				}),
			},
		},
	}
}
