package main

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"io"
	"strings"
	"text/tabwriter"
	"time"

	"github.com/spf13/cobra"
	"go.uber.org/zap"

	"marginalia/api/internal/app"
	"marginalia/api/internal/article"
	"marginalia/api/internal/config"
	"marginalia/api/internal/logging"
	"marginalia/api/internal/security"
	"marginalia/api/internal/session"
	"marginalia/api/internal/store"
)

type options struct {
	configPath string
	verbose    bool
}

func newRootCmd() *cobra.Command {
	opts := &options{}
	root := &cobra.Command{
		Use:           "marginaliactl",
		Short:         "Maintenance commands for the Marginalia API",
		SilenceUsage:  true,
		SilenceErrors: true,
	}
	root.PersistentFlags().StringVar(&opts.configPath, "config", "", "path to a YAML config file (defaults to $MARGINALIA_CONFIG)")
	root.PersistentFlags().BoolVarP(&opts.verbose, "verbose", "v", false, "log at the configured level instead of staying quiet")

	root.AddCommand(
		newMigrateCmd(opts),
		newLockoutCmd(opts),
		newInviteCmd(opts),
		newBootstrapCmd(opts),
		newReindexCmd(opts),
		newTreeCmd(opts),
	)
	return root
}

func (o *options) load() (config.Config, *zap.Logger, error) {
	cfg, err := config.Load(o.configPath)
	if err != nil {
		return config.Config{}, nil, err
	}
	if !o.verbose {
		return cfg, zap.NewNop(), nil
	}
	logger, err := logging.New(cfg.LogLevel, cfg.Environment)
	if err != nil {
		return config.Config{}, nil, err
	}
	return cfg, logger, nil
}

// service opens the primary store only; search, history and mail stay off.
func (o *options) service(ctx context.Context) (*app.Service, func(), error) {
	cfg, logger, err := o.load()
	if err != nil {
		return nil, nil, err
	}
	st, closeStore, err := app.OpenStore(ctx, cfg, logger)
	if err != nil {
		return nil, nil, err
	}
	return app.New(cfg, app.Deps{Store: st, Logger: logger}), closeStore, nil
}

func newMigrateCmd(opts *options) *cobra.Command {
	cmd := &cobra.Command{
		Use:   "migrate",
		Short: "Manage the Postgres schema",
	}

	withDB := func(run func(ctx context.Context, cfg config.Config, out io.Writer, db *sql.DB) error) func(*cobra.Command, []string) error {
		return func(cmd *cobra.Command, _ []string) error {
			cfg, _, err := opts.load()
			if err != nil {
				return err
			}
			if cfg.StoreDriver != "postgres" {
				return fmt.Errorf("migrations apply to the postgres driver only (store driver is %q)", cfg.StoreDriver)
			}
			ctx := cmd.Context()
			db, err := store.Open(ctx, cfg.DatabaseURL, store.DefaultPool())
			if err != nil {
				return err
			}
			defer db.Close()
			return run(ctx, cfg, cmd.OutOrStdout(), db)
		}
	}

	cmd.AddCommand(&cobra.Command{
		Use:   "up",
		Short: "Apply pending migrations",
		RunE: withDB(func(ctx context.Context, cfg config.Config, out io.Writer, db *sql.DB) error {
			applied, err := store.ApplyMigrations(ctx, db, cfg.MigrationsDir)
			printVersions(out, "applied", applied)
			return err
		}),
	})

	var steps int
	down := &cobra.Command{
		Use:   "down",
		Short: "Revert the newest applied migrations",
		RunE: withDB(func(ctx context.Context, cfg config.Config, out io.Writer, db *sql.DB) error {
			reverted, err := store.RollbackMigrations(ctx, db, cfg.MigrationsDir, steps)
			printVersions(out, "reverted", reverted)
			return err
		}),
	}
	down.Flags().IntVar(&steps, "steps", 1, "number of migrations to revert; 0 reverts all")
	cmd.AddCommand(down)

	cmd.AddCommand(&cobra.Command{
		Use:   "status",
		Short: "List migrations and when they were applied",
		RunE: withDB(func(ctx context.Context, cfg config.Config, out io.Writer, db *sql.DB) error {
			migrations, err := store.MigrationStatus(ctx, db, cfg.MigrationsDir)
			if err != nil {
				return err
			}
			tw := tabwriter.NewWriter(out, 0, 4, 2, ' ', 0)
			fmt.Fprintln(tw, "VERSION\tAPPLIED")
			for _, m := range migrations {
				applied := "pending"
				if m.Applied() {
					applied = m.AppliedAt.Format(time.RFC3339)
				}
				fmt.Fprintf(tw, "%s\t%s\n", m.Version, applied)
			}
			return tw.Flush()
		}),
	})
	return cmd
}

func printVersions(out io.Writer, verb string, versions []string) {
	if len(versions) == 0 {
		fmt.Fprintf(out, "nothing %s\n", verb)
		return
	}
	for _, v := range versions {
		fmt.Fprintf(out, "%s %s\n", verb, v)
	}
}

// The lockout record is only reachable from outside the API process when it
// lives in Redis.
func (o *options) gate() (*security.Gate, func(), error) {
	cfg, _, err := o.load()
	if err != nil {
		return nil, nil, err
	}
	if strings.TrimSpace(cfg.RedisURL) == "" {
		return nil, nil, errors.New("lockout state is held in the API process; set redisUrl to manage it here, or restart the API")
	}
	redisStore, err := session.NewRedisStore(cfg.RedisURL)
	if err != nil {
		return nil, nil, err
	}
	gate := security.NewGate(redisStore,
		security.WithThreshold(cfg.LockoutThreshold),
		security.WithLockDuration(cfg.LockoutDuration),
	)
	return gate, func() { _ = redisStore.Close() }, nil
}

func newLockoutCmd(opts *options) *cobra.Command {
	cmd := &cobra.Command{
		Use:   "lockout",
		Short: "Inspect or clear the sign-in lockout",
	}
	cmd.AddCommand(&cobra.Command{
		Use:   "status",
		Short: "Show the lockout state and today's failures",
		RunE: func(cmd *cobra.Command, _ []string) error {
			gate, closeGate, err := opts.gate()
			if err != nil {
				return err
			}
			defer closeGate()
			status, err := gate.Status(cmd.Context())
			if err != nil {
				return err
			}
			writeStatus(cmd.OutOrStdout(), status)
			return nil
		},
	})
	cmd.AddCommand(&cobra.Command{
		Use:   "unlock",
		Short: "Reopen sign-in, including from a dead lock",
		RunE: func(cmd *cobra.Command, _ []string) error {
			gate, closeGate, err := opts.gate()
			if err != nil {
				return err
			}
			defer closeGate()
			if err := gate.Unlock(cmd.Context()); err != nil {
				return err
			}
			fmt.Fprintln(cmd.OutOrStdout(), "sign-in unlocked")
			return nil
		},
	})
	return cmd
}

func writeStatus(out io.Writer, status security.Status) {
	fmt.Fprintf(out, "state: %s\n", status.State)
	if status.LockedUntil != nil {
		fmt.Fprintf(out, "locked until: %s\n", status.LockedUntil.Format(time.RFC3339))
	}
	fmt.Fprintf(out, "failures today: %d\n", status.FailuresToday)
	fmt.Fprintf(out, "failures yesterday: %d\n", status.FailuresYesterday)
}

func newInviteCmd(opts *options) *cobra.Command {
	cmd := &cobra.Command{
		Use:   "invite",
		Short: "Manage registration invites",
	}
	var role, email string
	create := &cobra.Command{
		Use:   "create",
		Short: "Create an invite code",
		RunE: func(cmd *cobra.Command, _ []string) error {
			svc, closeStore, err := opts.service(cmd.Context())
			if err != nil {
				return err
			}
			defer closeStore()
			invite, err := svc.CreateInvite(cmd.Context(),
				app.Session{UserID: "marginaliactl", Username: "marginaliactl"},
				app.InviteInput{Role: role, Email: email})
			if err != nil {
				return err
			}
			fmt.Fprintf(cmd.OutOrStdout(), "%s\t%s\texpires %s\n",
				invite.Code, invite.Role, invite.ExpiresAt.Format(time.RFC3339))
			return nil
		},
	}
	create.Flags().StringVar(&role, "role", "member", "role granted on registration (member or admin)")
	create.Flags().StringVar(&email, "email", "", "recorded with the invite")
	cmd.AddCommand(create)
	return cmd
}

func newBootstrapCmd(opts *options) *cobra.Command {
	return &cobra.Command{
		Use:   "bootstrap",
		Short: "Create the root article, default tag group and configured admin",
		RunE: func(cmd *cobra.Command, _ []string) error {
			svc, closeStore, err := opts.service(cmd.Context())
			if err != nil {
				return err
			}
			defer closeStore()
			if err := svc.Bootstrap(cmd.Context()); err != nil {
				return err
			}
			root, err := svc.RootArticle(cmd.Context())
			if err != nil {
				return err
			}
			fmt.Fprintf(cmd.OutOrStdout(), "root article %s\n", root.ID)
			return nil
		},
	}
}

func newReindexCmd(opts *options) *cobra.Command {
	return &cobra.Command{
		Use:   "reindex",
		Short: "Push every article to Meilisearch",
		RunE: func(cmd *cobra.Command, _ []string) error {
			cfg, logger, err := opts.load()
			if err != nil {
				return err
			}
			if strings.TrimSpace(cfg.MeiliURL) == "" {
				return errors.New("meiliUrl is not configured")
			}
			rt, err := app.Build(cmd.Context(), cfg, logger)
			if err != nil {
				return err
			}
			defer rt.Close()
			n, err := rt.Service.Reindex(cmd.Context())
			if err != nil {
				return err
			}
			fmt.Fprintf(cmd.OutOrStdout(), "indexed %d articles\n", n)
			return nil
		},
	}
}

func newTreeCmd(opts *options) *cobra.Command {
	return &cobra.Command{
		Use:   "tree [article-id]",
		Short: "Print the article hierarchy below an article (the root by default)",
		Args:  cobra.MaximumNArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			svc, closeStore, err := opts.service(cmd.Context())
			if err != nil {
				return err
			}
			defer closeStore()

			var top store.Article
			if len(args) == 1 {
				top, err = svc.GetArticle(cmd.Context(), args[0])
			} else {
				top, err = svc.RootArticle(cmd.Context())
			}
			if err != nil {
				return err
			}
			nodes, err := svc.ArticleTree(cmd.Context(), top.ID)
			if err != nil {
				return err
			}
			out := cmd.OutOrStdout()
			fmt.Fprintf(out, "%s  %s\n", top.Title, top.ID)
			printTree(out, nodes, 1)
			return nil
		},
	}
}

func printTree(out io.Writer, nodes []*article.TreeNode, depth int) {
	for _, n := range nodes {
		fmt.Fprintf(out, "%s%s  %s\n", strings.Repeat("  ", depth), n.Title, n.ID)
		printTree(out, n.Children, depth+1)
	}
}
