package main

import (
	"context"
	"encoding/json"
	"fmt"
	"os"
	"os/signal"
	"syscall"
	"time"

	"fieldsync/internal/app"
	"fieldsync/internal/engine/reconcile"
	"fieldsync/internal/pkg/logger"
	"fieldsync/internal/platform/auth"
	"fieldsync/internal/platform/config"
	"fieldsync/internal/platform/models"

	_ "github.com/joho/godotenv/autoload"
	"github.com/rs/zerolog/log"
	"github.com/spf13/cobra"
)

var (
	configPath string
	cfg        *config.Config
)

func main() {
	if err := rootCmd.Execute(); err != nil {
		fmt.Fprintf(os.Stderr, "Error: %v\n", err)
		os.Exit(1)
	}
}

var rootCmd = &cobra.Command{
	Use:           "fieldsync-worker",
	Short:         "Background jobs and one-shot maintenance for fieldsync",
	SilenceUsage:  true,
	SilenceErrors: true,
	PersistentPreRunE: func(cmd *cobra.Command, args []string) error {
		var err error
		cfg, err = config.Load(configPath)
		if err != nil {
			return fmt.Errorf("load config: %w", err)
		}
		logger.Init(cfg.Logging)
		return nil
	},
}

func init() {
	rootCmd.PersistentFlags().StringVar(&configPath, "config", "configs/config.yaml", "Path to config file")

	reconcileCmd.Flags().String("type", models.RunTypeIncremental, "Run type: full, incremental or emergency")
	pruneCmd.Flags().Int("days", 0, "Retention in days (defaults to webhooks.retention_days)")
	tokenCmd.Flags().String("subject", "", "Token subject")
	tokenCmd.Flags().String("role", auth.RoleViewer, "Role: admin, operator or viewer")
	tokenCmd.Flags().StringSlice("scope", nil, "Scopes to embed")
	_ = tokenCmd.MarkFlagRequired("subject")

	rootCmd.AddCommand(runCmd, retryCmd, reconcileCmd, fullSyncCmd, checkCmd, pruneCmd, tokenCmd, hashSecretCmd)
}

// withApp wires the services for one command and tears them down afterwards.
func withApp(fn func(ctx context.Context, a *app.App) error) error {
	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	a, err := app.New(ctx, cfg)
	if err != nil {
		return err
	}
	defer func() {
		closeCtx, cancel := context.WithTimeout(context.Background(), cfg.Server.ShutdownTimeout)
		defer cancel()
		a.Close(closeCtx)
	}()
	return fn(ctx, a)
}

func printJSON(v any) error {
	enc := json.NewEncoder(os.Stdout)
	enc.SetIndent("", "  ")
	return enc.Encode(v)
}

var runCmd = &cobra.Command{
	Use:   "run",
	Short: "Run the scheduler until interrupted",
	RunE: func(cmd *cobra.Command, args []string) error {
		return withApp(func(ctx context.Context, a *app.App) error {
			a.CheckSecurity()
			a.RecoverRuns(ctx)
			a.Processor.Start()

			s := a.Scheduler()
			s.Start()
			log.Info().Msg("worker running")

			<-ctx.Done()
			log.Info().Msg("shutdown signal received")
			s.Stop()
			return nil
		})
	},
}

var retryCmd = &cobra.Command{
	Use:   "retry",
	Short: "Retry failed webhook events once",
	RunE: func(cmd *cobra.Command, args []string) error {
		return withApp(func(ctx context.Context, a *app.App) error {
			n, err := a.Processor.RetryFailedEvents(ctx)
			if err != nil {
				return err
			}
			return printJSON(map[string]int{"succeeded": n})
		})
	},
}

var reconcileCmd = &cobra.Command{
	Use:   "reconcile",
	Short: "Run one reconciliation",
	RunE: func(cmd *cobra.Command, args []string) error {
		runType, _ := cmd.Flags().GetString("type")
		if !reconcile.ValidRunType(runType) {
			return fmt.Errorf("unknown run type %q", runType)
		}
		return withApp(func(ctx context.Context, a *app.App) error {
			run, err := a.Engine.Run(ctx, runType)
			if run != nil {
				if perr := printJSON(run); perr != nil {
					return perr
				}
			}
			return err
		})
	},
}

var fullSyncCmd = &cobra.Command{
	Use:   "full-sync",
	Short: "Synchronise every company, job and quote",
	RunE: func(cmd *cobra.Command, args []string) error {
		return withApp(func(ctx context.Context, a *app.App) error {
			ctx, cancel := context.WithTimeout(ctx, cfg.Reconcile.FullTimeout)
			defer cancel()
			result, err := a.Syncer.PerformFullSync(ctx)
			if result != nil {
				if perr := printJSON(result); perr != nil {
					return perr
				}
			}
			return err
		})
	},
}

var checkCmd = &cobra.Command{
	Use:   "check",
	Short: "Report drift between the local store and the external API without repairing",
	RunE: func(cmd *cobra.Command, args []string) error {
		return withApp(func(ctx context.Context, a *app.App) error {
			report, err := a.Engine.PerformConsistencyChecks(ctx)
			if err != nil {
				return err
			}
			return printJSON(report)
		})
	},
}

var pruneCmd = &cobra.Command{
	Use:   "prune",
	Short: "Delete settled webhook events past retention",
	RunE: func(cmd *cobra.Command, args []string) error {
		days, _ := cmd.Flags().GetInt("days")
		if days <= 0 {
			days = cfg.Webhooks.RetentionDays
		}
		if days <= 0 {
			return fmt.Errorf("retention must be positive")
		}
		return withApp(func(ctx context.Context, a *app.App) error {
			n, err := a.Processor.Prune(ctx, time.Duration(days)*24*time.Hour)
			if err != nil {
				return err
			}
			return printJSON(map[string]int64{"deleted": n})
		})
	},
}

var tokenCmd = &cobra.Command{
	Use:   "token",
	Short: "Issue an access token",
	RunE: func(cmd *cobra.Command, args []string) error {
		subject, _ := cmd.Flags().GetString("subject")
		role, _ := cmd.Flags().GetString("role")
		scopes, _ := cmd.Flags().GetStringSlice("scope")
		switch role {
		case auth.RoleAdmin, auth.RoleOperator, auth.RoleViewer:
		default:
			return fmt.Errorf("unknown role %q", role)
		}

		token, err := auth.NewTokenService(cfg.JWT).GenerateAccessToken(subject, role, scopes...)
		if err != nil {
			return err
		}
		fmt.Println(token)
		return nil
	},
}

var hashSecretCmd = &cobra.Command{
	Use:   "hash-secret <secret>",
	Short: "Print a bcrypt hash for cron.secret_hash",
	Args:  cobra.ExactArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		hash, err := auth.HashSecret(args[0])
		if err != nil {
			return err
		}
		fmt.Println(hash)
		return nil
	},
}
