package main

import (
	"context"
	"fmt"
	"io"
	"os/signal"
	"strings"
	"syscall"
	"time"

	"github.com/google/uuid"
	"github.com/spf13/cobra"

	"github.com/ehr/docquery/internal/config"
	"github.com/ehr/docquery/internal/domain/docquery"
	"github.com/ehr/docquery/internal/platform/auth"
	"github.com/ehr/docquery/internal/platform/db"
	"github.com/ehr/docquery/migrations"
)

// withApp loads config, connects and wires the services for a one-shot
// command. Queued webhook deliveries are drained before it returns.
func withApp(fn func(ctx context.Context, a *app) error) error {
	cfg, err := loadConfig()
	if err != nil {
		return err
	}
	logger := newLogger(cfg)

	ctx := context.Background()
	pool, err := openPool(ctx, cfg)
	if err != nil {
		return err
	}
	defer pool.Close()

	a := newApp(cfg, pool, logger)
	defer a.drain(logger)
	return fn(ctx, a)
}

func migrateCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "migrate",
		Short: "Run database migrations",
	}

	// migrate up
	cmd.AddCommand(&cobra.Command{
		Use:   "up",
		Short: "Apply pending migrations",
		RunE: func(cmd *cobra.Command, args []string) error {
			cfg, err := config.Load()
			if err != nil {
				return err
			}

			ctx := context.Background()
			pool, err := openPool(ctx, cfg)
			if err != nil {
				return err
			}
			defer pool.Close()

			count, err := db.NewMigrator(pool, migrations.FS).Up(ctx)
			if err != nil {
				return fmt.Errorf("migration failed: %w", err)
			}

			fmt.Fprintf(cmd.OutOrStdout(), "Applied %d migration(s) successfully.\n", count)
			return nil
		},
	})

	// migrate status
	cmd.AddCommand(&cobra.Command{
		Use:   "status",
		Short: "Show migration status",
		RunE: func(cmd *cobra.Command, args []string) error {
			cfg, err := config.Load()
			if err != nil {
				return err
			}

			ctx := context.Background()
			pool, err := openPool(ctx, cfg)
			if err != nil {
				return err
			}
			defer pool.Close()

			statuses, err := db.NewMigrator(pool, migrations.FS).Status(ctx)
			if err != nil {
				return fmt.Errorf("failed to get migration status: %w", err)
			}
			printMigrationStatus(cmd.OutOrStdout(), statuses)
			return nil
		},
	})

	return cmd
}

func printMigrationStatus(w io.Writer, statuses []db.MigrationStatus) {
	fmt.Fprintf(w, "%-10s %-40s %-10s %s\n", "VERSION", "NAME", "STATUS", "APPLIED AT")
	fmt.Fprintln(w, "---------- ---------------------------------------- ---------- --------------------")
	for _, s := range statuses {
		status := "pending"
		appliedAt := ""
		if s.Applied {
			status = "applied"
			if s.AppliedAt != nil {
				appliedAt = s.AppliedAt.Format("2006-01-02 15:04:05")
			}
		}
		fmt.Fprintf(w, "%-10d %-40s %-10s %s\n", s.Version, s.Name, status, appliedAt)
	}
}

func sweepCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "sweep",
		Short: "Complete document query stages stuck in processing",
		RunE: func(cmd *cobra.Command, args []string) error {
			raw, _ := cmd.Flags().GetStringSlice("patient-ids")
			ids, err := parseUUIDs(raw)
			if err != nil {
				return err
			}
			return withApp(func(ctx context.Context, a *app) error {
				report, err := a.sweeper.Sweep(ctx, ids)
				if err != nil {
					return err
				}
				printSweepReport(cmd.OutOrStdout(), report)
				return nil
			})
		},
	}
	cmd.Flags().StringSlice("patient-ids", nil, "Only sweep these patients (comma separated)")
	return cmd
}

func printSweepReport(w io.Writer, r *docquery.SweepReport) {
	fmt.Fprintf(w, "completed: %d  abandoned: %d  skipped: %d  failed: %d  notified: %d\n",
		len(r.Completed), len(r.Abandoned), r.Skipped, len(r.Failed), r.Notified)
	if r.Truncated {
		fmt.Fprintln(w, "  more candidates remain; run the sweep again")
	}
	for _, s := range r.Abandoned {
		fmt.Fprintf(w, "  abandoned %s %s (cx %s)\n", s.Stage, s.Ref.PatientID, s.Ref.CxID)
	}
	for _, f := range r.Failed {
		fmt.Fprintf(w, "  failed    %s (cx %s): %s\n", f.Ref.PatientID, f.Ref.CxID, f.Error)
	}
}

func webhookCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "webhook",
		Short: "Inspect and replay customer webhook requests",
	}

	retryCmd := &cobra.Command{
		Use:   "retry",
		Short: "Replay a customer's failed webhook requests, oldest first",
		RunE: func(cmd *cobra.Command, args []string) error {
			cxID, err := cxIDFlag(cmd)
			if err != nil {
				return err
			}
			return withApp(func(ctx context.Context, a *app) error {
				report, err := a.retrier.RetryFailed(ctx, cxID)
				if err != nil {
					return err
				}
				fmt.Fprintf(cmd.OutOrStdout(), "retried: %d  succeeded: %d  failed: %d\n",
					report.Total, report.Succeeded, report.Failed)
				return nil
			})
		},
	}
	retryCmd.Flags().String("cx-id", "", "Customer ID")
	cmd.AddCommand(retryCmd)

	countCmd := &cobra.Command{
		Use:   "count",
		Short: "Count a customer's processing and failed webhook requests",
		RunE: func(cmd *cobra.Command, args []string) error {
			cxID, err := cxIDFlag(cmd)
			if err != nil {
				return err
			}
			return withApp(func(ctx context.Context, a *app) error {
				counts, err := a.requests.CountOpen(ctx, cxID)
				if err != nil {
					return err
				}
				fmt.Fprintf(cmd.OutOrStdout(), "processing: %d  failed: %d\n", counts.Processing, counts.Failed)
				return nil
			})
		},
	}
	countCmd.Flags().String("cx-id", "", "Customer ID")
	cmd.AddCommand(countCmd)

	return cmd
}

func consumeCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "consume-conversions",
		Short: "Apply conversion callbacks from Kafka without serving HTTP",
		RunE: func(cmd *cobra.Command, args []string) error {
			cfg, err := loadConfig()
			if err != nil {
				return err
			}
			logger := newLogger(cfg)

			ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
			defer stop()

			pool, err := openPool(ctx, cfg)
			if err != nil {
				return err
			}
			defer pool.Close()

			a := newApp(cfg, pool, logger)
			defer a.drain(logger)

			consumer := newConsumer(cfg, a, logger)
			if consumer == nil {
				return fmt.Errorf("KAFKA_BROKERS and KAFKA_CONVERSION_TOPIC are required")
			}
			defer consumer.Close()

			logger.Info().Str("topic", cfg.KafkaConversionTopic).Msg("consuming conversion callbacks")
			return consumer.Run(ctx)
		},
	}
}

func tokenCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "token",
		Short: "Issue a signed API token",
		RunE: func(cmd *cobra.Command, args []string) error {
			subject, _ := cmd.Flags().GetString("subject")
			cxID, _ := cmd.Flags().GetString("cx-id")
			roles, _ := cmd.Flags().GetStringSlice("role")
			ttl, _ := cmd.Flags().GetDuration("ttl")

			if subject == "" {
				return fmt.Errorf("--subject is required")
			}
			if cxID != "" {
				if _, err := uuid.Parse(cxID); err != nil {
					return fmt.Errorf("invalid --cx-id: %w", err)
				}
			}

			cfg, err := config.Load()
			if err != nil {
				return err
			}
			if cfg.AuthSigningKey == "" {
				return fmt.Errorf("AUTH_SIGNING_KEY is required to issue tokens")
			}

			token, err := auth.IssueToken(auth.JWTConfig{
				Issuer:     cfg.AuthIssuer,
				Audience:   cfg.AuthAudience,
				SigningKey: []byte(cfg.AuthSigningKey),
			}, subject, cxID, roles, ttl)
			if err != nil {
				return err
			}
			fmt.Fprintln(cmd.OutOrStdout(), token)
			return nil
		},
	}
	cmd.Flags().String("subject", "", "Token subject")
	cmd.Flags().String("cx-id", "", "Customer ID for customer tokens")
	cmd.Flags().StringSlice("role", nil, "Roles to grant, e.g. internal")
	cmd.Flags().Duration("ttl", 24*time.Hour, "Token lifetime")
	return cmd
}

func cxIDFlag(cmd *cobra.Command) (uuid.UUID, error) {
	raw, _ := cmd.Flags().GetString("cx-id")
	if raw == "" {
		return uuid.Nil, fmt.Errorf("--cx-id is required")
	}
	id, err := uuid.Parse(raw)
	if err != nil {
		return uuid.Nil, fmt.Errorf("invalid --cx-id: %w", err)
	}
	return id, nil
}

func parseUUIDs(raw []string) ([]uuid.UUID, error) {
	var ids []uuid.UUID
	for _, s := range raw {
		s = strings.TrimSpace(s)
		if s == "" {
			continue
		}
		id, err := uuid.Parse(s)
		if err != nil {
			return nil, fmt.Errorf("invalid patient id %q: %w", s, err)
		}
		ids = append(ids, id)
	}
	return ids, nil
}
