package main

import (
	"context"
	"encoding/json"
	"fmt"
	"io"
	"io/fs"
	"os"
	"time"

	"github.com/rs/zerolog"
	"github.com/spf13/cobra"

	"github.com/medcenter/clinicflow/internal/config"
	"github.com/medcenter/clinicflow/internal/domain/scheduling"
	"github.com/medcenter/clinicflow/internal/platform/db"
	"github.com/medcenter/clinicflow/internal/platform/metrics"
	"github.com/medcenter/clinicflow/internal/platform/predictor"
	"github.com/medcenter/clinicflow/migrations"
)

func main() {
	if err := newRootCmd().Execute(); err != nil {
		os.Exit(1)
	}
}

func newRootCmd() *cobra.Command {
	rootCmd := &cobra.Command{
		Use:          "clinic-server",
		Short:        "Clinic appointment and patient-flow API server",
		SilenceUsage: true,
	}

	rootCmd.AddCommand(serveCmd())
	rootCmd.AddCommand(migrateCmd())
	rootCmd.AddCommand(accuracyCmd())
	rootCmd.AddCommand(predictorCmd())
	return rootCmd
}

func serveCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "serve",
		Short: "Start the clinic API server",
		RunE: func(cmd *cobra.Command, args []string) error {
			return runServer()
		},
	}
}

func loadConfig() (*config.Config, error) {
	cfg, err := config.Load()
	if err != nil {
		return nil, err
	}
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	return cfg, nil
}

func newLogger(env, level string) zerolog.Logger {
	logger := zerolog.New(os.Stdout).With().Timestamp().Logger()
	if env == "development" {
		logger = zerolog.New(zerolog.ConsoleWriter{Out: os.Stdout}).With().Timestamp().Logger()
	}
	lvl, err := zerolog.ParseLevel(level)
	if err != nil || level == "" {
		lvl = zerolog.InfoLevel
	}
	return logger.Level(lvl)
}

// migrationFiles reads from dir when given, otherwise from the migrations
// compiled into the binary.
func migrationFiles(dir string) fs.FS {
	if dir == "" {
		return migrations.FS
	}
	return os.DirFS(dir)
}

func migrateCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "migrate",
		Short: "Run database migrations",
	}

	// migrate up
	upCmd := &cobra.Command{
		Use:   "up",
		Short: "Apply pending migrations",
		RunE: func(cmd *cobra.Command, args []string) error {
			dir, _ := cmd.Flags().GetString("dir")

			cfg, err := config.Load()
			if err != nil {
				return err
			}

			ctx := context.Background()
			pool, err := db.NewPool(ctx, cfg.DatabaseURL, cfg.DBMaxConns, cfg.DBMinConns)
			if err != nil {
				return err
			}
			defer pool.Close()

			count, err := db.NewMigrator(pool, migrationFiles(dir)).Up(ctx)
			if err != nil {
				return fmt.Errorf("migration failed: %w", err)
			}

			fmt.Fprintf(cmd.OutOrStdout(), "Applied %d migration(s) successfully.\n", count)
			return nil
		},
	}
	upCmd.Flags().String("dir", "", "Path to migrations directory (defaults to the embedded migrations)")
	cmd.AddCommand(upCmd)

	// migrate status
	statusCmd := &cobra.Command{
		Use:   "status",
		Short: "Show migration status",
		RunE: func(cmd *cobra.Command, args []string) error {
			dir, _ := cmd.Flags().GetString("dir")

			cfg, err := config.Load()
			if err != nil {
				return err
			}

			ctx := context.Background()
			pool, err := db.NewPool(ctx, cfg.DatabaseURL, cfg.DBMaxConns, cfg.DBMinConns)
			if err != nil {
				return err
			}
			defer pool.Close()

			statuses, err := db.NewMigrator(pool, migrationFiles(dir)).Status(ctx)
			if err != nil {
				return fmt.Errorf("failed to get migration status: %w", err)
			}
			printMigrationStatus(cmd.OutOrStdout(), statuses)
			return nil
		},
	}
	statusCmd.Flags().String("dir", "", "Path to migrations directory (defaults to the embedded migrations)")
	cmd.AddCommand(statusCmd)

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

// newScheduling wires the scheduling service over pool. snapshots and events
// may be nil.
func newScheduling(cfg *config.Config, pool db.DB, logger zerolog.Logger, m *metrics.Metrics,
	snapshots scheduling.SnapshotCache, events scheduling.EventSink) (*scheduling.Service, *predictor.Client, error) {
	loc, err := cfg.Location()
	if err != nil {
		return nil, nil, err
	}
	client := predictor.NewClient(predictor.Config{
		BaseURL:         cfg.PredictorURL,
		Timeout:         cfg.PredictorTimeout,
		BreakerFailures: cfg.PredictorBreakerFailures,
		BreakerCooldown: cfg.PredictorBreakerCooldown,
	}, logger, m)

	svc := scheduling.NewService(scheduling.Deps{
		Appointments: scheduling.NewAppointmentRepoPG(pool),
		Interactions: scheduling.NewInteractionRepoPG(pool),
		Counter:      scheduling.NewQueueCounterPG(pool),
		Tx:           db.NewTxManager(pool),
		Estimator:    client,
		Cache:        snapshots,
		Events:       events,
		Metrics:      m,
		Logger:       logger.With().Str("component", "scheduling").Logger(),
	}, scheduling.Settings{
		Location:                loc,
		AnomalyThresholdMinutes: cfg.AnomalyThresholdMinutes,
		QueueCacheTTL:           cfg.QueueCacheTTL,
	})
	return svc, client, nil
}

// withService loads config, opens the database and runs fn against a
// scheduling service with no cache or event sinks.
func withService(fn func(ctx context.Context, svc *scheduling.Service, client *predictor.Client) error) error {
	cfg, err := loadConfig()
	if err != nil {
		return err
	}
	logger := newLogger(cfg.Env, cfg.LogLevel)

	ctx := context.Background()
	pool, err := db.NewPool(ctx, cfg.DatabaseURL, cfg.DBMaxConns, cfg.DBMinConns)
	if err != nil {
		return err
	}
	defer pool.Close()

	svc, client, err := newScheduling(cfg, pool, logger, nil, nil, nil)
	if err != nil {
		return err
	}
	return fn(ctx, svc, client)
}

func writeJSON(w io.Writer, v interface{}) error {
	enc := json.NewEncoder(w)
	enc.SetIndent("", "  ")
	return enc.Encode(v)
}

func accuracyCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "accuracy",
		Short: "Print the prediction accuracy report",
		RunE: func(cmd *cobra.Command, args []string) error {
			days, _ := cmd.Flags().GetInt("window-days")
			return withService(func(ctx context.Context, svc *scheduling.Service, _ *predictor.Client) error {
				report, err := svc.PredictionAccuracy(ctx, days)
				if err != nil {
					return err
				}
				return writeJSON(cmd.OutOrStdout(), report)
			})
		},
	}
	cmd.Flags().Int("window-days", 30, "Number of days of completed visits to include")
	return cmd
}

func predictorCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "predictor",
		Short: "Inspect and feed the visit-duration predictor",
	}

	cmd.AddCommand(&cobra.Command{
		Use:   "info",
		Short: "Show the model served by the predictor",
		RunE: func(cmd *cobra.Command, args []string) error {
			return withService(func(ctx context.Context, _ *scheduling.Service, client *predictor.Client) error {
				ctx, cancel := context.WithTimeout(ctx, 10*time.Second)
				defer cancel()
				health, err := client.Health(ctx)
				if err != nil {
					return err
				}
				info, err := client.ModelInfo(ctx)
				if err != nil {
					return err
				}
				return writeJSON(cmd.OutOrStdout(), map[string]interface{}{"health": health, "model": info})
			})
		},
	})

	syncCmd := &cobra.Command{
		Use:   "sync",
		Short: "Send completed visits to the predictor as training data",
		RunE: func(cmd *cobra.Command, args []string) error {
			days, _ := cmd.Flags().GetInt("window-days")
			return withService(func(ctx context.Context, svc *scheduling.Service, client *predictor.Client) error {
				samples, err := svc.TrainingSamples(ctx, days)
				if err != nil {
					return err
				}
				if len(samples) == 0 {
					fmt.Fprintln(cmd.OutOrStdout(), "No completed visits in window; nothing to send.")
					return nil
				}
				ack, err := client.SubmitTrainingData(ctx, samples)
				if err != nil {
					return err
				}
				fmt.Fprintf(cmd.OutOrStdout(), "Sent %d sample(s).\n", len(samples))
				return writeJSON(cmd.OutOrStdout(), ack)
			})
		},
	}
	syncCmd.Flags().Int("window-days", 30, "Number of days of completed visits to send")
	cmd.AddCommand(syncCmd)

	return cmd
}
