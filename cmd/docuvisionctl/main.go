// Package main provides the docuvisionctl administrative CLI entrypoint.
package main

import (
	"context"
	"encoding/json"
	"fmt"
	"os"
	"time"

	"github.com/spf13/cobra"

	"github.com/docuvision/docuvision/internal/config"
	"github.com/docuvision/docuvision/internal/jobqueue"
	"github.com/docuvision/docuvision/internal/metadatastore"
	"github.com/docuvision/docuvision/internal/observability"
	"github.com/redis/go-redis/v9"
)

var (
	cfgFile    string
	outputJSON bool

	cfg    *config.Config
	logger *observability.Logger
)

var rootCmd = &cobra.Command{
	Use:   "docuvisionctl",
	Short: "docuvisionctl administers the docuvision document pipeline",
	Long: `docuvisionctl provides operator commands for the document lifecycle engine.

Use this tool to:
- Apply metadata store migrations
- Inspect and replay documents stuck or failed in processing
- Inspect job queue depth and in-flight leases

All commands support --json for automation.`,
	PersistentPreRunE: func(cmd *cobra.Command, args []string) error {
		var err error
		cfg, err = config.Load(cfgFile)
		if err != nil {
			return fmt.Errorf("load config: %w", err)
		}

		logFormat := "console"
		if outputJSON {
			logFormat = "json"
		}

		logger = observability.NewLogger(observability.LogConfig{
			Level:       cfg.Observability.LogLevel,
			Format:      logFormat,
			ServiceName: "docuvisionctl",
		})
		return nil
	},
}

func init() {
	rootCmd.PersistentFlags().StringVarP(&cfgFile, "config", "c", "", "config file path (default: uses env vars)")
	rootCmd.PersistentFlags().BoolVar(&outputJSON, "json", false, "output in JSON format")

	rootCmd.AddCommand(newMigrateCmd())
	rootCmd.AddCommand(newDocumentsCmd())
	rootCmd.AddCommand(newQueueCmd())
	rootCmd.AddCommand(newVersionCmd())
}

func main() {
	if err := rootCmd.Execute(); err != nil {
		fmt.Fprintln(os.Stderr, err)
		os.Exit(1)
	}
}

// newMigrateCmd applies the metadata store schema (metadatastore.Open
// migrates on connect, so this command's only job is to open and close
// a store against the configured DSN and report success).
func newMigrateCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "migrate",
		Short: "Apply metadata store migrations",
		RunE: func(cmd *cobra.Command, args []string) error {
			ctx, cancel := context.WithTimeout(context.Background(), 30*time.Second)
			defer cancel()

			store, err := metadatastore.Open(ctx, cfg.Database.Driver, cfg.DatabaseDSN())
			if err != nil {
				return fmt.Errorf("open metadata store: %w", err)
			}
			defer store.Close()

			if outputJSON {
				return json.NewEncoder(os.Stdout).Encode(map[string]string{
					"status": "migrated",
					"driver": cfg.Database.Driver,
				})
			}
			fmt.Printf("✓ Migrations applied on %s\n", cfg.Database.Driver)
			return nil
		},
	}
}

func newDocumentsCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "documents",
		Short: "Inspect and manage documents",
	}
	cmd.AddCommand(newDocumentsListCmd())
	cmd.AddCommand(newDocumentsReplayCmd())
	return cmd
}

func newDocumentsListCmd() *cobra.Command {
	var (
		status string
		skip   int
		limit  int
	)

	cmd := &cobra.Command{
		Use:   "list",
		Short: "List documents, optionally filtered by status",
		RunE: func(cmd *cobra.Command, args []string) error {
			ctx, cancel := context.WithTimeout(context.Background(), 30*time.Second)
			defer cancel()

			store, err := metadatastore.Open(ctx, cfg.Database.Driver, cfg.DatabaseDSN())
			if err != nil {
				return fmt.Errorf("open metadata store: %w", err)
			}
			defer store.Close()

			page, err := store.List(ctx, metadatastore.ListOptions{
				Skip:   skip,
				Limit:  limit,
				Status: metadatastore.StatusFilter(status),
			})
			if err != nil {
				return fmt.Errorf("list documents: %w", err)
			}

			if outputJSON {
				enc := json.NewEncoder(os.Stdout)
				enc.SetIndent("", "  ")
				return enc.Encode(page)
			}

			fmt.Printf("%-8s %-10s %-8s %-30s\n", "ID", "STATUS", "ATTEMPT", "FILENAME")
			for _, doc := range page.Documents {
				fmt.Printf("%-8d %-10s %-8d %-30s\n", doc.ID, doc.Status, doc.AttemptNumber, doc.OriginalFilename)
			}
			fmt.Printf("\n%d of %d documents\n", len(page.Documents), page.Total)
			return nil
		},
	}

	cmd.Flags().StringVar(&status, "status", "", "filter by status (pending, processing, completed, failed)")
	cmd.Flags().IntVar(&skip, "skip", 0, "number of documents to skip")
	cmd.Flags().IntVar(&limit, "limit", 20, "maximum documents to return")

	return cmd
}

// newDocumentsReplayCmd resets a Completed or Failed document to
// Pending and enqueues a fresh job, mirroring Controller.StartProcessing's
// retry path but from the operator side rather than the API.
func newDocumentsReplayCmd() *cobra.Command {
	var documentID int64

	cmd := &cobra.Command{
		Use:   "replay",
		Short: "Reset a document to Pending and re-enqueue it",
		RunE: func(cmd *cobra.Command, args []string) error {
			ctx, cancel := context.WithTimeout(context.Background(), 30*time.Second)
			defer cancel()

			store, err := metadatastore.Open(ctx, cfg.Database.Driver, cfg.DatabaseDSN())
			if err != nil {
				return fmt.Errorf("open metadata store: %w", err)
			}
			defer store.Close()

			doc, err := store.GetByID(ctx, documentID)
			if err != nil {
				return fmt.Errorf("load document: %w", err)
			}
			if doc.Status == metadatastore.StatusProcessing {
				return fmt.Errorf("document %d is currently processing; wait for it to finish or fail before replaying", documentID)
			}

			if err := store.ResetToPending(ctx, documentID); err != nil {
				return fmt.Errorf("reset document: %w", err)
			}

			redisClient := redis.NewClient(&redis.Options{
				Addr:     cfg.Cache.Redis.Addr,
				Password: cfg.Cache.Redis.Password,
				DB:       cfg.Cache.Redis.DB,
			})
			defer redisClient.Close()

			queue := jobqueue.NewRedisQueue(redisClient)
			if err := queue.Enqueue(ctx, documentID, nil); err != nil {
				return fmt.Errorf("enqueue job: %w", err)
			}

			logger.Info().Int64("document_id", documentID).Msg("document replayed")

			if outputJSON {
				return json.NewEncoder(os.Stdout).Encode(map[string]interface{}{
					"document_id": documentID,
					"status":      "pending",
				})
			}
			fmt.Printf("✓ Document %d reset to pending and re-enqueued\n", documentID)
			return nil
		},
	}

	cmd.Flags().Int64Var(&documentID, "id", 0, "document ID to replay (required)")
	_ = cmd.MarkFlagRequired("id")

	return cmd
}

func newQueueCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "queue",
		Short: "Inspect the job queue",
	}
	cmd.AddCommand(newQueueStatusCmd())
	cmd.AddCommand(newQueueRecoverCmd())
	return cmd
}

func newQueueStatusCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "status",
		Short: "Show pending and in-flight job counts",
		RunE: func(cmd *cobra.Command, args []string) error {
			ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
			defer cancel()

			redisClient := redis.NewClient(&redis.Options{
				Addr:     cfg.Cache.Redis.Addr,
				Password: cfg.Cache.Redis.Password,
				DB:       cfg.Cache.Redis.DB,
			})
			defer redisClient.Close()

			pending, err := redisClient.ZCard(ctx, "docuvision:jobqueue:pending").Result()
			if err != nil {
				return fmt.Errorf("count pending jobs: %w", err)
			}
			processing, err := redisClient.ZCard(ctx, "docuvision:jobqueue:processing").Result()
			if err != nil {
				return fmt.Errorf("count processing jobs: %w", err)
			}

			if outputJSON {
				return json.NewEncoder(os.Stdout).Encode(map[string]int64{
					"pending":    pending,
					"processing": processing,
				})
			}
			fmt.Printf("Pending:    %d\n", pending)
			fmt.Printf("Processing: %d\n", processing)
			return nil
		},
	}
}

func newQueueRecoverCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "recover",
		Short: "Recover jobs whose visibility timeout has lapsed",
		RunE: func(cmd *cobra.Command, args []string) error {
			ctx, cancel := context.WithTimeout(context.Background(), 30*time.Second)
			defer cancel()

			redisClient := redis.NewClient(&redis.Options{
				Addr:     cfg.Cache.Redis.Addr,
				Password: cfg.Cache.Redis.Password,
				DB:       cfg.Cache.Redis.DB,
			})
			defer redisClient.Close()

			queue := jobqueue.NewRedisQueue(redisClient)
			recovered, err := queue.RecoverExpired(ctx)
			if err != nil {
				return fmt.Errorf("recover expired leases: %w", err)
			}

			if outputJSON {
				return json.NewEncoder(os.Stdout).Encode(map[string]int{"recovered": recovered})
			}
			fmt.Printf("✓ Recovered %d expired lease(s)\n", recovered)
			return nil
		},
	}
}

func newVersionCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "version",
		Short: "Print version information",
		Run: func(cmd *cobra.Command, args []string) {
			if outputJSON {
				json.NewEncoder(os.Stdout).Encode(map[string]string{"version": "0.1.0"})
				return
			}
			fmt.Println("docuvisionctl v0.1.0")
		},
	}
}
