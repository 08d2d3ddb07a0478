package main

import (
	"context"
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"
	"time"

	"github.com/fieldtrial-io/fieldtrial/internal/api"
	"github.com/fieldtrial-io/fieldtrial/internal/assign"
	"github.com/spf13/cobra"
	"golang.org/x/time/rate"
)

var (
	// Global flags
	sourceBackend string
	sourceDSN     string
	targetBackend string
	targetDSN     string
	checkpointDir string
	experimentID  string
	dryRun        bool

	// Copy tuning
	throttleQPS int
)

func main() {
	rootCmd := &cobra.Command{
		Use:   "assign-migrate",
		Short: "Assignment store migration tool",
		Long: `Moves persisted assignments between store backends without breaking
assignment stability. Supports a plan -> copy -> verify workflow; the
target store's first-write-wins semantics make the copy idempotent and
safe to resume.`,
	}

	rootCmd.PersistentFlags().StringVar(&sourceBackend, "source", "memory", "Source backend (memory|redis|postgres)")
	rootCmd.PersistentFlags().StringVar(&sourceDSN, "source-dsn", "data/assignments.json", "Source DSN (snapshot path, redis addr, or postgres conn string)")
	rootCmd.PersistentFlags().StringVar(&targetBackend, "target", "redis", "Target backend (memory|redis|postgres)")
	rootCmd.PersistentFlags().StringVar(&targetDSN, "target-dsn", "localhost:6379", "Target DSN")
	rootCmd.PersistentFlags().StringVarP(&checkpointDir, "checkpoint-dir", "d", "./checkpoints", "Checkpoint directory")
	rootCmd.PersistentFlags().StringVarP(&experimentID, "experiment", "e", "", "Restrict to one experiment (default: all)")
	rootCmd.PersistentFlags().BoolVar(&dryRun, "dry-run", false, "Dry-run mode (no writes)")

	rootCmd.AddCommand(planCmd())
	rootCmd.AddCommand(copyCmd())
	rootCmd.AddCommand(verifyCmd())
	rootCmd.AddCommand(statusCmd())

	if err := rootCmd.Execute(); err != nil {
		fmt.Fprintf(os.Stderr, "Error: %v\n", err)
		os.Exit(1)
	}
}

// checkpoint records copy progress so an interrupted run can resume.
type checkpoint struct {
	StartedAt    time.Time `json:"started_at"`
	UpdatedAt    time.Time `json:"updated_at"`
	ExperimentID string    `json:"experiment_id,omitempty"`
	Total        int       `json:"total"`
	Copied       int       `json:"copied"`
	Skipped      int       `json:"skipped"`
	Done         bool      `json:"done"`
}

func checkpointPath() string {
	name := "all"
	if experimentID != "" {
		name = experimentID
	}
	return filepath.Join(checkpointDir, fmt.Sprintf("assign-migrate-%s.json", name))
}

func saveCheckpoint(cp *checkpoint) error {
	if err := os.MkdirAll(checkpointDir, 0755); err != nil {
		return err
	}
	data, err := json.MarshalIndent(cp, "", "  ")
	if err != nil {
		return err
	}
	return os.WriteFile(checkpointPath(), data, 0644)
}

func loadCheckpoint() (*checkpoint, error) {
	data, err := os.ReadFile(checkpointPath())
	if err != nil {
		return nil, err
	}
	var cp checkpoint
	if err := json.Unmarshal(data, &cp); err != nil {
		return nil, err
	}
	return &cp, nil
}

func openStore(backend, dsn string) (assign.Store, error) {
	switch backend {
	case "memory":
		return assign.NewMemoryStore(dsn), nil
	case "redis":
		return assign.NewRedisStore(dsn, os.Getenv("REDIS_PASSWORD"), 0)
	case "postgres":
		return assign.NewPostgresStore(dsn)
	default:
		return nil, fmt.Errorf("unknown backend %q", backend)
	}
}

func planCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "plan",
		Short: "Count assignments to migrate and write a fresh checkpoint",
		RunE: func(cmd *cobra.Command, args []string) error {
			ctx := context.Background()

			source, err := openStore(sourceBackend, sourceDSN)
			if err != nil {
				return fmt.Errorf("failed to open source: %w", err)
			}
			defer source.Close()

			assignments, err := source.List(ctx, experimentID)
			if err != nil {
				return fmt.Errorf("failed to list source assignments: %w", err)
			}

			byExperiment := map[string]int{}
			for _, a := range assignments {
				byExperiment[a.ExperimentID]++
			}

			fmt.Printf("=== Migration Plan ===\n")
			fmt.Printf("Source: %s (%s)\n", sourceBackend, sourceDSN)
			fmt.Printf("Target: %s (%s)\n", targetBackend, targetDSN)
			fmt.Printf("Assignments to migrate: %d\n", len(assignments))
			for id, n := range byExperiment {
				fmt.Printf("  %s: %d\n", id, n)
			}

			cp := &checkpoint{
				StartedAt:    time.Now(),
				UpdatedAt:    time.Now(),
				ExperimentID: experimentID,
				Total:        len(assignments),
			}
			if err := saveCheckpoint(cp); err != nil {
				return fmt.Errorf("failed to save checkpoint: %w", err)
			}

			fmt.Printf("\nCheckpoint written to %s\n", checkpointPath())
			fmt.Printf("Next: run 'assign-migrate copy' to start copying\n")
			return nil
		},
	}
}

func copyCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "copy",
		Short: "Copy assignments from source to target",
		Long: `Copies assignments in a single pass. The target store only accepts the
first write per (subject, experiment) key, so re-running after an
interruption never overwrites an assignment.`,
		RunE: func(cmd *cobra.Command, args []string) error {
			ctx := context.Background()

			source, err := openStore(sourceBackend, sourceDSN)
			if err != nil {
				return fmt.Errorf("failed to open source: %w", err)
			}
			defer source.Close()

			target, err := openStore(targetBackend, targetDSN)
			if err != nil {
				return fmt.Errorf("failed to open target: %w", err)
			}
			defer target.Close()

			assignments, err := source.List(ctx, experimentID)
			if err != nil {
				return fmt.Errorf("failed to list source assignments: %w", err)
			}

			cp, err := loadCheckpoint()
			if err != nil {
				cp = &checkpoint{StartedAt: time.Now(), ExperimentID: experimentID}
			}
			cp.Total = len(assignments)
			cp.Copied = 0
			cp.Skipped = 0

			limiter := rate.NewLimiter(rate.Limit(throttleQPS), throttleQPS)

			fmt.Printf("=== Copy ===\n")
			fmt.Printf("Assignments: %d, throttle: %d QPS, dry-run: %v\n", len(assignments), throttleQPS, dryRun)

			for i, a := range assignments {
				if err := limiter.Wait(ctx); err != nil {
					return err
				}

				existing, err := target.Get(ctx, a.SubjectID, a.ExperimentID)
				if err != nil {
					return fmt.Errorf("target read failed at %d/%d: %w", i+1, len(assignments), err)
				}
				if existing != nil {
					if existing.VariantID != a.VariantID {
						return fmt.Errorf("divergent assignment for (%s, %s): source=%s target=%s",
							a.ExperimentID, a.SubjectID, a.VariantID, existing.VariantID)
					}
					cp.Skipped++
					continue
				}

				if !dryRun {
					if err := target.Put(ctx, a); err != nil {
						return fmt.Errorf("target write failed at %d/%d: %w", i+1, len(assignments), err)
					}
				}
				cp.Copied++

				if (i+1)%1000 == 0 {
					cp.UpdatedAt = time.Now()
					if err := saveCheckpoint(cp); err != nil {
						return fmt.Errorf("failed to save checkpoint: %w", err)
					}
					fmt.Printf("  %d/%d copied\n", i+1, len(assignments))
				}
			}

			cp.UpdatedAt = time.Now()
			cp.Done = true
			if err := saveCheckpoint(cp); err != nil {
				return fmt.Errorf("failed to save checkpoint: %w", err)
			}

			fmt.Printf("Copied %d, skipped %d existing\n", cp.Copied, cp.Skipped)
			fmt.Printf("Next: run 'assign-migrate verify'\n")
			return nil
		},
	}
	cmd.Flags().IntVar(&throttleQPS, "throttle", 500, "Max target operations per second")
	return cmd
}

func verifyCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "verify",
		Short: "Verify every source assignment exists identically in the target",
		RunE: func(cmd *cobra.Command, args []string) error {
			ctx := context.Background()

			source, err := openStore(sourceBackend, sourceDSN)
			if err != nil {
				return fmt.Errorf("failed to open source: %w", err)
			}
			defer source.Close()

			target, err := openStore(targetBackend, targetDSN)
			if err != nil {
				return fmt.Errorf("failed to open target: %w", err)
			}
			defer target.Close()

			assignments, err := source.List(ctx, experimentID)
			if err != nil {
				return fmt.Errorf("failed to list source assignments: %w", err)
			}

			var missing, divergent []*api.Assignment
			for _, a := range assignments {
				got, err := target.Get(ctx, a.SubjectID, a.ExperimentID)
				if err != nil {
					return fmt.Errorf("target read failed: %w", err)
				}
				switch {
				case got == nil:
					missing = append(missing, a)
				case got.VariantID != a.VariantID:
					divergent = append(divergent, a)
				}
			}

			fmt.Printf("=== Verify ===\n")
			fmt.Printf("Checked: %d, missing: %d, divergent: %d\n", len(assignments), len(missing), len(divergent))
			for _, a := range missing {
				fmt.Printf("  missing: (%s, %s)\n", a.ExperimentID, a.SubjectID)
			}
			for _, a := range divergent {
				fmt.Printf("  divergent: (%s, %s)\n", a.ExperimentID, a.SubjectID)
			}

			if len(missing) > 0 || len(divergent) > 0 {
				return fmt.Errorf("verification failed")
			}
			fmt.Printf("Target is complete; point ASSIGN_BACKEND at it and restart\n")
			return nil
		},
	}
}

func statusCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "status",
		Short: "Show checkpoint progress",
		RunE: func(cmd *cobra.Command, args []string) error {
			cp, err := loadCheckpoint()
			if err != nil {
				return fmt.Errorf("no checkpoint found (run 'plan' first): %w", err)
			}
			fmt.Printf("=== Status ===\n")
			fmt.Printf("Started:  %s\n", cp.StartedAt.Format(time.RFC3339))
			fmt.Printf("Updated:  %s\n", cp.UpdatedAt.Format(time.RFC3339))
			if cp.ExperimentID != "" {
				fmt.Printf("Scope:    %s\n", cp.ExperimentID)
			}
			fmt.Printf("Progress: %d copied + %d skipped of %d\n", cp.Copied, cp.Skipped, cp.Total)
			fmt.Printf("Done:     %v\n", cp.Done)
			return nil
		},
	}
}
