// Package main provides the triad CLI entry point.
package main

import (
	"fmt"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/spf13/cobra"

	"github.com/triaddb/triad/pkg/config"
	"github.com/triaddb/triad/pkg/jobs"
	"github.com/triaddb/triad/pkg/triad"
)

var (
	version = "0.1.0"
	commit  = "dev"
)

func main() {
	rootCmd := &cobra.Command{
		Use:   "triad",
		Short: "Triad - transactional CBD store with composite invalidation",
		Long: `Triad stores RDF concise bounded descriptions as versioned
documents and keeps derived composites (views, tables, search feeds)
consistent with them: every save is an all-or-nothing transaction, and
stale composites are regenerated inline or by queue workers.`,
	}
	rootCmd.PersistentFlags().String("config", "", "Configuration file (YAML)")
	rootCmd.PersistentFlags().String("data-dir", "./data", "Data directory")

	rootCmd.AddCommand(&cobra.Command{
		Use:   "version",
		Short: "Print version information",
		Run: func(cmd *cobra.Command, args []string) {
			fmt.Printf("triad v%s (%s)\n", version, commit)
		},
	})

	workerCmd := &cobra.Command{
		Use:   "worker",
		Short: "Run regeneration queue workers",
		Long:  "Run workers draining the regeneration queues until interrupted.",
		RunE:  runWorker,
	}
	workerCmd.Flags().StringSlice("queue", []string{config.DefaultQueue}, "Queues to drain (repeatable)")
	workerCmd.Flags().Int("workers", 1, "Workers per queue")
	workerCmd.Flags().Duration("poll-interval", time.Second, "Queue poll interval")
	rootCmd.AddCommand(workerCmd)

	replayCmd := &cobra.Command{
		Use:   "replay",
		Short: "Re-apply completed transactions from the log",
		Long: `Re-apply the post-images of every transaction completed inside the
given window, oldest first. Used to roll a restored backup forward.`,
		RunE: runReplay,
	}
	replayCmd.Flags().String("from", "", "Window start (RFC 3339; default: beginning of log)")
	replayCmd.Flags().String("to", "", "Window end (RFC 3339; default: now)")
	rootCmd.AddCommand(replayCmd)

	regenerateCmd := &cobra.Command{
		Use:   "regenerate [spec-id]",
		Short: "Start a bulk regeneration pass for one specification",
		Args:  cobra.ExactArgs(1),
		RunE:  runRegenerate,
	}
	rootCmd.AddCommand(regenerateCmd)

	locksCmd := &cobra.Command{
		Use:   "locks",
		Short: "Advisory lock operations",
	}
	removeInertCmd := &cobra.Command{
		Use:   "remove-inert [transaction-id]",
		Short: "Remove the lock records a finished transaction left behind",
		Args:  cobra.ExactArgs(1),
		RunE:  runRemoveInert,
	}
	removeInertCmd.Flags().String("reason", "operator cleanup", "Reason recorded in the transaction log")
	locksCmd.AddCommand(removeInertCmd)
	rootCmd.AddCommand(locksCmd)

	if err := rootCmd.Execute(); err != nil {
		fmt.Fprintf(os.Stderr, "Error: %v\n", err)
		os.Exit(1)
	}
}

// openDriver loads configuration and opens the store named by the
// shared flags.
func openDriver(cmd *cobra.Command) (*triad.Driver, error) {
	configPath, _ := cmd.Flags().GetString("config")
	dataDir, _ := cmd.Flags().GetString("data-dir")

	var (
		cfg *config.Config
		err error
	)
	if configPath != "" {
		cfg, err = config.Load(configPath)
		if err != nil {
			return nil, err
		}
	}
	if cfg != nil && cfg.DataDir != "" && !cmd.Flags().Changed("data-dir") {
		dataDir = cfg.DataDir
	}
	if err := os.MkdirAll(dataDir, 0o755); err != nil {
		return nil, fmt.Errorf("creating data directory: %w", err)
	}
	return triad.Open(dataDir, cfg)
}

func runWorker(cmd *cobra.Command, args []string) error {
	queues, _ := cmd.Flags().GetStringSlice("queue")
	perQueue, _ := cmd.Flags().GetInt("workers")
	pollInterval, _ := cmd.Flags().GetDuration("poll-interval")

	db, err := openDriver(cmd)
	if err != nil {
		return err
	}
	defer db.Close()

	type queueWorker struct {
		queue  string
		worker *jobs.Worker
	}
	var workers []queueWorker
	for _, queue := range queues {
		for i := 0; i < perQueue; i++ {
			workers = append(workers, queueWorker{queue: queue, worker: db.NewWorker(queue, pollInterval)})
		}
	}
	fmt.Printf("triad v%s: %d worker(s) on %v\n", version, len(workers), queues)

	sigChan := make(chan os.Signal, 1)
	signal.Notify(sigChan, syscall.SIGINT, syscall.SIGTERM)
	<-sigChan

	fmt.Println("shutting down...")
	for _, w := range workers {
		w.worker.Close()
		stats := w.worker.Stats()
		fmt.Printf("  %s: processed %d, failed %d\n", w.queue, stats.Processed, stats.Failed)
	}
	return nil
}

func runReplay(cmd *cobra.Command, args []string) error {
	fromFlag, _ := cmd.Flags().GetString("from")
	toFlag, _ := cmd.Flags().GetString("to")

	var from, to time.Time
	var err error
	if fromFlag != "" {
		if from, err = time.Parse(time.RFC3339, fromFlag); err != nil {
			return fmt.Errorf("parsing --from: %w", err)
		}
	}
	to = time.Now()
	if toFlag != "" {
		if to, err = time.Parse(time.RFC3339, toFlag); err != nil {
			return fmt.Errorf("parsing --to: %w", err)
		}
	}

	db, err := openDriver(cmd)
	if err != nil {
		return err
	}
	defer db.Close()

	applied, err := db.ReplayTransactions(cmd.Context(), from, to)
	if err != nil {
		return err
	}
	fmt.Printf("replayed %d transaction(s)\n", applied)
	return nil
}

func runRegenerate(cmd *cobra.Command, args []string) error {
	db, err := openDriver(cmd)
	if err != nil {
		return err
	}
	defer db.Close()

	group, count, err := db.RegenerateSpec(cmd.Context(), args[0])
	if err != nil {
		return err
	}
	if count == 0 {
		fmt.Printf("no candidates for %s; existing composites swept\n", args[0])
		return nil
	}
	fmt.Printf("enqueued %d job(s) in group %s; run workers to drain\n", count, group)
	return nil
}

func runRemoveInert(cmd *cobra.Command, args []string) error {
	reason, _ := cmd.Flags().GetString("reason")

	db, err := openDriver(cmd)
	if err != nil {
		return err
	}
	defer db.Close()

	removed, err := db.RemoveInertLocks(cmd.Context(), args[0], reason)
	if err != nil {
		return err
	}
	fmt.Printf("removed %d lock(s) held by %s\n", len(removed), args[0])
	for _, lock := range removed {
		fmt.Printf("  %s\n", lock.Subject)
	}
	return nil
}
