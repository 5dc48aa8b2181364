package main

import (
	"context"
	"fmt"
	"os"

	"github.com/spf13/cobra"

	dtkerrors "dtk/internal/errors"
	"dtk/internal/refactor"
	"dtk/internal/session"
)

var (
	refactorTargets       []string
	refactorComplexity    int
	refactorMaxFuncLines  int
	refactorRemoveSatd    bool
	refactorWorkers       int
	refactorMemoryLimitMB int
	refactorBatchSize     int
	refactorMaxRuntimeSec int
	refactorAutoCommit    bool
	refactorFormat        string
	refactorCheckpoint    string
)

var refactorCmd = &cobra.Command{
	Use:   "refactor",
	Short: "Drive a resumable refactor session",
}

var refactorServeCmd = &cobra.Command{
	Use:   "serve",
	Short: "Start a session and advance it until it parks",
	Long: `Start a refactor session over the given targets and keep advancing it
until it reaches a terminal phase or pauses on its runtime budget. Progress
is checkpointed after every step, so a killed process can pick up where it
left off with "dtk refactor resume".`,
	Args: cobra.NoArgs,
	RunE: func(cmd *cobra.Command, args []string) error {
		if len(refactorTargets) == 0 {
			return dtkerrors.NewValidation("targets", "at least one target file is required")
		}
		a, err := getApp()
		if err != nil {
			return err
		}
		st, err := a.sessions.Start(refactorTargets, sessionConfig())
		if err != nil {
			return err
		}
		fmt.Fprintf(os.Stderr, "session %s started over %d targets\n", st.SessionID, len(st.Targets))
		return advanceUntilParked(a.sessions)
	},
}

var refactorStatusCmd = &cobra.Command{
	Use:   "status",
	Short: "Show the active session's phase and per-target progress",
	Args:  cobra.NoArgs,
	RunE: func(cmd *cobra.Command, args []string) error {
		body, err := dispatch("refactor.status", nil)
		if err != nil {
			return err
		}
		return printResult(body, refactorFormat)
	},
}

var refactorStopCmd = &cobra.Command{
	Use:   "stop",
	Short: "Stop the active session and delete its checkpoint",
	Args:  cobra.NoArgs,
	RunE: func(cmd *cobra.Command, args []string) error {
		body, err := dispatch("refactor.stop", nil)
		if err != nil {
			return err
		}
		return printResult(body, refactorFormat)
	},
}

var refactorResumeCmd = &cobra.Command{
	Use:   "resume",
	Short: "Resume a checkpointed session and advance it until it parks",
	Args:  cobra.NoArgs,
	RunE: func(cmd *cobra.Command, args []string) error {
		a, err := getApp()
		if err != nil {
			return err
		}
		st, err := a.sessions.Resume(refactorCheckpoint)
		if err != nil {
			return err
		}
		fmt.Fprintf(os.Stderr, "session %s resumed in phase %s\n", st.SessionID, st.Phase)
		return advanceUntilParked(a.sessions)
	},
}

func sessionConfig() refactor.Config {
	cfg := refactor.DefaultConfig()
	if refactorComplexity > 0 {
		cfg.TargetComplexity = refactorComplexity
	}
	if refactorMaxFuncLines > 0 {
		cfg.MaxFunctionLines = refactorMaxFuncLines
	}
	if refactorWorkers > 0 {
		cfg.ParallelWorkers = refactorWorkers
	}
	if refactorMemoryLimitMB > 0 {
		cfg.MemoryLimitMB = refactorMemoryLimitMB
	}
	if refactorBatchSize > 0 {
		cfg.BatchSize = refactorBatchSize
	}
	if refactorMaxRuntimeSec > 0 {
		cfg.MaxRuntimeSec = refactorMaxRuntimeSec
	}
	cfg.RemoveSatd = refactorRemoveSatd
	cfg.AutoCommit = refactorAutoCommit
	return cfg
}

// advanceUntilParked steps the session until it finishes, pauses, or
// fails. A memory-budget rejection is recoverable: the machine has
// already split the batch, so the next step retries the smaller one.
func advanceUntilParked(mgr *session.Manager) error {
	for {
		st, err := mgr.Advance(context.Background())
		if err != nil {
			if dtkerrors.KindOf(err) == dtkerrors.ResourceExhausted {
				fmt.Fprintf(os.Stderr, "memory budget hit, batch split: %v\n", err)
				continue
			}
			return err
		}
		fmt.Fprintf(os.Stderr, "phase=%s batch=%d/%d\n", st.Phase, st.BatchIndex, st.Batches)
		if st.Paused {
			fmt.Fprintln(os.Stderr, "session paused on runtime budget; resume with: dtk refactor resume")
			return printResult(st, refactorFormat)
		}
		if st.Phase.Terminal() {
			return printResult(st, refactorFormat)
		}
	}
}

func init() {
	refactorServeCmd.Flags().StringSliceVar(&refactorTargets, "targets", nil, "Target files (comma-separated or repeated)")
	refactorServeCmd.Flags().IntVar(&refactorComplexity, "target-complexity", 0, "Cyclomatic complexity goal per function")
	refactorServeCmd.Flags().IntVar(&refactorMaxFuncLines, "max-function-lines", 0, "Function length goal")
	refactorServeCmd.Flags().BoolVar(&refactorRemoveSatd, "remove-satd", false, "Plan removal of SATD markers")
	refactorServeCmd.Flags().IntVar(&refactorWorkers, "workers", 0, "Parallel workers")
	refactorServeCmd.Flags().IntVar(&refactorMemoryLimitMB, "memory-limit-mb", 0, "Memory budget per batch")
	refactorServeCmd.Flags().IntVar(&refactorBatchSize, "batch-size", 0, "Targets per batch")
	refactorServeCmd.Flags().IntVar(&refactorMaxRuntimeSec, "max-runtime-sec", 0, "Wall-time budget before the session pauses")
	refactorServeCmd.Flags().BoolVar(&refactorAutoCommit, "auto-commit", false, "Commit each verified batch with git")

	refactorResumeCmd.Flags().StringVar(&refactorCheckpoint, "checkpoint", "", "Checkpoint file (default: newest snapshot)")

	refactorCmd.PersistentFlags().StringVar(&refactorFormat, "format", "table", "Output format (table, json, yaml)")
	refactorCmd.AddCommand(refactorServeCmd, refactorStatusCmd, refactorStopCmd, refactorResumeCmd)
	rootCmd.AddCommand(refactorCmd)
}
