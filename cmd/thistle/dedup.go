package main

import (
	"context"
	"encoding/json"
	"fmt"
	"os"

	"github.com/spf13/cobra"

	"github.com/Ramsey-B/thistle/internal/server"
	"github.com/Ramsey-B/thistle/pkg/dedup"
)

var (
	actor             string
	canonicalEntityID string
	keepEntityID      string
	confirmClearAll   bool
)

// withService starts the core dependencies, runs fn and prints its result as JSON.
func withService(fn func(ctx context.Context, svc *dedup.Service, user string) (any, error)) error {
	cfg, logger, err := bootstrap()
	if err != nil {
		return err
	}

	ctx, cancel := signalContext()
	defer cancel()

	srv := server.New(cfg, logger)
	st := srv.Core()
	if err := st.Start(ctx); err != nil {
		return err
	}
	defer func() { _ = st.Stop(context.WithoutCancel(ctx)) }()

	user := actor
	if user == "" {
		user = os.Getenv("USER")
	}
	if user == "" {
		return fmt.Errorf("--actor is required when $USER is not set")
	}

	result, err := fn(ctx, srv.Service(), user)
	if err != nil {
		return err
	}

	enc := json.NewEncoder(os.Stdout)
	enc.SetIndent("", "  ")
	return enc.Encode(result)
}

func optional(value string) *string {
	if value == "" {
		return nil
	}
	return &value
}

var scanCmd = &cobra.Command{
	Use:   "scan",
	Short: "Scan Intrusion-Sets for duplicate candidates",
	Args:  cobra.NoArgs,
	RunE: func(cmd *cobra.Command, args []string) error {
		return withService(func(ctx context.Context, svc *dedup.Service, user string) (any, error) {
			return svc.Scan(ctx, user)
		})
	},
}

var approveCmd = &cobra.Command{
	Use:   "approve <candidate-id>",
	Short: "Approve a pending candidate",
	Args:  cobra.ExactArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		return withService(func(ctx context.Context, svc *dedup.Service, user string) (any, error) {
			return svc.Approve(ctx, args[0], optional(canonicalEntityID), user)
		})
	},
}

var rejectCmd = &cobra.Command{
	Use:   "reject <candidate-id>",
	Short: "Reject a pending candidate so it is never proposed again",
	Args:  cobra.ExactArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		return withService(func(ctx context.Context, svc *dedup.Service, user string) (any, error) {
			return svc.Reject(ctx, args[0], optional(canonicalEntityID), user)
		})
	},
}

var mergeCmd = &cobra.Command{
	Use:   "merge <candidate-id>",
	Short: "Merge a candidate pair on the platform, keeping --keep",
	Args:  cobra.ExactArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		return withService(func(ctx context.Context, svc *dedup.Service, user string) (any, error) {
			return svc.Merge(ctx, args[0], keepEntityID, user)
		})
	},
}

var clearStuckCmd = &cobra.Command{
	Use:   "clear-stuck",
	Short: "Mark running scans as failed",
	Args:  cobra.NoArgs,
	RunE: func(cmd *cobra.Command, args []string) error {
		return withService(func(ctx context.Context, svc *dedup.Service, user string) (any, error) {
			cleared, err := svc.ClearStuck(ctx, user)
			if err != nil {
				return nil, err
			}
			return map[string]int{"cleared": cleared}, nil
		})
	},
}

var clearAllCmd = &cobra.Command{
	Use:   "clear-all",
	Short: "Delete every candidate, scan run and merge history entry",
	Long: `Delete every candidate, scan run and merge history entry.

This also forgets rejected pairs, so the next scan may propose them again.`,
	Args: cobra.NoArgs,
	RunE: func(cmd *cobra.Command, args []string) error {
		if !confirmClearAll {
			return fmt.Errorf("clear-all deletes all dedup state, pass --yes to confirm")
		}
		return withService(func(ctx context.Context, svc *dedup.Service, user string) (any, error) {
			return svc.ClearAll(ctx, user)
		})
	},
}

var reconcileCmd = &cobra.Command{
	Use:   "reconcile",
	Short: "Mark candidates merged when merge history shows a successful merge",
	Args:  cobra.NoArgs,
	RunE: func(cmd *cobra.Command, args []string) error {
		return withService(func(ctx context.Context, svc *dedup.Service, user string) (any, error) {
			reconciled, err := svc.Reconcile(ctx)
			if err != nil {
				return nil, err
			}
			return map[string]int{"reconciled": reconciled}, nil
		})
	},
}

func init() {
	rootCmd.PersistentFlags().StringVar(&actor, "actor", "", "user recorded on reviews, merges and scans (default $USER)")

	approveCmd.Flags().StringVar(&canonicalEntityID, "canonical", "", "entity id to record as canonical")
	rejectCmd.Flags().StringVar(&canonicalEntityID, "canonical", "", "entity id to record as canonical")
	mergeCmd.Flags().StringVar(&keepEntityID, "keep", "", "entity id that survives the merge")
	_ = mergeCmd.MarkFlagRequired("keep")
	clearAllCmd.Flags().BoolVar(&confirmClearAll, "yes", false, "confirm deleting all dedup state")

	rootCmd.AddCommand(scanCmd, approveCmd, rejectCmd, mergeCmd, clearStuckCmd, clearAllCmd, reconcileCmd)
}
