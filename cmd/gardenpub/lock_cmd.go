package main

import (
	"encoding/json"
	"fmt"
	"io"

	"github.com/dustin/go-humanize"
	"github.com/spf13/cobra"

	"pkt.systems/gardenpub/internal/lock"
)

func (a *app) newLockCommand() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "lock",
		Short: "Inspect or remove publish locks",
	}
	cmd.AddCommand(a.newLockStatusCommand())
	cmd.AddCommand(a.newLockRemoveCommand("remove", nil))
	return cmd
}

// newRemoveLockCommand is the top-level spelling used by older runbooks.
func (a *app) newRemoveLockCommand() *cobra.Command {
	cmd := a.newLockRemoveCommand("remove-lock", nil)
	cmd.Short = "Remove a publish lock (same as lock remove)"
	return cmd
}

func (a *app) newLockRemoveCommand(use string, aliases []string) *cobra.Command {
	var stage, family string
	cmd := &cobra.Command{
		Use:     use,
		Aliases: aliases,
		Short:   "Remove the lock for a stage and family regardless of holder",
		Long: `A failed publish keeps its lock so the stage can be inspected before anyone
publishes again. Once the published catalog has been checked (and restored
from a backup if needed), remove the lock with this command.`,
		Args: cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			sess, err := a.openSession(cmd, "cli.lock")
			if err != nil {
				return err
			}
			defer sess.close()
			status, err := sess.svc.LockStatus(cmd.Context(), stage, family)
			if err != nil {
				return err
			}
			removed, err := sess.svc.RemoveLock(cmd.Context(), stage, family)
			if err != nil {
				return err
			}
			out := cmd.OutOrStdout()
			if !removed {
				fmt.Fprintf(out, "%s: no lock present\n", status.Key)
				return nil
			}
			sess.logger.Info("cli.lock.removed", "key", status.Key, "holder", holderOf(status))
			fmt.Fprintf(out, "%s: removed (holder %s)\n", status.Key, holderOf(status))
			return nil
		},
	}
	addTargetFlags(cmd, &stage, &family)
	return cmd
}

func (a *app) newLockStatusCommand() *cobra.Command {
	var (
		stage, family string
		asJSON        bool
	)
	cmd := &cobra.Command{
		Use:   "status",
		Short: "Show who holds the lock for a stage and family",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			sess, err := a.openSession(cmd, "cli.lock")
			if err != nil {
				return err
			}
			defer sess.close()
			status, err := sess.svc.LockStatus(cmd.Context(), stage, family)
			if err != nil {
				return err
			}
			return renderLockStatus(cmd.OutOrStdout(), status, asJSON)
		},
	}
	addTargetFlags(cmd, &stage, &family)
	cmd.Flags().BoolVar(&asJSON, "json", false, "print the status as JSON")
	return cmd
}

func renderLockStatus(w io.Writer, status *lock.Status, asJSON bool) error {
	if asJSON {
		enc := json.NewEncoder(w)
		enc.SetIndent("", "  ")
		return enc.Encode(status)
	}
	if !status.Held {
		_, err := fmt.Fprintf(w, "%s: free\n", status.Key)
		return err
	}
	fmt.Fprintf(w, "%s: held by %s\n", status.Key, holderOf(status))
	if rec := status.Record; rec != nil {
		if rec.Hostname != "" {
			fmt.Fprintf(w, "  host:     %s (pid %d)\n", rec.Hostname, rec.PID)
		}
		fmt.Fprintf(w, "  acquired: %s (%s)\n", rec.AcquiredAt.UTC().Format("2006-01-02T15:04:05Z"), humanize.Time(rec.AcquiredAt))
	}
	if status.Unreadable {
		fmt.Fprintln(w, "  record:   unreadable")
	}
	if status.Stale {
		fmt.Fprintf(w, "  stale:    %s\n", status.StaleReason)
	}
	return nil
}

func holderOf(status *lock.Status) string {
	if status.Record == nil || status.Record.HolderID == "" {
		return "unknown"
	}
	return status.Record.HolderID
}
