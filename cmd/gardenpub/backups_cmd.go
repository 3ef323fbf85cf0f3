package main

import (
	"bufio"
	"fmt"
	"strings"
	"text/tabwriter"

	"github.com/dustin/go-humanize"
	"github.com/spf13/cobra"

	"pkt.systems/gardenpub/internal/publish"
)

func (a *app) newBackupsCommand() *cobra.Command {
	cmd := &cobra.Command{
		Use:     "backups",
		Aliases: []string{"backup"},
		Short:   "List or restore catalog snapshots",
	}
	cmd.AddCommand(a.newBackupsListCommand())
	cmd.AddCommand(a.newBackupsRestoreCommand())
	return cmd
}

func (a *app) newBackupsListCommand() *cobra.Command {
	var stage, family string
	cmd := &cobra.Command{
		Use:   "list",
		Short: "List snapshots for a stage and family, oldest first",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			sess, err := a.openSession(cmd, "cli.backups")
			if err != nil {
				return err
			}
			defer sess.close()
			snaps, err := sess.svc.ListBackups(cmd.Context(), stage, family)
			if err != nil {
				return err
			}
			tw := tabwriter.NewWriter(cmd.OutOrStdout(), 0, 4, 2, ' ', 0)
			fmt.Fprintln(tw, "ID\tCREATED\tSIZE\tCONTENT")
			for _, s := range snaps {
				content := "catalog"
				size := humanizeBytes(s.Size)
				if s.Absent {
					content = "absent"
					size = "-"
				}
				fmt.Fprintf(tw, "%s\t%s\t%s\t%s\n", s.ID, humanize.Time(s.CreatedAt), size, content)
			}
			return tw.Flush()
		},
	}
	addTargetFlags(cmd, &stage, &family)
	return cmd
}

func (a *app) newBackupsRestoreCommand() *cobra.Command {
	var (
		stage, family string
		yes           bool
	)
	cmd := &cobra.Command{
		Use:   "restore ID",
		Short: "Write a snapshot back as the published catalog",
		Long: `restore takes the lock, writes the snapshot back byte for byte and releases
the lock. Restoring a snapshot of an absent catalog deletes the published
document. Remove a lock kept by a failed publish first.`,
		Args: cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			id := strings.TrimSpace(args[0])
			if !yes {
				fmt.Fprintf(cmd.ErrOrStderr(), "Restore %s/%s from snapshot %s? [y/N] ", stage, family, id)
				line, _ := bufio.NewReader(cmd.InOrStdin()).ReadString('\n')
				if answer := strings.ToLower(strings.TrimSpace(line)); answer != "y" && answer != "yes" {
					return &publish.Error{Kind: publish.KindAborted, State: publish.StateIdle, Err: errDeclined}
				}
			}
			sess, err := a.openSession(cmd, "cli.backups")
			if err != nil {
				return err
			}
			defer sess.close()
			snap, err := sess.svc.RestoreBackup(cmd.Context(), stage, family, id, "")
			if err != nil {
				return err
			}
			if snap.Absent {
				fmt.Fprintf(cmd.OutOrStdout(), "restored %s/%s to %s: catalog removed\n", stage, family, snap.ID)
				return nil
			}
			fmt.Fprintf(cmd.OutOrStdout(), "restored %s/%s to %s (%s, %s)\n", stage, family, snap.ID, humanizeBytes(snap.Size), snap.Checksum)
			return nil
		},
	}
	addTargetFlags(cmd, &stage, &family)
	cmd.Flags().BoolVarP(&yes, "yes", "y", false, "do not ask for confirmation")
	return cmd
}
