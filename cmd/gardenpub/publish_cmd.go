package main

import (
	"bufio"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"strings"
	"text/tabwriter"

	"github.com/spf13/cobra"

	"pkt.systems/gardenpub"
	"pkt.systems/gardenpub/internal/catalog"
	"pkt.systems/gardenpub/internal/merge"
	"pkt.systems/gardenpub/internal/publish"
)

func (a *app) newPublishCommand() *cobra.Command {
	var (
		stage, family string
		catalogPath   string
		dryRun        bool
		forceName     string
		asJSON        bool
	)
	cmd := &cobra.Command{
		Use:   "publish",
		Short: "Merge a local catalog into the published catalog of a stage",
		Long: `publish takes the lock for the stage and family, snapshots the published
catalog, merges the local catalog into it and uploads the result. Any conflict
rejects the whole run and leaves the published catalog untouched. When the
upload or read-back fails the snapshot is restored and the lock is kept.`,
		Args: cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			local, err := gardenpub.LoadCatalog(catalogPath)
			if err != nil {
				return err
			}
			sess, err := a.openSession(cmd, "cli.publish")
			if err != nil {
				return err
			}
			defer sess.close()
			rep, err := sess.svc.Publish(cmd.Context(), gardenpub.PublishRequest{
				Stage:     stage,
				Family:    family,
				Local:     local,
				DryRun:    dryRun,
				ForceName: forceName,
			})
			if rerr := renderReport(cmd.OutOrStdout(), rep, asJSON); rerr != nil && err == nil {
				err = rerr
			}
			return err
		},
	}
	addTargetFlags(cmd, &stage, &family)
	cmd.Flags().StringVar(&catalogPath, "catalog", "", "local catalog file (JSON, or YAML with a .yaml/.yml extension)")
	cmd.Flags().BoolVar(&dryRun, "dry-run", false, "lock, merge and report without writing a backup or the catalog")
	cmd.Flags().StringVar(&forceName, "force", "", "replace every published entry with this name regardless of version rules (dev only)")
	cmd.Flags().BoolVar(&asJSON, "json", false, "print the run report as JSON")
	_ = cmd.MarkFlagRequired("catalog")
	return cmd
}

func (a *app) newRemoveEntryCommand() *cobra.Command {
	var (
		stage, family string
		name          string
		dryRun        bool
		yes           bool
		asJSON        bool
	)
	cmd := &cobra.Command{
		Use:   "remove-entry",
		Short: "Remove every published entry with a given name",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			sess, err := a.openSession(cmd, "cli.remove_entry")
			if err != nil {
				return err
			}
			defer sess.close()
			req := publish.RemoveRequest{Stage: stage, Family: family, Name: name, DryRun: dryRun}
			if !yes {
				req.Confirm = promptConfirm(cmd.InOrStdin(), cmd.ErrOrStderr())
			}
			rep, err := sess.svc.RemoveEntry(cmd.Context(), req)
			if rerr := renderReport(cmd.OutOrStdout(), rep, asJSON); rerr != nil && err == nil {
				err = rerr
			}
			return err
		},
	}
	addTargetFlags(cmd, &stage, &family)
	cmd.Flags().StringVar(&name, "name", "", "entry name to remove")
	cmd.Flags().BoolVar(&dryRun, "dry-run", false, "show what would be removed without writing")
	cmd.Flags().BoolVarP(&yes, "yes", "y", false, "do not ask for confirmation")
	cmd.Flags().BoolVar(&asJSON, "json", false, "print the run report as JSON")
	_ = cmd.MarkFlagRequired("name")
	return cmd
}

// promptConfirm asks on in before a removal is uploaded.
func promptConfirm(in io.Reader, out io.Writer) publish.ConfirmFunc {
	reader := bufio.NewReader(in)
	return func(_ context.Context, rep *publish.Report) (bool, error) {
		fmt.Fprintf(out, "Remove %d entr%s from %s/%s:\n", len(rep.Removed), plural(len(rep.Removed), "y", "ies"), rep.Stage, rep.Family)
		for _, e := range rep.Removed {
			fmt.Fprintf(out, "  - %s\n", e.Label())
		}
		fmt.Fprint(out, "Continue? [y/N] ")
		line, err := reader.ReadString('\n')
		if err != nil && err != io.EOF {
			return false, err
		}
		switch strings.ToLower(strings.TrimSpace(line)) {
		case "y", "yes":
			return true, nil
		default:
			return false, nil
		}
	}
}

func plural(n int, one, many string) string {
	if n == 1 {
		return one
	}
	return many
}

func (a *app) newDownloadCommand() *cobra.Command {
	var (
		stage, family string
		output        string
	)
	cmd := &cobra.Command{
		Use:   "download",
		Short: "Write the published catalog document to a file or stdout",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			sess, err := a.openSession(cmd, "cli.download")
			if err != nil {
				return err
			}
			defer sess.close()
			dl, err := sess.svc.Download(cmd.Context(), stage, family)
			if err != nil {
				return err
			}
			if err := writeOutput(output, dl.Data, func(data []byte) error {
				_, err := cmd.OutOrStdout().Write(data)
				return err
			}); err != nil {
				return err
			}
			if output != "" && output != "-" {
				fmt.Fprintf(cmd.ErrOrStderr(), "wrote %s (%s, %s) to %s\n", dl.Key, humanizeBytes(int64(len(dl.Data))), dl.Checksum, output)
			}
			return nil
		},
	}
	addTargetFlags(cmd, &stage, &family)
	cmd.Flags().StringVarP(&output, "output", "o", "-", "destination file, or - for stdout")
	return cmd
}

func (a *app) newListCommand() *cobra.Command {
	var (
		stage, family string
		asJSON        bool
	)
	cmd := &cobra.Command{
		Use:   "list",
		Short: "List the published entries of a stage and family",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			sess, err := a.openSession(cmd, "cli.list")
			if err != nil {
				return err
			}
			defer sess.close()
			entries, dl, err := sess.svc.List(cmd.Context(), stage, family)
			if err != nil {
				return err
			}
			out := cmd.OutOrStdout()
			if asJSON {
				data, err := catalog.Encode(entries)
				if err != nil {
					return err
				}
				_, err = out.Write(data)
				return err
			}
			return renderCatalog(out, entries, dl)
		},
	}
	addTargetFlags(cmd, &stage, &family)
	cmd.Flags().BoolVar(&asJSON, "json", false, "print the catalog document instead of a table")
	return cmd
}

func renderCatalog(w io.Writer, entries catalog.Catalog, dl *publish.Download) error {
	if dl.Absent {
		fmt.Fprintf(w, "%s: not published\n", dl.Key)
		return nil
	}
	fmt.Fprintf(w, "%s: %d entr%s, %s, %s\n", dl.Key, len(entries), plural(len(entries), "y", "ies"), humanizeBytes(int64(len(dl.Data))), dl.Checksum)
	tw := tabwriter.NewWriter(w, 0, 4, 2, ' ', 0)
	fmt.Fprintln(tw, "NAME\tVERSION\tRANGE\tHASH")
	for _, e := range entries.Sorted() {
		fmt.Fprintf(tw, "%s\t%s\t%s\t%s\n", e.Name, e.Version, e.Range(), shortHash(e.ContentHash))
	}
	return tw.Flush()
}

func shortHash(h string) string {
	h = strings.TrimPrefix(h, catalog.HashPrefix)
	if len(h) > 12 {
		return h[:12]
	}
	if h == "" {
		return "-"
	}
	return h
}

func newValidateCommand() *cobra.Command {
	var catalogPath string
	cmd := &cobra.Command{
		Use:   "validate",
		Short: "Check a local catalog without contacting any store",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			local, err := gardenpub.LoadCatalog(catalogPath)
			if err != nil {
				return err
			}
			if err := gardenpub.ValidateCatalog(local); err != nil {
				return err
			}
			fmt.Fprintf(cmd.OutOrStdout(), "%s: %d entr%s ok\n", catalogPath, len(local), plural(len(local), "y", "ies"))
			return nil
		},
	}
	cmd.Flags().StringVar(&catalogPath, "catalog", "", "local catalog file")
	_ = cmd.MarkFlagRequired("catalog")
	return cmd
}

// renderReport prints the outcome of a publisher run.
func renderReport(w io.Writer, rep *publish.Report, asJSON bool) error {
	if rep == nil {
		return nil
	}
	if asJSON {
		enc := json.NewEncoder(w)
		enc.SetIndent("", "  ")
		return enc.Encode(reportView{Report: rep, Plan: merge.Summary(rep.Result)})
	}
	mode := ""
	if rep.DryRun {
		mode = " (dry run)"
	}
	fmt.Fprintf(w, "%s %s/%s%s: %s\n", rep.Operation, rep.Stage, rep.Family, mode, rep.State)
	if rep.Operation == publish.OpRemoveEntry {
		for _, e := range rep.Removed {
			fmt.Fprintf(w, "  - %s\n", e.Label())
		}
		for _, c := range rep.Result.Conflicts {
			fmt.Fprintf(w, "  x %s\n", c)
		}
	} else if rep.Reached(publish.StateMerged) || len(rep.Result.Conflicts) > 0 {
		io.WriteString(w, merge.Summary(rep.Result))
	}
	if rep.BackupID != "" {
		fmt.Fprintf(w, "backup:    %s\n", rep.BackupID)
	}
	if rep.PublishedChecksum != "" {
		fmt.Fprintf(w, "published: %s\n", rep.PublishedChecksum)
	}
	if rep.Restored {
		fmt.Fprintf(w, "restored:  %s (lock %s kept for investigation)\n", rep.BackupID, rep.LockKey)
	} else if rep.LockHeld {
		fmt.Fprintf(w, "lock:      %s still held\n", rep.LockKey)
	}
	return nil
}

type reportView struct {
	*publish.Report
	Plan string `json:"plan"`
}
