package main

import (
	"fmt"
	"io"
	"log/slog"
	"math"
	"os"
	"path/filepath"
	"sort"
	"strings"
	"text/tabwriter"
	"time"

	"github.com/spf13/cobra"

	"github.com/cwbudde/badgerctl/internal/archive"
	"github.com/cwbudde/badgerctl/internal/routine"
)

var (
	listRoutine   string
	listLimit     int
	keepLast      int
	olderThanDays int
	forceClean    bool
)

var runsCmd = &cobra.Command{
	Use:   "runs",
	Short: "Manage archived runs",
	Long:  `List, inspect and clean run records in the archive.`,
}

var listRunsCmd = &cobra.Command{
	Use:   "list",
	Short: "List archived runs",
	Long:  `Display archived runs, newest first, with routine name, start time, evaluation count and file size.`,
	RunE:  runListRuns,
}

var showRunCmd = &cobra.Command{
	Use:   "show <run-id>",
	Short: "Show an archived run",
	Args:  cobra.ExactArgs(1),
	RunE:  runShowRun,
}

var cleanRunsCmd = &cobra.Command{
	Use:   "clean",
	Short: "Clean old archived runs",
	Long: `Delete archived runs based on retention policy.
You can keep the newest N runs per routine or delete runs older than N days.`,
	RunE: runCleanRuns,
}

func init() {
	rootCmd.AddCommand(runsCmd)

	runsCmd.AddCommand(listRunsCmd)
	runsCmd.AddCommand(showRunCmd)
	runsCmd.AddCommand(cleanRunsCmd)

	listRunsCmd.Flags().StringVar(&listRoutine, "routine", "", "Only list runs of this routine")
	listRunsCmd.Flags().IntVar(&listLimit, "limit", 0, "Maximum number of runs to list (0 = all)")

	cleanRunsCmd.Flags().IntVar(&keepLast, "keep-last", 0, "Keep only the last N runs per routine (0 = keep all)")
	cleanRunsCmd.Flags().IntVar(&olderThanDays, "older-than", 0, "Delete runs older than N days (0 = no age limit)")
	cleanRunsCmd.Flags().BoolVarP(&forceClean, "force", "f", false, "Skip confirmation prompt")
}

func runListRuns(cmd *cobra.Command, args []string) error {
	arch, closeArchive, err := openArchive(settings)
	if err != nil {
		return err
	}
	defer closeArchive()

	infos, err := arch.List(cmd.Context(), archive.ListOpts{RoutineName: listRoutine, Limit: listLimit})
	if err != nil {
		return fmt.Errorf("failed to list runs: %w", err)
	}

	out := cmd.OutOrStdout()
	if len(infos) == 0 {
		fmt.Fprintln(out, "No archived runs found.")
		return nil
	}

	w := tabwriter.NewWriter(out, 0, 0, 2, ' ', 0)
	fmt.Fprintln(w, "RUN ID\tROUTINE\tSTARTED\tROWS\tSIZE")
	fmt.Fprintln(w, "------\t-------\t-------\t----\t----")

	for _, info := range infos {
		sizeStr := "unknown"
		if size, err := runSize(info); err == nil {
			sizeStr = formatBytes(size)
		}

		fmt.Fprintf(w, "%s\t%s\t%s\t%d\t%s\n",
			info.ID,
			info.RoutineName,
			info.StartedAt.Local().Format("2006-01-02 15:04:05"),
			info.Rows,
			sizeStr,
		)
	}

	w.Flush()

	fmt.Fprintf(out, "\nTotal runs: %d\n", len(infos))
	if total, err := getDirSize(arch.Root()); err == nil {
		fmt.Fprintf(out, "Archive size: %s\n", formatBytes(total))
	}
	return nil
}

func runShowRun(cmd *cobra.Command, args []string) error {
	arch, closeArchive, err := openArchive(settings)
	if err != nil {
		return err
	}
	defer closeArchive()

	file, err := arch.Load(cmd.Context(), args[0])
	if err != nil {
		return err
	}
	printRun(cmd.OutOrStdout(), file)
	return nil
}

func printRun(out io.Writer, file *archive.RunFile) {
	r := file.Routine
	w := tabwriter.NewWriter(out, 0, 0, 2, ' ', 0)
	fmt.Fprintf(w, "Run:\t%s\n", file.ID)
	fmt.Fprintf(w, "Routine:\t%s\n", r.Name)
	fmt.Fprintf(w, "Generator:\t%s\n", r.Generator.Name)
	fmt.Fprintf(w, "Environment:\t%s\n", r.Environment.Name)
	fmt.Fprintf(w, "Termination:\t%s\n", describeTermination(r.Termination))
	fmt.Fprintf(w, "Evaluations:\t%d\n", file.Data.Len())
	fmt.Fprintf(w, "Archived:\t%s\n", file.ArchivedAt.Local().Format(time.RFC3339))
	w.Flush()

	if rows := file.Data.Rows(); len(rows) > 0 {
		first, last := rows[0].Timestamp, rows[len(rows)-1].Timestamp
		fmt.Fprintf(out, "Span:         %s to %s (%s)\n",
			file.Data.FormatTimestamp(first), file.Data.FormatTimestamp(last), last.Sub(first).Round(time.Millisecond))
	}

	if len(r.VOCS.Objectives) > 0 {
		fmt.Fprintln(out, "\nBest objectives:")
		for _, obj := range r.VOCS.Objectives {
			values, _ := file.Data.Column(obj.Name)
			if best, ok := bestOf(values, obj.Direction); ok {
				fmt.Fprintf(out, "  %s (%s): %.6g\n", obj.Name, strings.ToLower(string(obj.Direction)), best)
			}
		}
	}

	if len(file.States) > 0 {
		names := make([]string, 0, len(file.States))
		for name := range file.States {
			names = append(names, name)
		}
		sort.Strings(names)
		fmt.Fprintln(out, "\nInitial states:")
		for _, name := range names {
			fmt.Fprintf(out, "  %s = %.6g\n", name, file.States[name])
		}
	}
}

// bestOf returns the best finite value in the objective's direction.
func bestOf(values []float64, dir routine.Direction) (float64, bool) {
	best, found := 0.0, false
	for _, v := range values {
		if math.IsNaN(v) || math.IsInf(v, 0) {
			continue
		}
		if !found || (dir == routine.Maximize && v > best) || (dir != routine.Maximize && v < best) {
			best, found = v, true
		}
	}
	return best, found
}

func runCleanRuns(cmd *cobra.Command, args []string) error {
	if keepLast == 0 && olderThanDays == 0 {
		return fmt.Errorf("must specify either --keep-last or --older-than")
	}

	arch, closeArchive, err := openArchive(settings)
	if err != nil {
		return err
	}
	defer closeArchive()

	infos, err := arch.List(cmd.Context(), archive.ListOpts{})
	if err != nil {
		return fmt.Errorf("failed to list runs: %w", err)
	}

	out := cmd.OutOrStdout()
	if len(infos) == 0 {
		fmt.Fprintln(out, "No archived runs to clean.")
		return nil
	}

	toDelete := selectRunsForDeletion(infos, keepLast, olderThanDays, time.Now())
	if len(toDelete) == 0 {
		fmt.Fprintln(out, "No runs match deletion criteria.")
		return nil
	}

	fmt.Fprintf(out, "Found %d run(s) to delete:\n", len(toDelete))
	for _, info := range toDelete {
		fmt.Fprintf(out, "  - %s (%s, %d rows, %s)\n",
			info.ID,
			info.RoutineName,
			info.Rows,
			info.StartedAt.Local().Format("2006-01-02 15:04:05"),
		)
	}

	if !forceClean {
		fmt.Fprint(out, "\nProceed with deletion? [y/N]: ")
		var response string
		fmt.Fscanln(cmd.InOrStdin(), &response)
		if response != "y" && response != "Y" {
			fmt.Fprintln(out, "Aborted.")
			return nil
		}
	}

	deleted := 0
	failed := 0
	for _, info := range toDelete {
		if err := arch.Delete(cmd.Context(), info.ID); err != nil {
			slog.Error("Failed to delete run", "run_id", info.ID, "error", err)
			failed++
		} else {
			slog.Info("Deleted run", "run_id", info.ID)
			deleted++
		}
	}

	fmt.Fprintf(out, "\nDeleted %d run(s), %d failed.\n", deleted, failed)
	return nil
}

// selectRunsForDeletion applies the retention policy: runs started before
// now minus olderThanDays are dropped, and of each routine only the keepLast
// newest runs survive.
func selectRunsForDeletion(infos []archive.RunInfo, keepLast int, olderThanDays int, now time.Time) []archive.RunInfo {
	var toDelete []archive.RunInfo
	marked := make(map[string]bool)
	mark := func(info archive.RunInfo) {
		if !marked[info.ID] {
			marked[info.ID] = true
			toDelete = append(toDelete, info)
		}
	}

	if olderThanDays > 0 {
		cutoff := now.AddDate(0, 0, -olderThanDays)
		for _, info := range infos {
			if info.StartedAt.Before(cutoff) {
				mark(info)
			}
		}
	}

	if keepLast > 0 {
		byRoutine := make(map[string][]archive.RunInfo)
		for _, info := range infos {
			byRoutine[info.RoutineName] = append(byRoutine[info.RoutineName], info)
		}
		for _, runs := range byRoutine {
			sort.Slice(runs, func(i, j int) bool {
				return runs[i].StartedAt.After(runs[j].StartedAt)
			})
			for i := keepLast; i < len(runs); i++ {
				mark(runs[i])
			}
		}
	}

	return toDelete
}

// runSize returns the size of the run artifact plus its interface log, if any.
func runSize(info archive.RunInfo) (int64, error) {
	path := filepath.Join(info.Path, info.Filename)
	st, err := os.Stat(path)
	if err != nil {
		return 0, err
	}
	size := st.Size()
	logPath := strings.TrimSuffix(path, filepath.Ext(path)) + ".jsonl"
	if lst, err := os.Stat(logPath); err == nil {
		size += lst.Size()
	}
	return size, nil
}

// getDirSize calculates the total size of a directory
func getDirSize(path string) (int64, error) {
	var size int64
	err := filepath.Walk(path, func(_ string, info os.FileInfo, err error) error {
		if err != nil {
			return err
		}
		if !info.IsDir() {
			size += info.Size()
		}
		return nil
	})
	return size, err
}

// formatBytes formats bytes as human-readable string
func formatBytes(bytes int64) string {
	const unit = 1024
	if bytes < unit {
		return fmt.Sprintf("%d B", bytes)
	}
	div, exp := int64(unit), 0
	for n := bytes / unit; n >= unit; n /= unit {
		div *= unit
		exp++
	}
	return fmt.Sprintf("%.1f %cB", float64(bytes)/float64(div), "KMGTPE"[exp])
}
