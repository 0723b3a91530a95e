package cli

import (
	"context"
	"fmt"
	"os"
	"os/signal"
	"syscall"
	"text/tabwriter"

	"github.com/spf13/cobra"

	"github.com/lucasnoah/gitswarm/internal/merge"
)

var mergeCmd = &cobra.Command{
	Use:   "merge",
	Short: "Request merges and drive the merge queue",
}

var mergeRequestCmd = &cobra.Command{
	Use:   "request <stream-id>",
	Short: "Request a merge for a stream, dispatched per the repo's merge mode",
	Args:  cobra.ExactArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		priority, _ := cmd.Flags().GetInt("priority")

		env, cleanup, err := newEnvironment()
		if err != nil {
			return err
		}
		defer cleanup()

		decision, err := env.merge.RequestMerge(context.Background(), env.repo, args[0], env.agent, priority)
		if err != nil {
			return err
		}
		cmd.Printf("status: %s\n", decision.Status)
		if decision.Consensus != nil {
			cmd.Printf("consensus reached=%t reason=%s\n", decision.Consensus.Reached, decision.Consensus.Reason)
		}
		return nil
	},
}

var mergeQueueCmd = &cobra.Command{
	Use:   "queue",
	Short: "List the repo's merge queue",
	RunE: func(cmd *cobra.Command, args []string) error {
		env, cleanup, err := newEnvironment()
		if err != nil {
			return err
		}
		defer cleanup()

		entries, err := env.store.ListQueuedMerges(context.Background(), env.repo.ID)
		if err != nil {
			return err
		}

		w := tabwriter.NewWriter(cmd.OutOrStdout(), 0, 2, 2, ' ', 0)
		fmt.Fprintln(w, "SEQ\tSTREAM\tPRIORITY")
		for _, e := range entries {
			fmt.Fprintf(w, "%d\t%s\t%d\n", e.EnqueueSeq, e.StreamID, e.PriorityRank)
		}
		return w.Flush()
	},
}

var mergeProcessCmd = &cobra.Command{
	Use:   "process",
	Short: "Process the merge queue in priority order",
	RunE: func(cmd *cobra.Command, args []string) error {
		batchSize, _ := cmd.Flags().GetInt("batch-size")
		if batchSize <= 0 {
			batchSize = 1
		}

		env, cleanup, err := newEnvironment()
		if err != nil {
			return err
		}
		defer cleanup()

		results, err := env.merge.ProcessQueue(context.Background(), env.repo, env.repoDir, batchSize)
		if err != nil {
			return err
		}

		w := tabwriter.NewWriter(cmd.OutOrStdout(), 0, 2, 2, ' ', 0)
		fmt.Fprintln(w, "STREAM\tSTATUS")
		for _, r := range results {
			fmt.Fprintf(w, "%s\t%s\n", r.StreamID, r.Status)
		}
		return w.Flush()
	},
}

var mergeScheduleCmd = &cobra.Command{
	Use:   "schedule",
	Short: "Run the stale-stream cleanup sweep on a cron schedule until interrupted",
	RunE: func(cmd *cobra.Command, args []string) error {
		cronSpec, _ := cmd.Flags().GetString("cron")
		staleDays, _ := cmd.Flags().GetInt("stale-days")

		env, cleanup, err := newEnvironment()
		if err != nil {
			return err
		}
		defer cleanup()

		sch := merge.NewScheduler(env.log)
		if err := sch.ScheduleStaleStreamCleanup(cronSpec, env.merge, env.repo, env.repoDir, staleDays); err != nil {
			return fmt.Errorf("schedule stale stream cleanup: %w", err)
		}
		sch.Start()
		defer sch.Stop()

		cmd.Printf("running stale_stream_cleanup on schedule %q (stale-days=%d); press ctrl-c to stop\n", cronSpec, staleDays)
		sig := make(chan os.Signal, 1)
		signal.Notify(sig, syscall.SIGINT, syscall.SIGTERM)
		<-sig
		return nil
	},
}

func init() {
	mergeRequestCmd.Flags().Int("priority", merge.PriorityMedium, "queue priority rank (lower sorts first)")
	mergeProcessCmd.Flags().Int("batch-size", 1, "number of queue entries to merge in this pass")
	mergeScheduleCmd.Flags().String("cron", "0 */6 * * *", "cron expression for the stale-stream sweep")
	mergeScheduleCmd.Flags().Int("stale-days", 14, "abandon streams with no activity for this many days")

	mergeCmd.AddCommand(mergeRequestCmd)
	mergeCmd.AddCommand(mergeQueueCmd)
	mergeCmd.AddCommand(mergeProcessCmd)
	mergeCmd.AddCommand(mergeScheduleCmd)
}
