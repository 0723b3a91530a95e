package cli

import (
	"context"
	"fmt"
	"text/tabwriter"

	"github.com/spf13/cobra"

	"github.com/lucasnoah/gitswarm/internal/stream"
)

var streamCmd = &cobra.Command{
	Use:   "stream",
	Short: "Manage development streams (create_workspace / commit / submit_for_review / abandon)",
}

var streamCreateCmd = &cobra.Command{
	Use:   "create",
	Short: "Create a new stream (branch + worktree) off buffer",
	RunE: func(cmd *cobra.Command, args []string) error {
		env, cleanup, err := newEnvironment()
		if err != nil {
			return err
		}
		defer cleanup()

		taskID, _ := cmd.Flags().GetString("task")
		dependsOn, _ := cmd.Flags().GetString("depends-on")

		in := stream.CreateWorkspaceInput{Agent: env.agent, Repo: env.repo, RepoDir: env.repoDir}
		if taskID != "" {
			in.TaskID = &taskID
		}
		if dependsOn != "" {
			in.DependsOn = &dependsOn
		}

		st, worktreePath, err := env.streams.CreateWorkspace(context.Background(), in)
		if err != nil {
			return err
		}
		cmd.Printf("stream %s\nbranch %s\nworktree %s\n", st.ID, st.Branch, worktreePath)
		return nil
	},
}

var streamCommitCmd = &cobra.Command{
	Use:   "commit <stream-id> <worktree-path> <message>",
	Short: "Commit staged changes in a stream's worktree",
	Args:  cobra.ExactArgs(3),
	RunE: func(cmd *cobra.Command, args []string) error {
		env, cleanup, err := newEnvironment()
		if err != nil {
			return err
		}
		defer cleanup()

		res, err := env.streams.Commit(context.Background(), env.repo, args[0], args[1], args[2], env.agent.ID)
		if err != nil {
			return err
		}
		cmd.Printf("commit %s (change %s)\n", res.CommitHash, res.ChangeID)
		return nil
	},
}

var streamSubmitCmd = &cobra.Command{
	Use:   "submit <stream-id>",
	Short: "Submit a stream for review",
	Args:  cobra.ExactArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		env, cleanup, err := newEnvironment()
		if err != nil {
			return err
		}
		defer cleanup()
		if err := env.streams.SubmitForReview(context.Background(), env.repoDir, args[0]); err != nil {
			return err
		}
		cmd.Println("submitted for review")
		return nil
	},
}

var streamAbandonCmd = &cobra.Command{
	Use:   "abandon <stream-id> <reason>",
	Short: "Abandon a stream",
	Args:  cobra.ExactArgs(2),
	RunE: func(cmd *cobra.Command, args []string) error {
		env, cleanup, err := newEnvironment()
		if err != nil {
			return err
		}
		defer cleanup()
		if err := env.streams.Abandon(context.Background(), env.repo, args[0], args[1]); err != nil {
			return err
		}
		cmd.Println("abandoned")
		return nil
	},
}

var streamListCmd = &cobra.Command{
	Use:   "list",
	Short: "List active streams",
	RunE: func(cmd *cobra.Command, args []string) error {
		env, cleanup, err := newEnvironment()
		if err != nil {
			return err
		}
		defer cleanup()

		streams, err := env.store.ListActiveStreams(context.Background(), env.repo.ID)
		if err != nil {
			return err
		}

		w := tabwriter.NewWriter(cmd.OutOrStdout(), 0, 2, 2, ' ', 0)
		fmt.Fprintln(w, "ID\tBRANCH\tSTATUS\tREVIEW\tAGENT")
		for _, st := range streams {
			fmt.Fprintf(w, "%s\t%s\t%s\t%s\t%s\n", st.ID, st.Branch, st.Status, st.ReviewStatus, st.AgentID)
		}
		return w.Flush()
	},
}

func init() {
	streamCreateCmd.Flags().String("task", "", "task id this stream claims")
	streamCreateCmd.Flags().String("depends-on", "", "parent stream id")

	streamCmd.AddCommand(streamCreateCmd)
	streamCmd.AddCommand(streamCommitCmd)
	streamCmd.AddCommand(streamSubmitCmd)
	streamCmd.AddCommand(streamAbandonCmd)
	streamCmd.AddCommand(streamListCmd)
}
