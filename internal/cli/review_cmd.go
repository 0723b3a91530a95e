package cli

import (
	"context"
	"fmt"
	"text/tabwriter"

	"github.com/spf13/cobra"

	"github.com/lucasnoah/gitswarm/internal/models"
)

var reviewCmd = &cobra.Command{
	Use:   "review",
	Short: "Submit and list stream reviews",
}

var reviewSubmitCmd = &cobra.Command{
	Use:   "submit <stream-id> <approve|request_changes>",
	Short: "Submit a review verdict on a stream",
	Args:  cobra.ExactArgs(2),
	RunE: func(cmd *cobra.Command, args []string) error {
		var verdict models.ReviewVerdict
		switch args[1] {
		case "approve":
			verdict = models.VerdictApprove
		case "request_changes":
			verdict = models.VerdictRequestChanges
		default:
			return fmt.Errorf("unrecognized verdict %q: want approve|request_changes", args[1])
		}

		human, _ := cmd.Flags().GetBool("human")
		tested, _ := cmd.Flags().GetBool("tested")

		env, cleanup, err := newEnvironment()
		if err != nil {
			return err
		}
		defer cleanup()

		if err := env.streams.SubmitReview(context.Background(), env.repo, args[0], env.agent.ID, verdict, human, tested); err != nil {
			return err
		}
		cmd.Println("review recorded")
		return nil
	},
}

var reviewListCmd = &cobra.Command{
	Use:   "list <stream-id>",
	Short: "List reviews on a stream",
	Args:  cobra.ExactArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		env, cleanup, err := newEnvironment()
		if err != nil {
			return err
		}
		defer cleanup()

		reviews, err := env.store.ListReviews(context.Background(), args[0])
		if err != nil {
			return err
		}

		w := tabwriter.NewWriter(cmd.OutOrStdout(), 0, 2, 2, ' ', 0)
		fmt.Fprintln(w, "REVIEWER\tVERDICT\tHUMAN\tTESTED\tAT")
		for _, r := range reviews {
			fmt.Fprintf(w, "%s\t%s\t%t\t%t\t%s\n", r.ReviewerID, r.Verdict, r.IsHuman, r.Tested, r.ReviewedAt.Format("2006-01-02T15:04:05Z"))
		}
		return w.Flush()
	},
}

func init() {
	reviewSubmitCmd.Flags().Bool("human", false, "this review is from a human reviewer")
	reviewSubmitCmd.Flags().Bool("tested", false, "the reviewer ran the change themselves")

	reviewCmd.AddCommand(reviewSubmitCmd)
	reviewCmd.AddCommand(reviewListCmd)
}
