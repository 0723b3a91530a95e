package cli

import (
	"context"

	"github.com/spf13/cobra"
)

var promoteCmd = &cobra.Command{
	Use:   "promote",
	Short: "Fast-forward the promote target onto the latest green buffer tag",
	RunE: func(cmd *cobra.Command, args []string) error {
		trigger, _ := cmd.Flags().GetString("trigger")

		env, cleanup, err := newEnvironment()
		if err != nil {
			return err
		}
		defer cleanup()

		commit, err := env.merge.Promote(context.Background(), env.repo, env.repoDir, trigger)
		if err != nil {
			return err
		}
		cmd.Printf("promoted %s to %s\n", commit, env.repo.PromoteTarget)
		return nil
	},
}

func init() {
	promoteCmd.Flags().String("trigger", "manual", "what triggered this promotion (manual|auto|council)")
}
