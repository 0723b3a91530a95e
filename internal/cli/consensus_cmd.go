package cli

import (
	"context"

	"github.com/spf13/cobra"
)

var consensusCmd = &cobra.Command{
	Use:   "consensus",
	Short: "Evaluate and inspect stream consensus",
}

var consensusCheckCmd = &cobra.Command{
	Use:   "check <stream-id>",
	Short: "Evaluate whether a stream's reviews satisfy the repo's consensus rule",
	Args:  cobra.ExactArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		env, cleanup, err := newEnvironment()
		if err != nil {
			return err
		}
		defer cleanup()

		res, err := env.consensus.CheckConsensus(context.Background(), args[0], env.repo)
		if err != nil {
			return err
		}

		cmd.Printf("reached: %t\nreason: %s\nthreshold: %.2f\n", res.Reached, res.Reason, res.Threshold)
		if res.Ratio != nil {
			cmd.Printf("ratio: %.2f\n", *res.Ratio)
		}
		return nil
	},
}

func init() {
	consensusCmd.AddCommand(consensusCheckCmd)
}
