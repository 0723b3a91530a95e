package cli

import (
	"context"
	"time"

	"github.com/spf13/cobra"

	"github.com/lucasnoah/gitswarm/internal/merge"
)

var stabilizeCmd = &cobra.Command{
	Use:   "stabilize",
	Short: "Run the buffer branch's stabilize command and record the result",
	RunE: func(cmd *cobra.Command, args []string) error {
		env, cleanup, err := newEnvironment()
		if err != nil {
			return err
		}
		defer cleanup()

		timeoutSecs := env.cfg.StabilizeTimeoutSecs
		if timeoutSecs <= 0 {
			timeoutSecs = 1800
		}
		cfg := merge.StabilizeConfig{
			Command:        env.cfg.StabilizeCommand,
			Timeout:        time.Duration(timeoutSecs) * time.Second,
			FlakeEnabled:   boolOr(env.cfg.FlakeDetection.Enabled, true),
			RetryCount:     env.cfg.FlakeDetection.RetryCount,
			FlakyThreshold: env.cfg.FlakeDetection.FlakyThreshold,
			AutoPromote:    env.cfg.AutoPromoteOnGreen,
			AutoRevert:     boolOr(env.cfg.AutoRevertOnRed, true),
		}

		res, err := env.merge.Stabilize(context.Background(), env.repo, env.repoDir, merge.ExecRunner{}, cfg)
		if err != nil {
			return err
		}

		cmd.Printf("result: %s\n", res.Result)
		if res.Tag != nil {
			cmd.Printf("tag: %s\n", *res.Tag)
		}
		if res.Details != "" {
			cmd.Printf("details: %s\n", res.Details)
		}
		return nil
	},
}
