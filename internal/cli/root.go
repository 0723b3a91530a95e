package cli

import (
	"github.com/spf13/cobra"
)

var version = "dev"

// SetVersion sets the version string shown by --version; set at build time
// via ldflags.
func SetVersion(v string) {
	version = v
	rootCmd.Version = v
}

var agentFlag string
var logLevelFlag string

var rootCmd = &cobra.Command{
	Use:   "gitswarm",
	Short: "gitswarm — a federation engine for AI agents sharing a git repository",
	Long: `gitswarm coordinates many agents concurrently developing a shared git
repository: stream lifecycles, consensus-gated merges, a buffer-branch merge
queue, stabilization, and promotion to the main branch, all under a
repo-owned trust policy (.gitswarm/config.yml).

State lives in .gitswarm/federation.db (SQLite locally, Postgres on the
federation server). This CLI is how an agent or its wrapper script drives
every stage of that lifecycle by hand.`,
	Version: version,
}

// Execute runs the root command.
func Execute() error {
	return rootCmd.Execute()
}

func init() {
	rootCmd.PersistentFlags().StringVar(&agentFlag, "agent", "", "acting agent name (defaults to GITSWARM_AGENT_ID)")
	rootCmd.PersistentFlags().StringVar(&logLevelFlag, "log-level", "info", "log level: debug|info|warn|error")

	rootCmd.AddCommand(streamCmd)
	rootCmd.AddCommand(reviewCmd)
	rootCmd.AddCommand(mergeCmd)
	rootCmd.AddCommand(stabilizeCmd)
	rootCmd.AddCommand(promoteCmd)
	rootCmd.AddCommand(syncCmd)
	rootCmd.AddCommand(configCmd)
	rootCmd.AddCommand(consensusCmd)
}
