package cli

import (
	"context"
	"fmt"
	"os"
	"os/signal"
	"path/filepath"
	"syscall"
	"time"

	"github.com/robfig/cron/v3"
	"github.com/spf13/cobra"

	syncengine "github.com/lucasnoah/gitswarm/internal/sync"
)

func syncCursorPath(repoDir string) string {
	return filepath.Join(gitswarmDir(repoDir), "sync_cursor")
}

func readSyncCursor(repoDir string) time.Time {
	data, err := os.ReadFile(syncCursorPath(repoDir))
	if err != nil {
		return time.Time{}
	}
	t, err := time.Parse(time.RFC3339, string(data))
	if err != nil {
		return time.Time{}
	}
	return t
}

func writeSyncCursor(repoDir string, cursor time.Time) error {
	return os.WriteFile(syncCursorPath(repoDir), []byte(cursor.Format(time.RFC3339)), 0o644)
}

var syncCmd = &cobra.Command{
	Use:   "sync",
	Short: "Register with and synchronize against the federation server",
}

var syncRegisterCmd = &cobra.Command{
	Use:   "register <server-url>",
	Short: "Register this repo with a federation server",
	Args:  cobra.ExactArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		env, cleanup, err := newEnvironment()
		if err != nil {
			return err
		}
		defer cleanup()

		client := syncengine.NewClient(args[0], os.Getenv("GITSWARM_SERVER_TOKEN"))
		resp, err := client.RegisterRepo(context.Background(), env.repo.Name)
		if err != nil {
			return fmt.Errorf("register: %w", err)
		}

		if err := env.store.SetConsensusAuthorityServer(context.Background(), env.repo.ID); err != nil {
			return fmt.Errorf("set consensus authority: %w", err)
		}
		cmd.Printf("registered as %s (org %s)\nset GITSWARM_SERVER_URL=%s to use it\n", resp.ID, resp.OrgID, args[0])
		return nil
	},
}

var syncFlushCmd = &cobra.Command{
	Use:   "flush",
	Short: "Replay the offline queue's pending events against the server",
	RunE: func(cmd *cobra.Command, args []string) error {
		env, cleanup, err := newEnvironment()
		if err != nil {
			return err
		}
		defer cleanup()

		res, err := env.sync.Flush(context.Background(), env.repo.ID)
		if err != nil {
			return err
		}
		cmd.Printf("flushed %d, %d still pending\n", res.Flushed, res.Remaining)
		return nil
	},
}

var syncPollCmd = &cobra.Command{
	Use:   "poll",
	Short: "Pull and apply server-pushed updates since the last cursor",
	RunE: func(cmd *cobra.Command, args []string) error {
		sinceStr, _ := cmd.Flags().GetString("since")
		watchSpec, _ := cmd.Flags().GetString("watch")

		env, cleanup, err := newEnvironment()
		if err != nil {
			return err
		}
		defer cleanup()

		since := readSyncCursor(env.repoDir)
		if sinceStr != "" {
			parsed, err := time.Parse(time.RFC3339, sinceStr)
			if err != nil {
				return fmt.Errorf("invalid --since: %w", err)
			}
			since = parsed
		}

		pollOnce := func() {
			cursor, err := env.sync.Poll(context.Background(), env.repo.ID, since)
			if err != nil {
				env.log.Error().Err(err).Msg("poll failed")
				return
			}
			since = cursor
			if err := writeSyncCursor(env.repoDir, cursor); err != nil {
				env.log.Error().Err(err).Msg("persist sync cursor failed")
			}
		}

		if watchSpec == "" {
			pollOnce()
			cmd.Printf("cursor: %s\n", since.Format(time.RFC3339))
			return nil
		}

		c := cron.New()
		if _, err := c.AddFunc(watchSpec, pollOnce); err != nil {
			return fmt.Errorf("schedule poll: %w", err)
		}
		c.Start()
		defer func() { <-c.Stop().Done() }()

		cmd.Printf("polling on schedule %q; press ctrl-c to stop\n", watchSpec)
		sig := make(chan os.Signal, 1)
		signal.Notify(sig, syscall.SIGINT, syscall.SIGTERM)
		<-sig
		return nil
	},
}

func init() {
	syncPollCmd.Flags().String("since", "", "RFC3339 timestamp to poll from (default: last persisted cursor)")
	syncPollCmd.Flags().String("watch", "", "cron expression to poll repeatedly instead of once")

	syncCmd.AddCommand(syncRegisterCmd)
	syncCmd.AddCommand(syncFlushCmd)
	syncCmd.AddCommand(syncPollCmd)
}
