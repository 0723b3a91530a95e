package merge

import (
	"context"
	"encoding/json"
	"time"

	"github.com/robfig/cron/v3"
	"github.com/rs/zerolog"

	"github.com/lucasnoah/gitswarm/internal/models"
)

// PluginTier classifies a plugin's implementation status.
type PluginTier int

const (
	TierDeterministic PluginTier = 1 // implemented locally
	TierAI            PluginTier = 2 // not implemented
	TierGovernance     PluginTier = 3 // not implemented
)

// Plugin is one Tier-1 automation object {trigger, condition, action}.
type Plugin struct {
	Name string
	Tier PluginTier
}

var knownPlugins = map[string]Plugin{
	"promote_buffer_to_main": {Name: "promote_buffer_to_main", Tier: TierDeterministic},
	"auto_revert_on_red":     {Name: "auto_revert_on_red", Tier: TierDeterministic},
	"stale_stream_cleanup":   {Name: "stale_stream_cleanup", Tier: TierDeterministic},
}

// DispatchPlugin runs a named plugin if it's Tier-1; Tier-2/3 plugins emit a
// warning event and are skipped, unless the repo is server-authoritative, in
// which case a dispatch record is appended for the server to execute
//.
func (c *Coordinator) DispatchPlugin(ctx context.Context, repo models.Repo, repoDir, name string, opts PluginOptions) error {
	p, known := knownPlugins[name]
	if !known || p.Tier != TierDeterministic {
		payload, _ := json.Marshal(map[string]string{"plugin": name, "reason": "unimplemented_tier"})
		_, err := c.store.AppendSyncEvent(ctx, repo.ID, models.EventPluginExecuted, payload)
		if err == nil {
			c.log.Warn().Str("plugin", name).Msg("plugin tier not implemented locally, skipped")
		}
		return err
	}

	switch name {
	case "promote_buffer_to_main":
		if !repo.AutoPromoteOnGreen {
			return nil
		}
		_, err := c.Promote(ctx, repo, repoDir, "auto")
		return err
	case "auto_revert_on_red":
		if !repo.AutoRevertOnRed {
			return nil
		}
		_, err := c.revertToLastGreen(ctx, repo, repoDir)
		return err
	case "stale_stream_cleanup":
		return c.staleStreamCleanup(ctx, repo, opts.StaleDays)
	}
	return nil
}

// PluginOptions carries per-plugin parameters that don't fit a shared
// signature; only the fields the invoked plugin reads are required.
type PluginOptions struct {
	StaleDays int
}

// staleStreamCleanup abandons active streams with no commit activity for
// staleDays. Commit recency isn't tracked as a column on
// Stream; this uses CreatedAt as the proxy, which is exact for streams that
// received no commits after creation and conservative (may delay cleanup)
// for ones that did.
func (c *Coordinator) staleStreamCleanup(ctx context.Context, repo models.Repo, staleDays int) error {
	if staleDays <= 0 {
		return nil
	}
	cutoff := time.Now().UTC().AddDate(0, 0, -staleDays)
	active, err := c.store.ListActiveStreams(ctx, repo.ID)
	if err != nil {
		return err
	}
	for _, st := range active {
		if st.CreatedAt.After(cutoff) {
			continue
		}
		if err := c.streams.Abandon(ctx, repo, st.ID, "stale_stream_cleanup: no activity since "+st.CreatedAt.Format(time.RFC3339)); err != nil {
			return err
		}
	}
	return nil
}

// Scheduler drives the schedule-triggered Tier-1 plugins (currently
// stale_stream_cleanup) on a cron expression using robfig/cron.
type Scheduler struct {
	cron *cron.Cron
	log  zerolog.Logger
}

// NewScheduler constructs a Scheduler; call Start to begin running jobs.
func NewScheduler(log zerolog.Logger) *Scheduler {
	return &Scheduler{cron: cron.New(), log: log}
}

// ScheduleStaleStreamCleanup registers the periodic stale-stream sweep for
// repo at the given cron spec (e.g. "0 */6 * * *" for every six hours).
func (sch *Scheduler) ScheduleStaleStreamCleanup(spec string, c *Coordinator, repo models.Repo, repoDir string, staleDays int) error {
	_, err := sch.cron.AddFunc(spec, func() {
		ctx := context.Background()
		if err := c.DispatchPlugin(ctx, repo, repoDir, "stale_stream_cleanup", PluginOptions{StaleDays: staleDays}); err != nil {
			sch.log.Error().Err(err).Str("repo_id", repo.ID).Msg("stale_stream_cleanup failed")
		}
	})
	return err
}

// Start begins running scheduled jobs in the background.
func (sch *Scheduler) Start() { sch.cron.Start() }

// Stop halts the scheduler, waiting for any in-flight job to finish.
func (sch *Scheduler) Stop() { <-sch.cron.Stop().Done() }
