package session

import (
	"context"
	"log"
	"time"

	"github.com/robfig/cron/v3"
	"github.com/shellpod/shellpod/internal/config"
	"github.com/shellpod/shellpod/internal/registry"
)

// StartEvictionSweeper schedules the idle sweep. Each pass stops running
// sessions whose connected-client count has been zero for longer than the
// configured threshold. Activity staleness of up to one sweep interval is
// acceptable: this is a liveness heuristic, not a correctness gate.
func (c *Controller) StartEvictionSweeper() *cron.Cron {
	cr := cron.New()
	_, err := cr.AddFunc(config.Cfg.EvictionSweep, func() {
		c.sweepIdle(context.Background())
	})
	if err != nil {
		log.Printf("eviction sweeper: bad schedule %q: %v", config.Cfg.EvictionSweep, err)
		return cr
	}
	cr.Start()
	log.Printf("Eviction sweeper scheduled (%s)", config.Cfg.EvictionSweep)
	return cr
}

func (c *Controller) idleThreshold() time.Duration {
	raw, err := registry.GetSetting("idle_eviction_timeout")
	if err != nil || raw == "" {
		raw = config.Cfg.IdleEviction
	}
	d, err := time.ParseDuration(raw)
	if err != nil || d <= 0 {
		return 15 * time.Minute
	}
	return d
}

func (c *Controller) sweepIdle(ctx context.Context) {
	if c.Activity == nil {
		return
	}
	threshold := c.idleThreshold()

	sessions, err := registry.ListSessions("")
	if err != nil {
		log.Printf("eviction sweep: list sessions: %v", err)
		return
	}

	for i := range sessions {
		sess := &sessions[i]
		if sess.Status != registry.StatusRunning {
			continue
		}
		idle, ok := c.Activity.DisconnectedFor(sess.SessionID)
		if !ok || idle < threshold {
			continue
		}
		log.Printf("session %s idle for %s (threshold %s), evicting", sess.SessionID, idle.Round(time.Second), threshold)
		// Stop runs the agent's final sync pass before teardown.
		if err := c.Stop(ctx, sess.SessionID); err != nil {
			log.Printf("session %s: eviction stop: %v", sess.SessionID, err)
		}
	}
}
