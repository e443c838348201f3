package lifecycle

import (
	"context"
	"fmt"
	"sync"
	"time"

	"github.com/robfig/cron/v3"
	"github.com/rs/zerolog"
)

// DefaultReapSchedule runs the reaper once a minute
const DefaultReapSchedule = "@every 1m"

// Sweeper removes expired session payloads from a store
type Sweeper interface {
	SweepExpired(ctx context.Context) (int, error)
}

// ReaperConfig configures idle eviction
type ReaperConfig struct {
	Schedule    string        // cron spec or descriptor, e.g. "@every 1m"
	IdleTimeout time.Duration // 0 disables eviction
	OnPass      func(ReapResult)
}

// ReapResult summarizes one reaper pass
type ReapResult struct {
	Evicted int
	Swept   int
}

// Reaper periodically evicts idle resources and expired payloads
type Reaper struct {
	cfg     ReaperConfig
	manager *Manager
	sweeper Sweeper
	cron    *cron.Cron
	logger  zerolog.Logger

	mu      sync.Mutex
	running bool
}

// NewReaper creates a reaper. sweeper may be nil.
func NewReaper(cfg ReaperConfig, manager *Manager, sweeper Sweeper, logger zerolog.Logger) (*Reaper, error) {
	if cfg.Schedule == "" {
		cfg.Schedule = DefaultReapSchedule
	}

	parser := cron.NewParser(cron.Minute | cron.Hour | cron.Dom | cron.Month | cron.Dow | cron.Descriptor)
	if _, err := parser.Parse(cfg.Schedule); err != nil {
		return nil, fmt.Errorf("invalid reap schedule %q: %w", cfg.Schedule, err)
	}

	r := &Reaper{
		cfg:     cfg,
		manager: manager,
		sweeper: sweeper,
		logger:  logger.With().Str("component", "reaper").Logger(),
	}
	r.cron = cron.New(
		cron.WithParser(parser),
		cron.WithChain(cron.SkipIfStillRunning(cron.DiscardLogger)),
	)
	if _, err := r.cron.AddFunc(cfg.Schedule, func() { r.RunOnce(context.Background()) }); err != nil {
		return nil, fmt.Errorf("failed to schedule reaper: %w", err)
	}
	return r, nil
}

// Start begins running on schedule
func (r *Reaper) Start() {
	r.mu.Lock()
	defer r.mu.Unlock()
	if r.running {
		return
	}
	r.running = true
	r.cron.Start()
	r.logger.Info().
		Str("schedule", r.cfg.Schedule).
		Dur("idleTimeout", r.cfg.IdleTimeout).
		Msg("Reaper started")
}

// Stop halts the schedule and waits for a pass in progress
func (r *Reaper) Stop() {
	r.mu.Lock()
	if !r.running {
		r.mu.Unlock()
		return
	}
	r.running = false
	r.mu.Unlock()

	<-r.cron.Stop().Done()
	r.logger.Info().Msg("Reaper stopped")
}

// RunOnce performs a single eviction and sweep pass
func (r *Reaper) RunOnce(ctx context.Context) ReapResult {
	var res ReapResult

	if r.cfg.IdleTimeout > 0 {
		now := time.Now()
		for _, h := range r.manager.Registry().Snapshot() {
			if h.IdleFor(now) < r.cfg.IdleTimeout {
				continue
			}
			evicted, err := r.manager.evict(ctx, h, r.cfg.IdleTimeout)
			if err != nil {
				r.logger.Warn().Err(err).Str("session_id", h.SessionID).Msg("Eviction failed")
				continue
			}
			if evicted {
				res.Evicted++
				r.logger.Info().Str("session_id", h.SessionID).Msg("Evicted idle automation session")
			}
		}
	}

	if r.sweeper != nil {
		n, err := r.sweeper.SweepExpired(ctx)
		if err != nil {
			r.logger.Warn().Err(err).Msg("Failed to sweep expired sessions")
		}
		res.Swept = n
	}

	if res.Evicted > 0 || res.Swept > 0 {
		r.logger.Debug().Int("evicted", res.Evicted).Int("swept", res.Swept).Msg("Reaper pass complete")
	}
	if r.cfg.OnPass != nil {
		r.cfg.OnPass(res)
	}
	return res
}
