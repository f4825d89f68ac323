package sessions

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"strings"
	"time"

	"github.com/robfig/cron/v3"

	"github.com/haasonsaas/coachd/pkg/models"
)

var cronParser = cron.NewParser(
	cron.SecondOptional |
		cron.Minute |
		cron.Hour |
		cron.Dom |
		cron.Month |
		cron.Dow |
		cron.Descriptor,
)

// JanitorConfig configures the idle-session sweep.
type JanitorConfig struct {
	// Schedule is a cron expression or descriptor. Default: "@every 15m"
	Schedule string

	// IdleAfter is how long an active session may go without events before
	// it is marked completed. Default: 24h
	IdleAfter time.Duration

	// BatchSize caps sessions closed per sweep. Default: 500
	BatchSize int
}

// Janitor closes sessions that stayed active without activity.
type Janitor struct {
	store  Store
	config JanitorConfig
	logger *slog.Logger
	now    func() time.Time
	cron   *cron.Cron
}

// NewJanitor validates the schedule and returns a janitor ready to Start.
func NewJanitor(store Store, cfg JanitorConfig, logger *slog.Logger) (*Janitor, error) {
	if store == nil {
		return nil, errors.New("store is required")
	}
	if strings.TrimSpace(cfg.Schedule) == "" {
		cfg.Schedule = "@every 15m"
	}
	if cfg.IdleAfter <= 0 {
		cfg.IdleAfter = 24 * time.Hour
	}
	if cfg.BatchSize <= 0 {
		cfg.BatchSize = 500
	}
	if _, err := cronParser.Parse(cfg.Schedule); err != nil {
		return nil, fmt.Errorf("invalid janitor schedule: %w", err)
	}
	if logger == nil {
		logger = slog.Default()
	}
	return &Janitor{
		store:  store,
		config: cfg,
		logger: logger.With("component", "session_janitor"),
		now:    time.Now,
	}, nil
}

// Run schedules sweeps until ctx is done.
func (j *Janitor) Run(ctx context.Context) error {
	j.cron = cron.New(cron.WithParser(cronParser))
	if _, err := j.cron.AddFunc(j.config.Schedule, func() {
		if _, err := j.Sweep(ctx); err != nil {
			j.logger.Warn("session sweep failed", "error", err)
		}
	}); err != nil {
		return fmt.Errorf("schedule janitor: %w", err)
	}
	j.cron.Start()
	<-ctx.Done()
	<-j.cron.Stop().Done()
	return nil
}

// Sweep marks idle active sessions as completed and returns how many it closed.
func (j *Janitor) Sweep(ctx context.Context) (int, error) {
	cutoff := j.now().Add(-j.config.IdleAfter)
	idle, err := j.store.ListSessions(ctx, "", ListOptions{
		Status:     models.SessionActive,
		IdleBefore: cutoff,
		Limit:      j.config.BatchSize,
	})
	if err != nil {
		return 0, err
	}

	closed := 0
	for _, session := range idle {
		if err := j.store.UpdateStatus(ctx, session.ID, models.SessionCompleted); err != nil {
			if errors.Is(err, ErrSessionNotFound) {
				continue
			}
			return closed, err
		}
		closed++
	}
	if closed > 0 {
		j.logger.Info("closed idle sessions", "count", closed, "cutoff", cutoff)
	}
	return closed, nil
}
