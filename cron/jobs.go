package cron

import (
	"context"

	"go.uber.org/zap"

	"github.com/saiset-co/sai-portal/types"
)

const (
	SweepJob = "freshness-sweep"
	WarmJob  = "cache-warm"
)

// Maintainer is the portal surface the scheduled jobs drive.
type Maintainer interface {
	Sweep(ctx context.Context) (records int, flags int, err error)
	Warm(ctx context.Context) int
}

// RegisterJobs schedules the expiry sweep and, when configured, the cache warmer.
func RegisterJobs(m types.CronManager, config *types.CronConfig, target Maintainer, logger types.Logger) error {
	if config.Sweep != "" {
		err := m.Add(SweepJob, config.Sweep, func(ctx context.Context) error {
			records, flags, err := target.Sweep(ctx)
			if err != nil {
				return err
			}
			logger.Info("Expired entries swept", zap.Int("records", records), zap.Int("flags", flags))
			return nil
		})
		if err != nil {
			return err
		}
	}

	if config.Warm != "" {
		err := m.Add(WarmJob, config.Warm, func(ctx context.Context) error {
			if failed := target.Warm(ctx); failed > 0 {
				logger.Warn("Cache warm incomplete", zap.Int("failed", failed))
			}
			return nil
		})
		if err != nil {
			return err
		}
	}

	return nil
}
