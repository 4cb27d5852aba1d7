package main

import (
	"context"
	"log/slog"
	"time"
)

// negotiationSweepInterval is how often the background sweeper checks for
// negotiation sessions past expires_at that no accessor has touched (spec
// §4.6 "A background sweeper additionally runs every
// expiration_interval_minutes to catch sessions not accessed"). No env
// var names this interval in spec §6's config surface, so it is fixed
// here rather than left configurable.
const negotiationSweepInterval = time.Minute

// startWorkers launches the broker's four periodic background jobs, each
// on its own ticker with its own deadline per run so overlapping runs
// cannot diverge (spec §5 "Long-running jobs ... carry their own
// independent deadlines set to fractions of their cron interval to
// prevent overlapping runs from diverging"). Each job logs and continues
// past a single run's error rather than stopping the ticker.
func startWorkers(ctx context.Context, svc *Services) {
	go runPeriodic(ctx, svc.log, "usefulness-aggregator", svc.cfg.UsefulnessAggregationInterval, svc.cfg.UsefulnessAggregationInterval/2, func(runCtx context.Context) error {
		return svc.usefulAgg.RunOnce(runCtx)
	})

	go runPeriodic(ctx, svc.log, "receipt-finalizer", svc.cfg.PoUFinalizerTick, svc.cfg.PoUFinalizerTick/2, func(runCtx context.Context) error {
		return svc.finalizer.RunOnce(runCtx)
	})

	go runPeriodic(ctx, svc.log, "negotiation-sweeper", negotiationSweepInterval, negotiationSweepInterval/2, func(runCtx context.Context) error {
		n, err := svc.negotiation.SweepExpired(runCtx)
		if err != nil {
			return err
		}
		if n > 0 {
			svc.gateway.BroadcastNotification(runCtx, "negotiations expired")
		}
		return nil
	})

	go runPeriodic(ctx, svc.log, "payments-expirer", negotiationSweepInterval, negotiationSweepInterval/2, func(runCtx context.Context) error {
		_, err := svc.payments.ExpireOverdue(runCtx)
		return err
	})
}

// runPeriodic ticks work every interval, bounding each run to deadline and
// logging (rather than propagating) a failed run so one bad tick never
// kills the ticker — the re-entrant, tolerate-partial-failure discipline
// spec §4.7 asks of the usefulness aggregator and which applies equally to
// the other periodic jobs.
func runPeriodic(ctx context.Context, log *slog.Logger, name string, interval, deadline time.Duration, work func(context.Context) error) {
	if interval <= 0 {
		interval = time.Minute
	}
	if deadline <= 0 {
		deadline = interval
	}
	ticker := time.NewTicker(interval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			runCtx, cancel := context.WithTimeout(ctx, deadline)
			if err := work(runCtx); err != nil {
				log.Error("worker run failed", "worker", name, "error", err)
			}
			cancel()
		}
	}
}
