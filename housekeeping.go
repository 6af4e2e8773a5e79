package mailjobs

import (
	"fmt"
	"log/slog"
	"time"

	cron "github.com/robfig/cron/v3"
)

// purger is implemented by handoff backends that need explicit expiry.
type purger interface {
	Purge() int
}

// HousekeepingReport summarizes one housekeeping run.
type HousekeepingReport struct {
	Evicted int // terminal job records dropped
	Swept   int // artifact files deleted by age
	Purged  int // expired handoff entries (or GC runs for Badger)
}

// Housekeep evicts old job records, sweeps expired artifacts and purges the
// handoff channel. It runs on the housekeeping schedule and may also be
// called directly.
func (e *Engine) Housekeep(now time.Time) HousekeepingReport {
	var report HousekeepingReport
	for _, kind := range AllKinds {
		report.Evicted += e.stores[kind].Evict(now)
	}

	swept, err := e.artifacts.Sweep(now)
	report.Swept = swept
	if err != nil {
		e.logger.Error("Housekeep: artifact sweep incomplete", "error", err)
	}

	if p, ok := e.handoff.(purger); ok {
		report.Purged = p.Purge()
	}

	if report != (HousekeepingReport{}) {
		e.logger.Info("housekeeping", "evicted", report.Evicted, "swept", report.Swept, "purged", report.Purged)
	}
	return report
}

type housekeeper struct {
	cron   *cron.Cron
	logger *slog.Logger
}

// startHousekeeping schedules Housekeep on spec. An empty spec disables it.
func startHousekeeping(e *Engine, spec string, logger *slog.Logger) (*housekeeper, error) {
	hk := &housekeeper{cron: cron.New(), logger: logger}
	if spec == "" {
		return hk, nil
	}
	if _, err := hk.cron.AddFunc(spec, func() {
		e.Housekeep(time.Now())
	}); err != nil {
		return nil, fmt.Errorf("invalid housekeeping schedule %q: %w", spec, err)
	}
	hk.cron.Start()
	logger.Debug("housekeeping scheduled", "spec", spec)
	return hk, nil
}

func (hk *housekeeper) stop() {
	ctx := hk.cron.Stop()
	<-ctx.Done()
	hk.logger.Debug("housekeeping stopped")
}
