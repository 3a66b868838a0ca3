package fleet

import (
	"context"
	"fmt"
	"log/slog"
	"sort"
	"time"

	"github.com/foxseedlab/botfleet/internal/bot"
	"github.com/robfig/cron/v3"
)

const watchdogTickTimeout = 2 * time.Minute

type HealthReport struct {
	Checked   int
	Faulted   []string
	Recovered []string
}

func (o *Orchestrator) markFault(id string) {
	o.faultMu.Lock()
	defer o.faultMu.Unlock()
	o.faulted[id] = struct{}{}
}

func (o *Orchestrator) clearFault(id string) {
	o.faultMu.Lock()
	defer o.faultMu.Unlock()
	delete(o.faulted, id)
}

func (o *Orchestrator) faultedIDs() []string {
	o.faultMu.Lock()
	defer o.faultMu.Unlock()
	ids := make([]string, 0, len(o.faulted))
	for id := range o.faulted {
		ids = append(ids, id)
	}
	sort.Strings(ids)
	return ids
}

// CheckHealth restarts bots that faulted on an earlier check (when
// AutoRecover is on) and then moves every unhealthy live session to ERROR.
func (o *Orchestrator) CheckHealth(ctx context.Context) HealthReport {
	var report HealthReport
	if o.opts.AutoRecover {
		report.Recovered = o.recoverFaulted(ctx)
	}
	for _, id := range o.registry.IDs() {
		report.Checked++
		if o.faultIfUnhealthy(ctx, id) {
			report.Faulted = append(report.Faulted, id)
		}
	}
	if len(report.Faulted) > 0 || len(report.Recovered) > 0 {
		o.logger.Info("watchdog pass", "checked", report.Checked, "faulted", len(report.Faulted), "recovered", len(report.Recovered))
	}
	return report
}

func (o *Orchestrator) faultIfUnhealthy(ctx context.Context, id string) bool {
	unlock := o.locks.Lock(id)
	defer unlock()

	h, live := o.registry.Get(id)
	if !live || h.session.Healthy() {
		return false
	}
	o.registry.Remove(id)
	o.teardown(h)
	o.markFault(id)
	cause := fmt.Errorf("%w: session of bot %s became unhealthy", bot.ErrUnknown, id)
	o.markError(ctx, &bot.Bot{ID: id, Name: h.name}, bot.StatusOnline, "session unhealthy", cause)
	return true
}

func (o *Orchestrator) recoverFaulted(ctx context.Context) []string {
	var recovered []string
	for _, id := range o.faultedIDs() {
		if o.recoverOne(ctx, id) {
			recovered = append(recovered, id)
		}
	}
	return recovered
}

// recoverOne restarts a faulted bot. Login failures drop it from the fault
// set because they are never retried automatically; other failures keep it
// for the next pass.
func (o *Orchestrator) recoverOne(ctx context.Context, id string) bool {
	unlock := o.locks.Lock(id)
	defer unlock()

	b, err := o.repo.FindByID(ctx, id)
	if err != nil || b.DesiredStatus != bot.StatusOnline || b.Status != bot.StatusError {
		o.clearFault(id)
		return false
	}
	if _, err := o.startLocked(ctx, id); err != nil {
		switch bot.KindOf(err) {
		case bot.KindInvalidCredential, bot.KindMissingIntent, bot.KindConfigInvalid:
			o.clearFault(id)
		}
		o.logger.Warn("auto-recover failed", "error", err, "bot_id", id, "kind", bot.KindOf(err))
		return false
	}
	o.logger.Info("bot auto-recovered", "bot_id", id)
	return true
}

// Watchdog runs CheckHealth on a cron schedule.
type Watchdog struct {
	orch     *Orchestrator
	schedule string
	cron     *cron.Cron
	logger   *slog.Logger
}

func NewWatchdog(orch *Orchestrator, schedule string) *Watchdog {
	logger := orch.logger.With("subsystem", "watchdog")
	return &Watchdog{
		orch:     orch,
		schedule: schedule,
		logger:   logger,
		cron: cron.New(cron.WithLogger(cronLogger{logger}), cron.WithChain(
			cron.Recover(cronLogger{logger}),
			cron.SkipIfStillRunning(cronLogger{logger}),
		)),
	}
}

func (w *Watchdog) Start() error {
	if _, err := w.cron.AddFunc(w.schedule, w.tick); err != nil {
		return fmt.Errorf("invalid watchdog schedule %q: %w", w.schedule, err)
	}
	w.cron.Start()
	w.logger.Info("watchdog started", "schedule", w.schedule, "auto_recover", w.orch.opts.AutoRecover)
	return nil
}

func (w *Watchdog) tick() {
	ctx, cancel := context.WithTimeout(context.Background(), watchdogTickTimeout)
	defer cancel()
	w.orch.CheckHealth(ctx)
}

// Stop halts the schedule and waits for a running pass, up to ctx.
func (w *Watchdog) Stop(ctx context.Context) {
	done := w.cron.Stop()
	select {
	case <-done.Done():
	case <-ctx.Done():
		w.logger.Warn("watchdog pass still running at shutdown")
	}
}

// cronLogger routes cron's internal logging to slog.
type cronLogger struct {
	logger *slog.Logger
}

func (l cronLogger) Info(msg string, keysAndValues ...any) {
	l.logger.Debug(msg, keysAndValues...)
}

func (l cronLogger) Error(err error, msg string, keysAndValues ...any) {
	l.logger.Error(msg, append([]any{"error", err}, keysAndValues...)...)
}
