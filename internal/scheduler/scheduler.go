// Package scheduler polls the routine catalogue for due cron triggers and
// hands them to the dispatcher. It re-reads the live catalogue on every
// tick, so edits take effect without restarting.
package scheduler

import (
	"context"
	"time"

	"github.com/robfig/cron/v3"

	"routined/internal/dispatch"
	logx "routined/pkg/logx"
)

// DefaultPollInterval is how often due schedules are evaluated. A schedule
// with second-level granularity needs a poll interval at most that fine.
const DefaultPollInterval = time.Second

// specParser accepts standard five-field crontab specs, an optional leading
// seconds field, and @-descriptors like @hourly.
var specParser = cron.NewParser(
	cron.SecondOptional | cron.Minute | cron.Hour | cron.Dom | cron.Month | cron.Dow | cron.Descriptor,
)

// ParseSpec validates a cron expression the way the scheduler will
// interpret it. Exposed so catalogue writers can reject bad schedules at
// add time instead of silently never firing.
func ParseSpec(spec string) (cron.Schedule, error) {
	return specParser.Parse(spec)
}

// Scheduler drives cron-triggered routines.
type Scheduler struct {
	d        *dispatch.Dispatcher
	interval time.Duration
	loc      *time.Location
	log      logx.Logger
}

// New builds a scheduler. interval <= 0 selects DefaultPollInterval; a nil
// location means time.Local.
func New(d *dispatch.Dispatcher, interval time.Duration, loc *time.Location, log logx.Logger) *Scheduler {
	if interval <= 0 {
		interval = DefaultPollInterval
	}
	if loc == nil {
		loc = time.Local
	}
	if log.IsZero() {
		log = logx.Nop()
	}
	return &Scheduler{d: d, interval: interval, loc: loc, log: log}
}

// Run polls until ctx is done. Each tick enumerates enabled cron routines
// and launches every one whose schedule fired inside the (lastTick, now]
// window. Admission control still applies; a due routine in cooldown is
// skipped, not queued.
func (s *Scheduler) Run(ctx context.Context) error {
	ticker := time.NewTicker(s.interval)
	defer ticker.Stop()

	last := time.Now().In(s.loc)
	for {
		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-ticker.C:
			now := time.Now().In(s.loc)
			s.tick(ctx, last, now)
			last = now
		}
	}
}

func (s *Scheduler) tick(ctx context.Context, last, now time.Time) {
	for _, r := range s.d.Engine().CronRoutines(s.d.Store()) {
		sched, err := specParser.Parse(r.Trigger.Schedule)
		if err != nil {
			// bad spec means the routine can never fire; surface it each tick
			// would be noisy, so only at debug
			s.log.Debug("invalid cron schedule",
				logx.String("routine", r.ID),
				logx.String("schedule", r.Trigger.Schedule),
				logx.Err(err))
			continue
		}
		next := sched.Next(last)
		if next.After(now) {
			continue
		}
		s.log.Debug("cron trigger due",
			logx.String("routine", r.ID),
			logx.Time("fire_at", next))
		s.d.RunCron(ctx, r.ID)
	}
}
