// Package cron provides a periodic scheduler that publishes configured
// events onto the bus when their cron expressions fire.
package cron

import (
	"context"
	"fmt"
	"log/slog"
	"sync"
	"time"

	cronlib "github.com/robfig/cron/v3"

	"github.com/basket/loom/internal/bus"
)

// TopicSchedulerHeartbeat is published at Background QoS once per tick so
// the dashboard can show the scheduler as alive independent of whether any
// schedule actually fired.
const TopicSchedulerHeartbeat = "scheduler.heartbeat"

// HeartbeatEvent is the payload of TopicSchedulerHeartbeat.
type HeartbeatEvent struct {
	Tick     time.Time
	DueCount int
}

// Schedule is one cron-driven publication.
type Schedule struct {
	Name      string
	CronExpr  string
	Topic     string
	EventType string
	Payload   string
}

// cronParser parses standard 5-field cron expressions (minute, hour, dom, month, dow).
var cronParser = cronlib.NewParser(
	cronlib.Minute | cronlib.Hour | cronlib.Dom | cronlib.Month | cronlib.Dow,
)

// Config holds the dependencies for the cron scheduler.
type Config struct {
	Schedules []Schedule
	Bus       *bus.Bus
	Logger    *slog.Logger
	Interval  time.Duration // tick interval; defaults to 1 minute if zero
}

type entry struct {
	schedule Schedule
	next     time.Time
}

// Scheduler periodically checks which schedules are due and publishes an
// event for each one.
type Scheduler struct {
	bus      *bus.Bus
	logger   *slog.Logger
	interval time.Duration

	mu      sync.Mutex
	entries []*entry

	cancel context.CancelFunc
	wg     sync.WaitGroup
}

// NewScheduler creates a Scheduler, validating every cron expression up
// front so a typo fails at startup instead of silently never firing.
func NewScheduler(cfg Config) (*Scheduler, error) {
	interval := cfg.Interval
	if interval <= 0 {
		interval = 1 * time.Minute
	}
	logger := cfg.Logger
	if logger == nil {
		logger = slog.Default()
	}

	now := time.Now()
	entries := make([]*entry, 0, len(cfg.Schedules))
	for _, sched := range cfg.Schedules {
		next, err := NextRunTime(sched.CronExpr, now)
		if err != nil {
			return nil, fmt.Errorf("cron: schedule %s: %w", sched.Name, err)
		}
		entries = append(entries, &entry{schedule: sched, next: next})
	}

	return &Scheduler{
		bus:      cfg.Bus,
		logger:   logger,
		interval: interval,
		entries:  entries,
	}, nil
}

// Start begins the scheduler loop. It runs in a background goroutine
// and respects the provided context for shutdown.
func (s *Scheduler) Start(ctx context.Context) {
	ctx, s.cancel = context.WithCancel(ctx)
	s.wg.Add(1)
	go s.loop(ctx)
	s.logger.Info("cron scheduler started", "interval", s.interval, "schedules", len(s.entries))
}

// Stop cancels the scheduler loop and waits for it to exit.
func (s *Scheduler) Stop() {
	if s.cancel != nil {
		s.cancel()
	}
	s.wg.Wait()
	s.logger.Info("cron scheduler stopped")
}

// loop is the main scheduler loop. It ticks at the configured interval and
// fires whatever came due since the last tick.
func (s *Scheduler) loop(ctx context.Context) {
	defer s.wg.Done()

	ticker := time.NewTicker(s.interval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			s.tick(time.Now())
		}
	}
}

// tick fires every due schedule and publishes the heartbeat.
func (s *Scheduler) tick(now time.Time) {
	due := s.takeDue(now)
	for _, sched := range due {
		s.fire(sched)
	}

	if s.bus != nil {
		s.bus.Publish(TopicSchedulerHeartbeat, HeartbeatEvent{Tick: now, DueCount: len(due)})
	}
}

// takeDue returns the schedules due at now and advances their next-run
// times past it.
func (s *Scheduler) takeDue(now time.Time) []Schedule {
	s.mu.Lock()
	defer s.mu.Unlock()

	var due []Schedule
	for _, e := range s.entries {
		if e.next.After(now) {
			continue
		}
		due = append(due, e.schedule)
		next, err := NextRunTime(e.schedule.CronExpr, now)
		if err != nil {
			// Validated at construction; a parse failure here means the
			// expression itself was mutated, which nothing does.
			s.logger.Error("cron: failed to compute next run time",
				"schedule_name", e.schedule.Name,
				"cron_expr", e.schedule.CronExpr,
				"error", err,
			)
			continue
		}
		e.next = next
	}
	return due
}

// fire publishes the schedule's event at Background QoS.
func (s *Scheduler) fire(sched Schedule) {
	if s.bus == nil {
		return
	}
	_, err := s.bus.PublishEnvelope(bus.Event{
		Topic:     sched.Topic,
		EventType: sched.EventType,
		QoS:       bus.Background,
		Sender:    "scheduler",
		Payload:   sched.Payload,
	})
	if err != nil {
		s.logger.Error("cron: schedule publish failed",
			"schedule_name", sched.Name,
			"topic", sched.Topic,
			"error", err,
		)
		return
	}

	s.logger.Info("cron: schedule fired",
		"schedule_name", sched.Name,
		"topic", sched.Topic,
	)
}

// NextRunTime parses the cron expression and returns the next run time after the given time.
func NextRunTime(cronExpr string, after time.Time) (time.Time, error) {
	sched, err := cronParser.Parse(cronExpr)
	if err != nil {
		return time.Time{}, err
	}
	return sched.Next(after), nil
}
