package backup

import (
	"context"
	"log/slog"
	"strconv"
	"strings"
	"sync"
	"time"

	"github.com/chestnet/chestnet-go/internal/errors"
)

// Schedule is one recurring backup slot. Weekly slots fire on a fixed
// weekday, daily slots every day.
type Schedule struct {
	Hour    int
	Minute  int
	Weekday time.Weekday // -1 for daily
	IsDaily bool
	NextRun time.Time
	LastRun time.Time
}

// Key identifies the schedule in the persisted state file.
func (s *Schedule) Key() string {
	if s.IsDaily {
		return "daily"
	}
	return "weekly-" + strings.ToLower(s.Weekday.String())
}

// ParseSchedules parses backup.schedule: comma-separated entries, each
// either "HH:MM" for a daily run or "<weekday> HH:MM" for a weekly one,
// e.g. "02:30" or "sunday 03:00, 14:00".
func ParseSchedules(spec string) ([]Schedule, error) {
	var schedules []Schedule
	for _, entry := range strings.Split(spec, ",") {
		entry = strings.TrimSpace(entry)
		if entry == "" {
			continue
		}
		schedule, err := parseScheduleEntry(entry)
		if err != nil {
			return nil, err
		}
		schedules = append(schedules, schedule)
	}
	if len(schedules) == 0 {
		return nil, errors.Newf("backup.schedule is empty").
			Component("backup").
			Category(errors.CategoryConfiguration).
			Build()
	}
	return schedules, nil
}

func parseScheduleEntry(entry string) (Schedule, error) {
	fields := strings.Fields(entry)
	schedule := Schedule{Weekday: -1, IsDaily: true}

	var clock string
	switch len(fields) {
	case 1:
		clock = fields[0]
	case 2:
		weekday, ok := parseWeekday(fields[0])
		if !ok {
			return Schedule{}, errors.Newf("invalid weekday in backup schedule: %s", fields[0]).
				Component("backup").
				Category(errors.CategoryConfiguration).
				Build()
		}
		schedule.Weekday = weekday
		schedule.IsDaily = false
		clock = fields[1]
	default:
		return Schedule{}, errors.Newf("invalid backup schedule entry: %s", entry).
			Component("backup").
			Category(errors.CategoryConfiguration).
			Build()
	}

	hour, minute, err := parseClock(clock)
	if err != nil {
		return Schedule{}, err
	}
	schedule.Hour = hour
	schedule.Minute = minute
	return schedule, nil
}

func parseWeekday(name string) (time.Weekday, bool) {
	for day := time.Sunday; day <= time.Saturday; day++ {
		if strings.EqualFold(name, day.String()) ||
			strings.EqualFold(name, day.String()[:3]) {
			return day, true
		}
	}
	return 0, false
}

func parseClock(clock string) (hour, minute int, err error) {
	parts := strings.SplitN(clock, ":", 2)
	if len(parts) != 2 {
		return 0, 0, invalidClockError(clock)
	}
	hour, err = strconv.Atoi(parts[0])
	if err != nil || hour < 0 || hour > 23 {
		return 0, 0, invalidClockError(clock)
	}
	minute, err = strconv.Atoi(parts[1])
	if err != nil || minute < 0 || minute > 59 {
		return 0, 0, invalidClockError(clock)
	}
	return hour, minute, nil
}

func invalidClockError(clock string) error {
	return errors.Newf("invalid time in backup schedule: %s", clock).
		Component("backup").
		Category(errors.CategoryConfiguration).
		Build()
}

// nextRun computes the first instant after now matching the slot.
func (s *Schedule) nextRun(now time.Time) time.Time {
	next := time.Date(now.Year(), now.Month(), now.Day(), s.Hour, s.Minute, 0, 0, now.Location())
	if s.IsDaily {
		if !next.After(now) {
			next = next.AddDate(0, 0, 1)
		}
		return next
	}
	for next.Weekday() != s.Weekday || !next.After(now) {
		next = next.AddDate(0, 0, 1)
	}
	return next
}

// Scheduler fires backup runs on the configured slots and persists
// run history across restarts.
type Scheduler struct {
	manager   *Manager
	schedules []Schedule
	state     *StateManager
	log       *slog.Logger

	mu      sync.Mutex
	cancel  context.CancelFunc
	running bool
}

// NewScheduler builds a scheduler from backup.schedule.
func NewScheduler(manager *Manager) (*Scheduler, error) {
	schedules, err := ParseSchedules(manager.config.Schedule)
	if err != nil {
		return nil, err
	}
	state, err := NewStateManager()
	if err != nil {
		return nil, err
	}

	now := time.Now()
	for i := range schedules {
		schedules[i].LastRun = state.LastRun(schedules[i].Key())
		schedules[i].NextRun = schedules[i].nextRun(now)
	}
	return &Scheduler{
		manager:   manager,
		schedules: schedules,
		state:     state,
		log:       manager.log,
	}, nil
}

// Start launches the scheduling loop.
func (s *Scheduler) Start(ctx context.Context) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.running {
		return
	}
	runCtx, cancel := context.WithCancel(ctx)
	s.cancel = cancel
	s.running = true
	go s.run(runCtx)
	s.log.Info("backup scheduler started", "slots", len(s.schedules))
}

// Stop halts the scheduling loop.
func (s *Scheduler) Stop() {
	s.mu.Lock()
	defer s.mu.Unlock()
	if !s.running {
		return
	}
	s.cancel()
	s.running = false
}

// IsRunning reports whether the loop is active.
func (s *Scheduler) IsRunning() bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.running
}

// Schedules returns a copy of the current slots.
func (s *Scheduler) Schedules() []Schedule {
	s.mu.Lock()
	defer s.mu.Unlock()
	out := make([]Schedule, len(s.schedules))
	copy(out, s.schedules)
	return out
}

func (s *Scheduler) run(ctx context.Context) {
	ticker := time.NewTicker(30 * time.Second)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			s.fireDue(ctx, time.Now())
		}
	}
}

// fireDue runs every slot whose next-run instant has passed.
func (s *Scheduler) fireDue(ctx context.Context, now time.Time) {
	s.mu.Lock()
	var due []*Schedule
	for i := range s.schedules {
		if !s.schedules[i].NextRun.After(now) {
			due = append(due, &s.schedules[i])
		}
	}
	s.mu.Unlock()

	for _, schedule := range due {
		err := s.manager.RunBackup(ctx, schedule.IsDaily)

		s.mu.Lock()
		schedule.NextRun = schedule.nextRun(now)
		if err != nil {
			s.log.Error("scheduled backup failed", "slot", schedule.Key(), "error", err)
			s.state.RecordFailure(schedule.Key(), now)
		} else {
			schedule.LastRun = now
			s.state.RecordSuccess(schedule.Key(), now, schedule.NextRun)
		}
		s.mu.Unlock()

		if err := s.state.Save(); err != nil {
			s.log.Warn("cannot persist scheduler state", "error", err)
		}
	}
}
