package domain

import (
	"fmt"
	"regexp"
	"time"

	"github.com/robfig/cron/v3"
)

var agentNameRegex = regexp.MustCompile(`^[a-z][a-z0-9_-]*$`)

// ScheduleType discriminates the schedule variants of an agent
type ScheduleType string

const (
	ScheduleManual   ScheduleType = "manual"
	ScheduleInterval ScheduleType = "interval"
	ScheduleCron     ScheduleType = "cron"
)

// Schedule is a tagged union over the three schedule shapes. Only the
// field matching Type is meaningful; Validate rejects mismatched
// combinations so an invalid pairing never reaches the store.
type Schedule struct {
	Type          ScheduleType
	IntervalHours int
	CronExpr      string
}

// ManualSchedule returns a schedule that only runs on operator trigger
func ManualSchedule() Schedule {
	return Schedule{Type: ScheduleManual}
}

// IntervalSchedule returns a schedule that runs every `hours` hours
func IntervalSchedule(hours int) Schedule {
	return Schedule{Type: ScheduleInterval, IntervalHours: hours}
}

// CronSchedule returns a schedule driven by a standard 5-field cron expression
func CronSchedule(expr string) Schedule {
	return Schedule{Type: ScheduleCron, CronExpr: expr}
}

// cronParser accepts standard 5-field expressions (minute through day-of-week)
var cronParser = cron.NewParser(cron.Minute | cron.Hour | cron.Dom | cron.Month | cron.Dow)

// Validate checks that the schedule is internally consistent
func (s Schedule) Validate() error {
	switch s.Type {
	case ScheduleManual:
		if s.IntervalHours != 0 || s.CronExpr != "" {
			return fmt.Errorf("manual schedule must not carry interval or cron parameters")
		}
	case ScheduleInterval:
		if s.IntervalHours < 1 {
			return fmt.Errorf("interval schedule requires interval_hours >= 1, got %d", s.IntervalHours)
		}
		if s.CronExpr != "" {
			return fmt.Errorf("interval schedule must not carry a cron expression")
		}
	case ScheduleCron:
		if s.IntervalHours != 0 {
			return fmt.Errorf("cron schedule must not carry interval_hours")
		}
		if _, err := cronParser.Parse(s.CronExpr); err != nil {
			return fmt.Errorf("invalid cron expression %q: %w", s.CronExpr, err)
		}
	default:
		return fmt.Errorf("unknown schedule type %q", s.Type)
	}
	return nil
}

// Next returns the next run time strictly after `after`, or nil for
// manual schedules. For interval schedules the anchor is the given
// last-run time (or `after` when the agent has never run).
func (s Schedule) Next(after time.Time, lastRun *time.Time) *time.Time {
	switch s.Type {
	case ScheduleInterval:
		anchor := after
		if lastRun != nil {
			anchor = *lastRun
		}
		next := anchor.Add(time.Duration(s.IntervalHours) * time.Hour)
		for !next.After(after) {
			next = next.Add(time.Duration(s.IntervalHours) * time.Hour)
		}
		return &next
	case ScheduleCron:
		sched, err := cronParser.Parse(s.CronExpr)
		if err != nil {
			return nil
		}
		next := sched.Next(after)
		return &next
	default:
		return nil
	}
}

// Agent is an operator-configured task definition wrapping calls to a
// generative-AI provider or collection routine
type Agent struct {
	Name             string
	Provider         string
	FallbackProvider string
	Model            string
	Temperature      float64
	MaxTokens        int
	Prompt           string
	Schedule         Schedule
	RateLimitPerHour int
	CostLimitDaily   float64
	Enabled          bool
	Paused           bool
	NextRunAt        *time.Time
	LastRunAt        *time.Time
	CreatedAt        time.Time
	UpdatedAt        time.Time
}

// Validate checks the agent definition before it is persisted
func (a *Agent) Validate() error {
	if !agentNameRegex.MatchString(a.Name) {
		return fmt.Errorf("invalid agent name %q (expected lowercase identifier)", a.Name)
	}
	if a.Provider == "" {
		return fmt.Errorf("agent %s: provider is required", a.Name)
	}
	if a.RateLimitPerHour < 1 {
		return fmt.Errorf("agent %s: rate_limit_per_hour must be >= 1", a.Name)
	}
	if a.CostLimitDaily <= 0 {
		return fmt.Errorf("agent %s: cost_limit_daily must be > 0", a.Name)
	}
	return a.Schedule.Validate()
}

// Due reports whether the scheduler should attempt admission at `now`.
// Manual agents are never due; the tick also skips paused and disabled
// agents entirely.
func (a *Agent) Due(now time.Time) bool {
	if !a.Enabled || a.Paused {
		return false
	}
	if a.Schedule.Type == ScheduleManual {
		return false
	}
	return a.NextRunAt != nil && !a.NextRunAt.After(now)
}
