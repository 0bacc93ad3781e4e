package task

import (
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/robfig/cron/v3"
)

// ScheduleKind tags the schedule variant.
type ScheduleKind string

const (
	ScheduleOnce    ScheduleKind = "once"
	ScheduleDaily   ScheduleKind = "daily"
	ScheduleWeekly  ScheduleKind = "weekly"
	ScheduleMonthly ScheduleKind = "monthly"
	ScheduleCustom  ScheduleKind = "custom"
)

// Schedule is a tagged variant: exactly the fields belonging to Kind are
// meaningful, everything else must be zero. Malformed configs are rejected
// by Validate() at construction time instead of surfacing at dispatch.
type Schedule struct {
	Kind ScheduleKind `json:"kind"`

	// once
	At time.Time `json:"at,omitempty"`

	// daily / weekly / monthly: local wall-clock time "HH:MM".
	TimeOfDay string `json:"time_of_day,omitempty"`
	// weekly: 0 = Sunday ... 6 = Saturday.
	Weekday int `json:"weekday,omitempty"`
	// monthly: 1..31. Months without that day are skipped.
	DayOfMonth int `json:"day_of_month,omitempty"`

	// custom: standard 5-field cron spec (or @every / @hourly descriptors).
	Cron string `json:"cron,omitempty"`
}

// cronParser accepts the same spec family the trigger uses, shared so
// validation and next-run computation can never disagree.
var cronParser = cron.NewParser(cron.Minute | cron.Hour | cron.Dom | cron.Month | cron.Dow | cron.Descriptor)

func (s Schedule) Validate() error {
	switch s.Kind {
	case ScheduleOnce:
		if s.At.IsZero() {
			return errors.New("schedule once: at is required")
		}
	case ScheduleDaily:
		if _, _, err := parseHHMM(s.TimeOfDay); err != nil {
			return fmt.Errorf("schedule daily: %w", err)
		}
	case ScheduleWeekly:
		if _, _, err := parseHHMM(s.TimeOfDay); err != nil {
			return fmt.Errorf("schedule weekly: %w", err)
		}
		if s.Weekday < 0 || s.Weekday > 6 {
			return fmt.Errorf("schedule weekly: weekday %d out of range", s.Weekday)
		}
	case ScheduleMonthly:
		if _, _, err := parseHHMM(s.TimeOfDay); err != nil {
			return fmt.Errorf("schedule monthly: %w", err)
		}
		if s.DayOfMonth < 1 || s.DayOfMonth > 31 {
			return fmt.Errorf("schedule monthly: day_of_month %d out of range", s.DayOfMonth)
		}
	case ScheduleCustom:
		spec := strings.TrimSpace(s.Cron)
		if spec == "" {
			return errors.New("schedule custom: cron spec is required")
		}
		if _, err := cronParser.Parse(spec); err != nil {
			return fmt.Errorf("schedule custom: invalid cron spec %q: %w", spec, err)
		}
	default:
		return fmt.Errorf("unknown schedule kind %q", s.Kind)
	}
	return nil
}

// Next returns the first occurrence strictly after the given instant.
// For once-schedules it returns At regardless of after (a past At means
// the task is immediately due), so callers decide terminality themselves.
func (s Schedule) Next(after time.Time, loc *time.Location) (time.Time, error) {
	if loc == nil {
		loc = time.Local
	}
	after = after.In(loc)

	switch s.Kind {
	case ScheduleOnce:
		if s.At.IsZero() {
			return time.Time{}, errors.New("schedule once: at is required")
		}
		return s.At, nil

	case ScheduleDaily:
		h, m, err := parseHHMM(s.TimeOfDay)
		if err != nil {
			return time.Time{}, err
		}
		next := time.Date(after.Year(), after.Month(), after.Day(), h, m, 0, 0, loc)
		if !next.After(after) {
			next = next.AddDate(0, 0, 1)
		}
		return next, nil

	case ScheduleWeekly:
		h, m, err := parseHHMM(s.TimeOfDay)
		if err != nil {
			return time.Time{}, err
		}
		next := time.Date(after.Year(), after.Month(), after.Day(), h, m, 0, 0, loc)
		days := (s.Weekday - int(next.Weekday()) + 7) % 7
		next = next.AddDate(0, 0, days)
		if !next.After(after) {
			next = next.AddDate(0, 0, 7)
		}
		return next, nil

	case ScheduleMonthly:
		h, m, err := parseHHMM(s.TimeOfDay)
		if err != nil {
			return time.Time{}, err
		}
		// Walk forward month by month; skip months without the target day
		// (e.g. day 31 in February).
		y, mo := after.Year(), after.Month()
		for i := 0; i < 24; i++ {
			next := time.Date(y, mo, s.DayOfMonth, h, m, 0, 0, loc)
			if next.Day() == s.DayOfMonth && next.After(after) {
				return next, nil
			}
			mo++
			if mo > time.December {
				mo = time.January
				y++
			}
		}
		return time.Time{}, fmt.Errorf("schedule monthly: no occurrence found for day %d", s.DayOfMonth)

	case ScheduleCustom:
		sched, err := cronParser.Parse(strings.TrimSpace(s.Cron))
		if err != nil {
			return time.Time{}, fmt.Errorf("schedule custom: %w", err)
		}
		next := sched.Next(after)
		if next.IsZero() {
			return time.Time{}, fmt.Errorf("schedule custom: spec %q has no upcoming occurrence", s.Cron)
		}
		return next, nil
	}
	return time.Time{}, fmt.Errorf("unknown schedule kind %q", s.Kind)
}
