package cron

import (
	"fmt"
	"strings"
	"time"

	"github.com/robfig/cron/v3"

	"github.com/haasonsaas/chatline/pkg/models"
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

// Schedule kinds.
const (
	KindAt   = "at"
	KindCron = "cron"
)

// Schedule is a parsed trigger.
type Schedule struct {
	Kind     string
	CronExpr string
	At       time.Time
	Timezone string
}

// NewSchedule turns a trigger into a Schedule relative to now. Delays are
// resolved against now; absolute dates must lie in the future. Dates without
// an offset and cron expressions are evaluated in tz, or now's location when
// tz is empty.
func NewSchedule(spec models.TriggerSpec, now time.Time, tz string) (Schedule, error) {
	switch spec.Type {
	case models.TriggerScheduled:
		loc := now.Location()
		if tz != "" {
			var err error
			if loc, err = time.LoadLocation(tz); err != nil {
				return Schedule{}, fmt.Errorf("%w: unknown timezone %q", ErrInvalidTrigger, tz)
			}
		}
		date := spec.DateIn(loc)
		if date == nil || date.IsZero() {
			return Schedule{}, fmt.Errorf("%w: scheduled trigger requires a date", ErrInvalidTrigger)
		}
		if !date.After(now) {
			return Schedule{}, fmt.Errorf("%w: date %s is in the past", ErrInvalidTrigger, date.Format(time.RFC3339))
		}
		return Schedule{Kind: KindAt, At: *date}, nil
	case models.TriggerDelayed:
		if spec.DelayInSeconds <= 0 {
			return Schedule{}, fmt.Errorf("%w: delayed trigger requires a positive delayInSeconds", ErrInvalidTrigger)
		}
		return Schedule{Kind: KindAt, At: now.Add(time.Duration(spec.DelayInSeconds) * time.Second)}, nil
	case models.TriggerCron:
		expr := strings.TrimSpace(spec.Cron)
		if expr == "" {
			return Schedule{}, fmt.Errorf("%w: cron trigger requires an expression", ErrInvalidTrigger)
		}
		if _, err := cronParser.Parse(expr); err != nil {
			return Schedule{}, fmt.Errorf("%w: invalid cron expression: %w", ErrInvalidTrigger, err)
		}
		if tz != "" {
			if _, err := time.LoadLocation(tz); err != nil {
				return Schedule{}, fmt.Errorf("%w: unknown timezone %q", ErrInvalidTrigger, tz)
			}
		}
		return Schedule{Kind: KindCron, CronExpr: expr, Timezone: tz}, nil
	case models.TriggerNoSchedule:
		return Schedule{}, fmt.Errorf("%w: no schedule given", ErrInvalidTrigger)
	default:
		return Schedule{}, fmt.Errorf("%w: unknown trigger type %q", ErrInvalidTrigger, spec.Type)
	}
}

// Next returns the next run time for the schedule after the given time.
func (s Schedule) Next(now time.Time) (time.Time, bool, error) {
	switch s.Kind {
	case KindAt:
		if s.At.IsZero() {
			return time.Time{}, false, fmt.Errorf("at schedule missing timestamp")
		}
		if now.After(s.At) {
			return time.Time{}, false, nil
		}
		return s.At, true, nil
	case KindCron:
		if s.CronExpr == "" {
			return time.Time{}, false, fmt.Errorf("cron schedule missing expression")
		}
		loc := now.Location()
		if s.Timezone != "" {
			if tz, err := time.LoadLocation(s.Timezone); err == nil {
				loc = tz
			}
		}
		schedule, err := cronParser.Parse(s.CronExpr)
		if err != nil {
			return time.Time{}, false, fmt.Errorf("parse cron expression: %w", err)
		}
		next := schedule.Next(now.In(loc))
		return next, !next.IsZero(), nil
	default:
		return time.Time{}, false, fmt.Errorf("unknown schedule kind")
	}
}
