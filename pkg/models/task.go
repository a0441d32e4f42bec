package models

import (
	"encoding/json"
	"fmt"
	"strings"
	"time"
)

// TriggerType selects how a TriggerSpec is interpreted.
type TriggerType string

const (
	TriggerScheduled  TriggerType = "scheduled"
	TriggerDelayed    TriggerType = "delayed"
	TriggerCron       TriggerType = "cron"
	TriggerNoSchedule TriggerType = "no-schedule"
)

// TriggerSpec describes when a scheduled task fires: an absolute time, a
// relative delay, or a recurring cron expression.
type TriggerSpec struct {
	Type           TriggerType `json:"type" jsonschema:"enum=scheduled,enum=delayed,enum=cron,enum=no-schedule"`
	Date           *time.Time  `json:"date,omitempty" jsonschema:"description=Absolute RFC3339 time for type scheduled; a time without an offset is read in the scheduler timezone"`
	DelayInSeconds int64       `json:"delayInSeconds,omitempty" jsonschema:"description=Delay in seconds for type delayed"`
	Cron           string      `json:"cron,omitempty" jsonschema:"description=Cron expression for type cron"`

	floating bool
}

// triggerDateLayouts are tried in order. Only the first carries an offset;
// the rest yield floating wall-clock times.
var triggerDateLayouts = []string{
	time.RFC3339Nano,
	"2006-01-02T15:04:05",
	"2006-01-02T15:04",
	"2006-01-02 15:04:05",
	"2006-01-02 15:04",
}

// parseTriggerDate parses value in loc and reports whether it lacked an offset.
func parseTriggerDate(value string, loc *time.Location) (time.Time, bool, error) {
	value = strings.TrimSpace(value)
	for i, layout := range triggerDateLayouts {
		if t, err := time.ParseInLocation(layout, value, loc); err == nil {
			return t, i > 0, nil
		}
	}
	return time.Time{}, false, fmt.Errorf("invalid trigger date %q", value)
}

// UnmarshalJSON accepts dates with or without a timezone offset. Dates
// without one are read as local time until DateIn places them.
func (t *TriggerSpec) UnmarshalJSON(data []byte) error {
	type plain TriggerSpec
	var raw struct {
		plain
		Date *string `json:"date,omitempty"`
	}
	if err := json.Unmarshal(data, &raw); err != nil {
		return err
	}
	*t = TriggerSpec(raw.plain)
	if raw.Date != nil && strings.TrimSpace(*raw.Date) != "" {
		date, floating, err := parseTriggerDate(*raw.Date, time.Local)
		if err != nil {
			return err
		}
		t.Date = &date
		t.floating = floating
	}
	return nil
}

// DateIn returns Date, keeping the wall clock of an offset-less date and
// moving it to loc.
func (t TriggerSpec) DateIn(loc *time.Location) *time.Time {
	if t.Date == nil || !t.floating || loc == nil {
		return t.Date
	}
	d := t.Date
	placed := time.Date(d.Year(), d.Month(), d.Day(), d.Hour(), d.Minute(), d.Second(), d.Nanosecond(), loc)
	return &placed
}

// Recurring reports whether the trigger fires more than once.
func (t TriggerSpec) Recurring() bool {
	return t.Type == TriggerCron
}

// ScheduledTask is a follow-up action owned by the scheduler.
type ScheduledTask struct {
	ID             string      `json:"id"`
	ConversationID string      `json:"conversation_id"`
	Trigger        TriggerSpec `json:"trigger"`
	Description    string      `json:"description"`
	NextRunAt      time.Time   `json:"next_run_at"`
	LastRunAt      *time.Time  `json:"last_run_at,omitempty"`
	LastError      string      `json:"last_error,omitempty"`
	CreatedAt      time.Time   `json:"created_at"`
}
