package trigger

import (
	"context"
	"fmt"
	"strings"
	"sync"
	"time"

	"github.com/robfig/cron/v3"

	"github.com/petrijr/botflow/pkg/api"
)

// DeliverFunc receives the synthetic event emitted when a schedule
// trigger fires.
type DeliverFunc func(ctx context.Context, ev api.Event)

// ScheduleRunner turns schedule triggers into cron entries. When an
// entry fires it emits a synthetic "scheduled" event addressed to the
// trigger, which the matcher then resolves like any other event.
type ScheduleRunner struct {
	cron    *cron.Cron
	deliver DeliverFunc

	mu      sync.Mutex
	entries map[string]cron.EntryID
	onces   map[string]*time.Timer
}

// NewScheduleRunner creates a runner. Call Start to begin firing.
func NewScheduleRunner(deliver DeliverFunc) *ScheduleRunner {
	return &ScheduleRunner{
		cron:    cron.New(),
		deliver: deliver,
		entries: make(map[string]cron.EntryID),
		onces:   make(map[string]*time.Timer),
	}
}

// Start begins dispatching schedule events.
func (r *ScheduleRunner) Start() {
	r.cron.Start()
}

// Stop halts dispatch and cancels pending one-shot timers. It does not
// wait for in-flight deliveries.
func (r *ScheduleRunner) Stop() {
	r.cron.Stop()
	r.mu.Lock()
	defer r.mu.Unlock()
	for id, timer := range r.onces {
		timer.Stop()
		delete(r.onces, id)
	}
}

// Register adds a schedule trigger to the runner. Re-registering a
// trigger id replaces its previous schedule.
func (r *ScheduleRunner) Register(t api.Trigger) error {
	if t.Type != api.TriggerSchedule || t.Schedule == nil {
		return fmt.Errorf("trigger %s: not a schedule trigger", t.ID)
	}
	if err := t.Validate(); err != nil {
		return err
	}

	r.Unregister(t.ID)

	fire := func() {
		r.deliver(context.Background(), api.Event{
			Type:    api.EventScheduled,
			BotID:   t.BotID,
			Payload: map[string]any{"trigger_id": t.ID},
		})
	}

	if t.Schedule.ScheduleType == api.ScheduleOnce {
		at, err := parseOnce(t.Schedule)
		if err != nil {
			return err
		}
		delay := time.Until(at)
		if delay < 0 {
			return fmt.Errorf("trigger %s: schedule_time %s is in the past", t.ID, t.Schedule.ScheduleTime)
		}
		r.mu.Lock()
		r.onces[t.ID] = time.AfterFunc(delay, fire)
		r.mu.Unlock()
		return nil
	}

	spec, err := CronSpec(t.Schedule)
	if err != nil {
		return fmt.Errorf("trigger %s: %v", t.ID, err)
	}
	entryID, err := r.cron.AddFunc(spec, fire)
	if err != nil {
		return fmt.Errorf("trigger %s: %v", t.ID, err)
	}
	r.mu.Lock()
	r.entries[t.ID] = entryID
	r.mu.Unlock()
	return nil
}

// Unregister removes a trigger's schedule. Unknown ids are a no-op.
func (r *ScheduleRunner) Unregister(triggerID string) {
	r.mu.Lock()
	defer r.mu.Unlock()
	if entryID, ok := r.entries[triggerID]; ok {
		r.cron.Remove(entryID)
		delete(r.entries, triggerID)
	}
	if timer, ok := r.onces[triggerID]; ok {
		timer.Stop()
		delete(r.onces, triggerID)
	}
}

var weekdays = map[string]int{
	"sunday":    0,
	"monday":    1,
	"tuesday":   2,
	"wednesday": 3,
	"thursday":  4,
	"friday":    5,
	"saturday":  6,
}

// CronSpec translates a recurring schedule config into a standard
// 5-field cron expression, with a CRON_TZ prefix when a timezone is
// set.
//
//	daily:   "HH:MM"         -> "M H * * *"
//	weekly:  "monday:HH:MM"  -> "M H * * 1"
//	monthly: "15:HH:MM"      -> "M H 15 * *"
//	cron:    used verbatim
func CronSpec(cfg *api.ScheduleTriggerConfig) (string, error) {
	var spec string
	switch cfg.ScheduleType {
	case api.ScheduleDaily:
		hour, minute, err := parseClock(cfg.ScheduleTime)
		if err != nil {
			return "", err
		}
		spec = fmt.Sprintf("%d %d * * *", minute, hour)

	case api.ScheduleWeekly:
		day, rest, ok := strings.Cut(cfg.ScheduleTime, ":")
		if !ok {
			return "", fmt.Errorf("weekly schedule_time %q: want \"day:HH:MM\"", cfg.ScheduleTime)
		}
		dow, ok := weekdays[strings.ToLower(day)]
		if !ok {
			return "", fmt.Errorf("weekly schedule_time %q: unknown weekday %q", cfg.ScheduleTime, day)
		}
		hour, minute, err := parseClock(rest)
		if err != nil {
			return "", err
		}
		spec = fmt.Sprintf("%d %d * * %d", minute, hour, dow)

	case api.ScheduleMonthly:
		day, rest, ok := strings.Cut(cfg.ScheduleTime, ":")
		if !ok {
			return "", fmt.Errorf("monthly schedule_time %q: want \"DD:HH:MM\"", cfg.ScheduleTime)
		}
		var dom int
		if _, err := fmt.Sscanf(day, "%d", &dom); err != nil || dom < 1 || dom > 31 {
			return "", fmt.Errorf("monthly schedule_time %q: bad day of month %q", cfg.ScheduleTime, day)
		}
		hour, minute, err := parseClock(rest)
		if err != nil {
			return "", err
		}
		spec = fmt.Sprintf("%d %d %d * *", minute, hour, dom)

	case api.ScheduleCron:
		spec = cfg.ScheduleTime

	default:
		return "", fmt.Errorf("unsupported schedule_type %q", cfg.ScheduleType)
	}

	if cfg.Timezone != "" {
		spec = "CRON_TZ=" + cfg.Timezone + " " + spec
	}
	return spec, nil
}

func parseClock(s string) (hour, minute int, err error) {
	if _, err := fmt.Sscanf(s, "%d:%d", &hour, &minute); err != nil {
		return 0, 0, fmt.Errorf("bad time %q: want \"HH:MM\"", s)
	}
	if hour < 0 || hour > 23 || minute < 0 || minute > 59 {
		return 0, 0, fmt.Errorf("bad time %q: out of range", s)
	}
	return hour, minute, nil
}

func parseOnce(cfg *api.ScheduleTriggerConfig) (time.Time, error) {
	loc := time.UTC
	if cfg.Timezone != "" {
		l, err := time.LoadLocation(cfg.Timezone)
		if err != nil {
			return time.Time{}, fmt.Errorf("bad schedule_timezone %q: %v", cfg.Timezone, err)
		}
		loc = l
	}
	at, err := time.ParseInLocation(time.RFC3339, cfg.ScheduleTime, loc)
	if err != nil {
		return time.Time{}, fmt.Errorf("bad schedule_time %q: want RFC 3339", cfg.ScheduleTime)
	}
	return at, nil
}
