package api

import (
	"fmt"
	"time"
)

// TriggerType identifies how a trigger is activated.
type TriggerType string

const (
	TriggerKeyword  TriggerType = "keyword"
	TriggerEvent    TriggerType = "event"
	TriggerSchedule TriggerType = "schedule"
)

// MatchType controls how keyword triggers match message text.
type MatchType string

const (
	MatchExact      MatchType = "exact"
	MatchContains   MatchType = "contains"
	MatchStartsWith MatchType = "starts_with"
	MatchEndsWith   MatchType = "ends_with"
	MatchRegex      MatchType = "regex"
)

// ScheduleType identifies the recurrence of a schedule trigger.
type ScheduleType string

const (
	ScheduleOnce    ScheduleType = "once"
	ScheduleDaily   ScheduleType = "daily"
	ScheduleWeekly  ScheduleType = "weekly"
	ScheduleMonthly ScheduleType = "monthly"
	ScheduleCron    ScheduleType = "cron"
)

// EventType identifies an incoming event.
type EventType string

const (
	EventMessage       EventType = "message"
	EventNewContact    EventType = "new_contact"
	EventOptIn         EventType = "opt_in"
	EventOptOut        EventType = "opt_out"
	EventFlowCompleted EventType = "flow_completed"
	EventFlowFailed    EventType = "flow_failed"

	// EventScheduled is the synthetic event emitted by the schedule
	// runner; its payload carries the trigger id.
	EventScheduled EventType = "scheduled"
)

// Event is an incoming occurrence the trigger matcher evaluates.
type Event struct {
	Type      EventType      `json:"type"`
	BotID     string         `json:"bot_id"`
	ContactID string         `json:"contact_id,omitempty"`

	// Text is the message body for message events.
	Text string `json:"text,omitempty"`

	// Payload carries event-specific fields for event-condition
	// matching; for scheduled events it holds "trigger_id".
	Payload map[string]any `json:"payload,omitempty"`
}

// KeywordTriggerConfig matches message text against a keyword list. A
// trigger matches when any keyword matches.
type KeywordTriggerConfig struct {
	Keywords      []string  `json:"keywords"`
	MatchType     MatchType `json:"match_type,omitempty"` // default contains
	CaseSensitive bool      `json:"case_sensitive,omitempty"`
}

// EventTriggerConfig matches system events. Conditions are a subset
// match against the event payload: every key must match, extra payload
// fields are ignored. A condition value may be a scalar (equality) or a
// {"operator": ..., "value": ...} mapping.
type EventTriggerConfig struct {
	EventType  EventType      `json:"event_type"`
	Conditions map[string]any `json:"event_conditions,omitempty"`
}

// ScheduleTriggerConfig describes when a schedule trigger fires.
//
// Time formats follow the schedule type:
//
//	once:    RFC 3339 timestamp
//	daily:   "HH:MM"
//	weekly:  "monday:HH:MM"
//	monthly: "15:HH:MM" (day of month first)
//	cron:    standard 5-field cron expression
type ScheduleTriggerConfig struct {
	ScheduleType ScheduleType `json:"schedule_type"`
	ScheduleTime string       `json:"schedule_time"`
	Timezone     string       `json:"schedule_timezone,omitempty"` // default UTC
}

// Trigger is a rule that starts a flow in response to a keyword, event
// or schedule. Exactly one of the config fields matching Type is set.
type Trigger struct {
	ID     string `json:"id"`
	Name   string `json:"name,omitempty"`
	BotID  string `json:"bot_id"`
	FlowID string `json:"flow_id"`

	Type     TriggerType `json:"trigger_type"`
	Priority int         `json:"priority,omitempty"`
	Active   bool        `json:"active"`

	Keyword  *KeywordTriggerConfig  `json:"keyword,omitempty"`
	Event    *EventTriggerConfig    `json:"event,omitempty"`
	Schedule *ScheduleTriggerConfig `json:"schedule,omitempty"`

	CreatedAt time.Time `json:"created_at"`
}

// Validate checks the trigger carries the config its type requires.
func (t Trigger) Validate() error {
	switch t.Type {
	case TriggerKeyword:
		if t.Keyword == nil || len(t.Keyword.Keywords) == 0 {
			return fmt.Errorf("trigger %s: keyword trigger needs at least one keyword", t.ID)
		}
	case TriggerEvent:
		if t.Event == nil || t.Event.EventType == "" {
			return fmt.Errorf("trigger %s: event trigger needs an event_type", t.ID)
		}
	case TriggerSchedule:
		if t.Schedule == nil || t.Schedule.ScheduleTime == "" {
			return fmt.Errorf("trigger %s: schedule trigger needs a schedule_time", t.ID)
		}
	default:
		return fmt.Errorf("trigger %s: unknown trigger_type %q", t.ID, t.Type)
	}
	if t.FlowID == "" {
		return fmt.Errorf("trigger %s: flow_id is required", t.ID)
	}
	return nil
}

// TriggerMatch pairs a matched trigger with the flow it starts, plus
// which keyword matched for keyword triggers.
type TriggerMatch struct {
	Trigger        Trigger
	FlowID         string
	MatchedKeyword string
}
