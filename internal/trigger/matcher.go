// Package trigger decides which flow an incoming event starts.
package trigger

import (
	"context"
	"regexp"
	"sort"
	"strings"
	"time"

	"github.com/petrijr/botflow/internal/persistence"
	"github.com/petrijr/botflow/pkg/api"
)

// Matcher evaluates incoming events against the active triggers of a
// bot. Every evaluation attempt is appended to the trigger log,
// matched or not.
type Matcher struct {
	triggers persistence.TriggerStore
	log      persistence.TriggerLogStore
	now      func() time.Time
}

// NewMatcher creates a Matcher. A nil log store disables logging.
func NewMatcher(triggers persistence.TriggerStore, log persistence.TriggerLogStore) *Matcher {
	if log == nil {
		log = persistence.NoopTriggerLogStore{}
	}
	return &Matcher{
		triggers: triggers,
		log:      log,
		now:      time.Now,
	}
}

// Match returns the highest-priority trigger matching the event, or nil
// when nothing matches. Candidates are evaluated by priority descending
// with creation order breaking ties, so matching is deterministic for a
// fixed trigger set.
func (m *Matcher) Match(ctx context.Context, ev api.Event) (*api.TriggerMatch, error) {
	matches, err := m.match(ctx, ev, true)
	if err != nil || len(matches) == 0 {
		return nil, err
	}
	return &matches[0], nil
}

// MatchAll returns every trigger matching the event in priority order.
func (m *Matcher) MatchAll(ctx context.Context, ev api.Event) ([]api.TriggerMatch, error) {
	return m.match(ctx, ev, false)
}

func (m *Matcher) match(ctx context.Context, ev api.Event, first bool) ([]api.TriggerMatch, error) {
	candidates, err := m.triggers.ListActiveTriggers(ctx, ev.BotID, "")
	if err != nil {
		return nil, err
	}

	// ListActiveTriggers returns creation order; a stable sort on
	// priority keeps that as the tie-break.
	sort.SliceStable(candidates, func(i, j int) bool {
		return candidates[i].Priority > candidates[j].Priority
	})

	var matches []api.TriggerMatch
	for _, t := range candidates {
		if !m.relevant(t, ev) {
			continue
		}

		matched, keyword, detail := evaluate(t, ev)
		m.appendLog(ctx, t, ev, matched, detail)
		if !matched {
			continue
		}
		matches = append(matches, api.TriggerMatch{
			Trigger:        t,
			FlowID:         t.FlowID,
			MatchedKeyword: keyword,
		})
		if first {
			return matches, nil
		}
	}
	return matches, nil
}

// relevant filters candidates by trigger/event type before evaluation,
// so the log only records genuine attempts.
func (m *Matcher) relevant(t api.Trigger, ev api.Event) bool {
	switch t.Type {
	case api.TriggerKeyword:
		return ev.Type == api.EventMessage
	case api.TriggerEvent:
		return t.Event != nil && t.Event.EventType == ev.Type
	case api.TriggerSchedule:
		return ev.Type == api.EventScheduled
	}
	return false
}

func evaluate(t api.Trigger, ev api.Event) (matched bool, keyword, detail string) {
	switch t.Type {
	case api.TriggerKeyword:
		kw, ok := MatchKeyword(ev.Text, t.Keyword)
		if ok {
			return true, kw, "keyword " + kw
		}
		return false, "", "no keyword matched"

	case api.TriggerEvent:
		if MatchConditions(t.Event.Conditions, ev.Payload) {
			return true, "", "conditions met"
		}
		return false, "", "conditions not met"

	case api.TriggerSchedule:
		// The schedule runner addresses its synthetic event to one
		// trigger via the payload.
		if id, ok := ev.Payload["trigger_id"].(string); ok && id == t.ID {
			return true, "", "schedule fired"
		}
		return false, "", "different schedule"
	}
	return false, "", "unknown trigger type"
}

// MatchKeyword checks message text against a keyword config and returns
// the first keyword that matched. Invalid regex patterns are skipped
// rather than failing the whole trigger.
func MatchKeyword(text string, cfg *api.KeywordTriggerConfig) (string, bool) {
	if cfg == nil || text == "" {
		return "", false
	}

	matchType := cfg.MatchType
	if matchType == "" {
		matchType = api.MatchContains
	}

	msg := text
	if !cfg.CaseSensitive {
		msg = strings.ToLower(msg)
	}

	for _, raw := range cfg.Keywords {
		kw := raw
		if !cfg.CaseSensitive {
			kw = strings.ToLower(kw)
		}

		var ok bool
		switch matchType {
		case api.MatchExact:
			ok = msg == kw
		case api.MatchContains:
			ok = strings.Contains(msg, kw)
		case api.MatchStartsWith:
			ok = strings.HasPrefix(msg, kw)
		case api.MatchEndsWith:
			ok = strings.HasSuffix(msg, kw)
		case api.MatchRegex:
			re, err := regexp.Compile(kw)
			if err != nil {
				continue
			}
			ok = re.MatchString(msg)
		}
		if ok {
			return raw, true
		}
	}
	return "", false
}

// MatchConditions performs a subset match of conditions against an
// event payload: every condition key must match, extra payload fields
// are ignored, and an empty condition set matches everything. A
// condition value may be a scalar (equality) or an
// {"operator": ..., "value": ...} mapping.
func MatchConditions(conditions, payload map[string]any) bool {
	for key, expected := range conditions {
		actual, present := payload[key]

		if spec, ok := expected.(map[string]any); ok {
			op := api.OpEqual
			if s, ok := spec["operator"].(string); ok && s != "" {
				op = api.Operator(s)
			}
			if !present || !op.Eval(actual, spec["value"]) {
				return false
			}
			continue
		}

		if !present || !api.OpEqual.Eval(actual, expected) {
			return false
		}
	}
	return true
}

func (m *Matcher) appendLog(ctx context.Context, t api.Trigger, ev api.Event, matched bool, detail string) {
	_ = m.log.AppendTriggerLog(ctx, api.TriggerLogEntry{
		TriggerID: t.ID,
		BotID:     t.BotID,
		EventType: ev.Type,
		ContactID: ev.ContactID,
		Matched:   matched,
		At:        m.now(),
		Detail:    detail,
	})
}

// TestKeyword evaluates a keyword trigger against sample text without
// touching the log. Used by authoring tools.
func TestKeyword(t api.Trigger, text string) (matched bool, matchedKeyword string) {
	if t.Type != api.TriggerKeyword {
		return false, ""
	}
	kw, ok := MatchKeyword(text, t.Keyword)
	return ok, kw
}

// TestEvent evaluates an event trigger against a sample payload without
// touching the log.
func TestEvent(t api.Trigger, payload map[string]any) bool {
	if t.Type != api.TriggerEvent || t.Event == nil {
		return false
	}
	return MatchConditions(t.Event.Conditions, payload)
}
