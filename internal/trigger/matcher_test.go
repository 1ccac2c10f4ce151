package trigger

import (
	"context"
	"testing"
	"time"

	"github.com/petrijr/botflow/internal/persistence"
	"github.com/petrijr/botflow/pkg/api"
)

func newTestMatcher(t *testing.T, triggers ...api.Trigger) (*Matcher, *persistence.InMemoryStore) {
	t.Helper()
	store := persistence.NewInMemoryStore()
	ctx := context.Background()
	base := time.Now()
	for i, tr := range triggers {
		if tr.CreatedAt.IsZero() {
			tr.CreatedAt = base.Add(time.Duration(i) * time.Second)
		}
		if err := store.SaveTrigger(ctx, tr); err != nil {
			t.Fatalf("SaveTrigger: %v", err)
		}
	}
	return NewMatcher(store, store), store
}

func keywordTrigger(id, flowID string, priority int, keywords ...string) api.Trigger {
	return api.Trigger{
		ID:       id,
		Name:     id,
		BotID:    "bot-1",
		FlowID:   flowID,
		Type:     api.TriggerKeyword,
		Priority: priority,
		Active:   true,
		Keyword:  &api.KeywordTriggerConfig{Keywords: keywords},
	}
}

func TestMatch_KeywordContainsByDefault(t *testing.T) {
	m, _ := newTestMatcher(t, keywordTrigger("t1", "greeting", 0, "hi"))

	match, err := m.Match(context.Background(), api.Event{
		Type:  api.EventMessage,
		BotID: "bot-1",
		Text:  "well HI there",
	})
	if err != nil {
		t.Fatalf("Match: %v", err)
	}
	if match == nil || match.FlowID != "greeting" {
		t.Fatalf("got %+v", match)
	}
	if match.MatchedKeyword != "hi" {
		t.Fatalf("matched keyword = %q", match.MatchedKeyword)
	}
}

func TestMatch_NoMatchReturnsNil(t *testing.T) {
	m, store := newTestMatcher(t, keywordTrigger("t1", "greeting", 0, "hi"))

	match, err := m.Match(context.Background(), api.Event{
		Type:  api.EventMessage,
		BotID: "bot-1",
		Text:  "goodbye",
	})
	if err != nil {
		t.Fatalf("Match: %v", err)
	}
	if match != nil {
		t.Fatalf("unexpected match: %+v", match)
	}

	// The failed attempt is still logged.
	log, _ := store.ListTriggerLog(context.Background(), "t1")
	if len(log) != 1 || log[0].Matched {
		t.Fatalf("unexpected log: %+v", log)
	}
	if log[0].Detail != "no keyword matched" {
		t.Fatalf("detail = %q", log[0].Detail)
	}
}

func TestMatch_PriorityWins(t *testing.T) {
	m, _ := newTestMatcher(t,
		keywordTrigger("low", "flow-low", 1, "order"),
		keywordTrigger("high", "flow-high", 10, "order"),
	)

	match, err := m.Match(context.Background(), api.Event{
		Type:  api.EventMessage,
		BotID: "bot-1",
		Text:  "order status",
	})
	if err != nil {
		t.Fatalf("Match: %v", err)
	}
	if match.Trigger.ID != "high" {
		t.Fatalf("got %s, want high", match.Trigger.ID)
	}
}

func TestMatch_CreationOrderBreaksTies(t *testing.T) {
	m, _ := newTestMatcher(t,
		keywordTrigger("older", "flow-a", 5, "help"),
		keywordTrigger("newer", "flow-b", 5, "help"),
	)

	match, err := m.Match(context.Background(), api.Event{
		Type:  api.EventMessage,
		BotID: "bot-1",
		Text:  "help",
	})
	if err != nil {
		t.Fatalf("Match: %v", err)
	}
	if match.Trigger.ID != "older" {
		t.Fatalf("got %s, want older", match.Trigger.ID)
	}
}

func TestMatchAll_ReturnsEveryMatch(t *testing.T) {
	m, _ := newTestMatcher(t,
		keywordTrigger("t1", "flow-a", 2, "sale"),
		keywordTrigger("t2", "flow-b", 1, "sale"),
		keywordTrigger("t3", "flow-c", 9, "unrelated"),
	)

	matches, err := m.MatchAll(context.Background(), api.Event{
		Type:  api.EventMessage,
		BotID: "bot-1",
		Text:  "summer sale",
	})
	if err != nil {
		t.Fatalf("MatchAll: %v", err)
	}
	if len(matches) != 2 || matches[0].Trigger.ID != "t1" || matches[1].Trigger.ID != "t2" {
		t.Fatalf("unexpected matches: %+v", matches)
	}
}

func TestMatch_InactiveAndForeignTriggersSkipped(t *testing.T) {
	inactive := keywordTrigger("inactive", "flow-a", 0, "hi")
	inactive.Active = false
	foreign := keywordTrigger("foreign", "flow-b", 0, "hi")
	foreign.BotID = "bot-2"
	m, _ := newTestMatcher(t, inactive, foreign)

	match, err := m.Match(context.Background(), api.Event{
		Type:  api.EventMessage,
		BotID: "bot-1",
		Text:  "hi",
	})
	if err != nil {
		t.Fatalf("Match: %v", err)
	}
	if match != nil {
		t.Fatalf("matched a trigger that should be out of scope: %+v", match)
	}
}

func TestMatch_EventConditions(t *testing.T) {
	m, _ := newTestMatcher(t, api.Trigger{
		ID:     "opted",
		BotID:  "bot-1",
		FlowID: "welcome",
		Type:   api.TriggerEvent,
		Active: true,
		Event: &api.EventTriggerConfig{
			EventType: api.EventOptIn,
			Conditions: map[string]any{
				"channel": "whatsapp",
				"score":   map[string]any{"operator": ">", "value": 10},
			},
		},
	})
	ctx := context.Background()

	match, err := m.Match(ctx, api.Event{
		Type:  api.EventOptIn,
		BotID: "bot-1",
		Payload: map[string]any{
			"channel": "whatsapp",
			"score":   float64(15),
			"extra":   "ignored",
		},
	})
	if err != nil {
		t.Fatalf("Match: %v", err)
	}
	if match == nil || match.FlowID != "welcome" {
		t.Fatalf("got %+v", match)
	}

	// Below the threshold: conditions not met.
	match, _ = m.Match(ctx, api.Event{
		Type:    api.EventOptIn,
		BotID:   "bot-1",
		Payload: map[string]any{"channel": "whatsapp", "score": float64(5)},
	})
	if match != nil {
		t.Fatalf("matched below threshold: %+v", match)
	}

	// Wrong event type never reaches evaluation.
	match, _ = m.Match(ctx, api.Event{
		Type:    api.EventOptOut,
		BotID:   "bot-1",
		Payload: map[string]any{"channel": "whatsapp", "score": float64(15)},
	})
	if match != nil {
		t.Fatalf("matched wrong event type: %+v", match)
	}
}

func TestMatch_ScheduleAddressedByTriggerID(t *testing.T) {
	mk := func(id string) api.Trigger {
		return api.Trigger{
			ID:     id,
			BotID:  "bot-1",
			FlowID: "digest",
			Type:   api.TriggerSchedule,
			Active: true,
			Schedule: &api.ScheduleTriggerConfig{
				ScheduleType: api.ScheduleDaily,
				ScheduleTime: "09:00",
			},
		}
	}
	m, _ := newTestMatcher(t, mk("morning"), mk("evening"))

	match, err := m.Match(context.Background(), api.Event{
		Type:    api.EventScheduled,
		BotID:   "bot-1",
		Payload: map[string]any{"trigger_id": "evening"},
	})
	if err != nil {
		t.Fatalf("Match: %v", err)
	}
	if match == nil || match.Trigger.ID != "evening" {
		t.Fatalf("got %+v", match)
	}
}

func TestMatchKeyword_MatchTypes(t *testing.T) {
	cases := []struct {
		name string
		cfg  api.KeywordTriggerConfig
		text string
		want string
		ok   bool
	}{
		{"exact hit", api.KeywordTriggerConfig{Keywords: []string{"Hi"}, MatchType: api.MatchExact}, "hi", "Hi", true},
		{"exact miss on extra words", api.KeywordTriggerConfig{Keywords: []string{"hi"}, MatchType: api.MatchExact}, "hi there", "", false},
		{"starts_with", api.KeywordTriggerConfig{Keywords: []string{"order"}, MatchType: api.MatchStartsWith}, "ORDER 123", "order", true},
		{"ends_with", api.KeywordTriggerConfig{Keywords: []string{"stop"}, MatchType: api.MatchEndsWith}, "please STOP", "stop", true},
		{"regex", api.KeywordTriggerConfig{Keywords: []string{`^ref-\d+$`}, MatchType: api.MatchRegex}, "ref-42", `^ref-\d+$`, true},
		{"invalid regex skipped", api.KeywordTriggerConfig{Keywords: []string{"[", "ok"}, MatchType: api.MatchRegex}, "ok", "ok", true},
		{"case sensitive miss", api.KeywordTriggerConfig{Keywords: []string{"Hi"}, MatchType: api.MatchExact, CaseSensitive: true}, "hi", "", false},
		{"second keyword wins", api.KeywordTriggerConfig{Keywords: []string{"foo", "bar"}}, "a bar b", "bar", true},
	}
	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			got, ok := MatchKeyword(tc.text, &tc.cfg)
			if ok != tc.ok || got != tc.want {
				t.Fatalf("MatchKeyword = (%q, %v), want (%q, %v)", got, ok, tc.want, tc.ok)
			}
		})
	}

	if _, ok := MatchKeyword("", &api.KeywordTriggerConfig{Keywords: []string{"hi"}}); ok {
		t.Fatalf("empty text matched")
	}
	if _, ok := MatchKeyword("hi", nil); ok {
		t.Fatalf("nil config matched")
	}
}

func TestMatchConditions_EmptyMatchesEverything(t *testing.T) {
	if !MatchConditions(nil, map[string]any{"anything": 1}) {
		t.Fatalf("empty conditions should match")
	}
	if MatchConditions(map[string]any{"missing": "x"}, map[string]any{}) {
		t.Fatalf("missing payload key should not match")
	}
}

func TestDryRunHelpers(t *testing.T) {
	kw := api.Trigger{
		ID:      "kw",
		Type:    api.TriggerKeyword,
		Keyword: &api.KeywordTriggerConfig{Keywords: []string{"refund"}},
	}
	if ok, matched := TestKeyword(kw, "I want a refund please"); !ok || matched != "refund" {
		t.Fatalf("TestKeyword = (%v, %q)", ok, matched)
	}
	if ok, _ := TestKeyword(kw, "hello"); ok {
		t.Fatalf("unexpected keyword match")
	}

	ev := api.Trigger{
		ID:    "ev",
		Type:  api.TriggerEvent,
		Event: &api.EventTriggerConfig{EventType: "new_contact", Conditions: map[string]any{"source": "web"}},
	}
	if !TestEvent(ev, map[string]any{"source": "web"}) {
		t.Fatalf("TestEvent should match")
	}
	if TestEvent(ev, map[string]any{"source": "store"}) {
		t.Fatalf("TestEvent matched wrong source")
	}

	// Cross-type evaluation is always a miss.
	if ok, _ := TestKeyword(ev, "refund"); ok {
		t.Fatalf("event trigger matched as keyword")
	}
	if TestEvent(kw, map[string]any{"source": "web"}) {
		t.Fatalf("keyword trigger matched as event")
	}
}

func TestMatchConditions_ListMembership(t *testing.T) {
	conds := map[string]any{
		"plan": map[string]any{"operator": "in", "value": []any{"pro", "enterprise"}},
	}
	if !MatchConditions(conds, map[string]any{"plan": "pro"}) {
		t.Fatalf("plan=pro should match the value list")
	}
	if MatchConditions(conds, map[string]any{"plan": "free"}) {
		t.Fatalf("plan=free should not match the value list")
	}

	excl := map[string]any{
		"country": map[string]any{"operator": "not_in", "value": []any{"FI", "SE"}},
	}
	if !MatchConditions(excl, map[string]any{"country": "DE"}) {
		t.Fatalf("country=DE should pass the exclusion list")
	}
	if MatchConditions(excl, map[string]any{"country": "FI"}) {
		t.Fatalf("country=FI should be excluded")
	}
}
