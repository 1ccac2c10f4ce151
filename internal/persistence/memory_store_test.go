package persistence

import (
	"context"
	"testing"
	"time"

	"github.com/petrijr/botflow/pkg/api"
)

func newExecution(id, contactID string, status api.Status) *api.FlowExecution {
	now := time.Now()
	return &api.FlowExecution{
		ID:            id,
		FlowID:        "flow-1",
		BotID:         "bot-1",
		ContactID:     contactID,
		CurrentNodeID: "start",
		Status:        status,
		State:         map[string]any{"n": float64(1)},
		CreatedAt:     now,
		UpdatedAt:     now,
	}
}

func TestInMemoryStore_ExecutionRoundTrip(t *testing.T) {
	s := NewInMemoryStore()
	ctx := context.Background()

	exec := newExecution("e1", "c1", api.StatusPending)
	if err := s.SaveExecution(ctx, exec); err != nil {
		t.Fatalf("SaveExecution: %v", err)
	}

	got, err := s.GetExecution(ctx, "e1")
	if err != nil {
		t.Fatalf("GetExecution: %v", err)
	}
	if got.Status != api.StatusPending || got.CurrentNodeID != "start" {
		t.Fatalf("unexpected execution: %+v", got)
	}
	if got.State["n"] != float64(1) {
		t.Fatalf("state not preserved: %v", got.State)
	}

	// Mutating the returned copy must not leak into the store.
	got.State["n"] = float64(2)
	again, _ := s.GetExecution(ctx, "e1")
	if again.State["n"] != float64(1) {
		t.Fatalf("store state mutated through returned copy")
	}

	got.Status = api.StatusRunning
	if err := s.UpdateExecution(ctx, got); err != nil {
		t.Fatalf("UpdateExecution: %v", err)
	}
	again, _ = s.GetExecution(ctx, "e1")
	if again.Status != api.StatusRunning {
		t.Fatalf("status = %s, want running", again.Status)
	}
}

func TestInMemoryStore_UpdateMissing(t *testing.T) {
	s := NewInMemoryStore()
	err := s.UpdateExecution(context.Background(), newExecution("nope", "c1", api.StatusRunning))
	if err != ErrExecutionNotFound {
		t.Fatalf("err = %v, want ErrExecutionNotFound", err)
	}
	if _, err := s.GetExecution(context.Background(), "nope"); err != ErrExecutionNotFound {
		t.Fatalf("err = %v, want ErrExecutionNotFound", err)
	}
}

func TestInMemoryStore_ActiveExecutionForContact(t *testing.T) {
	s := NewInMemoryStore()
	ctx := context.Background()

	if _, err := s.ActiveExecutionForContact(ctx, "c1"); err != ErrExecutionNotFound {
		t.Fatalf("err = %v, want ErrExecutionNotFound", err)
	}

	s.SaveExecution(ctx, newExecution("done", "c1", api.StatusCompleted))
	if _, err := s.ActiveExecutionForContact(ctx, "c1"); err != ErrExecutionNotFound {
		t.Fatalf("terminal execution counted as active")
	}

	s.SaveExecution(ctx, newExecution("live", "c1", api.StatusWaitingInput))
	got, err := s.ActiveExecutionForContact(ctx, "c1")
	if err != nil {
		t.Fatalf("ActiveExecutionForContact: %v", err)
	}
	if got.ID != "live" {
		t.Fatalf("got %s, want live", got.ID)
	}
}

func TestInMemoryStore_ListExecutionsFilter(t *testing.T) {
	s := NewInMemoryStore()
	ctx := context.Background()

	a := newExecution("a", "c1", api.StatusCompleted)
	a.CreatedAt = time.Now().Add(-2 * time.Hour)
	b := newExecution("b", "c2", api.StatusRunning)
	b.CreatedAt = time.Now().Add(-time.Hour)
	s.SaveExecution(ctx, a)
	s.SaveExecution(ctx, b)

	all, err := s.ListExecutions(ctx, api.ExecutionFilter{})
	if err != nil {
		t.Fatalf("ListExecutions: %v", err)
	}
	if len(all) != 2 || all[0].ID != "a" || all[1].ID != "b" {
		t.Fatalf("unexpected order: %+v", all)
	}

	running, _ := s.ListExecutions(ctx, api.ExecutionFilter{Status: api.StatusRunning})
	if len(running) != 1 || running[0].ID != "b" {
		t.Fatalf("status filter broken: %+v", running)
	}

	byContact, _ := s.ListExecutions(ctx, api.ExecutionFilter{ContactID: "c1"})
	if len(byContact) != 1 || byContact[0].ID != "a" {
		t.Fatalf("contact filter broken: %+v", byContact)
	}
}

func TestInMemoryStore_DeleteTerminalBefore(t *testing.T) {
	s := NewInMemoryStore()
	ctx := context.Background()

	old := newExecution("old", "c1", api.StatusCompleted)
	old.UpdatedAt = time.Now().Add(-48 * time.Hour)
	s.SaveExecution(ctx, old)
	s.AppendExecutionLog(ctx, api.ExecutionLogEntry{ExecutionID: "old", Event: api.ExecEventCompleted})

	fresh := newExecution("fresh", "c2", api.StatusCompleted)
	s.SaveExecution(ctx, fresh)
	live := newExecution("live", "c3", api.StatusRunning)
	live.UpdatedAt = time.Now().Add(-48 * time.Hour)
	s.SaveExecution(ctx, live)

	n, err := s.DeleteTerminalBefore(ctx, time.Now().Add(-time.Hour))
	if err != nil {
		t.Fatalf("DeleteTerminalBefore: %v", err)
	}
	if n != 1 {
		t.Fatalf("deleted %d, want 1", n)
	}
	if _, err := s.GetExecution(ctx, "old"); err != ErrExecutionNotFound {
		t.Fatalf("old execution survived")
	}
	if entries, _ := s.ListExecutionLog(ctx, "old"); len(entries) != 0 {
		t.Fatalf("log survived deletion: %+v", entries)
	}
	if _, err := s.GetExecution(ctx, "live"); err != nil {
		t.Fatalf("non-terminal execution deleted")
	}
}

func TestInMemoryStore_Leases(t *testing.T) {
	s := NewInMemoryStore()
	ctx := context.Background()

	s.SaveExecution(ctx, newExecution("e1", "c1", api.StatusRunning))

	ok, err := s.TryAcquireLease(ctx, "e1", "alice", time.Minute)
	if err != nil || !ok {
		t.Fatalf("first acquire = (%v, %v)", ok, err)
	}

	// Another owner is locked out while the lease is fresh.
	ok, err = s.TryAcquireLease(ctx, "e1", "bob", time.Minute)
	if err != nil {
		t.Fatalf("TryAcquireLease: %v", err)
	}
	if ok {
		t.Fatalf("bob acquired a held lease")
	}

	// Same owner re-enters.
	if ok, _ := s.TryAcquireLease(ctx, "e1", "alice", time.Minute); !ok {
		t.Fatalf("re-entrant acquire failed")
	}

	if err := s.RenewLease(ctx, "e1", "alice", time.Minute); err != nil {
		t.Fatalf("RenewLease: %v", err)
	}
	if err := s.RenewLease(ctx, "e1", "bob", time.Minute); err != api.ErrConcurrentStep {
		t.Fatalf("renew by non-owner: %v, want ErrConcurrentStep", err)
	}

	// Release by non-owner is a no-op, by owner frees the lease.
	s.ReleaseLease(ctx, "e1", "bob")
	if ok, _ := s.TryAcquireLease(ctx, "e1", "bob", time.Minute); ok {
		t.Fatalf("release by non-owner freed the lease")
	}
	s.ReleaseLease(ctx, "e1", "alice")
	if ok, _ := s.TryAcquireLease(ctx, "e1", "bob", time.Minute); !ok {
		t.Fatalf("lease not free after release")
	}

	// An unknown execution is not a lease conflict.
	if ok, err := s.TryAcquireLease(ctx, "nope", "alice", time.Minute); ok || err != ErrExecutionNotFound {
		t.Fatalf("lease on missing execution = (%v, %v), want (false, ErrExecutionNotFound)", ok, err)
	}
}

func TestInMemoryStore_LeaseExpiry(t *testing.T) {
	s := NewInMemoryStore()
	ctx := context.Background()

	s.SaveExecution(ctx, newExecution("e1", "c1", api.StatusRunning))
	if ok, _ := s.TryAcquireLease(ctx, "e1", "alice", 10*time.Millisecond); !ok {
		t.Fatalf("acquire failed")
	}
	time.Sleep(20 * time.Millisecond)
	if ok, _ := s.TryAcquireLease(ctx, "e1", "bob", time.Minute); !ok {
		t.Fatalf("expired lease blocked takeover")
	}
}

func TestInMemoryStore_ContactsAndAttributes(t *testing.T) {
	s := NewInMemoryStore()
	ctx := context.Background()

	c := &api.Contact{ID: "c1", PhoneNumber: "+358401234567", FirstName: "Maija"}
	if err := s.SaveContact(ctx, c); err != nil {
		t.Fatalf("SaveContact: %v", err)
	}
	got, err := s.GetContactByPhone(ctx, "+358401234567")
	if err != nil || got.ID != "c1" {
		t.Fatalf("GetContactByPhone = (%+v, %v)", got, err)
	}
	if _, err := s.GetContact(ctx, "nope"); err != ErrContactNotFound {
		t.Fatalf("err = %v, want ErrContactNotFound", err)
	}

	attr := api.ContactAttribute{ContactID: "c1", Key: "tier", Value: "basic", Type: api.ValueString}
	if err := s.SetAttribute(ctx, attr); err != nil {
		t.Fatalf("SetAttribute: %v", err)
	}
	attr.Value = "vip"
	if err := s.SetAttribute(ctx, attr); err != nil {
		t.Fatalf("SetAttribute upsert: %v", err)
	}

	stored, ok, err := s.GetAttribute(ctx, "c1", "tier")
	if err != nil || !ok {
		t.Fatalf("GetAttribute = (%v, %v)", ok, err)
	}
	if stored.Value != "vip" {
		t.Fatalf("value = %q, want vip (last write wins)", stored.Value)
	}

	bag, err := s.ListAttributes(ctx, "c1")
	if err != nil || len(bag) != 1 {
		t.Fatalf("ListAttributes = (%+v, %v)", bag, err)
	}
}

func TestInMemoryStore_Triggers(t *testing.T) {
	s := NewInMemoryStore()
	ctx := context.Background()

	base := time.Now()
	for i, id := range []string{"t1", "t2", "t3"} {
		tr := api.Trigger{
			ID:        id,
			Name:      id,
			BotID:     "bot-1",
			FlowID:    "flow-1",
			Type:      api.TriggerKeyword,
			Active:    id != "t3",
			CreatedAt: base.Add(time.Duration(i) * time.Second),
		}
		if err := s.SaveTrigger(ctx, tr); err != nil {
			t.Fatalf("SaveTrigger: %v", err)
		}
	}

	active, err := s.ListActiveTriggers(ctx, "bot-1", "")
	if err != nil {
		t.Fatalf("ListActiveTriggers: %v", err)
	}
	if len(active) != 2 || active[0].ID != "t1" || active[1].ID != "t2" {
		t.Fatalf("unexpected triggers: %+v", active)
	}

	if _, err := s.GetTrigger(ctx, "nope"); err != ErrTriggerNotFound {
		t.Fatalf("err = %v, want ErrTriggerNotFound", err)
	}
}
