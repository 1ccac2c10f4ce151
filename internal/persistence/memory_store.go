package persistence

import (
	"context"
	"sort"
	"sync"
	"time"

	"github.com/petrijr/botflow/pkg/api"
)

// InMemoryStore is a goroutine-safe implementation of every store
// interface, backed by maps. It is the default for tests and
// single-process deployments.
type InMemoryStore struct {
	mu         sync.RWMutex
	flows      map[string]api.FlowDefinition
	executions map[string]*api.FlowExecution
	contacts   map[string]*api.Contact
	attributes map[string]map[string]api.ContactAttribute // contact id -> key -> attr
	triggers   map[string]api.Trigger
	execLog    map[string][]api.ExecutionLogEntry
	trigLog    map[string][]api.TriggerLogEntry
	leases     map[string]memLease
}

type memLease struct {
	owner   string
	expires time.Time
}

// NewInMemoryStore creates a new InMemoryStore.
func NewInMemoryStore() *InMemoryStore {
	return &InMemoryStore{
		flows:      make(map[string]api.FlowDefinition),
		executions: make(map[string]*api.FlowExecution),
		contacts:   make(map[string]*api.Contact),
		attributes: make(map[string]map[string]api.ContactAttribute),
		triggers:   make(map[string]api.Trigger),
		execLog:    make(map[string][]api.ExecutionLogEntry),
		trigLog:    make(map[string][]api.TriggerLogEntry),
		leases:     make(map[string]memLease),
	}
}

// Ensure InMemoryStore implements the interfaces.
var (
	_ FlowStore         = (*InMemoryStore)(nil)
	_ ExecutionStore    = (*InMemoryStore)(nil)
	_ ContactStore      = (*InMemoryStore)(nil)
	_ AttributeStore    = (*InMemoryStore)(nil)
	_ TriggerStore      = (*InMemoryStore)(nil)
	_ ExecutionLogStore = (*InMemoryStore)(nil)
	_ TriggerLogStore   = (*InMemoryStore)(nil)
)

// Stores returns a Stores bundle where every store is this instance.
func (s *InMemoryStore) Stores() Stores {
	return Stores{
		Flows:        s,
		Executions:   s,
		Contacts:     s,
		Attributes:   s,
		Triggers:     s,
		ExecutionLog: s,
		TriggerLog:   s,
	}
}

func (s *InMemoryStore) SaveFlow(ctx context.Context, def api.FlowDefinition) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.flows[def.ID] = def
	return nil
}

func (s *InMemoryStore) GetFlow(ctx context.Context, id string) (api.FlowDefinition, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	def, ok := s.flows[id]
	if !ok {
		return api.FlowDefinition{}, ErrFlowNotFound
	}
	return def, nil
}

func (s *InMemoryStore) SaveExecution(ctx context.Context, exec *api.FlowExecution) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	cp := cloneExecution(exec)
	s.executions[exec.ID] = cp
	return nil
}

func (s *InMemoryStore) UpdateExecution(ctx context.Context, exec *api.FlowExecution) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if _, ok := s.executions[exec.ID]; !ok {
		return ErrExecutionNotFound
	}
	s.executions[exec.ID] = cloneExecution(exec)
	return nil
}

func (s *InMemoryStore) GetExecution(ctx context.Context, id string) (*api.FlowExecution, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	exec, ok := s.executions[id]
	if !ok {
		return nil, ErrExecutionNotFound
	}
	return cloneExecution(exec), nil
}

func (s *InMemoryStore) ListExecutions(ctx context.Context, filter api.ExecutionFilter) ([]*api.FlowExecution, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	var result []*api.FlowExecution
	for _, exec := range s.executions {
		if !matchExecution(exec, filter) {
			continue
		}
		result = append(result, cloneExecution(exec))
	}
	sort.Slice(result, func(i, j int) bool {
		if result[i].CreatedAt.Equal(result[j].CreatedAt) {
			return result[i].ID < result[j].ID
		}
		return result[i].CreatedAt.Before(result[j].CreatedAt)
	})
	return result, nil
}

func (s *InMemoryStore) ActiveExecutionForContact(ctx context.Context, contactID string) (*api.FlowExecution, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	for _, exec := range s.executions {
		if exec.ContactID == contactID && !exec.Status.Terminal() {
			return cloneExecution(exec), nil
		}
	}
	return nil, ErrExecutionNotFound
}

func (s *InMemoryStore) DeleteTerminalBefore(ctx context.Context, cutoff time.Time) (int, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	count := 0
	for id, exec := range s.executions {
		if exec.Status.Terminal() && exec.UpdatedAt.Before(cutoff) {
			delete(s.executions, id)
			delete(s.execLog, id)
			count++
		}
	}
	return count, nil
}

func (s *InMemoryStore) TryAcquireLease(ctx context.Context, executionID, owner string, ttl time.Duration) (bool, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if _, ok := s.executions[executionID]; !ok {
		return false, ErrExecutionNotFound
	}
	now := time.Now()
	cur, held := s.leases[executionID]
	if held && cur.owner != owner && cur.expires.After(now) {
		return false, nil
	}
	s.leases[executionID] = memLease{owner: owner, expires: now.Add(ttl)}
	return true, nil
}

func (s *InMemoryStore) RenewLease(ctx context.Context, executionID, owner string, ttl time.Duration) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	cur, held := s.leases[executionID]
	if !held || cur.owner != owner {
		return api.ErrConcurrentStep
	}
	s.leases[executionID] = memLease{owner: owner, expires: time.Now().Add(ttl)}
	return nil
}

func (s *InMemoryStore) ReleaseLease(ctx context.Context, executionID, owner string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	cur, held := s.leases[executionID]
	if held && cur.owner == owner {
		delete(s.leases, executionID)
	}
	return nil
}

func (s *InMemoryStore) SaveContact(ctx context.Context, c *api.Contact) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	cp := *c
	s.contacts[c.ID] = &cp
	return nil
}

func (s *InMemoryStore) GetContact(ctx context.Context, id string) (*api.Contact, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	c, ok := s.contacts[id]
	if !ok {
		return nil, ErrContactNotFound
	}
	cp := *c
	return &cp, nil
}

func (s *InMemoryStore) GetContactByPhone(ctx context.Context, phone string) (*api.Contact, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	for _, c := range s.contacts {
		if c.PhoneNumber == phone {
			cp := *c
			return &cp, nil
		}
	}
	return nil, ErrContactNotFound
}

func (s *InMemoryStore) SetAttribute(ctx context.Context, attr api.ContactAttribute) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	bag, ok := s.attributes[attr.ContactID]
	if !ok {
		bag = make(map[string]api.ContactAttribute)
		s.attributes[attr.ContactID] = bag
	}
	if attr.UpdatedAt.IsZero() {
		attr.UpdatedAt = time.Now()
	}
	bag[attr.Key] = attr
	return nil
}

func (s *InMemoryStore) GetAttribute(ctx context.Context, contactID, key string) (api.ContactAttribute, bool, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	attr, ok := s.attributes[contactID][key]
	return attr, ok, nil
}

func (s *InMemoryStore) ListAttributes(ctx context.Context, contactID string) (map[string]api.ContactAttribute, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	out := make(map[string]api.ContactAttribute, len(s.attributes[contactID]))
	for k, v := range s.attributes[contactID] {
		out[k] = v
	}
	return out, nil
}

func (s *InMemoryStore) SaveTrigger(ctx context.Context, t api.Trigger) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if t.CreatedAt.IsZero() {
		t.CreatedAt = time.Now()
	}
	s.triggers[t.ID] = t
	return nil
}

func (s *InMemoryStore) GetTrigger(ctx context.Context, id string) (api.Trigger, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	t, ok := s.triggers[id]
	if !ok {
		return api.Trigger{}, ErrTriggerNotFound
	}
	return t, nil
}

func (s *InMemoryStore) ListActiveTriggers(ctx context.Context, botID string, triggerType api.TriggerType) ([]api.Trigger, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	var out []api.Trigger
	for _, t := range s.triggers {
		if t.BotID != botID || !t.Active {
			continue
		}
		if triggerType != "" && t.Type != triggerType {
			continue
		}
		out = append(out, t)
	}
	sort.Slice(out, func(i, j int) bool {
		if out[i].CreatedAt.Equal(out[j].CreatedAt) {
			return out[i].ID < out[j].ID
		}
		return out[i].CreatedAt.Before(out[j].CreatedAt)
	})
	return out, nil
}

func (s *InMemoryStore) AppendExecutionLog(ctx context.Context, entry api.ExecutionLogEntry) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if entry.At.IsZero() {
		entry.At = time.Now()
	}
	s.execLog[entry.ExecutionID] = append(s.execLog[entry.ExecutionID], entry)
	return nil
}

func (s *InMemoryStore) ListExecutionLog(ctx context.Context, executionID string) ([]api.ExecutionLogEntry, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	entries := s.execLog[executionID]
	out := make([]api.ExecutionLogEntry, len(entries))
	copy(out, entries)
	return out, nil
}

func (s *InMemoryStore) AppendTriggerLog(ctx context.Context, entry api.TriggerLogEntry) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if entry.At.IsZero() {
		entry.At = time.Now()
	}
	s.trigLog[entry.TriggerID] = append(s.trigLog[entry.TriggerID], entry)
	return nil
}

func (s *InMemoryStore) ListTriggerLog(ctx context.Context, triggerID string) ([]api.TriggerLogEntry, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	entries := s.trigLog[triggerID]
	out := make([]api.TriggerLogEntry, len(entries))
	copy(out, entries)
	return out, nil
}

func matchExecution(exec *api.FlowExecution, filter api.ExecutionFilter) bool {
	if filter.FlowID != "" && exec.FlowID != filter.FlowID {
		return false
	}
	if filter.ContactID != "" && exec.ContactID != filter.ContactID {
		return false
	}
	if filter.Status != "" && exec.Status != filter.Status {
		return false
	}
	if !filter.UpdatedBefore.IsZero() && !exec.UpdatedAt.Before(filter.UpdatedBefore) {
		return false
	}
	return true
}

// cloneExecution deep-copies the state map so callers cannot mutate
// stored records behind the lock.
func cloneExecution(exec *api.FlowExecution) *api.FlowExecution {
	cp := *exec
	if exec.State != nil {
		data, err := EncodeState(exec.State)
		if err == nil {
			if st, derr := DecodeState(data); derr == nil {
				cp.State = st
			}
		}
	}
	return &cp
}
