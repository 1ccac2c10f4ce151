package engine

import (
	"context"
	"encoding/json"
	"errors"
	"net/http"
	"net/http/httptest"
	"sync/atomic"
	"testing"
	"time"

	"github.com/petrijr/botflow/internal/persistence"
	"github.com/petrijr/botflow/pkg/api"
)

func webhookFlow(url string, cfg api.WebhookConfig) api.FlowDefinition {
	cfg.URL = url
	return api.FlowDefinition{
		ID:     "hook",
		BotID:  "bot-1",
		Active: true,
		Nodes: []api.Node{
			{ID: "call", Type: api.NodeWebhook, Config: &cfg},
		},
	}
}

func TestWebhook_SuccessStoresResponse(t *testing.T) {
	var gotBody map[string]any
	var gotAuth string
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		gotAuth = r.Header.Get("Authorization")
		json.NewDecoder(r.Body).Decode(&gotBody)
		w.Header().Set("Content-Type", "application/json")
		w.Write([]byte(`{"ok": true, "balance": 12.5}`))
	}))
	defer srv.Close()

	def := webhookFlow(srv.URL, api.WebhookConfig{
		Headers:         map[string]string{"Authorization": "Bearer {{state.token}}"},
		Body:            map[string]any{"name": "{{contact.first_name}}"},
		StoreResponseIn: "api_result",
	})
	env := newTestEnv(t, def)

	exec, err := env.engine.Start(context.Background(), "hook", "c1", map[string]any{"token": "s3cret"})
	if err != nil {
		t.Fatalf("Start: %v", err)
	}
	if exec.Status != api.StatusCompleted {
		t.Fatalf("status = %s, want completed", exec.Status)
	}

	if gotAuth != "Bearer s3cret" {
		t.Fatalf("header not interpolated: %q", gotAuth)
	}
	if gotBody["name"] != "Maija" {
		t.Fatalf("body not interpolated: %v", gotBody)
	}

	stored, ok := exec.State["api_result"].(map[string]any)
	if !ok {
		t.Fatalf("response not stored: %v", exec.State)
	}
	if stored["status_code"] != 200 {
		t.Fatalf("status_code = %v", stored["status_code"])
	}
	body, ok := stored["body"].(map[string]any)
	if !ok || body["ok"] != true || body["balance"] != 12.5 {
		t.Fatalf("body not decoded: %v", stored["body"])
	}
}

func TestWebhook_ClientErrorCompletesWithoutRetry(t *testing.T) {
	var calls atomic.Int32
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		calls.Add(1)
		w.WriteHeader(http.StatusNotFound)
		w.Write([]byte("missing"))
	}))
	defer srv.Close()

	def := webhookFlow(srv.URL, api.WebhookConfig{StoreResponseIn: "result"})
	env := newTestEnv(t, def)

	exec, err := env.engine.Start(context.Background(), "hook", "c1", nil)
	if err != nil {
		t.Fatalf("Start: %v", err)
	}
	if exec.Status != api.StatusCompleted {
		t.Fatalf("status = %s, want completed", exec.Status)
	}
	if calls.Load() != 1 {
		t.Fatalf("4xx retried: %d calls", calls.Load())
	}

	stored := exec.State["result"].(map[string]any)
	if stored["status_code"] != 404 || stored["body"] != "missing" {
		t.Fatalf("unexpected stored response: %v", stored)
	}
}

func TestWebhook_ServerErrorExhaustsRetries(t *testing.T) {
	var calls atomic.Int32
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		calls.Add(1)
		w.WriteHeader(http.StatusInternalServerError)
	}))
	defer srv.Close()

	def := webhookFlow(srv.URL, api.WebhookConfig{})
	env := newTestEnv(t, def)

	exec, err := env.engine.Start(context.Background(), "hook", "c1", nil)
	if !errors.Is(err, api.ErrWebhookExhausted) {
		t.Fatalf("err = %v, want ErrWebhookExhausted", err)
	}
	if exec.Status != api.StatusFailed || exec.FailedNodeID != "call" {
		t.Fatalf("unexpected execution: %+v", exec)
	}
	if calls.Load() != 3 {
		t.Fatalf("attempts = %d, want 3", calls.Load())
	}

	log, _ := env.engine.ExecutionLog(context.Background(), exec.ID)
	retried := 0
	for _, entry := range log {
		if entry.Event == api.ExecEventNodeRetried {
			retried++
		}
	}
	if retried != 3 {
		t.Fatalf("logged %d retry entries, want 3", retried)
	}
}

func TestWebhook_MaxAttemptsOverride(t *testing.T) {
	var calls atomic.Int32
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if calls.Add(1) < 5 {
			w.WriteHeader(http.StatusServiceUnavailable)
			return
		}
		w.WriteHeader(http.StatusOK)
	}))
	defer srv.Close()

	def := webhookFlow(srv.URL, api.WebhookConfig{MaxAttempts: 5})
	env := newTestEnv(t, def)

	exec, err := env.engine.Start(context.Background(), "hook", "c1", nil)
	if err != nil {
		t.Fatalf("Start: %v", err)
	}
	if exec.Status != api.StatusCompleted {
		t.Fatalf("status = %s, want completed", exec.Status)
	}
	if calls.Load() != 5 {
		t.Fatalf("attempts = %d, want 5", calls.Load())
	}
}

func TestWebhook_NetworkErrorRetries(t *testing.T) {
	// A closed server refuses connections, which counts as retryable.
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {}))
	url := srv.URL
	srv.Close()

	def := webhookFlow(url, api.WebhookConfig{MaxAttempts: 2})
	env := newTestEnv(t, def)

	exec, err := env.engine.Start(context.Background(), "hook", "c1", nil)
	if !errors.Is(err, api.ErrWebhookExhausted) {
		t.Fatalf("err = %v, want ErrWebhookExhausted", err)
	}
	if exec.Status != api.StatusFailed {
		t.Fatalf("status = %s, want failed", exec.Status)
	}
}

func TestWebhook_GetMethodSendsNoBody(t *testing.T) {
	var method string
	var bodyLen int64
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		method = r.Method
		bodyLen = r.ContentLength
		w.WriteHeader(http.StatusOK)
	}))
	defer srv.Close()

	def := webhookFlow(srv.URL, api.WebhookConfig{
		Method: "GET",
		Body:   map[string]any{"ignored": true},
	})
	env := newTestEnv(t, def)

	exec, err := env.engine.Start(context.Background(), "hook", "c1", nil)
	if err != nil {
		t.Fatalf("Start: %v", err)
	}
	if exec.Status != api.StatusCompleted {
		t.Fatalf("status = %s", exec.Status)
	}
	if method != http.MethodGet || bodyLen > 0 {
		t.Fatalf("request = %s with %d body bytes", method, bodyLen)
	}
}

// leaseSpy wraps an execution store to observe and script lease
// renewals.
type leaseSpy struct {
	persistence.ExecutionStore
	renews   atomic.Int32
	renewErr error
}

func (s *leaseSpy) RenewLease(ctx context.Context, executionID, owner string, ttl time.Duration) error {
	s.renews.Add(1)
	if s.renewErr != nil {
		return s.renewErr
	}
	return s.ExecutionStore.RenewLease(ctx, executionID, owner, ttl)
}

func TestWebhook_RetryRenewsLease(t *testing.T) {
	var calls atomic.Int32
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if calls.Add(1) == 1 {
			w.WriteHeader(http.StatusInternalServerError)
			return
		}
		w.Write([]byte(`{}`))
	}))
	defer srv.Close()

	store := persistence.NewInMemoryStore()
	spy := &leaseSpy{ExecutionStore: store}
	stores := store.Stores()
	stores.Executions = spy
	e := newEngine(Config{Stores: stores, WebhookBackoff: time.Millisecond})

	ctx := context.Background()
	if err := store.SaveFlow(ctx, webhookFlow(srv.URL, api.WebhookConfig{})); err != nil {
		t.Fatalf("SaveFlow: %v", err)
	}

	exec, err := e.Start(ctx, "hook", "c1", nil)
	if err != nil {
		t.Fatalf("Start: %v", err)
	}
	if exec.Status != api.StatusCompleted {
		t.Fatalf("status = %s, want completed", exec.Status)
	}
	if spy.renews.Load() == 0 {
		t.Fatalf("lease was never renewed between retry attempts")
	}
}

func TestWebhook_LostLeaseAbortsWithoutPersisting(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusInternalServerError)
	}))
	defer srv.Close()

	store := persistence.NewInMemoryStore()
	spy := &leaseSpy{ExecutionStore: store, renewErr: api.ErrConcurrentStep}
	stores := store.Stores()
	stores.Executions = spy
	e := newEngine(Config{Stores: stores, WebhookBackoff: time.Millisecond})

	ctx := context.Background()
	if err := store.SaveFlow(ctx, webhookFlow(srv.URL, api.WebhookConfig{})); err != nil {
		t.Fatalf("SaveFlow: %v", err)
	}

	exec, err := e.Start(ctx, "hook", "c1", nil)
	if !errors.Is(err, api.ErrConcurrentStep) {
		t.Fatalf("err = %v, want ErrConcurrentStep", err)
	}

	// The worker that lost the lease must not record an outcome it no
	// longer owns.
	stored, err := store.GetExecution(ctx, exec.ID)
	if err != nil {
		t.Fatalf("GetExecution: %v", err)
	}
	if stored.Status != api.StatusPending {
		t.Fatalf("status = %s, want pending (nothing persisted after lease loss)", stored.Status)
	}
	if stored.Error != "" || stored.FailedNodeID != "" {
		t.Fatalf("failure persisted after lease loss: %q %q", stored.Error, stored.FailedNodeID)
	}
}
