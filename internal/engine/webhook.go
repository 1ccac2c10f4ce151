package engine

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"time"

	"github.com/cenkalti/backoff/v4"

	"github.com/petrijr/botflow/internal/interp"
	"github.com/petrijr/botflow/pkg/api"
)

// webhookResponseLimit caps how much of a response body is stored in
// execution state.
const webhookResponseLimit = 1 << 20

func (e *engineImpl) execWebhook(ctx context.Context, exec *api.FlowExecution, node api.Node, cfg *api.WebhookConfig, ic interp.Context, lease *executionLease) (effect, error) {
	url := ic.Interpolate(cfg.URL)
	headers := ic.InterpolateStringMap(cfg.Headers)
	body := ic.InterpolateMap(cfg.Body)

	maxAttempts := cfg.MaxAttempts
	if maxAttempts <= 0 {
		maxAttempts = e.webhookMaxAttempts
	}

	bo := backoff.NewExponentialBackOff()
	bo.InitialInterval = e.webhookBackoff
	bo.MaxElapsedTime = 0
	bo.Reset()

	var lastErr error
	for attempt := 1; attempt <= maxAttempts; attempt++ {
		status, respBody, err := e.doWebhookRequest(ctx, cfg.RequestMethod(), url, headers, body)

		switch {
		case err != nil:
			lastErr = err
		case status >= 500:
			lastErr = fmt.Errorf("webhook returned %d", status)
		default:
			// 2xx, 3xx and 4xx all complete the node. Client errors are
			// the flow author's problem to branch on, not a retry case.
			eff := effect{
				next:   cfg.Next,
				detail: fmt.Sprintf("webhook %s %s -> %d", cfg.RequestMethod(), url, status),
			}
			if cfg.StoreResponseIn != "" {
				eff.stateDelta = map[string]any{
					cfg.StoreResponseIn: map[string]any{
						"status_code": status,
						"body":        decodeWebhookBody(respBody),
					},
				}
			}
			return eff, nil
		}

		e.appendLog(ctx, exec.ID, node.ID, api.ExecEventNodeRetried,
			fmt.Sprintf("attempt %d/%d: %v", attempt, maxAttempts, lastErr))

		if attempt == maxAttempts {
			break
		}
		select {
		case <-ctx.Done():
			return effect{}, &api.NodeError{NodeID: node.ID, NodeType: node.Type, Err: ctx.Err()}
		case <-time.After(bo.NextBackOff()):
		}

		// A slow endpoint plus backoff can outlast the lease TTL, so the
		// lease must stay fresh before the next attempt. Losing it means
		// another worker owns the execution and this attempt must stop.
		if err := lease.Renew(ctx); err != nil {
			return effect{}, err
		}
	}

	return effect{}, &api.NodeError{
		NodeID:   node.ID,
		NodeType: node.Type,
		Err:      fmt.Errorf("%w after %d attempts: %v", api.ErrWebhookExhausted, maxAttempts, lastErr),
	}
}

func (e *engineImpl) doWebhookRequest(ctx context.Context, method, url string, headers map[string]string, body map[string]any) (int, []byte, error) {
	var reader io.Reader
	if len(body) > 0 && method != http.MethodGet {
		data, err := json.Marshal(body)
		if err != nil {
			return 0, nil, err
		}
		reader = bytes.NewReader(data)
	}

	req, err := http.NewRequestWithContext(ctx, method, url, reader)
	if err != nil {
		return 0, nil, err
	}
	if reader != nil {
		req.Header.Set("Content-Type", "application/json")
	}
	for k, v := range headers {
		req.Header.Set(k, v)
	}

	resp, err := e.httpClient.Do(req)
	if err != nil {
		return 0, nil, err
	}
	defer resp.Body.Close()

	data, err := io.ReadAll(io.LimitReader(resp.Body, webhookResponseLimit))
	if err != nil {
		return resp.StatusCode, nil, err
	}
	return resp.StatusCode, data, nil
}

// decodeWebhookBody parses the response as JSON when possible and falls
// back to the raw text.
func decodeWebhookBody(data []byte) any {
	if len(data) == 0 {
		return nil
	}
	var v any
	if err := json.Unmarshal(data, &v); err == nil {
		return v
	}
	return string(data)
}
