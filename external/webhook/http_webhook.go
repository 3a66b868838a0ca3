package webhook

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"strings"
	"time"

	"github.com/foxseedlab/botfleet/internal/webhook"
)

const (
	defaultTimeout   = 10 * time.Second
	retryDelay       = 500 * time.Millisecond
	maxErrorBodySize = 512
)

// HTTPNotifier posts status events to a single endpoint. A 5xx answer is
// retried once; 4xx answers are not.
type HTTPNotifier struct {
	url        string
	client     *http.Client
	retryDelay time.Duration
}

func NewHTTPNotifier(url string) *HTTPNotifier {
	return &HTTPNotifier{
		url:        url,
		client:     &http.Client{Timeout: defaultTimeout},
		retryDelay: retryDelay,
	}
}

// NotifyStatus is a no-op when no URL is configured.
func (n *HTTPNotifier) NotifyStatus(ctx context.Context, event webhook.StatusEvent) error {
	if n.url == "" {
		return nil
	}
	body, err := json.Marshal(event)
	if err != nil {
		return fmt.Errorf("encode status event: %w", err)
	}

	retry, err := n.post(ctx, body)
	if err == nil || !retry {
		return err
	}
	select {
	case <-ctx.Done():
		return err
	case <-time.After(n.retryDelay):
	}
	_, err = n.post(ctx, body)
	return err
}

// post sends one attempt and reports whether a failure is worth retrying.
func (n *HTTPNotifier) post(ctx context.Context, body []byte) (bool, error) {
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, n.url, bytes.NewReader(body))
	if err != nil {
		return false, fmt.Errorf("build status webhook request: %w", err)
	}
	req.Header.Set("Content-Type", "application/json")
	resp, err := n.client.Do(req)
	if err != nil {
		return ctx.Err() == nil, fmt.Errorf("post status webhook: %w", err)
	}
	defer func() {
		_ = resp.Body.Close()
	}()
	if resp.StatusCode >= 200 && resp.StatusCode < 300 {
		return false, nil
	}
	excerpt, _ := io.ReadAll(io.LimitReader(resp.Body, maxErrorBodySize))
	return resp.StatusCode >= 500, fmt.Errorf("status webhook returned %d: %s", resp.StatusCode, strings.TrimSpace(string(excerpt)))
}
