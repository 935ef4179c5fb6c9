package trigger

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"strings"
	"time"

	"github.com/kiranshivaraju/prophecy/pkg/models"
)

const tasksPath = "/tasks"

// HTTP hands tasks to a remote compute worker.
type HTTP struct {
	url    string
	client *http.Client
}

// NewHTTP creates a dispatcher posting to the worker at baseURL.
func NewHTTP(baseURL string, timeout time.Duration) *HTTP {
	return &HTTP{
		url:    strings.TrimRight(baseURL, "/") + tasksPath,
		client: &http.Client{Timeout: timeout},
	}
}

func (d *HTTP) Dispatch(ctx context.Context, task Task) error {
	body, err := json.Marshal(task)
	if err != nil {
		return fmt.Errorf("encode task: %w", err)
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodPost, d.url, bytes.NewReader(body))
	if err != nil {
		return fmt.Errorf("build dispatch request: %w", err)
	}
	req.Header.Set("Content-Type", "application/json")
	req.Header.Set("Authorization", "Bearer "+task.Token)

	resp, err := d.client.Do(req)
	if err != nil {
		return fmt.Errorf("%w: %v", ErrUnreachable, err)
	}
	defer resp.Body.Close()

	if resp.StatusCode < 200 || resp.StatusCode >= 300 {
		msg, _ := io.ReadAll(io.LimitReader(resp.Body, 512))
		return fmt.Errorf("%w: status %d: %s", ErrRejected, resp.StatusCode, strings.TrimSpace(string(msg)))
	}
	return nil
}

// PostCallback delivers payload to url with the trigger token as bearer.
// The returned bool reports whether a retry could succeed.
func PostCallback(ctx context.Context, client *http.Client, url, token string, payload models.CallbackPayload) (bool, error) {
	body, err := json.Marshal(payload)
	if err != nil {
		return false, fmt.Errorf("encode callback: %w", err)
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodPost, url, bytes.NewReader(body))
	if err != nil {
		return false, fmt.Errorf("build callback request: %w", err)
	}
	req.Header.Set("Content-Type", "application/json")
	req.Header.Set("Authorization", "Bearer "+token)

	resp, err := client.Do(req)
	if err != nil {
		return true, fmt.Errorf("post callback: %w", err)
	}
	defer resp.Body.Close()
	_, _ = io.Copy(io.Discard, io.LimitReader(resp.Body, 4096))

	switch {
	case resp.StatusCode >= 200 && resp.StatusCode < 300:
		return false, nil
	case resp.StatusCode == http.StatusTooManyRequests || resp.StatusCode >= 500:
		return true, fmt.Errorf("callback status %d", resp.StatusCode)
	default:
		return false, fmt.Errorf("callback status %d", resp.StatusCode)
	}
}

var _ Dispatcher = (*HTTP)(nil)
