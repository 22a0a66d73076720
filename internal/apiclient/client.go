package apiclient

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"strconv"
	"strings"
	"time"

	"github.com/cankoe/bls-console/internal/models"

	"github.com/rs/zerolog/log"
)

// maxErrorBody bounds how much of a failed response is read for its detail.
const maxErrorBody = 64 << 10

// Client talks to the monitoring backend's REST API rooted at BaseURL (".../api").
type Client struct {
	baseURL    string
	httpClient *http.Client
}

func New(baseURL string, timeout time.Duration) *Client {
	return &Client{
		baseURL:    strings.TrimRight(baseURL, "/"),
		httpClient: &http.Client{Timeout: timeout},
	}
}

func (c *Client) BaseURL() string {
	return c.baseURL
}

// Ping hits the API root.
func (c *Client) Ping(ctx context.Context) error {
	return c.do(ctx, http.MethodGet, "/", nil, nil, nil)
}

func (c *Client) SystemStatus(ctx context.Context) (models.SystemStatus, error) {
	var status models.SystemStatus
	if err := c.do(ctx, http.MethodGet, "/system/status", nil, nil, &status); err != nil {
		return models.SystemStatus{}, err
	}
	return status, nil
}

func (c *Client) StartSystem(ctx context.Context, intervalMinutes int) error {
	body := map[string]int{"check_interval_minutes": intervalMinutes}
	return c.do(ctx, http.MethodPost, "/system/start", nil, body, nil)
}

func (c *Client) StopSystem(ctx context.Context) error {
	return c.do(ctx, http.MethodPost, "/system/stop", nil, nil, nil)
}

func (c *Client) CheckOnce(ctx context.Context) (models.CheckResult, error) {
	var result models.CheckResult
	if err := c.do(ctx, http.MethodPost, "/test/check-once", nil, nil, &result); err != nil {
		return models.CheckResult{}, err
	}
	return result, nil
}

// Logs fetches the newest limit entries, optionally restricted to one level.
func (c *Client) Logs(ctx context.Context, limit int, level models.LogLevel) (models.LogPage, error) {
	query := url.Values{}
	query.Set("limit", strconv.Itoa(limit))
	if level != "" {
		query.Set("level", string(level))
	}
	var page models.LogPage
	if err := c.do(ctx, http.MethodGet, "/logs", query, nil, &page); err != nil {
		return models.LogPage{}, err
	}
	return page, nil
}

func (c *Client) AvailableSlots(ctx context.Context, limit int) (models.SlotPage, error) {
	var query url.Values
	if limit > 0 {
		query = url.Values{"limit": []string{strconv.Itoa(limit)}}
	}
	var page models.SlotPage
	if err := c.do(ctx, http.MethodGet, "/appointments/available", query, nil, &page); err != nil {
		return models.SlotPage{}, err
	}
	return page, nil
}

func (c *Client) BookSlot(ctx context.Context, slotID string, confirm bool) (models.BookingResult, error) {
	body := map[string]any{"slot_id": slotID, "confirm_booking": confirm}
	var result models.BookingResult
	if err := c.do(ctx, http.MethodPost, "/appointments/book", nil, body, &result); err != nil {
		return models.BookingResult{}, err
	}
	return result, nil
}

func (c *Client) do(ctx context.Context, method, path string, query url.Values, body, out any) error {
	endpoint := c.baseURL + path
	if len(query) > 0 {
		endpoint += "?" + query.Encode()
	}
	op := method + " " + path

	var reqBody io.Reader
	if body != nil {
		payload, err := json.Marshal(body)
		if err != nil {
			return fmt.Errorf("encode %s body: %w", op, err)
		}
		reqBody = bytes.NewReader(payload)
	}

	req, err := http.NewRequestWithContext(ctx, method, endpoint, reqBody)
	if err != nil {
		return fmt.Errorf("build %s request: %w", op, err)
	}
	req.Header.Set("Accept", "application/json")
	if body != nil {
		req.Header.Set("Content-Type", "application/json")
	}

	resp, err := c.httpClient.Do(req)
	if err != nil {
		return &TransportError{Op: op, Err: err}
	}
	defer resp.Body.Close()

	if resp.StatusCode < 200 || resp.StatusCode > 299 {
		raw, _ := io.ReadAll(io.LimitReader(resp.Body, maxErrorBody))
		apiErr := &APIError{StatusCode: resp.StatusCode, Detail: parseDetail(raw)}
		log.Debug().Str("op", op).Int("status", resp.StatusCode).Str("detail", apiErr.Detail).Msg("API request rejected")
		return apiErr
	}

	if out == nil {
		_, _ = io.Copy(io.Discard, resp.Body)
		return nil
	}
	if err := json.NewDecoder(resp.Body).Decode(out); err != nil {
		return &TransportError{Op: op, Err: fmt.Errorf("decode response: %w", err)}
	}
	return nil
}
