/**
 * @description
 * This file provides an HTTP client for the licensing-service API, used by the
 * device agent for lock acquisition, lock release and subscription refresh.
 */
package gateclient

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"time"
)

// ErrLockHeld is returned when the server reports another device owns the lock.
var ErrLockHeld = errors.New("device lock held by another device")

// Client is an HTTP client for the licensing-service.
type Client struct {
	BaseURL    string
	AuthToken  string
	HTTPClient *http.Client
}

// NewClient creates a new licensing-service client.
func NewClient(baseURL, authToken string) *Client {
	return &Client{
		BaseURL:   baseURL,
		AuthToken: authToken,
		HTTPClient: &http.Client{
			Timeout: 15 * time.Second,
		},
	}
}

// DeviceLock mirrors the server's lock response.
type DeviceLock struct {
	UID        string    `json:"uid"`
	DeviceID   string    `json:"device_id"`
	Platform   string    `json:"platform"`
	Status     string    `json:"status"`
	AcquiredAt time.Time `json:"acquired_at"`
}

// Subscription mirrors the server's subscription response for the signed-in user.
type Subscription struct {
	UID                   string `json:"uid"`
	Email                 string `json:"email,omitempty"`
	SubscriptionStatus    string `json:"subscription_status"`
	ExpiryTimeMillis      int64  `json:"expiry_time_millis,omitempty"`
	ExpiryDate            string `json:"expiry_date,omitempty"`
	StartDate             string `json:"start_date,omitempty"`
	LastSubscriptionState string `json:"last_subscription_state,omitempty"`
	ExpiryLabel           string `json:"expiry_label"`
}

func (c *Client) do(ctx context.Context, method, path string, body interface{}) (*http.Response, error) {
	var reader io.Reader
	if body != nil {
		payload, err := json.Marshal(body)
		if err != nil {
			return nil, err
		}
		reader = bytes.NewReader(payload)
	}

	req, err := http.NewRequestWithContext(ctx, method, c.BaseURL+path, reader)
	if err != nil {
		return nil, err
	}
	req.Header.Set("Authorization", "Bearer "+c.AuthToken)
	if body != nil {
		req.Header.Set("Content-Type", "application/json")
	}
	return c.HTTPClient.Do(req)
}

// AcquireLock asks the server to bind the account's device lock to this device.
// Returns ErrLockHeld when another device owns it.
func (c *Client) AcquireLock(ctx context.Context, deviceID, platform string) (*DeviceLock, error) {
	resp, err := c.do(ctx, http.MethodPost, "/v1/locks/acquire", map[string]string{
		"device_id": deviceID,
		"platform":  platform,
	})
	if err != nil {
		return nil, err
	}
	defer resp.Body.Close()

	switch resp.StatusCode {
	case http.StatusOK:
		var lock DeviceLock
		if err := json.NewDecoder(resp.Body).Decode(&lock); err != nil {
			return nil, fmt.Errorf("failed to decode lock response: %w", err)
		}
		return &lock, nil
	case http.StatusConflict:
		return nil, ErrLockHeld
	default:
		body, _ := io.ReadAll(resp.Body)
		return nil, fmt.Errorf("lock acquire failed: status %d: %s", resp.StatusCode, body)
	}
}

// ReleaseLock releases the account's device lock. The server treats release as
// best-effort, so any 2xx counts as success.
func (c *Client) ReleaseLock(ctx context.Context) error {
	resp, err := c.do(ctx, http.MethodPost, "/v1/locks/release", nil)
	if err != nil {
		return err
	}
	defer resp.Body.Close()

	if resp.StatusCode >= 300 {
		body, _ := io.ReadAll(resp.Body)
		return fmt.Errorf("lock release failed: status %d: %s", resp.StatusCode, body)
	}
	return nil
}

// GetSubscription fetches the signed-in user's derived subscription state.
func (c *Client) GetSubscription(ctx context.Context) (*Subscription, error) {
	resp, err := c.do(ctx, http.MethodGet, "/v1/users/me/subscription", nil)
	if err != nil {
		return nil, err
	}
	defer resp.Body.Close()

	if resp.StatusCode == http.StatusNotFound {
		return nil, nil
	}
	if resp.StatusCode != http.StatusOK {
		body, _ := io.ReadAll(resp.Body)
		return nil, fmt.Errorf("subscription fetch failed: status %d: %s", resp.StatusCode, body)
	}

	var sub Subscription
	if err := json.NewDecoder(resp.Body).Decode(&sub); err != nil {
		return nil, fmt.Errorf("failed to decode subscription response: %w", err)
	}
	return &sub, nil
}
