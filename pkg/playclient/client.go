/**
 * @description
 * This package provides a client for the Google Play Developer API's
 * subscriptionsv2 endpoint. It encapsulates the logic for making authenticated HTTP
 * requests, parsing the loosely-shaped line-item timestamps, and reducing the
 * response to the validity window and identity hints the reconciler needs.
 */
package playclient

import (
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"strconv"
	"time"
)

// Client is a client for the Play Developer API.
type Client struct {
	BaseURL    string
	Token      string
	HTTPClient *http.Client
}

// NewClient creates a new Play API client. The token is a bearer token minted by the
// deployment's service-account machinery; the client itself is auth-agnostic.
func NewClient(baseURL, token string) *Client {
	return &Client{
		BaseURL: baseURL,
		Token:   token,
		HTTPClient: &http.Client{
			Timeout: 30 * time.Second,
		},
	}
}

// lineItem is the wire shape of a subscriptionsv2 line item. Timestamp fields show up
// in several historical spellings; all are kept optional and reconciled by pickTimes.
type lineItem struct {
	ValidTimeInterval *struct {
		StartTimeMillis json.Number `json:"startTimeMillis"`
		EndTimeMillis   json.Number `json:"endTimeMillis"`
	} `json:"validTimeInterval,omitempty"`
	StartTimeMillis  json.Number `json:"startTimeMillis"`
	StartTime        string      `json:"startTime"`
	ExpiryTimeMillis json.Number `json:"expiryTimeMillis"`
	ExpiryTime       string      `json:"expiryTime"`

	LinkedPurchaseToken *struct {
		ObfuscatedExternalAccountID string `json:"obfuscatedExternalAccountId"`
	} `json:"linkedPurchaseToken,omitempty"`
	ObfuscatedExternalAccountID string `json:"obfuscatedExternalAccountId"`
}

// subscriptionV2Response is the subset of the subscriptionsv2 GET response we read.
type subscriptionV2Response struct {
	SubscriptionState           string     `json:"subscriptionState"`
	RegionCode                  string     `json:"regionCode"`
	LineItems                   []lineItem `json:"lineItems"`
	ObfuscatedExternalAccountID string     `json:"obfuscatedExternalAccountId"`
}

// ErrorResponse represents an error from the Play API.
type ErrorResponse struct {
	StatusCode int
	Body       string
}

func (e *ErrorResponse) Error() string {
	return fmt.Sprintf("play api error: status %d: %s", e.StatusCode, e.Body)
}

// SubscriptionState is the reduced authoritative state of one purchase token.
type SubscriptionState struct {
	StartTimeMillis   int64
	ExpiryTimeMillis  int64
	SubscriptionState string
	RegionCode        string
	AccountID         string
	Raw               json.RawMessage
}

// toMillis parses a timestamp that may arrive as epoch milliseconds (number or
// numeric string) or as an RFC3339 string. Returns 0 when unparseable.
func toMillis(num json.Number, str string) int64 {
	if s := num.String(); s != "" && s != "0" {
		if n, err := strconv.ParseInt(s, 10, 64); err == nil {
			return n
		}
	}
	if str != "" {
		if t, err := time.Parse(time.RFC3339, str); err == nil {
			return t.UnixMilli()
		}
	}
	return 0
}

// pickTimes reduces the line items to the effective validity window: the earliest
// start across items and the latest end.
func pickTimes(items []lineItem) (startMs, endMs int64) {
	for _, li := range items {
		start := int64(0)
		end := int64(0)
		if li.ValidTimeInterval != nil {
			start = toMillis(li.ValidTimeInterval.StartTimeMillis, "")
			end = toMillis(li.ValidTimeInterval.EndTimeMillis, "")
		}
		if start == 0 {
			start = toMillis(li.StartTimeMillis, li.StartTime)
		}
		if end == 0 {
			end = toMillis(li.ExpiryTimeMillis, li.ExpiryTime)
		}
		if start > 0 && (startMs == 0 || start < startMs) {
			startMs = start
		}
		if end > 0 && end > endMs {
			endMs = end
		}
	}
	return startMs, endMs
}

// pickAccountID extracts the obfuscated external account id, trying the line-item
// spellings before the top-level one.
func pickAccountID(resp *subscriptionV2Response) string {
	if len(resp.LineItems) > 0 {
		li := resp.LineItems[0]
		if li.LinkedPurchaseToken != nil && li.LinkedPurchaseToken.ObfuscatedExternalAccountID != "" {
			return li.LinkedPurchaseToken.ObfuscatedExternalAccountID
		}
		if li.ObfuscatedExternalAccountID != "" {
			return li.ObfuscatedExternalAccountID
		}
	}
	return resp.ObfuscatedExternalAccountID
}

// GetSubscription fetches the authoritative state of a purchase token.
func (c *Client) GetSubscription(ctx context.Context, packageName, purchaseToken string) (*SubscriptionState, error) {
	url := fmt.Sprintf("%s/androidpublisher/v3/applications/%s/purchases/subscriptionsv2/tokens/%s",
		c.BaseURL, packageName, purchaseToken)

	req, err := http.NewRequestWithContext(ctx, http.MethodGet, url, nil)
	if err != nil {
		return nil, fmt.Errorf("failed to build play request: %w", err)
	}
	req.Header.Set("Authorization", "Bearer "+c.Token)
	req.Header.Set("Accept", "application/json")

	resp, err := c.HTTPClient.Do(req)
	if err != nil {
		return nil, fmt.Errorf("play request failed: %w", err)
	}
	defer resp.Body.Close()

	body, err := io.ReadAll(resp.Body)
	if err != nil {
		return nil, fmt.Errorf("failed to read play response: %w", err)
	}
	if resp.StatusCode != http.StatusOK {
		return nil, &ErrorResponse{StatusCode: resp.StatusCode, Body: string(body)}
	}

	var parsed subscriptionV2Response
	if err := json.Unmarshal(body, &parsed); err != nil {
		return nil, fmt.Errorf("failed to decode play response: %w", err)
	}

	startMs, endMs := pickTimes(parsed.LineItems)
	return &SubscriptionState{
		StartTimeMillis:   startMs,
		ExpiryTimeMillis:  endMs,
		SubscriptionState: parsed.SubscriptionState,
		RegionCode:        parsed.RegionCode,
		AccountID:         pickAccountID(&parsed),
		Raw:               json.RawMessage(body),
	}, nil
}
