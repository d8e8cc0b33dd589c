/**
 * @description
 * Client for the member service. Read-only status queries used to decide
 * whether a member may be invoiced.
 */
package memberclient

import (
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"net/url"
	"strings"
	"time"
)

// Status is the billing view of a member.
type Status struct {
	Billable         bool `json:"billable"`
	ActiveMembership bool `json:"active_membership"`
}

// Client is a client for the member service.
type Client struct {
	baseURL    string
	apiKey     string
	httpClient *http.Client
}

// NewClient creates a new member service client.
func NewClient(baseURL string, apiKey string) *Client {
	return &Client{
		baseURL:    strings.TrimSuffix(strings.TrimSpace(baseURL), "/"),
		apiKey:     strings.TrimSpace(apiKey),
		httpClient: &http.Client{Timeout: 10 * time.Second},
	}
}

// IsBillable reports whether the member may receive dues invoices.
func (c *Client) IsBillable(ctx context.Context, memberID string) (bool, error) {
	status, err := c.Status(ctx, memberID)
	if err != nil {
		return false, err
	}
	return status.Billable, nil
}

// HasActiveMembership reports whether the member holds a current membership.
func (c *Client) HasActiveMembership(ctx context.Context, memberID string) (bool, error) {
	status, err := c.Status(ctx, memberID)
	if err != nil {
		return false, err
	}
	return status.ActiveMembership, nil
}

// Status fetches the billing status. An unknown member is neither billable
// nor active.
func (c *Client) Status(ctx context.Context, memberID string) (Status, error) {
	if memberID == "" {
		return Status{}, fmt.Errorf("member ID is required")
	}
	endpoint := fmt.Sprintf("%s/members/%s/billing-status", c.baseURL, url.PathEscape(memberID))

	req, err := http.NewRequestWithContext(ctx, http.MethodGet, endpoint, nil)
	if err != nil {
		return Status{}, fmt.Errorf("failed to create request: %w", err)
	}
	if c.apiKey != "" {
		req.Header.Set("X-Internal-API-Key", c.apiKey)
	}

	resp, err := c.httpClient.Do(req)
	if err != nil {
		return Status{}, fmt.Errorf("failed to execute request: %w", err)
	}
	defer resp.Body.Close()

	if resp.StatusCode == http.StatusNotFound {
		return Status{}, nil
	}
	if resp.StatusCode >= 400 {
		return Status{}, fmt.Errorf("member service returned status %d", resp.StatusCode)
	}

	var status Status
	if err := json.NewDecoder(resp.Body).Decode(&status); err != nil {
		return Status{}, fmt.Errorf("failed to parse member status: %w", err)
	}
	return status, nil
}
