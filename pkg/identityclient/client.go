/**
 * @description
 * This package provides a client for the marketplace identity service. The
 * escrow engine uses it to resolve a party id into the mobile-money phone
 * number to pay and, for redemptions, the party's last known location.
 */
package identityclient

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"net/http"
	"net/url"
	"strings"
	"time"
)

// ErrPartyNotFound is returned when the identity service does not know the id.
var ErrPartyNotFound = errors.New("party not found")

// Client is a client for the identity service.
type Client struct {
	baseURL    string
	apiKey     string
	httpClient *http.Client
}

// NewClient creates a new identity service client.
func NewClient(baseURL string, apiKey string) *Client {
	return &Client{
		baseURL:    strings.TrimRight(strings.TrimSpace(baseURL), "/"),
		apiKey:     apiKey,
		httpClient: &http.Client{Timeout: 10 * time.Second},
	}
}

// Location is a GPS fix reported by the party's device.
type Location struct {
	Latitude       float64   `json:"latitude"`
	Longitude      float64   `json:"longitude"`
	AccuracyMeters float64   `json:"accuracy_meters"`
	CapturedAt     time.Time `json:"captured_at"`
}

// PartyResponse is the payment identity of a user.
type PartyResponse struct {
	ID          string    `json:"id"`
	PhoneNumber string    `json:"phone_number"`
	Role        string    `json:"role"`
	Location    *Location `json:"location,omitempty"`
}

// GetParty fetches the payment identity for partyID.
func (c *Client) GetParty(ctx context.Context, partyID string) (*PartyResponse, error) {
	if c.baseURL == "" {
		return nil, fmt.Errorf("identity service base url is empty")
	}

	endpoint := fmt.Sprintf("%s/internal/parties/%s", c.baseURL, url.PathEscape(partyID))
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, endpoint, nil)
	if err != nil {
		return nil, fmt.Errorf("failed to create request: %w", err)
	}
	req.Header.Set("Accept", "application/json")
	if strings.TrimSpace(c.apiKey) != "" {
		req.Header.Set("X-Internal-API-Key", strings.TrimSpace(c.apiKey))
	}

	resp, err := c.httpClient.Do(req)
	if err != nil {
		return nil, fmt.Errorf("failed to execute request to identity service: %w", err)
	}
	defer resp.Body.Close()

	if resp.StatusCode == http.StatusNotFound {
		return nil, ErrPartyNotFound
	}
	if resp.StatusCode >= 400 {
		return nil, fmt.Errorf("identity service returned error status %d", resp.StatusCode)
	}

	var party PartyResponse
	if err := json.NewDecoder(resp.Body).Decode(&party); err != nil {
		return nil, fmt.Errorf("failed to decode response: %w", err)
	}
	if strings.TrimSpace(party.PhoneNumber) == "" {
		return nil, fmt.Errorf("identity service returned no phone number for party %s", partyID)
	}
	return &party, nil
}
