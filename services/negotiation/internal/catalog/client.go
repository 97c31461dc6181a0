package catalog

import (
	"context"
	"encoding/json"
	"fmt"
	"net/http"

	"fedmarket/pkg/protocol"
)

// Client reads profiles from the catalog service.
type Client struct {
	BaseURL string
	HTTP    *http.Client
}

func NewClient(baseURL string) *Client {
	return &Client{BaseURL: baseURL, HTTP: &http.Client{}}
}

func (c *Client) Profile(ctx context.Context, agentID string) (protocol.DataResourceProfile, error) {
	req, err := http.NewRequestWithContext(ctx, http.MethodGet,
		fmt.Sprintf("%s/catalog/agents/%s/profile", c.BaseURL, agentID), nil)
	if err != nil {
		return protocol.DataResourceProfile{}, err
	}
	resp, err := c.HTTP.Do(req)
	if err != nil {
		return protocol.DataResourceProfile{}, err
	}
	defer resp.Body.Close()
	if resp.StatusCode == http.StatusNotFound {
		return protocol.DataResourceProfile{}, ErrNotFound
	}
	if resp.StatusCode >= 300 {
		return protocol.DataResourceProfile{}, fmt.Errorf("catalog returned %d", resp.StatusCode)
	}
	var out struct {
		Profile struct {
			Profile protocol.DataResourceProfile `json:"profile"`
		} `json:"profile"`
	}
	if err := json.NewDecoder(resp.Body).Decode(&out); err != nil {
		return protocol.DataResourceProfile{}, err
	}
	return out.Profile.Profile, nil
}
