package token

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"net/url"

	"github.com/mcdev12/debateroom/go/clients"
)

// Client fetches join tokens from the token service.
type Client struct {
	*clients.BaseClient
}

// NewClient creates a client for the token service at baseURL.
func NewClient(baseURL string) *Client {
	return &Client{BaseClient: clients.NewBaseClient(baseURL)}
}

// GetToken requests a token. Error responses are returned with the service's
// error message.
func (c *Client) GetToken(ctx context.Context, req TokenRequest) (*TokenResponse, error) {
	query := url.Values{}
	if req.Role != "" {
		query.Set("role", req.Role)
	}
	if req.RoomID != "" {
		query.Set("roomId", req.RoomID)
	}
	if req.ForceNew {
		query.Set("new", "true")
	}

	endpoint := "/api/get-token"
	if len(query) > 0 {
		endpoint += "?" + query.Encode()
	}

	body, err := c.Get(ctx, endpoint)
	if err != nil {
		var statusErr *clients.StatusError
		if errors.As(err, &statusErr) {
			var apiErr ErrorResponse
			if json.Unmarshal(statusErr.Body, &apiErr) == nil && apiErr.Error != "" {
				return nil, fmt.Errorf("token service: %s", apiErr.Error)
			}
		}
		return nil, fmt.Errorf("failed to get token: %w", err)
	}

	var resp TokenResponse
	if err := json.Unmarshal(body, &resp); err != nil {
		return nil, fmt.Errorf("failed to unmarshal token response: %w", err)
	}
	if resp.Token == "" {
		return nil, errors.New("token service returned an empty token")
	}
	return &resp, nil
}
