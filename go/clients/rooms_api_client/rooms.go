package rooms_api_client

import (
	"context"
	"fmt"
	"time"
)

type CreateRoomRequest struct {
	Name        string `json:"name"`
	Description string `json:"description"`
	TemplateID  string `json:"template_id,omitempty"`
}

type Room struct {
	ID          string    `json:"id"`
	Name        string    `json:"name"`
	Description string    `json:"description"`
	TemplateID  string    `json:"template_id"`
	Enabled     bool      `json:"enabled"`
	CreatedAt   time.Time `json:"created_at"`
}

// CreateRoom creates a room from the configured template. The name is
// suffixed with the creation time in milliseconds.
func (c *RoomsApiClient) CreateRoom(ctx context.Context, now time.Time) (*Room, error) {
	req := CreateRoomRequest{
		Name:        fmt.Sprintf("%s%d", RoomNamePrefix, now.UnixMilli()),
		Description: DefaultRoomDescription,
		TemplateID:  c.templateID,
	}

	var room Room
	if err := c.PostJSON(ctx, RoomsEndpoint, req, &room); err != nil {
		return nil, fmt.Errorf("failed to create room: %w", err)
	}
	if room.ID == "" {
		return nil, fmt.Errorf("failed to create room: response has no room id")
	}

	return &room, nil
}
