package models

import "time"

// Room represents a debate room provisioned on the communication platform
type Room struct {
	ID        string    `json:"id"`
	Name      string    `json:"name"`
	CreatedAt time.Time `json:"created_at"`
}
