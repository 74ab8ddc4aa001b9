package rooms_api_client

const (
	// Base URL
	BaseURL = "https://api.100ms.live/v2"

	// API Endpoints
	RoomsEndpoint = "/rooms"

	// Room defaults
	RoomNamePrefix         = "debate-room-"
	DefaultRoomDescription = "Real-time debate room"
)
