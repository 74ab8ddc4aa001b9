package rooms_api_client

import (
	"github.com/mcdev12/debateroom/go/clients"
)

type RoomsApiClient struct {
	*clients.BaseClient
	templateID string
}

func NewRoomsApiClient(baseURL, managementToken, templateID string) *RoomsApiClient {
	if baseURL == "" {
		baseURL = BaseURL
	}
	client := &RoomsApiClient{
		BaseClient: clients.NewBaseClient(baseURL),
		templateID: templateID,
	}

	client.SetHeader("Authorization", "Bearer "+managementToken)
	client.SetHeader("Content-Type", "application/json")

	return client
}
