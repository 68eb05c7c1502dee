package server

import (
	"encoding/json"

	"custodyline/internal/domain"
)

// Request payloads

type CreateBatchRequest struct {
	BatchID          string         `json:"batch_id" maxLength:"32"`
	BrandOwnerKey    string         `json:"brand_owner_key"`
	InitialHolderKey string         `json:"initial_holder_key"`
	ProducerName     string         `json:"producer_name,omitempty" maxLength:"64"`
	ParticipantIDs   []string       `json:"participant_ids,omitempty"`
	Metadata         map[string]any `json:"metadata,omitempty"`
}

type AddStageRequest struct {
	UserKey   string         `json:"user_key"`
	StageName string         `json:"stage_name" maxLength:"32"`
	Metadata  map[string]any `json:"metadata,omitempty"`
}

type TransferRequest struct {
	CurrentHolderKey   string `json:"current_holder_key"`
	NewHolderPartnerID string `json:"new_holder_partner_id"`
}

type FinalizeRequest struct {
	BrandOwnerKey string `json:"brand_owner_key"`
}

type CreatePartnerRequest struct {
	PublicKey     string `json:"public_key"`
	Name          string `json:"name"`
	Role          string `json:"role" enum:"producer,logistics,warehouse,grader,roaster,packager,distributor"`
	ContactEmail  string `json:"contact_email,omitempty"`
	BrandOwnerKey string `json:"brand_owner_key"`
}

type DevLoginRequest struct {
	PrincipalKey string `json:"principal_key"`
}

// Responses

type DevLoginResponse struct {
	Token string `json:"token"`
}

type paginatedBatches struct {
	Items      []domain.Batch `json:"items"`
	NextCursor string         `json:"next_cursor,omitempty"`
}

type EventResponse struct {
	ID           string          `json:"id"`
	TS           string          `json:"ts" format:"date-time"`
	Type         string          `json:"type"`
	BatchAddress string          `json:"batch_address"`
	ActorKey     string          `json:"actor_key,omitempty"`
	Signature    string          `json:"signature,omitempty"`
	Payload      json.RawMessage `json:"payload"`
}

type paginatedEvents struct {
	Items      []EventResponse `json:"items"`
	NextCursor string          `json:"next_cursor,omitempty"`
}

func eventResponse(e domain.Event) EventResponse {
	payload := json.RawMessage(e.PayloadJSON)
	if !json.Valid(payload) {
		payload = json.RawMessage("{}")
	}
	return EventResponse{
		ID:           e.ID,
		TS:           e.TS,
		Type:         e.Type,
		BatchAddress: e.BatchAddress,
		ActorKey:     e.ActorKey,
		Signature:    e.Signature,
		Payload:      payload,
	}
}
