package custodysdk

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"strings"
	"time"
)

// Client is a minimal Custodyline HTTP API client.
type Client struct {
	// BaseURL includes the API base path, e.g. http://localhost:8080/v1.
	BaseURL     string
	APIKey      string
	BearerToken string
	HTTPClient  *http.Client
	Timeout     time.Duration
}

// New creates a client with sane defaults.
func New(baseURL string) *Client {
	return &Client{
		BaseURL: baseURL,
		Timeout: 10 * time.Second,
	}
}

type Batch struct {
	Address           string `json:"address"`
	OnchainID         string `json:"onchain_id"`
	BrandOwnerKey     string `json:"brand_owner_key"`
	ProducerName      string `json:"producer_name"`
	DataHash          string `json:"data_hash"`
	CurrentHolderKey  string `json:"current_holder_key"`
	Status            string `json:"status"`
	NextStageIndex    int    `json:"next_stage_index"`
	CreationSignature string `json:"creation_signature,omitempty"`
	CreatedAt         string `json:"created_at"`
	UpdatedAt         string `json:"updated_at"`
}

type Partner struct {
	ID            string `json:"id"`
	PublicKey     string `json:"public_key"`
	Name          string `json:"name"`
	Role          string `json:"role"`
	ContactEmail  string `json:"contact_email,omitempty"`
	BrandOwnerKey string `json:"brand_owner_key"`
	CreatedAt     string `json:"created_at"`
}

type Stage struct {
	Address       string `json:"address"`
	Index         int    `json:"index"`
	StageName     string `json:"stage_name"`
	StageDataHash string `json:"stage_data_hash"`
	Actor         string `json:"actor"`
	Timestamp     string `json:"timestamp"`
}

type BatchDetails struct {
	Batch        Batch     `json:"details"`
	Participants []Partner `json:"participants"`
	Stages       []Stage   `json:"stages"`
}

type Event struct {
	ID           string         `json:"id"`
	TS           string         `json:"ts"`
	Type         string         `json:"type"`
	BatchAddress string         `json:"batch_address"`
	ActorKey     string         `json:"actor_key,omitempty"`
	Signature    string         `json:"signature,omitempty"`
	Payload      map[string]any `json:"payload"`
}

type CreateBatchInput struct {
	BatchID          string         `json:"batch_id"`
	BrandOwnerKey    string         `json:"brand_owner_key"`
	InitialHolderKey string         `json:"initial_holder_key"`
	ProducerName     string         `json:"producer_name,omitempty"`
	ParticipantIDs   []string       `json:"participant_ids,omitempty"`
	Metadata         map[string]any `json:"metadata,omitempty"`
}

type CreatePartnerInput struct {
	PublicKey     string `json:"public_key"`
	Name          string `json:"name"`
	Role          string `json:"role"`
	ContactEmail  string `json:"contact_email,omitempty"`
	BrandOwnerKey string `json:"brand_owner_key"`
}

// Receipt carries the ledger transaction of a mutation plus what it produced.
type Receipt struct {
	Transaction  string `json:"transaction"`
	BatchAddress string `json:"batch_address,omitempty"`
	DataHash     string `json:"data_hash,omitempty"`
	StageAddress string `json:"stage_address,omitempty"`
	Index        int    `json:"index,omitempty"`
	NewHolderKey string `json:"new_holder_key,omitempty"`
}

// APIError wraps non-2xx responses.
type APIError struct {
	StatusCode int
	Code       string
	Message    string
	Details    map[string]any
	Body       string
}

func (e *APIError) Error() string {
	if e.Code != "" {
		return fmt.Sprintf("api error: status=%d code=%s message=%s", e.StatusCode, e.Code, e.Message)
	}
	return fmt.Sprintf("api error: status=%d body=%s", e.StatusCode, e.Body)
}

// Transaction returns the ledger signature attached to an unresolved
// submission, if the server reported one.
func (e *APIError) Transaction() string {
	s, _ := e.Details["transaction"].(string)
	return s
}

// StatusCode returns the HTTP status of err when it is an *APIError, otherwise 0.
func StatusCode(err error) int {
	var apiErr *APIError
	if errors.As(err, &apiErr) {
		return apiErr.StatusCode
	}
	return 0
}

type PaginatedBatches struct {
	Items      []Batch `json:"items"`
	NextCursor string  `json:"next_cursor"`
}

type PaginatedEvents struct {
	Items      []Event `json:"items"`
	NextCursor string  `json:"next_cursor"`
}

func (c *Client) CreateBatch(ctx context.Context, in CreateBatchInput) (Receipt, error) {
	var resp Receipt
	err := c.do(ctx, http.MethodPost, "batches", in, &resp)
	return resp, err
}

func (c *Client) AddStage(ctx context.Context, batchAddress, userKey, stageName string, metadata map[string]any) (Receipt, error) {
	body := map[string]any{
		"user_key":   userKey,
		"stage_name": stageName,
	}
	if metadata != nil {
		body["metadata"] = metadata
	}
	var resp Receipt
	err := c.do(ctx, http.MethodPost, batchPath(batchAddress, "stages"), body, &resp)
	return resp, err
}

func (c *Client) TransferCustody(ctx context.Context, batchAddress, currentHolderKey, newHolderPartnerID string) (Receipt, error) {
	body := map[string]any{
		"current_holder_key":    currentHolderKey,
		"new_holder_partner_id": newHolderPartnerID,
	}
	var resp Receipt
	err := c.do(ctx, http.MethodPost, batchPath(batchAddress, "transfer"), body, &resp)
	return resp, err
}

func (c *Client) FinalizeBatch(ctx context.Context, batchAddress, brandOwnerKey string) (Receipt, error) {
	body := map[string]any{"brand_owner_key": brandOwnerKey}
	var resp Receipt
	err := c.do(ctx, http.MethodPost, batchPath(batchAddress, "finalize"), body, &resp)
	return resp, err
}

func (c *Client) GetBatch(ctx context.Context, batchAddress string) (BatchDetails, error) {
	var resp BatchDetails
	err := c.do(ctx, http.MethodGet, batchPath(batchAddress, ""), nil, &resp)
	return resp, err
}

// ListBatches returns one page of batches owned or held by userKey.
func (c *Client) ListBatches(ctx context.Context, userKey string, limit int, cursor string) (PaginatedBatches, error) {
	q := url.Values{}
	q.Set("user", userKey)
	pageQuery(q, limit, cursor)
	var resp PaginatedBatches
	err := c.do(ctx, http.MethodGet, "batches?"+q.Encode(), nil, &resp)
	return resp, err
}

// Events returns the newest events of a batch.
func (c *Client) Events(ctx context.Context, batchAddress string, limit int) ([]Event, error) {
	page, err := c.EventsPage(ctx, batchAddress, limit, "")
	return page.Items, err
}

func (c *Client) EventsPage(ctx context.Context, batchAddress string, limit int, cursor string) (PaginatedEvents, error) {
	q := url.Values{}
	pageQuery(q, limit, cursor)
	endpoint := batchPath(batchAddress, "events")
	if enc := q.Encode(); enc != "" {
		endpoint += "?" + enc
	}
	var resp PaginatedEvents
	err := c.do(ctx, http.MethodGet, endpoint, nil, &resp)
	return resp, err
}

func (c *Client) CreatePartner(ctx context.Context, in CreatePartnerInput) (Partner, error) {
	var resp Partner
	err := c.do(ctx, http.MethodPost, "partners", in, &resp)
	return resp, err
}

func (c *Client) ListPartners(ctx context.Context, brandOwnerKey string) ([]Partner, error) {
	var resp []Partner
	err := c.do(ctx, http.MethodGet, "partners?owner="+url.QueryEscape(brandOwnerKey), nil, &resp)
	return resp, err
}

func (c *Client) do(ctx context.Context, method, endpoint string, body any, out any) error {
	if c.HTTPClient == nil {
		c.HTTPClient = &http.Client{Timeout: c.Timeout}
	}
	url := c.base() + "/" + strings.TrimLeft(endpoint, "/")
	var buf bytes.Buffer
	if body != nil {
		if err := json.NewEncoder(&buf).Encode(body); err != nil {
			return err
		}
	}
	req, err := http.NewRequestWithContext(ctx, method, url, &buf)
	if err != nil {
		return err
	}
	req.Header.Set("Content-Type", "application/json")
	switch {
	case c.BearerToken != "":
		req.Header.Set("Authorization", "Bearer "+c.BearerToken)
	case c.APIKey != "":
		req.Header.Set("X-Api-Key", c.APIKey)
	}
	resp, err := c.HTTPClient.Do(req)
	if err != nil {
		return err
	}
	defer resp.Body.Close()
	if resp.StatusCode >= 300 {
		b, _ := io.ReadAll(resp.Body)
		apiErr := &APIError{StatusCode: resp.StatusCode, Body: string(b)}
		var envelope struct {
			Error struct {
				Code    string         `json:"code"`
				Message string         `json:"message"`
				Details map[string]any `json:"details"`
			} `json:"error"`
		}
		if json.Unmarshal(b, &envelope) == nil {
			apiErr.Code = envelope.Error.Code
			apiErr.Message = envelope.Error.Message
			apiErr.Details = envelope.Error.Details
		}
		return apiErr
	}
	if out != nil {
		return json.NewDecoder(resp.Body).Decode(out)
	}
	return nil
}

func batchPath(address, sub string) string {
	p := "batches/" + url.PathEscape(address)
	if sub != "" {
		p += "/" + sub
	}
	return p
}

func pageQuery(q url.Values, limit int, cursor string) {
	if limit > 0 {
		q.Set("limit", fmt.Sprint(limit))
	}
	if cursor != "" {
		q.Set("cursor", cursor)
	}
}

func (c *Client) base() string {
	return strings.TrimRight(c.BaseURL, "/")
}
