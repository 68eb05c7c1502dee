package server

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"io"
	"net"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"go.uber.org/zap"
	"go.uber.org/zap/zaptest/observer"

	"custodyline/internal/address"
	"custodyline/internal/app"
	"custodyline/internal/config"
	"custodyline/internal/domain"
	"custodyline/internal/engine"
	"custodyline/internal/ledger"
	"custodyline/internal/repo"
)

var (
	ownerKey    = address.Address{0x10}.String()
	producerKey = address.Address{0x20}.String()
	roasterKey  = address.Address{0x30}.String()
)

type testServer struct {
	URL    string
	App    *app.App
	client *http.Client
	close  func()
}

func (s *testServer) Client() *http.Client { return s.client }
func (s *testServer) Close()               { s.close() }

func newTestServer(t *testing.T, authCfg AuthConfig, tweak func(*engine.Engine)) (*testServer, func()) {
	t.Helper()
	a, err := app.Open(context.Background(), app.Options{Workspace: t.TempDir(), Config: config.Default()})
	if err != nil {
		t.Fatalf("open app: %v", err)
	}
	eng := a.Engine
	if tweak != nil {
		tweak(&eng)
	}
	handler, err := New(Config{Engine: eng, Keys: a.Repo, BasePath: "/v1", Auth: authCfg})
	if err != nil {
		t.Fatalf("build handler: %v", err)
	}
	ln, err := net.Listen("tcp4", "127.0.0.1:0")
	if err != nil {
		t.Fatalf("listen: %v", err)
	}
	srv := &http.Server{Handler: handler}
	go srv.Serve(ln)
	testSrv := &testServer{
		URL:    "http://" + ln.Addr().String(),
		App:    a,
		client: &http.Client{},
		close: func() {
			srv.Shutdown(context.Background())
			ln.Close()
			a.Close()
		},
	}
	return testSrv, func() { testSrv.Close() }
}

func doJSON(t *testing.T, client *http.Client, method, url string, body any, headers map[string]string) (*http.Response, []byte) {
	t.Helper()
	var reader *bytes.Reader
	if body != nil {
		b, err := json.Marshal(body)
		if err != nil {
			t.Fatalf("marshal body: %v", err)
		}
		reader = bytes.NewReader(b)
	} else {
		reader = bytes.NewReader(nil)
	}
	req, err := http.NewRequest(method, url, reader)
	if err != nil {
		t.Fatalf("new request: %v", err)
	}
	req.Header.Set("Content-Type", "application/json")
	for k, v := range headers {
		req.Header.Set(k, v)
	}
	res, err := client.Do(req)
	if err != nil {
		t.Fatalf("do request: %v", err)
	}
	defer res.Body.Close()
	data, err := io.ReadAll(res.Body)
	if err != nil {
		t.Fatalf("read body: %v", err)
	}
	return res, data
}

func expectStatus(t *testing.T, res *http.Response, body []byte, want int) {
	t.Helper()
	if res.StatusCode != want {
		t.Fatalf("%s %s: status %d, want %d: %s", res.Request.Method, res.Request.URL.Path, res.StatusCode, want, string(body))
	}
}

func createPartner(t *testing.T, srv *testServer, key, role string, headers map[string]string) domain.Partner {
	t.Helper()
	res, data := doJSON(t, srv.Client(), http.MethodPost, srv.URL+"/v1/partners", map[string]any{
		"public_key":      key,
		"name":            role + " partner",
		"role":            role,
		"brand_owner_key": ownerKey,
	}, headers)
	expectStatus(t, res, data, http.StatusCreated)
	var p domain.Partner
	if err := json.Unmarshal(data, &p); err != nil {
		t.Fatalf("unmarshal partner: %v", err)
	}
	return p
}

func TestCustodyFlow(t *testing.T) {
	srv, cleanup := newTestServer(t, AuthConfig{Disabled: true}, nil)
	defer cleanup()
	client := srv.Client()
	producer := createPartner(t, srv, producerKey, "producer", nil)
	roaster := createPartner(t, srv, roasterKey, "roaster", nil)

	res, data := doJSON(t, client, http.MethodPost, srv.URL+"/v1/batches", map[string]any{
		"batch_id":           "FSN-2024-001",
		"brand_owner_key":    ownerKey,
		"initial_holder_key": producerKey,
		"producer_name":      "Fazenda Santa Nina",
		"participant_ids":    []string{producer.ID, roaster.ID},
		"metadata":           map[string]any{"variety": "bourbon"},
	}, nil)
	expectStatus(t, res, data, http.StatusCreated)
	var created engine.CreateBatchResult
	if err := json.Unmarshal(data, &created); err != nil {
		t.Fatalf("unmarshal create: %v", err)
	}
	if created.Signature == "" || created.BatchAddress == "" {
		t.Fatalf("unexpected create body: %s", string(data))
	}
	batchURL := srv.URL + "/v1/batches/" + created.BatchAddress

	res, data = doJSON(t, client, http.MethodPost, batchURL+"/stages", map[string]any{"user_key": producerKey, "stage_name": "colheita"}, nil)
	expectStatus(t, res, data, http.StatusCreated)
	var stage engine.AddStageResult
	_ = json.Unmarshal(data, &stage)
	if stage.Index != 0 || stage.StageAddress == "" {
		t.Fatalf("unexpected stage: %s", string(data))
	}

	res, data = doJSON(t, client, http.MethodPost, batchURL+"/transfer", map[string]any{"current_holder_key": producerKey, "new_holder_partner_id": roaster.ID}, nil)
	expectStatus(t, res, data, http.StatusOK)

	res, data = doJSON(t, client, http.MethodPost, batchURL+"/stages", map[string]any{"user_key": roasterKey, "stage_name": "torra"}, nil)
	expectStatus(t, res, data, http.StatusCreated)

	res, data = doJSON(t, client, http.MethodPost, batchURL+"/finalize", map[string]any{"brand_owner_key": ownerKey}, nil)
	expectStatus(t, res, data, http.StatusOK)

	res, data = doJSON(t, client, http.MethodGet, batchURL, nil, nil)
	expectStatus(t, res, data, http.StatusOK)
	var details domain.BatchDetails
	if err := json.Unmarshal(data, &details); err != nil {
		t.Fatalf("unmarshal details: %v", err)
	}
	if details.Batch.Status != domain.StatusCompleted || details.Batch.CurrentHolderKey != roasterKey {
		t.Fatalf("unexpected details: %s", string(data))
	}
	if len(details.Stages) != 2 || details.Stages[0].StageName != "colheita" || details.Stages[1].StageName != "torra" {
		t.Fatalf("unexpected stages: %s", string(data))
	}

	res, data = doJSON(t, client, http.MethodGet, srv.URL+"/v1/batches?user="+ownerKey, nil, nil)
	expectStatus(t, res, data, http.StatusOK)
	var list paginatedBatches
	_ = json.Unmarshal(data, &list)
	if len(list.Items) != 1 || list.Items[0].Address != created.BatchAddress {
		t.Fatalf("unexpected list: %s", string(data))
	}

	res, data = doJSON(t, client, http.MethodGet, batchURL+"/events?limit=2", nil, nil)
	expectStatus(t, res, data, http.StatusOK)
	var evts paginatedEvents
	_ = json.Unmarshal(data, &evts)
	if len(evts.Items) != 2 || evts.NextCursor == "" || evts.Items[0].Type != "BatchFinalized" {
		t.Fatalf("unexpected events page: %s", string(data))
	}
	res, data = doJSON(t, client, http.MethodGet, batchURL+"/events?cursor="+evts.NextCursor, nil, nil)
	expectStatus(t, res, data, http.StatusOK)
	_ = json.Unmarshal(data, &evts)
	if len(evts.Items) != 3 || evts.Items[2].Type != "BatchCreated" {
		t.Fatalf("unexpected second events page: %s", string(data))
	}
}

func TestErrorStatusMapping(t *testing.T) {
	srv, cleanup := newTestServer(t, AuthConfig{Disabled: true}, nil)
	defer cleanup()
	client := srv.Client()
	createBody := map[string]any{"batch_id": "FSN-DUP", "brand_owner_key": ownerKey, "initial_holder_key": producerKey, "producer_name": "x"}

	res, data := doJSON(t, client, http.MethodPost, srv.URL+"/v1/batches", createBody, nil)
	expectStatus(t, res, data, http.StatusCreated)
	var created engine.CreateBatchResult
	_ = json.Unmarshal(data, &created)

	res, data = doJSON(t, client, http.MethodPost, srv.URL+"/v1/batches", createBody, nil)
	expectStatus(t, res, data, http.StatusConflict)
	var envelope struct {
		Error apiErrorBody `json:"error"`
	}
	if err := json.Unmarshal(data, &envelope); err != nil || envelope.Error.Code != "conflict" {
		t.Fatalf("unexpected error envelope: %s", string(data))
	}

	res, data = doJSON(t, client, http.MethodPost, srv.URL+"/v1/batches", map[string]any{"batch_id": "FSN-BAD", "brand_owner_key": "0OIl", "initial_holder_key": producerKey, "producer_name": "x"}, nil)
	expectStatus(t, res, data, http.StatusBadRequest)

	res, data = doJSON(t, client, http.MethodPost, srv.URL+"/v1/batches", map[string]any{"batch_id": "FSN-NOHOLDER", "brand_owner_key": ownerKey, "producer_name": "x"}, nil)
	expectStatus(t, res, data, http.StatusBadRequest)
	res, data = doJSON(t, client, http.MethodPost, srv.URL+"/v1/batches", map[string]any{"batch_id": "FSN-NOHOLDER", "brand_owner_key": ownerKey, "initial_holder_key": "", "producer_name": "x"}, nil)
	expectStatus(t, res, data, http.StatusBadRequest)

	res, data = doJSON(t, client, http.MethodPost, srv.URL+"/v1/batches", map[string]any{"batch_id": "FSN-NONAME", "brand_owner_key": ownerKey, "initial_holder_key": producerKey}, nil)
	expectStatus(t, res, data, http.StatusCreated)

	res, data = doJSON(t, client, http.MethodGet, srv.URL+"/v1/batches/"+address.Address{0x66}.String(), nil, nil)
	expectStatus(t, res, data, http.StatusNotFound)

	res, data = doJSON(t, client, http.MethodPost, srv.URL+"/v1/batches/"+created.BatchAddress+"/stages", map[string]any{"user_key": ownerKey, "stage_name": "colheita"}, nil)
	expectStatus(t, res, data, http.StatusForbidden)

	res, data = doJSON(t, client, http.MethodGet, srv.URL+"/v1/batches", nil, nil)
	expectStatus(t, res, data, http.StatusBadRequest)

	res, data = doJSON(t, client, http.MethodGet, srv.URL+"/v1/partners", nil, nil)
	expectStatus(t, res, data, http.StatusBadRequest)
}

// brokenCache fails every batch lookup with driver text.
type brokenCache struct {
	engine.Cache
}

func (brokenCache) GetBatch(context.Context, string) (domain.Batch, error) {
	return domain.Batch{}, errors.New("sqlite: no such table: batches_shadow")
}

func TestInternalErrorsAreLoggedNotReturned(t *testing.T) {
	a, err := app.Open(context.Background(), app.Options{Workspace: t.TempDir(), Config: config.Default()})
	if err != nil {
		t.Fatalf("open app: %v", err)
	}
	defer a.Close()
	core, logs := observer.New(zap.ErrorLevel)
	eng := a.Engine
	eng.Cache = brokenCache{Cache: eng.Cache}
	handler, err := New(Config{Engine: eng, Keys: a.Repo, Auth: AuthConfig{Disabled: true}, Log: zap.New(core)})
	if err != nil {
		t.Fatalf("build handler: %v", err)
	}
	srv := httptest.NewServer(handler)
	defer srv.Close()

	res, data := doJSON(t, srv.Client(), http.MethodGet, srv.URL+"/v1/batches/"+address.Address{0x77}.String(), nil, nil)
	expectStatus(t, res, data, http.StatusInternalServerError)
	if strings.Contains(string(data), "batches_shadow") || strings.Contains(string(data), "sqlite") {
		t.Fatalf("driver error leaked to caller: %s", string(data))
	}
	var envelope struct {
		Error apiErrorBody `json:"error"`
	}
	if err := json.Unmarshal(data, &envelope); err != nil || envelope.Error.Code != "internal_error" || len(envelope.Error.Details) != 0 {
		t.Fatalf("unexpected error envelope: %s", string(data))
	}
	entries := logs.FilterMessage("request failed").All()
	if len(entries) != 1 {
		t.Fatalf("expected one logged failure, got %d", len(entries))
	}
	if msg, _ := entries[0].ContextMap()["error"].(string); !strings.Contains(msg, "batches_shadow") {
		t.Fatalf("logged error lacks cause: %v", entries[0].ContextMap())
	}
}

type downLedger struct {
	ledger.Ledger
}

func (downLedger) Submit(context.Context, *ledger.Transaction) (ledger.Receipt, error) {
	return ledger.Receipt{}, ledger.ErrUnreachable
}

func (downLedger) SignatureStatus(context.Context, string) (ledger.TxStatus, error) {
	return ledger.TxStatus{}, ledger.ErrUnreachable
}

func TestUnreachableLedgerIs503(t *testing.T) {
	srv, cleanup := newTestServer(t, AuthConfig{Disabled: true}, func(e *engine.Engine) {
		c := *e.Ledger
		c.Ledger = downLedger{Ledger: c.Ledger}
		c.ConfirmAttempts = 1
		e.Ledger = &c
	})
	defer cleanup()
	res, data := doJSON(t, srv.Client(), http.MethodPost, srv.URL+"/v1/batches", map[string]any{"batch_id": "FSN-503", "brand_owner_key": ownerKey, "initial_holder_key": producerKey, "producer_name": "x"}, nil)
	expectStatus(t, res, data, http.StatusServiceUnavailable)
	var envelope struct {
		Error apiErrorBody `json:"error"`
	}
	_ = json.Unmarshal(data, &envelope)
	if envelope.Error.Details["transaction"] == nil {
		t.Fatalf("expected transaction signature in details: %s", string(data))
	}
}

func TestAuthentication(t *testing.T) {
	const secret = "test-secret"
	srv, cleanup := newTestServer(t, AuthConfig{JWTSecret: secret}, nil)
	defer cleanup()
	client := srv.Client()

	res, data := doJSON(t, client, http.MethodGet, srv.URL+"/v1/health", nil, nil)
	expectStatus(t, res, data, http.StatusOK)
	res, data = doJSON(t, client, http.MethodGet, srv.URL+"/metrics", nil, nil)
	expectStatus(t, res, data, http.StatusOK)

	body := map[string]any{"batch_id": "FSN-AUTH", "brand_owner_key": ownerKey, "initial_holder_key": producerKey, "producer_name": "x"}
	res, data = doJSON(t, client, http.MethodPost, srv.URL+"/v1/batches", body, nil)
	expectStatus(t, res, data, http.StatusUnauthorized)

	res, data = doJSON(t, client, http.MethodPost, srv.URL+"/v1/batches", body, map[string]string{"Authorization": "Bearer garbage"})
	expectStatus(t, res, data, http.StatusUnauthorized)

	producerToken, err := SignToken(secret, producerKey, time.Minute)
	if err != nil {
		t.Fatal(err)
	}
	res, data = doJSON(t, client, http.MethodPost, srv.URL+"/v1/batches", body, map[string]string{"Authorization": "Bearer " + producerToken})
	expectStatus(t, res, data, http.StatusForbidden)

	ownerToken, err := SignToken(secret, ownerKey, time.Minute)
	if err != nil {
		t.Fatal(err)
	}
	res, data = doJSON(t, client, http.MethodPost, srv.URL+"/v1/batches", body, map[string]string{"Authorization": "Bearer " + ownerToken})
	expectStatus(t, res, data, http.StatusCreated)

	if err := srv.App.Repo.InsertAPIKey(context.Background(), domain.APIKey{ID: "k1", PrincipalKey: ownerKey, KeyHash: repo.HashAPIKey("owner-key-1")}); err != nil {
		t.Fatal(err)
	}
	res, data = doJSON(t, client, http.MethodGet, srv.URL+"/v1/batches?user="+ownerKey, nil, map[string]string{"X-Api-Key": "owner-key-1"})
	expectStatus(t, res, data, http.StatusOK)
	res, data = doJSON(t, client, http.MethodGet, srv.URL+"/v1/batches?user="+ownerKey, nil, map[string]string{"X-Api-Key": "wrong"})
	expectStatus(t, res, data, http.StatusUnauthorized)
}

func TestOpenAPIDocument(t *testing.T) {
	srv, cleanup := newTestServer(t, AuthConfig{Disabled: true}, nil)
	defer cleanup()
	res, data := doJSON(t, srv.Client(), http.MethodGet, srv.URL+"/v1/openapi.json", nil, nil)
	expectStatus(t, res, data, http.StatusOK)
	var doc map[string]any
	if err := json.Unmarshal(data, &doc); err != nil {
		t.Fatalf("openapi is not json: %v", err)
	}
	paths, _ := doc["paths"].(map[string]any)
	for _, p := range []string{"/v1/batches", "/v1/batches/{address}/stages", "/v1/partners"} {
		if _, ok := paths[p]; !ok {
			t.Fatalf("openapi missing %s", p)
		}
	}
}
