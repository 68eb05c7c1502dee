package custodysdk

import (
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"testing"
)

func TestClientSendsCredentialsAndDecodes(t *testing.T) {
	var gotPath, gotAuth string
	var gotBody map[string]any
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		gotPath = r.URL.Path
		gotAuth = r.Header.Get("Authorization")
		_ = json.NewDecoder(r.Body).Decode(&gotBody)
		w.Header().Set("Content-Type", "application/json")
		w.WriteHeader(http.StatusCreated)
		_, _ = w.Write([]byte(`{"transaction":"sig1","stage_address":"st1","index":1}`))
	}))
	defer srv.Close()

	c := New(srv.URL + "/v1/")
	c.BearerToken = "tok"
	res, err := c.AddStage(context.Background(), "batch1", "holder", "torra", nil)
	if err != nil {
		t.Fatalf("add stage: %v", err)
	}
	if gotPath != "/v1/batches/batch1/stages" {
		t.Fatalf("unexpected path %s", gotPath)
	}
	if gotAuth != "Bearer tok" {
		t.Fatalf("unexpected auth header %q", gotAuth)
	}
	if gotBody["stage_name"] != "torra" || gotBody["user_key"] != "holder" {
		t.Fatalf("unexpected body %#v", gotBody)
	}
	if _, ok := gotBody["metadata"]; ok {
		t.Fatalf("metadata should be omitted when nil")
	}
	if res.Transaction != "sig1" || res.StageAddress != "st1" || res.Index != 1 {
		t.Fatalf("unexpected receipt %+v", res)
	}
}

func TestClientDecodesErrorEnvelope(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if r.Header.Get("X-Api-Key") != "k1" {
			t.Errorf("missing api key header")
		}
		w.Header().Set("Content-Type", "application/json")
		w.WriteHeader(http.StatusServiceUnavailable)
		_, _ = w.Write([]byte(`{"error":{"code":"unavailable","message":"ledger unreachable","details":{"transaction":"sig9"}}}`))
	}))
	defer srv.Close()

	c := New(srv.URL)
	c.APIKey = "k1"
	_, err := c.FinalizeBatch(context.Background(), "batch1", "owner")
	if StatusCode(err) != http.StatusServiceUnavailable {
		t.Fatalf("expected 503, got %v", err)
	}
	apiErr := err.(*APIError)
	if apiErr.Code != "unavailable" || apiErr.Transaction() != "sig9" {
		t.Fatalf("unexpected error %+v", apiErr)
	}
}

func TestListBatchesQuery(t *testing.T) {
	var gotQuery string
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		gotQuery = r.URL.RawQuery
		_, _ = w.Write([]byte(`{"items":[{"address":"a1","status":"inProgress"}],"next_cursor":"c2"}`))
	}))
	defer srv.Close()

	page, err := New(srv.URL).ListBatches(context.Background(), "owner", 1, "c1")
	if err != nil {
		t.Fatalf("list: %v", err)
	}
	if gotQuery != "cursor=c1&limit=1&user=owner" {
		t.Fatalf("unexpected query %s", gotQuery)
	}
	if len(page.Items) != 1 || page.Items[0].Address != "a1" || page.NextCursor != "c2" {
		t.Fatalf("unexpected page %+v", page)
	}
}
