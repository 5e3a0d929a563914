package app

import (
	"bytes"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"testing"

	"github.com/6ubble/bip-backend/internal/appeal"
	"github.com/6ubble/bip-backend/internal/register"
	"github.com/6ubble/bip-backend/internal/store"
	"go.uber.org/zap"
)

func newTestServer(t *testing.T, fixture *serviceFixture) *httptest.Server {
	t.Helper()
	server := httptest.NewServer(NewHTTPServer(fixture.service, "*", zap.NewNop()).Handler())
	t.Cleanup(server.Close)
	return server
}

func postJSON(t *testing.T, url string, payload any) *http.Response {
	t.Helper()
	body, err := json.Marshal(payload)
	if err != nil {
		t.Fatalf("marshal payload: %v", err)
	}
	resp, err := http.Post(url, "application/json", bytes.NewReader(body))
	if err != nil {
		t.Fatalf("POST %s failed: %v", url, err)
	}
	return resp
}

func decodeJSON(t *testing.T, resp *http.Response) map[string]any {
	t.Helper()
	defer resp.Body.Close()
	var payload map[string]any
	if err := json.NewDecoder(resp.Body).Decode(&payload); err != nil {
		t.Fatalf("decode response: %v", err)
	}
	return payload
}

func TestHealthEndpoint(t *testing.T) {
	server := newTestServer(t, newServiceFixture())

	resp, err := http.Get(server.URL + "/api/health")
	if err != nil {
		t.Fatalf("GET /api/health failed: %v", err)
	}
	if resp.StatusCode != http.StatusOK {
		t.Errorf("expected 200, got %d", resp.StatusCode)
	}
	payload := decodeJSON(t, resp)
	if payload["ok"] != true {
		t.Errorf("unexpected payload %v", payload)
	}
}

func TestUnauthenticatedRequestIsRejected(t *testing.T) {
	server := newTestServer(t, newServiceFixture())

	resp, err := http.Get(server.URL + "/api/appeals")
	if err != nil {
		t.Fatalf("GET /api/appeals failed: %v", err)
	}
	defer resp.Body.Close()
	if resp.StatusCode != http.StatusUnauthorized {
		t.Errorf("expected 401, got %d", resp.StatusCode)
	}
}

func TestRegistrationThenAuthenticatedListing(t *testing.T) {
	fixture := newServiceFixture()
	contactID := "42"
	fixture.registrar.result = register.Result{Account: store.Account{
		ID: 7, Type: store.AccountTypeIndividual, Role: store.RoleCustomer,
		FirstName: "Иван", ExternalContactID: &contactID,
	}}
	fixture.appeals.summaries = []appeal.Summary{{ID: "301", Title: "Вопрос по тарифам"}}
	server := newTestServer(t, fixture)

	resp := postJSON(t, server.URL+"/api/auth/register/individual", map[string]string{
		"first_name": "Иван", "phone": "9991234567",
		"email": "ivan@example.com", "password": "s3cret",
	})
	if resp.StatusCode != http.StatusOK {
		t.Fatalf("expected 200, got %d", resp.StatusCode)
	}
	payload := decodeJSON(t, resp)
	token, _ := payload["token"].(string)
	if token == "" {
		t.Fatalf("expected a token in %v", payload)
	}

	req, _ := http.NewRequest(http.MethodGet, server.URL+"/api/appeals", nil)
	req.Header.Set("Authorization", "Bearer "+token)
	listResp, err := http.DefaultClient.Do(req)
	if err != nil {
		t.Fatalf("GET /api/appeals failed: %v", err)
	}
	defer listResp.Body.Close()
	if listResp.StatusCode != http.StatusOK {
		t.Fatalf("expected 200, got %d", listResp.StatusCode)
	}

	var summaries []appeal.Summary
	if err := json.NewDecoder(listResp.Body).Decode(&summaries); err != nil {
		t.Fatalf("decode listing: %v", err)
	}
	if len(summaries) != 1 || summaries[0].ID != "301" {
		t.Errorf("unexpected listing %+v", summaries)
	}
}

func TestDuplicateRegistrationConflict(t *testing.T) {
	fixture := newServiceFixture()
	fixture.registrar.err = register.ErrDuplicateIdentity
	server := newTestServer(t, fixture)

	resp := postJSON(t, server.URL+"/api/auth/register/individual", map[string]string{
		"phone": "9991234567", "email": "dup@example.com", "password": "s3cret",
	})
	if resp.StatusCode != http.StatusConflict {
		t.Fatalf("expected 409, got %d", resp.StatusCode)
	}
	payload := decodeJSON(t, resp)
	if payload["code"] != "DUPLICATE_IDENTITY" {
		t.Errorf("unexpected error payload %v", payload)
	}
}

func TestInvalidJSONBody(t *testing.T) {
	server := newTestServer(t, newServiceFixture())

	resp, err := http.Post(server.URL+"/api/auth/login", "application/json", bytes.NewReader([]byte("{broken")))
	if err != nil {
		t.Fatalf("POST failed: %v", err)
	}
	defer resp.Body.Close()
	if resp.StatusCode != http.StatusBadRequest {
		t.Errorf("expected 400, got %d", resp.StatusCode)
	}
}

func TestUnknownRouteIs404(t *testing.T) {
	fixture := newServiceFixture()
	fixture.registrar.result = register.Result{Account: store.Account{
		ID: 7, Type: store.AccountTypeIndividual, Role: store.RoleCustomer,
	}}
	server := newTestServer(t, fixture)

	resp := postJSON(t, server.URL+"/api/auth/register/individual", map[string]string{
		"phone": "9991234567", "email": "ivan@example.com", "password": "s3cret",
	})
	payload := decodeJSON(t, resp)
	token := payload["token"].(string)

	req, _ := http.NewRequest(http.MethodGet, server.URL+"/api/nope", nil)
	req.Header.Set("Authorization", "Bearer "+token)
	notFound, err := http.DefaultClient.Do(req)
	if err != nil {
		t.Fatalf("request failed: %v", err)
	}
	defer notFound.Body.Close()
	if notFound.StatusCode != http.StatusNotFound {
		t.Errorf("expected 404, got %d", notFound.StatusCode)
	}
}

func TestCORSAndRequestIDHeaders(t *testing.T) {
	server := newTestServer(t, newServiceFixture())

	resp, err := http.Get(server.URL + "/api/health")
	if err != nil {
		t.Fatalf("GET failed: %v", err)
	}
	defer resp.Body.Close()
	if resp.Header.Get("Access-Control-Allow-Origin") != "*" {
		t.Error("expected CORS origin header")
	}
	if resp.Header.Get("X-Request-ID") == "" {
		t.Error("expected a request id header")
	}
}

func TestRequestIDEchoed(t *testing.T) {
	server := newTestServer(t, newServiceFixture())

	req, _ := http.NewRequest(http.MethodGet, server.URL+"/api/health", nil)
	req.Header.Set("X-Request-ID", "req-123")
	resp, err := http.DefaultClient.Do(req)
	if err != nil {
		t.Fatalf("GET failed: %v", err)
	}
	defer resp.Body.Close()
	if resp.Header.Get("X-Request-ID") != "req-123" {
		t.Errorf("expected echoed request id, got %q", resp.Header.Get("X-Request-ID"))
	}
}

func TestLogoutAlwaysSucceeds(t *testing.T) {
	server := newTestServer(t, newServiceFixture())

	resp := postJSON(t, server.URL+"/api/session/logout", map[string]string{"refresh_token": "whatever"})
	defer resp.Body.Close()
	if resp.StatusCode != http.StatusOK {
		t.Errorf("expected 200, got %d", resp.StatusCode)
	}
}
