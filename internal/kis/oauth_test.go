package kis

import (
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"sync/atomic"
	"testing"
	"time"

	"github.com/KOPOData2025/Hana1QLiving-sub002/config"
)

func testKisConfig(baseURL string) config.KisConfig {
	return config.KisConfig{
		RESTBaseURL: baseURL,
		AppKey:      "test-key",
		AppSecret:   "test-secret",
		ApprovalTTL: config.Duration(23 * time.Hour),
		Custtype:    "P",
		HTTPTimeout: config.Duration(2 * time.Second),
	}
}

func TestApprovalKeyCaching(t *testing.T) {
	var calls atomic.Int64
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if r.URL.Path != "/oauth2/Approval" {
			t.Errorf("unexpected path %s", r.URL.Path)
		}
		var body map[string]string
		if err := json.NewDecoder(r.Body).Decode(&body); err != nil {
			t.Errorf("failed to decode request body: %v", err)
		}
		if body["grant_type"] != "client_credentials" || body["appkey"] != "test-key" || body["secretkey"] != "test-secret" {
			t.Errorf("unexpected request body: %v", body)
		}

		calls.Add(1)
		json.NewEncoder(w).Encode(map[string]string{"approval_key": "approval-1"})
	}))
	defer srv.Close()

	provider := NewCredentialProvider(testKisConfig(srv.URL))

	key, err := provider.ApprovalKey(context.Background())
	if err != nil {
		t.Fatalf("ApprovalKey failed: %v", err)
	}
	if key != "approval-1" {
		t.Errorf("unexpected approval key %s", key)
	}

	// Second call must hit the cache.
	if _, err := provider.ApprovalKey(context.Background()); err != nil {
		t.Fatalf("cached ApprovalKey failed: %v", err)
	}
	if calls.Load() != 1 {
		t.Errorf("expected 1 upstream call, got %d", calls.Load())
	}

	// Forced refresh issues a new key.
	if _, err := provider.RefreshApprovalKey(context.Background()); err != nil {
		t.Fatalf("RefreshApprovalKey failed: %v", err)
	}
	if calls.Load() != 2 {
		t.Errorf("expected 2 upstream calls after refresh, got %d", calls.Load())
	}
}

func TestAccessTokenCaching(t *testing.T) {
	var calls atomic.Int64
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if r.URL.Path != "/oauth2/tokenP" {
			t.Errorf("unexpected path %s", r.URL.Path)
		}
		calls.Add(1)
		json.NewEncoder(w).Encode(map[string]string{"access_token": "token-1"})
	}))
	defer srv.Close()

	provider := NewCredentialProvider(testKisConfig(srv.URL))

	token, err := provider.AccessToken(context.Background())
	if err != nil {
		t.Fatalf("AccessToken failed: %v", err)
	}
	if token != "token-1" {
		t.Errorf("unexpected access token %s", token)
	}

	if _, err := provider.AccessToken(context.Background()); err != nil {
		t.Fatalf("cached AccessToken failed: %v", err)
	}
	if calls.Load() != 1 {
		t.Errorf("expected 1 upstream call, got %d", calls.Load())
	}
}

func TestAccessTokenRejection(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		json.NewEncoder(w).Encode(map[string]string{
			"error_code":        "EGW00201",
			"error_description": "invalid appkey",
		})
	}))
	defer srv.Close()

	provider := NewCredentialProvider(testKisConfig(srv.URL))
	if _, err := provider.AccessToken(context.Background()); err == nil {
		t.Fatal("expected error for rejected token request")
	}
}

func TestApprovalKeyEmptyResponse(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		json.NewEncoder(w).Encode(map[string]string{})
	}))
	defer srv.Close()

	provider := NewCredentialProvider(testKisConfig(srv.URL))
	if _, err := provider.ApprovalKey(context.Background()); err == nil {
		t.Fatal("expected error for response without approval_key")
	}
}
