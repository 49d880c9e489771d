package assetclient

import (
	"context"
	"encoding/json"
	"errors"
	"net/http"
	"net/http/httptest"
	"testing"
)

func TestTransferIn_SendsBookTransferIntoCustody(t *testing.T) {
	var got TransferRequest
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if r.Method != http.MethodPost || r.URL.Path != "/v1/transfers" {
			t.Errorf("unexpected request %s %s", r.Method, r.URL.Path)
		}
		if r.Header.Get("X-Internal-API-Key") != "secret" {
			t.Errorf("expected internal api key header, got %q", r.Header.Get("X-Internal-API-Key"))
		}
		if r.Header.Get("Idempotency-Key") == "" {
			t.Error("expected idempotency key header")
		}
		if err := json.NewDecoder(r.Body).Decode(&got); err != nil {
			t.Errorf("decode body: %v", err)
		}
		w.Header().Set("Content-Type", "application/json")
		_, _ = w.Write([]byte(`{"id":"trf_1","status":"completed"}`))
	}))
	defer server.Close()

	client := NewClient(server.URL+"/", "secret", "engine")
	if err := client.TransferIn(context.Background(), "alice", "usdc", 250); err != nil {
		t.Fatalf("TransferIn returned error: %v", err)
	}
	if got.From != "alice" || got.To != "engine" || got.Asset != "usdc" || got.Amount != 250 {
		t.Fatalf("unexpected transfer payload %+v", got)
	}
}

func TestTransferOut_MapsInsufficientFunds(t *testing.T) {
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusPaymentRequired)
		_, _ = w.Write([]byte(`{"code":"insufficient_funds","message":"custody balance too low"}`))
	}))
	defer server.Close()

	client := NewClient(server.URL, "", "engine")
	err := client.TransferOut(context.Background(), "bob", "", 10)
	if !errors.Is(err, ErrInsufficientFunds) {
		t.Fatalf("expected ErrInsufficientFunds, got %v", err)
	}
}

func TestTransferOut_OtherErrorsAreNotFundsErrors(t *testing.T) {
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusBadGateway)
		_, _ = w.Write([]byte(`{"code":"upstream_unavailable","message":"try later"}`))
	}))
	defer server.Close()

	client := NewClient(server.URL, "", "engine")
	err := client.TransferOut(context.Background(), "bob", "", 10)
	if err == nil || errors.Is(err, ErrInsufficientFunds) {
		t.Fatalf("expected non-funds error, got %v", err)
	}
	var apiErr *ErrorResponse
	if !errors.As(err, &apiErr) || apiErr.Code != "upstream_unavailable" {
		t.Fatalf("expected ErrorResponse, got %v", err)
	}
}

func TestCustodyBalance(t *testing.T) {
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if r.URL.Path != "/v1/accounts/engine/balances" || r.URL.Query().Get("asset") != "link" {
			t.Errorf("unexpected request %s", r.URL.String())
		}
		_, _ = w.Write([]byte(`{"account":"engine","asset":"link","balance":42}`))
	}))
	defer server.Close()

	client := NewClient(server.URL, "", "engine")
	balance, err := client.CustodyBalance(context.Background(), "link")
	if err != nil {
		t.Fatalf("CustodyBalance returned error: %v", err)
	}
	if balance != 42 {
		t.Fatalf("expected 42, got %d", balance)
	}
}
