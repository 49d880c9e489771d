package identityclient

import (
	"context"
	"net/http"
	"net/http/httptest"
	"testing"
)

func TestIsAuthorized(t *testing.T) {
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		switch r.URL.Path {
		case "/internal/principals/alice/delegates/carol":
			_, _ = w.Write([]byte(`{"authorized":true}`))
		case "/internal/principals/alice/delegates/mallory":
			_, _ = w.Write([]byte(`{"authorized":false}`))
		case "/internal/principals/alice/delegates/broken":
			w.WriteHeader(http.StatusInternalServerError)
		default:
			w.WriteHeader(http.StatusNotFound)
		}
	}))
	defer server.Close()

	client := NewClient(server.URL, "key")

	cases := []struct {
		name    string
		actor   string
		want    bool
		wantErr bool
	}{
		{name: "self", actor: "alice", want: true},
		{name: "delegate", actor: "carol", want: true},
		{name: "explicitly denied", actor: "mallory", want: false},
		{name: "unknown", actor: "dave", want: false},
		{name: "registry failure", actor: "broken", wantErr: true},
	}

	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			got, err := client.IsAuthorized(context.Background(), "alice", tc.actor)
			if tc.wantErr {
				if err == nil {
					t.Fatal("expected error")
				}
				return
			}
			if err != nil {
				t.Fatalf("IsAuthorized returned error: %v", err)
			}
			if got != tc.want {
				t.Fatalf("expected %t, got %t", tc.want, got)
			}
		})
	}
}

func TestIsAuthorized_SelfNeedsNoRegistry(t *testing.T) {
	client := NewClient("", "")
	ok, err := client.IsAuthorized(context.Background(), "bob", "bob")
	if err != nil || !ok {
		t.Fatalf("expected self authorization without registry, got %t err=%v", ok, err)
	}
}
