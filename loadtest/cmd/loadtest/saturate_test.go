package main

import (
	"context"
	"net/http"
	"net/http/httptest"
	"testing"
)

func TestServerConnections(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.Header().Set("Content-Type", "application/json")
		w.Write([]byte(`{"status":"ok","connections":42,"uptimeSeconds":3}`))
	}))
	defer srv.Close()

	n, err := serverConnections(context.Background(), srv.URL)
	if err != nil {
		t.Fatalf("serverConnections: %v", err)
	}
	if n != 42 {
		t.Errorf("connections = %d, want 42", n)
	}
}

func TestServerConnectionsBadStatus(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusServiceUnavailable)
	}))
	defer srv.Close()

	if _, err := serverConnections(context.Background(), srv.URL); err == nil {
		t.Fatal("expected error for non-200 health response")
	}
}
