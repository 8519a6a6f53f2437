package webhook

import (
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"sync/atomic"
	"testing"
)

func TestNotifyIsNoopWithoutURL(t *testing.T) {
	svc := NewService("", nil)
	if err := svc.Notify(context.Background(), Event{Action: "push"}); err != nil {
		t.Fatalf("Notify with no URL configured: %v", err)
	}
}

func TestNotifyDeliversSynchronouslyWithoutRedis(t *testing.T) {
	var received int32
	var gotEvent Event

	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		atomic.AddInt32(&received, 1)
		if err := json.NewDecoder(r.Body).Decode(&gotEvent); err != nil {
			t.Errorf("decoding webhook body: %v", err)
		}
		w.WriteHeader(http.StatusOK)
	}))
	defer srv.Close()

	svc := NewService(srv.URL, nil)
	event := Event{Action: "push", Repository: "library/alpine", Reference: "latest"}
	if err := svc.Notify(context.Background(), event); err != nil {
		t.Fatalf("Notify: %v", err)
	}

	if atomic.LoadInt32(&received) != 1 {
		t.Fatalf("webhook endpoint received %d requests, want 1", received)
	}
	if gotEvent.Repository != "library/alpine" {
		t.Fatalf("delivered event repository = %s, want library/alpine", gotEvent.Repository)
	}
}

func TestNotifyReturnsErrorOnNonSuccessStatus(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusInternalServerError)
	}))
	defer srv.Close()

	svc := NewService(srv.URL, nil)
	if err := svc.Notify(context.Background(), Event{Action: "push"}); err == nil {
		t.Fatalf("Notify against a failing endpoint: expected error, got nil")
	}
}
