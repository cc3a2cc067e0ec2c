package httpclient

import (
	"context"
	"errors"
	"net/http"
	"net/http/httptest"
	"sync/atomic"
	"testing"
	"time"

	gobreaker "github.com/sony/gobreaker/v2"
)

func TestFetcher_GetReturnsBody(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, _ *http.Request) {
		w.Header().Set("Content-Type", "image/png")
		_, _ = w.Write([]byte("png-bytes"))
	}))
	defer srv.Close()

	f := NewFetcher("test", NewOutbound(time.Second), BreakerConfig{})
	resp, err := f.Get(context.Background(), srv.URL+"/1/2/3.png")
	if err != nil {
		t.Fatalf("Get: %v", err)
	}
	if string(resp.Body) != "png-bytes" || resp.ContentType != "image/png" {
		t.Fatalf("resp=%+v", resp)
	}
}

func TestFetcher_OpensAfterServerErrors(t *testing.T) {
	var hits atomic.Int32
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, _ *http.Request) {
		hits.Add(1)
		w.WriteHeader(http.StatusBadGateway)
	}))
	defer srv.Close()

	f := NewFetcher("flaky", NewOutbound(time.Second), BreakerConfig{FailureThreshold: 2, Timeout: time.Minute})
	for range 2 {
		_, err := f.Get(context.Background(), srv.URL)
		var se *StatusError
		if !errors.As(err, &se) || se.Status != http.StatusBadGateway {
			t.Fatalf("want StatusError 502, got %v", err)
		}
	}
	_, err := f.Get(context.Background(), srv.URL)
	if !errors.Is(err, gobreaker.ErrOpenState) {
		t.Fatalf("want open breaker, got %v", err)
	}
	if hits.Load() != 2 {
		t.Fatalf("upstream hit %d times after breaker opened", hits.Load())
	}
	if f.State() != "open" {
		t.Fatalf("state=%s", f.State())
	}
}

func TestFetcher_ClientErrorsDoNotTrip(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, _ *http.Request) {
		w.WriteHeader(http.StatusNotFound)
	}))
	defer srv.Close()

	f := NewFetcher("missing", NewOutbound(time.Second), BreakerConfig{FailureThreshold: 1})
	for range 3 {
		var se *StatusError
		if _, err := f.Get(context.Background(), srv.URL); !errors.As(err, &se) {
			t.Fatalf("want StatusError, got %v", err)
		}
	}
	if f.State() != "closed" {
		t.Fatalf("state=%s", f.State())
	}
}
